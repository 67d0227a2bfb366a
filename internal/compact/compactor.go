package compact

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/klauspost/compress/zstd"
	"github.com/puppycorp/puppylog/internal/logcodec"
	"github.com/puppycorp/puppylog/internal/store"
	"github.com/puppycorp/puppylog/pkg/log"
)

// minSegmentsToCoalesce skips devices with fewer than 2 small segments:
// coalescing a single small segment with itself would just rewrite it for
// no gain.
const minSegmentsToCoalesce = 2

// Compactor coalesces small, already device-attributed segments so query
// evaluation walks fewer, bigger files. Unlike the merger it never changes
// device attribution, only locality.
type Compactor struct {
	cfg     *Config
	segRepo *store.SegmentRepository
}

// NewCompactor returns a Compactor using cfg's tunables.
func NewCompactor(cfg *Config) *Compactor {
	return &Compactor{
		cfg:     cfg,
		segRepo: store.GetSegmentRepository(),
	}
}

// RunOnce groups every device's small segments (logs_count below
// TargetSegmentSize) and coalesces each group, devices with fewer than two
// qualifying segments are left alone. It reports whether any device was
// coalesced.
func (c *Compactor) RunOnce() (bool, error) {
	devices, err := store.GetDeviceRepository().ListDevices()
	if err != nil {
		return false, fmt.Errorf("compact: list devices: %w", err)
	}

	coalesced := false
	for _, dev := range devices {
		did, err := c.coalesceDevice(dev.ID)
		if err != nil {
			log.Errorf("compact: coalesce device %s: %v", dev.ID, err)
			continue
		}
		coalesced = coalesced || did
	}
	return coalesced, nil
}

// coalesceDevice finds device's small segments, merges them into
// TargetSegmentSize-sized chunks at the compactor's higher compression
// level, and deletes the consumed sources.
func (c *Compactor) coalesceDevice(device string) (bool, error) {
	segs, err := c.segRepo.FindSegments(store.SegmentQuery{
		DeviceIDs: []string{device},
		Ascending: true,
	})
	if err != nil {
		return false, err
	}

	small := make([]*store.Segment, 0, len(segs))
	for _, s := range segs {
		if s.LogsCount < int64(c.cfg.TargetSegmentSize) {
			small = append(small, s)
		}
	}
	if len(small) < minSegmentsToCoalesce {
		return false, nil
	}

	sort.Slice(small, func(i, j int) bool {
		return small[i].FirstTimestamp < small[j].FirstTimestamp
	})

	buf := make([]*logcodec.LogEntry, 0, c.cfg.TargetSegmentSize)
	consumed := make([]string, 0, len(small))

	flush := func() error {
		if len(buf) == 0 {
			return nil
		}
		if err := sealDeviceSegment(c.cfg, c.segRepo, device, buf, c.cfg.CompressionLevel,
			zstd.WithEncoderConcurrency(c.cfg.CompressionConcurrency)); err != nil {
			return err
		}
		buf = buf[:0]
		return nil
	}

	for _, s := range small {
		path := filepath.Join(c.cfg.ArchiveDir, s.ID+".log")
		entries, err := readSegmentFile(path)
		if err != nil {
			log.Warnf("compact: compactor cannot open %s for segment %s: %v", path, s.ID, err)
			continue
		}

		for _, e := range entries {
			buf = append(buf, e)
			if len(buf) >= c.cfg.TargetSegmentSize {
				if err := flush(); err != nil {
					return true, err
				}
			}
		}
		consumed = append(consumed, s.ID)
	}

	if err := flush(); err != nil {
		return true, err
	}

	for _, id := range consumed {
		path := filepath.Join(c.cfg.ArchiveDir, id+".log")
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			log.Warnf("compact: remove coalesced source file %s: %v", path, err)
		}
	}
	if err := c.segRepo.DeleteSegments(consumed); err != nil {
		return true, err
	}

	log.Infof("compact: coalesced %d small segments into device %s", len(consumed), device)
	return true, nil
}
