package compact

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"github.com/puppycorp/puppylog/internal/logcodec"
	"github.com/puppycorp/puppylog/internal/segment"
	"github.com/puppycorp/puppylog/internal/store"
	"github.com/puppycorp/puppylog/pkg/log"
)

// Merger turns device-agnostic orphan segments (no device_id in the
// catalog) into per-device segments. It is not safe for concurrent use; the
// scheduler (service.go) runs one merger goroutine.
type Merger struct {
	cfg     *Config
	segRepo *store.SegmentRepository

	buffers map[string][]*logcodec.LogEntry
	order   *lruOrder
	total   int
}

// NewMerger returns a Merger using cfg's tunables.
func NewMerger(cfg *Config) *Merger {
	return &Merger{
		cfg:     cfg,
		segRepo: store.GetSegmentRepository(),
		buffers: make(map[string][]*logcodec.LogEntry),
		order:   newLRUOrder(),
	}
}

// RunOnce processes one batch of orphan segments, splitting their entries
// into per-device buffers, flushing any that reach TargetSegmentSize or
// that the in-core LRU cap evicts, then unconditionally flushing all
// remaining buffers before deleting the consumed orphans. It reports
// whether any orphan segments were found.
func (m *Merger) RunOnce() (bool, error) {
	segs, err := m.segRepo.FindSegments(store.SegmentQuery{
		OrphanOnly: true,
		Count:      m.cfg.MergerBatchSize,
		Ascending:  true,
	})
	if err != nil {
		return false, fmt.Errorf("compact: find orphan segments: %w", err)
	}
	if len(segs) == 0 {
		return false, nil
	}

	consumed := make([]*store.Segment, 0, len(segs))
	for _, seg := range segs {
		path := filepath.Join(m.cfg.ArchiveDir, seg.ID+".log")
		entries, err := readSegmentFile(path)
		if err != nil {
			log.Warnf("compact: merger cannot open %s for segment %s: %v", path, seg.ID, err)
			continue
		}

		for _, e := range entries {
			m.handleLog(e)
		}
		consumed = append(consumed, seg)
	}

	// Flush every remaining buffer unconditionally: small buffers must
	// not be lost just because they never hit TargetSegmentSize.
	for device := range m.buffers {
		if err := m.flushDevice(device); err != nil {
			return true, err
		}
	}

	ids := make([]string, 0, len(consumed))
	for _, seg := range consumed {
		ids = append(ids, seg.ID)
		path := filepath.Join(m.cfg.ArchiveDir, seg.ID+".log")
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			log.Warnf("compact: remove consumed orphan file %s: %v", path, err)
		}
	}
	if err := m.segRepo.DeleteSegments(ids); err != nil {
		return true, err
	}

	return true, nil
}

// handleLog attributes one entry to a device (falling back to
// UnknownDeviceID, attached to a copy of the entry with its own props slice
// so downstream filters see a value while the decoded entry stays
// unchanged) and buffers it, flushing on size or evicting on the in-core
// cap as needed.
func (m *Merger) handleLog(e *logcodec.LogEntry) {
	deviceID, ok := deviceIDProp(e)
	if !ok {
		deviceID = UnknownDeviceID
		tagged := *e
		tagged.Props = append(append([]logcodec.Prop(nil), e.Props...), logcodec.Prop{Key: "deviceId", Value: UnknownDeviceID})
		e = &tagged
	}

	m.buffers[deviceID] = append(m.buffers[deviceID], e)
	m.order.touch(deviceID)
	m.total++

	if len(m.buffers[deviceID]) >= m.cfg.TargetSegmentSize {
		if err := m.flushDevice(deviceID); err != nil {
			log.Errorf("compact: flush device %s at target size: %v", deviceID, err)
		}
	}

	for m.total > m.cfg.MaxInCore {
		oldest, ok := m.order.popOldest()
		if !ok {
			break
		}
		log.Infof("compact: evicting oldest buffered device %s (in-core cap)", oldest)
		if err := m.flushDevice(oldest); err != nil {
			log.Errorf("compact: flush evicted device %s: %v", oldest, err)
		}
	}
}

// flushDevice serializes, compresses, and catalogs device's buffered
// entries as a new per-device segment, then clears the buffer.
func (m *Merger) flushDevice(device string) error {
	entries := m.buffers[device]
	delete(m.buffers, device)
	m.order.remove(device)
	m.total -= len(entries)

	if len(entries) == 0 {
		return nil
	}

	return sealDeviceSegment(m.cfg, m.segRepo, device, entries, zstd.SpeedDefault)
}

func deviceIDProp(e *logcodec.LogEntry) (string, bool) {
	for _, p := range e.Props {
		if p.Key == "deviceId" {
			return p.Value, true
		}
	}
	return "", false
}

// readSegmentFile decompresses and parses an archived segment file into its
// entries, in pointer (newest-first) order.
func readSegmentFile(path string) ([]*logcodec.LogEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	seg, err := segment.ReadCompressed(f)
	if err != nil {
		return nil, fmt.Errorf("read compressed segment: %w", err)
	}

	entries := make([]*logcodec.LogEntry, 0, seg.Len())
	err = seg.Iter(func(i int, h segment.LogHeader, e *logcodec.LogEntry) (bool, error) {
		entries = append(entries, e)
		return true, nil
	})
	if err != nil {
		return nil, fmt.Errorf("iterate segment: %w", err)
	}
	return entries, nil
}

// sealDeviceSegment builds, compresses, and catalogs a brand-new per-device
// segment from entries, shared by both the merger and the compactor.
func sealDeviceSegment(cfg *Config, segRepo *store.SegmentRepository, deviceID string, entries []*logcodec.LogEntry, level zstd.EncoderLevel, opts ...zstd.EOption) error {
	seg := segment.New()
	for _, e := range entries {
		if err := seg.AddLogEntry(e); err != nil {
			return fmt.Errorf("compact: add entry to device segment: %w", err)
		}
	}
	seg.Sort()

	if err := os.MkdirAll(cfg.ArchiveDir, 0o755); err != nil {
		return fmt.Errorf("compact: create archive dir: %w", err)
	}

	id := uuid.New().String()
	path := filepath.Join(cfg.ArchiveDir, id+".log")

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("compact: create segment file: %w", err)
	}

	originalSize, compressedSize, err := segment.WriteCompressed(f, seg, level, opts...)
	if err != nil {
		f.Close()
		os.Remove(path)
		return fmt.Errorf("compact: write segment file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return fmt.Errorf("compact: close segment file: %w", err)
	}

	props, firstTS, lastTS, err := summarizeSegment(seg)
	if err != nil {
		os.Remove(path)
		return err
	}

	row := &store.Segment{
		ID:             id,
		DeviceID:       deviceID,
		FirstTimestamp: firstTS,
		LastTimestamp:  lastTS,
		LogsCount:      int64(seg.Len()),
		OriginalSize:   originalSize,
		CompressedSize: compressedSize,
		CreatedAt:      time.Now().UnixMilli(),
	}
	if err := segRepo.NewSegment(row); err != nil {
		os.Remove(path)
		return err
	}
	if err := segRepo.UpsertSegmentProps(id, props); err != nil {
		log.Errorf("compact: upsert segment props for %s: %v", id, err)
	}

	log.Infof("compact: sealed device segment %s for %s (%d entries, %d -> %d bytes)", id, deviceID, row.LogsCount, originalSize, compressedSize)
	return nil
}

// summarizeSegment builds the deduplicated property summary (including the
// synthetic level pair) and timestamp bounds for a freshly built, sorted
// segment, matching the same contract internal/ingest uses at seal time.
func summarizeSegment(s *segment.Segment) (props []store.SegmentProp, firstTS, lastTS int64, err error) {
	seen := make(map[store.SegmentProp]struct{})
	pointers := s.Pointers()
	if len(pointers) == 0 {
		return nil, 0, 0, fmt.Errorf("compact: cannot summarize empty segment")
	}

	lastTS = pointers[0].Timestamp.UnixMicro()
	firstTS = pointers[len(pointers)-1].Timestamp.UnixMicro()

	err = s.Iter(func(i int, h segment.LogHeader, e *logcodec.LogEntry) (bool, error) {
		seen[store.SegmentProp{Key: "level", Value: e.Level.String()}] = struct{}{}
		for _, pr := range e.Props {
			seen[store.SegmentProp{Key: pr.Key, Value: pr.Value}] = struct{}{}
		}
		return true, nil
	})
	if err != nil {
		return nil, 0, 0, fmt.Errorf("compact: summarize segment: %w", err)
	}

	props = make([]store.SegmentProp, 0, len(seen))
	for p := range seen {
		props = append(props, p)
	}
	return props, firstTS, lastTS, nil
}
