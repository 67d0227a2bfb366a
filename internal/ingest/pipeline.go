package ingest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"github.com/puppycorp/puppylog/internal/logcodec"
	"github.com/puppycorp/puppylog/internal/metrics"
	"github.com/puppycorp/puppylog/internal/segment"
	"github.com/puppycorp/puppylog/internal/store"
	"github.com/puppycorp/puppylog/internal/wal"
	"github.com/puppycorp/puppylog/pkg/log"
	"golang.org/x/sync/semaphore"
)

// Publisher receives every entry appended to the live tail, for the
// subscribe fan-out (C10). Pipeline depends on the interface, not a
// concrete hub, so it can be tested without wiring a real subscriber set.
type Publisher interface {
	Publish(entry *logcodec.LogEntry)
}

type noopPublisher struct{}

func (noopPublisher) Publish(*logcodec.LogEntry) {}

// Pipeline owns the single live segment and its WAL: the live Segment is
// exclusively owned by the ingest path under one mutex. Entries from every
// device interleave in this one tail; sealed segments are therefore orphan
// (no device_id) until the merger attributes them to a device.
//
// The mutex is a weighted semaphore of size 1 rather than sync.Mutex so
// the searcher can attempt a bounded-timeout acquire (falling back to a
// waiting status on timeout) without leaking a goroutine blocked on
// Lock() forever past the deadline: semaphore.Acquire dequeues the waiter
// itself when its context is done.
type Pipeline struct {
	cfg *Config

	mu      *semaphore.Weighted
	live    *segment.Segment
	wal     *wal.Wal
	walDir  string
	segRepo *store.SegmentRepository

	pub Publisher
}

// Open recovers the live tail from walDir's WAL (if any) and starts a fresh
// Pipeline. cfg.ArchiveDir is where sealed segment files are written.
func Open(cfg *Config, walDir string, pub Publisher) (*Pipeline, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if pub == nil {
		pub = noopPublisher{}
	}

	recovered, err := wal.Recover(walDir)
	if err != nil {
		return nil, fmt.Errorf("ingest: recover wal: %w", err)
	}

	w, err := wal.Open(walDir)
	if err != nil {
		return nil, fmt.Errorf("ingest: open wal: %w", err)
	}

	live := segment.New()
	for _, e := range recovered {
		if err := live.AddLogEntry(e); err != nil {
			log.Warnf("ingest: dropping unrecoverable wal entry: %v", err)
		}
	}

	return &Pipeline{
		cfg:     cfg,
		mu:      semaphore.NewWeighted(1),
		live:    live,
		wal:     w,
		walDir:  walDir,
		segRepo: store.GetSegmentRepository(),
		pub:     pub,
	}, nil
}

// Close stops the pipeline's WAL writer goroutine. The live tail is left
// for the next Open's recovery; Close is not a seal.
func (p *Pipeline) Close() {
	p.wal.Close()
}

// SaveLogs appends entries to the live tail under the pipeline mutex: each
// is written to the WAL, appended to the in-memory segment, and published
// to subscribers, in that order. As soon as the tail reaches
// cfg.SealThreshold entries it is sealed, and the rest of the batch starts
// the next tail.
func (p *Pipeline) SaveLogs(entries []*logcodec.LogEntry) error {
	if len(entries) == 0 {
		return nil
	}

	p.mu.Acquire(context.Background(), 1)
	defer p.mu.Release(1)

	for _, e := range entries {
		p.wal.Write(e)
		if err := p.live.AddLogEntry(e); err != nil {
			log.Errorf("ingest: append entry to live segment: %v", err)
			continue
		}
		p.pub.Publish(e)
		metrics.IngestedEntries.Inc()

		if p.live.Len() >= p.cfg.SealThreshold {
			if err := p.seal(); err != nil {
				// Sealing is best-effort: leave the live segment and WAL
				// intact so the next append retries.
				log.Errorf("ingest: seal failed, retrying on next append: %v", err)
			}
		}
	}

	return nil
}

// Len reports the live tail's current entry count, for tests and metrics.
func (p *Pipeline) Len() int {
	p.mu.Acquire(context.Background(), 1)
	defer p.mu.Release(1)
	return p.live.Len()
}

// TryIterateLive attempts to acquire the live-tail lock within timeout; if
// acquired, it calls fn once per entry in newest-first order (the reverse
// of append order — the live tail is only time-sorted on seal) until fn
// returns false, then releases the lock. Reports whether the lock was
// acquired at all, matching the searcher's fallback to a "waiting for
// in-memory log buffer" status on timeout.
func (p *Pipeline) TryIterateLive(timeout time.Duration, fn func(*logcodec.LogEntry) bool) bool {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := p.mu.Acquire(ctx, 1); err != nil {
		return false
	}
	defer p.mu.Release(1)

	pointers := p.live.Pointers()
	for i := len(pointers) - 1; i >= 0; i-- {
		e, err := p.live.EntryAt(i)
		if err != nil {
			log.Errorf("ingest: read live tail entry %d: %v", i, err)
			continue
		}
		if !fn(e) {
			break
		}
	}
	return true
}

// seal compresses the live segment, registers it in the metadata store as
// an orphan (device_id is attributed later by the merger), writes its
// archive file, and clears the tail and WAL. Caller must hold p.mu.
func (p *Pipeline) seal() error {
	if p.live.Len() == 0 {
		return nil
	}

	p.live.Sort()

	id := uuid.New().String()
	path := filepath.Join(p.cfg.ArchiveDir, id+".log")

	if err := os.MkdirAll(p.cfg.ArchiveDir, 0o755); err != nil {
		return fmt.Errorf("ingest: create archive dir: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("ingest: create segment file: %w", err)
	}

	originalSize, compressedSize, err := segment.WriteCompressed(f, p.live, zstd.SpeedDefault)
	if err != nil {
		f.Close()
		os.Remove(path)
		return fmt.Errorf("ingest: write segment file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return fmt.Errorf("ingest: close segment file: %w", err)
	}

	props, firstTs, lastTs, err := summarize(p.live)
	if err != nil {
		os.Remove(path)
		return err
	}

	row := &store.Segment{
		ID:             id,
		FirstTimestamp: firstTs,
		LastTimestamp:  lastTs,
		LogsCount:      int64(p.live.Len()),
		OriginalSize:   originalSize,
		CompressedSize: compressedSize,
		CreatedAt:      time.Now().UnixMilli(),
	}
	if err := p.segRepo.NewSegment(row); err != nil {
		os.Remove(path)
		return err
	}
	if err := p.segRepo.UpsertSegmentProps(id, props); err != nil {
		log.Errorf("ingest: upsert segment props for %s: %v", id, err)
	}

	p.live = segment.New()
	p.wal.ClearSync()

	metrics.SegmentsSealed.Inc()
	log.Infof("ingest: sealed segment %s (%d entries, %d -> %d bytes)", id, row.LogsCount, originalSize, compressedSize)
	return nil
}

// summarize walks a sorted (newest-first) segment's pointers and builds the
// deduplicated property summary (including a synthetic level pair) plus
// the segment's timestamp bounds.
func summarize(s *segment.Segment) (props []store.SegmentProp, firstTS, lastTS int64, err error) {
	seen := make(map[store.SegmentProp]struct{})
	pointers := s.Pointers()
	if len(pointers) == 0 {
		return nil, 0, 0, fmt.Errorf("ingest: cannot summarize empty segment")
	}

	// pointers are newest-first after Sort(): first entry is last_timestamp,
	// last entry is first_timestamp.
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
		return nil, 0, 0, fmt.Errorf("ingest: summarize segment: %w", err)
	}

	props = make([]store.SegmentProp, 0, len(seen))
	for p := range seen {
		props = append(props, p)
	}
	return props, firstTS, lastTS, nil
}
