package search

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/puppycorp/puppylog/internal/logcodec"
	"github.com/puppycorp/puppylog/internal/metrics"
	"github.com/puppycorp/puppylog/internal/queryeval"
	"github.com/puppycorp/puppylog/internal/querylang"
	"github.com/puppycorp/puppylog/internal/segment"
	"github.com/puppycorp/puppylog/internal/store"
	"github.com/puppycorp/puppylog/pkg/log"
)

// defaultWindow is how wide the archive search window is when walking
// backwards from the query's end time.
const defaultWindow = 24 * time.Hour

// defaultMaxFuture bounds how far past "now" the effective end date is
// allowed to reach, guarding against a caller-supplied end_date far in the
// future stalling the walk on an empty tail of the catalog.
const defaultMaxFuture = 200 * 24 * time.Hour

// liveTailTimeout is how long the searcher waits to acquire the live
// segment's lock before falling back to a "waiting" status and moving on
// to the archive walk.
const liveTailTimeout = 100 * time.Millisecond

// progressInterval is the minimum cadence for throughput heartbeats once
// the first couple of entries have been processed.
const progressInterval = 500 * time.Millisecond

// LiveTail is the subset of ingest.Pipeline the searcher needs: a
// best-effort, timeout-bounded pass over the live segment newest-first.
type LiveTail interface {
	TryIterateLive(timeout time.Duration, fn func(*logcodec.LogEntry) bool) bool
}

// SegmentCatalog is the subset of store.SegmentRepository the searcher
// needs, kept as an interface so tests can fake the catalog without a real
// database.
type SegmentCatalog interface {
	FindSegments(q store.SegmentQuery) ([]*store.Segment, error)
	SegmentExistsAt(t int64, deviceIDs []string) (bool, error)
	PrevSegmentEnd(before int64, deviceIDs []string) (int64, bool, error)
	SegmentProps(segmentID string) ([]store.SegmentProp, error)
}

// Searcher drives the two-phase search: a live-tail pass followed by a
// backward archive walk, streaming matches as they're found.
type Searcher struct {
	Live       LiveTail
	Segments   SegmentCatalog
	ArchiveDir string
	Window     time.Duration
}

// New returns a Searcher with the default 24h archive window.
func New(live LiveTail, segments SegmentCatalog, archiveDir string) *Searcher {
	return &Searcher{Live: live, Segments: segments, ArchiveDir: archiveDir, Window: defaultWindow}
}

type progress struct {
	start      time.Time
	processed  int64
	lastEmit   time.Time
}

func (p *progress) speed() float64 {
	if p.processed == 0 {
		return 0
	}
	secs := time.Since(p.start).Seconds()
	if secs <= 0 {
		return 0
	}
	return float64(p.processed) / secs
}

func (p *progress) shouldEmit() bool {
	return p.processed <= 2 || p.processed%1000 == 0 || time.Since(p.lastEmit) >= progressInterval
}

// send delivers item to out, respecting ctx cancellation. Returns true if
// the search should stop (ctx was done).
func send(ctx context.Context, out chan<- StreamItem, item StreamItem) bool {
	select {
	case out <- item:
		return false
	case <-ctx.Done():
		return true
	}
}

func (s *Searcher) emitProgress(ctx context.Context, out chan<- StreamItem, p *progress, status string) bool {
	stop := send(ctx, out, SearchProgressItem{ProcessedLogs: p.processed, LogsPerSecond: p.speed(), Status: status})
	p.lastEmit = time.Now()
	return stop
}

// Search streams matches for ast to out, newest-first over time: the live
// tail first, then a backward archive walk. It returns when the walk is
// exhausted, ctx is cancelled, or end drops below the query's start bound.
func (s *Searcher) Search(ctx context.Context, ast *querylang.QueryAst, out chan<- StreamItem) error {
	tz := time.UTC
	if ast.TZOffset != 0 {
		tz = time.FixedZone("query", int(ast.TZOffset.Seconds()))
	}

	end := time.Now()
	if ast.EndDate != nil {
		end = *ast.EndDate
	}
	deviceIDs := queryeval.ExtractDeviceIDs(ast.Root)
	startBound, endBound := queryeval.TimestampBounds(ast.Root)
	if endBound != nil && endBound.Before(end) {
		end = *endBound
	}
	if max := time.Now().Add(defaultMaxFuture); end.After(max) {
		end = max
	}

	p := &progress{start: time.Now(), lastEmit: time.Now()}

	if s.searchLiveTail(ctx, ast, tz, startBound, &end, out, p) {
		return nil
	}

	if err := s.searchArchive(ctx, ast, tz, deviceIDs, startBound, end, out, p); err != nil {
		return err
	}

	if p.processed > 0 {
		send(ctx, out, SearchProgressItem{ProcessedLogs: p.processed, LogsPerSecond: p.speed()})
	}
	return nil
}

// searchLiveTail attempts the in-memory pass. Returns true if the caller
// should stop (ctx cancelled mid-scan).
func (s *Searcher) searchLiveTail(ctx context.Context, ast *querylang.QueryAst, tz *time.Location, startBound *time.Time, end *time.Time, out chan<- StreamItem, p *progress) bool {
	stopped := false
	scanEnd := *end

	acquired := s.Live.TryIterateLive(liveTailTimeout, func(e *logcodec.LogEntry) bool {
		if ctx.Err() != nil {
			stopped = true
			return false
		}
		p.processed++
		metrics.SearchedEntries.Inc()
		if p.shouldEmit() {
			if s.emitProgress(ctx, out, p, "") {
				stopped = true
				return false
			}
		}
		if e.Timestamp.After(scanEnd) {
			return true
		}
		if startBound != nil && e.Timestamp.Before(*startBound) {
			return true
		}
		scanEnd = e.Timestamp
		ok, err := queryeval.CheckExpr(ast.Root, e, tz)
		if err != nil || !ok {
			return true
		}
		if send(ctx, out, EntryItem{Entry: e}) {
			stopped = true
			return false
		}
		return true
	})
	*end = scanEnd

	if !acquired && time.Since(p.lastEmit) >= progressInterval {
		if s.emitProgress(ctx, out, p, "waiting for in-memory log buffer") {
			return true
		}
	}
	return stopped
}

func (s *Searcher) searchArchive(ctx context.Context, ast *querylang.QueryAst, tz *time.Location, deviceIDs []string, startBound *time.Time, end time.Time, out chan<- StreamItem, p *progress) error {
	visited := make(map[string]struct{})
	var prevEnd *time.Time
	cur := end
	prevEnd = &cur

	for {
		if ctx.Err() != nil {
			return nil
		}
		if prevEnd == nil {
			return nil
		}
		currentPrev := *prevEnd

		existsMicros := currentPrev.UnixMicro()
		exists, err := s.Segments.SegmentExistsAt(existsMicros, deviceIDs)
		if err != nil {
			return fmt.Errorf("search: segment exists at: %w", err)
		}

		var windowEnd time.Time
		if exists {
			windowEnd = currentPrev
		} else {
			prev, ok, err := s.Segments.PrevSegmentEnd(existsMicros, deviceIDs)
			if err != nil {
				return fmt.Errorf("search: prev segment end: %w", err)
			}
			if !ok {
				return nil
			}
			windowEnd = time.UnixMicro(prev)
		}

		if startBound != nil && windowEnd.Before(*startBound) {
			return nil
		}

		windowStart := windowEnd.Add(-s.Window)
		if startBound != nil && windowStart.Before(*startBound) {
			windowStart = *startBound
		}
		next := windowStart
		prevEnd = &next

		if time.Since(p.lastEmit) >= progressInterval {
			if s.emitProgress(ctx, out, p, "loading matching segments") {
				return nil
			}
		}

		startMicros := windowStart.UnixMicro()
		endMicros := windowEnd.UnixMicro()
		segs, err := s.Segments.FindSegments(store.SegmentQuery{
			Start:     &startMicros,
			End:       &endMicros,
			DeviceIDs: deviceIDs,
		})
		if err != nil {
			return fmt.Errorf("search: find segments: %w", err)
		}
		if len(segs) == 0 {
			return nil
		}

		for _, seg := range segs {
			if ctx.Err() != nil {
				return nil
			}
			if _, seen := visited[seg.ID]; seen {
				continue
			}
			visited[seg.ID] = struct{}{}

			if time.Since(p.lastEmit) >= progressInterval {
				if s.emitProgress(ctx, out, p, "loading segment metadata") {
					return nil
				}
			}

			props, err := s.Segments.SegmentProps(seg.ID)
			if err != nil {
				log.Errorf("search: fetch segment props for %s: %v", seg.ID, err)
				continue
			}

			first := time.UnixMicro(seg.FirstTimestamp)
			last := time.UnixMicro(seg.LastTimestamp)
			if !queryeval.SegmentMayMatch(ast.Root, first, last) {
				// Only a time mismatch moves the scan frontier: a later
				// device's segment must not foreclose an earlier one
				// still in range.
				end = first
				continue
			}

			propMatch, err := queryeval.CheckProps(ast.Root, props)
			if err != nil {
				log.Errorf("search: check segment props for %s: %v", seg.ID, err)
				continue
			}
			if !propMatch {
				// A property mismatch does NOT move end: other devices'
				// segments must not cut off this device's later logs.
				continue
			}

			if send(ctx, out, SegmentProgressItem{
				SegmentID:      seg.ID,
				DeviceID:       seg.DeviceID,
				FirstTimestamp: first,
				LastTimestamp:  last,
				LogsCount:      seg.LogsCount,
			}) {
				return nil
			}

			if stop, err := s.searchSegmentFile(ctx, ast, tz, seg.ID, end, out, p); err != nil {
				log.Errorf("search: read segment %s: %v", seg.ID, err)
				continue
			} else if stop {
				return nil
			}
		}
	}
}

func (s *Searcher) searchSegmentFile(ctx context.Context, ast *querylang.QueryAst, tz *time.Location, segmentID string, end time.Time, out chan<- StreamItem, p *progress) (stop bool, err error) {
	path := filepath.Join(s.ArchiveDir, segmentID+".log")
	f, err := os.Open(path)
	if err != nil {
		return false, fmt.Errorf("open segment file: %w", err)
	}
	defer f.Close()

	seg, err := segment.ReadCompressed(f)
	if err != nil {
		return false, fmt.Errorf("read compressed segment: %w", err)
	}

	iterErr := seg.Iter(func(i int, h segment.LogHeader, e *logcodec.LogEntry) (bool, error) {
		if ctx.Err() != nil {
			stop = true
			return false, nil
		}
		p.processed++
		metrics.SearchedEntries.Inc()
		if p.shouldEmit() {
			if s.emitProgress(ctx, out, p, "") {
				stop = true
				return false, nil
			}
		}
		if e.Timestamp.After(end) {
			return true, nil
		}
		ok, err := queryeval.CheckExpr(ast.Root, e, tz)
		if err != nil || !ok {
			return true, nil
		}
		if send(ctx, out, EntryItem{Entry: e}) {
			stop = true
			return false, nil
		}
		return true, nil
	})
	return stop, iterErr
}
