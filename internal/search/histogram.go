package search

import (
	"context"
	"time"

	"github.com/puppycorp/puppylog/internal/querylang"
)

// HistogramBucket is one bucket of a Histogram result: the number of
// matching entries whose timestamp fell in [Bucket, Bucket+width).
type HistogramBucket struct {
	Bucket time.Time
	Count  uint64
}

// Histogram buckets ast's matches by bucketWidth, emitting each bucket to
// out as soon as a later entry falls outside it (entries arrive newest
// first, so buckets are emitted newest first too) plus a final flush of
// the oldest open bucket once the search completes. It drives the same
// Searcher used by Search rather than a separate query path.
func (s *Searcher) Histogram(ctx context.Context, ast *querylang.QueryAst, bucketWidth time.Duration, out chan<- HistogramBucket) error {
	entries := make(chan StreamItem, 100)

	done := make(chan error, 1)
	go func() {
		done <- s.Search(ctx, ast, entries)
		close(entries)
	}()

	var current *time.Time
	var count uint64
	bucketSecs := int64(bucketWidth.Seconds())
	if bucketSecs <= 0 {
		bucketSecs = 60
	}

	flush := func(b time.Time) bool {
		select {
		case out <- HistogramBucket{Bucket: b, Count: count}:
			return false
		case <-ctx.Done():
			return true
		}
	}

	for item := range entries {
		e, ok := item.(EntryItem)
		if !ok {
			continue
		}
		ts := e.Entry.Timestamp.Unix()
		bucketTS := ts - ts%bucketSecs
		bucket := time.Unix(bucketTS, 0).UTC()

		if current == nil {
			current = &bucket
			count = 1
			continue
		}
		if bucket.Equal(*current) {
			count++
			continue
		}
		if flush(*current) {
			return <-done
		}
		current = &bucket
		count = 1
	}

	if current != nil {
		flush(*current)
	}

	return <-done
}
