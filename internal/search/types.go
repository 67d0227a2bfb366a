// Package search implements the log searcher: a live-tail plus backward
// archive walk that streams matches, segment progress and throughput
// heartbeats over a query's lifetime.
package search

import (
	"time"

	"github.com/puppycorp/puppylog/internal/logcodec"
)

// StreamItem is one of the three kinds of item a search streams, in order
// and newest-first over time: a matching Entry, a SegmentProgress marking
// the start of a new archive segment, or a SearchProgress heartbeat.
type StreamItem interface{ streamItem() }

// EntryItem wraps a matching log record.
type EntryItem struct {
	Entry *logcodec.LogEntry
}

// SegmentProgressItem announces that the walk is about to process the
// named archive segment.
type SegmentProgressItem struct {
	SegmentID      string
	DeviceID       string
	FirstTimestamp time.Time
	LastTimestamp  time.Time
	LogsCount      int64
}

// SearchProgressItem is a throughput heartbeat. Status is set for
// out-of-band states ("waiting for in-memory log buffer", "loading
// matching segments", ...) and empty for ordinary progress pulses.
type SearchProgressItem struct {
	ProcessedLogs int64
	LogsPerSecond float64
	Status        string
}

func (EntryItem) streamItem()           {}
func (SegmentProgressItem) streamItem() {}
func (SearchProgressItem) streamItem()  {}
