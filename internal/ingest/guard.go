package ingest

import (
	"errors"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// ErrOverCapacity is returned by Guard.Acquire when the concurrent-upload
// ceiling is already reached. The HTTP transport maps this to a
// "retry-after" response.
var ErrOverCapacity = errors.New("ingest: upload admission guard at capacity")

// Guard bounds the number of uploads being staged concurrently. It wraps a
// weighted semaphore rather than a hand-rolled CAS counter, the
// ecosystem-standard primitive for this; in holds is tracked alongside it
// purely so AtCapacity can report state without itself acquiring and
// releasing a slot.
type Guard struct {
	sem *semaphore.Weighted
	max int64
	in  atomic.Int64
}

// NewGuard returns a Guard admitting at most max concurrent uploads.
func NewGuard(max int64) *Guard {
	if max <= 0 {
		max = 1
	}
	return &Guard{sem: semaphore.NewWeighted(max), max: max}
}

// Acquire reports ErrOverCapacity immediately if the guard is already at
// capacity rather than queuing the caller.
func (g *Guard) Acquire() error {
	if !g.sem.TryAcquire(1) {
		return ErrOverCapacity
	}
	g.in.Add(1)
	return nil
}

// Release returns one slot to the guard. Must be called exactly once per
// successful Acquire.
func (g *Guard) Release() {
	g.in.Add(-1)
	g.sem.Release(1)
}

// AtCapacity reports whether every slot is currently held, for the status
// endpoint's "temporarily refusing uploads" signal. Disk-pressure is not
// consulted here; this guard only tracks concurrent upload slots.
func (g *Guard) AtCapacity() bool {
	return g.in.Load() >= g.max
}
