// Package wal implements the durable write-ahead log for the live segment
// tail: an append-only file written by a single dedicated goroutine so that
// callers never block on disk I/O beyond a channel send.
package wal

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/puppycorp/puppylog/internal/logcodec"
	"github.com/puppycorp/puppylog/pkg/log"
)

const fileName = "wal.log"

type cmdKind int

const (
	cmdWrite cmdKind = iota
	cmdClear
)

type command struct {
	kind  cmdKind
	entry *logcodec.LogEntry
	done  chan struct{} // non-nil when the caller wants to wait for ordering
}

// Wal is the append-only log of not-yet-sealed entries. Write and Clear are
// ordered relative to each other because both are processed by the same
// single writer goroutine: Clear always runs after every prior write on the
// same stream.
type Wal struct {
	ch   chan command
	done chan struct{}
	wg   sync.WaitGroup
}

// Open opens (creating if necessary) the WAL file at dir/wal.log and starts
// its dedicated writer goroutine.
func Open(dir string) (*Wal, error) {
	path := Path(dir)
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("wal: open %s: %w", path, err)
	}

	w := &Wal{
		ch:   make(chan command, 1024),
		done: make(chan struct{}),
	}

	w.wg.Add(1)
	go w.run(file)

	return w, nil
}

// Path returns the WAL file path for a log directory.
func Path(dir string) string {
	return filepath.Join(dir, fileName)
}

func (w *Wal) run(file *os.File) {
	defer w.wg.Done()
	defer file.Close()

	for cmd := range w.ch {
		switch cmd.kind {
		case cmdWrite:
			if err := cmd.entry.Serialize(file); err != nil {
				log.Errorf("wal: write entry: %v", err)
			}
		case cmdClear:
			if err := file.Truncate(0); err != nil {
				log.Errorf("wal: truncate: %v", err)
			} else if _, err := file.Seek(0, os.SEEK_SET); err != nil {
				log.Errorf("wal: seek after truncate: %v", err)
			}
		}
		if cmd.done != nil {
			close(cmd.done)
		}
	}
}

// Write enqueues entry to be appended to the WAL file. It returns once the
// entry is enqueued, not once it is durable on disk.
func (w *Wal) Write(entry *logcodec.LogEntry) {
	select {
	case w.ch <- command{kind: cmdWrite, entry: entry}:
	case <-w.done:
		log.Errorf("wal: write after close dropped")
	}
}

// Clear truncates the WAL to zero length. It is ordered after every prior
// Write on this Wal.
func (w *Wal) Clear() {
	select {
	case w.ch <- command{kind: cmdClear}:
	case <-w.done:
		log.Errorf("wal: clear after close dropped")
	}
}

// ClearSync truncates the WAL and blocks until the truncation has been
// applied by the writer goroutine, for callers (seal) that must not return
// before the WAL is actually empty.
func (w *Wal) ClearSync() {
	done := make(chan struct{})
	select {
	case w.ch <- command{kind: cmdClear, done: done}:
		<-done
	case <-w.done:
		log.Errorf("wal: clear after close dropped")
	}
}

// Close stops the writer goroutine once all enqueued commands have drained.
func (w *Wal) Close() {
	close(w.done)
	close(w.ch)
	w.wg.Wait()
}

// Recover scans the WAL file at dir/wal.log and returns every entry that
// decodes cleanly. The first byte that fails to decode — whether because
// the file ends mid-record (ErrNotEnoughData) or because it is corrupt —
// marks the end of the recoverable prefix; everything from there on is
// discarded.
func Recover(dir string) ([]*logcodec.LogEntry, error) {
	path := Path(dir)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("wal: read %s: %w", path, err)
	}

	entries := make([]*logcodec.LogEntry, 0, 256)
	pos := 0
	for {
		entry, err := logcodec.DeserializeSlice(data, &pos)
		if err != nil {
			if !errors.Is(err, logcodec.ErrNotEnoughData) {
				log.Warnf("wal: discarding undecodable tail at offset %d: %v", pos, err)
			}
			break
		}
		entries = append(entries, entry)
	}

	log.Infof("wal: recovered %d entries from %s", len(entries), path)
	return entries, nil
}
