// Package segment implements the in-memory, time-sorted log segment: a
// byte buffer of serialized entries plus a parallel pointer vector so a
// reader can iterate, and short-circuit on timestamp, without reparsing
// every entry's payload.
package segment

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/puppycorp/puppylog/internal/logcodec"
)

const pointerWireSize = 8 + 8 + 8 // i64 ts_micros, u64 offset, u64 length

// LogHeader is one entry's location within a Segment's buffer.
type LogHeader struct {
	Timestamp  time.Time
	DataOffset uint64
	DataLength uint64
}

// Segment is a buffer of serialized LogEntry records plus an ordered
// pointer vector into it. It is owned exclusively by the ingest path while
// live; once sealed it is read-only and safe to share.
type Segment struct {
	pointers []LogHeader
	buffer   bytes.Buffer
}

// New returns an empty segment ready to accept entries.
func New() *Segment {
	return &Segment{}
}

// Len returns the number of entries currently in the segment.
func (s *Segment) Len() int {
	return len(s.pointers)
}

// AddLogEntry serializes e into the segment's buffer and records its byte
// range as a new pointer. Amortized O(1): the buffer only reallocates on
// growth, like any append-only byte buffer.
func (s *Segment) AddLogEntry(e *logcodec.LogEntry) error {
	start := s.buffer.Len()
	if err := e.Serialize(&s.buffer); err != nil {
		return fmt.Errorf("segment: serialize entry: %w", err)
	}
	end := s.buffer.Len()

	s.pointers = append(s.pointers, LogHeader{
		Timestamp:  e.Timestamp,
		DataOffset: uint64(start),
		DataLength: uint64(end - start),
	})
	return nil
}

// Sort establishes newest-first pointer order. Callers must sort before
// Serialize; the searcher's newest-first walk depends on it.
func (s *Segment) Sort() {
	sort.Slice(s.pointers, func(i, j int) bool {
		return s.pointers[i].Timestamp.After(s.pointers[j].Timestamp)
	})
}

// Pointers returns the segment's pointer vector in its current order.
func (s *Segment) Pointers() []LogHeader {
	return s.pointers
}

// EntryAt deserializes and returns the entry referenced by pointers[i].
func (s *Segment) EntryAt(i int) (*logcodec.LogEntry, error) {
	p := s.pointers[i]
	buf := s.buffer.Bytes()
	if p.DataOffset+p.DataLength > uint64(len(buf)) {
		return nil, fmt.Errorf("segment: pointer %d out of bounds", i)
	}
	pos := 0
	return logcodec.DeserializeSlice(buf[p.DataOffset:p.DataOffset+p.DataLength], &pos)
}

// Iter calls fn for every entry in pointer order, stopping early (without
// error) if fn returns false. A caller that only needs entries up to some
// timestamp can check pointers[i].Timestamp before invoking EntryAt,
// avoiding deserialization of entries it will discard.
func (s *Segment) Iter(fn func(i int, header LogHeader, entry *logcodec.LogEntry) (cont bool, err error)) error {
	for i := range s.pointers {
		entry, err := s.EntryAt(i)
		if err != nil {
			return err
		}
		cont, err := fn(i, s.pointers[i], entry)
		if err != nil {
			return err
		}
		if !cont {
			break
		}
	}
	return nil
}

// Serialize writes the segment as:
//
//	u64 header_byte_size (big-endian)
//	header_byte_size bytes of { i64 ts_micros, u64 offset, u64 length } (big-endian each)
//	the raw payload buffer
func (s *Segment) Serialize(w io.Writer) error {
	headerSize := uint64(len(s.pointers)) * uint64(pointerWireSize)
	if err := binary.Write(w, binary.BigEndian, headerSize); err != nil {
		return fmt.Errorf("segment: write header size: %w", err)
	}

	for _, p := range s.pointers {
		if err := binary.Write(w, binary.BigEndian, p.Timestamp.UnixMicro()); err != nil {
			return fmt.Errorf("segment: write pointer timestamp: %w", err)
		}
		if err := binary.Write(w, binary.BigEndian, p.DataOffset); err != nil {
			return fmt.Errorf("segment: write pointer offset: %w", err)
		}
		if err := binary.Write(w, binary.BigEndian, p.DataLength); err != nil {
			return fmt.Errorf("segment: write pointer length: %w", err)
		}
	}

	if _, err := w.Write(s.buffer.Bytes()); err != nil {
		return fmt.Errorf("segment: write payload: %w", err)
	}
	return nil
}

// Parse reverses Serialize. It accepts only whole, self-consistent headers:
// a header_byte_size not a multiple of the pointer wire size is rejected.
func Parse(r io.Reader) (*Segment, error) {
	var headerSize uint64
	if err := binary.Read(r, binary.BigEndian, &headerSize); err != nil {
		return nil, fmt.Errorf("segment: read header size: %w", err)
	}
	if headerSize%uint64(pointerWireSize) != 0 {
		return nil, fmt.Errorf("segment: header size %d not a multiple of %d", headerSize, pointerWireSize)
	}
	count := headerSize / uint64(pointerWireSize)

	pointers := make([]LogHeader, 0, count)
	for i := uint64(0); i < count; i++ {
		var micros int64
		var offset, length uint64
		if err := binary.Read(r, binary.BigEndian, &micros); err != nil {
			return nil, fmt.Errorf("segment: read pointer timestamp: %w", err)
		}
		if err := binary.Read(r, binary.BigEndian, &offset); err != nil {
			return nil, fmt.Errorf("segment: read pointer offset: %w", err)
		}
		if err := binary.Read(r, binary.BigEndian, &length); err != nil {
			return nil, fmt.Errorf("segment: read pointer length: %w", err)
		}
		pointers = append(pointers, LogHeader{
			Timestamp:  time.UnixMicro(micros).UTC(),
			DataOffset: offset,
			DataLength: length,
		})
	}

	payload, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("segment: read payload: %w", err)
	}

	seg := &Segment{pointers: pointers}
	seg.buffer.Write(payload)
	return seg, nil
}

// WriteCompressed serializes the segment through a zstd encoder at the
// given compression level and returns both the uncompressed
// (original_size) and compressed byte counts the metadata store's catalog
// row records. Higher levels (used by the compactor) trade CPU for a
// smaller archive footprint; extra opts lets the compactor additionally
// request multi-threaded encoding via zstd.WithEncoderConcurrency.
func WriteCompressed(w io.Writer, s *Segment, level zstd.EncoderLevel, opts ...zstd.EOption) (originalSize int64, compressedSize int64, err error) {
	originalSize = 8 + int64(len(s.pointers))*int64(pointerWireSize) + int64(s.buffer.Len())

	counter := &countingWriter{w: w}
	encOpts := append([]zstd.EOption{zstd.WithEncoderLevel(level)}, opts...)
	enc, err := zstd.NewWriter(counter, encOpts...)
	if err != nil {
		return 0, 0, fmt.Errorf("segment: new zstd writer: %w", err)
	}

	if err := s.Serialize(enc); err != nil {
		enc.Close()
		return 0, 0, err
	}
	if err := enc.Close(); err != nil {
		return 0, 0, fmt.Errorf("segment: close zstd writer: %w", err)
	}
	return originalSize, counter.n, nil
}

// ReadCompressed decompresses r with zstd and parses the result as a
// Segment.
func ReadCompressed(r io.Reader) (*Segment, error) {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("segment: new zstd reader: %w", err)
	}
	defer dec.Close()

	return Parse(dec)
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
