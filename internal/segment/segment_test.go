package segment

import (
	"bytes"
	"encoding/binary"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/puppycorp/puppylog/internal/logcodec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func entryAt(t time.Time, msg string) *logcodec.LogEntry {
	return &logcodec.LogEntry{
		Version:   logcodec.CurrentVersion,
		Timestamp: t,
		Random:    1,
		Level:     logcodec.LevelInfo,
		Props:     []logcodec.Prop{{Key: "deviceId", Value: "devA"}},
		Msg:       msg,
	}
}

func TestSegmentAddIterSingleEntry(t *testing.T) {
	s := New()
	now := time.Now().UTC().Round(time.Microsecond)
	entry := entryAt(now, "Hello, world!")
	require.NoError(t, s.AddLogEntry(entry))

	require.Equal(t, 1, s.Len())
	got, err := s.EntryAt(0)
	require.NoError(t, err)
	assert.Equal(t, entry.Msg, got.Msg)
	assert.Equal(t, entry.Timestamp.UnixMicro(), got.Timestamp.UnixMicro())
}

func TestSegmentSortIsNewestFirst(t *testing.T) {
	s := New()
	base := time.Now().UTC().Round(time.Microsecond)
	require.NoError(t, s.AddLogEntry(entryAt(base, "oldest")))
	require.NoError(t, s.AddLogEntry(entryAt(base.Add(time.Second), "middle")))
	require.NoError(t, s.AddLogEntry(entryAt(base.Add(2*time.Second), "newest")))

	s.Sort()

	var msgs []string
	err := s.Iter(func(i int, h LogHeader, e *logcodec.LogEntry) (bool, error) {
		msgs = append(msgs, e.Msg)
		return true, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"newest", "middle", "oldest"}, msgs)
}

func TestSegmentIterStopsEarly(t *testing.T) {
	s := New()
	base := time.Now().UTC().Round(time.Microsecond)
	for i := 0; i < 5; i++ {
		require.NoError(t, s.AddLogEntry(entryAt(base.Add(time.Duration(i)*time.Second), "msg")))
	}

	visited := 0
	err := s.Iter(func(i int, h LogHeader, e *logcodec.LogEntry) (bool, error) {
		visited++
		return i < 2, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, visited)
}

func TestSegmentSerializeParseRoundTrip(t *testing.T) {
	s := New()
	base := time.Now().UTC().Round(time.Microsecond)
	for i := 0; i < 10; i++ {
		require.NoError(t, s.AddLogEntry(entryAt(base.Add(time.Duration(i)*time.Millisecond), "entry")))
	}
	s.Sort()

	var buf bytes.Buffer
	require.NoError(t, s.Serialize(&buf))

	parsed, err := Parse(&buf)
	require.NoError(t, err)
	require.Equal(t, s.Len(), parsed.Len())

	for i := 0; i < s.Len(); i++ {
		want, err := s.EntryAt(i)
		require.NoError(t, err)
		got, err := parsed.EntryAt(i)
		require.NoError(t, err)
		assert.Equal(t, want.Msg, got.Msg)
		assert.Equal(t, want.Timestamp.UnixMicro(), got.Timestamp.UnixMicro())
	}
}

func TestSegmentWriteReadCompressedRoundTrip(t *testing.T) {
	s := New()
	base := time.Now().UTC().Round(time.Microsecond)
	for i := 0; i < 50; i++ {
		require.NoError(t, s.AddLogEntry(entryAt(base.Add(time.Duration(i)*time.Millisecond), "compressed entry body padding padding")))
	}
	s.Sort()

	var buf bytes.Buffer
	original, compressed, err := WriteCompressed(&buf, s, zstd.SpeedDefault)
	require.NoError(t, err)
	assert.Greater(t, original, int64(0))
	assert.Greater(t, compressed, int64(0))
	assert.Equal(t, int64(buf.Len()), compressed)

	parsed, err := ReadCompressed(&buf)
	require.NoError(t, err)
	require.Equal(t, s.Len(), parsed.Len())

	first, err := parsed.EntryAt(0)
	require.NoError(t, err)
	assert.Equal(t, "compressed entry body padding padding", first.Msg)
}

func TestParseRejectsMisalignedHeaderSize(t *testing.T) {
	var buf bytes.Buffer
	// header_byte_size = 7, not a multiple of 24
	require.NoError(t, binary.Write(&buf, binary.BigEndian, uint64(7)))

	_, err := Parse(&buf)
	assert.Error(t, err)
}
