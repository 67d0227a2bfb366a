package logcodec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunkReaderReadsAcrossChunks(t *testing.T) {
	r := NewChunkReader()
	r.AddChunk([]byte("Hello"))
	r.AddChunk([]byte(" World"))

	buf := make([]byte, 11)
	n, err := r.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, 11, n)
	assert.Equal(t, "Hello World", string(buf))
}

func TestChunkReaderContinuesAfterCommit(t *testing.T) {
	r := NewChunkReader()
	r.AddChunk([]byte("Hello"))

	buf := make([]byte, 5)
	n, err := r.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, "Hello", string(buf))
	r.Commit()

	r.AddChunk([]byte(" World"))
	buf = make([]byte, 6)
	n, err = r.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	assert.Equal(t, " World", string(buf))
}

func TestChunkReaderRollbackReplaysUnconsumedRead(t *testing.T) {
	r := NewChunkReader()
	r.AddChunk([]byte("Hello"))

	buf := make([]byte, 11)
	n, err := r.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	r.Rollback()
	r.AddChunk([]byte(" World"))

	buf = make([]byte, 11)
	n, err = r.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, 11, n)
	assert.Equal(t, "Hello World", string(buf))
}

func TestChunkReaderPartialReadThenCommit(t *testing.T) {
	r := NewChunkReader()
	r.AddChunk([]byte("Hello world"))

	buf := make([]byte, 5)
	n, err := r.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, "Hello", string(buf))
	r.Commit()

	n, err = r.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, " worl", string(buf))
}

func TestChunkReaderSmallReadsAccumulate(t *testing.T) {
	r := NewChunkReader()
	r.AddChunk([]byte("Hello"))

	buf := make([]byte, 2)
	n, err := r.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, "He", string(buf))

	buf = make([]byte, 3)
	n, err = r.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, "llo", string(buf))
}
