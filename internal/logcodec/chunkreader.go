package logcodec

import "io"

// ChunkReader accumulates byte chunks delivered asynchronously (an upload
// body, a device connection) and exposes an io.Reader with a two-position
// cursor: Commit() advances the committed position to the current read
// position and frees fully consumed chunks; Rollback() resets the current
// position back to the last commit. Callers run a parse/commit-or-rollback
// loop: a partial record rolls back and waits for the next chunk.
type ChunkReader struct {
	chunks   [][]byte
	curChunk int
	curOff   int
	comChunk int
	comOff   int
}

// NewChunkReader returns an empty ChunkReader.
func NewChunkReader() *ChunkReader {
	return &ChunkReader{}
}

// AddChunk appends a newly received byte blob to the reader.
func (c *ChunkReader) AddChunk(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	c.chunks = append(c.chunks, chunk)
}

// Read implements io.Reader, reading across chunk boundaries as needed. It
// never blocks on new data: once buffered bytes are exhausted it returns
// io.EOF, which callers (via Deserialize's ErrNotEnoughData mapping) treat
// as "wait for the next chunk", not as a terminated stream.
func (c *ChunkReader) Read(buf []byte) (int, error) {
	read := 0
	for read < len(buf) && c.hasMoreData() {
		if c.curOff >= c.currentChunkSize() {
			if !c.advanceToNextChunk() {
				break
			}
			continue
		}

		chunk := c.chunks[c.curChunk]
		n := copy(buf[read:], chunk[c.curOff:])
		read += n
		c.curOff += n
	}

	if read == 0 && len(buf) > 0 {
		return 0, io.EOF
	}
	return read, nil
}

// Commit promotes the current read position to committed, discarding any
// chunks that are now fully behind it.
func (c *ChunkReader) Commit() {
	drop := c.curChunk
	if drop < len(c.chunks) && c.curOff == len(c.chunks[drop]) {
		drop++
		c.curOff = 0
	}
	c.chunks = c.chunks[drop:]
	c.curChunk = 0
	c.comChunk, c.comOff = c.curChunk, c.curOff
}

// Rollback resets the current read position to the last commit, so the next
// Read re-delivers bytes consumed by a failed parse attempt.
func (c *ChunkReader) Rollback() {
	c.curChunk, c.curOff = c.comChunk, c.comOff
}

func (c *ChunkReader) currentChunkSize() int {
	if c.curChunk >= len(c.chunks) {
		return 0
	}
	return len(c.chunks[c.curChunk])
}

func (c *ChunkReader) hasMoreData() bool {
	return c.curChunk < len(c.chunks)
}

func (c *ChunkReader) advanceToNextChunk() bool {
	c.curChunk++
	c.curOff = 0
	return c.hasMoreData()
}
