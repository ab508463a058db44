package protocol

import (
	"bytes"
	"io"
	"sync"
)

// Buffer size constants
const (
	HeaderBufferSize = 128        // Fits any valid frame header
	ChunkSize        = 256 * 1024 // FileData copy granularity
	MaxPooledBuffer  = 1024 * 1024
)

// bufferPool is a sync.Pool for reusing frame assembly buffers
var bufferPool = sync.Pool{
	New: func() interface{} {
		return new(bytes.Buffer)
	},
}

// chunkPool holds ChunkSize byte slices used when streaming FileData
var chunkPool = sync.Pool{
	New: func() interface{} {
		buf := make([]byte, ChunkSize)
		return &buf
	},
}

// GetBuffer retrieves a buffer from the pool.
// The buffer is reset and ready for use.
func GetBuffer() *bytes.Buffer {
	buf := bufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	return buf
}

// PutBuffer returns a buffer to the pool.
// Buffers larger than MaxPooledBuffer are dropped to prevent memory bloat.
func PutBuffer(buf *bytes.Buffer) {
	if buf == nil {
		return
	}
	if buf.Cap() > MaxPooledBuffer {
		return
	}
	buf.Reset()
	bufferPool.Put(buf)
}

// GetBufferWithSize retrieves a buffer from the pool and grows it to the specified size hint.
func GetBufferWithSize(sizeHint int) *bytes.Buffer {
	buf := GetBuffer()
	if sizeHint > 0 && buf.Cap() < sizeHint {
		buf.Grow(sizeHint)
	}
	return buf
}

// GetChunk retrieves a ChunkSize copy buffer from the pool.
func GetChunk() *[]byte {
	return chunkPool.Get().(*[]byte)
}

// PutChunk returns a copy buffer to the pool.
func PutChunk(buf *[]byte) {
	if buf == nil || len(*buf) != ChunkSize {
		return
	}
	chunkPool.Put(buf)
}

// CopyBuffered copies from src to dst using a pooled chunk buffer.
// Returns the number of bytes copied and any error encountered.
func CopyBuffered(dst io.Writer, src io.Reader) (int64, error) {
	bufPtr := GetChunk()
	defer PutChunk(bufPtr)
	return io.CopyBuffer(dst, src, *bufPtr)
}
