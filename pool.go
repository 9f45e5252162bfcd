package gladrgb

import (
	"bytes"
	"sync"
)

// Buffer pools for the block codec hot paths: compressed strip/tile reads on
// the source side and tile assembly on the sink side.

const pooledBufferSize = 256 * 1024 // covers a 256x256 uint16 tile with room to spare

var blockBufferPool = sync.Pool{
	New: func() interface{} {
		buf := make([]byte, pooledBufferSize)
		return &buf
	},
}

// getBlockBuffer returns a byte slice of exactly the requested length.
// Lengths above the pooled size are allocated directly.
func getBlockBuffer(size int) []byte {
	if size > pooledBufferSize {
		return make([]byte, size)
	}
	bufPtr := blockBufferPool.Get().(*[]byte)
	return (*bufPtr)[:size]
}

// putBlockBuffer returns a slice obtained from getBlockBuffer to the pool.
func putBlockBuffer(buf []byte) {
	if cap(buf) != pooledBufferSize {
		return
	}
	buf = buf[:pooledBufferSize]
	blockBufferPool.Put(&buf)
}

var bytesBufferPool = sync.Pool{
	New: func() interface{} {
		return new(bytes.Buffer)
	},
}

// getBytesBuffer returns a reset bytes.Buffer from the pool.
func getBytesBuffer() *bytes.Buffer {
	buf := bytesBufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	return buf
}

// putBytesBuffer returns a bytes.Buffer to the pool, dropping oversized ones.
func putBytesBuffer(buf *bytes.Buffer) {
	if buf == nil || buf.Cap() > 4*pooledBufferSize {
		return
	}
	bytesBufferPool.Put(buf)
}
