// Package pool provides reusable byte buffers for file sampling and staged
// writes using sync.Pool.
package pool

import (
	"io"
	"sync"
)

const (
	// DefaultBufferSize is the default size for byte buffers.
	DefaultBufferSize = 64 * 1024 // 64KB
)

// ByteBuffer wraps a byte slice for pooled reuse.
type ByteBuffer struct {
	Data []byte
}

// Reset clears the buffer for reuse.
func (b *ByteBuffer) Reset() {
	b.Data = b.Data[:0]
}

// Grow ensures the buffer has at least n bytes of capacity.
func (b *ByteBuffer) Grow(n int) {
	if cap(b.Data) < n {
		b.Data = make([]byte, 0, n)
	}
}

// Write appends data to the buffer.
func (b *ByteBuffer) Write(p []byte) (int, error) {
	b.Data = append(b.Data, p...)
	return len(p), nil
}

// Len returns the current length of data in the buffer.
func (b *ByteBuffer) Len() int {
	return len(b.Data)
}

// Bytes returns the underlying byte slice.
func (b *ByteBuffer) Bytes() []byte {
	return b.Data
}

// FillFrom reads up to n bytes from r into the buffer, replacing its
// contents. A short read at EOF is not an error.
func (b *ByteBuffer) FillFrom(r io.Reader, n int) error {
	b.Grow(n)
	b.Data = b.Data[:n]
	read, err := io.ReadFull(r, b.Data)
	b.Data = b.Data[:read]
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return nil
	}
	return err
}

// BufferPool manages reusable byte buffers.
type BufferPool struct {
	pool sync.Pool
	size int
}

// NewBufferPool creates a new buffer pool with the specified buffer size.
func NewBufferPool(bufferSize int) *BufferPool {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	bp := &BufferPool{size: bufferSize}
	bp.pool.New = func() any {
		return &ByteBuffer{
			Data: make([]byte, 0, bufferSize),
		}
	}
	return bp
}

// Size returns the initial capacity of pooled buffers.
func (p *BufferPool) Size() int {
	return p.size
}

// Get retrieves a buffer from the pool.
func (p *BufferPool) Get() *ByteBuffer {
	return p.pool.Get().(*ByteBuffer)
}

// Put returns a buffer to the pool. Buffers grown far beyond the pool size
// are dropped so one huge file does not pin memory.
func (p *BufferPool) Put(buf *ByteBuffer) {
	if cap(buf.Data) > 4*p.size {
		return
	}
	buf.Reset()
	p.pool.Put(buf)
}
