package relay

import (
	"errors"
	"io"
	"sync"
)

// DefaultBufferSize is the capacity of the jitter buffer between upstream and client.
const DefaultBufferSize = 512 * 1024

// ErrBufferClosed is returned by Write after the reading side has gone away.
var ErrBufferClosed = errors.New("buffer closed")

// Buffer is a fixed-size byte ring with blocking semantics: Write waits while the ring is
// full and Read waits while it is empty. Unlike a drop-oldest ring, no byte is ever lost,
// which keeps partial-content responses intact.
type Buffer struct {
	mu   sync.Mutex
	cond *sync.Cond

	buf []byte
	r   int // read position
	n   int // bytes stored

	writeErr error // set by CloseWithError, returned by Read once drained
	closed   bool  // reader gone
}

// NewBuffer creates a Buffer of size bytes.
func NewBuffer(size int) *Buffer {
	if size <= 0 {
		size = DefaultBufferSize
	}
	b := &Buffer{buf: make([]byte, size)}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Write copies p into the ring, blocking while it is full.
func (b *Buffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	written := 0
	for len(p) > 0 {
		for b.n == len(b.buf) && !b.closed && b.writeErr == nil {
			b.cond.Wait()
		}
		if b.closed {
			return written, ErrBufferClosed
		}
		if b.writeErr != nil {
			return written, io.ErrClosedPipe
		}

		end := (b.r + b.n) % len(b.buf)
		chunk := len(b.buf) - b.n
		if right := len(b.buf) - end; chunk > right {
			chunk = right
		}
		if chunk > len(p) {
			chunk = len(p)
		}
		copy(b.buf[end:end+chunk], p[:chunk])
		b.n += chunk
		written += chunk
		p = p[chunk:]
		b.cond.Broadcast()
	}
	return written, nil
}

// Read drains up to len(p) bytes, blocking while the ring is empty. After the writer
// closes, buffered bytes are still delivered before the close error.
func (b *Buffer) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	for b.n == 0 && b.writeErr == nil && !b.closed {
		b.cond.Wait()
	}
	if b.n == 0 {
		if b.closed {
			return 0, io.ErrClosedPipe
		}
		return 0, b.writeErr
	}

	chunk := b.n
	if right := len(b.buf) - b.r; chunk > right {
		chunk = right
	}
	if chunk > len(p) {
		chunk = len(p)
	}
	copy(p, b.buf[b.r:b.r+chunk])
	b.r = (b.r + chunk) % len(b.buf)
	b.n -= chunk
	b.cond.Broadcast()
	return chunk, nil
}

// CloseWithError marks the writing side done. A nil err is reported to the reader as io.EOF.
func (b *Buffer) CloseWithError(err error) {
	if err == nil {
		err = io.EOF
	}
	b.mu.Lock()
	if b.writeErr == nil {
		b.writeErr = err
	}
	b.mu.Unlock()
	b.cond.Broadcast()
}

// Close marks the reading side gone and releases a blocked writer.
func (b *Buffer) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.cond.Broadcast()
	return nil
}

// Buffered returns the number of bytes waiting to be read.
func (b *Buffer) Buffered() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.n
}
