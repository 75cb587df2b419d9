package session

import "sync"

// OutputBuffer retains the most recent output bytes for a session so
// late subscribers can replay history. Appends evict from the front
// once the cap is exceeded. The buffer also tracks the absolute
// number of bytes ever written, which the HTTP polling fallback uses
// as its offset cursor.
type OutputBuffer struct {
	mu    sync.RWMutex
	buf   []byte
	cap   int
	start int64 // absolute offset of buf[0]
}

// NewOutputBuffer creates a buffer retaining at most capacity bytes.
func NewOutputBuffer(capacity int) *OutputBuffer {
	return &OutputBuffer{cap: capacity}
}

// Append adds data, evicting the oldest bytes beyond the cap.
func (b *OutputBuffer) Append(data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(data) >= b.cap {
		// Data alone fills the buffer; everything older is gone.
		b.start += int64(len(b.buf)) + int64(len(data)-b.cap)
		b.buf = append(b.buf[:0], data[len(data)-b.cap:]...)
		return
	}

	b.buf = append(b.buf, data...)
	if excess := len(b.buf) - b.cap; excess > 0 {
		b.buf = b.buf[excess:]
		b.start += int64(excess)
	}
}

// Snapshot returns a copy of the retained bytes.
func (b *OutputBuffer) Snapshot() []byte {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]byte, len(b.buf))
	copy(out, b.buf)
	return out
}

// ReadFrom returns the bytes written at or after the absolute offset,
// clamped to what is still retained, plus the next offset to poll
// from. An offset at or beyond the end returns no data and the
// current end offset.
func (b *OutputBuffer) ReadFrom(offset int64) ([]byte, int64) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	end := b.start + int64(len(b.buf))
	if offset >= end {
		return nil, end
	}
	if offset < b.start {
		offset = b.start
	}

	out := make([]byte, end-offset)
	copy(out, b.buf[offset-b.start:])
	return out, end
}

// Len returns the number of retained bytes.
func (b *OutputBuffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.buf)
}

// End returns the absolute offset one past the last written byte.
func (b *OutputBuffer) End() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.start + int64(len(b.buf))
}
