package audio

import (
	"io"
	"sync"
)

// Feed couples a push-style audio producer to the pull-style pipeline. Writes
// never block: when the buffer is full the chunk is dropped, because stale
// audio is worthless to a live meter.
type Feed struct {
	mu     sync.Mutex
	closed bool

	ch       chan []byte
	leftover []byte
}

func NewFeed(capacity int) *Feed {
	if capacity <= 0 {
		capacity = 64
	}
	return &Feed{ch: make(chan []byte, capacity)}
}

// Write queues a copy of p for the reader. Always reports full length.
func (f *Feed) Write(p []byte) (int, error) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return 0, io.ErrClosedPipe
	}
	cp := make([]byte, len(p))
	copy(cp, p)
	select {
	case f.ch <- cp:
	default:
	}
	f.mu.Unlock()
	return len(p), nil
}

// Read blocks until audio arrives or the feed is closed.
func (f *Feed) Read(p []byte) (int, error) {
	if len(f.leftover) > 0 {
		n := copy(p, f.leftover)
		f.leftover = f.leftover[n:]
		return n, nil
	}
	chunk, ok := <-f.ch
	if !ok {
		return 0, io.EOF
	}
	n := copy(p, chunk)
	if n < len(chunk) {
		f.leftover = chunk[n:]
	}
	return n, nil
}

// Close releases the reader. Idempotent.
func (f *Feed) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.ch)
	}
	return nil
}
