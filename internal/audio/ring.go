package audio

import "sync"

// RingBuffer holds the most recent audio up to a fixed capacity. Writes
// beyond capacity overwrite the oldest bytes, so a drained buffer always
// ends with the latest audio.
type RingBuffer struct {
	mu    sync.Mutex
	buf   []byte
	start int
	n     int
}

func NewRingBuffer(capacity int) *RingBuffer {
	if capacity < 1 {
		capacity = 1
	}
	return &RingBuffer{buf: make([]byte, capacity)}
}

// Write appends p and returns how many older bytes were overwritten.
func (rb *RingBuffer) Write(p []byte) (dropped int) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	size := len(rb.buf)
	if len(p) >= size {
		dropped = rb.n + len(p) - size
		copy(rb.buf, p[len(p)-size:])
		rb.start, rb.n = 0, size
		return dropped
	}

	for _, b := range p {
		end := (rb.start + rb.n) % size
		rb.buf[end] = b
		if rb.n == size {
			rb.start = (rb.start + 1) % size
			dropped++
		} else {
			rb.n++
		}
	}
	return dropped
}

// Drain returns and removes everything buffered, oldest first.
func (rb *RingBuffer) Drain() []byte {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	out := make([]byte, rb.n)
	first := copy(out, rb.buf[rb.start:min(rb.start+rb.n, len(rb.buf))])
	copy(out[first:], rb.buf[:rb.n-first])
	rb.start, rb.n = 0, 0
	return out
}

func (rb *RingBuffer) Len() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.n
}

func (rb *RingBuffer) Cap() int {
	return len(rb.buf)
}

func (rb *RingBuffer) Reset() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.start, rb.n = 0, 0
}
