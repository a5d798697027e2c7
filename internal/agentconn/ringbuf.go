package agentconn

import "sync"

// RingBuffer holds the most recent N lines of stderr output, bounded by byte size.
type RingBuffer struct {
	mu    sync.Mutex
	data  []byte
	limit int
}

// NewRingBuffer creates a ring buffer sized for maxLines (at ~80 bytes/line).
func NewRingBuffer(maxLines int) *RingBuffer {
	return &RingBuffer{
		data:  make([]byte, 0, maxLines*80),
		limit: maxLines * 80,
	}
}

// Write appends p, discarding the oldest bytes once the limit is exceeded.
// Reuses the underlying array rather than allocating on every truncation.
func (rb *RingBuffer) Write(p []byte) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.data = append(rb.data, p...)
	if len(rb.data) > rb.limit {
		excess := len(rb.data) - rb.limit
		n := copy(rb.data, rb.data[excess:])
		rb.data = rb.data[:n]
	}
}

// Bytes returns a copy of the buffered content.
func (rb *RingBuffer) Bytes() []byte {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	out := make([]byte, len(rb.data))
	copy(out, rb.data)
	return out
}

// String returns the buffered content.
func (rb *RingBuffer) String() string {
	return string(rb.Bytes())
}

// Reset clears the buffer.
func (rb *RingBuffer) Reset() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.data = rb.data[:0]
}
