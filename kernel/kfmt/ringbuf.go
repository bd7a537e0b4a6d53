package kfmt

import "io"

// ringBufferSize defines the capacity of the buffer that keeps kernel output
// written before a console sink is attached. It must be a power of 2.
const ringBufferSize = 4096

// ringBuffer keeps the most recent ringBufferSize bytes written to it. Older
// bytes are overwritten once the buffer wraps.
type ringBuffer struct {
	buffer         [ringBufferSize]byte
	rIndex, wIndex int
}

// Write appends p to the buffer, dropping the oldest unread bytes when full.
func (rb *ringBuffer) Write(p []byte) (int, error) {
	for _, b := range p {
		rb.buffer[rb.wIndex] = b
		rb.wIndex = (rb.wIndex + 1) & (ringBufferSize - 1)
		if rb.rIndex == rb.wIndex {
			rb.rIndex = (rb.rIndex + 1) & (ringBufferSize - 1)
		}
	}

	return len(p), nil
}

// Read copies up to len(p) unread bytes into p. It returns io.EOF once all
// buffered data has been consumed.
func (rb *ringBuffer) Read(p []byte) (int, error) {
	if rb.rIndex == rb.wIndex {
		return 0, io.EOF
	}

	// Unread data is either [rIndex, wIndex) or [rIndex, end) when the
	// writer has wrapped.
	limit := rb.wIndex
	if rb.rIndex > rb.wIndex {
		limit = ringBufferSize
	}

	n := copy(p, rb.buffer[rb.rIndex:limit])
	rb.rIndex = (rb.rIndex + n) & (ringBufferSize - 1)
	return n, nil
}
