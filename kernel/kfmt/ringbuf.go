package kfmt

import "io"

// ringBufferSize defines the size of the ring buffer that captures Printf
// output until an output sink is registered. It holds the complete boot log
// up to hardware detection (memory map, ACPI tables and CPU registration).
// The size must always be a power of 2.
const ringBufferSize = 16384

// ringBuffer keeps the most recent ringBufferSize bytes written to it. When
// full, each write discards the oldest byte and accounts for it in dropped.
type ringBuffer struct {
	buffer  [ringBufferSize]byte
	start   int
	count   int
	dropped int
}

// Write appends p to the buffer, overwriting the oldest data when the buffer
// is full.
func (rb *ringBuffer) Write(p []byte) (int, error) {
	for _, b := range p {
		if rb.count == ringBufferSize {
			rb.start = (rb.start + 1) & (ringBufferSize - 1)
			rb.count--
			rb.dropped++
		}

		rb.buffer[(rb.start+rb.count)&(ringBufferSize-1)] = b
		rb.count++
	}

	return len(p), nil
}

// next returns the longest contiguous run of unread bytes.
func (rb *ringBuffer) next() []byte {
	end := rb.start + rb.count
	if end > ringBufferSize {
		end = ringBufferSize
	}
	return rb.buffer[rb.start:end]
}

func (rb *ringBuffer) consume(n int) {
	rb.start = (rb.start + n) & (ringBufferSize - 1)
	rb.count -= n
}

// Read reads up to len(p) bytes into p. It returns io.EOF once the buffer has
// been drained.
func (rb *ringBuffer) Read(p []byte) (int, error) {
	if rb.count == 0 {
		return 0, io.EOF
	}

	n := copy(p, rb.next())
	rb.consume(n)
	return n, nil
}

// WriteTo drains the buffer into w. It allows io.Copy to flush the buffer
// without allocating an intermediate copy buffer.
func (rb *ringBuffer) WriteTo(w io.Writer) (int64, error) {
	var total int64
	for rb.count != 0 {
		n, err := w.Write(rb.next())
		rb.consume(n)
		total += int64(n)
		if err != nil {
			return total, err
		}
	}

	return total, nil
}

// Dropped returns the number of bytes that were overwritten before they
// could be read and resets the counter.
func (rb *ringBuffer) Dropped() int {
	n := rb.dropped
	rb.dropped = 0
	return n
}
