package kfmt

import (
	"io"

	"copperos/kernel/sync"
)

var (
	// earlyPrintBuffer is a ring buffer that stores Printf output before an
	// output sink (serial port or console) is registered.
	earlyPrintBuffer ringBuffer

	// outputSink is a io.Writer where Printf will send its output. If set
	// to nil, then the output will be redirected to the earlyPrintBuffer.
	outputSink io.Writer

	// outputLock serializes access to outputSink and to the formatting
	// buffers shared by all cores.
	outputLock sync.Spinlock
)

// SetOutputSink sets the default target for calls to Printf to w and copies
// any data accumulated in the earlyPrintBuffer to it. If the early output
// overflowed the buffer, the number of lost bytes is reported to w.
func SetOutputSink(w io.Writer) {
	outputLock.Acquire()
	defer outputLock.Release()

	outputSink = w
	if w == nil {
		return
	}

	io.Copy(w, &earlyPrintBuffer)
	if dropped := earlyPrintBuffer.Dropped(); dropped != 0 {
		Fprintf(w, "[kfmt] %d bytes of early output were lost\n", dropped)
	}
}

// GetOutputSink returns the registered output sink or nil if Printf output is
// still being buffered.
func GetOutputSink() io.Writer {
	return outputSink
}

// Lock acquires the output lock. It allows callers to emit a multi-line
// report (e.g. a scheduler dump) via Fprintf without interleaving with output
// from other cores.
func Lock() sync.Guard {
	return outputLock.Guard()
}

// Output is an io.Writer that forwards writes to the output sink registered
// at the time of the write or, if none is registered yet, to the early print
// buffer. Long-lived writers created before the console is set up should use
// it as their target.
var Output io.Writer = sinkWriter{}

type sinkWriter struct{}

func (sinkWriter) Write(p []byte) (int, error) {
	if w := outputSink; w != nil {
		return w.Write(p)
	}
	return earlyPrintBuffer.Write(p)
}
