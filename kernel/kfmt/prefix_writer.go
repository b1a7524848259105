package kfmt

import (
	"bytes"
	"io"
)

// PrefixWriter tags every line written through it with Prefix before passing
// it on to Sink. Output is routed to the early print buffer while Sink is nil.
type PrefixWriter struct {
	Sink   io.Writer
	Prefix []byte

	// midLine is set once the current line has been prefixed. The prefix
	// for the next line is emitted lazily so that a trailing newline does
	// not leave a dangling prefix behind.
	midLine bool
}

// Write implements io.Writer. The returned byte count excludes any injected
// prefixes.
func (w *PrefixWriter) Write(p []byte) (int, error) {
	sink := w.Sink
	if sink == nil {
		sink = &earlyPrintBuffer
	}

	var written int
	for len(p) != 0 {
		if !w.midLine {
			sink.Write(w.Prefix)
			w.midLine = true
		}

		line := p
		if eol := bytes.IndexByte(p, '\n'); eol != -1 {
			line = p[:eol+1]
		}

		n, err := sink.Write(line)
		written += n
		if err != nil {
			return written, err
		}

		if line[len(line)-1] == '\n' {
			w.midLine = false
		}
		p = p[len(line):]
	}

	return written, nil
}
