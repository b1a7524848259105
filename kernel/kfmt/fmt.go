package kfmt

import (
	"copperos/kernel"
	"io"
	"strings"
	"unsafe"
)

// maxBufSize bounds the width of a formatted integer.
const maxBufSize = 32

const (
	verbs  = "doxsct"
	digits = "0123456789abcdef"
)

var (
	errMissingArg   = []byte("(MISSING)")
	errWrongArgType = []byte("%!(WRONGTYPE)")
	errNoVerb       = []byte("%!(NOVERB)")
	errExtraArg     = []byte("%!(EXTRA)")
	trueValue       = []byte("true")
	falseValue      = []byte("false")
	errSeparator    = []byte(": ")

	// numFmtBuf is filled from the end; one extra byte holds the sign of
	// a fully padded negative value.
	numFmtBuf [maxBufSize + 1]byte

	// singleByte is a shared one-byte buffer for doWrite.
	singleByte = []byte(" ")
)

// Printf writes formatted output to the active output sink without
// allocating memory, which makes it safe to call from interrupt handlers,
// with scheduler locks held and before the Go allocator is up.
//
// The supported verbs are:
//
//	%s  string, []byte or *kernel.Error (printed as "module: message")
//	%c  a single byte
//	%d  integer in base 10
//	%x  integer in base 16 with lower-case digits
//	%o  integer in base 8
//	%t  "true" or "false"
//
// An optional decimal width may precede the verb. Strings and base-10
// integers are padded on the left with spaces; base-8 and base-16 integers
// are padded with zeroes.
//
// Output from different cores is serialized by the output lock. The
// formatting buffers are shared, so Fprintf callers outside of Printf must
// hold the lock too (see Lock).
func Printf(format string, args ...interface{}) {
	outputLock.Acquire()
	Fprintf(outputSink, format, args...)
	outputLock.Release()
}

// Fprintf is Printf with an explicit destination.
func Fprintf(w io.Writer, format string, args ...interface{}) {
	var argIndex int

	for i := 0; i < len(format); i++ {
		if format[i] != '%' {
			writeByte(w, format[i])
			continue
		}

		width := 0
	parseVerb:
		for i++; i < len(format); i++ {
			ch := format[i]
			switch {
			case ch >= '0' && ch <= '9':
				width = width*10 + int(ch-'0')
			case ch == '%':
				writeByte(w, '%')
				break parseVerb
			case strings.IndexByte(verbs, ch) != -1:
				if argIndex >= len(args) {
					doWrite(w, errMissingArg)
					break parseVerb
				}

				fmtArg(w, ch, args[argIndex], width)
				argIndex++
				break parseVerb
			default:
				doWrite(w, errNoVerb)
			}
		}
	}

	for ; argIndex < len(args); argIndex++ {
		doWrite(w, errExtraArg)
	}
}

func fmtArg(w io.Writer, verb byte, arg interface{}, width int) {
	switch verb {
	case 'd':
		fmtInt(w, arg, 10, width)
	case 'x':
		fmtInt(w, arg, 16, width)
	case 'o':
		fmtInt(w, arg, 8, width)
	case 's':
		fmtString(w, arg, width)
	case 'c':
		fmtChar(w, arg)
	case 't':
		fmtBool(w, arg)
	}
}

func fmtBool(w io.Writer, v interface{}) {
	b, ok := v.(bool)
	switch {
	case !ok:
		doWrite(w, errWrongArgType)
	case b:
		doWrite(w, trueValue)
	default:
		doWrite(w, falseValue)
	}
}

// fmtString prints a string, []byte or *kernel.Error value right-aligned to
// width.
func fmtString(w io.Writer, v interface{}, width int) {
	switch val := v.(type) {
	case string:
		pad(w, ' ', width-len(val))
		writeString(w, val)
	case []byte:
		pad(w, ' ', width-len(val))
		doWrite(w, val)
	case *kernel.Error:
		if val == nil {
			doWrite(w, errWrongArgType)
			return
		}
		pad(w, ' ', width-len(val.Module)-len(errSeparator)-len(val.Message))
		writeString(w, val.Module)
		doWrite(w, errSeparator)
		writeString(w, val.Message)
	default:
		doWrite(w, errWrongArgType)
	}
}

func fmtChar(w io.Writer, v interface{}) {
	if ch, ok := v.(byte); ok {
		writeByte(w, ch)
		return
	}
	doWrite(w, errWrongArgType)
}

// fmtInt prints any builtin integer type in the given base.
func fmtInt(w io.Writer, v interface{}, base uint64, width int) {
	mag, neg, ok := magnitude(v)
	if !ok {
		doWrite(w, errWrongArgType)
		return
	}

	if width >= maxBufSize {
		width = maxBufSize - 1
	}

	pos := len(numFmtBuf)
	for {
		pos--
		numFmtBuf[pos] = digits[mag%base]
		if mag /= base; mag == 0 {
			break
		}
	}

	if base == 10 {
		// The sign stays next to the first digit.
		if neg {
			pos--
			numFmtBuf[pos] = '-'
		}
		for len(numFmtBuf)-pos < width {
			pos--
			numFmtBuf[pos] = ' '
		}
	} else {
		for len(numFmtBuf)-pos < width {
			pos--
			numFmtBuf[pos] = '0'
		}
		if neg {
			pos--
			numFmtBuf[pos] = '-'
		}
	}

	doWrite(w, numFmtBuf[pos:])
}

// magnitude returns the absolute value of an integer argument and whether
// it was negative.
func magnitude(v interface{}) (uint64, bool, bool) {
	var s int64

	switch val := v.(type) {
	case uint8:
		return uint64(val), false, true
	case uint16:
		return uint64(val), false, true
	case uint32:
		return uint64(val), false, true
	case uint64:
		return val, false, true
	case uint:
		return uint64(val), false, true
	case uintptr:
		return uint64(val), false, true
	case int8:
		s = int64(val)
	case int16:
		s = int64(val)
	case int32:
		s = int64(val)
	case int64:
		s = val
	case int:
		s = int64(val)
	default:
		return 0, false, false
	}

	if s < 0 {
		return uint64(-s), true, true
	}
	return uint64(s), false, true
}

func pad(w io.Writer, ch byte, count int) {
	for ; count > 0; count-- {
		writeByte(w, ch)
	}
}

// writeString emits str byte by byte; converting it to a slice would
// allocate.
func writeString(w io.Writer, str string) {
	for i := 0; i < len(str); i++ {
		writeByte(w, str[i])
	}
}

func writeByte(w io.Writer, b byte) {
	singleByte[0] = b
	doWrite(w, singleByte)
}

// doWrite hides p from escape analysis. Passing p straight to the unknown
// io.Writer makes the compiler assume it escapes, turning every Printf call
// into a heap allocation, which is fatal before the Go allocator is set up.
func doWrite(w io.Writer, p []byte) {
	doRealWrite(w, noEscape(unsafe.Pointer(&p)))
}

func doRealWrite(w io.Writer, bufPtr unsafe.Pointer) {
	p := *(*[]byte)(bufPtr)
	if w != nil {
		w.Write(p)
	} else {
		earlyPrintBuffer.Write(p)
	}
}

// noEscape mirrors runtime.noescape.
//
//go:nosplit
func noEscape(p unsafe.Pointer) unsafe.Pointer {
	x := uintptr(p)
	return unsafe.Pointer(x ^ 0)
}
