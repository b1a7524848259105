package kfmt

import (
	"bytes"
	"errors"
	"testing"
)

func TestPrefixWriter(t *testing.T) {
	specs := []struct {
		input string
		exp   string
	}{
		{"", ""},
		{"\n", "[cpu0] \n"},
		{"idle", "[cpu0] idle"},
		{"switch to thread 3\n", "[cpu0] switch to thread 3\n"},
		{
			"\nrun queue:\n  tid 2\n  tid 5\nidle",
			"[cpu0] \n[cpu0] run queue:\n[cpu0]   tid 2\n[cpu0]   tid 5\n[cpu0] idle",
		},
	}

	var (
		buf bytes.Buffer
		w   = PrefixWriter{Sink: &buf, Prefix: []byte("[cpu0] ")}
	)

	for specIndex, spec := range specs {
		buf.Reset()
		w.midLine = false

		wrote, err := w.Write([]byte(spec.input))
		if err != nil {
			t.Errorf("[spec %d] unexpected error: %v", specIndex, err)
		}

		if expLen := len(spec.input); expLen != wrote {
			t.Errorf("[spec %d] expected writer to write %d bytes; wrote %d", specIndex, expLen, wrote)
		}

		if got := buf.String(); got != spec.exp {
			t.Errorf("[spec %d] expected output:\n%q\ngot:\n%q", specIndex, spec.exp, got)
		}
	}
}

func TestPrefixWriterAcrossWrites(t *testing.T) {
	var (
		buf bytes.Buffer
		w   = PrefixWriter{Sink: &buf, Prefix: []byte("> ")}
	)

	w.Write([]byte("partial "))
	w.Write([]byte("line\n"))
	w.Write([]byte("next\n"))

	if exp, got := "> partial line\n> next\n", buf.String(); got != exp {
		t.Fatalf("expected output %q; got %q", exp, got)
	}
}

func TestPrefixWriterErrors(t *testing.T) {
	specs := []string{
		"idle",
		"\nrun queue:\n  tid 2\nidle",
	}

	var (
		expErr = errors.New("write failed")
		w      = PrefixWriter{Sink: writerThatAlwaysErrors{expErr}, Prefix: []byte("[cpu0] ")}
	)

	for specIndex, spec := range specs {
		w.midLine = false
		if _, err := w.Write([]byte(spec)); err != expErr {
			t.Errorf("[spec %d] expected error: %v; got %v", specIndex, expErr, err)
		}
	}
}

type writerThatAlwaysErrors struct {
	err error
}

func (w writerThatAlwaysErrors) Write(_ []byte) (int, error) {
	return 0, w.err
}

func TestPrefixWriterWithoutSink(t *testing.T) {
	defer func() {
		earlyPrintBuffer = ringBuffer{}
	}()
	earlyPrintBuffer = ringBuffer{}

	w := PrefixWriter{Prefix: []byte("[early] ")}
	w.Write([]byte("line 1\nline 2\n"))

	var buf bytes.Buffer
	buf.ReadFrom(&earlyPrintBuffer)

	if exp, got := "[early] line 1\n[early] line 2\n", buf.String(); got != exp {
		t.Fatalf("expected early buffer to contain %q; got %q", exp, got)
	}
}
