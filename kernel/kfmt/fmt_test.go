package kfmt

import (
	"bytes"
	"copperos/kernel"
	"fmt"
	"strings"
	"testing"
)

func TestPrintf(t *testing.T) {
	defer func() {
		outputSink = nil
	}()

	specs := []struct {
		format string
		args   []interface{}
		exp    string
	}{
		{"no args", nil, "no args"},
		{"%%", nil, "%"},
		// booleans ignore the width
		{"debug: %t", []interface{}{true}, "debug: true"},
		{"debug: %8t", []interface{}{false}, "debug: false"},
		// strings, byte slices and kernel errors
		{"[%s] ready", []interface{}{"sched"}, "[sched] ready"},
		{"[%s] ready", []interface{}{[]byte("smp")}, "[smp] ready"},
		{"'%6s'", []interface{}{"hal"}, "'   hal'"},
		{"'%2s'", []interface{}{"serial"}, "'serial'"},
		{"err: %s", []interface{}{&kernel.Error{Module: "task", Message: "resource exhausted"}}, "err: task: resource exhausted"},
		{"'%12s'", []interface{}{&kernel.Error{Module: "vmm", Message: "fault"}}, "'  vmm: fault'"},
		{"err: %s", []interface{}{(*kernel.Error)(nil)}, "err: %!(WRONGTYPE)"},
		// characters
		{"key: %c", []interface{}{byte('d')}, "key: d"},
		{"key: %c", []interface{}{"d"}, "key: %!(WRONGTYPE)"},
		// unsigned integers
		{"cpu %d", []interface{}{uint8(7)}, "cpu 7"},
		{"threads: %d", []interface{}{uint(42)}, "threads: 42"},
		{"mode %o", []interface{}{uint16(0755)}, "mode 755"},
		{"apic 0x%x", []interface{}{uint32(0xfee00000)}, "apic 0xfee00000"},
		{"'%8d'", []interface{}{uint64(4096)}, "'    4096'"},
		{"'%4o'", []interface{}{uint64(0755)}, "'0755'"},
		{"cr3 0x%16x", []interface{}{uint64(0x1ff000)}, "cr3 0x00000000001ff000"},
		{"0x%3x", []interface{}{uintptr(0xb8000)}, "0xb8000"},
		{"max %d", []interface{}{uint64(18446744073709551615)}, "max 18446744073709551615"},
		// signed integers
		{"delta %d", []interface{}{int8(-10)}, "delta -10"},
		{"delta %d", []interface{}{0}, "delta 0"},
		{"%o", []interface{}{int16(0644)}, "644"},
		{"%x", []interface{}{int32(-0xbeef)}, "-beef"},
		{"'%8d'", []interface{}{int64(-4096)}, "'   -4096'"},
		{"'%5d'", []interface{}{int64(-4096)}, "'-4096'"},
		{"'%5d'", []interface{}{int64(-40960)}, "'-40960'"},
		{"'%6x'", []interface{}{int(-0xbeef)}, "'-00beef'"},
		{"min %d", []interface{}{int64(-9223372036854775808)}, "min -9223372036854775808"},
		{
			"'%128x'",
			[]interface{}{int(-0xbadf00d)},
			fmt.Sprintf("'-%sbadf00d'", strings.Repeat("0", maxBufSize-8)),
		},
		// several arguments
		{"%%%s%d%t", []interface{}{"tid", 12, true}, "%tid12true"},
		// malformed input
		{"ready", []interface{}{"a", "b"}, "ready%!(EXTRA)%!(EXTRA)"},
		{"tid %d", nil, "tid (MISSING)"},
		{"bad verb %Q", nil, "bad verb %!(NOVERB)"},
		{"trailing %", nil, "trailing "},
		{"not bool %t", []interface{}{"yes"}, "not bool %!(WRONGTYPE)"},
		{"not int %d", []interface{}{"12"}, "not int %!(WRONGTYPE)"},
		{"not string %s", []interface{}{12}, "not string %!(WRONGTYPE)"},
	}

	var buf bytes.Buffer
	SetOutputSink(&buf)

	for specIndex, spec := range specs {
		buf.Reset()
		Printf(spec.format, spec.args...)

		if got := buf.String(); got != spec.exp {
			t.Errorf("[spec %d] expected to get\n%q\ngot:\n%q", specIndex, spec.exp, got)
		}
	}
}

func TestPrintfToRingBuffer(t *testing.T) {
	defer func() {
		outputSink = nil
	}()

	exp := "hello world"
	Printf(exp)

	var buf bytes.Buffer
	SetOutputSink(&buf)

	if got := buf.String(); got != exp {
		t.Fatalf("expected to get:\n%q\ngot:\n%q", exp, got)
	}
}

func TestLock(t *testing.T) {
	g := Lock()
	if outputLock.TryToAcquire() {
		t.Fatal("expected output lock to be held")
	}
	g.Release()

	if !outputLock.TryToAcquire() {
		t.Fatal("expected output lock to be released")
	}
	outputLock.Release()
}

func TestFprintf(t *testing.T) {
	var buf bytes.Buffer

	exp := "hello world"
	Fprintf(&buf, exp)

	if got := buf.String(); got != exp {
		t.Fatalf("expected to get:\n%q\ngot:\n%q", exp, got)
	}
}
