package abi

import (
	"bytes"
	"copperos/kernel/mm"
	"encoding/binary"
	"errors"
	"strings"
	"testing"
	"unsafe"
)

// bufferWriter backs a stack that starts at a fake virtual address.
type bufferWriter struct {
	base uintptr
	buf  []byte
	fail bool
}

func newBufferWriter(base uintptr, size int) *bufferWriter {
	return &bufferWriter{base: base, buf: make([]byte, size)}
}

func (w *bufferWriter) WriteAt(p []byte, addr uintptr) error {
	if w.fail {
		return errors.New("write fault")
	}
	copy(w.buf[addr-w.base:], p)
	return nil
}

func (w *bufferWriter) word(addr uintptr) uint64 {
	return binary.LittleEndian.Uint64(w.buf[addr-w.base:])
}

func (w *bufferWriter) cstring(addr uintptr) string {
	data := w.buf[addr-w.base:]
	return string(data[:bytes.IndexByte(data, 0)])
}

func TestContextReset(t *testing.T) {
	var ctx Context
	ctx.RAX = 0xbadf00d

	ctx.Reset(false)
	if ctx.RAX != 0 || ctx.CS != KernelCodeSelector || ctx.SS != KernelDataSelector || ctx.UserMode() {
		t.Fatalf("unexpected kernel context: %+v", ctx)
	}
	if ctx.RFlags != DefaultRFlags {
		t.Fatalf("expected RFLAGS to be %x; got %x", DefaultRFlags, ctx.RFlags)
	}

	ctx.Reset(true)
	if ctx.CS != UserCodeSelector || ctx.SS != UserDataSelector || !ctx.UserMode() {
		t.Fatalf("unexpected user context: %+v", ctx)
	}
}

func TestContextDump(t *testing.T) {
	var (
		buf bytes.Buffer
		ctx = Context{RIP: 0xc0ffee}
	)

	ctx.DumpTo(&buf)
	if !strings.Contains(buf.String(), "RIP = 0000000000c0ffee") {
		t.Fatalf("expected dump to include RIP; got:\n%s", buf.String())
	}
}

func TestFPUStateReset(t *testing.T) {
	var s FPUState
	s.Reset()

	if s.Area()%16 != 0 {
		t.Fatalf("expected FPU area to be 16-byte aligned; got %x", s.Area())
	}

	off := int(s.Area() - uintptr(unsafe.Pointer(&s.area[0])))
	if fcw := binary.LittleEndian.Uint16(s.area[off:]); fcw != 0x37f {
		t.Errorf("expected FCW to be 0x37f; got %x", fcw)
	}
	if mxcsr := binary.LittleEndian.Uint32(s.area[off+24:]); mxcsr != 0x1f80 {
		t.Errorf("expected MXCSR to be 0x1f80; got %x", mxcsr)
	}
}

func TestStackPush(t *testing.T) {
	w := newBufferWriter(0x1000, 32)
	s := NewStack(w, 0x1000, 0x1020)

	addr, err := s.PushString("hi")
	if err != nil {
		t.Fatal(err)
	}
	if exp := uintptr(0x101d); addr != exp || s.SP() != exp {
		t.Fatalf("expected string at %x; got %x (sp %x)", exp, addr, s.SP())
	}
	if got := w.cstring(addr); got != "hi" {
		t.Fatalf("expected pushed string to be %q; got %q", "hi", got)
	}

	s.Align(16)
	if s.SP() != 0x1010 {
		t.Fatalf("expected aligned sp to be 0x1010; got %x", s.SP())
	}

	if _, err = s.Push(make([]byte, 17)); err == nil || !errors.Is(err, errStackOverflow) {
		t.Fatalf("expected a stack overflow error; got %v", err)
	}

	w.fail = true
	if _, err = s.Push([]byte{1}); err == nil || !strings.Contains(err.Error(), "write fault") {
		t.Fatalf("expected wrapped write error; got %v", err)
	}
	if s.SP() != 0x1010 {
		t.Fatal("expected failed push to leave the stack pointer untouched")
	}
}

func TestDirectCallSetup(t *testing.T) {
	w := newBufferWriter(0x8000, 0x1000)
	s := NewStack(w, 0x8000, 0x8ff8)

	entry := &DirectCall{Entry: 0x400100, Arg: 0xfeed, TLSBase: 0x7000, User: true}
	var ctx Context
	if err := entry.Setup(&ctx, s); err != nil {
		t.Fatal(err)
	}

	if !entry.UserMode() || !ctx.UserMode() {
		t.Fatal("expected a user-mode context")
	}
	if ctx.RIP != 0x400100 || ctx.RDI != 0xfeed || ctx.FSBase != 0x7000 {
		t.Fatalf("unexpected context: %+v", ctx)
	}
	if ctx.RSP != 0x8fe8 || (ctx.RSP+8)%16 != 0 {
		t.Fatalf("expected RSP to be 0x8fe8; got %x", ctx.RSP)
	}
	if w.word(uintptr(ctx.RSP)) != 0 {
		t.Fatal("expected a zero return address at RSP")
	}
}

func TestProgramExecSetup(t *testing.T) {
	defer func(orig func(interface{})) {
		panicFn = orig
	}(panicFn)
	panicFn = func(e interface{}) {
		t.Fatalf("unexpected panic: %v", e)
	}

	specs := []struct {
		argv, envp []string
		auxv       []Auxv
	}{
		{[]string{"/bin/init"}, nil, nil},
		{[]string{"/bin/sh", "-c", "echo hi"}, []string{"HOME=/", "TERM=vt100"}, []Auxv{{AT_PHDR, 0x400040}, {AT_PHENT, 56}, {AT_PHNUM, 9}}},
		{nil, []string{"A=1"}, []Auxv{{AT_PAGESZ, 8192}, {AT_NULL, 0}}},
	}

	for specIndex, spec := range specs {
		w := newBufferWriter(0x10000, 0x1000)
		s := NewStack(w, 0x10000, 0x11000)
		entry := &ProgramExec{Entry: 0x401000, Argv: spec.argv, Envp: spec.envp, Auxv: spec.auxv}

		var ctx Context
		if err := entry.Setup(&ctx, s); err != nil {
			t.Errorf("[spec %d] unexpected error: %v", specIndex, err)
			continue
		}

		if ctx.RSP%16 != 0 {
			t.Errorf("[spec %d] expected RSP to be 16-byte aligned; got %x", specIndex, ctx.RSP)
		}
		if ctx.RIP != 0x401000 || !ctx.UserMode() {
			t.Errorf("[spec %d] unexpected context: %+v", specIndex, ctx)
		}

		sp := uintptr(ctx.RSP)
		if argc := w.word(sp); argc != uint64(len(spec.argv)) {
			t.Errorf("[spec %d] expected argc %d; got %d", specIndex, len(spec.argv), argc)
		}
		sp += 8

		var lastStrAddr uintptr = 0x11000
		for _, vec := range [][]string{spec.argv, spec.envp} {
			for i, exp := range vec {
				ptr := uintptr(w.word(sp))
				if got := w.cstring(ptr); got != exp {
					t.Errorf("[spec %d] expected string %d to be %q; got %q", specIndex, i, exp, got)
				}
				if ptr >= lastStrAddr {
					t.Errorf("[spec %d] expected strings to be laid out high-to-low", specIndex)
				}
				lastStrAddr = ptr
				sp += 8
			}
			if w.word(sp) != 0 {
				t.Errorf("[spec %d] expected NULL terminated pointer vector", specIndex)
			}
			sp += 8
		}

		got := map[uint64]uint64{}
		for {
			typ, val := w.word(sp), w.word(sp+8)
			sp += 16
			if typ == AT_NULL {
				break
			}
			got[typ] = val
		}

		if got[AT_ENTRY] != 0x401000 {
			t.Errorf("[spec %d] expected AT_ENTRY to be set; got %x", specIndex, got[AT_ENTRY])
		}
		if _, ok := got[AT_PAGESZ]; !ok {
			t.Errorf("[spec %d] expected AT_PAGESZ record", specIndex)
		}
		for _, a := range spec.auxv {
			if a.Type != AT_NULL && got[a.Type] != a.Val {
				t.Errorf("[spec %d] expected auxv %d to be %x; got %x", specIndex, a.Type, a.Val, got[a.Type])
			}
		}
		if len(spec.auxv) == 0 && got[AT_PAGESZ] != uint64(mm.PageSize) {
			t.Errorf("[spec %d] expected default page size record", specIndex)
		}
	}
}

func TestProgramExecErrors(t *testing.T) {
	t.Run("stack too small", func(t *testing.T) {
		w := newBufferWriter(0x10000, 32)
		s := NewStack(w, 0x10000, 0x10020)
		entry := &ProgramExec{Entry: 0x401000, Argv: []string{"/bin/a-rather-long-program-name"}}

		err := entry.Setup(&Context{}, s)
		if err == nil || !errors.Is(err, errStackOverflow) {
			t.Fatalf("expected stack overflow error; got %v", err)
		}
	})

	t.Run("misaligned stack", func(t *testing.T) {
		defer func(orig func(interface{})) {
			panicFn = orig
		}(panicFn)

		var panicked bool
		panicFn = func(e interface{}) {
			panicked = e == errMisalignedStack
		}

		if err := checkAlignment(0x1008); err != errMisalignedStack || !panicked {
			t.Fatalf("expected misaligned stack to trigger a panic; got %v", err)
		}
		if err := checkAlignment(0x1010); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})
}
