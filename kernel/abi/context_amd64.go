// Package abi builds the initial register and stack image of new threads.
package abi

import (
	"copperos/kernel/cpu"
	"copperos/kernel/kfmt"
	"io"
	"unsafe"
)

// Segment selectors installed by the boot GDT.
const (
	KernelCodeSelector = uint64(0x08)
	KernelDataSelector = uint64(0x10)
	UserDataSelector   = uint64(0x18 | 3)
	UserCodeSelector   = uint64(0x20 | 3)

	// DefaultRFlags enables interrupts. Bit 1 is reserved and always set.
	DefaultRFlags = uint64(1<<9 | 1<<1)
)

// Context is the register snapshot restored when a thread is switched in for
// the first time or when it returns to user-space.
type Context struct {
	RAX, RBX, RCX, RDX uint64
	RSI, RDI, RBP      uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64

	RIP, CS, RFlags, RSP, SS uint64

	// FSBase holds the thread-local storage pointer.
	FSBase uint64
}

// Reset clears ctx and loads the segment selectors for the requested
// privilege level.
func (ctx *Context) Reset(user bool) {
	*ctx = Context{RFlags: DefaultRFlags}
	if user {
		ctx.CS, ctx.SS = UserCodeSelector, UserDataSelector
		return
	}
	ctx.CS, ctx.SS = KernelCodeSelector, KernelDataSelector
}

// UserMode returns true if the context returns to ring 3.
func (ctx *Context) UserMode() bool {
	return ctx.CS&3 == 3
}

// DumpTo outputs the register snapshot to w.
func (ctx *Context) DumpTo(w io.Writer) {
	kfmt.Fprintf(w, "RAX = %16x RBX = %16x\n", ctx.RAX, ctx.RBX)
	kfmt.Fprintf(w, "RCX = %16x RDX = %16x\n", ctx.RCX, ctx.RDX)
	kfmt.Fprintf(w, "RSI = %16x RDI = %16x\n", ctx.RSI, ctx.RDI)
	kfmt.Fprintf(w, "RBP = %16x RSP = %16x\n", ctx.RBP, ctx.RSP)
	kfmt.Fprintf(w, "RIP = %16x FSB = %16x\n", ctx.RIP, ctx.FSBase)
	kfmt.Fprintf(w, "CS  = %16x SS  = %16x\n", ctx.CS, ctx.SS)
	kfmt.Fprintf(w, "RFL = %16x\n", ctx.RFlags)
}

// FPUState is the FXSAVE area of a thread. New threads start from a zeroed
// area with the default x87 control word and MXCSR.
type FPUState struct {
	area [cpu.FPUStateSize + 16]byte
}

// Reset loads the power-on defaults into the area.
func (s *FPUState) Reset() {
	area := s.Area()
	buf := unsafe.Slice((*byte)(unsafe.Pointer(area)), cpu.FPUStateSize)
	for i := range buf {
		buf[i] = 0
	}

	// FCW = 0x37f, MXCSR = 0x1f80
	buf[0], buf[1] = 0x7f, 0x03
	buf[24], buf[25] = 0x80, 0x1f
}

// Area returns the 16-byte aligned address of the FXSAVE area.
func (s *FPUState) Area() uintptr {
	addr := uintptr(unsafe.Pointer(&s.area[0]))
	return (addr + 15) &^ 15
}
