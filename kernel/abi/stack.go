package abi

import (
	"copperos/kernel"
	"copperos/kernel/kfmt"
	"unsafe"

	"github.com/pkg/errors"
)

// StackAlignment is the stack pointer alignment mandated by the SysV calling
// convention at process entry.
const StackAlignment = 16

var (
	// panicFn is mocked by tests.
	panicFn = kfmt.Panic

	errMisalignedStack = &kernel.Error{Module: "abi", Message: "initial stack pointer is not 16-byte aligned"}
	errStackOverflow   = errors.New("stack overflow")
)

// StackWriter copies data into the memory backing a stack. Stacks of user
// threads live in a different address space so writes go through whatever
// translation the owner of the stack provides.
type StackWriter interface {
	WriteAt(p []byte, addr uintptr) error
}

// MemoryWriter is a StackWriter for stacks that are directly addressable by
// the caller such as kernel stacks.
type MemoryWriter struct{}

// WriteAt copies p to addr.
func (MemoryWriter) WriteAt(p []byte, addr uintptr) error {
	copy(unsafe.Slice((*byte)(unsafe.Pointer(addr)), len(p)), p)
	return nil
}

// Stack tracks the stack pointer of a thread stack while its initial image
// is being built. Stacks grow towards lower addresses.
type Stack struct {
	w        StackWriter
	base, sp uintptr
}

// NewStack returns a Stack spanning [base, top) that writes through w.
func NewStack(w StackWriter, base, top uintptr) *Stack {
	return &Stack{w: w, base: base, sp: top}
}

// SP returns the current stack pointer.
func (s *Stack) SP() uintptr {
	return s.sp
}

// Push copies p below the current stack pointer and returns its address.
func (s *Stack) Push(p []byte) (uintptr, error) {
	if uintptr(len(p)) > s.sp-s.base {
		return 0, errors.Wrapf(errStackOverflow, "push of %d bytes at 0x%x", len(p), s.sp)
	}

	addr := s.sp - uintptr(len(p))
	if err := s.w.WriteAt(p, addr); err != nil {
		return 0, errors.Wrapf(err, "stack write at 0x%x failed", addr)
	}

	s.sp = addr
	return addr, nil
}

// PushString pushes str followed by a NUL terminator and returns the
// address of its first byte.
func (s *Stack) PushString(str string) (uintptr, error) {
	buf := make([]byte, len(str)+1)
	copy(buf, str)
	return s.Push(buf)
}

// Align rounds the stack pointer down to a multiple of align which must be a
// power of two.
func (s *Stack) Align(align uintptr) {
	s.sp &^= align - 1
}

// checkAlignment halts the machine if sp does not satisfy the calling
// convention.
func checkAlignment(sp uintptr) *kernel.Error {
	if sp%StackAlignment != 0 {
		panicFn(errMisalignedStack)
		return errMisalignedStack
	}

	return nil
}
