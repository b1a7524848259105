package task

import (
	"copperos/kernel"
	"copperos/kernel/abi"
	"copperos/kernel/mm"
	"copperos/kernel/mm/vmm"
	"encoding/binary"
	"unsafe"
)

const (
	// KernelStackPages is the size of each kernel stack in pages.
	KernelStackPages = 4

	// UserStackPages is the size of each user thread stack in pages.
	UserStackPages = 16

	// UserStackTop is the end of the stack of thread 0. Stacks of higher
	// thread ids are placed below it, each preceded by an unmapped guard
	// page.
	UserStackTop = uintptr(0x7ffffffff000)

	// kernelStackArea is the kernel half region where kernel stacks are
	// mapped. Each arena slot owns a fixed window with a guard page at its
	// bottom.
	kernelStackArea = uintptr(0xffffff0000000000)

	// switchFrameWords is the number of words popped by cpu.SwitchStack:
	// six callee-saved registers and the return address.
	switchFrameWords = 7

	userStackFlags   = vmm.FlagRW | vmm.FlagUserAccessible | vmm.FlagNoExecute
	kernelStackFlags = vmm.FlagRW | vmm.FlagNoExecute
)

var (
	allocKernelStackFn = allocKernelStack
	freeKernelStackFn  = freeKernelStack

	// brkLimit is the highest address the program break may reach. It is
	// the guard page of the lowest possible thread stack.
	brkLimit = userStackBase(MaxThreadsPerProcess-1) - mm.PageSize
)

// userStackBase returns the lowest address of the stack of thread tid.
func userStackBase(tid ThreadID) uintptr {
	return UserStackTop - uintptr(tid+1)*(UserStackPages+1)*mm.PageSize + mm.PageSize
}

func kernelStackBase(index int) uintptr {
	return kernelStackArea + uintptr(index)*(KernelStackPages+1)*mm.PageSize + mm.PageSize
}

// allocKernelStack maps the kernel stack for the thread stored in arena slot
// index and returns its lowest address.
func allocKernelStack(index int) (uintptr, *kernel.Error) {
	base := kernelStackBase(index)
	if err := mapFreshPages(kernelAddressSpaceFn(), base, KernelStackPages, kernelStackFlags); err != nil {
		return 0, err
	}
	return base, nil
}

func freeKernelStack(base uintptr) {
	unmapPages(kernelAddressSpaceFn(), base, KernelStackPages)
}

// mapFreshPages maps count zeroed frames starting at base. On failure the
// pages mapped by this call are released.
func mapFreshPages(as AddressSpace, base uintptr, count int, flags vmm.PageTableEntryFlag) *kernel.Error {
	for i := 0; i < count; i++ {
		frame, err := mm.AllocFrame()
		if err == nil {
			kernel.Memset(mm.PhysToVirt(frame.Address()), 0, mm.PageSize)
			if err = as.Map(frame.Address(), base+uintptr(i)<<mm.PageShift, flags); err != nil {
				_ = mm.FreeFrame(frame)
			}
		}

		if err != nil {
			unmapPages(as, base, i)
			return err
		}
	}

	return nil
}

// unmapPages unmaps count pages starting at base and frees their frames.
// Pages that are not mapped are skipped.
func unmapPages(as AddressSpace, base uintptr, count int) {
	for i := 0; i < count; i++ {
		addr := base + uintptr(i)<<mm.PageShift
		phys, _, err := as.Lookup(addr)
		if err != nil {
			continue
		}

		_ = as.Unmap(addr)
		_ = mm.FreeFrame(mm.FrameFromAddress(phys))
	}
}

// spaceWriter writes to the pages of an address space through the kernel's
// direct physical map.
type spaceWriter struct {
	as AddressSpace
}

// WriteAt implements abi.StackWriter.
func (w spaceWriter) WriteAt(p []byte, addr uintptr) error {
	for len(p) > 0 {
		phys, _, err := w.as.Lookup(addr)
		if err != nil {
			return err
		}

		offset := vmm.PageOffset(addr)
		dst := unsafe.Slice((*byte)(unsafe.Pointer(mm.PhysToVirt(phys)+offset)), mm.PageSize-offset)
		n := copy(dst, p)
		p = p[n:]
		addr += uintptr(n)
	}

	return nil
}

// prepareSwitchFrame writes the frame consumed by cpu.SwitchStack when the
// thread is switched in for the first time below sp and returns the saved
// kernel stack pointer.
func prepareSwitchFrame(base, sp uintptr) (uintptr, *kernel.Error) {
	var frame [switchFrameWords * 8]byte
	binary.LittleEndian.PutUint64(frame[(switchFrameWords-1)*8:], uint64(funcPC(threadStart)))

	stack := abi.NewStack(abi.MemoryWriter{}, base, sp)
	if _, err := stack.Push(frame[:]); err != nil {
		return 0, ErrResourceExhausted
	}
	return stack.SP(), nil
}

func funcPC(fn func()) uintptr {
	return **(**uintptr)(unsafe.Pointer(&fn))
}
