package vmm

import (
	"copperos/kernel"
	"copperos/kernel/cpu"
	"copperos/kernel/gate"
	"copperos/kernel/kfmt"
)

var (
	// the following functions are mocked by tests and are automatically
	// inlined by the compiler.
	readCR2Fn         = cpu.ReadCR2
	handleInterruptFn = gate.HandleInterrupt

	// userFaultFn handles unrecoverable faults raised by user-mode code.
	// It is registered by the scheduler which terminates the faulting
	// thread.
	userFaultFn func(faultAddress uintptr, regs *gate.Registers)

	errUnrecoverableFault = &kernel.Error{Module: "vmm", Message: "page/gpf fault"}
)

// SetUserFaultHandler registers the function invoked for page faults and
// general protection faults that user-mode code cannot recover from.
func SetUserFaultHandler(fn func(faultAddress uintptr, regs *gate.Registers)) {
	userFaultFn = fn
}

func installFaultHandlers() {
	handleInterruptFn(gate.PageFaultException, 0, pageFaultHandler)
	handleInterruptFn(gate.GPFException, 0, generalProtectionFaultHandler)
}

// pageFaultHandler is invoked when a PDT or PDT-entry is not present or when a
// RW protection check fails. Pages are never mapped lazily, so no page fault
// is recoverable.
func pageFaultHandler(regs *gate.Registers) {
	nonRecoverablePageFault(uintptr(readCR2Fn()), regs, errUnrecoverableFault)
}

// generalProtectionFaultHandler is invoked for various reasons:
// - segment errors (privilege, type or limit violations)
// - executing privileged instructions outside ring-0
// - attempts to access reserved or unimplemented CPU registers
func generalProtectionFaultHandler(regs *gate.Registers) {
	if regs.UserMode() && userFaultFn != nil {
		userFaultFn(0, regs)
		return
	}

	kfmt.Printf("\nGeneral protection fault while accessing address: 0x%x\n", readCR2Fn())
	kfmt.Printf("Registers:\n")
	regs.DumpTo(kfmt.GetOutputSink())

	panicFn(errUnrecoverableFault)
}

func nonRecoverablePageFault(faultAddress uintptr, regs *gate.Registers, err *kernel.Error) {
	// Faults raised by user code (e.g. a stack guard page hit) only
	// terminate the offending thread.
	if regs.UserMode() && userFaultFn != nil {
		userFaultFn(faultAddress, regs)
		return
	}

	kfmt.Printf("\nPage fault while accessing address: 0x%16x\nReason: ", faultAddress)
	switch {
	case regs.Info == 0:
		kfmt.Printf("read from non-present page")
	case regs.Info == 1:
		kfmt.Printf("page protection violation (read)")
	case regs.Info == 2:
		kfmt.Printf("write to non-present page")
	case regs.Info == 3:
		kfmt.Printf("page protection violation (write)")
	case regs.Info == 4:
		kfmt.Printf("page-fault in user-mode")
	case regs.Info == 8:
		kfmt.Printf("page table has reserved bit set")
	case regs.Info == 16:
		kfmt.Printf("instruction fetch")
	default:
		kfmt.Printf("unknown")
	}

	kfmt.Printf("\n\nRegisters:\n")
	regs.DumpTo(kfmt.GetOutputSink())

	panicFn(err)
}
