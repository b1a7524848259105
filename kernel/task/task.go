// Package task implements the process and thread tables together with the
// preemptive SMP scheduler.
//
// Every core runs its own instance of the scheduler. All instances share one
// flat thread arena which they scan round-robin while holding the global
// scheduler lock.
package task

import (
	"copperos/kernel"
	"copperos/kernel/cpu"
	"copperos/kernel/gate"
	"copperos/kernel/kfmt"
	"copperos/kernel/mm/vmm"
	"copperos/kernel/smp"
	"copperos/kernel/sync"
)

// Table bounds.
const (
	MaxProcesses         = 128
	MaxThreads           = 512
	MaxThreadsPerProcess = 64
	MaxFiles             = 32
	NumSignals           = 32
)

// KernelPID is the id of the process that owns all kernel threads.
const KernelPID = PID(0)

// NoCPU is reported as the running core of threads that are not running.
const NoCPU = -1

var (
	// ErrResourceExhausted is returned when no process or thread slot is
	// available or when the memory for a new task cannot be allocated.
	ErrResourceExhausted = &kernel.Error{Module: "task", Message: "resource exhausted", Code: -kernel.EAGAIN}

	// ErrNotFound is returned when the target process or thread does not
	// exist.
	ErrNotFound = &kernel.Error{Module: "task", Message: "no such process or thread", Code: -kernel.ESRCH}

	// ErrNoChildren is returned by WaitProcess when the caller has no
	// children matching the request.
	ErrNoChildren = &kernel.Error{Module: "task", Message: "no child processes", Code: -kernel.ECHILD}

	// ErrBadEntry is returned when the initial image of a thread cannot
	// be built.
	ErrBadEntry = &kernel.Error{Module: "task", Message: "unable to build initial thread image", Code: -kernel.EFAULT}

	errSelfKillReturned  = &kernel.Error{Module: "task", Message: "killed thread resumed execution"}
	errNoCurrentThread   = &kernel.Error{Module: "task", Message: "no thread is running on this core"}
	errNoKernelProcess   = &kernel.Error{Module: "task", Message: "kernel process could not be created"}
	errUserThreadInKproc = &kernel.Error{Module: "task", Message: "user threads cannot be created in the kernel process"}

	// Hardware access hooks; tests override them.
	currentCoreFn    = smp.Current
	switchStackFn    = cpu.SwitchStack
	enterContextFn   = cpu.EnterContext
	saveFPUFn        = cpu.SaveFPU
	restoreFPUFn     = cpu.RestoreFPU
	waitForInterrupt = cpu.WaitForInterrupt
	waitPauseFn      = cpu.Pause
	broadcastIPIFn   = smp.BroadcastIPI
	requestAbortFn   = smp.RequestAbort
	requestReschedFn = requestResched
	panicFn          = kfmt.Panic

	// Address space hooks; tests replace them with in-memory fakes.
	newAddressSpaceFn    = newVMMAddressSpace
	kernelAddressSpaceFn = kernelVMMAddressSpace

	// sliceMs is the scheduling quantum added to the uptime on every
	// timer tick.
	sliceMs uint64 = 10

	// debugSched enables logging of context switches.
	debugSched bool
)

// Config holds the boot-time scheduler tunables.
type Config struct {
	// SliceMs is the period of the scheduling timer in milliseconds.
	SliceMs uint64

	// Debug enables context switch tracing.
	Debug bool
}

// AddressSpace is the view of a virtual address space used by the process
// table. It is implemented by *vmm.AddressSpace.
type AddressSpace interface {
	Map(physAddr, virtAddr uintptr, flags vmm.PageTableEntryFlag) *kernel.Error
	Unmap(virtAddr uintptr) *kernel.Error
	Lookup(virtAddr uintptr) (uintptr, vmm.PageTableEntryFlag, *kernel.Error)
	Fork() (AddressSpace, *kernel.Error)
	Activate()
	Destroy()
}

// vmmSpace adapts *vmm.AddressSpace to the AddressSpace interface.
type vmmSpace struct {
	*vmm.AddressSpace
}

// Fork implements AddressSpace.
func (s vmmSpace) Fork() (AddressSpace, *kernel.Error) {
	child, err := s.AddressSpace.Fork()
	if err != nil {
		return nil, err
	}
	return vmmSpace{child}, nil
}

func newVMMAddressSpace() (AddressSpace, *kernel.Error) {
	as, err := vmm.NewAddressSpace()
	if err != nil {
		return nil, err
	}
	return vmmSpace{as}, nil
}

func kernelVMMAddressSpace() AddressSpace {
	return vmmSpace{vmm.KernelAddressSpace()}
}

// Init creates the kernel process, registers the scheduler as the blocking
// backend for sync.Event and installs the timer and IPI handlers. It must be
// called after the vmm and smp packages have been initialized.
func Init(cfg Config) *kernel.Error {
	if cfg.SliceMs != 0 {
		sliceMs = cfg.SliceMs
	}
	debugSched = cfg.Debug

	for i := range cores {
		cores[i].lastIndex = -1
	}

	if _, err := createProcess(KernelPID, kernelAddressSpaceFn()); err != nil {
		return errNoKernelProcess
	}

	sync.SetWaitHandler(schedWaitHandler{})
	gate.HandleInterrupt(gate.TimerVector, 0, timerHandler)
	gate.HandleInterrupt(gate.ReschedIPIVector, 0, reschedIPIHandler)
	gate.HandleInterrupt(gate.AbortIPIVector, 0, abortIPIHandler)
	vmm.SetUserFaultHandler(userFaultHandler)
	kfmt.RegisterPanicHook(DumpState)

	kfmt.Printf("[task] scheduler ready; time slice: %dms, max threads: %d\n", sliceMs, MaxThreads)
	return nil
}

// userFaultHandler terminates the process of a thread that triggered an
// unrecoverable fault while running in user-mode.
func userFaultHandler(faultAddress uintptr, regs *gate.Registers) {
	t := CurrentThread()
	if t == nil {
		panicFn(errNoCurrentThread)
		return
	}

	kfmt.Printf("[task] pid %d tid %d: fault at 0x%16x (rip 0x%16x); terminating process\n",
		uint32(t.PID), uint32(t.ID), faultAddress, regs.RIP)
	_ = ExitProcess(t.PID, faultExitStatus)
}

// faultExitStatus is the exit status reported for processes terminated by an
// unrecoverable fault (128 + SIGSEGV).
const faultExitStatus = 139
