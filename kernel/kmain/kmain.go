package kmain

import (
	"copperos/kernel"
	"copperos/kernel/gate"
	"copperos/kernel/goruntime"
	"copperos/kernel/hal"
	"copperos/kernel/kfmt"
	"copperos/kernel/kopt"
	"copperos/kernel/mm"
	"copperos/kernel/mm/pmm"
	"copperos/kernel/mm/vmm"
	"copperos/kernel/smp"
	"copperos/kernel/task"
	"copperos/multiboot"
)

// timerTicksPerMs is the number of local APIC timer ticks per millisecond
// with a divider of 16, assuming a 1GHz timer input clock.
const timerTicksPerMs = 62500

var (
	errKmainReturned = &kernel.Error{Module: "kmain", Message: "Kmain returned"}

	// opts holds the tunables parsed from the boot command line. The
	// application processors read it when they start their schedulers.
	opts kopt.Options

	// The following functions are mocked by tests.
	setDirectMapBaseFn   = mm.SetDirectMapBase
	pmmInitFn            = pmm.Init
	vmmInitFn            = vmm.Init
	goruntimeInitFn      = goruntime.Init
	loadOptionsFn        = kopt.Load
	forkPoolInitFn       = pmm.InitForkPool
	smpInitFn            = smp.Init
	detectHardwareFn     = hal.DetectHardware
	taskInitFn           = task.Init
	startReaperFn        = task.StartReaper
	startDeviceWorkersFn = hal.StartDeviceWorkers
	startSchedulerFn     = startScheduler
	panicFn              = kfmt.Panic
)

// Kmain is the entrypoint of the bootstrap processor. The rt0 assembly code
// calls it with a GDT loaded and a minimal g0 running on the boot stack.
//
// The rt0 code passes the physical addresses of the multiboot info payload
// provided by the bootloader and of the kernel image start/end. By the time
// Kmain runs, rt0 has mapped physical memory at mm.DirectMapBase.
//
// Kmain is not expected to return. If it does, the rt0 code will halt the CPU.
//
//go:noinline
func Kmain(multibootInfoPtr, kernelStart, kernelEnd uintptr) {
	setDirectMapBaseFn(mm.DirectMapBase)
	multiboot.SetInfoPtr(mm.PhysToVirt(multibootInfoPtr))

	if err := boot(kernelStart, kernelEnd); err != nil {
		panicFn(err)
		return
	}

	startSchedulerFn()

	// Use kfmt.Panic instead of panic to prevent the compiler from
	// treating kfmt.Panic as dead-code and eliminating it.
	panicFn(errKmainReturned)
}

// APMain is the entrypoint of the application processors. The AP trampoline
// jumps here once the core runs in long mode with the kernel address space
// active. APMain never returns.
//
//go:noinline
func APMain() {
	startSchedulerFn()
	panicFn(errKmainReturned)
}

// boot brings up the kernel subsystems on the bootstrap processor. Memory
// management is initialized before the Go allocator; everything after
// goruntimeInitFn may allocate.
func boot(kernelStart, kernelEnd uintptr) *kernel.Error {
	var err *kernel.Error
	if err = pmmInitFn(kernelStart, kernelEnd); err != nil {
		return err
	} else if err = vmmInitFn(); err != nil {
		return err
	} else if err = goruntimeInitFn(); err != nil {
		return err
	}

	opts = loadOptionsFn()
	if err = forkPoolInitFn(opts.ForkPoolPages); err != nil {
		return err
	}

	smpInitFn(opts.MaxCPUs)
	detectHardwareFn()

	if err = taskInitFn(task.Config{SliceMs: opts.SliceMs, Debug: opts.Debug}); err != nil {
		return err
	}

	if _, err = startReaperFn(); err != nil {
		return err
	}

	startDeviceWorkersFn()
	kfmt.Printf("[kmain] boot complete; %d cpu(s) registered\n", smp.Count())
	return nil
}

// startScheduler arms the local APIC timer of the calling core and enters
// its scheduler loop.
func startScheduler() {
	smp.EnableLAPIC()
	smp.StartTimer(gate.TimerVector, uint32(opts.SliceMs*timerTicksPerMs))
	task.Idle()
}
