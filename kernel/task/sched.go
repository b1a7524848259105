package task

import (
	"copperos/kernel"
	"copperos/kernel/gate"
	"copperos/kernel/kfmt"
	"copperos/kernel/smp"
	"copperos/kernel/sync"
	"sync/atomic"
)

// coreState is the scheduler bookkeeping of a single core.
type coreState struct {
	// current is the thread running on the core or nil for the idle
	// context.
	current *Thread

	// prev is the context that was switched out last. Its lock is released
	// by the incoming context.
	prev *Thread

	// dead is a thread that removed itself and whose stacks must be
	// released once the core no longer executes on them.
	dead *Thread

	// lastIndex is the arena slot selected last; the next scan starts
	// right after it.
	lastIndex int

	// pid is the process whose address space is loaded on the core.
	pid         PID
	spaceLoaded bool

	switches uint64
}

var (
	cores [smp.MaxCPUs]coreState

	// uptime is the number of milliseconds elapsed since the scheduler
	// started, advanced by the bootstrap core on each timer tick.
	uptime uint64
)

// Uptime returns the scheduler clock in milliseconds.
func Uptime() uint64 {
	return atomic.LoadUint64(&uptime)
}

// CurrentThread returns the thread running on the calling core or nil if the
// core runs its idle context.
func CurrentThread() *Thread {
	return cores[currentCoreFn().ID].current
}

// CurrentProcess returns the process of the thread running on the calling
// core. Idle contexts belong to the kernel process.
func CurrentProcess() *Process {
	if t := CurrentThread(); t != nil {
		return t.proc
	}
	return kernelProc
}

// Reschedule selects the next thread to run on the calling core and switches
// to it. If no thread is runnable, the core switches to its idle context. A
// core that is already inside Reschedule returns immediately.
//
// The lock of the running thread is held for as long as it executes. It is
// handed over to the incoming context which releases it after the switch.
func Reschedule() {
	reschedule(false)
}

// preempt is Reschedule for interrupt handlers. The interrupted code may
// hold schedLock on this very core, so the reschedule is skipped when the
// lock is busy and retried on the next tick.
func preempt() {
	reschedule(true)
}

func reschedule(fromInterrupt bool) {
	core := currentCoreFn()
	if !core.ReschedLock.TryToAcquire() {
		return
	}

	cs := &cores[core.ID]
	prev := cs.current

	if !fromInterrupt {
		schedLock.Acquire()
	} else if !schedLock.TryToAcquire() {
		core.ReschedLock.Release()
		return
	}
	next := selectNext(cs, prev)
	if next != nil {
		atomic.StoreInt32(&next.cpu, int32(core.ID))
	}
	schedLock.Release()

	if next == prev {
		if prev != nil {
			atomic.StoreUint64(&core.LastSchedule, Uptime())
		}
		core.ReschedLock.Release()
		return
	}

	switchTo(core, cs, prev, next)
}

// selectNext scans the arena round-robin starting after the last selected
// slot and returns the first thread that can run. The returned thread is
// locked. A nil result selects the idle context. The caller must hold
// schedLock.
func selectNext(cs *coreState, prev *Thread) *Thread {
	now := Uptime()
	start := cs.lastIndex + 1

	for i := 0; i < MaxThreads; i++ {
		index := (start + i) % MaxThreads
		slot := &threads[index]
		if slot.state != slotOccupied {
			continue
		}

		t := slot.thread
		if atomic.LoadUint64(&t.yieldUntil) > now {
			continue
		}

		// The lock of prev is held by this core already.
		if t != prev && !t.lock.TryToAcquire() {
			continue
		}

		if !t.canRun() {
			if t != prev {
				t.lock.Release()
			}
			continue
		}

		cs.lastIndex = index
		return t
	}

	return nil
}

// canRun returns true if the scheduler may select t. The lock of t must be
// held. A paused or aborted thread keeps running until it leaves its
// syscall; LeaveSyscall then acts on the request.
func (t *Thread) canRun() bool {
	if t.waiter.Pending() {
		return false
	}
	if atomic.LoadUint32(&t.inSyscall) == 1 {
		return true
	}
	return atomic.LoadUint32(&t.paused) == 0 &&
		atomic.LoadUint32(&t.aborted) == 0
}

// switchTo saves the context of prev and resumes next. A nil thread stands
// for the idle context of the core.
func switchTo(core *smp.CPU, cs *coreState, prev, next *Thread) {
	now := Uptime()
	saveSP := &core.IdleSP
	if prev != nil {
		saveFPUFn(prev.fpu.Area())
		prev.proc.chargeUsage(now-atomic.LoadUint64(&core.LastSchedule), !prev.user || atomic.LoadUint32(&prev.inSyscall) == 1)
		atomic.StoreInt32(&prev.cpu, NoCPU)
		saveSP = &prev.kernelSP
	}
	atomic.StoreUint64(&core.LastSchedule, now)

	cs.prev = prev
	cs.current = next
	cs.switches++

	newSP := core.IdleSP
	target := kernelProc
	if next != nil {
		restoreFPUFn(next.fpu.Area())
		newSP = next.kernelSP
		target = next.proc
	}

	if target != nil && (!cs.spaceLoaded || cs.pid != target.ID) {
		target.space.Activate()
		cs.pid = target.ID
		cs.spaceLoaded = true
	}

	if debugSched {
		kfmt.Printf("[sched] cpu %d: %d.%d -> %d.%d\n", core.ID,
			threadPID(prev), threadTID(prev), threadPID(next), threadTID(next))
	}

	switchStackFn(saveSP, newSP)
	finishSwitch()
}

// finishSwitch runs on the incoming context right after a stack switch. It
// unlocks the outgoing thread, releases the stacks of a thread that exited
// and re-enables rescheduling on the core.
func finishSwitch() {
	core := currentCoreFn()
	cs := &cores[core.ID]

	if prev := cs.prev; prev != nil {
		cs.prev = nil
		prev.lock.Release()
	}

	if dead := cs.dead; dead != nil {
		cs.dead = nil
		reapThread(dead)
	}

	core.ReschedLock.Release()
}

func threadPID(t *Thread) uint32 {
	if t == nil {
		return uint32(KernelPID)
	}
	return uint32(t.PID)
}

func threadTID(t *Thread) uint32 {
	if t == nil {
		return ^uint32(0)
	}
	return uint32(t.ID)
}

// Idle runs the idle loop of the calling core. It marks the core online and
// never returns.
func Idle() {
	currentCoreFn().SetOnline()
	for {
		Reschedule()
		waitForInterrupt()
	}
}

// TimerTick advances the scheduler clock and preempts the running thread.
// It runs in interrupt context.
// The bootstrap core owns the clock and forwards the tick to the other
// online cores.
func TimerTick() {
	if currentCoreFn().ID == 0 {
		atomic.AddUint64(&uptime, sliceMs)
		broadcastIPIFn(gate.ReschedIPIVector)
	}
	preempt()
}

func timerHandler(_ *gate.Registers) {
	TimerTick()
}

func reschedIPIHandler(_ *gate.Registers) {
	core := currentCoreFn()
	core.ReschedAck.Signal()
	preempt()
}

func abortIPIHandler(_ *gate.Registers) {
	core := currentCoreFn()
	core.AbortAck.Signal()
	preempt()
}

// requestResched forces target to run its scheduler and waits until it
// acknowledges the request.
func requestResched(target *smp.CPU) {
	target.ReschedAck.Reset()
	smp.SendIPI(target, gate.ReschedIPIVector)
	target.ReschedAck.Wait()
}

// Yield gives up the core. The calling thread is not selected again for at
// least ms milliseconds. Yield(0) only moves the thread behind the other
// runnable threads.
func Yield(ms uint64) {
	if t := CurrentThread(); t != nil && ms != 0 {
		atomic.StoreUint64(&t.yieldUntil, Uptime()+ms)
	}
	Reschedule()
}

// RelaxedSleep yields the core until at least ms milliseconds have passed.
// Unlike Yield, the thread stays runnable and may be selected before the
// deadline in which case it yields again.
func RelaxedSleep(ms uint64) {
	deadline := Uptime() + ms
	for Uptime() < deadline {
		Yield(0)
	}
}

// schedWaitHandler blocks threads waiting on a sync.Event.
type schedWaitHandler struct{}

// Waiter implements sync.WaitHandler.
func (schedWaitHandler) Waiter() *sync.Waiter {
	if t := CurrentThread(); t != nil {
		return &t.waiter
	}
	return nil
}

// Block implements sync.WaitHandler. A thread with a pending waiter is never
// selected so Reschedule only returns here once the waiter has been woken
// or cancelled.
func (schedWaitHandler) Block(w *sync.Waiter) *kernel.Error {
	for {
		if w.Consume() {
			return nil
		}
		if w.Cancelled() {
			return sync.ErrInterrupted
		}
		Reschedule()
	}
}
