package task

import (
	"copperos/kernel"
	"copperos/kernel/abi"
	"copperos/kernel/kfmt"
	"copperos/kernel/mm"
	"copperos/kernel/smp"
	"copperos/kernel/sync"
	"sync/atomic"
	"unsafe"
)

// ThreadState is the state of a thread as observed by the scheduler.
type ThreadState uint8

// The list of supported thread states.
const (
	StateDead ThreadState = iota
	StateRunnable
	StateRunning
	StateSleeping
	StateBlocked
	StatePaused
)

// String implements fmt.Stringer for ThreadState.
func (s ThreadState) String() string {
	switch s {
	case StateRunnable:
		return "runnable"
	case StateRunning:
		return "running"
	case StateSleeping:
		return "sleeping"
	case StateBlocked:
		return "blocked"
	case StatePaused:
		return "paused"
	default:
		return "dead"
	}
}

// Thread is a thread control block.
type Thread struct {
	ID  ThreadID
	PID PID

	proc   *Process
	handle Handle

	// lock is held by the core executing the thread and by the scheduler
	// while it inspects the thread.
	lock sync.Spinlock

	ctx  abi.Context
	fpu  abi.FPUState
	user bool

	// fn is the body of kernel threads created by CreateKernelThread.
	fn func()

	kernelStack uintptr
	kernelSP    uintptr
	userStack   uintptr

	cpu         int32
	yieldUntil  uint64
	aborted     uint32
	inSyscall   uint32
	paused      uint32
	interrupted uint32

	waiter sync.Waiter

	// lastOfProcess is set when the thread was the last one of its process.
	lastOfProcess bool
}

// threadOpts customizes thread creation.
type threadOpts struct {
	fn func()

	// tid requests a specific thread id when fixedTID is set.
	tid      ThreadID
	fixedTID bool

	// inheritStack is set for threads whose user stack is already mapped
	// in the address space of their process.
	inheritStack bool
}

// CreateThread creates a thread in process pid that starts according to
// entry. User threads get a dedicated stack with an unmapped guard page below
// it. The thread becomes visible to the scheduler only once it has been fully
// initialized.
func CreateThread(pid PID, entry abi.Entry) (ThreadID, *kernel.Error) {
	return createThread(pid, entry, threadOpts{})
}

// CreateKernelThread creates a thread in the kernel process that runs fn and
// exits once fn returns.
func CreateKernelThread(fn func()) (ThreadID, *kernel.Error) {
	return createThread(KernelPID, &abi.DirectCall{}, threadOpts{fn: fn})
}

func createThread(pid PID, entry abi.Entry, opts threadOpts) (ThreadID, *kernel.Error) {
	user := entry.UserMode()

	schedLock.Acquire()
	p := lookupProcess(pid)
	if p == nil || p.exiting {
		schedLock.Release()
		return 0, ErrNotFound
	}
	if user && p == kernelProc {
		schedLock.Release()
		return 0, errUserThreadInKproc
	}

	tid, ok := p.reserveThreadID(opts.tid, opts.fixedTID)
	if !ok {
		schedLock.Release()
		return 0, ErrResourceExhausted
	}

	index, ok := reserveThreadSlot()
	if !ok {
		delete(p.threads, tid)
		schedLock.Release()
		return 0, ErrResourceExhausted
	}
	schedLock.Release()

	t := &Thread{ID: tid, PID: pid, proc: p, user: user, fn: opts.fn, cpu: NoCPU}
	err := t.init(entry, index, opts.inheritStack)

	schedLock.Acquire()
	if err == nil && p.exiting {
		err = ErrNotFound
	}

	if err != nil {
		releaseThreadSlot(index)
		delete(p.threads, tid)

		// A process that started exiting while the thread was being
		// initialized may have lost its last thread.
		notify := p.exiting && p.threadRemoved()
		schedLock.Release()

		t.releaseStacks()
		if notify {
			notifyParent(p)
		}
		return 0, err
	}

	publishThread(p, t, index)
	schedLock.Release()

	if debugSched {
		kfmt.Printf("[task] pid %d: created thread %d (slot %d)\n", uint32(pid), uint32(tid), index)
	}
	return tid, nil
}

// init allocates the stacks of t and builds its initial register image.
func (t *Thread) init(entry abi.Entry, index int, inheritStack bool) *kernel.Error {
	base, err := allocKernelStackFn(index)
	if err != nil {
		return ErrResourceExhausted
	}
	t.kernelStack = base
	top := base + KernelStackPages*mm.PageSize

	var stack *abi.Stack
	switch {
	case !t.user:
		stack = abi.NewStack(abi.MemoryWriter{}, base, top)
	case inheritStack:
		t.userStack = userStackBase(t.ID)
	default:
		userBase := userStackBase(t.ID)
		if err = mapFreshPages(t.proc.space, userBase, UserStackPages, userStackFlags); err != nil {
			return ErrResourceExhausted
		}
		t.userStack = userBase
		stack = abi.NewStack(spaceWriter{t.proc.space}, userBase, userBase+UserStackPages*mm.PageSize)
	}

	if setupErr := entry.Setup(&t.ctx, stack); setupErr != nil {
		kfmt.Printf("[task] pid %d tid %d: %s\n", uint32(t.PID), uint32(t.ID), setupErr.Error())
		return ErrBadEntry
	}

	// The switch frame of a kernel thread is placed below its entry image.
	sp := top
	if !t.user {
		sp = uintptr(t.ctx.RSP)
	}

	if t.kernelSP, err = prepareSwitchFrame(base, sp); err != nil {
		return err
	}

	t.fpu.Reset()
	return nil
}

// releaseStacks frees the kernel and user stacks of t.
func (t *Thread) releaseStacks() {
	if t.kernelStack != 0 {
		freeKernelStackFn(t.kernelStack)
		t.kernelStack = 0
	}

	if t.userStack != 0 {
		unmapPages(t.proc.space, t.userStack, UserStackPages)
		t.userStack = 0
	}
}

// Context returns the saved user register image of the thread. The syscall
// layer stores the registers of the calling thread here on entry.
func (t *Thread) Context() *abi.Context {
	return &t.ctx
}

// Process returns the process that owns the thread.
func (t *Thread) Process() *Process {
	return t.proc
}

// State returns the scheduler state of the thread.
func (t *Thread) State() ThreadState {
	schedLock.Acquire()
	live := threadByHandle(t.handle) == t
	schedLock.Release()

	return t.state(live)
}

func (t *Thread) state(live bool) ThreadState {
	switch {
	case !live, atomic.LoadUint32(&t.aborted) == 1:
		return StateDead
	case t.runningCPU() != NoCPU:
		return StateRunning
	case atomic.LoadUint32(&t.paused) == 1:
		return StatePaused
	case t.waiter.Pending():
		return StateBlocked
	case atomic.LoadUint64(&t.yieldUntil) > Uptime():
		return StateSleeping
	default:
		return StateRunnable
	}
}

func (t *Thread) runningCPU() int {
	return int(atomic.LoadInt32(&t.cpu))
}

// EnterSyscall marks the thread as executing a syscall. Threads in a syscall
// are never stopped by KillThread or PauseThread until they leave it. A wait
// inside the syscall is cancelled by either call.
func (t *Thread) EnterSyscall() {
	atomic.StoreUint32(&t.inSyscall, 1)
}

// LeaveSyscall clears the in-syscall mark and acts on any kill or pause
// request received while the syscall was running.
func (t *Thread) LeaveSyscall() {
	atomic.StoreUint32(&t.inSyscall, 0)

	if atomic.LoadUint32(&t.aborted) == 1 {
		ExitThread()
	}
	if atomic.LoadUint32(&t.paused) == 1 {
		Reschedule()
	}
}

// waitOutsideSyscall spins until t is not executing a syscall. Any wait of
// t on an event is cancelled meanwhile so that a blocked syscall returns
// sync.ErrInterrupted and reaches LeaveSyscall. There is no timeout.
func (t *Thread) waitOutsideSyscall() {
	for atomic.LoadUint32(&t.inSyscall) == 1 {
		t.cancelWait()
		waitPauseFn()
	}
}

// cancelWait removes t from the queue of the event it is blocked on.
func (t *Thread) cancelWait() {
	if ev := t.waiter.Event(); ev != nil && t.waiter.Pending() {
		ev.Cancel(&t.waiter)
	}
}

// ConsumeInterrupt returns true and clears the pending interrupt flag if the
// thread has been interrupted.
func (t *Thread) ConsumeInterrupt() bool {
	return atomic.CompareAndSwapUint32(&t.interrupted, 1, 0)
}

// InterruptThread marks the thread as interrupted. If it is blocked on an
// event, its wait is cancelled and Await returns sync.ErrInterrupted.
func InterruptThread(pid PID, tid ThreadID) *kernel.Error {
	_, t := findThread(pid, tid)
	if t == nil {
		return ErrNotFound
	}

	atomic.StoreUint32(&t.interrupted, 1)
	t.cancelWait()
	return nil
}

// KillThread terminates thread tid of process pid. If the thread is inside a
// syscall, KillThread waits until it leaves it. If the thread is running on
// another core, that core is sent an abort IPI and KillThread waits for its
// acknowledgment. Killing the calling thread does not return.
func KillThread(pid PID, tid ThreadID) *kernel.Error {
	p, t := findThread(pid, tid)
	if t == nil {
		return ErrNotFound
	}

	atomic.StoreUint32(&t.aborted, 1)
	if t == CurrentThread() {
		exitCurrent(p, t)
		return nil
	}

	t.waitOutsideSyscall()

	schedLock.Acquire()
	running := t.runningCPU()
	schedLock.Release()
	if running != NoCPU {
		requestAbortFn(smp.Get(running))
	}

	// Aborted threads are never selected again. Once the lock is acquired
	// no core is executing t.
	t.lock.Acquire()
	defer t.lock.Release()
	t.cancelWait()

	schedLock.Acquire()
	if threadByHandle(t.handle) != t {
		// the thread exited on its own
		schedLock.Release()
		return nil
	}
	unpublishThread(p, t)
	notify := p.threadRemoved()
	schedLock.Release()

	t.releaseStacks()
	if notify {
		notifyParent(p)
	}
	return nil
}

// exitCurrent removes the calling thread and switches away from it. The
// stacks of the thread are released by the next context that runs on this
// core.
func exitCurrent(p *Process, t *Thread) {
	schedLock.Acquire()
	unpublishThread(p, t)
	t.lastOfProcess = p.threadRemoved()
	schedLock.Release()

	cores[currentCoreFn().ID].dead = t
	Reschedule()
	panicFn(errSelfKillReturned)
}

// ExitThread terminates the calling thread. It does not return.
func ExitThread() {
	t := CurrentThread()
	if t == nil {
		panicFn(errNoCurrentThread)
		return
	}

	_ = KillThread(t.PID, t.ID)
}

// reapThread releases the resources of a thread that exited on its own.
func reapThread(t *Thread) {
	t.releaseStacks()
	if t.lastOfProcess {
		notifyParent(t.proc)
	}
}

// PauseThread prevents the scheduler from selecting thread tid of process
// pid until ResumeThread is called. If the thread is running on another
// core, that core is forced to reschedule.
func PauseThread(pid PID, tid ThreadID) *kernel.Error {
	_, t := findThread(pid, tid)
	if t == nil {
		return ErrNotFound
	}

	atomic.StoreUint32(&t.paused, 1)
	if t == CurrentThread() {
		Reschedule()
		return nil
	}

	t.waitOutsideSyscall()

	schedLock.Acquire()
	running := t.runningCPU()
	schedLock.Release()
	if running != NoCPU {
		requestReschedFn(smp.Get(running))
	}
	return nil
}

// ResumeThread makes a paused thread selectable again.
func ResumeThread(pid PID, tid ThreadID) *kernel.Error {
	_, t := findThread(pid, tid)
	if t == nil {
		return ErrNotFound
	}

	atomic.StoreUint32(&t.paused, 0)
	return nil
}

// threadStart is the first code executed by every new thread.
func threadStart() {
	finishSwitch()

	t := CurrentThread()
	if t.fn != nil {
		t.fn()
		ExitThread()
		return
	}

	enterContextFn(uintptr(unsafe.Pointer(&t.ctx)))
}
