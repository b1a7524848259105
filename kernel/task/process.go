package task

import (
	"copperos/kernel"
	"copperos/kernel/kfmt"
	"copperos/kernel/mm"
	"copperos/kernel/mm/vmm"
	"copperos/kernel/sync"
)

// AnyChild can be passed to WaitProcess to reap any child process.
const AnyChild = ^PID(0)

var (
	// ErrBadFile is returned for file handle slots that are not in use.
	ErrBadFile = &kernel.Error{Module: "task", Message: "bad file descriptor", Code: -kernel.EBADF}

	// ErrTooManyFiles is returned when a process has no free file handle
	// slot.
	ErrTooManyFiles = &kernel.Error{Module: "task", Message: "too many open files", Code: -kernel.EMFILE}

	// ErrBadSignal is returned for signal numbers outside the handler
	// table.
	ErrBadSignal = &kernel.Error{Module: "task", Message: "invalid signal number", Code: -kernel.EINVAL}

	// ErrBadBreak is returned when the requested program break falls
	// outside the heap region.
	ErrBadBreak = &kernel.Error{Module: "task", Message: "program break out of range", Code: -kernel.ENOMEM}

	// kernelProc owns every kernel thread and adopts orphaned processes.
	kernelProc *Process
)

// File is an open file handle. Files are implemented by the VFS layer.
type File interface {
	// Dup returns a handle sharing the underlying file.
	Dup() (File, *kernel.Error)

	// Close releases the handle.
	Close() *kernel.Error
}

// SignalHandler describes the user-space disposition of a signal.
type SignalHandler struct {
	Handler uintptr
	Mask    uint64
	Flags   uint32
}

// Usage accumulates the time a process spent on a core in milliseconds.
type Usage struct {
	UserTime   uint64
	SystemTime uint64
	Switches   uint64
}

// Add accumulates the counters of other into u.
func (u *Usage) Add(other Usage) {
	u.UserTime += other.UserTime
	u.SystemTime += other.SystemTime
	u.Switches += other.Switches
}

// childExit is queued on the parent when a child process terminates.
type childExit struct {
	pid    PID
	status int
	usage  Usage
}

// Process is a process control block.
type Process struct {
	ID PID

	// Parent is updated when the parent is reaped before its children.
	// It is guarded by schedLock.
	Parent PID

	space AddressSpace

	// threads, exiting, zombie and exitStatus are guarded by schedLock.
	threads    map[ThreadID]Handle
	exiting    bool
	zombie     bool
	exitStatus int

	fdLock sync.Spinlock
	files  [MaxFiles]File

	cwdLock sync.Spinlock
	cwd     string

	brkLock          sync.Spinlock
	brkBase, brkCurr uintptr

	childLock  sync.Spinlock
	childExits []childExit
	childEvent sync.Event

	usageLock sync.Spinlock
	usage     Usage

	sigLock sync.Spinlock
	signals [NumSignals]SignalHandler
}

// CreateProcess allocates a process with an empty address space and no
// threads. The new process inherits the working directory of parent.
func CreateProcess(parent PID) (PID, *kernel.Error) {
	pid, err := createProcess(parent, nil)
	if err != nil {
		return 0, err
	}

	if pp := LookupProcess(parent); pp != nil && pid != parent {
		LookupProcess(pid).SetCwd(pp.Cwd())
	}
	return pid, nil
}

// createProcess reserves a process slot and publishes a process that uses
// space. If space is nil a new address space is allocated. The caller keeps
// ownership of a non-nil space if createProcess fails.
func createProcess(parent PID, space AddressSpace) (PID, *kernel.Error) {
	schedLock.Acquire()
	if kernelProc != nil && lookupProcess(parent) == nil {
		schedLock.Release()
		return 0, ErrNotFound
	}

	pid, ok := reserveProcessSlot()
	schedLock.Release()
	if !ok {
		return 0, ErrResourceExhausted
	}

	if space == nil {
		var err *kernel.Error
		if space, err = newAddressSpaceFn(); err != nil {
			schedLock.Acquire()
			processes[pid].state = slotEmpty
			schedLock.Release()
			return 0, ErrResourceExhausted
		}
	}

	p := &Process{
		ID:      pid,
		Parent:  parent,
		space:   space,
		threads: make(map[ThreadID]Handle),
		cwd:     "/",
	}

	schedLock.Acquire()
	processes[pid] = processSlot{state: slotOccupied, proc: p}
	if pid == KernelPID {
		kernelProc = p
	}
	schedLock.Release()

	return pid, nil
}

// AddressSpace returns the address space of the process.
func (p *Process) AddressSpace() AddressSpace {
	return p.space
}

// reserveThreadID claims the lowest free thread id. If fixed is set, only
// tid is considered. The caller must hold schedLock.
func (p *Process) reserveThreadID(tid ThreadID, fixed bool) (ThreadID, bool) {
	if fixed {
		if _, used := p.threads[tid]; used || tid >= MaxThreadsPerProcess {
			return 0, false
		}
		p.threads[tid] = reservedHandle
		return tid, true
	}

	for id := ThreadID(0); id < MaxThreadsPerProcess; id++ {
		if _, used := p.threads[id]; !used {
			p.threads[id] = reservedHandle
			return id, true
		}
	}
	return 0, false
}

// threadRemoved is invoked after a thread id of p has been released. When
// the last thread of a user process goes away the process becomes a zombie
// and threadRemoved returns true to indicate that the parent must be
// notified. The caller must hold schedLock.
func (p *Process) threadRemoved() bool {
	if len(p.threads) != 0 || p.zombie || p == kernelProc {
		return false
	}

	p.zombie = true
	return true
}

// InstallFile stores f in the lowest free file handle slot.
func (p *Process) InstallFile(f File) (int, *kernel.Error) {
	g := p.fdLock.Guard()
	defer g.Release()

	for fd := range p.files {
		if p.files[fd] == nil {
			p.files[fd] = f
			return fd, nil
		}
	}
	return -1, ErrTooManyFiles
}

// File returns the file stored in slot fd.
func (p *Process) File(fd int) (File, *kernel.Error) {
	g := p.fdLock.Guard()
	defer g.Release()

	if fd < 0 || fd >= MaxFiles || p.files[fd] == nil {
		return nil, ErrBadFile
	}
	return p.files[fd], nil
}

// CloseFile closes the file stored in slot fd and frees the slot.
func (p *Process) CloseFile(fd int) *kernel.Error {
	g := p.fdLock.Guard()
	if fd < 0 || fd >= MaxFiles || p.files[fd] == nil {
		g.Release()
		return ErrBadFile
	}

	f := p.files[fd]
	p.files[fd] = nil
	g.Release()

	return f.Close()
}

func (p *Process) closeAllFiles() {
	for fd := 0; fd < MaxFiles; fd++ {
		_ = p.CloseFile(fd)
	}
}

// Cwd returns the current working directory.
func (p *Process) Cwd() string {
	g := p.cwdLock.Guard()
	defer g.Release()

	return p.cwd
}

// SetCwd updates the current working directory.
func (p *Process) SetCwd(path string) {
	g := p.cwdLock.Guard()
	defer g.Release()

	p.cwd = path
}

// SetBrkBase sets the start of the heap. It is invoked once by the program
// loader after the program segments have been mapped.
func (p *Process) SetBrkBase(base uintptr) {
	g := p.brkLock.Guard()
	defer g.Release()

	base = (base + mm.PageSize - 1) &^ (mm.PageSize - 1)
	p.brkBase, p.brkCurr = base, base
}

// Brk moves the program break to newBrk and returns the updated break. A
// zero newBrk queries the current break. Heap pages are mapped when the
// break grows and released when it shrinks.
func (p *Process) Brk(newBrk uintptr) (uintptr, *kernel.Error) {
	g := p.brkLock.Guard()
	defer g.Release()

	if newBrk == 0 {
		return p.brkCurr, nil
	}

	if newBrk < p.brkBase || newBrk > brkLimit {
		return p.brkCurr, ErrBadBreak
	}

	curEnd := pageAlignUp(p.brkCurr)
	newEnd := pageAlignUp(newBrk)
	switch {
	case newEnd > curEnd:
		count := int((newEnd - curEnd) >> mm.PageShift)
		if err := mapFreshPages(p.space, curEnd, count, heapFlags); err != nil {
			return p.brkCurr, err
		}
	case newEnd < curEnd:
		unmapPages(p.space, newEnd, int((curEnd-newEnd)>>mm.PageShift))
	}

	p.brkCurr = newBrk
	return newBrk, nil
}

// Usage returns the resources consumed by the process and its reaped
// children.
func (p *Process) Usage() Usage {
	g := p.usageLock.Guard()
	defer g.Release()

	return p.usage
}

func (p *Process) chargeUsage(ms uint64, system bool) {
	g := p.usageLock.Guard()
	defer g.Release()

	if system {
		p.usage.SystemTime += ms
	} else {
		p.usage.UserTime += ms
	}
	p.usage.Switches++
}

func (p *Process) addChildUsage(u Usage) {
	g := p.usageLock.Guard()
	defer g.Release()

	p.usage.Add(u)
}

// SetSignalHandler installs h for signal sig and returns the previous
// handler.
func (p *Process) SetSignalHandler(sig int, h SignalHandler) (SignalHandler, *kernel.Error) {
	if sig <= 0 || sig >= NumSignals {
		return SignalHandler{}, ErrBadSignal
	}

	g := p.sigLock.Guard()
	defer g.Release()

	old := p.signals[sig]
	p.signals[sig] = h
	return old, nil
}

// SignalHandler returns the handler installed for signal sig.
func (p *Process) SignalHandler(sig int) (SignalHandler, *kernel.Error) {
	if sig <= 0 || sig >= NumSignals {
		return SignalHandler{}, ErrBadSignal
	}

	g := p.sigLock.Guard()
	defer g.Release()

	return p.signals[sig], nil
}

// copyFrom duplicates the file handles, working directory, program break
// and signal handlers of src into p.
func (p *Process) copyFrom(src *Process) *kernel.Error {
	src.fdLock.Acquire()
	files := src.files
	src.fdLock.Release()

	for fd, f := range files {
		if f == nil {
			continue
		}

		dup, err := f.Dup()
		if err != nil {
			p.closeAllFiles()
			return err
		}
		p.files[fd] = dup
	}

	p.cwd = src.Cwd()

	src.brkLock.Acquire()
	p.brkBase, p.brkCurr = src.brkBase, src.brkCurr
	src.brkLock.Release()

	src.sigLock.Acquire()
	p.signals = src.signals
	src.sigLock.Release()

	return nil
}

// ExitProcess terminates every thread of process pid and records status as
// its exit status. Once the last thread is gone the parent is notified
// through its child-exit queue. If the calling thread belongs to pid,
// ExitProcess does not return.
func ExitProcess(pid PID, status int) *kernel.Error {
	schedLock.Acquire()
	p := lookupProcess(pid)
	if p == nil || p == kernelProc || p.zombie {
		schedLock.Release()
		return ErrNotFound
	}

	if !p.exiting {
		p.exiting = true
		p.exitStatus = status
	}

	tids := make([]ThreadID, 0, len(p.threads))
	for tid, h := range p.threads {
		if h != reservedHandle {
			tids = append(tids, tid)
		}
	}
	schedLock.Release()

	self := CurrentThread()
	for _, tid := range tids {
		if self != nil && self.proc == p && self.ID == tid {
			continue
		}
		_ = KillThread(pid, tid)
	}

	if self != nil && self.proc == p {
		ExitThread()
		return nil
	}

	// Processes without threads become zombies right away.
	schedLock.Acquire()
	notify := p.threadRemoved()
	schedLock.Release()
	if notify {
		notifyParent(p)
	}
	return nil
}

// notifyParent queues the exit record of the zombie p on its parent.
func notifyParent(p *Process) {
	schedLock.Acquire()
	parent := lookupProcess(p.Parent)
	schedLock.Release()

	if parent == nil {
		reapProcess(p.ID)
		return
	}

	parent.childLock.Acquire()
	parent.childExits = append(parent.childExits, childExit{pid: p.ID, status: p.exitStatus, usage: p.Usage()})
	parent.childLock.Release()
	parent.childEvent.Trigger()

	if debugSched {
		kfmt.Printf("[task] pid %d exited with status %d\n", uint32(p.ID), p.exitStatus)
	}
}

// takeChildExit removes the first exit record that matches pid.
func (p *Process) takeChildExit(pid PID) (childExit, bool) {
	g := p.childLock.Guard()
	defer g.Release()

	for i, rec := range p.childExits {
		if pid == AnyChild || rec.pid == pid {
			p.childExits = append(p.childExits[:i], p.childExits[i+1:]...)
			return rec, true
		}
	}
	return childExit{}, false
}

// hasChild returns true if pid (or, for AnyChild, any process) is a child of
// parent that has not been reaped yet.
func hasChild(parent, pid PID) bool {
	g := schedLock.Guard()
	defer g.Release()

	for i := range processes {
		slot := &processes[i]
		if slot.state != slotOccupied || slot.proc.Parent != parent || slot.proc.ID == parent {
			continue
		}
		if pid == AnyChild || slot.proc.ID == pid {
			return true
		}
	}
	return false
}

// WaitProcess reaps a terminated child of parent. If pid is AnyChild, the
// first child to terminate is reaped. WaitProcess blocks until a matching
// child terminates unless noBlock is set, in which case it returns a zero
// pid if no child has terminated yet.
func WaitProcess(parent, pid PID, noBlock bool) (PID, int, *kernel.Error) {
	pp := LookupProcess(parent)
	if pp == nil {
		return 0, 0, ErrNotFound
	}

	for {
		if rec, ok := pp.takeChildExit(pid); ok {
			reapProcess(rec.pid)
			pp.addChildUsage(rec.usage)
			return rec.pid, rec.status, nil
		}

		if !hasChild(parent, pid) {
			return 0, 0, ErrNoChildren
		}

		if noBlock {
			return 0, 0, nil
		}

		if err := pp.childEvent.Await(); err != nil {
			return 0, 0, err
		}
	}
}

// reapProcess frees the slot and the resources of a zombie process. Its
// live children are adopted by the kernel process and the children that
// terminated without being waited for are reaped as well.
func reapProcess(pid PID) {
	schedLock.Acquire()
	p := lookupProcess(pid)
	if p == nil || p == kernelProc {
		schedLock.Release()
		return
	}

	processes[pid] = processSlot{}
	for i := range processes {
		if slot := &processes[i]; slot.state == slotOccupied && slot.proc.Parent == pid {
			slot.proc.Parent = KernelPID
		}
	}
	schedLock.Release()

	p.closeAllFiles()
	p.space.Destroy()

	p.childLock.Acquire()
	orphans := p.childExits
	p.childExits = nil
	p.childLock.Release()

	for _, rec := range orphans {
		reapProcess(rec.pid)
	}
}

func pageAlignUp(addr uintptr) uintptr {
	return (addr + mm.PageSize - 1) &^ (mm.PageSize - 1)
}

// heapFlags are applied to pages mapped by Brk.
const heapFlags = vmm.FlagRW | vmm.FlagUserAccessible | vmm.FlagNoExecute
