package task

import (
	"copperos/kernel/sync"
	"sync/atomic"
)

// PID identifies a process. It doubles as the index of the process slot.
type PID uint32

// ThreadID identifies a thread within its process.
type ThreadID uint32

// slotState tags the entries of the process table and the thread arena.
type slotState uint8

const (
	slotEmpty slotState = iota
	slotReserved
	slotOccupied
)

// Handle addresses a thread in the arena. A handle becomes stale once the
// thread it refers to is removed since its generation no longer matches.
type Handle struct {
	index uint32
	gen   uint32
}

// reservedHandle marks a per-process thread id that has been claimed by a
// thread that is still being initialized.
var reservedHandle = Handle{index: ^uint32(0)}

type processSlot struct {
	state slotState
	proc  *Process
}

type threadSlot struct {
	state  slotState
	gen    uint32
	thread *Thread
}

var (
	// schedLock guards the process table, the thread arena and the
	// per-process thread handle sets.
	schedLock sync.Spinlock

	processes [MaxProcesses]processSlot
	threads   [MaxThreads]threadSlot

	// liveTasks counts the published threads.
	liveTasks int32
)

// reserveProcessSlot claims an empty process slot. The caller must hold
// schedLock.
func reserveProcessSlot() (PID, bool) {
	for i := range processes {
		if processes[i].state == slotEmpty {
			processes[i].state = slotReserved
			return PID(i), true
		}
	}
	return 0, false
}

// reserveThreadSlot claims an empty arena slot. The caller must hold
// schedLock.
func reserveThreadSlot() (int, bool) {
	for i := range threads {
		if threads[i].state == slotEmpty {
			threads[i].state = slotReserved
			return i, true
		}
	}
	return 0, false
}

// releaseThreadSlot returns a reserved or occupied slot to the empty state.
// The caller must hold schedLock.
func releaseThreadSlot(index int) {
	threads[index].state = slotEmpty
	threads[index].thread = nil
}

// publishThread stores t in its reserved arena slot and in the handle set of
// p. The caller must hold schedLock.
func publishThread(p *Process, t *Thread, index int) {
	slot := &threads[index]
	slot.gen++
	slot.state = slotOccupied
	slot.thread = t

	t.handle = Handle{index: uint32(index), gen: slot.gen}
	p.threads[t.ID] = t.handle
	atomic.AddInt32(&liveTasks, 1)
}

// unpublishThread removes t from the arena and from the handle set of p.
// The caller must hold schedLock.
func unpublishThread(p *Process, t *Thread) {
	releaseThreadSlot(int(t.handle.index))
	delete(p.threads, t.ID)
	atomic.AddInt32(&liveTasks, -1)
}

// threadByHandle returns the thread referenced by h or nil if the handle is
// stale. The caller must hold schedLock.
func threadByHandle(h Handle) *Thread {
	if h.index >= MaxThreads {
		return nil
	}

	slot := &threads[h.index]
	if slot.state != slotOccupied || slot.gen != h.gen {
		return nil
	}
	return slot.thread
}

// lookupProcess returns the live process with the given id. The caller must
// hold schedLock.
func lookupProcess(pid PID) *Process {
	if int(pid) >= MaxProcesses || processes[pid].state != slotOccupied {
		return nil
	}
	return processes[pid].proc
}

// lookupThread returns the thread tid of process pid. The caller must hold
// schedLock.
func lookupThread(pid PID, tid ThreadID) (*Process, *Thread) {
	p := lookupProcess(pid)
	if p == nil {
		return nil, nil
	}

	h, ok := p.threads[tid]
	if !ok {
		return p, nil
	}
	return p, threadByHandle(h)
}

// findThread is the locked variant of lookupThread.
func findThread(pid PID, tid ThreadID) (*Process, *Thread) {
	g := schedLock.Guard()
	defer g.Release()

	return lookupThread(pid, tid)
}

// LookupProcess returns the live process with the given id or nil.
func LookupProcess(pid PID) *Process {
	g := schedLock.Guard()
	defer g.Release()

	return lookupProcess(pid)
}

// LookupThread returns the thread tid of process pid or nil.
func LookupThread(pid PID, tid ThreadID) *Thread {
	_, t := findThread(pid, tid)
	return t
}

// LiveTasks returns the number of threads that have been published and not
// yet removed.
func LiveTasks() int {
	return int(atomic.LoadInt32(&liveTasks))
}
