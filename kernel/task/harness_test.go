package task

import (
	"copperos/kernel"
	"copperos/kernel/abi"
	"copperos/kernel/gate"
	"copperos/kernel/mm"
	"copperos/kernel/mm/vmm"
	"copperos/kernel/smp"
	"copperos/kernel/sync"
	"runtime"
	"testing"
	"unsafe"
)

// physMemory emulates physical memory with a page-aligned host buffer. With
// a zero direct map base, frame addresses are host addresses.
type physMemory struct {
	t         *testing.T
	buf       []byte
	first     mm.Frame
	pages     int
	next      int
	free      []mm.Frame
	allocated map[mm.Frame]bool
}

func newPhysMemory(t *testing.T, pages int) *physMemory {
	m := &physMemory{
		t:         t,
		buf:       make([]byte, (pages+1)*int(mm.PageSize)),
		pages:     pages,
		allocated: make(map[mm.Frame]bool),
	}
	m.first = mm.FrameFromAddress(uintptr(unsafe.Pointer(&m.buf[0])) + mm.PageSize - 1)

	mm.SetFrameAllocator(m.alloc)
	mm.SetFrameReleaser(m.release)
	t.Cleanup(func() {
		mm.SetFrameAllocator(nil)
		mm.SetFrameReleaser(nil)
		runtime.KeepAlive(m.buf)
	})

	return m
}

func (m *physMemory) alloc() (mm.Frame, *kernel.Error) {
	var frame mm.Frame
	switch {
	case len(m.free) != 0:
		frame = m.free[len(m.free)-1]
		m.free = m.free[:len(m.free)-1]
	case m.next < m.pages:
		frame = m.first + mm.Frame(m.next)
		m.next++
	default:
		return mm.InvalidFrame, mm.ErrOutOfMemory
	}

	kernel.Memset(frame.Address(), 0xfe, mm.PageSize)
	m.allocated[frame] = true
	return frame, nil
}

func (m *physMemory) release(frame mm.Frame) *kernel.Error {
	if !m.allocated[frame] {
		m.t.Errorf("frame %d released twice or never allocated", frame)
		return nil
	}

	delete(m.allocated, frame)
	m.free = append(m.free, frame)
	return nil
}

func (m *physMemory) inUse() int {
	return len(m.allocated)
}

type fakeMapping struct {
	phys  uintptr
	flags vmm.PageTableEntryFlag
}

// fakeSpace is an AddressSpace backed by a map. Leaf frames come from the
// emulated physical memory so their contents can be inspected.
type fakeSpace struct {
	mem         *physMemory
	pages       map[uintptr]fakeMapping
	activations int
	destroyed   bool
	failFork    bool
}

func newFakeSpace(mem *physMemory) *fakeSpace {
	return &fakeSpace{mem: mem, pages: make(map[uintptr]fakeMapping)}
}

func (s *fakeSpace) Map(physAddr, virtAddr uintptr, flags vmm.PageTableEntryFlag) *kernel.Error {
	s.pages[virtAddr&^(mm.PageSize-1)] = fakeMapping{phys: physAddr, flags: flags | vmm.FlagPresent}
	return nil
}

func (s *fakeSpace) Unmap(virtAddr uintptr) *kernel.Error {
	page := virtAddr &^ (mm.PageSize - 1)
	if _, ok := s.pages[page]; !ok {
		return vmm.ErrNotMapped
	}
	delete(s.pages, page)
	return nil
}

func (s *fakeSpace) Lookup(virtAddr uintptr) (uintptr, vmm.PageTableEntryFlag, *kernel.Error) {
	m, ok := s.pages[virtAddr&^(mm.PageSize-1)]
	if !ok {
		return 0, 0, vmm.ErrNotMapped
	}
	return m.phys, m.flags, nil
}

func (s *fakeSpace) Fork() (AddressSpace, *kernel.Error) {
	if s.failFork {
		return nil, vmm.ErrOutOfMemory
	}

	child := newFakeSpace(s.mem)
	for virt, m := range s.pages {
		frame, err := mm.AllocFrame()
		if err != nil {
			child.Destroy()
			return nil, err
		}
		kernel.Memcopy(m.phys, frame.Address(), mm.PageSize)
		child.pages[virt] = fakeMapping{phys: frame.Address(), flags: m.flags}
	}
	return child, nil
}

func (s *fakeSpace) Activate() { s.activations++ }

func (s *fakeSpace) Destroy() {
	for virt, m := range s.pages {
		_ = mm.FreeFrame(mm.FrameFromAddress(m.phys))
		delete(s.pages, virt)
	}
	s.destroyed = true
}

// word reads the 64-bit value stored at virtAddr.
func (s *fakeSpace) word(t *testing.T, virtAddr uintptr) uint64 {
	phys, _, err := s.Lookup(virtAddr)
	if err != nil {
		t.Fatalf("address %x is not mapped", virtAddr)
	}
	return *(*uint64)(unsafe.Pointer(mm.PhysToVirt(phys) + vmm.PageOffset(virtAddr)))
}

// idleToken is the stack token of the test goroutine which plays the part of
// the idle context.
const idleToken = uintptr(1)

// switchHarness emulates kernel stack switches with goroutines. Each saved
// stack pointer acts as a token for the goroutine that runs the context; only
// one of them executes at any time.
type switchHarness struct {
	current  uintptr
	chans    map[uintptr]chan struct{}
	switches int
}

func newSwitchHarness() *switchHarness {
	return &switchHarness{
		current: idleToken,
		chans:   map[uintptr]chan struct{}{idleToken: make(chan struct{}, 1)},
	}
}

func (h *switchHarness) switchStack(saveSP *uintptr, newSP uintptr) {
	self := h.current
	wake := h.chans[self]
	*saveSP = self
	h.current = newSP
	h.switches++

	if ch, ok := h.chans[newSP]; ok {
		ch <- struct{}{}
	} else {
		h.chans[newSP] = make(chan struct{}, 1)
		go threadStart()
	}
	<-wake
}

// testEnv is a single-core scheduler running on top of the emulated memory
// and stack switches.
type testEnv struct {
	t      *testing.T
	mem    *physMemory
	kspace *fakeSpace
	spaces []*fakeSpace
	core   *smp.CPU
	sw     *switchHarness

	// stacks keeps every kernel stack alive so that stack tokens are never
	// reused by the allocator.
	stacks      [][]byte
	freedStacks int
	failStacks  bool
	failSpaces  bool

	entered    []abi.Context
	broadcasts int
	aborts     []*smp.CPU
	rescheds   []*smp.CPU
}

func resetTables() {
	schedLock = sync.Spinlock{}
	processes = [MaxProcesses]processSlot{}
	threads = [MaxThreads]threadSlot{}
	liveTasks = 0
	kernelProc = nil
	cores = [smp.MaxCPUs]coreState{}
	uptime = 0
	sliceMs = 10
	debugSched = false
}

func setupScheduler(t *testing.T) *testEnv {
	origCurrentCore, origSwitchStack, origEnterContext := currentCoreFn, switchStackFn, enterContextFn
	origSaveFPU, origRestoreFPU, origWait, origPause := saveFPUFn, restoreFPUFn, waitForInterrupt, waitPauseFn
	origBroadcast, origAbort, origResched, origPanic := broadcastIPIFn, requestAbortFn, requestReschedFn, panicFn
	origNewSpace, origKernelSpace := newAddressSpaceFn, kernelAddressSpaceFn
	origAllocStack, origFreeStack := allocKernelStackFn, freeKernelStackFn

	env := &testEnv{
		t:    t,
		mem:  newPhysMemory(t, 256),
		core: &smp.CPU{ID: 0},
		sw:   newSwitchHarness(),
	}
	env.kspace = newFakeSpace(env.mem)

	t.Cleanup(func() {
		currentCoreFn, switchStackFn, enterContextFn = origCurrentCore, origSwitchStack, origEnterContext
		saveFPUFn, restoreFPUFn, waitForInterrupt, waitPauseFn = origSaveFPU, origRestoreFPU, origWait, origPause
		broadcastIPIFn, requestAbortFn, requestReschedFn, panicFn = origBroadcast, origAbort, origResched, origPanic
		newAddressSpaceFn, kernelAddressSpaceFn = origNewSpace, origKernelSpace
		allocKernelStackFn, freeKernelStackFn = origAllocStack, origFreeStack
		sync.SetWaitHandler(nil)
		resetTables()
		runtime.KeepAlive(env.stacks)
	})

	resetTables()

	currentCoreFn = func() *smp.CPU { return env.core }
	switchStackFn = env.sw.switchStack
	enterContextFn = func(_ uintptr) {
		env.entered = append(env.entered, CurrentThread().ctx)
		ExitThread()
	}
	saveFPUFn = func(uintptr) {}
	restoreFPUFn = func(uintptr) {}
	waitForInterrupt = func() {}
	waitPauseFn = runtime.Gosched
	broadcastIPIFn = func(_ gate.InterruptNumber) { env.broadcasts++ }
	requestAbortFn = func(c *smp.CPU) { env.aborts = append(env.aborts, c) }
	requestReschedFn = func(c *smp.CPU) { env.rescheds = append(env.rescheds, c) }
	panicFn = func(e interface{}) { t.Errorf("unexpected panic: %v", e) }

	kernelAddressSpaceFn = func() AddressSpace { return env.kspace }
	newAddressSpaceFn = func() (AddressSpace, *kernel.Error) {
		if env.failSpaces {
			return nil, vmm.ErrOutOfMemory
		}
		s := newFakeSpace(env.mem)
		env.spaces = append(env.spaces, s)
		return s, nil
	}

	allocKernelStackFn = func(_ int) (uintptr, *kernel.Error) {
		if env.failStacks {
			return 0, mm.ErrOutOfMemory
		}
		buf := make([]byte, KernelStackPages*mm.PageSize)
		env.stacks = append(env.stacks, buf)
		return uintptr(unsafe.Pointer(&buf[0])), nil
	}
	freeKernelStackFn = func(_ uintptr) { env.freedStacks++ }

	if err := Init(Config{SliceMs: 10}); err != nil {
		t.Fatal(err)
	}

	return env
}

// spawn creates a thread in pid that runs fn in kernel mode.
func (env *testEnv) spawn(pid PID, fn func()) *Thread {
	tid, err := createThread(pid, &abi.DirectCall{}, threadOpts{fn: fn})
	if err != nil {
		env.t.Fatalf("unable to create thread in pid %d: %v", pid, err)
	}
	return LookupThread(pid, tid)
}

// newProcess creates a child of the kernel process and returns it together
// with its address space.
func (env *testEnv) newProcess() (*Process, *fakeSpace) {
	pid, err := CreateProcess(KernelPID)
	if err != nil {
		env.t.Fatal(err)
	}
	p := LookupProcess(pid)
	return p, p.space.(*fakeSpace)
}
