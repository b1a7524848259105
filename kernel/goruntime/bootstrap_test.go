package goruntime

import (
	"copperos/kernel"
	"copperos/kernel/mm"
	"copperos/kernel/mm/vmm"
	"reflect"
	"testing"
	"unsafe"
)

func TestReserveRegion(t *testing.T) {
	defer func(orig uintptr) { nextHeapAddr = orig }(nextHeapAddr)
	nextHeapAddr = HeapWindowBase

	first, err := reserveRegion(4 * mm.PageSize)
	if err != nil {
		t.Fatal(err)
	}
	if first != HeapWindowBase {
		t.Fatalf("expected first region at 0x%x; got 0x%x", HeapWindowBase, first)
	}

	second, err := reserveRegion(mm.PageSize)
	if err != nil {
		t.Fatal(err)
	}
	if exp := HeapWindowBase + 4*mm.PageSize; second != exp {
		t.Fatalf("expected second region at 0x%x; got 0x%x", exp, second)
	}

	if _, err = reserveRegion(HeapWindowSize); err != errHeapWindowExhausted {
		t.Fatalf("expected errHeapWindowExhausted; got %v", err)
	}

	nextHeapAddr = HeapWindowBase + HeapWindowSize - mm.PageSize
	if _, err = reserveRegion(mm.PageSize); err != nil {
		t.Fatalf("expected the last page of the window to be reservable; got %v", err)
	}
}

func TestSysReserve(t *testing.T) {
	defer func() {
		reserveRegionFn = reserveRegion
	}()

	t.Run("success", func(t *testing.T) {
		specs := []struct {
			reqSize       uintptr
			expRegionSize uintptr
		}{
			// exact multiple of page size
			{100 << mm.PageShift, 100 << mm.PageShift},
			// size should be rounded up to nearest page size
			{2*mm.PageSize - 1, 2 * mm.PageSize},
		}

		for specIndex, spec := range specs {
			reserveRegionFn = func(rsvSize uintptr) (uintptr, *kernel.Error) {
				if rsvSize != spec.expRegionSize {
					t.Errorf("[spec %d] expected reservation size to be %d; got %d", specIndex, spec.expRegionSize, rsvSize)
				}

				return 0xbadf000, nil
			}

			if ptr := sysReserve(nil, spec.reqSize); uintptr(ptr) != 0xbadf000 {
				t.Errorf("[spec %d] expected sysReserve to return 0xbadf000; got 0x%x", specIndex, uintptr(ptr))
			}
		}
	})

	t.Run("fail", func(t *testing.T) {
		reserveRegionFn = func(_ uintptr) (uintptr, *kernel.Error) {
			return 0, errHeapWindowExhausted
		}

		if ptr := sysReserve(nil, 0xf00); ptr != nil {
			t.Fatalf("expected sysReserve to return nil; got 0x%x", uintptr(ptr))
		}
	})
}

// mockMemory backs frame allocations with a host buffer and records the
// mappings requested by the sys* functions.
type mockMemory struct {
	buf    []byte
	first  mm.Frame
	next   int
	mapped map[uintptr]uintptr
}

func mockHeap(t *testing.T, pages int) *mockMemory {
	origMap, origAlloc, origMemset := mapFn, frameAllocFn, memsetFn
	t.Cleanup(func() {
		mapFn, frameAllocFn, memsetFn = origMap, origAlloc, origMemset
	})

	m := &mockMemory{
		buf:    make([]byte, (pages+1)*int(mm.PageSize)),
		mapped: make(map[uintptr]uintptr),
	}
	m.first = mm.FrameFromAddress(uintptr(unsafe.Pointer(&m.buf[0])) + mm.PageSize - 1)
	for i := range m.buf {
		m.buf[i] = 0xaa
	}

	frameAllocFn = func() (mm.Frame, *kernel.Error) {
		if m.next == pages {
			return mm.InvalidFrame, mm.ErrOutOfMemory
		}
		m.next++
		return m.first + mm.Frame(m.next-1), nil
	}

	mapFn = func(physAddr, virtAddr uintptr, flags vmm.PageTableEntryFlag) *kernel.Error {
		if exp := vmm.FlagPresent | vmm.FlagNoExecute | vmm.FlagRW; flags != exp {
			t.Errorf("expected map flags to be %d; got %d", exp, flags)
		}
		m.mapped[virtAddr] = physAddr
		return nil
	}

	memsetFn = kernel.Memset
	return m
}

func (m *mockMemory) zeroed(frame mm.Frame) bool {
	page := unsafe.Slice((*byte)(unsafe.Pointer(frame.Address())), mm.PageSize)
	for _, b := range page {
		if b != 0 {
			return false
		}
	}
	return true
}

func TestSysMap(t *testing.T) {
	specs := []struct {
		reqAddr     uintptr
		reqSize     uintptr
		expAddr     uintptr
		expMapCount int
	}{
		// exact multiple of page size
		{100 << mm.PageShift, 4 * mm.PageSize, 100 << mm.PageShift, 4},
		// address should be rounded up to nearest page size
		{(100 << mm.PageShift) + 1, 4 * mm.PageSize, 101 << mm.PageShift, 4},
		// size should be rounded up to nearest page size
		{1 << mm.PageShift, (4 * mm.PageSize) + 1, 1 << mm.PageShift, 5},
	}

	for specIndex, spec := range specs {
		m := mockHeap(t, 8)

		var sysStat uint64
		sysMap(unsafe.Pointer(spec.reqAddr), spec.reqSize, &sysStat)

		if got := len(m.mapped); got != spec.expMapCount {
			t.Errorf("[spec %d] expected %d mapped pages; got %d", specIndex, spec.expMapCount, got)
		}

		for i := 0; i < spec.expMapCount; i++ {
			physAddr, ok := m.mapped[spec.expAddr+uintptr(i)*mm.PageSize]
			if !ok {
				t.Errorf("[spec %d] expected page %d of the region to be mapped", specIndex, i)
				continue
			}
			if !m.zeroed(mm.FrameFromAddress(physAddr)) {
				t.Errorf("[spec %d] expected frame backing page %d to be zeroed", specIndex, i)
			}
		}

		if exp := uint64(spec.expMapCount) << mm.PageShift; sysStat != exp {
			t.Errorf("[spec %d] expected stat counter to be %d; got %d", specIndex, exp, sysStat)
		}
	}

	t.Run("out of memory", func(t *testing.T) {
		mockHeap(t, 2)

		var sysStat uint64
		sysMap(unsafe.Pointer(uintptr(0x10000)), 4*mm.PageSize, &sysStat)
		if sysStat != 0 {
			t.Fatalf("expected stat counter not to change when mapping fails; got %d", sysStat)
		}
	})
}

func TestSysAlloc(t *testing.T) {
	defer func() {
		reserveRegionFn = reserveRegion
	}()

	expRegionStartAddr := HeapWindowBase + 10*mm.PageSize
	reserveRegionFn = func(_ uintptr) (uintptr, *kernel.Error) {
		return expRegionStartAddr, nil
	}

	t.Run("success", func(t *testing.T) {
		specs := []struct {
			reqSize     uintptr
			expMapCount int
		}{
			// exact multiple of page size
			{4 * mm.PageSize, 4},
			// round up to nearest page size
			{(4 * mm.PageSize) + 1, 5},
		}

		for specIndex, spec := range specs {
			m := mockHeap(t, 8)

			var sysStat uint64
			if got := sysAlloc(spec.reqSize, &sysStat); uintptr(got) != expRegionStartAddr {
				t.Errorf("[spec %d] expected sysAlloc to return address 0x%x; got 0x%x", specIndex, expRegionStartAddr, uintptr(got))
			}

			if got := len(m.mapped); got != spec.expMapCount {
				t.Errorf("[spec %d] expected %d mapped pages; got %d", specIndex, spec.expMapCount, got)
			}

			for virtAddr, physAddr := range m.mapped {
				if !m.zeroed(mm.FrameFromAddress(physAddr)) {
					t.Errorf("[spec %d] expected frame mapped at 0x%x to be zeroed", specIndex, virtAddr)
				}
			}

			if exp := uint64(spec.expMapCount) << mm.PageShift; sysStat != exp {
				t.Errorf("[spec %d] expected stat counter to be %d; got %d", specIndex, exp, sysStat)
			}
		}
	})

	t.Run("reservation fails", func(t *testing.T) {
		defer func(orig func(uintptr) (uintptr, *kernel.Error)) { reserveRegionFn = orig }(reserveRegionFn)
		reserveRegionFn = func(_ uintptr) (uintptr, *kernel.Error) {
			return 0, errHeapWindowExhausted
		}

		var sysStat uint64
		if got := sysAlloc(1, &sysStat); got != nil {
			t.Fatalf("expected sysAlloc to return nil if the reservation fails; got 0x%x", uintptr(got))
		}
	})

	t.Run("frame allocation fails", func(t *testing.T) {
		mockHeap(t, 0)

		var sysStat uint64
		if got := sysAlloc(1, &sysStat); got != nil {
			t.Fatalf("expected sysAlloc to return nil if AllocFrame returns an error; got 0x%x", uintptr(got))
		}
	})

	t.Run("map fails", func(t *testing.T) {
		mockHeap(t, 1)
		mapFn = func(_, _ uintptr, _ vmm.PageTableEntryFlag) *kernel.Error {
			return &kernel.Error{Module: "test", Message: "map failed"}
		}

		var sysStat uint64
		if got := sysAlloc(1, &sysStat); got != nil {
			t.Fatalf("expected sysAlloc to return nil if Map returns an error; got 0x%x", uintptr(got))
		}
	})
}

func TestNanotime(t *testing.T) {
	defer func(orig func() uint64) { uptimeFn = orig }(uptimeFn)

	uptimeFn = func() uint64 { return 0 }
	if got := nanotime(); got == 0 {
		t.Fatal("expected nanotime to be non-zero before the timer starts")
	}

	uptimeFn = func() uint64 { return 15 }
	if exp, got := uint64(15000001), nanotime(); got != exp {
		t.Fatalf("expected nanotime to return %d; got %d", exp, got)
	}
}

func TestGetRandomData(t *testing.T) {
	sample1 := make([]byte, 128)
	sample2 := make([]byte, 128)

	getRandomData(sample1)
	getRandomData(sample2)

	if reflect.DeepEqual(sample1, sample2) {
		t.Fatal("expected getRandomData to return different values for each invocation")
	}
}

func TestInit(t *testing.T) {
	defer func() {
		mallocInitFn = mallocInit
		algInitFn = algInit
		modulesInitFn = modulesInit
		typeLinksInitFn = typeLinksInit
		itabsInitFn = itabsInit
	}()

	var calls []string
	mallocInitFn = func() { calls = append(calls, "malloc") }
	algInitFn = func() { calls = append(calls, "alg") }
	modulesInitFn = func() { calls = append(calls, "modules") }
	typeLinksInitFn = func() { calls = append(calls, "typelinks") }
	itabsInitFn = func() { calls = append(calls, "itabs") }

	if err := Init(); err != nil {
		t.Fatal(err)
	}

	if exp := []string{"malloc", "alg", "modules", "typelinks", "itabs"}; !reflect.DeepEqual(calls, exp) {
		t.Fatalf("expected runtime init order %v; got %v", exp, calls)
	}
}
