// Package goruntime contains code for bootstrapping Go runtime features such
// as the memory allocator.
//
// The Go allocator obtains its memory through the sys* functions defined in
// this file. The kernel build redirects the runtime versions of these
// functions to the ones below so that heap memory is carved out of a
// dedicated window in the kernel half of the address space and backed by
// frames from the physical memory allocator.
package goruntime

import (
	"copperos/kernel"
	"copperos/kernel/mm"
	"copperos/kernel/mm/vmm"
	"copperos/kernel/task"
	"sync/atomic"
	"unsafe"
)

const (
	// HeapWindowBase is the start of the virtual address range used by the
	// Go allocator. It occupies a single root table slot in the kernel
	// half so that it is shared by all address spaces.
	HeapWindowBase = uintptr(0xffffc00000000000)

	// HeapWindowSize is the size of the Go heap window.
	HeapWindowSize = uintptr(1) << 39
)

var (
	errHeapWindowExhausted = &kernel.Error{Module: "goruntime", Message: "heap window exhausted"}

	// nextHeapAddr is the next unreserved address in the heap window.
	nextHeapAddr = HeapWindowBase

	// The following functions are mocked by tests.
	reserveRegionFn = reserveRegion
	mapFn           = mapKernelPage
	frameAllocFn    = mm.AllocFrame
	memsetFn        = kernel.Memset
	uptimeFn        = task.Uptime
	mallocInitFn    = mallocInit
	algInitFn       = algInit
	modulesInitFn   = modulesInit
	typeLinksInitFn = typeLinksInit
	itabsInitFn     = itabsInit

	// A seed for the pseudo-random number generator used by getRandomData
	prngSeed = 0xdeadc0de
)

//go:linkname algInit runtime.alginit
func algInit()

//go:linkname modulesInit runtime.modulesinit
func modulesInit()

//go:linkname typeLinksInit runtime.typelinksinit
func typeLinksInit()

//go:linkname itabsInit runtime.itabsinit
func itabsInit()

//go:linkname mallocInit runtime.mallocinit
func mallocInit()

// reserveRegion reserves a page-aligned region of size bytes from the heap
// window. Reserved regions are never returned.
//
//go:nosplit
func reserveRegion(size uintptr) (uintptr, *kernel.Error) {
	for {
		start := atomic.LoadUintptr(&nextHeapAddr)
		if size > HeapWindowBase+HeapWindowSize-start {
			return 0, errHeapWindowExhausted
		}

		if atomic.CompareAndSwapUintptr(&nextHeapAddr, start, start+size) {
			return start, nil
		}
	}
}

func mapKernelPage(physAddr, virtAddr uintptr, flags vmm.PageTableEntryFlag) *kernel.Error {
	return vmm.KernelAddressSpace().Map(physAddr, virtAddr, flags)
}

func pageAlign(size uintptr) uintptr {
	return (size + mm.PageSize - 1) & ^(mm.PageSize - 1)
}

// sysReserve reserves address space without allocating any memory or
// establishing any page mappings.
//
// This function replaces runtime.sysReserve and is required for initializing
// the Go allocator.
//
//go:redirect-from runtime.sysReserve
//go:nosplit
func sysReserve(_ unsafe.Pointer, size uintptr) unsafe.Pointer {
	regionStartAddr, err := reserveRegionFn(pageAlign(size))
	if err != nil {
		return nil
	}

	return unsafe.Pointer(regionStartAddr)
}

// sysMap backs a region previously obtained via sysReserve with zeroed
// physical frames.
//
// This function replaces runtime.sysMap and is required for initializing
// the Go allocator.
//
//go:redirect-from runtime.sysMap
//go:nosplit
func sysMap(virtAddr unsafe.Pointer, size uintptr, sysStat *uint64) {
	// We trust the allocator to call sysMap with an address inside a reserved region.
	regionStartAddr := pageAlign(uintptr(virtAddr))
	regionSize := pageAlign(size)

	if err := mapRegion(regionStartAddr, regionSize); err != nil {
		return
	}

	atomic.AddUint64(sysStat, uint64(regionSize))
}

// sysAlloc reserves enough physical frames to satisfy the allocation request
// and establishes a contiguous virtual page mapping for them returning back
// the pointer to the virtual region start.
//
// This function replaces runtime.sysAlloc and is required for initializing
// the Go allocator.
//
//go:redirect-from runtime.sysAlloc
//go:nosplit
func sysAlloc(size uintptr, sysStat *uint64) unsafe.Pointer {
	regionSize := pageAlign(size)
	regionStartAddr, err := reserveRegionFn(regionSize)
	if err != nil {
		return nil
	}

	if err = mapRegion(regionStartAddr, regionSize); err != nil {
		return nil
	}

	atomic.AddUint64(sysStat, uint64(regionSize))
	return unsafe.Pointer(regionStartAddr)
}

// mapRegion maps a zeroed frame to every page in the region. Heap pages are
// never executable.
//
//go:nosplit
func mapRegion(regionStartAddr, regionSize uintptr) *kernel.Error {
	mapFlags := vmm.FlagPresent | vmm.FlagNoExecute | vmm.FlagRW
	for addr := regionStartAddr; addr < regionStartAddr+regionSize; addr += mm.PageSize {
		frame, err := frameAllocFn()
		if err != nil {
			return err
		}

		memsetFn(mm.PhysToVirt(frame.Address()), 0, mm.PageSize)
		if err = mapFn(frame.Address(), addr, mapFlags); err != nil {
			return err
		}
	}

	return nil
}

// nanotime returns a monotonically increasing clock value derived from the
// scheduler uptime counter. The value has millisecond resolution; the
// constant offset keeps it non-zero before the timer starts ticking.
//
// This function replaces runtime.nanotime and is invoked by the Go allocator
// when a span allocation is performed.
//
//go:redirect-from runtime.nanotime
//go:nosplit
func nanotime() uint64 {
	return uptimeFn()*1000000 + 1
}

// getRandomData populates the given slice with random data. The implementation
// is the runtime package reads a random stream from /dev/random but since this
// is not available, we use a prng instead.
//
//go:redirect-from runtime.getRandomData
func getRandomData(r []byte) {
	for i := 0; i < len(r); i++ {
		prngSeed = (prngSeed * 58321) + 11113
		r[i] = byte((prngSeed >> 16) & 255)
	}
}

// Init enables support for various Go runtime features. After a call to init
// the following runtime features become available for use:
//  - heap memory allocation (new, make e.t.c)
//  - map primitives
//  - interfaces
//
// Init must be invoked after the kernel address space has been set up.
func Init() *kernel.Error {
	mallocInitFn()
	algInitFn()       // setup hash implementation for map keys
	modulesInitFn()   // provides activeModules
	typeLinksInitFn() // uses maps, activeModules
	itabsInitFn()     // uses activeModules

	return nil
}

func init() {
	// Dummy calls so the compiler does not optimize away the functions in
	// this file.
	var (
		stat    uint64
		zeroPtr = unsafe.Pointer(uintptr(0))
	)

	sysReserve(zeroPtr, 0)
	sysMap(zeroPtr, 0, &stat)
	sysAlloc(0, &stat)
	getRandomData(nil)
	stat = nanotime()
}
