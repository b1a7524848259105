package vmm

import (
	"copperos/kernel"
	"copperos/kernel/cpu"
	"copperos/kernel/kfmt"
	"copperos/kernel/mm"
	"copperos/kernel/mm/pmm"
	"copperos/kernel/sync"
)

var (
	// ErrOutOfMemory is returned when a page table cannot be allocated.
	ErrOutOfMemory = &kernel.Error{Module: "vmm", Message: "out of memory", Code: -kernel.ENOMEM}

	// ErrNotMapped is returned when the target of an unmap, remap or
	// lookup operation is not mapped.
	ErrNotMapped = &kernel.Error{Module: "vmm", Message: "virtual address does not point to a mapped physical page", Code: -kernel.EFAULT}

	// ErrKernelAddress is returned when a user address space operation
	// targets the shared kernel half.
	ErrKernelAddress = &kernel.Error{Module: "vmm", Message: "virtual address belongs to the kernel half", Code: -kernel.EFAULT}

	errNoHugePageSupport = &kernel.Error{Module: "vmm", Message: "huge pages are not supported"}
	errForkPoolExhausted = &kernel.Error{Module: "vmm", Message: "fork copy pool exhausted"}

	// activePDTFn is used by tests to override calls to activePDT which
	// will cause a fault if called in user-mode.
	activePDTFn = cpu.ActivePDT

	// switchPDTFn is used by tests to override calls to switchPDT which
	// will cause a fault if called in user-mode.
	switchPDTFn = cpu.SwitchPDT

	// flushTLBEntryFn is used by tests to override calls to flushTLBEntry
	// which will cause a fault if called in user-mode.
	flushTLBEntryFn = cpu.FlushTLBEntry

	// panicFn and forkPoolFn are used by tests.
	panicFn    = kfmt.Panic
	forkPoolFn = pmm.ForkPool

	kernelSpace *AddressSpace
)

// AddressSpace owns the root of a 4-level page table hierarchy. The user half
// (root slots 0-255) is private to the address space while the kernel half is
// shared with every other address space by copying the kernel root slots.
//
// All AddressSpace methods are safe for concurrent use.
type AddressSpace struct {
	lock sync.Spinlock
	root mm.Frame
}

// KernelAddressSpace returns the address space used by the kernel.
func KernelAddressSpace() *AddressSpace {
	return kernelSpace
}

// NewAddressSpace allocates an address space with an empty user half. If the
// kernel address space has been initialized, its kernel half is installed in
// the new address space.
func NewAddressSpace() (*AddressSpace, *kernel.Error) {
	return newAddressSpace(kernelSpace)
}

func newAddressSpace(kernelHalfSrc *AddressSpace) (*AddressSpace, *kernel.Error) {
	rootFrame, root, err := allocTable()
	if err != nil {
		return nil, ErrOutOfMemory
	}

	if kernelHalfSrc != nil {
		srcRoot := tableAt(kernelHalfSrc.root)
		copy(root[kernelHalfStart:], srcRoot[kernelHalfStart:])
	}

	return &AddressSpace{root: rootFrame}, nil
}

// Root returns the frame of the root page table.
func (as *AddressSpace) Root() mm.Frame {
	return as.root
}

// IsActive returns true if the address space is loaded on the calling core.
func (as *AddressSpace) IsActive() bool {
	return mm.FrameFromAddress(activePDTFn()&ptePhysPageMask) == as.root
}

// Activate loads the address space on the calling core. The page table base
// register is only reloaded if a different address space is active.
func (as *AddressSpace) Activate() {
	if !as.IsActive() {
		switchPDTFn(as.root.Address())
	}
}

// checkAddress rejects kernel half addresses for user address spaces.
func (as *AddressSpace) checkAddress(virtAddr uintptr) *kernel.Error {
	if as != kernelSpace && virtAddr >= UserSpaceEnd {
		return ErrKernelAddress
	}
	return nil
}

// flush invalidates the TLB entry for virtAddr if this address space is
// active on the calling core. Other cores sharing the address space are not
// notified.
func (as *AddressSpace) flush(virtAddr uintptr) {
	if as.IsActive() {
		flushTLBEntryFn(virtAddr)
	}
}

// Map establishes a mapping between virtAddr and physAddr. Missing
// intermediate tables are allocated on demand. FlagPresent is always applied
// to the leaf entry. If a table allocation fails, the tables allocated by
// this call are released and ErrOutOfMemory is returned.
func (as *AddressSpace) Map(physAddr, virtAddr uintptr, flags PageTableEntryFlag) *kernel.Error {
	if err := as.checkAddress(virtAddr); err != nil {
		return err
	}

	g := as.lock.Guard()
	defer g.Release()

	return as.mapLocked(physAddr, virtAddr, flags)
}

func (as *AddressSpace) mapLocked(physAddr, virtAddr uintptr, flags PageTableEntryFlag) *kernel.Error {
	var (
		idx   = indicesFor(virtAddr)
		table = tableAt(as.root)

		// parents[level] points to the entry in the level table that
		// was populated with a table allocated by this call.
		parents [pageLevels - 1]*pageTableEntry
	)

	for level := 0; level < pageLevels-1; level++ {
		pte := &table[idx[level]]

		switch {
		case pte.HasFlags(FlagHugePage):
			as.rollback(parents)
			return errNoHugePageSupport
		case !pte.HasFlags(FlagPresent):
			frame, _, err := allocTable()
			if err != nil {
				as.rollback(parents)
				return ErrOutOfMemory
			}

			*pte = 0
			pte.SetFrame(frame)
			pte.SetFlags(tableFlags)
			parents[level] = pte
		}

		table = tableAt(pte.Frame())
	}

	pte := &table[idx[pageLevels-1]]
	*pte = 0
	pte.SetFrame(mm.FrameFromAddress(physAddr))
	pte.SetFlags((flags &^ PageTableEntryFlag(ptePhysPageMask)) | FlagPresent)
	as.flush(virtAddr)
	return nil
}

// rollback releases the tables allocated by a failed mapLocked call that are
// still empty, deepest level first.
func (as *AddressSpace) rollback(parents [pageLevels - 1]*pageTableEntry) {
	for level := len(parents) - 1; level >= 0; level-- {
		pte := parents[level]
		if pte == nil || !tableAt(pte.Frame()).empty() {
			continue
		}

		_ = mm.FreeFrame(pte.Frame())
		*pte = 0
	}
}

// walk returns the entry at every level of the page table hierarchy that
// translates virtAddr. It returns ErrNotMapped if any intermediate table or
// the leaf entry is not present.
func (as *AddressSpace) walk(virtAddr uintptr) (entries [pageLevels]*pageTableEntry, err *kernel.Error) {
	var (
		idx   = indicesFor(virtAddr)
		table = tableAt(as.root)
	)

	for level := 0; level < pageLevels; level++ {
		pte := &table[idx[level]]
		if !pte.HasFlags(FlagPresent) {
			return entries, ErrNotMapped
		}
		entries[level] = pte

		if level < pageLevels-1 {
			if pte.HasFlags(FlagHugePage) {
				return entries, errNoHugePageSupport
			}
			table = tableAt(pte.Frame())
		}
	}

	return entries, nil
}

// Unmap removes the mapping for virtAddr. Intermediate tables that become
// empty are released bottom-up. The root table and the shared kernel half
// tables are never released.
func (as *AddressSpace) Unmap(virtAddr uintptr) *kernel.Error {
	if err := as.checkAddress(virtAddr); err != nil {
		return err
	}

	g := as.lock.Guard()
	defer g.Release()

	entries, err := as.walk(virtAddr)
	if err != nil {
		return err
	}

	*entries[pageLevels-1] = 0
	as.flush(virtAddr)

	idx := indicesFor(virtAddr)
	for level := pageLevels - 2; level >= 0; level-- {
		if level == 0 && idx[0] >= kernelHalfStart {
			break
		}

		pte := entries[level]
		if !tableAt(pte.Frame()).empty() {
			break
		}

		_ = mm.FreeFrame(pte.Frame())
		*pte = 0
	}

	return nil
}

// Remap replaces the flags of an existing mapping while preserving the
// physical address it points to.
func (as *AddressSpace) Remap(virtAddr uintptr, flags PageTableEntryFlag) *kernel.Error {
	if err := as.checkAddress(virtAddr); err != nil {
		return err
	}

	g := as.lock.Guard()
	defer g.Release()

	entries, err := as.walk(virtAddr)
	if err != nil {
		return err
	}

	pte := entries[pageLevels-1]
	frame := pte.Frame()
	*pte = 0
	pte.SetFrame(frame)
	pte.SetFlags((flags &^ PageTableEntryFlag(ptePhysPageMask)) | FlagPresent)
	as.flush(virtAddr)
	return nil
}

// Lookup returns the page-aligned physical address and the flags of the
// mapping for virtAddr.
func (as *AddressSpace) Lookup(virtAddr uintptr) (uintptr, PageTableEntryFlag, *kernel.Error) {
	g := as.lock.Guard()
	defer g.Release()

	entries, err := as.walk(virtAddr)
	if err != nil {
		return 0, 0, err
	}

	pte := *entries[pageLevels-1]
	return pte.Frame().Address(), pte.Flags(), nil
}

// Translate returns the physical address that corresponds to virtAddr.
func (as *AddressSpace) Translate(virtAddr uintptr) (uintptr, *kernel.Error) {
	physPage, _, err := as.Lookup(virtAddr)
	if err != nil {
		return 0, err
	}

	return physPage + PageOffset(virtAddr), nil
}

// MapRange maps the physical region starting at physAddr to the virtual
// region starting at virtAddr. The size is rounded up to a page multiple. If
// any page cannot be mapped, the pages mapped by this call are unmapped
// again.
func (as *AddressSpace) MapRange(physAddr, virtAddr, size uintptr, flags PageTableEntryFlag) *kernel.Error {
	pageCount := mm.PageCount(size)
	for i := uintptr(0); i < pageCount; i++ {
		offset := i << mm.PageShift
		if err := as.Map(physAddr+offset, virtAddr+offset, flags); err != nil {
			for ; i > 0; i-- {
				_ = as.Unmap(virtAddr + (i-1)<<mm.PageShift)
			}
			return err
		}
	}

	return nil
}

// UnmapRange removes the mappings for the virtual region starting at
// virtAddr. Pages that are not mapped are skipped.
func (as *AddressSpace) UnmapRange(virtAddr, size uintptr) {
	pageCount := mm.PageCount(size)
	for i := uintptr(0); i < pageCount; i++ {
		_ = as.Unmap(virtAddr + i<<mm.PageShift)
	}
}

// leafVisitor is invoked by visitUserLeaves for every present leaf entry.
// Returning false aborts the scan.
type leafVisitor func(virtAddr uintptr, pte *pageTableEntry) bool

// visitUserLeaves invokes visitor for each present leaf entry in the user
// half. The caller must hold the address space lock.
func (as *AddressSpace) visitUserLeaves(visitor leafVisitor) {
	var idx tableIndices

	root := tableAt(as.root)
	for idx[0] = 0; idx[0] < kernelHalfStart; idx[0]++ {
		pdpt := root.next(idx[0])
		if pdpt == nil {
			continue
		}

		for idx[1] = 0; idx[1] < entriesPerTable; idx[1]++ {
			pd := pdpt.next(idx[1])
			if pd == nil || pdpt[idx[1]].HasFlags(FlagHugePage) {
				continue
			}

			for idx[2] = 0; idx[2] < entriesPerTable; idx[2]++ {
				pt := pd.next(idx[2])
				if pt == nil || pd[idx[2]].HasFlags(FlagHugePage) {
					continue
				}

				for idx[3] = 0; idx[3] < entriesPerTable; idx[3]++ {
					if !pt[idx[3]].HasFlags(FlagPresent) {
						continue
					}
					if !visitor(idx.address(), &pt[idx[3]]) {
						return
					}
				}
			}
		}
	}
}

// Fork creates a copy of the address space. Every page mapped in the user
// half is copied into a new frame taken from the fork pool and mapped at the
// same virtual address with the same flags. The kernel half is shared.
//
// The frames for the copy are reserved from the fork pool up front, so
// concurrent forks never consume each other's frames. The fork pool is sized
// at boot and never grows. Running out of pool frames halts the system.
func (as *AddressSpace) Fork() (*AddressSpace, *kernel.Error) {
	g := as.lock.Guard()
	defer g.Release()

	child, err := newAddressSpace(as)
	if err != nil {
		return nil, err
	}

	var leafCount int
	as.visitUserLeaves(func(_ uintptr, _ *pageTableEntry) bool {
		leafCount++
		return true
	})

	pool := forkPoolFn()
	if pool == nil {
		child.Destroy()
		panicFn(errForkPoolExhausted)
		return nil, errForkPoolExhausted
	}
	res, ok := pool.Reserve(leafCount)
	if !ok {
		child.Destroy()
		panicFn(errForkPoolExhausted)
		return nil, errForkPoolExhausted
	}
	defer res.Release()

	as.visitUserLeaves(func(virtAddr uintptr, pte *pageTableEntry) bool {
		frame, _ := res.Take()
		kernel.Memcopy(mm.PhysToVirt(pte.Frame().Address()), mm.PhysToVirt(frame.Address()), mm.PageSize)
		if err = child.mapLocked(frame.Address(), virtAddr, pte.Flags()); err != nil {
			_ = mm.FreeFrame(frame)
			return false
		}
		return true
	})

	if err != nil {
		child.Destroy()
		return nil, err
	}

	return child, nil
}

// Destroy releases every frame mapped in the user half together with the
// page tables that map them and finally the root table. The kernel address
// space is never destroyed.
func (as *AddressSpace) Destroy() {
	if as == kernelSpace {
		return
	}

	g := as.lock.Guard()
	defer g.Release()

	root := tableAt(as.root)
	for i := 0; i < kernelHalfStart; i++ {
		if root[i].HasFlags(FlagPresent) {
			freeTable(root[i].Frame(), 1)
			root[i] = 0
		}
	}

	_ = mm.FreeFrame(as.root)
	as.root = mm.InvalidFrame
}

// freeTable releases the table stored in frame, everything it maps and, for
// the last level, the leaf frames.
func freeTable(frame mm.Frame, level int) {
	table := tableAt(frame)
	for i := range table {
		pte := table[i]
		if !pte.HasFlags(FlagPresent) {
			continue
		}

		if level == pageLevels-1 || pte.HasFlags(FlagHugePage) {
			_ = mm.FreeFrame(pte.Frame())
		} else {
			freeTable(pte.Frame(), level+1)
		}
	}

	_ = mm.FreeFrame(frame)
}
