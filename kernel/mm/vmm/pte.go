package vmm

import (
	"copperos/kernel"
	"copperos/kernel/mm"
	"unsafe"
)

// PageTableEntryFlag describes a flag that can be applied to a page table entry.
type PageTableEntryFlag uintptr

// pageTableEntry describes a page table entry. These entries encode
// a physical frame address and a set of flags.
type pageTableEntry uintptr

// HasFlags returns true if this entry has all the input flags set.
func (pte pageTableEntry) HasFlags(flags PageTableEntryFlag) bool {
	return (uintptr(pte) & uintptr(flags)) == uintptr(flags)
}

// HasAnyFlag returns true if this entry has at least one of the input flags set.
func (pte pageTableEntry) HasAnyFlag(flags PageTableEntryFlag) bool {
	return (uintptr(pte) & uintptr(flags)) != 0
}

// SetFlags sets the input list of flags to the page table entry.
func (pte *pageTableEntry) SetFlags(flags PageTableEntryFlag) {
	*pte = (pageTableEntry)(uintptr(*pte) | uintptr(flags))
}

// ClearFlags unsets the input list of flags from the page table entry.
func (pte *pageTableEntry) ClearFlags(flags PageTableEntryFlag) {
	*pte = (pageTableEntry)(uintptr(*pte) &^ uintptr(flags))
}

// Flags returns the flag bits of this entry.
func (pte pageTableEntry) Flags() PageTableEntryFlag {
	return PageTableEntryFlag(uintptr(pte) &^ ptePhysPageMask)
}

// Frame returns the physical page frame that this page table entry points to.
func (pte pageTableEntry) Frame() mm.Frame {
	return mm.Frame((uintptr(pte) & ptePhysPageMask) >> mm.PageShift)
}

// SetFrame updates the page table entry to point the the given physical frame.
func (pte *pageTableEntry) SetFrame(frame mm.Frame) {
	*pte = (pageTableEntry)((uintptr(*pte) &^ ptePhysPageMask) | (frame.Address() & ptePhysPageMask))
}

// pageTable is a single level of the paging hierarchy.
type pageTable [entriesPerTable]pageTableEntry

// tableAt returns the page table stored in frame, accessed through the
// physical memory direct map.
func tableAt(frame mm.Frame) *pageTable {
	return (*pageTable)(unsafe.Pointer(mm.PhysToVirt(frame.Address())))
}

// allocTable allocates and clears a frame for a new page table.
func allocTable() (mm.Frame, *pageTable, *kernel.Error) {
	frame, err := mm.AllocFrame()
	if err != nil {
		return mm.InvalidFrame, nil, err
	}

	table := tableAt(frame)
	kernel.Memset(uintptr(unsafe.Pointer(table)), 0, mm.PageSize)
	return frame, table, nil
}

// empty returns true if none of the table entries is present.
func (t *pageTable) empty() bool {
	for _, pte := range t {
		if pte.HasFlags(FlagPresent) {
			return false
		}
	}

	return true
}

// next returns the table pointed to by the entry at index or nil if the
// entry is not present.
func (t *pageTable) next(index uint16) *pageTable {
	if pte := t[index]; pte.HasFlags(FlagPresent) {
		return tableAt(pte.Frame())
	}

	return nil
}

// tableIndices holds the per-level table indices of a virtual address, root
// level first.
type tableIndices [pageLevels]uint16

// indicesFor splits virtAddr into its four 9-bit table indices.
func indicesFor(virtAddr uintptr) tableIndices {
	var idx tableIndices
	for level, shift := range pageLevelShifts {
		idx[level] = uint16((virtAddr >> shift) & (entriesPerTable - 1))
	}
	return idx
}

// address returns the canonical virtual address for a set of table indices.
func (idx tableIndices) address() uintptr {
	var addr uintptr
	for level, shift := range pageLevelShifts {
		addr |= uintptr(idx[level]) << shift
	}

	// Sign-extend bit 47
	if idx[0] >= kernelHalfStart {
		addr |= ^(UserSpaceEnd - 1)
	}
	return addr
}

// PageOffset returns the offset within the page specified by a virtual
// address.
func PageOffset(virtAddr uintptr) uintptr {
	return virtAddr & (mm.PageSize - 1)
}
