// Package vmm manages per-process virtual address spaces backed by 4-level
// amd64 page tables and handles paging-related faults.
package vmm

import (
	"copperos/kernel"
	"copperos/kernel/kfmt"
	"copperos/kernel/mm"
)

// Init adopts the page table hierarchy set up by the boot code as the kernel
// address space, pre-allocates the tables for every kernel half root slot
// and installs paging-related exception handlers.
//
// Pre-allocating the kernel half guarantees that kernel mappings established
// after other address spaces have been created become visible to all of them.
func Init() *kernel.Error {
	kernelSpace = &AddressSpace{root: mm.FrameFromAddress(activePDTFn() & ptePhysPageMask)}

	root := tableAt(kernelSpace.root)
	var allocated int
	for i := kernelHalfStart; i < entriesPerTable; i++ {
		if root[i].HasFlags(FlagPresent) {
			continue
		}

		frame, _, err := allocTable()
		if err != nil {
			return err
		}

		root[i] = 0
		root[i].SetFrame(frame)
		root[i].SetFlags(FlagPresent | FlagRW)
		allocated++
	}

	kfmt.Printf("[vmm] kernel address space at 0x%x; allocated %d kernel half tables\n", kernelSpace.root.Address(), allocated)

	installFaultHandlers()
	return nil
}
