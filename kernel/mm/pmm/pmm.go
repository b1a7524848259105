// Package pmm implements the physical memory allocators: a bitmap allocator
// built from the bootloader memory map and a fixed-capacity frame pool used
// when copying address spaces.
package pmm

import (
	"copperos/kernel"
	"copperos/kernel/kfmt"
	"copperos/kernel/mm"
	"copperos/multiboot"
)

var (
	// bitmapAllocator is the standard allocator used by the kernel.
	bitmapAllocator BitmapAllocator

	// forkPool holds the frames reserved for address space copies.
	forkPool *Pool

	errForkPoolReserve = &kernel.Error{Module: "pmm", Message: "unable to reserve frames for the fork pool"}
)

// Init sets up the kernel physical memory allocation sub-system. It does not
// allocate Go memory and may run before the Go allocator is initialized.
func Init(kernelStart, kernelEnd uintptr) *kernel.Error {
	printMemoryMap(kernelStart, kernelEnd)

	if err := bitmapAllocator.init(kernelStart, kernelEnd); err != nil {
		return err
	}
	mm.SetFrameAllocator(bitmapAllocFrame)
	mm.SetFrameReleaser(bitmapFreeFrame)
	return nil
}

// InitForkPool reserves pages frames for the fork copy pool. It must be
// invoked after the Go allocator has been initialized.
func InitForkPool(pages int) *kernel.Error {
	forkPool = NewPool(pages)
	if !forkPool.Fill() {
		return errForkPoolReserve
	}

	kfmt.Printf("[pmm] reserved %d frames for the fork pool\n", pages)
	return nil
}

// ForkPool returns the frame pool used when copying address spaces.
func ForkPool() *Pool {
	return forkPool
}

func bitmapAllocFrame() (mm.Frame, *kernel.Error) {
	return bitmapAllocator.AllocFrame()
}

func bitmapFreeFrame(f mm.Frame) *kernel.Error {
	return bitmapAllocator.FreeFrame(f)
}

// printMemoryMap scans the memory region information provided by the
// bootloader and prints out the system's memory map.
func printMemoryMap(kernelStart, kernelEnd uintptr) {
	kfmt.Printf("[pmm] system memory map:\n")
	var totalFree mm.Size
	multiboot.VisitMemRegions(func(region *multiboot.MemoryMapEntry) bool {
		kfmt.Printf("\t[0x%10x - 0x%10x], size: %10d, type: %s\n", region.PhysAddress, region.PhysAddress+region.Length, region.Length, region.Type.String())

		if region.Type == multiboot.MemAvailable {
			totalFree += mm.Size(region.Length)
		}
		return true
	})
	kfmt.Printf("[pmm] available memory: %dKb\n", uint64(totalFree/mm.Kb))
	kfmt.Printf("[pmm] kernel loaded at 0x%x - 0x%x\n", kernelStart, kernelEnd)
}
