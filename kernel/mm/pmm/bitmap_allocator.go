package pmm

import (
	"copperos/kernel"
	"copperos/kernel/kfmt"
	"copperos/kernel/mm"
	"copperos/kernel/sync"
	"copperos/multiboot"
	"math/bits"
	"unsafe"
)

// maxPools bounds the number of available memory regions tracked by the
// allocator. Pool metadata lives in a static array as there is no heap when
// the allocator is initialized.
const maxPools = 32

var (
	errBitmapAllocOutOfMemory     = &kernel.Error{Module: "bitmap_alloc", Message: "out of memory", Code: -kernel.ENOMEM}
	errBitmapAllocFrameNotManaged = &kernel.Error{Module: "bitmap_alloc", Message: "frame not managed by this allocator"}
	errBitmapAllocDoubleFree      = &kernel.Error{Module: "bitmap_alloc", Message: "frame is already free"}
	errBitmapAllocTooManyRegions  = &kernel.Error{Module: "bitmap_alloc", Message: "too many memory regions"}
)

type markAs bool

const (
	markReserved markAs = false
	markFree     markAs = true
)

// framePool tracks the frames of one available memory region. The bitmap
// that backs the pool occupies the last frames of the region itself.
type framePool struct {
	startFrame mm.Frame
	endFrame   mm.Frame

	freeCount uint32

	// freeBitmap has one bit per frame in the pool; a set bit marks a
	// reserved frame.
	freeBitmap    []uint64
	bitmapFrames  uint32
	searchStartAt uint32
}

// BitmapAllocator is a physical frame allocator that tracks frame
// reservations across the available memory regions using a bitmap per region.
type BitmapAllocator struct {
	lock sync.Spinlock

	totalPages    uint32
	reservedPages uint32

	poolCount int
	pools     [maxPools]framePool
}

// init builds the allocator pools from the multiboot memory map and reserves
// the frames occupied by the kernel image and the pool bitmaps.
func (alloc *BitmapAllocator) init(kernelStart, kernelEnd uintptr) *kernel.Error {
	var err *kernel.Error

	alloc.poolCount, alloc.totalPages, alloc.reservedPages = 0, 0, 0

	pageSizeMinus1 := uint64(mm.PageSize - 1)
	multiboot.VisitMemRegions(func(region *multiboot.MemoryMapEntry) bool {
		// Reported addresses may not be page-aligned; round up to get
		// the start frame and round down to get the end frame
		regionStartFrame := mm.Frame(((region.PhysAddress + pageSizeMinus1) & ^pageSizeMinus1) >> mm.PageShift)
		regionEndFrame := mm.Frame(((region.PhysAddress+region.Length) & ^pageSizeMinus1)>>mm.PageShift) - 1

		// Ignore reserved regions and regions too small to hold both a
		// bitmap frame and at least one allocatable frame
		if region.Type != multiboot.MemAvailable || regionEndFrame <= regionStartFrame {
			return true
		}

		if alloc.poolCount == maxPools {
			err = errBitmapAllocTooManyRegions
			return false
		}

		alloc.setupPool(&alloc.pools[alloc.poolCount], regionStartFrame, regionEndFrame)
		alloc.poolCount++
		return true
	})

	if err != nil {
		return err
	}

	alloc.reserveKernelFrames(kernelStart, kernelEnd)
	alloc.printStats()
	return nil
}

func (alloc *BitmapAllocator) setupPool(pool *framePool, startFrame, endFrame mm.Frame) {
	pageCount := uint32(endFrame - startFrame + 1)
	bitmapWords := (pageCount + 63) >> 6
	bitmapBytes := uintptr(bitmapWords) << 3
	bitmapFrames := uint32(mm.PageCount(bitmapBytes))

	pool.startFrame = startFrame
	pool.endFrame = endFrame
	pool.freeCount = pageCount
	pool.bitmapFrames = bitmapFrames
	pool.searchStartAt = 0

	bitmapStart := mm.PhysToVirt((endFrame - mm.Frame(bitmapFrames) + 1).Address())
	pool.freeBitmap = unsafe.Slice((*uint64)(unsafe.Pointer(bitmapStart)), int(bitmapWords))
	kernel.Memset(bitmapStart, 0, bitmapBytes)

	alloc.totalPages += pageCount

	// The bitmap frames are permanently reserved
	for f := endFrame - mm.Frame(bitmapFrames) + 1; f <= endFrame; f++ {
		alloc.markFrame(pool, f, markReserved)
	}
}

// reserveKernelFrames marks the frames that contain the kernel image as
// reserved.
func (alloc *BitmapAllocator) reserveKernelFrames(kernelStart, kernelEnd uintptr) {
	if kernelEnd <= kernelStart {
		return
	}

	startFrame := mm.FrameFromAddress(kernelStart)
	endFrame := mm.FrameFromAddress(kernelEnd - 1)
	for f := startFrame; f <= endFrame; f++ {
		if pool := alloc.poolForFrame(f); pool != nil {
			alloc.markFrame(pool, f, markReserved)
		}
	}
}

// poolForFrame returns the pool that contains frame or nil if the frame does
// not belong to any available memory region.
func (alloc *BitmapAllocator) poolForFrame(frame mm.Frame) *framePool {
	for i := 0; i < alloc.poolCount; i++ {
		if frame >= alloc.pools[i].startFrame && frame <= alloc.pools[i].endFrame {
			return &alloc.pools[i]
		}
	}

	return nil
}

// markFrame updates the reservation bit for frame. Marking a frame with its
// current state is a no-op.
func (alloc *BitmapAllocator) markFrame(pool *framePool, frame mm.Frame, flag markAs) {
	relFrame := uint32(frame - pool.startFrame)
	word, mask := relFrame>>6, uint64(1)<<(63-(relFrame&63))

	switch {
	case flag == markReserved && pool.freeBitmap[word]&mask == 0:
		pool.freeBitmap[word] |= mask
		pool.freeCount--
		alloc.reservedPages++
	case flag == markFree && pool.freeBitmap[word]&mask != 0:
		pool.freeBitmap[word] &^= mask
		pool.freeCount++
		alloc.reservedPages--
	}
}

// AllocFrame reserves and returns the next free physical frame.
func (alloc *BitmapAllocator) AllocFrame() (mm.Frame, *kernel.Error) {
	g := alloc.lock.Guard()
	defer g.Release()

	for i := 0; i < alloc.poolCount; i++ {
		pool := &alloc.pools[i]
		if pool.freeCount == 0 {
			continue
		}

		words := uint32(len(pool.freeBitmap))
		for n := uint32(0); n < words; n++ {
			word := (pool.searchStartAt + n) % words
			if pool.freeBitmap[word] == ^uint64(0) {
				continue
			}

			bit := uint32(bits.LeadingZeros64(^pool.freeBitmap[word]))
			relFrame := word<<6 + bit
			frame := pool.startFrame + mm.Frame(relFrame)

			// Padding bits of the last word lie past the pool end
			if frame > pool.endFrame {
				continue
			}

			alloc.markFrame(pool, frame, markReserved)
			pool.searchStartAt = word
			return frame, nil
		}
	}

	return mm.InvalidFrame, errBitmapAllocOutOfMemory
}

// FreeFrame releases a frame previously allocated via AllocFrame.
func (alloc *BitmapAllocator) FreeFrame(frame mm.Frame) *kernel.Error {
	g := alloc.lock.Guard()
	defer g.Release()

	pool := alloc.poolForFrame(frame)
	if pool == nil {
		return errBitmapAllocFrameNotManaged
	}

	relFrame := uint32(frame - pool.startFrame)
	if pool.freeBitmap[relFrame>>6]&(uint64(1)<<(63-(relFrame&63))) == 0 {
		return errBitmapAllocDoubleFree
	}

	// Bitmap frames are never handed out
	if frame > pool.endFrame-mm.Frame(pool.bitmapFrames) {
		return errBitmapAllocFrameNotManaged
	}

	alloc.markFrame(pool, frame, markFree)
	return nil
}

// FreePages returns the number of frames that can still be allocated.
func (alloc *BitmapAllocator) FreePages() uint32 {
	g := alloc.lock.Guard()
	defer g.Release()

	return alloc.totalPages - alloc.reservedPages
}

func (alloc *BitmapAllocator) printStats() {
	kfmt.Printf(
		"[bitmap_alloc] page stats: free: %d/%d (%d reserved) in %d pools\n",
		alloc.totalPages-alloc.reservedPages,
		alloc.totalPages,
		alloc.reservedPages,
		alloc.poolCount,
	)
}
