// Package mm defines the physical frame and virtual page types shared by the
// physical allocator and the address-space manager, together with the
// pluggable allocator hooks that connect the two.
package mm

import (
	"copperos/kernel"
	"math"
)

// Frame describes a physical memory page index.
type Frame uintptr

const (
	// InvalidFrame is returned by page allocators when
	// they fail to reserve the requested frame.
	InvalidFrame = Frame(math.MaxUint64)
)

// Valid returns true if this is a valid frame.
func (f Frame) Valid() bool {
	return f != InvalidFrame
}

// Address returns the physical memory address pointed to by this Frame.
func (f Frame) Address() uintptr {
	return uintptr(f << PageShift)
}

// FrameFromAddress returns the Frame that contains the given physical
// address. Addresses that are not page-aligned are rounded down.
func FrameFromAddress(physAddr uintptr) Frame {
	return Frame((physAddr & ^(uintptr(PageSize - 1))) >> PageShift)
}

var (
	// ErrOutOfMemory is returned by frame allocators when no free frames
	// remain.
	ErrOutOfMemory = &kernel.Error{Module: "mm", Message: "out of memory", Code: -kernel.ENOMEM}

	frameAllocator FrameAllocatorFn
	frameReleaser  FrameReleaserFn
)

// FrameAllocatorFn is a function that can allocate physical frames.
type FrameAllocatorFn func() (Frame, *kernel.Error)

// FrameReleaserFn is a function that returns a physical frame to the
// allocator that handed it out.
type FrameReleaserFn func(Frame) *kernel.Error

// SetFrameAllocator registers a frame allocator function that will be used by
// the vmm code when new physical frames need to be allocated.
func SetFrameAllocator(allocFn FrameAllocatorFn) { frameAllocator = allocFn }

// SetFrameReleaser registers the function used by FreeFrame.
func SetFrameReleaser(freeFn FrameReleaserFn) { frameReleaser = freeFn }

// AllocFrame allocates a new physical frame using the currently active
// physical frame allocator.
func AllocFrame() (Frame, *kernel.Error) {
	if frameAllocator == nil {
		return InvalidFrame, ErrOutOfMemory
	}
	return frameAllocator()
}

// FreeFrame releases a frame previously obtained via AllocFrame. Frames
// released before a releaser is registered are leaked.
func FreeFrame(f Frame) *kernel.Error {
	if frameReleaser == nil {
		return nil
	}
	return frameReleaser(f)
}

// Page describes a virtual memory page index.
type Page uintptr

// Address returns the virtual memory address pointed to by this Page.
func (p Page) Address() uintptr {
	return uintptr(p << PageShift)
}

// PageFromAddress returns the Page that contains the given virtual address.
// Addresses that are not page-aligned are rounded down.
func PageFromAddress(virtAddr uintptr) Page {
	return Page((virtAddr & ^(uintptr(PageSize - 1))) >> PageShift)
}

// PageCount returns the number of pages needed to cover size bytes.
func PageCount(size uintptr) uintptr {
	return (size + PageSize - 1) >> PageShift
}

// directMapBase is the virtual address where the kernel maps all of physical
// memory. Tests leave it at zero so that physical addresses are used as-is.
var directMapBase uintptr

// SetDirectMapBase sets the virtual address of the physical memory direct map.
func SetDirectMapBase(base uintptr) { directMapBase = base }

// PhysToVirt returns the direct-map virtual address for a physical address.
func PhysToVirt(physAddr uintptr) uintptr { return directMapBase + physAddr }
