package mm

const (
	// PointerShift is equal to log2(unsafe.Sizeof(uintptr)). The pointer
	// size for this architecture is defined as (1 << PointerShift).
	PointerShift = uintptr(3)

	// PageShift is equal to log2(PageSize).
	PageShift = uintptr(12)

	// PageSize defines the system's page size in bytes.
	PageSize = uintptr(1 << PageShift)

	// DirectMapBase is the start of the higher-half window that maps all
	// physical memory. It sits at the bottom of the kernel half.
	DirectMapBase = uintptr(0xffff800000000000)
)

// Size is a byte count used when reporting memory totals.
type Size uint64

// Units for Size values.
const (
	Byte Size = 1
	Kb        = Byte << 10
	Mb        = Kb << 10
	Gb        = Mb << 10
)
