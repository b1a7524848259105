package vmm

// Four-level paging: PML4, PDPT, PD and PT, each holding 512 entries.
const (
	pageLevels      = 4
	entriesPerTable = 512

	// ptePhysPageMask selects bits 12-51 of an entry, which hold the
	// physical address of the next table or of the mapped frame.
	ptePhysPageMask = uintptr(0x000ffffffffff000)

	// kernelHalfStart is the first PML4 slot of the kernel half. The
	// tables behind these slots are shared by every address space.
	kernelHalfStart = entriesPerTable / 2

	// UserSpaceEnd is the first virtual address past the user half.
	UserSpaceEnd = uintptr(1) << 47
)

// pageLevelShifts lists, from the PML4 down, the shift that extracts each
// 9-bit table index from a virtual address.
var pageLevelShifts = [pageLevels]uint8{39, 30, 21, 12}

// Hardware defined entry bits.
const (
	FlagPresent PageTableEntryFlag = 1 << iota
	FlagRW
	FlagUserAccessible
	FlagWriteThroughCaching
	FlagDoNotCache
	FlagAccessed
	FlagDirty

	// FlagHugePage marks a 2MiB (PD) or 1GiB (PDPT) leaf.
	FlagHugePage

	// FlagGlobal entries survive CR3 reloads.
	FlagGlobal

	FlagNoExecute = 1 << 63

	// tableFlags are set on every intermediate table entry. Leaf entries
	// carry the effective permissions.
	tableFlags = FlagPresent | FlagRW | FlagUserAccessible
)
