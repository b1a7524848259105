// Package multiboot parses the multiboot2 information block handed over by
// the bootloader: the physical memory map, the kernel command line and the
// copy of the ACPI root system descriptor pointer.
package multiboot

import (
	"strings"
	"unsafe"
)

var (
	infoData  uintptr
	cmdLineKV map[string]string
)

type tagType uint32

// Tag types defined by multiboot2.
const (
	tagMbSectionEnd tagType = iota
	tagBootCmdLine
	tagBootLoaderName
	tagModules
	tagBasicMemoryInfo
	tagBiosBootDevice
	tagMemoryMap
	tagVbeInfo
	tagFramebufferInfo
	tagElfSymbols
	tagApmTable
	tagEFI32SystemTable
	tagEFI64SystemTable
	tagSMBIOSTables
	tagACPIOldRSDP
	tagACPINewRSDP
)

// tagHeaderSize is the size of the info block header and of every tag
// header. Tags start on 8-byte boundaries.
const tagHeaderSize = 8

type info struct {
	totalSize uint32
	reserved  uint32
}

// tagHeader precedes every tag. size covers the header and the payload but
// not the alignment padding that follows.
type tagHeader struct {
	tagType tagType
	size    uint32
}

type mmapHeader struct {
	entrySize    uint32
	entryVersion uint32
}

// MemoryEntryType classifies a physical memory region.
type MemoryEntryType uint32

// Region types reported by the bootloader. Only MemAvailable regions may be
// handed to the frame allocator.
const (
	MemAvailable MemoryEntryType = iota + 1
	MemReserved
	MemAcpiReclaimable
	MemNvs

	// Types from memUnknown onwards are reported as MemReserved.
	memUnknown
)

var memEntryTypeNames = [...]string{
	MemAvailable:       "available",
	MemReserved:        "reserved",
	MemAcpiReclaimable: "ACPI (reclaimable)",
	MemNvs:             "NVS",
}

// String implements fmt.Stringer for MemoryEntryType.
func (t MemoryEntryType) String() string {
	if t == 0 || t >= memUnknown {
		return "unknown"
	}
	return memEntryTypeNames[t]
}

// MemoryMapEntry is a physical memory region.
type MemoryMapEntry struct {
	PhysAddress uint64
	Length      uint64
	Type        MemoryEntryType
}

// MemRegionVisitor is invoked by VisitMemRegions for each region. Returning
// false stops the scan.
type MemRegionVisitor func(*MemoryMapEntry) bool

// SetInfoPtr records the address of the info block. Addresses returned by
// this package are derived from it. SetInfoPtr must be called before any
// other function in this package.
func SetInfoPtr(ptr uintptr) {
	infoData = ptr
	cmdLineKV = nil
}

// VisitMemRegions walks the bootloader memory map. The visitor receives a
// copy of each entry.
func VisitMemRegions(visitor MemRegionVisitor) {
	curPtr, size := findTagByType(tagMemoryMap)
	if size < tagHeaderSize {
		return
	}

	entrySize := uintptr((*mmapHeader)(unsafe.Pointer(curPtr)).entrySize)
	if entrySize < unsafe.Sizeof(MemoryMapEntry{}) {
		return
	}

	var entry MemoryMapEntry
	endPtr := curPtr + uintptr(size)
	for curPtr += tagHeaderSize; curPtr+entrySize <= endPtr; curPtr += entrySize {
		entry = *(*MemoryMapEntry)(unsafe.Pointer(curPtr))
		if entry.Type == 0 || entry.Type >= memUnknown {
			entry.Type = MemReserved
		}

		if !visitor(&entry) {
			return
		}
	}
}

// RSDPAddr returns the address of the copy of the ACPI root system
// descriptor pointer that the bootloader placed in the info block or 0 if
// the bootloader did not provide one. The ACPI 2.0+ descriptor is preferred
// over the ACPI 1.0 one.
func RSDPAddr() uintptr {
	if curPtr, size := findTagByType(tagACPINewRSDP); size != 0 {
		return curPtr
	}

	if curPtr, size := findTagByType(tagACPIOldRSDP); size != 0 {
		return curPtr
	}

	return 0
}

// GetBootCmdLine returns the kernel command line as key-value pairs. A bare
// key maps to itself. The result is built on first use, so callers must wait
// until the Go allocator is available.
func GetBootCmdLine() map[string]string {
	if cmdLineKV != nil {
		return cmdLineKV
	}

	cmdLineKV = make(map[string]string)

	curPtr, size := findTagByType(tagBootCmdLine)
	if size > 1 {
		// Drop the NUL terminator.
		cmdLine := unsafe.Slice((*byte)(unsafe.Pointer(curPtr)), int(size-1))
		for _, field := range strings.Fields(string(cmdLine)) {
			key, value, found := strings.Cut(field, "=")
			switch {
			case !found:
				cmdLineKV[key] = key
			case !strings.Contains(value, "="):
				cmdLineKV[key] = value
			}
		}
	}

	return cmdLineKV
}

// findTagByType returns the payload address and payload length of the first
// tag of the given type, or (0, 0) if the end tag or the end of the info
// block is reached first.
func findTagByType(tagType tagType) (uintptr, uint32) {
	if infoData == 0 {
		return 0, 0
	}

	var (
		endPtr = infoData + uintptr((*info)(unsafe.Pointer(infoData)).totalSize)
		hdr    *tagHeader
	)

	for curPtr := infoData + tagHeaderSize; curPtr+tagHeaderSize <= endPtr; {
		hdr = (*tagHeader)(unsafe.Pointer(curPtr))
		if hdr.tagType == tagMbSectionEnd || hdr.size < tagHeaderSize {
			break
		}

		if hdr.tagType == tagType {
			return curPtr + tagHeaderSize, hdr.size - tagHeaderSize
		}

		curPtr += uintptr(hdr.size+7) &^ 7
	}

	return 0, 0
}
