// Package table defines the layout of the ACPI tables used for processor and
// interrupt controller discovery.
package table

// RSDPDescriptor is the ACPI 1.0 root system descriptor pointer.
type RSDPDescriptor struct {
	// Signature is "RSD PTR " with a trailing space.
	Signature [8]byte

	// Checksum makes the byte sum of the descriptor zero.
	Checksum uint8
	OEMID    [6]byte

	// Revision is 0 for ACPI 1.0 and 2 for every later version.
	Revision uint8
	RSDTAddr uint32
}

// ExtRSDPDescriptor is the ACPI 2.0+ RSDP. It is only valid when Revision is
// non-zero.
type ExtRSDPDescriptor struct {
	RSDPDescriptor

	// Length is the number of bytes covered by ExtendedChecksum.
	Length           uint32
	XSDTAddr         uint64
	ExtendedChecksum uint8

	reserved [3]byte
}

// SDTHeader prefixes every system description table.
type SDTHeader struct {
	Signature [4]byte

	// Length includes the header.
	Length   uint32
	Revision uint8

	// Checksum makes the byte sum of the whole table zero.
	Checksum uint8

	OEMID           [6]byte
	OEMTableID      [8]byte
	OEMRevision     uint32
	CreatorID       uint32
	CreatorRevision uint32
}

// MADT is the multiple APIC description table. A sequence of variable sized
// records, each starting with a MADTEntry, follows the fixed fields.
type MADT struct {
	SDTHeader

	// LocalControllerAddress is the physical address of the local APIC
	// register window.
	LocalControllerAddress uint32
	Flags                  uint32
}

// MADTEntryType identifies a MADT record.
type MADTEntryType uint8

// MADT record types handled by the kernel.
const (
	MADTEntryTypeLocalAPIC MADTEntryType = iota
	MADTEntryTypeIOAPIC
	MADTEntryTypeIntSrcOverride
)

// MADTEntry is the record header. Length includes the header itself.
type MADTEntry struct {
	Type   MADTEntryType
	Length uint8
}

// The record payloads below are packed and decoded with struc.

// MADTEntryLocalAPIC announces a processor and its local APIC.
type MADTEntryLocalAPIC struct {
	ProcessorID uint8
	APICID      uint8

	// Bit 0 is set for usable processors.
	Flags uint32
}

// MADTEntryIOAPIC announces an I/O APIC whose inputs start at
// SysInterruptBase.
type MADTEntryIOAPIC struct {
	APICID           uint8
	Reserved         uint8
	Address          uint32
	SysInterruptBase uint32
}

// MADTEntryInterruptSrcOverride maps a legacy ISA IRQ onto a global system
// interrupt with its own polarity and trigger mode.
type MADTEntryInterruptSrcOverride struct {
	BusSrc          uint8
	IRQSrc          uint8
	GlobalInterrupt uint32
	Flags           uint16
}
