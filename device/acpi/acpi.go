// Package acpi discovers the processors and I/O interrupt controllers of the
// system by parsing the ACPI multiple APIC description table (MADT).
package acpi

import (
	"bytes"
	"copperos/device"
	"copperos/device/acpi/table"
	"copperos/kernel"
	"copperos/kernel/cpu"
	"copperos/kernel/gate"
	"copperos/kernel/kfmt"
	"copperos/kernel/mm"
	"copperos/kernel/mm/vmm"
	"copperos/kernel/smp"
	"copperos/multiboot"
	"encoding/binary"
	"io"
	"unsafe"

	"github.com/lunixbochs/struc"
	"github.com/pkg/errors"
)

const (
	acpiRev1 uint8 = 0

	// mmioWindowBase is the start of the kernel virtual region where
	// device register windows are mapped uncached.
	mmioWindowBase = uintptr(0xffffff0000000000)

	// madtPCATCompat is set in the MADT flags if the system also has
	// a pair of legacy 8259 PICs which must be masked.
	madtPCATCompat = 1

	lapicEnabled = 1

	ioapicRegSelect   = 0x00
	ioapicRegWindow   = 0x10
	ioapicRegVersion  = 0x01
	ioapicRegRedirTbl = 0x10

	redirActiveLow = 1 << 13
	redirLevel     = 1 << 15

	// MPS INTI flag encodings used by interrupt source overrides.
	intiPolarityMask = 0x3
	intiActiveLow    = 0x3
	intiTriggerShift = 2
	intiLevel        = 0x3

	picMasterData = 0x21
	picSlaveData  = 0xa1
)

var (
	errMissingRSDP           = &kernel.Error{Module: "acpi", Message: "could not locate ACPI RSDP"}
	errTableChecksumMismatch = &kernel.Error{Module: "acpi", Message: "detected checksum mismatch while parsing ACPI table header"}
	errMissingMADT           = &kernel.Error{Module: "acpi", Message: "could not locate the MADT"}
	errMalformedMADT         = &kernel.Error{Module: "acpi", Message: "malformed MADT entry"}
	errNoIOAPIC              = &kernel.Error{Module: "acpi", Message: "no I/O APIC handles the requested interrupt"}

	// The following functions are mocked by tests.
	mapMMIOFn         = mapMMIO
	registerCPUFn     = smp.RegisterCPU
	setLAPICBaseFn    = smp.SetLAPICBase
	portWriteByteFn   = cpu.PortWriteByte
	ioapicReadFn      = ioapicRead
	ioapicWriteFn     = ioapicWrite
	bootstrapAPICIDFn = func() uint8 { return smp.Get(0).APICID }
	bootloaderRSDPFn  = multiboot.RSDPAddr

	// RDSP must be located in the physical memory region 0xe0000 to 0xfffff
	rsdpLocationLow uintptr = 0xe0000
	rsdpLocationHi  uintptr = 0xfffff
	rsdpAlignment   uintptr = 16

	rsdpSignature = [8]byte{'R', 'S', 'D', ' ', 'P', 'T', 'R', ' '}
	madtSignature = "APIC"

	mmioNext = mmioWindowBase

	ioAPICs   []ioAPIC
	overrides [16]irqOverride
)

// ioAPIC is an I/O interrupt controller handling gsiCount global system
// interrupts starting at gsiBase.
type ioAPIC struct {
	id       uint8
	regs     uintptr
	gsiBase  uint32
	gsiCount uint32
}

// irqOverride remaps a legacy ISA IRQ to a global system interrupt.
type irqOverride struct {
	valid bool
	gsi   uint32
	flags uint16
}

type acpiDriver struct {
	// rsdtAddr holds the address to the root system descriptor table.
	rsdtAddr uintptr

	// useXSDT specifies if the driver must use the XSDT or the RSDT table.
	useXSDT bool

	cpuCount int
}

// DriverInit initializes this driver.
func (drv *acpiDriver) DriverInit(w io.Writer) *kernel.Error {
	madt, err := drv.findTable(w, madtSignature)
	if err != nil {
		return err
	}

	return drv.parseMADT(w, (*table.MADT)(unsafe.Pointer(madt)))
}

// DriverName returns the name of this driver.
func (*acpiDriver) DriverName() string {
	return "ACPI"
}

// DriverVersion returns the version of this driver.
func (*acpiDriver) DriverVersion() (uint16, uint16, uint16) {
	return 0, 1, 0
}

// findTable scans the tables listed by the RSDT (or XSDT) and returns the
// header of the first valid table with the requested signature. Tables with
// a checksum mismatch are skipped.
func (drv *acpiDriver) findTable(w io.Writer, signature string) (*table.SDTHeader, *kernel.Error) {
	header, sizeofHeader, err := tableAt(drv.rsdtAddr)
	if err != nil {
		return nil, err
	}

	var (
		payloadLen = uintptr(header.Length) - sizeofHeader
		entrySize  = uintptr(4)
		entryCount uintptr
		curPtr     = mm.PhysToVirt(drv.rsdtAddr) + sizeofHeader
	)

	// RSDT uses 4-byte long pointers whereas the XSDT uses 8-byte long.
	if drv.useXSDT {
		entrySize = 8
	}
	entryCount = payloadLen / entrySize

	for i := uintptr(0); i < entryCount; i, curPtr = i+1, curPtr+entrySize {
		var addr uintptr
		if drv.useXSDT {
			addr = uintptr(*(*uint64)(unsafe.Pointer(curPtr)))
		} else {
			addr = uintptr(*(*uint32)(unsafe.Pointer(curPtr)))
		}

		if header, _, err = tableAt(addr); err != nil {
			kfmt.Fprintf(w, "%s at 0x%16x %6x [checksum mismatch; skipping]\n",
				string(header.Signature[:]),
				addr,
				header.Length,
			)
			continue
		}

		if string(header.Signature[:]) == signature {
			return header, nil
		}
	}

	return nil, errMissingMADT
}

// parseMADT registers the enabled processors with the smp package, records
// the I/O APICs and the legacy IRQ overrides and maps the local APIC register
// window.
func (drv *acpiDriver) parseMADT(w io.Writer, madt *table.MADT) *kernel.Error {
	var (
		base   = uintptr(unsafe.Pointer(madt))
		end    = base + uintptr(madt.Length)
		curPtr = base + unsafe.Sizeof(*madt)
	)

	for curPtr+2 <= end {
		entry := (*table.MADTEntry)(unsafe.Pointer(curPtr))
		if entry.Length < 2 || curPtr+uintptr(entry.Length) > end {
			return errMalformedMADT
		}

		payload := unsafe.Slice((*byte)(unsafe.Pointer(curPtr+2)), int(entry.Length)-2)
		if err := drv.parseEntry(w, entry.Type, payload); err != nil {
			kfmt.Fprintf(w, "%s\n", err.Error())
			return errMalformedMADT
		}

		curPtr += uintptr(entry.Length)
	}

	if madt.Flags&madtPCATCompat != 0 {
		portWriteByteFn(picMasterData, 0xff)
		portWriteByteFn(picSlaveData, 0xff)
	}

	lapicBase, err := mapMMIOFn(uintptr(madt.LocalControllerAddress))
	if err != nil {
		return err
	}
	setLAPICBaseFn(lapicBase)

	kfmt.Fprintf(w, "%d processor(s), %d I/O APIC(s), local APIC at 0x%x\n",
		drv.cpuCount, len(ioAPICs), uint64(madt.LocalControllerAddress))
	return nil
}

func (drv *acpiDriver) parseEntry(w io.Writer, entryType table.MADTEntryType, payload []byte) error {
	switch entryType {
	case table.MADTEntryTypeLocalAPIC:
		var lapic table.MADTEntryLocalAPIC
		if err := decodeEntry(payload, &lapic); err != nil {
			return errors.Wrap(err, "local APIC entry")
		}

		if lapic.Flags&lapicEnabled == 0 {
			return nil
		}

		if _, kerr := registerCPUFn(lapic.APICID); kerr != nil {
			kfmt.Fprintf(w, "ignoring processor with APIC id %d: %s\n", lapic.APICID, kerr.Message)
			return nil
		}
		drv.cpuCount++
	case table.MADTEntryTypeIOAPIC:
		var entry table.MADTEntryIOAPIC
		if err := decodeEntry(payload, &entry); err != nil {
			return errors.Wrap(err, "I/O APIC entry")
		}

		regs, kerr := mapMMIOFn(uintptr(entry.Address))
		if kerr != nil {
			return errors.Errorf("unable to map I/O APIC %d: %s", entry.APICID, kerr.Message)
		}

		ctrl := ioAPIC{id: entry.APICID, regs: regs, gsiBase: entry.SysInterruptBase}
		ctrl.gsiCount = ((ioapicReadFn(regs, ioapicRegVersion) >> 16) & 0xff) + 1
		ioAPICs = append(ioAPICs, ctrl)
	case table.MADTEntryTypeIntSrcOverride:
		var iso table.MADTEntryInterruptSrcOverride
		if err := decodeEntry(payload, &iso); err != nil {
			return errors.Wrap(err, "interrupt source override entry")
		}

		if iso.BusSrc == 0 && int(iso.IRQSrc) < len(overrides) {
			overrides[iso.IRQSrc] = irqOverride{valid: true, gsi: iso.GlobalInterrupt, flags: iso.Flags}
		}
	}

	return nil
}

// decodeEntry unpacks a little-endian MADT record payload into v.
func decodeEntry(payload []byte, v interface{}) error {
	if err := struc.UnpackWithOrder(bytes.NewReader(payload), v, binary.LittleEndian); err != nil {
		return errors.Wrapf(err, "unable to decode %d byte MADT record", len(payload))
	}
	return nil
}

// RouteIRQ programs the I/O APIC that handles the legacy IRQ line so that
// the interrupt is delivered as vector to the bootstrap processor.
func RouteIRQ(line uint8, vector gate.InterruptNumber) *kernel.Error {
	var (
		gsi   = uint32(line)
		flags uint16
	)
	if int(line) < len(overrides) && overrides[line].valid {
		gsi, flags = overrides[line].gsi, overrides[line].flags
	}

	for _, ctrl := range ioAPICs {
		if gsi < ctrl.gsiBase || gsi >= ctrl.gsiBase+ctrl.gsiCount {
			continue
		}

		low := uint32(vector)
		if flags&intiPolarityMask == intiActiveLow {
			low |= redirActiveLow
		}
		if (flags>>intiTriggerShift)&intiPolarityMask == intiLevel {
			low |= redirLevel
		}

		pin := gsi - ctrl.gsiBase
		ioapicWriteFn(ctrl.regs, ioapicRegRedirTbl+2*pin+1, uint32(bootstrapAPICIDFn())<<24)
		ioapicWriteFn(ctrl.regs, ioapicRegRedirTbl+2*pin, low)
		return nil
	}

	return errNoIOAPIC
}

func ioapicRead(regs uintptr, reg uint32) uint32 {
	*(*uint32)(unsafe.Pointer(regs + ioapicRegSelect)) = reg
	return *(*uint32)(unsafe.Pointer(regs + ioapicRegWindow))
}

func ioapicWrite(regs uintptr, reg, val uint32) {
	*(*uint32)(unsafe.Pointer(regs + ioapicRegSelect)) = reg
	*(*uint32)(unsafe.Pointer(regs + ioapicRegWindow)) = val
}

// mapMMIO maps the page containing physAddr into the MMIO window with
// caching disabled and returns the virtual address for physAddr.
func mapMMIO(physAddr uintptr) (uintptr, *kernel.Error) {
	virt := mmioNext
	err := vmm.KernelAddressSpace().Map(physAddr&^(mm.PageSize-1), virt, vmm.FlagRW|vmm.FlagDoNotCache|vmm.FlagNoExecute)
	if err != nil {
		return 0, err
	}

	mmioNext += mm.PageSize
	return virt + vmm.PageOffset(physAddr), nil
}

// tableAt returns the header of the ACPI table at physical address
// tableAddr. The table contents are accessed through the direct map. If the
// table checksum is invalid, the header is returned together with
// errTableChecksumMismatch.
func tableAt(tableAddr uintptr) (header *table.SDTHeader, sizeofHeader uintptr, err *kernel.Error) {
	sizeofHeader = unsafe.Sizeof(table.SDTHeader{})
	headerAddr := mm.PhysToVirt(tableAddr)
	header = (*table.SDTHeader)(unsafe.Pointer(headerAddr))

	if !validTable(headerAddr, header.Length) {
		err = errTableChecksumMismatch
	}

	return header, sizeofHeader, err
}

// locateRSDT returns the physical address of the root system descriptor table
// (RSDT) or, if the system supports ACPI 2.0+, the extended system descriptor
// table (XSDT). A root system descriptor pointer (RSDP) handed over by the
// bootloader takes precedence; otherwise the memory region
// [rsdpLocationLow, rsdpLocationHi] is scanned for the RSDP signature.
func locateRSDT() (uintptr, bool, *kernel.Error) {
	if ptr := bootloaderRSDPFn(); ptr != 0 {
		if rsdtAddr, useXSDT, ok := checkRSDP(ptr); ok {
			return rsdtAddr, useXSDT, nil
		}
	}

	// The RSDP should be aligned on a 16-byte boundary
	for curPtr := mm.PhysToVirt(rsdpLocationLow); curPtr < mm.PhysToVirt(rsdpLocationHi); curPtr += rsdpAlignment {
		if rsdtAddr, useXSDT, ok := checkRSDP(curPtr); ok {
			return rsdtAddr, useXSDT, nil
		}
	}

	return 0, false, errMissingRSDP
}

// checkRSDP validates the RSDP candidate at ptr and returns the address of
// the table it points to.
func checkRSDP(ptr uintptr) (uintptr, bool, bool) {
	rsdp := (*table.RSDPDescriptor)(unsafe.Pointer(ptr))
	if rsdp.Signature != rsdpSignature {
		return 0, false, false
	}

	if rsdp.Revision == acpiRev1 {
		if !validTable(ptr, uint32(unsafe.Sizeof(*rsdp))) {
			return 0, false, false
		}

		return uintptr(rsdp.RSDTAddr), false, true
	}

	// ACPI 2.0+ systems provide an extended RSDP at the same place.
	rsdp2 := (*table.ExtRSDPDescriptor)(unsafe.Pointer(ptr))
	if !validTable(ptr, rsdp2.Length) {
		return 0, false, false
	}

	return uintptr(rsdp2.XSDTAddr), true, true
}

// validTable calculates the checksum for an ACPI table of length tableLength
// that starts at tablePtr and returns true if the table is valid.
func validTable(tablePtr uintptr, tableLength uint32) bool {
	var (
		i   uint32
		sum uint8
	)

	for i = 0; i < tableLength; i++ {
		sum += *(*uint8)(unsafe.Pointer(tablePtr + uintptr(i)))
	}

	return sum == 0
}

func probeForACPI() device.Driver {
	if rsdtAddr, useXSDT, err := locateRSDT(); err == nil {
		return &acpiDriver{
			rsdtAddr: rsdtAddr,
			useXSDT:  useXSDT,
		}
	}

	return nil
}

func init() {
	device.RegisterDriver(&device.DriverInfo{
		Order: device.DetectOrderACPI,
		Probe: probeForACPI,
	})
}
