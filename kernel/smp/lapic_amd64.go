package smp

import (
	"copperos/kernel/cpu"
	"copperos/kernel/gate"
	"unsafe"
)

// Local APIC register offsets.
const (
	lapicRegEOI         = 0xb0
	lapicRegSpurious    = 0xf0
	lapicRegICRLow      = 0x300
	lapicRegICRHigh     = 0x310
	lapicRegLVTTimer    = 0x320
	lapicRegTimerInit   = 0x380
	lapicRegTimerDivide = 0x3e0

	icrDeliveryPending  = 1 << 12
	icrDeliveryNMI      = 4 << 8
	icrAllExcludingSelf = 3 << 18

	lvtTimerPeriodic = 1 << 17
	spuriousEnable   = 1 << 8

	// timerDivideBy16 selects a divider of 16 for the timer input clock.
	timerDivideBy16 = 0x3
)

var (
	// lapicBase is the virtual address where the local APIC registers
	// are mapped.
	lapicBase uintptr

	// sendIPIFn is used by tests.
	sendIPIFn = sendIPI

	pauseFn = cpu.Pause
)

// SetLAPICBase sets the virtual address of the local APIC register window.
func SetLAPICBase(base uintptr) {
	lapicBase = base
}

func readLAPIC(reg uintptr) uint32 {
	return *(*uint32)(unsafe.Pointer(lapicBase + reg))
}

func writeLAPIC(reg uintptr, value uint32) {
	*(*uint32)(unsafe.Pointer(lapicBase + reg)) = value
}

// EnableLAPIC software-enables the local APIC of the calling core.
func EnableLAPIC() {
	writeLAPIC(lapicRegSpurious, spuriousEnable|uint32(gate.SpuriousVector))
}

// EOI signals the end of interrupt handling to the local APIC.
func EOI() {
	if lapicBase != 0 {
		writeLAPIC(lapicRegEOI, 0)
	}
}

// StartTimer programs the local APIC timer of the calling core to raise
// vector periodically every initialCount bus ticks divided by 16.
func StartTimer(vector gate.InterruptNumber, initialCount uint32) {
	writeLAPIC(lapicRegTimerDivide, timerDivideBy16)
	writeLAPIC(lapicRegLVTTimer, lvtTimerPeriodic|uint32(vector))
	writeLAPIC(lapicRegTimerInit, initialCount)
}

func waitDelivery() {
	for readLAPIC(lapicRegICRLow)&icrDeliveryPending != 0 {
		pauseFn()
	}
}

// sendIPI delivers a fixed interrupt to the core with the given APIC id.
func sendIPI(apicID uint8, vector gate.InterruptNumber) {
	waitDelivery()
	writeLAPIC(lapicRegICRHigh, uint32(apicID)<<24)
	writeLAPIC(lapicRegICRLow, uint32(vector))
	waitDelivery()
}

// haltOtherCores sends an NMI to every other core. The NMI handler halts the
// receiving core.
func haltOtherCores() {
	if lapicBase == 0 {
		return
	}

	writeLAPIC(lapicRegICRHigh, 0)
	writeLAPIC(lapicRegICRLow, icrAllExcludingSelf|icrDeliveryNMI)
}
