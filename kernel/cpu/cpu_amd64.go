package cpu

var (
	cpuidFn = ID
)

const (
	// MSRFSBase holds the FS segment base used as the thread-local
	// storage pointer by both kernel and user threads.
	MSRFSBase = uint32(0xc0000100)

	// FPUStateSize is the size of the FXSAVE area. The area must be
	// 16-byte aligned.
	FPUStateSize = 512

	cpuidFeatureFXSR = 1 << 24
)

// EnableInterrupts enables interrupt handling.
func EnableInterrupts()

// DisableInterrupts disables interrupt handling.
func DisableInterrupts()

// InterruptsEnabled returns true if the IF flag is set for the current core.
func InterruptsEnabled() bool

// Halt stops instruction execution.
func Halt()

// WaitForInterrupt enables interrupts and halts the core until the next
// interrupt arrives. It is used by the per-core idle loop.
func WaitForInterrupt()

// Pause hints the core that it is executing a spin-wait loop.
func Pause()

// FlushTLBEntry flushes a TLB entry for a particular virtual address.
func FlushTLBEntry(virtAddr uintptr)

// SwitchPDT sets the root page table directory to point to the specified
// physical address and flushes the TLB.
func SwitchPDT(pdtPhysAddr uintptr)

// ActivePDT returns the physical address of the currently active page table.
func ActivePDT() uintptr

// ReadCR2 returns the value stored in the CR2 register.
func ReadCR2() uint64

// ReadTSC returns the current value of the time stamp counter.
func ReadTSC() uint64

// WriteMSR writes a 64-bit value to a model specific register.
func WriteMSR(reg uint32, value uint64)

// SaveFPU stores the x87/SSE state of the current core to the 16-byte
// aligned area at the supplied address.
func SaveFPU(area uintptr)

// RestoreFPU loads the x87/SSE state stored at the supplied address.
func RestoreFPU(area uintptr)

// SwitchStack pushes the callee-saved registers to the current stack, stores
// the resulting stack pointer to saveSP and then pops the registers of the
// stack pointed to by newSP before returning on it. A stack prepared for a
// thread that never ran must contain six zeroed register slots followed by the
// address of its entry trampoline.
func SwitchStack(saveSP *uintptr, newSP uintptr)

// EnterContext loads the register image at ctx and returns through it using
// IRETQ. The image must start with the fifteen general purpose registers
// followed by the RIP, CS, RFLAGS, RSP and SS slots of an interrupt frame and
// the FS base. EnterContext never returns.
func EnterContext(ctx uintptr)

// PortWriteByte writes a byte to the supplied I/O port.
func PortWriteByte(port uint16, val uint8)

// PortReadByte reads a byte from the supplied I/O port.
func PortReadByte(port uint16) uint8

// ID returns information about the CPU and its features. It
// is implemented as a CPUID instruction with EAX=leaf and
// returns the values in EAX, EBX, ECX and EDX.
func ID(leaf uint32) (uint32, uint32, uint32, uint32)

// IsIntel returns true if the code is running on an Intel processor.
func IsIntel() bool {
	_, ebx, ecx, edx := cpuidFn(0)
	return ebx == 0x756e6547 && // "Genu"
		edx == 0x49656e69 && // "ineI"
		ecx == 0x6c65746e // "ntel"
}

// APICID returns the initial local APIC id of the core executing this call.
func APICID() uint8 {
	_, ebx, _, _ := cpuidFn(1)
	return uint8(ebx >> 24)
}

// HasFXSR returns true if the core supports the FXSAVE/FXRSTOR instructions.
func HasFXSR() bool {
	_, _, _, edx := cpuidFn(1)
	return edx&cpuidFeatureFXSR != 0
}
