// Package smp tracks the processors in the system and implements the local
// APIC operations used for inter-processor signaling.
package smp

import (
	"copperos/kernel"
	"copperos/kernel/cpu"
	"copperos/kernel/gate"
	"copperos/kernel/kfmt"
	"copperos/kernel/sync"
	"sync/atomic"
)

// MaxCPUs is the maximum number of processors supported by the kernel.
const MaxCPUs = 64

var (
	errTooManyCPUs = &kernel.Error{Module: "smp", Message: "too many processors"}

	// currentCPUFn returns the local APIC id of the calling core. It is
	// mocked by tests.
	currentCPUFn = cpu.APICID

	cpus      [MaxCPUs]CPU
	cpuCount  int
	maxCPUs   = MaxCPUs
	apicToCPU [256]int8
)

// CPU holds the state that is local to a processor core.
type CPU struct {
	// ID is the logical index of the core. The bootstrap core is 0.
	ID int

	// APICID is the local APIC id of the core.
	APICID uint8

	online uint32

	// ReschedLock prevents the core from re-entering its dispatch path.
	ReschedLock sync.Spinlock

	// AbortAck is signaled by the core once it has processed an abort
	// IPI.
	AbortAck sync.AckFlag

	// ReschedAck is signaled by the core once it has processed a
	// reschedule IPI.
	ReschedAck sync.AckFlag

	// IdleSP holds the kernel stack pointer of the core's idle context
	// while a thread runs on it.
	IdleSP uintptr

	// LastSchedule is the uptime in milliseconds when the core last ran
	// its scheduler.
	LastSchedule uint64
}

// Online returns true if the core is running its scheduler.
func (c *CPU) Online() bool {
	return atomic.LoadUint32(&c.online) == 1
}

// SetOnline marks the core as running its scheduler.
func (c *CPU) SetOnline() {
	atomic.StoreUint32(&c.online, 1)
}

// Init registers the bootstrap core and limits the number of cores that can
// be registered to limit.
func Init(limit int) {
	if limit <= 0 || limit > MaxCPUs {
		limit = MaxCPUs
	}
	maxCPUs = limit

	for i := range apicToCPU {
		apicToCPU[i] = -1
	}
	cpuCount = 0

	bsp, _ := RegisterCPU(currentCPUFn())
	bsp.SetOnline()

	kfmt.SetHaltOtherCores(haltOtherCores)
	gate.SetEOIHandler(EOI)
}

// RegisterCPU adds a core with the given local APIC id. Registering a core
// twice returns the existing record.
func RegisterCPU(apicID uint8) (*CPU, *kernel.Error) {
	if id := apicToCPU[apicID]; id >= 0 {
		return &cpus[id], nil
	}

	if cpuCount == maxCPUs {
		return nil, errTooManyCPUs
	}

	c := &cpus[cpuCount]
	*c = CPU{ID: cpuCount, APICID: apicID}
	apicToCPU[apicID] = int8(cpuCount)
	cpuCount++

	kfmt.Printf("[smp] registered cpu %d (apic id: %d)\n", c.ID, uint64(apicID))
	return c, nil
}

// Count returns the number of registered cores.
func Count() int {
	return cpuCount
}

// Get returns the core with the given logical id.
func Get(id int) *CPU {
	return &cpus[id]
}

// Current returns the record for the calling core.
func Current() *CPU {
	return &cpus[apicToCPU[currentCPUFn()]]
}

// SendIPI raises vector on the target core.
func SendIPI(target *CPU, vector gate.InterruptNumber) {
	sendIPIFn(target.APICID, vector)
}

// BroadcastIPI raises vector on every online core except the calling one.
func BroadcastIPI(vector gate.InterruptNumber) {
	self := Current()
	for i := 0; i < cpuCount; i++ {
		if c := &cpus[i]; c != self && c.Online() {
			sendIPIFn(c.APICID, vector)
		}
	}
}

// RequestAbort sends an abort IPI to target and blocks until the target core
// acknowledges it.
func RequestAbort(target *CPU) {
	target.AbortAck.Reset()
	SendIPI(target, gate.AbortIPIVector)
	target.AbortAck.Wait()
}
