package device

import (
	"bytes"
	"copperos/kernel"
	"copperos/kernel/kfmt"
	"io"
	"sort"
)

// Driver is an interface implemented by all drivers.
type Driver interface {
	// DriverName returns the name of the driver.
	DriverName() string

	// DriverVersion returns the driver version.
	DriverVersion() (major uint16, minor uint16, patch uint16)

	// DriverInit initializes the device driver. If the driver init code
	// needs to log some output, it can use the supplied io.Writer in
	// conjunction with a call to kfmt.Fprint.
	DriverInit(io.Writer) *kernel.Error
}

// ProbeFn is a function that scans for the presence of a particular
// piece of hardware and returns a driver for it.
type ProbeFn func() Driver

// DetectOrder specifies when each driver's probe function will be invoked
// by the hardware detection code.
type DetectOrder int8

const (
	// DetectOrderEarly specifies that the driver's probe function should
	// be executed at the beginning of the HW detection phase. It is used
	// by drivers that provide the kernel log output.
	DetectOrderEarly DetectOrder = -128

	// DetectOrderBeforeACPI specifies that the driver's probe function
	// should be executed before attempting any ACPI-based HW detection.
	DetectOrderBeforeACPI = -127

	// DetectOrderACPI specifies that the driver's probe function should
	// be executed after parsing the ACPI tables.
	DetectOrderACPI = 0

	// DetectOrderLast specifies that the driver's probe function should
	// be executed at the end of the HW detection phase.
	DetectOrderLast = 127
)

// DriverInfo is a driver-defined struct that is passed to calls to RegisterDriver.
type DriverInfo struct {
	// Order specifies at which stage of the HW detection step should
	// the probe function be invoked.
	Order DetectOrder

	// Probe is a function that checks for the presence of a particular
	// piece of hardware and returns back a driver for it.
	Probe ProbeFn
}

// DriverInfoList is a list of registered drivers that implements sort.Interface.
type DriverInfoList []*DriverInfo

// Len returns the length of the driver info list.
func (l DriverInfoList) Len() int { return len(l) }

// Swap exchanges 2 elements in the driver info list.
func (l DriverInfoList) Swap(i, j int) { l[i], l[j] = l[j], l[i] }

// Less compares 2 elements of the driver info list.
func (l DriverInfoList) Less(i, j int) bool { return l[i].Order < l[j].Order }

var (
	// registeredDrivers tracks the drivers registered via RegisterDriver.
	registeredDrivers DriverInfoList

	strBuf bytes.Buffer
)

// RegisterDriver adds the supplied driver info to the list of drivers that
// are probed during hardware detection.
func RegisterDriver(info *DriverInfo) {
	registeredDrivers = append(registeredDrivers, info)
}

// DriverList returns the list of registered drivers.
func DriverList() DriverInfoList {
	return registeredDrivers
}

// ProbeAll invokes the probe function of every registered driver in
// detection order and initializes the drivers for the hardware that was
// found. Driver output is written to sink with a per-driver prefix. The
// supplied onInit callback, if not nil, is invoked for each successfully
// initialized driver before the next driver is probed so that, for example,
// an output device can become the log sink of the drivers that follow it.
func ProbeAll(sink io.Writer, onInit func(Driver)) []Driver {
	drivers := DriverList()
	sort.Stable(drivers)

	var (
		w      = kfmt.PrefixWriter{Sink: sink}
		active []Driver
	)

	for _, info := range drivers {
		drv := info.Probe()
		if drv == nil {
			continue
		}

		strBuf.Reset()
		major, minor, patch := drv.DriverVersion()
		kfmt.Fprintf(&strBuf, "[device] %s(%d.%d.%d): ", drv.DriverName(), major, minor, patch)
		w.Prefix = strBuf.Bytes()

		if err := drv.DriverInit(&w); err != nil {
			kfmt.Fprintf(&w, "init failed: %s\n", err.Message)
			continue
		}

		kfmt.Fprintf(&w, "initialized\n")
		active = append(active, drv)
		if onInit != nil {
			onInit(drv)
		}
	}

	return active
}
