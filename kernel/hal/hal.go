// Package hal detects the hardware, attaches the kernel log to the first
// output device and moves device interrupt handling onto kernel threads.
package hal

import (
	"copperos/device"
	"copperos/device/acpi"
	_ "copperos/device/serial" // register the UART driver
	"copperos/kernel/gate"
	"copperos/kernel/kfmt"
	"copperos/kernel/task"
	"io"
)

// irqDriver is implemented by drivers that service their interrupts on a
// kernel worker thread.
type irqDriver interface {
	device.Driver

	// DriverIRQ returns the legacy IRQ line used by the device and the
	// handler to run on the worker thread.
	DriverIRQ() (uint8, device.IRQHandler)

	// EnableIRQ unmasks interrupts at the device.
	EnableIRQ()
}

// inputDriver is implemented by drivers that receive bytes from the user.
type inputDriver interface {
	SetInputHandler(device.InputHandler)
}

// managedDevices contains the devices discovered by the HAL.
type managedDevices struct {
	activeConsole io.Writer

	// activeDrivers tracks all initialized device drivers.
	activeDrivers []device.Driver

	workers []*device.IRQWorker
}

var (
	devices managedDevices

	// The following functions are mocked by tests.
	probeAllFn       = device.ProbeAll
	setOutputSinkFn  = kfmt.SetOutputSink
	routeIRQFn       = acpi.RouteIRQ
	startIRQWorkerFn = device.StartIRQWorker
	dumpStateFn      = task.DumpState
	statsFn          = task.Stats
)

// ActiveConsole returns the device that receives the kernel log or nil if no
// output device was found.
func ActiveConsole() io.Writer {
	return devices.activeConsole
}

// DetectHardware probes for hardware devices and initializes the appropriate
// drivers.
func DetectHardware() {
	devices.activeDrivers = probeAllFn(kfmt.Output, onDriverInit)
}

// onDriverInit is invoked by the probe loop whenever a piece of hardware is
// detected and successfully initialized. The first driver that implements
// io.Writer becomes the kernel output sink; any output buffered so far is
// flushed to it.
func onDriverInit(drv device.Driver) {
	if devices.activeConsole != nil {
		return
	}

	if w, ok := drv.(io.Writer); ok {
		devices.activeConsole = w
		setOutputSinkFn(w)
	}
}

// StartDeviceWorkers routes the interrupts of the active drivers that support
// them to the bootstrap processor and starts a kernel worker thread for each
// one. Input devices are connected to the kernel debug console. It must be
// invoked after the scheduler has been initialized.
func StartDeviceWorkers() {
	for _, drv := range devices.activeDrivers {
		dev, ok := drv.(irqDriver)
		if !ok {
			continue
		}

		if in, ok := drv.(inputDriver); ok {
			in.SetInputHandler(debugConsole)
		}

		line, handler := dev.DriverIRQ()
		vector := gate.IRQ(line)
		if err := routeIRQFn(line, vector); err != nil {
			kfmt.Printf("[hal] %s: unable to route irq %d: %s\n", dev.DriverName(), line, err.Message)
			continue
		}

		worker, err := startIRQWorkerFn(dev.DriverName(), vector, handler)
		if err != nil {
			kfmt.Printf("[hal] %s: unable to start irq worker: %s\n", dev.DriverName(), err.Message)
			continue
		}

		devices.workers = append(devices.workers, worker)
		dev.EnableIRQ()
	}
}

// debugConsole reacts to single key commands typed on an input device.
func debugConsole(b byte, w io.Writer) {
	switch b {
	case 'd':
		dumpStateFn(w)
	case 's':
		stats := statsFn()
		kfmt.Fprintf(w, "processes: %d, threads: %d, uptime: %dms, context switches: %d\n",
			stats.Processes, stats.Threads, stats.Uptime, stats.Switches)
	case 'h', '?':
		kfmt.Fprintf(w, "d: dump scheduler state, s: scheduler stats\n")
	}
}
