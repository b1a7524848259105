// Package serial implements a driver for 16550-compatible UARTs. The first
// port found is used as the kernel log output.
package serial

import (
	"copperos/device"
	"copperos/kernel"
	"copperos/kernel/cpu"
	"copperos/kernel/kfmt"
	"io"
)

// Register offsets relative to the port base.
const (
	regData         = 0
	regIntEnable    = 1
	regFIFOControl  = 2
	regLineControl  = 3
	regModemControl = 4
	regLineStatus   = 5
	regScratch      = 7

	lineDLAB = 0x80
	line8N1  = 0x03

	fifoEnableClear14 = 0xc7

	modemDTRRTSOut2 = 0x0b
	modemLoopback   = 0x1e

	statusDataReady = 0x01
	statusTxEmpty   = 0x20

	intRxAvailable = 0x01

	// baudDivisor selects 115200 baud.
	baudDivisor = 1

	// txSpinLimit bounds the wait for the transmitter holding register.
	txSpinLimit = 1 << 16

	com1Base = 0x3f8
	com1IRQ  = 4
)

var (
	errLoopbackFailed = &kernel.Error{Module: "serial", Message: "loopback self-test failed"}

	// The following functions are mocked by tests.
	portWriteByteFn = cpu.PortWriteByte
	portReadByteFn  = cpu.PortReadByte
)

// Port is a 16550 UART driver. It implements io.Writer so that it can be used
// as the kernel output sink.
type Port struct {
	base    uint16
	irq     uint8
	onInput device.InputHandler
}

// Write transmits data, translating line feeds into CR/LF pairs.
func (p *Port) Write(data []byte) (int, error) {
	for _, b := range data {
		if b == '\n' {
			p.putc('\r')
		}
		p.putc(b)
	}
	return len(data), nil
}

func (p *Port) putc(b byte) {
	for spin := 0; spin < txSpinLimit && portReadByteFn(p.base+regLineStatus)&statusTxEmpty == 0; spin++ {
	}
	portWriteByteFn(p.base+regData, b)
}

// SetInputHandler registers the function that receives the input bytes.
func (p *Port) SetInputHandler(fn device.InputHandler) {
	p.onInput = fn
}

// DriverIRQ returns the legacy IRQ line of the port and the handler that
// drains its receive buffer.
func (p *Port) DriverIRQ() (uint8, device.IRQHandler) {
	return p.irq, p.drainInput
}

// EnableIRQ enables the receive interrupt of the port.
func (p *Port) EnableIRQ() {
	portWriteByteFn(p.base+regIntEnable, intRxAvailable)
}

// drainInput reads all pending bytes and passes them to the input handler.
func (p *Port) drainInput(w io.Writer) {
	for portReadByteFn(p.base+regLineStatus)&statusDataReady != 0 {
		b := portReadByteFn(p.base + regData)
		if p.onInput != nil {
			p.onInput(b, w)
		}
	}
}

// DriverName returns the name of this driver.
func (*Port) DriverName() string {
	return "serial_16550"
}

// DriverVersion returns the version of this driver.
func (*Port) DriverVersion() (uint16, uint16, uint16) {
	return 0, 1, 0
}

// DriverInit programs the port for 115200 8N1 operation with FIFOs enabled
// and verifies it via a loopback self-test.
func (p *Port) DriverInit(w io.Writer) *kernel.Error {
	portWriteByteFn(p.base+regIntEnable, 0)
	portWriteByteFn(p.base+regLineControl, lineDLAB)
	portWriteByteFn(p.base+regData, baudDivisor&0xff)
	portWriteByteFn(p.base+regIntEnable, baudDivisor>>8)
	portWriteByteFn(p.base+regLineControl, line8N1)
	portWriteByteFn(p.base+regFIFOControl, fifoEnableClear14)

	portWriteByteFn(p.base+regModemControl, modemLoopback)
	portWriteByteFn(p.base+regData, 0xae)
	if portReadByteFn(p.base+regData) != 0xae {
		return errLoopbackFailed
	}
	portWriteByteFn(p.base+regModemControl, modemDTRRTSOut2)

	kfmt.Fprintf(w, "port 0x%x, irq %d\n", p.base, p.irq)
	return nil
}

// probe checks that the scratch register of the port retains a written value.
func probe(base uint16, irq uint8) device.Driver {
	portWriteByteFn(base+regScratch, 0x5a)
	if portReadByteFn(base+regScratch) != 0x5a {
		return nil
	}

	return &Port{base: base, irq: irq}
}

func probeForCOM1() device.Driver {
	return probe(com1Base, com1IRQ)
}

func init() {
	device.RegisterDriver(&device.DriverInfo{
		Order: device.DetectOrderEarly,
		Probe: probeForCOM1,
	})
}
