package device

import (
	"copperos/kernel"
	"copperos/kernel/gate"
	"copperos/kernel/kfmt"
	"copperos/kernel/sync"
	"copperos/kernel/task"
	"io"
	"sync/atomic"
)

var (
	// The following functions are mocked by tests.
	createKernelThreadFn = task.CreateKernelThread
	handleInterruptFn    = gate.HandleInterrupt
)

// IRQHandler services a device interrupt. It runs on a kernel worker thread
// with interrupts enabled and may block. Any output written to w is prefixed
// with the worker name.
type IRQHandler func(w io.Writer)

// InputHandler consumes a byte received by an input device. It is invoked
// from the device's IRQ worker.
type InputHandler func(b byte, w io.Writer)

// IRQWorker defers the handling of a device interrupt to a kernel thread. The
// interrupt gate only triggers the worker's event; the worker thread blocks
// on the event and invokes the handler once per delivered interrupt.
type IRQWorker struct {
	name    string
	irq     gate.InterruptNumber
	tid     task.ThreadID
	handler IRQHandler

	ev      sync.Event
	out     kfmt.PrefixWriter
	handled uint64
	stopped uint32
}

// StartIRQWorker creates a kernel thread that runs handler each time the
// interrupt irq is raised.
func StartIRQWorker(name string, irq gate.InterruptNumber, handler IRQHandler) (*IRQWorker, *kernel.Error) {
	w := &IRQWorker{
		name:    name,
		irq:     irq,
		handler: handler,
		out: kfmt.PrefixWriter{
			Sink:   kfmt.Output,
			Prefix: []byte("[" + name + "] "),
		},
	}

	tid, err := createKernelThreadFn(w.run)
	if err != nil {
		return nil, err
	}
	w.tid = tid

	handleInterruptFn(irq, 0, w.onInterrupt)
	kfmt.Printf("[device] %s: servicing vector %d on kernel thread %d\n", name, uint8(irq), uint32(tid))
	return w, nil
}

// Name returns the worker name.
func (w *IRQWorker) Name() string { return w.name }

// ThreadID returns the id of the kernel thread that runs the handler.
func (w *IRQWorker) ThreadID() task.ThreadID { return w.tid }

// Handled returns the number of interrupts serviced so far.
func (w *IRQWorker) Handled() uint64 {
	return atomic.LoadUint64(&w.handled)
}

// Stop makes the worker thread exit once it has serviced the interrupts that
// were delivered before the call. Interrupts raised afterwards are ignored.
func (w *IRQWorker) Stop() {
	if !atomic.CompareAndSwapUint32(&w.stopped, 0, 1) {
		return
	}
	w.ev.Trigger()
}

func (w *IRQWorker) onInterrupt(_ *gate.Registers) {
	if atomic.LoadUint32(&w.stopped) == 1 {
		return
	}
	w.ev.TriggerFromInterrupt()
}

func (w *IRQWorker) run() {
	for {
		if err := w.ev.Await(); err != nil {
			continue
		}

		if atomic.LoadUint32(&w.stopped) == 1 && w.ev.Count() == 0 {
			return
		}

		w.handler(&w.out)
		atomic.AddUint64(&w.handled, 1)
	}
}
