package device

import (
	"bytes"
	"copperos/kernel"
	"copperos/kernel/gate"
	"copperos/kernel/kfmt"
	"copperos/kernel/task"
	"io"
	"testing"
)

func TestStartIRQWorker(t *testing.T) {
	defer func(origCreate func(func()) (task.ThreadID, *kernel.Error), origHandle func(gate.InterruptNumber, uint8, func(*gate.Registers))) {
		createKernelThreadFn = origCreate
		handleInterruptFn = origHandle
	}(createKernelThreadFn, handleInterruptFn)

	var (
		workerFn    func()
		gateHandler func(*gate.Registers)
		vector      gate.InterruptNumber
	)
	createKernelThreadFn = func(fn func()) (task.ThreadID, *kernel.Error) {
		workerFn = fn
		return 7, nil
	}
	handleInterruptFn = func(intNumber gate.InterruptNumber, _ uint8, handler func(*gate.Registers)) {
		vector = intNumber
		gateHandler = handler
	}

	w, err := StartIRQWorker("kbd", gate.IRQ(1), func(out io.Writer) {
		kfmt.Fprintf(out, "scancode\n")
	})
	if err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	w.out.Sink = &buf

	if w.Name() != "kbd" || w.ThreadID() != 7 {
		t.Fatalf("unexpected worker identity: %s/%d", w.Name(), w.ThreadID())
	}
	if exp := gate.IRQ(1); vector != exp {
		t.Fatalf("expected handler to be installed for vector %d; got %d", exp, vector)
	}

	gateHandler(nil)
	gateHandler(nil)
	w.Stop()
	w.Stop()
	gateHandler(nil)

	// All triggers are pending so the worker loop never blocks.
	workerFn()

	if exp, got := uint64(2), w.Handled(); got != exp {
		t.Fatalf("expected %d interrupts to be serviced; got %d", exp, got)
	}
	if exp, got := "[kbd] scancode\n[kbd] scancode\n", buf.String(); got != exp {
		t.Fatalf("expected handler output %q; got %q", exp, got)
	}
	if w.ev.Count() != 0 {
		t.Fatalf("expected all triggers to be consumed; %d left", w.ev.Count())
	}
}

func TestStartIRQWorkerThreadError(t *testing.T) {
	defer func(origCreate func(func()) (task.ThreadID, *kernel.Error), origHandle func(gate.InterruptNumber, uint8, func(*gate.Registers))) {
		createKernelThreadFn = origCreate
		handleInterruptFn = origHandle
	}(createKernelThreadFn, handleInterruptFn)

	expErr := &kernel.Error{Module: "test", Message: "no free thread slots"}
	createKernelThreadFn = func(func()) (task.ThreadID, *kernel.Error) {
		return 0, expErr
	}
	handleInterruptFn = func(gate.InterruptNumber, uint8, func(*gate.Registers)) {
		t.Fatal("expected no interrupt handler to be installed")
	}

	if _, err := StartIRQWorker("kbd", gate.IRQ(1), func(io.Writer) {}); err != expErr {
		t.Fatalf("expected error %v; got %v", expErr, err)
	}
}
