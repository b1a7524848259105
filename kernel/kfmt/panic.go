package kfmt

import (
	"copperos/kernel"
	"copperos/kernel/cpu"
	"io"
)

// maxPanicHooks bounds the number of diagnostic hooks that can be registered.
const maxPanicHooks = 4

var (
	// cpuHaltFn is mocked by tests and is automatically inlined by the compiler.
	cpuHaltFn = cpu.Halt

	// disableInterruptsFn is mocked by tests.
	disableInterruptsFn = cpu.DisableInterrupts

	// haltOtherCoresFn is registered by the smp package once the APs are
	// online. It broadcasts a halt request to every other core.
	haltOtherCoresFn func()

	panicHooks     [maxPanicHooks]func(io.Writer)
	panicHookCount int

	errRuntimePanic = &kernel.Error{Module: "rt", Message: "unknown cause"}
)

// SetHaltOtherCores registers the function used by Panic to stop all other
// cores before printing the panic report.
func SetHaltOtherCores(fn func()) {
	haltOtherCoresFn = fn
}

// RegisterPanicHook registers a function that dumps diagnostic state as part
// of the panic report. Hooks run after all other cores have been halted so
// they may inspect shared state without acquiring locks. Registrations beyond
// the hook capacity are ignored.
func RegisterPanicHook(fn func(io.Writer)) {
	if panicHookCount == maxPanicHooks {
		return
	}

	panicHooks[panicHookCount] = fn
	panicHookCount++
}

// Panic outputs the supplied error (if not nil) to the console, halts every
// other core and then halts the calling CPU. Calls to Panic never return.
// Panic does not take the output lock as the panicking core may already
// hold it.
func Panic(e interface{}) {
	var err *kernel.Error

	switch t := e.(type) {
	case *kernel.Error:
		err = t
	case string:
		panicString(t)
		return
	case error:
		errRuntimePanic.Message = t.Error()
		err = errRuntimePanic
	}

	disableInterruptsFn()
	if haltOtherCoresFn != nil {
		haltOtherCoresFn()
	}

	Fprintf(outputSink, "\n-----------------------------------\n")
	if err != nil {
		Fprintf(outputSink, "[%s] unrecoverable error: %s\n", err.Module, err.Message)
	}
	for i := 0; i < panicHookCount; i++ {
		panicHooks[i](outputSinkOrBuffer())
	}
	Fprintf(outputSink, "*** kernel panic: system halted ***")
	Fprintf(outputSink, "\n-----------------------------------\n")

	cpuHaltFn()
}

// panicString serves as a redirect target for runtime.throw
func panicString(msg string) {
	errRuntimePanic.Message = msg
	Panic(errRuntimePanic)
}

func outputSinkOrBuffer() io.Writer {
	if outputSink != nil {
		return outputSink
	}
	return &earlyPrintBuffer
}
