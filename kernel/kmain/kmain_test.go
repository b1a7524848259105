package kmain

import (
	"copperos/kernel"
	"copperos/kernel/kopt"
	"copperos/kernel/mm"
	"copperos/kernel/task"
	"reflect"
	"testing"
)

// mockBoot replaces every boot step with a function that records its name.
// The step named failAt returns an error.
func mockBoot(t *testing.T, failAt string) (*[]string, *kernel.Error) {
	var (
		origSetDirectMapBase = setDirectMapBaseFn
		origPMMInit, origVMMInit, origGoruntimeInit = pmmInitFn, vmmInitFn, goruntimeInitFn
		origLoadOptions, origForkPoolInit, origSMPInit = loadOptionsFn, forkPoolInitFn, smpInitFn
		origDetectHardware, origTaskInit, origStartReaper = detectHardwareFn, taskInitFn, startReaperFn
		origStartWorkers, origStartScheduler, origPanic = startDeviceWorkersFn, startSchedulerFn, panicFn
	)
	t.Cleanup(func() {
		setDirectMapBaseFn = origSetDirectMapBase
		pmmInitFn, vmmInitFn, goruntimeInitFn = origPMMInit, origVMMInit, origGoruntimeInit
		loadOptionsFn, forkPoolInitFn, smpInitFn = origLoadOptions, origForkPoolInit, origSMPInit
		detectHardwareFn, taskInitFn, startReaperFn = origDetectHardware, origTaskInit, origStartReaper
		startDeviceWorkersFn, startSchedulerFn, panicFn = origStartWorkers, origStartScheduler, origPanic
		opts = kopt.Options{}
	})

	var (
		calls   []string
		failErr = &kernel.Error{Module: "test", Message: failAt + " failed"}
	)
	step := func(name string) *kernel.Error {
		calls = append(calls, name)
		if name == failAt {
			return failErr
		}
		return nil
	}

	setDirectMapBaseFn = func(base uintptr) {
		if base != mm.DirectMapBase {
			t.Errorf("expected direct map base 0x%x; got 0x%x", mm.DirectMapBase, base)
		}
		step("directmap")
	}
	pmmInitFn = func(_, _ uintptr) *kernel.Error { return step("pmm") }
	vmmInitFn = func() *kernel.Error { return step("vmm") }
	goruntimeInitFn = func() *kernel.Error { return step("goruntime") }
	loadOptionsFn = func() kopt.Options {
		step("kopt")
		return kopt.Options{SliceMs: 5, ForkPoolPages: 16, MaxCPUs: 2, Debug: true}
	}
	forkPoolInitFn = func(pages int) *kernel.Error {
		if pages != 16 {
			t.Errorf("expected fork pool size 16; got %d", pages)
		}
		return step("forkpool")
	}
	smpInitFn = func(limit int) {
		if limit != 2 {
			t.Errorf("expected cpu limit 2; got %d", limit)
		}
		step("smp")
	}
	detectHardwareFn = func() { step("hal") }
	taskInitFn = func(cfg task.Config) *kernel.Error {
		if cfg.SliceMs != 5 || !cfg.Debug {
			t.Errorf("unexpected scheduler config %+v", cfg)
		}
		return step("task")
	}
	startReaperFn = func() (task.ThreadID, *kernel.Error) { return 1, step("reaper") }
	startDeviceWorkersFn = func() { step("workers") }
	startSchedulerFn = func() { step("scheduler") }
	panicFn = func(e interface{}) {
		err, _ := e.(*kernel.Error)
		calls = append(calls, "panic:"+err.Message)
	}

	return &calls, failErr
}

func TestKmain(t *testing.T) {
	calls, _ := mockBoot(t, "")

	Kmain(0, 0, 0)

	exp := []string{
		"directmap", "pmm", "vmm", "goruntime", "kopt", "forkpool", "smp", "hal", "task", "reaper", "workers",
		"scheduler", "panic:" + errKmainReturned.Message,
	}
	if !reflect.DeepEqual(*calls, exp) {
		t.Fatalf("expected boot sequence %v; got %v", exp, *calls)
	}
}

func TestKmainBootErrors(t *testing.T) {
	specs := []struct {
		failAt string
		exp    []string
	}{
		{"pmm", []string{"directmap", "pmm"}},
		{"vmm", []string{"directmap", "pmm", "vmm"}},
		{"goruntime", []string{"directmap", "pmm", "vmm", "goruntime"}},
		{"forkpool", []string{"directmap", "pmm", "vmm", "goruntime", "kopt", "forkpool"}},
		{"task", []string{"directmap", "pmm", "vmm", "goruntime", "kopt", "forkpool", "smp", "hal", "task"}},
		{"reaper", []string{"directmap", "pmm", "vmm", "goruntime", "kopt", "forkpool", "smp", "hal", "task", "reaper"}},
	}

	for specIndex, spec := range specs {
		t.Run(spec.failAt, func(t *testing.T) {
			calls, failErr := mockBoot(t, spec.failAt)

			Kmain(0, 0, 0)

			exp := append(spec.exp, "panic:"+failErr.Message)
			if !reflect.DeepEqual(*calls, exp) {
				t.Fatalf("[spec %d] expected boot sequence %v; got %v", specIndex, exp, *calls)
			}
		})
	}
}

func TestAPMain(t *testing.T) {
	calls, _ := mockBoot(t, "")

	APMain()

	if exp := []string{"scheduler", "panic:" + errKmainReturned.Message}; !reflect.DeepEqual(*calls, exp) {
		t.Fatalf("expected AP sequence %v; got %v", exp, *calls)
	}
}
