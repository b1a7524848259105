package task

import (
	"copperos/kernel"
	"copperos/kernel/kfmt"
	"copperos/kernel/smp"
	"io"
	"sync/atomic"
)

// SchedStats is a snapshot of the scheduler counters.
type SchedStats struct {
	Processes int
	Threads   int
	Uptime    uint64
	Switches  uint64
}

// Stats returns a snapshot of the scheduler counters.
func Stats() SchedStats {
	g := schedLock.Guard()
	defer g.Release()

	stats := SchedStats{
		Threads: LiveTasks(),
		Uptime:  Uptime(),
	}
	for i := range processes {
		if processes[i].state == slotOccupied {
			stats.Processes++
		}
	}
	for i := 0; i < smp.Count(); i++ {
		stats.Switches += cores[i].switches
	}
	return stats
}

// DumpState writes the scheduler tables to w. It is registered as a panic
// hook and therefore reads the tables without acquiring any lock.
func DumpState(w io.Writer) {
	pw := &kfmt.PrefixWriter{Sink: w, Prefix: []byte("[sched] ")}

	kfmt.Fprintf(pw, "uptime: %dms, live threads: %d\n", Uptime(), LiveTasks())
	for i := 0; i < smp.Count(); i++ {
		cs := &cores[i]
		kfmt.Fprintf(pw, "cpu %d: running %d.%d, switches: %d\n",
			i, threadPID(cs.current), threadTID(cs.current), cs.switches)
	}

	for i := range threads {
		slot := &threads[i]
		if slot.state != slotOccupied {
			continue
		}

		t := slot.thread
		kfmt.Fprintf(pw, "slot %3d: pid %d tid %d cpu %d state %s\n",
			i, uint32(t.PID), uint32(t.ID), int(atomic.LoadInt32(&t.cpu)), t.state(true).String())
	}
}

// StartReaper creates a kernel thread that reaps the processes adopted by
// the kernel process.
func StartReaper() (ThreadID, *kernel.Error) {
	return CreateKernelThread(reapOrphans)
}

func reapOrphans() {
	for {
		pid, status, err := WaitProcess(KernelPID, AnyChild, false)
		switch {
		case err == ErrNoChildren:
			Yield(reaperIdleMs)
		case err != nil:
			return
		case debugSched:
			kfmt.Printf("[task] reaped orphan pid %d (status %d)\n", uint32(pid), status)
		}
	}
}

// reaperIdleMs is the delay between polls of the reaper while the kernel
// process has no children.
const reaperIdleMs = 100
