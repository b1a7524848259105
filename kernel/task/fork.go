package task

import (
	"copperos/kernel"
	"copperos/kernel/abi"
)

// forkEntry resumes a forked thread at the point where its parent entered
// the kernel. The child observes a zero return value.
type forkEntry struct {
	ctx abi.Context
}

// UserMode implements abi.Entry.
func (e *forkEntry) UserMode() bool { return true }

// Setup implements abi.Entry.
func (e *forkEntry) Setup(ctx *abi.Context, _ *abi.Stack) error {
	*ctx = e.ctx
	ctx.RAX = 0
	return nil
}

// ForkProcess duplicates the process pid. The child receives an eagerly
// copied duplicate of the parent's address space, duplicates of its file handles, its
// working directory, program break and signal handlers and a single thread
// that resumes from the saved register image of thread tid. ForkProcess
// returns the id of the child process.
func ForkProcess(pid PID, tid ThreadID) (PID, *kernel.Error) {
	parent, t := findThread(pid, tid)
	if t == nil {
		return 0, ErrNotFound
	}
	if parent == kernelProc {
		return 0, errUserThreadInKproc
	}

	space, err := parent.space.Fork()
	if err != nil {
		return 0, ErrResourceExhausted
	}

	childPID, err := createProcess(pid, space)
	if err != nil {
		space.Destroy()
		return 0, err
	}

	child := LookupProcess(childPID)
	if err = child.copyFrom(parent); err != nil {
		reapProcess(childPID)
		return 0, err
	}

	// The thread keeps its id so the copy of its user stack stays in place.
	_, err = createThread(childPID, &forkEntry{ctx: t.ctx}, threadOpts{tid: t.ID, fixedTID: true, inheritStack: true})
	if err != nil {
		reapProcess(childPID)
		return 0, err
	}

	return childPID, nil
}
