// Package sync provides the synchronization primitives used by the scheduler
// and the address-space manager: spinlocks, counting events and single-shot
// acknowledgment flags for inter-processor handshakes.
package sync

import (
	"copperos/kernel/cpu"
	"sync/atomic"
)

// spinAttemptsBeforeYielding controls how many times Acquire retries before
// invoking yieldFn (if one is set).
const spinAttemptsBeforeYielding = 1024

var (
	// yieldFn is invoked by spinning cores after spinAttemptsBeforeYielding
	// failed attempts. It stays nil in the kernel (there is nothing below
	// the scheduler to yield to) and is replaced by runtime.Gosched in tests.
	yieldFn func()

	// pauseFn is used by tests and is automatically inlined by the compiler.
	pauseFn = cpu.Pause
)

// Spinlock implements a lock where each task trying to acquire it busy-waits
// till the lock becomes available. Spinlocks are not reentrant and do not
// track their owner.
type Spinlock struct {
	state uint32
}

// Acquire blocks until the lock can be acquired by the currently active task.
// Any attempt to re-acquire a lock already held by the current task will cause
// a deadlock.
func (l *Spinlock) Acquire() {
	archAcquireSpinlock(&l.state, spinAttemptsBeforeYielding)
}

// TryToAcquire attempts to acquire the lock and returns true if the lock could
// be acquired or false otherwise.
func (l *Spinlock) TryToAcquire() bool {
	return atomic.SwapUint32(&l.state, 1) == 0
}

// Release relinquishes a held lock allowing other tasks to acquire it. Calling
// Release while the lock is free has no effect.
func (l *Spinlock) Release() {
	atomic.StoreUint32(&l.state, 0)
}

// IsHeld returns true if the lock is currently held by some task.
func (l *Spinlock) IsHeld() bool {
	return atomic.LoadUint32(&l.state) != 0
}

// Guard acquires the lock and returns a Guard that releases it. It is meant
// to be used together with defer:
//
//  g := l.Guard()
//  defer g.Release()
func (l *Spinlock) Guard() Guard {
	l.Acquire()
	return Guard{lock: l}
}

// Guard represents a scoped acquisition of a Spinlock.
type Guard struct {
	lock *Spinlock
}

// Release relinquishes the guarded lock. Only the first call has an effect
// so a guard may be released early on one path and again by a deferred call.
func (g *Guard) Release() {
	if g.lock != nil {
		g.lock.Release()
		g.lock = nil
	}
}

// archAcquireSpinlock spins until state transitions from 0 to 1.
func archAcquireSpinlock(state *uint32, attemptsBeforeYielding uint32) {
	for attempts := uint32(0); !atomic.CompareAndSwapUint32(state, 0, 1); attempts++ {
		if yieldFn != nil && attempts >= attemptsBeforeYielding {
			yieldFn()
			attempts = 0
			continue
		}

		pauseFn()
	}
}
