package sync

import (
	"copperos/kernel"
	"sync/atomic"
)

// Waiter states.
const (
	waiterIdle uint32 = iota
	waiterQueued
	waiterWoken
	waiterCancelled
)

var (
	// ErrInterrupted is returned by Await when the waiting thread is
	// interrupted before the event is triggered.
	ErrInterrupted = &kernel.Error{Module: "sync", Message: "wait interrupted", Code: -kernel.EINTR}

	// waitHandler suspends the calling thread. It is registered by the
	// scheduler via SetWaitHandler.
	waitHandler WaitHandler
)

// WaitHandler is implemented by the scheduler to suspend threads that block
// on an Event.
type WaitHandler interface {
	// Waiter returns the waiter record owned by the calling thread or nil
	// if the caller is not a schedulable thread.
	Waiter() *Waiter

	// Block suspends the calling thread until w is either woken by a call
	// to Trigger or cancelled. Block returns ErrInterrupted if the wait
	// was cancelled.
	Block(w *Waiter) *kernel.Error
}

// SetWaitHandler registers the handler used by Await to suspend threads.
func SetWaitHandler(h WaitHandler) {
	waitHandler = h
}

// Waiter links a blocked thread to the Event it waits for. Each thread owns
// exactly one Waiter which is reused across waits.
type Waiter struct {
	next  *Waiter
	event *Event
	state uint32
}

// Event returns the event that w is (or was last) queued on.
func (w *Waiter) Event() *Event {
	return w.event
}

// Woken returns true if a Trigger call has handed a count to w.
func (w *Waiter) Woken() bool {
	return atomic.LoadUint32(&w.state) == waiterWoken
}

// Pending returns true if w is queued and has not been woken yet.
func (w *Waiter) Pending() bool {
	return atomic.LoadUint32(&w.state) == waiterQueued
}

// Consume atomically transitions a woken waiter back to idle. It returns
// false if w has not been woken.
func (w *Waiter) Consume() bool {
	return atomic.CompareAndSwapUint32(&w.state, waiterWoken, waiterIdle)
}

// Cancelled returns true if the wait was cancelled. Calling Cancelled resets
// a cancelled waiter to idle.
func (w *Waiter) Cancelled() bool {
	return atomic.CompareAndSwapUint32(&w.state, waiterCancelled, waiterIdle)
}

// Event is a counting wake-up primitive. Trigger increments the counter or,
// if some thread is blocked in Await, performs the decrement on behalf of the
// oldest waiter and marks it runnable.
type Event struct {
	lock       Spinlock
	count      uint64
	head, tail *Waiter
	waiters    uint32

	// deferred counts interrupt triggers not yet applied.
	deferred uint64
}

// Count returns the number of pending triggers not consumed by any waiter.
func (e *Event) Count() uint64 {
	return atomic.LoadUint64(&e.count)
}

// Waiters returns the number of threads blocked on this event.
func (e *Event) Waiters() int {
	return int(atomic.LoadUint32(&e.waiters))
}

// Trigger signals the event.
func (e *Event) Trigger() {
	e.lock.Acquire()
	e.signal()
	e.unlock()
}

// TriggerFromInterrupt signals the event from an interrupt handler. The
// handler may have interrupted a holder of the event lock on the same core,
// so the trigger is recorded and applied by whoever releases the lock.
func (e *Event) TriggerFromInterrupt() {
	atomic.AddUint64(&e.deferred, 1)
	if e.lock.TryToAcquire() {
		e.unlock()
	}
}

// signal hands one trigger to the oldest waiter or adds it to the counter.
// The event lock must be held.
func (e *Event) signal() {
	if w := e.head; w != nil {
		e.head = w.next
		if e.head == nil {
			e.tail = nil
		}
		w.next = nil
		atomic.AddUint32(&e.waiters, ^uint32(0))
		atomic.StoreUint32(&w.state, waiterWoken)
		return
	}

	atomic.AddUint64(&e.count, 1)
}

// unlock applies the triggers recorded by TriggerFromInterrupt and releases
// the event lock. A trigger recorded after the release is picked up by
// re-acquiring the lock; if that fails, the new holder applies it.
func (e *Event) unlock() {
	for {
		for n := atomic.SwapUint64(&e.deferred, 0); n > 0; n-- {
			e.signal()
		}
		e.lock.Release()

		if atomic.LoadUint64(&e.deferred) == 0 || !e.lock.TryToAcquire() {
			return
		}
	}
}

// TryAwait consumes one pending trigger without blocking. It returns false if
// the counter is zero.
func (e *Event) TryAwait() bool {
	e.lock.Acquire()
	defer e.unlock()

	if atomic.LoadUint64(&e.count) == 0 {
		return false
	}
	atomic.AddUint64(&e.count, ^uint64(0))
	return true
}

// Await consumes one trigger. If the counter is zero, the calling thread is
// suspended until another thread calls Trigger. Before a scheduler registers
// a WaitHandler, or when the caller has no waiter record (e.g. code running
// before the first thread is scheduled), Await busy-waits instead.
func (e *Event) Await() *kernel.Error {
	var w *Waiter
	for {
		e.lock.Acquire()
		if atomic.LoadUint64(&e.count) > 0 {
			atomic.AddUint64(&e.count, ^uint64(0))
			e.unlock()
			return nil
		}

		if waitHandler != nil {
			if w = waitHandler.Waiter(); w != nil {
				break
			}
		}

		e.unlock()
		pauseFn()
		if yieldFn != nil {
			yieldFn()
		}
	}

	w.event = e
	w.next = nil
	atomic.StoreUint32(&w.state, waiterQueued)
	if e.tail == nil {
		e.head = w
	} else {
		e.tail.next = w
	}
	e.tail = w
	atomic.AddUint32(&e.waiters, 1)
	e.unlock()

	return waitHandler.Block(w)
}

// Cancel removes w from the event's wait queue. It returns false if w was
// already woken by Trigger, in which case the caller must treat the wait as
// successful.
func (e *Event) Cancel(w *Waiter) bool {
	e.lock.Acquire()
	defer e.unlock()

	if atomic.LoadUint32(&w.state) != waiterQueued {
		return false
	}

	var prev *Waiter
	for cur := e.head; cur != nil; prev, cur = cur, cur.next {
		if cur != w {
			continue
		}

		if prev == nil {
			e.head = cur.next
		} else {
			prev.next = cur.next
		}
		if e.tail == cur {
			e.tail = prev
		}
		cur.next = nil
		atomic.AddUint32(&e.waiters, ^uint32(0))
		atomic.StoreUint32(&w.state, waiterCancelled)
		return true
	}

	return false
}
