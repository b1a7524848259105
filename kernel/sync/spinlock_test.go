package sync

import (
	"runtime"
	"sync"
	"testing"
	"time"
)

func TestSpinlock(t *testing.T) {
	// Substitute the yieldFn with runtime.Gosched to avoid deadlocks while testing
	defer func(origYieldFn func()) { yieldFn = origYieldFn }(yieldFn)
	yieldFn = runtime.Gosched

	var (
		sl         Spinlock
		wg         sync.WaitGroup
		numWorkers = 10
	)

	sl.Acquire()

	if sl.TryToAcquire() != false {
		t.Error("expected TryToAcquire to return false when lock is held")
	}

	if !sl.IsHeld() {
		t.Error("expected IsHeld to return true when lock is held")
	}

	wg.Add(numWorkers)
	for i := 0; i < numWorkers; i++ {
		go func(worker int) {
			sl.Acquire()
			sl.Release()
			wg.Done()
		}(i)
	}

	<-time.After(100 * time.Millisecond)
	sl.Release()
	wg.Wait()

	if sl.IsHeld() {
		t.Error("expected IsHeld to return false after all workers released the lock")
	}
}

func TestSpinlockGuard(t *testing.T) {
	var sl Spinlock

	acquireAndBail := func(bail bool) bool {
		g := sl.Guard()
		defer g.Release()

		if bail {
			return false
		}

		// Early release followed by the deferred release must not
		// release a lock acquired by somebody else in between.
		g.Release()
		sl.Acquire()
		return true
	}

	if acquireAndBail(true) {
		t.Fatal("expected early return")
	}
	if sl.IsHeld() {
		t.Fatal("expected lock to be released on the early return path")
	}

	if !acquireAndBail(false) {
		t.Fatal("expected normal return")
	}
	if !sl.IsHeld() {
		t.Fatal("expected the lock re-acquired after the early guard release to remain held")
	}
	sl.Release()
}

func TestAckFlag(t *testing.T) {
	defer func(origYieldFn func()) { yieldFn = origYieldFn }(yieldFn)
	yieldFn = runtime.Gosched

	var (
		flag AckFlag
		done = make(chan struct{})
	)

	if flag.IsSet() {
		t.Fatal("expected a zero AckFlag to be clear")
	}

	go func() {
		flag.Wait()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("expected Wait to block until the flag is signaled")
	case <-time.After(20 * time.Millisecond):
	}

	flag.Signal()
	<-done

	flag.Reset()
	if flag.IsSet() {
		t.Fatal("expected Reset to clear the flag")
	}
}
