package sync

import "sync/atomic"

// AckFlag is a flag written by exactly one core and observed by exactly one
// other core. It models the acknowledgment a core sends after servicing an
// inter-processor interrupt.
type AckFlag struct {
	state uint32
}

// Signal sets the flag.
func (f *AckFlag) Signal() {
	atomic.StoreUint32(&f.state, 1)
}

// Reset clears the flag. It must be called by the observer before sending the
// request that will be acknowledged.
func (f *AckFlag) Reset() {
	atomic.StoreUint32(&f.state, 0)
}

// IsSet returns true if the flag has been signaled.
func (f *AckFlag) IsSet() bool {
	return atomic.LoadUint32(&f.state) == 1
}

// Wait spins until the flag is signaled. There is no timeout.
func (f *AckFlag) Wait() {
	for attempts := uint32(0); !f.IsSet(); attempts++ {
		if yieldFn != nil && attempts >= spinAttemptsBeforeYielding {
			yieldFn()
			attempts = 0
			continue
		}

		pauseFn()
	}
}
