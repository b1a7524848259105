package pmm

import (
	"copperos/kernel/mm"
	"copperos/kernel/sync"
)

// Pool is a fixed-capacity reserve of physical frames. Frames are obtained
// from the active frame allocator ahead of time so that a multi-step
// operation can consume them without failing half-way. The pool never grows
// past its capacity.
type Pool struct {
	lock   sync.Spinlock
	frames []mm.Frame
	count  int
}

// NewPool returns an empty pool that can hold up to capacity frames.
func NewPool(capacity int) *Pool {
	return &Pool{frames: make([]mm.Frame, capacity)}
}

// Cap returns the pool capacity.
func (p *Pool) Cap() int { return len(p.frames) }

// Len returns the number of frames currently held by the pool.
func (p *Pool) Len() int {
	g := p.lock.Guard()
	defer g.Release()

	return p.count
}

// Fill tops up the pool to its capacity and reports whether it is full.
func (p *Pool) Fill() bool {
	g := p.lock.Guard()
	defer g.Release()

	p.fillLocked()
	return p.count == len(p.frames)
}

func (p *Pool) fillLocked() {
	for p.count < len(p.frames) {
		frame, err := mm.AllocFrame()
		if err != nil {
			return
		}
		p.frames[p.count] = frame
		p.count++
	}
}

// Reserve tops up the pool and moves n frames out of it into a reservation
// owned by the caller. Concurrent reservations never share frames. Reserve
// fails without taking any frame if n exceeds the pool capacity or if the
// pool cannot be topped up to n frames.
func (p *Pool) Reserve(n int) (*Reservation, bool) {
	if n > len(p.frames) {
		return nil, false
	}

	g := p.lock.Guard()
	defer g.Release()

	p.fillLocked()
	if p.count < n {
		return nil, false
	}

	r := &Reservation{pool: p, frames: make([]mm.Frame, n)}
	p.count -= n
	copy(r.frames, p.frames[p.count:p.count+n])
	return r, true
}

// put returns a frame to the pool or, if the pool is full, to the frame
// allocator.
func (p *Pool) put(frame mm.Frame) {
	g := p.lock.Guard()
	defer g.Release()

	if p.count == len(p.frames) {
		_ = mm.FreeFrame(frame)
		return
	}
	p.frames[p.count] = frame
	p.count++
}

// Drain releases all frames held by the pool back to the frame allocator.
// Frames held by outstanding reservations are not affected.
func (p *Pool) Drain() {
	g := p.lock.Guard()
	defer g.Release()

	for ; p.count > 0; p.count-- {
		_ = mm.FreeFrame(p.frames[p.count-1])
	}
}

// Reservation is a set of frames handed out by Pool.Reserve. It is owned by
// a single caller and needs no locking.
type Reservation struct {
	pool   *Pool
	frames []mm.Frame
}

// Len returns the number of frames left in the reservation.
func (r *Reservation) Len() int { return len(r.frames) }

// Take removes a frame from the reservation. It returns false once the
// reservation is used up.
func (r *Reservation) Take() (mm.Frame, bool) {
	if len(r.frames) == 0 {
		return mm.InvalidFrame, false
	}
	frame := r.frames[len(r.frames)-1]
	r.frames = r.frames[:len(r.frames)-1]
	return frame, true
}

// Release hands the frames that were not taken back to the pool.
func (r *Reservation) Release() {
	for _, frame := range r.frames {
		r.pool.put(frame)
	}
	r.frames = r.frames[:0]
}
