package clock

import (
	"sync"
	"time"
)

// System is a Clock backed by the wall clock. All callbacks are funneled
// through a single goroutine which plays the role of the interrupt context.
//
// Defer never blocks. Work queued while the queue is longer than its
// initial depth grows the queue instead, so a callback may keep deferring
// from inside the interrupt goroutine.
type System struct {
	epoch time.Time

	mu      sync.Mutex
	pending []func()
	spare   []func()
	wake    chan struct{}

	muClose sync.Mutex
	done    chan struct{}
}

// NewSystem starts the interrupt goroutine. depth is the number of
// callbacks the queue holds before it has to grow.
func NewSystem(depth int) *System {
	if depth <= 0 {
		depth = 64
	}
	s := &System{
		epoch:   time.Now(),
		pending: make([]func(), 0, depth),
		spare:   make([]func(), 0, depth),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go s.loop()
	return s
}

// Now returns the microseconds elapsed since the clock was created.
func (s *System) Now() Time {
	return Time(time.Since(s.epoch) / time.Microsecond)
}

// AfterFunc runs f in the interrupt goroutine once at has been reached.
func (s *System) AfterFunc(at Time, f func()) Timer {
	d := at.Sub(s.Now())
	if d < 0 {
		d = 0
	}
	return time.AfterFunc(d.Std(), func() { s.Defer(f) })
}

// Defer queues f for the interrupt goroutine. It is dropped once the clock
// is closed.
func (s *System) Defer(f func()) {
	select {
	case <-s.done:
		return
	default:
	}
	s.mu.Lock()
	s.pending = append(s.pending, f)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Close stops the interrupt goroutine. Pending callbacks are dropped.
func (s *System) Close() error {
	s.muClose.Lock()
	defer s.muClose.Unlock()

	select {
	case <-s.done:
	default:
		close(s.done)
	}
	return nil
}

func (s *System) loop() {
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}
		for s.drain() {
		}
	}
}

// drain runs the callbacks queued so far. Callbacks they defer run on the
// next pass. It reports whether anything ran.
func (s *System) drain() bool {
	s.mu.Lock()
	fs := s.pending
	s.pending = s.spare[:0]
	s.mu.Unlock()
	if len(fs) == 0 {
		s.spare = fs
		return false
	}

	for i, f := range fs {
		select {
		case <-s.done:
			return false
		default:
		}
		f()
		fs[i] = nil
	}
	s.spare = fs[:0]
	return true
}
