package clock

import (
	"container/heap"
	"sync"
)

// Sim is a deterministic Clock for tests and simulations. Time only moves
// when the owner calls Step, RunUntil or Advance, and callbacks run inline on
// the calling goroutine.
type Sim struct {
	mu     sync.Mutex
	now    Time
	seq    uint64
	timers timerHeap
}

// NewSim returns a simulation clock starting at t0.
func NewSim(t0 Time) *Sim {
	return &Sim{now: t0}
}

type simTimer struct {
	sim *Sim
	at  Time
	seq uint64
	f   func()
	idx int
}

func (t *simTimer) Stop() bool {
	t.sim.mu.Lock()
	defer t.sim.mu.Unlock()
	if t.idx < 0 {
		return false
	}
	heap.Remove(&t.sim.timers, t.idx)
	return true
}

// Now returns the simulated time.
func (s *Sim) Now() Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

// AfterFunc arms f for at. A time in the past fires on the next Step.
func (s *Sim) AfterFunc(at Time, f func()) Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	if at < s.now {
		at = s.now
	}
	s.seq++
	t := &simTimer{sim: s, at: at, seq: s.seq, f: f}
	heap.Push(&s.timers, t)
	return t
}

// Defer runs f at the current simulated time, after the callbacks already
// due at that time.
func (s *Sim) Defer(f func()) {
	s.AfterFunc(s.Now(), f)
}

// Pending returns the number of armed callbacks.
func (s *Sim) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Step runs the earliest armed callback, moving time forward to it. It
// reports false if nothing was armed.
func (s *Sim) Step() bool {
	s.mu.Lock()
	if len(s.timers) == 0 {
		s.mu.Unlock()
		return false
	}
	t := heap.Pop(&s.timers).(*simTimer)
	if t.at > s.now {
		s.now = t.at
	}
	s.mu.Unlock()

	t.f()
	return true
}

// RunUntil runs every callback due at or before t, then sets the clock to t.
func (s *Sim) RunUntil(t Time) {
	for {
		s.mu.Lock()
		if len(s.timers) == 0 || s.timers[0].at > t {
			if t > s.now {
				s.now = t
			}
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
		s.Step()
	}
}

// Advance runs the simulation for d.
func (s *Sim) Advance(d Duration) {
	s.RunUntil(s.Now().Add(d))
}

type timerHeap []*simTimer

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].at != h[j].at {
		return h[i].at < h[j].at
	}
	return h[i].seq < h[j].seq
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].idx = i
	h[j].idx = j
}

func (h *timerHeap) Push(x interface{}) {
	t := x.(*simTimer)
	t.idx = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.idx = -1
	*h = old[:n-1]
	return t
}
