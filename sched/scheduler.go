package sched

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/rigado/llc"
	"github.com/rigado/llc/clock"
)

// Baseband is the radio execution contract. Execute arms op to start at
// op.Due and must not call back into the scheduler synchronously; the
// baseband reports completion with Scheduler.Done from the interrupt domain.
// Cancel disarms an armed op and reports whether it will not run.
type Baseband interface {
	Execute(op *Op) error
	Cancel(op *Op) bool
}

// State is the single-mutator flag of the scheduler.
type State uint8

const (
	StateIdle State = iota
	StateLoad
	StateExec
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLoad:
		return "load"
	case StateExec:
		return "exec"
	default:
		return "unknown"
	}
}

// ConflictFunc arbitrates an overlap between two operations of equal
// priority and returns the winner.
type ConflictFunc func(existing, incoming *Op) *Op

// Config holds the timing margins of the scheduler.
type Config struct {
	// SetupDelay is the minimum distance from now for a new operation.
	SetupDelay clock.Duration
	// LoadLead is how long before its due time the head is handed to Begin
	// and the baseband.
	LoadLead clock.Duration
	// CancelMargin is the minimum lead required to cancel an armed op.
	CancelMargin clock.Duration
	// MaxEvictions bounds the operations one InsertAtDueTime may evict.
	MaxEvictions int
}

// DefaultConfig returns the margins used by the controller.
func DefaultConfig() Config {
	return Config{
		SetupDelay:   150 * clock.Microsecond,
		LoadLead:     300 * clock.Microsecond,
		CancelMargin: 200 * clock.Microsecond,
		MaxEvictions: 8,
	}
}

func (c Config) validate() error {
	switch {
	case c.SetupDelay < 0:
		return errors.Errorf("invalid SetupDelay %v", c.SetupDelay)
	case c.LoadLead < c.SetupDelay:
		return errors.Errorf("LoadLead %v < SetupDelay %v", c.LoadLead, c.SetupDelay)
	case c.CancelMargin < 0 || c.CancelMargin > c.LoadLead:
		return errors.Errorf("invalid CancelMargin %v", c.CancelMargin)
	case c.MaxEvictions <= 0:
		return errors.Errorf("invalid MaxEvictions %v", c.MaxEvictions)
	}
	return nil
}

// Stats counts scheduler outcomes.
type Stats struct {
	Loaded    int
	Missed    int
	Evicted   int
	Cancelled int
	Deferred  int
	Failed    int
}

// Scheduler keeps the time ordered operation list and feeds the baseband.
//
// The list is edited under a short critical section and never while a
// Handler runs. Handlers run in the interrupt domain except Abort for ops
// evicted by an insertion, which runs in the caller's domain.
type Scheduler struct {
	mu  sync.Mutex
	clk clock.Clock
	bb  Baseband
	cfg Config
	log llc.Logger

	head, tail *Op
	n          int

	state State
	cur   *Op
	timer clock.Timer

	bg        *Op
	bgRunning bool

	stats Stats
}

// New returns a scheduler driving bb.
func New(clk clock.Clock, bb Baseband, cfg Config) (*Scheduler, error) {
	if err := cfg.validate(); err != nil {
		return nil, errors.Wrap(err, "can't create scheduler")
	}
	return &Scheduler{
		clk: clk,
		bb:  bb,
		cfg: cfg,
		log: llc.ComponentLogger("sched"),
	}, nil
}

// Clock returns the time base of the scheduler.
func (s *Scheduler) Clock() clock.Clock { return s.clk }

// Config returns the margins in use.
func (s *Scheduler) Config() Config { return s.cfg }

// State returns the current load state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Stats returns a snapshot of the counters.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Len returns the number of listed operations.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.n
}

// Contains reports whether op is listed.
func (s *Scheduler) Contains(op *Op) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return op.linked
}

// Current returns the loaded operation, nil when idle.
func (s *Scheduler) Current() *Op {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur
}

// Slot is a snapshot of one listed operation.
type Slot struct {
	Op    *Op
	Start clock.Time
	End   clock.Time
}

// Slots returns the list in order.
func (s *Scheduler) Slots() []Slot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Slot, 0, s.n)
	for o := s.head; o != nil; o = o.next {
		out = append(out, Slot{Op: o, Start: o.Due, End: o.Until()})
	}
	return out
}

// InsertNextAvailable places op in the earliest idle slot after
// now+SetupDelay.
func (s *Scheduler) InsertNextAvailable(op *Op) error {
	s.mu.Lock()
	now := s.clk.Now()
	lo := now.Add(s.cfg.SetupDelay)
	err := s.insertGapLocked(op, lo, lo, maxTime, true)
	s.mu.Unlock()
	return err
}

// InsertEarlyAsPossible places op at the earliest start within
// [origin+min, origin+max] where it fits.
func (s *Scheduler) InsertEarlyAsPossible(op *Op, origin clock.Time, min, max clock.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertGapLocked(op, origin, origin.Add(min), origin.Add(max), true)
}

// InsertLateAsPossible places op at the latest start within
// [origin+min, origin+max] where it fits.
func (s *Scheduler) InsertLateAsPossible(op *Op, origin clock.Time, min, max clock.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertGapLocked(op, origin, origin.Add(min), origin.Add(max), false)
}

// FindGap returns the earliest start in [from, to], aligned to from+k*step,
// where dur fits, treating ignore as absent. Nothing is inserted.
func (s *Scheduler) FindGap(from, to clock.Time, dur, step clock.Duration, ignore *Op) (clock.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	start, _, _, ok := s.findLocked(from, from, to, dur, step, true, ignore)
	return start, ok
}

// InsertAtDueTime places op exactly at op.Due. Overlapping operations with a
// weaker priority are evicted and get their Abort callback; stronger ones
// make the insertion fail. Equal priorities are settled by conflict, or in
// favor of the existing op when conflict is nil.
func (s *Scheduler) InsertAtDueTime(op *Op, conflict ConflictFunc) error {
	if op.MaxDuration <= 0 {
		return ErrInvalidDuration
	}

	s.mu.Lock()
	if op.linked || op == s.cur {
		s.mu.Unlock()
		return ErrLinked
	}
	now := s.clk.Now()
	if op.Due.Before(now.Add(s.cfg.SetupDelay)) {
		s.mu.Unlock()
		return ErrPast
	}

	var victims []*Op
	var before *Op
	for o := s.head; o != nil; o = o.next {
		if before == nil && o.Due > op.Due {
			before = o
		}
		if o.Due >= op.Until() {
			break
		}
		if !o.overlaps(op.Due, op.Until()) {
			continue
		}
		if o == s.cur {
			s.mu.Unlock()
			return ErrConflict
		}
		victims = append(victims, o)
	}

	if len(victims) > s.cfg.MaxEvictions {
		s.mu.Unlock()
		return ErrTooManyEvictions
	}

	for _, v := range victims {
		switch {
		case op.Reschedule < v.Reschedule:
		case op.Reschedule > v.Reschedule:
			s.mu.Unlock()
			return ErrConflict
		default:
			if conflict == nil || conflict(v, op) != op {
				s.mu.Unlock()
				return ErrConflict
			}
		}
	}

	for _, v := range victims {
		if before == v {
			before = v.next
			for before != nil && contains(victims, before) {
				before = before.next
			}
		}
		s.unlinkLocked(v)
	}
	s.stats.Evicted += len(victims)

	op.Reset()
	s.linkBeforeLocked(op, before)
	s.preemptBackgroundLocked()
	s.armLocked()
	s.mu.Unlock()

	for _, v := range victims {
		v.Handler.Abort(v)
	}
	return nil
}

func contains(ops []*Op, op *Op) bool {
	for _, o := range ops {
		if o == op {
			return true
		}
	}
	return false
}

// Remove unlinks op. Removing an op that is not scheduled is a no-op. A
// loaded op is cancelled at the baseband when at least CancelMargin remains
// before it starts; otherwise its terminate flag is raised, ErrTerminatePending
// is returned and its End callback reports the termination later.
func (s *Scheduler) Remove(op *Op) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if op == s.bg {
		s.bg = nil
		if !s.bgRunning {
			return nil
		}
	}

	if op == s.cur {
		now := s.clk.Now()
		if s.state == StateExec && op.Due.Sub(now) >= s.cfg.CancelMargin && s.bb.Cancel(op) {
			if op.linked {
				s.unlinkLocked(op)
			}
			s.cur = nil
			s.bgRunning = false
			s.state = StateIdle
			s.stats.Cancelled++
			s.armLocked()
			return nil
		}
		op.terminate.Store(true)
		s.stats.Deferred++
		return ErrTerminatePending
	}

	if !op.linked {
		return nil
	}
	wasHead := op == s.head
	s.unlinkLocked(op)
	if wasHead {
		s.armLocked()
	}
	return nil
}

// Reload re-runs Begin and re-arms the loaded op in place, for example after
// data was queued into an event that was prepared empty. The work happens in
// the interrupt domain; an op that is listed but not loaded yet needs no
// reload.
func (s *Scheduler) Reload(op *Op) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if op != s.cur {
		if op.linked {
			return nil
		}
		return ErrNotLoaded
	}
	if s.state != StateExec {
		return nil
	}
	if op.Due.Sub(s.clk.Now()) < s.cfg.CancelMargin {
		return ErrTooLate
	}
	s.clk.Defer(func() { s.reload(op) })
	return nil
}

func (s *Scheduler) reload(op *Op) {
	s.mu.Lock()
	if op != s.cur || s.state != StateExec || op.Due.Sub(s.clk.Now()) < s.cfg.CancelMargin {
		s.mu.Unlock()
		return
	}
	if !s.bb.Cancel(op) {
		s.mu.Unlock()
		return
	}
	s.state = StateLoad
	s.mu.Unlock()

	err := op.Handler.Begin(op)

	s.mu.Lock()
	if err == nil {
		err = s.bb.Execute(op)
	}
	if err == nil {
		s.state = StateExec
		s.mu.Unlock()
		return
	}
	s.failLocked(op, err)
	s.mu.Unlock()
	op.Handler.End(op)
	s.load()
}

// SetBackground installs op as the background operation, run whenever the
// foreground list is empty and preempted by any foreground insertion.
func (s *Scheduler) SetBackground(op *Op) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bg = op
	s.armLocked()
}

// Done is called by the baseband when op finished.
func (s *Scheduler) Done(op *Op) {
	s.mu.Lock()
	if op != s.cur {
		s.mu.Unlock()
		s.log.Warnf("done for an op that is not loaded (due %v)", op.Due)
		return
	}
	if op.linked {
		s.unlinkLocked(op)
	}
	s.cur = nil
	s.bgRunning = false
	s.state = StateIdle
	s.mu.Unlock()

	op.Handler.End(op)

	s.mu.Lock()
	s.armLocked()
	s.mu.Unlock()
}

const maxTime = clock.Time(1<<62 - 1)

func (s *Scheduler) insertGapLocked(op *Op, origin, lo, hi clock.Time, early bool) error {
	if op.linked || op == s.cur {
		return ErrLinked
	}
	if op.MinDuration <= 0 || op.MaxDuration < op.MinDuration {
		return ErrInvalidDuration
	}
	if floor := s.clk.Now().Add(s.cfg.SetupDelay); lo < floor {
		lo = floor
	}
	if lo > hi {
		return ErrPast
	}

	start, end, before, ok := s.findLocked(origin, lo, hi, op.MinDuration, op.Align, early, nil)
	if !ok {
		return ErrNoGap
	}

	op.Reset()
	op.Due = start
	if room := end.Sub(start); room < op.MaxDuration {
		op.MaxDuration = room
	}
	s.linkBeforeLocked(op, before)
	s.preemptBackgroundLocked()
	s.armLocked()
	return nil
}

// findLocked walks the idle gaps of the list. It returns the chosen start,
// the end of the gap holding it and the op to link before.
func (s *Scheduler) findLocked(origin, lo, hi clock.Time, dur, step clock.Duration, early bool, ignore *Op) (clock.Time, clock.Time, *Op, bool) {
	var (
		found              bool
		bestStart, bestEnd clock.Time
		bestBefore         *Op
	)

	try := func(gs, ge clock.Time, before *Op) bool {
		if gs > hi {
			return false
		}
		if gs < lo {
			gs = lo
		}
		var start clock.Time
		if early {
			start = alignUp(gs, origin, step)
			if start > hi || start.Add(dur) > ge {
				return true
			}
			bestStart, bestEnd, bestBefore, found = start, ge, before, true
			return false
		}
		last := hi
		if ge != maxTime && ge.Add(-dur) < last {
			last = ge.Add(-dur)
		}
		start = alignDown(last, origin, step)
		if start < gs {
			return true
		}
		bestStart, bestEnd, bestBefore, found = start, ge, before, true
		return true
	}

	cursor := lo
	for o := s.head; o != nil; o = o.next {
		if o == ignore {
			continue
		}
		if o.Until() <= cursor {
			continue
		}
		if o.Due > cursor {
			if !try(cursor, o.Due, o) {
				return bestStart, bestEnd, bestBefore, found
			}
		}
		if o.Until() > cursor {
			cursor = o.Until()
		}
	}
	try(cursor, maxTime, nil)
	return bestStart, bestEnd, bestBefore, found
}

func alignUp(t, origin clock.Time, step clock.Duration) clock.Time {
	if step <= 0 {
		return t
	}
	d := t.Sub(origin)
	k := d / step
	if d%step != 0 && d > 0 {
		k++
	}
	return origin.Add(k * step)
}

func alignDown(t, origin clock.Time, step clock.Duration) clock.Time {
	if step <= 0 {
		return t
	}
	d := t.Sub(origin)
	k := d / step
	if d%step != 0 && d < 0 {
		k--
	}
	return origin.Add(k * step)
}

func (s *Scheduler) linkBeforeLocked(op, before *Op) {
	if before == nil {
		op.prev = s.tail
		op.next = nil
		if s.tail != nil {
			s.tail.next = op
		} else {
			s.head = op
		}
		s.tail = op
	} else {
		op.next = before
		op.prev = before.prev
		if before.prev != nil {
			before.prev.next = op
		} else {
			s.head = op
		}
		before.prev = op
	}
	op.linked = true
	s.n++
}

func (s *Scheduler) unlinkLocked(op *Op) {
	if op.prev != nil {
		op.prev.next = op.next
	} else {
		s.head = op.next
	}
	if op.next != nil {
		op.next.prev = op.prev
	} else {
		s.tail = op.prev
	}
	op.prev, op.next = nil, nil
	op.linked = false
	s.n--
}

// armLocked points the load timer at the head, or at the background op when
// the list is empty.
func (s *Scheduler) armLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if s.state != StateIdle {
		return
	}
	if s.head == nil {
		if s.bg != nil {
			s.timer = s.clk.AfterFunc(s.clk.Now(), s.loadBackground)
		}
		return
	}
	s.timer = s.clk.AfterFunc(s.head.Due.Add(-s.cfg.LoadLead), s.load)
}

func (s *Scheduler) preemptBackgroundLocked() {
	if !s.bgRunning || s.cur == nil {
		return
	}
	bg := s.cur
	if s.state == StateExec && s.bb.Cancel(bg) {
		s.cur = nil
		s.bgRunning = false
		s.state = StateIdle
		s.stats.Cancelled++
		bg.err = ErrTerminated
		s.clk.Defer(func() { bg.Handler.End(bg) })
		return
	}
	bg.terminate.Store(true)
}

func (s *Scheduler) failLocked(op *Op, err error) {
	op.err = err
	if op.linked {
		s.unlinkLocked(op)
	}
	s.cur = nil
	s.bgRunning = false
	s.state = StateIdle
	s.stats.Failed++
}

func (s *Scheduler) load() {
	for {
		s.mu.Lock()
		s.timer = nil
		if s.state != StateIdle {
			s.mu.Unlock()
			return
		}
		op := s.head
		if op == nil {
			s.armLocked()
			s.mu.Unlock()
			return
		}
		now := s.clk.Now()
		if op.Due.Before(now) {
			s.unlinkLocked(op)
			s.stats.Missed++
			s.mu.Unlock()
			op.Handler.Abort(op)
			continue
		}
		if op.Due.Sub(now) > s.cfg.LoadLead {
			s.armLocked()
			s.mu.Unlock()
			return
		}
		s.state = StateLoad
		s.cur = op
		s.mu.Unlock()

		err := op.Handler.Begin(op)

		s.mu.Lock()
		if err == nil && op.Terminating() {
			err = ErrTerminated
		}
		if err == nil {
			err = s.bb.Execute(op)
		}
		if err == nil {
			s.state = StateExec
			s.stats.Loaded++
			s.mu.Unlock()
			return
		}
		s.failLocked(op, err)
		s.mu.Unlock()
		op.Handler.End(op)
	}
}

func (s *Scheduler) loadBackground() {
	s.mu.Lock()
	s.timer = nil
	op := s.bg
	if s.state != StateIdle || s.head != nil || op == nil {
		s.mu.Unlock()
		return
	}
	op.Reset()
	op.Due = s.clk.Now().Add(s.cfg.SetupDelay)
	s.state = StateLoad
	s.cur = op
	s.bgRunning = true
	s.mu.Unlock()

	err := op.Handler.Begin(op)

	s.mu.Lock()
	if err == nil && op.Terminating() {
		err = ErrTerminated
	}
	if err == nil {
		err = s.bb.Execute(op)
	}
	if err == nil {
		s.state = StateExec
		s.stats.Loaded++
		s.mu.Unlock()
		return
	}
	s.failLocked(op, err)
	s.mu.Unlock()
	op.Handler.End(op)

	s.mu.Lock()
	s.armLocked()
	s.mu.Unlock()
}
