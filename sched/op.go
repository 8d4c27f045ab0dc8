// Package sched arbitrates the single radio among timed operations coming
// from independent protocol engines.
package sched

import (
	"sync/atomic"

	"github.com/rigado/llc/clock"
)

// Reschedule orders how willing an operation is to give up its slot. A
// lower value wins an overlap outright.
type Reschedule uint8

const (
	RescheduleFixed Reschedule = iota
	RescheduleMovablePreferred
	RescheduleMovable
)

func (r Reschedule) String() string {
	switch r {
	case RescheduleFixed:
		return "fixed"
	case RescheduleMovablePreferred:
		return "movable-preferred"
	case RescheduleMovable:
		return "movable"
	default:
		return "unknown"
	}
}

// Handler is implemented by every engine that owns operations: scanner,
// initiator, connection.
type Handler interface {
	// Begin prepares the payload right before the operation is handed to
	// the baseband. An error ends this occurrence only.
	Begin(op *Op) error

	// End runs after the baseband finished the operation, or after Begin or
	// Execute failed (op.Err() is set), or after a deferred termination.
	End(op *Op)

	// Abort runs when the operation was dropped before it started: evicted
	// by a stronger operation or found in the past at load time.
	Abort(op *Op)
}

// Op is a baseband operation descriptor.
type Op struct {
	Due         clock.Time
	MinDuration clock.Duration
	MaxDuration clock.Duration
	Reschedule  Reschedule

	// Align constrains start times found by the gap searching insertions to
	// origin + k*Align. Zero means any microsecond.
	Align clock.Duration

	Payload interface{}
	Handler Handler

	prev, next *Op
	linked     bool
	terminate  atomic.Bool
	err        error
}

// Until returns the end of the slot reserved by op.
func (o *Op) Until() clock.Time { return o.Due.Add(o.MaxDuration) }

// Terminating reports whether a removal was deferred to the running
// operation. Baseband implementations poll it at each decision point.
func (o *Op) Terminating() bool { return o.terminate.Load() }

// Err is the failure that ended the last occurrence, if any.
func (o *Op) Err() error { return o.err }

// Reset clears per-occurrence flags before an op is reused.
func (o *Op) Reset() {
	o.terminate.Store(false)
	o.err = nil
}

func (o *Op) overlaps(start, end clock.Time) bool {
	return o.Due < end && o.Until() > start
}
