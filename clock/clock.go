// Package clock provides the microsecond time base of the controller and the
// interrupt domain in which timer callbacks and baseband completions run.
package clock

import "time"

// Time is a controller timestamp in microseconds.
type Time int64

// Duration is a span of controller time in microseconds.
type Duration int64

const (
	Microsecond Duration = 1
	Millisecond          = 1000 * Microsecond
	Second               = 1000 * Millisecond
)

// Add returns t+d.
func (t Time) Add(d Duration) Time { return t + Time(d) }

// Sub returns t-u.
func (t Time) Sub(u Time) Duration { return Duration(t - u) }

// Before reports whether t is before u.
func (t Time) Before(u Time) bool { return t < u }

// After reports whether t is after u.
func (t Time) After(u Time) bool { return t > u }

// Std converts d to a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) * time.Microsecond }

// FromStd converts a time.Duration, truncating to whole microseconds.
func FromStd(d time.Duration) Duration { return Duration(d / time.Microsecond) }

// Timer is a pending callback armed with AfterFunc.
type Timer interface {
	// Stop prevents the callback from running. It reports false if the
	// callback already ran or was stopped.
	Stop() bool
}

// Clock is the time service consumed by the scheduler and protocol engines.
//
// Callbacks armed with AfterFunc and work handed to Defer run in the
// interrupt domain: one at a time, in time order, never concurrently with
// each other.
type Clock interface {
	Now() Time
	AfterFunc(at Time, f func()) Timer
	Defer(f func())
}
