package sched

import "github.com/pkg/errors"

var (
	ErrPast             = errors.New("sched: due time already passed")
	ErrConflict         = errors.New("sched: slot taken by a stronger operation")
	ErrTooManyEvictions = errors.New("sched: conflict resolution exceeds eviction bound")
	ErrNoGap            = errors.New("sched: no gap fits the operation")
	ErrLinked           = errors.New("sched: operation already scheduled")
	ErrTerminatePending = errors.New("sched: operation running, termination deferred")
	ErrNotLoaded        = errors.New("sched: operation not loaded")
	ErrTooLate          = errors.New("sched: not enough lead time")
	ErrTerminated       = errors.New("sched: operation terminated before start")
	ErrInvalidDuration  = errors.New("sched: invalid duration")
)
