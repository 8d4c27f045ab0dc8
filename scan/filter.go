package scan

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/rigado/llc"
)

var (
	ErrListFull = errors.New("filter accept list full")
	ErrNotFound = errors.New("address not in filter accept list")
)

// AcceptList is the filter accept list shared by the scanner and the
// initiator.
type AcceptList struct {
	mu    sync.Mutex
	size  int
	addrs []llc.Addr
}

// NewAcceptList returns an empty list holding up to size entries.
func NewAcceptList(size int) *AcceptList {
	return &AcceptList{size: size}
}

// Size returns the capacity of the list.
func (l *AcceptList) Size() int { return l.size }

// Len returns the number of entries.
func (l *AcceptList) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.addrs)
}

// Add inserts a. Adding a present address is not an error.
func (l *AcceptList) Add(a llc.Addr) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, x := range l.addrs {
		if x.Equal(a) {
			return nil
		}
	}
	if len(l.addrs) >= l.size {
		return ErrListFull
	}
	l.addrs = append(l.addrs, a)
	return nil
}

// Remove deletes a.
func (l *AcceptList) Remove(a llc.Addr) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, x := range l.addrs {
		if x.Equal(a) {
			l.addrs = append(l.addrs[:i], l.addrs[i+1:]...)
			return nil
		}
	}
	return errors.Wrapf(ErrNotFound, "%v", a)
}

// Clear empties the list.
func (l *AcceptList) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.addrs = nil
}

// Contains reports whether a is listed.
func (l *AcceptList) Contains(a llc.Addr) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, x := range l.addrs {
		if x.Equal(a) {
			return true
		}
	}
	return false
}
