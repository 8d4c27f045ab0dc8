package clock

import (
	"testing"
	"time"
)

func TestSystemNestedDefer(t *testing.T) {
	s := NewSystem(1)
	defer s.Close()

	var got []int
	done := make(chan struct{})
	s.Defer(func() {
		got = append(got, 1)
		s.Defer(func() { got = append(got, 2) })
		s.Defer(func() { got = append(got, 3) })
		s.Defer(func() { close(done) })
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("interrupt goroutine blocked in Defer")
	}
	if len(got) != 3 || got[0] != 1 || got[1] != 2 || got[2] != 3 {
		t.Fatalf("unexpected order %v", got)
	}
}

func TestSystemAfterFunc(t *testing.T) {
	s := NewSystem(4)
	defer s.Close()

	fired := make(chan Time, 1)
	at := s.Now().Add(2 * Millisecond)
	s.AfterFunc(at, func() { fired <- s.Now() })

	select {
	case now := <-fired:
		if now.Before(at) {
			t.Fatalf("fired at %v, before %v", now, at)
		}
	case <-time.After(time.Second):
		t.Fatalf("timer never fired")
	}
}

func TestSystemClosed(t *testing.T) {
	s := NewSystem(1)
	s.Close()
	s.Close()
	ran := make(chan struct{}, 1)
	s.Defer(func() { ran <- struct{}{} })
	select {
	case <-ran:
		t.Fatalf("callback ran after close")
	case <-time.After(10 * time.Millisecond):
	}
}
