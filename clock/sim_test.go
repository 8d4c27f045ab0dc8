package clock

import "testing"

func TestSimOrdering(t *testing.T) {
	s := NewSim(0)
	var got []int
	s.AfterFunc(300, func() { got = append(got, 3) })
	s.AfterFunc(100, func() { got = append(got, 1) })
	s.AfterFunc(100, func() { got = append(got, 2) })
	tm := s.AfterFunc(200, func() { got = append(got, 99) })
	if !tm.Stop() {
		t.Fatalf("expected stop to succeed")
	}
	if tm.Stop() {
		t.Fatalf("expected second stop to fail")
	}

	s.RunUntil(250)
	if len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("unexpected order %v", got)
	}
	if s.Now() != 250 {
		t.Fatalf("expected now 250, got %v", s.Now())
	}
	s.Advance(100)
	if len(got) != 3 || got[2] != 3 {
		t.Fatalf("unexpected order %v", got)
	}
}

func TestSimNestedArm(t *testing.T) {
	s := NewSim(0)
	n := 0
	var tick func()
	tick = func() {
		n++
		if n < 5 {
			s.AfterFunc(s.Now().Add(10), tick)
		}
	}
	s.AfterFunc(10, tick)
	s.RunUntil(1000)
	if n != 5 {
		t.Fatalf("expected 5 ticks, got %d", n)
	}
	if s.Pending() != 0 {
		t.Fatalf("expected no pending timers")
	}
}
