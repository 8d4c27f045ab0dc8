package conn

import (
	"fmt"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/rigado/llc"
	"github.com/rigado/llc/chsel"
	"github.com/rigado/llc/clock"
	"github.com/rigado/llc/hci"
	"github.com/rigado/llc/llcp"
	"github.com/rigado/llc/pdu"
	"github.com/rigado/llc/radio"
	"github.com/rigado/llc/sched"
)

type sink struct {
	events []Event
	full   bool
}

func (s *sink) Post(e Event) bool {
	if s.full {
		return false
	}
	s.events = append(s.events, e)
	return true
}

func (s *sink) find(k EventKind) []Event {
	var out []Event
	for _, e := range s.events {
		if e.Kind == k {
			out = append(out, e)
		}
	}
	return out
}

type harness struct {
	clk   *clock.Sim
	per   *radio.Peripheral
	sched *sched.Scheduler
	m     *Manager
	sink  *sink
	c     *Conn
}

const testAnchor = clock.Time(10000)

func newHarness(t *testing.T, interval, timeout uint16) *harness {
	clk := clock.NewSim(0)
	w := radio.NewWorld()
	per := radio.NewPeripheral()
	advA := llc.MustAddr("c0:11:22:33:44:55", llc.AddrRandom)
	w.AddAdvertiser(&radio.Advertiser{Addr: advA, Type: pdu.TypeAdvInd, Peripheral: per})

	bb := radio.NewSim(clk, w)
	s, err := sched.New(clk, bb, sched.DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	bb.Attach(s)

	sk := &sink{}
	m, err := NewManager(clk, s, sk, DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}

	ci := pdu.ConnectInd{
		InitA:         llc.MustAddr("01:02:03:04:05:06", llc.AddrPublic),
		AdvA:          advA,
		AccessAddress: 0x50654321,
		CRCInit:       0x555555,
		WinSize:       1,
		Interval:      interval,
		Timeout:       timeout,
		ChM:           chsel.AllChannels,
		Hop:           7,
		SCA:           5,
	}
	w.Respond(radio.Channel37, ci.Marshal(), 0)
	if _, ok := per.Connection(); !ok {
		t.Fatalf("peripheral did not accept the connection")
	}

	c, err := m.Alloc()
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Start(ParamsFromConnectInd(ci, false, pdu.PHY1M), testAnchor); err != nil {
		t.Fatal(err)
	}
	return &harness{clk: clk, per: per, sched: s, m: m, sink: sk, c: c}
}

// due returns the anchor of event k before any parameter change.
func (h *harness) due(k int) clock.Time {
	return testAnchor.Add(clock.Duration(k) * IntervalDuration(h.c.Parameters().Interval))
}

// runEvent runs event k to its end.
func (h *harness) runEvent(k int) {
	h.clk.RunUntil(h.due(k).Add(5 * clock.Millisecond))
}

func TestEventCounterAcrossMissedEvents(t *testing.T) {
	h := newHarness(t, 30, 100)

	h.runEvent(0)
	if h.c.State() != StateReady {
		t.Fatalf("expected %v, got %v", StateReady, h.c.State())
	}
	c0 := h.c.Counter()
	d0 := h.c.SupervisionDeadline()
	if d0 != testAnchor.Add(clock.Second) {
		t.Fatalf("unexpected supervision deadline %v", d0)
	}

	h.per.Miss(3)
	for k := 1; k <= 3; k++ {
		h.runEvent(k)
		if h.c.SupervisionDeadline() != d0 {
			t.Fatalf("supervision reset by missed event %d", k)
		}
		if got := h.c.Counter(); got != c0+uint16(k) {
			t.Fatalf("after event %d counter is %d, want %d", k, got, c0+uint16(k))
		}
	}
	h.runEvent(4)
	if got := h.c.Counter(); got != c0+4 {
		t.Fatalf("counter %d, want %d", got, c0+4)
	}
	if want := h.due(4).Add(clock.Second); h.c.SupervisionDeadline() != want {
		t.Fatalf("supervision deadline %v, want %v", h.c.SupervisionDeadline(), want)
	}
	if len(h.sink.find(EventDisconnected)) != 0 {
		t.Fatalf("link must survive")
	}
}

func TestProvisionalSupervision(t *testing.T) {
	h := newHarness(t, 8, 100)
	h.per.Miss(1000)
	h.clk.RunUntil(h.due(ProvisionalEvents + 1))

	d := h.sink.find(EventDisconnected)
	if len(d) != 1 || d[0].Reason != hci.StatusConnectionFailedToBeEstablished {
		t.Fatalf("unexpected events %+v", h.sink.events)
	}
	if h.c.State() != StateTerminating {
		t.Fatalf("unexpected state %v", h.c.State())
	}
	if h.sched.Len() != 0 {
		t.Fatalf("no event may stay scheduled")
	}
}

func TestSupervisionTimeout(t *testing.T) {
	h := newHarness(t, 8, 10)
	h.runEvent(0)
	h.per.Miss(1000)
	h.clk.RunUntil(h.due(0).Add(200 * clock.Millisecond))

	d := h.sink.find(EventDisconnected)
	if len(d) != 1 || d[0].Reason != hci.StatusConnectionTimeout {
		t.Fatalf("unexpected events %+v", h.sink.events)
	}
}

func TestLocalDisconnect(t *testing.T) {
	h := newHarness(t, 8, 100)
	h.runEvent(0)
	if err := h.c.Disconnect(hci.StatusRemoteUserTerminated); err != nil {
		t.Fatal(err)
	}
	if err := h.c.Disconnect(hci.StatusRemoteUserTerminated); err == nil {
		t.Fatalf("second disconnect must fail")
	}
	h.runEvent(1)

	if !h.per.Gone() {
		t.Fatalf("peripheral did not receive LL_TERMINATE_IND")
	}
	d := h.sink.find(EventDisconnected)
	if len(d) != 1 || d[0].Reason != hci.StatusLocalHostTerminated {
		t.Fatalf("unexpected events %+v", h.sink.events)
	}
	if err := h.c.Send(true, []byte{1}); err == nil {
		t.Fatalf("send after close must fail")
	}
}

func TestPeerTerminate(t *testing.T) {
	h := newHarness(t, 8, 100)
	h.runEvent(0)
	h.per.Terminate(0x13)
	h.runEvent(1)

	if !h.per.Gone() {
		t.Fatalf("LL_TERMINATE_IND was not acknowledged")
	}
	d := h.sink.find(EventDisconnected)
	if len(d) != 1 || d[0].Reason != hci.StatusRemoteUserTerminated {
		t.Fatalf("unexpected events %+v", h.sink.events)
	}
}

func TestConnUpdateAtInstant(t *testing.T) {
	h := newHarness(t, 30, 100)
	h.runEvent(0)
	if err := h.c.Request(llcp.Request{Proc: llcp.ProcConnUpdate, IntervalMin: 40, IntervalMax: 40, Timeout: 200}); err != nil {
		t.Fatal(err)
	}
	instant := h.c.Counter() + 6
	at := h.due(int(instant))

	var ind *pdu.ConnectionUpdateInd
	h.runEvent(1)
	for _, c := range h.per.Control() {
		if m, ok := c.(*pdu.ConnectionUpdateInd); ok {
			ind = m
		}
	}
	if ind == nil || ind.Instant != instant {
		t.Fatalf("peripheral got %+v, want instant %d", ind, instant)
	}

	// the event before the instant still runs on the old interval
	h.clk.RunUntil(at.Add(-clock.Millisecond))
	if len(h.sink.find(EventProc)) != 0 {
		t.Fatalf("completion reported before the instant")
	}

	if h.c.Parameters().Interval != 40 {
		t.Fatalf("change not applied when scheduling the instant event")
	}
	if slots := h.sched.Slots(); len(slots) != 1 || slots[0].Start != at {
		t.Fatalf("instant event at %+v, want %v", slots, at)
	}
	newAnchor := at
	h.clk.RunUntil(newAnchor.Add(5 * clock.Millisecond))
	p := h.sink.find(EventProc)
	if len(p) != 1 || p[0].Result.Interval != 40 || p[0].Result.Proc != llcp.ProcConnUpdate {
		t.Fatalf("unexpected events %+v", h.sink.events)
	}
	slots := h.sched.Slots()
	if len(slots) != 1 || slots[0].Start != newAnchor.Add(IntervalDuration(40)) {
		t.Fatalf("next event at %+v, want %v", slots, newAnchor.Add(IntervalDuration(40)))
	}
}

func TestDataBothWays(t *testing.T) {
	h := newHarness(t, 8, 100)
	h.runEvent(0)

	out := make([]byte, 60)
	for i := range out {
		out[i] = byte(i)
	}
	if err := h.c.Send(true, out); err != nil {
		t.Fatal(err)
	}
	h.per.Send([]byte{0xaa, 0xbb})
	h.runEvent(1)

	rx := h.per.Received()
	if len(rx) != 3 || len(rx[0]) != 27 || len(rx[2]) != 6 {
		t.Fatalf("unexpected fragments %v", rx)
	}
	done := h.sink.find(EventCompleted)
	if len(done) != 1 || done[0].Completed != 1 {
		t.Fatalf("unexpected completions %+v", done)
	}
	data := h.sink.find(EventData)
	if len(data) != 1 || !data[0].Start || len(data[0].Data) != 2 || data[0].Data[0] != 0xaa {
		t.Fatalf("unexpected data %+v", data)
	}
}

func TestBackpressureLeavesPDUUnacknowledged(t *testing.T) {
	h := newHarness(t, 8, 100)
	h.runEvent(0)
	h.per.Send([]byte{1, 2, 3})
	h.sink.full = true
	h.runEvent(1)
	h.sink.full = false
	h.runEvent(2)

	data := h.sink.find(EventData)
	if len(data) != 1 || len(data[0].Data) != 3 {
		t.Fatalf("expected one delivery after retransmission, got %+v", data)
	}
}

func TestReloadPicksUpNewData(t *testing.T) {
	h := newHarness(t, 8, 100)
	h.runEvent(0)

	cfg := h.sched.Config()
	h.clk.RunUntil(h.due(1).Add(-cfg.LoadLead))
	if h.sched.Current() == nil {
		t.Fatalf("event 1 should be loaded")
	}
	before := h.per.Exchanges()
	if err := h.c.Send(true, []byte{1, 2, 3, 4}); err != nil {
		t.Fatal(err)
	}
	h.runEvent(1)

	if n := h.per.Exchanges() - before; n != 1 {
		t.Fatalf("expected data in the first exchange, got %d exchanges", n)
	}
	if len(h.per.Received()) != 1 {
		t.Fatalf("data not delivered")
	}
}

func TestCRCStreakClosesEventOnly(t *testing.T) {
	h := newHarness(t, 8, 100)
	h.runEvent(0)
	h.per.Corrupt(2)
	before := h.per.Exchanges()
	h.runEvent(1)
	if n := h.per.Exchanges() - before; n != 2 {
		t.Fatalf("expected the event to end after 2 CRC errors, got %d exchanges", n)
	}
	h.runEvent(2)
	if len(h.sink.find(EventDisconnected)) != 0 || h.c.State() != StateReady {
		t.Fatalf("CRC errors must not close the link")
	}
}

type blocker struct{ ended int }

func (*blocker) Begin(*sched.Op) error { return nil }
func (b *blocker) End(*sched.Op)       { b.ended++ }
func (*blocker) Abort(*sched.Op)       {}

func TestConflictSkipsToNextInterval(t *testing.T) {
	h := newHarness(t, 30, 100)
	b := &blocker{}
	op := &sched.Op{
		Due:         h.due(1).Add(-500 * clock.Microsecond),
		MinDuration: clock.Millisecond,
		MaxDuration: clock.Millisecond,
		Reschedule:  sched.RescheduleFixed,
		Handler:     b,
		Payload:     &radio.Params{Kind: radio.KindScan, Channel: radio.Channel37},
	}
	if err := h.sched.InsertAtDueTime(op, nil); err != nil {
		t.Fatal(err)
	}

	h.runEvent(0)
	c0 := h.c.Counter()
	if c0 != 2 {
		t.Fatalf("event 1 collides, expected event 2 to be scheduled, got %d", c0)
	}
	h.runEvent(2)
	if b.ended != 1 {
		t.Fatalf("blocker did not run")
	}
	if h.per.Exchanges() != 2 {
		t.Fatalf("expected 2 events on air, got %d", h.per.Exchanges())
	}
	if h.c.Counter() != 3 {
		t.Fatalf("counter %d, want 3", h.c.Counter())
	}
}

func TestFeatureExchangeOverTheAir(t *testing.T) {
	h := newHarness(t, 8, 100)
	h.runEvent(0)
	if err := h.c.Request(llcp.Request{Proc: llcp.ProcFeatureExchange}); err != nil {
		t.Fatal(err)
	}
	h.runEvent(1)
	h.runEvent(2)
	p := h.sink.find(EventProc)
	if len(p) != 1 || p[0].Result.Features != h.per.Features {
		t.Fatalf("unexpected events %+v", h.sink.events)
	}
	if f, ok := h.c.PeerFeatures(); !ok || f != h.per.Features {
		t.Fatalf("features not cached")
	}
}

func TestManagerSlots(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConns = 2
	m, err := NewManager(clock.NewSim(0), nil, nil, cfg)
	if err != nil {
		t.Fatal(err)
	}
	a, _ := m.Alloc()
	b, _ := m.Alloc()
	if _, err := m.Alloc(); err != ErrNoSlot {
		t.Fatalf("expected ErrNoSlot, got %v", err)
	}
	if a.Handle() != 0 || b.Handle() != 1 {
		t.Fatalf("unexpected handles %d %d", a.Handle(), b.Handle())
	}
	if _, err := m.Lookup(5); errors.Cause(err) != ErrUnknownHandle {
		t.Fatalf("expected ErrUnknownHandle, got %v", err)
	}
}

func TestWindowWidening(t *testing.T) {
	tests := []struct {
		unsync clock.Duration
		local  uint16
		peer   uint16
		want   clock.Duration
	}{
		{0, 50, 500, 16},
		{37500, 50, 500, 21 + 16},
		{clock.Second, 20, 20, 40 + 16},
		{1, 20, 20, 1 + 16},
	}
	for _, tt := range tests {
		if got := WindowWidening(tt.unsync, tt.local, tt.peer, 16); got != tt.want {
			t.Fatalf("WindowWidening(%v, %d, %d) = %v, want %v", tt.unsync, tt.local, tt.peer, got, tt.want)
		}
	}
	if PPMToSCA(50) != 5 || PPMToSCA(500) != 0 || PPMToSCA(20) != 7 || SCAToPPM(3) != 100 {
		t.Fatalf("sca table mismatch")
	}
}

func TestPlaceAvoidsLiveLinks(t *testing.T) {
	// live link: 37.5 ms interval, 7.5 ms events from testAnchor
	h := newHarness(t, 30, 100)
	interval := IntervalDuration(40)
	length := 2500 * clock.Microsecond

	// free against the first two events, hits the third at +112.5 ms
	from := testAnchor.Add(14 * clock.Millisecond)
	at, ok := h.m.Place(from, from.Add(interval-Unit), interval, length, Unit)
	if !ok {
		t.Fatalf("no placement found")
	}
	if want := testAnchor.Add(20250 * clock.Microsecond); at != want {
		t.Fatalf("placed at %v, want %v", at, want)
	}

	a := IntervalDuration(30)
	for k := 0; k < 12; k++ {
		s := at.Add(clock.Duration(k) * interval)
		e := s.Add(length)
		for j := 0; j < 20; j++ {
			as := testAnchor.Add(clock.Duration(j) * a)
			if as.Before(e) && as.Add(7500*clock.Microsecond).After(s) {
				t.Fatalf("event %d at %v overlaps live event %d at %v", k, s, j, as)
			}
		}
	}
}

func TestPlaceWithoutLinks(t *testing.T) {
	m, err := NewManager(clock.NewSim(0), nil, nil, DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Alloc(); err != nil {
		t.Fatal(err)
	}
	at, ok := m.Place(1000, 5000, IntervalDuration(24), 2500, Unit)
	if !ok || at != 1000 {
		t.Fatalf("expected the first candidate, got %v %v", at, ok)
	}
	if m.EventLength(IntervalDuration(6)) != IntervalDuration(6)-eventMargin {
		t.Fatalf("short intervals bound the event length")
	}
}

type captureLogger struct {
	llc.Logger
	debug *[]string
}

func (l captureLogger) Debugf(format string, args ...interface{}) {
	*l.debug = append(*l.debug, fmt.Sprintf(format, args...))
}

func (l captureLogger) ChildLogger(map[string]interface{}) llc.Logger { return l }

func TestFreeDuringEventLogsDeferredRemove(t *testing.T) {
	prev := llc.GetLogger()
	var debug []string
	llc.SetLogger(captureLogger{Logger: prev, debug: &debug})
	defer llc.SetLogger(prev)

	h := newHarness(t, 30, 100)
	// the first event is on air
	h.clk.RunUntil(testAnchor)
	h.m.Free(h.c)

	found := false
	for _, l := range debug {
		if strings.HasPrefix(l, "remove on stop") && strings.Contains(l, sched.ErrTerminatePending.Error()) {
			found = true
		}
	}
	if !found {
		t.Fatalf("deferred removal not logged: %q", debug)
	}
	if h.m.Len() != 0 {
		t.Fatalf("slot not freed")
	}
	h.clk.RunUntil(h.due(3))
	if len(h.sched.Slots()) != 0 || len(h.sink.find(EventDisconnected)) != 0 {
		t.Fatalf("stopped link still running: %+v %+v", h.sched.Slots(), h.sink.events)
	}
}
