package scan

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/pkg/errors"
	"github.com/rigado/llc"
	"github.com/rigado/llc/chsel"
	"github.com/rigado/llc/clock"
	"github.com/rigado/llc/conn"
	"github.com/rigado/llc/pdu"
	"github.com/rigado/llc/radio"
	"github.com/rigado/llc/sched"
)

var (
	ownAddr  = llc.MustAddr("01:02:03:04:05:06", llc.AddrPublic)
	advAddr  = llc.MustAddr("c0:11:22:33:44:55", llc.AddrRandom)
	advAddr2 = llc.MustAddr("c0:66:77:88:99:aa", llc.AddrRandom)
)

type sink struct {
	events []Event
}

func (s *sink) Post(e Event) bool {
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

func (s *sink) reports() []Report {
	var out []Report
	for _, e := range s.find(EventReport) {
		out = append(out, e.Report)
	}
	return out
}

type harness struct {
	clk    *clock.Sim
	w      *radio.World
	sched  *sched.Scheduler
	accept *AcceptList
	sink   *sink
}

func newHarness(t *testing.T) *harness {
	clk := clock.NewSim(0)
	w := radio.NewWorld()
	bb := radio.NewSim(clk, w)
	s, err := sched.New(clk, bb, sched.DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	bb.Attach(s)
	return &harness{clk: clk, w: w, sched: s, accept: NewAcceptList(4), sink: &sink{}}
}

func (h *harness) scanner(t *testing.T, role Role) *Scanner {
	s, err := New(role, h.clk, h.sched, h.accept, h.sink, DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func scanParams() Params {
	p := DefaultParams()
	p.OwnAddr = ownAddr
	return p
}

func TestBackoffLimits(t *testing.T) {
	b := NewBackoff(rand.New(rand.NewSource(1)))
	if !b.Request() {
		t.Fatalf("first request must go out")
	}

	b.Failure()
	if b.Upper() != 1 {
		t.Fatalf("one failure changed the limit to %d", b.Upper())
	}
	b.Failure()
	if b.Upper() != 2 {
		t.Fatalf("expected 2 after two failures, got %d", b.Upper())
	}
	b.Failure()
	b.Failure()
	if b.Upper() != 4 {
		t.Fatalf("expected 4, got %d", b.Upper())
	}
	for i := 0; i < 40; i++ {
		b.Failure()
	}
	if b.Upper() != MaxBackoff {
		t.Fatalf("expected ceiling %d, got %d", MaxBackoff, b.Upper())
	}
	if c := b.Count(); c < 1 || c > MaxBackoff {
		t.Fatalf("count %d outside [1, %d]", c, MaxBackoff)
	}

	b.Success()
	b.Success()
	if b.Upper() != MaxBackoff/2 {
		t.Fatalf("expected %d after two successes, got %d", MaxBackoff/2, b.Upper())
	}
	b.Failure()
	b.Success()
	b.Failure()
	b.Success()
	if b.Upper() != MaxBackoff/2 {
		t.Fatalf("alternating outcomes changed the limit to %d", b.Upper())
	}

	c := b.Count()
	for i := 1; i < c; i++ {
		if b.Request() {
			t.Fatalf("request %d of %d went out early", i, c)
		}
	}
	if !b.Request() {
		t.Fatalf("request %d did not go out", c)
	}

	for i := 0; i < 40; i++ {
		b.Success()
	}
	if b.Upper() != 1 || b.Count() != 1 {
		t.Fatalf("expected floor 1, got upper %d count %d", b.Upper(), b.Count())
	}
}

func TestDedupKeepsMostRecent(t *testing.T) {
	d, err := NewDedup(8)
	if err != nil {
		t.Fatal(err)
	}
	for h := uint64(1); h <= 9; h++ {
		if d.Seen(h) {
			t.Fatalf("H%d reported as duplicate", h)
		}
	}
	if !d.Contains(9) {
		t.Fatalf("H9 must be present")
	}
	if d.Seen(1) {
		t.Fatalf("H1 must have been dropped")
	}
	if !d.Seen(9) {
		t.Fatalf("H9 must be a duplicate")
	}
	if d.Len() != 8 {
		t.Fatalf("expected 8 hashes, got %d", d.Len())
	}
}

func TestHashFields(t *testing.T) {
	adi := &pdu.ADI{SID: 1, DID: 7}
	cases := []struct {
		name string
		a, b uint64
	}{
		{"event type", Hash(advAddr, EventLegacy, nil), Hash(advAddr, EventLegacy|EventScanResponse, nil)},
		{"address", Hash(advAddr, EventLegacy, nil), Hash(advAddr2, EventLegacy, nil)},
		{"sid", Hash(advAddr, 0, adi), Hash(advAddr, 0, &pdu.ADI{SID: 2, DID: 7})},
		{"did", Hash(advAddr, 0, adi), Hash(advAddr, 0, &pdu.ADI{SID: 1, DID: 8})},
	}
	for _, c := range cases {
		if c.a == c.b {
			t.Fatalf("%s: hashes collide", c.name)
		}
	}
	if Hash(advAddr, 0, adi) != Hash(advAddr, 0, &pdu.ADI{SID: 1, DID: 7}) {
		t.Fatalf("hash is not stable")
	}
}

func TestAcceptList(t *testing.T) {
	l := NewAcceptList(2)
	if err := l.Add(advAddr); err != nil {
		t.Fatal(err)
	}
	if err := l.Add(advAddr); err != nil {
		t.Fatalf("adding twice: %v", err)
	}
	if err := l.Add(advAddr2); err != nil {
		t.Fatal(err)
	}
	if err := l.Add(ownAddr); err != ErrListFull {
		t.Fatalf("expected %v, got %v", ErrListFull, err)
	}
	if !l.Contains(advAddr2) || l.Contains(ownAddr) {
		t.Fatalf("unexpected membership")
	}
	if err := l.Remove(ownAddr); errors.Cause(err) != ErrNotFound {
		t.Fatalf("expected %v, got %v", ErrNotFound, err)
	}
	if err := l.Remove(advAddr); err != nil || l.Len() != 1 {
		t.Fatalf("remove: %v, len %d", err, l.Len())
	}
	l.Clear()
	if l.Len() != 0 {
		t.Fatalf("list not cleared")
	}
}

func TestValidAccessAddress(t *testing.T) {
	cases := []struct {
		aa    uint32
		valid bool
	}{
		{0x12345678, true},
		{0x50654321, true},
		{0x71764129, true},
		{pdu.AdvAccessAddress, false},
		{pdu.AdvAccessAddress ^ 0x01, false},
		{0x00000000, false},
		{0x0000ff00, false},
		{0x55555555, false},
		{0xa5a5a5a5, false},
	}
	for _, c := range cases {
		if got := ValidAccessAddress(c.aa); got != c.valid {
			t.Fatalf("0x%08x: expected %v, got %v", c.aa, c.valid, got)
		}
	}
}

func TestPassiveScanReports(t *testing.T) {
	h := newHarness(t)
	data := []byte{0x02, 0x01, 0x06}
	h.w.AddAdvertiser(&radio.Advertiser{Addr: advAddr, Type: pdu.TypeAdvNonconnInd, Data: data, Interval: 10 * clock.Millisecond})

	s := h.scanner(t, RoleScanner)
	if err := s.Enable(scanParams(), nil); err != nil {
		t.Fatal(err)
	}
	h.clk.RunUntil(clock.Time(200 * clock.Millisecond))

	reps := h.sink.reports()
	if len(reps) < 10 {
		t.Fatalf("expected at least 10 reports, got %d", len(reps))
	}
	r := reps[0]
	if !r.Addr.Equal(advAddr) || r.Legacy != pdu.TypeAdvNonconnInd || r.EventType != EventLegacy {
		t.Fatalf("unexpected report %+v", r)
	}
	if !bytes.Equal(r.Data, data) || r.Extended() {
		t.Fatalf("unexpected report data %x", r.Data)
	}
	if s.Stats().ScanReqs != 0 || h.w.ScanReqs != 0 {
		t.Fatalf("passive scanner sent scan requests")
	}
}

func TestDuplicateFilter(t *testing.T) {
	h := newHarness(t)
	h.w.AddAdvertiser(&radio.Advertiser{Addr: advAddr, Type: pdu.TypeAdvNonconnInd, Interval: 10 * clock.Millisecond})

	s := h.scanner(t, RoleScanner)
	p := scanParams()
	p.FilterDuplicates = true
	if err := s.Enable(p, nil); err != nil {
		t.Fatal(err)
	}
	h.clk.RunUntil(clock.Time(200 * clock.Millisecond))

	if n := len(h.sink.reports()); n != 1 {
		t.Fatalf("expected one report, got %d", n)
	}
	if s.Stats().Duplicates < 5 {
		t.Fatalf("expected suppressed duplicates, got %d", s.Stats().Duplicates)
	}

	// enabling again clears the filter
	if err := s.Enable(p, nil); err != nil {
		t.Fatal(err)
	}
	h.clk.RunUntil(clock.Time(300 * clock.Millisecond))
	if n := len(h.sink.reports()); n != 2 {
		t.Fatalf("expected a second report after re-enable, got %d", n)
	}
}

func TestActiveScanResponse(t *testing.T) {
	h := newHarness(t)
	rsp := []byte{0x03, 0x09, 'l', 'l'}
	h.w.AddAdvertiser(&radio.Advertiser{Addr: advAddr, Type: pdu.TypeAdvInd, Data: []byte{0x02, 0x01, 0x06}, ScanRsp: rsp, Interval: 10 * clock.Millisecond})

	s := h.scanner(t, RoleScanner)
	p := scanParams()
	p.Active = true
	if err := s.Enable(p, nil); err != nil {
		t.Fatal(err)
	}
	h.clk.RunUntil(clock.Time(50 * clock.Millisecond))

	var got *Report
	for _, r := range h.sink.reports() {
		if r.Legacy == pdu.TypeScanRsp {
			r := r
			got = &r
			break
		}
	}
	if got == nil {
		t.Fatalf("no scan response reported")
	}
	want := EventLegacy | EventConnectable | EventScannable | EventScanResponse
	if got.EventType != want || !got.Addr.Equal(advAddr) || !bytes.Equal(got.Data, rsp) {
		t.Fatalf("unexpected scan response report %+v", got)
	}
	if h.w.ScanReqs == 0 || s.Stats().ScanRsps == 0 {
		t.Fatalf("expected scan requests, world saw %d", h.w.ScanReqs)
	}
	if s.Backoff().Upper() != 1 {
		t.Fatalf("answered requests raised the backoff to %d", s.Backoff().Upper())
	}
}

func TestAcceptListPolicy(t *testing.T) {
	h := newHarness(t)
	h.w.AddAdvertiser(&radio.Advertiser{Addr: advAddr, Type: pdu.TypeAdvNonconnInd, Interval: 10 * clock.Millisecond})
	h.w.AddAdvertiser(&radio.Advertiser{Addr: advAddr2, Type: pdu.TypeAdvNonconnInd, Interval: 10 * clock.Millisecond, Offset: 500 * clock.Microsecond})
	if err := h.accept.Add(advAddr2); err != nil {
		t.Fatal(err)
	}

	s := h.scanner(t, RoleScanner)
	p := scanParams()
	p.Policy = FilterAcceptList
	if err := s.Enable(p, nil); err != nil {
		t.Fatal(err)
	}
	if !s.UsesAcceptList() {
		t.Fatalf("scanner must report accept list use")
	}
	h.clk.RunUntil(clock.Time(100 * clock.Millisecond))

	reps := h.sink.reports()
	if len(reps) == 0 {
		t.Fatalf("no reports")
	}
	for _, r := range reps {
		if !r.Addr.Equal(advAddr2) {
			t.Fatalf("report from %v passed the accept list", r.Addr)
		}
	}
}

func TestWindowedScanStop(t *testing.T) {
	h := newHarness(t)
	h.w.AddAdvertiser(&radio.Advertiser{Addr: advAddr, Type: pdu.TypeAdvNonconnInd, Interval: 10 * clock.Millisecond})

	s := h.scanner(t, RoleScanner)
	p := scanParams()
	p.Interval = 20 * clock.Millisecond
	p.Window = 5 * clock.Millisecond
	if err := s.Enable(p, nil); err != nil {
		t.Fatal(err)
	}
	h.clk.RunUntil(clock.Time(110 * clock.Millisecond))
	n := len(h.sink.reports())
	if n == 0 {
		t.Fatalf("no reports")
	}

	// the next window is listed but not loaded: the stop is immediate
	if err := s.Disable(); err != nil {
		t.Fatal(err)
	}
	if got := len(h.sink.find(EventStopped)); got != 1 {
		t.Fatalf("expected an immediate stop, got %d", got)
	}
	if s.State() != StateShutdown {
		t.Fatalf("expected %v, got %v", StateShutdown, s.State())
	}
	s.Stopped()
	if s.State() != StateDisabled {
		t.Fatalf("expected %v, got %v", StateDisabled, s.State())
	}

	h.clk.RunUntil(clock.Time(200 * clock.Millisecond))
	if len(h.sink.reports()) != n {
		t.Fatalf("reports after stop")
	}
	if h.sched.Len() != 0 {
		t.Fatalf("scheduler still holds %d ops", h.sched.Len())
	}
}

func TestStopWaitsForRunningScan(t *testing.T) {
	h := newHarness(t)
	s := h.scanner(t, RoleScanner)
	if err := s.Enable(scanParams(), nil); err != nil {
		t.Fatal(err)
	}
	h.clk.RunUntil(5000)

	if err := s.Disable(); err != nil {
		t.Fatal(err)
	}
	if len(h.sink.find(EventStopped)) != 0 {
		t.Fatalf("stopped before the running scan ended")
	}
	if err := s.Enable(scanParams(), nil); err != ErrState {
		t.Fatalf("expected %v while stopping, got %v", ErrState, err)
	}

	h.clk.RunUntil(clock.Time(20 * clock.Millisecond))
	if len(h.sink.find(EventStopped)) != 1 {
		t.Fatalf("expected one stop event")
	}
	s.Stopped()
	if err := s.Disable(); err != ErrState {
		t.Fatalf("expected %v when disabled, got %v", ErrState, err)
	}
}

func TestEnableChecks(t *testing.T) {
	h := newHarness(t)
	initiator := h.scanner(t, RoleInitiator)
	if err := initiator.Enable(scanParams(), nil); err != ErrNoRequest {
		t.Fatalf("expected %v, got %v", ErrNoRequest, err)
	}
	s := h.scanner(t, RoleScanner)
	p := scanParams()
	p.Window = 2 * p.Interval
	if err := s.Enable(p, nil); err == nil {
		t.Fatalf("window longer than the interval accepted")
	}
	if err := initiator.Enable(scanParams(), &ConnectRequest{Peer: advAddr, Interval: 24, Timeout: 10, ChM: chsel.AllChannels}); err == nil {
		t.Fatalf("request without a connection slot accepted")
	}
}

func newInitiator(t *testing.T, h *harness) (*Scanner, *conn.Conn) {
	m, err := conn.NewManager(h.clk, h.sched, nil, conn.DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	c, err := m.Alloc()
	if err != nil {
		t.Fatal(err)
	}
	s := h.scanner(t, RoleInitiator)
	req := &ConnectRequest{Peer: advAddr, Interval: 24, Timeout: 100, ChM: chsel.AllChannels, Conn: c}
	if err := s.Enable(scanParams(), req); err != nil {
		t.Fatal(err)
	}
	return s, c
}

func TestInitiatorLegacyConnect(t *testing.T) {
	h := newHarness(t)
	per := radio.NewPeripheral()
	h.w.AddAdvertiser(&radio.Advertiser{Addr: advAddr2, Type: pdu.TypeAdvInd, Interval: 10 * clock.Millisecond, Peripheral: radio.NewPeripheral()})
	h.w.AddAdvertiser(&radio.Advertiser{Addr: advAddr, Type: pdu.TypeAdvInd, Interval: 10 * clock.Millisecond, Offset: 300 * clock.Microsecond, Peripheral: per})

	s, c := newInitiator(t, h)
	h.clk.RunUntil(clock.Time(50 * clock.Millisecond))

	stops := h.sink.find(EventStopped)
	if len(stops) != 1 {
		t.Fatalf("expected one stop event, got %d", len(stops))
	}
	e := stops[0]
	if e.Conn != c || e.Status != 0 || !e.Peer.Equal(advAddr) || e.Params.CSA2 {
		t.Fatalf("unexpected stop event %+v", e)
	}
	ci, ok := per.Connection()
	if !ok {
		t.Fatalf("target did not receive CONNECT_IND")
	}
	if !ci.InitA.Equal(ownAddr) || ci.Interval != 24 || ci.WinOffset != 0 || !ValidAccessAddress(ci.AccessAddress) {
		t.Fatalf("unexpected CONNECT_IND %+v", ci)
	}
	if len(h.sink.reports()) != 0 {
		t.Fatalf("initiator must not report")
	}
	s.Stopped()
	if s.State() != StateDisabled {
		t.Fatalf("expected %v, got %v", StateDisabled, s.State())
	}

	h.clk.RunUntil(clock.Time(200 * clock.Millisecond))
	if c.State() != conn.StateReady {
		t.Fatalf("expected %v, got %v", conn.StateReady, c.State())
	}
	if per.Exchanges() == 0 {
		t.Fatalf("no connection events")
	}
}

func TestInitiatorExtendedConnect(t *testing.T) {
	h := newHarness(t)
	per := radio.NewPeripheral()
	h.w.AddAdvertiser(&radio.Advertiser{
		Addr:       advAddr,
		Extended:   true,
		Mode:       pdu.ModeConnectable,
		SID:        3,
		DID:        0x123,
		AuxChannel: 5,
		Interval:   10 * clock.Millisecond,
		Peripheral: per,
	})

	_, c := newInitiator(t, h)
	h.clk.RunUntil(clock.Time(50 * clock.Millisecond))

	stops := h.sink.find(EventStopped)
	if len(stops) != 1 || stops[0].Conn != c {
		t.Fatalf("expected a connection, got %+v", stops)
	}
	if !stops[0].Params.CSA2 {
		t.Fatalf("extended connections use channel selection algorithm #2")
	}
	if _, ok := per.Connection(); !ok {
		t.Fatalf("target did not receive AUX_CONNECT_REQ")
	}
	h.clk.RunUntil(clock.Time(200 * clock.Millisecond))
	if c.State() != conn.StateReady {
		t.Fatalf("expected %v, got %v", conn.StateReady, c.State())
	}
}

func TestExtendedScanReport(t *testing.T) {
	h := newHarness(t)
	data := []byte{0x05, 0x09, 'e', 'x', 't', '!'}
	h.w.AddAdvertiser(&radio.Advertiser{
		Addr:       advAddr,
		Extended:   true,
		Mode:       pdu.ModeNonConnNonScan,
		SID:        4,
		DID:        9,
		AuxChannel: 12,
		Data:       data,
		Interval:   10 * clock.Millisecond,
	})

	s := h.scanner(t, RoleScanner)
	if err := s.Enable(scanParams(), nil); err != nil {
		t.Fatal(err)
	}
	h.clk.RunUntil(clock.Time(50 * clock.Millisecond))

	reps := h.sink.reports()
	if len(reps) == 0 {
		t.Fatalf("no extended report")
	}
	r := reps[0]
	if !r.Extended() || r.SID != 4 || !r.Addr.Equal(advAddr) || !bytes.Equal(r.Data, data) {
		t.Fatalf("unexpected report %+v", r)
	}
	if r.EventType != 0 || r.SecondaryPHY != pdu.PHY1M || r.TxPower != NoTxPower {
		t.Fatalf("unexpected report fields %+v", r)
	}
}
