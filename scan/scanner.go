// Package scan runs the scanner and the initiator on the primary
// advertising channels: windowed or continuous discovery, active scanning
// with backoff, duplicate filtering, auxiliary packet follow-up and
// connection setup.
//
// Enable, Disable, Reset and Stopped are called from the task domain. The
// radio callbacks run in the interrupt domain and report back through a
// Sink. A stop is complete once EventStopped was posted and acknowledged
// with Stopped.
package scan

import (
	"math/rand"
	"sync"

	"github.com/pkg/errors"
	"github.com/rigado/llc"
	"github.com/rigado/llc/clock"
	"github.com/rigado/llc/conn"
	"github.com/rigado/llc/hci"
	"github.com/rigado/llc/pdu"
	"github.com/rigado/llc/radio"
	"github.com/rigado/llc/sched"
)

var (
	ErrState     = errors.New("command not allowed in scanner state")
	ErrNoRequest = errors.New("initiator needs a connection request")
	ErrStopped   = errors.New("scanner stopped")
)

// Scan interval limits.
const (
	MinInterval = 2500 * clock.Microsecond
	MaxInterval = 40960 * clock.Millisecond
)

// minWindow is the shortest piece of a scan window worth scheduling.
const minWindow = 1250 * clock.Microsecond

// stopRetryDelay spaces attempts to deliver EventStopped to a full sink.
const stopRetryDelay = clock.Millisecond

var primaryChannels = [3]uint8{radio.Channel37, radio.Channel38, radio.Channel39}

// State of a Scanner.
type State uint8

const (
	StateDisabled State = iota
	StateDiscover
	StateShutdown
	StateReset
)

func (s State) String() string {
	switch s {
	case StateDisabled:
		return "disabled"
	case StateDiscover:
		return "discover"
	case StateShutdown:
		return "shutdown"
	case StateReset:
		return "reset"
	default:
		return "unknown"
	}
}

// Role selects what a Scanner does with the advertisements it hears.
type Role uint8

const (
	RoleScanner Role = iota
	RoleInitiator
)

func (r Role) String() string {
	if r == RoleInitiator {
		return "initiator"
	}
	return "scanner"
}

// FilterPolicy selects the advertisers that are processed.
type FilterPolicy uint8

const (
	FilterAcceptAll FilterPolicy = iota
	FilterAcceptList
)

// Params are the scan parameters.
type Params struct {
	Active           bool
	Interval         clock.Duration
	Window           clock.Duration
	OwnAddr          llc.Addr
	Policy           FilterPolicy
	PHY              pdu.PHY
	FilterDuplicates bool
}

// DefaultParams returns passive continuous scanning on 1M.
func DefaultParams() Params {
	return Params{
		Interval: 10 * clock.Millisecond,
		Window:   10 * clock.Millisecond,
	}
}

func (p Params) validate() error {
	switch {
	case p.Interval < MinInterval || p.Interval > MaxInterval:
		return errors.Errorf("invalid scan interval %v", p.Interval)
	case p.Window < minWindow || p.Window > p.Interval:
		return errors.Errorf("invalid scan window %v", p.Window)
	case p.Policy > FilterAcceptList:
		return errors.Errorf("invalid filter policy %d", p.Policy)
	case p.PHY == pdu.PHY2M || p.PHY > pdu.PHYCoded:
		return errors.Errorf("invalid primary PHY %d", p.PHY)
	}
	return nil
}

// Continuous reports whether the window covers the whole interval.
func (p Params) Continuous() bool { return p.Window >= p.Interval }

// Config holds the fixed settings of a Scanner.
type Config struct {
	// DedupSize is the number of report hashes kept for duplicate
	// filtering.
	DedupSize int
	// Seed feeds backoff draws, access addresses and hop increments.
	Seed int64
	// ConnEventLength is reserved for the first connection event.
	ConnEventLength clock.Duration
	// LocalPPM is the sleep clock accuracy advertised in connect requests.
	LocalPPM uint16
	// AuxLead opens the receiver this long before an auxiliary packet.
	AuxLead clock.Duration
}

// DefaultConfig returns the settings used by the controller.
func DefaultConfig() Config {
	return Config{
		DedupSize:       8,
		Seed:            1,
		ConnEventLength: 2500 * clock.Microsecond,
		LocalPPM:        50,
		AuxLead:         60 * clock.Microsecond,
	}
}

func (c Config) validate() error {
	switch {
	case c.DedupSize <= 0:
		return errors.Errorf("invalid DedupSize %d", c.DedupSize)
	case c.ConnEventLength <= 0:
		return errors.Errorf("invalid ConnEventLength %v", c.ConnEventLength)
	case c.AuxLead < 0:
		return errors.Errorf("invalid AuxLead %v", c.AuxLead)
	}
	return nil
}

// EventKind tells scanner events apart.
type EventKind uint8

const (
	EventReport EventKind = iota
	EventStopped
)

func (k EventKind) String() string {
	switch k {
	case EventReport:
		return "report"
	case EventStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Event is a message from a Scanner to the task domain.
type Event struct {
	Kind EventKind
	Role Role

	Report Report

	// Conn is set on EventStopped when the initiator connected.
	Conn   *conn.Conn
	Peer   llc.Addr
	Params conn.Params
	Status hci.Status
}

// Sink receives scanner events. Post must not block.
type Sink interface {
	Post(e Event) bool
}

// Stats counts scanner outcomes.
type Stats struct {
	Reports    int
	Duplicates int
	Dropped    int
	ScanReqs   int
	ScanRsps   int
	Connects   int
}

type trigger uint8

const (
	trigEnable trigger = iota
	trigDisable
	trigEnded
	trigReset
)

type scanReq struct {
	addr llc.Addr
	typ  pdu.AdvType
	ext  bool
}

// Scanner is the scanning or initiating state machine.
type Scanner struct {
	role   Role
	clk    clock.Clock
	sched  *sched.Scheduler
	accept *AcceptList
	sink   Sink
	cfg    Config
	log    llc.Logger

	mu      sync.Mutex
	state   State
	params  Params
	req     *ConnectRequest
	rnd     *rand.Rand
	backoff *Backoff
	dedup   *Dedup
	stats   Stats

	op     sched.Op
	radio  radio.Params
	aux    auxOp
	chIdx  int
	origin clock.Time
	retry  clock.Timer

	scanReq *scanReq
	target  *auxTarget
	pending *pendingConn

	// waiting counts the ops whose End is awaited before EventStopped.
	waiting  int
	finished bool
}

// New returns a disabled scanner.
func New(role Role, clk clock.Clock, s *sched.Scheduler, accept *AcceptList, sink Sink, cfg Config) (*Scanner, error) {
	if err := cfg.validate(); err != nil {
		return nil, errors.Wrap(err, "can't create scanner")
	}
	d, err := NewDedup(cfg.DedupSize)
	if err != nil {
		return nil, err
	}
	rnd := rand.New(rand.NewSource(cfg.Seed))
	sc := &Scanner{
		role:    role,
		clk:     clk,
		sched:   s,
		accept:  accept,
		sink:    sink,
		cfg:     cfg,
		log:     llc.ComponentLogger(role.String()),
		rnd:     rnd,
		backoff: NewBackoff(rnd),
		dedup:   d,
		params:  DefaultParams(),
	}
	sc.op.Handler = sc
	sc.op.Payload = &sc.radio
	sc.op.Reschedule = sched.RescheduleMovable
	sc.aux.s = sc
	sc.aux.op.Handler = &sc.aux
	sc.aux.op.Payload = &sc.aux.radio
	sc.aux.op.Reschedule = sched.RescheduleMovablePreferred
	return sc, nil
}

// Role returns the role of s.
func (s *Scanner) Role() Role { return s.role }

// State returns the current state.
func (s *Scanner) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Params returns the parameters of the last Enable.
func (s *Scanner) Params() Params {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.params
}

// Request returns the connection request of an enabled initiator.
func (s *Scanner) Request() *ConnectRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.req
}

// Stats returns the counters of s.
func (s *Scanner) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Backoff returns the scan request backoff, for inspection.
func (s *Scanner) Backoff() *Backoff { return s.backoff }

// UsesAcceptList reports whether the running scanner or initiator filters
// on the accept list, which must not change meanwhile.
func (s *Scanner) UsesAcceptList() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateDisabled {
		return false
	}
	if s.role == RoleInitiator {
		return s.req != nil && s.req.UseAcceptList
	}
	return s.params.Policy == FilterAcceptList
}

// Enable starts discovery. Enabling a running scanner only updates duplicate
// filtering and clears the filter.
func (s *Scanner) Enable(p Params, req *ConnectRequest) error {
	if err := p.validate(); err != nil {
		return err
	}
	if s.role == RoleInitiator {
		if req == nil {
			return ErrNoRequest
		}
		if err := req.validate(); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateDisabled {
		s.params, s.req = p, req
	} else if s.state == StateDiscover {
		s.params.FilterDuplicates = p.FilterDuplicates
	}
	return s.dispatch(trigEnable)
}

// Disable stops discovery. EventStopped follows once the radio released
// every op.
func (s *Scanner) Disable() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dispatch(trigDisable)
}

// Reset stops discovery on controller reset.
func (s *Scanner) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dispatch(trigReset)
}

// Stopped acknowledges EventStopped and returns the scanner to
// StateDisabled.
func (s *Scanner) Stopped() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dispatch(trigEnded)
}

func (s *Scanner) dispatch(t trigger) error {
	switch s.state {
	case StateDisabled:
		switch t {
		case trigEnable:
			s.start()
			s.state = StateDiscover
		case trigDisable:
			return ErrState
		}
	case StateDiscover:
		switch t {
		case trigEnable:
			if s.role == RoleInitiator {
				return ErrState
			}
			s.dedup.Reset()
		case trigDisable:
			s.state = StateShutdown
			s.shutdown()
		case trigReset:
			s.state = StateReset
			s.shutdown()
		case trigEnded:
			s.state = StateDisabled
			s.req = nil
		}
	case StateShutdown:
		switch t {
		case trigEnable:
			return ErrState
		case trigReset:
			s.state = StateReset
		case trigEnded:
			s.state = StateDisabled
			s.req = nil
		}
	case StateReset:
		switch t {
		case trigEnable, trigDisable:
			return ErrState
		case trigEnded:
			s.state = StateDisabled
			s.req = nil
		}
	}
	return nil
}

func (s *Scanner) start() {
	s.backoff.Reset()
	s.dedup.Reset()
	s.chIdx = 0
	s.scanReq, s.target, s.pending = nil, nil, nil
	s.waiting, s.finished = 0, false
	s.radio = radio.Params{
		Kind:          radio.KindScan,
		AccessAddress: pdu.AdvAccessAddress,
		CRCInit:       pdu.AdvCRCInit,
		PHY:           s.params.PHY,
		Scan:          s,
	}
	s.log.Debugf("start: interval %v window %v active %v", s.params.Interval, s.params.Window, s.params.Active)

	if s.params.Continuous() {
		s.op.MinDuration = s.params.Window
		s.op.MaxDuration = s.params.Window
		s.sched.SetBackground(&s.op)
		return
	}
	s.origin = s.clk.Now()
	s.scheduleWindow()
}

// shutdown releases every op. EventStopped is posted now when nothing is
// running, otherwise from the End of the last running op.
func (s *Scanner) shutdown() {
	s.stopRetry()
	if s.finished {
		return
	}
	s.waiting = 0
	for _, op := range []*sched.Op{&s.op, &s.aux.op} {
		if err := s.sched.Remove(op); err == sched.ErrTerminatePending {
			s.waiting++
		}
	}
	if s.waiting == 0 {
		s.finish(Event{Kind: EventStopped, Role: s.role, Status: hci.StatusUnknownConnectionID})
	}
}

// ended accounts for an op that finished while stopping.
func (s *Scanner) ended() {
	if s.finished {
		return
	}
	if s.waiting > 0 {
		s.waiting--
	}
	if s.waiting == 0 {
		s.finish(Event{Kind: EventStopped, Role: s.role, Status: hci.StatusUnknownConnectionID})
	}
}

func (s *Scanner) finish(e Event) {
	s.finished = true
	s.stopRetry()
	s.deliver(e)
}

func (s *Scanner) deliver(e Event) {
	if s.post(e) {
		return
	}
	s.log.Warn("event queue full, retrying stop notification")
	s.clk.AfterFunc(s.clk.Now().Add(stopRetryDelay), func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.deliver(e)
	})
}

func (s *Scanner) post(e Event) bool {
	if s.sink == nil {
		return true
	}
	return s.sink.Post(e)
}

func (s *Scanner) stopRetry() {
	if s.retry != nil {
		s.retry.Stop()
		s.retry = nil
	}
}

func (s *Scanner) running() bool {
	return s.state == StateDiscover && !s.finished
}

// scheduleWindow places a window in the interval starting at s.origin,
// moving on to later intervals when no gap is found.
func (s *Scanner) scheduleWindow() {
	now := s.clk.Now()
	for s.origin.Add(s.params.Interval) <= now {
		s.origin = s.origin.Add(s.params.Interval)
	}
	for i := 0; i < 4; i++ {
		s.op.MinDuration = minWindow
		s.op.MaxDuration = s.params.Window
		err := s.sched.InsertEarlyAsPossible(&s.op, s.origin, 0, s.params.Interval-minWindow)
		s.origin = s.origin.Add(s.params.Interval)
		switch err {
		case nil, sched.ErrLinked:
			return
		}
	}
	s.log.Debug("no room for a scan window, retrying")
	s.retry = s.clk.AfterFunc(s.origin, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.retry = nil
		if s.running() {
			s.scheduleWindow()
		}
	})
}

// Begin implements sched.Handler.
func (s *Scanner) Begin(op *sched.Op) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running() {
		return ErrStopped
	}
	s.radio.Channel = primaryChannels[s.chIdx]
	s.chIdx = (s.chIdx + 1) % len(primaryChannels)
	s.scanReq = nil
	return nil
}

// End implements sched.Handler.
func (s *Scanner) End(op *sched.Op) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p := s.pending; p != nil {
		s.pending = nil
		if p.sent() {
			s.connect(p)
			return
		}
	}
	if s.state != StateDiscover {
		s.ended()
		return
	}
	if s.finished {
		return
	}
	if t := s.target; t != nil {
		s.target = nil
		s.aux.schedule(*t)
	}
	if s.params.Continuous() {
		s.sched.SetBackground(&s.op)
		return
	}
	s.scheduleWindow()
}

// Abort implements sched.Handler. The next window is placed from the task
// of the clock, as the evicting insertion may hold locks of its own.
func (s *Scanner) Abort(op *sched.Op) {
	s.clk.Defer(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.running() && !s.params.Continuous() {
			s.scheduleWindow()
		}
	})
}

// accepts applies the filter policy or the initiator target to an
// advertiser.
func (s *Scanner) accepts(a llc.Addr) bool {
	if s.role == RoleInitiator {
		if s.req.UseAcceptList {
			return s.accept != nil && s.accept.Contains(a)
		}
		return a.Equal(s.req.Peer)
	}
	if s.params.Policy == FilterAcceptList {
		return s.accept != nil && s.accept.Contains(a)
	}
	return true
}

// RxAdv implements radio.ScanHandler for the primary channels.
func (s *Scanner) RxAdv(pkt *radio.Packet) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running() || s.pending != nil {
		return nil
	}
	a, err := pdu.ParseAdv(pkt.PDU)
	if err != nil {
		return nil
	}
	if a.Header.Type == pdu.TypeAdvExtInd {
		s.rxExtPrimary(pkt, a)
		return nil
	}
	l, err := pdu.ParseLegacy(a)
	if err != nil || l.Type == pdu.TypeScanRsp {
		return nil
	}
	if !s.accepts(l.AdvA) {
		return nil
	}
	if l.Type == pdu.TypeAdvDirectInd && !l.TargetA.Equal(s.params.OwnAddr) {
		return nil
	}

	if s.role == RoleInitiator {
		if !l.Type.Connectable() {
			return nil
		}
		return s.connectReq(pkt, l.AdvA, l.ChSel, false, &s.op)
	}

	r := Report{
		EventType:  legacyEventType(l.Type, 0),
		Legacy:     l.Type,
		Addr:       l.AdvA,
		PrimaryPHY: pkt.PHY,
		SID:        NoSID,
		TxPower:    NoTxPower,
		RSSI:       pkt.RSSI,
		Data:       append([]byte(nil), l.Data...),
	}
	if l.Type == pdu.TypeAdvDirectInd {
		d := l.TargetA
		r.Direct = &d
	}
	s.report(r, nil)

	if s.params.Active && l.Type.Scannable() && s.backoff.Request() {
		s.scanReq = &scanReq{addr: l.AdvA, typ: l.Type}
		s.stats.ScanReqs++
		return pdu.ScanReq{ScanA: s.params.OwnAddr, AdvA: l.AdvA}.Marshal()
	}
	return nil
}

// RxResponse implements radio.ScanHandler for the primary channels.
func (s *Scanner) RxResponse(req []byte, txEnd clock.Time, rsp *radio.Packet) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p := s.pending; p != nil {
		p.txEnd = txEnd
		return false
	}
	r := s.scanReq
	s.scanReq = nil
	if r == nil {
		return true
	}
	l, ok := parseScanRsp(rsp, r.addr)
	if !ok {
		s.backoff.Failure()
		return true
	}
	s.backoff.Success()
	s.stats.ScanRsps++
	s.report(Report{
		EventType:  legacyEventType(pdu.TypeScanRsp, r.typ),
		Legacy:     pdu.TypeScanRsp,
		Addr:       l.AdvA,
		PrimaryPHY: rsp.PHY,
		SID:        NoSID,
		TxPower:    NoTxPower,
		RSSI:       rsp.RSSI,
		Data:       append([]byte(nil), l.Data...),
	}, nil)
	return true
}

func parseScanRsp(rsp *radio.Packet, from llc.Addr) (pdu.Legacy, bool) {
	if rsp == nil {
		return pdu.Legacy{}, false
	}
	a, err := pdu.ParseAdv(rsp.PDU)
	if err != nil || a.Header.Type != pdu.TypeScanRsp {
		return pdu.Legacy{}, false
	}
	l, err := pdu.ParseLegacy(a)
	if err != nil || !l.AdvA.Equal(from) {
		return pdu.Legacy{}, false
	}
	return l, true
}

// report posts r unless duplicate filtering suppresses it. A report the
// sink refused is forgotten by the filter so a later copy gets through.
func (s *Scanner) report(r Report, adi *pdu.ADI) {
	var h uint64
	if s.params.FilterDuplicates {
		h = Hash(r.Addr, r.EventType, adi)
		if s.dedup.Seen(h) {
			s.stats.Duplicates++
			return
		}
	}
	if !s.post(Event{Kind: EventReport, Role: s.role, Report: r}) {
		s.stats.Dropped++
		if s.params.FilterDuplicates {
			s.dedup.Forget(h)
		}
		return
	}
	s.stats.Reports++
}
