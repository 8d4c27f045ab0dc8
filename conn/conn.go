package conn

import (
	"sync"
	"sync/atomic"

	"github.com/rigado/llc"
	"github.com/rigado/llc/chsel"
	"github.com/rigado/llc/clock"
	"github.com/rigado/llc/hci"
	"github.com/rigado/llc/llcp"
	"github.com/rigado/llc/pdu"
	"github.com/rigado/llc/radio"
	"github.com/rigado/llc/sched"
)

// State is the lifecycle state of a connection.
type State uint8

const (
	StateInitialized State = iota
	StateStartup
	StateReady
	StateTerminating
)

func (s State) String() string {
	switch s {
	case StateInitialized:
		return "initialized"
	case StateStartup:
		return "established-startup"
	case StateReady:
		return "established-ready"
	case StateTerminating:
		return "terminating"
	default:
		return "unknown"
	}
}

// Params are the parameters a connection is created with.
type Params struct {
	Peer          llc.Addr
	AccessAddress uint32
	CRCInit       uint32
	Interval      uint16
	Latency       uint16
	Timeout       uint16
	ChM           chsel.Map
	Hop           uint8
	CSA2          bool
	PHY           pdu.PHY
	// PeerSCA is the sleep clock accuracy assumed for the peripheral.
	PeerSCA uint8
}

// ParamsFromConnectInd returns the parameters agreed in c.
func ParamsFromConnectInd(c pdu.ConnectInd, csa2 bool, phy pdu.PHY) Params {
	return Params{
		Peer:          c.AdvA,
		AccessAddress: c.AccessAddress,
		CRCInit:       c.CRCInit,
		Interval:      c.Interval,
		Latency:       c.Latency,
		Timeout:       c.Timeout,
		ChM:           c.ChM,
		Hop:           c.Hop,
		CSA2:          csa2,
		PHY:           phy,
	}
}

type txPDU struct {
	llid    pdu.LLID
	payload []byte
	// last marks the final fragment of a host packet.
	last      bool
	terminate bool
}

// Conn is one link in the central role.
type Conn struct {
	m      *Manager
	handle uint16
	log    llc.Logger

	mu    sync.Mutex
	state State
	p     Params
	txPHY uint8
	rxPHY uint8

	// event counts connection events since creation; the event counter is
	// its low 16 bits.
	event       int64
	anchor      clock.Time
	anchorEvent int64
	lastSync    clock.Time
	synced      bool

	remap  *chsel.Remap
	csa1   *chsel.CSA1
	chanID uint16

	op    sched.Op
	radio radio.Params
	retry clock.Timer

	engine *llcp.Engine
	dl     llcp.DataLength
	ccm    llcp.CCM

	sn, nesn bool
	ctrlq    []txPDU
	dataq    []txPDU
	inflight *txPDU
	first    []byte
	empty    bool

	// per event
	rxOK bool
	crc  int

	supervision atomic.Int64

	peerTerm      bool
	peerTermAcked bool
	peerReason    hci.Status
	termAcked     bool
	closeReq      bool
	closeReason   hci.Status
	closing       bool
	completed     int
	stopped       bool
}

func newConn(m *Manager, handle uint16) *Conn {
	c := &Conn{
		m:      m,
		handle: handle,
		log:    m.log.ChildLogger(map[string]interface{}{"handle": handle}),
		dl:     llcp.DefaultDataLength,
	}
	c.op.Handler = c
	c.op.Payload = &c.radio
	c.engine = llcp.New(m.cfg.LLCP, (*link)(c), c.log)
	return c
}

// Handle returns the connection handle.
func (c *Conn) Handle() uint16 { return c.handle }

// State returns the lifecycle state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Counter returns the event counter of the next or current event.
func (c *Conn) Counter() uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return uint16(c.event)
}

// Parameters returns the current connection parameters.
func (c *Conn) Parameters() Params {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.p
}

// PHYs returns the PHY preference bits in use in each direction.
func (c *Conn) PHYs() (tx, rx uint8) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.txPHY, c.rxPHY
}

// DataLength returns the effective data length.
func (c *Conn) DataLength() llcp.DataLength {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dl
}

// SupervisionDeadline returns the time the link is lost at without an
// answer from the peer.
func (c *Conn) SupervisionDeadline() clock.Time {
	return clock.Time(c.supervision.Load())
}

// Start creates the link with its first anchor and schedules the first
// event, trying the following intervals on conflict.
func (c *Conn) Start(p Params, anchor clock.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateInitialized || c.stopped {
		return ErrState
	}
	if err := p.ChM.Validate(); err != nil {
		return err
	}
	c.p = p
	c.txPHY = pdu.PHYMask1M << p.PHY
	c.rxPHY = c.txPHY
	c.remap = chsel.NewRemap(p.ChM)
	c.csa1 = chsel.NewCSA1(p.Hop)
	c.chanID = chsel.ChannelID(p.AccessAddress)
	c.radio = radio.Params{
		Kind:          radio.KindConn,
		AccessAddress: p.AccessAddress,
		CRCInit:       p.CRCInit,
		PHY:           p.PHY,
		Conn:          c,
	}

	c.anchor = anchor
	c.anchorEvent = 0
	c.event = -1
	c.lastSync = anchor
	c.setSupervision(anchor.Add(ProvisionalEvents * IntervalDuration(p.Interval)))
	c.state = StateStartup
	c.log.Infof("link to %v: interval %d latency %d timeout %d csa2 %v", p.Peer, p.Interval, p.Latency, p.Timeout, p.CSA2)
	c.scheduleNext()
	return nil
}

// Request starts a control procedure.
func (c *Conn) Request(r llcp.Request) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.established() {
		return ErrState
	}
	return c.engine.Request(r)
}

// Busy reports whether proc is running or waiting on the link.
func (c *Conn) Busy(p llcp.Proc) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.engine.Active() == p || c.engine.IsPending(p)
}

// PeerFeatures returns the peer feature set once exchanged.
func (c *Conn) PeerFeatures() (uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.engine.PeerFeatures()
}

// Disconnect starts the terminate procedure. The link is reported closed
// once the peer acknowledged LL_TERMINATE_IND or the supervision timeout
// expired.
func (c *Conn) Disconnect(reason hci.Status) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.established() || c.engine.Terminating() {
		return ErrState
	}
	c.engine.Terminate(reason)
	return nil
}

// Send queues an L2CAP fragment from the host, split to the effective data
// length. start selects LL start or continuation framing for the first
// fragment.
func (c *Conn) Send(start bool, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.established() || c.engine.Terminating() {
		return ErrState
	}
	size := int(c.dl.MaxTxOctets)
	if c.ccm != nil {
		size -= 4
	}
	n := (len(data) + size - 1) / size
	if n == 0 {
		n = 1
	}
	if len(c.dataq)+n > c.m.cfg.MaxTxQueue {
		return ErrQueueFull
	}
	llid := pdu.LLIDContinuation
	if start {
		llid = pdu.LLIDStart
	}
	for i := 0; i < n; i++ {
		lo, hi := i*size, (i+1)*size
		if hi > len(data) {
			hi = len(data)
		}
		frag := append([]byte(nil), data[lo:hi]...)
		c.dataq = append(c.dataq, txPDU{llid: llid, payload: frag, last: i == n-1})
		llid = pdu.LLIDContinuation
	}
	c.kick()
	return nil
}

func (c *Conn) established() bool {
	return c.state == StateStartup || c.state == StateReady
}

// kick reloads an event that was prepared without anything to send.
func (c *Conn) kick() {
	if !c.empty {
		return
	}
	if err := c.m.sched.Reload(&c.op); err == nil {
		c.empty = false
	}
}

// reservation returns the air time of an established link, starting at
// its current event.
func (c *Conn) reservation() (reservation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.established() || c.closing {
		return reservation{}, false
	}
	e := c.event
	if e < 0 {
		e = 0
	}
	interval := IntervalDuration(c.p.Interval)
	return reservation{
		next:     c.anchor.Add(clock.Duration(e-c.anchorEvent) * interval),
		interval: interval,
		length:   c.eventLength(),
	}, true
}

// Manager returns the manager owning the slot of c.
func (c *Conn) Manager() *Manager { return c.m }

// slack is the time left between due and the supervision deadline.
func (c *Conn) slack(due clock.Time) clock.Duration {
	return clock.Time(c.supervision.Load()).Sub(due)
}

func (c *Conn) setSupervision(t clock.Time) {
	c.supervision.Store(int64(t))
}

// close ends the link after the current event and tells the host.
func (c *Conn) close(reason hci.Status) {
	if c.closing {
		return
	}
	c.closing = true
	c.state = StateTerminating
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
	if err := c.m.sched.Remove(&c.op); err != nil {
		c.log.Debugf("remove on close: %v", err)
	}
	c.log.Infof("link closed: %v", reason)
	c.postDisconnect(reason)
}

func (c *Conn) postDisconnect(reason hci.Status) {
	if c.stopped {
		return
	}
	if c.m.post(Event{Kind: EventDisconnected, Handle: c.handle, Reason: reason}) {
		return
	}
	// The task queue is full. Try again one interval later.
	at := c.m.clk.Now().Add(IntervalDuration(c.p.Interval))
	c.retry = c.m.clk.AfterFunc(at, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.retry = nil
		c.postDisconnect(reason)
	})
}

// stop silences the connection without telling the host.
func (c *Conn) stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
	c.closing = true
	c.state = StateTerminating
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
	if err := c.m.sched.Remove(&c.op); err != nil {
		c.log.Debugf("remove on stop: %v", err)
	}
}
