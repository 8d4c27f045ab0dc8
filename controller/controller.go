// Package controller is the task domain of the link layer controller. It
// owns the scheduler, the connection slots, the scanner and the initiator,
// runs the HCI commands of the host and turns what the interrupt domain
// reports into HCI events.
//
// Everything that changes controller state runs on one goroutine: Run, or
// the caller of Step and Drain. The interrupt domain only posts messages to
// a bounded queue.
package controller

import (
	"context"
	"encoding/binary"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rigado/llc"
	"github.com/rigado/llc/chsel"
	"github.com/rigado/llc/clock"
	"github.com/rigado/llc/conn"
	"github.com/rigado/llc/hci"
	"github.com/rigado/llc/radio"
	"github.com/rigado/llc/scan"
	"github.com/rigado/llc/sched"
)

var (
	ErrQueueFull = errors.New("controller queue full")
	ErrClosed    = errors.New("controller closed")
)

// maxACLLength is the largest ACL payload the host may send.
const maxACLLength = 251

// Baseband is the radio the scheduler drives.
type Baseband interface {
	sched.Baseband
	Attach(c radio.Completer)
}

// Config holds the sizes and engine configurations of a Controller.
type Config struct {
	Addr           llc.Addr
	AcceptListSize int
	ACLBuffers     int
	// QueueSize bounds the interrupt, host and event queues.
	QueueSize int

	Sched sched.Config
	Conn  conn.Config
	Scan  scan.Config
}

// DefaultConfig returns the configuration of a controller with four
// connection slots.
func DefaultConfig() Config {
	return Config{
		Addr:           llc.MustAddr("c0:de:c0:de:00:01", llc.AddrPublic),
		AcceptListSize: 8,
		ACLBuffers:     8,
		QueueSize:      64,
		Sched:          sched.DefaultConfig(),
		Conn:           conn.DefaultConfig(),
		Scan:           scan.DefaultConfig(),
	}
}

func (c Config) validate() error {
	switch {
	case c.AcceptListSize <= 0 || c.AcceptListSize > 255:
		return errors.Errorf("invalid AcceptListSize %d", c.AcceptListSize)
	case c.ACLBuffers <= 0 || c.ACLBuffers > 255:
		return errors.Errorf("invalid ACLBuffers %d", c.ACLBuffers)
	case c.QueueSize <= 0:
		return errors.Errorf("invalid QueueSize %d", c.QueueSize)
	case c.Addr.Type != llc.AddrPublic:
		return errors.Errorf("device address %v is not public", c.Addr)
	}
	return nil
}

// Stats counts what went through the controller.
type Stats struct {
	Commands int
	Events   int
	ACLIn    int
	ACLOut   int
	// Dropped counts advertising reports lost to a full host queue.
	Dropped int
}

// message is one post from the interrupt domain.
type message struct {
	conn *conn.Event
	scan *scan.Event
}

// Controller is a master role link layer controller behind an HCI.
type Controller struct {
	clk     clock.Clock
	cfg     Config
	log     llc.Logger
	session uuid.UUID

	errorHandler func(error)

	sched     *sched.Scheduler
	conns     *conn.Manager
	accept    *scan.AcceptList
	scanner   *scan.Scanner
	initiator *scan.Scanner

	msgs chan message
	host chan hci.Packet
	out  chan hci.Packet
	done chan struct{}

	handlers map[uint16]handlerFn

	// task domain state
	randAddr    *llc.Addr
	scanParams  scan.Params
	chm         chsel.Map
	eventMask   uint64
	leEventMask uint64
	// scanStopping holds back the answer to LE Set Scan Enable until the
	// scanner released the radio.
	scanStopping bool
	aclFree      int
	inflight     map[uint16]int
	// held keeps packets that must reach the host while the event queue
	// is full. No host packet is taken while it is not empty.
	held  []hci.Packet
	stats Stats
}

// New returns a controller on bb. The baseband is attached to the
// scheduler of the controller.
func New(clk clock.Clock, bb Baseband, cfg Config, opts ...llc.Option) (*Controller, error) {
	c := &Controller{
		clk:     clk,
		cfg:     cfg,
		session: uuid.New(),
		done:    make(chan struct{}),
	}
	c.log = llc.GetLogger().ChildLogger(map[string]interface{}{"component": "controller", "session": c.session.String()})
	if err := c.Option(opts...); err != nil {
		return nil, errors.Wrap(err, "can't set options")
	}
	if err := c.cfg.validate(); err != nil {
		return nil, errors.Wrap(err, "can't create controller")
	}

	s, err := sched.New(clk, bb, c.cfg.Sched)
	if err != nil {
		return nil, err
	}
	bb.Attach(s)
	c.sched = s

	c.conns, err = conn.NewManager(clk, s, connSink{c}, c.cfg.Conn)
	if err != nil {
		return nil, err
	}
	c.accept = scan.NewAcceptList(c.cfg.AcceptListSize)
	c.scanner, err = scan.New(scan.RoleScanner, clk, s, c.accept, scanSink{c}, c.cfg.Scan)
	if err != nil {
		return nil, err
	}
	icfg := c.cfg.Scan
	icfg.Seed++
	c.initiator, err = scan.New(scan.RoleInitiator, clk, s, c.accept, scanSink{c}, icfg)
	if err != nil {
		return nil, err
	}

	c.msgs = make(chan message, c.cfg.QueueSize)
	c.host = make(chan hci.Packet, c.cfg.QueueSize)
	c.out = make(chan hci.Packet, c.cfg.QueueSize)
	c.initHandlers()
	c.reset()
	c.log.Infof("controller %v ready, %d connection slots", c.cfg.Addr, c.cfg.Conn.MaxConns)
	return c, nil
}

// Option sets the options specified.
func (c *Controller) Option(opts ...llc.Option) error {
	var err error
	for _, opt := range opts {
		if e := opt(c); e != nil {
			err = e
		}
	}
	return err
}

// Session identifies this controller instance in the logs.
func (c *Controller) Session() uuid.UUID { return c.session }

// Config returns the configuration in effect.
func (c *Controller) Config() Config { return c.cfg }

// Scheduler returns the scheduler of the controller.
func (c *Controller) Scheduler() *sched.Scheduler { return c.sched }

// Conns returns the connection manager.
func (c *Controller) Conns() *conn.Manager { return c.conns }

// Scanner returns the scanner.
func (c *Controller) Scanner() *scan.Scanner { return c.scanner }

// Initiator returns the initiator.
func (c *Controller) Initiator() *scan.Scanner { return c.initiator }

// Stats returns the counters of the task domain. It must be called from
// the task domain.
func (c *Controller) Stats() Stats { return c.stats }

// Events returns the packets for the host: events and ACL data.
func (c *Controller) Events() <-chan hci.Packet { return c.out }

// Submit queues a packet from the host. It does not block.
func (c *Controller) Submit(p hci.Packet) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.host <- p:
		return nil
	default:
		return ErrQueueFull
	}
}

// SubmitCommand queues a command.
func (c *Controller) SubmitCommand(cmd hci.Command) error {
	return c.Submit(cmd.Packet())
}

// Run is the task loop. It returns when ctx is done or Close was called.
func (c *Controller) Run(ctx context.Context) error {
	for {
		var (
			out  chan<- hci.Packet
			next hci.Packet
			host = c.host
		)
		if len(c.held) > 0 {
			out, next, host = c.out, c.held[0], nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return ErrClosed
		case out <- next:
			c.pop()
		case m := <-c.msgs:
			c.handleMessage(m)
		case p := <-host:
			c.handlePacket(p)
		}
	}
}

// Step handles one queued message, interrupt posts first. It reports
// whether there was one.
func (c *Controller) Step() bool {
	c.flush()
	select {
	case m := <-c.msgs:
		c.handleMessage(m)
		return true
	default:
	}
	if len(c.held) > 0 {
		return false
	}
	select {
	case p := <-c.host:
		c.handlePacket(p)
		return true
	default:
	}
	return false
}

// Drain runs Step until both queues are empty.
func (c *Controller) Drain() {
	for c.Step() {
	}
}

// Close stops Run and every radio activity.
func (c *Controller) Close() error {
	select {
	case <-c.done:
		return nil
	default:
		close(c.done)
	}
	c.scanner.Reset()
	c.initiator.Reset()
	c.conns.Reset()
	return nil
}

func (c *Controller) post(m message) bool {
	select {
	case c.msgs <- m:
		return true
	default:
		return false
	}
}

type connSink struct{ c *Controller }

func (s connSink) Post(e conn.Event) bool { return s.c.post(message{conn: &e}) }

type scanSink struct{ c *Controller }

func (s scanSink) Post(e scan.Event) bool { return s.c.post(message{scan: &e}) }

// reset restores the state of a powered up controller.
func (c *Controller) reset() {
	c.randAddr = nil
	c.scanParams = scan.DefaultParams()
	c.scanParams.OwnAddr = c.cfg.Addr
	c.chm = chsel.AllChannels
	c.eventMask = defaultEventMask
	c.leEventMask = defaultLEEventMask
	c.scanStopping = false
	c.aclFree = c.cfg.ACLBuffers
	c.inflight = make(map[uint16]int)
}

func (c *Controller) handlePacket(p hci.Packet) {
	switch p.Type {
	case hci.PktTypeCommand:
		cmd, err := hci.DecodeCommand(p.Body)
		if err != nil {
			c.log.Warnf("malformed command: %v", err)
			if len(p.Body) >= 2 {
				op := binary.LittleEndian.Uint16(p.Body)
				c.emit(hci.NewCommandComplete(op, hci.StatusRP{Status: uint8(hci.StatusInvalidParameters)}))
			}
			return
		}
		c.handleCommand(cmd)
	case hci.PktTypeACLData:
		a, err := hci.ParseACL(p.Body)
		if err != nil {
			c.log.Warnf("malformed acl data: %v", err)
			return
		}
		c.handleACL(a)
	default:
		c.log.Warnf("unexpected packet type 0x%02x", p.Type)
	}
}

func (c *Controller) handleMessage(m message) {
	switch {
	case m.conn != nil:
		c.handleConnEvent(*m.conn)
	case m.scan != nil:
		c.handleScanEvent(*m.scan)
	}
}

// emit sends an event to the host unless the event masks suppress it.
func (c *Controller) emit(e hci.Event) {
	if !c.enabled(e) {
		return
	}
	c.stats.Events++
	if isReport(e) {
		c.sendReport(e.Packet())
		return
	}
	c.send(e.Packet())
}

func isReport(e hci.Event) bool {
	if e.Code != hci.EvtLEMeta {
		return false
	}
	sub := e.Subevent()
	return sub == hci.SubLEAdvertisingReport || sub == hci.SubLEExtendedAdvertisingReport
}

// send queues p for the host. When the queue is full p is held back until
// the host reads.
func (c *Controller) send(p hci.Packet) {
	c.flush()
	if len(c.held) == 0 {
		select {
		case c.out <- p:
			return
		default:
		}
	}
	if len(c.held) == 0 {
		c.log.Warn("host queue full, holding events")
	}
	c.held = append(c.held, p)
}

// sendReport queues an advertising report, dropping it when the host queue is
// full.
func (c *Controller) sendReport(p hci.Packet) {
	c.flush()
	if len(c.held) == 0 {
		select {
		case c.out <- p:
			return
		default:
		}
	}
	c.stats.Dropped++
	c.log.Debugf("host queue full, dropping %v", p)
	if c.errorHandler != nil {
		c.errorHandler(errors.Wrapf(ErrQueueFull, "dropped %v", p))
	}
}

// flush moves held packets to the host queue while there is room.
func (c *Controller) flush() {
	for len(c.held) > 0 {
		select {
		case c.out <- c.held[0]:
			c.pop()
		default:
			return
		}
	}
}

func (c *Controller) pop() {
	c.held[0] = hci.Packet{}
	c.held = c.held[1:]
	if len(c.held) == 0 {
		c.held = nil
	}
}
