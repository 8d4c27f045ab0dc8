// Package conn runs established connections in the central role.
//
// A Conn owns one reusable sched.Op. Each connection event is prepared in
// Begin, exchanged through radio.ConnHandler and closed in End, which
// computes the due time of the next event from the last anchor. Control
// procedures run on an llcp.Engine bound to the connection. Everything a
// connection reports to the host leaves through a Sink.
package conn

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/rigado/llc"
	"github.com/rigado/llc/clock"
	"github.com/rigado/llc/hci"
	"github.com/rigado/llc/llcp"
	"github.com/rigado/llc/sched"
)

var (
	ErrNoSlot        = errors.New("no free connection slot")
	ErrUnknownHandle = errors.New("unknown connection handle")
	ErrState         = errors.New("connection is not in a state to do that")
	ErrQueueFull     = errors.New("transmit queue full")
)

// Config holds the limits and margins of the connection engine.
type Config struct {
	// MaxConns is the number of connection slots.
	MaxConns int
	// LocalPPM is the drift of the local sleep clock.
	LocalPPM uint16
	// Jitter is added to every receive window.
	Jitter clock.Duration
	// MaxEventLength caps the radio time of one event.
	MaxEventLength clock.Duration
	// MaxRescheduleRetries bounds how many following intervals are tried
	// when the next event conflicts in the scheduler.
	MaxRescheduleRetries int
	// CRCStreak consecutive CRC failures end the current event.
	CRCStreak int
	// MaxTxQueue bounds queued data fragments per connection.
	MaxTxQueue int

	LLCP llcp.Config
}

// DefaultConfig returns the configuration of the controller.
func DefaultConfig() Config {
	return Config{
		MaxConns:             4,
		LocalPPM:             50,
		Jitter:               16 * clock.Microsecond,
		MaxEventLength:       7500 * clock.Microsecond,
		MaxRescheduleRetries: 8,
		CRCStreak:            2,
		MaxTxQueue:           32,
		LLCP:                 llcp.DefaultConfig(),
	}
}

func (c Config) validate() error {
	switch {
	case c.MaxConns <= 0 || c.MaxConns > 0x0eff:
		return errors.Errorf("invalid MaxConns %d", c.MaxConns)
	case c.MaxEventLength <= 0:
		return errors.Errorf("invalid MaxEventLength %v", c.MaxEventLength)
	case c.MaxRescheduleRetries <= 0:
		return errors.Errorf("invalid MaxRescheduleRetries %d", c.MaxRescheduleRetries)
	case c.CRCStreak <= 0:
		return errors.Errorf("invalid CRCStreak %d", c.CRCStreak)
	case c.MaxTxQueue <= 0:
		return errors.Errorf("invalid MaxTxQueue %d", c.MaxTxQueue)
	}
	return nil
}

// EventKind tells what a connection reports.
type EventKind uint8

const (
	// EventDisconnected ends the link. The slot must be freed.
	EventDisconnected EventKind = iota
	// EventProc carries the result of a control procedure.
	EventProc
	// EventData carries a received L2CAP fragment.
	EventData
	// EventCompleted reports acknowledged host packets.
	EventCompleted
)

func (k EventKind) String() string {
	switch k {
	case EventDisconnected:
		return "disconnected"
	case EventProc:
		return "proc"
	case EventData:
		return "data"
	case EventCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// Event is a message from a connection to the task domain.
type Event struct {
	Kind   EventKind
	Handle uint16

	Reason    hci.Status
	Result    llcp.Result
	Start     bool
	Data      []byte
	Completed int
}

// Sink receives connection events. Post must not block; it reports false
// when the event could not be queued.
type Sink interface {
	Post(e Event) bool
}

// Manager is the arena of connection slots, addressed by handle. Slots are
// allocated and freed from the task domain.
type Manager struct {
	clk   clock.Clock
	sched *sched.Scheduler
	cfg   Config
	sink  Sink
	log   llc.Logger

	mu    sync.Mutex
	slots []*Conn
}

// NewManager returns a manager with cfg.MaxConns slots.
func NewManager(clk clock.Clock, s *sched.Scheduler, sink Sink, cfg Config) (*Manager, error) {
	if err := cfg.validate(); err != nil {
		return nil, errors.Wrap(err, "can't create connection manager")
	}
	m := &Manager{
		clk:   clk,
		sched: s,
		cfg:   cfg,
		sink:  sink,
		log:   llc.ComponentLogger("conn"),
		slots: make([]*Conn, cfg.MaxConns),
	}
	return m, nil
}

// Config returns the configuration of m.
func (m *Manager) Config() Config { return m.cfg }

// Alloc reserves a slot. The connection stays in StateInitialized until
// Start.
func (m *Manager) Alloc() (*Conn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, c := range m.slots {
		if c != nil {
			continue
		}
		c = newConn(m, uint16(i))
		m.slots[i] = c
		return c, nil
	}
	return nil, ErrNoSlot
}

// Free releases the slot of c. A connection that is still running is
// stopped without notice.
func (m *Manager) Free(c *Conn) {
	c.stop()
	m.mu.Lock()
	defer m.mu.Unlock()
	if int(c.handle) < len(m.slots) && m.slots[c.handle] == c {
		m.slots[c.handle] = nil
	}
}

// Lookup returns the connection with handle.
func (m *Manager) Lookup(handle uint16) (*Conn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if int(handle) >= len(m.slots) || m.slots[handle] == nil {
		return nil, errors.Wrapf(ErrUnknownHandle, "0x%04x", handle)
	}
	return m.slots[handle], nil
}

// Conns returns the allocated connections in handle order.
func (m *Manager) Conns() []*Conn {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Conn
	for _, c := range m.slots {
		if c != nil {
			out = append(out, c)
		}
	}
	return out
}

// Len returns the number of allocated slots.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.slots {
		if c != nil {
			n++
		}
	}
	return n
}

// Reset stops and frees every connection.
func (m *Manager) Reset() {
	for _, c := range m.Conns() {
		m.Free(c)
	}
}

// EventLength returns the radio time a link of interval may take per
// event.
func (m *Manager) EventLength(interval clock.Duration) clock.Duration {
	l := interval - eventMargin
	if l > m.cfg.MaxEventLength {
		l = m.cfg.MaxEventLength
	}
	return l
}

// placementEvents caps how many events of a new link are checked against
// the live links when their common period is longer.
const placementEvents = 64

// Place returns the earliest anchor in [from, to], aligned to from+k*step,
// for a new link of interval and event length such that none of its next
// events overlap the future events of a live link. The events are checked
// over the common period of all intervals, capped at placementEvents.
func (m *Manager) Place(from, to clock.Time, interval, length, step clock.Duration) (clock.Time, bool) {
	if interval <= 0 || step <= 0 {
		return 0, false
	}
	var links []reservation
	for _, c := range m.Conns() {
		if r, ok := c.reservation(); ok {
			links = append(links, r)
		}
	}

	n := int64(1)
	period := interval
	for _, r := range links {
		period = lcm(period, r.interval)
		if n = int64(period / interval); n >= placementEvents {
			n = placementEvents
			break
		}
	}

	for t := from; !t.After(to); t = t.Add(step) {
		free := true
		for k := int64(0); k < n && free; k++ {
			start := t.Add(clock.Duration(k) * interval)
			for _, r := range links {
				if r.overlaps(start, start.Add(length)) {
					free = false
					break
				}
			}
		}
		if free {
			return t, true
		}
	}
	return 0, false
}

// reservation is the periodic air time of a live link.
type reservation struct {
	next     clock.Time
	interval clock.Duration
	length   clock.Duration
}

// overlaps reports whether an event of r from next on intersects
// [start, end).
func (r reservation) overlaps(start, end clock.Time) bool {
	if !end.After(r.next) {
		return false
	}
	j := start.Sub(r.next) / r.interval
	if start.Before(r.next) {
		j = 0
	}
	for ; ; j++ {
		s := r.next.Add(j * r.interval)
		if !s.Before(end) {
			return false
		}
		if s.Add(r.length).After(start) {
			return true
		}
	}
}

func lcm(a, b clock.Duration) clock.Duration {
	x, y := a, b
	for y != 0 {
		x, y = y, x%y
	}
	return a / x * b
}

// conflict settles overlapping connection events of equal priority in
// favor of the link closest to its supervision timeout.
func (m *Manager) conflict(existing, incoming *sched.Op) *sched.Op {
	a, ok := existing.Handler.(*Conn)
	if !ok {
		return existing
	}
	b, ok := incoming.Handler.(*Conn)
	if !ok {
		return existing
	}
	if b.slack(incoming.Due) < a.slack(existing.Due) {
		return incoming
	}
	return existing
}

func (m *Manager) post(e Event) bool {
	if m.sink == nil {
		return true
	}
	return m.sink.Post(e)
}
