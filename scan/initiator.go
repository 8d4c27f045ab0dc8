package scan

import (
	"math/bits"

	"github.com/pkg/errors"
	"github.com/rigado/llc"
	"github.com/rigado/llc/chsel"
	"github.com/rigado/llc/clock"
	"github.com/rigado/llc/conn"
	"github.com/rigado/llc/hci"
	"github.com/rigado/llc/pdu"
	"github.com/rigado/llc/radio"
	"github.com/rigado/llc/sched"
)

// auxWindowDelay separates AUX_CONNECT_REQ from the transmit window.
func auxWindowDelay(phy pdu.PHY) clock.Duration {
	if phy == pdu.PHYCoded {
		return 3 * conn.Unit
	}
	return 2 * conn.Unit
}

// ConnectRequest is the link an initiator sets up. Interval, Latency and
// Timeout are in link layer units.
type ConnectRequest struct {
	Peer          llc.Addr
	UseAcceptList bool

	Interval uint16
	Latency  uint16
	Timeout  uint16
	ChM      chsel.Map

	// Conn is the slot the link starts in.
	Conn *conn.Conn
}

func (r *ConnectRequest) validate() error {
	switch {
	case r.Interval < 6 || r.Interval > 3200:
		return errors.Errorf("invalid connection interval %d", r.Interval)
	case r.Latency > 499:
		return errors.Errorf("invalid latency %d", r.Latency)
	case r.Timeout < 10 || r.Timeout > 3200:
		return errors.Errorf("invalid supervision timeout %d", r.Timeout)
	case conn.TimeoutDuration(r.Timeout) <= 2*clock.Duration(1+r.Latency)*conn.IntervalDuration(r.Interval):
		return errors.Errorf("supervision timeout %d too short for interval %d latency %d", r.Timeout, r.Interval, r.Latency)
	case r.Conn == nil:
		return errors.New("no connection slot")
	}
	return errors.Wrap(r.ChM.Validate(), "invalid channel map")
}

// pendingConn is a connect request handed to the radio.
type pendingConn struct {
	ind   pdu.ConnectInd
	csa2  bool
	phy   pdu.PHY
	delay clock.Duration
	// txEnd is set once the request went on air.
	txEnd clock.Time
}

func (p *pendingConn) sent() bool { return p.txEnd != 0 }

// anchor is the start of the transmit window, where the first connection
// event is placed.
func (p *pendingConn) anchor() clock.Time {
	return p.txEnd.Add(p.delay + clock.Duration(p.ind.WinOffset)*conn.Unit)
}

// connectReq builds CONNECT_IND or AUX_CONNECT_REQ answering pkt. The
// transmit window offset points at the first free gap after the request,
// ignoring the op that carries it.
func (s *Scanner) connectReq(pkt *radio.Packet, advA llc.Addr, chSel, aux bool, running *sched.Op) []byte {
	r := s.req
	delay := conn.TransmitWindowDelay
	if aux {
		delay = auxWindowDelay(pkt.PHY)
	}
	reqEnd := pkt.End().Add(radio.TIFS + radio.Airtime(2+pdu.ConnectIndLen, pkt.PHY))
	earliest := reqEnd.Add(delay)
	interval := conn.IntervalDuration(r.Interval)

	var winOffset uint16
	if at, ok := s.firstAnchor(earliest, interval, running); ok {
		winOffset = uint16(at.Sub(earliest) / conn.Unit)
	}

	ind := pdu.ConnectInd{
		ChSel:         true,
		InitA:         s.params.OwnAddr,
		AdvA:          advA,
		AccessAddress: s.accessAddress(),
		CRCInit:       uint32(s.rnd.Int31n(1 << 24)),
		WinSize:       1,
		WinOffset:     winOffset,
		Interval:      r.Interval,
		Latency:       r.Latency,
		Timeout:       r.Timeout,
		ChM:           r.ChM,
		Hop:           uint8(5 + s.rnd.Intn(12)),
		SCA:           conn.PPMToSCA(s.cfg.LocalPPM),
	}
	s.pending = &pendingConn{
		ind:   ind,
		csa2:  aux || chSel,
		phy:   pkt.PHY,
		delay: delay,
	}
	s.log.Debugf("connect request to %v, aa 0x%08x win offset %d", advA, ind.AccessAddress, winOffset)
	return ind.Marshal()
}

// firstAnchor picks the start of the transmit window. It must be free in
// the scheduler and keep every event of the new link clear of the events
// of the live links. When no such start exists only the scheduler is
// consulted.
func (s *Scanner) firstAnchor(earliest clock.Time, interval clock.Duration, running *sched.Op) (clock.Time, bool) {
	hi := earliest.Add(interval - conn.Unit)
	m := s.req.Conn.Manager()
	length := m.EventLength(interval)
	for t := earliest; !t.After(hi); t = t.Add(conn.Unit) {
		at, ok := m.Place(t, hi, interval, length, conn.Unit)
		if !ok {
			break
		}
		if gap, ok := s.sched.FindGap(at, at, s.cfg.ConnEventLength, conn.Unit, running); ok && gap == at {
			return at, true
		}
		t = at
	}
	s.log.Debugf("no periodic slot for interval %v, using the first gap", interval.Std())
	return s.sched.FindGap(earliest, hi, s.cfg.ConnEventLength, conn.Unit, running)
}

// connect starts the link of a request that went on air and ends the
// initiator.
func (s *Scanner) connect(p *pendingConn) {
	if s.finished {
		s.log.Warnf("connect request to %v went out after the initiator stopped, dropping the link", p.ind.AdvA)
		return
	}
	s.sched.Remove(&s.op)
	s.sched.Remove(&s.aux.op)

	params := conn.ParamsFromConnectInd(p.ind, p.csa2, p.phy)
	e := Event{Kind: EventStopped, Role: s.role, Peer: p.ind.AdvA, Params: params}
	if err := s.req.Conn.Start(params, p.anchor()); err != nil {
		s.log.Errorf("can't start link to %v: %v", p.ind.AdvA, err)
		e.Status = hci.StatusConnectionFailedToBeEstablished
	} else {
		e.Conn = s.req.Conn
		s.stats.Connects++
	}
	s.finish(e)
}

// accessAddress draws a random access address meeting the link layer
// rules.
func (s *Scanner) accessAddress() uint32 {
	for {
		if aa := s.rnd.Uint32(); ValidAccessAddress(aa) {
			return aa
		}
	}
}

// ValidAccessAddress reports whether aa may be used for a new link.
func ValidAccessAddress(aa uint32) bool {
	if aa == pdu.AdvAccessAddress || bits.OnesCount32(aa^pdu.AdvAccessAddress) == 1 {
		return false
	}
	b := byte(aa)
	if byte(aa>>8) == b && byte(aa>>16) == b && byte(aa>>24) == b {
		return false
	}
	run := 1
	for i := 1; i < 32; i++ {
		if (aa>>i)&1 == (aa>>(i-1))&1 {
			run++
			if run > 6 {
				return false
			}
		} else {
			run = 1
		}
	}
	transitions := aa ^ aa>>1
	if bits.OnesCount32(transitions&0x7fffffff) > 24 {
		return false
	}
	// six most significant bits
	return bits.OnesCount32(transitions>>26&0x1f) >= 2
}
