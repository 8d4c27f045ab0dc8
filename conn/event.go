package conn

import (
	"github.com/rigado/llc/chsel"
	"github.com/rigado/llc/clock"
	"github.com/rigado/llc/hci"
	"github.com/rigado/llc/llcp"
	"github.com/rigado/llc/pdu"
	"github.com/rigado/llc/radio"
	"github.com/rigado/llc/sched"
)

// eventMargin is kept free at the end of every interval.
const eventMargin = 500 * clock.Microsecond

// Begin implements sched.Handler. It prepares the first PDU of the event
// and opens the receive window by the accumulated drift.
func (c *Conn) Begin(op *sched.Op) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closing {
		return ErrState
	}
	c.rxOK = false
	c.crc = 0
	unsync := op.Due.Sub(c.lastSync)
	c.radio.RxWindow = WindowWidening(unsync, c.m.cfg.LocalPPM, SCAToPPM(c.p.PeerSCA), c.m.cfg.Jitter)
	c.radio.End = 0
	c.first = c.buildTx()
	c.empty = c.inflight == nil && !c.moreToSend()
	return nil
}

// End implements sched.Handler.
func (c *Conn) End(op *sched.Op) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closing {
		return
	}
	if err := op.Err(); err != nil {
		c.log.Debugf("event %d: %v", uint16(c.event), err)
	}
	c.empty = false
	c.first = nil
	if c.rxOK {
		c.lastSync = op.Due
		if c.state == StateStartup {
			c.state = StateReady
		}
		c.setSupervision(op.Due.Add(TimeoutDuration(c.p.Timeout)))
	}
	c.eventDone()
}

// Abort implements sched.Handler. The event was dropped before it ran; the
// next one is scheduled from the interrupt domain.
func (c *Conn) Abort(op *sched.Op) {
	c.m.clk.Defer(func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.closing || c.retry != nil || c.m.sched.Contains(&c.op) {
			return
		}
		c.empty = false
		c.first = nil
		c.eventDone()
	})
}

func (c *Conn) eventDone() {
	c.flushCompleted()
	if c.finished() {
		return
	}
	c.engine.EventDone()
	if c.finished() {
		return
	}
	c.scheduleNext()
}

// finished closes the link when the last event was reached.
func (c *Conn) finished() bool {
	switch {
	case c.termAcked:
		c.close(hci.StatusLocalHostTerminated)
	case c.peerTermAcked:
		c.close(c.peerReason)
	case c.closeReq:
		c.close(c.closeReason)
	default:
		return false
	}
	return true
}

func (c *Conn) flushCompleted() {
	if c.completed == 0 {
		return
	}
	if c.m.post(Event{Kind: EventCompleted, Handle: c.handle, Completed: c.completed}) {
		c.completed = 0
	}
}

// scheduleNext inserts the next event. A conflict skips to the following
// interval, at most MaxRescheduleRetries times; after that the attempt is
// repeated from the interrupt domain once the last tried event passed.
func (c *Conn) scheduleNext() {
	for i := 0; i < c.m.cfg.MaxRescheduleRetries; i++ {
		if !c.advance() {
			return
		}
		err := c.m.sched.InsertAtDueTime(&c.op, c.m.conflict)
		if err == nil {
			return
		}
		c.log.Debugf("event %d at %v: %v", uint16(c.event), c.op.Due, err)
	}
	c.retry = c.m.clk.AfterFunc(c.op.Due, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.retry = nil
		if !c.closing {
			c.scheduleNext()
		}
	})
}

// advance moves to the next event: applies a change that reached its
// instant, selects the channel and computes the due time from the anchor.
// It reports false when the supervision timeout expired.
func (c *Conn) advance() bool {
	c.event++
	counter := uint16(c.event)
	if ch := c.engine.Instant(counter); ch != nil {
		c.apply(ch)
	}
	if c.p.CSA2 {
		c.radio.Channel = chsel.CSA2(counter, c.chanID, c.remap)
	} else {
		c.radio.Channel = c.csa1.Next(c.remap)
	}

	interval := IntervalDuration(c.p.Interval)
	c.op.Due = c.anchor.Add(clock.Duration(c.event-c.anchorEvent) * interval)
	c.op.MinDuration = 2*radio.Airtime(2+4, c.p.PHY) + radio.TIFS
	c.op.MaxDuration = c.eventLength()
	c.op.Reschedule = sched.RescheduleMovablePreferred
	if c.slack(c.op.Due) < 2*interval {
		c.op.Reschedule = sched.RescheduleFixed
	}

	if c.op.Due >= c.SupervisionDeadline() {
		if c.state == StateStartup {
			c.close(hci.StatusConnectionFailedToBeEstablished)
		} else {
			c.close(hci.StatusConnectionTimeout)
		}
		return false
	}
	return true
}

func (c *Conn) eventLength() clock.Duration {
	l := c.m.EventLength(IntervalDuration(c.p.Interval))
	if floor := 2*radio.Airtime(2+4, c.p.PHY) + radio.TIFS; l < floor {
		l = floor
	}
	return l
}

// apply takes a change that reached its instant into effect.
func (c *Conn) apply(ch *llcp.Change) {
	switch ch.Proc {
	case llcp.ProcConnUpdate, llcp.ProcConnParam:
		instant := c.event - int64(uint16(c.event)-ch.Instant)
		at := c.anchor.Add(clock.Duration(instant-c.anchorEvent) * IntervalDuration(c.p.Interval))
		// the update window opens WinOffset after the old anchor of the
		// instant, with no transmit window delay
		c.anchor = at.Add(clock.Duration(ch.WinOffset) * Unit)
		c.anchorEvent = instant
		c.p.Interval, c.p.Latency, c.p.Timeout = ch.Interval, ch.Latency, ch.Timeout
		c.setSupervision(c.anchor.Add(TimeoutDuration(ch.Timeout)))
	case llcp.ProcChannelMap:
		c.p.ChM = ch.ChM
		c.remap = chsel.NewRemap(ch.ChM)
	case llcp.ProcPHYUpdate:
		if ch.TxPHY != 0 {
			c.txPHY = ch.TxPHY
		}
		if ch.RxPHY != 0 {
			c.rxPHY = ch.RxPHY
		}
		c.p.PHY = phyOf(c.txPHY)
		c.radio.PHY = c.p.PHY
	}
	c.log.Debugf("%v applied at event %d", ch.Proc, ch.Instant)
}

// NextTx implements radio.ConnHandler.
func (c *Conn) NextTx() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if b := c.first; b != nil {
		c.first = nil
		return b
	}
	if c.closing {
		return nil
	}
	return c.buildTx()
}

// Rx implements radio.ConnHandler.
func (c *Conn) Rx(rx []byte, status radio.Status, at clock.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch status {
	case radio.StatusOK:
	case radio.StatusCRC:
		c.crc++
		return c.crc < c.m.cfg.CRCStreak
	default:
		return false
	}
	c.crc = 0
	d, err := pdu.ParseData(rx)
	if err != nil {
		c.log.Debugf("rx: %v", err)
		return false
	}
	c.rxOK = true

	if d.Header.NESN != c.sn {
		c.sn = !c.sn
		if t := c.inflight; t != nil {
			c.inflight = nil
			if t.last {
				c.completed++
			}
			if t.terminate {
				c.termAcked = true
			}
		}
	}
	if d.Header.SN == c.nesn && c.accept(d) {
		c.nesn = !c.nesn
	}

	if c.termAcked || c.peerTermAcked || c.closeReq || c.closing {
		return false
	}
	return d.Header.MD || c.inflight != nil || c.moreToSend() || c.peerTerm
}

// accept consumes a new PDU from the peer. It reports false when the PDU
// must not be acknowledged.
func (c *Conn) accept(d pdu.Data) bool {
	if len(d.Payload) == 0 {
		return true
	}
	payload := d.Payload
	if c.ccm != nil {
		p, err := c.ccm.Open(byte(d.Header.LLID), payload)
		if err != nil {
			c.log.Warnf("MIC failure: %v", err)
			c.closeReq = true
			c.closeReason = hci.StatusMICFailure
			return false
		}
		payload = p
	}
	if d.Header.LLID == pdu.LLIDControl {
		c.engine.Rx(payload)
		return true
	}
	if c.peerTerm {
		return true
	}
	return c.m.post(Event{
		Kind:   EventData,
		Handle: c.handle,
		Start:  d.Header.LLID == pdu.LLIDStart,
		Data:   append([]byte(nil), payload...),
	})
}

func (c *Conn) buildTx() []byte {
	if c.inflight == nil {
		c.inflight = c.dequeue()
	}
	d := pdu.Empty(c.sn, c.nesn, false)
	if t := c.inflight; t != nil {
		d.Header.LLID = t.llid
		d.Payload = t.payload
	}
	d.Header.MD = c.moreToSend()
	if c.peerTerm {
		c.peerTermAcked = true
	}
	return d.Marshal()
}

func (c *Conn) dataPaused() bool {
	return c.engine.Active() == llcp.ProcEncryption || c.engine.Terminating() || c.peerTerm
}

func (c *Conn) moreToSend() bool {
	return len(c.ctrlq) > 0 || (len(c.dataq) > 0 && !c.dataPaused())
}

func (c *Conn) dequeue() *txPDU {
	var t txPDU
	switch {
	case len(c.ctrlq) > 0:
		t = c.ctrlq[0]
		c.ctrlq = c.ctrlq[1:]
	case len(c.dataq) > 0 && !c.dataPaused():
		t = c.dataq[0]
		c.dataq = c.dataq[1:]
	default:
		return nil
	}
	if c.ccm != nil && len(t.payload) > 0 {
		t.payload = c.ccm.Seal(byte(t.llid), t.payload)
	}
	return &t
}
