package radio

import (
	"sync"

	"github.com/rigado/llc"
	"github.com/rigado/llc/clock"
	"github.com/rigado/llc/sched"
)

// Air is what a simulated baseband transmits into and receives from.
type Air interface {
	// Listen returns the packets on advertising channel ch starting in
	// [from, to), ordered by time. Secondary channels carry auxiliary
	// packets only.
	Listen(ch uint8, from, to clock.Time) []*Packet
	// Respond delivers req, transmitted on ch and ending at txEnd, and
	// returns the answer if any.
	Respond(ch uint8, req []byte, txEnd clock.Time) *Packet
	// Exchange delivers a central data channel PDU sent at at and returns
	// the peripheral answer.
	Exchange(aa uint32, ch uint8, tx []byte, at clock.Time) ([]byte, Status)
}

// Completer receives baseband completions. sched.Scheduler implements it.
type Completer interface {
	Done(op *sched.Op)
}

// Sim is a baseband that runs operations against an Air model in the
// interrupt domain of its clock. Scan operations advance packet by packet and
// poll the terminate flag at each packet; a running scan can be cancelled.
// Connection events run to completion when they start.
type Sim struct {
	clk clock.Clock
	air Air
	log llc.Logger

	mu      sync.Mutex
	done    Completer
	pending map[*sched.Op]clock.Timer
	running map[*sched.Op]*scanRun
}

type scanRun struct {
	op    *sched.Op
	p     *Params
	pkts  []*Packet
	next  int
	busy  clock.Time
	timer clock.Timer
}

// NewSim returns a simulated baseband. Attach must be called before the
// first Execute.
func NewSim(clk clock.Clock, air Air) *Sim {
	return &Sim{
		clk:     clk,
		air:     air,
		log:     llc.ComponentLogger("radio"),
		pending: make(map[*sched.Op]clock.Timer),
		running: make(map[*sched.Op]*scanRun),
	}
}

// Attach sets the receiver of completions.
func (b *Sim) Attach(c Completer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.done = c
}

// Execute arms op to start at op.Due.
func (b *Sim) Execute(op *sched.Op) error {
	p, ok := op.Payload.(*Params)
	if !ok {
		return ErrPayload
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending[op] = b.clk.AfterFunc(op.Due, func() { b.start(op, p) })
	return nil
}

// Cancel disarms op if it has not started, or stops a running scan.
func (b *Sim) Cancel(op *sched.Op) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.pending[op]; ok {
		delete(b.pending, op)
		return t.Stop()
	}
	if r, ok := b.running[op]; ok {
		delete(b.running, op)
		if r.timer != nil {
			r.timer.Stop()
		}
		return true
	}
	return false
}

func (b *Sim) start(op *sched.Op, p *Params) {
	b.mu.Lock()
	if _, ok := b.pending[op]; !ok {
		b.mu.Unlock()
		return
	}
	delete(b.pending, op)
	b.mu.Unlock()

	switch p.Kind {
	case KindScan, KindAux:
		r := &scanRun{op: op, p: p, busy: op.Due}
		r.pkts = b.air.Listen(p.Channel, op.Due, op.Until())
		b.mu.Lock()
		b.running[op] = r
		b.mu.Unlock()
		b.armScan(r)
	case KindConn:
		b.finish(op, p, b.runConn(op, p))
	default:
		b.log.Errorf("unknown op kind %v", p.Kind)
		b.finish(op, p, op.Due)
	}
}

func (b *Sim) finish(op *sched.Op, p *Params, end clock.Time) {
	if end > op.Until() {
		end = op.Until()
	}
	p.End = end

	b.clk.AfterFunc(end, func() {
		b.mu.Lock()
		c := b.done
		b.mu.Unlock()
		if c != nil {
			c.Done(op)
		}
	})
}

// armScan arms the next decision point of r: the end of the next packet
// that fits, or the end of the window.
func (b *Sim) armScan(r *scanRun) {
	until := r.op.Until()
	at := until
	for ; r.next < len(r.pkts); r.next++ {
		pkt := r.pkts[r.next]
		if pkt.At < r.busy || pkt.End() > until {
			continue
		}
		at = pkt.End()
		break
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running[r.op] == r {
		r.timer = b.clk.AfterFunc(at, func() { b.stepScan(r) })
	}
}

func (b *Sim) stepScan(r *scanRun) {
	b.mu.Lock()
	live := b.running[r.op] == r
	b.mu.Unlock()
	if !live {
		return
	}

	if r.op.Terminating() {
		b.endScan(r, b.clk.Now())
		return
	}
	if r.next >= len(r.pkts) {
		b.endScan(r, r.op.Until())
		return
	}
	pkt := r.pkts[r.next]
	r.next++
	r.busy = pkt.End()

	if r.p.Scan != nil {
		if req := r.p.Scan.RxAdv(pkt); req != nil {
			txEnd := pkt.End().Add(TIFS + Airtime(len(req), pkt.PHY))
			if txEnd <= r.op.Until() {
				rsp := b.air.Respond(pkt.Channel, req, txEnd)
				r.busy = txEnd
				if rsp != nil {
					r.busy = rsp.End()
				}
				if !r.p.Scan.RxResponse(req, txEnd, rsp) {
					b.endScan(r, r.busy)
					return
				}
			}
		}
	}
	if r.op.Terminating() {
		b.endScan(r, r.busy)
		return
	}
	b.armScan(r)
}

func (b *Sim) endScan(r *scanRun, end clock.Time) {
	b.mu.Lock()
	if b.running[r.op] != r {
		b.mu.Unlock()
		return
	}
	delete(b.running, r.op)
	b.mu.Unlock()
	b.finish(r.op, r.p, end)
}

func (b *Sim) runConn(op *sched.Op, p *Params) clock.Time {
	until := op.Until()
	at := op.Due
	for {
		if op.Terminating() {
			return at
		}
		tx := p.Conn.NextTx()
		if tx == nil {
			return at
		}
		txEnd := at.Add(Airtime(len(tx), p.PHY))
		rx, status := b.air.Exchange(p.AccessAddress, p.Channel, tx, at)
		rxAt := txEnd.Add(TIFS)
		var next clock.Time
		if status != StatusTimeout {
			next = rxAt.Add(Airtime(len(rx), p.PHY))
		} else {
			next = rxAt.Add(p.RxWindow)
		}
		if !p.Conn.Rx(rx, status, rxAt) {
			return next
		}
		at = next.Add(TIFS)
		if at.Add(2*Airtime(2, p.PHY)+TIFS) > until {
			return next
		}
	}
}
