package llcp

import (
	"crypto/rand"

	"github.com/pkg/errors"
	"github.com/rigado/llc"
	"github.com/rigado/llc/clock"
	"github.com/rigado/llc/hci"
	"github.com/rigado/llc/pdu"
)

var (
	ErrBusy        = errors.New("procedure already requested")
	ErrTerminating = errors.New("link is terminating")
	ErrNoCipher    = errors.New("no cipher configured")
	ErrInvalid     = errors.New("invalid procedure parameters")
)

// Config holds the local capabilities advertised by the engine.
type Config struct {
	Features  uint64
	VersNr    uint8
	CompID    uint16
	SubVersNr uint16

	MaxTxOctets uint16
	MaxTxTime   uint16
	MaxRxOctets uint16
	MaxRxTime   uint16

	DefaultTxPHYs uint8
	DefaultRxPHYs uint8

	// ResponseTimeout bounds the wait for a peer answer.
	ResponseTimeout clock.Duration
	// InstantOffset is added to the latency when choosing an instant.
	InstantOffset uint16

	Cipher Cipher
}

// DefaultConfig returns a Bluetooth 5.2 central without encryption.
func DefaultConfig() Config {
	return Config{
		Features:        FeatureEncryption | FeatureConnParamReq | FeatureExtReject | FeaturePeripheralFeatureExchange | FeaturePing | FeatureDataLength | Feature2MPHY | FeatureCSA2,
		VersNr:          11,
		CompID:          0xffff,
		MaxTxOctets:     251,
		MaxTxTime:       2120,
		MaxRxOctets:     251,
		MaxRxTime:       2120,
		DefaultTxPHYs:   pdu.PHYMask1M | pdu.PHYMask2M,
		DefaultRxPHYs:   pdu.PHYMask1M | pdu.PHYMask2M,
		ResponseTimeout: 40 * clock.Second,
		InstantOffset:   6,
	}
}

// LE feature bits of the link layer feature set.
const (
	FeatureEncryption                uint64 = 1 << 0
	FeatureConnParamReq              uint64 = 1 << 1
	FeatureExtReject                 uint64 = 1 << 2
	FeaturePeripheralFeatureExchange uint64 = 1 << 3
	FeaturePing                      uint64 = 1 << 4
	FeatureDataLength                uint64 = 1 << 5
	Feature2MPHY                     uint64 = 1 << 8
	FeatureCodedPHY                  uint64 = 1 << 11
	FeatureExtAdv                    uint64 = 1 << 12
	FeatureCSA2                      uint64 = 1 << 14
)

type step uint8

const (
	stepIdle step = iota
	stepWaitRsp
	stepWaitInstant
	stepWaitStartEncReq
	stepWaitStartEncRsp
)

// Engine multiplexes the control procedures of one connection onto the
// active slot.
type Engine struct {
	cfg  Config
	link Link
	log  llc.Logger

	active  Proc
	local   bool
	step    step
	pending uint16
	want    [numProcs]bool
	reqs    [numProcs]Request

	peerPHY   *pdu.Phy
	peerParam *pdu.ConnectionParam

	change   *Change
	applied  bool
	deadline clock.Time

	terminating bool
	termReason  hci.Status

	peerFeatures  uint64
	featuresKnown bool
	peerVersion   *pdu.VersionInd
	versionSent   bool

	skdm [8]byte
	ivm  [4]byte
	ccm  CCM

	dl DataLength
}

// New returns an engine for link.
func New(cfg Config, link Link, log llc.Logger) *Engine {
	if log == nil {
		log = llc.ComponentLogger("llcp")
	}
	return &Engine{cfg: cfg, link: link, log: log, dl: DefaultDataLength}
}

// Active returns the procedure in the slot.
func (e *Engine) Active() Proc { return e.active }

// Pending returns the mask of procedures waiting for the slot.
func (e *Engine) Pending() uint16 { return e.pending }

// IsPending reports whether p waits for the slot.
func (e *Engine) IsPending(p Proc) bool { return e.pending&p.bit() != 0 }

// Terminating reports whether LL_TERMINATE_IND was sent.
func (e *Engine) Terminating() bool { return e.terminating }

// TerminateReason returns the reason sent in LL_TERMINATE_IND.
func (e *Engine) TerminateReason() hci.Status { return e.termReason }

// DataLength returns the effective data length.
func (e *Engine) DataLength() DataLength { return e.dl }

// PeerFeatures returns the peer feature set once exchanged.
func (e *Engine) PeerFeatures() (uint64, bool) { return e.peerFeatures, e.featuresKnown }

// CheckActiveOrPend occupies the slot for p when it is free and reports
// true. Otherwise p is added to the pending mask.
func (e *Engine) CheckActiveOrPend(p Proc) bool {
	if e.active == ProcNone && !e.terminating {
		e.active = p
		return true
	}
	e.pending |= p.bit()
	return false
}

// StartPending starts the lowest pending procedure if the slot is free.
func (e *Engine) StartPending() {
	for e.active == ProcNone && e.pending != 0 && !e.terminating {
		var p Proc
		for p = ProcNone + 1; p < numProcs; p++ {
			if e.pending&p.bit() != 0 {
				break
			}
		}
		e.pending &^= p.bit()
		e.active = p
		e.start(p)
	}
}

// Request starts or queues a locally initiated procedure. A channel map
// requested while one is queued replaces it; while one is running it is
// queued behind it.
func (e *Engine) Request(r Request) error {
	switch {
	case e.terminating:
		return ErrTerminating
	case r.Proc == ProcNone || r.Proc >= numProcs || r.Proc == ProcConnParam:
		return errors.Wrapf(ErrInvalid, "proc %v", r.Proc)
	case r.Proc == ProcChannelMap && (e.want[r.Proc] || e.active == r.Proc):
		e.reqs[r.Proc] = r
		e.want[r.Proc] = true
		e.pending |= r.Proc.bit()
		return nil
	case e.want[r.Proc] || (e.active == r.Proc && e.local):
		return errors.Wrapf(ErrBusy, "%v", r.Proc)
	case r.Proc == ProcEncryption && e.cfg.Cipher == nil:
		return ErrNoCipher
	}
	e.reqs[r.Proc] = r
	e.want[r.Proc] = true
	if e.CheckActiveOrPend(r.Proc) {
		e.start(r.Proc)
	}
	return nil
}

// Terminate sends LL_TERMINATE_IND. Any procedure in progress is dropped.
// The link closes once the peer acknowledged the PDU, or after a
// supervision timeout.
func (e *Engine) Terminate(reason hci.Status) {
	if e.terminating {
		return
	}
	e.terminating = true
	e.termReason = reason
	e.active = ProcNone
	e.pending = 0
	e.change = nil
	e.applied = false
	e.link.SendControl(&pdu.TerminateInd{ErrorCode: uint8(reason)})
	timeout := clock.Duration(e.link.Params().Timeout) * 10 * clock.Millisecond
	e.deadline = e.link.Now().Add(timeout)
}

func (e *Engine) start(p Proc) {
	e.step = stepIdle
	switch {
	case p == ProcPHYUpdate && e.peerPHY != nil:
		e.local = false
		rq := e.peerPHY
		e.peerPHY = nil
		if e.want[p] {
			e.pending |= p.bit()
		}
		e.answerPHY(rq)
		return
	case p == ProcConnParam:
		e.local = false
		rq := e.peerParam
		e.peerParam = nil
		if rq == nil {
			e.finish(Result{}, false)
			return
		}
		e.answerConnParam(rq)
		return
	}

	e.local = true
	e.want[p] = false
	r := e.reqs[p]
	cur := e.link.Params()

	switch p {
	case ProcConnUpdate:
		e.sendInstant(&Change{
			Proc:     p,
			WinSize:  1,
			Interval: r.IntervalMin,
			Latency:  r.Latency,
			Timeout:  r.Timeout,
		})

	case ProcChannelMap:
		e.sendInstant(&Change{Proc: p, ChM: r.ChM, Interval: cur.Interval, Latency: cur.Latency, Timeout: cur.Timeout})

	case ProcPHYUpdate:
		e.send(&pdu.Phy{Op: pdu.OpPhyReq, TxPHY: r.TxPHYs, RxPHY: r.RxPHYs})
		e.wait()

	case ProcFeatureExchange:
		if e.featuresKnown {
			e.finish(Result{Features: e.peerFeatures}, true)
			return
		}
		e.send(&pdu.Features{Op: pdu.OpFeatureReq, FeatureSet: e.cfg.Features})
		e.wait()

	case ProcVersionExchange:
		if e.peerVersion != nil {
			e.finish(Result{Version: *e.peerVersion}, true)
			return
		}
		e.sendVersion()
		e.wait()

	case ProcDataLength:
		tx, txTime := r.TxOctets, r.TxTime
		if tx == 0 {
			tx, txTime = e.cfg.MaxTxOctets, e.cfg.MaxTxTime
		}
		e.reqs[p].TxOctets, e.reqs[p].TxTime = tx, txTime
		e.send(&pdu.Length{
			Op:          pdu.OpLengthReq,
			MaxRxOctets: e.cfg.MaxRxOctets,
			MaxRxTime:   e.cfg.MaxRxTime,
			MaxTxOctets: tx,
			MaxTxTime:   txTime,
		})
		e.wait()

	case ProcPing:
		e.send(&pdu.Bare{Op: pdu.OpPingReq})
		e.wait()

	case ProcEncryption:
		if _, err := rand.Read(e.skdm[:]); err != nil {
			e.finish(Result{Status: hci.StatusUnspecified}, true)
			return
		}
		if _, err := rand.Read(e.ivm[:]); err != nil {
			e.finish(Result{Status: hci.StatusUnspecified}, true)
			return
		}
		e.send(&pdu.EncReq{Rand: r.Rand, EDIV: r.EDIV, SKDm: e.skdm, IVm: e.ivm})
		e.wait()

	default:
		e.finish(Result{}, false)
	}
}

func (e *Engine) send(c pdu.Control) { e.link.SendControl(c) }

func (e *Engine) sendVersion() {
	e.versionSent = true
	e.send(&pdu.VersionInd{VersNr: e.cfg.VersNr, CompID: e.cfg.CompID, SubVersNr: e.cfg.SubVersNr})
}

func (e *Engine) wait() {
	e.step = stepWaitRsp
	e.deadline = e.link.Now().Add(e.cfg.ResponseTimeout)
}

// sendInstant picks the instant of ch and sends the matching indication.
func (e *Engine) sendInstant(ch *Change) {
	cur := e.link.Params()
	ch.Instant = e.link.Counter() + cur.Latency + e.cfg.InstantOffset
	switch ch.Proc {
	case ProcConnUpdate, ProcConnParam:
		e.send(&pdu.ConnectionUpdateInd{
			WinSize:   ch.WinSize,
			WinOffset: ch.WinOffset,
			Interval:  ch.Interval,
			Latency:   ch.Latency,
			Timeout:   ch.Timeout,
			Instant:   ch.Instant,
		})
	case ProcChannelMap:
		e.send(&pdu.ChannelMapInd{ChM: ch.ChM, Instant: ch.Instant})
	case ProcPHYUpdate:
		e.send(&pdu.PhyUpdateInd{CentralToPeripheral: ch.TxPHY, PeripheralToCentral: ch.RxPHY, Instant: ch.Instant})
	}
	e.change = ch
	e.applied = false
	e.step = stepWaitInstant
}

// Instant returns the pending change when next, the counter of the event
// about to be scheduled, reached its instant. The connection applies it
// before computing the due time of that event.
func (e *Engine) Instant(next uint16) *Change {
	if e.change == nil || e.applied {
		return nil
	}
	if int16(next-e.change.Instant) < 0 {
		return nil
	}
	e.applied = true
	return e.change
}

// EventDone runs once at the end of every connection event, before
// Instant. It completes a change applied at the previous end, so that the
// host learns about it only after it took effect, and checks the response
// timeout.
func (e *Engine) EventDone() {
	if e.applied && e.change != nil {
		ch := e.change
		cur := e.link.Params()
		e.finish(Result{
			Interval: cur.Interval,
			Latency:  cur.Latency,
			Timeout:  cur.Timeout,
			TxPHY:    cur.TxPHY,
			RxPHY:    cur.RxPHY,
		}, ch.Proc != ProcChannelMap)
	}

	if e.deadline == 0 || e.link.Now() < e.deadline {
		return
	}
	switch {
	case e.terminating:
		e.deadline = 0
		e.link.Close(e.termReason)
	case e.step == stepWaitRsp || e.step == stepWaitStartEncReq || e.step == stepWaitStartEncRsp:
		e.deadline = 0
		e.log.Warnf("%v: response timeout", e.active)
		e.link.Close(hci.StatusLLResponseTimeout)
	}
}

func (e *Engine) finish(r Result, notify bool) {
	if r.Proc == ProcNone {
		r.Proc = e.active
	}
	e.active = ProcNone
	e.step = stepIdle
	e.change = nil
	e.applied = false
	e.deadline = 0
	if notify {
		e.link.Notify(r)
	}
	e.StartPending()
}
