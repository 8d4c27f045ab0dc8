package radio

import (
	"sync"

	"github.com/rigado/llc/clock"
	"github.com/rigado/llc/pdu"
)

// Peripheral is the simulated far end of a connection. It keeps the
// acknowledgement scheme, answers the LL control procedures a central
// starts and can originate its own traffic.
type Peripheral struct {
	mu sync.Mutex

	Features  uint64
	VersNr    uint8
	CompID    uint16
	SubVersNr uint16
	// PHYs is the preferred PHY mask sent in LL_PHY_RSP.
	PHYs uint8

	conn      *pdu.ConnectInd
	sn, nesn  bool
	inflight  []byte
	txq       [][]byte
	miss, crc int
	gone      bool
	versSent  bool

	received [][]byte
	control  []pdu.Control
	events   int
	lastRx   clock.Time
}

// NewPeripheral returns a peripheral with LE 5.2 defaults.
func NewPeripheral() *Peripheral {
	return &Peripheral{
		Features:  0x01 | 0x20 | 0x100,
		VersNr:    11,
		CompID:    0x05f1,
		SubVersNr: 1,
		PHYs:      pdu.PHYMask1M | pdu.PHYMask2M,
	}
}

func (p *Peripheral) connect(c pdu.ConnectInd) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.conn = &c
	p.sn, p.nesn = false, false
	p.gone = false
}

// Connection returns the connection request that created the link.
func (p *Peripheral) Connection() (pdu.ConnectInd, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return pdu.ConnectInd{}, false
	}
	return *p.conn, true
}

// Miss makes the peripheral deaf for the next n exchanges.
func (p *Peripheral) Miss(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.miss = n
}

// Corrupt makes the next n answers arrive with a CRC error.
func (p *Peripheral) Corrupt(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.crc = n
}

// Send queues an L2CAP start fragment to the central.
func (p *Peripheral) Send(payload []byte) {
	p.queue(pdu.Data{Header: pdu.DataHeader{LLID: pdu.LLIDStart}, Payload: payload})
}

// SendControl queues a control PDU to the central.
func (p *Peripheral) SendControl(c pdu.Control) {
	p.queue(pdu.ControlPDU(c))
}

// Terminate queues LL_TERMINATE_IND with reason.
func (p *Peripheral) Terminate(reason uint8) {
	p.SendControl(&pdu.TerminateInd{ErrorCode: reason})
}

func (p *Peripheral) queue(d pdu.Data) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.txq = append(p.txq, d.Marshal())
}

// Received returns the data payloads received from the central.
func (p *Peripheral) Received() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]byte(nil), p.received...)
}

// Control returns the control PDUs received from the central.
func (p *Peripheral) Control() []pdu.Control {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]pdu.Control(nil), p.control...)
}

// Exchanges returns the number of exchanges heard.
func (p *Peripheral) Exchanges() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.events
}

// Gone reports whether the link was terminated.
func (p *Peripheral) Gone() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.gone
}

func (p *Peripheral) exchange(ch uint8, tx []byte, at clock.Time) ([]byte, Status) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.gone || p.conn == nil {
		return nil, StatusTimeout
	}
	if p.miss > 0 {
		p.miss--
		return nil, StatusTimeout
	}
	d, err := pdu.ParseData(tx)
	if err != nil {
		return nil, StatusTimeout
	}
	p.events++
	p.lastRx = at

	if d.Header.NESN != p.sn {
		if isTerminate(p.inflight) {
			p.gone = true
		}
		p.inflight = nil
		p.sn = !p.sn
	}
	if d.Header.SN == p.nesn {
		p.nesn = !p.nesn
		p.handle(d)
	}

	if p.inflight == nil && len(p.txq) > 0 {
		p.inflight = p.txq[0]
		p.txq = p.txq[1:]
	}
	var out []byte
	if p.inflight != nil {
		out = append([]byte(nil), p.inflight...)
		out[0] &^= 0x1c
	} else {
		out = pdu.Empty(false, false, false).Marshal()
	}
	if p.sn {
		out[0] |= 1 << 3
	}
	if p.nesn {
		out[0] |= 1 << 2
	}
	if len(p.txq) > 0 {
		out[0] |= 1 << 4
	}

	if p.crc > 0 {
		p.crc--
		return out, StatusCRC
	}
	return out, StatusOK
}

func isTerminate(b []byte) bool {
	return len(b) > 2 && pdu.LLID(b[0]&0x03) == pdu.LLIDControl && pdu.Opcode(b[2]) == pdu.OpTerminateInd
}

func (p *Peripheral) handle(d pdu.Data) {
	switch d.Header.LLID {
	case pdu.LLIDStart, pdu.LLIDContinuation:
		if len(d.Payload) > 0 {
			p.received = append(p.received, append([]byte(nil), d.Payload...))
		}
		return
	}

	c, op, err := pdu.ParseControl(d.Payload)
	if err != nil {
		if op.Known() {
			p.reply(&pdu.RejectExtInd{RejectOpcode: op, ErrorCode: 0x1e})
		} else {
			p.reply(&pdu.UnknownRsp{UnknownType: op})
		}
		return
	}
	p.control = append(p.control, c)

	switch m := c.(type) {
	case *pdu.Features:
		if m.Op == pdu.OpFeatureReq {
			p.reply(&pdu.Features{Op: pdu.OpFeatureRsp, FeatureSet: p.Features})
		}
	case *pdu.VersionInd:
		if !p.versSent {
			p.versSent = true
			p.reply(&pdu.VersionInd{VersNr: p.VersNr, CompID: p.CompID, SubVersNr: p.SubVersNr})
		}
	case *pdu.Bare:
		if m.Op == pdu.OpPingReq {
			p.reply(&pdu.Bare{Op: pdu.OpPingRsp})
		}
	case *pdu.Length:
		if m.Op == pdu.OpLengthReq {
			p.reply(&pdu.Length{Op: pdu.OpLengthRsp, MaxRxOctets: 251, MaxRxTime: 2120, MaxTxOctets: 251, MaxTxTime: 2120})
		}
	case *pdu.Phy:
		if m.Op == pdu.OpPhyReq {
			p.reply(&pdu.Phy{Op: pdu.OpPhyRsp, TxPHY: p.PHYs, RxPHY: p.PHYs})
		}
	case *pdu.EncReq:
		p.reply(&pdu.RejectExtInd{RejectOpcode: pdu.OpEncReq, ErrorCode: 0x1a})
	case *pdu.TerminateInd:
		p.gone = true
	}
}

func (p *Peripheral) reply(c pdu.Control) {
	p.txq = append(p.txq, pdu.ControlPDU(c).Marshal())
}
