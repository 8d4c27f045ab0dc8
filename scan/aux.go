package scan

import (
	"github.com/rigado/llc/clock"
	"github.com/rigado/llc/pdu"
	"github.com/rigado/llc/radio"
	"github.com/rigado/llc/sched"
)

// auxTarget is the auxiliary packet announced by an ADV_EXT_IND.
type auxTarget struct {
	at      clock.Time
	channel uint8
	phy     pdu.PHY
	adi     pdu.ADI
	primary pdu.PHY
}

// auxOp receives one auxiliary packet and answers it at most once. Chained
// packets are not followed.
type auxOp struct {
	s      *Scanner
	op     sched.Op
	radio  radio.Params
	target auxTarget
}

// rxExtPrimary handles ADV_EXT_IND. The running window is cut short so the
// radio is free when the auxiliary packet arrives.
func (s *Scanner) rxExtPrimary(pkt *radio.Packet, a pdu.Adv) {
	e, err := pdu.ParseExt(a)
	if err != nil {
		return
	}
	if e.AuxPtr == nil {
		if e.AdvA == nil || s.role == RoleInitiator || !s.accepts(*e.AdvA) {
			return
		}
		s.report(extReport(e, pkt.PHY, NoPHY, pkt.RSSI), e.ADI)
		return
	}
	if e.ADI == nil || s.target != nil || s.sched.Contains(&s.aux.op) {
		return
	}
	if s.role == RoleInitiator && e.Mode != pdu.ModeConnectable {
		return
	}
	s.target = &auxTarget{
		at:      pkt.At.Add(clock.Duration(e.AuxPtr.OffsetUsec())),
		channel: e.AuxPtr.Channel,
		phy:     e.AuxPtr.PHY,
		adi:     *e.ADI,
		primary: pkt.PHY,
	}
	s.sched.Remove(&s.op)
}

// auxDuration covers the packet, one request and its response.
func auxDuration(lead clock.Duration, phy pdu.PHY) clock.Duration {
	return 2*lead + radio.Airtime(2+255, phy) + 2*radio.TIFS +
		radio.Airtime(2+pdu.ConnectIndLen, phy) + radio.Airtime(2+64, phy)
}

func (a *auxOp) schedule(t auxTarget) {
	s := a.s
	a.target = t
	a.radio = radio.Params{
		Kind:          radio.KindAux,
		Channel:       t.channel,
		AccessAddress: pdu.AdvAccessAddress,
		CRCInit:       pdu.AdvCRCInit,
		PHY:           t.phy,
		Scan:          a,
	}
	a.op.Due = t.at.Add(-s.cfg.AuxLead)
	a.op.MinDuration = auxDuration(s.cfg.AuxLead, t.phy)
	a.op.MaxDuration = a.op.MinDuration
	if err := s.sched.InsertAtDueTime(&a.op, nil); err != nil {
		s.log.Debugf("aux packet on channel %d at %v skipped: %v", t.channel, t.at, err)
	}
}

// Begin implements sched.Handler.
func (a *auxOp) Begin(op *sched.Op) error {
	s := a.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running() {
		return ErrStopped
	}
	s.scanReq = nil
	return nil
}

// End implements sched.Handler.
func (a *auxOp) End(op *sched.Op) {
	s := a.s
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
	}
}

// Abort implements sched.Handler. A missed auxiliary packet is not retried.
func (a *auxOp) Abort(op *sched.Op) {}

// RxAdv implements radio.ScanHandler for AUX_ADV_IND.
func (a *auxOp) RxAdv(pkt *radio.Packet) []byte {
	s := a.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running() || s.pending != nil {
		return nil
	}
	adv, err := pdu.ParseAdv(pkt.PDU)
	if err != nil || adv.Header.Type != pdu.TypeAdvExtInd {
		return nil
	}
	e, err := pdu.ParseExt(adv)
	if err != nil || e.ADI == nil || *e.ADI != a.target.adi || e.AdvA == nil {
		return nil
	}
	if !s.accepts(*e.AdvA) {
		return nil
	}
	if e.TargetA != nil && !e.TargetA.Equal(s.params.OwnAddr) {
		return nil
	}

	if s.role == RoleInitiator {
		if e.Mode != pdu.ModeConnectable {
			return nil
		}
		return s.connectReq(pkt, *e.AdvA, true, true, &a.op)
	}

	s.report(extReport(e, a.target.primary, pkt.PHY, pkt.RSSI), e.ADI)
	if s.params.Active && e.Mode == pdu.ModeScannable && s.backoff.Request() {
		s.scanReq = &scanReq{addr: *e.AdvA, ext: true}
		s.stats.ScanReqs++
		return pdu.ScanReq{ScanA: s.params.OwnAddr, AdvA: *e.AdvA}.Marshal()
	}
	return nil
}

// RxResponse implements radio.ScanHandler for AUX_SCAN_RSP and
// AUX_CONNECT_RSP. The op always closes after one exchange.
func (a *auxOp) RxResponse(req []byte, txEnd clock.Time, rsp *radio.Packet) bool {
	s := a.s
	s.mu.Lock()
	defer s.mu.Unlock()

	if p := s.pending; p != nil {
		if !isAuxConnectRsp(rsp, p) {
			s.log.Debugf("no AUX_CONNECT_RSP from %v", p.ind.AdvA)
			s.pending = nil
			return false
		}
		p.txEnd = txEnd
		return false
	}

	r := s.scanReq
	s.scanReq = nil
	if r == nil {
		return false
	}
	e, ok := parseAuxScanRsp(rsp)
	if !ok || !e.AdvA.Equal(r.addr) {
		s.backoff.Failure()
		return false
	}
	s.backoff.Success()
	s.stats.ScanRsps++
	rep := extReport(e, a.target.primary, rsp.PHY, rsp.RSSI)
	rep.EventType |= EventScanResponse | EventScannable
	s.report(rep, e.ADI)
	return false
}

func parseAuxScanRsp(rsp *radio.Packet) (pdu.Ext, bool) {
	if rsp == nil {
		return pdu.Ext{}, false
	}
	a, err := pdu.ParseAdv(rsp.PDU)
	if err != nil || a.Header.Type != pdu.TypeAdvExtInd {
		return pdu.Ext{}, false
	}
	e, err := pdu.ParseExt(a)
	if err != nil || e.AdvA == nil {
		return pdu.Ext{}, false
	}
	return e, true
}

func isAuxConnectRsp(rsp *radio.Packet, p *pendingConn) bool {
	if rsp == nil {
		return false
	}
	a, err := pdu.ParseAdv(rsp.PDU)
	if err != nil || a.Header.Type != pdu.TypeAuxConnectRsp {
		return false
	}
	e, err := pdu.ParseExt(a)
	if err != nil || e.AdvA == nil || e.TargetA == nil {
		return false
	}
	return e.AdvA.Equal(p.ind.AdvA) && e.TargetA.Equal(p.ind.InitA)
}
