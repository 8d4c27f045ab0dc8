package llcp

import (
	"github.com/pkg/errors"
	"github.com/rigado/llc/hci"
	"github.com/rigado/llc/pdu"
)

// Rx handles a control PDU payload received from the peer.
func (e *Engine) Rx(payload []byte) {
	c, op, err := pdu.ParseControl(payload)
	if err != nil {
		switch errors.Cause(err) {
		case pdu.ErrUnknownOpcode:
			e.send(&pdu.UnknownRsp{UnknownType: op})
		case pdu.ErrShort:
		default:
			e.send(&pdu.RejectExtInd{RejectOpcode: op, ErrorCode: uint8(hci.StatusInvalidLLParameters)})
		}
		e.log.Debugf("rx %v: %v", op, err)
		return
	}
	if e.terminating {
		return
	}

	switch m := c.(type) {
	case *pdu.UnknownRsp:
		e.rejected(m.UnknownType, hci.StatusUnsupportedRemoteFeature)

	case *pdu.RejectExtInd:
		e.rejected(m.RejectOpcode, hci.Status(m.ErrorCode))

	case *pdu.RejectInd:
		if e.active == ProcEncryption {
			e.rejected(pdu.OpEncReq, hci.Status(m.ErrorCode))
		}

	case *pdu.Features:
		e.rxFeatures(m)

	case *pdu.VersionInd:
		v := *m
		e.peerVersion = &v
		if e.active == ProcVersionExchange && e.local && e.step == stepWaitRsp {
			e.finish(Result{Version: v}, true)
			return
		}
		if !e.versionSent {
			e.sendVersion()
		}

	case *pdu.Bare:
		e.rxBare(m)

	case *pdu.EncRsp:
		e.rxEncRsp(m)

	case *pdu.Length:
		e.rxLength(m)

	case *pdu.Phy:
		e.rxPhy(m)

	case *pdu.ConnectionParam:
		if m.Op != pdu.OpConnectionParamReq {
			e.send(&pdu.UnknownRsp{UnknownType: op})
			return
		}
		e.rxConnParamReq(m)

	case *pdu.TerminateInd:
		e.active = ProcNone
		e.pending = 0
		e.change = nil
		e.link.PeerTerminated(hci.Status(m.ErrorCode))

	case *pdu.MinUsedChannelsInd:
		e.log.Debugf("peer needs %d channels on phys %#x", m.MinUsedChannels, m.PHYs)

	default:
		// Central only PDUs and encryption pause are not accepted from a
		// peripheral.
		e.send(&pdu.UnknownRsp{UnknownType: op})
	}
}

// opcodeOf returns the request opcode a locally started procedure waits
// an answer for.
func opcodeOf(p Proc) pdu.Opcode {
	switch p {
	case ProcConnUpdate:
		return pdu.OpConnectionUpdateInd
	case ProcChannelMap:
		return pdu.OpChannelMapInd
	case ProcPHYUpdate:
		return pdu.OpPhyReq
	case ProcFeatureExchange:
		return pdu.OpFeatureReq
	case ProcVersionExchange:
		return pdu.OpVersionInd
	case ProcDataLength:
		return pdu.OpLengthReq
	case ProcPing:
		return pdu.OpPingReq
	case ProcEncryption:
		return pdu.OpEncReq
	}
	return 0xff
}

// rejected aborts the active procedure when the peer refused its request.
func (e *Engine) rejected(op pdu.Opcode, status hci.Status) {
	if e.active == ProcNone || !e.local {
		return
	}
	match := opcodeOf(e.active) == op
	if e.active == ProcEncryption && (op == pdu.OpStartEncRsp || op == pdu.OpStartEncReq) {
		match = true
	}
	if e.active == ProcPHYUpdate && op == pdu.OpPhyUpdateInd {
		match = true
	}
	if !match {
		e.log.Debugf("reject of %v while %v is active", op, e.active)
		return
	}
	if status == hci.StatusSuccess {
		status = hci.StatusUnspecified
	}
	if e.active.HasInstant() && e.step == stepWaitInstant {
		// The change is already on its way; the peer applies it or drops
		// the link.
		return
	}

	r := Result{Status: status}
	switch e.active {
	case ProcDataLength:
		e.finish(r, false)
	case ProcPing:
		e.finish(r, false)
	default:
		cur := e.link.Params()
		r.TxPHY, r.RxPHY = cur.TxPHY, cur.RxPHY
		if e.active == ProcFeatureExchange && status == hci.StatusUnsupportedRemoteFeature {
			// A peer that does not know LL_FEATURE_REQ supports no
			// optional feature.
			e.peerFeatures, e.featuresKnown = 0, true
		}
		e.finish(r, true)
	}
}

func (e *Engine) rxFeatures(m *pdu.Features) {
	switch m.Op {
	case pdu.OpFeatureRsp:
		e.peerFeatures, e.featuresKnown = m.FeatureSet, true
		if e.active == ProcFeatureExchange && e.local && e.step == stepWaitRsp {
			e.finish(Result{Features: m.FeatureSet}, true)
		}
	case pdu.OpPeripheralFeatureReq, pdu.OpFeatureReq:
		e.peerFeatures, e.featuresKnown = m.FeatureSet, true
		e.send(&pdu.Features{Op: pdu.OpFeatureRsp, FeatureSet: e.cfg.Features & (m.FeatureSet | ^uint64(0xff))})
	}
}

func (e *Engine) rxBare(m *pdu.Bare) {
	switch m.Op {
	case pdu.OpPingReq:
		e.send(&pdu.Bare{Op: pdu.OpPingRsp})
	case pdu.OpPingRsp:
		if e.active == ProcPing && e.local {
			e.finish(Result{}, false)
		}
	case pdu.OpStartEncReq:
		if e.active != ProcEncryption || e.step != stepWaitStartEncReq {
			e.send(&pdu.UnknownRsp{UnknownType: m.Op})
			return
		}
		e.link.StartEncryption(e.ccm)
		e.send(&pdu.Bare{Op: pdu.OpStartEncRsp})
		e.step = stepWaitStartEncRsp
	case pdu.OpStartEncRsp:
		if e.active != ProcEncryption || e.step != stepWaitStartEncRsp {
			return
		}
		e.finish(Result{Encrypted: true}, true)
	default:
		e.send(&pdu.UnknownRsp{UnknownType: m.Op})
	}
}

func (e *Engine) rxEncRsp(m *pdu.EncRsp) {
	if e.active != ProcEncryption || e.step != stepWaitRsp {
		e.send(&pdu.UnknownRsp{UnknownType: pdu.OpEncRsp})
		return
	}
	r := e.reqs[ProcEncryption]
	var skd [16]byte
	copy(skd[:8], e.skdm[:])
	copy(skd[8:], m.SKDs[:])
	var iv [8]byte
	copy(iv[:4], e.ivm[:])
	copy(iv[4:], m.IVs[:])

	ccm, err := e.cfg.Cipher.NewCCM(r.LTK, skd, iv)
	if err != nil {
		e.log.Errorf("can't derive session key: %v", err)
		e.finish(Result{Status: hci.StatusUnspecified}, true)
		e.Terminate(hci.StatusMICFailure)
		return
	}
	e.ccm = ccm
	e.step = stepWaitStartEncReq
	e.deadline = e.link.Now().Add(e.cfg.ResponseTimeout)
}

func minU16(a, b uint16) uint16 {
	if a < b {
		return a
	}
	return b
}

func (e *Engine) rxLength(m *pdu.Length) {
	local := e.reqs[ProcDataLength]
	tx, txTime := e.cfg.MaxTxOctets, e.cfg.MaxTxTime
	if local.TxOctets != 0 {
		tx, txTime = local.TxOctets, local.TxTime
	}
	if m.MaxRxOctets < 27 || m.MaxTxOctets < 27 || m.MaxRxTime < 328 || m.MaxTxTime < 328 {
		e.send(&pdu.RejectExtInd{RejectOpcode: m.Op, ErrorCode: uint8(hci.StatusInvalidLLParameters)})
		return
	}

	if m.Op == pdu.OpLengthReq {
		e.send(&pdu.Length{
			Op:          pdu.OpLengthRsp,
			MaxRxOctets: e.cfg.MaxRxOctets,
			MaxRxTime:   e.cfg.MaxRxTime,
			MaxTxOctets: tx,
			MaxTxTime:   txTime,
		})
	}

	dl := DataLength{
		MaxTxOctets: minU16(tx, m.MaxRxOctets),
		MaxTxTime:   minU16(txTime, m.MaxRxTime),
		MaxRxOctets: minU16(e.cfg.MaxRxOctets, m.MaxTxOctets),
		MaxRxTime:   minU16(e.cfg.MaxRxTime, m.MaxTxTime),
	}
	changed := dl != e.dl
	if changed {
		e.dl = dl
		e.link.SetDataLength(dl)
	}

	if m.Op == pdu.OpLengthRsp && e.active == ProcDataLength && e.local {
		e.finish(Result{DataLength: dl}, changed)
		return
	}
	if m.Op == pdu.OpLengthReq && changed {
		e.link.Notify(Result{Proc: ProcDataLength, DataLength: dl})
	}
}

// pickPHY selects one PHY from a preference mask, fastest first.
func pickPHY(mask uint8) uint8 {
	switch {
	case mask&pdu.PHYMask2M != 0:
		return pdu.PHYMask2M
	case mask&pdu.PHYMask1M != 0:
		return pdu.PHYMask1M
	case mask&pdu.PHYMaskCoded != 0:
		return pdu.PHYMaskCoded
	}
	return 0
}

// decidePHY applies the central side of the PHY update and either sends
// LL_PHY_UPDATE_IND with an instant or completes right away.
func (e *Engine) decidePHY(txPref, rxPref uint8, peer *pdu.Phy) {
	cur := e.link.Params()
	tx := pickPHY(txPref & peer.RxPHY)
	rx := pickPHY(rxPref & peer.TxPHY)
	if tx == cur.TxPHY {
		tx = 0
	}
	if rx == cur.RxPHY {
		rx = 0
	}
	if tx == 0 && rx == 0 {
		e.send(&pdu.PhyUpdateInd{})
		e.finish(Result{TxPHY: cur.TxPHY, RxPHY: cur.RxPHY}, e.local)
		return
	}
	e.sendInstant(&Change{
		Proc:     ProcPHYUpdate,
		Interval: cur.Interval,
		Latency:  cur.Latency,
		Timeout:  cur.Timeout,
		TxPHY:    tx,
		RxPHY:    rx,
	})
}

func (e *Engine) answerPHY(rq *pdu.Phy) {
	e.decidePHY(e.cfg.DefaultTxPHYs, e.cfg.DefaultRxPHYs, rq)
}

func (e *Engine) rxPhy(m *pdu.Phy) {
	switch m.Op {
	case pdu.OpPhyRsp:
		if e.active != ProcPHYUpdate || !e.local || e.step != stepWaitRsp {
			return
		}
		r := e.reqs[ProcPHYUpdate]
		e.decidePHY(r.TxPHYs, r.RxPHYs, m)

	case pdu.OpPhyReq:
		switch {
		case e.active == ProcNone:
			e.active = ProcPHYUpdate
			e.local = false
			e.answerPHY(m)
		case e.active == ProcPHYUpdate:
			e.send(&pdu.RejectExtInd{RejectOpcode: pdu.OpPhyReq, ErrorCode: uint8(hci.StatusLLProcedureCollision)})
		case e.active.HasInstant():
			e.send(&pdu.RejectExtInd{RejectOpcode: pdu.OpPhyReq, ErrorCode: uint8(hci.StatusDifferentTransactionCollision)})
		default:
			v := *m
			e.peerPHY = &v
			e.pending |= ProcPHYUpdate.bit()
		}
	}
}

func validConnParam(m *pdu.ConnectionParam) bool {
	switch {
	case m.IntervalMin < 6 || m.IntervalMax > 3200 || m.IntervalMin > m.IntervalMax:
		return false
	case m.Latency > 499:
		return false
	case m.Timeout < 10 || m.Timeout > 3200:
		return false
	case uint32(m.Timeout)*4 <= (1+uint32(m.Latency))*uint32(m.IntervalMax):
		return false
	}
	return true
}

func (e *Engine) rxConnParamReq(m *pdu.ConnectionParam) {
	if !validConnParam(m) {
		e.send(&pdu.RejectExtInd{RejectOpcode: pdu.OpConnectionParamReq, ErrorCode: uint8(hci.StatusInvalidLLParameters)})
		return
	}
	switch {
	case e.active == ProcNone:
		e.active = ProcConnParam
		e.local = false
		e.answerConnParam(m)
	case e.active == ProcConnUpdate || e.active == ProcConnParam:
		e.send(&pdu.RejectExtInd{RejectOpcode: pdu.OpConnectionParamReq, ErrorCode: uint8(hci.StatusLLProcedureCollision)})
	case e.active.HasInstant():
		e.send(&pdu.RejectExtInd{RejectOpcode: pdu.OpConnectionParamReq, ErrorCode: uint8(hci.StatusDifferentTransactionCollision)})
	default:
		v := *m
		e.peerParam = &v
		e.pending |= ProcConnParam.bit()
	}
}

// answerConnParam accepts a peer request, keeping the current interval
// when it is in the requested range.
func (e *Engine) answerConnParam(m *pdu.ConnectionParam) {
	cur := e.link.Params()
	interval := cur.Interval
	if interval < m.IntervalMin {
		interval = m.IntervalMin
	}
	if interval > m.IntervalMax {
		interval = m.IntervalMax
	}
	e.sendInstant(&Change{
		Proc:     ProcConnParam,
		WinSize:  1,
		Interval: interval,
		Latency:  m.Latency,
		Timeout:  m.Timeout,
	})
}
