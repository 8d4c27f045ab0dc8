package conn

import (
	"github.com/rigado/llc/clock"
	"github.com/rigado/llc/hci"
	"github.com/rigado/llc/llcp"
	"github.com/rigado/llc/pdu"
)

// link is the view of a Conn its control procedure engine works on. The
// engine only calls it with the connection lock held.
type link Conn

func (l *link) Counter() uint16 { return uint16(l.event) }

func (l *link) Now() clock.Time { return l.m.clk.Now() }

func (l *link) Params() llcp.Params {
	return llcp.Params{
		Interval: l.p.Interval,
		Latency:  l.p.Latency,
		Timeout:  l.p.Timeout,
		ChM:      l.p.ChM,
		TxPHY:    l.txPHY,
		RxPHY:    l.rxPHY,
	}
}

func (l *link) SendControl(ctl pdu.Control) {
	t := txPDU{llid: pdu.LLIDControl, payload: pdu.MarshalControl(ctl)}
	if _, ok := ctl.(*pdu.TerminateInd); ok {
		t.terminate = true
		l.dataq = nil
		l.ctrlq = append([]txPDU{t}, l.ctrlq...)
	} else {
		l.ctrlq = append(l.ctrlq, t)
	}
	(*Conn)(l).kick()
}

func (l *link) StartEncryption(ccm llcp.CCM) { l.ccm = ccm }

func (l *link) SetDataLength(dl llcp.DataLength) { l.dl = dl }

func (l *link) PeerTerminated(reason hci.Status) {
	l.log.Infof("peer terminated: %v", reason)
	l.peerTerm = true
	l.peerReason = reason
	l.ctrlq = nil
	l.dataq = nil
}

func (l *link) Close(reason hci.Status) {
	if l.engine.Terminating() {
		reason = hci.StatusLocalHostTerminated
	}
	l.closeReq = true
	l.closeReason = reason
}

func (l *link) Notify(r llcp.Result) {
	if !l.m.post(Event{Kind: EventProc, Handle: l.handle, Result: r}) {
		l.log.Warnf("%v result dropped", r.Proc)
	}
}
