package controller

import (
	"github.com/rigado/llc/conn"
	"github.com/rigado/llc/hci"
	"github.com/rigado/llc/llcp"
	"github.com/rigado/llc/pdu"
	"github.com/rigado/llc/scan"
)

func (c *Controller) handleScanEvent(e scan.Event) {
	switch e.Kind {
	case scan.EventReport:
		c.report(e.Report)
	case scan.EventStopped:
		if e.Role == scan.RoleInitiator {
			c.initiatorStopped(e)
			return
		}
		c.scanner.Stopped()
		if c.scanStopping {
			c.scanStopping = false
			c.emit(complete(hci.OpLESetScanEnable, hci.StatusSuccess))
		}
	}
}

// legacyType is the event type of an LE Advertising Report.
func legacyType(t pdu.AdvType) uint8 {
	switch t {
	case pdu.TypeAdvInd:
		return 0x00
	case pdu.TypeAdvDirectInd:
		return 0x01
	case pdu.TypeAdvScanInd:
		return 0x02
	case pdu.TypeScanRsp:
		return 0x04
	default:
		return 0x03
	}
}

// phyOf turns a radio PHY into the PHY value of an extended report.
func phyOf(p pdu.PHY) uint8 {
	if p == scan.NoPHY {
		return 0
	}
	return uint8(p) + 1
}

func (c *Controller) report(r scan.Report) {
	if !r.Extended() {
		c.emit(hci.NewLEAdvertisingReport(hci.AdvReport{
			EventType: legacyType(r.Legacy),
			AddrType:  uint8(r.Addr.Type),
			Addr:      r.Addr.Bytes,
			Data:      r.Data,
			RSSI:      r.RSSI,
		}))
		return
	}
	x := hci.ExtAdvReport{
		EventType:    r.EventType,
		AddrType:     uint8(r.Addr.Type),
		Addr:         r.Addr.Bytes,
		PrimaryPHY:   phyOf(r.PrimaryPHY),
		SecondaryPHY: phyOf(r.SecondaryPHY),
		SID:          r.SID,
		TxPower:      r.TxPower,
		RSSI:         r.RSSI,
		Data:         r.Data,
	}
	if r.Direct != nil {
		x.DirectAddrType = uint8(r.Direct.Type)
		x.DirectAddr = r.Direct.Bytes
	}
	c.emit(hci.NewLEExtendedAdvertisingReport(x))
}

// initiatorStopped reports the outcome of LE Create Connection. The slot
// reserved for the link is released unless the link came up.
func (c *Controller) initiatorStopped(e scan.Event) {
	var slot *conn.Conn
	if req := c.initiator.Request(); req != nil {
		slot = req.Conn
	}
	reset := c.initiator.State() == scan.StateReset
	c.initiator.Stopped()

	if reset {
		if e.Conn != nil {
			c.conns.Free(e.Conn)
		}
		return
	}
	if e.Conn == nil {
		if slot != nil {
			c.conns.Free(slot)
		}
		c.log.Infof("connection to %v not established: %v", e.Peer, e.Status)
		c.emit(hci.NewLEMeta(hci.SubLEConnectionComplete, hci.LEConnectionComplete{
			Status:       uint8(e.Status),
			Role:         hci.RoleCentral,
			PeerAddrType: uint8(e.Peer.Type),
			PeerAddr:     e.Peer.Bytes,
		}))
		return
	}

	p := e.Params
	c.log.Infof("connected to %v, handle 0x%04x interval %d", e.Peer, e.Conn.Handle(), p.Interval)
	c.emit(hci.NewLEMeta(hci.SubLEConnectionComplete, hci.LEConnectionComplete{
		Handle:        e.Conn.Handle(),
		Role:          hci.RoleCentral,
		PeerAddrType:  uint8(e.Peer.Type),
		PeerAddr:      e.Peer.Bytes,
		Interval:      p.Interval,
		Latency:       p.Latency,
		Timeout:       p.Timeout,
		ClockAccuracy: conn.PPMToSCA(c.cfg.Conn.LocalPPM),
	}))
	alg := uint8(0)
	if p.CSA2 {
		alg = 1
	}
	c.emit(hci.NewLEMeta(hci.SubLEChannelSelectionAlgorithm, hci.LEChannelSelectionAlgorithm{
		Handle:    e.Conn.Handle(),
		Algorithm: alg,
	}))
}

func (c *Controller) handleConnEvent(e conn.Event) {
	switch e.Kind {
	case conn.EventDisconnected:
		c.disconnected(e)
	case conn.EventProc:
		c.procDone(e.Handle, e.Result)
	case conn.EventData:
		pb := hci.PBContinuing
		if e.Start {
			pb = hci.PBFirstFlushable
		}
		c.stats.ACLOut++
		c.send(hci.ACL{Handle: e.Handle, PB: pb, Data: e.Data}.Packet())
	case conn.EventCompleted:
		c.completed(e.Handle, e.Completed)
	}
}

// disconnected reports the end of a link and returns the buffers its
// unacknowledged packets held.
func (c *Controller) disconnected(e conn.Event) {
	c.log.Infof("0x%04x disconnected: %v", e.Handle, e.Reason)
	c.aclFree += c.inflight[e.Handle]
	delete(c.inflight, e.Handle)
	if cn, err := c.conns.Lookup(e.Handle); err == nil {
		c.conns.Free(cn)
	}
	c.emit(hci.NewEvent(hci.EvtDisconnectionComplete, hci.DisconnectionComplete{
		Handle: e.Handle,
		Reason: uint8(e.Reason),
	}))
}

func (c *Controller) completed(handle uint16, n int) {
	if n > c.inflight[handle] {
		n = c.inflight[handle]
	}
	if n <= 0 {
		return
	}
	c.inflight[handle] -= n
	c.aclFree += n
	c.emit(hci.NewNumberOfCompletedPackets(hci.Completed{Handle: handle, Count: uint16(n)}))
}

func (c *Controller) procDone(handle uint16, r llcp.Result) {
	c.log.Debugf("0x%04x %v done: %v", handle, r.Proc, r.Status)
	st := uint8(r.Status)
	switch r.Proc {
	case llcp.ProcConnUpdate, llcp.ProcConnParam:
		c.emit(hci.NewLEMeta(hci.SubLEConnectionUpdateComplete, hci.LEConnectionUpdateComplete{
			Status:   st,
			Handle:   handle,
			Interval: r.Interval,
			Latency:  r.Latency,
			Timeout:  r.Timeout,
		}))
	case llcp.ProcPHYUpdate:
		c.emit(hci.NewLEMeta(hci.SubLEPHYUpdateComplete, hci.LEPHYUpdateComplete{
			Status: st,
			Handle: handle,
			TxPHY:  phyValue(r.TxPHY),
			RxPHY:  phyValue(r.RxPHY),
		}))
	case llcp.ProcFeatureExchange:
		c.emit(hci.NewLEMeta(hci.SubLEReadRemoteFeaturesComplete, hci.LEReadRemoteFeaturesComplete{
			Status:   st,
			Handle:   handle,
			Features: r.Features,
		}))
	case llcp.ProcVersionExchange:
		c.emit(hci.NewEvent(hci.EvtReadRemoteVersionComplete, hci.ReadRemoteVersionComplete{
			Status:       st,
			Handle:       handle,
			Version:      r.Version.VersNr,
			Manufacturer: r.Version.CompID,
			Subversion:   r.Version.SubVersNr,
		}))
	case llcp.ProcDataLength:
		if r.Status != hci.StatusSuccess {
			return
		}
		dl := r.DataLength
		c.emit(hci.NewLEMeta(hci.SubLEDataLengthChange, hci.LEDataLengthChange{
			Handle:      handle,
			MaxTxOctets: dl.MaxTxOctets,
			MaxTxTime:   dl.MaxTxTime,
			MaxRxOctets: dl.MaxRxOctets,
			MaxRxTime:   dl.MaxRxTime,
		}))
	case llcp.ProcEncryption:
		on := uint8(0)
		if r.Encrypted {
			on = 1
		}
		c.emit(hci.NewEvent(hci.EvtEncryptionChange, hci.EncryptionChange{
			Status:  st,
			Handle:  handle,
			Enabled: on,
		}))
	}
}

// handleACL queues host data on its link. Every accepted packet holds one
// buffer until the peer acknowledged it.
func (c *Controller) handleACL(a hci.ACL) {
	c.stats.ACLIn++
	if len(a.Data) > maxACLLength {
		c.log.Warnf("dropping oversized %v", a)
		return
	}
	cn, err := c.lookup(a.Handle)
	if err != nil {
		c.log.Warnf("dropping acl data: %v", err)
		return
	}
	if c.aclFree == 0 {
		c.log.Warnf("dropping acl data for 0x%04x: host overran %d buffers", a.Handle, c.cfg.ACLBuffers)
		return
	}
	if err := cn.Send(a.Start(), a.Data); err != nil {
		c.log.Warnf("can't queue acl data for 0x%04x: %v", a.Handle, err)
		c.emit(hci.NewNumberOfCompletedPackets(hci.Completed{Handle: a.Handle, Count: 1}))
		return
	}
	c.aclFree--
	c.inflight[a.Handle]++
}
