package controller

import (
	"github.com/pkg/errors"
	"github.com/rigado/llc"
	"github.com/rigado/llc/chsel"
	"github.com/rigado/llc/clock"
	"github.com/rigado/llc/conn"
	"github.com/rigado/llc/hci"
	"github.com/rigado/llc/llcp"
	"github.com/rigado/llc/pdu"
	"github.com/rigado/llc/scan"
)

// scanUnit is the unit of HCI scan intervals and windows.
const scanUnit = 625 * clock.Microsecond

const (
	defaultEventMask   uint64 = 0x00001fffffffffff
	defaultLEEventMask uint64 = 0x000000000000001f
)

// handlerFn runs one command and returns its Command Complete or Command
// Status.
type handlerFn func(cmd hci.Command) hci.Event

func (c *Controller) initHandlers() {
	c.handlers = map[uint16]handlerFn{
		hci.OpDisconnect:                   c.disconnect,
		hci.OpReadRemoteVersion:            c.readRemoteVersion,
		hci.OpSetEventMask:                 c.setEventMask,
		hci.OpReset:                        c.resetCmd,
		hci.OpReadLocalVersion:             c.readLocalVersion,
		hci.OpReadBDADDR:                   c.readBDADDR,
		hci.OpLESetEventMask:               c.leSetEventMask,
		hci.OpLEReadBufferSize:             c.leReadBufferSize,
		hci.OpLEReadLocalFeatures:          c.leReadLocalFeatures,
		hci.OpLESetRandomAddress:           c.leSetRandomAddress,
		hci.OpLESetScanParameters:          c.leSetScanParameters,
		hci.OpLESetScanEnable:              c.leSetScanEnable,
		hci.OpLECreateConnection:           c.leCreateConnection,
		hci.OpLECreateConnectionCancel:     c.leCreateConnectionCancel,
		hci.OpLEReadFilterAcceptListSize:   c.leReadFilterAcceptListSize,
		hci.OpLEClearFilterAcceptList:      c.leClearFilterAcceptList,
		hci.OpLEAddToFilterAcceptList:      c.leAddToFilterAcceptList,
		hci.OpLERemoveFromFilterAcceptList: c.leRemoveFromFilterAcceptList,
		hci.OpLEConnectionUpdate:           c.leConnectionUpdate,
		hci.OpLESetHostChannelClass:        c.leSetHostChannelClass,
		hci.OpLEReadChannelMap:             c.leReadChannelMap,
		hci.OpLEReadRemoteFeatures:         c.leReadRemoteFeatures,
		hci.OpLEEnableEncryption:           c.leEnableEncryption,
		hci.OpLESetDataLength:              c.leSetDataLength,
		hci.OpLEReadMaxDataLength:          c.leReadMaxDataLength,
		hci.OpLEReadPHY:                    c.leReadPHY,
		hci.OpLESetPHY:                     c.leSetPHY,
	}
}

func (c *Controller) handleCommand(cmd hci.Command) {
	c.stats.Commands++
	c.log.Debugf("%v", cmd)
	h, ok := c.handlers[cmd.Opcode]
	if !ok {
		c.log.Warnf("unknown command 0x%04x", cmd.Opcode)
		c.emit(complete(cmd.Opcode, hci.StatusUnknownCommand))
		return
	}
	if e := h(cmd); e.Code != 0 {
		c.emit(e)
	}
}

func complete(op uint16, st hci.Status) hci.Event {
	return hci.NewCommandComplete(op, hci.StatusRP{Status: uint8(st)})
}

// statusOf maps an engine error to the status reported to the host.
// Errors without a better match come from parameter validation.
func statusOf(err error) hci.Status {
	switch errors.Cause(err) {
	case nil:
		return hci.StatusSuccess
	case conn.ErrUnknownHandle:
		return hci.StatusUnknownConnectionID
	case conn.ErrNoSlot:
		return hci.StatusConnectionLimitExceeded
	case conn.ErrState, conn.ErrQueueFull, scan.ErrState, llcp.ErrBusy, llcp.ErrTerminating:
		return hci.StatusCommandDisallowed
	case llcp.ErrNoCipher:
		return hci.StatusUnsupportedFeature
	case scan.ErrListFull:
		return hci.StatusMemoryCapacityExceeded
	}
	if s, ok := errors.Cause(err).(hci.Status); ok {
		return s
	}
	return hci.StatusInvalidParameters
}

// lookup returns the established connection with handle.
func (c *Controller) lookup(handle uint16) (*conn.Conn, error) {
	cn, err := c.conns.Lookup(handle)
	if err != nil {
		return nil, err
	}
	if s := cn.State(); s == conn.StateInitialized {
		return nil, errors.Wrapf(conn.ErrUnknownHandle, "0x%04x", handle)
	}
	return cn, nil
}

// request starts a control procedure on handle and answers with Command
// Status.
func (c *Controller) request(cmd hci.Command, handle uint16, r llcp.Request) hci.Event {
	cn, err := c.lookup(handle)
	if err == nil {
		err = cn.Request(r)
	}
	if err != nil {
		c.log.Debugf("%v on 0x%04x: %v", r.Proc, handle, err)
	}
	return hci.NewCommandStatus(cmd.Opcode, statusOf(err))
}

func (c *Controller) ownAddr(t uint8) (llc.Addr, error) {
	switch t {
	case 0x00:
		return c.cfg.Addr, nil
	case 0x01:
		if c.randAddr == nil {
			return llc.Addr{}, hci.StatusInvalidParameters
		}
		return *c.randAddr, nil
	default:
		// resolvable private addresses need the privacy feature
		return llc.Addr{}, hci.StatusUnsupportedFeature
	}
}

func (c *Controller) resetCmd(cmd hci.Command) hci.Event {
	c.log.Info("reset")
	c.scanner.Reset()
	c.initiator.Reset()
	c.conns.Reset()
	c.accept.Clear()
	c.reset()
	return complete(cmd.Opcode, hci.StatusSuccess)
}

func (c *Controller) setEventMask(cmd hci.Command) hci.Event {
	var p hci.SetEventMask
	if err := cmd.Decode(&p); err != nil {
		return complete(cmd.Opcode, hci.StatusInvalidParameters)
	}
	c.eventMask = p.Mask
	return complete(cmd.Opcode, hci.StatusSuccess)
}

func (c *Controller) leSetEventMask(cmd hci.Command) hci.Event {
	var p hci.SetEventMask
	if err := cmd.Decode(&p); err != nil {
		return complete(cmd.Opcode, hci.StatusInvalidParameters)
	}
	c.leEventMask = p.Mask
	return complete(cmd.Opcode, hci.StatusSuccess)
}

// enabled applies the event masks.
func (c *Controller) enabled(e hci.Event) bool {
	switch e.Code {
	case hci.EvtCommandComplete, hci.EvtCommandStatus, hci.EvtNumberOfCompletedPackets:
		return true
	case hci.EvtLEMeta:
		sub := e.Subevent()
		return c.eventMask&(1<<61) != 0 && sub > 0 && c.leEventMask&(1<<(sub-1)) != 0
	default:
		return e.Code > 0 && c.eventMask&(1<<(e.Code-1)) != 0
	}
}

func (c *Controller) readLocalVersion(cmd hci.Command) hci.Event {
	l := c.cfg.Conn.LLCP
	return hci.NewCommandComplete(cmd.Opcode, hci.ReadLocalVersionRP{
		HCIVersion:    l.VersNr,
		LMPVersion:    l.VersNr,
		Manufacturer:  l.CompID,
		LMPSubversion: l.SubVersNr,
	})
}

func (c *Controller) readBDADDR(cmd hci.Command) hci.Event {
	return hci.NewCommandComplete(cmd.Opcode, hci.ReadBDADDRRP{Addr: c.cfg.Addr.Bytes})
}

func (c *Controller) leReadBufferSize(cmd hci.Command) hci.Event {
	return hci.NewCommandComplete(cmd.Opcode, hci.LEReadBufferSizeRP{
		ACLLength: maxACLLength,
		ACLNum:    uint8(c.cfg.ACLBuffers),
	})
}

func (c *Controller) leReadLocalFeatures(cmd hci.Command) hci.Event {
	return hci.NewCommandComplete(cmd.Opcode, hci.LEReadLocalFeaturesRP{Features: c.cfg.Conn.LLCP.Features})
}

func (c *Controller) leSetRandomAddress(cmd hci.Command) hci.Event {
	var p hci.LESetRandomAddress
	if err := cmd.Decode(&p); err != nil {
		return complete(cmd.Opcode, hci.StatusInvalidParameters)
	}
	if c.scanner.State() != scan.StateDisabled || c.initiator.State() != scan.StateDisabled {
		return complete(cmd.Opcode, hci.StatusCommandDisallowed)
	}
	a := llc.AddrFromBytes(p.Addr[:], true)
	c.randAddr = &a
	return complete(cmd.Opcode, hci.StatusSuccess)
}

// scanTiming checks HCI scan interval and window.
func scanTiming(interval, window uint16) bool {
	return interval >= 0x0004 && interval <= 0x4000 && window >= 0x0004 && window <= interval
}

func (c *Controller) leSetScanParameters(cmd hci.Command) hci.Event {
	var p hci.LESetScanParameters
	if err := cmd.Decode(&p); err != nil {
		return complete(cmd.Opcode, hci.StatusInvalidParameters)
	}
	if c.scanner.State() != scan.StateDisabled {
		return complete(cmd.Opcode, hci.StatusCommandDisallowed)
	}
	if p.Type > 1 || p.Policy > 1 || !scanTiming(p.Interval, p.Window) {
		return complete(cmd.Opcode, hci.StatusInvalidParameters)
	}
	own, err := c.ownAddr(p.OwnAddrType)
	if err != nil {
		return complete(cmd.Opcode, statusOf(err))
	}
	c.scanParams = scan.Params{
		Active:   p.Type == 1,
		Interval: clock.Duration(p.Interval) * scanUnit,
		Window:   clock.Duration(p.Window) * scanUnit,
		OwnAddr:  own,
		Policy:   scan.FilterPolicy(p.Policy),
	}
	return complete(cmd.Opcode, hci.StatusSuccess)
}

// leSetScanEnable answers an enable at once. A disable is answered once
// the scanner stopped, from handleScanEvent.
func (c *Controller) leSetScanEnable(cmd hci.Command) hci.Event {
	var p hci.LESetScanEnable
	if err := cmd.Decode(&p); err != nil || p.Enable > 1 || p.FilterDuplicates > 1 {
		return complete(cmd.Opcode, hci.StatusInvalidParameters)
	}
	if p.Enable == 0 {
		switch c.scanner.State() {
		case scan.StateDisabled:
			return complete(cmd.Opcode, hci.StatusSuccess)
		case scan.StateDiscover:
			if err := c.scanner.Disable(); err != nil {
				return complete(cmd.Opcode, statusOf(err))
			}
			c.scanStopping = true
			return hci.Event{}
		default:
			return complete(cmd.Opcode, hci.StatusCommandDisallowed)
		}
	}

	sp := c.scanParams
	sp.FilterDuplicates = p.FilterDuplicates == 1
	if err := c.scanner.Enable(sp, nil); err != nil {
		c.log.Debugf("scan enable: %v", err)
		return complete(cmd.Opcode, statusOf(err))
	}
	return complete(cmd.Opcode, hci.StatusSuccess)
}

func (c *Controller) leCreateConnection(cmd hci.Command) hci.Event {
	var p hci.LECreateConnection
	if err := cmd.Decode(&p); err != nil {
		return hci.NewCommandStatus(cmd.Opcode, hci.StatusInvalidParameters)
	}
	if c.initiator.State() != scan.StateDisabled {
		return hci.NewCommandStatus(cmd.Opcode, hci.StatusCommandDisallowed)
	}
	switch {
	case !scanTiming(p.ScanInterval, p.ScanWindow),
		p.Policy > 1,
		p.Policy == 0 && p.PeerAddrType > 3,
		p.IntervalMin > p.IntervalMax,
		p.MinCELength > p.MaxCELength:
		return hci.NewCommandStatus(cmd.Opcode, hci.StatusInvalidParameters)
	}
	own, err := c.ownAddr(p.OwnAddrType)
	if err != nil {
		return hci.NewCommandStatus(cmd.Opcode, statusOf(err))
	}

	peer := llc.Addr{Type: llc.AddrType(p.PeerAddrType), Bytes: p.PeerAddr}
	if p.Policy == 0 {
		for _, cn := range c.conns.Conns() {
			if cn.State() != conn.StateInitialized && cn.Parameters().Peer.Equal(peer) {
				return hci.NewCommandStatus(cmd.Opcode, hci.StatusACLConnectionExists)
			}
		}
	}

	slot, err := c.conns.Alloc()
	if err != nil {
		return hci.NewCommandStatus(cmd.Opcode, statusOf(err))
	}
	req := &scan.ConnectRequest{
		Peer:          peer,
		UseAcceptList: p.Policy == 1,
		Interval:      p.IntervalMax,
		Latency:       p.Latency,
		Timeout:       p.Timeout,
		ChM:           c.chm,
		Conn:          slot,
	}
	sp := scan.Params{
		Interval: clock.Duration(p.ScanInterval) * scanUnit,
		Window:   clock.Duration(p.ScanWindow) * scanUnit,
		OwnAddr:  own,
	}
	if err := c.initiator.Enable(sp, req); err != nil {
		c.log.Debugf("create connection: %v", err)
		c.conns.Free(slot)
		return hci.NewCommandStatus(cmd.Opcode, statusOf(err))
	}
	c.log.Infof("initiating to %v on slot 0x%04x", peer, slot.Handle())
	return hci.NewCommandStatus(cmd.Opcode, hci.StatusSuccess)
}

// leCreateConnectionCancel stops the initiator. LE Connection Complete
// follows, with the link if the connect request already went out.
func (c *Controller) leCreateConnectionCancel(cmd hci.Command) hci.Event {
	if c.initiator.State() != scan.StateDiscover {
		return complete(cmd.Opcode, hci.StatusCommandDisallowed)
	}
	if err := c.initiator.Disable(); err != nil {
		return complete(cmd.Opcode, statusOf(err))
	}
	return complete(cmd.Opcode, hci.StatusSuccess)
}

func (c *Controller) leReadFilterAcceptListSize(cmd hci.Command) hci.Event {
	return hci.NewCommandComplete(cmd.Opcode, hci.LEReadFilterAcceptListSizeRP{Size: uint8(c.accept.Size())})
}

func (c *Controller) acceptListBusy() bool {
	return c.scanner.UsesAcceptList() || c.initiator.UsesAcceptList()
}

func (c *Controller) leClearFilterAcceptList(cmd hci.Command) hci.Event {
	if c.acceptListBusy() {
		return complete(cmd.Opcode, hci.StatusCommandDisallowed)
	}
	c.accept.Clear()
	return complete(cmd.Opcode, hci.StatusSuccess)
}

func (c *Controller) acceptListDevice(cmd hci.Command) (llc.Addr, hci.Status) {
	var p hci.FilterAcceptListDevice
	if err := cmd.Decode(&p); err != nil || p.AddrType > 1 {
		return llc.Addr{}, hci.StatusInvalidParameters
	}
	if c.acceptListBusy() {
		return llc.Addr{}, hci.StatusCommandDisallowed
	}
	return llc.Addr{Type: llc.AddrType(p.AddrType), Bytes: p.Addr}, hci.StatusSuccess
}

func (c *Controller) leAddToFilterAcceptList(cmd hci.Command) hci.Event {
	a, st := c.acceptListDevice(cmd)
	if st != hci.StatusSuccess {
		return complete(cmd.Opcode, st)
	}
	return complete(cmd.Opcode, statusOf(c.accept.Add(a)))
}

func (c *Controller) leRemoveFromFilterAcceptList(cmd hci.Command) hci.Event {
	a, st := c.acceptListDevice(cmd)
	if st != hci.StatusSuccess {
		return complete(cmd.Opcode, st)
	}
	return complete(cmd.Opcode, statusOf(c.accept.Remove(a)))
}

func (c *Controller) disconnect(cmd hci.Command) hci.Event {
	var p hci.Disconnect
	if err := cmd.Decode(&p); err != nil {
		return hci.NewCommandStatus(cmd.Opcode, hci.StatusInvalidParameters)
	}
	switch hci.Status(p.Reason) {
	case 0x05, hci.StatusRemoteUserTerminated, 0x14, 0x15, hci.StatusUnsupportedRemoteFeature, 0x29, hci.StatusUnacceptableConnectionParameters:
	default:
		return hci.NewCommandStatus(cmd.Opcode, hci.StatusInvalidParameters)
	}
	cn, err := c.lookup(p.Handle)
	if err == nil {
		err = cn.Disconnect(hci.Status(p.Reason))
	}
	return hci.NewCommandStatus(cmd.Opcode, statusOf(err))
}

func (c *Controller) readRemoteVersion(cmd hci.Command) hci.Event {
	var p hci.ConnHandle
	if err := cmd.Decode(&p); err != nil {
		return hci.NewCommandStatus(cmd.Opcode, hci.StatusInvalidParameters)
	}
	return c.request(cmd, p.Handle, llcp.Request{Proc: llcp.ProcVersionExchange})
}

func (c *Controller) leReadRemoteFeatures(cmd hci.Command) hci.Event {
	var p hci.ConnHandle
	if err := cmd.Decode(&p); err != nil {
		return hci.NewCommandStatus(cmd.Opcode, hci.StatusInvalidParameters)
	}
	return c.request(cmd, p.Handle, llcp.Request{Proc: llcp.ProcFeatureExchange})
}

func (c *Controller) leConnectionUpdate(cmd hci.Command) hci.Event {
	var p hci.LEConnectionUpdate
	if err := cmd.Decode(&p); err != nil {
		return hci.NewCommandStatus(cmd.Opcode, hci.StatusInvalidParameters)
	}
	switch {
	case p.IntervalMin < 6 || p.IntervalMax > 3200 || p.IntervalMin > p.IntervalMax,
		p.Latency > 499,
		p.Timeout < 10 || p.Timeout > 3200,
		conn.TimeoutDuration(p.Timeout) <= 2*clock.Duration(1+p.Latency)*conn.IntervalDuration(p.IntervalMax),
		p.MinCELength > p.MaxCELength:
		return hci.NewCommandStatus(cmd.Opcode, hci.StatusInvalidParameters)
	}
	return c.request(cmd, p.Handle, llcp.Request{
		Proc:        llcp.ProcConnUpdate,
		IntervalMin: p.IntervalMin,
		IntervalMax: p.IntervalMax,
		Latency:     p.Latency,
		Timeout:     p.Timeout,
	})
}

// leSetHostChannelClass applies the map to new links and starts a channel
// map update on every established one.
func (c *Controller) leSetHostChannelClass(cmd hci.Command) hci.Event {
	var p hci.LESetHostChannelClass
	if err := cmd.Decode(&p); err != nil {
		return complete(cmd.Opcode, hci.StatusInvalidParameters)
	}
	m := chsel.Map(p.ChM)
	if err := m.Validate(); err != nil {
		return complete(cmd.Opcode, hci.StatusInvalidParameters)
	}
	c.chm = m
	for _, cn := range c.conns.Conns() {
		if cn.State() == conn.StateInitialized {
			continue
		}
		if err := cn.Request(llcp.Request{Proc: llcp.ProcChannelMap, ChM: m}); err != nil {
			c.log.Warnf("channel map update on 0x%04x: %v", cn.Handle(), err)
		}
	}
	return complete(cmd.Opcode, hci.StatusSuccess)
}

func (c *Controller) leReadChannelMap(cmd hci.Command) hci.Event {
	var p hci.ConnHandle
	if err := cmd.Decode(&p); err != nil {
		return hci.NewCommandComplete(cmd.Opcode, hci.LEReadChannelMapRP{Status: uint8(hci.StatusInvalidParameters)})
	}
	cn, err := c.lookup(p.Handle)
	if err != nil {
		return hci.NewCommandComplete(cmd.Opcode, hci.LEReadChannelMapRP{Status: uint8(statusOf(err)), Handle: p.Handle})
	}
	return hci.NewCommandComplete(cmd.Opcode, hci.LEReadChannelMapRP{Handle: p.Handle, ChM: cn.Parameters().ChM})
}

func (c *Controller) leEnableEncryption(cmd hci.Command) hci.Event {
	var p hci.LEEnableEncryption
	if err := cmd.Decode(&p); err != nil {
		return hci.NewCommandStatus(cmd.Opcode, hci.StatusInvalidParameters)
	}
	return c.request(cmd, p.Handle, llcp.Request{
		Proc: llcp.ProcEncryption,
		LTK:  p.LTK,
		Rand: p.Rand,
		EDIV: p.EDIV,
	})
}

func (c *Controller) leSetDataLength(cmd hci.Command) hci.Event {
	var p hci.LESetDataLength
	if err := cmd.Decode(&p); err != nil {
		return hci.NewCommandComplete(cmd.Opcode, hci.HandleRP{Status: uint8(hci.StatusInvalidParameters)})
	}
	if p.TxOctets < 27 || p.TxOctets > 251 || p.TxTime < 328 || p.TxTime > 17040 {
		return hci.NewCommandComplete(cmd.Opcode, hci.HandleRP{Status: uint8(hci.StatusInvalidParameters), Handle: p.Handle})
	}
	cn, err := c.lookup(p.Handle)
	if err == nil {
		err = cn.Request(llcp.Request{Proc: llcp.ProcDataLength, TxOctets: p.TxOctets, TxTime: p.TxTime})
	}
	return hci.NewCommandComplete(cmd.Opcode, hci.HandleRP{Status: uint8(statusOf(err)), Handle: p.Handle})
}

func (c *Controller) leReadMaxDataLength(cmd hci.Command) hci.Event {
	l := c.cfg.Conn.LLCP
	return hci.NewCommandComplete(cmd.Opcode, hci.LEReadMaxDataLengthRP{
		MaxTxOctets: l.MaxTxOctets,
		MaxTxTime:   l.MaxTxTime,
		MaxRxOctets: l.MaxRxOctets,
		MaxRxTime:   l.MaxRxTime,
	})
}

// phyValue turns a PHY bit into the HCI PHY value.
func phyValue(mask uint8) uint8 {
	switch {
	case mask&pdu.PHYMask2M != 0:
		return hci.PHY2M
	case mask&pdu.PHYMaskCoded != 0:
		return hci.PHYCoded
	default:
		return hci.PHY1M
	}
}

func (c *Controller) leReadPHY(cmd hci.Command) hci.Event {
	var p hci.ConnHandle
	if err := cmd.Decode(&p); err != nil {
		return hci.NewCommandComplete(cmd.Opcode, hci.LEReadPHYRP{Status: uint8(hci.StatusInvalidParameters)})
	}
	cn, err := c.lookup(p.Handle)
	if err != nil {
		return hci.NewCommandComplete(cmd.Opcode, hci.LEReadPHYRP{Status: uint8(statusOf(err)), Handle: p.Handle})
	}
	tx, rx := cn.PHYs()
	return hci.NewCommandComplete(cmd.Opcode, hci.LEReadPHYRP{Handle: p.Handle, TxPHY: phyValue(tx), RxPHY: phyValue(rx)})
}

func (c *Controller) leSetPHY(cmd hci.Command) hci.Event {
	var p hci.LESetPHY
	if err := cmd.Decode(&p); err != nil {
		return hci.NewCommandStatus(cmd.Opcode, hci.StatusInvalidParameters)
	}
	all := pdu.PHYMask1M | pdu.PHYMask2M | pdu.PHYMaskCoded
	tx, rx := p.TxPHYs, p.RxPHYs
	if p.AllPHYs&0x01 != 0 {
		tx = c.cfg.Conn.LLCP.DefaultTxPHYs
	}
	if p.AllPHYs&0x02 != 0 {
		rx = c.cfg.Conn.LLCP.DefaultRxPHYs
	}
	if tx == 0 || rx == 0 || tx&^all != 0 || rx&^all != 0 {
		return hci.NewCommandStatus(cmd.Opcode, hci.StatusInvalidParameters)
	}
	return c.request(cmd, p.Handle, llcp.Request{Proc: llcp.ProcPHYUpdate, TxPHYs: tx, RxPHYs: rx})
}
