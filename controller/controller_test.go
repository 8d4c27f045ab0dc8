package controller

import (
	"bytes"
	"testing"

	"github.com/rigado/llc"
	"github.com/rigado/llc/clock"
	"github.com/rigado/llc/hci"
	"github.com/rigado/llc/pdu"
	"github.com/rigado/llc/radio"
	"github.com/rigado/llc/scan"
)

var advAddr = llc.MustAddr("c0:11:22:33:44:55", llc.AddrRandom)

type harness struct {
	clk    *clock.Sim
	w      *radio.World
	c      *Controller
	events []hci.Event
	acl    []hci.ACL
}

func newHarness(t *testing.T, opts ...llc.Option) *harness {
	clk := clock.NewSim(0)
	w := radio.NewWorld()
	bb := radio.NewSim(clk, w)
	c, err := New(clk, bb, DefaultConfig(), opts...)
	if err != nil {
		t.Fatal(err)
	}
	return &harness{clk: clk, w: w, c: c}
}

func (h *harness) collect(t *testing.T) {
	for {
		select {
		case p := <-h.c.Events():
			switch p.Type {
			case hci.PktTypeEvent:
				e, err := hci.ParseEvent(p.Body)
				if err != nil {
					t.Fatalf("bad event %v: %v", p, err)
				}
				h.events = append(h.events, e)
			case hci.PktTypeACLData:
				a, err := hci.ParseACL(p.Body)
				if err != nil {
					t.Fatalf("bad acl %v: %v", p, err)
				}
				h.acl = append(h.acl, a)
			default:
				t.Fatalf("unexpected packet %v", p)
			}
		default:
			return
		}
	}
}

// command submits a command and runs the task domain until it is idle.
func (h *harness) command(t *testing.T, op uint16, v interface{}) {
	if err := h.c.SubmitCommand(hci.NewCommand(op, v)); err != nil {
		t.Fatal(err)
	}
	h.c.Drain()
	h.collect(t)
}

// run advances the simulation by d in steps of one millisecond.
func (h *harness) run(t *testing.T, d clock.Duration) {
	end := h.clk.Now().Add(d)
	for h.clk.Now().Before(end) {
		h.clk.RunUntil(h.clk.Now().Add(clock.Millisecond))
		h.c.Drain()
		h.collect(t)
	}
}

// completes returns the return parameters of every Command Complete for op.
func (h *harness) completes(t *testing.T, op uint16) [][]byte {
	var out [][]byte
	for _, e := range h.events {
		if e.Code != hci.EvtCommandComplete {
			continue
		}
		o, rp, err := e.CommandComplete()
		if err != nil {
			t.Fatal(err)
		}
		if o == op {
			out = append(out, rp)
		}
	}
	return out
}

// lastComplete returns the status of the latest Command Complete for op.
func (h *harness) lastComplete(t *testing.T, op uint16) hci.Status {
	rps := h.completes(t, op)
	if len(rps) == 0 || len(rps[len(rps)-1]) == 0 {
		t.Fatalf("no command complete for 0x%04x", op)
	}
	return hci.Status(rps[len(rps)-1][0])
}

// lastStatus returns the status of the latest Command Status for op.
func (h *harness) lastStatus(t *testing.T, op uint16) hci.Status {
	for i := len(h.events) - 1; i >= 0; i-- {
		if h.events[i].Code != hci.EvtCommandStatus {
			continue
		}
		o, st, err := h.events[i].CommandStatus()
		if err != nil {
			t.Fatal(err)
		}
		if o == op {
			return st
		}
	}
	t.Fatalf("no command status for 0x%04x", op)
	return 0
}

func (h *harness) find(code, sub uint8) []hci.Event {
	var out []hci.Event
	for _, e := range h.events {
		if e.Code == code && (code != hci.EvtLEMeta || e.Subevent() == sub) {
			out = append(out, e)
		}
	}
	return out
}

func scanParameters() hci.LESetScanParameters {
	return hci.LESetScanParameters{Interval: 0x10, Window: 0x10}
}

func createConnection(peer llc.Addr) hci.LECreateConnection {
	return hci.LECreateConnection{
		ScanInterval: 0x10,
		ScanWindow:   0x10,
		PeerAddrType: uint8(peer.Type),
		PeerAddr:     peer.Bytes,
		IntervalMin:  24,
		IntervalMax:  24,
		Timeout:      100,
	}
}

// connect sets up a link to a simulated peripheral and returns its handle.
func (h *harness) connect(t *testing.T) (uint16, *radio.Peripheral) {
	per := radio.NewPeripheral()
	h.w.AddAdvertiser(&radio.Advertiser{Addr: advAddr, Type: pdu.TypeAdvInd, Interval: 10 * clock.Millisecond, Peripheral: per})

	h.command(t, hci.OpLECreateConnection, createConnection(advAddr))
	if st := h.lastStatus(t, hci.OpLECreateConnection); st != hci.StatusSuccess {
		t.Fatalf("create connection: %v", st)
	}
	h.run(t, 100*clock.Millisecond)

	cc := h.find(hci.EvtLEMeta, hci.SubLEConnectionComplete)
	if len(cc) != 1 {
		t.Fatalf("expected one connection complete, got %d", len(cc))
	}
	var p hci.LEConnectionComplete
	if err := cc[0].Decode(&p); err != nil {
		t.Fatal(err)
	}
	if p.Status != 0 || p.Role != hci.RoleCentral || p.PeerAddr != advAddr.Bytes || p.Interval != 24 || p.Timeout != 100 {
		t.Fatalf("unexpected connection complete %+v", p)
	}
	if h.c.Initiator().State() != scan.StateDisabled {
		t.Fatalf("initiator still %v", h.c.Initiator().State())
	}
	return p.Handle, per
}

func TestLocalInformation(t *testing.T) {
	h := newHarness(t, llc.OptACLBuffers(4))

	h.command(t, hci.OpReset, nil)
	if st := h.lastComplete(t, hci.OpReset); st != hci.StatusSuccess {
		t.Fatalf("reset: %v", st)
	}

	h.command(t, hci.OpReadBDADDR, nil)
	rp := h.completes(t, hci.OpReadBDADDR)[0]
	want := DefaultConfig().Addr.Bytes
	if len(rp) != 7 || rp[0] != 0 || !bytes.Equal(rp[1:], want[:]) {
		t.Fatalf("unexpected bd_addr % x", rp)
	}

	h.command(t, hci.OpLEReadBufferSize, nil)
	rp = h.completes(t, hci.OpLEReadBufferSize)[0]
	if !bytes.Equal(rp, []byte{0, 251, 0, 4}) {
		t.Fatalf("unexpected buffer size % x", rp)
	}

	h.command(t, hci.OpReadLocalVersion, nil)
	rp = h.completes(t, hci.OpReadLocalVersion)[0]
	if len(rp) != 9 || rp[1] != 11 || rp[4] != 11 {
		t.Fatalf("unexpected version % x", rp)
	}

	h.command(t, 0x2099, nil)
	if st := h.lastComplete(t, 0x2099); st != hci.StatusUnknownCommand {
		t.Fatalf("expected %v, got %v", hci.StatusUnknownCommand, st)
	}
	if h.c.Stats().Commands != 5 {
		t.Fatalf("expected 5 commands, got %d", h.c.Stats().Commands)
	}
}

func TestMalformedCommand(t *testing.T) {
	h := newHarness(t)
	cmd := hci.Command{Opcode: hci.OpLESetScanEnable, Params: []byte{1}}
	if err := h.c.SubmitCommand(cmd); err != nil {
		t.Fatal(err)
	}
	h.c.Drain()
	h.collect(t)
	if st := h.lastComplete(t, hci.OpLESetScanEnable); st != hci.StatusInvalidParameters {
		t.Fatalf("expected %v, got %v", hci.StatusInvalidParameters, st)
	}
	if h.c.Scanner().State() != scan.StateDisabled {
		t.Fatalf("scanner started on bad parameters")
	}
}

func TestScanReports(t *testing.T) {
	h := newHarness(t)
	data := []byte{0x02, 0x01, 0x06}
	h.w.AddAdvertiser(&radio.Advertiser{Addr: advAddr, Type: pdu.TypeAdvNonconnInd, Data: data, Interval: 10 * clock.Millisecond})

	h.command(t, hci.OpLESetScanParameters, scanParameters())
	if st := h.lastComplete(t, hci.OpLESetScanParameters); st != hci.StatusSuccess {
		t.Fatalf("scan parameters: %v", st)
	}
	h.command(t, hci.OpLESetScanEnable, hci.LESetScanEnable{Enable: 1})
	if st := h.lastComplete(t, hci.OpLESetScanEnable); st != hci.StatusSuccess {
		t.Fatalf("scan enable: %v", st)
	}

	h.command(t, hci.OpLESetScanParameters, scanParameters())
	if st := h.lastComplete(t, hci.OpLESetScanParameters); st != hci.StatusCommandDisallowed {
		t.Fatalf("scan parameters while scanning: %v", st)
	}

	h.run(t, 100*clock.Millisecond)
	evs := h.find(hci.EvtLEMeta, hci.SubLEAdvertisingReport)
	if len(evs) == 0 {
		t.Fatalf("no advertising reports")
	}
	r, err := hci.ParseLEAdvertisingReport(evs[0])
	if err != nil {
		t.Fatal(err)
	}
	if len(r) != 1 || r[0].EventType != 0x03 || r[0].AddrType != 1 || r[0].Addr != advAddr.Bytes || !bytes.Equal(r[0].Data, data) {
		t.Fatalf("unexpected report %+v", r)
	}

	h.command(t, hci.OpLESetScanEnable, hci.LESetScanEnable{Enable: 0})
	h.run(t, 20*clock.Millisecond)
	if n := len(h.completes(t, hci.OpLESetScanEnable)); n != 2 {
		t.Fatalf("expected 2 scan enable completes, got %d", n)
	}
	if st := h.lastComplete(t, hci.OpLESetScanEnable); st != hci.StatusSuccess {
		t.Fatalf("scan disable: %v", st)
	}
	if h.c.Scanner().State() != scan.StateDisabled {
		t.Fatalf("scanner still %v", h.c.Scanner().State())
	}

	n := len(h.find(hci.EvtLEMeta, hci.SubLEAdvertisingReport))
	h.run(t, 50*clock.Millisecond)
	if len(h.find(hci.EvtLEMeta, hci.SubLEAdvertisingReport)) != n {
		t.Fatalf("reports after scan disable")
	}
}

func TestEventMask(t *testing.T) {
	h := newHarness(t)
	h.w.AddAdvertiser(&radio.Advertiser{Addr: advAddr, Type: pdu.TypeAdvNonconnInd, Interval: 10 * clock.Millisecond})

	h.command(t, hci.OpSetEventMask, hci.SetEventMask{Mask: defaultEventMask &^ (1 << 61)})
	h.command(t, hci.OpLESetScanEnable, hci.LESetScanEnable{Enable: 1})
	h.run(t, 50*clock.Millisecond)
	if n := len(h.find(hci.EvtLEMeta, hci.SubLEAdvertisingReport)); n != 0 {
		t.Fatalf("expected masked reports, got %d", n)
	}
	if st := h.lastComplete(t, hci.OpLESetScanEnable); st != hci.StatusSuccess {
		t.Fatalf("scan enable: %v", st)
	}
}

func TestConnectAndDisconnect(t *testing.T) {
	h := newHarness(t)
	h.command(t, hci.OpLESetEventMask, hci.SetEventMask{Mask: 0xfffff})
	handle, per := h.connect(t)

	csa := h.find(hci.EvtLEMeta, hci.SubLEChannelSelectionAlgorithm)
	if len(csa) != 1 {
		t.Fatalf("expected one channel selection event, got %d", len(csa))
	}

	h.command(t, hci.OpLECreateConnection, createConnection(advAddr))
	if st := h.lastStatus(t, hci.OpLECreateConnection); st != hci.StatusACLConnectionExists {
		t.Fatalf("second connection to the same peer: %v", st)
	}

	h.command(t, hci.OpDisconnect, hci.Disconnect{Handle: handle, Reason: 0x12})
	if st := h.lastStatus(t, hci.OpDisconnect); st != hci.StatusInvalidParameters {
		t.Fatalf("disconnect with bad reason: %v", st)
	}
	h.command(t, hci.OpDisconnect, hci.Disconnect{Handle: handle + 1, Reason: 0x13})
	if st := h.lastStatus(t, hci.OpDisconnect); st != hci.StatusUnknownConnectionID {
		t.Fatalf("disconnect of unknown handle: %v", st)
	}

	h.command(t, hci.OpDisconnect, hci.Disconnect{Handle: handle, Reason: 0x13})
	if st := h.lastStatus(t, hci.OpDisconnect); st != hci.StatusSuccess {
		t.Fatalf("disconnect: %v", st)
	}
	h.run(t, 200*clock.Millisecond)

	dc := h.find(hci.EvtDisconnectionComplete, 0)
	if len(dc) != 1 {
		t.Fatalf("expected one disconnection complete, got %d", len(dc))
	}
	var p hci.DisconnectionComplete
	if err := dc[0].Decode(&p); err != nil {
		t.Fatal(err)
	}
	if p.Handle != handle || hci.Status(p.Reason) != hci.StatusLocalHostTerminated {
		t.Fatalf("unexpected disconnection complete %+v", p)
	}
	if !per.Gone() {
		t.Fatalf("peripheral did not get LL_TERMINATE_IND")
	}
	if n := len(h.c.Conns().Conns()); n != 0 {
		t.Fatalf("expected no connections, got %d", n)
	}
}

func TestCreateConnectionCancel(t *testing.T) {
	h := newHarness(t)

	h.command(t, hci.OpLECreateConnectionCancel, nil)
	if st := h.lastComplete(t, hci.OpLECreateConnectionCancel); st != hci.StatusCommandDisallowed {
		t.Fatalf("cancel while idle: %v", st)
	}

	h.command(t, hci.OpLECreateConnection, createConnection(advAddr))
	if st := h.lastStatus(t, hci.OpLECreateConnection); st != hci.StatusSuccess {
		t.Fatalf("create connection: %v", st)
	}
	h.command(t, hci.OpLECreateConnection, createConnection(advAddr))
	if st := h.lastStatus(t, hci.OpLECreateConnection); st != hci.StatusCommandDisallowed {
		t.Fatalf("second create connection: %v", st)
	}
	h.run(t, 20*clock.Millisecond)

	h.command(t, hci.OpLECreateConnectionCancel, nil)
	if st := h.lastComplete(t, hci.OpLECreateConnectionCancel); st != hci.StatusSuccess {
		t.Fatalf("cancel: %v", st)
	}
	h.run(t, 20*clock.Millisecond)

	cc := h.find(hci.EvtLEMeta, hci.SubLEConnectionComplete)
	if len(cc) != 1 {
		t.Fatalf("expected one connection complete, got %d", len(cc))
	}
	var p hci.LEConnectionComplete
	if err := cc[0].Decode(&p); err != nil {
		t.Fatal(err)
	}
	if hci.Status(p.Status) != hci.StatusUnknownConnectionID {
		t.Fatalf("expected %v, got %v", hci.StatusUnknownConnectionID, hci.Status(p.Status))
	}
	if n := len(h.c.Conns().Conns()); n != 0 {
		t.Fatalf("connection slot not released, %d in use", n)
	}
}

func TestAcceptListInUse(t *testing.T) {
	h := newHarness(t)
	dev := hci.FilterAcceptListDevice{AddrType: 1, Addr: advAddr.Bytes}

	h.command(t, hci.OpLEAddToFilterAcceptList, dev)
	if st := h.lastComplete(t, hci.OpLEAddToFilterAcceptList); st != hci.StatusSuccess {
		t.Fatalf("add: %v", st)
	}

	req := createConnection(llc.Addr{})
	req.Policy = 1
	h.command(t, hci.OpLECreateConnection, req)
	if st := h.lastStatus(t, hci.OpLECreateConnection); st != hci.StatusSuccess {
		t.Fatalf("create connection: %v", st)
	}

	h.command(t, hci.OpLERemoveFromFilterAcceptList, dev)
	if st := h.lastComplete(t, hci.OpLERemoveFromFilterAcceptList); st != hci.StatusCommandDisallowed {
		t.Fatalf("remove while initiating: %v", st)
	}
	h.command(t, hci.OpLEClearFilterAcceptList, nil)
	if st := h.lastComplete(t, hci.OpLEClearFilterAcceptList); st != hci.StatusCommandDisallowed {
		t.Fatalf("clear while initiating: %v", st)
	}

	h.command(t, hci.OpLECreateConnectionCancel, nil)
	h.run(t, 20*clock.Millisecond)

	h.command(t, hci.OpLERemoveFromFilterAcceptList, dev)
	if st := h.lastComplete(t, hci.OpLERemoveFromFilterAcceptList); st != hci.StatusSuccess {
		t.Fatalf("remove: %v", st)
	}
	h.command(t, hci.OpLERemoveFromFilterAcceptList, dev)
	if st := h.lastComplete(t, hci.OpLERemoveFromFilterAcceptList); st != hci.StatusInvalidParameters {
		t.Fatalf("remove of a missing entry: %v", st)
	}
}

func TestACLFlowControl(t *testing.T) {
	h := newHarness(t, llc.OptACLBuffers(2))
	handle, per := h.connect(t)

	payload := []byte{0x03, 0x00, 0x04, 0x00, 0x0a, 0x01, 0x00}
	a := hci.ACL{Handle: handle, PB: hci.PBFirstNonFlushable, Data: payload}
	if err := h.c.Submit(a.Packet()); err != nil {
		t.Fatal(err)
	}
	h.run(t, 100*clock.Millisecond)

	got := per.Received()
	if len(got) != 1 || !bytes.Equal(got[0], payload) {
		t.Fatalf("peripheral received %x", got)
	}
	nocp := h.find(hci.EvtNumberOfCompletedPackets, 0)
	if len(nocp) != 1 {
		t.Fatalf("expected one number of completed packets, got %d", len(nocp))
	}
	done, err := hci.ParseNumberOfCompletedPackets(nocp[0])
	if err != nil {
		t.Fatal(err)
	}
	if len(done) != 1 || done[0].Handle != handle || done[0].Count != 1 {
		t.Fatalf("unexpected completed packets %+v", done)
	}

	per.Send([]byte{0x01, 0x02})
	h.run(t, 100*clock.Millisecond)
	if len(h.acl) != 1 || h.acl[0].Handle != handle || h.acl[0].PB != hci.PBFirstFlushable || !bytes.Equal(h.acl[0].Data, []byte{0x01, 0x02}) {
		t.Fatalf("unexpected host data %+v", h.acl)
	}

	bogus := hci.ACL{Handle: handle + 1, Data: payload}
	if err := h.c.Submit(bogus.Packet()); err != nil {
		t.Fatal(err)
	}
	h.run(t, 100*clock.Millisecond)
	if len(h.find(hci.EvtNumberOfCompletedPackets, 0)) != 1 {
		t.Fatalf("data for an unknown handle was acknowledged")
	}
}

func TestRemoteVersion(t *testing.T) {
	h := newHarness(t)
	handle, per := h.connect(t)

	h.command(t, hci.OpReadRemoteVersion, hci.ConnHandle{Handle: handle})
	if st := h.lastStatus(t, hci.OpReadRemoteVersion); st != hci.StatusSuccess {
		t.Fatalf("read remote version: %v", st)
	}
	h.run(t, 300*clock.Millisecond)

	evs := h.find(hci.EvtReadRemoteVersionComplete, 0)
	if len(evs) != 1 {
		t.Fatalf("expected one remote version complete, got %d", len(evs))
	}
	var p hci.ReadRemoteVersionComplete
	if err := evs[0].Decode(&p); err != nil {
		t.Fatal(err)
	}
	if p.Status != 0 || p.Handle != handle || p.Version != per.VersNr || p.Manufacturer != per.CompID {
		t.Fatalf("unexpected remote version %+v", p)
	}
}

func TestHostChannelClass(t *testing.T) {
	h := newHarness(t)

	h.command(t, hci.OpLESetHostChannelClass, hci.LESetHostChannelClass{ChM: [5]byte{0x01, 0, 0, 0, 0}})
	if st := h.lastComplete(t, hci.OpLESetHostChannelClass); st != hci.StatusInvalidParameters {
		t.Fatalf("single channel map: %v", st)
	}
	chm := [5]byte{0xff, 0x00, 0xff, 0x00, 0x1f}
	h.command(t, hci.OpLESetHostChannelClass, hci.LESetHostChannelClass{ChM: chm})
	if st := h.lastComplete(t, hci.OpLESetHostChannelClass); st != hci.StatusSuccess {
		t.Fatalf("channel class: %v", st)
	}

	handle, per := h.connect(t)
	ci, _ := per.Connection()
	if ci.ChM != chm {
		t.Fatalf("link opened with % x", ci.ChM)
	}
	h.command(t, hci.OpLEReadChannelMap, hci.ConnHandle{Handle: handle})
	rp := h.completes(t, hci.OpLEReadChannelMap)[0]
	if rp[0] != 0 || !bytes.Equal(rp[3:], chm[:]) {
		t.Fatalf("unexpected channel map % x", rp)
	}
}

func TestStatusOf(t *testing.T) {
	for _, tc := range []struct {
		err  error
		want hci.Status
	}{
		{nil, hci.StatusSuccess},
		{scan.ErrState, hci.StatusCommandDisallowed},
		{scan.ErrListFull, hci.StatusMemoryCapacityExceeded},
		{hci.StatusUnsupportedFeature, hci.StatusUnsupportedFeature},
		{hci.ErrParams, hci.StatusInvalidParameters},
	} {
		if got := statusOf(tc.err); got != tc.want {
			t.Fatalf("%v: expected %v, got %v", tc.err, tc.want, got)
		}
	}
}

func TestFullHostQueueKeepsConfirmations(t *testing.T) {
	h := newHarness(t, llc.OptQueueSize(2))
	submit := func() {
		if err := h.c.SubmitCommand(hci.NewCommand(hci.OpReadBDADDR, nil)); err != nil {
			t.Fatal(err)
		}
	}

	submit()
	submit()
	h.c.Drain()

	// the host has not read anything: reports are dropped
	h.c.eventMask |= 1 << 61
	h.c.emit(hci.NewLEMeta(hci.SubLEAdvertisingReport, []byte{1}))
	if h.c.Stats().Dropped != 1 {
		t.Fatalf("expected one dropped report, got %d", h.c.Stats().Dropped)
	}

	submit()
	submit()
	h.c.Drain()
	if len(h.c.held) != 1 {
		t.Fatalf("expected one held confirmation, got %d", len(h.c.held))
	}

	for i := 0; i < 3 && len(h.completes(t, hci.OpReadBDADDR)) < 4; i++ {
		h.collect(t)
		h.c.Drain()
	}
	h.collect(t)
	if n := len(h.completes(t, hci.OpReadBDADDR)); n != 4 {
		t.Fatalf("expected 4 command completes, got %d", n)
	}
	if h.c.Stats().Dropped != 1 {
		t.Fatalf("confirmations dropped: %d", h.c.Stats().Dropped)
	}
}

type nopCipher struct{}

func (nopCipher) NewCCM(ltk, skd [16]byte, iv [8]byte) (llc.CCM, error) {
	return nil, hci.StatusUnsupportedFeature
}

func TestEnableEncryptionOption(t *testing.T) {
	h := newHarness(t, llc.OptEnableEncryption(nopCipher{}))
	if h.c.Config().Conn.LLCP.Cipher == nil {
		t.Fatalf("cipher not set")
	}
	if err := h.c.EnableEncryption(nopCipher{}); err == nil {
		t.Fatalf("cipher changed on a running controller")
	}

	bb := radio.NewSim(h.clk, h.w)
	if _, err := New(h.clk, bb, DefaultConfig(), llc.OptEnableEncryption(nil)); err == nil {
		t.Fatalf("nil cipher accepted")
	}
}
