package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/rigado/llc"
	"github.com/rigado/llc/clock"
	"github.com/rigado/llc/config"
	"github.com/rigado/llc/controller"
	"github.com/rigado/llc/hci"
	"github.com/rigado/llc/parser"
	"github.com/rigado/llc/radio"
	"github.com/urfave/cli"
)

func paint(attr color.Attribute) func(string) string {
	c := color.New(attr)
	return func(s string) string { return c.SprintFunc()(s) }
}

var (
	cyan    = paint(color.FgHiCyan)
	green   = paint(color.FgHiGreen)
	yellow  = paint(color.FgHiYellow)
	red     = paint(color.FgHiRed)
	magenta = paint(color.FgHiMagenta)
)

// simHost drives a controller in simulated time the way a host would.
type simHost struct {
	clk *clock.Sim
	ctl *controller.Controller

	connected chan uint16
}

func (h *simHost) command(op uint16, v interface{}) error {
	if err := h.ctl.SubmitCommand(hci.NewCommand(op, v)); err != nil {
		return err
	}
	h.ctl.Drain()
	h.print()
	return nil
}

func (h *simHost) run(d clock.Duration) {
	end := h.clk.Now().Add(d)
	for h.clk.Now().Before(end) {
		h.clk.RunUntil(h.clk.Now().Add(clock.Millisecond))
		h.ctl.Drain()
		h.print()
	}
}

func (h *simHost) print() {
	for {
		select {
		case p := <-h.ctl.Events():
			h.show(p)
		default:
			return
		}
	}
}

func (h *simHost) show(p hci.Packet) {
	at := fmt.Sprintf("%10.3fms", float64(h.clk.Now())/1000)
	if p.Type == hci.PktTypeACLData {
		fmt.Println(at, magenta(fmt.Sprintf("%v", p)))
		return
	}
	e, err := hci.ParseEvent(p.Body)
	if err != nil {
		fmt.Println(at, red(err.Error()))
		return
	}
	switch {
	case e.Code == hci.EvtLEMeta && e.Subevent() == hci.SubLEAdvertisingReport:
		rs, err := hci.ParseLEAdvertisingReport(e)
		if err != nil {
			fmt.Println(at, red(err.Error()))
			return
		}
		for _, r := range rs {
			a := llc.Addr{Type: llc.AddrType(r.AddrType), Bytes: r.Addr}
			fmt.Printf("%s %s %v type %d rssi %d%s [% x]\n", at, green("adv"), a, r.EventType, r.RSSI, name(r.Data), r.Data)
		}
	case e.Code == hci.EvtLEMeta && e.Subevent() == hci.SubLEExtendedAdvertisingReport:
		rs, err := hci.ParseLEExtendedAdvertisingReport(e)
		if err != nil {
			fmt.Println(at, red(err.Error()))
			return
		}
		for _, r := range rs {
			a := llc.Addr{Type: llc.AddrType(r.AddrType), Bytes: r.Addr}
			fmt.Printf("%s %s %v type 0x%02x sid %d phy %d/%d rssi %d%s [% x]\n", at, cyan("ext"), a, r.EventType, r.SID, r.PrimaryPHY, r.SecondaryPHY, r.RSSI, name(r.Data), r.Data)
		}
	case e.Code == hci.EvtLEMeta && e.Subevent() == hci.SubLEConnectionComplete:
		var cc hci.LEConnectionComplete
		if err := e.Decode(&cc); err != nil {
			fmt.Println(at, red(err.Error()))
			return
		}
		if cc.Status != 0 {
			fmt.Println(at, red(fmt.Sprintf("connection failed: %v", hci.Status(cc.Status))))
			return
		}
		fmt.Println(at, yellow(fmt.Sprintf("connected 0x%04x interval %d latency %d timeout %d", cc.Handle, cc.Interval, cc.Latency, cc.Timeout)))
		select {
		case h.connected <- cc.Handle:
		default:
		}
	case e.Code == hci.EvtDisconnectionComplete:
		var dc hci.DisconnectionComplete
		if err := e.Decode(&dc); err != nil {
			fmt.Println(at, red(err.Error()))
			return
		}
		fmt.Println(at, red(fmt.Sprintf("disconnected 0x%04x: %v", dc.Handle, hci.Status(dc.Reason))))
	default:
		fmt.Println(at, e)
	}
}

// name returns the advertised local name, if any, for display.
func name(data []byte) string {
	d, err := parser.Parse(data)
	if err != nil || d == nil || d.Name == "" {
		return ""
	}
	return fmt.Sprintf(" %q", d.Name)
}

// waitConnected runs the simulation until a link came up or d passed.
func (h *simHost) waitConnected(d clock.Duration) (uint16, bool) {
	end := h.clk.Now().Add(d)
	for {
		select {
		case handle := <-h.connected:
			return handle, true
		default:
		}
		if !h.clk.Now().Before(end) {
			return 0, false
		}
		h.run(clock.Millisecond)
	}
}

func sim(c *cli.Context) error {
	f, err := config.Load(c.GlobalString("config"))
	if err != nil {
		return err
	}
	cfg, err := f.Controller()
	if err != nil {
		return err
	}

	clk := clock.NewSim(0)
	w := radio.NewWorld()
	if err := f.Populate(w); err != nil {
		return err
	}
	ctl, err := controller.New(clk, radio.NewSim(clk, w), cfg)
	if err != nil {
		return err
	}
	defer ctl.Close()

	h := &simHost{clk: clk, ctl: ctl, connected: make(chan uint16, 1)}
	d := clock.FromStd(c.Duration("duration"))
	if err := h.command(hci.OpReset, nil); err != nil {
		return err
	}
	if s := c.String("connect"); s != "" {
		t := llc.AddrPublic
		if c.BoolT("random") {
			t = llc.AddrRandom
		}
		peer, perr := llc.NewAddr(s, t)
		if perr != nil {
			return perr
		}
		err = connect(h, peer, d)
	} else {
		err = scanFor(h, c.Bool("active"), c.Bool("dup"), d)
	}

	st := ctl.Stats()
	fmt.Printf("%d commands, %d events, %d acl in, %d acl out, %d dropped\n", st.Commands, st.Events, st.ACLIn, st.ACLOut, st.Dropped)
	return err
}

func scanFor(h *simHost, active, dup bool, d clock.Duration) error {
	p := hci.LESetScanParameters{Interval: 0x10, Window: 0x10}
	if active {
		p.Type = 1
	}
	en := hci.LESetScanEnable{Enable: 1}
	if dup {
		en.FilterDuplicates = 1
	}
	if err := h.command(hci.OpLESetScanParameters, p); err != nil {
		return err
	}
	if err := h.command(hci.OpLESetScanEnable, en); err != nil {
		return err
	}
	h.run(d)
	if err := h.command(hci.OpLESetScanEnable, hci.LESetScanEnable{}); err != nil {
		return err
	}
	h.run(20 * clock.Millisecond)
	return nil
}

func connect(h *simHost, peer llc.Addr, d clock.Duration) error {
	err := h.command(hci.OpLECreateConnection, hci.LECreateConnection{
		ScanInterval: 0x10,
		ScanWindow:   0x10,
		PeerAddrType: uint8(peer.Type),
		PeerAddr:     peer.Bytes,
		IntervalMin:  24,
		IntervalMax:  40,
		Timeout:      200,
	})
	if err != nil {
		return err
	}

	handle, ok := h.waitConnected(d)
	if !ok {
		h.command(hci.OpLECreateConnectionCancel, nil)
		h.run(50 * clock.Millisecond)
		return errors.Errorf("no connection to %v within %v", peer, d.Std())
	}

	for _, op := range []uint16{hci.OpReadRemoteVersion, hci.OpLEReadRemoteFeatures} {
		if err := h.command(op, hci.ConnHandle{Handle: handle}); err != nil {
			return err
		}
	}
	h.run(500 * clock.Millisecond)
	if err := h.command(hci.OpDisconnect, hci.Disconnect{Handle: handle, Reason: uint8(hci.StatusRemoteUserTerminated)}); err != nil {
		return err
	}
	h.run(500 * clock.Millisecond)
	return nil
}
