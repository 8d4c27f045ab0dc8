package radio

import (
	"sort"
	"sync"

	"github.com/rigado/llc"
	"github.com/rigado/llc/clock"
	"github.com/rigado/llc/pdu"
)

const (
	// advChannelSpacing separates the packets of one advertising event.
	advChannelSpacing = 1500 * clock.Microsecond
	// auxDelay places the auxiliary packet after the last primary packet.
	auxDelay = 1500 * clock.Microsecond
)

// Advertiser is a simulated advertising device.
type Advertiser struct {
	Addr llc.Addr
	// Type is the legacy PDU type; ignored when Extended is set.
	Type     pdu.AdvType
	Extended bool
	// Mode is the AdvMode of an extended advertiser.
	Mode       pdu.AdvMode
	SID        uint8
	DID        uint16
	AuxChannel uint8
	Data       []byte
	ScanRsp    []byte
	Interval   clock.Duration
	Offset     clock.Duration
	RSSI       int8

	// Peripheral answers connection events once a connection request was
	// accepted. Nil makes the advertiser ignore connection requests.
	Peripheral *Peripheral

	connected bool
}

// World is an Air model holding advertisers and connected peripherals.
type World struct {
	mu    sync.Mutex
	advs  []*Advertiser
	links map[uint32]*Peripheral
	// ScanReqs counts the scan requests that reached an advertiser.
	ScanReqs int
}

// NewWorld returns an empty world.
func NewWorld() *World {
	return &World{links: make(map[uint32]*Peripheral)}
}

// AddAdvertiser makes a start advertising.
func (w *World) AddAdvertiser(a *Advertiser) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if a.Interval <= 0 {
		a.Interval = 100 * clock.Millisecond
	}
	w.advs = append(w.advs, a)
}

// Link returns the peripheral connected with access address aa.
func (w *World) Link(aa uint32) *Peripheral {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.links[aa]
}

func primaryIndex(ch uint8) (int, bool) {
	switch ch {
	case Channel37:
		return 0, true
	case Channel38:
		return 1, true
	case Channel39:
		return 2, true
	}
	return 0, false
}

// Listen implements Air.
func (w *World) Listen(ch uint8, from, to clock.Time) []*Packet {
	w.mu.Lock()
	defer w.mu.Unlock()

	var out []*Packet
	idx, primary := primaryIndex(ch)
	for _, a := range w.advs {
		if a.connected {
			continue
		}
		var shift clock.Duration
		if primary {
			shift = a.Offset + clock.Duration(idx)*advChannelSpacing
		} else {
			if !a.Extended || a.AuxChannel != ch {
				continue
			}
			shift = a.Offset + 2*advChannelSpacing + auxDelay
		}
		for at := firstEvent(from, shift, a.Interval); at < to; at = at.Add(a.Interval) {
			var b []byte
			switch {
			case !primary:
				b = a.auxPDU()
			case a.Extended:
				b = a.extPDU(idx)
			default:
				b = pdu.Legacy{Type: a.Type, AdvA: a.Addr, Data: a.Data}.Marshal()
			}
			out = append(out, &Packet{PDU: b, At: at, Channel: ch, RSSI: a.RSSI})
		}
	}
	sortPackets(out)
	return out
}

func firstEvent(from clock.Time, shift, interval clock.Duration) clock.Time {
	base := clock.Time(0).Add(shift)
	if from <= base {
		return base
	}
	k := (from.Sub(base) + interval - 1) / interval
	return base.Add(k * interval)
}

func sortPackets(p []*Packet) {
	sort.SliceStable(p, func(i, j int) bool { return p[i].At < p[j].At })
}

func (a *Advertiser) extPDU(idx int) []byte {
	off := (clock.Duration(2-idx)*advChannelSpacing + auxDelay) / 30
	e := pdu.Ext{
		Type:   pdu.TypeAdvExtInd,
		Mode:   a.Mode,
		ADI:    &pdu.ADI{DID: a.DID, SID: a.SID},
		AuxPtr: &pdu.AuxPtr{Channel: a.AuxChannel, AuxOffset: uint16(off), PHY: pdu.PHY1M},
	}
	return e.Marshal()
}

func (a *Advertiser) auxPDU() []byte {
	addr := a.Addr
	e := pdu.Ext{
		Type: pdu.TypeAdvExtInd,
		Mode: a.Mode,
		AdvA: &addr,
		ADI:  &pdu.ADI{DID: a.DID, SID: a.SID},
		Data: a.Data,
	}
	return e.Marshal()
}

func (w *World) find(addr llc.Addr) *Advertiser {
	for _, a := range w.advs {
		if a.Addr.Equal(addr) && !a.connected {
			return a
		}
	}
	return nil
}

// Respond implements Air.
func (w *World) Respond(ch uint8, req []byte, txEnd clock.Time) *Packet {
	w.mu.Lock()
	defer w.mu.Unlock()

	adv, err := pdu.ParseAdv(req)
	if err != nil {
		return nil
	}
	_, primary := primaryIndex(ch)
	switch adv.Header.Type {
	case pdu.TypeScanReq:
		r, err := pdu.ParseScanReq(adv)
		if err != nil {
			return nil
		}
		a := w.find(r.AdvA)
		if a == nil || a.Extended || !a.Type.Scannable() {
			return nil
		}
		w.ScanReqs++
		b := pdu.Legacy{Type: pdu.TypeScanRsp, AdvA: a.Addr, Data: a.ScanRsp}.Marshal()
		return &Packet{PDU: b, At: txEnd.Add(TIFS), Channel: ch, RSSI: a.RSSI}

	case pdu.TypeConnectInd:
		c, err := pdu.ParseConnectInd(adv)
		if err != nil {
			return nil
		}
		a := w.find(c.AdvA)
		if a == nil || a.Peripheral == nil {
			return nil
		}
		if a.Extended {
			if primary || a.Mode != pdu.ModeConnectable {
				return nil
			}
		} else if !primary || !a.Type.Connectable() {
			return nil
		}
		a.connected = true
		a.Peripheral.connect(c)
		w.links[c.AccessAddress] = a.Peripheral
		if !a.Extended {
			return nil
		}
		b := pdu.AuxConnectRsp(a.Addr, c.InitA).Marshal()
		return &Packet{PDU: b, At: txEnd.Add(TIFS), Channel: ch, RSSI: a.RSSI}
	}
	return nil
}

// Exchange implements Air.
func (w *World) Exchange(aa uint32, ch uint8, tx []byte, at clock.Time) ([]byte, Status) {
	w.mu.Lock()
	p := w.links[aa]
	w.mu.Unlock()
	if p == nil {
		return nil, StatusTimeout
	}
	return p.exchange(ch, tx, at)
}
