package config

import (
	"github.com/pkg/errors"
	"github.com/rigado/llc"
	"github.com/rigado/llc/clock"
	"github.com/rigado/llc/parser"
	"github.com/rigado/llc/pdu"
	"github.com/rigado/llc/radio"
)

// Advertiser describes one simulated advertiser.
type Advertiser struct {
	Addr   string `json:"addr"`
	Random bool   `json:"random,omitempty"`
	// Kind is one of "adv_ind", "adv_direct_ind", "adv_nonconn_ind",
	// "adv_scan_ind", "ext_conn", "ext_scan" and "ext_nonconn".
	Kind       string `json:"kind"`
	SID        uint8  `json:"sid,omitempty"`
	Data       []byte `json:"data,omitempty"`
	ScanRsp    []byte `json:"scanRsp,omitempty"`
	IntervalMs int    `json:"intervalMs,omitempty"`
	RSSI       int8   `json:"rssi,omitempty"`
	// Connectable advertisers accept connections with a simulated
	// peripheral.
	Connectable bool `json:"connectable,omitempty"`
}

var legacyKinds = map[string]pdu.AdvType{
	"adv_ind":         pdu.TypeAdvInd,
	"adv_direct_ind":  pdu.TypeAdvDirectInd,
	"adv_nonconn_ind": pdu.TypeAdvNonconnInd,
	"adv_scan_ind":    pdu.TypeAdvScanInd,
}

var extKinds = map[string]pdu.AdvMode{
	"ext_conn":    pdu.ModeConnectable,
	"ext_scan":    pdu.ModeScannable,
	"ext_nonconn": pdu.ModeNonConnNonScan,
}

func (a Advertiser) validate() error {
	_, err := a.addr()
	if err != nil {
		return err
	}
	_, legacy := legacyKinds[a.Kind]
	_, ext := extKinds[a.Kind]
	switch {
	case !legacy && !ext:
		return errors.Errorf("unknown kind %q", a.Kind)
	case a.IntervalMs < 0:
		return errors.Errorf("invalid intervalMs %d", a.IntervalMs)
	case len(a.Data) > 31 && legacy:
		return errors.Errorf("%d bytes of legacy advertising data", len(a.Data))
	case a.SID > 0x0f:
		return errors.Errorf("invalid sid %d", a.SID)
	}
	for _, d := range [][]byte{a.Data, a.ScanRsp} {
		if len(d) == 0 {
			continue
		}
		if _, err := parser.Parse(d); err != nil {
			return errors.Wrap(err, "malformed advertising data")
		}
	}
	return nil
}

func (a Advertiser) addr() (llc.Addr, error) {
	t := llc.AddrPublic
	if a.Random {
		t = llc.AddrRandom
	}
	return llc.NewAddr(a.Addr, t)
}

// Radio returns the advertiser of the air model. Connectable advertisers
// carry a fresh peripheral.
func (a Advertiser) Radio() (*radio.Advertiser, error) {
	if err := a.validate(); err != nil {
		return nil, err
	}
	addr, _ := a.addr()
	r := &radio.Advertiser{
		Addr:     addr,
		SID:      a.SID,
		Data:     a.Data,
		ScanRsp:  a.ScanRsp,
		Interval: clock.Duration(a.IntervalMs) * clock.Millisecond,
		RSSI:     a.RSSI,
	}
	if t, ok := legacyKinds[a.Kind]; ok {
		r.Type = t
	} else {
		r.Extended = true
		r.Mode = extKinds[a.Kind]
	}
	if a.Connectable {
		r.Peripheral = radio.NewPeripheral()
	}
	return r, nil
}

// Populate adds the advertisers of f to w, each one starting 7ms after the
// previous.
func (f File) Populate(w *radio.World) error {
	for i, a := range f.Advertisers {
		r, err := a.Radio()
		if err != nil {
			return errors.Wrapf(err, "advertiser %d", i)
		}
		r.Offset = clock.Duration(i) * 7 * clock.Millisecond
		w.AddAdvertiser(r)
	}
	return nil
}
