package pdu

import (
	"bytes"
	"testing"

	"github.com/pkg/errors"
	"github.com/rigado/llc"
)

func TestConnectIndRoundTrip(t *testing.T) {
	c := ConnectInd{
		ChSel:         true,
		InitA:         llc.MustAddr("c0:11:22:33:44:55", llc.AddrRandom),
		AdvA:          llc.MustAddr("00:aa:bb:cc:dd:ee", llc.AddrPublic),
		AccessAddress: 0x50654b7a,
		CRCInit:       0x1a2b3c,
		WinSize:       2,
		WinOffset:     7,
		Interval:      30,
		Latency:       4,
		Timeout:       400,
		ChM:           [5]byte{0xff, 0xff, 0xff, 0xff, 0x1f},
		Hop:           13,
		SCA:           5,
	}

	b := c.Marshal()
	if len(b) != 2+ConnectIndLen {
		t.Fatalf("expected %d bytes, got %d", 2+ConnectIndLen, len(b))
	}
	if b[0] != 0x65 || b[1] != ConnectIndLen {
		t.Fatalf("unexpected header % x", b[:2])
	}
	want := []byte{
		0x55, 0x44, 0x33, 0x22, 0x11, 0xc0,
		0xee, 0xdd, 0xcc, 0xbb, 0xaa, 0x00,
		0x7a, 0x4b, 0x65, 0x50,
		0x3c, 0x2b, 0x1a,
		0x02,
		0x07, 0x00,
		0x1e, 0x00,
		0x04, 0x00,
		0x90, 0x01,
		0xff, 0xff, 0xff, 0xff, 0x1f,
		0xad,
	}
	if !bytes.Equal(b[2:], want) {
		t.Fatalf("payload mismatch\n got % x\nwant % x", b[2:], want)
	}

	a, err := ParseAdv(b)
	if err != nil {
		t.Fatalf("expected nil error but got %s instead", err)
	}
	got, err := ParseConnectInd(a)
	if err != nil {
		t.Fatalf("expected nil error but got %s instead", err)
	}
	if got != c {
		t.Fatalf("round trip mismatch\n got %+v\nwant %+v", got, c)
	}
	if !bytes.Equal(got.Marshal(), b) {
		t.Fatalf("re-marshal mismatch")
	}
}

func TestConnectIndBadLength(t *testing.T) {
	a := Adv{Header: AdvHeader{Type: TypeConnectInd}, Payload: make([]byte, 33)}
	if _, err := ParseConnectInd(a); errors.Cause(err) != ErrLength {
		t.Fatalf("expected ErrLength, got %v", err)
	}
}

func TestControlRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		in   Control
		raw  []byte
	}{
		{
			name: "connection update",
			in:   &ConnectionUpdateInd{WinSize: 1, WinOffset: 2, Interval: 40, Latency: 0, Timeout: 500, Instant: 0x1234},
			raw:  []byte{0x00, 0x01, 0x02, 0x00, 0x28, 0x00, 0x00, 0x00, 0xf4, 0x01, 0x34, 0x12},
		},
		{
			name: "channel map",
			in:   &ChannelMapInd{ChM: [5]byte{0x00, 0xf0, 0xff, 0x0f, 0x1f}, Instant: 0xfffe},
			raw:  []byte{0x01, 0x00, 0xf0, 0xff, 0x0f, 0x1f, 0xfe, 0xff},
		},
		{
			name: "terminate",
			in:   &TerminateInd{ErrorCode: 0x13},
			raw:  []byte{0x02, 0x13},
		},
		{
			name: "version",
			in:   &VersionInd{VersNr: 0x0b, CompID: 0x05f1, SubVersNr: 0x0102},
			raw:  []byte{0x0c, 0x0b, 0xf1, 0x05, 0x02, 0x01},
		},
		{
			name: "phy update",
			in:   &PhyUpdateInd{CentralToPeripheral: PHYMask2M, PeripheralToCentral: PHYMask2M, Instant: 9},
			raw:  []byte{0x18, 0x02, 0x02, 0x09, 0x00},
		},
		{
			name: "ping",
			in:   &Bare{Op: OpPingReq},
			raw:  []byte{0x12},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := MarshalControl(tt.in)
			if !bytes.Equal(b, tt.raw) {
				t.Fatalf("got % x, want % x", b, tt.raw)
			}
			c, op, err := ParseControl(b)
			if err != nil {
				t.Fatalf("expected nil error but got %s instead", err)
			}
			if op != tt.in.Opcode() {
				t.Fatalf("opcode %v, want %v", op, tt.in.Opcode())
			}
			if !bytes.Equal(MarshalControl(c), tt.raw) {
				t.Fatalf("round trip mismatch")
			}
		})
	}
}

func TestConnectionUpdateIndFields(t *testing.T) {
	in := ConnectionUpdateInd{WinSize: 3, WinOffset: 0x0102, Interval: 0x0304, Latency: 0x0506, Timeout: 0x0708, Instant: 0x090a}
	c, _, err := ParseControl(MarshalControl(&in))
	if err != nil {
		t.Fatal(err)
	}
	if got := *c.(*ConnectionUpdateInd); got != in {
		t.Fatalf("got %+v, want %+v", got, in)
	}
}

func TestChannelMapIndFields(t *testing.T) {
	in := ChannelMapInd{ChM: [5]byte{1, 2, 3, 4, 5}, Instant: 77}
	c, _, err := ParseControl(MarshalControl(&in))
	if err != nil {
		t.Fatal(err)
	}
	if got := *c.(*ChannelMapInd); got != in {
		t.Fatalf("got %+v, want %+v", got, in)
	}
}

func TestParseControlErrors(t *testing.T) {
	if _, op, err := ParseControl([]byte{0x3f, 0x00}); errors.Cause(err) != ErrUnknownOpcode || op != 0x3f {
		t.Fatalf("expected ErrUnknownOpcode, got %v (op %v)", err, op)
	}
	if _, _, err := ParseControl([]byte{0x02}); errors.Cause(err) != ErrLength {
		t.Fatalf("expected ErrLength, got %v", err)
	}
	if _, _, err := ParseControl(nil); err != ErrShort {
		t.Fatalf("expected ErrShort, got %v", err)
	}
}

func TestDataHeader(t *testing.T) {
	d := Data{Header: DataHeader{LLID: LLIDStart, NESN: true, SN: false, MD: true}, Payload: []byte{1, 2, 3}}
	b := d.Marshal()
	if b[0] != 0x16 || b[1] != 3 {
		t.Fatalf("unexpected header % x", b[:2])
	}
	got, err := ParseData(b)
	if err != nil {
		t.Fatal(err)
	}
	if got.Header.LLID != LLIDStart || !got.Header.NESN || got.Header.SN || !got.Header.MD {
		t.Fatalf("unexpected header %+v", got.Header)
	}

	e := Empty(true, false, false).Marshal()
	if !bytes.Equal(e, []byte{0x09, 0x00}) {
		t.Fatalf("unexpected empty pdu % x", e)
	}
	if _, err := ParseData([]byte{0x00, 0x00}); errors.Cause(err) != ErrMalformed {
		t.Fatalf("expected ErrMalformed for LLID 0, got %v", err)
	}
}

func TestLegacy(t *testing.T) {
	l := Legacy{
		Type: TypeAdvInd,
		AdvA: llc.MustAddr("11:22:33:44:55:66", llc.AddrRandom),
		Data: []byte{0x02, 0x01, 0x06},
	}
	b := l.Marshal()
	if b[0] != 0x40 || b[1] != 9 {
		t.Fatalf("unexpected header % x", b[:2])
	}
	a, err := ParseAdv(b)
	if err != nil {
		t.Fatal(err)
	}
	got, err := ParseLegacy(a)
	if err != nil {
		t.Fatal(err)
	}
	if !got.AdvA.Equal(l.AdvA) || !bytes.Equal(got.Data, l.Data) {
		t.Fatalf("unexpected %+v", got)
	}

	r := ScanReq{ScanA: llc.MustAddr("01:02:03:04:05:06", llc.AddrPublic), AdvA: l.AdvA}
	a, err = ParseAdv(r.Marshal())
	if err != nil {
		t.Fatal(err)
	}
	gr, err := ParseScanReq(a)
	if err != nil {
		t.Fatal(err)
	}
	if !gr.ScanA.Equal(r.ScanA) || !gr.AdvA.Equal(r.AdvA) {
		t.Fatalf("unexpected %+v", gr)
	}
}

func TestExtRoundTrip(t *testing.T) {
	adv := llc.MustAddr("11:22:33:44:55:66", llc.AddrRandom)
	tx := int8(-4)
	e := Ext{
		Type:    TypeAdvExtInd,
		Mode:    ModeConnectable,
		ADI:     &ADI{DID: 0x123, SID: 5},
		AuxPtr:  &AuxPtr{Channel: 12, OffsetUnits: false, AuxOffset: 100, PHY: PHY1M},
		TxPower: &tx,
	}
	b := e.Marshal()
	a, err := ParseAdv(b)
	if err != nil {
		t.Fatal(err)
	}
	got, err := ParseExt(a)
	if err != nil {
		t.Fatal(err)
	}
	if got.Mode != ModeConnectable || got.AdvA != nil || *got.ADI != *e.ADI || *got.AuxPtr != *e.AuxPtr || *got.TxPower != tx {
		t.Fatalf("unexpected %+v", got)
	}
	if got.AuxPtr.OffsetUsec() != 3000 {
		t.Fatalf("unexpected offset %d", got.AuxPtr.OffsetUsec())
	}

	aux := Ext{Type: TypeAdvExtInd, Mode: ModeConnectable, AdvA: &adv, ADI: e.ADI, Data: []byte{0x02, 0x01, 0x06}}
	a, err = ParseAdv(aux.Marshal())
	if err != nil {
		t.Fatal(err)
	}
	got, err = ParseExt(a)
	if err != nil {
		t.Fatal(err)
	}
	if got.AdvA == nil || !got.AdvA.Equal(adv) || !bytes.Equal(got.Data, aux.Data) || len(got.ACAD) != 0 {
		t.Fatalf("unexpected %+v", got)
	}

	initA := llc.MustAddr("c0:00:00:00:00:01", llc.AddrRandom)
	a, err = ParseAdv(AuxConnectRsp(adv, initA).Marshal())
	if err != nil {
		t.Fatal(err)
	}
	rsp, err := ParseExt(a)
	if err != nil {
		t.Fatal(err)
	}
	if rsp.Type != TypeAuxConnectRsp || !rsp.TargetA.Equal(initA) {
		t.Fatalf("unexpected %+v", rsp)
	}
}
