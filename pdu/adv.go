// Package pdu packs and unpacks link layer PDUs bit exactly: advertising
// channel PDUs (legacy and extended), data channel PDUs and LL control PDUs.
package pdu

import (
	"encoding/binary"

	"github.com/pkg/errors"
	"github.com/rigado/llc"
	"github.com/rigado/llc/sliceops"
)

const (
	// AdvAccessAddress is used on the primary and secondary advertising
	// channels.
	AdvAccessAddress uint32 = 0x8E89BED6
	// AdvCRCInit seeds the CRC of advertising channel PDUs.
	AdvCRCInit uint32 = 0x555555

	// MaxAdvPayload is the largest legacy advertising payload.
	MaxAdvPayload = 37
	// MaxAdvData is the largest legacy AdvData/ScanRspData.
	MaxAdvData = 31
)

var (
	ErrShort     = errors.New("pdu too short")
	ErrLength    = errors.New("pdu length mismatch")
	ErrMalformed = errors.New("malformed pdu")
)

// AdvType is the PDU type of an advertising channel PDU. Some codes are
// reused on the secondary channel with a different name.
type AdvType uint8

const (
	TypeAdvInd        AdvType = 0x0
	TypeAdvDirectInd  AdvType = 0x1
	TypeAdvNonconnInd AdvType = 0x2
	TypeScanReq       AdvType = 0x3 // AUX_SCAN_REQ
	TypeScanRsp       AdvType = 0x4
	TypeConnectInd    AdvType = 0x5 // AUX_CONNECT_REQ
	TypeAdvScanInd    AdvType = 0x6
	TypeAdvExtInd     AdvType = 0x7 // AUX_ADV_IND, AUX_SCAN_RSP, AUX_CHAIN_IND
	TypeAuxConnectRsp AdvType = 0x8
)

func (t AdvType) String() string {
	switch t {
	case TypeAdvInd:
		return "ADV_IND"
	case TypeAdvDirectInd:
		return "ADV_DIRECT_IND"
	case TypeAdvNonconnInd:
		return "ADV_NONCONN_IND"
	case TypeScanReq:
		return "SCAN_REQ"
	case TypeScanRsp:
		return "SCAN_RSP"
	case TypeConnectInd:
		return "CONNECT_IND"
	case TypeAdvScanInd:
		return "ADV_SCAN_IND"
	case TypeAdvExtInd:
		return "ADV_EXT_IND"
	case TypeAuxConnectRsp:
		return "AUX_CONNECT_RSP"
	default:
		return "RFU"
	}
}

// Connectable reports whether an initiator may answer a legacy PDU of this
// type with CONNECT_IND.
func (t AdvType) Connectable() bool {
	return t == TypeAdvInd || t == TypeAdvDirectInd
}

// Scannable reports whether a legacy PDU of this type accepts SCAN_REQ.
func (t AdvType) Scannable() bool {
	return t == TypeAdvInd || t == TypeAdvScanInd
}

// AdvHeader is the 16 bit advertising channel PDU header.
//
//	bit 0-3 PDU type, 5 ChSel, 6 TxAdd, 7 RxAdd, then the length octet.
type AdvHeader struct {
	Type   AdvType
	ChSel  bool
	TxAdd  bool
	RxAdd  bool
	Length uint8
}

func (h AdvHeader) put(b []byte) {
	b[0] = byte(h.Type) & 0x0f
	if h.ChSel {
		b[0] |= 1 << 5
	}
	if h.TxAdd {
		b[0] |= 1 << 6
	}
	if h.RxAdd {
		b[0] |= 1 << 7
	}
	b[1] = h.Length
}

// ParseAdvHeader decodes the first two octets of b.
func ParseAdvHeader(b []byte) (AdvHeader, error) {
	if len(b) < 2 {
		return AdvHeader{}, ErrShort
	}
	return AdvHeader{
		Type:   AdvType(b[0] & 0x0f),
		ChSel:  b[0]&(1<<5) != 0,
		TxAdd:  b[0]&(1<<6) != 0,
		RxAdd:  b[0]&(1<<7) != 0,
		Length: b[1],
	}, nil
}

// Adv is a raw advertising channel PDU.
type Adv struct {
	Header  AdvHeader
	Payload []byte
}

// ParseAdv decodes header and payload and checks the length octet.
func ParseAdv(b []byte) (Adv, error) {
	h, err := ParseAdvHeader(b)
	if err != nil {
		return Adv{}, err
	}
	if len(b) != 2+int(h.Length) {
		return Adv{}, errors.Wrapf(ErrLength, "header %d, have %d", h.Length, len(b)-2)
	}
	return Adv{Header: h, Payload: b[2:]}, nil
}

// Marshal encodes a, fixing the length octet from the payload.
func (a Adv) Marshal() []byte {
	b := make([]byte, 2+len(a.Payload))
	h := a.Header
	h.Length = uint8(len(a.Payload))
	h.put(b)
	copy(b[2:], a.Payload)
	return b
}

// Legacy is a decoded legacy advertising PDU: ADV_IND, ADV_DIRECT_IND,
// ADV_NONCONN_IND, ADV_SCAN_IND or SCAN_RSP.
type Legacy struct {
	Type    AdvType
	ChSel   bool
	AdvA    llc.Addr
	TargetA llc.Addr
	Data    []byte
}

// ParseLegacy decodes a legacy advertising or scan response PDU.
func ParseLegacy(a Adv) (Legacy, error) {
	l := Legacy{Type: a.Header.Type, ChSel: a.Header.ChSel}
	switch a.Header.Type {
	case TypeAdvInd, TypeAdvNonconnInd, TypeAdvScanInd, TypeScanRsp:
		if len(a.Payload) < 6 || len(a.Payload) > 6+MaxAdvData {
			return Legacy{}, errors.Wrapf(ErrMalformed, "%v payload %d", a.Header.Type, len(a.Payload))
		}
		l.AdvA = llc.AddrFromBytes(a.Payload[:6], a.Header.TxAdd)
		l.Data = a.Payload[6:]
	case TypeAdvDirectInd:
		if len(a.Payload) != 12 {
			return Legacy{}, errors.Wrapf(ErrMalformed, "%v payload %d", a.Header.Type, len(a.Payload))
		}
		l.AdvA = llc.AddrFromBytes(a.Payload[:6], a.Header.TxAdd)
		l.TargetA = llc.AddrFromBytes(a.Payload[6:12], a.Header.RxAdd)
	default:
		return Legacy{}, errors.Wrapf(ErrMalformed, "%v is not a legacy advertisement", a.Header.Type)
	}
	return l, nil
}

// Marshal encodes l as an advertising channel PDU.
func (l Legacy) Marshal() []byte {
	h := AdvHeader{Type: l.Type, ChSel: l.ChSel, TxAdd: l.AdvA.Type.Random()}
	p := append([]byte{}, l.AdvA.Bytes[:]...)
	if l.Type == TypeAdvDirectInd {
		h.RxAdd = l.TargetA.Type.Random()
		p = append(p, l.TargetA.Bytes[:]...)
	} else {
		p = append(p, l.Data...)
	}
	return Adv{Header: h, Payload: p}.Marshal()
}

// ScanReq is SCAN_REQ, also AUX_SCAN_REQ on the secondary channel.
type ScanReq struct {
	ScanA llc.Addr
	AdvA  llc.Addr
}

// Marshal encodes r.
func (r ScanReq) Marshal() []byte {
	p := make([]byte, 12)
	copy(p, r.ScanA.Bytes[:])
	copy(p[6:], r.AdvA.Bytes[:])
	h := AdvHeader{Type: TypeScanReq, TxAdd: r.ScanA.Type.Random(), RxAdd: r.AdvA.Type.Random()}
	return Adv{Header: h, Payload: p}.Marshal()
}

// ParseScanReq decodes SCAN_REQ.
func ParseScanReq(a Adv) (ScanReq, error) {
	if a.Header.Type != TypeScanReq || len(a.Payload) != 12 {
		return ScanReq{}, errors.Wrap(ErrMalformed, "SCAN_REQ")
	}
	return ScanReq{
		ScanA: llc.AddrFromBytes(a.Payload[:6], a.Header.TxAdd),
		AdvA:  llc.AddrFromBytes(a.Payload[6:], a.Header.RxAdd),
	}, nil
}

// ConnectIndLen is the payload length of CONNECT_IND and AUX_CONNECT_REQ.
const ConnectIndLen = 34

// ConnectInd is CONNECT_IND, also AUX_CONNECT_REQ on the secondary channel.
// Times are in link layer units: WinSize and WinOffset in 1.25 ms, Interval
// in 1.25 ms, Timeout in 10 ms.
type ConnectInd struct {
	ChSel         bool
	InitA         llc.Addr
	AdvA          llc.Addr
	AccessAddress uint32
	CRCInit       uint32
	WinSize       uint8
	WinOffset     uint16
	Interval      uint16
	Latency       uint16
	Timeout       uint16
	ChM           [5]byte
	Hop           uint8
	SCA           uint8
}

// Marshal encodes c with its header.
func (c ConnectInd) Marshal() []byte {
	p := make([]byte, ConnectIndLen)
	copy(p[0:], c.InitA.Bytes[:])
	copy(p[6:], c.AdvA.Bytes[:])
	binary.LittleEndian.PutUint32(p[12:], c.AccessAddress)
	sliceops.PutUint24LE(p[16:], c.CRCInit)
	p[19] = c.WinSize
	binary.LittleEndian.PutUint16(p[20:], c.WinOffset)
	binary.LittleEndian.PutUint16(p[22:], c.Interval)
	binary.LittleEndian.PutUint16(p[24:], c.Latency)
	binary.LittleEndian.PutUint16(p[26:], c.Timeout)
	copy(p[28:], c.ChM[:])
	p[33] = c.Hop&0x1f | c.SCA<<5
	h := AdvHeader{
		Type:  TypeConnectInd,
		ChSel: c.ChSel,
		TxAdd: c.InitA.Type.Random(),
		RxAdd: c.AdvA.Type.Random(),
	}
	return Adv{Header: h, Payload: p}.Marshal()
}

// ParseConnectInd decodes CONNECT_IND or AUX_CONNECT_REQ.
func ParseConnectInd(a Adv) (ConnectInd, error) {
	if a.Header.Type != TypeConnectInd {
		return ConnectInd{}, errors.Wrapf(ErrMalformed, "type %v", a.Header.Type)
	}
	p := a.Payload
	if len(p) != ConnectIndLen {
		return ConnectInd{}, errors.Wrapf(ErrLength, "CONNECT_IND payload %d", len(p))
	}
	c := ConnectInd{
		ChSel:         a.Header.ChSel,
		InitA:         llc.AddrFromBytes(p[0:6], a.Header.TxAdd),
		AdvA:          llc.AddrFromBytes(p[6:12], a.Header.RxAdd),
		AccessAddress: binary.LittleEndian.Uint32(p[12:]),
		CRCInit:       sliceops.Uint24LE(p[16:]),
		WinSize:       p[19],
		WinOffset:     binary.LittleEndian.Uint16(p[20:]),
		Interval:      binary.LittleEndian.Uint16(p[22:]),
		Latency:       binary.LittleEndian.Uint16(p[24:]),
		Timeout:       binary.LittleEndian.Uint16(p[26:]),
		Hop:           p[33] & 0x1f,
		SCA:           p[33] >> 5,
	}
	copy(c.ChM[:], p[28:33])
	return c, nil
}
