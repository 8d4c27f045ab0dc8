package pdu

import (
	"github.com/pkg/errors"
	"github.com/rigado/llc"
)

// AdvMode is the AdvMode field of the common extended advertising payload.
type AdvMode uint8

const (
	ModeNonConnNonScan AdvMode = 0
	ModeConnectable    AdvMode = 1
	ModeScannable      AdvMode = 2
)

const (
	flagAdvA uint8 = 1 << iota
	flagTargetA
	flagCTEInfo
	flagADI
	flagAuxPtr
	flagSyncInfo
	flagTxPower
)

const syncInfoLen = 18

// ADI is the advertising data info field.
type ADI struct {
	DID uint16
	SID uint8
}

// PHY of an auxiliary packet as coded in AuxPtr.
type PHY uint8

const (
	PHY1M    PHY = 0
	PHY2M    PHY = 1
	PHYCoded PHY = 2
)

// AuxPtr points to the auxiliary packet of an extended advertisement.
type AuxPtr struct {
	Channel     uint8
	CA          bool
	OffsetUnits bool // 300 us units when set, 30 us otherwise
	AuxOffset   uint16
	PHY         PHY
}

// OffsetUsec returns the distance from the start of the packet carrying
// the pointer to the start of the auxiliary packet.
func (p AuxPtr) OffsetUsec() int64 {
	if p.OffsetUnits {
		return int64(p.AuxOffset) * 300
	}
	return int64(p.AuxOffset) * 30
}

// Ext is an advertising PDU in the common extended advertising payload
// format: ADV_EXT_IND, AUX_ADV_IND, AUX_SCAN_RSP, AUX_CHAIN_IND and
// AUX_CONNECT_RSP. Optional fields are nil when absent. CTEInfo, SyncInfo
// and ACAD are kept opaque.
type Ext struct {
	Type     AdvType
	Mode     AdvMode
	AdvA     *llc.Addr
	TargetA  *llc.Addr
	CTEInfo  *uint8
	ADI      *ADI
	AuxPtr   *AuxPtr
	SyncInfo []byte
	TxPower  *int8
	ACAD     []byte
	Data     []byte
}

// ParseExt decodes a in the common extended format.
func ParseExt(a Adv) (Ext, error) {
	e := Ext{Type: a.Header.Type}
	if a.Header.Type != TypeAdvExtInd && a.Header.Type != TypeAuxConnectRsp {
		return e, errors.Wrapf(ErrMalformed, "type %v", a.Header.Type)
	}
	p := a.Payload
	if len(p) < 1 {
		return e, ErrShort
	}
	hlen := int(p[0] & 0x3f)
	e.Mode = AdvMode(p[0] >> 6)
	if len(p) < 1+hlen {
		return e, errors.Wrapf(ErrLength, "extended header %d, have %d", hlen, len(p)-1)
	}
	e.Data = p[1+hlen:]
	if hlen == 0 {
		return e, nil
	}

	h := p[1 : 1+hlen]
	flags := h[0]
	i := 1
	take := func(n int) ([]byte, error) {
		if i+n > len(h) {
			return nil, errors.Wrap(ErrMalformed, "extended header fields overrun")
		}
		b := h[i : i+n]
		i += n
		return b, nil
	}

	if flags&flagAdvA != 0 {
		b, err := take(6)
		if err != nil {
			return e, err
		}
		addr := llc.AddrFromBytes(b, a.Header.TxAdd)
		e.AdvA = &addr
	}
	if flags&flagTargetA != 0 {
		b, err := take(6)
		if err != nil {
			return e, err
		}
		addr := llc.AddrFromBytes(b, a.Header.RxAdd)
		e.TargetA = &addr
	}
	if flags&flagCTEInfo != 0 {
		b, err := take(1)
		if err != nil {
			return e, err
		}
		v := b[0]
		e.CTEInfo = &v
	}
	if flags&flagADI != 0 {
		b, err := take(2)
		if err != nil {
			return e, err
		}
		v := uint16(b[0]) | uint16(b[1])<<8
		e.ADI = &ADI{DID: v & 0x0fff, SID: uint8(v >> 12)}
	}
	if flags&flagAuxPtr != 0 {
		b, err := take(3)
		if err != nil {
			return e, err
		}
		off := uint16(b[1]) | uint16(b[2])<<8
		e.AuxPtr = &AuxPtr{
			Channel:     b[0] & 0x3f,
			CA:          b[0]&0x40 != 0,
			OffsetUnits: b[0]&0x80 != 0,
			AuxOffset:   off & 0x1fff,
			PHY:         PHY(off >> 13),
		}
	}
	if flags&flagSyncInfo != 0 {
		b, err := take(syncInfoLen)
		if err != nil {
			return e, err
		}
		e.SyncInfo = b
	}
	if flags&flagTxPower != 0 {
		b, err := take(1)
		if err != nil {
			return e, err
		}
		v := int8(b[0])
		e.TxPower = &v
	}
	e.ACAD = h[i:]
	return e, nil
}

// Marshal encodes e. The extended header carries only the fields that are
// set.
func (e Ext) Marshal() []byte {
	var flags uint8
	var fields []byte
	hdr := AdvHeader{Type: e.Type}

	if e.AdvA != nil {
		flags |= flagAdvA
		hdr.TxAdd = e.AdvA.Type.Random()
		fields = append(fields, e.AdvA.Bytes[:]...)
	}
	if e.TargetA != nil {
		flags |= flagTargetA
		hdr.RxAdd = e.TargetA.Type.Random()
		fields = append(fields, e.TargetA.Bytes[:]...)
	}
	if e.CTEInfo != nil {
		flags |= flagCTEInfo
		fields = append(fields, *e.CTEInfo)
	}
	if e.ADI != nil {
		flags |= flagADI
		v := e.ADI.DID&0x0fff | uint16(e.ADI.SID)<<12
		fields = append(fields, byte(v), byte(v>>8))
	}
	if e.AuxPtr != nil {
		flags |= flagAuxPtr
		b0 := e.AuxPtr.Channel & 0x3f
		if e.AuxPtr.CA {
			b0 |= 0x40
		}
		if e.AuxPtr.OffsetUnits {
			b0 |= 0x80
		}
		off := e.AuxPtr.AuxOffset&0x1fff | uint16(e.AuxPtr.PHY)<<13
		fields = append(fields, b0, byte(off), byte(off>>8))
	}
	if e.SyncInfo != nil {
		flags |= flagSyncInfo
		s := make([]byte, syncInfoLen)
		copy(s, e.SyncInfo)
		fields = append(fields, s...)
	}
	if e.TxPower != nil {
		flags |= flagTxPower
		fields = append(fields, byte(*e.TxPower))
	}

	hlen := 0
	if flags != 0 || len(e.ACAD) > 0 {
		hlen = 1 + len(fields) + len(e.ACAD)
	}
	p := make([]byte, 0, 1+hlen+len(e.Data))
	p = append(p, byte(hlen)&0x3f|byte(e.Mode)<<6)
	if hlen > 0 {
		p = append(p, flags)
		p = append(p, fields...)
		p = append(p, e.ACAD...)
	}
	p = append(p, e.Data...)
	return Adv{Header: hdr, Payload: p}.Marshal()
}

// AuxConnectRsp builds AUX_CONNECT_RSP from the advertiser to the initiator.
func AuxConnectRsp(advA, targetA llc.Addr) Ext {
	return Ext{Type: TypeAuxConnectRsp, Mode: ModeNonConnNonScan, AdvA: &advA, TargetA: &targetA}
}
