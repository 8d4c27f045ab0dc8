package pdu

import "github.com/pkg/errors"

// LLID identifies the content of a data channel PDU.
type LLID uint8

const (
	LLIDContinuation LLID = 0x1 // continuation fragment or empty PDU
	LLIDStart        LLID = 0x2
	LLIDControl      LLID = 0x3
)

// MaxDataPayload is the largest data channel payload with data length
// extension.
const MaxDataPayload = 251

// DataHeader is the 16 bit data channel PDU header.
//
//	bit 0-1 LLID, 2 NESN, 3 SN, 4 MD, then the length octet.
type DataHeader struct {
	LLID   LLID
	NESN   bool
	SN     bool
	MD     bool
	Length uint8
}

// Data is a data channel PDU.
type Data struct {
	Header  DataHeader
	Payload []byte
}

// Empty returns an empty PDU carrying the given flow control bits.
func Empty(sn, nesn, md bool) Data {
	return Data{Header: DataHeader{LLID: LLIDContinuation, SN: sn, NESN: nesn, MD: md}}
}

// Marshal encodes d, fixing the length octet from the payload.
func (d Data) Marshal() []byte {
	b := make([]byte, 2+len(d.Payload))
	b[0] = byte(d.Header.LLID) & 0x03
	if d.Header.NESN {
		b[0] |= 1 << 2
	}
	if d.Header.SN {
		b[0] |= 1 << 3
	}
	if d.Header.MD {
		b[0] |= 1 << 4
	}
	b[1] = uint8(len(d.Payload))
	copy(b[2:], d.Payload)
	return b
}

// ParseData decodes a data channel PDU.
func ParseData(b []byte) (Data, error) {
	if len(b) < 2 {
		return Data{}, ErrShort
	}
	h := DataHeader{
		LLID:   LLID(b[0] & 0x03),
		NESN:   b[0]&(1<<2) != 0,
		SN:     b[0]&(1<<3) != 0,
		MD:     b[0]&(1<<4) != 0,
		Length: b[1],
	}
	if len(b) != 2+int(h.Length) {
		return Data{}, errors.Wrapf(ErrLength, "header %d, have %d", h.Length, len(b)-2)
	}
	if h.LLID == 0 {
		return Data{}, errors.Wrap(ErrMalformed, "reserved LLID")
	}
	return Data{Header: h, Payload: b[2:]}, nil
}
