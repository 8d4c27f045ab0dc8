// Package parser decodes the AD structures carried in advertising and scan
// response data.
package parser

import (
	"encoding/hex"
	"fmt"

	"github.com/pkg/errors"
	"github.com/rigado/llc/sliceops"
)

var EmptyOrNilPdu = errors.New("nil/empty pdu")

// https://www.bluetooth.org/en-us/specification/assigned-numbers/generic-access-profile
const (
	typeFlags       byte = 0x01
	typeUUID16Inc   byte = 0x02
	typeUUID16Comp  byte = 0x03
	typeUUID32Inc   byte = 0x04
	typeUUID32Comp  byte = 0x05
	typeUUID128Inc  byte = 0x06
	typeUUID128Comp byte = 0x07
	typeNameShort   byte = 0x08
	typeNameComp    byte = 0x09
	typeTxPower     byte = 0x0a
	typeSol16       byte = 0x14
	typeSol128      byte = 0x15
	typeSvc16       byte = 0x16
	typeSol32       byte = 0x1f
	typeSvc32       byte = 0x20
	typeSvc128      byte = 0x21
	typeMfgData     byte = 0xff
)

// UUID is a service UUID in over-the-air byte order.
type UUID []byte

// String prints u most significant byte first.
func (u UUID) String() string {
	return hex.EncodeToString(sliceops.Reverse(u))
}

// ServiceData is one service data AD structure.
type ServiceData struct {
	UUID UUID
	Data []byte
}

// Data is the decoded content of advertising data.
type Data struct {
	Flags       []byte
	Services    []UUID
	Solicited   []UUID
	ServiceData []ServiceData
	Name        string
	TxPower     *int8
	MfgData     []byte
}

type field uint8

const (
	fieldFlags field = iota
	fieldServices
	fieldSolicited
	fieldServiceData
	fieldName
	fieldTxPower
	fieldMfgData
)

type record struct {
	arrayElementSz int
	minSz          int
	svcDataUUIDSz  int
	field          field
}

var decodeMap = map[byte]record{
	typeUUID16Inc:   {2, 2, 0, fieldServices},
	typeUUID16Comp:  {2, 2, 0, fieldServices},
	typeUUID32Inc:   {4, 4, 0, fieldServices},
	typeUUID32Comp:  {4, 4, 0, fieldServices},
	typeUUID128Inc:  {16, 16, 0, fieldServices},
	typeUUID128Comp: {16, 16, 0, fieldServices},
	typeSol16:       {2, 2, 0, fieldSolicited},
	typeSol32:       {4, 4, 0, fieldSolicited},
	typeSol128:      {16, 16, 0, fieldSolicited},
	typeSvc16:       {0, 2, 2, fieldServiceData},
	typeSvc32:       {0, 4, 4, fieldServiceData},
	typeSvc128:      {0, 16, 16, fieldServiceData},
	typeNameComp:    {0, 1, 0, fieldName},
	typeNameShort:   {0, 1, 0, fieldName},
	typeTxPower:     {0, 1, 0, fieldTxPower},
	typeMfgData:     {0, 1, 0, fieldMfgData},
	typeFlags:       {0, 1, 0, fieldFlags},
}

func getArray(size int, bytes []byte) ([]UUID, error) {
	if size <= 0 {
		return nil, fmt.Errorf("invalid size")
	}
	if len(bytes) == 0 {
		return nil, fmt.Errorf("nil/empty bytes")
	}

	count := len(bytes) / size
	rem := len(bytes) % size
	if rem != 0 || count == 0 {
		return nil, fmt.Errorf("incorrect size")
	}

	arr := make([]UUID, 0, count)
	for j := 0; j < len(bytes); j += size {
		arr = append(arr, UUID(bytes[j:j+size]))
	}
	return arr, nil
}

// Parse decodes the AD structures of pdu. Unknown types are skipped. On a
// malformed structure the fields decoded so far are returned with the
// error.
func Parse(pdu []byte) (*Data, error) {
	if len(pdu) == 0 {
		return nil, EmptyOrNilPdu
	}

	d := &Data{}
	for i := 0; i+1 < len(pdu); {
		// length, type, length-1 bytes of data
		length := int(pdu[i])
		typ := pdu[i+1]

		if length < 1 {
			// zero length ends the significant part
			return d, nil
		}
		if i+length >= len(pdu) {
			return d, fmt.Errorf("buffer overflow: want %v, have %v, idx %v", i+length, len(pdu), i)
		}

		start := i + 2
		end := start + length - 1
		bytes := append([]byte(nil), pdu[start:end]...)
		i += length + 1

		dec, ok := decodeMap[typ]
		if !ok || len(bytes) == 0 {
			continue
		}
		if dec.minSz > len(bytes) {
			return d, fmt.Errorf("adv type %v: min length %v, have %v, idx %v", typ, dec.minSz, len(bytes), start-2)
		}

		switch {
		case dec.arrayElementSz > 0:
			arr, err := getArray(dec.arrayElementSz, bytes)
			if err != nil {
				return d, errors.Wrapf(err, "adv type %v, idx %v", typ, start-2)
			}
			if dec.field == fieldServices {
				d.Services = append(d.Services, arr...)
			} else {
				d.Solicited = append(d.Solicited, arr...)
			}
		case dec.svcDataUUIDSz > 0:
			d.ServiceData = append(d.ServiceData, ServiceData{
				UUID: UUID(bytes[:dec.svcDataUUIDSz]),
				Data: bytes[dec.svcDataUUIDSz:],
			})
		default:
			d.set(dec.field, bytes)
		}
	}
	return d, nil
}

func (d *Data) set(f field, b []byte) {
	switch f {
	case fieldFlags:
		d.Flags = b
	case fieldName:
		d.Name = string(b)
	case fieldTxPower:
		p := int8(b[0])
		d.TxPower = &p
	case fieldMfgData:
		if d.MfgData == nil {
			d.MfgData = b
			return
		}
		// the scan response repeats the company id
		if len(b) >= 2 {
			b = b[2:]
		}
		d.MfgData = append(d.MfgData, b...)
	}
}
