package hci

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
)

// MaxEventParams is the largest parameter block of one event.
const MaxEventParams = 255

// Event is one HCI event packet without the H4 indicator.
type Event struct {
	Code   uint8
	Params []byte
}

func (e Event) String() string {
	if e.Code == EvtLEMeta && len(e.Params) > 0 {
		return fmt.Sprintf("evt 0x3e/0x%02x [% x]", e.Params[0], e.Params[1:])
	}
	return fmt.Sprintf("evt 0x%02x [% x]", e.Code, e.Params)
}

// Marshal returns the body of the event packet.
func (e Event) Marshal() []byte {
	b := make([]byte, 2, 2+len(e.Params))
	b[0] = e.Code
	b[1] = byte(len(e.Params))
	return append(b, e.Params...)
}

// Packet wraps e for a transport.
func (e Event) Packet() Packet {
	return Packet{Type: PktTypeEvent, Body: e.Marshal()}
}

// ParseEvent parses the body of an event packet.
func ParseEvent(b []byte) (Event, error) {
	if len(b) < 2 {
		return Event{}, ErrShort
	}
	if len(b) != 2+int(b[1]) {
		return Event{}, errors.Wrapf(ErrLength, "event 0x%02x: want %d, have %d", b[0], b[1], len(b)-2)
	}
	return Event{Code: b[0], Params: b[2:]}, nil
}

// Subevent returns the subevent code of an LE meta event, or 0.
func (e Event) Subevent() uint8 {
	if e.Code != EvtLEMeta || len(e.Params) == 0 {
		return 0
	}
	return e.Params[0]
}

// Decode reads the parameters into v. For LE meta events the subevent code
// is skipped.
func (e Event) Decode(v interface{}) error {
	p := e.Params
	if e.Code == EvtLEMeta && len(p) > 0 {
		p = p[1:]
	}
	if n := binary.Size(v); n != len(p) {
		return errors.Wrapf(ErrParams, "event %v: want %d bytes, have %d", e, n, len(p))
	}
	return binary.Read(bytes.NewReader(p), binary.LittleEndian, v)
}

// CommandComplete returns the opcode and return parameters of a Command
// Complete event.
func (e Event) CommandComplete() (uint16, []byte, error) {
	if e.Code != EvtCommandComplete {
		return 0, nil, errors.Errorf("not a command complete: %v", e)
	}
	if len(e.Params) < 3 {
		return 0, nil, ErrShort
	}
	return binary.LittleEndian.Uint16(e.Params[1:]), e.Params[3:], nil
}

// CommandStatus returns the opcode and status of a Command Status event.
func (e Event) CommandStatus() (uint16, Status, error) {
	if e.Code != EvtCommandStatus {
		return 0, 0, errors.Errorf("not a command status: %v", e)
	}
	if len(e.Params) != 4 {
		return 0, 0, ErrShort
	}
	return binary.LittleEndian.Uint16(e.Params[2:]), Status(e.Params[0]), nil
}

func encode(v interface{}) []byte {
	switch p := v.(type) {
	case nil:
		return nil
	case []byte:
		return p
	}
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, v)
	return buf.Bytes()
}

// NewEvent encodes v as the parameters of an event.
func NewEvent(code uint8, v interface{}) Event {
	return Event{Code: code, Params: encode(v)}
}

// NewLEMeta encodes v as an LE meta subevent.
func NewLEMeta(sub uint8, v interface{}) Event {
	return Event{Code: EvtLEMeta, Params: append([]byte{sub}, encode(v)...)}
}

// NewCommandComplete answers op with the return parameters rp, a fixed
// size struct or raw bytes. The controller always grants one more command.
func NewCommandComplete(op uint16, rp interface{}) Event {
	b := []byte{1, byte(op), byte(op >> 8)}
	return Event{Code: EvtCommandComplete, Params: append(b, encode(rp)...)}
}

// NewCommandStatus answers op with st.
func NewCommandStatus(op uint16, st Status) Event {
	return Event{Code: EvtCommandStatus, Params: []byte{byte(st), 1, byte(op), byte(op >> 8)}}
}

// DisconnectionComplete (0x05)
type DisconnectionComplete struct {
	Status uint8
	Handle uint16
	Reason uint8
}

// EncryptionChange (0x08)
type EncryptionChange struct {
	Status  uint8
	Handle  uint16
	Enabled uint8
}

// ReadRemoteVersionComplete (0x0C)
type ReadRemoteVersionComplete struct {
	Status       uint8
	Handle       uint16
	Version      uint8
	Manufacturer uint16
	Subversion   uint16
}

// HardwareError (0x10)
type HardwareError struct {
	Code uint8
}

// LEConnectionComplete (0x3E|0x01)
type LEConnectionComplete struct {
	Status        uint8
	Handle        uint16
	Role          uint8
	PeerAddrType  uint8
	PeerAddr      [6]byte
	Interval      uint16
	Latency       uint16
	Timeout       uint16
	ClockAccuracy uint8
}

// LEConnectionUpdateComplete (0x3E|0x03)
type LEConnectionUpdateComplete struct {
	Status   uint8
	Handle   uint16
	Interval uint16
	Latency  uint16
	Timeout  uint16
}

// LEReadRemoteFeaturesComplete (0x3E|0x04)
type LEReadRemoteFeaturesComplete struct {
	Status   uint8
	Handle   uint16
	Features uint64
}

// LEDataLengthChange (0x3E|0x07)
type LEDataLengthChange struct {
	Handle      uint16
	MaxTxOctets uint16
	MaxTxTime   uint16
	MaxRxOctets uint16
	MaxRxTime   uint16
}

// LEPHYUpdateComplete (0x3E|0x0C)
type LEPHYUpdateComplete struct {
	Status uint8
	Handle uint16
	TxPHY  uint8
	RxPHY  uint8
}

// LEChannelSelectionAlgorithm (0x3E|0x14)
type LEChannelSelectionAlgorithm struct {
	Handle    uint16
	Algorithm uint8
}

// Completed is one entry of Number Of Completed Packets.
type Completed struct {
	Handle uint16
	Count  uint16
}

// NewNumberOfCompletedPackets lays out handles before counts [Vol 4, Part
// E, 7.7.19].
func NewNumberOfCompletedPackets(c ...Completed) Event {
	b := make([]byte, 1+4*len(c))
	b[0] = byte(len(c))
	for i, v := range c {
		binary.LittleEndian.PutUint16(b[1+2*i:], v.Handle)
		binary.LittleEndian.PutUint16(b[1+2*len(c)+2*i:], v.Count)
	}
	return Event{Code: EvtNumberOfCompletedPackets, Params: b}
}

// ParseNumberOfCompletedPackets is the inverse of
// NewNumberOfCompletedPackets.
func ParseNumberOfCompletedPackets(e Event) ([]Completed, error) {
	if e.Code != EvtNumberOfCompletedPackets || len(e.Params) < 1 {
		return nil, errors.Errorf("not a number of completed packets: %v", e)
	}
	n := int(e.Params[0])
	if len(e.Params) != 1+4*n {
		return nil, ErrLength
	}
	out := make([]Completed, n)
	for i := range out {
		out[i].Handle = binary.LittleEndian.Uint16(e.Params[1+2*i:])
		out[i].Count = binary.LittleEndian.Uint16(e.Params[1+2*n+2*i:])
	}
	return out, nil
}

// AdvReport is one entry of an LE Advertising Report.
type AdvReport struct {
	EventType uint8
	AddrType  uint8
	Addr      [6]byte
	Data      []byte
	RSSI      int8
}

// NewLEAdvertisingReport lays the reports out as parallel arrays [Vol 4,
// Part E, 7.7.65.2].
func NewLEAdvertisingReport(r ...AdvReport) Event {
	b := []byte{SubLEAdvertisingReport, byte(len(r))}
	for _, v := range r {
		b = append(b, v.EventType)
	}
	for _, v := range r {
		b = append(b, v.AddrType)
	}
	for _, v := range r {
		b = append(b, v.Addr[:]...)
	}
	for _, v := range r {
		b = append(b, byte(len(v.Data)))
	}
	for _, v := range r {
		b = append(b, v.Data...)
	}
	for _, v := range r {
		b = append(b, byte(v.RSSI))
	}
	return Event{Code: EvtLEMeta, Params: b}
}

// ParseLEAdvertisingReport is the inverse of NewLEAdvertisingReport.
func ParseLEAdvertisingReport(e Event) ([]AdvReport, error) {
	if e.Subevent() != SubLEAdvertisingReport || len(e.Params) < 2 {
		return nil, errors.Errorf("not an advertising report: %v", e)
	}
	p := e.Params[2:]
	n := int(e.Params[1])
	if len(p) < 9*n {
		return nil, ErrShort
	}
	out := make([]AdvReport, n)
	for i := range out {
		out[i].EventType = p[i]
		out[i].AddrType = p[n+i]
		copy(out[i].Addr[:], p[2*n+6*i:])
	}
	lens := p[8*n : 9*n]
	p = p[9*n:]
	for i := range out {
		l := int(lens[i])
		if len(p) < l {
			return nil, ErrShort
		}
		out[i].Data = p[:l]
		p = p[l:]
	}
	if len(p) != n {
		return nil, ErrLength
	}
	for i := range out {
		out[i].RSSI = int8(p[i])
	}
	return out, nil
}

// MaxExtReportData is the advertising data that fits an extended report
// of one entry.
const MaxExtReportData = MaxEventParams - 2 - 24

// ExtAdvReport is one entry of an LE Extended Advertising Report.
type ExtAdvReport struct {
	EventType        uint16
	AddrType         uint8
	Addr             [6]byte
	PrimaryPHY       uint8
	SecondaryPHY     uint8
	SID              uint8
	TxPower          int8
	RSSI             int8
	PeriodicInterval uint16
	DirectAddrType   uint8
	DirectAddr       [6]byte
	Data             []byte
}

// NewLEExtendedAdvertisingReport encodes one entry per event. Data beyond
// MaxExtReportData is cut and the entry marked truncated.
func NewLEExtendedAdvertisingReport(r ExtAdvReport) Event {
	if len(r.Data) > MaxExtReportData {
		r.Data = r.Data[:MaxExtReportData]
		r.EventType |= 0x40
	}
	b := make([]byte, 26, 26+len(r.Data))
	b[0] = SubLEExtendedAdvertisingReport
	b[1] = 1
	binary.LittleEndian.PutUint16(b[2:], r.EventType)
	b[4] = r.AddrType
	copy(b[5:11], r.Addr[:])
	b[11] = r.PrimaryPHY
	b[12] = r.SecondaryPHY
	b[13] = r.SID
	b[14] = byte(r.TxPower)
	b[15] = byte(r.RSSI)
	binary.LittleEndian.PutUint16(b[16:], r.PeriodicInterval)
	b[18] = r.DirectAddrType
	copy(b[19:25], r.DirectAddr[:])
	b[25] = byte(len(r.Data))
	return Event{Code: EvtLEMeta, Params: append(b, r.Data...)}
}

// ParseLEExtendedAdvertisingReport decodes the entries of an extended
// report.
func ParseLEExtendedAdvertisingReport(e Event) ([]ExtAdvReport, error) {
	if e.Subevent() != SubLEExtendedAdvertisingReport || len(e.Params) < 2 {
		return nil, errors.Errorf("not an extended advertising report: %v", e)
	}
	n := int(e.Params[1])
	p := e.Params[2:]
	out := make([]ExtAdvReport, n)
	for i := range out {
		if len(p) < 24 {
			return nil, ErrShort
		}
		r := &out[i]
		r.EventType = binary.LittleEndian.Uint16(p)
		r.AddrType = p[2]
		copy(r.Addr[:], p[3:9])
		r.PrimaryPHY = p[9]
		r.SecondaryPHY = p[10]
		r.SID = p[11]
		r.TxPower = int8(p[12])
		r.RSSI = int8(p[13])
		r.PeriodicInterval = binary.LittleEndian.Uint16(p[14:])
		r.DirectAddrType = p[16]
		copy(r.DirectAddr[:], p[17:23])
		l := int(p[23])
		p = p[24:]
		if len(p) < l {
			return nil, ErrShort
		}
		r.Data = p[:l]
		p = p[l:]
	}
	if len(p) != 0 {
		return nil, ErrLength
	}
	return out, nil
}
