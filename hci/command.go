package hci

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
)

// Command is one HCI command packet without the H4 indicator.
type Command struct {
	Opcode uint16
	Params []byte
}

// OGF returns the opcode group field.
func (c Command) OGF() uint8 { return uint8(c.Opcode >> 10) }

// OCF returns the opcode command field.
func (c Command) OCF() uint16 { return c.Opcode & 0x03ff }

func (c Command) String() string {
	return fmt.Sprintf("cmd 0x%04x [% x]", c.Opcode, c.Params)
}

// DecodeCommand parses the body of a command packet.
func DecodeCommand(b []byte) (Command, error) {
	if len(b) < 3 {
		return Command{}, ErrShort
	}
	n := int(b[2])
	if len(b) != 3+n {
		return Command{}, errors.Wrapf(ErrLength, "command 0x%04x: want %d, have %d", binary.LittleEndian.Uint16(b), n, len(b)-3)
	}
	return Command{Opcode: binary.LittleEndian.Uint16(b), Params: b[3:]}, nil
}

// Marshal returns the body of the command packet.
func (c Command) Marshal() []byte {
	b := make([]byte, 3, 3+len(c.Params))
	binary.LittleEndian.PutUint16(b, c.Opcode)
	b[2] = byte(len(c.Params))
	return append(b, c.Params...)
}

// Packet wraps c for a transport.
func (c Command) Packet() Packet {
	return Packet{Type: PktTypeCommand, Body: c.Marshal()}
}

// Decode reads the parameters into v, a pointer to a fixed size struct.
// The parameter length must match exactly.
func (c Command) Decode(v interface{}) error {
	if n := binary.Size(v); n != len(c.Params) {
		return errors.Wrapf(ErrParams, "command 0x%04x: want %d bytes, have %d", c.Opcode, n, len(c.Params))
	}
	return binary.Read(bytes.NewReader(c.Params), binary.LittleEndian, v)
}

// NewCommand encodes v as the parameters of op. A nil v yields a command
// without parameters.
func NewCommand(op uint16, v interface{}) Command {
	c := Command{Opcode: op}
	if v == nil {
		return c
	}
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, v)
	c.Params = buf.Bytes()
	return c
}

// Disconnect (0x01|0x0006)
type Disconnect struct {
	Handle uint16
	Reason uint8
}

// ConnHandle is the parameter of commands that only name a connection:
// Read Remote Version Information, LE Read Remote Features, LE Read
// Channel Map and LE Read PHY.
type ConnHandle struct {
	Handle uint16
}

// SetEventMask (0x03|0x0001) and LE Set Event Mask (0x08|0x0001)
type SetEventMask struct {
	Mask uint64
}

// LESetRandomAddress (0x08|0x0005)
type LESetRandomAddress struct {
	Addr [6]byte
}

// LESetScanParameters (0x08|0x000B)
type LESetScanParameters struct {
	Type        uint8
	Interval    uint16
	Window      uint16
	OwnAddrType uint8
	Policy      uint8
}

// LESetScanEnable (0x08|0x000C)
type LESetScanEnable struct {
	Enable           uint8
	FilterDuplicates uint8
}

// LECreateConnection (0x08|0x000D)
type LECreateConnection struct {
	ScanInterval uint16
	ScanWindow   uint16
	Policy       uint8
	PeerAddrType uint8
	PeerAddr     [6]byte
	OwnAddrType  uint8
	IntervalMin  uint16
	IntervalMax  uint16
	Latency      uint16
	Timeout      uint16
	MinCELength  uint16
	MaxCELength  uint16
}

// FilterAcceptListDevice is the parameter of LE Add Device To and LE
// Remove Device From Filter Accept List.
type FilterAcceptListDevice struct {
	AddrType uint8
	Addr     [6]byte
}

// LEConnectionUpdate (0x08|0x0013)
type LEConnectionUpdate struct {
	Handle      uint16
	IntervalMin uint16
	IntervalMax uint16
	Latency     uint16
	Timeout     uint16
	MinCELength uint16
	MaxCELength uint16
}

// LESetHostChannelClass (0x08|0x0014)
type LESetHostChannelClass struct {
	ChM [5]byte
}

// LEEnableEncryption (0x08|0x0019)
type LEEnableEncryption struct {
	Handle uint16
	Rand   [8]byte
	EDIV   uint16
	LTK    [16]byte
}

// LESetDataLength (0x08|0x0022)
type LESetDataLength struct {
	Handle   uint16
	TxOctets uint16
	TxTime   uint16
}

// LESetPHY (0x08|0x0032)
type LESetPHY struct {
	Handle  uint16
	AllPHYs uint8
	TxPHYs  uint8
	RxPHYs  uint8
	Options uint16
}

// Return parameters of Command Complete. Status leads each of them.

// StatusRP is the return parameter of commands that only report a status.
type StatusRP struct {
	Status uint8
}

// HandleRP is returned by commands that operate on one connection.
type HandleRP struct {
	Status uint8
	Handle uint16
}

// ReadLocalVersionRP (0x04|0x0001)
type ReadLocalVersionRP struct {
	Status        uint8
	HCIVersion    uint8
	HCIRevision   uint16
	LMPVersion    uint8
	Manufacturer  uint16
	LMPSubversion uint16
}

// ReadBDADDRRP (0x04|0x0009)
type ReadBDADDRRP struct {
	Status uint8
	Addr   [6]byte
}

// LEReadBufferSizeRP (0x08|0x0002)
type LEReadBufferSizeRP struct {
	Status    uint8
	ACLLength uint16
	ACLNum    uint8
}

// LEReadLocalFeaturesRP (0x08|0x0003)
type LEReadLocalFeaturesRP struct {
	Status   uint8
	Features uint64
}

// LEReadFilterAcceptListSizeRP (0x08|0x000F)
type LEReadFilterAcceptListSizeRP struct {
	Status uint8
	Size   uint8
}

// LEReadChannelMapRP (0x08|0x0015)
type LEReadChannelMapRP struct {
	Status uint8
	Handle uint16
	ChM    [5]byte
}

// LEReadMaxDataLengthRP (0x08|0x002F)
type LEReadMaxDataLengthRP struct {
	Status      uint8
	MaxTxOctets uint16
	MaxTxTime   uint16
	MaxRxOctets uint16
	MaxRxTime   uint16
}

// LEReadPHYRP (0x08|0x0030)
type LEReadPHYRP struct {
	Status uint8
	Handle uint16
	TxPHY  uint8
	RxPHY  uint8
}
