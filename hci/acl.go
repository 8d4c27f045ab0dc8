package hci

import (
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
)

// Packet boundary flags of ACL data.
const (
	PBFirstNonFlushable uint8 = 0x00
	PBContinuing        uint8 = 0x01
	PBFirstFlushable    uint8 = 0x02
)

// ACL is one ACL data packet without the H4 indicator.
type ACL struct {
	Handle uint16
	PB     uint8
	BC     uint8
	Data   []byte
}

func (a ACL) String() string {
	return fmt.Sprintf("acl 0x%03x pb %d [% x]", a.Handle, a.PB, a.Data)
}

// Start reports whether a starts an L2CAP frame.
func (a ACL) Start() bool { return a.PB != PBContinuing }

// ParseACL parses the body of an ACL data packet.
func ParseACL(b []byte) (ACL, error) {
	if len(b) < 4 {
		return ACL{}, ErrShort
	}
	h := binary.LittleEndian.Uint16(b)
	n := int(binary.LittleEndian.Uint16(b[2:]))
	if len(b) != 4+n {
		return ACL{}, errors.Wrapf(ErrLength, "acl 0x%03x: want %d, have %d", h&0x0fff, n, len(b)-4)
	}
	return ACL{
		Handle: h & 0x0fff,
		PB:     uint8(h>>12) & 0x03,
		BC:     uint8(h>>14) & 0x03,
		Data:   b[4:],
	}, nil
}

// Marshal returns the body of the ACL packet.
func (a ACL) Marshal() []byte {
	b := make([]byte, 4, 4+len(a.Data))
	binary.LittleEndian.PutUint16(b, a.Handle&0x0fff|uint16(a.PB&0x03)<<12|uint16(a.BC&0x03)<<14)
	binary.LittleEndian.PutUint16(b[2:], uint16(len(a.Data)))
	return append(b, a.Data...)
}

// Packet wraps a for a transport.
func (a ACL) Packet() Packet {
	return Packet{Type: PktTypeACLData, Body: a.Marshal()}
}
