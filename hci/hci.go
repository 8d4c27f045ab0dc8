// Package hci is the host side boundary of the controller: HCI packet
// types, command opcodes and parameters, events, ACL data and the status
// codes carried by them [Vol 4, Part E].
package hci

import (
	"fmt"

	"github.com/pkg/errors"
)

// HCI Packet types
const (
	PktTypeCommand uint8 = 0x01
	PktTypeACLData uint8 = 0x02
	PktTypeSCOData uint8 = 0x03
	PktTypeEvent   uint8 = 0x04
	PktTypeVendor  uint8 = 0xFF
)

var (
	ErrShort  = errors.New("hci packet too short")
	ErrLength = errors.New("hci packet length mismatch")
	ErrParams = errors.New("invalid command parameters")
)

// Packet is one H4 packet.
type Packet struct {
	Type uint8
	Body []byte
}

// Marshal prefixes the body with the packet indicator.
func (p Packet) Marshal() []byte {
	return append([]byte{p.Type}, p.Body...)
}

func (p Packet) String() string {
	return fmt.Sprintf("%02x [% x]", p.Type, p.Body)
}

// ParsePacket splits an H4 packet into indicator and body.
func ParsePacket(b []byte) (Packet, error) {
	if len(b) < 1 {
		return Packet{}, ErrShort
	}
	return Packet{Type: b[0], Body: b[1:]}, nil
}

// Transport carries whole HCI packets between host and controller.
type Transport interface {
	ReadPacket() (Packet, error)
	WritePacket(p Packet) error
	Close() error
}

// Opcode builds a command opcode from its group and command fields.
func Opcode(ogf uint8, ocf uint16) uint16 {
	return uint16(ogf)<<10 | ocf&0x03ff
}

// Command opcodes handled by the controller.
const (
	OpDisconnect                   uint16 = 0x0406
	OpReadRemoteVersion            uint16 = 0x041D
	OpSetEventMask                 uint16 = 0x0C01
	OpReset                        uint16 = 0x0C03
	OpReadLocalVersion             uint16 = 0x1001
	OpReadBDADDR                   uint16 = 0x1009
	OpLESetEventMask               uint16 = 0x2001
	OpLEReadBufferSize             uint16 = 0x2002
	OpLEReadLocalFeatures          uint16 = 0x2003
	OpLESetRandomAddress           uint16 = 0x2005
	OpLESetScanParameters          uint16 = 0x200B
	OpLESetScanEnable              uint16 = 0x200C
	OpLECreateConnection           uint16 = 0x200D
	OpLECreateConnectionCancel     uint16 = 0x200E
	OpLEReadFilterAcceptListSize   uint16 = 0x200F
	OpLEClearFilterAcceptList      uint16 = 0x2010
	OpLEAddToFilterAcceptList      uint16 = 0x2011
	OpLERemoveFromFilterAcceptList uint16 = 0x2012
	OpLEConnectionUpdate           uint16 = 0x2013
	OpLESetHostChannelClass        uint16 = 0x2014
	OpLEReadChannelMap             uint16 = 0x2015
	OpLEReadRemoteFeatures         uint16 = 0x2016
	OpLEEnableEncryption           uint16 = 0x2019
	OpLESetDataLength              uint16 = 0x2022
	OpLEReadMaxDataLength          uint16 = 0x202F
	OpLEReadPHY                    uint16 = 0x2030
	OpLESetPHY                     uint16 = 0x2032
)

// Event codes.
const (
	EvtDisconnectionComplete     uint8 = 0x05
	EvtEncryptionChange          uint8 = 0x08
	EvtReadRemoteVersionComplete uint8 = 0x0C
	EvtCommandComplete           uint8 = 0x0E
	EvtCommandStatus             uint8 = 0x0F
	EvtHardwareError             uint8 = 0x10
	EvtNumberOfCompletedPackets  uint8 = 0x13
	EvtLEMeta                    uint8 = 0x3E
)

// LE meta subevent codes.
const (
	SubLEConnectionComplete         uint8 = 0x01
	SubLEAdvertisingReport          uint8 = 0x02
	SubLEConnectionUpdateComplete   uint8 = 0x03
	SubLEReadRemoteFeaturesComplete uint8 = 0x04
	SubLEDataLengthChange           uint8 = 0x07
	SubLEPHYUpdateComplete          uint8 = 0x0C
	SubLEExtendedAdvertisingReport  uint8 = 0x0D
	SubLEChannelSelectionAlgorithm  uint8 = 0x14
)

// Roles in LE Connection Complete.
const (
	RoleCentral    = 0x00
	RolePeripheral = 0x01
)

// PHY values of the LE PHY commands and events.
const (
	PHY1M    uint8 = 0x01
	PHY2M    uint8 = 0x02
	PHYCoded uint8 = 0x03
)
