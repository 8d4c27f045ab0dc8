// Package radio defines the payload the link layer engines hand to the
// baseband through sched.Op, and a simulated baseband that executes it
// against a model of the air.
package radio

import (
	"github.com/pkg/errors"
	"github.com/rigado/llc/clock"
	"github.com/rigado/llc/pdu"
)

// TIFS is the inter frame space.
const TIFS = 150 * clock.Microsecond

// Primary advertising channel indices.
const (
	Channel37 uint8 = 37
	Channel38 uint8 = 38
	Channel39 uint8 = 39
)

// Kind selects the role specific behavior of an operation.
type Kind uint8

const (
	// KindScan listens on a primary advertising channel and may answer
	// with SCAN_REQ or CONNECT_IND.
	KindScan Kind = iota
	// KindAux listens for one auxiliary packet on a secondary channel and
	// may answer with AUX_SCAN_REQ or AUX_CONNECT_REQ.
	KindAux
	// KindConn runs a central connection event.
	KindConn
)

func (k Kind) String() string {
	switch k {
	case KindScan:
		return "scan"
	case KindAux:
		return "aux"
	case KindConn:
		return "conn"
	default:
		return "unknown"
	}
}

// Status is the outcome of one receive.
type Status uint8

const (
	StatusOK Status = iota
	StatusCRC
	StatusTimeout
	StatusAborted
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusCRC:
		return "crc"
	case StatusTimeout:
		return "timeout"
	case StatusAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// ErrPayload is returned by Execute for ops without *Params payload.
var ErrPayload = errors.New("op payload is not *radio.Params")

// Packet is a received advertising channel PDU.
type Packet struct {
	PDU     []byte
	At      clock.Time
	Channel uint8
	PHY     pdu.PHY
	RSSI    int8
}

// End returns the time the last bit of p was received.
func (p *Packet) End() clock.Time {
	return p.At.Add(Airtime(len(p.PDU), p.PHY))
}

// ScanHandler is the scanner and initiator side of a scan or aux op. It
// runs in the interrupt domain.
type ScanHandler interface {
	// RxAdv is called for each advertising PDU received with a good CRC.
	// It returns the PDU to send TIFS after p, or nil.
	RxAdv(p *Packet) []byte
	// RxResponse reports the answer to a request sent by RxAdv; rsp is nil
	// when none arrived. Returning false closes the operation.
	RxResponse(req []byte, txEnd clock.Time, rsp *Packet) bool
}

// ConnHandler is the central side of a connection event. It runs in the
// interrupt domain.
type ConnHandler interface {
	// NextTx returns the data channel PDU opening the next exchange.
	NextTx() []byte
	// Rx reports the peripheral answer of the exchange. Returning false
	// closes the event.
	Rx(rx []byte, status Status, at clock.Time) bool
}

// Params is the radio payload of a sched.Op.
type Params struct {
	Kind          Kind
	Channel       uint8
	AccessAddress uint32
	CRCInit       uint32
	PHY           pdu.PHY

	// RxWindow is how long before the anchor the receiver is opened.
	RxWindow clock.Duration

	Scan ScanHandler
	Conn ConnHandler

	// End is set by the baseband when the operation completed.
	End clock.Time
}

// Airtime returns the on-air time of a PDU of n octets, header included.
func Airtime(n int, phy pdu.PHY) clock.Duration {
	switch phy {
	case pdu.PHY2M:
		// 2 octet preamble, access address, CRC at 4 us per octet
		return clock.Duration(2+4+n+3) * 4
	case pdu.PHYCoded:
		// S=8: 80 us preamble, 256 us access address, CI and TERM1, then
		// 64 us per octet plus TERM2
		return clock.Duration(80+256+16+24) + clock.Duration(n+3)*64 + 24
	default:
		return clock.Duration(1+4+n+3) * 8
	}
}
