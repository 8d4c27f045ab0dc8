// Package llcp runs the link layer control procedures of one connection.
//
// Procedures share a single active slot. A procedure requested while the
// slot is busy is recorded in a pending mask and started when the slot
// frees. Procedures that carry an instant hand their change to the
// connection through Engine.Instant and complete one event after it was
// applied.
package llcp

import (
	"github.com/rigado/llc"
	"github.com/rigado/llc/chsel"
	"github.com/rigado/llc/clock"
	"github.com/rigado/llc/hci"
	"github.com/rigado/llc/pdu"
)

// Proc identifies a control procedure.
type Proc uint8

const (
	ProcNone Proc = iota
	ProcConnUpdate
	ProcConnParam
	ProcChannelMap
	ProcPHYUpdate
	ProcFeatureExchange
	ProcVersionExchange
	ProcDataLength
	ProcPing
	ProcEncryption
	numProcs
)

func (p Proc) String() string {
	switch p {
	case ProcNone:
		return "none"
	case ProcConnUpdate:
		return "conn-update"
	case ProcConnParam:
		return "conn-param"
	case ProcChannelMap:
		return "channel-map"
	case ProcPHYUpdate:
		return "phy-update"
	case ProcFeatureExchange:
		return "feature-exchange"
	case ProcVersionExchange:
		return "version-exchange"
	case ProcDataLength:
		return "data-length"
	case ProcPing:
		return "ping"
	case ProcEncryption:
		return "encryption"
	default:
		return "unknown"
	}
}

// HasInstant reports whether the procedure applies its change at an
// instant.
func (p Proc) HasInstant() bool {
	switch p {
	case ProcConnUpdate, ProcConnParam, ProcChannelMap, ProcPHYUpdate:
		return true
	}
	return false
}

func (p Proc) bit() uint16 { return 1 << p }

// Params are the connection parameters procedures read and change.
type Params struct {
	Interval uint16
	Latency  uint16
	Timeout  uint16
	ChM      chsel.Map
	TxPHY    uint8
	RxPHY    uint8
}

// Request is a locally initiated procedure with its parameters.
type Request struct {
	Proc Proc

	// ProcConnUpdate
	IntervalMin uint16
	IntervalMax uint16
	Latency     uint16
	Timeout     uint16

	// ProcChannelMap
	ChM chsel.Map

	// ProcPHYUpdate
	TxPHYs uint8
	RxPHYs uint8

	// ProcDataLength
	TxOctets uint16
	TxTime   uint16

	// ProcEncryption
	LTK  [16]byte
	Rand [8]byte
	EDIV uint16
}

// Change is an instant bearing parameter change. Zero PHY fields mean no
// change in that direction.
type Change struct {
	Proc      Proc
	Instant   uint16
	WinSize   uint8
	WinOffset uint16
	Interval  uint16
	Latency   uint16
	Timeout   uint16
	ChM       chsel.Map
	TxPHY     uint8
	RxPHY     uint8
}

// DataLength holds the effective data length parameters.
type DataLength struct {
	MaxTxOctets uint16
	MaxTxTime   uint16
	MaxRxOctets uint16
	MaxRxTime   uint16
}

// DefaultDataLength is in effect when a connection is created.
var DefaultDataLength = DataLength{MaxTxOctets: 27, MaxTxTime: 328, MaxRxOctets: 27, MaxRxTime: 328}

// Result is the outcome of a procedure, reported to the host side.
type Result struct {
	Proc   Proc
	Status hci.Status

	Features uint64
	Version  pdu.VersionInd

	Interval uint16
	Latency  uint16
	Timeout  uint16

	TxPHY uint8
	RxPHY uint8

	DataLength DataLength

	Encrypted bool
}

// CCM seals and opens data channel payloads of an encrypted link.
type CCM = llc.CCM

// Cipher derives link CCM contexts.
type Cipher = llc.Cipher

// Link is the connection an engine runs on. The engine calls it from the
// interrupt domain only.
type Link interface {
	Counter() uint16
	Now() clock.Time
	Params() Params
	SendControl(c pdu.Control)
	StartEncryption(ccm CCM)
	SetDataLength(dl DataLength)
	// PeerTerminated reports LL_TERMINATE_IND from the peer.
	PeerTerminated(reason hci.Status)
	// Close ends the link after the current event.
	Close(reason hci.Status)
	Notify(r Result)
}
