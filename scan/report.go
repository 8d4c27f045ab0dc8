package scan

import (
	"github.com/rigado/llc"
	"github.com/rigado/llc/pdu"
)

// Event type bits of an extended advertising report.
const (
	EventConnectable  uint16 = 1 << 0
	EventScannable    uint16 = 1 << 1
	EventDirected     uint16 = 1 << 2
	EventScanResponse uint16 = 1 << 3
	EventLegacy       uint16 = 1 << 4
)

const (
	// NoSID marks a report without advertising set identifier.
	NoSID uint8 = 0xff
	// NoTxPower marks a report without TX power.
	NoTxPower int8 = 127
	// NoPHY is the secondary PHY of a report received on the primary
	// channel only.
	NoPHY pdu.PHY = 0xff
)

// Report is one received advertisement or scan response.
type Report struct {
	EventType uint16
	// Legacy is the PDU type of a legacy report.
	Legacy pdu.AdvType

	Addr   llc.Addr
	Direct *llc.Addr

	PrimaryPHY   pdu.PHY
	SecondaryPHY pdu.PHY
	SID          uint8
	TxPower      int8
	RSSI         int8
	Data         []byte
}

// Extended reports whether r came from extended advertising.
func (r Report) Extended() bool { return r.EventType&EventLegacy == 0 }

// legacyEventType maps a legacy PDU to its extended report event type. For
// SCAN_RSP, to is the type of the advertisement that was answered.
func legacyEventType(t, to pdu.AdvType) uint16 {
	switch t {
	case pdu.TypeAdvInd:
		return EventLegacy | EventConnectable | EventScannable
	case pdu.TypeAdvDirectInd:
		return EventLegacy | EventConnectable | EventDirected
	case pdu.TypeAdvScanInd:
		return EventLegacy | EventScannable
	case pdu.TypeScanRsp:
		return legacyEventType(to, 0) | EventScanResponse
	default:
		return EventLegacy
	}
}

func extEventType(e pdu.Ext) uint16 {
	var t uint16
	switch e.Mode {
	case pdu.ModeConnectable:
		t |= EventConnectable
	case pdu.ModeScannable:
		t |= EventScannable
	}
	if e.TargetA != nil {
		t |= EventDirected
	}
	return t
}

func extReport(e pdu.Ext, primary, secondary pdu.PHY, rssi int8) Report {
	r := Report{
		EventType:    extEventType(e),
		Addr:         *e.AdvA,
		PrimaryPHY:   primary,
		SecondaryPHY: secondary,
		SID:          NoSID,
		TxPower:      NoTxPower,
		RSSI:         rssi,
		Data:         append([]byte(nil), e.Data...),
	}
	if e.TargetA != nil {
		d := *e.TargetA
		r.Direct = &d
	}
	if e.ADI != nil {
		r.SID = e.ADI.SID
	}
	if e.TxPower != nil {
		r.TxPower = *e.TxPower
	}
	return r
}
