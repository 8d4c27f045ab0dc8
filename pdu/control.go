package pdu

import (
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
)

// Opcode is the first octet of an LL control PDU.
type Opcode uint8

const (
	OpConnectionUpdateInd  Opcode = 0x00
	OpChannelMapInd        Opcode = 0x01
	OpTerminateInd         Opcode = 0x02
	OpEncReq               Opcode = 0x03
	OpEncRsp               Opcode = 0x04
	OpStartEncReq          Opcode = 0x05
	OpStartEncRsp          Opcode = 0x06
	OpUnknownRsp           Opcode = 0x07
	OpFeatureReq           Opcode = 0x08
	OpFeatureRsp           Opcode = 0x09
	OpPauseEncReq          Opcode = 0x0A
	OpPauseEncRsp          Opcode = 0x0B
	OpVersionInd           Opcode = 0x0C
	OpRejectInd            Opcode = 0x0D
	OpPeripheralFeatureReq Opcode = 0x0E
	OpConnectionParamReq   Opcode = 0x0F
	OpConnectionParamRsp   Opcode = 0x10
	OpRejectExtInd         Opcode = 0x11
	OpPingReq              Opcode = 0x12
	OpPingRsp              Opcode = 0x13
	OpLengthReq            Opcode = 0x14
	OpLengthRsp            Opcode = 0x15
	OpPhyReq               Opcode = 0x16
	OpPhyRsp               Opcode = 0x17
	OpPhyUpdateInd         Opcode = 0x18
	OpMinUsedChannelsInd   Opcode = 0x19
)

// payloadLen is the CtrData length of each supported opcode.
var payloadLen = map[Opcode]int{
	OpConnectionUpdateInd:  11,
	OpChannelMapInd:        7,
	OpTerminateInd:         1,
	OpEncReq:               22,
	OpEncRsp:               12,
	OpStartEncReq:          0,
	OpStartEncRsp:          0,
	OpUnknownRsp:           1,
	OpFeatureReq:           8,
	OpFeatureRsp:           8,
	OpPauseEncReq:          0,
	OpPauseEncRsp:          0,
	OpVersionInd:           5,
	OpRejectInd:            1,
	OpPeripheralFeatureReq: 8,
	OpConnectionParamReq:   23,
	OpConnectionParamRsp:   23,
	OpRejectExtInd:         2,
	OpPingReq:              0,
	OpPingRsp:              0,
	OpLengthReq:            8,
	OpLengthRsp:            8,
	OpPhyReq:               2,
	OpPhyRsp:               2,
	OpPhyUpdateInd:         4,
	OpMinUsedChannelsInd:   2,
}

// Known reports whether op is a control opcode this link layer understands.
func (op Opcode) Known() bool {
	_, ok := payloadLen[op]
	return ok
}

func (op Opcode) String() string {
	return fmt.Sprintf("LL_CTRL(0x%02x)", uint8(op))
}

// ErrUnknownOpcode is returned by ParseControl for opcodes that must be
// answered with LL_UNKNOWN_RSP.
var ErrUnknownOpcode = errors.New("unknown control opcode")

// Control is an LL control PDU payload.
type Control interface {
	Opcode() Opcode
	put(b []byte)
	get(b []byte)
}

// MarshalControl encodes c as opcode plus CtrData.
func MarshalControl(c Control) []byte {
	op := c.Opcode()
	b := make([]byte, 1+payloadLen[op])
	b[0] = byte(op)
	c.put(b[1:])
	return b
}

// ControlPDU wraps c into a data channel PDU with LLID control.
func ControlPDU(c Control) Data {
	return Data{Header: DataHeader{LLID: LLIDControl}, Payload: MarshalControl(c)}
}

// ParseControl decodes an LL control PDU payload. Unknown opcodes yield
// ErrUnknownOpcode together with the opcode; wrong lengths yield ErrLength.
func ParseControl(b []byte) (Control, Opcode, error) {
	if len(b) < 1 {
		return nil, 0, ErrShort
	}
	op := Opcode(b[0])
	n, ok := payloadLen[op]
	if !ok {
		return nil, op, errors.Wrapf(ErrUnknownOpcode, "0x%02x", b[0])
	}
	if len(b)-1 != n {
		return nil, op, errors.Wrapf(ErrLength, "%v: want %d, have %d", op, n, len(b)-1)
	}
	c := newControl(op)
	c.get(b[1:])
	return c, op, nil
}

func newControl(op Opcode) Control {
	switch op {
	case OpConnectionUpdateInd:
		return &ConnectionUpdateInd{}
	case OpChannelMapInd:
		return &ChannelMapInd{}
	case OpTerminateInd:
		return &TerminateInd{}
	case OpEncReq:
		return &EncReq{}
	case OpEncRsp:
		return &EncRsp{}
	case OpStartEncReq, OpStartEncRsp, OpPauseEncReq, OpPauseEncRsp, OpPingReq, OpPingRsp:
		return &Bare{Op: op}
	case OpUnknownRsp:
		return &UnknownRsp{}
	case OpFeatureReq, OpFeatureRsp, OpPeripheralFeatureReq:
		return &Features{Op: op}
	case OpVersionInd:
		return &VersionInd{}
	case OpRejectInd:
		return &RejectInd{}
	case OpConnectionParamReq, OpConnectionParamRsp:
		return &ConnectionParam{Op: op}
	case OpRejectExtInd:
		return &RejectExtInd{}
	case OpLengthReq, OpLengthRsp:
		return &Length{Op: op}
	case OpPhyReq, OpPhyRsp:
		return &Phy{Op: op}
	case OpPhyUpdateInd:
		return &PhyUpdateInd{}
	case OpMinUsedChannelsInd:
		return &MinUsedChannelsInd{}
	}
	return nil
}

var le = binary.LittleEndian

// ConnectionUpdateInd is LL_CONNECTION_UPDATE_IND.
type ConnectionUpdateInd struct {
	WinSize   uint8
	WinOffset uint16
	Interval  uint16
	Latency   uint16
	Timeout   uint16
	Instant   uint16
}

func (*ConnectionUpdateInd) Opcode() Opcode { return OpConnectionUpdateInd }
func (p *ConnectionUpdateInd) put(b []byte) {
	b[0] = p.WinSize
	le.PutUint16(b[1:], p.WinOffset)
	le.PutUint16(b[3:], p.Interval)
	le.PutUint16(b[5:], p.Latency)
	le.PutUint16(b[7:], p.Timeout)
	le.PutUint16(b[9:], p.Instant)
}
func (p *ConnectionUpdateInd) get(b []byte) {
	p.WinSize = b[0]
	p.WinOffset = le.Uint16(b[1:])
	p.Interval = le.Uint16(b[3:])
	p.Latency = le.Uint16(b[5:])
	p.Timeout = le.Uint16(b[7:])
	p.Instant = le.Uint16(b[9:])
}

// ChannelMapInd is LL_CHANNEL_MAP_IND.
type ChannelMapInd struct {
	ChM     [5]byte
	Instant uint16
}

func (*ChannelMapInd) Opcode() Opcode { return OpChannelMapInd }
func (p *ChannelMapInd) put(b []byte) {
	copy(b, p.ChM[:])
	le.PutUint16(b[5:], p.Instant)
}
func (p *ChannelMapInd) get(b []byte) {
	copy(p.ChM[:], b[:5])
	p.Instant = le.Uint16(b[5:])
}

// TerminateInd is LL_TERMINATE_IND.
type TerminateInd struct {
	ErrorCode uint8
}

func (*TerminateInd) Opcode() Opcode { return OpTerminateInd }
func (p *TerminateInd) put(b []byte) { b[0] = p.ErrorCode }
func (p *TerminateInd) get(b []byte) { p.ErrorCode = b[0] }

// EncReq is LL_ENC_REQ.
type EncReq struct {
	Rand [8]byte
	EDIV uint16
	SKDm [8]byte
	IVm  [4]byte
}

func (*EncReq) Opcode() Opcode { return OpEncReq }
func (p *EncReq) put(b []byte) {
	copy(b[0:], p.Rand[:])
	le.PutUint16(b[8:], p.EDIV)
	copy(b[10:], p.SKDm[:])
	copy(b[18:], p.IVm[:])
}
func (p *EncReq) get(b []byte) {
	copy(p.Rand[:], b[0:8])
	p.EDIV = le.Uint16(b[8:])
	copy(p.SKDm[:], b[10:18])
	copy(p.IVm[:], b[18:22])
}

// EncRsp is LL_ENC_RSP.
type EncRsp struct {
	SKDs [8]byte
	IVs  [4]byte
}

func (*EncRsp) Opcode() Opcode { return OpEncRsp }
func (p *EncRsp) put(b []byte) {
	copy(b[0:], p.SKDs[:])
	copy(b[8:], p.IVs[:])
}
func (p *EncRsp) get(b []byte) {
	copy(p.SKDs[:], b[0:8])
	copy(p.IVs[:], b[8:12])
}

// Bare is a control PDU without CtrData: LL_START_ENC_REQ/RSP,
// LL_PAUSE_ENC_REQ/RSP and LL_PING_REQ/RSP.
type Bare struct {
	Op Opcode
}

func (p *Bare) Opcode() Opcode { return p.Op }
func (*Bare) put([]byte)       {}
func (*Bare) get([]byte)       {}

// UnknownRsp is LL_UNKNOWN_RSP.
type UnknownRsp struct {
	UnknownType Opcode
}

func (*UnknownRsp) Opcode() Opcode { return OpUnknownRsp }
func (p *UnknownRsp) put(b []byte) { b[0] = byte(p.UnknownType) }
func (p *UnknownRsp) get(b []byte) { p.UnknownType = Opcode(b[0]) }

// Features is LL_FEATURE_REQ, LL_FEATURE_RSP or LL_PERIPHERAL_FEATURE_REQ.
type Features struct {
	Op         Opcode
	FeatureSet uint64
}

func (p *Features) Opcode() Opcode { return p.Op }
func (p *Features) put(b []byte)   { le.PutUint64(b, p.FeatureSet) }
func (p *Features) get(b []byte)   { p.FeatureSet = le.Uint64(b) }

// VersionInd is LL_VERSION_IND.
type VersionInd struct {
	VersNr    uint8
	CompID    uint16
	SubVersNr uint16
}

func (*VersionInd) Opcode() Opcode { return OpVersionInd }
func (p *VersionInd) put(b []byte) {
	b[0] = p.VersNr
	le.PutUint16(b[1:], p.CompID)
	le.PutUint16(b[3:], p.SubVersNr)
}
func (p *VersionInd) get(b []byte) {
	p.VersNr = b[0]
	p.CompID = le.Uint16(b[1:])
	p.SubVersNr = le.Uint16(b[3:])
}

// RejectInd is LL_REJECT_IND.
type RejectInd struct {
	ErrorCode uint8
}

func (*RejectInd) Opcode() Opcode { return OpRejectInd }
func (p *RejectInd) put(b []byte) { b[0] = p.ErrorCode }
func (p *RejectInd) get(b []byte) { p.ErrorCode = b[0] }

// ConnectionParam is LL_CONNECTION_PARAM_REQ or LL_CONNECTION_PARAM_RSP.
type ConnectionParam struct {
	Op                    Opcode
	IntervalMin           uint16
	IntervalMax           uint16
	Latency               uint16
	Timeout               uint16
	PreferredPeriodicity  uint8
	ReferenceConnEventCnt uint16
	Offsets               [6]uint16
}

func (p *ConnectionParam) Opcode() Opcode { return p.Op }
func (p *ConnectionParam) put(b []byte) {
	le.PutUint16(b[0:], p.IntervalMin)
	le.PutUint16(b[2:], p.IntervalMax)
	le.PutUint16(b[4:], p.Latency)
	le.PutUint16(b[6:], p.Timeout)
	b[8] = p.PreferredPeriodicity
	le.PutUint16(b[9:], p.ReferenceConnEventCnt)
	for i, o := range p.Offsets {
		le.PutUint16(b[11+2*i:], o)
	}
}
func (p *ConnectionParam) get(b []byte) {
	p.IntervalMin = le.Uint16(b[0:])
	p.IntervalMax = le.Uint16(b[2:])
	p.Latency = le.Uint16(b[4:])
	p.Timeout = le.Uint16(b[6:])
	p.PreferredPeriodicity = b[8]
	p.ReferenceConnEventCnt = le.Uint16(b[9:])
	for i := range p.Offsets {
		p.Offsets[i] = le.Uint16(b[11+2*i:])
	}
}

// RejectExtInd is LL_REJECT_EXT_IND.
type RejectExtInd struct {
	RejectOpcode Opcode
	ErrorCode    uint8
}

func (*RejectExtInd) Opcode() Opcode { return OpRejectExtInd }
func (p *RejectExtInd) put(b []byte) {
	b[0] = byte(p.RejectOpcode)
	b[1] = p.ErrorCode
}
func (p *RejectExtInd) get(b []byte) {
	p.RejectOpcode = Opcode(b[0])
	p.ErrorCode = b[1]
}

// Length is LL_LENGTH_REQ or LL_LENGTH_RSP.
type Length struct {
	Op          Opcode
	MaxRxOctets uint16
	MaxRxTime   uint16
	MaxTxOctets uint16
	MaxTxTime   uint16
}

func (p *Length) Opcode() Opcode { return p.Op }
func (p *Length) put(b []byte) {
	le.PutUint16(b[0:], p.MaxRxOctets)
	le.PutUint16(b[2:], p.MaxRxTime)
	le.PutUint16(b[4:], p.MaxTxOctets)
	le.PutUint16(b[6:], p.MaxTxTime)
}
func (p *Length) get(b []byte) {
	p.MaxRxOctets = le.Uint16(b[0:])
	p.MaxRxTime = le.Uint16(b[2:])
	p.MaxTxOctets = le.Uint16(b[4:])
	p.MaxTxTime = le.Uint16(b[6:])
}

// PHY preference bits used by the PHY procedures.
const (
	PHYMask1M    uint8 = 1 << 0
	PHYMask2M    uint8 = 1 << 1
	PHYMaskCoded uint8 = 1 << 2
)

// Phy is LL_PHY_REQ or LL_PHY_RSP.
type Phy struct {
	Op    Opcode
	TxPHY uint8
	RxPHY uint8
}

func (p *Phy) Opcode() Opcode { return p.Op }
func (p *Phy) put(b []byte) {
	b[0] = p.TxPHY
	b[1] = p.RxPHY
}
func (p *Phy) get(b []byte) {
	p.TxPHY = b[0]
	p.RxPHY = b[1]
}

// PhyUpdateInd is LL_PHY_UPDATE_IND. Zero masks mean no change in that
// direction.
type PhyUpdateInd struct {
	CentralToPeripheral uint8
	PeripheralToCentral uint8
	Instant             uint16
}

func (*PhyUpdateInd) Opcode() Opcode { return OpPhyUpdateInd }
func (p *PhyUpdateInd) put(b []byte) {
	b[0] = p.CentralToPeripheral
	b[1] = p.PeripheralToCentral
	le.PutUint16(b[2:], p.Instant)
}
func (p *PhyUpdateInd) get(b []byte) {
	p.CentralToPeripheral = b[0]
	p.PeripheralToCentral = b[1]
	p.Instant = le.Uint16(b[2:])
}

// MinUsedChannelsInd is LL_MIN_USED_CHANNELS_IND.
type MinUsedChannelsInd struct {
	PHYs            uint8
	MinUsedChannels uint8
}

func (*MinUsedChannelsInd) Opcode() Opcode { return OpMinUsedChannelsInd }
func (p *MinUsedChannelsInd) put(b []byte) {
	b[0] = p.PHYs
	b[1] = p.MinUsedChannels
}
func (p *MinUsedChannelsInd) get(b []byte) {
	p.PHYs = b[0]
	p.MinUsedChannels = b[1]
}
