package llc

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/rigado/llc/sliceops"
)

// AddrType is the device address type carried in TxAdd/RxAdd and in HCI
// address type parameters.
type AddrType uint8

const (
	AddrPublic         AddrType = 0x00
	AddrRandom         AddrType = 0x01
	AddrPublicIdentity AddrType = 0x02
	AddrRandomIdentity AddrType = 0x03
)

// Random reports whether the address goes on air with TxAdd/RxAdd set.
func (t AddrType) Random() bool { return t&0x01 != 0 }

func (t AddrType) String() string {
	switch t {
	case AddrPublic:
		return "public"
	case AddrRandom:
		return "random"
	case AddrPublicIdentity:
		return "public-id"
	case AddrRandomIdentity:
		return "random-id"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

// Addr is a device address. Bytes are kept in over-the-air order (LSB
// first), which is also the HCI order.
type Addr struct {
	Type  AddrType
	Bytes [6]byte
}

// NewAddr parses "aa:bb:cc:dd:ee:ff" (MSB first).
func NewAddr(s string, t AddrType) (Addr, error) {
	hexStr := strings.Replace(s, ":", "", -1)

	b, err := hex.DecodeString(hexStr)
	if err != nil {
		return Addr{}, errors.Wrapf(err, "can't decode address %q", s)
	}
	if len(b) != 6 {
		return Addr{}, fmt.Errorf("invalid address length %v", len(b))
	}

	a := Addr{Type: t}
	copy(a.Bytes[:], sliceops.Reverse(b))
	return a, nil
}

// MustAddr is NewAddr that panics, for constants and tests.
func MustAddr(s string, t AddrType) Addr {
	a, err := NewAddr(s, t)
	if err != nil {
		panic(err)
	}
	return a
}

// AddrFromBytes builds an address from an on-air field.
func AddrFromBytes(b []byte, random bool) Addr {
	a := Addr{Type: AddrPublic}
	if random {
		a.Type = AddrRandom
	}
	copy(a.Bytes[:], b)
	return a
}

// Equal compares address value and on-air type.
func (a Addr) Equal(b Addr) bool {
	return a.Bytes == b.Bytes && a.Type.Random() == b.Type.Random()
}

func (a Addr) String() string {
	b := sliceops.Reverse(a.Bytes[:])
	parts := make([]string, len(b))
	for i, v := range b {
		parts[i] = fmt.Sprintf("%02x", v)
	}
	return strings.Join(parts, ":")
}
