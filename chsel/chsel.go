// Package chsel selects data channels for connection events with Channel
// Selection Algorithm #1 and #2.
package chsel

import (
	"fmt"
	"math/bits"

	"github.com/pkg/errors"
)

// NumDataChannels is the number of data channels.
const NumDataChannels = 37

// Map is the 37 bit data channel map, bit n set when channel n is used.
// Byte order matches the ChM field of CONNECT_IND and LL_CHANNEL_MAP_IND.
type Map [5]byte

// AllChannels has every data channel in use.
var AllChannels = Map{0xff, 0xff, 0xff, 0xff, 0x1f}

// ErrTooFewChannels is returned for maps with fewer than two used channels.
var ErrTooFewChannels = errors.New("channel map needs at least 2 used channels")

// Used reports whether channel ch is used.
func (m Map) Used(ch uint8) bool {
	if ch >= NumDataChannels {
		return false
	}
	return m[ch/8]&(1<<(ch%8)) != 0
}

// Count returns the number of used channels.
func (m Map) Count() int {
	n := 0
	for i, b := range m {
		if i == 4 {
			b &= 0x1f
		}
		n += bits.OnesCount8(b)
	}
	return n
}

// Validate checks the reserved bits and the used channel count.
func (m Map) Validate() error {
	switch {
	case m[4]&0xe0 != 0:
		return errors.Errorf("reserved channel map bits set: %02x", m[4])
	case m.Count() < 2:
		return ErrTooFewChannels
	}
	return nil
}

// And returns the channels used in both maps.
func (m Map) And(o Map) Map {
	var r Map
	for i := range m {
		r[i] = m[i] & o[i]
	}
	return r
}

func (m Map) String() string {
	return fmt.Sprintf("%02x%02x%02x%02x%02x", m[4], m[3], m[2], m[1], m[0])
}

// Remap holds the used channels in ascending order. It is rebuilt with
// NewRemap whenever the channel map changes.
type Remap struct {
	Map  Map
	used []uint8
}

// NewRemap builds the remapping table of m.
func NewRemap(m Map) *Remap {
	r := &Remap{Map: m, used: make([]uint8, 0, NumDataChannels)}
	for ch := uint8(0); ch < NumDataChannels; ch++ {
		if m.Used(ch) {
			r.used = append(r.used, ch)
		}
	}
	return r
}

// NumUsed returns the used channel count.
func (r *Remap) NumUsed() int { return len(r.used) }

// Index returns the used channel at remapping index i.
func (r *Remap) Index(i int) uint8 { return r.used[i] }
