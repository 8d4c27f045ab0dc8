package chsel

import "math/bits"

// ChannelID derives the CSA#2 channel identifier from an access address.
func ChannelID(aa uint32) uint16 {
	return uint16(aa>>16) ^ uint16(aa)
}

func perm(v uint16) uint16 {
	return uint16(bits.Reverse8(uint8(v))) | uint16(bits.Reverse8(uint8(v>>8)))<<8
}

func mam(a, b uint16) uint16 {
	return 17*a + b
}

// prnE is the event pseudo random number of CSA#2.
func prnE(counter, chanID uint16) uint16 {
	s := counter ^ chanID
	for i := 0; i < 3; i++ {
		s = perm(s)
		s = mam(s, chanID)
	}
	return s ^ chanID
}

// CSA2 returns the channel of the event with the given counter.
func CSA2(counter, chanID uint16, r *Remap) uint8 {
	e := prnE(counter, chanID)
	unmapped := uint8(e % NumDataChannels)
	if r.Map.Used(unmapped) {
		return unmapped
	}
	idx := (uint32(r.NumUsed()) * uint32(e)) >> 16
	return r.Index(int(idx))
}
