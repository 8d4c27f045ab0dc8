// Package sliceops holds the byte-order helpers shared by the wire codecs.
package sliceops

// Reverse returns a reversed copy of in. Device addresses travel LSB first
// on air and are printed MSB first.
func Reverse(in []byte) []byte {
	a := make([]byte, 0, len(in))
	a = append(a, in...)
	for i := len(a)/2 - 1; i >= 0; i-- {
		opp := len(a) - 1 - i
		a[i], a[opp] = a[opp], a[i]
	}

	return a
}

// Uint24LE decodes a 24 bit little-endian value, as used by the CRC init and
// AuxPtr fields.
func Uint24LE(b []byte) uint32 {
	_ = b[2]
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16
}

// PutUint24LE encodes the low 24 bits of v little-endian.
func PutUint24LE(b []byte, v uint32) {
	_ = b[2]
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
}
