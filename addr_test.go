package llc

import "testing"

func TestAddrRoundTrip(t *testing.T) {
	a, err := NewAddr("C0:11:22:33:44:55", AddrRandom)
	if err != nil {
		t.Fatalf("expected nil error but got %s instead", err)
	}
	if a.Bytes[0] != 0x55 || a.Bytes[5] != 0xc0 {
		t.Fatalf("expected LSB first storage, got % X", a.Bytes)
	}
	if a.String() != "c0:11:22:33:44:55" {
		t.Fatalf("unexpected string %s", a)
	}

	b := AddrFromBytes(a.Bytes[:], true)
	if !a.Equal(b) {
		t.Fatalf("expected %v == %v", a, b)
	}
	if a.Equal(AddrFromBytes(a.Bytes[:], false)) {
		t.Fatalf("expected type mismatch to compare unequal")
	}
}

func TestAddrBad(t *testing.T) {
	if _, err := NewAddr("zz:11", AddrPublic); err == nil {
		t.Fatal("no error on malformed address")
	}
	if _, err := NewAddr("11:22:33", AddrPublic); err == nil {
		t.Fatal("no error on short address")
	}
}
