package conn

import (
	"github.com/rigado/llc/clock"
	"github.com/rigado/llc/pdu"
)

const (
	// Unit is the 1.25 ms unit of intervals and window offsets.
	Unit = 1250 * clock.Microsecond
	// TimeoutUnit is the 10 ms unit of the supervision timeout.
	TimeoutUnit = 10 * clock.Millisecond
	// TransmitWindowDelay separates the end of CONNECT_IND from the
	// transmit window.
	TransmitWindowDelay = Unit
	// ProvisionalEvents bounds the silence of a link that never heard the
	// peripheral.
	ProvisionalEvents = 6
)

// scaPPM maps the sleep clock accuracy field to its worst case drift.
var scaPPM = [8]uint16{500, 250, 150, 100, 75, 50, 30, 20}

// SCAToPPM returns the drift in ppm of a sleep clock accuracy field value.
func SCAToPPM(sca uint8) uint16 { return scaPPM[sca&0x07] }

// PPMToSCA returns the tightest field value that covers ppm.
func PPMToSCA(ppm uint16) uint8 {
	for i := len(scaPPM) - 1; i >= 0; i-- {
		if ppm <= scaPPM[i] {
			return uint8(i)
		}
	}
	return 0
}

// WindowWidening returns how much earlier a receiver opens after being
// unsynchronized for unsync: ceil(unsync * (localPPM+peerPPM) / 1e6) plus
// jitter.
func WindowWidening(unsync clock.Duration, localPPM, peerPPM uint16, jitter clock.Duration) clock.Duration {
	if unsync < 0 {
		unsync = 0
	}
	drift := int64(unsync) * int64(localPPM+peerPPM)
	return clock.Duration((drift+999999)/1000000) + jitter
}

// IntervalDuration converts a connection interval to time.
func IntervalDuration(interval uint16) clock.Duration {
	return clock.Duration(interval) * Unit
}

// TimeoutDuration converts a supervision timeout to time.
func TimeoutDuration(timeout uint16) clock.Duration {
	return clock.Duration(timeout) * TimeoutUnit
}

// phyOf picks the radio PHY of a single PHY preference bit.
func phyOf(mask uint8) pdu.PHY {
	switch mask {
	case pdu.PHYMask2M:
		return pdu.PHY2M
	case pdu.PHYMaskCoded:
		return pdu.PHYCoded
	}
	return pdu.PHY1M
}
