package h4

import (
	"time"

	"github.com/pkg/errors"
	"github.com/rigado/llc/hci"
)

const frameTimeout = 500 * time.Millisecond

var errIncomplete = errors.New("not enough bytes")

// frame reassembles H4 packets from a byte stream. Bytes ahead of a known
// packet indicator are dropped, as is a partial packet that stays
// incomplete for longer than frameTimeout.
type frame struct {
	b       []byte
	typ     byte
	timeout time.Time
	now     func() time.Time
	out     func(hci.Packet)
}

func newFrame(out func(hci.Packet)) *frame {
	return &frame{
		b:   make([]byte, 0, 256),
		now: time.Now,
		out: out,
	}
}

func (f *frame) Assemble(b []byte) {
	if len(b) == 0 {
		return
	}
	if !f.timeout.IsZero() && f.now().After(f.timeout) {
		f.reset()
	}

	for len(b) > 0 {
		if len(f.b) == 0 {
			i := f.waitStart(b)
			if i < 0 {
				return
			}
			b = b[i:]
		}
		f.b = append(f.b, b...)
		b = nil

		rf, err := f.frame()
		if err != nil {
			return
		}
		body := make([]byte, len(rf)-1)
		copy(body, rf[1:])
		f.out(hci.Packet{Type: f.typ, Body: body})

		// shift
		if len(f.b) > len(rf) {
			b = append([]byte(nil), f.b[len(rf):]...)
		}
		f.reset()
	}
}

func (f *frame) reset() {
	f.b = f.b[:0]
	f.timeout = time.Time{}
}

// waitStart returns the offset of the first packet indicator in b.
func (f *frame) waitStart(b []byte) int {
	for i, v := range b {
		switch v {
		case hci.PktTypeCommand, hci.PktTypeACLData, hci.PktTypeEvent:
			f.typ = v
			f.timeout = f.now().Add(frameTimeout)
			return i
		}
	}
	return -1
}

func (f *frame) length() (int, error) {
	switch f.typ {
	case hci.PktTypeCommand:
		if len(f.b) < 4 {
			return 0, errIncomplete
		}
		return int(f.b[3]) + 4, nil
	case hci.PktTypeACLData:
		if len(f.b) < 5 {
			return 0, errIncomplete
		}
		return (int(f.b[3]) | int(f.b[4])<<8) + 5, nil
	case hci.PktTypeEvent:
		if len(f.b) < 3 {
			return 0, errIncomplete
		}
		return int(f.b[2]) + 3, nil
	default:
		return 0, errors.Errorf("invalid packet type %v", f.typ)
	}
}

func (f *frame) frame() ([]byte, error) {
	tl, err := f.length()
	if err != nil {
		return nil, err
	}
	if len(f.b) < tl {
		return nil, errIncomplete
	}
	return f.b[:tl], nil
}
