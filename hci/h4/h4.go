// Package h4 carries HCI packets over a UART with the H4 framing: one
// packet indicator byte followed by the packet.
package h4

import (
	"io"
	"sync"
	"time"

	"github.com/jacobsa/go-serial/serial"
	"github.com/pkg/errors"
	"github.com/rigado/llc"
	"github.com/rigado/llc/hci"
)

const rxQueueSize = 64

// DefaultSerialOptions returns the UART settings of a host link.
func DefaultSerialOptions() serial.OpenOptions {
	return serial.OpenOptions{
		PortName:              "/dev/ttyACM0",
		BaudRate:              1000000,
		DataBits:              8,
		StopBits:              1,
		RTSCTSFlowControl:     true,
		MinimumReadSize:       0,
		InterCharacterTimeout: 100,
	}
}

// Transport implements hci.Transport over a byte stream.
type Transport struct {
	rw  io.ReadWriteCloser
	log llc.Logger
	wmu sync.Mutex

	rxQueue chan hci.Packet

	done chan struct{}
	cmu  sync.Mutex
}

// Open opens the UART named in opts.
func Open(opts serial.OpenOptions) (*Transport, error) {
	// force these
	opts.MinimumReadSize = 0
	if opts.InterCharacterTimeout == 0 {
		opts.InterCharacterTimeout = 100
	}

	sp, err := serial.Open(opts)
	if err != nil {
		return nil, errors.Wrapf(err, "can't open %v", opts.PortName)
	}
	return New(sp), nil
}

// New runs the H4 framing on rw, which is closed with the transport.
func New(rw io.ReadWriteCloser) *Transport {
	t := &Transport{
		rw:      rw,
		log:     llc.ComponentLogger("h4"),
		rxQueue: make(chan hci.Packet, rxQueueSize),
		done:    make(chan struct{}),
	}
	go t.rxLoop()
	return t
}

// ReadPacket blocks until a packet arrives or the transport closes.
func (t *Transport) ReadPacket() (hci.Packet, error) {
	select {
	case p := <-t.rxQueue:
		return p, nil
	case <-t.done:
		return hci.Packet{}, io.EOF
	}
}

// WritePacket writes p with its indicator.
func (t *Transport) WritePacket(p hci.Packet) error {
	if !t.isOpen() {
		return io.EOF
	}

	t.wmu.Lock()
	defer t.wmu.Unlock()
	_, err := t.rw.Write(p.Marshal())
	return errors.Wrap(err, "can't write h4")
}

// Close stops the receive loop and closes the stream.
func (t *Transport) Close() error {
	t.cmu.Lock()
	defer t.cmu.Unlock()

	select {
	case <-t.done:
		return nil
	default:
		close(t.done)
		t.log.Debug("closing")
		return errors.Wrap(t.rw.Close(), "can't close h4")
	}
}

func (t *Transport) isOpen() bool {
	select {
	case <-t.done:
		return false
	default:
		return true
	}
}

func (t *Transport) rxLoop() {
	f := newFrame(func(p hci.Packet) {
		select {
		case t.rxQueue <- p:
		case <-t.done:
		}
	})
	tmp := make([]byte, 512)
	for t.isOpen() {
		n, err := t.rw.Read(tmp)
		switch {
		case err == io.EOF:
			t.log.Debug("stream closed")
			t.Close()
			return
		case err != nil:
			if t.isOpen() {
				t.log.Warnf("read: %v", err)
			}
			<-time.After(10 * time.Millisecond)
			continue
		}
		f.Assemble(tmp[:n])
	}
}
