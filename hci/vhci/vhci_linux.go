package vhci

import (
	"io"
	"sync"

	"github.com/pkg/errors"
	"github.com/rigado/llc"
	"github.com/rigado/llc/hci"
	"golang.org/x/sys/unix"
)

const (
	readTimeout    = 1000
	createTimeout  = 1000
	unixPollErrors = int16(unix.POLLHUP | unix.POLLNVAL | unix.POLLERR)
	unixPollDataIn = int16(unix.POLLIN)
)

// Transport implements hci.Transport on /dev/vhci.
type Transport struct {
	fd    int
	index uint16
	log   llc.Logger

	rmu  sync.Mutex
	wmu  sync.Mutex
	done chan struct{}
	cmu  sync.Mutex
}

// Open creates a virtual HCI device.
func Open() (*Transport, error) {
	fd, err := unix.Open(DevicePath, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "can't open %v", DevicePath)
	}
	if _, err := unix.Write(fd, createRequest); err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, "can't create vhci device")
	}

	pfds := []unix.PollFd{{Fd: int32(fd), Events: unixPollDataIn}}
	unix.Poll(pfds, createTimeout)
	if pfds[0].Revents&unixPollDataIn == 0 {
		unix.Close(fd)
		return nil, errors.New("no vhci create response")
	}
	b := make([]byte, 16)
	n, err := unix.Read(fd, b)
	if err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, "can't read vhci create response")
	}
	idx, err := parseIndex(b[:n])
	if err != nil {
		unix.Close(fd)
		return nil, err
	}

	t := &Transport{
		fd:    fd,
		index: idx,
		log:   llc.ComponentLogger("vhci"),
		done:  make(chan struct{}),
	}
	t.log.Infof("registered hci%d", idx)
	return t, nil
}

// Index returns the N of the hciN device.
func (t *Transport) Index() uint16 { return t.index }

// ReadPacket blocks until the kernel hands over a packet. The driver
// delivers exactly one packet per read.
func (t *Transport) ReadPacket() (hci.Packet, error) {
	t.rmu.Lock()
	defer t.rmu.Unlock()

	b := make([]byte, 2048)
	for {
		if !t.isOpen() {
			return hci.Packet{}, io.EOF
		}
		// dont need to add unixPollErrors, they are always returned
		pfds := []unix.PollFd{{Fd: int32(t.fd), Events: unixPollDataIn}}
		unix.Poll(pfds, readTimeout)
		evts := pfds[0].Revents

		switch {
		case evts&unixPollErrors != 0:
			t.log.Errorf("poll events 0x%04x", evts)
			return hci.Packet{}, io.EOF

		case evts&unixPollDataIn != 0:
			n, err := unix.Read(t.fd, b)
			if err != nil {
				return hci.Packet{}, errors.Wrap(err, "can't read vhci")
			}
			if !t.isOpen() {
				return hci.Packet{}, io.EOF
			}
			return hci.ParsePacket(append([]byte(nil), b[:n]...))

		default:
			// read timeout
		}
	}
}

// WritePacket hands p to the kernel in one write.
func (t *Transport) WritePacket(p hci.Packet) error {
	if !t.isOpen() {
		return io.EOF
	}

	t.wmu.Lock()
	defer t.wmu.Unlock()
	_, err := unix.Write(t.fd, p.Marshal())
	return errors.Wrap(err, "can't write vhci")
}

// Close unregisters the device.
func (t *Transport) Close() error {
	t.cmu.Lock()
	defer t.cmu.Unlock()

	select {
	case <-t.done:
		return nil
	default:
		close(t.done)
		t.log.Debug("closing")
		t.rmu.Lock()
		err := unix.Close(t.fd)
		t.rmu.Unlock()
		return errors.Wrap(err, "can't close vhci")
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
