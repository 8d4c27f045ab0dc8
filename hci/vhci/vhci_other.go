// +build !linux

package vhci

import (
	"github.com/pkg/errors"
	"github.com/rigado/llc/hci"
)

// Transport is only available on linux.
type Transport struct{}

// Open fails on platforms without a virtual HCI driver.
func Open() (*Transport, error) {
	return nil, errors.New("vhci is only available on linux")
}

func (t *Transport) Index() uint16                   { return 0 }
func (t *Transport) ReadPacket() (hci.Packet, error) { return hci.Packet{}, errors.New("vhci not available") }
func (t *Transport) WritePacket(p hci.Packet) error  { return errors.New("vhci not available") }
func (t *Transport) Close() error                    { return nil }
