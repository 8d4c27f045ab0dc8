// Package vhci exposes the controller to the local Linux Bluetooth stack
// through the virtual HCI driver. The kernel registers a new hciN device
// and relays its commands and ACL data to the controller.
package vhci

import (
	"github.com/pkg/errors"
	"github.com/rigado/llc/hci"
)

// DevicePath is the virtual HCI character device.
const DevicePath = "/dev/vhci"

// device types of the create request
const (
	typePrimary = 0x00
	typeAMP     = 0x01
)

var createRequest = []byte{hci.PktTypeVendor, typePrimary}

// parseIndex reads the device index out of the answer to createRequest.
func parseIndex(b []byte) (uint16, error) {
	if len(b) != 4 || b[0] != hci.PktTypeVendor {
		return 0, errors.Errorf("unexpected vhci create response [% x]", b)
	}
	if b[1] != typePrimary {
		return 0, errors.Errorf("unexpected vhci device type %d", b[1])
	}
	return uint16(b[2]) | uint16(b[3])<<8, nil
}
