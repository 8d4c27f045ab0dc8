package llc

import (
	"time"
)

// CCM seals and opens data channel payloads of an encrypted link.
type CCM interface {
	Seal(hdr byte, payload []byte) []byte
	Open(hdr byte, payload []byte) ([]byte, error)
}

// Cipher derives link CCM contexts. It is supplied by the platform that
// owns the AES engine.
type Cipher interface {
	NewCCM(ltk [16]byte, skd [16]byte, iv [8]byte) (CCM, error)
}

// DeviceOption is an interface which the controller should implement to allow using configuration options
type DeviceOption interface {
	SetAddress(a Addr) error
	SetMaxConns(n int) error
	SetAcceptListSize(n int) error
	SetACLBuffers(n int) error
	SetDedupSize(n int) error
	SetSeed(seed int64) error
	SetLocalPPM(ppm uint16) error
	SetVersion(versNr uint8, compID, subVersNr uint16) error
	SetResponseTimeout(d time.Duration) error
	SetQueueSize(n int) error
	SetErrorHandler(handler func(error)) error
	EnableEncryption(cipher Cipher) error
}

// An Option is a configuration function, which configures the controller.
type Option func(DeviceOption) error

// OptAddress sets the public device address.
func OptAddress(a Addr) Option {
	return func(opt DeviceOption) error {
		return opt.SetAddress(a)
	}
}

// OptMaxConns sets the number of connection slots.
func OptMaxConns(n int) Option {
	return func(opt DeviceOption) error {
		return opt.SetMaxConns(n)
	}
}

// OptAcceptListSize sets the capacity of the filter accept list.
func OptAcceptListSize(n int) Option {
	return func(opt DeviceOption) error {
		return opt.SetAcceptListSize(n)
	}
}

// OptACLBuffers sets the number of host ACL packets the controller buffers.
func OptACLBuffers(n int) Option {
	return func(opt DeviceOption) error {
		return opt.SetACLBuffers(n)
	}
}

// OptDedupSize sets the capacity of the duplicate report filter.
func OptDedupSize(n int) Option {
	return func(opt DeviceOption) error {
		return opt.SetDedupSize(n)
	}
}

// OptSeed seeds the random draws of the scanner and initiator.
func OptSeed(seed int64) Option {
	return func(opt DeviceOption) error {
		return opt.SetSeed(seed)
	}
}

// OptLocalPPM sets the accuracy of the local sleep clock.
func OptLocalPPM(ppm uint16) Option {
	return func(opt DeviceOption) error {
		return opt.SetLocalPPM(ppm)
	}
}

// OptVersion sets the version information sent to peers and the host.
func OptVersion(versNr uint8, compID, subVersNr uint16) Option {
	return func(opt DeviceOption) error {
		return opt.SetVersion(versNr, compID, subVersNr)
	}
}

// OptResponseTimeout bounds the wait for a control procedure answer.
func OptResponseTimeout(d time.Duration) Option {
	return func(opt DeviceOption) error {
		return opt.SetResponseTimeout(d)
	}
}

// OptQueueSize sets the depth of the queues between the interrupt domain,
// the task domain and the host.
func OptQueueSize(n int) Option {
	return func(opt DeviceOption) error {
		return opt.SetQueueSize(n)
	}
}

// OptErrorHandler sets error handler
func OptErrorHandler(handler func(error)) Option {
	return func(opt DeviceOption) error {
		return opt.SetErrorHandler(handler)
	}
}

// OptEnableEncryption enables link encryption with the given cipher
func OptEnableEncryption(cipher Cipher) Option {
	return func(opt DeviceOption) error {
		return opt.EnableEncryption(cipher)
	}
}
