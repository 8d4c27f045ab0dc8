package controller

import (
	"time"

	"github.com/pkg/errors"
	"github.com/rigado/llc"
	"github.com/rigado/llc/clock"
)

var errRunning = errors.New("option must be set before the controller starts")

func (c *Controller) started() error {
	if c.sched != nil {
		return errRunning
	}
	return nil
}

// SetAddress sets the public device address.
func (c *Controller) SetAddress(a llc.Addr) error {
	if err := c.started(); err != nil {
		return err
	}
	c.cfg.Addr = a
	return nil
}

// SetMaxConns sets the number of connection slots.
func (c *Controller) SetMaxConns(n int) error {
	if err := c.started(); err != nil {
		return err
	}
	c.cfg.Conn.MaxConns = n
	return nil
}

// SetAcceptListSize sets the capacity of the filter accept list.
func (c *Controller) SetAcceptListSize(n int) error {
	if err := c.started(); err != nil {
		return err
	}
	c.cfg.AcceptListSize = n
	return nil
}

// SetACLBuffers sets the number of host ACL packets in flight.
func (c *Controller) SetACLBuffers(n int) error {
	if err := c.started(); err != nil {
		return err
	}
	c.cfg.ACLBuffers = n
	return nil
}

// SetDedupSize sets the capacity of the duplicate filter.
func (c *Controller) SetDedupSize(n int) error {
	if err := c.started(); err != nil {
		return err
	}
	c.cfg.Scan.DedupSize = n
	return nil
}

// SetSeed seeds the scanner and the initiator.
func (c *Controller) SetSeed(seed int64) error {
	if err := c.started(); err != nil {
		return err
	}
	c.cfg.Scan.Seed = seed
	return nil
}

// SetLocalPPM sets the local sleep clock accuracy.
func (c *Controller) SetLocalPPM(ppm uint16) error {
	if err := c.started(); err != nil {
		return err
	}
	c.cfg.Scan.LocalPPM = ppm
	c.cfg.Conn.LocalPPM = ppm
	return nil
}

// SetVersion sets the version information.
func (c *Controller) SetVersion(versNr uint8, compID, subVersNr uint16) error {
	if err := c.started(); err != nil {
		return err
	}
	c.cfg.Conn.LLCP.VersNr = versNr
	c.cfg.Conn.LLCP.CompID = compID
	c.cfg.Conn.LLCP.SubVersNr = subVersNr
	return nil
}

// SetResponseTimeout sets the control procedure response timeout.
func (c *Controller) SetResponseTimeout(d time.Duration) error {
	if err := c.started(); err != nil {
		return err
	}
	if d <= 0 {
		return errors.Errorf("invalid response timeout %v", d)
	}
	c.cfg.Conn.LLCP.ResponseTimeout = clock.FromStd(d)
	return nil
}

// SetQueueSize sets the queue depth.
func (c *Controller) SetQueueSize(n int) error {
	if err := c.started(); err != nil {
		return err
	}
	c.cfg.QueueSize = n
	return nil
}

// SetErrorHandler ...
func (c *Controller) SetErrorHandler(handler func(error)) error {
	c.errorHandler = handler
	return nil
}

// EnableEncryption sets the cipher of encrypted links.
func (c *Controller) EnableEncryption(cipher llc.Cipher) error {
	if err := c.started(); err != nil {
		return err
	}
	if cipher == nil {
		return errors.New("nil cipher")
	}
	c.cfg.Conn.LLCP.Cipher = cipher
	return nil
}
