package controller

import (
	"context"
	"io"

	"github.com/pkg/errors"
	"github.com/rigado/llc/hci"
)

// Serve runs the controller behind t until ctx is done, the transport
// fails or Close was called. Packets the host sends while the queue is
// full are dropped.
func (c *Controller) Serve(ctx context.Context, t hci.Transport) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errs := make(chan error, 3)
	go func() {
		for {
			p, err := t.ReadPacket()
			if err != nil {
				errs <- errors.Wrap(err, "can't read host packet")
				return
			}
			if err := c.Submit(p); err != nil {
				if errors.Cause(err) == ErrClosed {
					errs <- err
					return
				}
				c.handleError(errors.Wrapf(err, "dropped %v", p))
			}
		}
	}()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case p := <-c.out:
				if err := t.WritePacket(p); err != nil {
					errs <- errors.Wrap(err, "can't write host packet")
					return
				}
			}
		}
	}()

	go func() {
		errs <- c.Run(ctx)
	}()

	err := <-errs
	cancel()
	if errors.Cause(err) == io.EOF {
		c.log.Info("host transport closed")
		return nil
	}
	return err
}

func (c *Controller) handleError(err error) {
	c.log.Warn(err)
	if c.errorHandler != nil {
		c.errorHandler(err)
	}
}
