package chsel

// CSA1 is Channel Selection Algorithm #1. It keeps the last unmapped
// channel between events.
type CSA1 struct {
	Hop  uint8
	last uint8
}

// NewCSA1 starts the hop sequence at channel 0.
func NewCSA1(hop uint8) *CSA1 {
	return &CSA1{Hop: hop}
}

// Next returns the channel of the next connection event. It must be called
// exactly once per elapsed event, including missed ones.
func (c *CSA1) Next(r *Remap) uint8 {
	unmapped := (c.last + c.Hop) % NumDataChannels
	c.last = unmapped
	if r.Map.Used(unmapped) {
		return unmapped
	}
	return r.Index(int(unmapped) % r.NumUsed())
}

// Last returns the last unmapped channel.
func (c *CSA1) Last() uint8 { return c.last }
