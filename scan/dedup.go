package scan

import (
	"encoding/binary"
	"hash/fnv"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
	"github.com/rigado/llc"
	"github.com/rigado/llc/pdu"
)

// Dedup remembers the most recently reported advertisers. It holds a fixed
// number of report hashes; the least recently seen one is dropped when a
// new hash does not fit.
type Dedup struct {
	c *lru.Cache
}

// NewDedup returns a filter for size hashes.
func NewDedup(size int) (*Dedup, error) {
	c, err := lru.New(size)
	if err != nil {
		return nil, errors.Wrap(err, "can't create duplicate filter")
	}
	return &Dedup{c: c}, nil
}

// Seen reports whether h was seen before and makes it the most recent
// hash.
func (d *Dedup) Seen(h uint64) bool {
	if _, ok := d.c.Get(h); ok {
		return true
	}
	d.c.Add(h, struct{}{})
	return false
}

// Contains reports whether h is held, without touching its recency.
func (d *Dedup) Contains(h uint64) bool { return d.c.Contains(h) }

// Forget drops h, for a report that could not be delivered.
func (d *Dedup) Forget(h uint64) { d.c.Remove(h) }

// Len returns the number of held hashes.
func (d *Dedup) Len() int { return d.c.Len() }

// Reset empties the filter.
func (d *Dedup) Reset() { d.c.Purge() }

// Hash identifies a report for duplicate filtering: advertiser address and
// type, event type, and for extended advertising the SID and DID.
func Hash(addr llc.Addr, eventType uint16, adi *pdu.ADI) uint64 {
	h := fnv.New64a()
	var b [12]byte
	copy(b[:6], addr.Bytes[:])
	b[6] = byte(addr.Type)
	binary.LittleEndian.PutUint16(b[7:], eventType)
	n := 9
	if adi != nil {
		b[9] = adi.SID
		binary.LittleEndian.PutUint16(b[10:], adi.DID)
		n = 12
	}
	h.Write(b[:n])
	return h.Sum64()
}
