package scan

import "math/rand"

// MaxBackoff is the ceiling of the backoff upper limit.
const MaxBackoff = 256

// Backoff throttles scan requests when several scanners compete for the
// same advertiser. Two consecutive successes halve the upper limit, two
// consecutive failures double it, and after each outcome the number of
// request opportunities to skip is drawn from [1, upper].
type Backoff struct {
	upper     int
	count     int
	successes int
	failures  int
	rnd       *rand.Rand
}

// NewBackoff returns a backoff with upper limit 1, so the first request
// goes out immediately.
func NewBackoff(rnd *rand.Rand) *Backoff {
	return &Backoff{upper: 1, count: 1, rnd: rnd}
}

// Upper returns the current upper limit.
func (b *Backoff) Upper() int { return b.upper }

// Count returns the request opportunities left before the next request.
func (b *Backoff) Count() int { return b.count }

// Request consumes one opportunity and reports whether a scan request
// should be sent now.
func (b *Backoff) Request() bool {
	if b.count > 0 {
		b.count--
	}
	return b.count == 0
}

// Success records a scan response.
func (b *Backoff) Success() {
	b.failures = 0
	b.successes++
	if b.successes == 2 {
		b.successes = 0
		b.upper /= 2
		if b.upper < 1 {
			b.upper = 1
		}
	}
	b.draw()
}

// Failure records a scan request left unanswered.
func (b *Backoff) Failure() {
	b.successes = 0
	b.failures++
	if b.failures == 2 {
		b.failures = 0
		b.upper *= 2
		if b.upper > MaxBackoff {
			b.upper = MaxBackoff
		}
	}
	b.draw()
}

// Reset returns to the initial state.
func (b *Backoff) Reset() {
	b.upper, b.count, b.successes, b.failures = 1, 1, 0, 0
}

func (b *Backoff) draw() {
	b.count = 1 + b.rnd.Intn(b.upper)
}
