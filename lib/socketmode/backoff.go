package socketmode

import (
	"math/rand"
	"time"
)

const (
	defaultBackoffMin = time.Second
	defaultBackoffMax = 30 * time.Second
)

// backoff computes reconnect delays: exponential growth from min with a
// ceiling at max, jittered into [d/2, d] so a fleet of sessions does not
// reconnect in lockstep.
type backoff struct {
	min time.Duration
	max time.Duration
}

// delay returns the wait before reconnect attempt n (zero-based).
func (b backoff) delay(attempt int) time.Duration {
	d := b.min
	for i := 0; i < attempt && d < b.max; i++ {
		d *= 2
	}
	if d > b.max {
		d = b.max
	}
	half := d / 2
	return half + time.Duration(rand.Int63n(int64(half)+1))
}
