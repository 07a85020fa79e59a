package agent

import (
	"math/rand"
	"time"
)

// Backoff computes retry delays: min(cap, base·2^attempts) with ±Jitter
// fractional noise. All task retry scheduling goes through here; probes
// never retry themselves.
type Backoff struct {
	Base   time.Duration
	Cap    time.Duration
	Jitter float64 // fraction, e.g. 0.2 for ±20%

	// rnd returns a value in [0,1). Replaceable for deterministic tests.
	rnd func() float64
}

// DefaultBackoff matches the production defaults.
func DefaultBackoff() Backoff {
	return Backoff{Base: time.Second, Cap: 300 * time.Second, Jitter: 0.2}
}

// Duration returns the delay before retrying after the given number of
// attempts. attempts=0 yields roughly the base.
func (b Backoff) Duration(attempts int) time.Duration {
	base := b.Base
	if base <= 0 {
		base = time.Second
	}
	ceiling := b.Cap
	if ceiling <= 0 {
		ceiling = 300 * time.Second
	}

	d := base
	for i := 0; i < attempts; i++ {
		d *= 2
		if d >= ceiling {
			d = ceiling
			break
		}
	}

	if b.Jitter > 0 {
		rnd := b.rnd
		if rnd == nil {
			rnd = rand.Float64
		}
		// Scale by a factor in [1-Jitter, 1+Jitter].
		factor := 1 + (rnd()*2-1)*b.Jitter
		d = time.Duration(float64(d) * factor)
	}
	if d < 0 {
		d = 0
	}
	return d
}
