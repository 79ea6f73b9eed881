package dispatch

import (
	"math"
	"math/rand"
	"time"
)

// BackoffPolicy shapes retry delays: exponential growth from Base by Factor
// with symmetric jitter of ±Jitter fraction, capped at Cap. The cap applies
// last, so Cap is a hard ceiling on the returned delay.
type BackoffPolicy struct {
	Base   time.Duration
	Factor float64
	Cap    time.Duration
	Jitter float64

	// Rand returns a value in [0, 1). Defaults to math/rand when nil;
	// tests inject a fixed source.
	Rand func() float64
}

// Delay returns the backoff before retry number attempt (1-based: the delay
// after the first failure is Delay(1)).
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.Base) * math.Pow(p.Factor, float64(attempt-1))

	if p.Jitter > 0 {
		rnd := p.Rand
		if rnd == nil {
			rnd = rand.Float64
		}
		// Uniform in [1-Jitter, 1+Jitter).
		d *= 1 - p.Jitter + 2*p.Jitter*rnd()
	}
	if capped := float64(p.Cap); d > capped {
		d = capped
	}
	return time.Duration(d)
}
