// Package backoff computes jittered exponential delays shared by the
// stream listener's reconnect loop and the delivery retry controller.
package backoff

import (
	"math/rand"
	"time"
)

// Policy describes an exponential backoff schedule.
type Policy struct {
	Base      time.Duration // delay for attempt 0
	Max       time.Duration // cap applied before jitter
	JitterPct float64       // +/- randomization, 0.0-1.0
}

// Delay returns min(Base*2^attempt, Max) with +/- JitterPct randomization.
// attempt is zero-based. The result is never negative and, modulo jitter,
// non-decreasing in attempt.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	base := p.Base
	for i := 0; i < attempt; i++ {
		base *= 2
		if base >= p.Max {
			base = p.Max
			break
		}
	}
	if base > p.Max {
		base = p.Max
	}

	j := 1 + (rand.Float64()*2-1)*p.JitterPct
	if j < 0.1 {
		j = 0.1
	}
	return time.Duration(float64(base) * j)
}
