package worker

import (
	"math/rand/v2"
	"time"
)

// Backoff computes full-jitter exponential delays after infrastructure errors.
type Backoff struct {
	Base time.Duration
	Max  time.Duration

	jitter func(n int64) int64
}

// Duration returns the delay before retry number attempt (1-based): a random
// value in [0, min(Max, Base*2^(attempt-1))].
func (b Backoff) Duration(attempt int) time.Duration {
	if b.Base <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}

	ceiling := b.Base
	for i := 1; i < attempt && i < 32 && (b.Max <= 0 || ceiling < b.Max); i++ {
		ceiling *= 2
	}
	if b.Max > 0 && ceiling > b.Max {
		ceiling = b.Max
	}

	jitter := b.jitter
	if jitter == nil {
		jitter = rand.Int64N
	}
	return time.Duration(jitter(int64(ceiling) + 1))
}
