// Package backoff computes exponential retry delays with jitter for the
// dispatch worker pools.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Policy describes an exponential schedule: Initial * Base^(attempt-1),
// capped at Max when Max is positive.
type Policy struct {
	Initial time.Duration
	Base    float64
	Max     time.Duration
}

// Delay returns the un-jittered delay before retry number attempt (1-based).
func (p Policy) Delay(attempt int) time.Duration {
	if p.Initial <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	base := p.Base
	if base < 1 {
		base = 2
	}

	exp := float64(p.Initial) * math.Pow(base, float64(attempt-1))
	if p.Max > 0 && exp > float64(p.Max) {
		exp = float64(p.Max)
	}
	if exp > float64(math.MaxInt64) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(exp)
}

// Jittered returns a random duration in [d/2, d] so that retries of jobs that
// failed together do not stampede the provider at the same instant.
func Jittered(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	half := d / 2
	return half + time.Duration(rand.Int63n(int64(d-half)+1))
}
