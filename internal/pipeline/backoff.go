package pipeline

import (
	"crypto/rand"
	"math"
	"math/big"
	"time"
)

// BackoffPolicy computes jittered exponential delays between retry
// attempts of the same WorkItem.
type BackoffPolicy struct {
	Base        time.Duration
	Max         time.Duration
	Multiplier  float64
	MaxAttempts int
	Jitter      bool
}

// DefaultBackoffPolicy mirrors the configuration defaults.
func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{
		Base:        time.Second,
		Max:         5 * time.Minute,
		Multiplier:  2,
		MaxAttempts: 3,
	}
}

// Delay returns the wait before attempt k (k >= 1): base × multiplier^(k-1),
// capped at Max. With Jitter set the result is reduced by up to 20% so
// concurrent workers do not retry in lockstep; the cap still holds.
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := p.Multiplier
	if mult <= 0 {
		mult = 2
	}
	delay := float64(p.Base) * math.Pow(mult, float64(attempt-1))
	if p.Max > 0 && delay > float64(p.Max) {
		delay = float64(p.Max)
	}
	d := time.Duration(delay)
	if p.Jitter {
		d -= randomJitter(d / 5)
	}
	return d
}

// Exhausted reports whether attempts has passed the retry budget.
func (p BackoffPolicy) Exhausted(attempts int) bool {
	return p.MaxAttempts > 0 && attempts > p.MaxAttempts
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	bound := big.NewInt(int64(limit))
	n, err := rand.Int(rand.Reader, bound)
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
