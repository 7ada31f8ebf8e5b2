// Package retry holds the backoff policy shared by chunk retries and job re-queueing.
package retry

import (
	"context"
	"math/rand"
	"time"
)

// Policy is an exponential backoff policy: base delay doubling per retry, capped, plus jitter.
type Policy struct {
	// Attempts is the maximum number of retries after the first try.
	Attempts int
	Base     time.Duration
	Max      time.Duration
	Jitter   float64 // 0.2 = ±20%
}

func (p Policy) WithDefaults() Policy {
	if p.Attempts < 0 {
		p.Attempts = 0
	}
	if p.Base <= 0 {
		p.Base = 500 * time.Millisecond
	}
	if p.Max <= 0 {
		p.Max = 15 * time.Second
	}
	if p.Max < p.Base {
		p.Max = p.Base
	}
	if p.Jitter <= 0 {
		p.Jitter = 0.2
	}
	if p.Jitter > 1 {
		p.Jitter = 1
	}
	return p
}

// Delay returns the wait before retry number retry (1-based).
func (p Policy) Delay(retry int, rng *rand.Rand) time.Duration {
	p = p.WithDefaults()
	d := p.Base
	for i := 1; i < retry; i++ {
		d *= 2
		if d >= p.Max {
			d = p.Max
			break
		}
	}
	return jitter(d, p.Max, p.Jitter, rng)
}

// DelayWithHint prefers an explicit hint (e.g. Retry-After), bounded by Max, with jitter applied.
func (p Policy) DelayWithHint(retry int, hint time.Duration, rng *rand.Rand) time.Duration {
	if hint <= 0 {
		return p.Delay(retry, rng)
	}
	p = p.WithDefaults()
	return jitter(min(hint, p.Max), p.Max, p.Jitter, rng)
}

func jitter(d, maxD time.Duration, j float64, rng *rand.Rand) time.Duration {
	if j > 0 && rng != nil && d > 0 {
		r := (rng.Float64()*2 - 1) * j
		d = time.Duration(float64(d) * (1 + r))
	}
	if d < 0 {
		d = 0
	}
	if d > maxD {
		d = maxD
	}
	return d
}

// Sleep waits for d or until ctx is done. It returns ctx.Err() on interruption.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	tmr := time.NewTimer(d)
	defer tmr.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-tmr.C:
		return nil
	}
}

// NewRand returns a seeded RNG for callers that keep one per goroutine.
func NewRand(salt int64) *rand.Rand {
	return rand.New(rand.NewSource(time.Now().UnixNano() ^ (salt << 32)))
}
