// pantry/retry/retry.go
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// Backoff describes exponential delays between attempts.
type Backoff struct {
	// Initial is the delay before the first retry. Default: 100ms.
	Initial time.Duration

	// Max caps the delay between retries. Default: 30 seconds.
	Max time.Duration

	// Multiplier increases the delay after each retry. Default: 2.0.
	Multiplier float64

	// Jitter adds +/- randomness to delays (0.0 to 1.0). Zero disables it.
	Jitter float64
}

// DefaultBackoff returns sensible retry defaults.
func DefaultBackoff() Backoff {
	return Backoff{
		Initial:    100 * time.Millisecond,
		Max:        30 * time.Second,
		Multiplier: 2.0,
		Jitter:     0.1,
	}
}

func (b Backoff) withDefaults() Backoff {
	if b.Initial <= 0 {
		b.Initial = 100 * time.Millisecond
	}
	if b.Max <= 0 {
		b.Max = 30 * time.Second
	}
	if b.Max < b.Initial {
		b.Max = b.Initial
	}
	if b.Multiplier <= 0 {
		b.Multiplier = 2.0
	}
	return b
}

// Delay returns the wait before retry number attempt (1-based): Initial for
// the first retry, then multiplied each time and capped at Max.
func (b Backoff) Delay(attempt int) time.Duration {
	b = b.withDefaults()
	if attempt < 1 {
		attempt = 1
	}

	d := float64(b.Initial) * math.Pow(b.Multiplier, float64(attempt-1))
	if d > float64(b.Max) || math.IsInf(d, 0) {
		d = float64(b.Max)
	}
	return addJitter(time.Duration(d), b.Jitter)
}

// Do calls fn up to attempts times, sleeping b.Delay between calls. It stops
// early on success, on a permanent error, or when ctx is done, and returns
// the last error.
func Do(ctx context.Context, attempts int, b Backoff, fn func(ctx context.Context) error) error {
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if ctx.Err() != nil {
			if lastErr != nil {
				return lastErr
			}
			return ctx.Err()
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if IsPermanent(err) || attempt == attempts {
			break
		}

		select {
		case <-ctx.Done():
			return lastErr
		case <-time.After(b.Delay(attempt)):
		}
	}
	return lastErr
}

func addJitter(d time.Duration, jitter float64) time.Duration {
	if jitter <= 0 {
		return d
	}
	if jitter > 1 {
		jitter = 1
	}
	delta := float64(d) * jitter
	lo := float64(d) - delta
	return time.Duration(lo + rand.Float64()*2*delta)
}

// Permanent wraps an error to indicate it should not be retried.
type Permanent struct {
	Err error
}

func (p *Permanent) Error() string {
	if p.Err == nil {
		return "permanent error"
	}
	return p.Err.Error()
}

func (p *Permanent) Unwrap() error {
	return p.Err
}

// PermanentError wraps err to prevent retries. A nil err stays nil.
func PermanentError(err error) error {
	if err == nil {
		return nil
	}
	return &Permanent{Err: err}
}

// IsPermanent reports whether err, or anything it wraps, is marked permanent.
func IsPermanent(err error) bool {
	var p *Permanent
	return errors.As(err, &p)
}
