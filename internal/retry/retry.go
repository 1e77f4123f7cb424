// Package retry re-runs transient operations with jittered exponential backoff.
package retry

import (
	"context"
	"crypto/rand"
	"fmt"
	"math"
	"math/big"
	"time"

	"github.com/JakeFAU/product-enricher/internal/failure"
)

// Policy controls how often and how patiently an operation is retried.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// Default mirrors the provider-level budget: three attempts, 250ms base, 5s cap.
func Default() Policy {
	return Policy{MaxAttempts: 3, BaseDelay: 250 * time.Millisecond, MaxDelay: 5 * time.Second}
}

func (p Policy) withDefaults() Policy {
	d := Default()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = d.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = d.MaxDelay
	}
	return p
}

// ShouldRetry decides whether attempt (1-based) may be followed by another.
func (p Policy) ShouldRetry(err error, attempt int) bool {
	p = p.withDefaults()
	if err == nil || attempt >= p.MaxAttempts {
		return false
	}
	return failure.IsTransient(err)
}

// Backoff returns the wait before the attempt after the given one.
func (p Policy) Backoff(attempt int) time.Duration {
	p = p.withDefaults()
	delay := float64(p.BaseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	return time.Duration(delay/2) + jitter(time.Duration(delay)/2)
}

func jitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}

// Do calls fn until it succeeds, fails permanently or attempts run out. It
// returns the last value, the number of attempts made and the last error.
func Do[T any](ctx context.Context, p Policy, fn func(context.Context) (T, error)) (T, int, error) {
	var (
		zero    T
		attempt int
	)
	for {
		attempt++
		val, err := fn(ctx)
		if err == nil {
			return val, attempt, nil
		}
		if !p.ShouldRetry(err, attempt) {
			return zero, attempt, err
		}
		timer := time.NewTimer(p.Backoff(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, attempt, fmt.Errorf("retry wait: %w", ctx.Err())
		case <-timer.C:
		}
	}
}
