// Package backoff provides bounded exponential retry for transient
// transport failures.
package backoff

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrExhausted is returned when every attempt failed.
var ErrExhausted = errors.New("retry attempts exhausted")

// Policy describes an exponential schedule: Base, 2*Base, 4*Base, ...
type Policy struct {
	Base        time.Duration
	MaxAttempts int
}

// DefaultPolicy matches the response-queue contract: an initial try
// plus three retries spaced ~2s, ~4s, ~8s.
var DefaultPolicy = Policy{Base: 2 * time.Second, MaxAttempts: 4}

// Retry runs fn until it succeeds, attempts are exhausted, or ctx is
// cancelled. The sleep before attempt n (1-indexed, n>1) is
// Base * 2^(n-2).
func Retry(ctx context.Context, p Policy, fn func(attempt int) error) error {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}

	var lastErr error
	delay := p.Base
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if lastErr = fn(attempt); lastErr == nil {
			return nil
		}
		if attempt == p.MaxAttempts {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay *= 2
	}
	return fmt.Errorf("%w: %w", ErrExhausted, lastErr)
}
