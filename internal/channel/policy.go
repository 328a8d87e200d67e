package channel

import (
	"time"

	"github.com/cenkalti/backoff"

	"github.com/kefctl/kefctl/internal/deviceerr"
)

const (
	// DefaultAttempts is the attempt budget for idempotent requests
	DefaultAttempts = 3

	// DefaultInitialInterval is the first retry delay
	DefaultInitialInterval = 100 * time.Millisecond

	// DefaultMaxInterval caps the retry delay
	DefaultMaxInterval = 2 * time.Second

	// DefaultMultiplier grows the delay between attempts
	DefaultMultiplier = 2.0

	// DefaultJitter randomizes each delay by ±20%
	DefaultJitter = 0.2

	// NoJitter disables randomization; a zero Jitter selects DefaultJitter
	NoJitter = -1.0

	// nonIdempotentAttempts allows a single retry, and only for requests
	// that never reached the wire.
	nonIdempotentAttempts = 2
)

// RetryPolicy decides whether and when a failed request is retried
type RetryPolicy struct {
	Attempts        int           // Total attempts for idempotent requests
	InitialInterval time.Duration // First backoff delay
	MaxInterval     time.Duration // Backoff cap
	Multiplier      float64       // Backoff growth factor
	Jitter          float64       // Randomization factor in (0,1), 0 for the default, NoJitter for none
}

// DefaultRetryPolicy returns the policy used when none is configured
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Attempts:        DefaultAttempts,
		InitialInterval: DefaultInitialInterval,
		MaxInterval:     DefaultMaxInterval,
		Multiplier:      DefaultMultiplier,
		Jitter:          DefaultJitter,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.Attempts <= 0 {
		p.Attempts = d.Attempts
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = d.InitialInterval
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = d.MaxInterval
	}
	if p.Multiplier < 1 {
		p.Multiplier = d.Multiplier
	}
	switch {
	case p.Jitter < 0:
		p.Jitter = 0
	case p.Jitter == 0 || p.Jitter >= 1:
		p.Jitter = d.Jitter
	}
	return p
}

// NewBackOff returns a fresh exponential backoff. It never gives up on its
// own; the attempt budget bounds retries.
func (p RetryPolicy) NewBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = p.Jitter
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// AttemptsFor returns the attempt budget for req
func (p RetryPolicy) AttemptsFor(req *Request) int {
	n := p.Attempts
	if req.MaxAttempts > 0 {
		n = req.MaxAttempts
	}
	if !req.Idempotent && n > nonIdempotentAttempts {
		n = nonIdempotentAttempts
	}
	if n < 1 {
		n = 1
	}
	return n
}

// ShouldRetry reports whether attempt (1-based) may be followed by another.
//
// Protocol errors and device rejections are final. Non-idempotent requests
// are retried only when the failure happened before any byte was written,
// so an applied mutation is never repeated.
func (p RetryPolicy) ShouldRetry(req *Request, err error, attempt int) bool {
	if attempt >= p.AttemptsFor(req) {
		return false
	}
	devErr, ok := deviceerr.As(err)
	if !ok || !devErr.Retryable {
		return false
	}
	switch devErr.Type {
	case deviceerr.ErrTypeTransport, deviceerr.ErrTypeTimeout:
	default:
		return false
	}
	if !req.Idempotent && devErr.Sent {
		return false
	}
	return true
}
