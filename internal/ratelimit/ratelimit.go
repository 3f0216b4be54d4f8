// Package ratelimit gates outbound provider calls process-wide.
package ratelimit

import (
	"context"
	"errors"
	"time"

	"golang.org/x/time/rate"
)

// ErrAcquireTimeout is returned when no token became available in time.
var ErrAcquireTimeout = errors.New("outbound rate limiter: acquire timed out")

// Limiter is a token bucket shared by every campaign cycle in the process.
type Limiter struct {
	limiter *rate.Limiter
	timeout time.Duration
}

// New builds a limiter allowing perSecond calls with the given burst. Acquire
// waits at most timeout for a token.
func New(perSecond float64, burst int, timeout time.Duration) *Limiter {
	return &Limiter{
		limiter: rate.NewLimiter(rate.Limit(perSecond), burst),
		timeout: timeout,
	}
}

// Acquire blocks until a token is available, the timeout passes or ctx is done.
func (l *Limiter) Acquire(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	waitCtx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	if err := l.limiter.Wait(waitCtx); err != nil {
		if ctx.Err() != nil {
			return time.Since(start), ctx.Err()
		}
		// Wait fails fast when the reservation would exceed the deadline.
		return time.Since(start), ErrAcquireTimeout
	}
	return time.Since(start), nil
}
