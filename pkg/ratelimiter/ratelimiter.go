// Package ratelimiter paces download traffic against the media CDN.
package ratelimiter

import (
	"context"
	"time"
)

// RateLimiter enforces a minimum interval between operations.
type RateLimiter struct {
	ticker  *time.Ticker
	ctx     context.Context
	first   chan struct{} // Pre-filled so the first Wait passes immediately.
	stopped bool
}

// New creates a limiter that releases one token per interval. The context
// unblocks waiters when the enclosing operation is cancelled.
func New(ctx context.Context, interval time.Duration) *RateLimiter {
	rl := &RateLimiter{
		ticker: time.NewTicker(interval),
		ctx:    ctx,
		first:  make(chan struct{}, 1),
	}
	rl.first <- struct{}{}
	return rl
}

// Wait blocks until the next token is available or the context ends.
func (r *RateLimiter) Wait() error {
	select {
	case <-r.first:
		return nil
	default:
	}

	select {
	case <-r.ticker.C:
		return nil
	case <-r.ctx.Done():
		r.stopped = true
		return r.ctx.Err()
	}
}

// Stop releases the limiter's ticker.
func (r *RateLimiter) Stop() {
	if !r.stopped {
		r.ticker.Stop()
		r.stopped = true
	}
}
