// Package ratelimit caps how often browser sessions may start against the
// target. The ceiling is global, not per worker: every session shares one
// source of scrutiny on the target side.
package ratelimit

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// Config holds session start ceiling configuration.
type Config struct {
	// SessionsPerMinute is the sustained start rate. Zero or negative disables
	// the ceiling.
	SessionsPerMinute float64
	// Burst is how many starts may happen back to back. Defaults to 1.
	Burst int
}

// Limiter gates scrape session starts.
type Limiter struct {
	limiter *rate.Limiter
}

// New creates a Limiter from the config.
func New(cfg Config) *Limiter {
	limit := rate.Limit(cfg.SessionsPerMinute / 60)
	if cfg.SessionsPerMinute <= 0 {
		limit = rate.Inf
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{limiter: rate.NewLimiter(limit, burst)}
}

// Wait blocks until a session may start, or the context ends.
func (l *Limiter) Wait(ctx context.Context) error {
	if err := l.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("session rate wait: %w", err)
	}
	return nil
}
