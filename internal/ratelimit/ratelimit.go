// Package ratelimit provides sliding-window rate limiting for the agent
// drop channel, with a Redis backend for multi-node deployments and an
// in-memory fallback.
package ratelimit

import (
	"context"
	"time"
)

// Result reports a limiter decision.
type Result struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Limiter answers whether a keyed caller may proceed. Check records the
// attempt when it is allowed.
type Limiter interface {
	Check(ctx context.Context, key string) (*Result, error)
	Close() error
}
