package ratelimit

import (
	"context"
	"sync"
	"time"
)

// SlidingWindow is an in-memory sliding-window limiter. It serves as the
// fallback when Redis is not configured.
type SlidingWindow struct {
	mu      sync.Mutex
	windows map[string][]time.Time
	limit   int
	window  time.Duration
	done    chan struct{}
	once    sync.Once

	// now is swapped in tests.
	now func() time.Time
}

// NewSlidingWindow creates a limiter allowing limit requests per window per
// key. A background routine drops idle keys.
func NewSlidingWindow(limit int, window time.Duration) *SlidingWindow {
	sw := &SlidingWindow{
		windows: make(map[string][]time.Time),
		limit:   limit,
		window:  window,
		done:    make(chan struct{}),
		now:     time.Now,
	}
	go sw.cleanupLoop()
	return sw
}

// Check allows the request when fewer than limit requests fall inside the
// trailing window, recording it; otherwise it reports when the oldest
// in-window request expires.
func (sw *SlidingWindow) Check(ctx context.Context, key string) (*Result, error) {
	now := sw.now()
	cutoff := now.Add(-sw.window)

	sw.mu.Lock()
	defer sw.mu.Unlock()

	requests := sw.windows[key]
	kept := requests[:0]
	for _, t := range requests {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}

	if len(kept) >= sw.limit {
		sw.windows[key] = kept
		return &Result{
			Allowed:    false,
			Remaining:  0,
			RetryAfter: kept[0].Sub(cutoff),
		}, nil
	}

	kept = append(kept, now)
	sw.windows[key] = kept
	return &Result{
		Allowed:   true,
		Remaining: sw.limit - len(kept),
	}, nil
}

func (sw *SlidingWindow) cleanupLoop() {
	ticker := time.NewTicker(sw.window)
	defer ticker.Stop()
	for {
		select {
		case <-sw.done:
			return
		case <-ticker.C:
			sw.cleanup()
		}
	}
}

func (sw *SlidingWindow) cleanup() {
	cutoff := sw.now().Add(-sw.window)
	sw.mu.Lock()
	defer sw.mu.Unlock()
	for key, requests := range sw.windows {
		kept := requests[:0]
		for _, t := range requests {
			if t.After(cutoff) {
				kept = append(kept, t)
			}
		}
		if len(kept) == 0 {
			delete(sw.windows, key)
			continue
		}
		sw.windows[key] = kept
	}
}

// Close stops the cleanup routine.
func (sw *SlidingWindow) Close() error {
	sw.once.Do(func() { close(sw.done) })
	return nil
}
