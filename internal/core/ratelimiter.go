/*
Package core provides the central logic for oonict: the dedup ledger, the rate limited
CT submitter, the archive scheduler and the pipeline tying them together.
*/
package core

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Limiter gates calls to a shared resource. Wait blocks until the caller may proceed
// or ctx is done, in which case it returns ctx's error and the caller must not proceed.
type Limiter interface {
	Wait(ctx context.Context) error
}

// WindowLimiter admits at most `limit` calls in any rolling window of length `window`.
//
// It keeps the grant times of the last `limit` admitted calls in a ring. A new call is
// admitted once the oldest of those is at least `window` old, so any limit+1 consecutive
// grants span at least one full window. This is stricter than a token bucket with the
// same burst, which can admit up to 2*limit calls across a window boundary.
//
// Concurrency: safe for any number of concurrent callers. The ring is guarded by mu;
// waiting happens outside the lock. Waiters are not served in FIFO order.
type WindowLimiter struct {
	limit  int
	window time.Duration

	mu     sync.Mutex
	grants []time.Time // Ring of the last `limit` grant times, oldest at grants[next] once full.
	next   int

	// granted is called with each grant time while mu is held. Tests only.
	granted func(t time.Time)

	grantCount atomic.Uint64
	waitNanos  atomic.Int64
	cancelled  atomic.Uint64
}

// NewWindowLimiter creates a limiter admitting `limit` calls per rolling `window`.
//
// Parameters:
//
//	limit: Maximum number of calls in any window. Must be positive.
//	window: Length of the rolling window. Must be positive.
func NewWindowLimiter(limit int, window time.Duration) (*WindowLimiter, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("rate limit must be positive, got %d", limit)
	}
	if window <= 0 {
		return nil, fmt.Errorf("rate window must be positive, got %s", window)
	}
	return &WindowLimiter{
		limit:  limit,
		window: window,
		grants: make([]time.Time, 0, limit),
	}, nil
}

// Wait blocks until a call is admitted or ctx is done.
// Operation: Blocking. Returns ctx.Err() without consuming a slot when cancelled.
func (wl *WindowLimiter) Wait(ctx context.Context) error {
	start := time.Now()
	defer func() { wl.waitNanos.Add(int64(time.Since(start))) }()

	for {
		if err := ctx.Err(); err != nil {
			wl.cancelled.Add(1)
			return err
		}

		delay := wl.tryAcquire()
		if delay <= 0 {
			return nil
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			wl.cancelled.Add(1)
			return ctx.Err()
		case <-timer.C:
			// Another waiter may have taken the slot; loop and re-check.
		}
	}
}

// tryAcquire records a grant and returns 0, or returns how long until the oldest grant
// leaves the window.
func (wl *WindowLimiter) tryAcquire() time.Duration {
	wl.mu.Lock()
	defer wl.mu.Unlock()

	now := time.Now()
	if len(wl.grants) < wl.limit {
		wl.grants = append(wl.grants, now)
		wl.grant(now)
		return 0
	}

	oldest := wl.grants[wl.next]
	if age := now.Sub(oldest); age < wl.window {
		return wl.window - age
	}
	wl.grants[wl.next] = now
	wl.next = (wl.next + 1) % wl.limit
	wl.grant(now)
	return 0
}

func (wl *WindowLimiter) grant(t time.Time) {
	wl.grantCount.Add(1)
	if wl.granted != nil {
		wl.granted(t)
	}
}

// Limit returns the number of calls admitted per window.
func (wl *WindowLimiter) Limit() int {
	return wl.limit
}

// Window returns the rolling window length.
func (wl *WindowLimiter) Window() time.Duration {
	return wl.window
}

// GetStats returns a map containing current statistics of the limiter.
// This is useful for monitoring and debugging.
func (wl *WindowLimiter) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"limit":       wl.limit,
		"window":      wl.window.String(),
		"granted":     wl.grantCount.Load(),
		"cancelled":   wl.cancelled.Load(),
		"total_wait":  time.Duration(wl.waitNanos.Load()).String(),
		"utilisation": fmt.Sprintf("%d/%d", wl.inWindow(), wl.limit),
	}
}

// inWindow counts grants younger than the window.
func (wl *WindowLimiter) inWindow() int {
	wl.mu.Lock()
	defer wl.mu.Unlock()
	now := time.Now()
	n := 0
	for _, t := range wl.grants {
		if now.Sub(t) < wl.window {
			n++
		}
	}
	return n
}
