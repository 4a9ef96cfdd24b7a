// throttle.go implements the global outbound request throttler.
//
// Polymarket's data endpoints tolerate far less traffic than the CLOB's
// published per-category limits, so every outbound call funnels through one
// throttler that enforces a minimum spacing between requests. The spacing
// adapts: each consecutive rate-limit response doubles the effective
// interval (capped at 8x), and every success decays it 10% back toward 1x.
// Identical concurrent requests are deduplicated per key so a burst of
// callers asking for the same resource costs one upstream hit.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"
)

const (
	minRequestSpacing = 250 * time.Millisecond
	maxBackoffFactor  = 8.0
	maxPerHost        = 5
)

// RateLimitError marks a response as a rate limit so the throttler can
// adapt. The client wraps 429s and HTML block pages in this type.
type RateLimitError struct {
	Detail string
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited: %s", e.Detail)
}

// IsRateLimited reports whether err carries a RateLimitError.
func IsRateLimited(err error) bool {
	var rle *RateLimitError
	return errors.As(err, &rle)
}

// Throttler serializes outbound requests with adaptive spacing.
type Throttler struct {
	logger *slog.Logger
	group  singleflight.Group

	mu         sync.Mutex
	nextAt     time.Time
	multiplier float64
	hosts      map[string]*semaphore.Weighted

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewThrottler creates a throttler at the base 250 ms spacing.
func NewThrottler(logger *slog.Logger) *Throttler {
	return &Throttler{
		logger:     logger.With("component", "throttler"),
		multiplier: 1.0,
		hosts:      make(map[string]*semaphore.Weighted),
		now:        time.Now,
		sleep:      sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Do runs fn behind the throttler. Calls sharing a key while one is in
// flight receive that call's result instead of going upstream. host bounds
// concurrency separately per API host.
func (t *Throttler) Do(ctx context.Context, host, key string, fn func(ctx context.Context) (any, error)) (any, error) {
	v, err, _ := t.group.Do(key, func() (any, error) {
		sem := t.hostSem(host)
		if err := sem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		defer sem.Release(1)

		if err := t.waitTurn(ctx); err != nil {
			return nil, err
		}
		v, err := fn(ctx)
		t.observe(err)
		return v, err
	})
	return v, err
}

// Multiplier returns the current backoff factor, 1 when healthy.
func (t *Throttler) Multiplier() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.multiplier
}

func (t *Throttler) hostSem(host string) *semaphore.Weighted {
	t.mu.Lock()
	defer t.mu.Unlock()
	sem := t.hosts[host]
	if sem == nil {
		sem = semaphore.NewWeighted(maxPerHost)
		t.hosts[host] = sem
	}
	return sem
}

// waitTurn reserves the next send slot and sleeps until it arrives.
func (t *Throttler) waitTurn(ctx context.Context) error {
	t.mu.Lock()
	spacing := time.Duration(float64(minRequestSpacing) * t.multiplier)
	now := t.now()
	start := t.nextAt
	if start.Before(now) {
		start = now
	}
	t.nextAt = start.Add(spacing)
	t.mu.Unlock()

	if wait := start.Sub(now); wait > 0 {
		return t.sleep(ctx, wait)
	}
	return nil
}

// observe adjusts the spacing multiplier from the request outcome.
func (t *Throttler) observe(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch {
	case IsRateLimited(err):
		prev := t.multiplier
		t.multiplier *= 2
		if t.multiplier > maxBackoffFactor {
			t.multiplier = maxBackoffFactor
		}
		if t.multiplier != prev {
			t.logger.Warn("rate limited, backing off",
				"spacing_ms", float64(minRequestSpacing.Milliseconds())*t.multiplier)
		}
	case err == nil:
		t.multiplier *= 0.9
		if t.multiplier < 1 {
			t.multiplier = 1
		}
	}
}
