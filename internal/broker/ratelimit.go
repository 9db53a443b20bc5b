package broker

import (
	"context"
	"sync"
	"time"
)

// IntervalLimiter enforces a minimum gap between broker API calls. The
// exchange-side quota is per second; spacing calls out is simpler than
// counting windows and keeps bulk loops (LTP polling, order book scans)
// inside the quota as position count grows.
type IntervalLimiter struct {
	mu       sync.Mutex
	interval time.Duration
	last     time.Time
	now      func() time.Time
	sleep    func(context.Context, time.Duration) error
}

// NewIntervalLimiter returns a limiter with the given minimum gap.
func NewIntervalLimiter(interval time.Duration) *IntervalLimiter {
	return &IntervalLimiter{
		interval: interval,
		now:      time.Now,
		sleep:    sleepCtx,
	}
}

// Wait blocks until the caller may issue the next call. Returns early
// with the context error when cancelled.
func (l *IntervalLimiter) Wait(ctx context.Context) error {
	l.mu.Lock()
	now := l.now()
	next := l.last.Add(l.interval)
	var wait time.Duration
	if next.After(now) {
		wait = next.Sub(now)
		l.last = next
	} else {
		l.last = now
	}
	l.mu.Unlock()

	if wait <= 0 {
		return nil
	}
	return l.sleep(ctx, wait)
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
