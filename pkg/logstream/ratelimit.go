package logstream

import (
	"context"
	"sync"
	"time"

	"github.com/zeroechelon/outpost/pkg/metrics"
)

// slidingWindow admits at most max calls per window. A saturated caller
// sleeps until the oldest in-window timestamp expires. The lock is never
// held across a sleep.
type slidingWindow struct {
	mu     sync.Mutex
	stamps []time.Time
	max    int
	window time.Duration

	now   func() time.Time
	sleep func(context.Context, time.Duration) error
}

func newSlidingWindow(max int, window time.Duration) *slidingWindow {
	return &slidingWindow{
		max:    max,
		window: window,
		now:    time.Now,
		sleep:  sleepCtx,
	}
}

// Wait blocks until the call is admitted or the context ends.
func (w *slidingWindow) Wait(ctx context.Context) error {
	for {
		w.mu.Lock()
		now := w.now()
		w.prune(now)
		if len(w.stamps) < w.max {
			w.stamps = append(w.stamps, now)
			w.mu.Unlock()
			return nil
		}
		wait := w.stamps[0].Add(w.window).Sub(now)
		w.mu.Unlock()

		metrics.LogStreamThrottleWaits.Inc()
		if err := w.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// prune drops timestamps outside the window. Caller holds the lock.
func (w *slidingWindow) prune(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.stamps) && !w.stamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.stamps = append(w.stamps[:0], w.stamps[i:]...)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
