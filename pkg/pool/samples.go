package pool

import (
	"sync"
	"time"

	"github.com/zeroechelon/outpost/pkg/types"
)

// sampleWindow keeps a rolling window of acquire outcomes per agent so
// the autoscaler can reason about recent demand without a metrics
// backend.
type sampleWindow struct {
	mu     sync.Mutex
	window time.Duration
	now    func() time.Time

	acquires map[types.AgentKind][]time.Time
	failures map[types.AgentKind][]time.Time
	waits    map[types.AgentKind][]waitSample
}

type waitSample struct {
	at time.Time
	d  time.Duration
}

func newSampleWindow(window time.Duration) *sampleWindow {
	return &sampleWindow{
		window:   window,
		now:      time.Now,
		acquires: make(map[types.AgentKind][]time.Time),
		failures: make(map[types.AgentKind][]time.Time),
		waits:    make(map[types.AgentKind][]waitSample),
	}
}

func (w *sampleWindow) RecordAcquire(agent types.AgentKind, wait time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.now()
	w.acquires[agent] = appendPruned(w.acquires[agent], now, w.window)
	w.waits[agent] = appendWaitPruned(w.waits[agent], waitSample{at: now, d: wait}, w.window, now)
}

func (w *sampleWindow) RecordFailure(agent types.AgentKind) {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.now()
	w.failures[agent] = appendPruned(w.failures[agent], now, w.window)
}

// AcquireRatePerMinute reports successful plus failed acquire attempts
// per minute over the window.
func (w *sampleWindow) AcquireRatePerMinute(agent types.AgentKind) float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.now()
	n := countRecent(w.acquires[agent], now, w.window) + countRecent(w.failures[agent], now, w.window)
	minutes := w.window.Minutes()
	if minutes <= 0 {
		return 0
	}
	return float64(n) / minutes
}

// AvgWaitMs reports the mean acquire wait in milliseconds over the
// window, zero when there are no samples.
func (w *sampleWindow) AvgWaitMs(agent types.AgentKind) float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.now()
	cutoff := now.Add(-w.window)

	var total time.Duration
	var n int
	for _, s := range w.waits[agent] {
		if s.at.After(cutoff) {
			total += s.d
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return float64(total.Milliseconds()) / float64(n)
}

// Reset clears an agent's samples. Called after a scale action so stale
// demand does not double-trigger.
func (w *sampleWindow) Reset(agent types.AgentKind) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.acquires, agent)
	delete(w.failures, agent)
	delete(w.waits, agent)
}

func appendPruned(ts []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	out := ts[:0]
	for _, t := range ts {
		if t.After(cutoff) {
			out = append(out, t)
		}
	}
	return append(out, now)
}

func appendWaitPruned(ss []waitSample, s waitSample, window time.Duration, now time.Time) []waitSample {
	cutoff := now.Add(-window)
	out := ss[:0]
	for _, e := range ss {
		if e.at.After(cutoff) {
			out = append(out, e)
		}
	}
	return append(out, s)
}

func countRecent(ts []time.Time, now time.Time, window time.Duration) int {
	cutoff := now.Add(-window)
	n := 0
	for _, t := range ts {
		if t.After(cutoff) {
			n++
		}
	}
	return n
}
