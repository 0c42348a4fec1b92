package pool

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/zeroechelon/outpost/pkg/config"
	"github.com/zeroechelon/outpost/pkg/events"
	"github.com/zeroechelon/outpost/pkg/log"
	"github.com/zeroechelon/outpost/pkg/metrics"
	"github.com/zeroechelon/outpost/pkg/store"
	"github.com/zeroechelon/outpost/pkg/types"
)

// maxScaleHistory bounds the rolling action history.
const maxScaleHistory = 100

// AutoscalerConfig tunes the demand-driven autoscaler.
type AutoscalerConfig struct {
	EvaluationInterval time.Duration
	Cooldown           time.Duration
	ScaleUpThreshold   float64
	ScaleDownThreshold float64
	ScaleDownDelay     time.Duration
	MinPoolSize        int
	MaxPoolSize        int
	QueueDepthSource   config.QueueDepthSource
}

// ScaleAction is one autoscaler decision, kept in the rolling history.
type ScaleAction struct {
	Agent      types.AgentKind `json:"agent"`
	Direction  string          `json:"direction"` // "up" or "down"
	FromTarget int             `json:"from_target"`
	ToTarget   int             `json:"to_target"`
	QueueDepth int             `json:"queue_depth"`
	At         time.Time       `json:"at"`
}

// Autoscaler adjusts per-agent pool targets from observed demand on an
// independent tick.
type Autoscaler struct {
	manager    *Manager
	dispatches store.DispatchStore
	cfg        AutoscalerConfig

	mu             sync.Mutex
	lastAction     map[types.AgentKind]time.Time
	scaleDownSince map[types.AgentKind]time.Time
	history        []ScaleAction

	stopCh chan struct{}
	doneCh chan struct{}
	now    func() time.Time
}

// NewAutoscaler creates an autoscaler with the documented defaults for
// any zero config field.
func NewAutoscaler(manager *Manager, dispatches store.DispatchStore, cfg AutoscalerConfig) *Autoscaler {
	if cfg.EvaluationInterval <= 0 {
		cfg.EvaluationInterval = 30 * time.Second
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 5 * time.Minute
	}
	if cfg.ScaleUpThreshold <= 0 {
		cfg.ScaleUpThreshold = 2.0
	}
	if cfg.ScaleDownThreshold <= 0 {
		cfg.ScaleDownThreshold = 0.5
	}
	if cfg.ScaleDownDelay <= 0 {
		cfg.ScaleDownDelay = 10 * time.Minute
	}
	if cfg.MinPoolSize <= 0 {
		cfg.MinPoolSize = 1
	}
	if cfg.MaxPoolSize <= 0 {
		cfg.MaxPoolSize = 10
	}
	if cfg.QueueDepthSource == "" {
		cfg.QueueDepthSource = config.QueueDepthStore
	}
	return &Autoscaler{
		manager:        manager,
		dispatches:     dispatches,
		cfg:            cfg,
		lastAction:     make(map[types.AgentKind]time.Time),
		scaleDownSince: make(map[types.AgentKind]time.Time),
		stopCh:         make(chan struct{}),
		doneCh:         make(chan struct{}),
		now:            time.Now,
	}
}

// Start begins the evaluation loop.
func (a *Autoscaler) Start() {
	go a.run()
}

// Stop halts the loop.
func (a *Autoscaler) Stop() {
	close(a.stopCh)
	<-a.doneCh
}

// History returns a copy of the rolling action history, newest last.
func (a *Autoscaler) History() []ScaleAction {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]ScaleAction, len(a.history))
	copy(out, a.history)
	return out
}

// LastAction reports the most recent scale action across agents.
func (a *Autoscaler) LastAction() *time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	var latest time.Time
	for _, t := range a.lastAction {
		if t.After(latest) {
			latest = t
		}
	}
	if latest.IsZero() {
		return nil
	}
	return &latest
}

func (a *Autoscaler) run() {
	defer close(a.doneCh)

	ticker := time.NewTicker(a.cfg.EvaluationInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), a.cfg.EvaluationInterval)
			a.Evaluate(ctx)
			cancel()
		case <-a.stopCh:
			return
		}
	}
}

// Evaluate runs one autoscaling pass over every agent.
func (a *Autoscaler) Evaluate(ctx context.Context) {
	for _, agent := range types.AllAgents {
		if err := a.evaluateAgent(ctx, agent); err != nil {
			log.WithComponent("autoscaler").Warn().Err(err).
				Str("agent", string(agent)).
				Msg("evaluation failed")
		}
	}
}

func (a *Autoscaler) evaluateAgent(ctx context.Context, agent types.AgentKind) error {
	idle, inUse, _, err := a.manager.Counts(ctx, agent)
	if err != nil {
		return err
	}
	total := idle + inUse
	target := a.manager.Target(agent)
	now := a.now()

	queueDepth, err := a.queueDepth(ctx, agent, idle, inUse, total)
	if err != nil {
		return err
	}

	// Cooldown: one scale action per agent per window.
	a.mu.Lock()
	last := a.lastAction[agent]
	a.mu.Unlock()
	if !last.IsZero() && now.Sub(last) < a.cfg.Cooldown {
		return nil
	}

	denom := total
	if denom < 1 {
		denom = 1
	}
	pressure := float64(queueDepth) / float64(denom)

	if pressure > a.cfg.ScaleUpThreshold {
		demand := int(math.Ceil(float64(queueDepth) / a.cfg.ScaleUpThreshold))
		newTarget := demand
		if target+1 > newTarget {
			newTarget = target + 1
		}
		newTarget = clamp(newTarget, a.cfg.MinPoolSize, a.cfg.MaxPoolSize)
		if newTarget > target {
			a.execute(ctx, agent, "up", target, newTarget, queueDepth, now)
		}
		a.resetScaleDown(agent)
		return nil
	}

	if total > 0 && float64(idle)/float64(total) > a.cfg.ScaleDownThreshold && target > a.cfg.MinPoolSize {
		a.mu.Lock()
		since := a.scaleDownSince[agent]
		if since.IsZero() {
			a.scaleDownSince[agent] = now
			a.mu.Unlock()
			return nil
		}
		held := now.Sub(since)
		a.mu.Unlock()

		if held >= a.cfg.ScaleDownDelay {
			a.execute(ctx, agent, "down", target, target-1, queueDepth, now)
			a.resetScaleDown(agent)
		}
		return nil
	}

	// Condition not met this cycle; the delay timer starts over.
	a.resetScaleDown(agent)
	return nil
}

// queueDepth estimates pending demand. The store path counts PENDING
// dispatch records; the heuristic derives depth from acquire wait
// samples when the pool is saturated. With the store source the
// heuristic still acts as a floor.
func (a *Autoscaler) queueDepth(ctx context.Context, agent types.AgentKind, idle, inUse, total int) (int, error) {
	heuristic := 0
	if idle == 0 && total > 0 && inUse == total {
		heuristic = int(math.Ceil(a.manager.samples.AvgWaitMs(agent) / 1000))
	}

	if a.cfg.QueueDepthSource == config.QueueDepthHeuristic {
		return heuristic, nil
	}

	depth, err := a.dispatches.CountPendingByAgent(ctx, agent)
	if err != nil {
		log.WithComponent("autoscaler").Warn().Err(err).
			Str("agent", string(agent)).
			Msg("pending count unavailable, using heuristic")
		return heuristic, nil
	}
	if heuristic > depth {
		depth = heuristic
	}
	return depth, nil
}

func (a *Autoscaler) execute(ctx context.Context, agent types.AgentKind, direction string, from, to, queueDepth int, now time.Time) {
	a.manager.SetTarget(agent, to)

	if direction == "up" {
		a.manager.samples.Reset(agent)
		if err := a.manager.WarmPool(ctx, []types.AgentKind{agent}); err != nil {
			log.WithComponent("autoscaler").Warn().Err(err).
				Str("agent", string(agent)).
				Msg("scale-up warm failed")
		}
		a.manager.publish(events.EventPoolScaledUp, agent, "", "scale up")
	} else {
		// Mark the surplus idle entries; the lifecycle loop finishes the
		// teardown.
		excess := from - to
		entries, err := a.manager.store.GetIdleTasks(ctx, agent, excess)
		if err != nil {
			log.WithComponent("autoscaler").Warn().Err(err).
				Str("agent", string(agent)).
				Msg("scale-down idle lookup failed")
		}
		for _, e := range entries {
			if err := a.manager.store.MarkTerminating(ctx, agent, e.TaskArn); err != nil {
				log.WithComponent("autoscaler").Warn().Err(err).
					Str("task_arn", e.TaskArn).
					Msg("scale-down mark failed")
			}
		}
		a.manager.publish(events.EventPoolScaledDown, agent, "", "scale down")
	}

	metrics.AutoscalerActions.WithLabelValues(string(agent), direction).Inc()
	log.WithComponent("autoscaler").Info().
		Str("agent", string(agent)).
		Str("direction", direction).
		Int("from", from).
		Int("to", to).
		Int("queue_depth", queueDepth).
		Msg("scaled pool")

	a.mu.Lock()
	a.lastAction[agent] = now
	a.history = append(a.history, ScaleAction{
		Agent:      agent,
		Direction:  direction,
		FromTarget: from,
		ToTarget:   to,
		QueueDepth: queueDepth,
		At:         now,
	})
	if len(a.history) > maxScaleHistory {
		a.history = a.history[len(a.history)-maxScaleHistory:]
	}
	a.mu.Unlock()
}

func (a *Autoscaler) resetScaleDown(agent types.AgentKind) {
	a.mu.Lock()
	delete(a.scaleDownSince, agent)
	a.mu.Unlock()
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
