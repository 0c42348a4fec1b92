// Package pool keeps warm workers ready per agent kind: the manager
// handles acquire/release/recycle/warm, the lifecycle loop enforces
// health and idle TTLs, and the autoscaler adjusts targets to demand.
package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/zeroechelon/outpost/pkg/errdefs"
	"github.com/zeroechelon/outpost/pkg/events"
	"github.com/zeroechelon/outpost/pkg/launcher"
	"github.com/zeroechelon/outpost/pkg/log"
	"github.com/zeroechelon/outpost/pkg/metrics"
	"github.com/zeroechelon/outpost/pkg/store"
	"github.com/zeroechelon/outpost/pkg/types"
)

// WarmSentinel is the task text pool workers receive; the worker init
// script recognizes it and goes into standby instead of running a job.
const WarmSentinel = "pool-warm"

// sampleWindowSpan is how far back acquire samples count.
const sampleWindowSpan = 5 * time.Minute

// Config tunes the warm pool manager.
type Config struct {
	SizePerAgent       int
	IdleTimeout        time.Duration
	ScaleUpThreshold   float64
	ScaleDownThreshold float64
}

// Manager implements the warm pool operations.
type Manager struct {
	store    store.PoolStore
	launcher *launcher.Launcher
	broker   *events.Broker
	cfg      Config

	mu      sync.Mutex
	targets map[types.AgentKind]int

	samples *sampleWindow
	now     func() time.Time
}

// NewManager creates a warm pool manager with the documented defaults
// for any zero config field.
func NewManager(s store.PoolStore, l *launcher.Launcher, broker *events.Broker, cfg Config) *Manager {
	if cfg.SizePerAgent <= 0 {
		cfg.SizePerAgent = 2
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 15 * time.Minute
	}
	if cfg.ScaleUpThreshold <= 0 {
		cfg.ScaleUpThreshold = 0.8
	}
	if cfg.ScaleDownThreshold <= 0 {
		cfg.ScaleDownThreshold = 0.2
	}
	m := &Manager{
		store:    s,
		launcher: l,
		broker:   broker,
		cfg:      cfg,
		targets:  make(map[types.AgentKind]int),
		samples:  newSampleWindow(sampleWindowSpan),
		now:      time.Now,
	}
	for _, agent := range types.AllAgents {
		m.targets[agent] = cfg.SizePerAgent
	}
	return m
}

// Target returns the current pool target for an agent.
func (m *Manager) Target(agent types.AgentKind) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.targets[agent]
}

// SetTarget updates the pool target for an agent.
func (m *Manager) SetTarget(agent types.AgentKind, target int) {
	m.mu.Lock()
	m.targets[agent] = target
	m.mu.Unlock()
	metrics.PoolTargetSize.WithLabelValues(string(agent)).Set(float64(target))
}

// BaseSize is the configured per-agent pool size.
func (m *Manager) BaseSize() int { return m.cfg.SizePerAgent }

// IdleTimeout is the configured idle TTL.
func (m *Manager) IdleTimeout() time.Duration { return m.cfg.IdleTimeout }

// AcquireTask claims one idle worker for an agent, or nil when the pool
// has none. On losing the claim race it retries once against the next
// idle entry.
func (m *Manager) AcquireTask(ctx context.Context, agent types.AgentKind) (*types.PoolEntry, error) {
	return m.acquire(ctx, agent, m.now(), true)
}

func (m *Manager) acquire(ctx context.Context, agent types.AgentKind, startedAt time.Time, retry bool) (*types.PoolEntry, error) {
	idle, err := m.store.GetIdleTasks(ctx, agent, 1)
	if err != nil {
		return nil, err
	}
	if len(idle) == 0 {
		m.samples.RecordFailure(agent)
		metrics.PoolAcquireFailures.WithLabelValues(string(agent)).Inc()
		return nil, nil
	}

	entry, err := m.store.MarkInUse(ctx, agent, idle[0].TaskArn)
	if err != nil {
		if errdefs.IsNotFound(err) && retry {
			// Lost the race; one more look at whatever is idle now.
			return m.acquire(ctx, agent, startedAt, false)
		}
		if errdefs.IsNotFound(err) {
			m.samples.RecordFailure(agent)
			metrics.PoolAcquireFailures.WithLabelValues(string(agent)).Inc()
			return nil, nil
		}
		return nil, err
	}

	wait := m.now().Sub(startedAt)
	m.samples.RecordAcquire(agent, wait)
	metrics.PoolAcquireWait.Observe(wait.Seconds())
	return entry, nil
}

// ReleaseTask returns a worker to the pool, or terminates it when the
// pool is already at target. A vanished entry (TTL expiry, concurrent
// teardown) is logged and swallowed.
func (m *Manager) ReleaseTask(ctx context.Context, agent types.AgentKind, taskArn string) error {
	idleStatus := types.PoolIdle
	idleCount, err := m.store.CountByAgent(ctx, agent, &idleStatus)
	if err != nil {
		return err
	}

	if idleCount >= m.Target(agent) {
		return m.TerminateTask(ctx, agent, taskArn, "pool at target")
	}

	if err := m.store.MarkIdle(ctx, agent, taskArn); err != nil {
		if errdefs.IsNotFound(err) {
			log.WithComponent("pool").Warn().
				Str("agent", string(agent)).
				Str("task_arn", taskArn).
				Msg("release: pool entry no longer exists")
			metrics.PoolReleaseNotFound.Inc()
			return nil
		}
		return err
	}
	return nil
}

// TerminateTask drives an entry to removal: terminating in the store,
// stop on the runtime, delete. Stop failures do not block the delete;
// the runtime reaps stopped tasks on its own.
func (m *Manager) TerminateTask(ctx context.Context, agent types.AgentKind, taskArn, reason string) error {
	if err := m.store.MarkTerminating(ctx, agent, taskArn); err != nil {
		if errdefs.IsNotFound(err) {
			metrics.PoolReleaseNotFound.Inc()
			return nil
		}
		return err
	}
	if err := m.launcher.StopTask(ctx, taskArn, reason); err != nil {
		log.WithComponent("pool").Warn().Err(err).
			Str("task_arn", taskArn).
			Msg("stop task failed during terminate")
	}
	return m.store.Delete(ctx, agent, taskArn)
}

// RecycleIdleTasks terminates every idle entry past the idle TTL.
func (m *Manager) RecycleIdleTasks(ctx context.Context) error {
	now := m.now()
	for _, agent := range types.AllAgents {
		entries, err := m.store.ListByAgent(ctx, agent)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if e.Status != types.PoolIdle {
				continue
			}
			if now.Sub(e.LastUsedAt) <= m.cfg.IdleTimeout {
				continue
			}
			if err := m.TerminateTask(ctx, agent, e.TaskArn, "idle timeout"); err != nil {
				log.WithComponent("pool").Warn().Err(err).
					Str("agent", string(agent)).
					Str("task_arn", e.TaskArn).
					Msg("recycle failed")
				continue
			}
			metrics.PoolTasksRecycled.WithLabelValues(string(agent), "idle_timeout").Inc()
			m.publish(events.EventPoolTaskRecycled, agent, e.TaskArn, "idle timeout")
		}
	}
	return nil
}

// WarmPool provisions placeholder workers until each agent's idle count
// meets its target. A nil agent list warms every agent.
func (m *Manager) WarmPool(ctx context.Context, agents []types.AgentKind) error {
	if agents == nil {
		agents = types.AllAgents
	}
	for _, agent := range agents {
		idleStatus := types.PoolIdle
		idle, err := m.store.CountByAgent(ctx, agent, &idleStatus)
		if err != nil {
			return err
		}
		need := m.Target(agent) - idle
		for i := 0; i < need; i++ {
			if err := m.warmOne(ctx, agent); err != nil {
				log.WithComponent("pool").Warn().Err(err).
					Str("agent", string(agent)).
					Msg("pool warm launch failed")
				break
			}
		}
	}
	return nil
}

func (m *Manager) warmOne(ctx context.Context, agent types.AgentKind) error {
	res, err := m.launcher.LaunchTask(ctx, launcher.Request{
		DispatchID:        fmt.Sprintf("pool-%s-%d", agent, m.now().UnixMilli()),
		UserID:            "pool",
		Agent:             agent,
		Task:              WarmSentinel,
		WorkspaceMode:     types.WorkspaceEphemeral,
		WorkspaceInitMode: types.InitNone,
		TimeoutSeconds:    0,
	})
	if err != nil {
		return err
	}

	now := m.now().UTC()
	entry := &types.PoolEntry{
		Agent:      agent,
		TaskArn:    res.TaskArn,
		Status:     types.PoolIdle,
		CreatedAt:  now,
		LastUsedAt: now,
	}
	if err := m.store.Create(ctx, entry); err != nil {
		// Orphaned worker; stop it rather than leak it.
		if stopErr := m.launcher.StopTask(ctx, res.TaskArn, "pool entry write failed"); stopErr != nil {
			log.WithComponent("pool").Error().Err(stopErr).
				Str("task_arn", res.TaskArn).
				Msg("failed to stop orphaned pool worker")
		}
		return err
	}
	m.publish(events.EventPoolTaskWarmed, agent, res.TaskArn, "")
	return nil
}

// Counts reports (idle, inUse, terminating) for an agent.
func (m *Manager) Counts(ctx context.Context, agent types.AgentKind) (idle, inUse, terminating int, err error) {
	entries, err := m.store.ListByAgent(ctx, agent)
	if err != nil {
		return 0, 0, 0, err
	}
	for _, e := range entries {
		switch e.Status {
		case types.PoolIdle:
			idle++
		case types.PoolInUse:
			inUse++
		case types.PoolTerminating:
			terminating++
		}
	}
	metrics.PoolEntries.WithLabelValues(string(agent), "idle").Set(float64(idle))
	metrics.PoolEntries.WithLabelValues(string(agent), "in_use").Set(float64(inUse))
	metrics.PoolEntries.WithLabelValues(string(agent), "terminating").Set(float64(terminating))
	return idle, inUse, terminating, nil
}

// AutoScale applies the utilization policy: grow the target (up to twice
// the configured size) when the pool runs hot, shed surplus idle workers
// when it runs cold.
func (m *Manager) AutoScale(ctx context.Context) error {
	for _, agent := range types.AllAgents {
		idle, inUse, _, err := m.Counts(ctx, agent)
		if err != nil {
			return err
		}
		total := idle + inUse
		if total == 0 {
			continue
		}
		utilization := float64(inUse) / float64(total)
		target := m.Target(agent)

		rate := m.samples.AcquireRatePerMinute(agent)
		if utilization > m.cfg.ScaleUpThreshold || rate > float64(target) {
			maxTarget := 2 * m.cfg.SizePerAgent
			if target < maxTarget {
				m.SetTarget(agent, target+1)
				metrics.AutoscalerActions.WithLabelValues(string(agent), "up").Inc()
				if err := m.WarmPool(ctx, []types.AgentKind{agent}); err != nil {
					return err
				}
			}
			continue
		}

		if utilization < m.cfg.ScaleDownThreshold && idle > m.cfg.SizePerAgent {
			excess := idle - m.cfg.SizePerAgent
			entries, err := m.store.GetIdleTasks(ctx, agent, excess)
			if err != nil {
				return err
			}
			for _, e := range entries {
				if err := m.TerminateTask(ctx, agent, e.TaskArn, "scale down"); err != nil {
					log.WithComponent("pool").Warn().Err(err).
						Str("task_arn", e.TaskArn).
						Msg("scale-down terminate failed")
				}
			}
			metrics.AutoscalerActions.WithLabelValues(string(agent), "down").Inc()
		}
	}
	return nil
}

// Health assembles the per-agent pool health report.
func (m *Manager) Health(ctx context.Context) (*types.PoolHealth, error) {
	report := &types.PoolHealth{}
	for _, agent := range types.AllAgents {
		idle, inUse, terminating, err := m.Counts(ctx, agent)
		if err != nil {
			return nil, err
		}
		total := idle + inUse
		var utilization float64
		if total > 0 {
			utilization = float64(inUse) / float64(total)
		}
		report.Agents = append(report.Agents, types.PoolAgentHealth{
			Agent:       agent,
			Idle:        idle,
			InUse:       inUse,
			Terminating: terminating,
			Target:      m.Target(agent),
			Utilization: utilization,
		})
	}
	return report, nil
}

func (m *Manager) publish(typ events.EventType, agent types.AgentKind, taskArn, msg string) {
	if m.broker == nil {
		return
	}
	m.broker.Publish(&events.Event{
		Type:    typ,
		Message: msg,
		Metadata: map[string]string{
			"agent":    string(agent),
			"task_arn": taskArn,
		},
	})
}
