package pool

import (
	"context"
	"sync"
	"time"

	"github.com/zeroechelon/outpost/pkg/cloud"
	"github.com/zeroechelon/outpost/pkg/errdefs"
	"github.com/zeroechelon/outpost/pkg/events"
	"github.com/zeroechelon/outpost/pkg/log"
	"github.com/zeroechelon/outpost/pkg/metrics"
	"github.com/zeroechelon/outpost/pkg/types"
)

// LifecycleConfig tunes the health-check loop.
type LifecycleConfig struct {
	HealthCheckInterval time.Duration
	WarmOnStart         bool
	// CycleTimeout bounds one health pass against the stores and runtime.
	CycleTimeout time.Duration
}

// Lifecycle runs the periodic pool health loop: idle TTL enforcement,
// runtime health checks, teardown completion, and pool size repair.
type Lifecycle struct {
	manager *Manager
	runtime cloud.ContainerRuntime
	cluster string
	cfg     LifecycleConfig

	mu           sync.Mutex
	stopCh       chan struct{}
	doneCh       chan struct{}
	started      bool
	shuttingDown bool
}

// NewLifecycle creates the pool lifecycle loop.
func NewLifecycle(manager *Manager, runtime cloud.ContainerRuntime, cluster string, cfg LifecycleConfig) *Lifecycle {
	if cfg.HealthCheckInterval <= 0 {
		cfg.HealthCheckInterval = 60 * time.Second
	}
	if cfg.CycleTimeout <= 0 {
		cfg.CycleTimeout = cfg.HealthCheckInterval
	}
	return &Lifecycle{
		manager: manager,
		runtime: runtime,
		cluster: cluster,
		cfg:     cfg,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Start pre-warms the pool when configured and begins the health loop.
func (l *Lifecycle) Start() {
	l.mu.Lock()
	l.started = true
	l.mu.Unlock()
	if l.cfg.WarmOnStart {
		ctx, cancel := context.WithTimeout(context.Background(), l.cfg.CycleTimeout)
		if err := l.manager.WarmPool(ctx, nil); err != nil {
			log.WithComponent("pool-lifecycle").Warn().Err(err).Msg("pre-warm failed")
		}
		cancel()
	}
	go l.run()
}

// Stop halts the loop without draining. DrainPool is the shutdown path.
// Safe to call more than once, and before Start.
func (l *Lifecycle) Stop() {
	l.mu.Lock()
	if l.shuttingDown {
		l.mu.Unlock()
		return
	}
	l.shuttingDown = true
	started := l.started
	close(l.stopCh)
	l.mu.Unlock()
	if started {
		<-l.doneCh
	}
}

// ShuttingDown reports whether the pool is draining or stopped.
func (l *Lifecycle) ShuttingDown() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.shuttingDown
}

func (l *Lifecycle) run() {
	defer close(l.doneCh)

	ticker := time.NewTicker(l.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), l.cfg.CycleTimeout)
			if err := l.healthCycle(ctx); err != nil {
				log.WithComponent("pool-lifecycle").Warn().Err(err).Msg("health cycle failed")
			}
			cancel()
		case <-l.stopCh:
			return
		}
	}
}

// healthCycle is one pass over every agent's pool.
func (l *Lifecycle) healthCycle(ctx context.Context) error {
	for _, agent := range types.AllAgents {
		if err := l.checkAgent(ctx, agent); err != nil {
			log.WithComponent("pool-lifecycle").Warn().Err(err).
				Str("agent", string(agent)).
				Msg("agent health pass failed")
		}
		if err := l.ensurePoolSize(ctx, agent); err != nil {
			log.WithComponent("pool-lifecycle").Warn().Err(err).
				Str("agent", string(agent)).
				Msg("ensure pool size failed")
		}
	}
	return nil
}

func (l *Lifecycle) checkAgent(ctx context.Context, agent types.AgentKind) error {
	entries, err := l.manager.store.ListByAgent(ctx, agent)
	if err != nil {
		return err
	}

	now := l.manager.now()
	for _, e := range entries {
		if e.Status == types.PoolTerminating {
			// A terminating entry must be gone within one cycle.
			l.finishTeardown(ctx, agent, e.TaskArn)
			continue
		}

		if e.Status == types.PoolIdle && now.Sub(e.LastUsedAt) > l.manager.IdleTimeout() {
			l.replace(ctx, agent, e.TaskArn, "idle timeout")
			continue
		}

		healthy, reason := l.taskHealthy(ctx, e.TaskArn)
		if !healthy {
			l.replace(ctx, agent, e.TaskArn, reason)
		}
	}
	return nil
}

// taskHealthy asks the runtime about one worker. Healthy means
// PROVISIONING, PENDING, or RUNNING with no stopped reason and no
// stopped container.
func (l *Lifecycle) taskHealthy(ctx context.Context, taskArn string) (bool, string) {
	status, err := l.runtime.DescribeTask(ctx, l.cluster, taskArn)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return false, "Task not found"
		}
		// Transient describe failure; leave the entry alone this cycle.
		return true, ""
	}

	switch status.LastStatus {
	case "PROVISIONING", "PENDING", "RUNNING":
		if status.StoppedReason != "" {
			return false, status.StoppedReason
		}
	default:
		return false, "task status " + status.LastStatus
	}
	for _, c := range status.Containers {
		if c.LastStatus == "STOPPED" {
			return false, "container " + c.Name + " stopped"
		}
	}
	return true, ""
}

func (l *Lifecycle) replace(ctx context.Context, agent types.AgentKind, taskArn, reason string) {
	if err := l.manager.TerminateTask(ctx, agent, taskArn, reason); err != nil {
		log.WithComponent("pool-lifecycle").Warn().Err(err).
			Str("task_arn", taskArn).
			Msg("terminate failed")
		return
	}
	metrics.PoolTasksRecycled.WithLabelValues(string(agent), "unhealthy").Inc()
	l.manager.publish(events.EventPoolTaskReplaced, agent, taskArn, reason)
	// ensurePoolSize provisions the replacement after the pass.
}

// finishTeardown removes an entry stuck in terminating: stop the worker
// if the runtime still has it, then delete the entry.
func (l *Lifecycle) finishTeardown(ctx context.Context, agent types.AgentKind, taskArn string) {
	if err := l.manager.launcher.StopTask(ctx, taskArn, "pool teardown"); err != nil && !errdefs.IsNotFound(err) {
		log.WithComponent("pool-lifecycle").Warn().Err(err).
			Str("task_arn", taskArn).
			Msg("teardown stop failed")
	}
	if err := l.manager.store.Delete(ctx, agent, taskArn); err != nil && !errdefs.IsNotFound(err) {
		log.WithComponent("pool-lifecycle").Warn().Err(err).
			Str("task_arn", taskArn).
			Msg("teardown delete failed")
	}
}

// ensurePoolSize provisions max(0, target − (idle+inUse)) new workers.
func (l *Lifecycle) ensurePoolSize(ctx context.Context, agent types.AgentKind) error {
	if l.ShuttingDown() {
		return nil
	}
	idle, inUse, _, err := l.manager.Counts(ctx, agent)
	if err != nil {
		return err
	}
	need := l.manager.Target(agent) - (idle + inUse)
	for i := 0; i < need; i++ {
		if err := l.manager.warmOne(ctx, agent); err != nil {
			return err
		}
	}
	return nil
}

// DrainPool stops the health loop and terminates every idle entry.
// In-use workers are left to finish their dispatches.
func (l *Lifecycle) DrainPool(ctx context.Context) error {
	l.Stop()

	for _, agent := range types.AllAgents {
		entries, err := l.manager.store.ListByAgent(ctx, agent)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if e.Status != types.PoolIdle {
				continue
			}
			if err := l.manager.TerminateTask(ctx, agent, e.TaskArn, "pool drain"); err != nil {
				log.WithComponent("pool-lifecycle").Warn().Err(err).
					Str("task_arn", e.TaskArn).
					Msg("drain terminate failed")
			}
		}
	}
	l.manager.publish(events.EventPoolDrained, "", "", "pool drained")
	return nil
}
