// Package launcher starts worker containers on the container runtime,
// retrying capacity failures across availability zones.
package launcher

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/zeroechelon/outpost/pkg/cloud"
	"github.com/zeroechelon/outpost/pkg/errdefs"
	"github.com/zeroechelon/outpost/pkg/log"
	"github.com/zeroechelon/outpost/pkg/metrics"
	"github.com/zeroechelon/outpost/pkg/secrets"
	"github.com/zeroechelon/outpost/pkg/selector"
	"github.com/zeroechelon/outpost/pkg/types"
)

const (
	// maxLaunchAttempts bounds capacity retries. Non-capacity failures
	// are fatal on the first attempt.
	maxLaunchAttempts = 3
	// defaultRetryBaseDelay paces retries linearly: base × attempt.
	defaultRetryBaseDelay = 2 * time.Second
	// containerName is the worker container within the task definition.
	containerName = "agent"
)

// Resource constraint bounds, validated upstream by the dispatcher and
// re-checked here since LaunchTask is also reachable from pool warming.
const (
	MinMemoryMB = 512
	MaxMemoryMB = 30720
	MinCPUUnits = 256
	MaxCPUUnits = 4096
	MinDiskGB   = 21
	MaxDiskGB   = 200
)

// Config carries the runtime placement settings for launches.
type Config struct {
	Cluster       string
	Subnets       []string
	SecurityGroup string
	OutputBucket  string
	Region        string
	Environment   string

	// RetryBaseDelay overrides the 2s linear retry base. Tests shrink it.
	RetryBaseDelay time.Duration
}

// Request describes one worker launch.
type Request struct {
	DispatchID          string
	UserID              string
	Agent               types.AgentKind
	Task                string
	WorkspaceMode       types.WorkspaceMode
	WorkspaceInitMode   types.WorkspaceInitMode
	TimeoutSeconds      int
	ModelID             string
	RepoURL             string
	ResourceConstraints *types.ResourceConstraints
}

// Result is the runtime's answer to a successful launch.
type Result struct {
	TaskArn   string
	StartedAt time.Time
	TaskDef   *types.TaskDefinition
}

// Launcher starts workers on the container runtime.
type Launcher struct {
	runtime  cloud.ContainerRuntime
	injector *secrets.Injector
	cfg      Config
}

// New creates a launcher.
func New(runtime cloud.ContainerRuntime, injector *secrets.Injector, cfg Config) *Launcher {
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = defaultRetryBaseDelay
	}
	return &Launcher{runtime: runtime, injector: injector, cfg: cfg}
}

// LaunchTask selects a task definition, validates the agent's secrets,
// and starts the worker. Capacity failures retry up to three times with
// linear back-off, rotating the subnet list so each attempt lands in a
// different availability zone. Any other failure is fatal immediately.
func (l *Launcher) LaunchTask(ctx context.Context, req Request) (*Result, error) {
	taskDef, err := selector.SelectTaskDefinition(req.Agent, req.ModelID)
	if err != nil {
		return nil, err
	}

	secretSet, err := l.injector.BuildContainerSecrets(ctx, req.Agent, req.UserID, nil)
	if err != nil {
		return nil, err
	}

	cpu, memMB, diskGB, err := l.resolveResources(taskDef, req.ResourceConstraints)
	if err != nil {
		return nil, err
	}

	env := l.buildEnvironment(req, taskDef, secretSet)
	tags := map[string]string{
		"dispatchId":  req.DispatchID,
		"agent":       string(req.Agent),
		"tenantId":    req.UserID,
		"environment": l.cfg.Environment,
	}

	lg := log.WithComponent("launcher")

	var (
		out      *cloud.RunTaskOutput
		attempt  int
		lastFail string
	)
	operation := func() error {
		attempt++
		subnets := rotateSubnets(l.cfg.Subnets, attempt-1)
		res, err := l.runtime.RunTask(ctx, cloud.RunTaskInput{
			TaskDefinition: taskDef.TaskDefArn,
			Cluster:        l.cfg.Cluster,
			Subnets:        subnets,
			SecurityGroups: []string{l.cfg.SecurityGroup},
			AssignPublicIP: false,
			ContainerName:  containerName,
			Environment:    env,
			CPUUnits:       cpu,
			MemoryMB:       memMB,
			EphemeralDiskGB: diskGB,
			Tags:           tags,
			EnableExec:     false,
		})
		if err != nil {
			var capErr *cloud.CapacityError
			if errors.As(err, &capErr) {
				lastFail = capErr.Reason
				metrics.LaunchAttempts.WithLabelValues(string(req.Agent), "capacity").Inc()
				metrics.LaunchCapacityRetries.Inc()
				lg.Warn().
					Str("dispatch_id", req.DispatchID).
					Int("attempt", attempt).
					Str("reason", capErr.Reason).
					Msg("capacity failure, rotating subnets")
				return err
			}
			metrics.LaunchAttempts.WithLabelValues(string(req.Agent), "error").Inc()
			return backoff.Permanent(err)
		}
		out = res
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(&linearBackOff{base: l.cfg.RetryBaseDelay}, maxLaunchAttempts-1),
		ctx,
	)
	if err := backoff.Retry(operation, policy); err != nil {
		var capErr *cloud.CapacityError
		if errors.As(err, &capErr) {
			return nil, errdefs.ServiceUnavailable(30,
				"worker launch failed after %d attempts: %s", attempt, lastFail)
		}
		return nil, err
	}

	metrics.LaunchAttempts.WithLabelValues(string(req.Agent), "success").Inc()
	return &Result{TaskArn: out.TaskArn, StartedAt: out.StartedAt, TaskDef: taskDef}, nil
}

// VerifyTaskRunning reports whether the runtime still considers the
// worker alive (PROVISIONING, PENDING, or RUNNING).
func (l *Launcher) VerifyTaskRunning(ctx context.Context, taskArn string) (bool, error) {
	status, err := l.runtime.DescribeTask(ctx, l.cfg.Cluster, taskArn)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	switch status.LastStatus {
	case "PROVISIONING", "PENDING", "RUNNING":
		return true, nil
	}
	return false, nil
}

// StopTask stops a worker on the runtime.
func (l *Launcher) StopTask(ctx context.Context, taskArn, reason string) error {
	return l.runtime.StopTask(ctx, l.cfg.Cluster, taskArn, reason)
}

func (l *Launcher) resolveResources(taskDef *types.TaskDefinition, rc *types.ResourceConstraints) (cpu, memMB, diskGB int, err error) {
	cpu, memMB, diskGB = taskDef.CPU, taskDef.MemoryMB, 0
	if rc == nil {
		return cpu, memMB, diskGB, nil
	}

	var fields []string
	if rc.MaxCPUUnits != nil {
		if *rc.MaxCPUUnits < MinCPUUnits || *rc.MaxCPUUnits > MaxCPUUnits {
			fields = append(fields, fmt.Sprintf("maxCpuUnits: %d outside [%d, %d]", *rc.MaxCPUUnits, MinCPUUnits, MaxCPUUnits))
		} else {
			cpu = *rc.MaxCPUUnits
		}
	}
	if rc.MaxMemoryMB != nil {
		if *rc.MaxMemoryMB < MinMemoryMB || *rc.MaxMemoryMB > MaxMemoryMB {
			fields = append(fields, fmt.Sprintf("maxMemoryMb: %d outside [%d, %d]", *rc.MaxMemoryMB, MinMemoryMB, MaxMemoryMB))
		} else {
			memMB = *rc.MaxMemoryMB
		}
	}
	if rc.MaxDiskGB != nil {
		if *rc.MaxDiskGB < MinDiskGB || *rc.MaxDiskGB > MaxDiskGB {
			fields = append(fields, fmt.Sprintf("maxDiskGb: %d outside [%d, %d]", *rc.MaxDiskGB, MinDiskGB, MaxDiskGB))
		} else {
			diskGB = *rc.MaxDiskGB
		}
	}
	if len(fields) > 0 {
		return 0, 0, 0, errdefs.Validation("invalid resource constraints", fields...)
	}
	return cpu, memMB, diskGB, nil
}

func (l *Launcher) buildEnvironment(req Request, taskDef *types.TaskDefinition, secretSet *secrets.ContainerSecrets) map[string]string {
	env := map[string]string{
		"DISPATCH_ID":         req.DispatchID,
		"AGENT_TYPE":          string(req.Agent),
		"MODEL_ID":            taskDef.ModelID,
		"TASK":                req.Task,
		"WORKSPACE_MODE":      string(req.WorkspaceMode),
		"WORKSPACE_INIT_MODE": string(req.WorkspaceInitMode),
		"TIMEOUT_SECONDS":     strconv.Itoa(req.TimeoutSeconds),
		"OUTPUT_BUCKET":       l.cfg.OutputBucket,
		"USER_ID":             req.UserID,
		"REGION":              l.cfg.Region,
		"ENVIRONMENT":         l.cfg.Environment,
	}
	if req.RepoURL != "" {
		env["REPO_URL"] = req.RepoURL
	}
	// The secret env names ride along so the worker init script knows
	// which bindings to expect; values arrive via the task definition.
	for i, s := range secretSet.Secrets {
		env[fmt.Sprintf("SECRET_BINDING_%d", i)] = s.EnvName
	}
	return env
}

// rotateSubnets cyclically shifts the subnet list so retry n targets a
// different availability zone first.
func rotateSubnets(subnets []string, shift int) []string {
	n := len(subnets)
	if n == 0 {
		return nil
	}
	shift = shift % n
	out := make([]string, 0, n)
	out = append(out, subnets[shift:]...)
	out = append(out, subnets[:shift]...)
	return out
}

// linearBackOff waits base × attempt between retries: 2s, then 4s with
// the default base.
type linearBackOff struct {
	base    time.Duration
	attempt int
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.attempt++
	return b.base * time.Duration(b.attempt)
}

func (b *linearBackOff) Reset() { b.attempt = 0 }
