package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/zeroechelon/outpost/pkg/audit"
	"github.com/zeroechelon/outpost/pkg/cloud"
	cloudaws "github.com/zeroechelon/outpost/pkg/cloud/aws"
	"github.com/zeroechelon/outpost/pkg/config"
	"github.com/zeroechelon/outpost/pkg/dispatcher"
	"github.com/zeroechelon/outpost/pkg/events"
	"github.com/zeroechelon/outpost/pkg/launcher"
	"github.com/zeroechelon/outpost/pkg/log"
	"github.com/zeroechelon/outpost/pkg/logstream"
	"github.com/zeroechelon/outpost/pkg/pool"
	"github.com/zeroechelon/outpost/pkg/secrets"
	"github.com/zeroechelon/outpost/pkg/status"
	"github.com/zeroechelon/outpost/pkg/store"
	storebolt "github.com/zeroechelon/outpost/pkg/store/bolt"
	storedynamo "github.com/zeroechelon/outpost/pkg/store/dynamo"
	"github.com/zeroechelon/outpost/pkg/workspace"
)

// app bundles every wired service behind one lifecycle.
type app struct {
	cfg *config.Config
	st  store.Store

	runtime cloud.ContainerRuntime

	broker     *events.Broker
	auditor    *audit.Logger
	injector   *secrets.Injector
	launcher   *launcher.Launcher
	manager    *pool.Manager
	lifecycle  *pool.Lifecycle
	autoscaler *pool.Autoscaler
	streamer   *logstream.Streamer
	tracker    *status.Tracker
	dispatcher *dispatcher.Dispatcher
	workspaces *workspace.Service
}

// buildApp loads configuration and wires the full service graph. The
// dispatcher singleton factory is installed as part of wiring.
func buildApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})

	awsCfg, err := cloudaws.LoadConfig(ctx, cfg.Region)
	if err != nil {
		return nil, fmt.Errorf("aws config: %w", err)
	}

	var st store.Store
	switch cfg.Store {
	case "dynamo":
		st = storedynamo.New(awsCfg, storedynamo.Tables{
			Dispatches:  cfg.DispatchTable,
			Idempotency: cfg.IdempotencyTable,
			Pool:        cfg.PoolTable,
			Workspaces:  cfg.WorkspaceTable,
			Audit:       cfg.AuditTable,
		})
	case "bolt":
		if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
			return nil, fmt.Errorf("data dir: %w", err)
		}
		bs, err := storebolt.Open(cfg.DataDir)
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
		st = bs
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store)
	}

	runtime := cloudaws.NewECSRuntime(awsCfg)
	objects := cloudaws.NewS3Store(awsCfg)
	logSvc := cloudaws.NewCloudWatchLogs(awsCfg)
	secretStore := cloudaws.NewSecretsManagerStore(awsCfg)
	bus := cloudaws.NewEventBridgeBus(awsCfg)
	accessPoints := cloudaws.NewEFSAccessPoints(awsCfg)

	broker := events.NewBroker()
	auditor := audit.NewLogger(st.Audit(), objects, cfg.AuditBucket)
	injector := secrets.NewInjector(secretStore, auditor)

	l := launcher.New(runtime, injector, launcher.Config{
		Cluster:       cfg.Cluster,
		Subnets:       cfg.Subnets,
		SecurityGroup: cfg.SecurityGroup,
		OutputBucket:  cfg.OutputBucket,
		Region:        cfg.Region,
		Environment:   cfg.Environment,
	})

	manager := pool.NewManager(st.Pool(), l, broker, pool.Config{
		SizePerAgent:       cfg.Pool.SizePerAgent,
		IdleTimeout:        time.Duration(cfg.Pool.IdleTimeoutMinutes) * time.Minute,
		ScaleUpThreshold:   cfg.Pool.ScaleUpThreshold,
		ScaleDownThreshold: cfg.Pool.ScaleDownThreshold,
	})

	lifecycle := pool.NewLifecycle(manager, runtime, cfg.Cluster, pool.LifecycleConfig{
		HealthCheckInterval: time.Duration(cfg.Pool.HealthCheckIntervalSeconds) * time.Second,
		WarmOnStart:         cfg.Pool.WarmOnStart,
	})

	autoscaler := pool.NewAutoscaler(manager, st.Dispatches(), pool.AutoscalerConfig{
		EvaluationInterval: time.Duration(cfg.Autoscaler.EvaluationIntervalSeconds) * time.Second,
		Cooldown:           time.Duration(cfg.Autoscaler.CooldownMinutes) * time.Minute,
		ScaleUpThreshold:   cfg.Autoscaler.ScaleUpThreshold,
		ScaleDownThreshold: cfg.Autoscaler.ScaleDownThreshold,
		ScaleDownDelay:     time.Duration(cfg.Autoscaler.ScaleDownDelayMinutes) * time.Minute,
		MinPoolSize:        cfg.Autoscaler.MinPoolSize,
		MaxPoolSize:        cfg.Autoscaler.MaxPoolSize,
		QueueDepthSource:   cfg.Autoscaler.QueueDepthSource,
	})

	streamer := logstream.New(logSvc, logstream.Config{
		PollingInterval:   time.Duration(cfg.LogStream.PollingIntervalMs) * time.Millisecond,
		RateLimitRequests: cfg.LogStream.RateLimitRequests,
		RateLimitWindow:   time.Duration(cfg.LogStream.RateLimitWindowMs) * time.Millisecond,
	})

	tracker := status.NewTracker(st.Dispatches(), runtime, streamer, cfg.Cluster)

	disp := dispatcher.New(st.Dispatches(), manager, l, injector, auditor, bus, broker, tracker, dispatcher.Config{
		EventBusName: "default",
		Environment:  cfg.Environment,
	})

	workspaces := workspace.NewService(objects, accessPoints, st.Workspaces(), auditor, workspace.Config{
		OutputBucket: cfg.OutputBucket,
		FileSystemID: cfg.FileSystemID,
	})

	dispatcher.SetFactory(func() (*dispatcher.Dispatcher, error) { return disp, nil })

	return &app{
		cfg:        cfg,
		st:         st,
		runtime:    runtime,
		broker:     broker,
		auditor:    auditor,
		injector:   injector,
		launcher:   l,
		manager:    manager,
		lifecycle:  lifecycle,
		autoscaler: autoscaler,
		streamer:   streamer,
		tracker:    tracker,
		dispatcher: disp,
		workspaces: workspaces,
	}, nil
}

func (a *app) close() {
	if err := a.st.Close(); err != nil {
		log.WithComponent("main").Warn().Err(err).Msg("store close failed")
	}
}

// printJSON renders a command result for humans and scripts alike.
func printJSON(v interface{}) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
