package config

import (
	"os"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Pool.SizePerAgent != 2 {
		t.Errorf("pool size = %d, want 2", cfg.Pool.SizePerAgent)
	}
	if cfg.Pool.IdleTimeoutMinutes != 15 {
		t.Errorf("idle timeout = %d, want 15", cfg.Pool.IdleTimeoutMinutes)
	}
	if cfg.Pool.HealthCheckIntervalSeconds != 60 {
		t.Errorf("health interval = %d, want 60", cfg.Pool.HealthCheckIntervalSeconds)
	}
	if cfg.Autoscaler.EvaluationIntervalSeconds != 30 {
		t.Errorf("autoscaler interval = %d, want 30", cfg.Autoscaler.EvaluationIntervalSeconds)
	}
	if cfg.Autoscaler.CooldownMinutes != 5 {
		t.Errorf("cooldown = %d, want 5", cfg.Autoscaler.CooldownMinutes)
	}
	if cfg.Autoscaler.ScaleUpThreshold != 2.0 {
		t.Errorf("scale up threshold = %v, want 2.0", cfg.Autoscaler.ScaleUpThreshold)
	}
	if cfg.Autoscaler.MinPoolSize != 1 || cfg.Autoscaler.MaxPoolSize != 10 {
		t.Errorf("pool bounds = [%d,%d], want [1,10]", cfg.Autoscaler.MinPoolSize, cfg.Autoscaler.MaxPoolSize)
	}
	if cfg.Autoscaler.QueueDepthSource != QueueDepthStore {
		t.Errorf("queue depth source = %s, want store", cfg.Autoscaler.QueueDepthSource)
	}
	if cfg.LogStream.PollingIntervalMs != 1500 {
		t.Errorf("polling interval = %d, want 1500", cfg.LogStream.PollingIntervalMs)
	}
	if cfg.LogStream.RateLimitRequests != 10 || cfg.LogStream.RateLimitWindowMs != 1000 {
		t.Errorf("rate limit = %d/%dms, want 10/1000ms", cfg.LogStream.RateLimitRequests, cfg.LogStream.RateLimitWindowMs)
	}
	if cfg.Store != "bolt" {
		t.Errorf("default store = %s, want bolt", cfg.Store)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	os.Setenv("OUTPOST_POOL_SIZE_PER_AGENT", "4")
	os.Setenv("OUTPOST_CLUSTER", "outpost-staging")
	os.Setenv("OUTPOST_AUTOSCALER_QUEUE_DEPTH_SOURCE", "heuristic")
	defer func() {
		os.Unsetenv("OUTPOST_POOL_SIZE_PER_AGENT")
		os.Unsetenv("OUTPOST_CLUSTER")
		os.Unsetenv("OUTPOST_AUTOSCALER_QUEUE_DEPTH_SOURCE")
	}()

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Pool.SizePerAgent != 4 {
		t.Errorf("pool size = %d, want 4 from env", cfg.Pool.SizePerAgent)
	}
	if cfg.Cluster != "outpost-staging" {
		t.Errorf("cluster = %s, want outpost-staging", cfg.Cluster)
	}
	if cfg.Autoscaler.QueueDepthSource != QueueDepthHeuristic {
		t.Errorf("queue depth source = %s, want heuristic", cfg.Autoscaler.QueueDepthSource)
	}
}
