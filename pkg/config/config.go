package config

import (
	"strings"

	"github.com/spf13/viper"
)

// QueueDepthSource selects how the autoscaler estimates pending demand.
type QueueDepthSource string

const (
	// QueueDepthStore counts PENDING dispatch records per agent.
	QueueDepthStore QueueDepthSource = "store"
	// QueueDepthHeuristic derives depth from in-process wait samples.
	QueueDepthHeuristic QueueDepthSource = "heuristic"
)

// Config is the environment-derived control plane configuration.
type Config struct {
	Region      string `mapstructure:"region"`
	Environment string `mapstructure:"environment"`

	Cluster         string   `mapstructure:"cluster"`
	Subnets         []string `mapstructure:"subnets"`
	SecurityGroup   string   `mapstructure:"security_group"`
	OutputBucket    string   `mapstructure:"output_bucket"`
	AuditBucket     string   `mapstructure:"audit_bucket"`
	FileSystemID    string   `mapstructure:"file_system_id"`
	DispatchTable   string   `mapstructure:"dispatch_table"`
	IdempotencyTable string  `mapstructure:"idempotency_table"`
	PoolTable       string   `mapstructure:"pool_table"`
	WorkspaceTable  string   `mapstructure:"workspace_table"`
	AuditTable      string   `mapstructure:"audit_table"`

	Store   string `mapstructure:"store"`    // "bolt" or "dynamo"
	DataDir string `mapstructure:"data_dir"` // bolt store location

	LogLevel string `mapstructure:"log_level"`
	LogJSON  bool   `mapstructure:"log_json"`

	MetricsAddr string `mapstructure:"metrics_addr"`

	Pool       PoolConfig       `mapstructure:"pool"`
	Autoscaler AutoscalerConfig `mapstructure:"autoscaler"`
	LogStream  LogStreamConfig  `mapstructure:"logstream"`
}

// PoolConfig tunes the warm pool manager and lifecycle loop.
type PoolConfig struct {
	SizePerAgent               int     `mapstructure:"size_per_agent"`
	IdleTimeoutMinutes         int     `mapstructure:"idle_timeout_minutes"`
	ScaleUpThreshold           float64 `mapstructure:"scale_up_threshold"`
	ScaleDownThreshold         float64 `mapstructure:"scale_down_threshold"`
	HealthCheckIntervalSeconds int     `mapstructure:"health_check_interval_seconds"`
	WarmOnStart                bool    `mapstructure:"warm_on_start"`
}

// AutoscalerConfig tunes the demand-driven autoscaler.
type AutoscalerConfig struct {
	EvaluationIntervalSeconds int              `mapstructure:"evaluation_interval_seconds"`
	CooldownMinutes           int              `mapstructure:"cooldown_minutes"`
	ScaleUpThreshold          float64          `mapstructure:"scale_up_threshold"`
	ScaleDownThreshold        float64          `mapstructure:"scale_down_threshold"`
	ScaleDownDelayMinutes     int              `mapstructure:"scale_down_delay_minutes"`
	MinPoolSize               int              `mapstructure:"min_pool_size"`
	MaxPoolSize               int              `mapstructure:"max_pool_size"`
	QueueDepthSource          QueueDepthSource `mapstructure:"queue_depth_source"`
}

// LogStreamConfig tunes the log streamer.
type LogStreamConfig struct {
	PollingIntervalMs int `mapstructure:"polling_interval_ms"`
	RateLimitRequests int `mapstructure:"rate_limit_requests"`
	RateLimitWindowMs int `mapstructure:"rate_limit_window_ms"`
}

// Load reads configuration from OUTPOST_* environment variables with the
// documented defaults. Dots in keys map to underscores in the environment
// (pool.size_per_agent → OUTPOST_POOL_SIZE_PER_AGENT).
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("OUTPOST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("region", "us-east-1")
	v.SetDefault("environment", "dev")
	v.SetDefault("cluster", "outpost-agents")
	v.SetDefault("subnets", []string{})
	v.SetDefault("security_group", "")
	v.SetDefault("output_bucket", "outpost-artifacts")
	v.SetDefault("audit_bucket", "outpost-audit")
	v.SetDefault("file_system_id", "")
	v.SetDefault("dispatch_table", "outpost-dispatches")
	v.SetDefault("idempotency_table", "outpost-dispatch-idempotency")
	v.SetDefault("pool_table", "outpost-pool-entries")
	v.SetDefault("workspace_table", "outpost-workspaces")
	v.SetDefault("audit_table", "outpost-audit-events")

	v.SetDefault("store", "bolt")
	v.SetDefault("data_dir", "./outpost-data")

	v.SetDefault("log_level", "info")
	v.SetDefault("log_json", false)
	v.SetDefault("metrics_addr", "127.0.0.1:9090")

	v.SetDefault("pool.size_per_agent", 2)
	v.SetDefault("pool.idle_timeout_minutes", 15)
	v.SetDefault("pool.scale_up_threshold", 0.8)
	v.SetDefault("pool.scale_down_threshold", 0.2)
	v.SetDefault("pool.health_check_interval_seconds", 60)
	v.SetDefault("pool.warm_on_start", false)

	v.SetDefault("autoscaler.evaluation_interval_seconds", 30)
	v.SetDefault("autoscaler.cooldown_minutes", 5)
	v.SetDefault("autoscaler.scale_up_threshold", 2.0)
	v.SetDefault("autoscaler.scale_down_threshold", 0.5)
	v.SetDefault("autoscaler.scale_down_delay_minutes", 10)
	v.SetDefault("autoscaler.min_pool_size", 1)
	v.SetDefault("autoscaler.max_pool_size", 10)
	v.SetDefault("autoscaler.queue_depth_source", string(QueueDepthStore))

	v.SetDefault("logstream.polling_interval_ms", 1500)
	v.SetDefault("logstream.rate_limit_requests", 10)
	v.SetDefault("logstream.rate_limit_window_ms", 1000)
}
