package types

import (
	"time"
)

// AgentKind selects both an LLM provider and a container image family
type AgentKind string

const (
	AgentClaude AgentKind = "claude"
	AgentCodex  AgentKind = "codex"
	AgentGemini AgentKind = "gemini"
	AgentAider  AgentKind = "aider"
	AgentGrok   AgentKind = "grok"
)

// AllAgents lists every supported agent kind
var AllAgents = []AgentKind{AgentClaude, AgentCodex, AgentGemini, AgentAider, AgentGrok}

// ValidAgent reports whether a is a supported agent kind
func ValidAgent(a AgentKind) bool {
	for _, k := range AllAgents {
		if k == a {
			return true
		}
	}
	return false
}

// DispatchStatus represents the state of a dispatch record
type DispatchStatus string

const (
	DispatchPending   DispatchStatus = "PENDING"
	DispatchRunning   DispatchStatus = "RUNNING"
	DispatchCompleted DispatchStatus = "COMPLETED"
	DispatchFailed    DispatchStatus = "FAILED"
	DispatchTimeout   DispatchStatus = "TIMEOUT"
	DispatchCancelled DispatchStatus = "CANCELLED"
)

// Terminal reports whether s is an absorbing state
func (s DispatchStatus) Terminal() bool {
	switch s {
	case DispatchCompleted, DispatchFailed, DispatchTimeout, DispatchCancelled:
		return true
	}
	return false
}

// ValidTransition reports whether from → to is allowed by the dispatch
// state machine. Terminal states are absorbing; CANCELLED may be entered
// from PENDING or RUNNING only.
func ValidTransition(from, to DispatchStatus) bool {
	if from.Terminal() {
		return false
	}
	switch from {
	case DispatchPending:
		return to == DispatchRunning || to == DispatchFailed || to == DispatchTimeout ||
			to == DispatchCancelled || to == DispatchCompleted
	case DispatchRunning:
		return to.Terminal()
	}
	return false
}

// Tier controls resource allocation and cost multiplier
type Tier string

const (
	TierFlagship Tier = "flagship"
	TierBalanced Tier = "balanced"
	TierFast     Tier = "fast"
)

// WorkspaceMode selects the workspace backing a dispatch
type WorkspaceMode string

const (
	WorkspaceEphemeral  WorkspaceMode = "ephemeral"
	WorkspacePersistent WorkspaceMode = "persistent"
)

// WorkspaceInitMode controls repository initialization
type WorkspaceInitMode string

const (
	InitFull    WorkspaceInitMode = "full"
	InitMinimal WorkspaceInitMode = "minimal"
	InitNone    WorkspaceInitMode = "none"
)

// ContextLevel controls how much repository context the worker gathers
type ContextLevel string

const (
	ContextMinimal  ContextLevel = "minimal"
	ContextStandard ContextLevel = "standard"
	ContextFull     ContextLevel = "full"
)

// DispatchRecord is the authoritative record of a single task submission
type DispatchRecord struct {
	DispatchID     string            `json:"dispatch_id"`
	UserID         string            `json:"user_id"`
	Agent          AgentKind         `json:"agent_type"`
	ModelID        string            `json:"model_id"`
	Task           string            `json:"task"`
	Status         DispatchStatus    `json:"status"`
	StartedAt      time.Time         `json:"started_at"`
	EndedAt        *time.Time        `json:"ended_at,omitempty"` // non-nil iff Status is terminal
	TaskArn        string            `json:"task_arn,omitempty"` // opaque worker handle, empty until launched
	ArtifactsURL   string            `json:"artifacts_url,omitempty"`
	ErrorMessage   string            `json:"error_message,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty"`
	Version        int64             `json:"version"` // strictly increases on every mutation
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
	Tags           map[string]string `json:"tags,omitempty"`
}

// PoolEntryStatus represents the state of a warm pool entry
type PoolEntryStatus string

const (
	PoolIdle        PoolEntryStatus = "idle"
	PoolInUse       PoolEntryStatus = "in_use"
	PoolTerminating PoolEntryStatus = "terminating"
)

// ValidPoolTransition reports whether from → to follows the pool state
// machine: idle↔in_use, either→terminating, nothing out of terminating.
func ValidPoolTransition(from, to PoolEntryStatus) bool {
	if from == PoolTerminating {
		return false
	}
	if to == PoolTerminating {
		return true
	}
	return (from == PoolIdle && to == PoolInUse) || (from == PoolInUse && to == PoolIdle)
}

// PoolEntry is a pre-provisioned worker tracked by the warm pool
type PoolEntry struct {
	Agent        AgentKind       `json:"agent_type"`
	TaskArn      string          `json:"task_arn"`
	Status       PoolEntryStatus `json:"status"`
	CreatedAt    time.Time       `json:"created_at"`
	LastUsedAt   time.Time       `json:"last_used_at"`
	InstanceType string          `json:"instance_type,omitempty"`
	ExpiresAt    time.Time       `json:"expires_at"` // refreshed on every transition; expired entries read as absent
}

// WorkspaceRecord tracks a persistent workspace and its access point
type WorkspaceRecord struct {
	UserID         string    `json:"user_id"`
	WorkspaceID    string    `json:"workspace_id"`
	AccessPointID  string    `json:"access_point_id"`
	CreatedAt      time.Time `json:"created_at"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
	SizeBytes      int64     `json:"size_bytes"` // reported measurement, not an enforced bound
	RepoURL        string    `json:"repo_url,omitempty"`
}

// AuditEventType classifies audit events
type AuditEventType string

const (
	AuditDispatch           AuditEventType = "dispatch"
	AuditStatusQuery        AuditEventType = "status_query"
	AuditWorkspaceOperation AuditEventType = "workspace_operation"
	AuditSecretAccess       AuditEventType = "secret_access"
	AuditAPICall            AuditEventType = "api_call"
)

// AuditOutcome is the result of an audited action
type AuditOutcome string

const (
	OutcomeSuccess AuditOutcome = "success"
	OutcomeFailure AuditOutcome = "failure"
)

// AuditEvent is one immutable entry in the audit trail
type AuditEvent struct {
	EventID      string         `json:"event_id"`
	EventType    AuditEventType `json:"event_type"`
	UserID       string         `json:"user_id"`
	Action       string         `json:"action"`
	Resource     string         `json:"resource"`
	ResourceID   string         `json:"resource_id,omitempty"`
	Outcome      AuditOutcome   `json:"outcome"`
	Metadata     *MetaValue     `json:"metadata,omitempty"` // sanitized before write
	SourceIP     string         `json:"source_ip,omitempty"`
	UserAgent    string         `json:"user_agent,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
	ExpiresAt    time.Time      `json:"expires_at"` // timestamp + 1 year
}

// ResourceConstraints are optional per-dispatch resource overrides
type ResourceConstraints struct {
	MaxMemoryMB *int `json:"max_memory_mb,omitempty"` // [512, 30720]
	MaxCPUUnits *int `json:"max_cpu_units,omitempty"` // [256, 4096]
	MaxDiskGB   *int `json:"max_disk_gb,omitempty"`   // [21, 200]
}

// DispatchRequest is a validated task submission
type DispatchRequest struct {
	UserID              string               `json:"user_id"`
	Agent               AgentKind            `json:"agent"`
	Task                string               `json:"task"`
	ModelID             string               `json:"model_id,omitempty"`
	RepoURL             string               `json:"repo_url,omitempty"`
	WorkspaceMode       WorkspaceMode        `json:"workspace_mode,omitempty"`
	WorkspaceInitMode   WorkspaceInitMode    `json:"workspace_init_mode,omitempty"`
	TimeoutSeconds      int                  `json:"timeout_seconds,omitempty"`
	ContextLevel        ContextLevel         `json:"context_level,omitempty"`
	IdempotencyKey      string               `json:"idempotency_key,omitempty"`
	Tags                map[string]string    `json:"tags,omitempty"`
	ResourceConstraints *ResourceConstraints `json:"resource_constraints,omitempty"`
}

// DispatchResult is returned to the caller as soon as the worker is
// handed to the orchestrator
type DispatchResult struct {
	DispatchID         string            `json:"dispatch_id"`
	Status             string            `json:"status"`
	Agent              AgentKind         `json:"agent"`
	ModelID            string            `json:"model_id"`
	EstimatedStartTime time.Time         `json:"estimated_start_time"`
	Idempotent         bool              `json:"idempotent,omitempty"`
	Tags               map[string]string `json:"tags,omitempty"`
}

// TaskDefinition is the selector's answer for an (agent, model) pair
type TaskDefinition struct {
	TaskDefArn string    `json:"task_def_arn"`
	CPU        int       `json:"cpu"`
	MemoryMB   int       `json:"memory_mb"`
	ModelID    string    `json:"model_id"`
	Tier       Tier      `json:"tier"`
	Agent      AgentKind `json:"agent"`
}

// LogEntry is a single worker log line with its parsed level
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
	Level     string    `json:"level"`
}

// DispatchStatusView is the merged status exposed by the tracker
type DispatchStatusView struct {
	DispatchID   string     `json:"dispatch_id"`
	Status       string     `json:"status"`
	Agent        AgentKind  `json:"agent"`
	ModelID      string     `json:"model_id"`
	Progress     int        `json:"progress"` // 0-100
	StartedAt    time.Time  `json:"started_at"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
	Logs         []LogEntry `json:"logs,omitempty"`
	LogOffset    int        `json:"log_offset"`
	ArtifactsURL string     `json:"artifacts_url,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
}

// PoolAgentHealth is the per-agent slice of a pool health report
type PoolAgentHealth struct {
	Agent       AgentKind `json:"agent"`
	Idle        int       `json:"idle"`
	InUse       int       `json:"in_use"`
	Terminating int       `json:"terminating"`
	Target      int       `json:"target"`
	Utilization float64   `json:"utilization"`
}

// PoolHealth is the full warm pool health report
type PoolHealth struct {
	Agents          []PoolAgentHealth `json:"agents"`
	ShuttingDown    bool              `json:"shutting_down"`
	LastScaleAction *time.Time        `json:"last_scale_action,omitempty"`
}
