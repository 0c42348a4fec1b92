package cloud

import (
	"context"
	"time"
)

// RunTaskInput describes a worker launch against the container runtime.
type RunTaskInput struct {
	TaskDefinition string
	Cluster        string
	Subnets        []string
	SecurityGroups []string
	AssignPublicIP bool
	ContainerName  string
	Environment    map[string]string
	CPUUnits       int
	MemoryMB       int
	EphemeralDiskGB int
	Tags           map[string]string
	EnableExec     bool
}

// RunTaskOutput is the runtime's answer to a launch request.
type RunTaskOutput struct {
	TaskArn   string
	ClusterArn string
	StartedAt time.Time
}

// ContainerStatus is one container's view inside a task.
type ContainerStatus struct {
	Name       string
	LastStatus string
	ExitCode   *int
	Reason     string
}

// TaskStatus is the runtime's view of a worker task.
type TaskStatus struct {
	TaskArn       string
	LastStatus    string
	StoppedReason string
	Containers    []ContainerStatus
}

// CapacityError is returned by ContainerRuntime implementations when the
// launch failed for capacity reasons and a retry on different placement
// may succeed.
type CapacityError struct {
	Reason string
}

func (e *CapacityError) Error() string {
	return "insufficient capacity: " + e.Reason
}

// ContainerRuntime is the container orchestrator contract (§6).
type ContainerRuntime interface {
	RunTask(ctx context.Context, in RunTaskInput) (*RunTaskOutput, error)
	// DescribeTask returns nil, NotFound when the runtime no longer knows
	// the task.
	DescribeTask(ctx context.Context, cluster, taskArn string) (*TaskStatus, error)
	StopTask(ctx context.Context, cluster, taskArn, reason string) error
}

// ObjectStore is the object storage contract used for artifacts and audit
// export.
type ObjectStore interface {
	Put(ctx context.Context, bucket, key string, body []byte, contentType string, metadata map[string]string) error
	List(ctx context.Context, bucket, prefix string) ([]string, error)
	DeleteMany(ctx context.Context, bucket string, keys []string) error
}

// LogEvent is a single log service event.
type LogEvent struct {
	Timestamp     time.Time
	IngestionTime time.Time
	Message       string
}

// GetLogEventsOutput carries a page of sequential log events.
type GetLogEventsOutput struct {
	Events           []LogEvent
	NextForwardToken string
}

// FilterLogEventsOutput carries a page of time-filtered log events.
type FilterLogEventsOutput struct {
	Events    []LogEvent
	NextToken string
}

// LogService is the log storage contract. Missing groups or streams are
// reported as NotFound; implementations map provider-specific throttling
// to RateLimit.
type LogService interface {
	GetLogEvents(ctx context.Context, group, stream string, limit int, startFromHead bool, token string) (*GetLogEventsOutput, error)
	FilterLogEvents(ctx context.Context, group string, streams []string, startTime, endTime time.Time, limit int, token string) (*FilterLogEventsOutput, error)
	DescribeLogStreams(ctx context.Context, group, streamPrefix string, limit int) ([]string, error)
}

// SecretMetadata is the describe-only view of a stored secret. Values
// never reach the control plane.
type SecretMetadata struct {
	Path        string
	ARN         string
	LastChanged time.Time
}

// SecretStore is the external secret store contract, metadata only.
type SecretStore interface {
	DescribeSecret(ctx context.Context, path string) (*SecretMetadata, error)
}

// BusEvent is one entry for the external event bus.
type BusEvent struct {
	EventBus   string
	Source     string
	DetailType string
	Time       time.Time
	Detail     string // opaque JSON
}

// EventBus is the external event bus contract.
type EventBus interface {
	PutEvents(ctx context.Context, entries []BusEvent) error
}

// AccessPoint identifies a provisioned storage access point for a
// persistent workspace.
type AccessPoint struct {
	ID   string
	ARN  string
	Path string
}

// AccessPointService provisions per-workspace storage access points.
type AccessPointService interface {
	CreateAccessPoint(ctx context.Context, fileSystemID, rootPath string, uid, gid int, perms string, tags map[string]string) (*AccessPoint, error)
	DeleteAccessPoint(ctx context.Context, accessPointID string) error
}
