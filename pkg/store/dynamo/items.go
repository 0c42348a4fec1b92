package dynamo

import (
	"encoding/json"
	"time"

	"github.com/zeroechelon/outpost/pkg/errdefs"
	"github.com/zeroechelon/outpost/pkg/types"
)

// tsLayout is RFC3339 with a fixed-width nanosecond fraction so the
// rendered strings sort chronologically as GSI sort keys.
const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

// dayLayout partitions the audit day-index.
const dayLayout = "2006-01-02"

func formatTS(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

func parseTS(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(tsLayout, s)
}

type dispatchItem struct {
	DispatchID     string            `dynamodbav:"dispatch_id"`
	UserID         string            `dynamodbav:"user_id"`
	AgentType      string            `dynamodbav:"agent_type"`
	ModelID        string            `dynamodbav:"model_id"`
	Task           string            `dynamodbav:"task"`
	Status         string            `dynamodbav:"status"`
	StartedAt      string            `dynamodbav:"started_at"`
	EndedAt        string            `dynamodbav:"ended_at,omitempty"`
	TaskArn        string            `dynamodbav:"task_arn,omitempty"`
	ArtifactsURL   string            `dynamodbav:"artifacts_url,omitempty"`
	ErrorMessage   string            `dynamodbav:"error_message,omitempty"`
	TimeoutSeconds int               `dynamodbav:"timeout_seconds,omitempty"`
	Version        int64             `dynamodbav:"version"`
	IdempotencyKey string            `dynamodbav:"idempotency_key,omitempty"`
	Tags           map[string]string `dynamodbav:"tags,omitempty"`
}

func toDispatchItem(rec *types.DispatchRecord) *dispatchItem {
	it := &dispatchItem{
		DispatchID:     rec.DispatchID,
		UserID:         rec.UserID,
		AgentType:      string(rec.Agent),
		ModelID:        rec.ModelID,
		Task:           rec.Task,
		Status:         string(rec.Status),
		StartedAt:      formatTS(rec.StartedAt),
		TaskArn:        rec.TaskArn,
		ArtifactsURL:   rec.ArtifactsURL,
		ErrorMessage:   rec.ErrorMessage,
		TimeoutSeconds: rec.TimeoutSeconds,
		Version:        rec.Version,
		IdempotencyKey: rec.IdempotencyKey,
		Tags:           rec.Tags,
	}
	if rec.EndedAt != nil {
		it.EndedAt = formatTS(*rec.EndedAt)
	}
	return it
}

func (it *dispatchItem) toRecord() (*types.DispatchRecord, error) {
	startedAt, err := parseTS(it.StartedAt)
	if err != nil {
		return nil, errdefs.Internal(err, "dispatch %s has malformed started_at", it.DispatchID)
	}
	rec := &types.DispatchRecord{
		DispatchID:     it.DispatchID,
		UserID:         it.UserID,
		Agent:          types.AgentKind(it.AgentType),
		ModelID:        it.ModelID,
		Task:           it.Task,
		Status:         types.DispatchStatus(it.Status),
		StartedAt:      startedAt,
		TaskArn:        it.TaskArn,
		ArtifactsURL:   it.ArtifactsURL,
		ErrorMessage:   it.ErrorMessage,
		TimeoutSeconds: it.TimeoutSeconds,
		Version:        it.Version,
		IdempotencyKey: it.IdempotencyKey,
		Tags:           it.Tags,
	}
	if it.EndedAt != "" {
		endedAt, err := parseTS(it.EndedAt)
		if err != nil {
			return nil, errdefs.Internal(err, "dispatch %s has malformed ended_at", it.DispatchID)
		}
		rec.EndedAt = &endedAt
	}
	return rec, nil
}

type poolItem struct {
	AgentType    string `dynamodbav:"agent_type"`
	TaskArn      string `dynamodbav:"task_arn"`
	Status       string `dynamodbav:"status"`
	CreatedAt    string `dynamodbav:"created_at"`
	LastUsedAt   string `dynamodbav:"last_used_at,omitempty"`
	InstanceType string `dynamodbav:"instance_type,omitempty"`
	ExpiresAt    int64  `dynamodbav:"expires_at"` // epoch seconds, native TTL
}

func toPoolItem(e *types.PoolEntry, expiresAt time.Time) *poolItem {
	it := &poolItem{
		AgentType:    string(e.Agent),
		TaskArn:      e.TaskArn,
		Status:       string(e.Status),
		CreatedAt:    formatTS(e.CreatedAt),
		InstanceType: e.InstanceType,
		ExpiresAt:    expiresAt.Unix(),
	}
	if !e.LastUsedAt.IsZero() {
		it.LastUsedAt = formatTS(e.LastUsedAt)
	}
	return it
}

func (it *poolItem) toEntry() (*types.PoolEntry, error) {
	createdAt, err := parseTS(it.CreatedAt)
	if err != nil {
		return nil, errdefs.Internal(err, "pool entry %s has malformed created_at", it.TaskArn)
	}
	lastUsedAt, err := parseTS(it.LastUsedAt)
	if err != nil {
		return nil, errdefs.Internal(err, "pool entry %s has malformed last_used_at", it.TaskArn)
	}
	return &types.PoolEntry{
		Agent:        types.AgentKind(it.AgentType),
		TaskArn:      it.TaskArn,
		Status:       types.PoolEntryStatus(it.Status),
		CreatedAt:    createdAt,
		LastUsedAt:   lastUsedAt,
		InstanceType: it.InstanceType,
		ExpiresAt:    time.Unix(it.ExpiresAt, 0).UTC(),
	}, nil
}

type workspaceItem struct {
	UserID         string `dynamodbav:"user_id"`
	WorkspaceID    string `dynamodbav:"workspace_id"`
	AccessPointID  string `dynamodbav:"access_point_id"`
	CreatedAt      string `dynamodbav:"created_at"`
	LastAccessedAt string `dynamodbav:"last_accessed_at,omitempty"`
	SizeBytes      int64  `dynamodbav:"size_bytes"`
	RepoURL        string `dynamodbav:"repo_url,omitempty"`
}

func toWorkspaceItem(rec *types.WorkspaceRecord) *workspaceItem {
	it := &workspaceItem{
		UserID:        rec.UserID,
		WorkspaceID:   rec.WorkspaceID,
		AccessPointID: rec.AccessPointID,
		CreatedAt:     formatTS(rec.CreatedAt),
		SizeBytes:     rec.SizeBytes,
		RepoURL:       rec.RepoURL,
	}
	if !rec.LastAccessedAt.IsZero() {
		it.LastAccessedAt = formatTS(rec.LastAccessedAt)
	}
	return it
}

func (it *workspaceItem) toRecord() (*types.WorkspaceRecord, error) {
	createdAt, err := parseTS(it.CreatedAt)
	if err != nil {
		return nil, errdefs.Internal(err, "workspace %s has malformed created_at", it.WorkspaceID)
	}
	lastAccessedAt, err := parseTS(it.LastAccessedAt)
	if err != nil {
		return nil, errdefs.Internal(err, "workspace %s has malformed last_accessed_at", it.WorkspaceID)
	}
	return &types.WorkspaceRecord{
		UserID:         it.UserID,
		WorkspaceID:    it.WorkspaceID,
		AccessPointID:  it.AccessPointID,
		CreatedAt:      createdAt,
		LastAccessedAt: lastAccessedAt,
		SizeBytes:      it.SizeBytes,
		RepoURL:        it.RepoURL,
	}, nil
}

// auditItem stores sanitized metadata as a JSON string so the tagged
// MetaValue union round-trips without a custom attributevalue codec.
type auditItem struct {
	EventID      string `dynamodbav:"event_id"`
	EventType    string `dynamodbav:"event_type"`
	UserID       string `dynamodbav:"user_id"`
	Action       string `dynamodbav:"action"`
	Resource     string `dynamodbav:"resource"`
	ResourceID   string `dynamodbav:"resource_id,omitempty"`
	Outcome      string `dynamodbav:"outcome"`
	MetadataJSON string `dynamodbav:"metadata_json,omitempty"`
	SourceIP     string `dynamodbav:"source_ip,omitempty"`
	UserAgent    string `dynamodbav:"user_agent,omitempty"`
	ErrorMessage string `dynamodbav:"error_message,omitempty"`
	TS           string `dynamodbav:"ts"`
	Day          string `dynamodbav:"day"`
	ExpiresAt    int64  `dynamodbav:"expires_at"` // epoch seconds, native TTL
}

func toAuditItem(ev *types.AuditEvent) (*auditItem, error) {
	it := &auditItem{
		EventID:      ev.EventID,
		EventType:    string(ev.EventType),
		UserID:       ev.UserID,
		Action:       ev.Action,
		Resource:     ev.Resource,
		ResourceID:   ev.ResourceID,
		Outcome:      string(ev.Outcome),
		SourceIP:     ev.SourceIP,
		UserAgent:    ev.UserAgent,
		ErrorMessage: ev.ErrorMessage,
		TS:           formatTS(ev.Timestamp),
		Day:          ev.Timestamp.UTC().Format(dayLayout),
		ExpiresAt:    ev.ExpiresAt.Unix(),
	}
	if ev.Metadata != nil {
		data, err := json.Marshal(ev.Metadata)
		if err != nil {
			return nil, errdefs.Internal(err, "marshal audit metadata for %s", ev.EventID)
		}
		it.MetadataJSON = string(data)
	}
	return it, nil
}

func (it *auditItem) toEvent() (*types.AuditEvent, error) {
	ts, err := parseTS(it.TS)
	if err != nil {
		return nil, errdefs.Internal(err, "audit event %s has malformed ts", it.EventID)
	}
	ev := &types.AuditEvent{
		EventID:      it.EventID,
		EventType:    types.AuditEventType(it.EventType),
		UserID:       it.UserID,
		Action:       it.Action,
		Resource:     it.Resource,
		ResourceID:   it.ResourceID,
		Outcome:      types.AuditOutcome(it.Outcome),
		SourceIP:     it.SourceIP,
		UserAgent:    it.UserAgent,
		ErrorMessage: it.ErrorMessage,
		Timestamp:    ts,
		ExpiresAt:    time.Unix(it.ExpiresAt, 0).UTC(),
	}
	if it.MetadataJSON != "" {
		var meta types.MetaValue
		if err := json.Unmarshal([]byte(it.MetadataJSON), &meta); err != nil {
			return nil, errdefs.Internal(err, "audit event %s has malformed metadata", it.EventID)
		}
		ev.Metadata = &meta
	}
	return ev, nil
}
