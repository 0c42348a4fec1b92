package audit

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/zeroechelon/outpost/pkg/cloud"
	"github.com/zeroechelon/outpost/pkg/log"
	"github.com/zeroechelon/outpost/pkg/metrics"
	"github.com/zeroechelon/outpost/pkg/store"
	"github.com/zeroechelon/outpost/pkg/types"
)

// RetentionPeriod is how long audit events are kept before TTL expiry.
const RetentionPeriod = 365 * 24 * time.Hour

// Logger writes the immutable audit trail. Events are sanitized, stamped
// and written with a conditional put; once stored they are only read,
// exported, or expired.
type Logger struct {
	store   store.AuditStore
	objects cloud.ObjectStore
	bucket  string

	now func() time.Time
}

// NewLogger creates an audit logger. objects and bucket back ExportToS3
// and may be left zero when export is not needed.
func NewLogger(s store.AuditStore, objects cloud.ObjectStore, bucket string) *Logger {
	return &Logger{store: s, objects: objects, bucket: bucket, now: time.Now}
}

// Input describes one auditable action.
type Input struct {
	EventType    types.AuditEventType
	UserID       string
	Action       string
	Resource     string
	ResourceID   string
	Outcome      types.AuditOutcome
	Metadata     *types.MetaValue
	SourceIP     string
	UserAgent    string
	ErrorMessage string
}

// Log stamps, sanitizes, and appends one event.
func (l *Logger) Log(ctx context.Context, in Input) (*types.AuditEvent, error) {
	now := l.now().UTC()
	ev := &types.AuditEvent{
		EventID:      uuid.NewString(),
		EventType:    in.EventType,
		UserID:       in.UserID,
		Action:       in.Action,
		Resource:     in.Resource,
		ResourceID:   in.ResourceID,
		Outcome:      in.Outcome,
		Metadata:     Sanitize(in.Metadata),
		SourceIP:     in.SourceIP,
		UserAgent:    in.UserAgent,
		ErrorMessage: in.ErrorMessage,
		Timestamp:    now,
		ExpiresAt:    now.Add(RetentionPeriod),
	}
	if err := l.store.Put(ctx, ev); err != nil {
		return nil, err
	}
	metrics.AuditEventsWritten.WithLabelValues(string(in.EventType)).Inc()
	return ev, nil
}

// LogBestEffort is Log for non-critical paths: a write failure is logged
// and swallowed so it never masks the audited operation's outcome. Safe
// on a nil logger so callers without an audit trail need no guards.
func (l *Logger) LogBestEffort(ctx context.Context, in Input) {
	if l == nil {
		return
	}
	if _, err := l.Log(ctx, in); err != nil {
		log.WithComponent("audit").Warn().Err(err).
			Str("event_type", string(in.EventType)).
			Str("action", in.Action).
			Msg("audit write failed")
	}
}

// LogDispatch records a dispatch-path action.
func (l *Logger) LogDispatch(ctx context.Context, userID, action, dispatchID string, outcome types.AuditOutcome, meta *types.MetaValue, errMsg string) {
	l.LogBestEffort(ctx, Input{
		EventType:    types.AuditDispatch,
		UserID:       userID,
		Action:       action,
		Resource:     "dispatch",
		ResourceID:   dispatchID,
		Outcome:      outcome,
		Metadata:     meta,
		ErrorMessage: errMsg,
	})
}

// LogStatusQuery records a status read.
func (l *Logger) LogStatusQuery(ctx context.Context, userID, dispatchID string, outcome types.AuditOutcome) {
	l.LogBestEffort(ctx, Input{
		EventType:  types.AuditStatusQuery,
		UserID:     userID,
		Action:     "get_status",
		Resource:   "dispatch",
		ResourceID: dispatchID,
		Outcome:    outcome,
	})
}

// LogWorkspaceOperation records a workspace lifecycle action.
func (l *Logger) LogWorkspaceOperation(ctx context.Context, userID, action, workspaceID string, outcome types.AuditOutcome, errMsg string) {
	l.LogBestEffort(ctx, Input{
		EventType:    types.AuditWorkspaceOperation,
		UserID:       userID,
		Action:       action,
		Resource:     "workspace",
		ResourceID:   workspaceID,
		Outcome:      outcome,
		ErrorMessage: errMsg,
	})
}

// LogSecretAccess records a secret-store access. The event carries only
// the secret name (last path segment) and the path length; the value
// never reaches the control plane in the first place.
func (l *Logger) LogSecretAccess(ctx context.Context, userID, action, secretPath string, outcome types.AuditOutcome) {
	name := secretPath
	if i := strings.LastIndexByte(secretPath, '/'); i >= 0 {
		name = secretPath[i+1:]
	}
	l.LogBestEffort(ctx, Input{
		EventType: types.AuditSecretAccess,
		UserID:    userID,
		Action:    action,
		Resource:  "secret",
		Outcome:   outcome,
		Metadata: types.MetaMapOf(map[string]*types.MetaValue{
			"secret_name": types.MetaStr(name),
			"path_length": types.MetaNum(float64(len(secretPath))),
		}),
	})
}

// LogAPICall records an API-surface invocation.
func (l *Logger) LogAPICall(ctx context.Context, userID, action, sourceIP, userAgent string, outcome types.AuditOutcome, errMsg string) {
	l.LogBestEffort(ctx, Input{
		EventType:    types.AuditAPICall,
		UserID:       userID,
		Action:       action,
		Resource:     "api",
		Outcome:      outcome,
		SourceIP:     sourceIP,
		UserAgent:    userAgent,
		ErrorMessage: errMsg,
	})
}

// QueryByUser pages a tenant's events in reverse chronological order.
// The limit is capped at store.MaxAuditLimit.
func (l *Logger) QueryByUser(ctx context.Context, userID string, q store.AuditQuery) (*store.AuditPage, error) {
	if q.Limit <= 0 || q.Limit > store.MaxAuditLimit {
		q.Limit = store.MaxAuditLimit
	}
	return l.store.QueryByUser(ctx, userID, q)
}
