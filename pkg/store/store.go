package store

import (
	"context"
	"time"

	"github.com/zeroechelon/outpost/pkg/types"
)

// UpdateExtras carries the optional fields a status transition may set.
type UpdateExtras struct {
	TaskArn      string
	ArtifactsURL string
	ErrorMessage string
}

// ListFilter narrows a tenant dispatch listing. Tag filters apply
// conjunctively: every specified key must match the stored value.
type ListFilter struct {
	Status *types.DispatchStatus
	Agent  *types.AgentKind
	Tags   map[string]string
	Cursor string
	Limit  int // capped at MaxListLimit
}

// MaxListLimit bounds a single dispatch listing page.
const MaxListLimit = 100

// DispatchPage is one page of a tenant listing with a forward cursor.
type DispatchPage struct {
	Items      []*types.DispatchRecord
	NextCursor string
}

// DispatchStore persists dispatch records and their idempotency mappings.
//
// Every state-changing write is guarded by optimistic concurrency: the
// caller supplies the version it read and the write succeeds only when
// the stored version still matches, otherwise Conflict. Terminal records
// are never mutated.
type DispatchStore interface {
	// Create writes the record and, when an idempotency key is present,
	// the (tenant, key) → dispatch mapping. A mapping write failure is
	// logged and swallowed; the create still succeeds.
	Create(ctx context.Context, rec *types.DispatchRecord) error

	// FindByIdempotencyKey resolves a mapping to its dispatch, or nil
	// when absent. Mapping-store failures degrade to nil so a broken
	// index never blackholes new dispatches.
	FindByIdempotencyKey(ctx context.Context, userID, key string) (*types.DispatchRecord, error)

	// GetByID fails with NotFound when the dispatch does not exist.
	GetByID(ctx context.Context, dispatchID string) (*types.DispatchRecord, error)

	// UpdateStatus transitions the record, bumping the version. Fails
	// with Conflict on a version mismatch or an illegal transition.
	UpdateStatus(ctx context.Context, dispatchID string, newStatus types.DispatchStatus, expectedVersion int64, extras UpdateExtras) (*types.DispatchRecord, error)

	// MarkCompleted finalizes a dispatch with its artifacts location.
	MarkCompleted(ctx context.Context, dispatchID string, expectedVersion int64, artifactsURL string) (*types.DispatchRecord, error)

	// MarkFailed finalizes a dispatch with an error message.
	MarkFailed(ctx context.Context, dispatchID string, expectedVersion int64, errorMessage string) (*types.DispatchRecord, error)

	// ListByTenant pages a tenant's dispatches in reverse chronological
	// order.
	ListByTenant(ctx context.Context, userID string, f ListFilter) (*DispatchPage, error)

	// CountPendingByAgent reports the PENDING queue depth for an agent.
	CountPendingByAgent(ctx context.Context, agent types.AgentKind) (int, error)
}

// PoolStore persists warm pool entries keyed by (agent, taskArn).
//
// MarkInUse is the contended operation: at most one concurrent caller
// wins a given idle entry; losers observe NotFound because the winner
// already violated the still-idle precondition. Entries carry a TTL so
// a crash mid-transition cannot leak them forever.
type PoolStore interface {
	Create(ctx context.Context, e *types.PoolEntry) error
	MarkInUse(ctx context.Context, agent types.AgentKind, taskArn string) (*types.PoolEntry, error)
	MarkIdle(ctx context.Context, agent types.AgentKind, taskArn string) error
	MarkTerminating(ctx context.Context, agent types.AgentKind, taskArn string) error
	Delete(ctx context.Context, agent types.AgentKind, taskArn string) error
	GetIdleTasks(ctx context.Context, agent types.AgentKind, n int) ([]*types.PoolEntry, error)
	ListByAgent(ctx context.Context, agent types.AgentKind) ([]*types.PoolEntry, error)
	// CountByAgent counts entries, optionally restricted to one status.
	CountByAgent(ctx context.Context, agent types.AgentKind, status *types.PoolEntryStatus) (int, error)
}

// WorkspaceStore persists persistent-workspace records keyed by
// (userID, workspaceID).
type WorkspaceStore interface {
	Put(ctx context.Context, rec *types.WorkspaceRecord) error
	Get(ctx context.Context, userID, workspaceID string) (*types.WorkspaceRecord, error)
	ListByUser(ctx context.Context, userID string) ([]*types.WorkspaceRecord, error)
	Delete(ctx context.Context, userID, workspaceID string) error
	// TouchAccess records a workspace access and its measured size.
	TouchAccess(ctx context.Context, userID, workspaceID string, at time.Time, sizeBytes int64) error
}

// AuditQuery narrows an audit listing.
type AuditQuery struct {
	EventType *types.AuditEventType
	Start     time.Time
	End       time.Time
	Limit     int // capped at MaxAuditLimit
	Cursor    string
}

// MaxAuditLimit bounds a single audit query page.
const MaxAuditLimit = 1000

// AuditPage is one page of audit events with a forward cursor.
type AuditPage struct {
	Items      []*types.AuditEvent
	NextCursor string
}

// AuditStore is append-only: events are written once with a conditional
// put that refuses overwrites, then only read, exported, or expired.
type AuditStore interface {
	Put(ctx context.Context, ev *types.AuditEvent) error
	// QueryByUser returns events in reverse chronological order.
	QueryByUser(ctx context.Context, userID string, q AuditQuery) (*AuditPage, error)
	// QueryByTimeRange returns events in chronological order; used by
	// the exporter.
	QueryByTimeRange(ctx context.Context, start, end time.Time, cursor string, limit int) (*AuditPage, error)
}

// Store bundles the four repositories behind one lifecycle.
type Store interface {
	Dispatches() DispatchStore
	Pool() PoolStore
	Workspaces() WorkspaceStore
	Audit() AuditStore
	Close() error
}
