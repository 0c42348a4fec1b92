// Package dynamo implements the store interfaces on DynamoDB. This is
// the production backend; the bolt package covers local deployments.
//
// Table layout:
//
//	dispatches   PK dispatch_id
//	             GSI user-index:   PK user_id, SK started_at
//	             GSI status-index: PK status,  SK started_at
//	idempotency  PK idem_key (userID#key), TTL expires_at
//	pool         PK agent_type, SK task_arn, TTL expires_at
//	workspaces   PK user_id, SK workspace_id
//	audit        PK event_id
//	             GSI user-index: PK user_id, SK ts
//	             GSI day-index:  PK day,     SK ts
//	             TTL expires_at
//
// Conditional writes carry the concurrency story: dispatch updates
// condition on the stored version, pool claims condition on the entry
// still being idle, audit puts condition on the event not existing.
package dynamo

import (
	"errors"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/zeroechelon/outpost/pkg/store"
)

// Tables names the DynamoDB tables backing each repository.
type Tables struct {
	Dispatches  string
	Idempotency string
	Pool        string
	Workspaces  string
	Audit       string
}

const (
	indexUser   = "user-index"
	indexStatus = "status-index"
	indexDay    = "day-index"
)

// Store is a DynamoDB-backed store.Store.
type Store struct {
	client     *dynamodb.Client
	dispatches *dispatchStore
	pool       *poolStore
	workspaces *workspaceStore
	audit      *auditStore
}

// New creates a Store over the given AWS config and table names.
func New(cfg aws.Config, tables Tables) *Store {
	client := dynamodb.NewFromConfig(cfg)
	return &Store{
		client:     client,
		dispatches: &dispatchStore{client: client, tables: tables},
		pool:       &poolStore{client: client, table: tables.Pool},
		workspaces: &workspaceStore{client: client, table: tables.Workspaces},
		audit:      &auditStore{client: client, table: tables.Audit},
	}
}

func (s *Store) Dispatches() store.DispatchStore { return s.dispatches }
func (s *Store) Pool() store.PoolStore           { return s.pool }
func (s *Store) Workspaces() store.WorkspaceStore {
	return s.workspaces
}
func (s *Store) Audit() store.AuditStore { return s.audit }

// Close is a no-op; the underlying HTTP client has no lifecycle.
func (s *Store) Close() error { return nil }

func conditionFailed(err error) bool {
	var ccf *ddbtypes.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}
