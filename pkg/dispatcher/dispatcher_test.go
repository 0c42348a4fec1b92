package dispatcher

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeroechelon/outpost/pkg/audit"
	"github.com/zeroechelon/outpost/pkg/cloud"
	"github.com/zeroechelon/outpost/pkg/errdefs"
	"github.com/zeroechelon/outpost/pkg/launcher"
	"github.com/zeroechelon/outpost/pkg/logstream"
	"github.com/zeroechelon/outpost/pkg/pool"
	"github.com/zeroechelon/outpost/pkg/secrets"
	"github.com/zeroechelon/outpost/pkg/status"
	"github.com/zeroechelon/outpost/pkg/store"
	"github.com/zeroechelon/outpost/pkg/store/bolt"
	"github.com/zeroechelon/outpost/pkg/types"
)

// dispRuntime is a scriptable container runtime: sequential ARNs, with
// optional per-call errors up front.
type dispRuntime struct {
	mu      sync.Mutex
	seq     int
	runs    []cloud.RunTaskInput
	stopped []string
	errs    []error
}

func (r *dispRuntime) RunTask(ctx context.Context, in cloud.RunTaskInput) (*cloud.RunTaskOutput, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, in)
	if idx := len(r.runs) - 1; idx < len(r.errs) && r.errs[idx] != nil {
		return nil, r.errs[idx]
	}
	r.seq++
	return &cloud.RunTaskOutput{
		TaskArn:   fmt.Sprintf("arn:run:task/%d", r.seq),
		StartedAt: time.Now(),
	}, nil
}

func (r *dispRuntime) DescribeTask(ctx context.Context, cluster, taskArn string) (*cloud.TaskStatus, error) {
	return &cloud.TaskStatus{TaskArn: taskArn, LastStatus: "RUNNING"}, nil
}

func (r *dispRuntime) StopTask(ctx context.Context, cluster, taskArn, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = append(r.stopped, taskArn)
	return nil
}

type okSecrets struct{}

func (okSecrets) DescribeSecret(ctx context.Context, path string) (*cloud.SecretMetadata, error) {
	return &cloud.SecretMetadata{Path: path}, nil
}

// emptyLogs answers every read with NotFound so status calls see no
// logs.
type emptyLogs struct{}

func (emptyLogs) GetLogEvents(ctx context.Context, group, stream string, limit int, startFromHead bool, token string) (*cloud.GetLogEventsOutput, error) {
	return nil, errdefs.NotFound("log stream %s does not exist", stream)
}

func (emptyLogs) FilterLogEvents(ctx context.Context, group string, streams []string, startTime, endTime time.Time, limit int, token string) (*cloud.FilterLogEventsOutput, error) {
	return nil, errdefs.NotFound("log group %s does not exist", group)
}

func (emptyLogs) DescribeLogStreams(ctx context.Context, group, streamPrefix string, limit int) ([]string, error) {
	return nil, nil
}

// captureBus records emitted bus events.
type captureBus struct {
	mu      sync.Mutex
	entries []cloud.BusEvent
}

func (b *captureBus) PutEvents(ctx context.Context, entries []cloud.BusEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = append(b.entries, entries...)
	return nil
}

func (b *captureBus) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

type fixture struct {
	d   *Dispatcher
	st  *bolt.Store
	rt  *dispRuntime
	bus *captureBus
}

type fixtureOpts struct {
	withPool    bool
	runtimeErrs []error
}

func newDispatcher(t *testing.T, opts fixtureOpts) *fixture {
	t.Helper()
	st, err := bolt.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	rt := &dispRuntime{errs: opts.runtimeErrs}
	inj := secrets.NewInjector(okSecrets{}, nil)
	l := launcher.New(rt, inj, launcher.Config{
		Cluster:        "test-cluster",
		Subnets:        []string{"subnet-a", "subnet-b", "subnet-c"},
		SecurityGroup:  "sg-1",
		RetryBaseDelay: time.Millisecond,
	})

	var pm *pool.Manager
	if opts.withPool {
		pm = pool.NewManager(st.Pool(), l, nil, pool.Config{})
	}

	auditor := audit.NewLogger(st.Audit(), nil, "")
	streamer := logstream.New(emptyLogs{}, logstream.Config{RateLimitRequests: 10000})
	tracker := status.NewTracker(st.Dispatches(), rt, streamer, "test-cluster")
	bus := &captureBus{}

	d := New(st.Dispatches(), pm, l, inj, auditor, bus, nil, tracker, Config{
		EventBusName: "default",
		Environment:  "test",
	})
	seq := 0
	d.newID = func() string {
		seq++
		return fmt.Sprintf("01JGDISPATCH%014d", seq)
	}
	return &fixture{d: d, st: st, rt: rt, bus: bus}
}

func validRequest(userID string) types.DispatchRequest {
	return types.DispatchRequest{
		UserID: userID,
		Agent:  types.AgentClaude,
		Task:   "refactor the ingestion pipeline to stream batches",
	}
}

func TestDispatchColdLaunch(t *testing.T) {
	fx := newDispatcher(t, fixtureOpts{})
	now := time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC)
	fx.d.now = func() time.Time { return now }

	res, err := fx.d.Dispatch(context.Background(), validRequest("user-1"))
	require.NoError(t, err)

	assert.Equal(t, "01JGDISPATCH00000000000001", res.DispatchID)
	assert.Equal(t, status.StatusProvisioning, res.Status)
	assert.Equal(t, types.AgentClaude, res.Agent)
	assert.Equal(t, "claude-opus-4-5-20251101", res.ModelID)
	assert.False(t, res.Idempotent)
	// Flagship tier estimates 30 seconds to start.
	assert.Equal(t, now.Add(30*time.Second), res.EstimatedStartTime)

	rec, err := fx.st.Dispatches().GetByID(context.Background(), res.DispatchID)
	require.NoError(t, err)
	assert.Equal(t, types.DispatchRunning, rec.Status)
	assert.Equal(t, "arn:run:task/1", rec.TaskArn)
	assert.Equal(t, int64(2), rec.Version)
	assert.Equal(t, 600, rec.TimeoutSeconds, "default timeout applied")

	require.Len(t, fx.rt.runs, 1)
	assert.Equal(t, res.DispatchID, fx.rt.runs[0].Environment["DISPATCH_ID"])

	// The cost event goes out asynchronously.
	require.Eventually(t, fx.bus.eventually(1), 2*time.Second, 5*time.Millisecond)
	fx.bus.mu.Lock()
	defer fx.bus.mu.Unlock()
	assert.Equal(t, "outpost.dispatcher", fx.bus.entries[0].Source)
	assert.Equal(t, "LedgerCostEvent", fx.bus.entries[0].DetailType)
	assert.Contains(t, fx.bus.entries[0].Detail, res.DispatchID)
}

func TestDispatchValidationAggregatesFailures(t *testing.T) {
	fx := newDispatcher(t, fixtureOpts{})

	_, err := fx.d.Dispatch(context.Background(), types.DispatchRequest{
		UserID:         "",
		Agent:          "watson",
		Task:           "too short",
		TimeoutSeconds: 29,
	})
	require.Error(t, err)
	assert.True(t, errdefs.IsValidation(err))

	fields := errdefs.FieldsOf(err)
	require.Len(t, fields, 4)
	joined := strings.Join(fields, "\n")
	assert.Contains(t, joined, "userId")
	assert.Contains(t, joined, "agent")
	assert.Contains(t, joined, "task")
	assert.Contains(t, joined, "timeoutSeconds")

	assert.Empty(t, fx.rt.runs, "invalid requests never launch")
}

func TestValidateRequestBounds(t *testing.T) {
	intp := func(v int) *int { return &v }

	tests := []struct {
		name   string
		mutate func(*types.DispatchRequest)
		ok     bool
	}{
		{"timeout at floor", func(r *types.DispatchRequest) { r.TimeoutSeconds = 30 }, true},
		{"timeout below floor", func(r *types.DispatchRequest) { r.TimeoutSeconds = 29 }, false},
		{"timeout at ceiling", func(r *types.DispatchRequest) { r.TimeoutSeconds = 86400 }, true},
		{"timeout above ceiling", func(r *types.DispatchRequest) { r.TimeoutSeconds = 86401 }, false},
		{"task at min", func(r *types.DispatchRequest) { r.Task = strings.Repeat("x", 10) }, true},
		{"task below min", func(r *types.DispatchRequest) { r.Task = strings.Repeat("x", 9) }, false},
		{"task at max", func(r *types.DispatchRequest) { r.Task = strings.Repeat("x", 50000) }, true},
		{"task above max", func(r *types.DispatchRequest) { r.Task = strings.Repeat("x", 50001) }, false},
		{"user id at max", func(r *types.DispatchRequest) { r.UserID = strings.Repeat("u", 64) }, true},
		{"user id above max", func(r *types.DispatchRequest) { r.UserID = strings.Repeat("u", 65) }, false},
		{"idempotency key at max", func(r *types.DispatchRequest) { r.IdempotencyKey = strings.Repeat("k", 128) }, true},
		{"idempotency key above max", func(r *types.DispatchRequest) { r.IdempotencyKey = strings.Repeat("k", 129) }, false},
		{"user id with hash", func(r *types.DispatchRequest) { r.UserID = "a#b" }, false},
		{"user id with control char", func(r *types.DispatchRequest) { r.UserID = "a\x00b" }, false},
		{"idempotency key with hash", func(r *types.DispatchRequest) { r.IdempotencyKey = "b#c" }, false},
		{"idempotency key with control char", func(r *types.DispatchRequest) { r.IdempotencyKey = "b\x00k1" }, false},
		{"unknown model", func(r *types.DispatchRequest) { r.ModelID = "gpt-2" }, false},
		{"known model", func(r *types.DispatchRequest) { r.ModelID = "claude-opus-4-5-20251101" }, true},
		{"bad repo url", func(r *types.DispatchRequest) { r.RepoURL = "not a url" }, false},
		{"good repo url", func(r *types.DispatchRequest) { r.RepoURL = "https://github.com/acme/widgets" }, true},
		{"bad workspace mode", func(r *types.DispatchRequest) { r.WorkspaceMode = "floating" }, false},
		{"bad init mode", func(r *types.DispatchRequest) { r.WorkspaceInitMode = "partial" }, false},
		{"bad context level", func(r *types.DispatchRequest) { r.ContextLevel = "verbose" }, false},
		{"memory below floor", func(r *types.DispatchRequest) {
			r.ResourceConstraints = &types.ResourceConstraints{MaxMemoryMB: intp(511)}
		}, false},
		{"cpu above ceiling", func(r *types.DispatchRequest) {
			r.ResourceConstraints = &types.ResourceConstraints{MaxCPUUnits: intp(4097)}
		}, false},
		{"disk at floor", func(r *types.DispatchRequest) {
			r.ResourceConstraints = &types.ResourceConstraints{MaxDiskGB: intp(21)}
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validRequest("user-1")
			tt.mutate(&req)
			applyDefaults(&req)
			err := validateRequest(&req)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.True(t, errdefs.IsValidation(err))
			}
		})
	}
}

func TestDispatchIdempotentReplay(t *testing.T) {
	fx := newDispatcher(t, fixtureOpts{})

	req := validRequest("user-1")
	req.IdempotencyKey = "retry-abc"
	req.Tags = map[string]string{"team": "infra"}

	first, err := fx.d.Dispatch(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, fx.rt.runs, 1)

	replay, err := fx.d.Dispatch(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, first.DispatchID, replay.DispatchID)
	assert.True(t, replay.Idempotent)
	assert.Equal(t, status.StatusProvisioning, replay.Status)
	assert.Equal(t, "infra", replay.Tags["team"])
	assert.Len(t, fx.rt.runs, 1, "replay must not launch a second worker")

	// The same key under another tenant is a fresh dispatch.
	other := validRequest("user-2")
	other.IdempotencyKey = "retry-abc"
	fresh, err := fx.d.Dispatch(context.Background(), other)
	require.NoError(t, err)
	assert.NotEqual(t, first.DispatchID, fresh.DispatchID)
	assert.False(t, fresh.Idempotent)
}

// foreignMappingStore simulates a corrupted idempotency slot that
// resolves to another tenant's record.
type foreignMappingStore struct {
	store.DispatchStore
	foreign *types.DispatchRecord
}

func (f *foreignMappingStore) FindByIdempotencyKey(ctx context.Context, userID, key string) (*types.DispatchRecord, error) {
	return f.foreign, nil
}

func TestDispatchReplayRefusesForeignRecord(t *testing.T) {
	fx := newDispatcher(t, fixtureOpts{})

	foreign := &types.DispatchRecord{
		DispatchID: "01JGDFOREIGN00000000000001",
		UserID:     "user-1",
		Agent:      types.AgentClaude,
		Status:     types.DispatchRunning,
		Tags:       map[string]string{"team": "tenant-a-private"},
	}
	fx.d.dispatches = &foreignMappingStore{DispatchStore: fx.st.Dispatches(), foreign: foreign}

	req := validRequest("user-2")
	req.IdempotencyKey = "retry-abc"
	res, err := fx.d.Dispatch(context.Background(), req)
	require.NoError(t, err)

	// The foreign record never replays: the request dispatches fresh.
	assert.False(t, res.Idempotent)
	assert.NotEqual(t, foreign.DispatchID, res.DispatchID)
	assert.NotContains(t, res.Tags, "team")
	require.Len(t, fx.rt.runs, 1)
}

func TestDispatchLaunchFailureMarksFailed(t *testing.T) {
	fx := newDispatcher(t, fixtureOpts{runtimeErrs: []error{
		&cloud.CapacityError{Reason: "no capacity"},
		&cloud.CapacityError{Reason: "no capacity"},
		&cloud.CapacityError{Reason: "no capacity"},
	}})

	_, err := fx.d.Dispatch(context.Background(), validRequest("user-1"))
	require.Error(t, err)
	assert.Equal(t, errdefs.KindServiceUnavailable, errdefs.KindOf(err))
	assert.Len(t, fx.rt.runs, 3, "capacity failures retry before giving up")

	page, err := fx.st.Dispatches().ListByTenant(context.Background(), "user-1", store.ListFilter{})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	rec := page.Items[0]
	assert.Equal(t, types.DispatchFailed, rec.Status)
	assert.True(t, strings.HasPrefix(rec.ErrorMessage, "worker launch failed: "))
	require.NotNil(t, rec.EndedAt)
}

func TestDispatchPrefersWarmPool(t *testing.T) {
	fx := newDispatcher(t, fixtureOpts{withPool: true})
	require.NoError(t, fx.st.Pool().Create(context.Background(), &types.PoolEntry{
		Agent:      types.AgentClaude,
		TaskArn:    "arn:warm:1",
		Status:     types.PoolIdle,
		CreatedAt:  time.Now().UTC(),
		LastUsedAt: time.Now().UTC(),
	}))

	res, err := fx.d.Dispatch(context.Background(), validRequest("user-1"))
	require.NoError(t, err)
	assert.Empty(t, fx.rt.runs, "warm worker avoids a cold launch")

	rec, err := fx.st.Dispatches().GetByID(context.Background(), res.DispatchID)
	require.NoError(t, err)
	assert.Equal(t, "arn:warm:1", rec.TaskArn)

	entries, err := fx.st.Pool().ListByAgent(context.Background(), types.AgentClaude)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, types.PoolInUse, entries[0].Status)
}

func TestDispatchFallsBackWhenPoolEmpty(t *testing.T) {
	fx := newDispatcher(t, fixtureOpts{withPool: true})

	res, err := fx.d.Dispatch(context.Background(), validRequest("user-1"))
	require.NoError(t, err)
	require.Len(t, fx.rt.runs, 1)

	rec, err := fx.st.Dispatches().GetByID(context.Background(), res.DispatchID)
	require.NoError(t, err)
	assert.Equal(t, "arn:run:task/1", rec.TaskArn)
}

func TestCancelDispatch(t *testing.T) {
	fx := newDispatcher(t, fixtureOpts{})

	res, err := fx.d.Dispatch(context.Background(), validRequest("user-1"))
	require.NoError(t, err)

	rec, err := fx.d.CancelDispatch(context.Background(), "user-1", res.DispatchID, "changed my mind")
	require.NoError(t, err)
	assert.Equal(t, types.DispatchCancelled, rec.Status)
	assert.Equal(t, "changed my mind", rec.ErrorMessage)
	require.NotNil(t, rec.EndedAt)
	assert.Equal(t, []string{"arn:run:task/1"}, fx.rt.stopped)

	// A second cancel hits the terminal guard.
	_, err = fx.d.CancelDispatch(context.Background(), "user-1", res.DispatchID, "again")
	assert.True(t, errdefs.IsConflict(err))
}

func TestTenantIsolation(t *testing.T) {
	fx := newDispatcher(t, fixtureOpts{})

	res, err := fx.d.Dispatch(context.Background(), validRequest("user-1"))
	require.NoError(t, err)

	// Foreign tenants read NotFound, never Forbidden.
	_, err = fx.d.GetDispatchStatus(context.Background(), "user-2", res.DispatchID, status.Options{SkipLogs: true})
	assert.True(t, errdefs.IsNotFound(err))

	_, err = fx.d.CancelDispatch(context.Background(), "user-2", res.DispatchID, "not mine")
	assert.True(t, errdefs.IsNotFound(err))
	assert.Empty(t, fx.rt.stopped)

	view, err := fx.d.GetDispatchStatus(context.Background(), "user-1", res.DispatchID, status.Options{SkipLogs: true})
	require.NoError(t, err)
	assert.Equal(t, res.DispatchID, view.DispatchID)
}

func TestListDispatches(t *testing.T) {
	fx := newDispatcher(t, fixtureOpts{})
	base := time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC)
	step := 0
	fx.d.now = func() time.Time {
		step++
		return base.Add(time.Duration(step) * time.Minute)
	}

	for i := 0; i < 3; i++ {
		req := validRequest("user-1")
		if i == 2 {
			req.Agent = types.AgentCodex
			req.Tags = map[string]string{"team": "infra"}
		}
		_, err := fx.d.Dispatch(context.Background(), req)
		require.NoError(t, err)
	}
	_, err := fx.d.Dispatch(context.Background(), validRequest("user-2"))
	require.NoError(t, err)

	page, err := fx.d.ListDispatches(context.Background(), "user-1", store.ListFilter{})
	require.NoError(t, err)
	require.Len(t, page.Items, 3, "listing is tenant-scoped")
	// Reverse chronological: the codex dispatch was last in.
	assert.Equal(t, types.AgentCodex, page.Items[0].Agent)

	agent := types.AgentCodex
	page, err = fx.d.ListDispatches(context.Background(), "user-1", store.ListFilter{Agent: &agent})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)

	page, err = fx.d.ListDispatches(context.Background(), "user-1", store.ListFilter{
		Tags: map[string]string{"team": "infra"},
	})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)

	page, err = fx.d.ListDispatches(context.Background(), "user-1", store.ListFilter{Limit: 2})
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	assert.NotEmpty(t, page.NextCursor)

	rest, err := fx.d.ListDispatches(context.Background(), "user-1", store.ListFilter{Limit: 2, Cursor: page.NextCursor})
	require.NoError(t, err)
	require.Len(t, rest.Items, 1)
}

func (b *captureBus) eventually(n int) func() bool {
	return func() bool { return b.count() >= n }
}
