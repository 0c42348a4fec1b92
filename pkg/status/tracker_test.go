package status

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeroechelon/outpost/pkg/cloud"
	"github.com/zeroechelon/outpost/pkg/errdefs"
	"github.com/zeroechelon/outpost/pkg/logstream"
	"github.com/zeroechelon/outpost/pkg/store"
	"github.com/zeroechelon/outpost/pkg/types"
)

// fakeDispatches serves records by ID and counts reads for cache tests.
type fakeDispatches struct {
	store.DispatchStore
	recs     map[string]*types.DispatchRecord
	getCalls int
}

func (f *fakeDispatches) GetByID(ctx context.Context, dispatchID string) (*types.DispatchRecord, error) {
	f.getCalls++
	rec, ok := f.recs[dispatchID]
	if !ok {
		return nil, errdefs.NotFound("dispatch %s does not exist", dispatchID)
	}
	return rec, nil
}

// fakeTaskRuntime scripts DescribeTask per ARN.
type fakeTaskRuntime struct {
	statuses      map[string]*cloud.TaskStatus
	describeCalls int
}

func (f *fakeTaskRuntime) RunTask(ctx context.Context, in cloud.RunTaskInput) (*cloud.RunTaskOutput, error) {
	return nil, errdefs.Internal(nil, "not used")
}

func (f *fakeTaskRuntime) DescribeTask(ctx context.Context, cluster, taskArn string) (*cloud.TaskStatus, error) {
	f.describeCalls++
	ts, ok := f.statuses[taskArn]
	if !ok {
		return nil, errdefs.NotFound("task %s does not exist", taskArn)
	}
	return ts, nil
}

func (f *fakeTaskRuntime) StopTask(ctx context.Context, cluster, taskArn, reason string) error {
	return nil
}

// fakeLogs serves sequential events per stream name.
type fakeLogs struct {
	events map[string][]cloud.LogEvent
}

func (f *fakeLogs) GetLogEvents(ctx context.Context, group, stream string, limit int, startFromHead bool, token string) (*cloud.GetLogEventsOutput, error) {
	events, ok := f.events[stream]
	if !ok {
		return nil, errdefs.NotFound("log stream %s does not exist", stream)
	}
	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	return &cloud.GetLogEventsOutput{Events: events, NextForwardToken: "f/0"}, nil
}

func (f *fakeLogs) FilterLogEvents(ctx context.Context, group string, streams []string, startTime, endTime time.Time, limit int, token string) (*cloud.FilterLogEventsOutput, error) {
	return &cloud.FilterLogEventsOutput{}, nil
}

func (f *fakeLogs) DescribeLogStreams(ctx context.Context, group, streamPrefix string, limit int) ([]string, error) {
	return nil, nil
}

type trackerFixture struct {
	tracker    *Tracker
	dispatches *fakeDispatches
	runtime    *fakeTaskRuntime
	logs       *fakeLogs
}

func newFixture() *trackerFixture {
	fd := &fakeDispatches{recs: make(map[string]*types.DispatchRecord)}
	rt := &fakeTaskRuntime{statuses: make(map[string]*cloud.TaskStatus)}
	logs := &fakeLogs{events: make(map[string][]cloud.LogEvent)}
	streamer := logstream.New(logs, logstream.Config{RateLimitRequests: 10000})
	return &trackerFixture{
		tracker:    NewTracker(fd, rt, streamer, "test-cluster"),
		dispatches: fd,
		runtime:    rt,
		logs:       logs,
	}
}

func (fx *trackerFixture) addDispatch(rec *types.DispatchRecord) {
	fx.dispatches.recs[rec.DispatchID] = rec
	// An empty stream exists for every dispatch.
	if _, ok := fx.logs.events[rec.DispatchID]; !ok {
		fx.logs.events[rec.DispatchID] = nil
	}
}

func TestGetStatusNotFound(t *testing.T) {
	fx := newFixture()
	_, err := fx.tracker.GetStatus(context.Background(), "missing", Options{})
	assert.True(t, errdefs.IsNotFound(err))
}

func TestGetStatusMergesRuntimeView(t *testing.T) {
	intp := func(v int) *int { return &v }

	tests := []struct {
		name      string
		persisted types.DispatchStatus
		taskArn   string
		runtime   *cloud.TaskStatus
		want      string
	}{
		{
			name:      "pending without worker",
			persisted: types.DispatchPending,
			want:      StatusPending,
		},
		{
			name:      "runtime provisioning",
			persisted: types.DispatchRunning,
			taskArn:   "arn:t",
			runtime:   &cloud.TaskStatus{LastStatus: "PROVISIONING"},
			want:      StatusProvisioning,
		},
		{
			name:      "runtime running",
			persisted: types.DispatchRunning,
			taskArn:   "arn:t",
			runtime:   &cloud.TaskStatus{LastStatus: "RUNNING"},
			want:      StatusRunning,
		},
		{
			name:      "runtime stopping",
			persisted: types.DispatchRunning,
			taskArn:   "arn:t",
			runtime:   &cloud.TaskStatus{LastStatus: "DEPROVISIONING"},
			want:      StatusCompleting,
		},
		{
			name:      "stopped on timeout",
			persisted: types.DispatchRunning,
			taskArn:   "arn:t",
			runtime:   &cloud.TaskStatus{LastStatus: "STOPPED", StoppedReason: "Task timed out"},
			want:      StatusTimeout,
		},
		{
			name:      "stopped essential container",
			persisted: types.DispatchRunning,
			taskArn:   "arn:t",
			runtime:   &cloud.TaskStatus{LastStatus: "STOPPED", StoppedReason: "Essential container in task exited"},
			want:      StatusTimeout,
		},
		{
			name:      "stopped with error reason",
			persisted: types.DispatchRunning,
			taskArn:   "arn:t",
			runtime:   &cloud.TaskStatus{LastStatus: "STOPPED", StoppedReason: "Unexpected error while pulling image"},
			want:      StatusFailed,
		},
		{
			name:      "stopped with nonzero exit",
			persisted: types.DispatchRunning,
			taskArn:   "arn:t",
			runtime: &cloud.TaskStatus{
				LastStatus: "STOPPED",
				Containers: []cloud.ContainerStatus{{Name: "agent", LastStatus: "STOPPED", ExitCode: intp(1)}},
			},
			want: StatusFailed,
		},
		{
			name:      "stopped clean",
			persisted: types.DispatchRunning,
			taskArn:   "arn:t",
			runtime: &cloud.TaskStatus{
				LastStatus: "STOPPED",
				Containers: []cloud.ContainerStatus{{Name: "agent", LastStatus: "STOPPED", ExitCode: intp(0)}},
			},
			want: StatusSuccess,
		},
		{
			name:      "runtime forgot the task",
			persisted: types.DispatchRunning,
			taskArn:   "arn:gone",
			want:      StatusRunning,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fx := newFixture()
			fx.addDispatch(&types.DispatchRecord{
				DispatchID: "disp-1",
				UserID:     "user-1",
				Agent:      types.AgentClaude,
				Status:     tt.persisted,
				TaskArn:    tt.taskArn,
				StartedAt:  time.Now().UTC(),
			})
			if tt.runtime != nil {
				tt.runtime.TaskArn = tt.taskArn
				fx.runtime.statuses[tt.taskArn] = tt.runtime
			}

			view, err := fx.tracker.GetStatus(context.Background(), "disp-1", Options{})
			require.NoError(t, err)
			assert.Equal(t, tt.want, view.Status)
		})
	}
}

func TestGetStatusTerminalSkipsRuntime(t *testing.T) {
	fx := newFixture()
	ended := time.Now().UTC()
	fx.addDispatch(&types.DispatchRecord{
		DispatchID:   "disp-done",
		Agent:        types.AgentClaude,
		Status:       types.DispatchCompleted,
		TaskArn:      "arn:t",
		StartedAt:    ended.Add(-time.Hour),
		EndedAt:      &ended,
		ArtifactsURL: "s3://bucket/artifacts/disp-done",
	})

	view, err := fx.tracker.GetStatus(context.Background(), "disp-done", Options{})
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, view.Status)
	assert.Equal(t, 100, view.Progress)
	assert.Equal(t, "s3://bucket/artifacts/disp-done", view.ArtifactsURL)
	assert.Zero(t, fx.runtime.describeCalls, "terminal dispatches never hit the runtime")
}

func TestGetStatusCaching(t *testing.T) {
	fx := newFixture()
	fx.addDispatch(&types.DispatchRecord{
		DispatchID: "disp-c",
		Agent:      types.AgentClaude,
		Status:     types.DispatchPending,
		StartedAt:  time.Now().UTC(),
	})

	base := time.Now()
	current := base
	fx.tracker.now = func() time.Time { return current }

	_, err := fx.tracker.GetStatus(context.Background(), "disp-c", Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, fx.dispatches.getCalls)

	// Within the TTL the cached view answers.
	current = base.Add(3 * time.Second)
	_, err = fx.tracker.GetStatus(context.Background(), "disp-c", Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, fx.dispatches.getCalls)

	// Past the TTL the store is read again.
	current = base.Add(9 * time.Second)
	_, err = fx.tracker.GetStatus(context.Background(), "disp-c", Options{})
	require.NoError(t, err)
	assert.Equal(t, 2, fx.dispatches.getCalls)

	// Invalidate forces the next read through.
	fx.tracker.Invalidate("disp-c")
	_, err = fx.tracker.GetStatus(context.Background(), "disp-c", Options{})
	require.NoError(t, err)
	assert.Equal(t, 3, fx.dispatches.getCalls)
}

func TestGetStatusOffsetBypassesCache(t *testing.T) {
	fx := newFixture()
	fx.addDispatch(&types.DispatchRecord{
		DispatchID: "disp-o",
		Agent:      types.AgentClaude,
		Status:     types.DispatchPending,
		StartedAt:  time.Now().UTC(),
	})

	for i := 0; i < 3; i++ {
		_, err := fx.tracker.GetStatus(context.Background(), "disp-o", Options{LogOffset: 1})
		require.NoError(t, err)
	}
	assert.Equal(t, 3, fx.dispatches.getCalls)

	_, err := fx.tracker.GetStatus(context.Background(), "disp-o", Options{SkipLogs: true})
	require.NoError(t, err)
	assert.Equal(t, 4, fx.dispatches.getCalls)
}

func TestGetStatusLogPagination(t *testing.T) {
	fx := newFixture()
	base := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)
	rec := &types.DispatchRecord{
		DispatchID: "disp-l",
		Agent:      types.AgentClaude,
		Status:     types.DispatchRunning,
		StartedAt:  base,
	}
	fx.addDispatch(rec)
	for i := 0; i < 10; i++ {
		fx.logs.events["disp-l"] = append(fx.logs.events["disp-l"], cloud.LogEvent{
			Timestamp: base.Add(time.Duration(i) * time.Second),
			Message:   fmt.Sprintf("line %d", i),
		})
	}

	view, err := fx.tracker.GetStatus(context.Background(), "disp-l", Options{LogOffset: 3, LogLimit: 4})
	require.NoError(t, err)
	require.Len(t, view.Logs, 4)
	assert.Equal(t, "line 3", view.Logs[0].Message)
	assert.Equal(t, "line 6", view.Logs[3].Message)
	assert.Equal(t, 7, view.LogOffset)

	// An offset past the end returns nothing and keeps the offset.
	view, err = fx.tracker.GetStatus(context.Background(), "disp-l", Options{LogOffset: 50})
	require.NoError(t, err)
	assert.Empty(t, view.Logs)
	assert.Equal(t, 50, view.LogOffset)

	// SkipLogs omits fetching entirely.
	view, err = fx.tracker.GetStatus(context.Background(), "disp-l", Options{SkipLogs: true})
	require.NoError(t, err)
	assert.Empty(t, view.Logs)
}

func TestProgressHeuristics(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

	t.Run("pending is zero", func(t *testing.T) {
		fx := newFixture()
		fx.tracker.now = func() time.Time { return now }
		fx.addDispatch(&types.DispatchRecord{
			DispatchID: "d", Agent: types.AgentClaude,
			Status: types.DispatchPending, StartedAt: now,
		})
		view, err := fx.tracker.GetStatus(context.Background(), "d", Options{})
		require.NoError(t, err)
		assert.Equal(t, 0, view.Progress)
	})

	t.Run("provisioning is two", func(t *testing.T) {
		fx := newFixture()
		fx.tracker.now = func() time.Time { return now }
		fx.addDispatch(&types.DispatchRecord{
			DispatchID: "d", Agent: types.AgentClaude,
			Status: types.DispatchRunning, TaskArn: "arn:t", StartedAt: now,
		})
		fx.runtime.statuses["arn:t"] = &cloud.TaskStatus{LastStatus: "PROVISIONING"}
		view, err := fx.tracker.GetStatus(context.Background(), "d", Options{})
		require.NoError(t, err)
		assert.Equal(t, 2, view.Progress)
	})

	t.Run("log checkpoint wins", func(t *testing.T) {
		fx := newFixture()
		fx.tracker.now = func() time.Time { return now }
		fx.addDispatch(&types.DispatchRecord{
			DispatchID: "d", Agent: types.AgentClaude,
			Status: types.DispatchRunning, StartedAt: now, TimeoutSeconds: 600,
		})
		fx.logs.events["d"] = []cloud.LogEvent{
			{Timestamp: now, Message: "cloning repository"},
			{Timestamp: now, Message: "running tests for package foo"},
		}
		view, err := fx.tracker.GetStatus(context.Background(), "d", Options{})
		require.NoError(t, err)
		assert.Equal(t, 65, view.Progress)
	})

	t.Run("elapsed fraction backs silent workers", func(t *testing.T) {
		fx := newFixture()
		fx.tracker.now = func() time.Time { return now }
		fx.addDispatch(&types.DispatchRecord{
			DispatchID: "d", Agent: types.AgentClaude,
			Status: types.DispatchRunning, StartedAt: now.Add(-300 * time.Second),
			TimeoutSeconds: 600,
		})
		view, err := fx.tracker.GetStatus(context.Background(), "d", Options{})
		require.NoError(t, err)
		assert.Equal(t, 15, view.Progress, "300s of 600s at 0.3 weight")
	})

	t.Run("non-terminal caps at 95", func(t *testing.T) {
		fx := newFixture()
		fx.tracker.now = func() time.Time { return now }
		fx.addDispatch(&types.DispatchRecord{
			DispatchID: "d", Agent: types.AgentClaude,
			Status: types.DispatchRunning, StartedAt: now, TimeoutSeconds: 600,
		})
		fx.logs.events["d"] = []cloud.LogEvent{
			{Timestamp: now, Message: "task completed, uploading artifacts"},
		}
		view, err := fx.tracker.GetStatus(context.Background(), "d", Options{})
		require.NoError(t, err)
		assert.Equal(t, 95, view.Progress)
	})
}
