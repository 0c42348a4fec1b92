package launcher

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeroechelon/outpost/pkg/cloud"
	"github.com/zeroechelon/outpost/pkg/errdefs"
	"github.com/zeroechelon/outpost/pkg/registry"
	"github.com/zeroechelon/outpost/pkg/secrets"
	"github.com/zeroechelon/outpost/pkg/types"
)

// fakeRuntime scripts RunTask responses per attempt and records inputs.
type fakeRuntime struct {
	calls    []cloud.RunTaskInput
	errs     []error // consumed in order; nil means success
	describe func(cluster, taskArn string) (*cloud.TaskStatus, error)
	stopped  []string
}

func (f *fakeRuntime) RunTask(ctx context.Context, in cloud.RunTaskInput) (*cloud.RunTaskOutput, error) {
	f.calls = append(f.calls, in)
	idx := len(f.calls) - 1
	if idx < len(f.errs) && f.errs[idx] != nil {
		return nil, f.errs[idx]
	}
	return &cloud.RunTaskOutput{
		TaskArn:   fmt.Sprintf("arn:fake:task/%d", idx),
		StartedAt: time.Now(),
	}, nil
}

func (f *fakeRuntime) DescribeTask(ctx context.Context, cluster, taskArn string) (*cloud.TaskStatus, error) {
	if f.describe != nil {
		return f.describe(cluster, taskArn)
	}
	return &cloud.TaskStatus{TaskArn: taskArn, LastStatus: "RUNNING"}, nil
}

func (f *fakeRuntime) StopTask(ctx context.Context, cluster, taskArn, reason string) error {
	f.stopped = append(f.stopped, taskArn)
	return nil
}

// okSecretStore has every registry path.
type okSecretStore struct{}

func (okSecretStore) DescribeSecret(ctx context.Context, path string) (*cloud.SecretMetadata, error) {
	return &cloud.SecretMetadata{Path: path}, nil
}

func newTestLauncher(rt *fakeRuntime) *Launcher {
	return New(rt, secrets.NewInjector(okSecretStore{}, nil), Config{
		Cluster:        "outpost-agents",
		Subnets:        []string{"subnet-a", "subnet-b", "subnet-c"},
		SecurityGroup:  "sg-1",
		OutputBucket:   "outpost-artifacts",
		Region:         "us-east-1",
		Environment:    "test",
		RetryBaseDelay: time.Millisecond,
	})
}

func baseRequest() Request {
	return Request{
		DispatchID:        "01JGDTEST00000000000000000",
		UserID:            "user-1",
		Agent:             types.AgentClaude,
		Task:              "refactor the parser",
		WorkspaceMode:     types.WorkspaceEphemeral,
		WorkspaceInitMode: types.InitFull,
		TimeoutSeconds:    600,
		RepoURL:           "https://github.com/acme/widgets",
	}
}

func TestLaunchTaskEnvironmentAndTags(t *testing.T) {
	rt := &fakeRuntime{}
	l := newTestLauncher(rt)

	res, err := l.LaunchTask(context.Background(), baseRequest())
	require.NoError(t, err)
	require.Len(t, rt.calls, 1)

	in := rt.calls[0]
	assert.Equal(t, "outpost-claude-flagship", in.TaskDefinition)
	assert.Equal(t, "agent", in.ContainerName)
	assert.Equal(t, []string{"subnet-a", "subnet-b", "subnet-c"}, in.Subnets)
	assert.False(t, in.AssignPublicIP)
	assert.Equal(t, 2048, in.CPUUnits)
	assert.Equal(t, 4096, in.MemoryMB)

	env := in.Environment
	assert.Equal(t, "01JGDTEST00000000000000000", env["DISPATCH_ID"])
	assert.Equal(t, "claude", env["AGENT_TYPE"])
	assert.Equal(t, "claude-opus-4-5-20251101", env["MODEL_ID"])
	assert.Equal(t, "refactor the parser", env["TASK"])
	assert.Equal(t, "600", env["TIMEOUT_SECONDS"])
	assert.Equal(t, "https://github.com/acme/widgets", env["REPO_URL"])
	assert.Equal(t, "outpost-artifacts", env["OUTPUT_BUCKET"])

	assert.Equal(t, "user-1", in.Tags["tenantId"])
	assert.Equal(t, "claude", in.Tags["agent"])

	assert.Equal(t, "arn:fake:task/0", res.TaskArn)
	assert.Equal(t, types.TierFlagship, res.TaskDef.Tier)
}

func TestLaunchTaskCapacityRetryRotatesSubnets(t *testing.T) {
	rt := &fakeRuntime{errs: []error{
		&cloud.CapacityError{Reason: "no capacity in az-a"},
		&cloud.CapacityError{Reason: "no capacity in az-b"},
		nil,
	}}
	l := newTestLauncher(rt)

	res, err := l.LaunchTask(context.Background(), baseRequest())
	require.NoError(t, err)
	require.Len(t, rt.calls, 3)

	assert.Equal(t, []string{"subnet-a", "subnet-b", "subnet-c"}, rt.calls[0].Subnets)
	assert.Equal(t, []string{"subnet-b", "subnet-c", "subnet-a"}, rt.calls[1].Subnets)
	assert.Equal(t, []string{"subnet-c", "subnet-a", "subnet-b"}, rt.calls[2].Subnets)
	assert.Equal(t, "arn:fake:task/2", res.TaskArn)
}

func TestLaunchTaskCapacityExhaustion(t *testing.T) {
	rt := &fakeRuntime{errs: []error{
		&cloud.CapacityError{Reason: "no capacity"},
		&cloud.CapacityError{Reason: "no capacity"},
		&cloud.CapacityError{Reason: "still no capacity"},
	}}
	l := newTestLauncher(rt)

	_, err := l.LaunchTask(context.Background(), baseRequest())
	require.Error(t, err)
	assert.Len(t, rt.calls, 3)
	assert.Equal(t, errdefs.KindServiceUnavailable, errdefs.KindOf(err))

	var e *errdefs.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, 30, e.RetryAfterSeconds)
	assert.Contains(t, err.Error(), "after 3 attempts")
	assert.Contains(t, err.Error(), "still no capacity")
}

func TestLaunchTaskNonCapacityFailureIsFatal(t *testing.T) {
	rt := &fakeRuntime{errs: []error{errdefs.Internal(nil, "api outage")}}
	l := newTestLauncher(rt)

	_, err := l.LaunchTask(context.Background(), baseRequest())
	require.Error(t, err)
	assert.Len(t, rt.calls, 1, "non-capacity failures must not retry")
	assert.Contains(t, err.Error(), "api outage")
}

func TestResolveResourceBounds(t *testing.T) {
	rt := &fakeRuntime{}
	l := newTestLauncher(rt)

	intp := func(v int) *int { return &v }

	tests := []struct {
		name    string
		rc      *types.ResourceConstraints
		wantErr bool
	}{
		{"memory at floor", &types.ResourceConstraints{MaxMemoryMB: intp(512)}, false},
		{"memory below floor", &types.ResourceConstraints{MaxMemoryMB: intp(511)}, true},
		{"memory at ceiling", &types.ResourceConstraints{MaxMemoryMB: intp(30720)}, false},
		{"memory above ceiling", &types.ResourceConstraints{MaxMemoryMB: intp(30721)}, true},
		{"cpu at floor", &types.ResourceConstraints{MaxCPUUnits: intp(256)}, false},
		{"cpu below floor", &types.ResourceConstraints{MaxCPUUnits: intp(255)}, true},
		{"cpu at ceiling", &types.ResourceConstraints{MaxCPUUnits: intp(4096)}, false},
		{"cpu above ceiling", &types.ResourceConstraints{MaxCPUUnits: intp(4097)}, true},
		{"disk at floor", &types.ResourceConstraints{MaxDiskGB: intp(21)}, false},
		{"disk below floor", &types.ResourceConstraints{MaxDiskGB: intp(20)}, true},
		{"disk at ceiling", &types.ResourceConstraints{MaxDiskGB: intp(200)}, false},
		{"disk above ceiling", &types.ResourceConstraints{MaxDiskGB: intp(201)}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := baseRequest()
			req.ResourceConstraints = tt.rc
			rt.calls = nil

			_, err := l.LaunchTask(context.Background(), req)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errdefs.IsValidation(err))
				assert.Empty(t, rt.calls, "invalid constraints must not reach the runtime")
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestResolveResourceOverridesApply(t *testing.T) {
	rt := &fakeRuntime{}
	l := newTestLauncher(rt)

	mem, cpu, disk := 8192, 4096, 100
	req := baseRequest()
	req.ResourceConstraints = &types.ResourceConstraints{
		MaxMemoryMB: &mem,
		MaxCPUUnits: &cpu,
		MaxDiskGB:   &disk,
	}

	_, err := l.LaunchTask(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, rt.calls, 1)
	assert.Equal(t, 4096, rt.calls[0].CPUUnits)
	assert.Equal(t, 8192, rt.calls[0].MemoryMB)
	assert.Equal(t, 100, rt.calls[0].EphemeralDiskGB)
}

func TestVerifyTaskRunning(t *testing.T) {
	tests := []struct {
		status string
		want   bool
	}{
		{"PROVISIONING", true},
		{"PENDING", true},
		{"RUNNING", true},
		{"STOPPED", false},
		{"DEPROVISIONING", false},
	}
	for _, tt := range tests {
		rt := &fakeRuntime{describe: func(cluster, taskArn string) (*cloud.TaskStatus, error) {
			return &cloud.TaskStatus{TaskArn: taskArn, LastStatus: tt.status}, nil
		}}
		l := newTestLauncher(rt)
		got, err := l.VerifyTaskRunning(context.Background(), "arn:fake:task/0")
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, tt.status)
	}

	rt := &fakeRuntime{describe: func(cluster, taskArn string) (*cloud.TaskStatus, error) {
		return nil, errdefs.NotFound("task gone")
	}}
	l := newTestLauncher(rt)
	got, err := l.VerifyTaskRunning(context.Background(), "arn:fake:task/0")
	require.NoError(t, err)
	assert.False(t, got)
}

func TestRotateSubnets(t *testing.T) {
	subnets := []string{"a", "b", "c"}
	assert.Equal(t, []string{"a", "b", "c"}, rotateSubnets(subnets, 0))
	assert.Equal(t, []string{"b", "c", "a"}, rotateSubnets(subnets, 1))
	assert.Equal(t, []string{"c", "a", "b"}, rotateSubnets(subnets, 2))
	assert.Equal(t, []string{"a", "b", "c"}, rotateSubnets(subnets, 3))
	assert.Nil(t, rotateSubnets(nil, 1))
}

func TestSecretBindingsRideAlong(t *testing.T) {
	rt := &fakeRuntime{}
	l := newTestLauncher(rt)

	_, err := l.LaunchTask(context.Background(), baseRequest())
	require.NoError(t, err)

	env := rt.calls[0].Environment
	bindings := map[string]bool{}
	for i := 0; i < 3; i++ {
		bindings[env[fmt.Sprintf("SECRET_BINDING_%d", i)]] = true
	}
	d, _ := registry.AgentSecret(types.AgentClaude)
	assert.True(t, bindings[d.EnvName])
	assert.True(t, bindings["GITHUB_TOKEN"])
	assert.True(t, bindings["OUTPOST_TELEMETRY_KEY"])
}
