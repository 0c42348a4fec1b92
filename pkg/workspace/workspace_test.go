package workspace

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeroechelon/outpost/pkg/cloud"
	"github.com/zeroechelon/outpost/pkg/errdefs"
	"github.com/zeroechelon/outpost/pkg/store"
	"github.com/zeroechelon/outpost/pkg/store/bolt"
	"github.com/zeroechelon/outpost/pkg/types"
)

type gitCall struct {
	dir  string
	args []string
}

// gitRecorder stands in for the git binary: records every invocation
// and optionally fails matching ones.
type gitRecorder struct {
	mu    sync.Mutex
	calls []gitCall
	fail  func(args []string) error
}

func (g *gitRecorder) run(ctx context.Context, dir string, args ...string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, gitCall{dir: dir, args: args})
	if g.fail != nil {
		return g.fail(args)
	}
	return nil
}

func (g *gitRecorder) commands() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, len(g.calls))
	for i, c := range g.calls {
		out[i] = strings.Join(c.args, " ")
	}
	return out
}

type fakeObjects struct {
	mu   sync.Mutex
	puts map[string][]byte
	typ  map[string]string
}

func (f *fakeObjects) Put(ctx context.Context, bucket, key string, body []byte, contentType string, metadata map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.puts == nil {
		f.puts = make(map[string][]byte)
		f.typ = make(map[string]string)
	}
	f.puts[bucket+"/"+key] = body
	f.typ[bucket+"/"+key] = contentType
	return nil
}

func (f *fakeObjects) List(ctx context.Context, bucket, prefix string) ([]string, error) {
	return nil, nil
}

func (f *fakeObjects) DeleteMany(ctx context.Context, bucket string, keys []string) error {
	return nil
}

type fakeAccessPoints struct {
	mu        sync.Mutex
	seq       int
	created   []string // root paths
	deleted   []string
	createErr error
}

func (f *fakeAccessPoints) CreateAccessPoint(ctx context.Context, fileSystemID, rootPath string, uid, gid int, perms string, tags map[string]string) (*cloud.AccessPoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.seq++
	f.created = append(f.created, rootPath)
	return &cloud.AccessPoint{
		ID:   fmt.Sprintf("fsap-%d", f.seq),
		Path: rootPath,
	}, nil
}

func (f *fakeAccessPoints) DeleteAccessPoint(ctx context.Context, accessPointID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, accessPointID)
	return nil
}

func newTestService(t *testing.T) (*Service, *gitRecorder, *fakeObjects, *fakeAccessPoints, store.WorkspaceStore) {
	t.Helper()
	st, err := bolt.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	git := &gitRecorder{}
	objects := &fakeObjects{}
	aps := &fakeAccessPoints{}
	svc := NewService(objects, aps, st.Workspaces(), nil, Config{
		BaseDir:      t.TempDir(),
		OutputBucket: "outpost-artifacts",
		FileSystemID: "fs-1234",
	})
	svc.runGit = git.run
	return svc, git, objects, aps, st.Workspaces()
}

func TestSanitizeID(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"user-1", "user-1"},
		{"User_2", "User_2"},
		{"a/b/c", "a-b-c"},
		{"../etc/passwd", "---etc-passwd"},
		{"nørmal", "n-rmal"},
		{"a b;c", "a-b-c"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SanitizeID(tt.in), tt.in)
	}
}

func TestCreateEphemeralFullClone(t *testing.T) {
	svc, git, _, _, _ := newTestService(t)

	dir, err := svc.CreateEphemeralWorkspace(context.Background(), EphemeralConfig{
		DispatchID: "disp-1",
		UserID:     "user-1",
		RepoURL:    "https://github.com/acme/widgets",
		Branch:     "main",
		InitMode:   types.InitFull,
	})
	require.NoError(t, err)
	assert.DirExists(t, dir)
	assert.True(t, strings.HasPrefix(filepath.Base(dir), "disp-1-"))

	cmds := git.commands()
	require.Len(t, cmds, 3)
	assert.Equal(t, "clone --depth 1 --branch main https://github.com/acme/widgets .", cmds[0])
	assert.Equal(t, "config user.name Outpost Agent (user-1)", cmds[1])
	assert.Equal(t, "config user.email user-1@outpost.zeroechelon.com", cmds[2])
	assert.Equal(t, dir, git.calls[0].dir)
}

func TestCreateEphemeralMinimalSparseCheckout(t *testing.T) {
	svc, git, _, _, _ := newTestService(t)

	dir, err := svc.CreateEphemeralWorkspace(context.Background(), EphemeralConfig{
		DispatchID: "disp-2",
		UserID:     "user-1",
		RepoURL:    "https://github.com/acme/widgets",
		InitMode:   types.InitMinimal,
	})
	require.NoError(t, err)

	cmds := git.commands()
	assert.Contains(t, cmds, "init")
	assert.Contains(t, cmds, "config core.sparseCheckout true")
	assert.Contains(t, cmds, "remote add origin https://github.com/acme/widgets")
	assert.Contains(t, cmds, "fetch --depth 1 origin HEAD")
	assert.Contains(t, cmds, "checkout FETCH_HEAD")

	body, err := os.ReadFile(filepath.Join(dir, ".git", "info", "sparse-checkout"))
	require.NoError(t, err)
	assert.Contains(t, string(body), "*.md")
	assert.Contains(t, string(body), "src/")
}

func TestCreateEphemeralNoneInitsBareRepo(t *testing.T) {
	svc, git, _, _, _ := newTestService(t)

	_, err := svc.CreateEphemeralWorkspace(context.Background(), EphemeralConfig{
		DispatchID: "disp-3",
		UserID:     "user-1",
		InitMode:   types.InitNone,
	})
	require.NoError(t, err)

	cmds := git.commands()
	require.Len(t, cmds, 3)
	assert.Equal(t, "init", cmds[0])
}

func TestCreateEphemeralCloneFailure(t *testing.T) {
	svc, git, _, _, _ := newTestService(t)
	git.fail = func(args []string) error {
		if args[0] == "clone" {
			return errors.New("remote hung up")
		}
		return nil
	}

	_, err := svc.CreateEphemeralWorkspace(context.Background(), EphemeralConfig{
		DispatchID: "disp-4",
		UserID:     "user-1",
		RepoURL:    "https://github.com/acme/widgets",
		InitMode:   types.InitFull,
	})
	require.Error(t, err)
	assert.Equal(t, errdefs.KindWorkspace, errdefs.KindOf(err))
}

func TestCreateEphemeralIdentityFailureIsSwallowed(t *testing.T) {
	svc, git, _, _, _ := newTestService(t)
	git.fail = func(args []string) error {
		if args[0] == "config" {
			return errors.New("config locked")
		}
		return nil
	}

	dir, err := svc.CreateEphemeralWorkspace(context.Background(), EphemeralConfig{
		DispatchID: "disp-5",
		UserID:     "user-1",
		InitMode:   types.InitNone,
	})
	require.NoError(t, err)
	assert.DirExists(t, dir)
}

func TestCreateEphemeralInvalidInitMode(t *testing.T) {
	svc, _, _, _, _ := newTestService(t)

	_, err := svc.CreateEphemeralWorkspace(context.Background(), EphemeralConfig{
		DispatchID: "disp-6",
		UserID:     "user-1",
		InitMode:   "partial",
	})
	require.Error(t, err)
	assert.True(t, errdefs.IsValidation(err))
}

func TestUploadArtifactsSkipsExcludedDirs(t *testing.T) {
	svc, _, objects, _, _ := newTestService(t)

	root := t.TempDir()
	write := func(rel, content string) {
		path := filepath.Join(root, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	}
	write("report.md", "# done")
	write("out/result.json", `{"ok":true}`)
	write(".git/HEAD", "ref: refs/heads/main")
	write("node_modules/pkg/index.js", "module.exports = 1")
	write("__pycache__/mod.pyc", "bytecode")

	res, err := svc.UploadArtifacts(context.Background(), "disp-7", root)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Uploaded)
	assert.Equal(t, 0, res.Skipped)

	require.Len(t, objects.puts, 2)
	assert.Equal(t, []byte("# done"), objects.puts["outpost-artifacts/artifacts/disp-7/report.md"])
	assert.Equal(t, []byte(`{"ok":true}`), objects.puts["outpost-artifacts/artifacts/disp-7/out/result.json"])
	assert.Equal(t, "application/json", objects.typ["outpost-artifacts/artifacts/disp-7/out/result.json"])
}

func TestArtifactsURL(t *testing.T) {
	svc, _, _, _, _ := newTestService(t)
	assert.Equal(t, "s3://outpost-artifacts/artifacts/disp-8/", svc.ArtifactsURL("disp-8"))
}

func TestPersistentWorkspaceLifecycle(t *testing.T) {
	svc, _, _, aps, records := newTestService(t)
	ctx := context.Background()

	rec, err := svc.CreatePersistentWorkspace(ctx, "user-1", "proj/alpha", "https://github.com/acme/widgets")
	require.NoError(t, err)
	assert.Equal(t, "fsap-1", rec.AccessPointID)
	require.Len(t, aps.created, 1)
	// Identifiers are sanitized before they shape the root path.
	assert.Equal(t, "/users/user-1/proj-alpha", aps.created[0])

	// The record key uses the caller-supplied IDs.
	got, err := svc.GetWorkspace(ctx, "user-1", "proj/alpha")
	require.NoError(t, err)
	assert.Equal(t, "https://github.com/acme/widgets", got.RepoURL)

	_, err = svc.CreatePersistentWorkspace(ctx, "user-1", "proj/alpha", "")
	assert.True(t, errdefs.IsConflict(err))
	assert.Len(t, aps.created, 1, "a duplicate never provisions storage")

	list, err := svc.ListWorkspaces(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, list, 1)

	require.NoError(t, svc.TouchAccess(ctx, "user-1", "proj/alpha", 4096))
	got, err = records.Get(ctx, "user-1", "proj/alpha")
	require.NoError(t, err)
	assert.Equal(t, int64(4096), got.SizeBytes)
	assert.True(t, got.LastAccessedAt.After(got.CreatedAt) || got.LastAccessedAt.Equal(got.CreatedAt))

	require.NoError(t, svc.DeleteWorkspace(ctx, "user-1", "proj/alpha"))
	assert.Equal(t, []string{"fsap-1"}, aps.deleted)
	_, err = svc.GetWorkspace(ctx, "user-1", "proj/alpha")
	assert.True(t, errdefs.IsNotFound(err))
}

func TestCreatePersistentAccessPointFailure(t *testing.T) {
	svc, _, _, aps, _ := newTestService(t)
	aps.createErr = errors.New("quota exceeded")

	_, err := svc.CreatePersistentWorkspace(context.Background(), "user-1", "ws-1", "")
	require.Error(t, err)
	assert.Equal(t, errdefs.KindWorkspace, errdefs.KindOf(err))
}

// failingRecords forces the record write to fail so the access point
// rollback path runs.
type failingRecords struct {
	store.WorkspaceStore
	putErr error
}

func (f *failingRecords) Put(ctx context.Context, rec *types.WorkspaceRecord) error {
	return f.putErr
}

func TestCreatePersistentRollsBackAccessPoint(t *testing.T) {
	svc, _, _, aps, records := newTestService(t)
	svc.records = &failingRecords{WorkspaceStore: records, putErr: errors.New("disk full")}

	_, err := svc.CreatePersistentWorkspace(context.Background(), "user-1", "ws-2", "")
	require.Error(t, err)
	assert.Equal(t, []string{"fsap-1"}, aps.deleted, "the orphaned access point is reclaimed")
}

func TestDeleteWorkspaceMissing(t *testing.T) {
	svc, _, _, aps, _ := newTestService(t)

	err := svc.DeleteWorkspace(context.Background(), "user-1", "ghost")
	assert.True(t, errdefs.IsNotFound(err))
	assert.Empty(t, aps.deleted)
}
