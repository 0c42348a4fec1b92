// Package workspace manages the filesystems workers run against:
// ephemeral scratch directories with optional repo checkouts, artifact
// upload, and persistent per-user workspaces backed by storage access
// points.
package workspace

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/zeroechelon/outpost/pkg/audit"
	"github.com/zeroechelon/outpost/pkg/cloud"
	"github.com/zeroechelon/outpost/pkg/errdefs"
	"github.com/zeroechelon/outpost/pkg/log"
	"github.com/zeroechelon/outpost/pkg/store"
	"github.com/zeroechelon/outpost/pkg/types"
)

// DefaultBaseDir is where ephemeral workspaces live inside the worker's
// scratch space.
const DefaultBaseDir = "/workspace"

// Config carries the workspace service settings.
type Config struct {
	BaseDir      string
	OutputBucket string
	FileSystemID string
}

// Service implements the workspace lifecycle.
type Service struct {
	objects      cloud.ObjectStore
	accessPoints cloud.AccessPointService
	records      store.WorkspaceStore
	audit        *audit.Logger
	cfg          Config

	// runGit executes a git command in dir. Swapped out by tests.
	runGit func(ctx context.Context, dir string, args ...string) error
}

// NewService creates a workspace service.
func NewService(objects cloud.ObjectStore, accessPoints cloud.AccessPointService, records store.WorkspaceStore, auditLogger *audit.Logger, cfg Config) *Service {
	if cfg.BaseDir == "" {
		cfg.BaseDir = DefaultBaseDir
	}
	return &Service{
		objects:      objects,
		accessPoints: accessPoints,
		records:      records,
		audit:        auditLogger,
		cfg:          cfg,
		runGit:       execGit,
	}
}

// EphemeralConfig describes one ephemeral workspace.
type EphemeralConfig struct {
	DispatchID string
	UserID     string
	RepoURL    string
	Branch     string
	InitMode   types.WorkspaceInitMode
}

// CreateEphemeralWorkspace ensures a scratch directory at
// {baseDir}/{dispatchId}-{shortRandom}, initializes it per the init
// mode, and configures the git identity. Identity configuration is
// best-effort; clone and init failures are not.
func (s *Service) CreateEphemeralWorkspace(ctx context.Context, cfg EphemeralConfig) (string, error) {
	suffix, err := shortRandom()
	if err != nil {
		return "", errdefs.Internal(err, "workspace suffix")
	}
	dir := filepath.Join(s.cfg.BaseDir, fmt.Sprintf("%s-%s", cfg.DispatchID, suffix))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", errdefs.Workspace(cfg.DispatchID, err, "create workspace directory")
	}

	switch cfg.InitMode {
	case types.InitFull:
		if cfg.RepoURL != "" {
			if err := s.cloneFull(ctx, dir, cfg.RepoURL, cfg.Branch); err != nil {
				return "", err
			}
		} else if err := s.runGit(ctx, dir, "init"); err != nil {
			return "", errdefs.Workspace(cfg.DispatchID, err, "init repository")
		}
	case types.InitMinimal:
		if cfg.RepoURL != "" {
			if err := s.cloneMinimal(ctx, dir, cfg.RepoURL, cfg.Branch); err != nil {
				return "", err
			}
		} else if err := s.runGit(ctx, dir, "init"); err != nil {
			return "", errdefs.Workspace(cfg.DispatchID, err, "init repository")
		}
	case types.InitNone, "":
		// No clone; identity still goes against a fresh local repo.
		if err := s.runGit(ctx, dir, "init"); err != nil {
			return "", errdefs.Workspace(cfg.DispatchID, err, "init repository")
		}
	default:
		return "", errdefs.Validation("invalid workspace init mode",
			fmt.Sprintf("workspaceInitMode: %q", cfg.InitMode))
	}

	s.configureIdentity(ctx, dir, cfg.UserID)

	if s.audit != nil {
		s.audit.LogWorkspaceOperation(ctx, cfg.UserID, "create_ephemeral", cfg.DispatchID, types.OutcomeSuccess, "")
	}
	return dir, nil
}

// configureIdentity sets the git author for worker commits. Failures are
// logged and swallowed; a missing identity only degrades commit metadata.
func (s *Service) configureIdentity(ctx context.Context, dir, userID string) {
	uid := SanitizeID(userID)
	name := fmt.Sprintf("Outpost Agent (%s)", uid)
	email := fmt.Sprintf("%s@outpost.zeroechelon.com", uid)
	if err := s.runGit(ctx, dir, "config", "user.name", name); err != nil {
		log.WithComponent("workspace").Warn().Err(err).Msg("git identity name")
		return
	}
	if err := s.runGit(ctx, dir, "config", "user.email", email); err != nil {
		log.WithComponent("workspace").Warn().Err(err).Msg("git identity email")
	}
}

// SanitizeID strips everything but [A-Za-z0-9_-] from caller-supplied
// identifiers before they reach paths or git config.
func SanitizeID(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '-'
	}, id)
}

func shortRandom() (string, error) {
	var b [3]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(b[:]), nil
}

func execGit(ctx context.Context, dir string, args ...string) error {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return nil
}
