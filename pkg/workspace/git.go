package workspace

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/zeroechelon/outpost/pkg/errdefs"
)

// sparsePatterns is the checkout set for minimal init mode: enough for
// an agent to orient itself without pulling the whole tree.
var sparsePatterns = []string{
	"*.md",
	"*.json",
	"*.yaml",
	"*.yml",
	"src/",
	"package.json",
	"package-lock.json",
	"tsconfig.json",
	".gitignore",
	"README.md",
	"LICENSE",
}

func (s *Service) cloneFull(ctx context.Context, dir, repoURL, branch string) error {
	args := []string{"clone", "--depth", "1"}
	if branch != "" {
		args = append(args, "--branch", branch)
	}
	args = append(args, repoURL, ".")
	if err := s.runGit(ctx, dir, args...); err != nil {
		return errdefs.Workspace(filepath.Base(dir), err, "clone %s", repoURL)
	}
	return nil
}

func (s *Service) cloneMinimal(ctx context.Context, dir, repoURL, branch string) error {
	wsID := filepath.Base(dir)

	steps := [][]string{
		{"init"},
		{"config", "core.sparseCheckout", "true"},
	}
	for _, step := range steps {
		if err := s.runGit(ctx, dir, step...); err != nil {
			return errdefs.Workspace(wsID, err, "sparse init")
		}
	}

	sparseFile := filepath.Join(dir, ".git", "info", "sparse-checkout")
	if err := os.MkdirAll(filepath.Dir(sparseFile), 0755); err != nil {
		return errdefs.Workspace(wsID, err, "sparse checkout config")
	}
	if err := os.WriteFile(sparseFile, []byte(strings.Join(sparsePatterns, "\n")+"\n"), 0644); err != nil {
		return errdefs.Workspace(wsID, err, "sparse checkout config")
	}

	if err := s.runGit(ctx, dir, "remote", "add", "origin", repoURL); err != nil {
		return errdefs.Workspace(wsID, err, "add remote %s", repoURL)
	}

	ref := branch
	if ref == "" {
		ref = "HEAD"
	}
	if err := s.runGit(ctx, dir, "fetch", "--depth", "1", "origin", ref); err != nil {
		return errdefs.Workspace(wsID, err, "fetch %s", ref)
	}
	if err := s.runGit(ctx, dir, "checkout", "FETCH_HEAD"); err != nil {
		return errdefs.Workspace(wsID, err, "checkout")
	}
	return nil
}
