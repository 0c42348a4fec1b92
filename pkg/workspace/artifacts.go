package workspace

import (
	"context"
	"fmt"
	"io/fs"
	"mime"
	"os"
	"path/filepath"

	"github.com/zeroechelon/outpost/pkg/errdefs"
	"github.com/zeroechelon/outpost/pkg/log"
)

// MaxArtifactBytes is the per-file upload ceiling (1 GiB). Larger files
// are skipped and counted, never failed on.
const MaxArtifactBytes = 1 << 30

// excludedDirs are never uploaded.
var excludedDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	"__pycache__":  true,
	".venv":        true,
	"venv":         true,
}

// UploadResult reports an artifact upload pass.
type UploadResult struct {
	Uploaded int
	Skipped  int
}

// UploadArtifacts walks the workspace and uploads every eligible file to
// artifacts/{dispatchId}/{relativePath} in the output bucket.
func (s *Service) UploadArtifacts(ctx context.Context, dispatchID, root string) (*UploadResult, error) {
	res := &UploadResult{}
	lg := log.WithComponent("workspace")

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if excludedDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		if info.Size() > MaxArtifactBytes {
			lg.Warn().Str("file", path).Int64("size", info.Size()).Msg("artifact exceeds size limit, skipping")
			res.Skipped++
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		body, err := os.ReadFile(path)
		if err != nil {
			return err
		}

		key := fmt.Sprintf("artifacts/%s/%s", dispatchID, filepath.ToSlash(rel))
		contentType := mime.TypeByExtension(filepath.Ext(path))
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		if err := s.objects.Put(ctx, s.cfg.OutputBucket, key, body, contentType, nil); err != nil {
			return err
		}
		res.Uploaded++
		return nil
	})
	if err != nil {
		return nil, errdefs.Workspace(dispatchID, err, "artifact upload")
	}
	return res, nil
}

// ArtifactsURL is where a dispatch's artifacts land.
func (s *Service) ArtifactsURL(dispatchID string) string {
	return fmt.Sprintf("s3://%s/artifacts/%s/", s.cfg.OutputBucket, dispatchID)
}
