package workspace

import (
	"context"
	"fmt"
	"time"

	"github.com/zeroechelon/outpost/pkg/errdefs"
	"github.com/zeroechelon/outpost/pkg/types"
)

// Access point POSIX identity for worker containers.
const (
	workspaceUID   = 1000
	workspaceGID   = 1000
	workspacePerms = "0755"
)

// CreatePersistentWorkspace provisions a storage access point rooted at
// /users/{userId}/{workspaceId} and records it. One access point per
// workspace.
func (s *Service) CreatePersistentWorkspace(ctx context.Context, userID, workspaceID, repoURL string) (*types.WorkspaceRecord, error) {
	if s.accessPoints == nil || s.cfg.FileSystemID == "" {
		return nil, errdefs.Internal(nil, "persistent workspaces are not configured")
	}

	uid := SanitizeID(userID)
	wsid := SanitizeID(workspaceID)

	if existing, err := s.records.Get(ctx, userID, workspaceID); err == nil && existing != nil {
		return nil, errdefs.Conflict("workspace %s already exists for user %s", workspaceID, userID)
	} else if err != nil && !errdefs.IsNotFound(err) {
		return nil, err
	}

	rootPath := fmt.Sprintf("/users/%s/%s", uid, wsid)
	ap, err := s.accessPoints.CreateAccessPoint(ctx, s.cfg.FileSystemID, rootPath, workspaceUID, workspaceGID, workspacePerms, map[string]string{
		"userId":      uid,
		"workspaceId": wsid,
	})
	if err != nil {
		if s.audit != nil {
			s.audit.LogWorkspaceOperation(ctx, userID, "create_persistent", workspaceID, types.OutcomeFailure, err.Error())
		}
		return nil, errdefs.Workspace(workspaceID, err, "create access point")
	}

	now := time.Now().UTC()
	rec := &types.WorkspaceRecord{
		UserID:         userID,
		WorkspaceID:    workspaceID,
		AccessPointID:  ap.ID,
		CreatedAt:      now,
		LastAccessedAt: now,
		RepoURL:        repoURL,
	}
	if err := s.records.Put(ctx, rec); err != nil {
		// Roll the access point back so a retry does not double-provision.
		if delErr := s.accessPoints.DeleteAccessPoint(ctx, ap.ID); delErr != nil {
			return nil, errdefs.Workspace(workspaceID, err, "record write failed and access point %s was not reclaimed", ap.ID)
		}
		return nil, err
	}

	if s.audit != nil {
		s.audit.LogWorkspaceOperation(ctx, userID, "create_persistent", workspaceID, types.OutcomeSuccess, "")
	}
	return rec, nil
}

// GetWorkspace fetches one workspace record.
func (s *Service) GetWorkspace(ctx context.Context, userID, workspaceID string) (*types.WorkspaceRecord, error) {
	return s.records.Get(ctx, userID, workspaceID)
}

// ListWorkspaces lists a user's workspaces.
func (s *Service) ListWorkspaces(ctx context.Context, userID string) ([]*types.WorkspaceRecord, error) {
	return s.records.ListByUser(ctx, userID)
}

// DeleteWorkspace removes the access point and the record. The data
// under the root path stays put and is reclaimed out-of-band.
func (s *Service) DeleteWorkspace(ctx context.Context, userID, workspaceID string) error {
	rec, err := s.records.Get(ctx, userID, workspaceID)
	if err != nil {
		return err
	}

	if s.accessPoints != nil && rec.AccessPointID != "" {
		if err := s.accessPoints.DeleteAccessPoint(ctx, rec.AccessPointID); err != nil {
			if s.audit != nil {
				s.audit.LogWorkspaceOperation(ctx, userID, "delete", workspaceID, types.OutcomeFailure, err.Error())
			}
			return errdefs.Workspace(workspaceID, err, "delete access point %s", rec.AccessPointID)
		}
	}
	if err := s.records.Delete(ctx, userID, workspaceID); err != nil {
		return err
	}

	if s.audit != nil {
		s.audit.LogWorkspaceOperation(ctx, userID, "delete", workspaceID, types.OutcomeSuccess, "")
	}
	return nil
}

// TouchAccess records a workspace access and its measured size.
func (s *Service) TouchAccess(ctx context.Context, userID, workspaceID string, sizeBytes int64) error {
	return s.records.TouchAccess(ctx, userID, workspaceID, time.Now().UTC(), sizeBytes)
}
