package bolt

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/zeroechelon/outpost/pkg/errdefs"
	"github.com/zeroechelon/outpost/pkg/types"
)

type workspaceStore struct {
	db *bolt.DB
}

func workspaceKey(userID, workspaceID string) []byte {
	return compositeKey(userID, workspaceID)
}

func (s *workspaceStore) Put(ctx context.Context, rec *types.WorkspaceRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return errdefs.Internal(err, "marshal workspace %s", rec.WorkspaceID)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketWorkspaces).Put(workspaceKey(rec.UserID, rec.WorkspaceID), data)
	})
}

func (s *workspaceStore) Get(ctx context.Context, userID, workspaceID string) (*types.WorkspaceRecord, error) {
	var rec types.WorkspaceRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketWorkspaces).Get(workspaceKey(userID, workspaceID))
		if data == nil {
			return errdefs.NotFound("workspace %s does not exist for user %s", workspaceID, userID)
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *workspaceStore) ListByUser(ctx context.Context, userID string) ([]*types.WorkspaceRecord, error) {
	prefix := append(compositeKey(userID), keySep)
	var recs []*types.WorkspaceRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketWorkspaces).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var rec types.WorkspaceRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return errdefs.Internal(err, "unmarshal workspace %s", string(k))
			}
			recs = append(recs, &rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return recs, nil
}

func (s *workspaceStore) Delete(ctx context.Context, userID, workspaceID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketWorkspaces).Delete(workspaceKey(userID, workspaceID))
	})
}

func (s *workspaceStore) TouchAccess(ctx context.Context, userID, workspaceID string, at time.Time, sizeBytes int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWorkspaces)
		key := workspaceKey(userID, workspaceID)
		data := b.Get(key)
		if data == nil {
			return errdefs.NotFound("workspace %s does not exist for user %s", workspaceID, userID)
		}
		var rec types.WorkspaceRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return errdefs.Internal(err, "unmarshal workspace %s", workspaceID)
		}
		rec.LastAccessedAt = at.UTC()
		if sizeBytes >= 0 {
			rec.SizeBytes = sizeBytes
		}
		updated, err := json.Marshal(&rec)
		if err != nil {
			return errdefs.Internal(err, "marshal workspace %s", workspaceID)
		}
		return b.Put(key, updated)
	})
}
