package bolt

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/zeroechelon/outpost/pkg/errdefs"
	"github.com/zeroechelon/outpost/pkg/log"
	"github.com/zeroechelon/outpost/pkg/store"
	"github.com/zeroechelon/outpost/pkg/types"
)

type dispatchStore struct {
	db *bolt.DB
}

func (s *dispatchStore) Create(ctx context.Context, rec *types.DispatchRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return errdefs.Internal(err, "marshal dispatch %s", rec.DispatchID)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDispatches)
		if b.Get([]byte(rec.DispatchID)) != nil {
			return errdefs.Conflict("dispatch %s already exists", rec.DispatchID)
		}
		if err := b.Put([]byte(rec.DispatchID), data); err != nil {
			return err
		}

		idx := tx.Bucket(bucketDispatchByUser)
		idxKey := compositeKey(rec.UserID, tsKey(rec.StartedAt), rec.DispatchID)
		if err := idx.Put(idxKey, []byte(rec.DispatchID)); err != nil {
			return err
		}

		if rec.IdempotencyKey != "" {
			im := tx.Bucket(bucketDispatchIdem)
			imKey := compositeKey(rec.UserID, rec.IdempotencyKey)
			// First writer wins; an existing mapping stays put.
			if im.Get(imKey) == nil {
				if err := im.Put(imKey, []byte(rec.DispatchID)); err != nil {
					log.WithDispatchID(rec.DispatchID).Warn().Err(err).
						Msg("idempotency mapping write failed")
				}
			}
		}
		return nil
	})
}

func (s *dispatchStore) FindByIdempotencyKey(ctx context.Context, userID, key string) (*types.DispatchRecord, error) {
	var dispatchID string
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketDispatchIdem).Get(compositeKey(userID, key))
		if v != nil {
			dispatchID = string(v)
		}
		return nil
	})
	if err != nil || dispatchID == "" {
		// A degraded mapping lookup reads as a miss.
		return nil, nil
	}

	rec, err := s.GetByID(ctx, dispatchID)
	if errdefs.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	// A mapping slot pointing at another tenant's record (separator
	// characters smuggled into the key parts) reads as a miss.
	if rec.UserID != userID {
		return nil, nil
	}
	return rec, nil
}

func (s *dispatchStore) GetByID(ctx context.Context, dispatchID string) (*types.DispatchRecord, error) {
	var rec types.DispatchRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketDispatches).Get([]byte(dispatchID))
		if data == nil {
			return errdefs.NotFound("dispatch %s does not exist", dispatchID)
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *dispatchStore) UpdateStatus(ctx context.Context, dispatchID string, newStatus types.DispatchStatus, expectedVersion int64, extras store.UpdateExtras) (*types.DispatchRecord, error) {
	var out types.DispatchRecord
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDispatches)
		data := b.Get([]byte(dispatchID))
		if data == nil {
			return errdefs.NotFound("dispatch %s does not exist", dispatchID)
		}
		var rec types.DispatchRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return errdefs.Internal(err, "unmarshal dispatch %s", dispatchID)
		}

		if rec.Status.Terminal() {
			return errdefs.Conflict("dispatch %s is already terminal (%s)", dispatchID, rec.Status)
		}
		if rec.Version != expectedVersion {
			return errdefs.Conflict("dispatch %s version is %d, expected %d", dispatchID, rec.Version, expectedVersion)
		}
		if !types.ValidTransition(rec.Status, newStatus) {
			return errdefs.Conflict("dispatch %s cannot go from %s to %s", dispatchID, rec.Status, newStatus)
		}

		rec.Status = newStatus
		rec.Version++
		if extras.TaskArn != "" {
			rec.TaskArn = extras.TaskArn
		}
		if extras.ArtifactsURL != "" {
			rec.ArtifactsURL = extras.ArtifactsURL
		}
		if extras.ErrorMessage != "" {
			rec.ErrorMessage = extras.ErrorMessage
		}
		if newStatus.Terminal() {
			now := time.Now().UTC()
			rec.EndedAt = &now
		}

		updated, err := json.Marshal(&rec)
		if err != nil {
			return errdefs.Internal(err, "marshal dispatch %s", dispatchID)
		}
		if err := b.Put([]byte(dispatchID), updated); err != nil {
			return err
		}
		out = rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *dispatchStore) MarkCompleted(ctx context.Context, dispatchID string, expectedVersion int64, artifactsURL string) (*types.DispatchRecord, error) {
	return s.UpdateStatus(ctx, dispatchID, types.DispatchCompleted, expectedVersion, store.UpdateExtras{ArtifactsURL: artifactsURL})
}

func (s *dispatchStore) MarkFailed(ctx context.Context, dispatchID string, expectedVersion int64, errorMessage string) (*types.DispatchRecord, error) {
	return s.UpdateStatus(ctx, dispatchID, types.DispatchFailed, expectedVersion, store.UpdateExtras{ErrorMessage: errorMessage})
}

func matchesFilter(rec *types.DispatchRecord, f store.ListFilter) bool {
	if f.Status != nil && rec.Status != *f.Status {
		return false
	}
	if f.Agent != nil && rec.Agent != *f.Agent {
		return false
	}
	for k, v := range f.Tags {
		if rec.Tags[k] != v {
			return false
		}
	}
	return true
}

func (s *dispatchStore) ListByTenant(ctx context.Context, userID string, f store.ListFilter) (*store.DispatchPage, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 20
	}
	if limit > store.MaxListLimit {
		limit = store.MaxListLimit
	}

	var afterKey []byte
	if f.Cursor != "" {
		var err error
		afterKey, err = decodeCursor(f.Cursor)
		if err != nil {
			return nil, errdefs.Validation("cursor is not valid", "cursor")
		}
	}

	page := &store.DispatchPage{}
	prefix := append(compositeKey(userID), keySep)

	err := s.db.View(func(tx *bolt.Tx) error {
		idx := tx.Bucket(bucketDispatchByUser).Cursor()
		recs := tx.Bucket(bucketDispatches)

		k := seekReverse(idx, prefix, afterKey)
		var lastKey []byte
		for ; k != nil && bytes.HasPrefix(k, prefix); k, _ = idx.Prev() {
			// The dispatch ID is the final key component.
			id := k[bytes.LastIndexByte(k, keySep)+1:]
			data := recs.Get(id)
			if data == nil {
				continue
			}
			var rec types.DispatchRecord
			if err := json.Unmarshal(data, &rec); err != nil {
				return errdefs.Internal(err, "unmarshal dispatch %s", string(id))
			}
			if !matchesFilter(&rec, f) {
				continue
			}
			page.Items = append(page.Items, &rec)
			lastKey = append([]byte{}, k...)
			if len(page.Items) == limit {
				break
			}
		}
		if len(page.Items) == limit && lastKey != nil {
			page.NextCursor = encodeCursor(lastKey)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return page, nil
}

func (s *dispatchStore) CountPendingByAgent(ctx context.Context, agent types.AgentKind) (int, error) {
	count := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDispatches).ForEach(func(k, v []byte) error {
			var rec types.DispatchRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if rec.Status == types.DispatchPending && rec.Agent == agent {
				count++
			}
			return nil
		})
	})
	if err != nil {
		return 0, errdefs.Internal(err, "count pending dispatches for %s", agent)
	}
	return count, nil
}
