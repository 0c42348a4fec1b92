package bolt

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/zeroechelon/outpost/pkg/errdefs"
	"github.com/zeroechelon/outpost/pkg/store"
	"github.com/zeroechelon/outpost/pkg/types"
)

type auditStore struct {
	db *bolt.DB
}

func (s *auditStore) Put(ctx context.Context, ev *types.AuditEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return errdefs.Internal(err, "marshal audit event %s", ev.EventID)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAudit)
		if b.Get([]byte(ev.EventID)) != nil {
			return errdefs.Conflict("audit event %s already exists", ev.EventID)
		}
		if err := b.Put([]byte(ev.EventID), data); err != nil {
			return err
		}

		ts := tsKey(ev.Timestamp)
		byUser := compositeKey(ev.UserID, ts, ev.EventID)
		if err := tx.Bucket(bucketAuditByUser).Put(byUser, []byte(ev.EventID)); err != nil {
			return err
		}
		byTime := compositeKey(ts, ev.EventID)
		return tx.Bucket(bucketAuditByTime).Put(byTime, []byte(ev.EventID))
	})
}

func auditLimit(limit int) int {
	if limit <= 0 {
		return 100
	}
	if limit > store.MaxAuditLimit {
		return store.MaxAuditLimit
	}
	return limit
}

func inRange(ts, start, end time.Time) bool {
	if !start.IsZero() && ts.Before(start) {
		return false
	}
	if !end.IsZero() && ts.After(end) {
		return false
	}
	return true
}

func (s *auditStore) QueryByUser(ctx context.Context, userID string, q store.AuditQuery) (*store.AuditPage, error) {
	limit := auditLimit(q.Limit)

	var afterKey []byte
	if q.Cursor != "" {
		var err error
		afterKey, err = decodeCursor(q.Cursor)
		if err != nil {
			return nil, errdefs.Validation("cursor is not valid", "cursor")
		}
	}

	page := &store.AuditPage{}
	prefix := append(compositeKey(userID), keySep)

	err := s.db.View(func(tx *bolt.Tx) error {
		idx := tx.Bucket(bucketAuditByUser).Cursor()
		events := tx.Bucket(bucketAudit)

		k := seekReverse(idx, prefix, afterKey)
		var lastKey []byte
		for ; k != nil && bytes.HasPrefix(k, prefix); k, _ = idx.Prev() {
			id := k[bytes.LastIndexByte(k, keySep)+1:]
			data := events.Get(id)
			if data == nil {
				continue
			}
			var ev types.AuditEvent
			if err := json.Unmarshal(data, &ev); err != nil {
				return errdefs.Internal(err, "unmarshal audit event %s", string(id))
			}
			if !inRange(ev.Timestamp, q.Start, q.End) {
				continue
			}
			if q.EventType != nil && ev.EventType != *q.EventType {
				continue
			}
			page.Items = append(page.Items, &ev)
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

func (s *auditStore) QueryByTimeRange(ctx context.Context, start, end time.Time, cursor string, limit int) (*store.AuditPage, error) {
	limit = auditLimit(limit)

	startKey := []byte(tsKey(start))
	if cursor != "" {
		decoded, err := decodeCursor(cursor)
		if err != nil {
			return nil, errdefs.Validation("cursor is not valid", "cursor")
		}
		// Resume strictly after the cursor key.
		startKey = append(decoded, 0)
	}
	endKey := []byte(tsKey(end))

	page := &store.AuditPage{}
	err := s.db.View(func(tx *bolt.Tx) error {
		idx := tx.Bucket(bucketAuditByTime).Cursor()
		events := tx.Bucket(bucketAudit)

		var lastKey []byte
		for k, _ := idx.Seek(startKey); k != nil; k, _ = idx.Next() {
			if bytes.Compare(k[:bytes.IndexByte(k, keySep)], endKey) > 0 {
				break
			}
			id := k[bytes.IndexByte(k, keySep)+1:]
			data := events.Get(id)
			if data == nil {
				continue
			}
			var ev types.AuditEvent
			if err := json.Unmarshal(data, &ev); err != nil {
				return errdefs.Internal(err, "unmarshal audit event %s", string(id))
			}
			page.Items = append(page.Items, &ev)
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
