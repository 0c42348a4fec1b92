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

// poolEntryTTL bounds how long an entry survives without a transition.
// A crashed manager leaves entries behind; expiry makes them read as
// absent so the health cycle replaces them.
const poolEntryTTL = time.Hour

type poolStore struct {
	db *bolt.DB
}

func poolKey(agent types.AgentKind, taskArn string) []byte {
	return compositeKey(string(agent), taskArn)
}

func expired(e *types.PoolEntry, now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}

func (s *poolStore) Create(ctx context.Context, e *types.PoolEntry) error {
	entry := *e
	entry.ExpiresAt = time.Now().UTC().Add(poolEntryTTL)
	data, err := json.Marshal(&entry)
	if err != nil {
		return errdefs.Internal(err, "marshal pool entry %s", e.TaskArn)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPool).Put(poolKey(e.Agent, e.TaskArn), data)
	})
}

// transition applies fn to the entry under the write lock. Expired or
// missing entries fail with NotFound.
func (s *poolStore) transition(agent types.AgentKind, taskArn string, fn func(*types.PoolEntry) error) (*types.PoolEntry, error) {
	var out types.PoolEntry
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPool)
		key := poolKey(agent, taskArn)
		data := b.Get(key)
		if data == nil {
			return errdefs.NotFound("pool entry %s/%s does not exist", agent, taskArn)
		}
		var entry types.PoolEntry
		if err := json.Unmarshal(data, &entry); err != nil {
			return errdefs.Internal(err, "unmarshal pool entry %s", taskArn)
		}
		now := time.Now().UTC()
		if expired(&entry, now) {
			b.Delete(key)
			return errdefs.NotFound("pool entry %s/%s has expired", agent, taskArn)
		}
		if err := fn(&entry); err != nil {
			return err
		}
		entry.ExpiresAt = now.Add(poolEntryTTL)
		updated, err := json.Marshal(&entry)
		if err != nil {
			return errdefs.Internal(err, "marshal pool entry %s", taskArn)
		}
		if err := b.Put(key, updated); err != nil {
			return err
		}
		out = entry
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// MarkInUse claims an idle entry. A concurrent claimer that lost the
// race finds the entry no longer idle and gets NotFound, which callers
// treat as "try another task".
func (s *poolStore) MarkInUse(ctx context.Context, agent types.AgentKind, taskArn string) (*types.PoolEntry, error) {
	return s.transition(agent, taskArn, func(e *types.PoolEntry) error {
		if e.Status != types.PoolIdle {
			return errdefs.NotFound("pool entry %s/%s is not idle", agent, taskArn)
		}
		e.Status = types.PoolInUse
		e.LastUsedAt = time.Now().UTC()
		return nil
	})
}

func (s *poolStore) MarkIdle(ctx context.Context, agent types.AgentKind, taskArn string) error {
	_, err := s.transition(agent, taskArn, func(e *types.PoolEntry) error {
		if !types.ValidPoolTransition(e.Status, types.PoolIdle) {
			return errdefs.Conflict("pool entry %s/%s cannot go from %s to idle", agent, taskArn, e.Status)
		}
		e.Status = types.PoolIdle
		e.LastUsedAt = time.Now().UTC()
		return nil
	})
	return err
}

func (s *poolStore) MarkTerminating(ctx context.Context, agent types.AgentKind, taskArn string) error {
	_, err := s.transition(agent, taskArn, func(e *types.PoolEntry) error {
		if !types.ValidPoolTransition(e.Status, types.PoolTerminating) {
			return errdefs.Conflict("pool entry %s/%s cannot go from %s to terminating", agent, taskArn, e.Status)
		}
		e.Status = types.PoolTerminating
		return nil
	})
	return err
}

func (s *poolStore) Delete(ctx context.Context, agent types.AgentKind, taskArn string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPool).Delete(poolKey(agent, taskArn))
	})
}

func (s *poolStore) GetIdleTasks(ctx context.Context, agent types.AgentKind, n int) ([]*types.PoolEntry, error) {
	entries, err := s.ListByAgent(ctx, agent)
	if err != nil {
		return nil, err
	}
	var idle []*types.PoolEntry
	for _, e := range entries {
		if e.Status == types.PoolIdle {
			idle = append(idle, e)
			if n > 0 && len(idle) == n {
				break
			}
		}
	}
	return idle, nil
}

func (s *poolStore) ListByAgent(ctx context.Context, agent types.AgentKind) ([]*types.PoolEntry, error) {
	prefix := append(compositeKey(string(agent)), keySep)
	now := time.Now().UTC()
	var entries []*types.PoolEntry

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketPool).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var entry types.PoolEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return errdefs.Internal(err, "unmarshal pool entry %s", string(k))
			}
			if expired(&entry, now) {
				continue
			}
			entries = append(entries, &entry)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *poolStore) CountByAgent(ctx context.Context, agent types.AgentKind, status *types.PoolEntryStatus) (int, error) {
	entries, err := s.ListByAgent(ctx, agent)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, e := range entries {
		if status == nil || e.Status == *status {
			count++
		}
	}
	return count, nil
}

// SweepExpired deletes expired pool entries. The serve loop runs this
// on the health-check interval.
func (s *Store) SweepExpired(ctx context.Context) (int, error) {
	now := time.Now().UTC()
	removed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPool)
		c := b.Cursor()
		var stale [][]byte
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var entry types.PoolEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				continue
			}
			if expired(&entry, now) {
				stale = append(stale, append([]byte{}, k...))
			}
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	if err != nil {
		return removed, errdefs.Internal(err, "sweep expired pool entries")
	}
	return removed, nil
}
