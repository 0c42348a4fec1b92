// Package bolt implements the store interfaces on an embedded bbolt
// database. It backs local single-binary deployments and the test
// suite; production deployments use the dynamo package instead.
//
// Layout is bucket-per-table with JSON values, plus index buckets
// whose keys interleave a fixed-width timestamp so range scans come
// back in time order:
//
//	dispatches       dispatchID                     -> DispatchRecord
//	dispatch_idem    userID \x00 key                -> dispatchID
//	dispatch_by_user userID \x00 ts \x00 dispatchID -> dispatchID
//	pool             agent \x00 taskArn             -> PoolEntry
//	workspaces       userID \x00 workspaceID        -> WorkspaceRecord
//	audit            eventID                        -> AuditEvent
//	audit_by_user    userID \x00 ts \x00 eventID    -> eventID
//	audit_by_time    ts \x00 eventID                -> eventID
//
// All writers go through db.Update, which bbolt serializes, so the
// conditional semantics (version checks, idle-to-in_use claims,
// no-overwrite audit puts) hold without extra locking.
package bolt

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/zeroechelon/outpost/pkg/store"
)

var (
	bucketDispatches     = []byte("dispatches")
	bucketDispatchIdem   = []byte("dispatch_idem")
	bucketDispatchByUser = []byte("dispatch_by_user")
	bucketPool           = []byte("pool")
	bucketWorkspaces     = []byte("workspaces")
	bucketAudit          = []byte("audit")
	bucketAuditByUser    = []byte("audit_by_user")
	bucketAuditByTime    = []byte("audit_by_time")
)

// keySep separates key components. IDs are ULIDs, agent names, and
// caller-supplied identifiers that never contain NUL.
const keySep = byte(0)

// Store is a bbolt-backed store.Store.
type Store struct {
	db         *bolt.DB
	dispatches *dispatchStore
	pool       *poolStore
	workspaces *workspaceStore
	audit      *auditStore
}

// Open opens (or creates) outpost.db under dataDir.
func Open(dataDir string) (*Store, error) {
	dbPath := filepath.Join(dataDir, "outpost.db")

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketDispatches,
			bucketDispatchIdem,
			bucketDispatchByUser,
			bucketPool,
			bucketWorkspaces,
			bucketAudit,
			bucketAuditByUser,
			bucketAuditByTime,
		}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{db: db}
	s.dispatches = &dispatchStore{db: db}
	s.pool = &poolStore{db: db}
	s.workspaces = &workspaceStore{db: db}
	s.audit = &auditStore{db: db}
	return s, nil
}

func (s *Store) Dispatches() store.DispatchStore { return s.dispatches }
func (s *Store) Pool() store.PoolStore           { return s.pool }
func (s *Store) Workspaces() store.WorkspaceStore {
	return s.workspaces
}
func (s *Store) Audit() store.AuditStore { return s.audit }

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// compositeKey joins parts with the NUL separator.
func compositeKey(parts ...string) []byte {
	var buf bytes.Buffer
	for i, p := range parts {
		if i > 0 {
			buf.WriteByte(keySep)
		}
		buf.WriteString(p)
	}
	return buf.Bytes()
}

// tsKey renders a timestamp as a fixed-width sortable component.
func tsKey(t time.Time) string {
	return fmt.Sprintf("%020d", t.UTC().UnixNano())
}

func encodeCursor(k []byte) string {
	return base64.RawURLEncoding.EncodeToString(k)
}

func decodeCursor(s string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(s)
}

// seekReverse positions a cursor for reverse iteration over keys with
// the given prefix, optionally resuming strictly before afterKey. The
// returned key is nil when the range is exhausted.
func seekReverse(c *bolt.Cursor, prefix, afterKey []byte) []byte {
	var k []byte
	if afterKey != nil {
		k, _ = c.Seek(afterKey)
		if k == nil {
			k, _ = c.Last()
		} else {
			k, _ = c.Prev()
		}
	} else {
		// One past the prefix range, then step back.
		upper := append(append([]byte{}, prefix...), 0xff)
		k, _ = c.Seek(upper)
		if k == nil {
			k, _ = c.Last()
		} else {
			k, _ = c.Prev()
		}
	}
	for k != nil && !bytes.HasPrefix(k, prefix) {
		if bytes.Compare(k, prefix) < 0 {
			return nil
		}
		k, _ = c.Prev()
	}
	return k
}
