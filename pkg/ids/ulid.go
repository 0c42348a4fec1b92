package ids

import (
	"crypto/rand"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Dispatch IDs are ULIDs: 26 Crockford base-32 characters, 10 of
// millisecond timestamp followed by 16 of randomness. Lexicographic order
// matches creation order across the fleet to millisecond precision.

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// New generates a new dispatch ID. Safe for concurrent use.
func New() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now().UTC()), entropy).String()
}

// NewAt generates an ID with an explicit timestamp. Used by tests and the
// audit exporter to build range boundaries.
func NewAt(t time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t.UTC()), entropy).String()
}

// Valid reports whether s parses as a ULID.
func Valid(s string) bool {
	if len(s) != 26 {
		return false
	}
	_, err := ulid.ParseStrict(strings.ToUpper(s))
	return err == nil
}

// Timestamp extracts the embedded creation time, or the zero time when s
// is not a ULID.
func Timestamp(s string) time.Time {
	id, err := ulid.ParseStrict(strings.ToUpper(s))
	if err != nil {
		return time.Time{}
	}
	return ulid.Time(id.Time()).UTC()
}

// ShortTaskID returns the last '/'-separated segment of an opaque worker
// handle. Handles are treated as opaque otherwise.
func ShortTaskID(handle string) string {
	if i := strings.LastIndexByte(handle, '/'); i >= 0 {
		return handle[i+1:]
	}
	return handle
}
