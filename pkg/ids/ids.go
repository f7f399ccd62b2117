// Package ids generates ULID identifiers for pipeline-owned rows.
//
// ULIDs are lexicographically sortable by creation time, which the content
// store relies on for monotone content IDs and the work queue relies on for
// stable created_at ordering under identical timestamps.
package ids

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	mu      sync.Mutex
	entropy = ulid.Monotonic(rand.Reader, 0)
)

// New returns a new ULID string (26 chars, Crockford base32).
// IDs issued by one process are strictly monotonic.
func New() string {
	mu.Lock()
	defer mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// IsValid reports whether s parses as a ULID.
func IsValid(s string) bool {
	_, err := ulid.ParseStrict(s)
	return err == nil
}

// Timestamp extracts the creation time embedded in a ULID.
func Timestamp(s string) (time.Time, error) {
	id, err := ulid.ParseStrict(s)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(int64(id.Time())), nil
}
