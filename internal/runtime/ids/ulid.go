package ids

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// CreateULID returns a time-sortable ULID encoded as a 26-character string.
func CreateULID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()

	id := ulid.MustNew(ulid.Timestamp(time.Now()), entropy)
	return id.String()
}

// NewTag returns "<prefix>-<ulid>", or a bare ULID when prefix is empty.
// Consumer tags and status report ids are built with it.
func NewTag(prefix string) string {
	id := CreateULID()
	if prefix == "" {
		return id
	}
	return prefix + "-" + id
}

// Time extracts the creation time from a ULID string produced by CreateULID.
func Time(id string) (time.Time, error) {
	parsed, err := ulid.ParseStrict(id)
	if err != nil {
		return time.Time{}, err
	}
	return ulid.Time(parsed.Time()), nil
}
