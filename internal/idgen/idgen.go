// Package idgen generates the ULIDs used as primary keys across jobs,
// cards, events, and refresh tokens, so IDs double as a time-ordered
// index without a separate created_at sort.
package idgen

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

// New returns a new lexically sortable, time-ordered ULID string.
func New() string {
	mu.Lock()
	defer mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}
