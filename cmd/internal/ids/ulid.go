// Package ids provides ID primitives (ULID) used across the sync stack.
package ids

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// NewULID returns a new ULID string (26 chars).
// ULIDs are lexicographically sortable and work well in distributed systems.
func NewULID(now time.Time) (string, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}

	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

var (
	monoMu sync.Mutex
	mono   = ulid.Monotonic(rand.Reader, 0)
)

// NewOrderedULID returns a ULID whose entropy is monotonic within a
// millisecond, so IDs generated by this process sort strictly in creation
// order. Store push keys use this so children enumerate in append order.
func NewOrderedULID(now time.Time) (string, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}

	monoMu.Lock()
	defer monoMu.Unlock()

	id, err := ulid.New(ulid.Timestamp(now), mono)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}
