// Package ids provides identifier primitives (ULID) used for request and connection ids.
package ids

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// NewULID returns a new ULID string (26 chars).
// ULIDs are lexicographically sortable, which keeps correlated log lines ordered.
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

// RequestID returns a ULID for correlation headers.
// Entropy failures fall back to the monotonic default source; ids are not secrets.
func RequestID() string {
	id, err := NewULID(time.Now().UTC())
	if err != nil {
		return ulid.Make().String()
	}
	return id
}
