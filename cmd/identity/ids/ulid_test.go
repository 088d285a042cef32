package ids

import (
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
)

func TestNewULID(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	s, err := NewULID(now)
	if err != nil {
		t.Fatalf("NewULID: %v", err)
	}
	if len(s) != 26 {
		t.Fatalf("len=%d want=26", len(s))
	}
	id, err := ulid.Parse(s)
	if err != nil {
		t.Fatalf("ulid.Parse(%q): %v", s, err)
	}
	if got := ulid.Time(id.Time()); !got.Equal(now) {
		t.Fatalf("timestamp=%v want=%v", got, now)
	}
}

func TestRequestIDUnique(t *testing.T) {
	t.Parallel()

	seen := make(map[string]struct{}, 64)
	for i := 0; i < 64; i++ {
		id := RequestID()
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate request id %q", id)
		}
		seen[id] = struct{}{}
	}
}
