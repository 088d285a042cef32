package session

import (
	"context"
	"encoding/json"
	"strings"
)

// Persisted keys. Both are written and cleared together.
const (
	KeyToken = "authToken"
	KeyUser  = "authUser"
)

// Store is the persistence the manager needs. *store.Store satisfies it.
//
// Get never fails: unreadable values are reported as missing.
// SetAll and RemoveAll must apply every key or none.
type Store interface {
	Get(ctx context.Context, key string) (string, bool)
	SetAll(ctx context.Context, kv map[string]string) error
	RemoveAll(ctx context.Context, keys ...string) error
}

func encodeSession(token string, u User) (map[string]string, error) {
	b, err := json.Marshal(u)
	if err != nil {
		return nil, err
	}
	return map[string]string{KeyToken: token, KeyUser: string(b)}, nil
}

// loadSession reads the persisted pair. ok is false unless both keys are
// present and the user decodes with a non-empty id.
func loadSession(ctx context.Context, st Store) (token string, u User, ok bool) {
	token, hasToken := st.Get(ctx, KeyToken)
	raw, hasUser := st.Get(ctx, KeyUser)
	token = strings.TrimSpace(token)
	if !hasToken || !hasUser || token == "" {
		return "", User{}, false
	}
	if err := json.Unmarshal([]byte(raw), &u); err != nil {
		return "", User{}, false
	}
	if !u.valid() {
		return "", User{}, false
	}
	return token, u, true
}
