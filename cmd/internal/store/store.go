// Package store is the client's durable key/value layer for session state.
//
// A Store wraps one Backend (memory, file, Redis or Postgres) and applies the
// client policy: reads never fail (unreadable means missing) and an
// unavailable backend is logged and tolerated, so the session just does not
// survive a restart.
package store

import (
	"context"
	"errors"
	"log/slog"
	"strings"
)

// Backend is a durable key/value implementation.
//
// SetAll and RemoveAll must apply all keys or none.
type Backend interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	SetAll(ctx context.Context, kv map[string]string) error
	RemoveAll(ctx context.Context, keys ...string) error
	Close() error
}

// Store is the PersistentStore used by the session manager.
type Store struct {
	log     *slog.Logger
	backend Backend
}

// New wraps a backend. A nil backend falls back to an in-memory one.
func New(backend Backend, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	if backend == nil {
		backend = NewMemory()
	}
	return &Store{log: log, backend: backend}
}

// Get returns the value for key. Missing keys and backend failures both report ok=false.
func (s *Store) Get(ctx context.Context, key string) (string, bool) {
	v, ok, err := s.backend.Get(ctx, key)
	if err != nil {
		s.log.Warn("store.get.fail", "key", key, "err", err)
		return "", false
	}
	return v, ok
}

// Set writes one key.
func (s *Store) Set(ctx context.Context, key, value string) error {
	return s.SetAll(ctx, map[string]string{key: value})
}

// SetAll writes all keys as one logical write.
// ErrUnavailable is logged and swallowed; other errors mean nothing was written.
func (s *Store) SetAll(ctx context.Context, kv map[string]string) error {
	if len(kv) == 0 {
		return nil
	}
	if err := s.backend.SetAll(ctx, kv); err != nil {
		if errors.Is(err, ErrUnavailable) {
			s.log.Warn("store.set.unavailable", "keys", joinKeys(kv), "err", err)
			return nil
		}
		return err
	}
	return nil
}

// Remove deletes one key. Removing a missing key is not an error.
func (s *Store) Remove(ctx context.Context, key string) error {
	return s.RemoveAll(ctx, key)
}

// RemoveAll deletes all keys.
func (s *Store) RemoveAll(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := s.backend.RemoveAll(ctx, keys...); err != nil {
		if errors.Is(err, ErrUnavailable) {
			s.log.Warn("store.remove.unavailable", "keys", strings.Join(keys, ","), "err", err)
			return nil
		}
		return err
	}
	return nil
}

// Close releases backend resources.
func (s *Store) Close() error {
	return s.backend.Close()
}

func joinKeys(kv map[string]string) string {
	keys := make([]string, 0, len(kv))
	for k := range kv {
		keys = append(keys, k)
	}
	return strings.Join(keys, ",")
}
