package store

import (
	"context"
	"sync"
)

// Memory is a process-local Backend. Nothing survives a restart.
type Memory struct {
	mu   sync.RWMutex
	data map[string]string
}

// NewMemory constructs an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{data: make(map[string]string)}
}

// Get implements Backend.
func (m *Memory) Get(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	return v, ok, nil
}

// SetAll implements Backend.
func (m *Memory) SetAll(ctx context.Context, kv map[string]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range kv {
		m.data[k] = v
	}
	return nil
}

// RemoveAll implements Backend.
func (m *Memory) RemoveAll(ctx context.Context, keys ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.data, k)
	}
	return nil
}

// Close is a no-op.
func (m *Memory) Close() error { return nil }
