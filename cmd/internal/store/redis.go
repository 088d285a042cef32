package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// Redis is a Backend storing each key under a namespace prefix.
//
// The client is owned by the caller unless the backend was built with NewRedisFromAddr.
type Redis struct {
	rdb    redis.UniversalClient
	prefix string
	owned  bool
}

// NewRedis wraps an existing client. Keys are stored as prefix + ":" + key.
func NewRedis(rdb redis.UniversalClient, prefix string) (*Redis, error) {
	if rdb == nil {
		return nil, fmt.Errorf("%w: nil redis client", ErrConfig)
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "bidwatch"
	}
	return &Redis{rdb: rdb, prefix: prefix}, nil
}

// NewRedisFromAddr dials a single-node client the backend owns.
func NewRedisFromAddr(addr, prefix string) (*Redis, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, fmt.Errorf("%w: empty redis addr", ErrConfig)
	}
	r, err := NewRedis(redis.NewClient(&redis.Options{Addr: addr}), prefix)
	if err != nil {
		return nil, err
	}
	r.owned = true
	return r, nil
}

func (r *Redis) k(key string) string {
	return r.prefix + ":" + key
}

// Get implements Backend.
func (r *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := r.rdb.Get(ctx, r.k(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return v, true, nil
}

// SetAll implements Backend with a MULTI/EXEC pipeline.
func (r *Redis) SetAll(ctx context.Context, kv map[string]string) error {
	_, err := r.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		for k, v := range kv {
			p.Set(ctx, r.k(k), v, 0)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return nil
}

// RemoveAll implements Backend.
func (r *Redis) RemoveAll(ctx context.Context, keys ...string) error {
	full := make([]string, 0, len(keys))
	for _, k := range keys {
		full = append(full, r.k(k))
	}
	if err := r.rdb.Del(ctx, full...).Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return nil
}

// Close closes the client only when the backend owns it.
func (r *Redis) Close() error {
	if !r.owned {
		return nil
	}
	return r.rdb.Close()
}
