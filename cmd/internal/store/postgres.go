package store

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres is a Backend backed by a client_kv table.
//
// Ownership model:
// - Postgres does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// Rows are scoped by namespace so several clients can share one table.
type Postgres struct {
	pool      *pgxpool.Pool
	schema    string
	namespace string
}

// PostgresOption configures Postgres behavior.
type PostgresOption func(*Postgres) error

// WithSchema sets the DB schema used by this backend (default: "public").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *Postgres) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return fmt.Errorf("%w: empty schema", ErrConfig)
		}
		if !isValidPGIdent(schema) {
			return fmt.Errorf("%w: invalid schema identifier", ErrConfig)
		}
		s.schema = schema
		return nil
	}
}

// WithNamespace scopes all keys (default: "default").
func WithNamespace(ns string) PostgresOption {
	return func(s *Postgres) error {
		ns = strings.TrimSpace(ns)
		if ns == "" {
			return fmt.Errorf("%w: empty namespace", ErrConfig)
		}
		s.namespace = ns
		return nil
	}
}

// NewPostgres constructs a Postgres-backed Backend.
func NewPostgres(pool *pgxpool.Pool, opts ...PostgresOption) (*Postgres, error) {
	st := &Postgres{
		pool:      pool,
		schema:    "public",
		namespace: "default",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, fmt.Errorf("%w: nil pool", ErrConfig)
	}
	return st, nil
}

// EnsureSchema creates the client_kv table when missing.
func (s *Postgres) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS `+s.table()+` (
			namespace  text        NOT NULL,
			key        text        NOT NULL,
			value      text        NOT NULL,
			updated_at timestamptz NOT NULL DEFAULT now(),
			PRIMARY KEY (namespace, key)
		)`)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *Postgres) Close() error { return nil }

// Get implements Backend.
func (s *Postgres) Get(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.pool.QueryRow(ctx,
		`SELECT value FROM `+s.table()+` WHERE namespace = $1 AND key = $2`,
		s.namespace, key,
	).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return v, true, nil
}

// SetAll implements Backend inside one transaction.
func (s *Postgres) SetAll(ctx context.Context, kv map[string]string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for k, v := range kv {
		if _, err := tx.Exec(ctx, `
			INSERT INTO `+s.table()+` (namespace, key, value, updated_at)
			VALUES ($1, $2, $3, now())
			ON CONFLICT (namespace, key) DO UPDATE
			   SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`,
			s.namespace, k, v,
		); err != nil {
			return fmt.Errorf("%w: %w", ErrUnavailable, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return nil
}

// RemoveAll implements Backend.
func (s *Postgres) RemoveAll(ctx context.Context, keys ...string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM `+s.table()+` WHERE namespace = $1 AND key = ANY($2)`,
		s.namespace, keys,
	)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return nil
}

func (s *Postgres) table() string {
	return pgIdent(s.schema, "client_kv")
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
