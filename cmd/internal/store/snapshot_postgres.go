package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresSnapshotter persists store nodes in PostgreSQL.
//
// Ownership model:
// - PostgresSnapshotter does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// Schema: <schema>.store_nodes(path text primary key, value jsonb,
// updated_at timestamptz). One row per written path; saving a path removes
// descendant rows so wholesale-overwrite semantics survive a reload.
type PostgresSnapshotter struct {
	pool   *pgxpool.Pool
	schema string
}

// SnapshotOption configures PostgresSnapshotter behavior.
type SnapshotOption func(*PostgresSnapshotter) error

// WithSchema sets the DB schema used by this snapshotter (default: "kiyomitalk").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) SnapshotOption {
	return func(s *PostgresSnapshotter) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("store: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("store: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresSnapshotter constructs a Postgres-backed Snapshotter.
func NewPostgresSnapshotter(pool *pgxpool.Pool, opts ...SnapshotOption) (*PostgresSnapshotter, error) {
	st := &PostgresSnapshotter{
		pool:   pool,
		schema: "kiyomitalk",
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
		return nil, errors.New("store: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresSnapshotter) Close() error { return nil }

// EnsureSchema creates the schema and the store_nodes table if missing.
// Intended to run once at startup.
func (s *PostgresSnapshotter) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return errors.New("store: nil snapshotter")
	}

	schema := pgx.Identifier{s.schema}.Sanitize()
	nodes := pgIdent(s.schema, "store_nodes")

	if _, err := s.pool.Exec(ctx, `CREATE SCHEMA IF NOT EXISTS `+schema); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS `+nodes+` (
		path text PRIMARY KEY,
		value jsonb NOT NULL,
		updated_at timestamptz NOT NULL DEFAULT now()
	)`)
	return err
}

// Load returns every stored node as path -> value.
func (s *PostgresSnapshotter) Load(ctx context.Context) (map[string]Value, error) {
	if s == nil || s.pool == nil {
		return nil, errors.New("store: nil snapshotter")
	}

	nodes := pgIdent(s.schema, "store_nodes")

	rows, err := s.pool.Query(ctx, `SELECT path, value FROM `+nodes)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]Value)
	for rows.Next() {
		var (
			path string
			raw  []byte
		)
		if err := rows.Scan(&path, &raw); err != nil {
			return nil, err
		}
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("store: corrupt node %q: %w", path, err)
		}
		out[path] = v
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Save upserts the node at path and removes descendant rows in one transaction.
func (s *PostgresSnapshotter) Save(ctx context.Context, path string, v Value) error {
	if s == nil || s.pool == nil {
		return errors.New("store: nil snapshotter")
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	nodes := pgIdent(s.schema, "store_nodes")

	if _, err := tx.Exec(ctx,
		`DELETE FROM `+nodes+` WHERE path LIKE $1 || '/%'`,
		path,
	); err != nil {
		return err
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+nodes+` (path, value, updated_at)
		 VALUES ($1, $2, now())
		 ON CONFLICT (path) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`,
		path, raw,
	); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// Delete removes the node at path and all descendants.
func (s *PostgresSnapshotter) Delete(ctx context.Context, path string) error {
	if s == nil || s.pool == nil {
		return errors.New("store: nil snapshotter")
	}

	nodes := pgIdent(s.schema, "store_nodes")

	_, err := s.pool.Exec(ctx,
		`DELETE FROM `+nodes+` WHERE path = $1 OR path LIKE $1 || '/%'`,
		path,
	)
	return err
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
