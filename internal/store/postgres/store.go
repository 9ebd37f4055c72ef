// Package postgres stores task records in a Postgres table through pgx.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	intakeerrors "intake/internal/errors"
	"intake/internal/task"
	id "intake/internal/utils/id"
)

// pool abstracts the subset of pgxpool.Pool used by the store for easier testing.
type pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

// Store writes task records into the tasks table.
type Store struct {
	pool pool
	ids  *id.Generator
}

// New builds a Store backed by the provided connection pool. A nil ids
// generator uses KSUID record ids.
func New(pool pool, ids *id.Generator) (*Store, error) {
	if pool == nil {
		return nil, errors.New("postgres store requires pool")
	}
	return &Store{pool: pool, ids: ids}, nil
}

// Open connects a pgx pool to dsn and verifies it with a ping.
func Open(ctx context.Context, dsn string, ids *id.Generator) (*Store, error) {
	if dsn == "" {
		return nil, intakeerrors.Persistence(errors.New("postgres dsn is required"))
	}
	p, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, intakeerrors.Persistence(fmt.Errorf("open pool: %w", err))
	}
	if err := p.Ping(ctx); err != nil {
		p.Close()
		return nil, intakeerrors.Persistence(fmt.Errorf("ping: %w", err))
	}
	return New(p, ids)
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS tasks (
    id                   TEXT PRIMARY KEY,
    raw_description      TEXT NOT NULL,
    enhanced_description TEXT NOT NULL,
    status               TEXT NOT NULL,
    priority             TEXT NOT NULL,
    created_at           TIMESTAMPTZ NOT NULL,
    updated_at           TIMESTAMPTZ NOT NULL,
    target_agent         TEXT NOT NULL,
    context              TEXT,
    project              TEXT NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS tasks_status_idx ON tasks (status)`,
	`CREATE INDEX IF NOT EXISTS tasks_priority_idx ON tasks (priority)`,
}

// EnsureSchema creates the tasks table and its indexes when missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return intakeerrors.Persistence(fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx) // no-op if committed

	for _, stmt := range schemaStatements {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return intakeerrors.Persistence(fmt.Errorf("ensure schema: %w", err))
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return intakeerrors.Persistence(fmt.Errorf("commit schema: %w", err))
	}
	return nil
}

// Insert writes one record under a freshly generated id.
func (s *Store) Insert(ctx context.Context, record *task.Record) (string, error) {
	if record == nil {
		return "", intakeerrors.Persistence(errors.New("nil record"))
	}

	rid := s.ids.NewRecordID()
	_, err := s.pool.Exec(ctx, `
INSERT INTO tasks (
    id,
    raw_description,
    enhanced_description,
    status,
    priority,
    created_at,
    updated_at,
    target_agent,
    context,
    project
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		rid,
		record.RawDescription,
		record.EnhancedDescription,
		string(record.Status),
		string(record.Priority),
		record.CreatedAt,
		record.UpdatedAt,
		record.TargetAgent,
		record.Context,
		record.Project,
	)
	if err != nil {
		return "", intakeerrors.Persistence(fmt.Errorf("insert task: %w", err))
	}
	return rid, nil
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
