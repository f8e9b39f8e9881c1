package persistence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresStore struct {
	pool *pgxpool.Pool
}

func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	s := &PostgresStore{pool: pool}
	if err := s.init(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) init(ctx context.Context) error {
	for _, stmt := range []string{
		`CREATE TABLE IF NOT EXISTS documents (
			name text PRIMARY KEY,
			snapshot bytea,
			updated_at timestamptz NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS updates (
			id bigserial PRIMARY KEY,
			name text NOT NULL,
			content bytea NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS updates_by_name ON updates (name, id)`,
		`CREATE TABLE IF NOT EXISTS snapshots (
			id bigserial PRIMARY KEY,
			name text NOT NULL,
			content bytea NOT NULL,
			created_at timestamptz NOT NULL DEFAULT now()
		)`,
	} {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create tables: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) Load(ctx context.Context, name string) (Record, error) {
	var rec Record
	if err := s.pool.QueryRow(
		ctx, `SELECT snapshot FROM documents WHERE name = $1`, name,
	).Scan(&rec.Snapshot); err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return Record{}, fmt.Errorf("failed to query snapshot: %w", err)
	}
	rows, err := s.pool.Query(ctx, `SELECT content FROM updates WHERE name = $1 ORDER BY id`, name)
	if err != nil {
		return Record{}, fmt.Errorf("failed to query updates: %w", err)
	}
	updates, err := pgx.CollectRows(rows, pgx.RowTo[[]byte])
	if err != nil {
		return Record{}, fmt.Errorf("failed to read updates: %w", err)
	}
	rec.Updates = updates
	return rec, nil
}

func (s *PostgresStore) AppendUpdate(ctx context.Context, name string, update []byte) error {
	if _, err := s.pool.Exec(ctx, `INSERT INTO updates (name, content) VALUES ($1, $2)`, name, update); err != nil {
		return fmt.Errorf("failed to insert update: %w", err)
	}
	return nil
}

func (s *PostgresStore) WriteSnapshot(ctx context.Context, name string, snapshot []byte, compact bool) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to start tx: %w", err)
	}
	defer func() {
		if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
			slog.Error("failed to rollback", "err", err)
		}
	}()
	if _, err := tx.Exec(ctx,
		`INSERT INTO documents (name, snapshot, updated_at) VALUES ($1, $2, now())
		ON CONFLICT (name) DO UPDATE SET snapshot = excluded.snapshot, updated_at = excluded.updated_at`,
		name, snapshot,
	); err != nil {
		return fmt.Errorf("failed to persist snapshot: %w", err)
	}
	if compact {
		if _, err := tx.Exec(ctx, `DELETE FROM updates WHERE name = $1`, name); err != nil {
			return fmt.Errorf("failed to compact updates: %w", err)
		}
	} else if _, err := tx.Exec(ctx, `INSERT INTO snapshots (name, content) VALUES ($1, $2)`, name, snapshot); err != nil {
		return fmt.Errorf("failed to record snapshot: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
