package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

type SQLiteStore struct {
	database *sql.DB
}

func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// sqlite allows one writer; a single connection also keeps :memory:
	// databases from splitting across the pool.
	db.SetMaxOpenConns(1)
	s := &SQLiteStore{database: db}
	if err := s.init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) init(ctx context.Context) error {
	for _, stmt := range []string{
		`CREATE TABLE IF NOT EXISTS documents (
			name text not null primary key,
			snapshot blob,
			updated_at integer not null
		)`,
		`CREATE TABLE IF NOT EXISTS updates (
			id integer primary key autoincrement,
			name text not null,
			content blob not null
		)`,
		`CREATE INDEX IF NOT EXISTS updates_by_name ON updates (name, id)`,
		`CREATE TABLE IF NOT EXISTS snapshots (
			id integer primary key autoincrement,
			name text not null,
			content blob not null,
			created_at integer not null
		)`,
	} {
		if _, err := s.database.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create tables: %w", err)
		}
	}
	slog.Debug("Ensured sqlite tables exist")
	return nil
}

func (s *SQLiteStore) Load(ctx context.Context, name string) (Record, error) {
	var rec Record
	if err := s.database.QueryRowContext(
		ctx, `SELECT snapshot FROM documents WHERE name = ?`, name,
	).Scan(&rec.Snapshot); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return Record{}, fmt.Errorf("failed to query snapshot: %w", err)
	}

	rows, err := s.database.QueryContext(ctx, `SELECT content FROM updates WHERE name = ? ORDER BY id`, name)
	if err != nil {
		return Record{}, fmt.Errorf("failed to query updates: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var content []byte
		if err := rows.Scan(&content); err != nil {
			return Record{}, fmt.Errorf("failed to scan: %w", err)
		}
		rec.Updates = append(rec.Updates, content)
	}
	if err := rows.Err(); err != nil {
		return Record{}, fmt.Errorf("failed to read updates: %w", err)
	}
	return rec, nil
}

func (s *SQLiteStore) AppendUpdate(ctx context.Context, name string, update []byte) error {
	if _, err := s.database.ExecContext(
		ctx, `INSERT INTO updates (name, content) VALUES (?, ?)`, name, update,
	); err != nil {
		return fmt.Errorf("failed to insert update: %w", err)
	}
	return nil
}

func (s *SQLiteStore) WriteSnapshot(ctx context.Context, name string, snapshot []byte, compact bool) error {
	tx, err := s.database.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return fmt.Errorf("failed to start tx: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			slog.Error("failed to rollback", "err", err)
		}
	}()

	now := time.Now().UnixNano()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO documents (name, snapshot, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET snapshot = excluded.snapshot, updated_at = excluded.updated_at`,
		name, snapshot, now,
	); err != nil {
		return fmt.Errorf("failed to persist snapshot: %w", err)
	}
	if compact {
		if _, err := tx.ExecContext(ctx, `DELETE FROM updates WHERE name = ?`, name); err != nil {
			return fmt.Errorf("failed to compact updates: %w", err)
		}
	} else if _, err := tx.ExecContext(ctx,
		`INSERT INTO snapshots (name, content, created_at) VALUES (?, ?, ?)`, name, snapshot, now,
	); err != nil {
		return fmt.Errorf("failed to record snapshot: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.database.Close()
}
