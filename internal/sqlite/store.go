// Package sqlite persists cache snapshots and stream cursors in a local
// SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Store implements cache.Store and domain.CursorRepository.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and applies the
// schema. ":memory:" opens a private in-memory database.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// one writer; also keeps ":memory:" on a single connection
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	PRAGMA journal_mode = WAL;

	CREATE TABLE IF NOT EXISTS kv (
		key TEXT PRIMARY KEY,
		value BLOB NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS cursors (
		service TEXT PRIMARY KEY,
		cursor_value INTEGER NOT NULL,
		updated_at DATETIME NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Put upserts value under key.
func (s *Store) Put(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at`,
		key, value, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("put %q: %w", key, err)
	}
	return nil
}

// Delete removes key.
func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete %q: %w", key, err)
	}
	return nil
}

// DeletePrefix removes every key starting with prefix.
func (s *Store) DeletePrefix(ctx context.Context, prefix string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM kv WHERE substr(key, 1, length(?1)) = ?1`, prefix)
	if err != nil {
		return fmt.Errorf("delete prefix %q: %w", prefix, err)
	}
	return nil
}

// Scan calls fn for every key starting with prefix, in key order.
func (s *Store) Scan(ctx context.Context, prefix string, fn func(key string, value []byte) error) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value FROM kv WHERE substr(key, 1, length(?1)) = ?1 ORDER BY key`, prefix)
	if err != nil {
		return fmt.Errorf("scan %q: %w", prefix, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			key   string
			value []byte
		)
		if err := rows.Scan(&key, &value); err != nil {
			return fmt.Errorf("scan row: %w", err)
		}
		if err := fn(key, value); err != nil {
			return err
		}
	}
	return rows.Err()
}

// GetCursor retrieves the saved cursor for a service, or 0.
func (s *Store) GetCursor(ctx context.Context, service string) (int64, error) {
	var cursor int64
	err := s.db.QueryRowContext(ctx,
		`SELECT cursor_value FROM cursors WHERE service = ?`, service,
	).Scan(&cursor)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return cursor, err
}

// UpdateCursor upserts the cursor for a service.
func (s *Store) UpdateCursor(ctx context.Context, service string, cursor int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cursors (service, cursor_value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(service) DO UPDATE SET
			cursor_value = excluded.cursor_value,
			updated_at = excluded.updated_at`,
		service, cursor, time.Now().UTC(),
	)
	return err
}
