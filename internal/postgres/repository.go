package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// Repository implements cache.Store and domain.CursorRepository using
// PostgreSQL.
type Repository struct {
	db *sql.DB
}

// NewRepository connects to PostgreSQL at the given URL, verifies the
// connection, creates the tables it needs, and returns a new Repository. The
// caller should call Close when the repository is no longer needed.
func NewRepository(ctx context.Context, databaseURL string) (*Repository, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &Repository{db: db}
	if err := r.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return r, nil
}

// Close closes the underlying database connection.
func (r *Repository) Close() error {
	return r.db.Close()
}

func (r *Repository) migrate(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS kv (
			key TEXT PRIMARY KEY,
			value BYTEA NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);

		CREATE TABLE IF NOT EXISTS cursors (
			service TEXT PRIMARY KEY,
			cursor_value BIGINT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);`)
	return err
}

// Put upserts value under key.
func (r *Repository) Put(ctx context.Context, key string, value []byte) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO kv (key, value, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET value = $2, updated_at = $3`,
		key, value, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("put %q: %w", key, err)
	}
	return nil
}

// Delete removes a key.
func (r *Repository) Delete(ctx context.Context, key string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM kv WHERE key = $1`, key); err != nil {
		return fmt.Errorf("delete %q: %w", key, err)
	}
	return nil
}

// DeletePrefix removes every key starting with prefix.
func (r *Repository) DeletePrefix(ctx context.Context, prefix string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM kv WHERE substr(key, 1, length($1)) = $1`, prefix)
	if err != nil {
		return fmt.Errorf("delete prefix %q: %w", prefix, err)
	}
	return nil
}

// Scan calls fn for every key starting with prefix, in key order.
func (r *Repository) Scan(ctx context.Context, prefix string, fn func(key string, value []byte) error) error {
	rows, err := r.db.QueryContext(ctx, `
		SELECT key, value
		FROM kv
		WHERE substr(key, 1, length($1)) = $1
		ORDER BY key`,
		prefix,
	)
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

	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate rows: %w", err)
	}
	return nil
}

// GetCursor retrieves the saved firehose cursor for a service.
func (r *Repository) GetCursor(ctx context.Context, service string) (int64, error) {
	var cursor int64
	err := r.db.QueryRowContext(ctx,
		`SELECT cursor_value FROM cursors WHERE service = $1`, service,
	).Scan(&cursor)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return cursor, err
}

// UpdateCursor upserts the firehose cursor for a service.
func (r *Repository) UpdateCursor(ctx context.Context, service string, cursor int64) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO cursors (service, cursor_value, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (service) DO UPDATE SET cursor_value = $2, updated_at = $3`,
		service, cursor, time.Now().UTC(),
	)
	return err
}
