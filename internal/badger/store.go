// Package badger persists cache snapshots and stream cursors in an embedded
// BadgerDB.
package badger

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/dgraph-io/badger/v4"
)

const (
	kvPrefix     = "kv/"
	cursorPrefix = "cursor/"
)

// Config holds configuration for opening a Store.
type Config struct {
	// Path is the database directory. Required unless InMemory.
	Path string

	InMemory   bool
	SyncWrites bool

	// Logger receives Badger's internal logs. Nil silences them.
	Logger *slog.Logger
}

// InMemoryConfig returns a configuration for a throwaway store.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...any) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...any) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...any) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...any) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// Store implements cache.Store and domain.CursorRepository.
type Store struct {
	db *badger.DB
}

// Open opens the database described by cfg.
func Open(cfg Config) (*Store, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent database")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)

	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Put upserts value under key.
func (s *Store) Put(_ context.Context, key string, value []byte) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(kvPrefix+key), value)
	})
	if err != nil {
		return fmt.Errorf("put %q: %w", key, err)
	}
	return nil
}

// Delete removes key.
func (s *Store) Delete(_ context.Context, key string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(kvPrefix + key))
	})
	if err != nil {
		return fmt.Errorf("delete %q: %w", key, err)
	}
	return nil
}

// DeletePrefix removes every key starting with prefix.
func (s *Store) DeletePrefix(_ context.Context, prefix string) error {
	if err := s.db.DropPrefix([]byte(kvPrefix + prefix)); err != nil {
		return fmt.Errorf("delete prefix %q: %w", prefix, err)
	}
	return nil
}

// Scan calls fn for every key starting with prefix, in key order.
func (s *Store) Scan(ctx context.Context, prefix string, fn func(key string, value []byte) error) error {
	full := []byte(kvPrefix + prefix)
	return s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{PrefetchValues: true, PrefetchSize: 100, Prefix: full})
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			value, err := item.ValueCopy(nil)
			if err != nil {
				return fmt.Errorf("read %q: %w", item.Key(), err)
			}
			if err := fn(string(item.Key()[len(kvPrefix):]), value); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetCursor retrieves the saved cursor for a service, or 0.
func (s *Store) GetCursor(_ context.Context, service string) (int64, error) {
	var cursor int64
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(cursorPrefix + service))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if len(val) != 8 {
				return fmt.Errorf("cursor %q: invalid length %d", service, len(val))
			}
			cursor = int64(binary.BigEndian.Uint64(val))
			return nil
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	return cursor, err
}

// UpdateCursor stores the cursor for a service.
func (s *Store) UpdateCursor(_ context.Context, service string, cursor int64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(cursor))
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(cursorPrefix+service), buf[:])
	})
}
