package clientstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"mindbridge/src/queue"
)

// Keys of the persisted session triple.
const (
	KeyToken        = "token"
	KeyRefreshToken = "refresh_token"
	KeyUser         = "user"
)

const memoryPath = ":memory:"

// Store is the agent's local SQLite database: a key/value table for the
// session and the offline retry queue.
type Store struct {
	db   *sql.DB
	path string
}

// Open creates or opens the database at path. ":memory:" keeps everything in RAM.
func Open(path string) (*Store, error) {
	if path != memoryPath {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// one connection keeps a :memory: database alive and serialises writers
	db.SetMaxOpenConns(1)

	store := &Store{db: db, path: path}
	if err := store.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS kv (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS queue_items (
		position INTEGER PRIMARY KEY,
		id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		frame TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		enqueued_at INTEGER NOT NULL,
		next_attempt_at INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

func (s *Store) Path() string { return s.path }

func (s *Store) Close() error {
	return s.db.Close()
}

// Get returns the value of key and whether it was present.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get %s: %w", key, err)
	}
	return value, true, nil
}

// SetMany writes all pairs in one transaction.
func (s *Store) SetMany(ctx context.Context, values map[string]string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()
	now := time.Now().UnixMilli()
	for key, value := range values {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
			 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
			key, value, now)
		if err != nil {
			return fmt.Errorf("set %s: %w", key, err)
		}
	}
	return tx.Commit()
}

func (s *Store) Set(ctx context.Context, key, value string) error {
	return s.SetMany(ctx, map[string]string{key: value})
}

func (s *Store) Delete(ctx context.Context, keys ...string) error {
	for _, key := range keys {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
			return fmt.Errorf("delete %s: %w", key, err)
		}
	}
	return nil
}

// LoadQueue returns the persisted queue in order.
func (s *Store) LoadQueue(ctx context.Context) ([]queue.Item, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, seq, frame, attempts, enqueued_at, next_attempt_at FROM queue_items ORDER BY position`)
	if err != nil {
		return nil, fmt.Errorf("load queue: %w", err)
	}
	defer rows.Close()

	var items []queue.Item
	for rows.Next() {
		var (
			item              queue.Item
			enqueued, nextTry int64
		)
		if err := rows.Scan(&item.ID, &item.Seq, &item.Frame, &item.Attempts, &enqueued, &nextTry); err != nil {
			return nil, fmt.Errorf("scan queue item: %w", err)
		}
		item.EnqueuedAt = time.UnixMilli(enqueued).UTC()
		item.NextAttemptAt = time.UnixMilli(nextTry).UTC()
		items = append(items, item)
	}
	return items, rows.Err()
}

// SaveQueue replaces the persisted queue with items.
func (s *Store) SaveQueue(ctx context.Context, items []queue.Item) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM queue_items`); err != nil {
		return fmt.Errorf("clear queue: %w", err)
	}
	for i, item := range items {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO queue_items (position, id, seq, frame, attempts, enqueued_at, next_attempt_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			i, item.ID, item.Seq, item.Frame, item.Attempts,
			item.EnqueuedAt.UnixMilli(), item.NextAttemptAt.UnixMilli())
		if err != nil {
			return fmt.Errorf("save queue item %s: %w", item.ID, err)
		}
	}
	return tx.Commit()
}
