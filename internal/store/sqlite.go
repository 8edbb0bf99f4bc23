package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS kv (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);`

// SQLiteStore keeps every key as one row. Several processes may share the
// database; Watch polls for their writes.
type SQLiteStore struct {
	path string
	db   *sql.DB

	mu    sync.Mutex
	cache map[string]json.RawMessage
	listeners
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("os.MkdirAll: %w", err)
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("sql.Open: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, stmt := range []string{"PRAGMA journal_mode=WAL;", "PRAGMA busy_timeout=5000;", sqliteSchema} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("%w: %s: %v", ErrUnavailable, path, err)
		}
	}

	s := &SQLiteStore{path: path, db: db}
	values, err := s.read(context.Background())
	if err != nil {
		db.Close()
		return nil, err
	}
	s.cache = values
	slog.Info("SQLite store opened", slog.String("path", path), slog.Int("keys", len(values)))
	return s, nil
}

func (s *SQLiteStore) Path() string {
	return s.path
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) read(ctx context.Context) (map[string]json.RawMessage, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT key, value FROM kv")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer rows.Close()

	values := map[string]json.RawMessage{}
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		if !json.Valid([]byte(value)) {
			slog.Warn("Stored value is not JSON, skipped", slog.String("key", key))
			continue
		}
		values[key] = json.RawMessage(value)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return values, nil
}

func (s *SQLiteStore) Get(ctx context.Context, keys ...string) (map[string]json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	values, err := s.read(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]json.RawMessage, len(keys))
	for _, k := range keys {
		if v, ok := values[k]; ok {
			out[k] = v
		}
	}
	return out, nil
}

func (s *SQLiteStore) Set(ctx context.Context, values map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	encoded, err := encodeValues(values)
	if err != nil {
		return err
	}

	s.mu.Lock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	now := time.Now().UnixMilli()
	for k, v := range encoded {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
			 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
			k, string(v), now)
		if err != nil {
			_ = tx.Rollback()
			s.mu.Unlock()
			return fmt.Errorf("upsert %s: %w", k, err)
		}
	}
	if err := tx.Commit(); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("tx.Commit: %w", err)
	}

	next, err := s.read(ctx)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	changes := diff(s.cache, next)
	s.cache = next
	s.mu.Unlock()

	s.notify(changes)
	return nil
}

func (s *SQLiteStore) OnChange(fn Listener) func() {
	return s.add(fn)
}

func (s *SQLiteStore) Reload() error {
	s.mu.Lock()
	values, err := s.read(context.Background())
	if err != nil {
		s.mu.Unlock()
		return err
	}
	changes := diff(s.cache, values)
	s.cache = values
	s.mu.Unlock()

	if len(changes) > 0 {
		slog.Info("Store database changed", slog.String("path", s.path), slog.Any("keys", changes.Keys()))
	}
	s.notify(changes)
	return nil
}

// Watch polls the database every interval until ctx is done.
func (s *SQLiteStore) Watch(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	slog.Info("Store poller started", slog.String("path", s.path), slog.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			slog.Info("Store poller stopped")
			return nil
		case <-ticker.C:
			if err := s.Reload(); err != nil {
				slog.Error("Store reload failed", slog.String("path", s.path), slog.Any("error", err))
			}
		}
	}
}
