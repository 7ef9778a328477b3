// Package cache is a small sqlite-backed TTL cache for planner answers.
// Writers serialize through a file lock so several CLI processes can share
// one cache file.
package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	_ "modernc.org/sqlite"
)

type Store struct {
	db   *sql.DB
	lock *flock.Flock
	now  func() time.Time
}

type Result struct {
	Hit   bool
	Value []byte
	Age   time.Duration
}

func Open(path, lockPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite cache: %w", err)
	}

	queries := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"CREATE TABLE IF NOT EXISTS cache_entries (key TEXT PRIMARY KEY, value BLOB NOT NULL, created_at INTEGER NOT NULL, expires_at INTEGER NOT NULL);",
	}
	for _, query := range queries {
		if _, err := db.Exec(query); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init cache schema: %w", err)
		}
	}

	store := &Store{db: db, lock: flock.New(lockPath), now: time.Now}
	_ = store.Prune(context.Background())
	return store, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Prune deletes expired entries.
func (s *Store) Prune(ctx context.Context) error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.withLock(ctx, func() error {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM cache_entries WHERE expires_at <= ?", s.now().UTC().Unix()); err != nil {
			return fmt.Errorf("prune cache: %w", err)
		}
		return nil
	})
}

// Get returns the entry under key. Expired entries are reported as misses.
func (s *Store) Get(ctx context.Context, key string) (Result, error) {
	var (
		value       []byte
		createdUnix int64
		expiresUnix int64
	)
	err := s.db.QueryRowContext(ctx, "SELECT value, created_at, expires_at FROM cache_entries WHERE key = ?", key).Scan(&value, &createdUnix, &expiresUnix)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Result{}, nil
		}
		return Result{}, fmt.Errorf("cache read: %w", err)
	}
	now := s.now().UTC()
	if now.Unix() >= expiresUnix {
		return Result{}, nil
	}
	age := now.Sub(time.Unix(createdUnix, 0).UTC())
	if age < 0 {
		age = 0
	}
	return Result{Hit: true, Value: value, Age: age}, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	created := s.now().UTC()
	ttlSeconds := int64(ttl.Seconds())
	if ttlSeconds <= 0 {
		ttlSeconds = 1
	}
	return s.withLock(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
		INSERT INTO cache_entries (key, value, created_at, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value=excluded.value,
			created_at=excluded.created_at,
			expires_at=excluded.expires_at
	`, key, value, created.Unix(), created.Unix()+ttlSeconds)
		if err != nil {
			return fmt.Errorf("cache write: %w", err)
		}
		return nil
	})
}

func (s *Store) Delete(ctx context.Context, key string) error {
	return s.withLock(ctx, func() error {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM cache_entries WHERE key = ?", key); err != nil {
			return fmt.Errorf("cache delete: %w", err)
		}
		return nil
	})
}

func (s *Store) withLock(ctx context.Context, fn func() error) error {
	lockCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	locked, err := s.lock.TryLockContext(lockCtx, 50*time.Millisecond)
	if err != nil {
		return fmt.Errorf("lock cache: %w", err)
	}
	if !locked {
		return fmt.Errorf("lock cache: timeout acquiring lock")
	}
	defer func() { _ = s.lock.Unlock() }()
	return fn()
}
