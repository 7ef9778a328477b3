package execution

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
	_ "modernc.org/sqlite"

	clierr "github.com/JeanBaptisteDurand/MBC-2025-sub001/internal/errors"
)

// SQLiteStore persists executions in one table with the JSON state as
// payload. Writes are serialized across processes with a file lock.
type SQLiteStore struct {
	db   *sql.DB
	lock *flock.Flock
}

func OpenSQLiteStore(path, lockPath string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, clierr.New(clierr.CodeUsage, "sqlite store requires a path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create execution store directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return nil, fmt.Errorf("create execution lock directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open execution sqlite: %w", err)
	}

	queries := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		`CREATE TABLE IF NOT EXISTS executions (
			execution_id TEXT PRIMARY KEY,
			outcome TEXT NOT NULL,
			is_complete INTEGER NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			payload BLOB NOT NULL
		);`,
		"CREATE INDEX IF NOT EXISTS idx_executions_outcome_updated ON executions(outcome, updated_at DESC);",
	}
	for _, q := range queries {
		if _, err := db.Exec(q); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init execution schema: %w", err)
		}
	}
	return &SQLiteStore{db: db, lock: flock.New(lockPath)}, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) withLock(ctx context.Context, fn func() error) error {
	lockCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	locked, err := s.lock.TryLockContext(lockCtx, 50*time.Millisecond)
	if err != nil {
		return fmt.Errorf("lock execution store: %w", err)
	}
	if !locked {
		return fmt.Errorf("lock execution store: timeout acquiring lock")
	}
	defer func() { _ = s.lock.Unlock() }()
	return fn()
}

func (s *SQLiteStore) Create(ctx context.Context, state ExecutionState) error {
	if strings.TrimSpace(state.ExecutionID) == "" {
		return clierr.New(clierr.CodeInternal, "create execution: missing execution id")
	}
	payload, err := encodeState(state)
	if err != nil {
		return clierr.Wrap(clierr.CodeInternal, "encode execution", err)
	}
	return s.withLock(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO executions (execution_id, outcome, is_complete, created_at, updated_at, payload)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(execution_id) DO NOTHING
		`, state.ExecutionID, string(state.Outcome), boolInt(state.IsComplete), unixOrNow(state.CreatedAt), unixOrNow(state.UpdatedAt), payload)
		if err != nil {
			return fmt.Errorf("create execution: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return clierr.New(clierr.CodeConflict, "execution already exists: "+state.ExecutionID)
		}
		return nil
	})
}

func (s *SQLiteStore) Update(ctx context.Context, state ExecutionState) error {
	payload, err := encodeState(state)
	if err != nil {
		return clierr.Wrap(clierr.CodeInternal, "encode execution", err)
	}
	return s.withLock(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE executions SET outcome = ?, is_complete = ?, updated_at = ?, payload = ?
			WHERE execution_id = ?
		`, string(state.Outcome), boolInt(state.IsComplete), unixOrNow(state.UpdatedAt), payload, state.ExecutionID)
		if err != nil {
			return fmt.Errorf("update execution: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return notFound(state.ExecutionID)
		}
		return nil
	})
}

func (s *SQLiteStore) Get(ctx context.Context, executionID string) (ExecutionState, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx, "SELECT payload FROM executions WHERE execution_id = ?", executionID).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ExecutionState{}, notFound(executionID)
		}
		return ExecutionState{}, fmt.Errorf("read execution: %w", err)
	}
	state, err := decodeState(payload)
	if err != nil {
		return ExecutionState{}, fmt.Errorf("decode execution payload: %w", err)
	}
	return state, nil
}

func (s *SQLiteStore) List(ctx context.Context, filter ListFilter) ([]ExecutionState, error) {
	query := "SELECT payload FROM executions"
	var (
		where []string
		args  []any
	)
	if filter.Outcome != "" {
		where = append(where, "outcome = ?")
		args = append(args, string(filter.Outcome))
	}
	if filter.Incomplete {
		where = append(where, "is_complete = 0")
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY updated_at DESC, execution_id ASC LIMIT ?"
	args = append(args, filter.limit())

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	states := make([]ExecutionState, 0)
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan execution row: %w", err)
		}
		state, err := decodeState(payload)
		if err != nil {
			return nil, fmt.Errorf("decode execution row: %w", err)
		}
		states = append(states, state)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate execution rows: %w", err)
	}
	return states, nil
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
