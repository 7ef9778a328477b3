package execution

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"

	clierr "github.com/JeanBaptisteDurand/MBC-2025-sub001/internal/errors"
)

var bucketExecutions = []byte("executions")

var errBoltExists = errors.New("execution exists")

// BoltStore keeps one JSON payload per execution id in a single bucket.
type BoltStore struct {
	db *bolt.DB
}

func OpenBoltStore(path string) (*BoltStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, clierr.New(clierr.CodeUsage, "bolt store requires a path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create execution store directory: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open execution bolt db: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketExecutions)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init execution bucket: %w", err)
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *BoltStore) Create(_ context.Context, state ExecutionState) error {
	if strings.TrimSpace(state.ExecutionID) == "" {
		return clierr.New(clierr.CodeInternal, "create execution: missing execution id")
	}
	payload, err := encodeState(state)
	if err != nil {
		return clierr.Wrap(clierr.CodeInternal, "encode execution", err)
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketExecutions)
		key := []byte(state.ExecutionID)
		if bucket.Get(key) != nil {
			return errBoltExists
		}
		return bucket.Put(key, payload)
	})
	if errors.Is(err, errBoltExists) {
		return clierr.New(clierr.CodeConflict, "execution already exists: "+state.ExecutionID)
	}
	if err != nil {
		return fmt.Errorf("create execution: %w", err)
	}
	return nil
}

func (s *BoltStore) Update(_ context.Context, state ExecutionState) error {
	payload, err := encodeState(state)
	if err != nil {
		return clierr.Wrap(clierr.CodeInternal, "encode execution", err)
	}
	missing := false
	err = s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketExecutions)
		key := []byte(state.ExecutionID)
		if bucket.Get(key) == nil {
			missing = true
			return nil
		}
		return bucket.Put(key, payload)
	})
	if err != nil {
		return fmt.Errorf("update execution: %w", err)
	}
	if missing {
		return notFound(state.ExecutionID)
	}
	return nil
}

func (s *BoltStore) Get(_ context.Context, executionID string) (ExecutionState, error) {
	var payload []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketExecutions).Get([]byte(executionID))
		if raw != nil {
			// raw is only valid inside the transaction.
			payload = append([]byte(nil), raw...)
		}
		return nil
	})
	if err != nil {
		return ExecutionState{}, fmt.Errorf("read execution: %w", err)
	}
	if payload == nil {
		return ExecutionState{}, notFound(executionID)
	}
	state, err := decodeState(payload)
	if err != nil {
		return ExecutionState{}, fmt.Errorf("decode execution payload: %w", err)
	}
	return state, nil
}

func (s *BoltStore) List(_ context.Context, filter ListFilter) ([]ExecutionState, error) {
	out := make([]ExecutionState, 0)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketExecutions).ForEach(func(_, raw []byte) error {
			state, err := decodeState(raw)
			if err != nil {
				return err
			}
			if filter.matches(state) {
				out = append(out, state)
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	return limitNewest(out, filter.limit()), nil
}
