package execution

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	clierr "github.com/JeanBaptisteDurand/MBC-2025-sub001/internal/errors"
)

// Store is the keyed execution state store. Implementations are safe for
// concurrent use and never delete executions.
type Store interface {
	Create(ctx context.Context, state ExecutionState) error
	Get(ctx context.Context, executionID string) (ExecutionState, error)
	Update(ctx context.Context, state ExecutionState) error
	List(ctx context.Context, filter ListFilter) ([]ExecutionState, error)
	Close() error
}

type ListFilter struct {
	Outcome Outcome
	// Incomplete restricts the listing to executions with IsComplete false.
	Incomplete bool
	Limit      int
}

func (f ListFilter) matches(s ExecutionState) bool {
	if f.Outcome != "" && s.Outcome != f.Outcome {
		return false
	}
	if f.Incomplete && s.IsComplete {
		return false
	}
	return true
}

func (f ListFilter) limit() int {
	if f.Limit <= 0 {
		return 20
	}
	return f.Limit
}

const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
	DriverBolt   = "bolt"
	DriverRedis  = "redis"
)

type StoreConfig struct {
	Driver        string
	Path          string
	LockPath      string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string
}

func OpenStore(cfg StoreConfig) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", DriverMemory:
		return NewMemoryStore(), nil
	case DriverSQLite:
		lockPath := cfg.LockPath
		if strings.TrimSpace(lockPath) == "" {
			lockPath = cfg.Path + ".lock"
		}
		return OpenSQLiteStore(cfg.Path, lockPath)
	case DriverBolt:
		return OpenBoltStore(cfg.Path)
	case DriverRedis:
		return OpenRedisStore(RedisStoreConfig{
			Address:  cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Prefix:   cfg.RedisPrefix,
		})
	default:
		return nil, clierr.New(clierr.CodeUsage, fmt.Sprintf("unsupported store driver %q (expected memory|sqlite|bolt|redis)", cfg.Driver))
	}
}

// MemoryStore keeps encoded states so readers never alias the writer's
// maps and repeated reads are byte-identical.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: map[string][]byte{}}
}

func (s *MemoryStore) Create(_ context.Context, state ExecutionState) error {
	if strings.TrimSpace(state.ExecutionID) == "" {
		return clierr.New(clierr.CodeInternal, "create execution: missing execution id")
	}
	payload, err := encodeState(state)
	if err != nil {
		return clierr.Wrap(clierr.CodeInternal, "encode execution", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[state.ExecutionID]; exists {
		return clierr.New(clierr.CodeConflict, "execution already exists: "+state.ExecutionID)
	}
	s.records[state.ExecutionID] = payload
	return nil
}

func (s *MemoryStore) Get(_ context.Context, executionID string) (ExecutionState, error) {
	s.mu.RLock()
	payload, ok := s.records[executionID]
	s.mu.RUnlock()
	if !ok {
		return ExecutionState{}, notFound(executionID)
	}
	state, err := decodeState(payload)
	if err != nil {
		return ExecutionState{}, clierr.Wrap(clierr.CodeInternal, "decode execution", err)
	}
	return state, nil
}

func (s *MemoryStore) Update(_ context.Context, state ExecutionState) error {
	payload, err := encodeState(state)
	if err != nil {
		return clierr.Wrap(clierr.CodeInternal, "encode execution", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[state.ExecutionID]; !exists {
		return notFound(state.ExecutionID)
	}
	s.records[state.ExecutionID] = payload
	return nil
}

func (s *MemoryStore) List(_ context.Context, filter ListFilter) ([]ExecutionState, error) {
	s.mu.RLock()
	payloads := make([][]byte, 0, len(s.records))
	for _, payload := range s.records {
		payloads = append(payloads, payload)
	}
	s.mu.RUnlock()

	out := make([]ExecutionState, 0, len(payloads))
	for _, payload := range payloads {
		state, err := decodeState(payload)
		if err != nil {
			return nil, clierr.Wrap(clierr.CodeInternal, "decode execution", err)
		}
		if filter.matches(state) {
			out = append(out, state)
		}
	}
	return limitNewest(out, filter.limit()), nil
}

func (s *MemoryStore) Close() error { return nil }

// limitNewest sorts by UpdatedAt descending, breaking ties by id.
func limitNewest(states []ExecutionState, limit int) []ExecutionState {
	sort.SliceStable(states, func(i, j int) bool {
		ti, _ := parseRFC3339Unix(states[i].UpdatedAt)
		tj, _ := parseRFC3339Unix(states[j].UpdatedAt)
		if ti != tj {
			return ti > tj
		}
		return states[i].ExecutionID < states[j].ExecutionID
	})
	if len(states) > limit {
		states = states[:limit]
	}
	return states
}

func notFound(executionID string) error {
	return clierr.New(clierr.CodeNotFound, "execution not found: "+executionID)
}

func parseRFC3339Unix(v string) (int64, bool) {
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return 0, false
	}
	return t.UTC().Unix(), true
}

func unixOrNow(v string) int64 {
	if ts, ok := parseRFC3339Unix(v); ok && ts > 0 {
		return ts
	}
	return time.Now().UTC().Unix()
}
