package execution

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	clierr "github.com/JeanBaptisteDurand/MBC-2025-sub001/internal/errors"
)

type RedisStoreConfig struct {
	Address  string
	Password string
	DB       int
	Prefix   string
}

// RedisStore keeps payloads under <prefix>:execution:<id> and an index
// sorted set <prefix>:executions scored by last update time.
type RedisStore struct {
	client *redis.Client
	prefix string
}

func OpenRedisStore(cfg RedisStoreConfig) (*RedisStore, error) {
	if strings.TrimSpace(cfg.Address) == "" {
		return nil, clierr.New(clierr.CodeUsage, "redis store requires an address")
	}
	prefix := strings.TrimSpace(cfg.Prefix)
	if prefix == "" {
		prefix = "orchestrator"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		_ = client.Close()
		return nil, clierr.Wrap(clierr.CodeUnavailable, "connect redis", err)
	}
	return &RedisStore{client: client, prefix: prefix}, nil
}

func (s *RedisStore) key(executionID string) string {
	return s.prefix + ":execution:" + executionID
}

func (s *RedisStore) indexKey() string {
	return s.prefix + ":executions"
}

func (s *RedisStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

func (s *RedisStore) Create(ctx context.Context, state ExecutionState) error {
	if strings.TrimSpace(state.ExecutionID) == "" {
		return clierr.New(clierr.CodeInternal, "create execution: missing execution id")
	}
	payload, err := encodeState(state)
	if err != nil {
		return clierr.Wrap(clierr.CodeInternal, "encode execution", err)
	}
	created, err := s.client.SetNX(ctx, s.key(state.ExecutionID), payload, 0).Result()
	if err != nil {
		return clierr.Wrap(clierr.CodeUnavailable, "create execution in redis", err)
	}
	if !created {
		return clierr.New(clierr.CodeConflict, "execution already exists: "+state.ExecutionID)
	}
	return s.index(ctx, state)
}

func (s *RedisStore) Update(ctx context.Context, state ExecutionState) error {
	payload, err := encodeState(state)
	if err != nil {
		return clierr.Wrap(clierr.CodeInternal, "encode execution", err)
	}
	updated, err := s.client.SetXX(ctx, s.key(state.ExecutionID), payload, 0).Result()
	if err != nil {
		return clierr.Wrap(clierr.CodeUnavailable, "update execution in redis", err)
	}
	if !updated {
		return notFound(state.ExecutionID)
	}
	return s.index(ctx, state)
}

func (s *RedisStore) index(ctx context.Context, state ExecutionState) error {
	member := redis.Z{Score: float64(unixOrNow(state.UpdatedAt)), Member: state.ExecutionID}
	if err := s.client.ZAdd(ctx, s.indexKey(), member).Err(); err != nil {
		return clierr.Wrap(clierr.CodeUnavailable, "index execution in redis", err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, executionID string) (ExecutionState, error) {
	payload, err := s.client.Get(ctx, s.key(executionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return ExecutionState{}, notFound(executionID)
	}
	if err != nil {
		return ExecutionState{}, clierr.Wrap(clierr.CodeUnavailable, "read execution from redis", err)
	}
	state, err := decodeState(payload)
	if err != nil {
		return ExecutionState{}, fmt.Errorf("decode execution payload: %w", err)
	}
	return state, nil
}

func (s *RedisStore) List(ctx context.Context, filter ListFilter) ([]ExecutionState, error) {
	ids, err := s.client.ZRevRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUnavailable, "list executions from redis", err)
	}
	out := make([]ExecutionState, 0)
	for _, executionID := range ids {
		state, err := s.Get(ctx, executionID)
		if clierr.Is(err, clierr.CodeNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if filter.matches(state) {
			out = append(out, state)
		}
	}
	return limitNewest(out, filter.limit()), nil
}
