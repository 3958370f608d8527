package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisKeyWindowState is the key holding the persisted call histories.
const RedisKeyWindowState = "stratz:rate_limit:window_state"

// State holds every credential's call history, keyed by credential ID.
// It is what survives a process restart when a StateStore is configured:
// the remote service keeps counting recent calls whether or not this
// process remembers making them.
type State map[string][]time.Time

// StateStore persists tracker state across process restarts.
type StateStore interface {
	Load(ctx context.Context) (State, error)
	Save(ctx context.Context, state State) error
	Clear(ctx context.Context) error
}

// RedisStore persists tracker state in Redis under a single JSON value.
// The value expires after the longest window, after which a fresh start
// is correct anyway.
type RedisStore struct {
	redis  *redis.Client
	logger zerolog.Logger
}

// NewRedisStore creates a Redis-backed state store.
func NewRedisStore(redisClient *redis.Client, logger zerolog.Logger) *RedisStore {
	return &RedisStore{
		redis:  redisClient,
		logger: logger,
	}
}

// Load retrieves the persisted state. Returns nil with no error when no
// state exists.
func (s *RedisStore) Load(ctx context.Context) (State, error) {
	data, err := s.redis.Get(ctx, RedisKeyWindowState).Bytes()
	if err == redis.Nil {
		s.logger.Debug().Msg("No rate limit state in Redis, starting with zeroed windows")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get window state: %w", err)
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("parse window state: %w", err)
	}

	s.logger.Info().
		Int("credentials", len(state)).
		Msg("Restored rate limit window state from Redis")

	return state, nil
}

// Save persists the state with a TTL of the longest window.
func (s *RedisStore) Save(ctx context.Context, state State) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal window state: %w", err)
	}

	if err := s.redis.Set(ctx, RedisKeyWindowState, data, WindowDay.Duration()).Err(); err != nil {
		return fmt.Errorf("store window state in redis: %w", err)
	}

	return nil
}

// Clear removes the persisted state.
func (s *RedisStore) Clear(ctx context.Context) error {
	if err := s.redis.Del(ctx, RedisKeyWindowState).Err(); err != nil {
		return fmt.Errorf("clear window state: %w", err)
	}
	return nil
}
