package identity

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrInvalidState means the state is unknown, expired or already used.
var ErrInvalidState = errors.New("invalid or expired oauth state")

// StateStore keeps short-lived login state values.
type StateStore interface {
	Issue(ctx context.Context, kind Kind) (string, error)
	Consume(ctx context.Context, state string) (Kind, error)
}

const stateKeyPrefix = "auth:oauth:state:"

// RedisStateStore stores one key per pending login.
type RedisStateStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStateStore creates the store. A non-positive ttl defaults to ten minutes.
func NewRedisStateStore(client *redis.Client, ttl time.Duration) *RedisStateStore {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &RedisStateStore{client: client, ttl: ttl}
}

// Issue creates a random state bound to kind.
func (s *RedisStateStore) Issue(ctx context.Context, kind Kind) (string, error) {
	state := uuid.NewString()
	if err := s.client.Set(ctx, stateKeyPrefix+state, string(kind), s.ttl).Err(); err != nil {
		return "", err
	}
	return state, nil
}

// Consume deletes state and returns the provider it was issued for.
func (s *RedisStateStore) Consume(ctx context.Context, state string) (Kind, error) {
	if state == "" {
		return "", ErrInvalidState
	}
	raw, err := s.client.GetDel(ctx, stateKeyPrefix+state).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrInvalidState
		}
		return "", err
	}
	return Kind(raw), nil
}
