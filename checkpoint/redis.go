package checkpoint

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store using Redis.
// Tokens are stored as fields of a single Redis hash keyed by feed ID.
//
// Example:
//
//	store := checkpoint.NewRedisStore(redisClient, "myapp:checkpoints")
//	token, err := store.Load(ctx, "orders")
type RedisStore struct {
	client redis.Cmdable
	key    string
	ttl    time.Duration
}

// RedisOption configures the Redis checkpoint store
type RedisOption func(*RedisStore)

// WithTTL sets a TTL for the checkpoint hash.
// After TTL expires, every feed starts over on its next run.
// Default is 0 (no expiration).
func WithTTL(ttl time.Duration) RedisOption {
	return func(s *RedisStore) {
		s.ttl = ttl
	}
}

// NewRedisStore creates a new Redis-backed checkpoint store.
//
// Parameters:
//   - client: Redis client (supports Cmdable interface for universal client compatibility)
//   - key: Redis hash key to store all checkpoints (e.g., "myapp:checkpoints")
//
// Example:
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	store := checkpoint.NewRedisStore(client, "feeds:checkpoints",
//	    checkpoint.WithTTL(7*24*time.Hour))
func NewRedisStore(client redis.Cmdable, key string, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		client: client,
		key:    key,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Save persists the token for a feed.
func (s *RedisStore) Save(ctx context.Context, feedID string, token string) error {
	if err := s.client.HSet(ctx, s.key, feedID, token).Err(); err != nil {
		return err
	}

	// Refresh TTL if configured
	if s.ttl > 0 {
		s.client.Expire(ctx, s.key, s.ttl)
	}
	return nil
}

// Load retrieves the last saved token for a feed.
// Returns an empty token and nil error if no checkpoint exists.
func (s *RedisStore) Load(ctx context.Context, feedID string) (string, error) {
	token, err := s.client.HGet(ctx, s.key, feedID).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return token, err
}

// Delete removes the token for a feed.
func (s *RedisStore) Delete(ctx context.Context, feedID string) error {
	return s.client.HDel(ctx, s.key, feedID).Err()
}

// DeleteAll removes all checkpoints (useful for testing or cleanup).
func (s *RedisStore) DeleteAll(ctx context.Context) error {
	return s.client.Del(ctx, s.key).Err()
}

// List returns all feed IDs with checkpoints.
func (s *RedisStore) List(ctx context.Context) ([]string, error) {
	return s.client.HKeys(ctx, s.key).Result()
}

// GetAll returns all tokens keyed by feed ID.
func (s *RedisStore) GetAll(ctx context.Context) (map[string]string, error) {
	return s.client.HGetAll(ctx, s.key).Result()
}

var _ Store = (*RedisStore)(nil)
