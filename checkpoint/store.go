// Package checkpoint persists continuation tokens so a paused drain or a
// restarted change feed processor resumes where it left off.
//
// Tokens are opaque strings produced by crossfeed.EncodeState; the stores
// never inspect them.
//
// Available implementations:
//   - MemoryStore: in-process, for tests
//   - RedisStore: Redis hash, one field per feed
//   - MongoStore: one document per feed
//
// Usage with a processor:
//
//	store := checkpoint.NewRedisStore(redisClient, "myapp:checkpoints")
//	p := crossfeed.NewProcessor("orders", provider, fetcher, handler,
//	    crossfeed.WithCheckpointStore(store),
//	)
package checkpoint

import (
	"context"
	"time"
)

// Store persists the latest continuation token per feed.
// Implementations should be safe for concurrent use.
type Store interface {
	// Save persists the token for a feed, replacing any previous one.
	Save(ctx context.Context, feedID string, token string) error

	// Load retrieves the last saved token for a feed.
	// Returns an empty token and nil error if none exists (first run).
	Load(ctx context.Context, feedID string) (string, error)

	// Delete removes the token for a feed.
	Delete(ctx context.Context, feedID string) error
}

// Info contains detailed information about a checkpoint
type Info struct {
	FeedID    string
	Token     string
	UpdatedAt time.Time
}
