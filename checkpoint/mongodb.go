package checkpoint

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoStore implements Store using MongoDB.
// Tokens are stored as documents with the feed ID as the key.
//
// Document structure:
//
//	{
//	    "_id": "orders",
//	    "token": "{\"Version\":\"2.0\",...}",
//	    "updated_at": ISODate("2024-01-15T10:30:00Z")
//	}
//
// Example:
//
//	store := checkpoint.NewMongoStore(client.Database("myapp").Collection("checkpoints"))
type MongoStore struct {
	collection *mongo.Collection
	ttl        time.Duration
}

// MongoOption configures the MongoDB checkpoint store
type MongoOption func(*MongoStore)

// WithMongoTTL sets a TTL for checkpoint documents.
// MongoDB will automatically remove expired documents.
// This creates a TTL index on the "updated_at" field.
// Default is 0 (no expiration).
func WithMongoTTL(ttl time.Duration) MongoOption {
	return func(s *MongoStore) {
		s.ttl = ttl
	}
}

// checkpointDoc represents the MongoDB document structure
type checkpointDoc struct {
	ID        string    `bson:"_id"`
	Token     string    `bson:"token"`
	UpdatedAt time.Time `bson:"updated_at"`
}

// NewMongoStore creates a new MongoDB-backed checkpoint store.
func NewMongoStore(collection *mongo.Collection, opts ...MongoOption) *MongoStore {
	s := &MongoStore{
		collection: collection,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Indexes returns the index models for the checkpoint collection.
// Use this to create indexes manually or with a migration tool.
//
// Returns:
//   - TTL index on "updated_at" field (if TTL is configured)
func (s *MongoStore) Indexes() []mongo.IndexModel {
	var indexes []mongo.IndexModel

	if s.ttl > 0 {
		indexes = append(indexes, mongo.IndexModel{
			Keys: bson.D{{Key: "updated_at", Value: 1}},
			Options: options.Index().
				SetExpireAfterSeconds(int32(s.ttl.Seconds())).
				SetName("checkpoint_ttl"),
		})
	}

	return indexes
}

// EnsureIndexes creates the required indexes for the checkpoint collection.
// Call this once during application startup.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	indexes := s.Indexes()
	if len(indexes) == 0 {
		return nil
	}
	_, err := s.collection.Indexes().CreateMany(ctx, indexes)
	return err
}

// Save persists the token for a feed.
func (s *MongoStore) Save(ctx context.Context, feedID string, token string) error {
	doc := checkpointDoc{
		ID:        feedID,
		Token:     token,
		UpdatedAt: time.Now(),
	}
	_, err := s.collection.ReplaceOne(ctx, bson.M{"_id": feedID}, doc, options.Replace().SetUpsert(true))
	return err
}

// Load retrieves the last saved token for a feed.
// Returns an empty token and nil error if no checkpoint exists.
func (s *MongoStore) Load(ctx context.Context, feedID string) (string, error) {
	info, err := s.Info(ctx, feedID)
	if err != nil || info == nil {
		return "", err
	}
	return info.Token, nil
}

// Delete removes the token for a feed.
func (s *MongoStore) Delete(ctx context.Context, feedID string) error {
	_, err := s.collection.DeleteOne(ctx, bson.M{"_id": feedID})
	return err
}

// Info returns detailed checkpoint information, or nil if none exists.
func (s *MongoStore) Info(ctx context.Context, feedID string) (*Info, error) {
	var doc checkpointDoc
	err := s.collection.FindOne(ctx, bson.M{"_id": feedID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &Info{FeedID: doc.ID, Token: doc.Token, UpdatedAt: doc.UpdatedAt}, nil
}

var _ Store = (*MongoStore)(nil)
