// Package mongo reads partitioned data from a MongoDB collection.
//
// Every document carries its partition key and effective partition key.
// A range is an interval of effective keys, so ranges are logical: a split
// or merge changes the topology only and moves no data. Within a range
// documents are paged in _id order and the page state is the last _id
// returned.
//
// Document structure:
//
//	{
//	    "_id": "order-001",
//	    "pk": "customer-17",
//	    "epk": "5C0A91E2",
//	    "value": { ... }
//	}
//
// Example:
//
//	src, err := mongo.New[Order](db.Collection("orders"), topology)
//	if err != nil {
//	    return err
//	}
//	_ = src.EnsureIndexes(ctx)
//	e := crossfeed.NewCrossPartitionEnumerator(topology,
//	    crossfeed.DefaultFactory(src.Query()), nil, nil)
package mongo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/rbaliyan/crossfeed"
	"github.com/rbaliyan/crossfeed/partition"
)

// Collection defines the MongoDB operations the source needs.
// Supports *mongo.Collection.
type Collection interface {
	Find(ctx context.Context, filter interface{}, opts ...*options.FindOptions) (*mongo.Cursor, error)
	ReplaceOne(ctx context.Context, filter interface{}, replacement interface{}, opts ...*options.ReplaceOptions) (*mongo.UpdateResult, error)
	Indexes() mongo.IndexView
}

// Topology is a range provider that can tell live ranges from retired ones.
// *partition.StaticProvider implements it.
type Topology interface {
	partition.Provider
	IsLive(id string) bool
}

// Source errors
var (
	// ErrCollectionRequired is returned when no collection is provided.
	ErrCollectionRequired = errors.New("mongo collection is required")

	// ErrTopologyRequired is returned when no topology is provided.
	ErrTopologyRequired = errors.New("topology is required")

	// ErrRangeGone is the cause attached to fetches of retired ranges.
	ErrRangeGone = errors.New("range retired")
)

// Document fields
const (
	FieldID           = "_id"
	FieldPartitionKey = "pk"
	FieldEffectiveKey = "epk"
	FieldValue        = "value"
)

// Document is one stored item.
type Document[T any] struct {
	ID           string `bson:"_id"`
	PartitionKey string `bson:"pk"`
	EffectiveKey string `bson:"epk"`
	Value        T      `bson:"value"`
}

// Source is a partitioned MongoDB data source.
type Source[T any] struct {
	collection Collection
	topology   Topology
	logger     *slog.Logger
	indexName  string
}

// Option configures a Source.
type Option func(*sourceOptions)

type sourceOptions struct {
	logger    *slog.Logger
	indexName string
}

// WithLogger sets the logger. Nil is ignored.
func WithLogger(l *slog.Logger) Option {
	return func(o *sourceOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithIndexName sets the name of the (epk, _id) index.
func WithIndexName(name string) Option {
	return func(o *sourceOptions) {
		if name != "" {
			o.indexName = name
		}
	}
}

// New creates a source over the given collection and topology.
func New[T any](collection Collection, topology Topology, opts ...Option) (*Source[T], error) {
	if collection == nil {
		return nil, ErrCollectionRequired
	}
	if topology == nil {
		return nil, ErrTopologyRequired
	}
	o := &sourceOptions{
		logger:    crossfeed.Logger("crossfeed>mongo"),
		indexName: "crossfeed_range_scan",
	}
	for _, opt := range opts {
		opt(o)
	}
	return &Source[T]{collection: collection, topology: topology, logger: o.logger, indexName: o.indexName}, nil
}

// Indexes returns the index models the source relies on.
// Use this to create indexes manually or with a migration tool.
//
// Returns:
//   - Compound index on (epk, _id) serving range scans
func (s *Source[T]) Indexes() []mongo.IndexModel {
	return []mongo.IndexModel{{
		Keys:    bson.D{{Key: FieldEffectiveKey, Value: 1}, {Key: FieldID, Value: 1}},
		Options: options.Index().SetName(s.indexName),
	}}
}

// EnsureIndexes creates the indexes returned by Indexes.
// Call this once during application startup.
func (s *Source[T]) EnsureIndexes(ctx context.Context) error {
	_, err := s.collection.Indexes().CreateMany(ctx, s.Indexes())
	return err
}

// Put stores value under id, routed by partitionKey.
func (s *Source[T]) Put(ctx context.Context, id, partitionKey string, value T) error {
	doc := Document[T]{
		ID:           id,
		PartitionKey: partitionKey,
		EffectiveKey: partition.EffectiveKey(partitionKey),
		Value:        value,
	}
	_, err := s.collection.ReplaceOne(ctx, bson.M{FieldID: id}, doc, options.Replace().SetUpsert(true))
	return err
}

// Query returns a fetcher that pages through each range in _id order.
func (s *Source[T]) Query() crossfeed.Fetcher[Document[T], string] {
	return crossfeed.FetcherFunc[Document[T], string](s.fetch)
}

// Filter returns the range scan filter for documents of r after the given
// _id. An empty after starts at the beginning of the range.
func Filter(r partition.Range, after string) bson.D {
	epk := bson.D{{Key: "$gte", Value: r.Min}}
	if r.Max != "" {
		epk = append(epk, bson.E{Key: "$lt", Value: r.Max})
	}
	filter := bson.D{{Key: FieldEffectiveKey, Value: epk}}
	if after != "" {
		filter = append(filter, bson.E{Key: FieldID, Value: bson.D{{Key: "$gt", Value: after}}})
	}
	return filter
}

func (s *Source[T]) fetch(ctx context.Context, r partition.Range, state string, opts crossfeed.FetchOptions) (crossfeed.Page[Document[T], string], error) {
	if err := ctx.Err(); err != nil {
		return crossfeed.Page[Document[T], string]{}, err
	}
	if !s.topology.IsLive(r.ID) {
		return crossfeed.Page[Document[T], string]{}, crossfeed.Split(r, ErrRangeGone)
	}

	limit := opts.PageSizeHint
	if limit <= 0 {
		limit = crossfeed.DefaultPageSize
	}
	findOpts := options.Find().
		SetSort(bson.D{{Key: FieldID, Value: 1}}).
		SetLimit(int64(limit) + 1)
	cursor, err := s.collection.Find(ctx, Filter(r, state), findOpts)
	if err != nil {
		return crossfeed.Page[Document[T], string]{}, classify(ctx, r, err)
	}
	var docs []Document[T]
	if err := cursor.All(ctx, &docs); err != nil {
		return crossfeed.Page[Document[T], string]{}, classify(ctx, r, err)
	}

	more := len(docs) > limit
	if more {
		docs = docs[:limit]
	}
	next := state
	if len(docs) > 0 {
		next = docs[len(docs)-1].ID
	}
	s.logger.Debug("fetched page", "range", r, "state", state, "items", len(docs))
	return crossfeed.Page[Document[T], string]{
		Items:         docs,
		State:         next,
		Done:          !more,
		RequestCharge: float64(len(docs)),
	}, nil
}

// classify marks network and timeout failures as transient.
func classify(ctx context.Context, r partition.Range, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if mongo.IsNetworkError(err) || mongo.IsTimeout(err) {
		return crossfeed.Transient(r, 0, err)
	}
	return fmt.Errorf("fetch %s: %w", r, err)
}

// Compile-time checks
var (
	_ Collection = (*mongo.Collection)(nil)
	_ Topology   = (*partition.StaticProvider)(nil)
)
