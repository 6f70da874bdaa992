// Package redis reads partitioned data from Redis Streams.
//
// Every range of the topology is one stream, named "<prefix>:<range id>".
// Items are appended to the stream of the range owning their partition key
// and stream entry IDs serve as continuation: the query state and the
// change feed ETag are both the ID of the last entry read.
//
// Splitting a range copies its entries into the children under their
// original IDs, so a state recorded against the parent is valid in every
// child.
//
// Example:
//
//	topology := partition.NewStaticProvider(partition.NewRange("0", partition.MinKey, partition.MaxKey))
//	src, err := redis.New[Order](client, topology)
//	if err != nil {
//	    return err
//	}
//	_, _ = src.Append(ctx, order.Customer, order)
//	e := crossfeed.NewCrossPartitionEnumerator(topology,
//	    crossfeed.DefaultFactory(src.Query()), nil, nil)
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/rbaliyan/crossfeed"
	"github.com/rbaliyan/crossfeed/partition"
)

// Client defines the Redis operations the source needs.
// Supports *redis.Client, *redis.ClusterClient, and redis.UniversalClient.
type Client interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	XRangeN(ctx context.Context, stream, start, stop string, count int64) *redis.XMessageSliceCmd
	XRevRangeN(ctx context.Context, stream, start, stop string, count int64) *redis.XMessageSliceCmd
	XLen(ctx context.Context, stream string) *redis.IntCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// Topology is a mutable range provider.
// *partition.StaticProvider implements it.
type Topology interface {
	partition.Provider
	Replace(retire []string, replacements ...partition.Range)
	IsLive(id string) bool
}

// Source errors
var (
	// ErrClientRequired is returned when no Redis client is provided.
	ErrClientRequired = errors.New("redis client is required")

	// ErrTopologyRequired is returned when no topology is provided.
	ErrTopologyRequired = errors.New("topology is required")

	// ErrNoOwner is returned when no live range owns a partition key.
	ErrNoOwner = errors.New("no range owns partition key")

	// ErrUnknownRange is returned when splitting a range that is not live.
	ErrUnknownRange = errors.New("unknown range")

	// ErrRangeGone is the cause attached to fetches of retired ranges.
	ErrRangeGone = errors.New("range stream retired")
)

// Stream entry fields
const (
	fieldKey  = "key"
	fieldData = "data"
)

// Item is one stream entry decoded.
type Item[T any] struct {
	ID    string
	Key   string
	Value T
}

// Source is a partitioned Redis Streams data source.
type Source[T any] struct {
	client   Client
	topology Topology
	opts     *options
}

// New creates a source over the given topology.
func New[T any](client Client, topology Topology, opts ...Option) (*Source[T], error) {
	if client == nil {
		return nil, ErrClientRequired
	}
	if topology == nil {
		return nil, ErrTopologyRequired
	}
	return &Source[T]{client: client, topology: topology, opts: newOptions(opts...)}, nil
}

// Stream returns the stream name of a range.
func (s *Source[T]) Stream(rangeID string) string {
	return s.opts.prefix + ":" + rangeID
}

// Provider returns the topology the source routes by.
func (s *Source[T]) Provider() partition.Provider {
	return s.topology
}

// Append adds value to the stream of the range owning key and returns the
// new entry ID.
func (s *Source[T]) Append(ctx context.Context, key string, value T) (string, error) {
	ranges, err := s.topology.Ranges(ctx)
	if err != nil {
		return "", err
	}
	i := s.opts.partitioner.Partition(key, ranges)
	if i < 0 {
		return "", fmt.Errorf("%w: %q", ErrNoOwner, key)
	}

	data, err := s.opts.codec.Marshal(value)
	if err != nil {
		return "", err
	}
	args := &redis.XAddArgs{
		Stream: s.Stream(ranges[i].ID),
		Values: map[string]interface{}{
			fieldKey:  key,
			fieldData: data,
		},
	}
	if s.opts.maxLen > 0 {
		args.MaxLen = s.opts.maxLen
		args.Approx = true
	}
	if s.opts.maxAge > 0 {
		args.MinID = fmt.Sprintf("%d-0", time.Now().Add(-s.opts.maxAge).UnixMilli())
		args.Approx = true
	}
	return s.client.XAdd(ctx, args).Result()
}

// Len returns the number of entries in a range stream.
func (s *Source[T]) Len(ctx context.Context, rangeID string) (int64, error) {
	return s.client.XLen(ctx, s.Stream(rangeID)).Result()
}

// Split replaces a live range with n children of equal hash width. The
// parent's entries are copied to the children under their original IDs and
// the parent stream is deleted once the topology has switched over.
func (s *Source[T]) Split(ctx context.Context, id string, n int) ([]partition.Range, error) {
	if !s.topology.IsLive(id) {
		return nil, fmt.Errorf("split %s: %w", id, ErrUnknownRange)
	}
	parent, err := s.live(ctx, id)
	if err != nil {
		return nil, err
	}
	if n < 2 {
		n = 2
	}
	var children []partition.Range
	for _, kr := range partition.SplitKeyRange(parent.KeyRange, n) {
		children = append(children, partition.Range{ID: uuid.NewString(), KeyRange: kr})
	}
	if len(children) < 2 {
		return nil, fmt.Errorf("split %s: range too narrow", id)
	}

	stream := s.Stream(id)
	start := "-"
	copied := 0
	for {
		msgs, err := s.client.XRangeN(ctx, stream, start, "+", s.opts.copyBatch).Result()
		if err != nil {
			return nil, fmt.Errorf("split %s: %w", id, err)
		}
		for _, m := range msgs {
			key, _ := m.Values[fieldKey].(string)
			owner := partition.Locate(children, partition.EffectiveKey(key))
			if owner < 0 {
				return nil, fmt.Errorf("split %s: entry %s: %w: %q", id, m.ID, ErrNoOwner, key)
			}
			err := s.client.XAdd(ctx, &redis.XAddArgs{
				Stream: s.Stream(children[owner].ID),
				ID:     m.ID,
				Values: m.Values,
			}).Err()
			if err != nil {
				return nil, fmt.Errorf("split %s: copy %s: %w", id, m.ID, err)
			}
			copied++
		}
		if int64(len(msgs)) < s.opts.copyBatch {
			break
		}
		start = nextID(msgs[len(msgs)-1].ID)
	}

	s.topology.Replace([]string{id}, children...)
	if err := s.client.Del(ctx, stream).Err(); err != nil {
		s.opts.logger.Warn("failed to delete split stream", "stream", stream, "error", err)
	}
	s.opts.logger.Debug("range split", "range", parent, "children", len(children), "entries", copied)
	return children, nil
}

func (s *Source[T]) live(ctx context.Context, id string) (partition.Range, error) {
	ranges, err := s.topology.Ranges(ctx)
	if err != nil {
		return partition.Range{}, err
	}
	for _, r := range ranges {
		if r.ID == id {
			return r, nil
		}
	}
	return partition.Range{}, fmt.Errorf("%w: %s", ErrUnknownRange, id)
}

// Query returns a fetcher that pages through each range stream in ID order.
// The state is the ID of the last entry returned.
func (s *Source[T]) Query() crossfeed.Fetcher[Item[T], string] {
	return crossfeed.FetcherFunc[Item[T], string](s.fetchQuery)
}

func (s *Source[T]) fetchQuery(ctx context.Context, r partition.Range, state string, opts crossfeed.FetchOptions) (crossfeed.Page[Item[T], string], error) {
	items, more, err := s.read(ctx, r, state, pageSize(opts))
	if err != nil {
		return crossfeed.Page[Item[T], string]{}, err
	}
	next := state
	if len(items) > 0 {
		next = items[len(items)-1].ID
	}
	return crossfeed.Page[Item[T], string]{
		Items:         items,
		State:         next,
		Done:          !more,
		RequestCharge: float64(len(items)),
	}, nil
}

// ChangeFeed returns a fetcher over the entries appended to each range
// after an ETag. The ETag is the last entry ID seen; ETagNow yields an empty
// page carrying the ID of the newest entry.
func (s *Source[T]) ChangeFeed() crossfeed.Fetcher[Item[T], crossfeed.ETag] {
	return crossfeed.FetcherFunc[Item[T], crossfeed.ETag](s.fetchChanges)
}

func (s *Source[T]) fetchChanges(ctx context.Context, r partition.Range, etag crossfeed.ETag, opts crossfeed.FetchOptions) (crossfeed.Page[Item[T], crossfeed.ETag], error) {
	if etag == crossfeed.ETagNow {
		if err := s.check(ctx, r); err != nil {
			return crossfeed.Page[Item[T], crossfeed.ETag]{}, err
		}
		last, err := s.client.XRevRangeN(ctx, s.Stream(r.ID), "+", "-", 1).Result()
		if err != nil {
			return crossfeed.Page[Item[T], crossfeed.ETag]{}, fmt.Errorf("read %s: %w", r, err)
		}
		tip := crossfeed.ETag("0-0")
		if len(last) > 0 {
			tip = crossfeed.ETag(last[0].ID)
		}
		return crossfeed.Page[Item[T], crossfeed.ETag]{State: tip}, nil
	}

	items, _, err := s.read(ctx, r, string(etag), pageSize(opts))
	if err != nil {
		return crossfeed.Page[Item[T], crossfeed.ETag]{}, err
	}
	if len(items) == 0 {
		return crossfeed.Page[Item[T], crossfeed.ETag]{}, crossfeed.NotModified(r)
	}
	return crossfeed.Page[Item[T], crossfeed.ETag]{
		Items:         items,
		State:         crossfeed.ETag(items[len(items)-1].ID),
		RequestCharge: float64(len(items)),
	}, nil
}

func (s *Source[T]) check(ctx context.Context, r partition.Range) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !s.topology.IsLive(r.ID) {
		return crossfeed.Split(r, ErrRangeGone)
	}
	return nil
}

// read returns up to limit entries after the given ID, and whether more
// entries follow.
func (s *Source[T]) read(ctx context.Context, r partition.Range, after string, limit int) ([]Item[T], bool, error) {
	if err := s.check(ctx, r); err != nil {
		return nil, false, err
	}
	start := "-"
	if after != "" {
		start = nextID(after)
		if start == "" {
			return nil, false, fmt.Errorf("read %s: invalid stream id %q", r, after)
		}
	}

	msgs, err := s.client.XRangeN(ctx, s.Stream(r.ID), start, "+", int64(limit)+1).Result()
	if err != nil {
		if ctx.Err() != nil {
			return nil, false, ctx.Err()
		}
		return nil, false, crossfeed.Transient(r, 0, err)
	}
	more := len(msgs) > limit
	if more {
		msgs = msgs[:limit]
	}

	items := make([]Item[T], 0, len(msgs))
	for _, m := range msgs {
		item, err := s.decode(m)
		if err != nil {
			return nil, false, fmt.Errorf("read %s: entry %s: %w", r, m.ID, err)
		}
		items = append(items, item)
	}
	return items, more, nil
}

func (s *Source[T]) decode(m redis.XMessage) (Item[T], error) {
	item := Item[T]{ID: m.ID}
	item.Key, _ = m.Values[fieldKey].(string)
	data, ok := m.Values[fieldData].(string)
	if !ok {
		return item, fmt.Errorf("missing %q field", fieldData)
	}
	if err := s.opts.codec.Unmarshal([]byte(data), &item.Value); err != nil {
		return item, err
	}
	return item, nil
}

// nextID returns the smallest stream ID greater than id, or "" if id is not
// a valid stream ID.
func nextID(id string) string {
	ms, seq, ok := strings.Cut(id, "-")
	if !ok {
		seq = "0"
	}
	m, err := strconv.ParseUint(ms, 10, 64)
	if err != nil {
		return ""
	}
	n, err := strconv.ParseUint(seq, 10, 64)
	if err != nil {
		return ""
	}
	return fmt.Sprintf("%d-%d", m, n+1)
}

func pageSize(opts crossfeed.FetchOptions) int {
	if opts.PageSizeHint > 0 {
		return opts.PageSizeHint
	}
	return crossfeed.DefaultPageSize
}

// Compile-time checks
var (
	_ Client   = (*redis.Client)(nil)
	_ Topology = (*partition.StaticProvider)(nil)
)
