// Package nats reads a NATS JetStream stream as a partitioned change feed.
//
// Messages are published to "<stream>.<bucket>", where the bucket is the
// first byte of the partition key's effective key in hex ("00" to "FE").
// A range is a run of whole buckets and reads through an ordered consumer
// filtered on its buckets' subjects. The ETag of a range is the stream
// sequence of the last message read.
//
// Stream sequences are global to the stream, so a split moves no data: each
// child filters a subset of the parent's buckets and resumes after the
// parent's sequence.
//
// Example:
//
//	js, _ := jetstream.New(conn)
//	topology := partition.NewStaticProvider(nats.BucketRanges(4)...)
//	src, err := nats.New[Order](ctx, js, topology)
//	if err != nil {
//	    return err
//	}
//	_, _ = src.Publish(ctx, order.Customer, order)
//	feed := crossfeed.NewChangeFeed(topology, src.ChangeFeed())
package nats

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/rbaliyan/crossfeed"
	"github.com/rbaliyan/crossfeed/partition"
)

// Errors
var (
	ErrJetStreamRequired = errors.New("jetstream context is required")
	ErrTopologyRequired  = errors.New("topology is required")
	ErrUnaligned         = errors.New("range bounds are not bucket aligned")
	ErrUnknownRange      = errors.New("unknown range")
	ErrRangeGone         = errors.New("range retired")
	ErrBadETag           = errors.New("nats etag is not a stream sequence")
)

// KeyHeader carries the partition key of a message.
const KeyHeader = "Crossfeed-Key"

// buckets is the number of subject buckets; bucket "FF" is never used
// because effective keys stay below MaxKey.
const buckets = 0xFF

// JetStream defines the JetStream operations the source needs.
// Supports jetstream.JetStream.
type JetStream interface {
	CreateOrUpdateStream(ctx context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error)
	PublishMsg(ctx context.Context, msg *nats.Msg, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// Topology is a mutable range provider.
// *partition.StaticProvider implements it.
type Topology interface {
	partition.Provider
	Replace(retire []string, replacements ...partition.Range)
	IsLive(id string) bool
}

// Record is one consumed message.
type Record[T any] struct {
	Key      string
	Subject  string
	Sequence uint64
	Value    T
}

// Source is a JetStream stream read as a partitioned change feed.
type Source[T any] struct {
	js       JetStream
	stream   jetstream.Stream
	topology Topology
	opts     *options
}

// New creates or updates the stream and returns a source over it. Every
// live range must be bucket aligned; BucketRanges builds such a topology.
func New[T any](ctx context.Context, js JetStream, topology Topology, opts ...Option) (*Source[T], error) {
	if js == nil {
		return nil, ErrJetStreamRequired
	}
	if topology == nil {
		return nil, ErrTopologyRequired
	}
	ranges, err := topology.Ranges(ctx)
	if err != nil {
		return nil, err
	}
	for _, r := range ranges {
		if !aligned(r.Min) || !aligned(r.Max) {
			return nil, fmt.Errorf("%w: %s", ErrUnaligned, r)
		}
	}

	o := newOptions(opts...)
	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     o.stream,
		Subjects: []string{o.stream + ".*"},
		Replicas: o.replicas,
		MaxAge:   o.maxAge,
	})
	if err != nil {
		return nil, fmt.Errorf("create stream %s: %w", o.stream, err)
	}
	o.logger.Debug("stream ready", "stream", o.stream, "ranges", len(ranges))
	return &Source[T]{js: js, stream: stream, topology: topology, opts: o}, nil
}

// BucketRanges returns n ranges of whole buckets tiling the key space.
func BucketRanges(n int) []partition.Range {
	return cut(partition.FullKeyRange, n, func(i int) string { return strconv.Itoa(i) })
}

// Publish sends value to the bucket subject of key.
func (s *Source[T]) Publish(ctx context.Context, key string, value T) (uint64, error) {
	data, err := s.opts.codec.Marshal(value)
	if err != nil {
		return 0, err
	}
	msg := &nats.Msg{
		Subject: s.subject(bucketOf(partition.EffectiveKey(key))),
		Data:    data,
		Header:  nats.Header{KeyHeader: []string{key}},
	}
	ack, err := s.js.PublishMsg(ctx, msg)
	if err != nil {
		return 0, err
	}
	return ack.Sequence, nil
}

// Split replaces a live range with n children of whole buckets. No data
// moves: the children filter subsets of the parent's subjects.
func (s *Source[T]) Split(ctx context.Context, id string, n int) ([]partition.Range, error) {
	ranges, err := s.topology.Ranges(ctx)
	if err != nil {
		return nil, err
	}
	i := -1
	for j, r := range ranges {
		if r.ID == id {
			i = j
		}
	}
	if i < 0 {
		return nil, fmt.Errorf("split %s: %w", id, ErrUnknownRange)
	}
	if n < 2 {
		n = 2
	}
	children := cut(ranges[i].KeyRange, n, func(int) string { return uuid.NewString() })
	if len(children) < 2 {
		return nil, fmt.Errorf("split %s: range too narrow", id)
	}
	s.topology.Replace([]string{id}, children...)
	s.opts.logger.Debug("range split", "range", ranges[i], "children", len(children))
	return children, nil
}

// ChangeFeed returns a fetcher reading each range after a stream sequence.
// The empty ETag starts at the first message and ETagNow at the last
// sequence of the stream.
func (s *Source[T]) ChangeFeed() crossfeed.Fetcher[Record[T], crossfeed.ETag] {
	return crossfeed.FetcherFunc[Record[T], crossfeed.ETag](s.fetch)
}

func (s *Source[T]) fetch(ctx context.Context, r partition.Range, etag crossfeed.ETag, opts crossfeed.FetchOptions) (crossfeed.Page[Record[T], crossfeed.ETag], error) {
	if err := ctx.Err(); err != nil {
		return crossfeed.Page[Record[T], crossfeed.ETag]{}, err
	}
	if !s.topology.IsLive(r.ID) {
		return crossfeed.Page[Record[T], crossfeed.ETag]{}, crossfeed.Split(r, ErrRangeGone)
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.readTimeout)
	defer cancel()
	info, err := s.stream.Info(ctx)
	if err != nil {
		return crossfeed.Page[Record[T], crossfeed.ETag]{}, classify(ctx, r, err)
	}
	last := info.State.LastSeq

	var after uint64
	switch etag {
	case crossfeed.ETagNow:
		return crossfeed.Page[Record[T], crossfeed.ETag]{State: formatSeq(last)}, nil
	case "":
	default:
		if after, err = strconv.ParseUint(string(etag), 10, 64); err != nil {
			return crossfeed.Page[Record[T], crossfeed.ETag]{}, fmt.Errorf("%w: %q", ErrBadETag, etag)
		}
	}
	if last <= after {
		return crossfeed.Page[Record[T], crossfeed.ETag]{}, crossfeed.NotModified(r)
	}

	cons, err := s.stream.OrderedConsumer(ctx, jetstream.OrderedConsumerConfig{
		FilterSubjects: s.subjects(r),
		DeliverPolicy:  jetstream.DeliverByStartSequencePolicy,
		OptStartSeq:    after + 1,
	})
	if err != nil {
		return crossfeed.Page[Record[T], crossfeed.ETag]{}, classify(ctx, r, err)
	}
	batch, err := cons.FetchNoWait(pageSize(opts))
	if err != nil {
		return crossfeed.Page[Record[T], crossfeed.ETag]{}, classify(ctx, r, err)
	}

	var records []Record[T]
	for msg := range batch.Messages() {
		meta, err := msg.Metadata()
		if err != nil {
			return crossfeed.Page[Record[T], crossfeed.ETag]{}, fmt.Errorf("read %s: %w", r, err)
		}
		rec := Record[T]{Key: msg.Headers().Get(KeyHeader), Subject: msg.Subject(), Sequence: meta.Sequence.Stream}
		if err := s.opts.codec.Unmarshal(msg.Data(), &rec.Value); err != nil {
			return crossfeed.Page[Record[T], crossfeed.ETag]{}, fmt.Errorf("decode %s seq %d: %w", r, rec.Sequence, err)
		}
		records = append(records, rec)
	}
	if err := batch.Error(); err != nil && !errors.Is(err, nats.ErrTimeout) {
		return crossfeed.Page[Record[T], crossfeed.ETag]{}, classify(ctx, r, err)
	}

	// No messages of this range up to last: skip past the other ranges'.
	next := last
	if len(records) > 0 {
		next = records[len(records)-1].Sequence
	}
	return crossfeed.Page[Record[T], crossfeed.ETag]{
		Items:         records,
		State:         formatSeq(next),
		RequestCharge: float64(len(records)),
	}, nil
}

func (s *Source[T]) subject(bucket string) string {
	return s.opts.stream + "." + bucket
}

// subjects lists the bucket subjects of r.
func (s *Source[T]) subjects(r partition.Range) []string {
	var out []string
	for b := 0; b < buckets; b++ {
		if r.Contains(bucketStart(b)) {
			out = append(out, s.subject(fmt.Sprintf("%02X", b)))
		}
	}
	return out
}

// cut divides kr into up to n ranges of whole buckets.
func cut(kr partition.KeyRange, n int, id func(int) string) []partition.Range {
	var first, end int
	for b := 0; b < buckets; b++ {
		if kr.Contains(bucketStart(b)) {
			if end == 0 {
				first = b
			}
			end = b + 1
		}
	}
	width := end - first
	if n > width {
		n = width
	}
	out := make([]partition.Range, 0, n)
	lo := kr.Min
	for i := 0; i < n; i++ {
		hi := kr.Max
		if i < n-1 {
			hi = bucketStart(first + width*(i+1)/n)
		}
		out = append(out, partition.Range{ID: id(i), KeyRange: partition.KeyRange{Min: lo, Max: hi}})
		lo = hi
	}
	return out
}

func bucketStart(b int) string {
	return fmt.Sprintf("%02X000000", b)
}

func bucketOf(epk string) string {
	return epk[:2]
}

// aligned reports whether k is a bucket boundary.
func aligned(k string) bool {
	return k == partition.MinKey || k == partition.MaxKey || (len(k) == 8 && strings.HasSuffix(k, "000000"))
}

// classify marks connection failures as transient.
func classify(ctx context.Context, r partition.Range, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	switch {
	case errors.Is(err, nats.ErrTimeout),
		errors.Is(err, nats.ErrConnectionClosed),
		errors.Is(err, nats.ErrNoResponders),
		errors.Is(err, jetstream.ErrNoHeartbeat):
		return crossfeed.Transient(r, 0, err)
	}
	return fmt.Errorf("fetch %s: %w", r, err)
}

func formatSeq(seq uint64) crossfeed.ETag {
	return crossfeed.ETag(strconv.FormatUint(seq, 10))
}

func pageSize(opts crossfeed.FetchOptions) int {
	if opts.PageSizeHint > 0 {
		return opts.PageSizeHint
	}
	return crossfeed.DefaultPageSize
}

// Compile-time checks
var (
	_ JetStream = (jetstream.JetStream)(nil)
	_ Topology  = (*partition.StaticProvider)(nil)
)
