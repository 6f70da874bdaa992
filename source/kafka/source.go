// Package kafka reads a Kafka topic as a change feed.
//
// Every partition of the topic is one range. The key space is cut into as
// many equal slices as there are partitions and records are produced to
// the partition owning their key, so the ranges tile the key space like any
// other source. The ETag of a range is the next offset to read, in decimal.
//
// Kafka partitions are never split or merged, so the topology is fixed for
// the life of the topic.
//
// IMPORTANT: the producer must use sarama.NewManualPartitioner so that
// records land in the partition chosen here. Config returns a suitable
// configuration.
//
// Example:
//
//	client, _ := sarama.NewClient(brokers, kafka.Config())
//	consumer, _ := sarama.NewConsumerFromClient(client)
//	producer, _ := sarama.NewSyncProducerFromClient(client)
//	src, err := kafka.New[Order](client, consumer, producer, "orders")
//	if err != nil {
//	    return err
//	}
//	feed := crossfeed.NewChangeFeed(src.Provider(), src.ChangeFeed())
package kafka

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/IBM/sarama"

	"github.com/rbaliyan/crossfeed"
	"github.com/rbaliyan/crossfeed/partition"
)

// Errors
var (
	ErrClientRequired = errors.New("kafka client is required")
	ErrTopicRequired  = errors.New("kafka topic is required")
	ErrNoPartitions   = errors.New("kafka topic has no partitions")
	ErrNoOwner        = errors.New("no partition owns key")
	ErrBadETag        = errors.New("kafka etag is not an offset")
)

// Client defines the Kafka operations the source needs.
// Supports sarama.Client.
type Client interface {
	Partitions(topic string) ([]int32, error)
	GetOffset(topic string, partitionID int32, time int64) (int64, error)
}

// Record is one consumed message.
type Record[T any] struct {
	Key       string
	Value     T
	Partition int32
	Offset    int64
	Timestamp time.Time
}

// Source is a Kafka topic read as a partitioned change feed.
type Source[T any] struct {
	client   Client
	consumer sarama.Consumer
	producer sarama.SyncProducer
	topic    string
	topology *partition.StaticProvider
	opts     *options
}

// Config returns a sarama configuration suitable for the source: manual
// partitioning and synchronous produce acknowledgements.
func Config() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Producer.Partitioner = sarama.NewManualPartitioner
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Consumer.Return.Errors = true
	return cfg
}

// New creates a source over topic. The consumer reads pages and the
// producer, which may be nil for read-only use, serves Publish.
func New[T any](client Client, consumer sarama.Consumer, producer sarama.SyncProducer, topic string, opts ...Option) (*Source[T], error) {
	if client == nil || consumer == nil {
		return nil, ErrClientRequired
	}
	if topic == "" {
		return nil, ErrTopicRequired
	}
	partitions, err := client.Partitions(topic)
	if err != nil {
		return nil, fmt.Errorf("list partitions of %s: %w", topic, err)
	}
	if len(partitions) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoPartitions, topic)
	}

	bounds := partition.SplitKeyRange(partition.FullKeyRange, len(partitions))
	if len(bounds) != len(partitions) {
		return nil, fmt.Errorf("%s: cannot cut the key space into %d ranges", topic, len(partitions))
	}
	ranges := make([]partition.Range, len(partitions))
	for i, p := range partitions {
		ranges[i] = partition.Range{ID: strconv.Itoa(int(p)), KeyRange: bounds[i]}
	}

	return &Source[T]{
		client:   client,
		consumer: consumer,
		producer: producer,
		topic:    topic,
		topology: partition.NewStaticProvider(ranges...),
		opts:     newOptions(opts...),
	}, nil
}

// Provider returns the fixed topology: one range per partition.
func (s *Source[T]) Provider() partition.Provider {
	return s.topology
}

// Publish produces value to the partition owning key.
func (s *Source[T]) Publish(ctx context.Context, key string, value T) (int32, int64, error) {
	if s.producer == nil {
		return 0, 0, errors.New("kafka source is read-only")
	}
	ranges, err := s.topology.Ranges(ctx)
	if err != nil {
		return 0, 0, err
	}
	i := partition.Locate(ranges, partition.EffectiveKey(key))
	if i < 0 {
		return 0, 0, fmt.Errorf("%w: %q", ErrNoOwner, key)
	}
	p, err := partitionOf(ranges[i])
	if err != nil {
		return 0, 0, err
	}
	data, err := s.opts.codec.Marshal(value)
	if err != nil {
		return 0, 0, err
	}
	return s.producer.SendMessage(&sarama.ProducerMessage{
		Topic:     s.topic,
		Partition: p,
		Key:       sarama.StringEncoder(key),
		Value:     sarama.ByteEncoder(data),
	})
}

// ChangeFeed returns a fetcher reading each partition from an offset.
// The empty ETag starts at the oldest retained offset and ETagNow at the
// high water mark.
func (s *Source[T]) ChangeFeed() crossfeed.Fetcher[Record[T], crossfeed.ETag] {
	return crossfeed.FetcherFunc[Record[T], crossfeed.ETag](s.fetch)
}

func (s *Source[T]) fetch(ctx context.Context, r partition.Range, etag crossfeed.ETag, opts crossfeed.FetchOptions) (crossfeed.Page[Record[T], crossfeed.ETag], error) {
	if err := ctx.Err(); err != nil {
		return crossfeed.Page[Record[T], crossfeed.ETag]{}, err
	}
	p, err := partitionOf(r)
	if err != nil {
		return crossfeed.Page[Record[T], crossfeed.ETag]{}, err
	}

	newest, err := s.client.GetOffset(s.topic, p, sarama.OffsetNewest)
	if err != nil {
		return crossfeed.Page[Record[T], crossfeed.ETag]{}, classify(r, err)
	}
	var offset int64
	switch etag {
	case crossfeed.ETagNow:
		return crossfeed.Page[Record[T], crossfeed.ETag]{State: formatOffset(newest)}, nil
	case "":
		if offset, err = s.client.GetOffset(s.topic, p, sarama.OffsetOldest); err != nil {
			return crossfeed.Page[Record[T], crossfeed.ETag]{}, classify(r, err)
		}
	default:
		if offset, err = strconv.ParseInt(string(etag), 10, 64); err != nil || offset < 0 {
			return crossfeed.Page[Record[T], crossfeed.ETag]{}, fmt.Errorf("%w: %q", ErrBadETag, etag)
		}
	}
	if offset >= newest {
		return crossfeed.Page[Record[T], crossfeed.ETag]{}, crossfeed.NotModified(r)
	}

	want := newest - offset
	if limit := int64(pageSize(opts)); want > limit {
		want = limit
	}
	records, err := s.consume(ctx, r, p, offset, newest-1, want)
	if err != nil {
		return crossfeed.Page[Record[T], crossfeed.ETag]{}, err
	}
	next := offset
	if len(records) > 0 {
		next = records[len(records)-1].Offset + 1
	}
	return crossfeed.Page[Record[T], crossfeed.ETag]{
		Items:         records,
		State:         formatOffset(next),
		RequestCharge: float64(len(records)),
	}, nil
}

// consume reads up to n messages of partition p starting at offset, and
// stops early at the message with offset last. Compacted and transactional
// topics have offset gaps, so fewer than n messages may exist.
func (s *Source[T]) consume(ctx context.Context, r partition.Range, p int32, offset, last, n int64) ([]Record[T], error) {
	pc, err := s.consumer.ConsumePartition(s.topic, p, offset)
	if err != nil {
		return nil, classify(r, err)
	}
	defer func() {
		if err := pc.Close(); err != nil {
			s.opts.logger.Warn("failed to close partition consumer", "range", r, "error", err)
		}
	}()

	timer := time.NewTimer(s.opts.readTimeout)
	defer timer.Stop()

	records := make([]Record[T], 0, n)
	for int64(len(records)) < n {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			s.opts.logger.Debug("page cut short", "range", r, "read", len(records), "want", n)
			return records, nil
		case err := <-pc.Errors():
			if err == nil {
				return records, nil
			}
			return nil, classify(r, err.Err)
		case msg, ok := <-pc.Messages():
			if !ok {
				return records, nil
			}
			rec := Record[T]{
				Key:       string(msg.Key),
				Partition: msg.Partition,
				Offset:    msg.Offset,
				Timestamp: msg.Timestamp,
			}
			if err := s.opts.codec.Unmarshal(msg.Value, &rec.Value); err != nil {
				return nil, fmt.Errorf("decode %s offset %d: %w", r, msg.Offset, err)
			}
			records = append(records, rec)
			if msg.Offset >= last {
				return records, nil
			}
		}
	}
	return records, nil
}

// classify marks broker availability failures as transient.
func classify(r partition.Range, err error) error {
	var kerr sarama.KError
	switch {
	case errors.Is(err, sarama.ErrOutOfBrokers),
		errors.Is(err, sarama.ErrNotConnected),
		errors.Is(err, sarama.ErrClosedClient):
		return crossfeed.Transient(r, 0, err)
	case errors.As(err, &kerr):
		switch kerr {
		case sarama.ErrNotLeaderForPartition,
			sarama.ErrLeaderNotAvailable,
			sarama.ErrRequestTimedOut,
			sarama.ErrNetworkException,
			sarama.ErrOffsetsLoadInProgress:
			return crossfeed.Transient(r, 0, err)
		}
	}
	return fmt.Errorf("fetch %s: %w", r, err)
}

func partitionOf(r partition.Range) (int32, error) {
	p, err := strconv.ParseInt(r.ID, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("range %s is not a kafka partition: %w", r, err)
	}
	return int32(p), nil
}

func formatOffset(o int64) crossfeed.ETag {
	return crossfeed.ETag(strconv.FormatInt(o, 10))
}

func pageSize(opts crossfeed.FetchOptions) int {
	if opts.PageSizeHint > 0 {
		return opts.PageSizeHint
	}
	return crossfeed.DefaultPageSize
}

// Compile-time check
var _ Client = (sarama.Client)(nil)
