package redis

import (
	"log/slog"
	"time"

	"github.com/rbaliyan/crossfeed"
	"github.com/rbaliyan/crossfeed/codec"
	"github.com/rbaliyan/crossfeed/partition"
)

// Default configuration
var (
	DefaultPrefix    = "crossfeed"
	DefaultMaxLen    = int64(0) // unlimited
	DefaultCopyBatch = int64(500)
)

type options struct {
	prefix      string
	codec       codec.Codec
	partitioner partition.Partitioner
	maxLen      int64
	maxAge      time.Duration
	copyBatch   int64
	logger      *slog.Logger
}

// Option configures a Source.
type Option func(*options)

func newOptions(opts ...Option) *options {
	o := &options{
		prefix:      DefaultPrefix,
		codec:       codec.Default(),
		partitioner: partition.NewHashPartitioner(),
		maxLen:      DefaultMaxLen,
		copyBatch:   DefaultCopyBatch,
		logger:      crossfeed.Logger("crossfeed>redis"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WithPrefix sets the key prefix of the range streams.
func WithPrefix(prefix string) Option {
	return func(o *options) {
		if prefix != "" {
			o.prefix = prefix
		}
	}
}

// WithCodec sets the codec for item values.
func WithCodec(c codec.Codec) Option {
	return func(o *options) {
		if c != nil {
			o.codec = c
		}
	}
}

// WithPartitioner sets how partition keys are routed to ranges.
func WithPartitioner(p partition.Partitioner) Option {
	return func(o *options) {
		if p != nil {
			o.partitioner = p
		}
	}
}

// WithMaxLen caps each range stream (approximate MAXLEN trimming).
func WithMaxLen(n int64) Option {
	return func(o *options) {
		if n > 0 {
			o.maxLen = n
		}
	}
}

// WithMaxAge trims entries older than d on every append (MINID trimming).
// Redis stream IDs are millisecond timestamps, so the cut-off is computed
// from now - d.
func WithMaxAge(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.maxAge = d
		}
	}
}

// WithCopyBatch sets how many entries a split copies per round trip.
func WithCopyBatch(n int64) Option {
	return func(o *options) {
		if n > 0 {
			o.copyBatch = n
		}
	}
}

// WithLogger sets the logger. Nil is ignored.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}
