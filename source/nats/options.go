package nats

import (
	"log/slog"
	"time"

	"github.com/rbaliyan/crossfeed"
	"github.com/rbaliyan/crossfeed/codec"
)

// Default configuration
var (
	DefaultStream      = "CROSSFEED"
	DefaultReplicas    = 1
	DefaultMaxAge      = 24 * time.Hour
	DefaultReadTimeout = 2 * time.Second
)

type options struct {
	stream      string
	codec       codec.Codec
	replicas    int
	maxAge      time.Duration
	readTimeout time.Duration
	logger      *slog.Logger
}

// Option configures a Source.
type Option func(*options)

func newOptions(opts ...Option) *options {
	o := &options{
		stream:      DefaultStream,
		codec:       codec.Default(),
		replicas:    DefaultReplicas,
		maxAge:      DefaultMaxAge,
		readTimeout: DefaultReadTimeout,
		logger:      crossfeed.Logger("crossfeed>nats"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WithStream sets the stream name. Subjects are "<stream>.<bucket>".
func WithStream(name string) Option {
	return func(o *options) {
		if name != "" {
			o.stream = name
		}
	}
}

// WithCodec sets the codec for message payloads.
func WithCodec(c codec.Codec) Option {
	return func(o *options) {
		if c != nil {
			o.codec = c
		}
	}
}

// WithReplicas sets the number of replicas for the stream.
func WithReplicas(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.replicas = n
		}
	}
}

// WithMaxAge sets the max age for messages in the stream.
func WithMaxAge(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.maxAge = d
		}
	}
}

// WithReadTimeout bounds the stream calls of one page.
func WithReadTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.readTimeout = d
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
