package kafka

import (
	"log/slog"
	"time"

	"github.com/rbaliyan/crossfeed"
	"github.com/rbaliyan/crossfeed/codec"
)

// Default configuration
var (
	// DefaultReadTimeout bounds how long a page waits for messages the
	// broker reported as available.
	DefaultReadTimeout = 5 * time.Second
)

type options struct {
	codec       codec.Codec
	readTimeout time.Duration
	logger      *slog.Logger
}

// Option configures a Source.
type Option func(*options)

func newOptions(opts ...Option) *options {
	o := &options{
		codec:       codec.Default(),
		readTimeout: DefaultReadTimeout,
		logger:      crossfeed.Logger("crossfeed>kafka"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WithCodec sets the codec for message values.
func WithCodec(c codec.Codec) Option {
	return func(o *options) {
		if c != nil {
			o.codec = c
		}
	}
}

// WithReadTimeout sets how long a page waits for messages.
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
