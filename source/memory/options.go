package memory

import (
	"log/slog"

	"github.com/rbaliyan/crossfeed"
)

type options struct {
	initialRanges int
	degree        int
	logger        *slog.Logger
}

// Option configures a Store.
type Option func(*options)

func newOptions(opts ...Option) *options {
	o := &options{
		initialRanges: 1,
		degree:        16,
		logger:        crossfeed.Logger("crossfeed>memory"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WithInitialRanges sets how many equal ranges tile the key space at start.
func WithInitialRanges(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.initialRanges = n
		}
	}
}

// WithDegree sets the B-tree degree of each range index.
func WithDegree(d int) Option {
	return func(o *options) {
		if d >= 2 {
			o.degree = d
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
