package crossfeed

import (
	"log/slog"
	"time"

	"github.com/rbaliyan/crossfeed/ratelimit"
)

var (
	// DefaultPageSize is the page size hint passed to fetchers when none is set.
	DefaultPageSize = 100

	// DefaultPollDelay is how long a processor idles after a full rotation
	// of unchanged ranges.
	DefaultPollDelay = 5 * time.Second

	// DefaultPollJitter is the jitter factor applied to the poll delay.
	DefaultPollJitter = 0.2
)

// enumeratorOptions configure a RangePageEnumerator.
type enumeratorOptions struct {
	pageSize  int
	mode      FetchMode
	limiter   ratelimit.Limiter
	telemetry *telemetry
}

// EnumeratorOption configures a RangePageEnumerator.
type EnumeratorOption func(*enumeratorOptions)

func newEnumeratorOptions(opts ...EnumeratorOption) *enumeratorOptions {
	o := &enumeratorOptions{pageSize: DefaultPageSize, mode: ModeQuery, telemetry: defaultTelemetry()}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WithPageSizeHint sets the preferred page size. Non-positive values are ignored.
func WithPageSizeHint(n int) EnumeratorOption {
	return func(o *enumeratorOptions) {
		if n > 0 {
			o.pageSize = n
		}
	}
}

// WithLimiter makes the enumerator wait on l before every fetch.
func WithLimiter(l ratelimit.Limiter) EnumeratorOption {
	return func(o *enumeratorOptions) {
		o.limiter = l
	}
}

// WithFetchMode sets the mode passed to the fetcher.
func WithFetchMode(m FetchMode) EnumeratorOption {
	return func(o *enumeratorOptions) {
		o.mode = m
	}
}

// WithEnumeratorTelemetry enables or disables the fetch span and page
// counters (enabled by default).
func WithEnumeratorTelemetry(enabled bool) EnumeratorOption {
	return func(o *enumeratorOptions) {
		o.telemetry = nil
		if enabled {
			o.telemetry = defaultTelemetry()
		}
	}
}

// mergeOptions configure a CrossPartitionEnumerator.
type mergeOptions struct {
	logger    *slog.Logger
	telemetry bool
}

// Option configures a CrossPartitionEnumerator.
type Option func(*mergeOptions)

func newMergeOptions(opts ...Option) *mergeOptions {
	o := &mergeOptions{
		logger:    Logger("crossfeed>merge"),
		telemetry: true,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WithLogger sets the logger. Nil is ignored.
func WithLogger(l *slog.Logger) Option {
	return func(o *mergeOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithTelemetry enables or disables tracing and metrics (enabled by default).
func WithTelemetry(enabled bool) Option {
	return func(o *mergeOptions) {
		o.telemetry = enabled
	}
}

// StartFrom selects where a change feed without a saved state begins.
type StartFrom int

const (
	// StartFromBeginning reads every retained change
	StartFromBeginning StartFrom = iota
	// StartFromNow skips history and only reads changes made after start
	StartFromNow
)

// ETagNow is the ETag sent for ranges of a feed started with StartFromNow.
// Change feed fetchers treat it as "latest".
const ETagNow ETag = "*"

// changeFeedOptions configure a ChangeFeed.
type changeFeedOptions struct {
	state      *CrossPartitionState[ETag]
	startFrom  StartFrom
	logger     *slog.Logger
	telemetry  bool
	enumerator []EnumeratorOption
}

// ChangeFeedOption configures a ChangeFeed.
type ChangeFeedOption func(*changeFeedOptions)

func newChangeFeedOptions(opts ...ChangeFeedOption) *changeFeedOptions {
	o := &changeFeedOptions{
		startFrom: StartFromBeginning,
		logger:    Logger("crossfeed>changefeed"),
		telemetry: true,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WithChangeFeedState resumes the feed from a saved rotation.
func WithChangeFeedState(s *CrossPartitionState[ETag]) ChangeFeedOption {
	return func(o *changeFeedOptions) {
		o.state = s
	}
}

// WithStartFrom sets where a feed without saved state begins.
// Ignored when a state is supplied.
func WithStartFrom(s StartFrom) ChangeFeedOption {
	return func(o *changeFeedOptions) {
		o.startFrom = s
	}
}

// WithChangeFeedLogger sets the logger. Nil is ignored.
func WithChangeFeedLogger(l *slog.Logger) ChangeFeedOption {
	return func(o *changeFeedOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithChangeFeedTelemetry enables or disables tracing and metrics.
func WithChangeFeedTelemetry(enabled bool) ChangeFeedOption {
	return func(o *changeFeedOptions) {
		o.telemetry = enabled
		o.enumerator = append(o.enumerator, WithEnumeratorTelemetry(enabled))
	}
}

// WithChangeFeedEnumeratorOptions applies opts to every range fetch.
func WithChangeFeedEnumeratorOptions(opts ...EnumeratorOption) ChangeFeedOption {
	return func(o *changeFeedOptions) {
		o.enumerator = append(o.enumerator, opts...)
	}
}
