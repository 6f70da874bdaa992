package crossfeed

import (
	"context"
	"errors"
	"slices"

	"github.com/rbaliyan/crossfeed/partition"
)

// ETag is the change feed state of a range: an opaque marker of the last
// change seen. The empty ETag means "from the beginning" and ETagNow means
// "from the latest change".
type ETag string

// ChangeFeedPage is one step of a change feed.
type ChangeFeedPage[T any] struct {
	// Items are the changes read; empty when NotModified.
	Items []T

	// Range the step read from.
	Range partition.Range

	// ETag of the range after the step.
	ETag ETag

	// NotModified is set when the range had no new changes.
	NotModified bool

	// RequestCharge is the backend cost, if reported.
	RequestCharge float64
}

// ChangeFeed reads changes from every range in a round-robin rotation.
//
// A range that returned changes stays at the front and is read again on the
// next step, so a busy range is drained before moving on. A range with no
// changes moves to the back. A split range is replaced in place by its
// children, each inheriting the parent's ETag. The feed never ends; use
// HasMoreResults to decide when to back off.
//
// Not safe for concurrent use.
//
// Example:
//
//	feed := crossfeed.NewChangeFeed[Order](provider, fetcher)
//	for feed.MoveNext(ctx) {
//	    page, err := feed.Current()
//	    if err != nil {
//	        return err
//	    }
//	    apply(page.Items)
//	    if !feed.HasMoreResults() {
//	        time.Sleep(time.Second)
//	    }
//	}
type ChangeFeed[T any] struct {
	provider partition.Provider
	fetcher  Fetcher[T, ETag]
	opts     *changeFeedOptions
	enumOpts []EnumeratorOption
	metrics  *telemetry

	rotation    []FeedRangeState[ETag]
	initialized bool
	closed      bool

	// idle counts consecutive unchanged steps since the last data.
	idle int

	current    ChangeFeedPage[T]
	err        error
	hasCurrent bool
}

// NewChangeFeed creates a change feed over the provider's ranges.
func NewChangeFeed[T any](provider partition.Provider, fetcher Fetcher[T, ETag], opts ...ChangeFeedOption) *ChangeFeed[T] {
	o := newChangeFeedOptions(opts...)
	f := &ChangeFeed[T]{
		provider: provider,
		fetcher:  fetcher,
		opts:     o,
		enumOpts: append([]EnumeratorOption{WithFetchMode(ModeChangeFeed)}, o.enumerator...),
	}
	if o.telemetry {
		f.metrics = defaultTelemetry()
	}
	return f
}

func (f *ChangeFeed[T]) init(ctx context.Context) error {
	if f.opts.state != nil {
		f.rotation = slices.Clone(f.opts.state.Ranges)
		f.initialized = true
		return nil
	}
	ranges, err := f.provider.Ranges(ctx)
	if err != nil {
		return err
	}
	var etag ETag
	if f.opts.startFrom == StartFromNow {
		etag = ETagNow
	}
	f.rotation = make([]FeedRangeState[ETag], 0, len(ranges))
	for _, r := range ranges {
		f.rotation = append(f.rotation, FeedRangeState[ETag]{Range: r, State: etag})
	}
	f.opts.logger.Debug("change feed started", "ranges", len(ranges), "start_from_now", etag == ETagNow)
	f.initialized = true
	return nil
}

// MoveNext performs one step of the rotation. It returns false only when
// there are no ranges at all, or the feed is closed.
func (f *ChangeFeed[T]) MoveNext(ctx context.Context) bool {
	f.current = ChangeFeedPage[T]{}
	f.err = nil
	f.hasCurrent = false

	if f.closed {
		f.err = ErrClosed
		return false
	}
	if !f.initialized {
		if err := f.init(ctx); err != nil {
			f.err = err
			return true
		}
	}

	for len(f.rotation) > 0 {
		front := f.rotation[0]
		e := NewRangePageEnumerator(front.Range, front.State, f.fetcher, f.enumOpts...)
		e.MoveNext(ctx)
		page, err := e.Current()

		switch Classify(err) {
		case KindNone:
			f.rotation[0].State = e.State()
			if len(page.Items) == 0 {
				f.rotate()
				f.yield(ChangeFeedPage[T]{Range: front.Range, ETag: e.State(), NotModified: true, RequestCharge: page.RequestCharge})
				return true
			}
			f.idle = 0
			f.yield(ChangeFeedPage[T]{Items: page.Items, Range: front.Range, ETag: e.State(), RequestCharge: page.RequestCharge})
			return true

		case KindNotModified:
			f.rotate()
			f.yield(ChangeFeedPage[T]{Range: front.Range, ETag: front.State, NotModified: true})
			return true

		case KindSplit:
			children, cerr := f.provider.ChildRanges(ctx, front.Range)
			if cerr == nil {
				cerr = checkSplit(front.Range, children, err)
			}
			if cerr != nil {
				f.opts.logger.Warn("split not recovered", "range", front.Range, "children", children, "error", cerr)
				f.err = cerr
				return true
			}
			replacement := make([]FeedRangeState[ETag], 0, len(children))
			for _, c := range children {
				replacement = append(replacement, FeedRangeState[ETag]{Range: c, State: front.State})
			}
			f.rotation = slices.Replace(f.rotation, 0, 1, replacement...)
			f.metrics.split(ctx, front.Range, len(children))
			f.opts.logger.Debug("range split", "range", front.Range, "children", len(children))

		case KindMerge:
			f.opts.logger.Warn("range merged", "range", front.Range, "error", err)
			f.err = &FetchError{Kind: KindMerge, Range: front.Range, Err: errors.Join(ErrMergeNotSupported, err)}
			return true

		default:
			f.err = err
			return true
		}
	}
	return false
}

func (f *ChangeFeed[T]) rotate() {
	f.rotation = append(f.rotation[1:], f.rotation[0])
	f.idle++
}

func (f *ChangeFeed[T]) yield(p ChangeFeedPage[T]) {
	f.current = p
	f.hasCurrent = true
}

// Current returns the result of the last MoveNext, or its error.
func (f *ChangeFeed[T]) Current() (ChangeFeedPage[T], error) {
	if f.err != nil {
		return ChangeFeedPage[T]{}, f.err
	}
	if !f.hasCurrent {
		return ChangeFeedPage[T]{}, ErrNoCurrent
	}
	return f.current, nil
}

// HasMoreResults reports whether another step is likely to return changes.
// It turns false once every range in the rotation was found unchanged since
// the last step that returned data.
func (f *ChangeFeed[T]) HasMoreResults() bool {
	return !f.initialized || f.idle < len(f.rotation)
}

// Rotation returns a copy of the rotation, front first.
func (f *ChangeFeed[T]) Rotation() []FeedRangeState[ETag] {
	if !f.initialized && f.opts.state != nil {
		return slices.Clone(f.opts.state.Ranges)
	}
	return slices.Clone(f.rotation)
}

// State returns the rotation as a resumable state, or nil before the first
// MoveNext of a feed created without state.
func (f *ChangeFeed[T]) State() *CrossPartitionState[ETag] {
	if !f.initialized && f.opts.state == nil {
		return nil
	}
	return &CrossPartitionState[ETag]{Ranges: f.Rotation()}
}

// ContinuationToken encodes the rotation in rotation order. It returns an
// empty token before the first MoveNext of a feed created without state.
func (f *ChangeFeed[T]) ContinuationToken() (string, error) {
	st := f.State()
	if st == nil {
		return "", nil
	}
	return EncodeState(*st)
}

// Close stops the feed. Further MoveNext calls return false with ErrClosed.
func (f *ChangeFeed[T]) Close(ctx context.Context) error {
	f.closed = true
	return nil
}
