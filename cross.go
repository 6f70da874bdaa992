package crossfeed

import (
	"container/heap"
	"context"
	"errors"
	"iter"
	"log/slog"
	"slices"

	"github.com/rbaliyan/crossfeed/partition"
)

// Comparer orders enumerators in the merge queue. It must be a pure strict
// weak ordering; negative means a is served before b.
type Comparer[T, S any] func(a, b *RangePageEnumerator[T, S]) int

// ByRange serves ranges in key order: by Min, then Max, then ID.
func ByRange[T, S any](a, b *RangePageEnumerator[T, S]) int {
	return partition.Compare(a.Range(), b.Range())
}

// CrossPartitionEnumerator drains a set of ranges through one ordered stream
// of pages. Ranges are served from a priority queue: the highest-priority
// range fetches one page, which is yielded, and the range goes back into the
// queue until it is exhausted.
//
// Splits are recovered transparently: the split range is replaced by one
// enumerator per child, each resuming from the parent's state. Merges are
// surfaced as ErrMergeNotSupported.
//
// After every yielded page the queue is snapshotted into a
// CrossPartitionState. Passing that state to a new enumerator resumes
// exactly after the page.
//
// Not safe for concurrent use.
//
// Example:
//
//	e := crossfeed.NewCrossPartitionEnumerator(provider,
//	    crossfeed.DefaultFactory[Order, string](fetcher),
//	    crossfeed.ByRange[Order, string], nil)
//	for page, err := range e.All(ctx) {
//	    if err != nil {
//	        return err
//	    }
//	    process(page.Page.Items)
//	    token, _ := page.ContinuationToken()
//	    save(token)
//	}
type CrossPartitionEnumerator[T, S any] struct {
	provider partition.Provider
	factory  EnumeratorFactory[T, S]
	initial  *CrossPartitionState[S]
	logger   *slog.Logger
	metrics  *telemetry

	queue       *enumeratorHeap[T, S]
	initialized bool
	closed      bool

	current    CrossPage[T, S]
	err        error
	hasCurrent bool
}

// NewCrossPartitionEnumerator creates a merge engine over the provider's
// ranges. A nil state fans out to every current range from the beginning;
// otherwise exactly the recorded ranges are restored with their states.
// A nil comparer defaults to ByRange.
func NewCrossPartitionEnumerator[T, S any](provider partition.Provider, factory EnumeratorFactory[T, S], comparer Comparer[T, S], state *CrossPartitionState[S], opts ...Option) *CrossPartitionEnumerator[T, S] {
	o := newMergeOptions(opts...)
	if comparer == nil {
		comparer = ByRange[T, S]
	}
	c := &CrossPartitionEnumerator[T, S]{
		provider: provider,
		factory:  factory,
		logger:   o.logger,
		queue:    &enumeratorHeap[T, S]{cmp: comparer},
	}
	if state != nil {
		clone := state.Clone()
		c.initial = &clone
	}
	if o.telemetry {
		c.metrics = defaultTelemetry()
	} else {
		c.factory = func(r partition.Range, state S) *RangePageEnumerator[T, S] {
			e := factory(r, state)
			e.opts.telemetry = nil
			return e
		}
	}
	return c
}

func (c *CrossPartitionEnumerator[T, S]) init(ctx context.Context) error {
	if c.initial != nil {
		for _, rs := range c.initial.Ranges {
			heap.Push(c.queue, c.factory(rs.Range, rs.State))
		}
		c.logger.Debug("restored ranges", "ranges", len(c.initial.Ranges))
		c.initialized = true
		return nil
	}

	ranges, err := c.provider.Ranges(ctx)
	if err != nil {
		return err
	}
	var zero S
	for _, r := range ranges {
		heap.Push(c.queue, c.factory(r, zero))
	}
	c.logger.Debug("fanned out", "ranges", len(ranges))
	c.initialized = true
	return nil
}

// MoveNext advances to the next non-empty page across all ranges.
// It returns false once every range is exhausted. A failure returns true
// with the error available from Current; the failing range stays queued so
// the next MoveNext retries it.
func (c *CrossPartitionEnumerator[T, S]) MoveNext(ctx context.Context) bool {
	c.current = CrossPage[T, S]{}
	c.err = nil
	c.hasCurrent = false

	if c.closed {
		c.err = ErrClosed
		return false
	}
	if !c.initialized {
		if err := c.init(ctx); err != nil {
			c.err = err
			return true
		}
	}

	for c.queue.Len() > 0 {
		e := heap.Pop(c.queue).(*RangePageEnumerator[T, S])
		if !e.MoveNext(ctx) {
			c.logger.Debug("range exhausted", "range", e.Range())
			continue
		}

		page, err := e.Current()
		if err != nil {
			if c.recover(ctx, e, err) {
				continue
			}
			return true
		}

		if !e.Exhausted() {
			heap.Push(c.queue, e)
		} else {
			c.logger.Debug("range exhausted", "range", e.Range())
		}
		if page.Done && len(page.Items) == 0 {
			continue
		}

		c.current = CrossPage[T, S]{Page: page, Range: e.Range(), State: c.snapshot()}
		c.hasCurrent = true
		return true
	}
	return false
}

// recover handles a failed fetch. It returns true if the loop can continue,
// or false after storing the error to surface.
func (c *CrossPartitionEnumerator[T, S]) recover(ctx context.Context, e *RangePageEnumerator[T, S], err error) bool {
	r := e.Range()
	switch Classify(err) {
	case KindSplit:
		children, cerr := c.provider.ChildRanges(ctx, r)
		if cerr == nil {
			cerr = checkSplit(r, children, err)
		}
		if cerr != nil {
			c.logger.Warn("split not recovered", "range", r, "children", children, "error", cerr)
			heap.Push(c.queue, e)
			c.err = cerr
			return false
		}
		for _, child := range children {
			heap.Push(c.queue, c.factory(child, e.State()))
		}
		c.metrics.split(ctx, r, len(children))
		c.logger.Debug("range split", "range", r, "children", len(children))
		return true

	case KindMerge:
		c.logger.Warn("range merged", "range", r, "error", err)
		heap.Push(c.queue, e)
		c.err = &FetchError{Kind: KindMerge, Range: r, Err: errors.Join(ErrMergeNotSupported, err)}
		return false

	default:
		heap.Push(c.queue, e)
		c.err = err
		return false
	}
}

// snapshot copies the queue into a state in priority order.
func (c *CrossPartitionEnumerator[T, S]) snapshot() CrossPartitionState[S] {
	items := slices.Clone(c.queue.items)
	slices.SortStableFunc(items, c.queue.cmp)
	st := CrossPartitionState[S]{Ranges: make([]FeedRangeState[S], 0, len(items))}
	for _, e := range items {
		st.Ranges = append(st.Ranges, FeedRangeState[S]{Range: e.Range(), State: e.State()})
	}
	return st
}

// Current returns the page produced by the last MoveNext, or its error.
func (c *CrossPartitionEnumerator[T, S]) Current() (CrossPage[T, S], error) {
	if c.err != nil {
		return CrossPage[T, S]{}, c.err
	}
	if !c.hasCurrent {
		return CrossPage[T, S]{}, ErrNoCurrent
	}
	return c.current, nil
}

// State returns the resumable state as of now. It is nil before the first
// MoveNext of an enumerator created without state, meaning "start over",
// and empty once every range is drained.
func (c *CrossPartitionEnumerator[T, S]) State() *CrossPartitionState[S] {
	if !c.initialized {
		if c.initial == nil {
			return nil
		}
		st := c.initial.Clone()
		return &st
	}
	st := c.snapshot()
	return &st
}

// Close releases the enumerator. Further MoveNext calls return false with
// ErrClosed.
func (c *CrossPartitionEnumerator[T, S]) Close(ctx context.Context) error {
	c.closed = true
	return nil
}

// All returns an iterator over the remaining pages. Iteration stops after
// the first error is yielded.
func (c *CrossPartitionEnumerator[T, S]) All(ctx context.Context) iter.Seq2[CrossPage[T, S], error] {
	return func(yield func(CrossPage[T, S], error) bool) {
		for c.MoveNext(ctx) {
			page, err := c.Current()
			if !yield(page, err) || err != nil {
				return
			}
		}
	}
}

// enumeratorHeap implements heap.Interface over range enumerators.
type enumeratorHeap[T, S any] struct {
	items []*RangePageEnumerator[T, S]
	cmp   Comparer[T, S]
}

func (h *enumeratorHeap[T, S]) Len() int           { return len(h.items) }
func (h *enumeratorHeap[T, S]) Less(i, j int) bool { return h.cmp(h.items[i], h.items[j]) < 0 }
func (h *enumeratorHeap[T, S]) Swap(i, j int)      { h.items[i], h.items[j] = h.items[j], h.items[i] }

func (h *enumeratorHeap[T, S]) Push(x any) {
	h.items = append(h.items, x.(*RangePageEnumerator[T, S]))
}

func (h *enumeratorHeap[T, S]) Pop() any {
	old := h.items
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	h.items = old[:n-1]
	return e
}
