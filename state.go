package crossfeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/rbaliyan/crossfeed/continuation"
	"github.com/rbaliyan/crossfeed/partition"
)

// FetchMode tells the backend which contract a fetch follows.
type FetchMode int

const (
	// ModeQuery - a paginated read that eventually reports Done
	ModeQuery FetchMode = iota
	// ModeChangeFeed - a conditional read keyed by ETag that never ends
	ModeChangeFeed
)

// FetchOptions are passed to every backend fetch.
type FetchOptions struct {
	// PageSizeHint is the preferred maximum number of items per page.
	// Backends may return fewer (or, if they must, more).
	PageSizeHint int

	// Mode selects query or change feed semantics.
	Mode FetchMode
}

// Page is one batch of results from a single range.
type Page[T, S any] struct {
	// Items in backend order.
	Items []T

	// State is the resume marker for the next fetch from the same range.
	State S

	// Done is set when the backend definitively has no more results for
	// this range. Change feeds never set it.
	Done bool

	// RequestCharge is the backend cost of producing the page, if reported.
	RequestCharge float64

	// ActivityID correlates the page with backend diagnostics, if reported.
	ActivityID string
}

// Fetcher is the backend collaborator: given a range and its state it
// returns the next page or a classified failure (see Classify).
//
// Fetchers must not retain or mutate state; a failed or cancelled fetch must
// leave the caller free to retry with the same state.
type Fetcher[T, S any] interface {
	FetchPage(ctx context.Context, r partition.Range, state S, opts FetchOptions) (Page[T, S], error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc[T, S any] func(ctx context.Context, r partition.Range, state S, opts FetchOptions) (Page[T, S], error)

// FetchPage implements Fetcher.
func (f FetcherFunc[T, S]) FetchPage(ctx context.Context, r partition.Range, state S, opts FetchOptions) (Page[T, S], error) {
	return f(ctx, r, state, opts)
}

// FeedRangeState binds a range to how far along its pagination is.
type FeedRangeState[S any] struct {
	Range partition.Range
	State S
}

// CrossPartitionState is the full resumable state of an in-progress drain:
// every range still to be read, with its state, in priority order.
type CrossPartitionState[S any] struct {
	Ranges []FeedRangeState[S]
}

// NewCrossPartitionState creates a state with every range at its start.
func NewCrossPartitionState[S any](ranges ...partition.Range) *CrossPartitionState[S] {
	st := &CrossPartitionState[S]{Ranges: make([]FeedRangeState[S], 0, len(ranges))}
	for _, r := range ranges {
		st.Ranges = append(st.Ranges, FeedRangeState[S]{Range: r})
	}
	return st
}

// Len returns the number of ranges still to be read.
func (s CrossPartitionState[S]) Len() int {
	return len(s.Ranges)
}

// Clone returns a copy that shares no slice with s.
func (s CrossPartitionState[S]) Clone() CrossPartitionState[S] {
	return CrossPartitionState[S]{Ranges: slices.Clone(s.Ranges)}
}

// ContinuationToken encodes the state as a portable token.
func (s CrossPartitionState[S]) ContinuationToken() (string, error) {
	return EncodeState(s)
}

// CrossPage is a page produced by the merge engine, tagged with the state
// needed to resume immediately after it.
type CrossPage[T, S any] struct {
	Page  Page[T, S]
	Range partition.Range
	State CrossPartitionState[S]
}

// ContinuationToken encodes the resume state as a portable token.
func (p CrossPage[T, S]) ContinuationToken() (string, error) {
	return EncodeState(p.State)
}

// EncodeState serializes state as a latest-version continuation token whose
// source is the composite (range, state) payload. States are encoded with
// encoding/json.
func EncodeState[S any](state CrossPartitionState[S]) (string, error) {
	ranges := make([]continuation.RangeToken, 0, len(state.Ranges))
	for _, rs := range state.Ranges {
		raw, err := json.Marshal(rs.State)
		if err != nil {
			return "", fmt.Errorf("encode state for %s: %w", rs.Range, err)
		}
		ranges = append(ranges, continuation.RangeToken{Range: rs.Range, State: raw})
	}
	payload, err := continuation.EncodeComposite(ranges)
	if err != nil {
		return "", err
	}
	return continuation.Serialize(continuation.New(payload))
}

// DecodeState restores a state serialized by EncodeState. It accepts every
// token version: a bare composite payload, or a V1/V2 wrapper around one.
// Tokens from newer releases fail with continuation.ErrTokenFromTheFuture;
// anything else that does not decode fails with continuation.ErrMalformedToken.
func DecodeState[S any](raw string) (*CrossPartitionState[S], error) {
	payload := []byte(raw)
	if !continuation.IsComposite(payload) {
		tok, err := continuation.Parse(raw)
		if err != nil {
			return nil, err
		}
		latest, err := continuation.ConvertToLatest(tok)
		if err != nil {
			return nil, err
		}
		payload = latest.SourceContinuation
	}
	composite, err := continuation.DecodeComposite(payload)
	if err != nil {
		return nil, err
	}

	state := &CrossPartitionState[S]{Ranges: make([]FeedRangeState[S], 0, len(composite.Ranges))}
	for _, rt := range composite.Ranges {
		var s S
		if err := json.Unmarshal(rt.State, &s); err != nil {
			return nil, &continuation.MalformedTokenError{Raw: raw, Err: fmt.Errorf("state for %s: %w", rt.Range, err)}
		}
		state.Ranges = append(state.Ranges, FeedRangeState[S]{Range: rt.Range, State: s})
	}
	return state, nil
}

// ResolveState re-expands recorded ranges that were split while the drain
// was paused. Each split range is replaced, in place, by its current
// children, each inheriting the recorded state. Live ranges are kept as is.
// A recorded range that was merged into a wider one cannot be resumed and
// fails with ErrMergeNotSupported.
func ResolveState[S any](ctx context.Context, provider partition.Provider, state *CrossPartitionState[S]) (*CrossPartitionState[S], error) {
	if state == nil {
		return nil, nil
	}
	resolved := &CrossPartitionState[S]{Ranges: make([]FeedRangeState[S], 0, len(state.Ranges))}
	for _, rs := range state.Ranges {
		children, err := provider.ChildRanges(ctx, rs.Range)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", rs.Range, err)
		}
		switch {
		case len(children) == 0:
			return nil, fmt.Errorf("resolve %s: %w", rs.Range, ErrNoChildRanges)
		case len(children) == 1 && children[0].ID == rs.Range.ID:
			resolved.Ranges = append(resolved.Ranges, rs)
		case !coversAll(rs.Range, children):
			return nil, &FetchError{Kind: KindMerge, Range: rs.Range, Err: ErrMergeNotSupported}
		default:
			for _, c := range children {
				resolved.Ranges = append(resolved.Ranges, FeedRangeState[S]{Range: c, State: rs.State})
			}
		}
	}
	return resolved, nil
}

// checkSplit validates the children a provider reports for a split of r.
// A stale provider that still lists r is transient; a single different
// range, or children reaching outside r, is a merge.
func checkSplit(r partition.Range, children []partition.Range, cause error) error {
	switch {
	case len(children) == 0:
		return &FetchError{Kind: KindFatal, Range: r, Err: ErrNoChildRanges}
	case len(children) == 1 && children[0].ID == r.ID:
		return &FetchError{Kind: KindTransient, Range: r, Err: errors.Join(ErrStaleTopology, cause)}
	case len(children) == 1, !coversAll(r, children):
		return &FetchError{Kind: KindMerge, Range: r, Err: errors.Join(ErrMergeNotSupported, cause)}
	}
	return nil
}

// coversAll reports whether every child lies inside parent.
func coversAll(parent partition.Range, children []partition.Range) bool {
	return !slices.ContainsFunc(children, func(c partition.Range) bool { return !parent.Covers(c.KeyRange) })
}
