package crossfeed

import (
	"context"
	"fmt"

	"github.com/rbaliyan/crossfeed/partition"
)

// Status is the lifecycle state of a RangePageEnumerator.
type Status int

const (
	// StatusNotStarted - no fetch has been attempted
	StatusNotStarted Status = iota
	// StatusFetching - a fetch is in flight
	StatusFetching
	// StatusHasPage - the last fetch produced a page and more may follow
	StatusHasPage
	// StatusExhausted - the last page was final; terminal
	StatusExhausted
	// StatusErrored - the last fetch failed; the next MoveNext retries it
	StatusErrored
)

// String returns a string representation of the status.
func (s Status) String() string {
	switch s {
	case StatusNotStarted:
		return "not_started"
	case StatusFetching:
		return "fetching"
	case StatusHasPage:
		return "has_page"
	case StatusExhausted:
		return "exhausted"
	case StatusErrored:
		return "errored"
	default:
		return fmt.Sprintf("unknown(%d)", s)
	}
}

// RangePageEnumerator walks the pages of a single range.
//
// Each MoveNext performs exactly one fetch. A successful fetch advances the
// state to the page's state; a failed one (including cancellation) leaves
// the state untouched so the same fetch can be retried.
//
// Not safe for concurrent use.
//
// Example:
//
//	e := crossfeed.NewRangePageEnumerator(r, "", fetcher)
//	for e.MoveNext(ctx) {
//	    page, err := e.Current()
//	    if err != nil {
//	        return err
//	    }
//	    process(page.Items)
//	}
type RangePageEnumerator[T, S any] struct {
	r       partition.Range
	state   S
	fetcher Fetcher[T, S]
	opts    *enumeratorOptions

	status   Status
	page     Page[T, S]
	err      error
	finished bool
}

// NewRangePageEnumerator creates an enumerator over r starting at state.
// The zero value of S means "from the beginning".
func NewRangePageEnumerator[T, S any](r partition.Range, state S, fetcher Fetcher[T, S], opts ...EnumeratorOption) *RangePageEnumerator[T, S] {
	return &RangePageEnumerator[T, S]{
		r:       r,
		state:   state,
		fetcher: fetcher,
		opts:    newEnumeratorOptions(opts...),
		status:  StatusNotStarted,
	}
}

// MoveNext fetches the next page. It returns false only when the range is
// exhausted, that is after the previous page reported Done. A failed fetch
// returns true with the error available from Current.
func (e *RangePageEnumerator[T, S]) MoveNext(ctx context.Context) bool {
	if e.status == StatusExhausted {
		e.page = Page[T, S]{}
		e.err = nil
		e.finished = true
		return false
	}

	e.status = StatusFetching
	e.page = Page[T, S]{}
	e.err = nil

	if e.opts.limiter != nil {
		if err := e.opts.limiter.Wait(ctx); err != nil {
			e.fail(err)
			return true
		}
	}

	fetchCtx, end := e.opts.telemetry.startFetch(ctx, e.r, e.opts.mode)
	page, err := e.fetcher.FetchPage(fetchCtx, e.r, e.state, FetchOptions{
		PageSizeHint: e.opts.pageSize,
		Mode:         e.opts.mode,
	})
	end(len(page.Items), err)
	if err != nil {
		e.fail(err)
		return true
	}

	e.page = page
	e.state = page.State
	if page.Done {
		e.status = StatusExhausted
	} else {
		e.status = StatusHasPage
	}
	return true
}

func (e *RangePageEnumerator[T, S]) fail(err error) {
	e.err = err
	e.status = StatusErrored
}

// Current returns the page produced by the last MoveNext, or its error.
func (e *RangePageEnumerator[T, S]) Current() (Page[T, S], error) {
	switch {
	case e.finished:
		return Page[T, S]{}, ErrEnumeratorExhausted
	case e.status == StatusErrored:
		return Page[T, S]{}, e.err
	case e.status == StatusHasPage, e.status == StatusExhausted:
		return e.page, nil
	default:
		return Page[T, S]{}, ErrNoCurrent
	}
}

// Range returns the range being enumerated.
func (e *RangePageEnumerator[T, S]) Range() partition.Range {
	return e.r
}

// State returns the state the next fetch will use.
func (e *RangePageEnumerator[T, S]) State() S {
	return e.state
}

// Status returns the lifecycle state.
func (e *RangePageEnumerator[T, S]) Status() Status {
	return e.status
}

// Exhausted reports whether the range has been fully read.
func (e *RangePageEnumerator[T, S]) Exhausted() bool {
	return e.status == StatusExhausted
}

// EnumeratorFactory builds the enumerator for a range at a given state.
type EnumeratorFactory[T, S any] func(r partition.Range, state S) *RangePageEnumerator[T, S]

// DefaultFactory returns a factory that builds enumerators over fetcher.
func DefaultFactory[T, S any](fetcher Fetcher[T, S], opts ...EnumeratorOption) EnumeratorFactory[T, S] {
	return func(r partition.Range, state S) *RangePageEnumerator[T, S] {
		return NewRangePageEnumerator(r, state, fetcher, opts...)
	}
}
