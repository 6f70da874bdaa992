package crossfeed

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rbaliyan/crossfeed/partition"
)

// Fetch classification sentinels.
// Backends return these (or a *FetchError carrying a Kind) so the merge
// engine can tell topology changes apart from ordinary failures.
// Use errors.Is() to check for them as they are usually wrapped.
var (
	// ErrRangeSplit indicates the target range no longer exists because it
	// was split. The merge engine recovers by fanning out to the children.
	ErrRangeSplit = errors.New("range gone: split")

	// ErrRangeMerged indicates the target range was merged with its
	// neighbours into a wider range.
	ErrRangeMerged = errors.New("range gone: merged")

	// ErrNotModified indicates a change feed range has no new changes since
	// the supplied ETag.
	ErrNotModified = errors.New("not modified")

	// ErrTransient indicates a retryable backend failure such as throttling.
	ErrTransient = errors.New("transient backend failure")
)

// Engine errors.
var (
	// ErrMergeNotSupported is surfaced when a merge is detected. Recovering
	// from a merge needs a fan-in protocol that does not exist yet.
	ErrMergeNotSupported = errors.New("range merge recovery is not implemented")

	// ErrNoChildRanges is surfaced when a split is reported but the
	// provider returns no children for the range.
	ErrNoChildRanges = errors.New("split reported but provider returned no child ranges")

	// ErrStaleTopology is surfaced when a split is reported but the
	// provider still lists the range itself. The range stays queued and
	// the error is transient.
	ErrStaleTopology = errors.New("split reported but provider still lists the range")

	// ErrEnumeratorExhausted is returned when a range enumerator is asked
	// for a page after its range was drained.
	ErrEnumeratorExhausted = errors.New("range enumerator exhausted")

	// ErrNoCurrent is returned by Current before a successful MoveNext.
	ErrNoCurrent = errors.New("no current page")

	// ErrClosed is returned once an enumerator has been closed.
	ErrClosed = errors.New("enumerator closed")
)

// ErrorKind classifies a failed page fetch.
type ErrorKind int

const (
	// KindNone - no error
	KindNone ErrorKind = iota
	// KindSplit - range was split, fan out to children
	KindSplit
	// KindMerge - ranges were merged, not recoverable here
	KindMerge
	// KindNotModified - change feed is caught up for this range
	KindNotModified
	// KindTransient - retry later, possibly after RetryAfter
	KindTransient
	// KindFatal - anything else
	KindFatal
)

// String returns a string representation of the error kind.
func (k ErrorKind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindSplit:
		return "split"
	case KindMerge:
		return "merge"
	case KindNotModified:
		return "not_modified"
	case KindTransient:
		return "transient"
	case KindFatal:
		return "fatal"
	default:
		return fmt.Sprintf("unknown(%d)", k)
	}
}

func (k ErrorKind) sentinel() error {
	switch k {
	case KindSplit:
		return ErrRangeSplit
	case KindMerge:
		return ErrRangeMerged
	case KindNotModified:
		return ErrNotModified
	case KindTransient:
		return ErrTransient
	default:
		return nil
	}
}

// FetchError is a typed failure for a single range fetch.
//
// Example:
//
//	return crossfeed.Page[Order, string]{}, &crossfeed.FetchError{
//	    Kind:       crossfeed.KindTransient,
//	    Range:      r,
//	    RetryAfter: 200 * time.Millisecond,
//	    Err:        err,
//	}
type FetchError struct {
	Kind       ErrorKind
	Range      partition.Range
	RetryAfter time.Duration
	Err        error
}

func (e *FetchError) Error() string {
	msg := fmt.Sprintf("fetch %s: %s", e.Range, e.Kind)
	if e.RetryAfter > 0 {
		msg += fmt.Sprintf(" (retry after %s)", e.RetryAfter)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Is matches the sentinel for the error's kind, so
// errors.Is(&FetchError{Kind: KindSplit}, ErrRangeSplit) holds.
func (e *FetchError) Is(target error) bool {
	s := e.Kind.sentinel()
	return s != nil && s == target
}

// Classify determines the kind of a fetch error.
// Returns KindNone for nil, the Kind of a wrapped *FetchError, the kind of a
// wrapped sentinel, KindTransient for context cancellation and deadline
// errors, and KindFatal for anything else.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindNone
	}
	var fe *FetchError
	if errors.As(err, &fe) && fe.Kind != KindNone {
		return fe.Kind
	}
	switch {
	case errors.Is(err, ErrRangeSplit):
		return KindSplit
	case errors.Is(err, ErrRangeMerged), errors.Is(err, ErrMergeNotSupported):
		return KindMerge
	case errors.Is(err, ErrNotModified):
		return KindNotModified
	case errors.Is(err, ErrTransient),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return KindTransient
	}
	return KindFatal
}

// IsSplit checks if an error reports a range split.
func IsSplit(err error) bool {
	return Classify(err) == KindSplit
}

// IsMerge checks if an error reports a range merge.
func IsMerge(err error) bool {
	return Classify(err) == KindMerge
}

// IsNotModified checks if an error reports a caught-up change feed range.
func IsNotModified(err error) bool {
	return Classify(err) == KindNotModified
}

// IsTransient checks if an error is retryable.
func IsTransient(err error) bool {
	return Classify(err) == KindTransient
}

// RetryAfter returns the backend's retry hint, or 0 if there is none.
func RetryAfter(err error) time.Duration {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.RetryAfter
	}
	return 0
}

// Split wraps err as a split of r.
func Split(r partition.Range, err error) error {
	return &FetchError{Kind: KindSplit, Range: r, Err: err}
}

// Merged wraps err as a merge of r.
func Merged(r partition.Range, err error) error {
	return &FetchError{Kind: KindMerge, Range: r, Err: err}
}

// NotModified reports that r has no new changes.
func NotModified(r partition.Range) error {
	return &FetchError{Kind: KindNotModified, Range: r}
}

// Transient wraps err as a retryable failure on r.
func Transient(r partition.Range, retryAfter time.Duration, err error) error {
	return &FetchError{Kind: KindTransient, Range: r, RetryAfter: retryAfter, Err: err}
}
