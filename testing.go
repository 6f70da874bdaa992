package crossfeed

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rbaliyan/crossfeed/partition"
)

// FetchCall is a fetch observed by a RecordingFetcher.
type FetchCall[S any] struct {
	Range     partition.Range
	State     S
	Options   FetchOptions
	Err       error
	Timestamp time.Time
}

// RecordingFetcher wraps a fetcher and records every call.
// Useful for asserting which ranges were read with which states.
type RecordingFetcher[T, S any] struct {
	Fetcher[T, S]
	mu    sync.Mutex
	calls []FetchCall[S]
}

// NewRecordingFetcher creates a fetcher that records all calls to f.
func NewRecordingFetcher[T, S any](f Fetcher[T, S]) *RecordingFetcher[T, S] {
	if f == nil {
		panic("crossfeed: fetcher is required for NewRecordingFetcher")
	}
	return &RecordingFetcher[T, S]{Fetcher: f}
}

// FetchPage records the call and delegates to the wrapped fetcher.
func (f *RecordingFetcher[T, S]) FetchPage(ctx context.Context, r partition.Range, state S, opts FetchOptions) (Page[T, S], error) {
	page, err := f.Fetcher.FetchPage(ctx, r, state, opts)
	f.mu.Lock()
	f.calls = append(f.calls, FetchCall[S]{Range: r, State: state, Options: opts, Err: err, Timestamp: time.Now()})
	f.mu.Unlock()
	return page, err
}

// Calls returns a copy of all recorded calls.
func (f *RecordingFetcher[T, S]) Calls() []FetchCall[S] {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]FetchCall[S], len(f.calls))
	copy(out, f.calls)
	return out
}

// CallsFor returns the recorded calls for one range.
func (f *RecordingFetcher[T, S]) CallsFor(rangeID string) []FetchCall[S] {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []FetchCall[S]
	for _, c := range f.calls {
		if c.Range.ID == rangeID {
			out = append(out, c)
		}
	}
	return out
}

// Reset clears the recorded calls.
func (f *RecordingFetcher[T, S]) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
}

// Response is one scripted fetch result.
type Response[T, S any] struct {
	Page Page[T, S]
	Err  error
}

// ScriptedFetcher replays per-range responses in order. A range whose
// script is used up returns an error.
type ScriptedFetcher[T, S any] struct {
	mu      sync.Mutex
	scripts map[string][]Response[T, S]
}

// NewScriptedFetcher creates an empty scripted fetcher.
func NewScriptedFetcher[T, S any]() *ScriptedFetcher[T, S] {
	return &ScriptedFetcher[T, S]{scripts: make(map[string][]Response[T, S])}
}

// Add appends responses for a range.
func (f *ScriptedFetcher[T, S]) Add(rangeID string, responses ...Response[T, S]) *ScriptedFetcher[T, S] {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts[rangeID] = append(f.scripts[rangeID], responses...)
	return f
}

// Pending returns how many responses are left for a range.
func (f *ScriptedFetcher[T, S]) Pending(rangeID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.scripts[rangeID])
}

// FetchPage returns the next scripted response for r.
func (f *ScriptedFetcher[T, S]) FetchPage(ctx context.Context, r partition.Range, state S, opts FetchOptions) (Page[T, S], error) {
	if err := ctx.Err(); err != nil {
		return Page[T, S]{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	script := f.scripts[r.ID]
	if len(script) == 0 {
		return Page[T, S]{}, fmt.Errorf("crossfeed: no scripted response for %s", r)
	}
	f.scripts[r.ID] = script[1:]
	return script[0].Page, script[0].Err
}

// FailingFetcher wraps a fetcher and fails calls on demand.
type FailingFetcher[T, S any] struct {
	Fetcher[T, S]
	mu        sync.Mutex
	failAll   error
	failNext  int
	failNextE error
}

// NewFailingFetcher creates a fetcher that can be told to fail.
func NewFailingFetcher[T, S any](f Fetcher[T, S]) *FailingFetcher[T, S] {
	return &FailingFetcher[T, S]{Fetcher: f}
}

// FetchPage fails if configured to, else delegates.
func (f *FailingFetcher[T, S]) FetchPage(ctx context.Context, r partition.Range, state S, opts FetchOptions) (Page[T, S], error) {
	f.mu.Lock()
	if f.failAll != nil {
		err := f.failAll
		f.mu.Unlock()
		return Page[T, S]{}, err
	}
	if f.failNext > 0 {
		f.failNext--
		err := f.failNextE
		f.mu.Unlock()
		return Page[T, S]{}, err
	}
	f.mu.Unlock()
	return f.Fetcher.FetchPage(ctx, r, state, opts)
}

// FailAll makes every fetch fail with err until Reset.
func (f *FailingFetcher[T, S]) FailAll(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failAll = err
}

// FailNext makes the next n fetches fail with err.
func (f *FailingFetcher[T, S]) FailNext(n int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failNext = n
	f.failNextE = err
}

// Reset stops failing.
func (f *FailingFetcher[T, S]) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failAll = nil
	f.failNext = 0
}

// BlockingFetcher wraps a fetcher and holds every fetch until released or
// the fetch context is cancelled.
type BlockingFetcher[T, S any] struct {
	Fetcher[T, S]
	mu      sync.Mutex
	release chan struct{}
	blocked chan struct{}
}

// NewBlockingFetcher creates a fetcher that starts blocked.
func NewBlockingFetcher[T, S any](f Fetcher[T, S]) *BlockingFetcher[T, S] {
	return &BlockingFetcher[T, S]{
		Fetcher: f,
		release: make(chan struct{}),
		blocked: make(chan struct{}, 1),
	}
}

// FetchPage waits for Release or cancellation, then delegates.
func (f *BlockingFetcher[T, S]) FetchPage(ctx context.Context, r partition.Range, state S, opts FetchOptions) (Page[T, S], error) {
	f.mu.Lock()
	release := f.release
	f.mu.Unlock()

	select {
	case f.blocked <- struct{}{}:
	default:
	}
	select {
	case <-ctx.Done():
		return Page[T, S]{}, ctx.Err()
	case <-release:
	}
	return f.Fetcher.FetchPage(ctx, r, state, opts)
}

// Blocked returns a channel that receives when a fetch starts waiting.
func (f *BlockingFetcher[T, S]) Blocked() <-chan struct{} {
	return f.blocked
}

// Release lets all current and future fetches through.
func (f *BlockingFetcher[T, S]) Release() {
	f.mu.Lock()
	defer f.mu.Unlock()
	select {
	case <-f.release:
	default:
		close(f.release)
	}
}
