package crossfeed

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rbaliyan/crossfeed/ratelimit"
)

func TestRangePageEnumerator(t *testing.T) {
	ctx := context.Background()

	t.Run("walks pages until done", func(t *testing.T) {
		f := NewScriptedFetcher[string, string]().
			Add("A", page("s1", false, "a", "b"), page("s2", true, "c"))
		rec := NewRecordingFetcher[string, string](f)
		e := NewRangePageEnumerator[string, string](rangeA, "", rec, WithPageSizeHint(2), WithEnumeratorTelemetry(false))

		if e.Status() != StatusNotStarted {
			t.Errorf("expected not_started, got %s", e.Status())
		}
		if _, err := e.Current(); !errors.Is(err, ErrNoCurrent) {
			t.Errorf("expected ErrNoCurrent before MoveNext, got %v", err)
		}

		if !e.MoveNext(ctx) {
			t.Fatal("expected a first page")
		}
		p, err := e.Current()
		if err != nil || len(p.Items) != 2 || e.State() != "s1" || e.Status() != StatusHasPage {
			t.Fatalf("unexpected first page %+v state %q status %s err %v", p, e.State(), e.Status(), err)
		}

		if !e.MoveNext(ctx) {
			t.Fatal("expected a final page")
		}
		p, _ = e.Current()
		if !p.Done || e.State() != "s2" || !e.Exhausted() {
			t.Fatalf("unexpected final page %+v state %q status %s", p, e.State(), e.Status())
		}

		if e.MoveNext(ctx) {
			t.Fatal("expected exhaustion")
		}
		if _, err := e.Current(); !errors.Is(err, ErrEnumeratorExhausted) {
			t.Errorf("expected ErrEnumeratorExhausted, got %v", err)
		}

		calls := rec.Calls()
		if len(calls) != 2 {
			t.Fatalf("expected 2 fetches, got %d", len(calls))
		}
		if calls[0].State != "" || calls[1].State != "s1" {
			t.Errorf("unexpected fetch states %q, %q", calls[0].State, calls[1].State)
		}
		if calls[0].Options.PageSizeHint != 2 || calls[0].Options.Mode != ModeQuery {
			t.Errorf("unexpected fetch options %+v", calls[0].Options)
		}
	})

	t.Run("failure keeps the state", func(t *testing.T) {
		boom := errors.New("boom")
		f := NewScriptedFetcher[string, string]().
			Add("A", page("s1", false, "a"), failure(boom), page("s2", true, "b"))
		rec := NewRecordingFetcher[string, string](f)
		e := NewRangePageEnumerator[string, string](rangeA, "", rec)

		e.MoveNext(ctx)
		if !e.MoveNext(ctx) {
			t.Fatal("a failure must not end the enumerator")
		}
		if _, err := e.Current(); !errors.Is(err, boom) {
			t.Errorf("expected boom, got %v", err)
		}
		if e.Status() != StatusErrored || e.State() != "s1" {
			t.Errorf("expected errored at s1, got %s at %q", e.Status(), e.State())
		}

		e.MoveNext(ctx)
		if calls := rec.Calls(); calls[2].State != "s1" {
			t.Errorf("expected retry from s1, got %q", calls[2].State)
		}
	})

	t.Run("cancelled fetch keeps the state", func(t *testing.T) {
		f := NewScriptedFetcher[string, string]().Add("A", page("s1", true, "a"))
		blocking := NewBlockingFetcher[string, string](f)
		e := NewRangePageEnumerator[string, string](rangeA, "s0", blocking)

		cctx, cancel := context.WithCancel(ctx)
		go func() {
			<-blocking.Blocked()
			cancel()
		}()
		if !e.MoveNext(cctx) {
			t.Fatal("cancellation must surface as an error, not exhaustion")
		}
		if _, err := e.Current(); !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
		if e.State() != "s0" {
			t.Errorf("expected state s0, got %q", e.State())
		}

		blocking.Release()
		e.MoveNext(ctx)
		if p, err := e.Current(); err != nil || p.State != "s1" {
			t.Errorf("expected retry to succeed, got %+v %v", p, err)
		}
	})

	t.Run("waits on the limiter", func(t *testing.T) {
		f := NewScriptedFetcher[string, string]().Add("A", page("s1", true, "a"))
		limiter := ratelimit.NewTokenBucket(0.001, 1)
		limiter.Allow(ctx)
		e := NewRangePageEnumerator[string, string](rangeA, "", f, WithLimiter(limiter))

		tctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()
		e.MoveNext(tctx)
		if _, err := e.Current(); err == nil {
			t.Fatal("expected the limiter to refuse within the deadline")
		}
		if f.Pending("A") != 1 {
			t.Error("limiter failure must not reach the fetcher")
		}
	})
}

func TestStatusString(t *testing.T) {
	for s, want := range map[Status]string{
		StatusNotStarted: "not_started",
		StatusFetching:   "fetching",
		StatusHasPage:    "has_page",
		StatusExhausted:  "exhausted",
		StatusErrored:    "errored",
		Status(42):       "unknown(42)",
	} {
		if s.String() != want {
			t.Errorf("expected %s, got %s", want, s.String())
		}
	}
}
