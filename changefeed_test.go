package crossfeed

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/rbaliyan/crossfeed/partition"
)

func newFeed(provider partition.Provider, f Fetcher[string, ETag], opts ...ChangeFeedOption) *ChangeFeed[string] {
	return NewChangeFeed[string](provider, f, append([]ChangeFeedOption{WithChangeFeedTelemetry(false)}, opts...)...)
}

func step(t *testing.T, feed *ChangeFeed[string], ctx context.Context) ChangeFeedPage[string] {
	t.Helper()
	if !feed.MoveNext(ctx) {
		t.Fatal("expected MoveNext to step")
	}
	p, err := feed.Current()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return p
}

func rotationIDs(feed *ChangeFeed[string]) []string {
	var ids []string
	for _, rs := range feed.Rotation() {
		ids = append(ids, rs.Range.ID)
	}
	return ids
}

func TestChangeFeedRotation(t *testing.T) {
	ctx := context.Background()
	f := NewScriptedFetcher[string, ETag]().
		Add("A", etagFailure(NotModified(rangeA)), etagFailure(NotModified(rangeA))).
		Add("B", etagPage("b1", "x", "y"), etagPage("b2", "z"), etagFailure(NotModified(rangeB)), etagFailure(NotModified(rangeB))).
		Add("C", etagFailure(NotModified(rangeC)), etagPage("c1", "late"))
	rec := NewRecordingFetcher[string, ETag](f)
	feed := newFeed(partition.NewStaticProvider(rangeA, rangeB, rangeC), rec)

	if !feed.HasMoreResults() {
		t.Error("a fresh feed has more results")
	}

	steps := []struct {
		rangeID     string
		items       []string
		notModified bool
		rotation    []string
		hasMore     bool
	}{
		{"A", nil, true, []string{"B", "C", "A"}, true},
		{"B", []string{"x", "y"}, false, []string{"B", "C", "A"}, true},
		{"B", []string{"z"}, false, []string{"B", "C", "A"}, true},
		{"B", nil, true, []string{"C", "A", "B"}, true},
		{"C", nil, true, []string{"A", "B", "C"}, true},
		{"A", nil, true, []string{"B", "C", "A"}, false},
		{"B", nil, true, []string{"C", "A", "B"}, false},
		{"C", []string{"late"}, false, []string{"C", "A", "B"}, true},
	}
	for i, want := range steps {
		p := step(t, feed, ctx)
		if p.Range.ID != want.rangeID || p.NotModified != want.notModified {
			t.Fatalf("step %d: got range %s not modified %v, want %s %v", i, p.Range.ID, p.NotModified, want.rangeID, want.notModified)
		}
		if diff := cmp.Diff(want.items, p.Items); diff != "" {
			t.Errorf("step %d items (-want +got):\n%s", i, diff)
		}
		if diff := cmp.Diff(want.rotation, rotationIDs(feed)); diff != "" {
			t.Errorf("step %d rotation (-want +got):\n%s", i, diff)
		}
		if feed.HasMoreResults() != want.hasMore {
			t.Errorf("step %d: HasMoreResults = %v, want %v", i, feed.HasMoreResults(), want.hasMore)
		}
	}

	var etags []ETag
	for _, c := range rec.CallsFor("B") {
		etags = append(etags, c.State)
	}
	if diff := cmp.Diff([]ETag{"", "b1", "b2", "b2"}, etags); diff != "" {
		t.Errorf("B must be read from its latest ETag (-want +got):\n%s", diff)
	}
	for _, c := range rec.Calls() {
		if c.Options.Mode != ModeChangeFeed {
			t.Errorf("fetch of %s used mode %s", c.Range, c.Options.Mode)
		}
	}
}

func TestChangeFeedEmptyPageIsNotModified(t *testing.T) {
	ctx := context.Background()
	f := NewScriptedFetcher[string, ETag]().Add("A", etagPage("a7"))
	feed := newFeed(partition.NewStaticProvider(rangeA, rangeB), f)

	p := step(t, feed, ctx)
	if !p.NotModified || p.ETag != "a7" {
		t.Errorf("expected not modified at a7, got %+v", p)
	}
	rot := feed.Rotation()
	if rot[1].Range.ID != "A" || rot[1].State != "a7" {
		t.Errorf("expected A at the back with ETag a7, got %+v", rot)
	}
}

func TestChangeFeedSplit(t *testing.T) {
	ctx := context.Background()
	a1 := partition.NewRange("A1", partition.MinKey, "08")
	a2 := partition.NewRange("A2", "08", "10")

	f := NewScriptedFetcher[string, ETag]().
		Add("A", etagPage("a1", "x"), etagFailure(Split(rangeA, nil))).
		Add("A1", etagFailure(NotModified(a1)))
	rec := NewRecordingFetcher[string, ETag](f)
	provider := partition.NewStaticProvider(rangeA, rangeB)
	feed := newFeed(provider, rec)

	step(t, feed, ctx)
	provider.Replace([]string{"A"}, a1, a2)

	p := step(t, feed, ctx)
	if p.Range.ID != "A1" || !p.NotModified {
		t.Errorf("expected A1 not modified, got %+v", p)
	}
	want := []FeedRangeState[ETag]{
		{Range: a2, State: "a1"},
		{Range: rangeB, State: ""},
		{Range: a1, State: "a1"},
	}
	if diff := cmp.Diff(want, feed.Rotation()); diff != "" {
		t.Errorf("rotation mismatch (-want +got):\n%s", diff)
	}
	if calls := rec.CallsFor("A1"); len(calls) != 1 || calls[0].State != "a1" {
		t.Errorf("child must inherit the parent ETag, got %+v", calls)
	}
}

func TestChangeFeedFailures(t *testing.T) {
	ctx := context.Background()

	t.Run("merge", func(t *testing.T) {
		f := NewScriptedFetcher[string, ETag]().Add("A", etagFailure(Merged(rangeA, nil)))
		feed := newFeed(partition.NewStaticProvider(rangeA, rangeB), f)

		if !feed.MoveNext(ctx) {
			t.Fatal("merge must be surfaced")
		}
		if _, err := feed.Current(); !errors.Is(err, ErrMergeNotSupported) {
			t.Errorf("expected ErrMergeNotSupported, got %v", err)
		}
		if diff := cmp.Diff([]string{"A", "B"}, rotationIDs(feed)); diff != "" {
			t.Errorf("rotation must be untouched (-want +got):\n%s", diff)
		}
	})

	t.Run("split without children", func(t *testing.T) {
		provider := newLineageProvider(rangeA)
		provider.children["A"] = nil
		f := NewScriptedFetcher[string, ETag]().Add("A", etagFailure(Split(rangeA, nil)))
		feed := newFeed(provider, f)

		feed.MoveNext(ctx)
		if _, err := feed.Current(); !errors.Is(err, ErrNoChildRanges) {
			t.Errorf("expected ErrNoChildRanges, got %v", err)
		}
	})

	t.Run("split while the provider still lists the range", func(t *testing.T) {
		f := NewScriptedFetcher[string, ETag]().
			Add("A", etagFailure(Split(rangeA, errors.New("gone"))), etagPage("a1", "x"))
		feed := newFeed(partition.NewStaticProvider(rangeA, rangeB), f)

		if !feed.MoveNext(ctx) {
			t.Fatal("a stale split must be surfaced")
		}
		_, err := feed.Current()
		if !IsTransient(err) || !errors.Is(err, ErrStaleTopology) || IsMerge(err) {
			t.Errorf("expected transient stale topology, got %v", err)
		}
		if diff := cmp.Diff([]string{"A", "B"}, rotationIDs(feed)); diff != "" {
			t.Errorf("rotation must be untouched (-want +got):\n%s", diff)
		}
		if p := step(t, feed, ctx); p.Range.ID != "A" || len(p.Items) != 1 {
			t.Errorf("expected retry of A, got %+v", p)
		}
	})

	t.Run("split into ranges outside the parent", func(t *testing.T) {
		provider := newLineageProvider(rangeA, rangeB)
		provider.children["A"] = []partition.Range{
			partition.NewRange("A1", partition.MinKey, "08"),
			partition.NewRange("X", "08", "18"),
		}
		f := NewScriptedFetcher[string, ETag]().Add("A", etagFailure(Split(rangeA, nil)))
		feed := newFeed(provider, f)

		feed.MoveNext(ctx)
		if _, err := feed.Current(); !IsMerge(err) || !errors.Is(err, ErrMergeNotSupported) {
			t.Errorf("expected merge not supported, got %v", err)
		}
		if diff := cmp.Diff([]string{"A", "B"}, rotationIDs(feed)); diff != "" {
			t.Errorf("rotation must be untouched (-want +got):\n%s", diff)
		}
	})

	t.Run("transient keeps the range in front", func(t *testing.T) {
		f := NewScriptedFetcher[string, ETag]().
			Add("A", etagFailure(Transient(rangeA, 0, errors.New("429"))), etagPage("a1", "x"))
		feed := newFeed(partition.NewStaticProvider(rangeA, rangeB), f)

		feed.MoveNext(ctx)
		if _, err := feed.Current(); !IsTransient(err) {
			t.Errorf("expected transient error, got %v", err)
		}
		if p := step(t, feed, ctx); p.Range.ID != "A" || len(p.Items) != 1 {
			t.Errorf("expected retry of A, got %+v", p)
		}
	})

	t.Run("closed", func(t *testing.T) {
		feed := newFeed(partition.NewStaticProvider(rangeA), NewScriptedFetcher[string, ETag]())
		_ = feed.Close(ctx)
		if feed.MoveNext(ctx) {
			t.Error("expected MoveNext to fail after Close")
		}
		if _, err := feed.Current(); !errors.Is(err, ErrClosed) {
			t.Errorf("expected ErrClosed, got %v", err)
		}
	})

	t.Run("no ranges", func(t *testing.T) {
		feed := newFeed(partition.NewStaticProvider(), NewScriptedFetcher[string, ETag]())
		if feed.MoveNext(ctx) {
			t.Error("a feed without ranges cannot step")
		}
	})
}

func TestChangeFeedStartFromNow(t *testing.T) {
	ctx := context.Background()
	f := NewScriptedFetcher[string, ETag]().Add("A", etagPage("a9"))
	rec := NewRecordingFetcher[string, ETag](f)
	feed := newFeed(partition.NewStaticProvider(rangeA), rec, WithStartFrom(StartFromNow))

	step(t, feed, ctx)
	if calls := rec.Calls(); len(calls) != 1 || calls[0].State != ETagNow {
		t.Errorf("expected the first read from now, got %+v", calls)
	}
	if rot := feed.Rotation(); rot[0].State != "a9" {
		t.Errorf("expected ETag a9 after the first read, got %q", rot[0].State)
	}
}

func TestChangeFeedContinuationToken(t *testing.T) {
	ctx := context.Background()
	provider := partition.NewStaticProvider(rangeA, rangeB)
	f := NewScriptedFetcher[string, ETag]().
		Add("A", etagPage("a1", "x"), etagFailure(NotModified(rangeA))).
		Add("B", etagPage("b1", "y"))
	feed := newFeed(provider, f)

	if token, err := feed.ContinuationToken(); err != nil || token != "" {
		t.Errorf("expected empty token before start, got %q, %v", token, err)
	}
	step(t, feed, ctx)
	step(t, feed, ctx)
	token, err := feed.ContinuationToken()
	if err != nil {
		t.Fatal(err)
	}

	state, err := DecodeState[ETag](token)
	if err != nil {
		t.Fatalf("DecodeState failed: %v", err)
	}
	rec := NewRecordingFetcher[string, ETag](f)
	resumed := newFeed(provider, rec, WithChangeFeedState(state))
	if diff := cmp.Diff(feed.Rotation(), resumed.Rotation()); diff != "" {
		t.Errorf("resumed rotation mismatch (-want +got):\n%s", diff)
	}

	p := step(t, resumed, ctx)
	if p.Range.ID != "B" || p.Items[0] != "y" {
		t.Errorf("expected to resume at B, got %+v", p)
	}
	if calls := rec.Calls(); calls[0].State != "" {
		t.Errorf("expected B from the beginning, got %q", calls[0].State)
	}
}
