package memory

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
	"syreclabs.com/go/faker"

	"github.com/rbaliyan/crossfeed"
	"github.com/rbaliyan/crossfeed/partition"
)

type order struct {
	Customer string
	Amount   int
}

func seed(t *testing.T, s *Store[order], n int) map[string]order {
	t.Helper()
	want := make(map[string]order, n)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("order-%03d", i)
		o := order{Customer: faker.Name().Name(), Amount: faker.RandomInt(1, 1000)}
		s.Upsert(id, id, o)
		want[id] = o
	}
	return want
}

func drain(t *testing.T, ctx context.Context, e *crossfeed.CrossPartitionEnumerator[Record[order], string]) map[string]order {
	t.Helper()
	got := make(map[string]order)
	for page, err := range e.All(ctx) {
		if err != nil {
			t.Fatalf("drain failed: %v", err)
		}
		for _, rec := range page.Page.Items {
			if _, dup := got[rec.ID]; dup {
				t.Fatalf("duplicate record %s", rec.ID)
			}
			got[rec.ID] = rec.Value
		}
	}
	return got
}

func newEnumerator(s *Store[order], state *crossfeed.CrossPartitionState[string], pageSize int) *crossfeed.CrossPartitionEnumerator[Record[order], string] {
	return crossfeed.NewCrossPartitionEnumerator(s,
		crossfeed.DefaultFactory(s.Query(), crossfeed.WithPageSizeHint(pageSize)),
		crossfeed.ByRange[Record[order], string], state, crossfeed.WithTelemetry(false))
}

func TestStoreTopology(t *testing.T) {
	ctx := context.Background()
	s := New[order](WithInitialRanges(4))

	ranges, err := s.Ranges(ctx)
	if err != nil {
		t.Fatalf("Ranges failed: %v", err)
	}
	if len(ranges) != 4 {
		t.Fatalf("expected 4 ranges, got %d", len(ranges))
	}
	if err := partition.CheckTiling(ranges, partition.FullKeyRange); err != nil {
		t.Errorf("initial ranges do not tile the key space: %v", err)
	}

	seed(t, s, 50)
	if s.Len() != 50 {
		t.Errorf("expected 50 records, got %d", s.Len())
	}

	t.Run("upsert replaces by id", func(t *testing.T) {
		first := s.Upsert("dup", "dup", order{Amount: 1})
		second := s.Upsert("dup", "dup", order{Amount: 2})
		if second.LSN <= first.LSN {
			t.Errorf("expected a newer LSN, got %d after %d", second.LSN, first.LSN)
		}
		if s.Len() != 51 {
			t.Errorf("expected 51 records, got %d", s.Len())
		}
	})

	t.Run("upsert moves an id to its new range", func(t *testing.T) {
		moved := New[order](WithInitialRanges(4))
		keyIn := func(r partition.Range) string {
			for i := 0; ; i++ {
				if pk := fmt.Sprintf("pk-%d", i); r.Contains(partition.EffectiveKey(pk)) {
					return pk
				}
			}
		}
		moved.Upsert("x", keyIn(ranges[0]), order{Amount: 1})
		moved.Upsert("x", keyIn(ranges[2]), order{Amount: 2})
		if moved.Len() != 1 {
			t.Fatalf("expected 1 record, got %d", moved.Len())
		}
		got := drain(t, ctx, newEnumerator(moved, nil, 10))
		if diff := cmp.Diff(map[string]order{"x": {Amount: 2}}, got); diff != "" {
			t.Errorf("drain mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("split keeps the tiling", func(t *testing.T) {
		children, err := s.Split(ranges[1].ID, 3)
		if err != nil {
			t.Fatalf("Split failed: %v", err)
		}
		if len(children) != 3 {
			t.Fatalf("expected 3 children, got %d", len(children))
		}
		live, _ := s.Ranges(ctx)
		if err := partition.CheckTiling(live, partition.FullKeyRange); err != nil {
			t.Errorf("ranges after split do not tile: %v", err)
		}
		got, err := s.ChildRanges(ctx, ranges[1])
		if err != nil {
			t.Fatalf("ChildRanges failed: %v", err)
		}
		if diff := cmp.Diff(children, got); diff != "" {
			t.Errorf("children mismatch (-want +got):\n%s", diff)
		}
		if s.Len() != 51 {
			t.Errorf("split lost records: %d", s.Len())
		}
	})

	t.Run("merge rejects non adjacent ranges", func(t *testing.T) {
		_, err := s.Merge(ranges[0].ID, ranges[2].ID)
		if !errors.Is(err, ErrNotAdjacent) {
			t.Errorf("expected ErrNotAdjacent, got %v", err)
		}
	})

	t.Run("merge adjacent ranges", func(t *testing.T) {
		merged, err := s.Merge(ranges[2].ID, ranges[3].ID)
		if err != nil {
			t.Fatalf("Merge failed: %v", err)
		}
		if merged.Min != ranges[2].Min || merged.Max != partition.MaxKey {
			t.Errorf("unexpected merged range %s", merged)
		}
		live, _ := s.Ranges(ctx)
		if err := partition.CheckTiling(live, partition.FullKeyRange); err != nil {
			t.Errorf("ranges after merge do not tile: %v", err)
		}
	})
}

func TestQueryDrain(t *testing.T) {
	ctx := context.Background()

	t.Run("every record exactly once", func(t *testing.T) {
		s := New[order](WithInitialRanges(4))
		want := seed(t, s, 120)

		got := drain(t, ctx, newEnumerator(s, nil, 7))
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("drain mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("split mid drain", func(t *testing.T) {
		s := New[order](WithInitialRanges(2))
		want := seed(t, s, 80)
		e := newEnumerator(s, nil, 5)

		got := make(map[string]order)
		if !e.MoveNext(ctx) {
			t.Fatal("expected a first page")
		}
		page, err := e.Current()
		if err != nil {
			t.Fatalf("first page failed: %v", err)
		}
		for _, rec := range page.Page.Items {
			got[rec.ID] = rec.Value
		}

		if _, err := s.Split(page.Range.ID, 2); err != nil {
			t.Fatalf("Split failed: %v", err)
		}
		for id, v := range drain(t, ctx, e) {
			if _, dup := got[id]; dup {
				t.Fatalf("duplicate record %s after split", id)
			}
			got[id] = v
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("drain mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("resume from a token after a split", func(t *testing.T) {
		s := New[order](WithInitialRanges(3))
		want := seed(t, s, 60)
		e := newEnumerator(s, nil, 4)

		got := make(map[string]order)
		var token string
		for i := 0; i < 3 && e.MoveNext(ctx); i++ {
			page, err := e.Current()
			if err != nil {
				t.Fatalf("page failed: %v", err)
			}
			for _, rec := range page.Page.Items {
				got[rec.ID] = rec.Value
			}
			if token, err = page.ContinuationToken(); err != nil {
				t.Fatalf("ContinuationToken failed: %v", err)
			}
		}

		live, _ := s.Ranges(ctx)
		if _, err := s.Split(live[0].ID, 2); err != nil {
			t.Fatalf("Split failed: %v", err)
		}

		state, err := crossfeed.DecodeState[string](token)
		if err != nil {
			t.Fatalf("DecodeState failed: %v", err)
		}
		state, err = crossfeed.ResolveState(ctx, s, state)
		if err != nil {
			t.Fatalf("ResolveState failed: %v", err)
		}
		for id, v := range drain(t, ctx, newEnumerator(s, state, 4)) {
			if _, dup := got[id]; dup {
				t.Fatalf("duplicate record %s after resume", id)
			}
			got[id] = v
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("drain mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("merge is surfaced", func(t *testing.T) {
		s := New[order](WithInitialRanges(2))
		seed(t, s, 20)
		ranges, _ := s.Ranges(ctx)
		e := newEnumerator(s, nil, 100)
		e.MoveNext(ctx) // initializes and reads the first range
		if _, err := s.Merge(ranges[0].ID, ranges[1].ID); err != nil {
			t.Fatalf("Merge failed: %v", err)
		}
		e.MoveNext(ctx)
		_, err := e.Current()
		if !errors.Is(err, crossfeed.ErrMergeNotSupported) {
			t.Errorf("expected ErrMergeNotSupported, got %v", err)
		}
		if !crossfeed.IsMerge(err) {
			t.Errorf("expected merge kind, got %v", crossfeed.Classify(err))
		}
	})

	t.Run("transient fault is retried by the caller", func(t *testing.T) {
		s := New[order](WithInitialRanges(2))
		want := seed(t, s, 30)
		ranges, _ := s.Ranges(ctx)
		s.InjectFault(ranges[0].ID, crossfeed.Transient(ranges[0], 0, errors.New("throttled")))

		e := newEnumerator(s, nil, 100)
		got := make(map[string]order)
		failures := 0
		for e.MoveNext(ctx) {
			page, err := e.Current()
			if err != nil {
				if !crossfeed.IsTransient(err) {
					t.Fatalf("expected transient error, got %v", err)
				}
				failures++
				continue
			}
			for _, rec := range page.Page.Items {
				got[rec.ID] = rec.Value
			}
		}
		if failures != 1 {
			t.Errorf("expected 1 surfaced failure, got %d", failures)
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("drain mismatch (-want +got):\n%s", diff)
		}
		if n := s.Fetches()[ranges[0].ID]; n != 2 {
			t.Errorf("expected 2 fetches of the faulty range, got %d", n)
		}
	})
}

func TestChangeFeed(t *testing.T) {
	ctx := context.Background()

	t.Run("reads changes then idles", func(t *testing.T) {
		s := New[order](WithInitialRanges(3))
		want := seed(t, s, 25)
		feed := crossfeed.NewChangeFeed(s, s.ChangeFeed(), crossfeed.WithChangeFeedTelemetry(false))

		got := make(map[string]order)
		for steps := 0; steps < 100 && feed.MoveNext(ctx); steps++ {
			page, err := feed.Current()
			if err != nil {
				t.Fatalf("step failed: %v", err)
			}
			for _, rec := range page.Items {
				got[rec.ID] = rec.Value
			}
			if !feed.HasMoreResults() {
				break
			}
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("changes mismatch (-want +got):\n%s", diff)
		}
		if feed.HasMoreResults() {
			t.Error("expected the feed to be idle")
		}

		s.Upsert("late", "late", order{Amount: 7})
		feed.MoveNext(ctx)
		for {
			page, err := feed.Current()
			if err != nil {
				t.Fatalf("step failed: %v", err)
			}
			if len(page.Items) > 0 {
				if page.Items[0].ID != "late" {
					t.Errorf("expected late change, got %s", page.Items[0].ID)
				}
				break
			}
			if !feed.MoveNext(ctx) {
				t.Fatal("feed ended")
			}
		}
	})

	t.Run("start from now skips history", func(t *testing.T) {
		s := New[order](WithInitialRanges(2))
		seed(t, s, 10)
		feed := crossfeed.NewChangeFeed(s, s.ChangeFeed(),
			crossfeed.WithStartFrom(crossfeed.StartFromNow),
			crossfeed.WithChangeFeedTelemetry(false))

		for i := 0; i < 4; i++ {
			feed.MoveNext(ctx)
			page, err := feed.Current()
			if err != nil {
				t.Fatalf("step failed: %v", err)
			}
			if len(page.Items) != 0 {
				t.Fatalf("expected no history, got %d items", len(page.Items))
			}
		}
		for _, rs := range feed.Rotation() {
			if rs.State == crossfeed.ETagNow || rs.State == "" {
				t.Errorf("expected a concrete ETag for %s, got %q", rs.Range, rs.State)
			}
		}
	})

	t.Run("split children inherit the etag", func(t *testing.T) {
		s := New[order](WithInitialRanges(1))
		seed(t, s, 5)
		feed := crossfeed.NewChangeFeed(s, s.ChangeFeed(), crossfeed.WithChangeFeedTelemetry(false))
		feed.MoveNext(ctx)
		page, err := feed.Current()
		if err != nil || len(page.Items) != 5 {
			t.Fatalf("expected 5 changes, got %d (%v)", len(page.Items), err)
		}

		if _, err := s.Split(page.Range.ID, 2); err != nil {
			t.Fatalf("Split failed: %v", err)
		}
		feed.MoveNext(ctx)
		if _, err := feed.Current(); err != nil {
			t.Fatalf("step after split failed: %v", err)
		}
		rotation := feed.Rotation()
		if len(rotation) != 2 {
			t.Fatalf("expected 2 ranges after split, got %d", len(rotation))
		}
		for _, rs := range rotation {
			if rs.State != page.ETag {
				t.Errorf("expected %s to inherit %q, got %q", rs.Range, page.ETag, rs.State)
			}
		}
	})
}
