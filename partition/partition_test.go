package partition

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
	"syreclabs.com/go/faker"
)

func TestKeyRange(t *testing.T) {
	kr := KeyRange{Min: "10", Max: "20"}

	t.Run("half open bounds", func(t *testing.T) {
		if !kr.Contains("10") {
			t.Error("expected Min to be contained")
		}
		if kr.Contains("20") {
			t.Error("expected Max to be excluded")
		}
		if !kr.Contains("1A000000") {
			t.Error("expected inner key to be contained")
		}
	})

	t.Run("overlap and cover", func(t *testing.T) {
		if kr.Overlaps(KeyRange{Min: "20", Max: "30"}) {
			t.Error("adjacent ranges must not overlap")
		}
		if !kr.Overlaps(KeyRange{Min: "18", Max: "30"}) {
			t.Error("expected overlap")
		}
		if !kr.Covers(KeyRange{Min: "12", Max: "18"}) {
			t.Error("expected cover")
		}
		if kr.Covers(KeyRange{Min: "08", Max: "18"}) {
			t.Error("unexpected cover")
		}
		if got := kr.Intersect(KeyRange{Min: "18", Max: "30"}); got != (KeyRange{Min: "18", Max: "20"}) {
			t.Errorf("unexpected intersection %s", got)
		}
		if !kr.Intersect(KeyRange{Min: "30", Max: "40"}).IsEmpty() {
			t.Error("expected empty intersection")
		}
	})

	t.Run("full range", func(t *testing.T) {
		if !FullKeyRange.IsFull() || kr.IsFull() {
			t.Error("IsFull mismatch")
		}
	})
}

func TestEffectiveKey(t *testing.T) {
	for i := 0; i < 500; i++ {
		key := faker.RandomString(faker.RandomInt(1, 40))
		epk := EffectiveKey(key)
		if len(epk) != 8 {
			t.Fatalf("expected 8 hex digits, got %q", epk)
		}
		if !FullKeyRange.Contains(epk) {
			t.Fatalf("effective key %q outside the key space", epk)
		}
		if EffectiveKey(key) != epk {
			t.Fatalf("effective key of %q is not stable", key)
		}
	}
}

func TestSplitKeyRange(t *testing.T) {
	for _, n := range []int{1, 2, 3, 4, 7, 16} {
		t.Run(fmt.Sprintf("%d parts", n), func(t *testing.T) {
			parts := SplitKeyRange(FullKeyRange, n)
			if len(parts) != n {
				t.Fatalf("expected %d parts, got %d", n, len(parts))
			}
			ranges := make([]Range, len(parts))
			for i, kr := range parts {
				ranges[i] = Range{ID: fmt.Sprint(i), KeyRange: kr}
			}
			if err := CheckTiling(ranges, FullKeyRange); err != nil {
				t.Errorf("parts do not tile: %v", err)
			}
		})
	}

	t.Run("narrow range is not cut", func(t *testing.T) {
		kr := KeyRange{Min: "00000001", Max: "00000002"}
		if got := SplitKeyRange(kr, 4); len(got) != 1 || got[0] != kr {
			t.Errorf("expected the range back, got %v", got)
		}
	})
}

func TestCheckTiling(t *testing.T) {
	tests := []struct {
		name   string
		ranges []Range
		want   error
	}{
		{"exact", []Range{NewRange("b", "80", MaxKey), NewRange("a", MinKey, "80")}, nil},
		{"gap", []Range{NewRange("a", MinKey, "40"), NewRange("b", "80", MaxKey)}, ErrRangeGap},
		{"overlap", []Range{NewRange("a", MinKey, "90"), NewRange("b", "80", MaxKey)}, ErrRangeOverlap},
		{"short", []Range{NewRange("a", MinKey, "80")}, ErrRangeGap},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckTiling(tt.ranges, FullKeyRange)
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestHashPartitioner(t *testing.T) {
	var ranges []Range
	for i, kr := range SplitKeyRange(FullKeyRange, 5) {
		ranges = append(ranges, Range{ID: fmt.Sprint(i), KeyRange: kr})
	}
	p := NewHashPartitioner()
	counts := make(map[int]int)
	for i := 0; i < 1000; i++ {
		idx := p.Partition(fmt.Sprintf("key-%d", i), ranges)
		if idx < 0 {
			t.Fatalf("key-%d has no owner", i)
		}
		counts[idx]++
	}
	if len(counts) != 5 {
		t.Errorf("expected keys in all 5 ranges, got %v", counts)
	}
}

func TestStaticProvider(t *testing.T) {
	ctx := context.Background()
	a := NewRange("a", MinKey, "80")
	b := NewRange("b", "80", MaxKey)
	p := NewStaticProvider(b, a)

	ranges, _ := p.Ranges(ctx)
	if diff := cmp.Diff([]Range{a, b}, ranges); diff != "" {
		t.Errorf("ranges mismatch (-want +got):\n%s", diff)
	}

	t.Run("live range resolves to itself", func(t *testing.T) {
		children, err := p.ChildRanges(ctx, a)
		if err != nil {
			t.Fatalf("ChildRanges failed: %v", err)
		}
		if diff := cmp.Diff([]Range{a}, children); diff != "" {
			t.Errorf("children mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("split", func(t *testing.T) {
		a1 := NewRange("a1", MinKey, "40")
		a2 := NewRange("a2", "40", "80")
		p.Replace([]string{"a"}, a2, a1)

		if p.IsLive("a") || !p.IsRetired("a") {
			t.Error("expected a to be retired")
		}
		children, err := p.ChildRanges(ctx, a)
		if err != nil {
			t.Fatalf("ChildRanges failed: %v", err)
		}
		if diff := cmp.Diff([]Range{a1, a2}, children); diff != "" {
			t.Errorf("children mismatch (-want +got):\n%s", diff)
		}
		kr, err := p.EffectiveRange(ctx, Range{ID: "a"})
		if err != nil || kr != a.KeyRange {
			t.Errorf("expected retired bounds %s, got %s (%v)", a.KeyRange, kr, err)
		}
	})

	t.Run("unknown range", func(t *testing.T) {
		_, err := p.EffectiveRange(ctx, Range{ID: "zz"})
		if !errors.Is(err, ErrRangeNotFound) {
			t.Errorf("expected ErrRangeNotFound, got %v", err)
		}
		_, err = p.ChildRanges(ctx, Range{ID: "zz", KeyRange: KeyRange{Min: "x", Max: "y"}})
		if !errors.Is(err, ErrRangeNotFound) {
			t.Errorf("expected ErrRangeNotFound, got %v", err)
		}
	})
}
