package partition

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
)

// Key space boundaries. Effective keys are uppercase hex strings compared
// lexicographically; every key produced by EffectiveKey lies in [MinKey, MaxKey).
const (
	MinKey = ""
	MaxKey = "FF"
)

// Tiling errors
var (
	ErrRangeGap     = errors.New("ranges leave a gap in the key space")
	ErrRangeOverlap = errors.New("ranges overlap")
	ErrEmptyRange   = errors.New("empty key range")
)

// KeyRange is a half-open interval [Min, Max) over the effective key space.
type KeyRange struct {
	Min string `json:"min" bson:"min" msgpack:"min"`
	Max string `json:"max" bson:"max" msgpack:"max"`
}

// FullKeyRange covers the whole key space.
var FullKeyRange = KeyRange{Min: MinKey, Max: MaxKey}

// IsEmpty reports whether the interval contains no keys.
func (k KeyRange) IsEmpty() bool {
	return k.Min >= k.Max
}

// IsFull reports whether the interval is the whole key space.
func (k KeyRange) IsFull() bool {
	return k == FullKeyRange
}

// Contains reports whether key falls inside [Min, Max).
func (k KeyRange) Contains(key string) bool {
	return key >= k.Min && key < k.Max
}

// Overlaps reports whether two intervals share at least one key.
func (k KeyRange) Overlaps(other KeyRange) bool {
	return k.Min < other.Max && other.Min < k.Max
}

// Covers reports whether other lies entirely inside k.
func (k KeyRange) Covers(other KeyRange) bool {
	return k.Min <= other.Min && other.Max <= k.Max
}

// Intersect returns the overlap of two intervals. The result is empty
// when they do not overlap.
func (k KeyRange) Intersect(other KeyRange) KeyRange {
	return KeyRange{Min: max(k.Min, other.Min), Max: min(k.Max, other.Max)}
}

func (k KeyRange) String() string {
	return fmt.Sprintf("[%q, %q)", k.Min, k.Max)
}

// Range is an individually paginated slice of the key space.
type Range struct {
	ID       string `json:"id" bson:"_id" msgpack:"id"`
	KeyRange `bson:",inline" msgpack:",inline"`
}

// NewRange creates a range with the given id and bounds.
func NewRange(id, minKey, maxKey string) Range {
	return Range{ID: id, KeyRange: KeyRange{Min: minKey, Max: maxKey}}
}

func (r Range) String() string {
	return r.ID + r.KeyRange.String()
}

// Compare orders ranges by lower bound, then upper bound, then id.
func Compare(a, b Range) int {
	if c := cmp.Compare(a.Min, b.Min); c != 0 {
		return c
	}
	if c := cmp.Compare(a.Max, b.Max); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}

// Sort orders ranges in place by key range.
func Sort(ranges []Range) {
	slices.SortFunc(ranges, Compare)
}

// Locate returns the index of the range owning the effective key, or -1.
func Locate(ranges []Range, effectiveKey string) int {
	for i, r := range ranges {
		if r.Contains(effectiveKey) {
			return i
		}
	}
	return -1
}

// Overlapping returns the ranges intersecting target, in key order.
func Overlapping(ranges []Range, target KeyRange) []Range {
	var out []Range
	for _, r := range ranges {
		if r.Overlaps(target) {
			out = append(out, r)
		}
	}
	Sort(out)
	return out
}

// CheckTiling verifies that ranges cover target exactly once: no gaps and no
// overlaps. Ranges outside target are ignored.
func CheckTiling(ranges []Range, target KeyRange) error {
	sorted := Overlapping(ranges, target)
	next := target.Min
	for _, r := range sorted {
		if r.IsEmpty() {
			return fmt.Errorf("%w: %s", ErrEmptyRange, r)
		}
		lo := max(r.Min, target.Min)
		if lo > next {
			return fmt.Errorf("%w: %q to %q", ErrRangeGap, next, lo)
		}
		if lo < next {
			return fmt.Errorf("%w: %s", ErrRangeOverlap, r)
		}
		next = min(r.Max, target.Max)
	}
	if next < target.Max {
		return fmt.Errorf("%w: %q to %q", ErrRangeGap, next, target.Max)
	}
	return nil
}

// SplitKeyRange cuts kr into n contiguous sub-ranges of roughly equal hash
// width. Bounds are 8-digit hex points, so kr must have hex bounds.
// Returns kr unchanged when n <= 1 or the range is too narrow to cut.
func SplitKeyRange(kr KeyRange, n int) []KeyRange {
	if n <= 1 {
		return []KeyRange{kr}
	}
	lo := keyPoint(kr.Min)
	hi := keyPoint(kr.Max)
	if hi <= lo || hi-lo < uint64(n) {
		return []KeyRange{kr}
	}
	step := (hi - lo) / uint64(n)
	out := make([]KeyRange, 0, n)
	prev := kr.Min
	for i := 1; i < n; i++ {
		cut := formatPoint(lo + step*uint64(i))
		out = append(out, KeyRange{Min: prev, Max: cut})
		prev = cut
	}
	return append(out, KeyRange{Min: prev, Max: kr.Max})
}
