// Package memory provides an in-process partitioned store that implements
// both the fetch and the topology side of crossfeed.
//
// Items live in one ordered index per range, keyed by log sequence number
// (LSN). Ranges can be split and merged at runtime; fetching a range that
// no longer exists fails with a split or merge error exactly like a remote
// backend would, which makes the store suitable for tests and examples.
//
// Example:
//
//	store := memory.New[Order](memory.WithInitialRanges(4))
//	store.Upsert(order.ID, order.CustomerID, order)
//
//	e := crossfeed.NewCrossPartitionEnumerator(store,
//	    crossfeed.DefaultFactory(store.Query()),
//	    crossfeed.ByRange[memory.Record[Order], string], nil)
package memory

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strconv"
	"sync"

	"github.com/google/btree"
	"github.com/google/uuid"

	"github.com/rbaliyan/crossfeed"
	"github.com/rbaliyan/crossfeed/partition"
)

// Store errors
var (
	// ErrUnknownRange is returned when fetching a range the store never had.
	ErrUnknownRange = errors.New("memory: unknown range")

	// ErrNotAdjacent is returned by Merge when the ranges do not form one
	// contiguous interval.
	ErrNotAdjacent = errors.New("memory: ranges to merge are not adjacent")
)

// Record is a stored item with its placement.
type Record[T any] struct {
	ID           string `json:"id"`
	PartitionKey string `json:"pk"`
	EffectiveKey string `json:"epk"`
	LSN          uint64 `json:"lsn"`
	Value        T      `json:"value"`
}

func lessLSN[T any](a, b Record[T]) bool {
	return a.LSN < b.LSN
}

// rangeData is the physical storage of one live range.
type rangeData[T any] struct {
	r     partition.Range
	items *btree.BTreeG[Record[T]]
	byID  map[string]uint64
}

func newRangeData[T any](r partition.Range, degree int) *rangeData[T] {
	return &rangeData[T]{
		r:     r,
		items: btree.NewG(degree, lessLSN[T]),
		byID:  make(map[string]uint64),
	}
}

func (d *rangeData[T]) put(rec Record[T]) {
	if old, ok := d.byID[rec.ID]; ok {
		d.items.Delete(Record[T]{LSN: old})
	}
	d.items.ReplaceOrInsert(rec)
	d.byID[rec.ID] = rec.LSN
}

func (d *rangeData[T]) remove(id string) {
	if old, ok := d.byID[id]; ok {
		d.items.Delete(Record[T]{LSN: old})
		delete(d.byID, id)
	}
}

// Store is a partitioned in-memory store.
// Safe for concurrent use.
type Store[T any] struct {
	mu       sync.RWMutex
	topology *partition.StaticProvider
	live     map[string]*rangeData[T]
	merged   map[string]bool
	lsn      uint64
	faults   map[string][]error
	fetches  map[string]int
	opts     *options
}

// New creates a store whose key space is tiled by the configured number of
// initial ranges.
func New[T any](opts ...Option) *Store[T] {
	o := newOptions(opts...)
	s := &Store[T]{
		live:    make(map[string]*rangeData[T]),
		merged:  make(map[string]bool),
		faults:  make(map[string][]error),
		fetches: make(map[string]int),
		opts:    o,
	}
	var ranges []partition.Range
	for i, kr := range partition.SplitKeyRange(partition.FullKeyRange, o.initialRanges) {
		r := partition.Range{ID: strconv.Itoa(i), KeyRange: kr}
		ranges = append(ranges, r)
		s.live[r.ID] = newRangeData[T](r, o.degree)
	}
	s.topology = partition.NewStaticProvider(ranges...)
	return s
}

// Upsert writes value under id, placing it by the hash of partitionKey.
// A rewrite of an existing id replaces it and moves it to a new LSN, and to
// another range if the partition key now hashes elsewhere.
func (s *Store[T]) Upsert(id, partitionKey string, value T) Record[T] {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lsn++
	rec := Record[T]{
		ID:           id,
		PartitionKey: partitionKey,
		EffectiveKey: partition.EffectiveKey(partitionKey),
		LSN:          s.lsn,
		Value:        value,
	}
	for _, d := range s.live {
		if d.r.Contains(rec.EffectiveKey) {
			d.put(rec)
		} else {
			d.remove(id)
		}
	}
	return rec
}

// Len returns the number of stored items.
func (s *Store[T]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, d := range s.live {
		n += d.items.Len()
	}
	return n
}

// Ranges implements partition.Provider.
func (s *Store[T]) Ranges(ctx context.Context) ([]partition.Range, error) {
	return s.topology.Ranges(ctx)
}

// ChildRanges implements partition.Provider.
func (s *Store[T]) ChildRanges(ctx context.Context, parent partition.Range) ([]partition.Range, error) {
	return s.topology.ChildRanges(ctx, parent)
}

// EffectiveRange implements partition.Provider.
func (s *Store[T]) EffectiveRange(ctx context.Context, r partition.Range) (partition.KeyRange, error) {
	return s.topology.EffectiveRange(ctx, r)
}

// Split replaces a live range with n children of equal hash width. The
// children receive new IDs and the parent's items.
func (s *Store[T]) Split(id string, n int) ([]partition.Range, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	parent, ok := s.live[id]
	if !ok {
		return nil, fmt.Errorf("split %s: %w", id, ErrUnknownRange)
	}
	if n < 2 {
		n = 2
	}

	var children []partition.Range
	for _, kr := range partition.SplitKeyRange(parent.r.KeyRange, n) {
		children = append(children, partition.Range{ID: uuid.NewString(), KeyRange: kr})
	}
	if len(children) < 2 {
		return nil, fmt.Errorf("split %s: range too narrow", id)
	}

	data := make([]*rangeData[T], len(children))
	for i, c := range children {
		data[i] = newRangeData[T](c, s.opts.degree)
	}
	parent.items.Ascend(func(rec Record[T]) bool {
		for _, d := range data {
			if d.r.Contains(rec.EffectiveKey) {
				d.put(rec)
				break
			}
		}
		return true
	})

	delete(s.live, id)
	for _, d := range data {
		s.live[d.r.ID] = d
	}
	s.topology.Replace([]string{id}, children...)
	s.opts.logger.Debug("range split", "range", parent.r, "children", len(children))
	return children, nil
}

// Merge replaces adjacent live ranges with one range covering all of them.
func (s *Store[T]) Merge(ids ...string) (partition.Range, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(ids) < 2 {
		return partition.Range{}, fmt.Errorf("merge %v: %w", ids, ErrNotAdjacent)
	}
	parts := make([]partition.Range, 0, len(ids))
	for _, id := range ids {
		d, ok := s.live[id]
		if !ok {
			return partition.Range{}, fmt.Errorf("merge %s: %w", id, ErrUnknownRange)
		}
		parts = append(parts, d.r)
	}
	partition.Sort(parts)
	merged := partition.Range{
		ID:       uuid.NewString(),
		KeyRange: partition.KeyRange{Min: parts[0].Min, Max: parts[len(parts)-1].Max},
	}
	if err := partition.CheckTiling(parts, merged.KeyRange); err != nil {
		return partition.Range{}, fmt.Errorf("merge %v: %w: %w", ids, ErrNotAdjacent, err)
	}

	data := newRangeData[T](merged, s.opts.degree)
	for _, p := range parts {
		s.live[p.ID].items.Ascend(func(rec Record[T]) bool {
			data.put(rec)
			return true
		})
		delete(s.live, p.ID)
		s.merged[p.ID] = true
	}
	s.live[merged.ID] = data
	s.topology.Replace(ids, merged)
	s.opts.logger.Debug("ranges merged", "ranges", ids, "range", merged)
	return merged, nil
}

// InjectFault makes the next fetches of a range fail with errs, in order.
func (s *Store[T]) InjectFault(rangeID string, errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[rangeID] = append(s.faults[rangeID], errs...)
}

// Fetches returns how many fetches each range has served, faults included.
func (s *Store[T]) Fetches() map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maps.Clone(s.fetches)
}

// lookup resolves r for a fetch. It must be called with the lock held.
func (s *Store[T]) lookup(r partition.Range) (*rangeData[T], error) {
	s.fetches[r.ID]++
	if errs := s.faults[r.ID]; len(errs) > 0 {
		s.faults[r.ID] = errs[1:]
		return nil, errs[0]
	}
	if d, ok := s.live[r.ID]; ok {
		return d, nil
	}
	if s.merged[r.ID] {
		return nil, crossfeed.Merged(r, fmt.Errorf("range %s was merged", r.ID))
	}
	if s.topology.IsRetired(r.ID) {
		return nil, crossfeed.Split(r, fmt.Errorf("range %s was split", r.ID))
	}
	return nil, fmt.Errorf("fetch %s: %w", r, ErrUnknownRange)
}

// scan returns up to limit records of d with LSN > after, and whether more
// remain.
func scan[T any](d *rangeData[T], after uint64, limit int) ([]Record[T], bool) {
	var out []Record[T]
	more := false
	d.items.AscendGreaterOrEqual(Record[T]{LSN: after + 1}, func(rec Record[T]) bool {
		if len(out) == limit {
			more = true
			return false
		}
		out = append(out, rec)
		return true
	})
	return out, more
}

// maxLSN returns the highest LSN stored in d, or 0.
func maxLSN[T any](d *rangeData[T]) uint64 {
	if rec, ok := d.items.Max(); ok {
		return rec.LSN
	}
	return 0
}

var _ partition.Provider = (*Store[int])(nil)
