package partition

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
)

// ErrRangeNotFound is returned when a provider has never seen a range.
var ErrRangeNotFound = errors.New("range not found")

// Provider enumerates the live ranges of a container and resolves how the
// topology changed since a range was last seen.
//
// Implementations should be safe for concurrent use; a provider is usually
// backed by a routing cache shared by many feeds.
type Provider interface {
	// Ranges returns the currently live ranges in key order.
	Ranges(ctx context.Context) ([]Range, error)

	// ChildRanges returns the live ranges that now cover parent. After a
	// split this is two or more children; a single result means the range
	// is still live or was merged into a wider range.
	ChildRanges(ctx context.Context, parent Range) ([]Range, error)

	// EffectiveRange returns the physical-partition-independent bounds of r.
	EffectiveRange(ctx context.Context, r Range) (KeyRange, error)
}

// StaticProvider is a Provider over an explicit list of live ranges plus the
// lineage of retired ones. It is used by sources whose topology is decided
// elsewhere (Kafka partitions, NATS subjects) and by tests.
type StaticProvider struct {
	mu      sync.RWMutex
	live    []Range
	retired map[string]Range
}

// NewStaticProvider creates a provider over the given live ranges.
func NewStaticProvider(ranges ...Range) *StaticProvider {
	live := slices.Clone(ranges)
	Sort(live)
	return &StaticProvider{live: live, retired: make(map[string]Range)}
}

// Ranges returns a copy of the live ranges in key order.
func (p *StaticProvider) Ranges(ctx context.Context) ([]Range, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return slices.Clone(p.live), nil
}

// ChildRanges returns the live ranges overlapping parent.
func (p *StaticProvider) ChildRanges(ctx context.Context, parent Range) ([]Range, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	children := Overlapping(p.live, parent.KeyRange)
	if len(children) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrRangeNotFound, parent)
	}
	return children, nil
}

// EffectiveRange returns the recorded bounds for r.ID, falling back to r's
// own bounds for ranges the provider was built with.
func (p *StaticProvider) EffectiveRange(ctx context.Context, r Range) (KeyRange, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, l := range p.live {
		if l.ID == r.ID {
			return l.KeyRange, nil
		}
	}
	if old, ok := p.retired[r.ID]; ok {
		return old.KeyRange, nil
	}
	return KeyRange{}, fmt.Errorf("%w: %s", ErrRangeNotFound, r.ID)
}

// Replace retires the ranges with the given ids and adds replacements.
// It is how tests and operators model splits and merges.
func (p *StaticProvider) Replace(retire []string, replacements ...Range) {
	p.mu.Lock()
	defer p.mu.Unlock()
	live := p.live[:0]
	for _, r := range p.live {
		if slices.Contains(retire, r.ID) {
			p.retired[r.ID] = r
			continue
		}
		live = append(live, r)
	}
	p.live = append(live, replacements...)
	Sort(p.live)
}

// IsLive reports whether a range with the given id is currently live.
func (p *StaticProvider) IsLive(id string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return slices.ContainsFunc(p.live, func(r Range) bool { return r.ID == id })
}

// IsRetired reports whether a range with the given id was replaced.
func (p *StaticProvider) IsRetired(id string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.retired[id]
	return ok
}

// Compile-time check
var _ Provider = (*StaticProvider)(nil)
