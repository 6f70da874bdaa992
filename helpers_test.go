package crossfeed

import (
	"context"

	"github.com/rbaliyan/crossfeed/partition"
)

var (
	rangeA = partition.NewRange("A", partition.MinKey, "10")
	rangeB = partition.NewRange("B", "10", "20")
	rangeC = partition.NewRange("C", "20", partition.MaxKey)
)

func page(state string, done bool, items ...string) Response[string, string] {
	return Response[string, string]{Page: Page[string, string]{Items: items, State: state, Done: done}}
}

func failure(err error) Response[string, string] {
	return Response[string, string]{Err: err}
}

func etagPage(etag ETag, items ...string) Response[string, ETag] {
	return Response[string, ETag]{Page: Page[string, ETag]{Items: items, State: etag}}
}

func etagFailure(err error) Response[string, ETag] {
	return Response[string, ETag]{Err: err}
}

// lineageProvider answers ChildRanges from a fixed table and everything
// else from the embedded provider.
type lineageProvider struct {
	*partition.StaticProvider
	children map[string][]partition.Range
}

func newLineageProvider(ranges ...partition.Range) *lineageProvider {
	return &lineageProvider{
		StaticProvider: partition.NewStaticProvider(ranges...),
		children:       make(map[string][]partition.Range),
	}
}

func (p *lineageProvider) ChildRanges(ctx context.Context, parent partition.Range) ([]partition.Range, error) {
	if c, ok := p.children[parent.ID]; ok {
		return c, nil
	}
	return p.StaticProvider.ChildRanges(ctx, parent)
}

func newMerge(provider partition.Provider, f Fetcher[string, string], state *CrossPartitionState[string]) *CrossPartitionEnumerator[string, string] {
	return NewCrossPartitionEnumerator(provider,
		DefaultFactory(f, WithEnumeratorTelemetry(false)),
		ByRange[string, string], state, WithTelemetry(false))
}

func stateOf(pairs ...FeedRangeState[string]) CrossPartitionState[string] {
	if pairs == nil {
		pairs = []FeedRangeState[string]{}
	}
	return CrossPartitionState[string]{Ranges: pairs}
}

func at(r partition.Range, state string) FeedRangeState[string] {
	return FeedRangeState[string]{Range: r, State: state}
}
