package memory

import (
	"context"
	"fmt"
	"strconv"

	"github.com/rbaliyan/crossfeed"
	"github.com/rbaliyan/crossfeed/partition"
)

// Query returns a fetcher that pages through each range in LSN order.
// The page state is the decimal LSN of the last record returned.
func (s *Store[T]) Query() crossfeed.Fetcher[Record[T], string] {
	return crossfeed.FetcherFunc[Record[T], string](s.fetchQuery)
}

func (s *Store[T]) fetchQuery(ctx context.Context, r partition.Range, state string, opts crossfeed.FetchOptions) (crossfeed.Page[Record[T], string], error) {
	if err := ctx.Err(); err != nil {
		return crossfeed.Page[Record[T], string]{}, err
	}
	after, err := parseLSN(state)
	if err != nil {
		return crossfeed.Page[Record[T], string]{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	d, err := s.lookup(r)
	if err != nil {
		return crossfeed.Page[Record[T], string]{}, err
	}

	items, more := scan(d, after, pageSize(opts))
	next := state
	if len(items) > 0 {
		next = formatLSN(items[len(items)-1].LSN)
	}
	return crossfeed.Page[Record[T], string]{
		Items:         items,
		State:         next,
		Done:          !more,
		RequestCharge: float64(len(items)),
	}, nil
}

// ChangeFeed returns a fetcher that reads changes of each range after an
// ETag. The ETag is the decimal LSN of the last change seen; ETagNow yields
// an empty page carrying the current ETag. A range without new changes
// fails with a not-modified error.
func (s *Store[T]) ChangeFeed() crossfeed.Fetcher[Record[T], crossfeed.ETag] {
	return crossfeed.FetcherFunc[Record[T], crossfeed.ETag](s.fetchChanges)
}

func (s *Store[T]) fetchChanges(ctx context.Context, r partition.Range, etag crossfeed.ETag, opts crossfeed.FetchOptions) (crossfeed.Page[Record[T], crossfeed.ETag], error) {
	if err := ctx.Err(); err != nil {
		return crossfeed.Page[Record[T], crossfeed.ETag]{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	d, err := s.lookup(r)
	if err != nil {
		return crossfeed.Page[Record[T], crossfeed.ETag]{}, err
	}

	if etag == crossfeed.ETagNow {
		return crossfeed.Page[Record[T], crossfeed.ETag]{State: crossfeed.ETag(formatLSN(s.lsn))}, nil
	}
	after, err := parseLSN(string(etag))
	if err != nil {
		return crossfeed.Page[Record[T], crossfeed.ETag]{}, err
	}
	if maxLSN(d) <= after {
		return crossfeed.Page[Record[T], crossfeed.ETag]{}, crossfeed.NotModified(r)
	}

	items, _ := scan(d, after, pageSize(opts))
	return crossfeed.Page[Record[T], crossfeed.ETag]{
		Items:         items,
		State:         crossfeed.ETag(formatLSN(items[len(items)-1].LSN)),
		RequestCharge: float64(len(items)),
	}, nil
}

func pageSize(opts crossfeed.FetchOptions) int {
	if opts.PageSizeHint > 0 {
		return opts.PageSizeHint
	}
	return crossfeed.DefaultPageSize
}

func parseLSN(s string) (uint64, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("memory: invalid continuation %q: %w", s, err)
	}
	return n, nil
}

func formatLSN(n uint64) string {
	return strconv.FormatUint(n, 10)
}
