// Package crossfeed reads a partitioned store as one logical stream.
//
// A store is split into ranges (partition.Range), each an interval of the
// effective key space that a backend pages through on its own. A Fetcher
// reads one page of one range and returns the items with an opaque state
// that resumes the read. This package merges those per-range reads:
//
//   - RangePageEnumerator pages through a single range.
//   - CrossPartitionEnumerator merges all ranges through a priority queue,
//     draining them in comparer order (by range bounds unless told
//     otherwise) and fanning out to the children when a range splits.
//   - ChangeFeed rotates over every range forever, reading changes after a
//     per-range ETag, and keeps a busy range at the front.
//   - Processor drives a ChangeFeed, hands pages to a Handler and
//     checkpoints the continuation token after each one.
//
// Every enumerator can be stopped and resumed. State returns the per-range
// snapshot, which encodes to a versioned continuation token (see the
// continuation package). ResolveState maps a decoded token onto the
// current topology:
//
//	token, err := enum.State().ContinuationToken()
//	...
//	state, err := crossfeed.DecodeState[string](token)
//	state, err = crossfeed.ResolveState(ctx, provider, state)
//	enum := crossfeed.NewCrossPartitionEnumerator(provider, factory, nil, state)
//
// Basic example:
//
//	provider := partition.NewStaticProvider(partition.NewRange("0", partition.MinKey, partition.MaxKey))
//	factory := crossfeed.DefaultFactory(fetcher, crossfeed.WithPageSizeHint(50))
//	enum := crossfeed.NewCrossPartitionEnumerator(provider, factory, nil, nil)
//	defer enum.Close(ctx)
//
//	for page, err := range enum.All(ctx) {
//	    if err != nil {
//	        return err
//	    }
//	    handle(page.Page.Items)
//	}
//
// Errors:
// Fetchers report topology changes and throttling through *FetchError or
// the sentinels ErrRangeSplit, ErrRangeMerged, ErrNotModified and
// ErrTransient. A split is recovered by replacing the range with its
// children. A merge is surfaced as ErrMergeNotSupported and the range stays
// queued, so the caller can retry once the topology settles. Transient and
// fatal errors are returned from Current and also leave the range queued.
//
// Sources:
// Backends live under source/: an in-memory store for tests, Redis
// Streams, MongoDB, Kafka and NATS JetStream. source/grpcstatus classifies
// errors from a remote backend served over gRPC.
//
// Telemetry:
// Fetches are traced and counted through OpenTelemetry when enabled (the
// default). Use WithTelemetry(false) and friends to turn it off.
package crossfeed
