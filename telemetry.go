package crossfeed

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/rbaliyan/crossfeed/partition"
)

const (
	instrumentationName = "crossfeed"

	spanKeyRangeID  = "range.id"
	spanKeyRangeMin = "range.min"
	spanKeyRangeMax = "range.max"
	spanKeyMode     = "fetch.mode"
	spanKeyItems    = "page.items"
	spanKeyKind     = "error.kind"
)

// telemetry records spans and counters for page fetches.
// A nil *telemetry records nothing.
type telemetry struct {
	tracer trace.Tracer
	pages  metric.Int64Counter
	splits metric.Int64Counter
	errors metric.Int64Counter
}

var defaultTelemetry = sync.OnceValue(newTelemetry)

func newTelemetry() *telemetry {
	meter := otel.Meter(instrumentationName)
	pages, _ := meter.Int64Counter("crossfeed.pages",
		metric.WithDescription("Total number of pages fetched"))
	splits, _ := meter.Int64Counter("crossfeed.splits",
		metric.WithDescription("Total number of range splits handled"))
	errs, _ := meter.Int64Counter("crossfeed.errors",
		metric.WithDescription("Total number of failed page fetches"))
	return &telemetry{
		tracer: otel.Tracer(instrumentationName),
		pages:  pages,
		splits: splits,
		errors: errs,
	}
}

func (m FetchMode) String() string {
	if m == ModeChangeFeed {
		return "change_feed"
	}
	return "query"
}

// startFetch opens a span for a fetch against r. The returned function ends
// it, recording the outcome.
func (t *telemetry) startFetch(ctx context.Context, r partition.Range, mode FetchMode) (context.Context, func(items int, err error)) {
	if t == nil {
		return ctx, func(int, error) {}
	}
	ctx, span := t.tracer.Start(ctx, "crossfeed.fetch",
		trace.WithAttributes(
			attribute.String(spanKeyRangeID, r.ID),
			attribute.String(spanKeyRangeMin, r.Min),
			attribute.String(spanKeyRangeMax, r.Max),
			attribute.String(spanKeyMode, mode.String())),
		trace.WithSpanKind(trace.SpanKindClient))
	return ctx, func(items int, err error) {
		defer span.End()
		attrs := metric.WithAttributes(attribute.String(spanKeyRangeID, r.ID))
		if err != nil {
			kind := Classify(err)
			span.SetAttributes(attribute.String(spanKeyKind, kind.String()))
			if kind != KindNotModified {
				span.RecordError(err)
			}
			t.errors.Add(ctx, 1, metric.WithAttributes(
				attribute.String(spanKeyRangeID, r.ID),
				attribute.String(spanKeyKind, kind.String())))
			return
		}
		span.SetAttributes(attribute.Int(spanKeyItems, items))
		t.pages.Add(ctx, 1, attrs)
	}
}

func (t *telemetry) split(ctx context.Context, r partition.Range, children int) {
	if t == nil {
		return
	}
	t.splits.Add(ctx, 1, metric.WithAttributes(
		attribute.String(spanKeyRangeID, r.ID),
		attribute.Int("children", children)))
}
