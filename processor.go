package crossfeed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rbaliyan/crossfeed/checkpoint"
	"github.com/rbaliyan/crossfeed/partition"
)

// Handler processes the changes of one change feed step. Returning an error
// stops the processor without saving a checkpoint, so the changes are read
// again on the next run.
type Handler[T any] func(ctx context.Context, page ChangeFeedPage[T]) error

// processorOptions configure a Processor.
type processorOptions struct {
	pollDelay  time.Duration
	jitter     float64
	store      checkpoint.Store
	logger     *slog.Logger
	feed       []ChangeFeedOption
	metrics    Metrics
	instanceID string
}

// ProcessorOption configures a Processor.
type ProcessorOption func(*processorOptions)

// WithPollDelay sets how long to idle once every range is caught up.
// Non-positive values are ignored.
func WithPollDelay(d time.Duration) ProcessorOption {
	return func(o *processorOptions) {
		if d > 0 {
			o.pollDelay = d
		}
	}
}

// WithPollJitter sets the jitter factor applied to the poll delay (0 to 1).
func WithPollJitter(factor float64) ProcessorOption {
	return func(o *processorOptions) {
		if factor >= 0 && factor <= 1 {
			o.jitter = factor
		}
	}
}

// WithCheckpointStore persists the continuation token after every handled
// step. Without a store the processor starts according to its feed options
// on every run.
func WithCheckpointStore(s checkpoint.Store) ProcessorOption {
	return func(o *processorOptions) {
		o.store = s
	}
}

// WithProcessorLogger sets the logger. Nil is ignored.
func WithProcessorLogger(l *slog.Logger) ProcessorOption {
	return func(o *processorOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithProcessorMetrics sets the metrics the processor reports to.
// Nil is ignored.
func WithProcessorMetrics(m Metrics) ProcessorOption {
	return func(o *processorOptions) {
		if m != nil {
			o.metrics = m
		}
	}
}

// WithFeedOptions passes options to the underlying change feed.
func WithFeedOptions(opts ...ChangeFeedOption) ProcessorOption {
	return func(o *processorOptions) {
		o.feed = append(o.feed, opts...)
	}
}

// Processor drives a change feed until its context is cancelled, handing
// every batch of changes to a handler and checkpointing after each one.
//
// Example:
//
//	p := crossfeed.NewProcessor("orders", provider, fetcher,
//	    func(ctx context.Context, page crossfeed.ChangeFeedPage[Order]) error {
//	        return apply(ctx, page.Items)
//	    },
//	    crossfeed.WithCheckpointStore(store),
//	    crossfeed.WithPollDelay(time.Second),
//	)
//	if err := p.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
//	    log.Fatal(err)
//	}
type Processor[T any] struct {
	name     string
	provider partition.Provider
	fetcher  Fetcher[T, ETag]
	handler  Handler[T]
	opts     *processorOptions
}

// NewProcessor creates a processor. The name keys its checkpoint.
func NewProcessor[T any](name string, provider partition.Provider, fetcher Fetcher[T, ETag], handler Handler[T], opts ...ProcessorOption) *Processor[T] {
	o := &processorOptions{
		pollDelay:  DefaultPollDelay,
		jitter:     DefaultPollJitter,
		metrics:    dummyMetrics{},
		instanceID: uuid.NewString(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = Logger("crossfeed>processor")
	}
	o.logger = o.logger.With("processor", name, "instance", o.instanceID)
	return &Processor[T]{
		name:     name,
		provider: provider,
		fetcher:  fetcher,
		handler:  handler,
		opts:     o,
	}
}

// Name returns the processor name.
func (p *Processor[T]) Name() string {
	return p.name
}

// Run loads the checkpoint and processes changes until ctx is done or a
// non-retryable error occurs. Transient failures are retried after the
// backend's hint, or the poll delay when there is none.
func (p *Processor[T]) Run(ctx context.Context) error {
	feedOpts := append([]ChangeFeedOption{WithChangeFeedLogger(p.opts.logger)}, p.opts.feed...)
	if p.opts.store != nil {
		token, err := p.opts.store.Load(ctx, p.name)
		if err != nil {
			return fmt.Errorf("load checkpoint: %w", err)
		}
		if token != "" {
			state, err := DecodeState[ETag](token)
			if err != nil {
				return fmt.Errorf("decode checkpoint: %w", err)
			}
			state, err = ResolveState(ctx, p.provider, state)
			if err != nil {
				return fmt.Errorf("resolve checkpoint: %w", err)
			}
			feedOpts = append(feedOpts, WithChangeFeedState(state))
			p.opts.logger.Info("resuming from checkpoint", "ranges", state.Len())
		}
	}

	feed := NewChangeFeed(p.provider, p.fetcher, feedOpts...)
	defer func() { _ = feed.Close(context.WithoutCancel(ctx)) }()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !feed.MoveNext(ctx) {
			if _, err := feed.Current(); !errors.Is(err, ErrNoCurrent) {
				return err
			}
			// No ranges yet; wait for the topology to change.
			if err := p.sleep(ctx, p.opts.pollDelay); err != nil {
				return err
			}
			feed = NewChangeFeed(p.provider, p.fetcher, feedOpts...)
			continue
		}

		page, err := feed.Current()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if !IsTransient(err) {
				p.opts.logger.Error("change feed failed", "error", err)
				return err
			}
			delay := RetryAfter(err)
			if delay <= 0 {
				delay = p.opts.pollDelay
			}
			p.opts.logger.Warn("transient change feed failure", "error", err, "retry_after", delay)
			p.opts.metrics.Retried()
			if err := p.sleep(ctx, delay); err != nil {
				return err
			}
			continue
		}

		if len(page.Items) > 0 {
			p.opts.metrics.Handling()
			err := p.handler(ctx, page)
			p.opts.metrics.Handled(len(page.Items), err)
			if err != nil {
				return fmt.Errorf("handle %s: %w", page.Range, err)
			}
		}
		if err := p.checkpoint(ctx, feed, page); err != nil {
			return err
		}

		if !feed.HasMoreResults() {
			p.opts.metrics.Idle()
			if err := p.sleep(ctx, p.opts.pollDelay); err != nil {
				return err
			}
		}
	}
}

func (p *Processor[T]) checkpoint(ctx context.Context, feed *ChangeFeed[T], page ChangeFeedPage[T]) error {
	// Unchanged steps are only saved once the whole rotation is idle.
	if p.opts.store == nil || (len(page.Items) == 0 && feed.HasMoreResults()) {
		return nil
	}
	token, err := feed.ContinuationToken()
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	if err := p.opts.store.Save(ctx, p.name, token); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	p.opts.metrics.Checkpointed()
	return nil
}

func (p *Processor[T]) sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(Jitter(d, p.opts.jitter))
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
