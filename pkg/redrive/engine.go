// Package redrive moves failed messages from a dead-letter queue back onto its primary queue.
//
// The Engine polls the DLQ with several staggered receive calls, deduplicates what it sees,
// sends the messages to the primary queue, deletes the ones the primary queue accepted and
// repeats until the DLQ looks empty or a round reports a partial failure.
//
// Redrive is at-least-once: a message whose send succeeded but whose delete failed exists in
// both queues, and running the operation again sends it a second time.
//
// FIFO messages keep their group id and deduplication id. A FIFO queue drops a send whose
// deduplication id it saw within its deduplication window (five minutes on SQS) while still
// reporting success, so a message redriven shortly after it first failed is deleted from the
// DLQ without reaching the primary queue. Config.FreshDeduplicationID avoids that by minting
// a new id for every redriven FIFO message.
package redrive

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nimburion/redrive/pkg/observability/logger"
	"github.com/nimburion/redrive/pkg/observability/metrics"
	"github.com/nimburion/redrive/pkg/observability/tracing"
	"github.com/nimburion/redrive/pkg/queue"
	"golang.org/x/time/rate"
)

const (
	DefaultBranches          = 3
	DefaultStagger           = 200 * time.Millisecond
	DefaultWaitTime          = 3 * time.Second
	DefaultListVisibility    = time.Second
	DefaultRedriveVisibility = 10 * time.Second
	DefaultSettleDelay       = 500 * time.Millisecond
)

// Config holds the queues and tuning of an Engine.
type Config struct {
	// Primary receives redriven messages.
	Primary queue.Ref
	// DLQ is the dead-letter queue being drained.
	DLQ queue.Ref
	// System names the queue backend in spans (sqs, redis, memory).
	System string

	// Branches is the number of concurrent receive calls per poll.
	Branches int
	// Stagger delays each branch launch after the first.
	Stagger time.Duration
	// MaxMessages is requested from each receive call.
	MaxMessages int32
	// WaitTime is the server-side long-poll wait of each receive call.
	WaitTime time.Duration
	// ListVisibility hides listed messages from other receivers; kept short for inspection.
	ListVisibility time.Duration
	// RedriveVisibility hides messages while a round sends and deletes them.
	RedriveVisibility time.Duration
	// SettleDelay is waited after a purge.
	SettleDelay time.Duration
	// RateLimit caps redriven messages per second; zero disables it.
	RateLimit float64
	// FreshDeduplicationID sends FIFO messages with a new deduplication id instead of
	// the one they carried into the DLQ.
	FreshDeduplicationID bool
}

// DefaultConfig returns the tuning used by the CLI.
func DefaultConfig() Config {
	return Config{
		Branches:          DefaultBranches,
		Stagger:           DefaultStagger,
		MaxMessages:       queue.MaxBatchSize,
		WaitTime:          DefaultWaitTime,
		ListVisibility:    DefaultListVisibility,
		RedriveVisibility: DefaultRedriveVisibility,
		SettleDelay:       DefaultSettleDelay,
	}
}

func (c *Config) normalize() {
	if c.Branches <= 0 {
		c.Branches = DefaultBranches
	}
	if c.MaxMessages <= 0 || c.MaxMessages > queue.MaxBatchSize {
		c.MaxMessages = queue.MaxBatchSize
	}
	if c.Stagger < 0 {
		c.Stagger = 0
	}
	if c.WaitTime < 0 {
		c.WaitTime = 0
	}
	if c.SettleDelay < 0 {
		c.SettleDelay = 0
	}
	if c.ListVisibility <= 0 {
		c.ListVisibility = DefaultListVisibility
	}
	if c.RedriveVisibility <= 0 {
		c.RedriveVisibility = DefaultRedriveVisibility
	}
	if c.System == "" {
		c.System = "queue"
	}
}

// Option customizes an Engine.
type Option func(*Engine)

// WithMetrics records poll and redrive counts into m.
func WithMetrics(m *metrics.Redrive) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithSleep replaces the function used for stagger and settle delays.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Engine) {
		if sleep != nil {
			e.sleep = sleep
		}
	}
}

// Engine runs redrive operations against one DLQ and its primary queue.
// It keeps no state between operations.
type Engine struct {
	client  queue.Client
	config  Config
	log     logger.Logger
	metrics *metrics.Redrive
	limiter *rate.Limiter
	sleep   func(ctx context.Context, d time.Duration) error
}

// New creates an Engine. Queue references are checked when an operation runs.
func New(client queue.Client, cfg Config, log logger.Logger, opts ...Option) (*Engine, error) {
	if client == nil {
		return nil, errors.New("queue client is required")
	}
	if log == nil {
		return nil, errors.New("logger is required")
	}
	if cfg.RateLimit < 0 {
		return nil, fmt.Errorf("rate limit must not be negative, got %v", cfg.RateLimit)
	}
	cfg.normalize()

	e := &Engine{
		client: client,
		config: cfg,
		log:    log.With("dlq", cfg.DLQ.String(), "primary", cfg.Primary.String()),
		sleep:  sleepContext,
	}
	if cfg.RateLimit > 0 {
		e.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.Branches*int(cfg.MaxMessages))
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Config returns the normalized configuration.
func (e *Engine) Config() Config {
	return e.config
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (e *Engine) receive(ctx context.Context, ref queue.Ref, opts queue.ReceiveOptions) ([]queue.Message, error) {
	ctx, span := tracing.StartMessagingSpan(ctx, tracing.SpanOperationMsgReceive,
		tracing.WithMessagingSystem(e.config.System),
		tracing.WithMessagingDestination(ref.String()),
	)
	messages, err := e.client.Receive(ctx, ref, opts)
	tracing.End(span, err)
	e.metrics.RecordCall("receive", err)
	return messages, err
}

func (e *Engine) sendBatch(ctx context.Context, ref queue.Ref, entries []queue.SendEntry) (queue.BatchResult, error) {
	ctx, span := tracing.StartMessagingSpan(ctx, tracing.SpanOperationMsgSendBatch,
		tracing.WithMessagingSystem(e.config.System),
		tracing.WithMessagingDestination(ref.String()),
		tracing.WithMessagingBatchSize(len(entries)),
	)
	result, err := e.client.SendBatch(ctx, ref, entries)
	tracing.End(span, err)
	e.metrics.RecordCall("send_batch", err)
	return result, err
}

func (e *Engine) deleteBatch(ctx context.Context, ref queue.Ref, entries []queue.DeleteEntry) (queue.BatchResult, error) {
	ctx, span := tracing.StartMessagingSpan(ctx, tracing.SpanOperationMsgDeleteBatch,
		tracing.WithMessagingSystem(e.config.System),
		tracing.WithMessagingDestination(ref.String()),
		tracing.WithMessagingBatchSize(len(entries)),
	)
	result, err := e.client.DeleteBatch(ctx, ref, entries)
	tracing.End(span, err)
	e.metrics.RecordCall("delete_batch", err)
	return result, err
}

func (e *Engine) purge(ctx context.Context, ref queue.Ref) error {
	ctx, span := tracing.StartMessagingSpan(ctx, tracing.SpanOperationMsgPurge,
		tracing.WithMessagingSystem(e.config.System),
		tracing.WithMessagingDestination(ref.String()),
	)
	err := e.client.Purge(ctx, ref)
	tracing.End(span, err)
	e.metrics.RecordCall("purge", err)
	return err
}
