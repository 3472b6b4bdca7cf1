package resilience

import (
	"context"
	"time"

	"github.com/nimburion/redrive/pkg/queue"
)

// GuardedClient wraps a queue.Client with a circuit breaker and an optional per-call timeout.
// Errors it produces are transport errors, so callers classify them like any network failure.
type GuardedClient struct {
	next    queue.Client
	breaker *CircuitBreaker
	timeout time.Duration
}

// GuardClient wraps next. A nil breaker disables the breaker; a non-positive timeout disables the timeout.
func GuardClient(next queue.Client, breaker *CircuitBreaker, timeout time.Duration) *GuardedClient {
	return &GuardedClient{next: next, breaker: breaker, timeout: timeout}
}

// Receive calls the wrapped client's Receive.
func (g *GuardedClient) Receive(ctx context.Context, ref queue.Ref, opts queue.ReceiveOptions) ([]queue.Message, error) {
	var messages []queue.Message
	err := g.call(ctx, "receive", ref, func(ctx context.Context) error {
		var err error
		messages, err = g.next.Receive(ctx, ref, opts)
		return err
	})
	if err != nil {
		return nil, err
	}
	return messages, nil
}

// SendBatch calls the wrapped client's SendBatch.
func (g *GuardedClient) SendBatch(ctx context.Context, ref queue.Ref, entries []queue.SendEntry) (queue.BatchResult, error) {
	var result queue.BatchResult
	err := g.call(ctx, "send batch", ref, func(ctx context.Context) error {
		var err error
		result, err = g.next.SendBatch(ctx, ref, entries)
		return err
	})
	if err != nil {
		return queue.BatchResult{}, err
	}
	return result, nil
}

// DeleteBatch calls the wrapped client's DeleteBatch.
func (g *GuardedClient) DeleteBatch(ctx context.Context, ref queue.Ref, entries []queue.DeleteEntry) (queue.BatchResult, error) {
	var result queue.BatchResult
	err := g.call(ctx, "delete batch", ref, func(ctx context.Context) error {
		var err error
		result, err = g.next.DeleteBatch(ctx, ref, entries)
		return err
	})
	if err != nil {
		return queue.BatchResult{}, err
	}
	return result, nil
}

// Purge calls the wrapped client's Purge.
func (g *GuardedClient) Purge(ctx context.Context, ref queue.Ref) error {
	return g.call(ctx, "purge", ref, func(ctx context.Context) error {
		return g.next.Purge(ctx, ref)
	})
}

// HealthCheck delegates to the wrapped client when it supports health checks.
// It bypasses the breaker so a health check always reaches the backend.
func (g *GuardedClient) HealthCheck(ctx context.Context, ref queue.Ref) error {
	checker, ok := g.next.(queue.HealthChecker)
	if !ok {
		return ref.Validate()
	}
	return checker.HealthCheck(ctx, ref)
}

func (g *GuardedClient) call(ctx context.Context, op string, ref queue.Ref, fn func(context.Context) error) error {
	if err := ref.Validate(); err != nil {
		return err
	}
	run := func() error {
		return WithTimeout(ctx, g.timeout, fn)
	}
	var err error
	if g.breaker != nil {
		err = g.breaker.Execute(run)
	} else {
		err = run()
	}
	return queue.NewTransportError(op, ref, err)
}
