package health

import (
	"context"
	"time"

	"github.com/nimburion/redrive/pkg/queue"
)

const defaultCheckTimeout = 5 * time.Second

// Checkable is implemented by components that can check their own backend
type Checkable interface {
	HealthCheck(ctx context.Context) error
}

// AdapterChecker checks any Checkable with a timeout
type AdapterChecker struct {
	name    string
	adapter Checkable
	timeout time.Duration
}

// NewAdapterChecker creates a checker for adapter. A zero timeout defaults to five seconds.
func NewAdapterChecker(name string, adapter Checkable, timeout time.Duration) *AdapterChecker {
	if timeout <= 0 {
		timeout = defaultCheckTimeout
	}
	return &AdapterChecker{name: name, adapter: adapter, timeout: timeout}
}

// Check pings the adapter
func (c *AdapterChecker) Check(ctx context.Context) CheckResult {
	return run(ctx, c.name, c.timeout, nil, c.adapter.HealthCheck)
}

// Name returns the checker name
func (c *AdapterChecker) Name() string {
	return c.name
}

// QueueChecker checks that one queue is reachable through a queue.HealthChecker
type QueueChecker struct {
	name    string
	client  queue.HealthChecker
	ref     queue.Ref
	timeout time.Duration
}

// NewQueueChecker creates a checker for ref. A zero timeout defaults to five seconds.
func NewQueueChecker(name string, client queue.HealthChecker, ref queue.Ref, timeout time.Duration) *QueueChecker {
	if timeout <= 0 {
		timeout = defaultCheckTimeout
	}
	return &QueueChecker{name: name, client: client, ref: ref, timeout: timeout}
}

// Check pings the queue
func (c *QueueChecker) Check(ctx context.Context) CheckResult {
	return run(ctx, c.name, c.timeout, map[string]string{"queue": c.ref.String()}, func(ctx context.Context) error {
		return c.client.HealthCheck(ctx, c.ref)
	})
}

// Name returns the checker name
func (c *QueueChecker) Name() string {
	return c.name
}

func run(ctx context.Context, name string, timeout time.Duration, metadata map[string]string, ping func(context.Context) error) CheckResult {
	start := time.Now()
	checkCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := ping(checkCtx)
	result := CheckResult{
		Name:     name,
		Status:   StatusHealthy,
		Message:  "reachable",
		Duration: time.Since(start),
		Metadata: metadata,
	}
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = ""
		result.Error = err.Error()
	}
	return result
}
