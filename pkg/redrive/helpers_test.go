package redrive

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nimburion/redrive/pkg/observability/logger"
	"github.com/nimburion/redrive/pkg/queue"
)

type mockLogger struct {
	mu    sync.Mutex
	warns []string
}

func (l *mockLogger) Debug(string, ...any) {}
func (l *mockLogger) Info(string, ...any)  {}
func (l *mockLogger) Warn(msg string, _ ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.warns = append(l.warns, msg)
}
func (l *mockLogger) Error(string, ...any)                       {}
func (l *mockLogger) With(...any) logger.Logger                  { return l }
func (l *mockLogger) WithContext(context.Context) logger.Logger { return l }

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Sleep advances the clock instead of blocking.
func (c *testClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.Advance(d)
	return nil
}

// scriptedClient returns queued receive results in order and delegates batch calls to funcs.
type scriptedClient struct {
	mu       sync.Mutex
	receives [][]queue.Message
	recvErrs []error
	sendFn   func([]queue.SendEntry) (queue.BatchResult, error)
	deleteFn func([]queue.DeleteEntry) (queue.BatchResult, error)
	purgeErr error

	receiveCalls int
	sendCalls    int
	deleteCalls  int
	purgeCalls   int
	lastReceive  queue.ReceiveOptions
	sent         [][]queue.SendEntry
	deleted      [][]queue.DeleteEntry
}

func (c *scriptedClient) Receive(_ context.Context, _ queue.Ref, opts queue.ReceiveOptions) ([]queue.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.receiveCalls++
	c.lastReceive = opts
	if len(c.recvErrs) > 0 {
		err := c.recvErrs[0]
		c.recvErrs = c.recvErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	if len(c.receives) == 0 {
		return nil, nil
	}
	next := c.receives[0]
	c.receives = c.receives[1:]
	return next, nil
}

func (c *scriptedClient) SendBatch(_ context.Context, _ queue.Ref, entries []queue.SendEntry) (queue.BatchResult, error) {
	c.mu.Lock()
	c.sendCalls++
	c.sent = append(c.sent, entries)
	fn := c.sendFn
	c.mu.Unlock()
	if fn != nil {
		return fn(entries)
	}
	return succeedAll(keysOfSend(entries)), nil
}

func (c *scriptedClient) DeleteBatch(_ context.Context, _ queue.Ref, entries []queue.DeleteEntry) (queue.BatchResult, error) {
	c.mu.Lock()
	c.deleteCalls++
	c.deleted = append(c.deleted, entries)
	fn := c.deleteFn
	c.mu.Unlock()
	if fn != nil {
		return fn(entries)
	}
	return succeedAll(keysOfDelete(entries)), nil
}

func (c *scriptedClient) Purge(context.Context, queue.Ref) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.purgeCalls++
	return c.purgeErr
}

func (c *scriptedClient) mutations() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sendCalls + c.deleteCalls + c.purgeCalls
}

func succeedAll(keys []string) queue.BatchResult {
	return queue.BatchResult{Succeeded: keys}
}

func keysOfSend(entries []queue.SendEntry) []string {
	keys := make([]string, 0, len(entries))
	for _, entry := range entries {
		keys = append(keys, entry.CorrelationKey)
	}
	return keys
}

func keysOfDelete(entries []queue.DeleteEntry) []string {
	keys := make([]string, 0, len(entries))
	for _, entry := range entries {
		keys = append(keys, entry.CorrelationKey)
	}
	return keys
}

func msg(id string) queue.Message {
	return queue.Message{ID: id, Body: "body-" + id, ReceiptHandle: "rh-" + id}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Primary = "orders"
	cfg.DLQ = "orders-dlq"
	cfg.System = "memory"
	cfg.Stagger = 0
	cfg.WaitTime = 0
	cfg.SettleDelay = 0
	return cfg
}

func newTestEngine(t *testing.T, client queue.Client, cfg Config, opts ...Option) *Engine {
	t.Helper()
	e, err := New(client, cfg, &mockLogger{}, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e
}
