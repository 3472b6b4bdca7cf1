// Package redisq implements queue.Client on Redis with SQS-like visibility windows.
//
// Each queue uses four keys sharing a hash tag so the lua scripts stay cluster safe:
// a ready list of message IDs, an in-flight sorted set scored by visibility deadline,
// a hash of encoded messages and a hash of the current receipt handle per in-flight ID.
package redisq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nimburion/redrive/pkg/observability/logger"
	"github.com/nimburion/redrive/pkg/queue"
	"github.com/redis/go-redis/v9"
)

const (
	defaultPrefix           = "redrive"
	defaultOperationTimeout = 5 * time.Second
	defaultPollInterval     = 100 * time.Millisecond
	receiptSeparator        = "|"
)

var (
	redisReceiveScript = redis.NewScript(`
local ready = KEYS[1]
local inflight = KEYS[2]
local messages = KEYS[3]
local leases = KEYS[4]
local nowMs = tonumber(ARGV[1])
local visibilityMs = tonumber(ARGV[2])

local expired = redis.call("ZRANGEBYSCORE", inflight, "-inf", nowMs)
for _, id in ipairs(expired) do
  redis.call("ZREM", inflight, id)
  redis.call("HDEL", leases, id)
  redis.call("RPUSH", ready, id)
end

local out = {}
for i = 3, #ARGV do
  local id = redis.call("LPOP", ready)
  if not id then
    break
  end
  local payload = redis.call("HGET", messages, id)
  if payload then
    local handle = id .. "|" .. ARGV[i]
    redis.call("ZADD", inflight, nowMs + visibilityMs, id)
    redis.call("HSET", leases, id, handle)
    table.insert(out, id)
    table.insert(out, payload)
    table.insert(out, handle)
  end
end
return out
`)

	redisDeleteScript = redis.NewScript(`
local inflight = KEYS[1]
local messages = KEYS[2]
local leases = KEYS[3]
local id = ARGV[1]
local handle = ARGV[2]
local nowMs = tonumber(ARGV[3])

local current = redis.call("HGET", leases, id)
if not current or current ~= handle then
  return 0
end
local deadline = redis.call("ZSCORE", inflight, id)
if not deadline or tonumber(deadline) <= nowMs then
  return -1
end
redis.call("ZREM", inflight, id)
redis.call("HDEL", messages, id)
redis.call("HDEL", leases, id)
return 1
`)
)

// Config configures the Redis-backed queue client.
type Config struct {
	URL              string
	Prefix           string
	OperationTimeout time.Duration
	PollInterval     time.Duration
}

func (c *Config) normalize() {
	if strings.TrimSpace(c.Prefix) == "" {
		c.Prefix = defaultPrefix
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = defaultOperationTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
}

type envelope struct {
	Body             string                     `json:"body"`
	Attributes       map[string]queue.Attribute `json:"attributes,omitempty"`
	SystemAttributes map[string]string          `json:"system_attributes,omitempty"`
}

// Client implements queue.Client with Redis lists, sorted sets and lua scripts.
type Client struct {
	client *redis.Client
	log    logger.Logger
	config Config
	now    func() time.Time

	mu     sync.RWMutex
	closed bool
}

// NewClient connects to Redis and verifies connectivity.
func NewClient(ctx context.Context, cfg Config, log logger.Logger) (*Client, error) {
	if log == nil {
		return nil, errors.New("logger is required")
	}
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("redis url is required")
	}
	cfg.normalize()

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url failed: %w", err)
	}
	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.OperationTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis failed: %w", err)
	}

	return &Client{
		client: rdb,
		log:    log,
		config: cfg,
		now:    time.Now,
	}, nil
}

// Receive pops up to opts.MaxMessages ready messages and leases them for the visibility window.
// With a positive WaitTime it polls until a message arrives or the wait elapses.
func (c *Client) Receive(ctx context.Context, ref queue.Ref, opts queue.ReceiveOptions) ([]queue.Message, error) {
	if err := c.ensureOpen(ref); err != nil {
		return nil, err
	}
	limit := int(opts.MaxMessages)
	if limit <= 0 || limit > queue.MaxBatchSize {
		limit = queue.MaxBatchSize
	}
	deadline := c.now().Add(opts.WaitTime)

	for {
		messages, err := c.receiveOnce(ctx, ref, limit, opts.VisibilityTimeout)
		if err != nil {
			return nil, err
		}
		if len(messages) > 0 || !c.now().Before(deadline) {
			return messages, nil
		}
		select {
		case <-ctx.Done():
			return nil, queue.NewTransportError("receive", ref, ctx.Err())
		case <-time.After(c.config.PollInterval):
		}
	}
}

func (c *Client) receiveOnce(ctx context.Context, ref queue.Ref, limit int, visibility time.Duration) ([]queue.Message, error) {
	args := make([]any, 0, limit+2)
	args = append(args, c.now().UnixMilli(), visibility.Milliseconds())
	for i := 0; i < limit; i++ {
		args = append(args, uuid.NewString())
	}

	opCtx, cancel := c.operationContext(ctx)
	defer cancel()
	raw, err := redisReceiveScript.Run(opCtx, c.client,
		[]string{c.readyKey(ref), c.inflightKey(ref), c.messagesKey(ref), c.leasesKey(ref)},
		args...,
	).StringSlice()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, queue.NewTransportError("receive", ref, err)
	}

	messages := make([]queue.Message, 0, len(raw)/3)
	for i := 0; i+2 < len(raw); i += 3 {
		var env envelope
		if err := json.Unmarshal([]byte(raw[i+1]), &env); err != nil {
			c.log.Warn("skipping malformed queued message", "queue", ref.String(), "id", raw[i], "error", err)
			continue
		}
		messages = append(messages, queue.Message{
			ID:               raw[i],
			Body:             env.Body,
			Attributes:       env.Attributes,
			SystemAttributes: env.SystemAttributes,
			ReceiptHandle:    raw[i+2],
		})
	}
	return messages, nil
}

// SendBatch stores every valid entry atomically and reports invalid entries as failed.
func (c *Client) SendBatch(ctx context.Context, ref queue.Ref, entries []queue.SendEntry) (queue.BatchResult, error) {
	if err := c.ensureOpen(ref); err != nil {
		return queue.BatchResult{}, err
	}

	type pending struct {
		key     string
		id      string
		payload string
	}
	var result queue.BatchResult
	batch := make([]pending, 0, len(entries))
	for _, entry := range entries {
		if entry.Body == "" {
			result.Failed = append(result.Failed, queue.BatchFailure{
				CorrelationKey: entry.CorrelationKey,
				Code:           "EmptyBody",
				Reason:         "message body is empty",
				SenderFault:    true,
			})
			continue
		}
		env := envelope{Body: entry.Body, Attributes: entry.Attributes}
		if entry.GroupID != "" || entry.DeduplicationID != "" {
			env.SystemAttributes = map[string]string{}
			if entry.GroupID != "" {
				env.SystemAttributes[queue.SystemAttributeGroupID] = entry.GroupID
			}
			if entry.DeduplicationID != "" {
				env.SystemAttributes[queue.SystemAttributeDeduplicationID] = entry.DeduplicationID
			}
		}
		encoded, err := json.Marshal(env)
		if err != nil {
			result.Failed = append(result.Failed, queue.BatchFailure{
				CorrelationKey: entry.CorrelationKey,
				Code:           "InvalidMessageContents",
				Reason:         err.Error(),
				SenderFault:    true,
			})
			continue
		}
		batch = append(batch, pending{key: entry.CorrelationKey, id: uuid.NewString(), payload: string(encoded)})
	}
	if len(batch) == 0 {
		return result, nil
	}

	opCtx, cancel := c.operationContext(ctx)
	defer cancel()
	_, err := c.client.TxPipelined(opCtx, func(pipe redis.Pipeliner) error {
		for _, p := range batch {
			pipe.HSet(opCtx, c.messagesKey(ref), p.id, p.payload)
			pipe.RPush(opCtx, c.readyKey(ref), p.id)
		}
		return nil
	})
	if err != nil {
		return queue.BatchResult{}, queue.NewTransportError("send batch", ref, err)
	}
	for _, p := range batch {
		result.Succeeded = append(result.Succeeded, p.key)
	}
	return result, nil
}

// DeleteBatch removes in-flight messages whose receipt handle is still the current lease.
func (c *Client) DeleteBatch(ctx context.Context, ref queue.Ref, entries []queue.DeleteEntry) (queue.BatchResult, error) {
	if err := c.ensureOpen(ref); err != nil {
		return queue.BatchResult{}, err
	}

	var result queue.BatchResult
	nowMs := c.now().UnixMilli()
	for i, entry := range entries {
		id, ok := messageIDFromReceipt(entry.ReceiptHandle)
		if !ok {
			result.Failed = append(result.Failed, queue.BatchFailure{
				CorrelationKey: entry.CorrelationKey,
				Code:           "ReceiptHandleIsInvalid",
				Reason:         "malformed receipt handle",
				SenderFault:    true,
			})
			continue
		}

		opCtx, cancel := c.operationContext(ctx)
		outcome, err := redisDeleteScript.Run(opCtx, c.client,
			[]string{c.inflightKey(ref), c.messagesKey(ref), c.leasesKey(ref)},
			id, entry.ReceiptHandle, nowMs,
		).Int()
		cancel()
		if err != nil {
			if i == 0 {
				return queue.BatchResult{}, queue.NewTransportError("delete batch", ref, err)
			}
			result.Failed = append(result.Failed, queue.BatchFailure{CorrelationKey: entry.CorrelationKey, Code: "TransportError", Reason: err.Error()})
			continue
		}
		switch outcome {
		case 1:
			result.Succeeded = append(result.Succeeded, entry.CorrelationKey)
		case -1:
			result.Failed = append(result.Failed, queue.BatchFailure{
				CorrelationKey: entry.CorrelationKey,
				Code:           "ReceiptHandleIsInvalid",
				Reason:         "visibility window expired",
				SenderFault:    true,
			})
		default:
			result.Failed = append(result.Failed, queue.BatchFailure{
				CorrelationKey: entry.CorrelationKey,
				Code:           "ReceiptHandleIsInvalid",
				Reason:         "receipt handle is not the current lease",
				SenderFault:    true,
			})
		}
	}
	return result, nil
}

// Purge deletes every key of the queue.
func (c *Client) Purge(ctx context.Context, ref queue.Ref) error {
	if err := c.ensureOpen(ref); err != nil {
		return err
	}
	opCtx, cancel := c.operationContext(ctx)
	defer cancel()
	if err := c.client.Del(opCtx, c.readyKey(ref), c.inflightKey(ref), c.messagesKey(ref), c.leasesKey(ref)).Err(); err != nil {
		return queue.NewTransportError("purge", ref, err)
	}
	return nil
}

// HealthCheck verifies Redis connectivity.
func (c *Client) HealthCheck(ctx context.Context, ref queue.Ref) error {
	if err := c.ensureOpen(ref); err != nil {
		return err
	}
	opCtx, cancel := c.operationContext(ctx)
	defer cancel()
	return c.client.Ping(opCtx).Err()
}

// Close closes Redis connections.
func (c *Client) Close() error {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	return c.client.Close()
}

func (c *Client) ensureOpen(ref queue.Ref) error {
	if c == nil || c.client == nil {
		return errors.New("redis queue client is not initialized")
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errors.New("redis queue client is closed")
	}
	return ref.Validate()
}

func (c *Client) operationContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, c.config.OperationTimeout)
}

func messageIDFromReceipt(handle string) (string, bool) {
	id, _, ok := strings.Cut(handle, receiptSeparator)
	if !ok || id == "" {
		return "", false
	}
	return id, true
}

func (c *Client) readyKey(ref queue.Ref) string {
	return c.queueKey(ref) + ":ready"
}

func (c *Client) inflightKey(ref queue.Ref) string {
	return c.queueKey(ref) + ":inflight"
}

func (c *Client) messagesKey(ref queue.Ref) string {
	return c.queueKey(ref) + ":messages"
}

func (c *Client) leasesKey(ref queue.Ref) string {
	return c.queueKey(ref) + ":leases"
}

func (c *Client) queueKey(ref queue.Ref) string {
	return strings.TrimRight(strings.TrimSpace(c.config.Prefix), ":") + ":queue:{" + strings.TrimSpace(ref.String()) + "}"
}
