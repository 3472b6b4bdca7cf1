// Package memqueue is an in-process queue.Client with visibility-window semantics.
//
// It backs the "memory" backend and the engine tests. Faults can be injected per entry
// to exercise the redrive classification, and a purge lag simulates backends that keep
// returning purged messages for a short while.
package memqueue

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nimburion/redrive/pkg/queue"
)

// Option configures a Broker.
type Option func(*Broker)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(b *Broker) {
		b.now = now
	}
}

// WithPurgeLag keeps purged messages receivable for lag after a purge.
func WithPurgeLag(lag time.Duration) Option {
	return func(b *Broker) {
		b.purgeLag = lag
	}
}

// WithSendFault rejects send entries for which fn returns a non-nil error.
func WithSendFault(fn func(ref queue.Ref, entry queue.SendEntry) error) Option {
	return func(b *Broker) {
		b.sendFault = fn
	}
}

// WithDeleteFault rejects delete entries for which fn returns a non-nil error.
func WithDeleteFault(fn func(ref queue.Ref, entry queue.DeleteEntry) error) Option {
	return func(b *Broker) {
		b.deleteFault = fn
	}
}

// WithCallError fails whole calls of op ("receive", "send", "delete", "purge") with err.
func WithCallError(op string, err error) Option {
	return func(b *Broker) {
		b.callErrors[op] = err
	}
}

// Stats counts primitive calls per operation.
type Stats struct {
	Receive int
	Send    int
	Delete  int
	Purge   int
}

// Mutations returns the number of calls that may change queue state.
func (s Stats) Mutations() int {
	return s.Send + s.Delete + s.Purge
}

type storedMessage struct {
	msg         queue.Message
	visibleAt   time.Time
	receipt     string
	purgedUntil time.Time
}

type memQueue struct {
	order    []string
	messages map[string]*storedMessage
}

// Broker holds any number of named in-memory queues.
type Broker struct {
	mu          sync.Mutex
	queues      map[queue.Ref]*memQueue
	now         func() time.Time
	purgeLag    time.Duration
	sendFault   func(queue.Ref, queue.SendEntry) error
	deleteFault func(queue.Ref, queue.DeleteEntry) error
	callErrors  map[string]error
	stats       Stats
}

// New creates an empty Broker.
func New(opts ...Option) *Broker {
	b := &Broker{
		queues:     map[queue.Ref]*memQueue{},
		now:        time.Now,
		callErrors: map[string]error{},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Stats returns a snapshot of call counters.
func (b *Broker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

// Len returns how many messages the queue holds, visible or not.
func (b *Broker) Len(ref queue.Ref) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.queueLocked(ref)
	b.expirePurgedLocked(q)
	count := 0
	for _, stored := range q.messages {
		if stored.purgedUntil.IsZero() {
			count++
		}
	}
	return count
}

// Put enqueues a body directly and returns the message ID. It is not counted in Stats.
func (b *Broker) Put(ref queue.Ref, body string, attributes map[string]queue.Attribute) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.putLocked(b.queueLocked(ref), queue.SendEntry{Body: body, Attributes: attributes})
}

// Receive returns up to opts.MaxMessages visible messages. WaitTime is ignored.
func (b *Broker) Receive(ctx context.Context, ref queue.Ref, opts queue.ReceiveOptions) ([]queue.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stats.Receive++
	if err := b.callError(ctx, "receive", ref); err != nil {
		return nil, err
	}

	limit := int(opts.MaxMessages)
	if limit <= 0 || limit > queue.MaxBatchSize {
		limit = queue.MaxBatchSize
	}
	q := b.queueLocked(ref)
	b.expirePurgedLocked(q)
	now := b.now()

	out := make([]queue.Message, 0, limit)
	for _, id := range q.order {
		if len(out) == limit {
			break
		}
		stored, ok := q.messages[id]
		if !ok || stored.visibleAt.After(now) {
			continue
		}
		stored.receipt = uuid.NewString()
		stored.visibleAt = now.Add(opts.VisibilityTimeout)
		msg := cloneMessage(stored.msg)
		msg.ReceiptHandle = stored.receipt
		out = append(out, msg)
	}
	return out, nil
}

// SendBatch enqueues every entry that is not rejected by the send fault.
func (b *Broker) SendBatch(ctx context.Context, ref queue.Ref, entries []queue.SendEntry) (queue.BatchResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stats.Send++
	if err := b.callError(ctx, "send", ref); err != nil {
		return queue.BatchResult{}, err
	}

	q := b.queueLocked(ref)
	var result queue.BatchResult
	for _, entry := range entries {
		if b.sendFault != nil {
			if err := b.sendFault(ref, entry); err != nil {
				result.Failed = append(result.Failed, queue.BatchFailure{
					CorrelationKey: entry.CorrelationKey,
					Code:           "InjectedFault",
					Reason:         err.Error(),
				})
				continue
			}
		}
		if entry.Body == "" {
			result.Failed = append(result.Failed, queue.BatchFailure{
				CorrelationKey: entry.CorrelationKey,
				Code:           "EmptyBody",
				Reason:         "message body is empty",
				SenderFault:    true,
			})
			continue
		}
		b.putLocked(q, entry)
		result.Succeeded = append(result.Succeeded, entry.CorrelationKey)
	}
	return result, nil
}

// DeleteBatch removes messages whose receipt handle is still current.
func (b *Broker) DeleteBatch(ctx context.Context, ref queue.Ref, entries []queue.DeleteEntry) (queue.BatchResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stats.Delete++
	if err := b.callError(ctx, "delete", ref); err != nil {
		return queue.BatchResult{}, err
	}

	q := b.queueLocked(ref)
	now := b.now()
	var result queue.BatchResult
	for _, entry := range entries {
		if b.deleteFault != nil {
			if err := b.deleteFault(ref, entry); err != nil {
				result.Failed = append(result.Failed, queue.BatchFailure{
					CorrelationKey: entry.CorrelationKey,
					Code:           "InjectedFault",
					Reason:         err.Error(),
				})
				continue
			}
		}
		id, ok := q.findByReceipt(entry.ReceiptHandle)
		if !ok || !q.messages[id].visibleAt.After(now) {
			result.Failed = append(result.Failed, queue.BatchFailure{
				CorrelationKey: entry.CorrelationKey,
				Code:           "ReceiptHandleIsInvalid",
				Reason:         "receipt handle is unknown or expired",
				SenderFault:    true,
			})
			continue
		}
		q.remove(id)
		result.Succeeded = append(result.Succeeded, entry.CorrelationKey)
	}
	return result, nil
}

// Purge removes every message. With a purge lag the messages stay receivable until the lag elapses.
func (b *Broker) Purge(ctx context.Context, ref queue.Ref) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stats.Purge++
	if err := b.callError(ctx, "purge", ref); err != nil {
		return err
	}

	q := b.queueLocked(ref)
	if b.purgeLag <= 0 {
		q.order = nil
		q.messages = map[string]*storedMessage{}
		return nil
	}
	until := b.now().Add(b.purgeLag)
	for _, stored := range q.messages {
		stored.purgedUntil = until
	}
	return nil
}

// HealthCheck always succeeds for an in-memory queue.
func (b *Broker) HealthCheck(ctx context.Context, ref queue.Ref) error {
	return ref.Validate()
}

func (b *Broker) callError(ctx context.Context, op string, ref queue.Ref) error {
	if err := ref.Validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return queue.NewTransportError(op, ref, err)
	}
	if err, ok := b.callErrors[op]; ok && err != nil {
		return queue.NewTransportError(op, ref, err)
	}
	return nil
}

func (b *Broker) queueLocked(ref queue.Ref) *memQueue {
	key := queue.Ref(strings.TrimSpace(string(ref)))
	q, ok := b.queues[key]
	if !ok {
		q = &memQueue{messages: map[string]*storedMessage{}}
		b.queues[key] = q
	}
	return q
}

func (b *Broker) putLocked(q *memQueue, entry queue.SendEntry) string {
	id := uuid.NewString()
	msg := queue.Message{
		ID:         id,
		Body:       entry.Body,
		Attributes: cloneAttributes(entry.Attributes),
	}
	if entry.GroupID != "" || entry.DeduplicationID != "" {
		msg.SystemAttributes = map[string]string{}
		if entry.GroupID != "" {
			msg.SystemAttributes[queue.SystemAttributeGroupID] = entry.GroupID
		}
		if entry.DeduplicationID != "" {
			msg.SystemAttributes[queue.SystemAttributeDeduplicationID] = entry.DeduplicationID
		}
	}
	q.order = append(q.order, id)
	q.messages[id] = &storedMessage{msg: msg}
	return id
}

func (b *Broker) expirePurgedLocked(q *memQueue) {
	now := b.now()
	for id, stored := range q.messages {
		if !stored.purgedUntil.IsZero() && !stored.purgedUntil.After(now) {
			q.remove(id)
		}
	}
}

func (q *memQueue) findByReceipt(receipt string) (string, bool) {
	if receipt == "" {
		return "", false
	}
	for id, stored := range q.messages {
		if stored.receipt == receipt {
			return id, true
		}
	}
	return "", false
}

func (q *memQueue) remove(id string) {
	delete(q.messages, id)
	for i, existing := range q.order {
		if existing == id {
			q.order = append(q.order[:i], q.order[i+1:]...)
			return
		}
	}
}

func cloneMessage(msg queue.Message) queue.Message {
	out := msg
	out.Attributes = cloneAttributes(msg.Attributes)
	if msg.SystemAttributes != nil {
		out.SystemAttributes = make(map[string]string, len(msg.SystemAttributes))
		for k, v := range msg.SystemAttributes {
			out.SystemAttributes[k] = v
		}
	}
	return out
}

func cloneAttributes(in map[string]queue.Attribute) map[string]queue.Attribute {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]queue.Attribute, len(in))
	for k, v := range in {
		if v.BinaryValue != nil {
			v.BinaryValue = append([]byte(nil), v.BinaryValue...)
		}
		out[k] = v
	}
	return out
}

// String describes the broker for logs.
func (b *Broker) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return fmt.Sprintf("memqueue(%d queues)", len(b.queues))
}
