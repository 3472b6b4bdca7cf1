// Package queue defines the narrow queue client capability consumed by the redrive engine.
//
// A Client exposes exactly four primitives: Receive, SendBatch, DeleteBatch and Purge.
// Backends live in sub-packages (sqs, redisq, memqueue).
package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// MaxBatchSize is the largest number of entries a single backend batch call accepts.
const MaxBatchSize = 10

// System attribute names propagated on redrive for FIFO queues.
const (
	SystemAttributeGroupID         = "MessageGroupId"
	SystemAttributeDeduplicationID = "MessageDeduplicationId"
)

// ErrUnresolvedQueue is returned when an operation is attempted with an empty queue reference.
var ErrUnresolvedQueue = errors.New("queue reference is not resolved")

// Ref identifies a queue. For SQS it is a queue URL (or a name resolved to one),
// for the redis and memory backends it is a queue name.
type Ref string

// String returns the reference as a string.
func (r Ref) String() string {
	return string(r)
}

// Validate returns ErrUnresolvedQueue when the reference is empty.
func (r Ref) Validate() error {
	if strings.TrimSpace(string(r)) == "" {
		return ErrUnresolvedQueue
	}
	return nil
}

// Attribute is an opaque message attribute value, carried verbatim on redrive.
type Attribute struct {
	DataType    string `json:"data_type"`
	StringValue string `json:"string_value,omitempty"`
	BinaryValue []byte `json:"binary_value,omitempty"`
}

// Message is one received copy of a queued message. It is never mutated after receive.
type Message struct {
	ID               string               `json:"id"`
	Body             string               `json:"body"`
	Attributes       map[string]Attribute `json:"attributes,omitempty"`
	SystemAttributes map[string]string    `json:"system_attributes,omitempty"`
	ReceiptHandle    string               `json:"-"`
}

// ReceiveOptions bounds a single receive call.
type ReceiveOptions struct {
	MaxMessages       int32
	WaitTime          time.Duration
	VisibilityTimeout time.Duration
}

// SendEntry is one entry of a batch send. CorrelationKey is local to the batch.
type SendEntry struct {
	CorrelationKey  string
	Body            string
	Attributes      map[string]Attribute
	GroupID         string
	DeduplicationID string
}

// DeleteEntry is one entry of a batch delete.
type DeleteEntry struct {
	CorrelationKey string
	ReceiptHandle  string
}

// BatchFailure is a backend-reported rejection of a single batch entry.
type BatchFailure struct {
	CorrelationKey string
	Code           string
	Reason         string
	SenderFault    bool
}

// BatchResult is the per-entry outcome of a batch call.
type BatchResult struct {
	Succeeded []string
	Failed    []BatchFailure
}

// SucceededKeys returns the succeeded correlation keys as a set.
func (r BatchResult) SucceededKeys() map[string]struct{} {
	out := make(map[string]struct{}, len(r.Succeeded))
	for _, key := range r.Succeeded {
		out[key] = struct{}{}
	}
	return out
}

// FailedKeys returns the failed correlation keys as a set.
func (r BatchResult) FailedKeys() map[string]struct{} {
	out := make(map[string]struct{}, len(r.Failed))
	for _, failure := range r.Failed {
		out[failure.CorrelationKey] = struct{}{}
	}
	return out
}

// Merge appends other's entries to r.
func (r *BatchResult) Merge(other BatchResult) {
	r.Succeeded = append(r.Succeeded, other.Succeeded...)
	r.Failed = append(r.Failed, other.Failed...)
}

// Client is the queue capability the redrive engine depends on.
type Client interface {
	// Receive returns up to opts.MaxMessages currently visible messages and hides them
	// for opts.VisibilityTimeout.
	Receive(ctx context.Context, ref Ref, opts ReceiveOptions) ([]Message, error)

	// SendBatch enqueues entries and reports per-entry success or failure.
	SendBatch(ctx context.Context, ref Ref, entries []SendEntry) (BatchResult, error)

	// DeleteBatch removes received messages by receipt handle and reports per-entry success or failure.
	DeleteBatch(ctx context.Context, ref Ref, entries []DeleteEntry) (BatchResult, error)

	// Purge removes every message of the queue.
	Purge(ctx context.Context, ref Ref) error
}

// HealthChecker is implemented by clients able to verify a queue is reachable.
type HealthChecker interface {
	HealthCheck(ctx context.Context, ref Ref) error
}

// TransportError marks a failure of the call itself, as opposed to a per-entry rejection.
type TransportError struct {
	Op    string
	Queue Ref
	Err   error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Queue, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// NewTransportError wraps err unless it is nil or already a TransportError.
func NewTransportError(op string, ref Ref, err error) error {
	if err == nil {
		return nil
	}
	var te *TransportError
	if errors.As(err, &te) {
		return err
	}
	return &TransportError{Op: op, Queue: ref, Err: err}
}

// IsTransportError reports whether err is (or wraps) a TransportError.
func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// Chunk splits n entries into index ranges of at most size entries.
func Chunk(n, size int) [][2]int {
	if size <= 0 {
		size = MaxBatchSize
	}
	out := make([][2]int, 0, (n+size-1)/size)
	for start := 0; start < n; start += size {
		end := start + size
		if end > n {
			end = n
		}
		out = append(out, [2]int{start, end})
	}
	return out
}
