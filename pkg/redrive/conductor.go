package redrive

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/nimburion/redrive/pkg/queue"
)

// Outcome classifies every message of one redrive round into exactly one of three counts.
type Outcome struct {
	// Retried messages were sent to the primary queue and deleted from the DLQ.
	Retried int
	// RetriedNotDeleted messages were sent but are still in the DLQ.
	RetriedNotDeleted int
	// NotRetried messages were rejected by the primary queue and left untouched in the DLQ.
	NotRetried int

	SendFailures   []queue.BatchFailure
	DeleteFailures []queue.BatchFailure
}

// Total returns the number of classified messages.
func (o Outcome) Total() int {
	return o.Retried + o.RetriedNotDeleted + o.NotRetried
}

// Failed reports whether any message ended outside the retried category.
func (o Outcome) Failed() bool {
	return o.RetriedNotDeleted > 0 || o.NotRetried > 0
}

// Redrive sends messages to primary, deletes the accepted ones from dlq and classifies the result.
//
// Transport errors from either batch call fail the whole round without a classification.
// Per-entry rejections never fail the call. Once the first call is issued the round runs to
// completion even if ctx is cancelled, since a half-finished round is already a handled outcome.
func (e *Engine) Redrive(ctx context.Context, primary, dlq queue.Ref, messages []queue.Message) (Outcome, error) {
	if err := primary.Validate(); err != nil {
		return Outcome{}, fmt.Errorf("primary queue: %w", err)
	}
	if err := dlq.Validate(); err != nil {
		return Outcome{}, fmt.Errorf("dead letter queue: %w", err)
	}
	if len(messages) == 0 {
		return Outcome{}, nil
	}

	seen := make(map[string]struct{}, len(messages))
	entries := make([]queue.SendEntry, 0, len(messages))
	for _, msg := range messages {
		if msg.ID == "" {
			return Outcome{}, fmt.Errorf("message without id cannot be redriven")
		}
		if _, dup := seen[msg.ID]; dup {
			return Outcome{}, fmt.Errorf("message %s appears twice in one redrive batch", msg.ID)
		}
		seen[msg.ID] = struct{}{}
		entries = append(entries, e.sendEntryFor(msg))
	}

	if err := ctx.Err(); err != nil {
		return Outcome{}, err
	}
	// Once the send is issued the delete must follow, even if ctx is cancelled meanwhile.
	ctx = context.WithoutCancel(ctx)

	sent, err := e.sendBatch(ctx, primary, entries)
	if err != nil {
		return Outcome{}, fmt.Errorf("send batch to %s: %w", primary, err)
	}
	sendFailed := sent.FailedKeys()

	deletes := make([]queue.DeleteEntry, 0, len(messages))
	for _, msg := range messages {
		if _, failed := sendFailed[msg.ID]; failed || msg.ReceiptHandle == "" {
			continue
		}
		deletes = append(deletes, queue.DeleteEntry{CorrelationKey: msg.ID, ReceiptHandle: msg.ReceiptHandle})
	}

	var deleted queue.BatchResult
	if len(deletes) > 0 {
		deleted, err = e.deleteBatch(ctx, dlq, deletes)
		if err != nil {
			return Outcome{}, fmt.Errorf("delete batch from %s: %w", dlq, err)
		}
	}
	deleteSucceeded := deleted.SucceededKeys()
	deleteFailed := deleted.FailedKeys()

	outcome := Outcome{
		SendFailures:   sent.Failed,
		DeleteFailures: deleted.Failed,
	}
	for _, msg := range messages {
		_, sendRejected := sendFailed[msg.ID]
		_, removed := deleteSucceeded[msg.ID]
		_, notRemoved := deleteFailed[msg.ID]
		switch {
		case sendRejected:
			outcome.NotRetried++
		case removed && !notRemoved:
			outcome.Retried++
		default:
			outcome.RetriedNotDeleted++
		}
	}

	log := e.log.WithContext(ctx)
	log.Debug("redrive batch classified",
		"messages", len(messages),
		"retried", outcome.Retried,
		"retried_not_deleted", outcome.RetriedNotDeleted,
		"not_retried", outcome.NotRetried,
	)
	for _, failure := range outcome.SendFailures {
		log.Warn("primary queue rejected message", "id", failure.CorrelationKey, "code", failure.Code, "reason", failure.Reason)
	}
	for _, failure := range outcome.DeleteFailures {
		log.Warn("message sent but not deleted from dlq", "id", failure.CorrelationKey, "code", failure.Code, "reason", failure.Reason)
	}
	return outcome, nil
}

func (e *Engine) sendEntryFor(msg queue.Message) queue.SendEntry {
	entry := queue.SendEntry{
		CorrelationKey:  msg.ID,
		Body:            msg.Body,
		Attributes:      msg.Attributes,
		GroupID:         msg.SystemAttributes[queue.SystemAttributeGroupID],
		DeduplicationID: msg.SystemAttributes[queue.SystemAttributeDeduplicationID],
	}
	if e.config.FreshDeduplicationID && entry.GroupID != "" {
		entry.DeduplicationID = uuid.NewString()
	}
	return entry
}
