package redrive

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/nimburion/redrive/pkg/queue"
)

// ListFailed polls the DLQ once with the short list visibility and redrives nothing.
// Consecutive calls may return different sets.
func (e *Engine) ListFailed(ctx context.Context, progress func(found int)) (*MessageSet, error) {
	set, err := e.Poll(ctx, e.config.DLQ, PollOptions{Progress: progress})
	if err != nil {
		return nil, err
	}
	e.log.WithContext(ctx).Debug("listed failed messages", "found", set.Len())
	return set, nil
}

// ListAll keeps polling the DLQ with the redrive visibility until a poll adds nothing new.
// Messages stay hidden for the redrive visibility, so each poll reaches messages the
// previous ones could not. Use it when the whole DLQ must be captured, for example
// before a purge.
func (e *Engine) ListAll(ctx context.Context, progress func(found int)) (*MessageSet, error) {
	all := NewMessageSet()
	for {
		set, err := e.Poll(ctx, e.config.DLQ, PollOptions{VisibilityTimeout: e.config.RedriveVisibility})
		if err != nil {
			return nil, err
		}
		if all.Merge(set.Messages()) == 0 {
			break
		}
		if progress != nil {
			progress(all.Len())
		}
	}
	e.log.WithContext(ctx).Debug("drained failed messages", "found", all.Len())
	return all, nil
}

// PurgeAll deletes every message of the DLQ with one purge call and then waits the settle
// delay. Some backends keep returning purged messages for a short while after that.
func (e *Engine) PurgeAll(ctx context.Context) error {
	if err := e.config.DLQ.Validate(); err != nil {
		return fmt.Errorf("dead letter queue: %w", err)
	}
	if err := e.purge(ctx, e.config.DLQ); err != nil {
		return fmt.Errorf("purge %s: %w", e.config.DLQ, err)
	}
	e.log.WithContext(ctx).Info("dead letter queue purged")
	return e.sleep(ctx, e.config.SettleDelay)
}

// SendOne publishes a single message to the primary queue.
// A per-entry rejection is returned as an error.
func (e *Engine) SendOne(ctx context.Context, body string, attributes map[string]queue.Attribute) error {
	if err := e.config.Primary.Validate(); err != nil {
		return fmt.Errorf("primary queue: %w", err)
	}
	if body == "" {
		return errors.New("message body is required")
	}

	key := uuid.NewString()
	result, err := e.sendBatch(ctx, e.config.Primary, []queue.SendEntry{{
		CorrelationKey: key,
		Body:           body,
		Attributes:     attributes,
	}})
	if err != nil {
		return fmt.Errorf("send to %s: %w", e.config.Primary, err)
	}
	for _, failure := range result.Failed {
		if failure.CorrelationKey == key {
			return fmt.Errorf("%s rejected the message: %s %s", e.config.Primary, failure.Code, failure.Reason)
		}
	}
	e.log.WithContext(ctx).Info("message sent", "bytes", len(body))
	return nil
}
