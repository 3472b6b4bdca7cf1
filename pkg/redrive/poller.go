package redrive

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nimburion/redrive/pkg/queue"
)

// PollOptions customizes a single Poll.
type PollOptions struct {
	// VisibilityTimeout overrides the list visibility window when positive.
	VisibilityTimeout time.Duration
	// Progress is called with the running unique count after each branch is merged,
	// once at least one message has been found.
	Progress func(found int)
}

type branchResult struct {
	branch   int
	messages []queue.Message
	err      error
}

// Poll issues the configured number of staggered receive calls against ref and merges
// their results into one deduplicated set. An empty set is a valid result.
//
// Every branch returns its own slice; a single loop in the caller's goroutine merges them,
// so the set is never written concurrently. A branch failure fails the poll once every
// launched branch has returned.
func (e *Engine) Poll(ctx context.Context, ref queue.Ref, opts PollOptions) (*MessageSet, error) {
	if err := ref.Validate(); err != nil {
		return nil, err
	}
	visibility := opts.VisibilityTimeout
	if visibility <= 0 {
		visibility = e.config.ListVisibility
	}
	receiveOpts := queue.ReceiveOptions{
		MaxMessages:       e.config.MaxMessages,
		WaitTime:          e.config.WaitTime,
		VisibilityTimeout: visibility,
	}

	started := time.Now()
	defer func() {
		e.metrics.ObservePoll(ref.String(), time.Since(started))
	}()

	results := make(chan branchResult, e.config.Branches)
	var wg sync.WaitGroup
	var launchErr error
	for i := 0; i < e.config.Branches; i++ {
		if i > 0 {
			if err := e.sleep(ctx, e.config.Stagger); err != nil {
				launchErr = err
				break
			}
		}
		wg.Add(1)
		go func(branch int) {
			defer wg.Done()
			messages, err := e.receive(ctx, ref, receiveOpts)
			results <- branchResult{branch: branch, messages: messages, err: err}
		}(i)
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	set := NewMessageSet()
	var errs []error
	for result := range results {
		if result.err != nil {
			errs = append(errs, fmt.Errorf("poll branch %d: %w", result.branch, result.err))
			continue
		}
		added := set.Merge(result.messages)
		e.log.WithContext(ctx).Debug("poll branch merged",
			"queue", ref.String(),
			"branch", result.branch,
			"received", len(result.messages),
			"new", added,
			"found", set.Len(),
		)
		if opts.Progress != nil && set.Len() > 0 {
			opts.Progress(set.Len())
		}
	}

	if launchErr != nil {
		return nil, launchErr
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return set, nil
}
