package redrive

import (
	"context"
	"fmt"

	"github.com/nimburion/redrive/pkg/observability/tracing"
)

// State is the terminal state of RedriveAll.
type State string

const (
	// StateConverged means the last poll found no messages.
	StateConverged State = "converged"
	// StateExhausted means a round found messages but retried none without reporting a failure.
	StateExhausted State = "exhausted"
	// StateAborted means a round left messages not retried or not deleted.
	StateAborted State = "aborted"
)

// Summary aggregates every round of one RedriveAll call.
type Summary struct {
	State        State
	Rounds       int
	TotalFound   int
	TotalRetried int
	// LastRound is the outcome of the final round that redrove messages.
	LastRound Outcome
}

// Progress is reported after each round.
type Progress struct {
	Round        int
	Found        int
	Outcome      Outcome
	TotalFound   int
	TotalRetried int
}

// ProgressFunc receives round progress.
type ProgressFunc func(Progress)

// RedriveAll polls the DLQ and redrives what it finds, round after round, until a poll finds
// nothing. A round with any message not retried or not deleted stops the loop and returns an
// *AbortError alongside the summary. Rounds never overlap.
func (e *Engine) RedriveAll(ctx context.Context, progress ProgressFunc) (Summary, error) {
	if err := e.config.Primary.Validate(); err != nil {
		return Summary{}, fmt.Errorf("primary queue: %w", err)
	}
	if err := e.config.DLQ.Validate(); err != nil {
		return Summary{}, fmt.Errorf("dead letter queue: %w", err)
	}
	log := e.log.WithContext(ctx)
	dlq := e.config.DLQ.String()

	var summary Summary
	for {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		summary.Rounds++

		found, outcome, err := e.round(ctx, summary.Rounds)
		if err != nil {
			return summary, fmt.Errorf("round %d: %w", summary.Rounds, err)
		}

		summary.TotalFound += found
		summary.TotalRetried += outcome.Retried
		if found > 0 {
			summary.LastRound = outcome
		}
		e.metrics.RecordOutcome(dlq, found, outcome.Retried, outcome.RetriedNotDeleted, outcome.NotRetried)

		state, done := nextState(found, outcome)
		if done {
			e.metrics.RecordRound(dlq, string(state))
		} else {
			e.metrics.RecordRound(dlq, "continue")
		}
		if progress != nil {
			progress(Progress{
				Round:        summary.Rounds,
				Found:        found,
				Outcome:      outcome,
				TotalFound:   summary.TotalFound,
				TotalRetried: summary.TotalRetried,
			})
		}

		if done {
			summary.State = state
			log.Info("redrive finished",
				"state", string(state),
				"rounds", summary.Rounds,
				"total_found", summary.TotalFound,
				"total_retried", summary.TotalRetried,
			)
			if state == StateAborted {
				return summary, &AbortError{Summary: summary}
			}
			return summary, nil
		}

		if e.limiter != nil {
			if err := e.wait(ctx, outcome.Retried); err != nil {
				return summary, err
			}
		}
	}
}

// wait charges the limiter for the messages a round moved, capped at the burst so a
// backend returning more than MaxMessages per receive cannot make WaitN fail.
func (e *Engine) wait(ctx context.Context, moved int) error {
	if burst := e.limiter.Burst(); moved > burst {
		moved = burst
	}
	if moved <= 0 {
		return nil
	}
	return e.limiter.WaitN(ctx, moved)
}

func (e *Engine) round(ctx context.Context, round int) (int, Outcome, error) {
	ctx, span := tracing.StartMessagingSpan(ctx, tracing.SpanOperationRedriveRound,
		tracing.WithMessagingSystem(e.config.System),
		tracing.WithMessagingDestination(e.config.DLQ.String()),
	)

	set, err := e.Poll(ctx, e.config.DLQ, PollOptions{VisibilityTimeout: e.config.RedriveVisibility})
	if err != nil {
		tracing.End(span, err)
		return 0, Outcome{}, err
	}
	e.log.WithContext(ctx).Debug("redrive round polled", "round", round, "found", set.Len())
	if set.Len() == 0 {
		tracing.End(span, nil)
		return 0, Outcome{}, nil
	}

	outcome, err := e.Redrive(ctx, e.config.Primary, e.config.DLQ, set.Messages())
	tracing.End(span, err)
	if err != nil {
		return set.Len(), Outcome{}, err
	}
	return set.Len(), outcome, nil
}

// nextState applies the loop rules to one round and reports whether the loop ends.
func nextState(found int, outcome Outcome) (State, bool) {
	switch {
	case found == 0:
		return StateConverged, true
	case outcome.Failed():
		return StateAborted, true
	case outcome.Retried == 0:
		return StateExhausted, true
	default:
		return "", false
	}
}

