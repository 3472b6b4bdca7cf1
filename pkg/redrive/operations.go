package redrive

import (
	"context"
	"errors"
	"fmt"

	"github.com/nimburion/redrive/pkg/queue"
)

// Operation is one of ListFailedOp, PurgeAllOp, RedriveAllOp or SendOneOp.
type Operation interface {
	Name() string
	operation()
}

// ListFailedOp lists the messages currently visible in the DLQ.
// With Drain set it polls until no new message shows up instead of polling once.
type ListFailedOp struct {
	Progress func(found int)
	Drain    bool
}

// PurgeAllOp deletes every message in the DLQ.
type PurgeAllOp struct{}

// RedriveAllOp moves every DLQ message back to the primary queue.
type RedriveAllOp struct {
	Progress ProgressFunc
}

// SendOneOp publishes one message to the primary queue.
type SendOneOp struct {
	Body       string
	Attributes map[string]queue.Attribute
}

func (ListFailedOp) Name() string { return "list" }
func (PurgeAllOp) Name() string   { return "purge" }
func (RedriveAllOp) Name() string { return "redrive" }
func (SendOneOp) Name() string    { return "send" }

func (ListFailedOp) operation() {}
func (PurgeAllOp) operation()   {}
func (RedriveAllOp) operation() {}
func (SendOneOp) operation()    {}

// Report is the result of Execute. Only the fields of the executed operation are set.
type Report struct {
	Operation string
	Messages  []queue.Message
	Summary   *Summary
}

// Execute runs op. For RedriveAllOp the report carries the summary even when an
// *AbortError is returned.
func (e *Engine) Execute(ctx context.Context, op Operation) (Report, error) {
	if op == nil {
		return Report{}, errors.New("operation is required")
	}
	report := Report{Operation: op.Name()}
	switch op := op.(type) {
	case ListFailedOp:
		list := e.ListFailed
		if op.Drain {
			list = e.ListAll
		}
		set, err := list(ctx, op.Progress)
		if err != nil {
			return report, err
		}
		report.Messages = set.Messages()
		return report, nil
	case PurgeAllOp:
		return report, e.PurgeAll(ctx)
	case RedriveAllOp:
		summary, err := e.RedriveAll(ctx, op.Progress)
		report.Summary = &summary
		return report, err
	case SendOneOp:
		return report, e.SendOne(ctx, op.Body, op.Attributes)
	default:
		return report, fmt.Errorf("unsupported operation %T", op)
	}
}
