package redrive

import (
	"errors"
	"fmt"
)

// ErrAborted matches every *AbortError.
var ErrAborted = errors.New("redrive aborted")

// AbortError is returned by RedriveAll when a round ends with messages that were not
// retried or not deleted. Summary holds the totals up to and including that round.
type AbortError struct {
	Summary Summary
}

func (e *AbortError) Error() string {
	last := e.Summary.LastRound
	return fmt.Sprintf("redrive aborted after round %d: %d retried so far, %d retried but not deleted, %d not retried",
		e.Summary.Rounds, e.Summary.TotalRetried, last.RetriedNotDeleted, last.NotRetried)
}

// Is reports whether target is ErrAborted.
func (e *AbortError) Is(target error) bool {
	return target == ErrAborted
}
