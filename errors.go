package strata

import (
	"fmt"
)

// FailedMutation pairs a row mutation that was not applied with the error
// that made it final. Index is the mutation's position in the original
// BulkMutation, whatever round the failure happened in.
type FailedMutation struct {
	Index int
	Row   *RowMutation
	Err   error
}

// BulkFailure is the error returned by Table.BulkApply when at least one
// mutation is known, or must be assumed, not to have been applied. Mutations
// absent from Failed were applied successfully; callers can resubmit exactly
// the failed ones. LastErr is the stream-level error of the last attempt, if
// the attempt failed as a whole rather than per entry.
type BulkFailure struct {
	Failed  []FailedMutation
	LastErr error
}

func (e *BulkFailure) Error() string {
	if e.LastErr != nil {
		return fmt.Sprintf("bulk apply: %d mutations not applied, last attempt error: %v", len(e.Failed), e.LastErr)
	}
	return fmt.Sprintf("bulk apply: %d mutations not applied", len(e.Failed))
}
