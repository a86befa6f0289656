// Package model holds the small value types shared between operation
// executors and the batch orchestrator.
package model

// Outcome is the tri-state result of a single item operation. It is
// explicit rather than inferred from remote status so callers can
// distinguish a confirmed success from one the remote side committed but
// whose confirmation could not be read back.
type Outcome string

const (
	// OutcomeSucceeded means the remote change completed and was confirmed.
	OutcomeSucceeded Outcome = "succeeded"
	// OutcomeAssumedSuccess means the remote call completed but its
	// confirmation payload could not be parsed. The change is presumed
	// committed and the condition is logged as a warning, never a failure.
	OutcomeAssumedSuccess Outcome = "assumed_success"
	// OutcomeFailed means the operation did not complete.
	OutcomeFailed Outcome = "failed"
)

// IsSuccess reports whether the outcome counts as a success for bulk
// accounting. Assumed successes count.
func (o Outcome) IsSuccess() bool {
	return o == OutcomeSucceeded || o == OutcomeAssumedSuccess
}
