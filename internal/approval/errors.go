package approval

import (
	"errors"
	"fmt"
)

var (
	ErrApprovalPending   = errors.New("an approval is pending; approve or reject it first")
	ErrNoPendingApproval = errors.New("no pending approval")
	ErrSimilarNotAllowed = errors.New("approve_similar is not available for this approval")
	ErrUnknownDecision   = errors.New("unknown approval decision")
	ErrApprovalBusy      = errors.New("another approval is already pending")
	ErrTurnInProgress    = errors.New("a turn is already running")
)

// StaleApprovalError reports a decision for a request the agent is no longer
// waiting on. The pending record has already been cleared.
type StaleApprovalError struct {
	RPCRequestID int64
	Err          error
}

func (e *StaleApprovalError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("approval %d is no longer valid: %v", e.RPCRequestID, e.Err)
	}
	return fmt.Sprintf("approval %d is no longer valid", e.RPCRequestID)
}

func (e *StaleApprovalError) Unwrap() error {
	return e.Err
}
