package session

import (
	"errors"
	"fmt"

	"relay/internal/approval"
	"relay/internal/machine"
	"relay/internal/rpc"
)

var (
	ErrSessionClosed = errors.New("session closed")
	ErrNotStarted    = errors.New("session not started")
	ErrEmptyMessage  = errors.New("message is empty")
)

type FailureKind string

const (
	FailureUnreachable    FailureKind = "unreachable"
	FailureConnectionLost FailureKind = "connection_lost"
	FailureStaleApproval  FailureKind = "stale_approval"
	FailurePathEscape     FailureKind = "path_escape"
	FailureInterrupted    FailureKind = "interrupted"
	FailureProtocol       FailureKind = "protocol_error"
)

// Failure is a classified condition the chat layer shows to the user. The
// conversation is back to idle whenever one is returned.
type Failure struct {
	Kind FailureKind
	Err  error
}

func (f *Failure) Error() string {
	if f.Err == nil {
		return string(f.Kind)
	}
	return fmt.Sprintf("%s: %v", f.Kind, f.Err)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// Message is the user-facing text for the failure.
func (f *Failure) Message() string {
	switch f.Kind {
	case FailureUnreachable:
		var unreachable *machine.UnreachableError
		if errors.As(f.Err, &unreachable) {
			return fmt.Sprintf("Machine %s is unreachable. Retry, or switch machines.", unreachable.Machine)
		}
		return "Machine is unreachable. Retry, or switch machines."
	case FailureConnectionLost:
		return "Lost the connection to the agent. Send a message to reconnect."
	case FailureStaleApproval:
		return "This approval is no longer valid."
	case FailurePathEscape:
		return "That path is outside the allowed roots."
	case FailureInterrupted:
		return "The previous run was interrupted."
	default:
		return fmt.Sprintf("Agent error: %v", f.Err)
	}
}

// Classify returns the Failure for err, or nil when err is not one of the
// classified conditions.
func Classify(err error) *Failure {
	if err == nil {
		return nil
	}
	var failure *Failure
	if errors.As(err, &failure) {
		return failure
	}
	var unreachable *machine.UnreachableError
	if errors.As(err, &unreachable) {
		return &Failure{Kind: FailureUnreachable, Err: err}
	}
	var escape *machine.PathEscapeError
	if errors.As(err, &escape) {
		return &Failure{Kind: FailurePathEscape, Err: err}
	}
	var stale *approval.StaleApprovalError
	if errors.As(err, &stale) {
		return &Failure{Kind: FailureStaleApproval, Err: err}
	}
	if errors.Is(err, rpc.ErrConnectionLost) {
		return &Failure{Kind: FailureConnectionLost, Err: err}
	}
	var rpcErr *rpc.Error
	if errors.As(err, &rpcErr) {
		return &Failure{Kind: FailureProtocol, Err: err}
	}
	return nil
}

func wrapFailure(err error) error {
	if failure := Classify(err); failure != nil {
		return failure
	}
	return err
}
