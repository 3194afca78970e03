package events

import (
	"encoding/json"

	"relay/internal/types"
)

type Kind string

const (
	KindThreadStarted        Kind = "thread_started"
	KindTurnStarted          Kind = "turn_started"
	KindAssistantTextDelta   Kind = "assistant_text_delta"
	KindReasoningDelta       Kind = "reasoning_delta"
	KindCommandStarted       Kind = "command_started"
	KindCommandOutputDelta   Kind = "command_output_delta"
	KindCommandCompleted     Kind = "command_completed"
	KindTurnCompleted        Kind = "turn_completed"
	KindTurnFailed           Kind = "turn_failed"
	KindTokenUsageUpdated    Kind = "token_usage_updated"
	KindRateLimitsUpdated    Kind = "rate_limits_updated"
	KindAgentError           Kind = "agent_error"
	KindApprovalRequested    Kind = "approval_requested"
	KindApprovalAutoApproved Kind = "approval_auto_approved"
	KindSessionEnded         Kind = "session_ended"
	KindRunInterrupted       Kind = "run_interrupted"
	KindUnknown              Kind = "unknown_event"
)

// Event is the closed set of normalized session events. Every concrete type
// lives in this package; callers switch on the type or on Kind.
type Event interface {
	Kind() Kind
	event()
}

type ThreadStarted struct {
	ThreadID string
}

type TurnStarted struct {
	TurnID string
}

type AssistantTextDelta struct {
	ItemID string
	Text   string
}

type ReasoningDelta struct {
	ItemID string
	Text   string
}

type CommandStarted struct {
	ItemID  string
	Command string
}

type CommandOutputDelta struct {
	ItemID string
	Text   string
}

type CommandCompleted struct {
	ItemID   string
	Command  string
	ExitCode *int
	Output   string
}

// TurnCompleted carries the latest known usage for the session.
type TurnCompleted struct {
	TurnID string
	Usage  *types.TokenUsage
}

type TurnFailed struct {
	TurnID  string
	Message string
}

type TokenUsageUpdated struct {
	Usage *types.TokenUsage
}

type RateLimitsUpdated struct {
	Usage *types.TokenUsage
}

type AgentError struct {
	Message string
}

// ApprovalRequested is emitted after the pending approval has been
// persisted. Approval.SuggestedPrefix is empty when approve_similar is not
// offered.
type ApprovalRequested struct {
	Approval *types.PendingApproval
}

type ApprovalAutoApproved struct {
	RPCRequestID int64
	Command      string
	// Reason is "trusted_prefix" or "yolo".
	Reason string
}

// SessionEnded reports that the agent connection is gone. Err is nil for a
// requested close.
type SessionEnded struct {
	Err error
}

// RunInterrupted reports that a run left over from a dead session was reset
// to idle. Pending is the approval that can no longer be answered, if any.
type RunInterrupted struct {
	Pending *types.PendingApproval
}

// UnknownEvent carries any notification the normalizer does not model.
type UnknownEvent struct {
	Method string
	Raw    json.RawMessage
}

func (ThreadStarted) Kind() Kind        { return KindThreadStarted }
func (TurnStarted) Kind() Kind          { return KindTurnStarted }
func (AssistantTextDelta) Kind() Kind   { return KindAssistantTextDelta }
func (ReasoningDelta) Kind() Kind       { return KindReasoningDelta }
func (CommandStarted) Kind() Kind       { return KindCommandStarted }
func (CommandOutputDelta) Kind() Kind   { return KindCommandOutputDelta }
func (CommandCompleted) Kind() Kind     { return KindCommandCompleted }
func (TurnCompleted) Kind() Kind        { return KindTurnCompleted }
func (TurnFailed) Kind() Kind           { return KindTurnFailed }
func (TokenUsageUpdated) Kind() Kind    { return KindTokenUsageUpdated }
func (RateLimitsUpdated) Kind() Kind    { return KindRateLimitsUpdated }
func (AgentError) Kind() Kind           { return KindAgentError }
func (ApprovalRequested) Kind() Kind    { return KindApprovalRequested }
func (ApprovalAutoApproved) Kind() Kind { return KindApprovalAutoApproved }
func (SessionEnded) Kind() Kind         { return KindSessionEnded }
func (RunInterrupted) Kind() Kind       { return KindRunInterrupted }
func (UnknownEvent) Kind() Kind         { return KindUnknown }

func (ThreadStarted) event()        {}
func (TurnStarted) event()          {}
func (AssistantTextDelta) event()   {}
func (ReasoningDelta) event()       {}
func (CommandStarted) event()       {}
func (CommandOutputDelta) event()   {}
func (CommandCompleted) event()     {}
func (TurnCompleted) event()        {}
func (TurnFailed) event()           {}
func (TokenUsageUpdated) event()    {}
func (RateLimitsUpdated) event()    {}
func (AgentError) event()           {}
func (ApprovalRequested) event()    {}
func (ApprovalAutoApproved) event() {}
func (SessionEnded) event()         {}
func (RunInterrupted) event()       {}
func (UnknownEvent) event()         {}
