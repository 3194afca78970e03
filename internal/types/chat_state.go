package types

import (
	"strings"
	"time"
)

type ApprovalMode string

const (
	ApprovalModeAlways    ApprovalMode = "always"
	ApprovalModeOnRequest ApprovalMode = "on_request"
	ApprovalModeYolo      ApprovalMode = "yolo"
)

func ParseApprovalMode(raw string) (ApprovalMode, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "always", "untrusted":
		return ApprovalModeAlways, true
	case "on_request", "on-request":
		return ApprovalModeOnRequest, true
	case "yolo", "never":
		return ApprovalModeYolo, true
	default:
		return "", false
	}
}

type RunState string

const (
	RunStateIdle             RunState = "idle"
	RunStateRunningTurn      RunState = "running_turn"
	RunStateAwaitingApproval RunState = "awaiting_approval"
	RunStateClosed           RunState = "closed"
)

// ChatState is the durable per-conversation record.
type ChatState struct {
	ChatID       int64        `json:"chat_id"`
	MachineName  string       `json:"machine_name"`
	Workdir      string       `json:"workdir"`
	SessionID    string       `json:"session_id,omitempty"`
	SessionTitle string       `json:"session_title,omitempty"`
	ApprovalMode ApprovalMode `json:"approval_mode"`
	SandboxMode  string       `json:"sandbox_mode,omitempty"`
	Model        string       `json:"model,omitempty"`
	Effort       string       `json:"effort,omitempty"`
	RunState     RunState     `json:"run_state"`

	// TrustedPrefixes belong to TrustedSessionID and are dropped as soon as
	// SessionID moves on.
	TrustedSessionID string           `json:"trusted_session_id,omitempty"`
	TrustedPrefixes  []string         `json:"trusted_prefixes,omitempty"`
	PendingApproval  *PendingApproval `json:"pending_approval,omitempty"`
	Usage            *TokenUsage      `json:"usage,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ClearSession forgets the remote thread and everything scoped to it.
func (s *ChatState) ClearSession() {
	s.SessionID = ""
	s.SessionTitle = ""
	s.TrustedSessionID = ""
	s.TrustedPrefixes = nil
	s.PendingApproval = nil
	s.Usage = nil
	s.RunState = RunStateIdle
}

func (s *ChatState) Clone() *ChatState {
	if s == nil {
		return nil
	}
	out := *s
	if s.TrustedPrefixes != nil {
		out.TrustedPrefixes = append([]string(nil), s.TrustedPrefixes...)
	}
	out.PendingApproval = s.PendingApproval.Clone()
	if s.Usage != nil {
		usage := *s.Usage
		out.Usage = &usage
	}
	return &out
}

// SessionIndexEntry records a thread a chat has used on a machine.
type SessionIndexEntry struct {
	ChatID      int64     `json:"chat_id"`
	MachineName string    `json:"machine_name"`
	SessionID   string    `json:"session_id"`
	Title       string    `json:"title,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	LastUsedAt  time.Time `json:"last_used_at"`
}
