package types

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestPendingApprovalPreservesUnknownFields(t *testing.T) {
	raw := `{
		"version": 3,
		"request_kind": "commandExecution",
		"rpc_request_id": 7,
		"thread_id": "thr_1",
		"command_or_change": "ls -la",
		"created_at": "2026-01-02T03:04:05Z",
		"future_field": {"nested": true}
	}`
	var pending PendingApproval
	if err := json.Unmarshal([]byte(raw), &pending); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if pending.Version != 3 || pending.RPCRequestID != 7 || pending.Command != "ls -la" {
		t.Fatalf("unexpected record: %#v", pending)
	}
	if _, ok := pending.Extra["future_field"]; !ok {
		t.Fatalf("expected unknown field to be kept, got %#v", pending.Extra)
	}

	out, err := json.Marshal(pending)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(out), `"future_field":{"nested":true}`) {
		t.Fatalf("expected unknown field to be written back, got %s", out)
	}
	if !strings.Contains(string(out), `"rpc_request_id":7`) {
		t.Fatalf("expected known fields in output, got %s", out)
	}
}

func TestPendingApprovalDefaultsVersion(t *testing.T) {
	var pending PendingApproval
	if err := json.Unmarshal([]byte(`{"request_kind":"fileChange","rpc_request_id":1}`), &pending); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if pending.Version != PendingApprovalVersion {
		t.Fatalf("expected default version %d, got %d", PendingApprovalVersion, pending.Version)
	}
	if pending.Extra != nil {
		t.Fatalf("expected no extras, got %#v", pending.Extra)
	}
}

func TestChatStateClearSessionDropsScopedData(t *testing.T) {
	total := int64(10)
	state := &ChatState{
		ChatID:           1,
		SessionID:        "thr_1",
		TrustedSessionID: "thr_1",
		TrustedPrefixes:  []string{"git status"},
		PendingApproval:  &PendingApproval{RPCRequestID: 1, CreatedAt: time.Now()},
		Usage:            &TokenUsage{TotalTokens: &total},
		RunState:         RunStateAwaitingApproval,
	}
	state.ClearSession()
	if state.SessionID != "" || state.TrustedPrefixes != nil || state.PendingApproval != nil || state.Usage != nil {
		t.Fatalf("expected session scoped data to be cleared: %#v", state)
	}
	if state.RunState != RunStateIdle {
		t.Fatalf("expected idle run state, got %q", state.RunState)
	}
}

func TestParseApprovalMode(t *testing.T) {
	tests := map[string]ApprovalMode{
		"always":     ApprovalModeAlways,
		"on-request": ApprovalModeOnRequest,
		"ON_REQUEST": ApprovalModeOnRequest,
		"yolo":       ApprovalModeYolo,
		"never":      ApprovalModeYolo,
	}
	for raw, want := range tests {
		got, ok := ParseApprovalMode(raw)
		if !ok || got != want {
			t.Fatalf("ParseApprovalMode(%q) = %q, %v", raw, got, ok)
		}
	}
	if _, ok := ParseApprovalMode("sometimes"); ok {
		t.Fatalf("expected invalid mode to be rejected")
	}
}

func TestTokenUsageMergeAndRemaining(t *testing.T) {
	window := int64(1000)
	total := int64(250)
	var usage *TokenUsage
	usage = usage.Merge(&TokenUsage{ContextWindow: &window})
	usage = usage.Merge(&TokenUsage{TotalTokens: &total})
	remaining, ok := usage.ContextRemaining()
	if !ok || remaining != 750 {
		t.Fatalf("expected 750 remaining, got %d (%v)", remaining, ok)
	}
}
