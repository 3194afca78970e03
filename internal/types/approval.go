package types

import (
	"encoding/json"
	"time"
)

// PendingApprovalVersion is the schema version written by this build.
const PendingApprovalVersion = 1

type RequestKind string

const (
	RequestKindCommandExecution RequestKind = "commandExecution"
	RequestKindFileChange       RequestKind = "fileChange"
)

type CommandIntent string

const (
	IntentReadOnly    CommandIntent = "read_only"
	IntentWriteLikely CommandIntent = "write_likely"
	IntentUnknown     CommandIntent = "unknown"
)

// PendingApproval is the durable record of an approval request awaiting a
// user decision. At most one exists per chat.
//
// Fields unknown to this build are kept in Extra and written back unchanged,
// so a record produced by a newer version survives a round trip.
type PendingApproval struct {
	Version         int             `json:"version"`
	RequestKind     RequestKind     `json:"request_kind"`
	RPCRequestID    int64           `json:"rpc_request_id"`
	ThreadID        string          `json:"thread_id,omitempty"`
	TurnID          string          `json:"turn_id,omitempty"`
	ItemID          string          `json:"item_id,omitempty"`
	RunID           string          `json:"run_id,omitempty"`
	Command         string          `json:"command_or_change"`
	Cwd             string          `json:"cwd,omitempty"`
	Reason          string          `json:"reason,omitempty"`
	Intent          CommandIntent   `json:"intent,omitempty"`
	SuggestedPrefix string          `json:"suggested_prefix,omitempty"`
	SessionID       string          `json:"session_id,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`

	Extra map[string]json.RawMessage `json:"-"`
}

type pendingApprovalFields PendingApproval

var pendingApprovalKeys = map[string]struct{}{
	"version": {}, "request_kind": {}, "rpc_request_id": {}, "thread_id": {},
	"turn_id": {}, "item_id": {}, "run_id": {}, "command_or_change": {},
	"cwd": {}, "reason": {}, "intent": {}, "suggested_prefix": {},
	"session_id": {}, "created_at": {},
}

func (p *PendingApproval) UnmarshalJSON(data []byte) error {
	var fields pendingApprovalFields
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for key := range pendingApprovalKeys {
		delete(raw, key)
	}
	*p = PendingApproval(fields)
	if len(raw) > 0 {
		p.Extra = raw
	} else {
		p.Extra = nil
	}
	if p.Version == 0 {
		p.Version = PendingApprovalVersion
	}
	return nil
}

func (p PendingApproval) MarshalJSON() ([]byte, error) {
	data, err := json.Marshal(pendingApprovalFields(p))
	if err != nil || len(p.Extra) == 0 {
		return data, err
	}
	merged := make(map[string]json.RawMessage, len(p.Extra)+len(pendingApprovalKeys))
	for key, value := range p.Extra {
		merged[key] = value
	}
	var known map[string]json.RawMessage
	if err := json.Unmarshal(data, &known); err != nil {
		return nil, err
	}
	for key, value := range known {
		merged[key] = value
	}
	return json.Marshal(merged)
}

// Clone returns a deep copy.
func (p *PendingApproval) Clone() *PendingApproval {
	if p == nil {
		return nil
	}
	out := *p
	if p.Extra != nil {
		out.Extra = make(map[string]json.RawMessage, len(p.Extra))
		for key, value := range p.Extra {
			out.Extra[key] = append(json.RawMessage(nil), value...)
		}
	}
	return &out
}
