package session

import (
	"encoding/json"
	"fmt"
	"strings"

	"relay/internal/approval"
	"relay/internal/events"
	"relay/internal/types"
)

const (
	methodInitialize    = "initialize"
	methodInitialized   = "initialized"
	methodThreadStart   = "thread/start"
	methodThreadResume  = "thread/resume"
	methodTurnStart     = "turn/start"
	methodTurnInterrupt = "turn/interrupt"

	methodCommandApproval    = "item/commandExecution/requestApproval"
	methodFileChangeApproval = "item/fileChange/requestApproval"
)

const fileChangeCommand = "[file change]"

type threadResult struct {
	Thread struct {
		ID string `json:"id"`
	} `json:"thread"`
}

type turnResult struct {
	Turn struct {
		ID string `json:"id"`
	} `json:"turn"`
}

type threadSettings struct {
	Workdir string
	Sandbox string
	Model   string
}

func initializeParams(name, version string) map[string]any {
	return map[string]any{
		"clientInfo": map[string]any{
			"name":    name,
			"title":   name,
			"version": version,
		},
	}
}

func threadParams(threadID string, policy approval.Policy, settings threadSettings) map[string]any {
	params := map[string]any{
		"cwd":            settings.Workdir,
		"approvalPolicy": policy.ApprovalPolicy,
	}
	if threadID != "" {
		params["threadId"] = threadID
	}
	if policy.DeveloperInstructions != "" {
		params["developerInstructions"] = policy.DeveloperInstructions
	}
	if sandbox := strings.TrimSpace(settings.Sandbox); sandbox != "" {
		params["sandbox"] = sandbox
	}
	if model := strings.TrimSpace(settings.Model); model != "" {
		params["model"] = model
	}
	return params
}

func turnParams(threadID, text, model, effort string) map[string]any {
	params := map[string]any{
		"threadId": threadID,
		"input": []map[string]any{
			{"type": "text", "text": text},
		},
	}
	if model = strings.TrimSpace(model); model != "" {
		params["model"] = model
	}
	if effort = strings.TrimSpace(effort); effort != "" {
		params["effort"] = effort
	}
	return params
}

func interruptParams(threadID, turnID string) map[string]any {
	return map[string]any{"threadId": threadID, "turnId": turnID}
}

type approvalParams struct {
	ThreadID  string          `json:"threadId"`
	TurnID    string          `json:"turnId"`
	ItemID    string          `json:"itemId"`
	Command   json.RawMessage `json:"command"`
	Cwd       string          `json:"cwd"`
	Reason    string          `json:"reason"`
	GrantRoot string          `json:"grantRoot"`
}

// parseApprovalRequest reads a server request the approval flow handles.
// Other methods report false. A known method whose params do not decode
// reports an error so the request is refused rather than prompted blank.
func parseApprovalRequest(method string, id int64, raw json.RawMessage) (approval.Request, bool, error) {
	var kind types.RequestKind
	switch method {
	case methodCommandApproval:
		kind = types.RequestKindCommandExecution
	case methodFileChangeApproval:
		kind = types.RequestKindFileChange
	default:
		return approval.Request{}, false, nil
	}
	var params approvalParams
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &params); err != nil {
			return approval.Request{}, true, fmt.Errorf("invalid %s params: %v", method, err)
		}
	}
	req := approval.Request{
		RPCRequestID: id,
		Kind:         kind,
		ThreadID:     params.ThreadID,
		TurnID:       params.TurnID,
		ItemID:       params.ItemID,
		Cwd:          params.Cwd,
		Reason:       params.Reason,
	}
	if kind == types.RequestKindFileChange {
		req.Command = fileChangeCommand
		if root := strings.TrimSpace(params.GrantRoot); root != "" {
			req.Command += " " + root
		}
	} else {
		req.Command = events.CommandText(params.Command)
	}
	return req, true, nil
}
