package events

import (
	"encoding/json"
	"strings"

	"relay/internal/types"
)

const (
	MethodThreadStarted      = "thread/started"
	MethodTurnStarted        = "turn/started"
	MethodTurnCompleted      = "turn/completed"
	MethodAgentMessageDelta  = "item/agentMessage/delta"
	MethodReasoningDelta     = "item/reasoning/textDelta"
	MethodCommandOutputDelta = "item/commandExecution/outputDelta"
	MethodItemStarted        = "item/started"
	MethodItemCompleted      = "item/completed"
	MethodTokenUsageUpdated  = "thread/tokenUsage/updated"
	MethodRateLimitsUpdated  = "account/rateLimits/updated"
	MethodError              = "error"
)

const itemTypeCommandExecution = "commandExecution"

// Normalize maps one notification onto the event vocabulary. Methods it does
// not model, and payloads it cannot decode, become UnknownEvent.
func Normalize(method string, params json.RawMessage) Event {
	unknown := UnknownEvent{Method: method, Raw: params}
	switch method {
	case MethodThreadStarted:
		var p struct {
			Thread struct {
				ID string `json:"id"`
			} `json:"thread"`
		}
		if !decode(params, &p) || p.Thread.ID == "" {
			return unknown
		}
		return ThreadStarted{ThreadID: p.Thread.ID}
	case MethodTurnStarted:
		var p struct {
			Turn struct {
				ID string `json:"id"`
			} `json:"turn"`
		}
		if !decode(params, &p) {
			return unknown
		}
		return TurnStarted{TurnID: p.Turn.ID}
	case MethodTurnCompleted:
		var p struct {
			Turn struct {
				ID     string `json:"id"`
				Status string `json:"status"`
				Error  *struct {
					Message string `json:"message"`
				} `json:"error"`
			} `json:"turn"`
		}
		if !decode(params, &p) {
			return unknown
		}
		if p.Turn.Status == "failed" {
			message := "turn failed"
			if p.Turn.Error != nil && strings.TrimSpace(p.Turn.Error.Message) != "" {
				message = p.Turn.Error.Message
			}
			return TurnFailed{TurnID: p.Turn.ID, Message: message}
		}
		return TurnCompleted{TurnID: p.Turn.ID}
	case MethodAgentMessageDelta, MethodReasoningDelta, MethodCommandOutputDelta:
		var p struct {
			ItemID string `json:"itemId"`
			Delta  string `json:"delta"`
		}
		if !decode(params, &p) {
			return unknown
		}
		switch method {
		case MethodAgentMessageDelta:
			return AssistantTextDelta{ItemID: p.ItemID, Text: p.Delta}
		case MethodReasoningDelta:
			return ReasoningDelta{ItemID: p.ItemID, Text: p.Delta}
		default:
			return CommandOutputDelta{ItemID: p.ItemID, Text: p.Delta}
		}
	case MethodItemStarted, MethodItemCompleted:
		var p struct {
			Item struct {
				ID               string          `json:"id"`
				Type             string          `json:"type"`
				Command          json.RawMessage `json:"command"`
				ExitCode         *int            `json:"exitCode"`
				AggregatedOutput string          `json:"aggregatedOutput"`
			} `json:"item"`
		}
		if !decode(params, &p) || p.Item.Type != itemTypeCommandExecution {
			return unknown
		}
		command := CommandText(p.Item.Command)
		if method == MethodItemStarted {
			return CommandStarted{ItemID: p.Item.ID, Command: command}
		}
		return CommandCompleted{
			ItemID:   p.Item.ID,
			Command:  command,
			ExitCode: p.Item.ExitCode,
			Output:   p.Item.AggregatedOutput,
		}
	case MethodTokenUsageUpdated:
		usage, ok := ParseTokenUsage(params)
		if !ok {
			return unknown
		}
		return TokenUsageUpdated{Usage: usage}
	case MethodRateLimitsUpdated:
		usage, ok := ParseRateLimits(params)
		if !ok {
			return unknown
		}
		return RateLimitsUpdated{Usage: usage}
	case MethodError:
		var p struct {
			Error struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		if !decode(params, &p) {
			return unknown
		}
		message := p.Error.Message
		if strings.TrimSpace(message) == "" {
			message = "error"
		}
		return AgentError{Message: message}
	default:
		return unknown
	}
}

type tokenBreakdown struct {
	TotalTokens           *int64 `json:"totalTokens"`
	InputTokens           *int64 `json:"inputTokens"`
	CachedInputTokens     *int64 `json:"cachedInputTokens"`
	OutputTokens          *int64 `json:"outputTokens"`
	ReasoningOutputTokens *int64 `json:"reasoningOutputTokens"`
}

// ParseTokenUsage reads a thread/tokenUsage/updated payload.
func ParseTokenUsage(params json.RawMessage) (*types.TokenUsage, bool) {
	var p struct {
		TokenUsage *struct {
			Total              *tokenBreakdown `json:"total"`
			ModelContextWindow *int64          `json:"modelContextWindow"`
		} `json:"tokenUsage"`
	}
	if !decode(params, &p) || p.TokenUsage == nil {
		return nil, false
	}
	usage := &types.TokenUsage{ContextWindow: p.TokenUsage.ModelContextWindow}
	if total := p.TokenUsage.Total; total != nil {
		usage.TotalTokens = total.TotalTokens
		usage.InputTokens = total.InputTokens
		usage.CachedInputTokens = total.CachedInputTokens
		usage.OutputTokens = total.OutputTokens
		usage.ReasoningOutputTokens = total.ReasoningOutputTokens
	}
	return usage, true
}

type rateLimitWindow struct {
	UsedPercent        *float64 `json:"usedPercent"`
	WindowDurationMins *int64   `json:"windowDurationMins"`
	ResetsAt           *int64   `json:"resetsAt"`
}

func (w *rateLimitWindow) toTypes() *types.RateLimitWindow {
	if w == nil {
		return nil
	}
	return &types.RateLimitWindow{
		UsedPercent:   w.UsedPercent,
		WindowMinutes: w.WindowDurationMins,
		ResetsAt:      w.ResetsAt,
	}
}

// ParseRateLimits reads an account/rateLimits/updated payload.
func ParseRateLimits(params json.RawMessage) (*types.TokenUsage, bool) {
	var p struct {
		RateLimits *struct {
			Primary   *rateLimitWindow `json:"primary"`
			Secondary *rateLimitWindow `json:"secondary"`
		} `json:"rateLimits"`
	}
	if !decode(params, &p) || p.RateLimits == nil {
		return nil, false
	}
	return &types.TokenUsage{
		PrimaryRateLimit:   p.RateLimits.Primary.toTypes(),
		SecondaryRateLimit: p.RateLimits.Secondary.toTypes(),
	}, true
}

func decode(params json.RawMessage, out any) bool {
	if len(params) == 0 {
		return false
	}
	return json.Unmarshal(params, out) == nil
}
