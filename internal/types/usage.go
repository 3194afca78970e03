package types

// TokenUsage is the last token and rate-limit telemetry reported by the
// agent. Nil pointers mean the agent did not report the value.
type TokenUsage struct {
	InputTokens           *int64 `json:"input_tokens,omitempty"`
	CachedInputTokens     *int64 `json:"cached_input_tokens,omitempty"`
	OutputTokens          *int64 `json:"output_tokens,omitempty"`
	ReasoningOutputTokens *int64 `json:"reasoning_output_tokens,omitempty"`
	TotalTokens           *int64 `json:"total_tokens,omitempty"`
	ContextWindow         *int64 `json:"context_window,omitempty"`

	PrimaryRateLimit   *RateLimitWindow `json:"primary_rate_limit,omitempty"`
	SecondaryRateLimit *RateLimitWindow `json:"secondary_rate_limit,omitempty"`
}

type RateLimitWindow struct {
	UsedPercent   *float64 `json:"used_percent,omitempty"`
	WindowMinutes *int64   `json:"window_minutes,omitempty"`
	ResetsAt      *int64   `json:"resets_at,omitempty"`
}

// ContextRemaining reports how much of the context window is still free.
func (u *TokenUsage) ContextRemaining() (int64, bool) {
	if u == nil || u.TotalTokens == nil || u.ContextWindow == nil {
		return 0, false
	}
	remaining := *u.ContextWindow - *u.TotalTokens
	if remaining < 0 {
		remaining = 0
	}
	return remaining, true
}

// Merge overlays the values reported in next onto u.
func (u *TokenUsage) Merge(next *TokenUsage) *TokenUsage {
	if next == nil {
		return u
	}
	out := TokenUsage{}
	if u != nil {
		out = *u
	}
	pick := func(dst **int64, src *int64) {
		if src != nil {
			v := *src
			*dst = &v
		}
	}
	pick(&out.InputTokens, next.InputTokens)
	pick(&out.CachedInputTokens, next.CachedInputTokens)
	pick(&out.OutputTokens, next.OutputTokens)
	pick(&out.ReasoningOutputTokens, next.ReasoningOutputTokens)
	pick(&out.TotalTokens, next.TotalTokens)
	pick(&out.ContextWindow, next.ContextWindow)
	if next.PrimaryRateLimit != nil {
		window := *next.PrimaryRateLimit
		out.PrimaryRateLimit = &window
	}
	if next.SecondaryRateLimit != nil {
		window := *next.SecondaryRateLimit
		out.SecondaryRateLimit = &window
	}
	return &out
}
