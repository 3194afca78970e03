package events

import (
	"encoding/json"
	"strings"

	"mvdan.cc/sh/v3/syntax"
)

// CommandText renders a command field that the agent sends either as a
// single shell string or as an argv array.
func CommandText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text
	}
	var argv []string
	if err := json.Unmarshal(raw, &argv); err != nil {
		return ""
	}
	parts := make([]string, 0, len(argv))
	for _, arg := range argv {
		quoted, err := syntax.Quote(arg, syntax.LangBash)
		if err != nil {
			quoted = arg
		}
		parts = append(parts, quoted)
	}
	return strings.Join(parts, " ")
}
