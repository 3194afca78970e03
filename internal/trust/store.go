package trust

import (
	"errors"
	"strings"

	"relay/internal/types"
)

var (
	ErrEmptyPrefix     = errors.New("trusted prefix is empty")
	ErrSessionMismatch = errors.New("session is no longer current")
)

// AddToState records prefix on the chat record, scoped to sessionID. Call it
// inside a chat store update; the store drops the prefixes when the session
// changes. It fails with ErrSessionMismatch when the chat has already moved
// to another session.
func AddToState(state *types.ChatState, sessionID, prefix string) error {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return ErrEmptyPrefix
	}
	if sessionID == "" || state.SessionID != sessionID {
		return ErrSessionMismatch
	}
	if state.TrustedSessionID != sessionID {
		state.TrustedSessionID = sessionID
		state.TrustedPrefixes = nil
	}
	for _, existing := range state.TrustedPrefixes {
		if existing == prefix {
			return nil
		}
	}
	state.TrustedPrefixes = append(state.TrustedPrefixes, prefix)
	return nil
}

// MatchState reports the trusted prefix command falls under, if any, for the
// chat's current session.
func MatchState(state *types.ChatState, sessionID, command string) (string, bool) {
	if state == nil || sessionID == "" {
		return "", false
	}
	if state.SessionID != sessionID || state.TrustedSessionID != sessionID {
		return "", false
	}
	return Match(state.TrustedPrefixes, command)
}
