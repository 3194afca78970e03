// Package approval gates a chat's turns on agent approval requests and keeps
// the pending approval record durable across restarts.
package approval

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"relay/internal/intent"
	"relay/internal/logging"
	"relay/internal/store"
	"relay/internal/trust"
	"relay/internal/types"
)

type Decision string

const (
	DecisionApproveOnce    Decision = "approve_once"
	DecisionApproveSimilar Decision = "approve_similar"
	DecisionReject         Decision = "reject"
)

func ParseDecision(raw string) (Decision, bool) {
	switch Decision(strings.ToLower(strings.TrimSpace(raw))) {
	case DecisionApproveOnce:
		return DecisionApproveOnce, true
	case DecisionApproveSimilar:
		return DecisionApproveSimilar, true
	case DecisionReject:
		return DecisionReject, true
	default:
		return "", false
	}
}

// Wire decisions sent back to the agent.
const (
	WireAccept  = "accept"
	WireDecline = "decline"
	WireCancel  = "cancel"
)

const (
	AutoReasonTrustedPrefix = "trusted_prefix"
	AutoReasonYolo          = "yolo"
)

// DecisionResult is the response body for an approval request.
func DecisionResult(wire string) map[string]any {
	return map[string]any{"decision": wire}
}

// Request is an approval request received from the agent.
type Request struct {
	RPCRequestID int64
	Kind         types.RequestKind
	ThreadID     string
	TurnID       string
	ItemID       string
	Command      string
	Cwd          string
	Reason       string
	RunID        string
}

// Responder answers server requests. rpc.Client satisfies it.
type Responder interface {
	Respond(id int64, result any) error
	Outstanding(id int64) bool
}

type Observer interface {
	ApprovalRequested(kind types.RequestKind, intent types.CommandIntent)
	ApprovalAutoApproved(reason string)
	ApprovalResolved(decision string, stale bool)
}

// Outcome of HandleRequest: either the request was answered at once, or
// Pending holds the record now awaiting a decision.
type Outcome struct {
	Pending      *types.PendingApproval
	AutoApproved bool
	AutoReason   string
	Prefix       string
}

type Resolution struct {
	Approval *types.PendingApproval
	Decision Decision
	Prefix   string
}

// Recovery reports what Recover cleaned up.
type Recovery struct {
	Interrupted bool
	Pending     *types.PendingApproval
	PriorState  types.RunState
}

type Option func(*StateMachine)

func WithLogger(logger logging.Logger) Option {
	return func(m *StateMachine) {
		m.logger = logging.OrNop(logger)
	}
}

func WithObserver(observer Observer) Option {
	return func(m *StateMachine) {
		m.observer = observer
	}
}

func WithPrefixTokens(n int) Option {
	return func(m *StateMachine) {
		if n > 0 {
			m.prefixTokens = n
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *StateMachine) {
		if now != nil {
			m.now = now
		}
	}
}

// StateMachine drives one chat's run state. Callers serialize calls for a
// chat; the session runs them all on its loop.
type StateMachine struct {
	chatID       int64
	chats        store.ChatStateStore
	logger       logging.Logger
	observer     Observer
	prefixTokens int
	now          func() time.Time
}

func New(chatID int64, chats store.ChatStateStore, opts ...Option) *StateMachine {
	m := &StateMachine{
		chatID:       chatID,
		chats:        chats,
		logger:       logging.Nop(),
		prefixTokens: trust.DefaultPrefixTokens,
		now:          time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	m.logger = m.logger.With(logging.Chat(chatID))
	return m
}

var errNothingToClear = errors.New("nothing to clear")

// HandleRequest applies the approval policy to a server request. When it
// returns a Pending record, that record is already durable.
func (m *StateMachine) HandleRequest(ctx context.Context, req Request, responder Responder) (Outcome, error) {
	state, ok, err := m.chats.Get(ctx, m.chatID)
	if err == nil && !ok {
		err = store.ErrChatNotFound
	}
	if err != nil {
		m.respondQuietly(responder, req.RPCRequestID, WireDecline)
		return Outcome{}, err
	}
	policy := PolicyFor(state.ApprovalMode)
	label := classifyRequest(req)

	if policy.AutoApprove {
		if err := responder.Respond(req.RPCRequestID, DecisionResult(WireAccept)); err != nil {
			return Outcome{}, err
		}
		m.logger.Warn("approval_auto_approved",
			logging.F("reason", AutoReasonYolo),
			logging.F("request_id", req.RPCRequestID),
			logging.F("kind", req.Kind),
		)
		m.autoApproved(AutoReasonYolo)
		return Outcome{AutoApproved: true, AutoReason: AutoReasonYolo}, nil
	}
	if policy.TrustBypass && req.Kind == types.RequestKindCommandExecution {
		if prefix, matched := trust.MatchState(state, state.SessionID, req.Command); matched {
			if err := responder.Respond(req.RPCRequestID, DecisionResult(WireAccept)); err != nil {
				return Outcome{}, err
			}
			m.logger.Info("approval_auto_approved",
				logging.F("reason", AutoReasonTrustedPrefix),
				logging.F("request_id", req.RPCRequestID),
				logging.F("prefix", prefix),
				logging.F("command", logging.Preview(req.Command, 80)),
			)
			m.autoApproved(AutoReasonTrustedPrefix)
			return Outcome{AutoApproved: true, AutoReason: AutoReasonTrustedPrefix, Prefix: prefix}, nil
		}
	}

	record := &types.PendingApproval{
		Version:      types.PendingApprovalVersion,
		RequestKind:  req.Kind,
		RPCRequestID: req.RPCRequestID,
		ThreadID:     req.ThreadID,
		TurnID:       req.TurnID,
		ItemID:       req.ItemID,
		RunID:        req.RunID,
		Command:      req.Command,
		Cwd:          req.Cwd,
		Reason:       req.Reason,
		Intent:       label,
		SessionID:    state.SessionID,
		CreatedAt:    m.now().UTC(),
	}
	if policy.OfferSimilar && req.Kind == types.RequestKindCommandExecution {
		record.SuggestedPrefix = trust.SuggestPrefix(req.Command, m.prefixTokens)
	}
	_, err = m.chats.Update(ctx, m.chatID, func(s *types.ChatState) error {
		if s.PendingApproval != nil && s.PendingApproval.RPCRequestID != record.RPCRequestID {
			return ErrApprovalBusy
		}
		s.PendingApproval = record.Clone()
		s.RunState = types.RunStateAwaitingApproval
		return nil
	})
	if err != nil {
		// Without a durable record nobody can answer this request later.
		m.logger.Error("approval_persist_error", logging.F("request_id", req.RPCRequestID), logging.F("error", err))
		m.respondQuietly(responder, req.RPCRequestID, WireDecline)
		return Outcome{}, fmt.Errorf("persist approval %d: %w", req.RPCRequestID, err)
	}
	m.logger.Info("approval_persisted",
		logging.F("request_id", req.RPCRequestID),
		logging.F("kind", req.Kind),
		logging.F("intent", label),
		logging.F("command", logging.Preview(req.Command, 80)),
	)
	if m.observer != nil {
		m.observer.ApprovalRequested(req.Kind, label)
	}
	return Outcome{Pending: record}, nil
}

// Resolve sends the user's decision for the pending approval and clears it.
// A decision for a request the agent no longer waits on clears the record
// and returns *StaleApprovalError.
func (m *StateMachine) Resolve(ctx context.Context, decision Decision, prefix string, responder Responder) (Resolution, error) {
	if _, ok := ParseDecision(string(decision)); !ok {
		return Resolution{}, fmt.Errorf("%w: %q", ErrUnknownDecision, decision)
	}
	state, ok, err := m.chats.Get(ctx, m.chatID)
	if err != nil {
		return Resolution{}, err
	}
	if !ok || state.PendingApproval == nil {
		return Resolution{}, ErrNoPendingApproval
	}
	pending := state.PendingApproval
	if decision == DecisionApproveSimilar {
		policy := PolicyFor(state.ApprovalMode)
		if !policy.OfferSimilar || pending.RequestKind != types.RequestKindCommandExecution {
			return Resolution{}, ErrSimilarNotAllowed
		}
		prefix = strings.TrimSpace(prefix)
		if prefix == "" {
			prefix = pending.SuggestedPrefix
		}
		if prefix == "" {
			return Resolution{}, trust.ErrEmptyPrefix
		}
	} else {
		prefix = ""
	}

	id := pending.RPCRequestID
	if responder == nil || !responder.Outstanding(id) {
		return m.discardStale(ctx, pending, decision, nil)
	}
	if decision == DecisionApproveSimilar {
		_, err := m.chats.Update(ctx, m.chatID, func(s *types.ChatState) error {
			if s.PendingApproval == nil || s.PendingApproval.RPCRequestID != id {
				return ErrNoPendingApproval
			}
			return trust.AddToState(s, pending.SessionID, prefix)
		})
		if err != nil {
			return Resolution{}, err
		}
		m.logger.Info("trusted_prefix_added", logging.F("session_id", pending.SessionID), logging.F("prefix", prefix))
	}
	wire := WireAccept
	if decision == DecisionReject {
		wire = WireDecline
	}
	if err := responder.Respond(id, DecisionResult(wire)); err != nil {
		return m.discardStale(ctx, pending, decision, err)
	}
	if _, err := m.clear(ctx, id, types.RunStateRunningTurn); err != nil {
		return Resolution{}, err
	}
	m.logger.Info("approval_resolved",
		logging.F("request_id", id),
		logging.F("decision", decision),
		logging.F("wire", wire),
	)
	if m.observer != nil {
		m.observer.ApprovalResolved(string(decision), false)
	}
	return Resolution{Approval: pending, Decision: decision, Prefix: prefix}, nil
}

// Cancel answers the pending request with cancel, when the agent still waits
// on it, and clears the record. It returns the cleared record, if any.
func (m *StateMachine) Cancel(ctx context.Context, responder Responder) (*types.PendingApproval, error) {
	state, ok, err := m.chats.Get(ctx, m.chatID)
	if err != nil || !ok || state.PendingApproval == nil {
		return nil, err
	}
	pending := state.PendingApproval
	if responder != nil && responder.Outstanding(pending.RPCRequestID) {
		m.respondQuietly(responder, pending.RPCRequestID, WireCancel)
	}
	if _, err := m.clear(ctx, pending.RPCRequestID, types.RunStateIdle); err != nil {
		return nil, err
	}
	m.logger.Info("approval_cancelled", logging.F("request_id", pending.RPCRequestID))
	if m.observer != nil {
		m.observer.ApprovalResolved("cancel", false)
	}
	return pending, nil
}

// Recover resets a chat whose run cannot continue because no live session
// backs it. A pending approval is dropped rather than left to wedge the chat.
func (m *StateMachine) Recover(ctx context.Context, alive bool) (Recovery, error) {
	if alive {
		return Recovery{}, nil
	}
	var recovery Recovery
	_, err := m.chats.Update(ctx, m.chatID, func(s *types.ChatState) error {
		switch s.RunState {
		case types.RunStateRunningTurn, types.RunStateAwaitingApproval:
		default:
			if s.PendingApproval == nil {
				return errNothingToClear
			}
		}
		recovery = Recovery{Interrupted: true, Pending: s.PendingApproval, PriorState: s.RunState}
		s.PendingApproval = nil
		if s.RunState != types.RunStateClosed {
			s.RunState = types.RunStateIdle
		}
		return nil
	})
	if errors.Is(err, errNothingToClear) || errors.Is(err, store.ErrChatNotFound) {
		return Recovery{}, nil
	}
	if err != nil {
		return Recovery{}, err
	}
	fields := []logging.Field{logging.F("prior_state", recovery.PriorState)}
	if recovery.Pending != nil {
		fields = append(fields, logging.F("request_id", recovery.Pending.RPCRequestID))
		if m.observer != nil {
			m.observer.ApprovalResolved("stale", true)
		}
	}
	m.logger.Warn("run_interrupted", fields...)
	return recovery, nil
}

// BeginTurn moves the chat to running_turn. It fails with ErrApprovalPending
// while a decision is outstanding and changes nothing in that case.
func (m *StateMachine) BeginTurn(ctx context.Context) error {
	_, err := m.chats.Update(ctx, m.chatID, func(s *types.ChatState) error {
		if s.PendingApproval != nil || s.RunState == types.RunStateAwaitingApproval {
			return ErrApprovalPending
		}
		if s.RunState == types.RunStateRunningTurn {
			return ErrTurnInProgress
		}
		s.RunState = types.RunStateRunningTurn
		return nil
	})
	return err
}

// EndTurn returns the chat to idle. A pending approval left behind by the
// turn is abandoned and returned.
func (m *StateMachine) EndTurn(ctx context.Context) (*types.PendingApproval, error) {
	var abandoned *types.PendingApproval
	_, err := m.chats.Update(ctx, m.chatID, func(s *types.ChatState) error {
		abandoned = s.PendingApproval
		s.PendingApproval = nil
		if s.RunState != types.RunStateClosed {
			s.RunState = types.RunStateIdle
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if abandoned != nil {
		m.logger.Warn("approval_abandoned", logging.F("request_id", abandoned.RPCRequestID))
	}
	return abandoned, nil
}

// Pending returns the current pending approval, if any.
func (m *StateMachine) Pending(ctx context.Context) (*types.PendingApproval, error) {
	state, ok, err := m.chats.Get(ctx, m.chatID)
	if err != nil || !ok {
		return nil, err
	}
	return state.PendingApproval, nil
}

func (m *StateMachine) discardStale(ctx context.Context, pending *types.PendingApproval, decision Decision, cause error) (Resolution, error) {
	if _, err := m.clear(ctx, pending.RPCRequestID, types.RunStateIdle); err != nil {
		return Resolution{}, err
	}
	fields := []logging.Field{logging.F("request_id", pending.RPCRequestID), logging.F("decision", decision)}
	if cause != nil {
		fields = append(fields, logging.F("error", cause))
	}
	m.logger.Warn("approval_stale", fields...)
	if m.observer != nil {
		m.observer.ApprovalResolved(string(decision), true)
	}
	return Resolution{Approval: pending, Decision: decision}, &StaleApprovalError{RPCRequestID: pending.RPCRequestID, Err: cause}
}

// clear removes the pending approval with the given request id. It reports
// false when another record, or none, is stored.
func (m *StateMachine) clear(ctx context.Context, id int64, next types.RunState) (bool, error) {
	_, err := m.chats.Update(ctx, m.chatID, func(s *types.ChatState) error {
		if s.PendingApproval == nil || s.PendingApproval.RPCRequestID != id {
			return errNothingToClear
		}
		s.PendingApproval = nil
		s.RunState = next
		return nil
	})
	if errors.Is(err, errNothingToClear) {
		return false, nil
	}
	return err == nil, err
}

func (m *StateMachine) respondQuietly(responder Responder, id int64, wire string) {
	if responder == nil {
		return
	}
	if err := responder.Respond(id, DecisionResult(wire)); err != nil {
		m.logger.Warn("approval_respond_error", logging.F("request_id", id), logging.F("wire", wire), logging.F("error", err))
	}
}

func (m *StateMachine) autoApproved(reason string) {
	if m.observer != nil {
		m.observer.ApprovalAutoApproved(reason)
	}
}

func classifyRequest(req Request) types.CommandIntent {
	if req.Kind == types.RequestKindFileChange {
		return types.IntentWriteLikely
	}
	return intent.Classify(req.Command)
}
