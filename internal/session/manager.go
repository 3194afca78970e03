package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"relay/internal/approval"
	"relay/internal/events"
	"relay/internal/logging"
	"relay/internal/machine"
	"relay/internal/store"
	"relay/internal/types"
)

var ErrManagerClosed = errors.New("session manager closed")

// Defaults seed the state of a chat seen for the first time.
type Defaults struct {
	ApprovalMode types.ApprovalMode
	Sandbox      string
	Model        string
	Effort       string
}

type ManagerOptions struct {
	Registry      *machine.Registry
	Chats         store.ChatStateStore
	Index         store.SessionIndexStore
	Logger        logging.Logger
	Observer      Observer
	Defaults      Defaults
	PrefixTokens  int
	ClientName    string
	ClientVersion string
}

// RecoveryReport describes a chat reset by Recover.
type RecoveryReport struct {
	ChatID   int64
	Recovery approval.Recovery
}

// Manager owns at most one live session per chat. Sessions of different
// chats share nothing but the stores, so a chat waiting on an approval never
// holds up another chat.
type Manager struct {
	opts   ManagerOptions
	logger logging.Logger

	mu       sync.Mutex
	sessions map[int64]*Session
	hubs     map[int64]*Hub
	closed   bool
}

func NewManager(opts ManagerOptions) (*Manager, error) {
	if opts.Registry == nil {
		return nil, errors.New("session manager: machine registry is required")
	}
	if opts.Chats == nil {
		return nil, errors.New("session manager: chat state store is required")
	}
	return &Manager{
		opts:     opts,
		logger:   logging.OrNop(opts.Logger),
		sessions: map[int64]*Session{},
		hubs:     map[int64]*Hub{},
	}, nil
}

// Ensure returns the chat's state, creating it on the default machine.
func (m *Manager) Ensure(ctx context.Context, chatID int64) (*types.ChatState, error) {
	return m.opts.Chats.Ensure(ctx, chatID, func() *types.ChatState {
		state := &types.ChatState{
			MachineName:  m.opts.Registry.Default(),
			ApprovalMode: m.opts.Defaults.ApprovalMode,
			SandboxMode:  m.opts.Defaults.Sandbox,
			Model:        m.opts.Defaults.Model,
			Effort:       m.opts.Defaults.Effort,
			RunState:     types.RunStateIdle,
		}
		if def, err := m.opts.Registry.Get(""); err == nil {
			state.MachineName = def.Name()
			state.Workdir = def.DefaultWorkdir()
		}
		return state
	})
}

// Subscribe returns the chat's event stream. It outlives individual
// sessions, so a subscriber sees every session the chat goes through.
func (m *Manager) Subscribe(chatID int64) (<-chan events.Event, func()) {
	m.mu.Lock()
	hub := m.hubLocked(chatID)
	m.mu.Unlock()
	return hub.Subscribe()
}

// Live reports whether the chat has a connected, unended session.
func (m *Manager) Live(chatID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[chatID]
	return ok && !s.Ended()
}

// Session returns the chat's session, creating one when there is none or
// the previous one ended. The session is not started.
func (m *Manager) Session(ctx context.Context, chatID int64) (*Session, error) {
	state, err := m.Ensure(ctx, chatID)
	if err != nil {
		return nil, err
	}
	target, err := m.opts.Registry.Get(state.MachineName)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrManagerClosed
	}
	if s, ok := m.sessions[chatID]; ok && !s.Ended() {
		return s, nil
	}
	s, err := New(Options{
		ChatID:        chatID,
		Machine:       target,
		Chats:         m.opts.Chats,
		Index:         m.opts.Index,
		Hub:           m.hubLocked(chatID),
		Logger:        m.opts.Logger,
		Observer:      m.opts.Observer,
		PrefixTokens:  m.opts.PrefixTokens,
		ClientName:    m.opts.ClientName,
		ClientVersion: m.opts.ClientVersion,
	})
	if err != nil {
		return nil, err
	}
	m.sessions[chatID] = s
	return s, nil
}

// Open returns the chat's session after starting it.
func (m *Manager) Open(ctx context.Context, chatID int64) (*Session, error) {
	s, err := m.Session(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if err := s.Start(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (m *Manager) SendUserMessage(ctx context.Context, chatID int64, text string) error {
	s, err := m.Session(ctx, chatID)
	if err != nil {
		return err
	}
	return s.SendUserMessage(ctx, text)
}

// RespondToApproval resolves the chat's pending approval. Without a live
// session the decision cannot be delivered, so the record is discarded as
// stale.
func (m *Manager) RespondToApproval(ctx context.Context, chatID int64, decision approval.Decision, prefix string) (approval.Resolution, error) {
	if s := m.live(chatID); s != nil {
		return s.RespondToApproval(ctx, decision, prefix)
	}
	resolution, err := m.stateMachine(chatID).Resolve(ctx, decision, prefix, nil)
	return resolution, wrapFailure(err)
}

func (m *Manager) CancelTurn(ctx context.Context, chatID int64) (*types.PendingApproval, error) {
	if s := m.live(chatID); s != nil {
		return s.CancelTurn(ctx)
	}
	approvals := m.stateMachine(chatID)
	cancelled, err := approvals.Cancel(ctx, nil)
	if err != nil {
		return nil, err
	}
	if _, err := approvals.EndTurn(ctx); err != nil && !errors.Is(err, store.ErrChatNotFound) {
		return cancelled, err
	}
	return cancelled, nil
}

// Reset closes the live session and forgets the remote thread. The next
// message starts a fresh thread with no trusted prefixes.
func (m *Manager) Reset(ctx context.Context, chatID int64) error {
	if _, err := m.Ensure(ctx, chatID); err != nil {
		return err
	}
	if err := m.closeSession(ctx, chatID); err != nil {
		return err
	}
	_, err := m.opts.Chats.Update(ctx, chatID, func(st *types.ChatState) error {
		st.ClearSession()
		return nil
	})
	if err != nil {
		return err
	}
	m.logger.Info("session_reset", logging.Chat(chatID))
	return nil
}

// ChangeDir moves the chat to a new working directory, resolved against the
// current one and checked against the machine's allowed roots.
func (m *Manager) ChangeDir(ctx context.Context, chatID int64, input string) (string, error) {
	state, err := m.Ensure(ctx, chatID)
	if err != nil {
		return "", err
	}
	target, err := m.opts.Registry.Get(state.MachineName)
	if err != nil {
		return "", err
	}
	resolved, err := target.ResolvePath(ctx, state.Workdir, input)
	if err != nil {
		return "", wrapFailure(err)
	}
	if err := m.closeSession(ctx, chatID); err != nil {
		return "", err
	}
	_, err = m.opts.Chats.Update(ctx, chatID, func(st *types.ChatState) error {
		st.ClearSession()
		st.Workdir = resolved
		return nil
	})
	if err != nil {
		return "", err
	}
	m.logger.Info("workdir_changed", logging.Chat(chatID), logging.F("workdir", resolved))
	return resolved, nil
}

// SwitchMachine moves the chat to another machine at its default workdir.
// There is no automatic fallback; callers switch after an unreachable error.
func (m *Manager) SwitchMachine(ctx context.Context, chatID int64, name string) error {
	target, err := m.opts.Registry.Get(name)
	if err != nil {
		return err
	}
	if _, err := m.Ensure(ctx, chatID); err != nil {
		return err
	}
	if err := m.closeSession(ctx, chatID); err != nil {
		return err
	}
	_, err = m.opts.Chats.Update(ctx, chatID, func(st *types.ChatState) error {
		st.ClearSession()
		st.MachineName = target.Name()
		st.Workdir = target.DefaultWorkdir()
		return nil
	})
	if err != nil {
		return err
	}
	m.logger.Info("machine_switched", logging.Chat(chatID), logging.F("machine", target.Name()))
	return nil
}

// SetApprovalMode changes the chat's approval mode. The thread keeps its id
// but is resumed with the new policy on the next message.
func (m *Manager) SetApprovalMode(ctx context.Context, chatID int64, raw string) (types.ApprovalMode, error) {
	mode, ok := types.ParseApprovalMode(raw)
	if !ok {
		return "", fmt.Errorf("unknown approval mode %q", raw)
	}
	state, err := m.Ensure(ctx, chatID)
	if err != nil {
		return "", err
	}
	switch {
	case state.PendingApproval != nil || state.RunState == types.RunStateAwaitingApproval:
		return "", approval.ErrApprovalPending
	case state.RunState == types.RunStateRunningTurn && m.Live(chatID):
		return "", approval.ErrTurnInProgress
	}
	if err := m.closeSession(ctx, chatID); err != nil {
		return "", err
	}
	_, err = m.opts.Chats.Update(ctx, chatID, func(st *types.ChatState) error {
		st.ApprovalMode = mode
		if st.RunState != types.RunStateAwaitingApproval {
			st.RunState = types.RunStateIdle
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if mode == types.ApprovalModeYolo {
		m.logger.Warn("approval_mode_changed", logging.Chat(chatID), logging.F("mode", mode))
	} else {
		m.logger.Info("approval_mode_changed", logging.Chat(chatID), logging.F("mode", mode))
	}
	return mode, nil
}

// Exit cancels any run, closes the session and forgets the thread.
func (m *Manager) Exit(ctx context.Context, chatID int64) error {
	if _, err := m.CancelTurn(ctx, chatID); err != nil {
		m.logger.Warn("exit_cancel_error", logging.Chat(chatID), logging.F("error", err))
	}
	if err := m.closeSession(ctx, chatID); err != nil {
		return err
	}
	_, err := m.opts.Chats.Update(ctx, chatID, func(st *types.ChatState) error {
		st.ClearSession()
		st.RunState = types.RunStateClosed
		return nil
	})
	if errors.Is(err, store.ErrChatNotFound) {
		return nil
	}
	return err
}

// ResumeSession points the chat at an earlier thread from the session
// index. The thread is resumed on the next message.
func (m *Manager) ResumeSession(ctx context.Context, chatID int64, sessionID string) error {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return store.ErrSessionNotFound
	}
	state, err := m.Ensure(ctx, chatID)
	if err != nil {
		return err
	}
	var title string
	if m.opts.Index != nil {
		entries, err := m.opts.Index.List(ctx, chatID, state.MachineName, 0)
		if err != nil {
			return err
		}
		found := false
		for _, entry := range entries {
			if entry.SessionID == sessionID {
				title, found = entry.Title, true
				break
			}
		}
		if !found {
			return fmt.Errorf("%w: %s", store.ErrSessionNotFound, sessionID)
		}
	}
	if err := m.closeSession(ctx, chatID); err != nil {
		return err
	}
	_, err = m.opts.Chats.Update(ctx, chatID, func(st *types.ChatState) error {
		if st.SessionID != sessionID {
			st.ClearSession()
			st.SessionID = sessionID
			st.SessionTitle = title
		}
		if st.PendingApproval == nil {
			st.RunState = types.RunStateIdle
		}
		return nil
	})
	return err
}

// Sessions lists the chat's recent threads on its current machine.
func (m *Manager) Sessions(ctx context.Context, chatID int64, limit int) ([]*types.SessionIndexEntry, error) {
	if m.opts.Index == nil {
		return nil, nil
	}
	state, err := m.Ensure(ctx, chatID)
	if err != nil {
		return nil, err
	}
	return m.opts.Index.List(ctx, chatID, state.MachineName, limit)
}

// Recover resets every stored chat whose run no live session backs. It runs
// at startup, before any message is accepted.
func (m *Manager) Recover(ctx context.Context) ([]RecoveryReport, error) {
	states, err := m.opts.Chats.List(ctx)
	if err != nil {
		return nil, err
	}
	var reports []RecoveryReport
	var errs []error
	for _, state := range states {
		if m.Live(state.ChatID) {
			continue
		}
		recovery, err := m.stateMachine(state.ChatID).Recover(ctx, false)
		if err != nil {
			errs = append(errs, fmt.Errorf("chat %d: %w", state.ChatID, err))
			continue
		}
		if !recovery.Interrupted {
			continue
		}
		reports = append(reports, RecoveryReport{ChatID: state.ChatID, Recovery: recovery})
		m.mu.Lock()
		hub := m.hubLocked(state.ChatID)
		m.mu.Unlock()
		hub.Publish(events.RunInterrupted{Pending: recovery.Pending})
	}
	if len(reports) > 0 {
		m.logger.Info("recovery_complete", logging.F("interrupted", len(reports)))
	}
	return reports, errors.Join(errs...)
}

// Close ends every session and subscription.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	sessions := m.sessions
	hubs := m.hubs
	m.sessions = map[int64]*Session{}
	m.hubs = map[int64]*Hub{}
	m.mu.Unlock()

	var errs []error
	for _, s := range sessions {
		if err := s.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	for _, hub := range hubs {
		hub.Close()
	}
	return errors.Join(errs...)
}

func (m *Manager) live(chatID int64) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[chatID]
	if !ok || s.Ended() {
		return nil
	}
	return s
}

func (m *Manager) closeSession(ctx context.Context, chatID int64) error {
	m.mu.Lock()
	s, ok := m.sessions[chatID]
	delete(m.sessions, chatID)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return s.Close(ctx)
}

func (m *Manager) stateMachine(chatID int64) *approval.StateMachine {
	return approval.New(chatID, m.opts.Chats,
		approval.WithLogger(m.opts.Logger),
		approval.WithObserver(m.opts.Observer),
		approval.WithPrefixTokens(m.opts.PrefixTokens),
	)
}

func (m *Manager) hubLocked(chatID int64) *Hub {
	hub, ok := m.hubs[chatID]
	if !ok {
		hub = NewHub(m.logger.With(logging.Chat(chatID)), m.opts.Observer)
		m.hubs[chatID] = hub
	}
	return hub
}
