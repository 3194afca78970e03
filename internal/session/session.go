package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"relay/internal/approval"
	"relay/internal/events"
	"relay/internal/logging"
	"relay/internal/machine"
	"relay/internal/rpc"
	"relay/internal/store"
	"relay/internal/types"
)

const (
	defaultClientName = "relay"
	interruptTimeout  = 5 * time.Second
	titlePreviewRunes = 60
	retiredTurnLimit  = 32
)

var errMissingThreadID = errors.New("response carried no thread id")

// Observer receives session telemetry. Every method must return quickly.
type Observer interface {
	rpc.Observer
	approval.Observer
	HubObserver
	SessionOpened(machine string)
	SessionEnded(machine, reason string)
}

type Options struct {
	ChatID  int64
	Machine machine.Machine
	Chats   store.ChatStateStore
	// Index is optional.
	Index store.SessionIndexStore
	// Hub is shared across the sessions of one chat. When nil the session
	// creates its own and closes it when it ends.
	Hub           *Hub
	Logger        logging.Logger
	Observer      Observer
	AgentArgs     []string
	PrefixTokens  int
	ClientName    string
	ClientVersion string
}

// Session is one conversation's live connection to an agent process. All
// state changes run on the session loop; the RPC dispatch goroutine only
// posts work to it, so no handler ever blocks inbound traffic.
type Session struct {
	chatID        int64
	machine       machine.Machine
	chats         store.ChatStateStore
	index         store.SessionIndexStore
	hub           *Hub
	ownsHub       bool
	logger        logging.Logger
	observer      Observer
	agentArgs     []string
	clientName    string
	clientVersion string
	approvals     *approval.StateMachine

	loop    *loop
	startMu sync.Mutex
	ended   atomic.Bool

	// Owned by the loop.
	client       *rpc.Client
	connecting   *rpc.Client
	threadID     string
	announced    string
	turnID       string
	runID        string
	cancelledRun string
	retiredTurns []string
	closing      bool
	usage        *types.TokenUsage
}

func New(opts Options) (*Session, error) {
	if opts.Machine == nil {
		return nil, errors.New("session: machine is required")
	}
	if opts.Chats == nil {
		return nil, errors.New("session: chat state store is required")
	}
	logger := logging.OrNop(opts.Logger).With(logging.Chat(opts.ChatID), logging.F("machine", opts.Machine.Name()))
	s := &Session{
		chatID:        opts.ChatID,
		machine:       opts.Machine,
		chats:         opts.Chats,
		index:         opts.Index,
		hub:           opts.Hub,
		logger:        logger,
		observer:      opts.Observer,
		agentArgs:     append([]string(nil), opts.AgentArgs...),
		clientName:    strings.TrimSpace(opts.ClientName),
		clientVersion: strings.TrimSpace(opts.ClientVersion),
		loop:          newLoop(),
	}
	if s.clientName == "" {
		s.clientName = defaultClientName
	}
	if s.clientVersion == "" {
		s.clientVersion = "dev"
	}
	if s.hub == nil {
		s.hub = NewHub(logger, opts.Observer)
		s.ownsHub = true
	}
	s.approvals = approval.New(opts.ChatID, opts.Chats,
		approval.WithLogger(opts.Logger),
		approval.WithObserver(opts.Observer),
		approval.WithPrefixTokens(opts.PrefixTokens),
	)
	return s, nil
}

func (s *Session) ChatID() int64 {
	return s.chatID
}

func (s *Session) MachineName() string {
	return s.machine.Name()
}

// Subscribe returns the session's event stream.
func (s *Session) Subscribe() (<-chan events.Event, func()) {
	return s.hub.Subscribe()
}

// Ended reports whether the session was closed or lost its connection. An
// ended session cannot be restarted.
func (s *Session) Ended() bool {
	return s.ended.Load()
}

// Start spawns the agent and opens the conversation's thread: thread/start
// when no session id is stored, else thread/resume. It is a no-op when the
// session is already connected.
func (s *Session) Start(ctx context.Context) error {
	s.startMu.Lock()
	defer s.startMu.Unlock()
	if s.ended.Load() {
		return ErrSessionClosed
	}
	var state *types.ChatState
	var live bool
	var prepErr error
	err := s.loop.call(ctx, func() {
		if s.client != nil {
			live = true
			return
		}
		state, prepErr = s.prepareStart(ctx)
	})
	if err != nil {
		return err
	}
	if live {
		return nil
	}
	if prepErr != nil {
		return prepErr
	}

	client, threadID, err := s.connect(ctx, state)
	if err != nil {
		s.logger.Error("session_start_error", logging.F("error", err))
		return wrapFailure(err)
	}
	var finishErr error
	if err := s.loop.call(ctx, func() {
		finishErr = s.finishStart(client, state, threadID)
	}); err != nil {
		_ = client.Close()
		return err
	}
	return finishErr
}

func (s *Session) prepareStart(ctx context.Context) (*types.ChatState, error) {
	// No client means nothing can answer a leftover approval.
	recovery, err := s.approvals.Recover(ctx, false)
	if err != nil {
		return nil, err
	}
	if recovery.Interrupted {
		s.hub.Publish(events.RunInterrupted{Pending: recovery.Pending})
	}
	state, ok, err := s.chats.Get(ctx, s.chatID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, store.ErrChatNotFound
	}
	return state, nil
}

func (s *Session) connect(ctx context.Context, state *types.ChatState) (*rpc.Client, string, error) {
	workdir := strings.TrimSpace(state.Workdir)
	if workdir == "" {
		workdir = s.machine.DefaultWorkdir()
	}
	tr, err := s.machine.Spawn(ctx, workdir, s.agentArgs)
	if err != nil {
		return nil, "", err
	}
	handler := &clientHandler{s: s, ready: make(chan struct{})}
	rpcOpts := []rpc.Option{rpc.WithLogger(s.logger)}
	if s.observer != nil {
		rpcOpts = append(rpcOpts, rpc.WithObserver(s.observer))
	}
	handler.client = rpc.NewClient(tr, handler, rpcOpts...)
	client := handler.client
	s.loop.post(func() { s.connecting = client })
	close(handler.ready)

	if err := client.Call(ctx, methodInitialize, initializeParams(s.clientName, s.clientVersion), nil); err != nil {
		_ = client.Close()
		return nil, "", fmt.Errorf("%s: %w", methodInitialize, err)
	}
	if err := client.Notify(methodInitialized, nil); err != nil {
		_ = client.Close()
		return nil, "", fmt.Errorf("%s: %w", methodInitialized, err)
	}

	method := methodThreadStart
	if state.SessionID != "" {
		method = methodThreadResume
	}
	policy := approval.PolicyFor(state.ApprovalMode)
	params := threadParams(state.SessionID, policy, threadSettings{
		Workdir: workdir,
		Sandbox: state.SandboxMode,
		Model:   state.Model,
	})
	var result threadResult
	if err := client.Call(ctx, method, params, &result); err != nil {
		_ = client.Close()
		return nil, "", fmt.Errorf("%s: %w", method, err)
	}
	threadID := strings.TrimSpace(result.Thread.ID)
	if threadID == "" {
		threadID = state.SessionID
	}
	if threadID == "" {
		_ = client.Close()
		return nil, "", &Failure{Kind: FailureProtocol, Err: fmt.Errorf("%s: %w", method, errMissingThreadID)}
	}
	s.logger.Info("session_thread_opened",
		logging.F("method", method),
		logging.F("thread_id", threadID),
		logging.F("workdir", workdir),
		logging.F("approval_policy", policy.ApprovalPolicy),
	)
	return client, threadID, nil
}

func (s *Session) finishStart(client *rpc.Client, prior *types.ChatState, threadID string) error {
	if s.connecting == client {
		s.connecting = nil
	}
	if s.closing || client.Err() != nil {
		_ = client.Close()
		if err := client.Err(); err != nil {
			return &Failure{Kind: FailureConnectionLost, Err: err}
		}
		return ErrSessionClosed
	}
	ctx := context.Background()
	state, err := s.chats.Update(ctx, s.chatID, func(st *types.ChatState) error {
		if st.SessionID != threadID {
			st.ClearSession()
			st.SessionID = threadID
		}
		if st.PendingApproval == nil {
			st.RunState = types.RunStateIdle
		}
		return nil
	})
	if err != nil {
		_ = client.Close()
		return err
	}
	s.client = client
	s.threadID = threadID
	s.usage = copyUsage(state.Usage)
	s.touchIndex(ctx, state.SessionTitle)
	if s.announced != threadID {
		s.announced = threadID
		s.hub.Publish(events.ThreadStarted{ThreadID: threadID})
	}
	if s.observer != nil {
		s.observer.SessionOpened(s.machine.Name())
	}
	s.logger.Info("session_started",
		logging.F("thread_id", threadID),
		logging.F("resumed", prior.SessionID == threadID),
	)
	return nil
}

// SendUserMessage starts a turn. It fails with approval.ErrApprovalPending,
// before any RPC is issued, while a decision is outstanding.
func (s *Session) SendUserMessage(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyMessage
	}
	if err := s.Start(ctx); err != nil {
		return err
	}
	var client *rpc.Client
	var params map[string]any
	var runID string
	var beginErr error
	if err := s.loop.call(ctx, func() {
		client, params, runID, beginErr = s.beginTurn(text)
	}); err != nil {
		return err
	}
	if beginErr != nil {
		return beginErr
	}

	var result turnResult
	callErr := client.Call(ctx, methodTurnStart, params, &result)
	s.loop.post(func() { s.finishTurnStart(client, runID, result.Turn.ID, callErr) })
	if callErr != nil {
		s.logger.Error("turn_start_error", logging.F("run_id", runID), logging.F("error", callErr))
		return wrapFailure(callErr)
	}
	return nil
}

func (s *Session) beginTurn(text string) (*rpc.Client, map[string]any, string, error) {
	if s.client == nil {
		return nil, nil, "", ErrNotStarted
	}
	ctx := context.Background()
	if err := s.approvals.BeginTurn(ctx); err != nil {
		return nil, nil, "", err
	}
	s.runID = logging.NewRunID()
	s.retireTurn(s.turnID)
	s.turnID = ""
	s.cancelledRun = ""
	state, err := s.chats.Update(ctx, s.chatID, func(st *types.ChatState) error {
		if st.SessionTitle == "" {
			st.SessionTitle = logging.Preview(text, titlePreviewRunes)
		}
		return nil
	})
	if err != nil {
		s.logger.Warn("session_title_error", logging.F("error", err))
		state, _, _ = s.chats.Get(ctx, s.chatID)
	}
	var model, effort string
	if state != nil {
		model, effort = state.Model, state.Effort
		s.touchIndex(ctx, state.SessionTitle)
	}
	s.logger.Info("turn_begin",
		logging.F("run_id", s.runID),
		logging.F("thread_id", s.threadID),
		logging.F("text", logging.Preview(text, 80)),
	)
	return s.client, turnParams(s.threadID, text, model, effort), s.runID, nil
}

func (s *Session) finishTurnStart(client *rpc.Client, runID, turnID string, err error) {
	if client != s.client {
		return
	}
	if err != nil {
		// A cancelled context leaves the turn possibly running remotely;
		// turn/completed or CancelTurn ends it.
		if runID != s.runID || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return
		}
		s.endTurn()
		return
	}
	if runID != s.runID || s.cancelledRun == runID {
		// The run was cancelled or superseded before its turn id was known.
		if turnID == "" {
			return
		}
		s.retireTurn(turnID)
		s.logger.Info("turn_interrupt_deferred", logging.F("run_id", runID), logging.F("turn_id", turnID))
		go s.interrupt(client, s.threadID, turnID)
		return
	}
	if s.turnID == "" && !s.retired(turnID) {
		s.turnID = turnID
	}
}

// RespondToApproval resolves the chat's pending approval. Decisions for a
// request the agent no longer waits on fail with a stale_approval Failure.
func (s *Session) RespondToApproval(ctx context.Context, decision approval.Decision, prefix string) (approval.Resolution, error) {
	var resolution approval.Resolution
	var resolveErr error
	err := s.loop.call(ctx, func() {
		resolution, resolveErr = s.approvals.Resolve(context.Background(), decision, prefix, s.responder())
	})
	if errors.Is(err, ErrSessionClosed) {
		resolution, resolveErr = s.approvals.Resolve(ctx, decision, prefix, nil)
	} else if err != nil {
		return approval.Resolution{}, err
	}
	return resolution, wrapFailure(resolveErr)
}

// CancelTurn cancels a pending approval, asks the agent to interrupt the
// running turn and forces the chat back to idle. Interruption is best
// effort; local state is reset even when the connection is gone.
func (s *Session) CancelTurn(ctx context.Context) (*types.PendingApproval, error) {
	var client *rpc.Client
	var threadID, turnID string
	var cancelled *types.PendingApproval
	var cancelErr error
	err := s.loop.call(ctx, func() {
		cancelled, cancelErr = s.approvals.Cancel(context.Background(), s.responder())
		client, threadID, turnID = s.client, s.threadID, s.turnID
		s.cancelledRun = s.runID
	})
	if errors.Is(err, ErrSessionClosed) {
		cancelled, cancelErr = s.approvals.Cancel(ctx, nil)
		if _, err := s.approvals.EndTurn(ctx); err != nil && cancelErr == nil {
			cancelErr = err
		}
		return cancelled, cancelErr
	}
	if err != nil {
		return nil, err
	}
	if cancelErr != nil {
		s.logger.Warn("approval_cancel_error", logging.F("error", cancelErr))
	}
	if client != nil && turnID != "" {
		s.interrupt(client, threadID, turnID)
	}
	if err := s.loop.call(ctx, func() { s.endTurn() }); err != nil && !errors.Is(err, ErrSessionClosed) {
		return cancelled, err
	}
	return cancelled, nil
}

func (s *Session) interrupt(client *rpc.Client, threadID, turnID string) {
	ctx, cancel := context.WithTimeout(context.Background(), interruptTimeout)
	defer cancel()
	if err := client.Call(ctx, methodTurnInterrupt, interruptParams(threadID, turnID), nil); err != nil {
		s.logger.Warn("turn_interrupt_error", logging.F("turn_id", turnID), logging.F("error", err))
		return
	}
	s.logger.Info("turn_interrupted", logging.F("turn_id", turnID))
}

// Close cancels any pending approval, terminates the agent and marks the
// chat closed. Subscribers see SessionEnded with a nil error.
func (s *Session) Close(ctx context.Context) error {
	if !s.ended.CompareAndSwap(false, true) {
		return nil
	}
	err := s.loop.call(ctx, func() {
		s.closing = true
		bg := context.Background()
		if _, err := s.approvals.Cancel(bg, s.responder()); err != nil {
			s.logger.Warn("approval_cancel_error", logging.F("error", err))
		}
		_, err := s.chats.Update(bg, s.chatID, func(st *types.ChatState) error {
			if st.PendingApproval == nil {
				st.RunState = types.RunStateClosed
			}
			return nil
		})
		if err != nil && !errors.Is(err, store.ErrChatNotFound) {
			s.logger.Warn("session_close_state_error", logging.F("error", err))
		}
		wasLive := s.client != nil
		for _, client := range []*rpc.Client{s.client, s.connecting} {
			if client != nil {
				_ = client.Close()
			}
		}
		s.client, s.connecting = nil, nil
		s.turnID = ""
		if wasLive {
			s.hub.Publish(events.SessionEnded{})
			if s.observer != nil {
				s.observer.SessionEnded(s.machine.Name(), "closed")
			}
		}
		s.logger.Info("session_closed", logging.F("thread_id", s.threadID))
	})
	s.finish()
	if errors.Is(err, ErrSessionClosed) {
		return nil
	}
	return err
}

func (s *Session) finish() {
	s.loop.stop()
	if s.ownsHub {
		s.hub.Close()
	}
}

func (s *Session) onNotification(client *rpc.Client, msg rpc.Message) {
	if !s.accepts(client) {
		return
	}
	event := events.Normalize(msg.Method, msg.Params)
	switch e := event.(type) {
	case events.ThreadStarted:
		if e.ThreadID == s.announced {
			return
		}
		s.announced = e.ThreadID
	case events.TurnStarted:
		if e.TurnID != "" && !s.retired(e.TurnID) {
			s.turnID = e.TurnID
		}
	case events.TokenUsageUpdated:
		e.Usage = s.recordUsage(e.Usage)
		event = e
	case events.RateLimitsUpdated:
		e.Usage = s.recordUsage(e.Usage)
		event = e
	case events.TurnCompleted:
		e.Usage = copyUsage(s.usage)
		event = e
		if s.ownsTurn(e.TurnID) {
			s.retireTurn(e.TurnID)
			s.endTurn()
		}
	case events.TurnFailed:
		s.logger.Warn("turn_failed", logging.F("turn_id", e.TurnID), logging.F("message", logging.Preview(e.Message, 200)))
		if s.ownsTurn(e.TurnID) {
			s.retireTurn(e.TurnID)
			s.endTurn()
		}
	case events.UnknownEvent:
		if s.logger.Enabled(logging.Debug) {
			s.logger.Debug("session_unknown_event", logging.F("method", e.Method), logging.F("params_bytes", len(e.Raw)))
		}
	}
	s.hub.Publish(event)
}

func (s *Session) onRequest(client *rpc.Client, msg rpc.Message) {
	id := *msg.ID
	if !s.accepts(client) {
		_ = client.Respond(id, approval.DecisionResult(approval.WireDecline))
		return
	}
	req, ok, err := parseApprovalRequest(msg.Method, id, msg.Params)
	if err != nil {
		s.logger.Warn("session_invalid_request", logging.F("request_id", id), logging.F("method", msg.Method), logging.F("error", err))
		if rerr := client.RespondError(id, rpc.CodeInvalidParams, err.Error()); rerr != nil {
			s.logger.Warn("session_respond_error", logging.F("request_id", id), logging.F("error", rerr))
		}
		s.hub.Publish(events.AgentError{Message: fmt.Sprintf("approval request %d: %v", id, err)})
		return
	}
	if !ok {
		s.logger.Warn("session_unknown_request", logging.F("request_id", id), logging.F("method", msg.Method))
		if err := client.Respond(id, approval.DecisionResult(approval.WireDecline)); err != nil {
			s.logger.Warn("session_decline_error", logging.F("request_id", id), logging.F("error", err))
		}
		s.hub.Publish(events.UnknownEvent{Method: msg.Method, Raw: msg.Params})
		return
	}
	req.RunID = s.runID
	if req.ThreadID == "" {
		req.ThreadID = s.threadID
	}
	if req.TurnID == "" {
		req.TurnID = s.turnID
	}
	outcome, err := s.approvals.HandleRequest(context.Background(), req, client)
	if err != nil {
		s.logger.Error("approval_request_error", logging.F("request_id", id), logging.F("error", err))
		s.hub.Publish(events.AgentError{Message: fmt.Sprintf("approval request %d: %v", id, err)})
		return
	}
	if outcome.Pending != nil {
		s.hub.Publish(events.ApprovalRequested{Approval: outcome.Pending})
		return
	}
	s.hub.Publish(events.ApprovalAutoApproved{
		RPCRequestID: id,
		Command:      req.Command,
		Reason:       outcome.AutoReason,
	})
}

func (s *Session) onClose(client *rpc.Client, cause error) {
	if client == s.connecting {
		s.connecting = nil
		return
	}
	if client != s.client || s.closing {
		return
	}
	s.ended.Store(true)
	s.client = nil
	s.turnID = ""
	failure := &Failure{Kind: FailureConnectionLost, Err: cause}
	s.logger.Warn("session_connection_lost", logging.F("thread_id", s.threadID), logging.F("error", cause))
	recovery, err := s.approvals.Recover(context.Background(), false)
	if err != nil {
		s.logger.Error("session_recover_error", logging.F("error", err))
	}
	if recovery.Interrupted {
		s.hub.Publish(events.RunInterrupted{Pending: recovery.Pending})
	}
	s.hub.Publish(events.SessionEnded{Err: failure})
	if s.observer != nil {
		s.observer.SessionEnded(s.machine.Name(), string(FailureConnectionLost))
	}
	s.finish()
}

func (s *Session) accepts(client *rpc.Client) bool {
	return client != nil && (client == s.client || client == s.connecting)
}

// ownsTurn reports whether a turn event belongs to the current turn. Events
// for an earlier, ended turn must not end the one running now, including
// while the new turn's id is still unknown.
func (s *Session) ownsTurn(turnID string) bool {
	if turnID == "" {
		return true
	}
	if s.retired(turnID) {
		return false
	}
	return s.turnID == "" || turnID == s.turnID
}

// retireTurn remembers an ended turn id. Only the most recent ids are kept.
func (s *Session) retireTurn(turnID string) {
	if turnID == "" || s.retired(turnID) {
		return
	}
	if len(s.retiredTurns) >= retiredTurnLimit {
		s.retiredTurns = append(s.retiredTurns[:0], s.retiredTurns[1:]...)
	}
	s.retiredTurns = append(s.retiredTurns, turnID)
}

func (s *Session) retired(turnID string) bool {
	for _, id := range s.retiredTurns {
		if id == turnID {
			return true
		}
	}
	return false
}

func (s *Session) endTurn() {
	s.retireTurn(s.turnID)
	s.turnID = ""
	abandoned, err := s.approvals.EndTurn(context.Background())
	if err != nil {
		s.logger.Warn("turn_end_error", logging.F("error", err))
		return
	}
	if abandoned != nil {
		s.hub.Publish(events.RunInterrupted{Pending: abandoned})
	}
	s.touchIndex(context.Background(), "")
}

func (s *Session) recordUsage(next *types.TokenUsage) *types.TokenUsage {
	s.usage = s.usage.Merge(next)
	usage := copyUsage(s.usage)
	threadID := s.threadID
	_, err := s.chats.Update(context.Background(), s.chatID, func(st *types.ChatState) error {
		if st.SessionID != threadID {
			return nil
		}
		st.Usage = copyUsage(usage)
		return nil
	})
	if err != nil {
		s.logger.Warn("usage_persist_error", logging.F("error", err))
	}
	return usage
}

func (s *Session) touchIndex(ctx context.Context, title string) {
	if s.index == nil || s.threadID == "" {
		return
	}
	_, err := s.index.Upsert(ctx, &types.SessionIndexEntry{
		ChatID:      s.chatID,
		MachineName: s.machine.Name(),
		SessionID:   s.threadID,
		Title:       title,
	})
	if err != nil {
		s.logger.Warn("session_index_error", logging.F("error", err))
	}
}

func (s *Session) responder() approval.Responder {
	if s.client == nil {
		return nil
	}
	return s.client
}

func copyUsage(usage *types.TokenUsage) *types.TokenUsage {
	var empty *types.TokenUsage
	return empty.Merge(usage)
}

// clientHandler hands inbound traffic to the session loop. It holds back
// until the client it belongs to has been published to the loop.
type clientHandler struct {
	s      *Session
	ready  chan struct{}
	client *rpc.Client
}

func (h *clientHandler) HandleNotification(msg rpc.Message) {
	<-h.ready
	h.s.loop.post(func() { h.s.onNotification(h.client, msg) })
}

func (h *clientHandler) HandleRequest(msg rpc.Message) {
	<-h.ready
	if !h.s.loop.post(func() { h.s.onRequest(h.client, msg) }) {
		_ = h.client.Respond(*msg.ID, approval.DecisionResult(approval.WireDecline))
	}
}

func (h *clientHandler) HandleClose(err error) {
	<-h.ready
	h.s.loop.post(func() { h.s.onClose(h.client, err) })
}
