package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"relay/internal/approval"
	"relay/internal/events"
	"relay/internal/machine"
	"relay/internal/rpc"
	"relay/internal/store"
	"relay/internal/transport"
	"relay/internal/types"
)

const testTimeout = 2 * time.Second

type agentCall struct {
	Method string
	Params map[string]any
}

// fakeAgent plays the app-server end of a pipe.
type fakeAgent struct {
	tr      transport.Transport
	threads *atomic.Int64

	mu      sync.Mutex
	calls   []agentCall
	turns   int
	// beforeReply runs on the agent goroutine before a call is answered.
	beforeReply func(method string)
	replies     chan map[string]any
	done    chan struct{}
}

func (a *fakeAgent) run() {
	defer close(a.done)
	for {
		raw, err := a.tr.Receive()
		if err != nil {
			return
		}
		var msg map[string]any
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		method, _ := msg["method"].(string)
		id, hasID := msg["id"]
		if method == "" {
			a.replies <- msg
			continue
		}
		params, _ := msg["params"].(map[string]any)
		a.mu.Lock()
		a.calls = append(a.calls, agentCall{Method: method, Params: params})
		hook := a.beforeReply
		a.mu.Unlock()
		if hook != nil {
			hook(method)
		}
		if hasID {
			a.send(map[string]any{"id": id, "result": a.result(method, params)})
		}
	}
}

func (a *fakeAgent) result(method string, params map[string]any) map[string]any {
	switch method {
	case methodInitialize:
		return map[string]any{"userAgent": "fake-agent"}
	case methodThreadStart:
		return map[string]any{"thread": map[string]any{"id": fmt.Sprintf("thr_%d", a.threads.Add(1))}}
	case methodThreadResume:
		return map[string]any{"thread": map[string]any{"id": params["threadId"]}}
	case methodTurnStart:
		a.mu.Lock()
		a.turns++
		n := a.turns
		a.mu.Unlock()
		return map[string]any{"turn": map[string]any{"id": fmt.Sprintf("turn_%d", n)}}
	default:
		return map[string]any{}
	}
}

func (a *fakeAgent) setBeforeReply(fn func(method string)) {
	a.mu.Lock()
	a.beforeReply = fn
	a.mu.Unlock()
}

func (a *fakeAgent) send(payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	_ = a.tr.Send(data)
}

func (a *fakeAgent) notify(method string, params any) {
	a.send(map[string]any{"method": method, "params": params})
}

func (a *fakeAgent) request(id int64, method string, params any) {
	a.send(map[string]any{"id": id, "method": method, "params": params})
}

func (a *fakeAgent) askCommand(id int64, command string) {
	a.request(id, methodCommandApproval, map[string]any{
		"threadId": "thr_1",
		"turnId":   "turn_1",
		"itemId":   fmt.Sprintf("item_%d", id),
		"command":  command,
		"cwd":      "/home/ubuntu",
	})
}

func (a *fakeAgent) waitReply(t *testing.T, id int64) map[string]any {
	t.Helper()
	deadline := time.After(testTimeout)
	for {
		select {
		case msg := <-a.replies:
			if got, _ := msg["id"].(float64); int64(got) == id {
				return msg
			}
		case <-deadline:
			t.Fatalf("timed out waiting for reply to request %d", id)
		}
	}
}

func (a *fakeAgent) methods() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.calls))
	for _, call := range a.calls {
		out = append(out, call.Method)
	}
	return out
}

func (a *fakeAgent) count(method string) int {
	n := 0
	for _, got := range a.methods() {
		if got == method {
			n++
		}
	}
	return n
}

func (a *fakeAgent) call(t *testing.T, method string) agentCall {
	t.Helper()
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, call := range a.calls {
		if call.Method == method {
			return call
		}
	}
	t.Fatalf("agent never received %s", method)
	return agentCall{}
}

func (a *fakeAgent) close() {
	_ = a.tr.Close()
}

func decisionOf(t *testing.T, reply map[string]any) string {
	t.Helper()
	result, ok := reply["result"].(map[string]any)
	if !ok {
		t.Fatalf("reply has no result: %#v", reply)
	}
	decision, _ := result["decision"].(string)
	return decision
}

// fakeMachine hands out one fakeAgent per Spawn.
type fakeMachine struct {
	name     string
	workdir  string
	spawnErr error
	threads  *atomic.Int64

	mu     sync.Mutex
	agents []*fakeAgent
}

func newFakeMachine(name, workdir string) *fakeMachine {
	return &fakeMachine{
		name:    name,
		workdir: workdir,
		threads: &atomic.Int64{},
	}
}

func (m *fakeMachine) Name() string           { return m.name }
func (m *fakeMachine) Kind() machine.Kind     { return machine.KindLocal }
func (m *fakeMachine) DefaultWorkdir() string { return m.workdir }
func (m *fakeMachine) Close() error           { return nil }

func (m *fakeMachine) ResolvePath(ctx context.Context, cwd, input string) (string, error) {
	base := cwd
	if base == "" {
		base = m.workdir
	}
	path := input
	if !filepath.IsAbs(path) {
		path = filepath.Join(base, path)
	}
	path = filepath.Clean(path)
	if path != m.workdir && !strings.HasPrefix(path, m.workdir+"/") {
		return "", &machine.PathEscapeError{Path: path, Roots: []string{m.workdir}}
	}
	return path, nil
}

func (m *fakeMachine) Spawn(ctx context.Context, workdir string, extraArgs []string) (transport.Transport, error) {
	if m.spawnErr != nil {
		return nil, &machine.UnreachableError{Machine: m.name, Err: m.spawnErr}
	}
	clientEnd, agentEnd := transport.Pipe()
	agent := &fakeAgent{
		tr:      agentEnd,
		threads: m.threads,
		replies: make(chan map[string]any, 64),
		done:    make(chan struct{}),
	}
	m.mu.Lock()
	m.agents = append(m.agents, agent)
	m.mu.Unlock()
	go agent.run()
	return clientEnd, nil
}

func (m *fakeMachine) agent(t *testing.T, i int) *fakeAgent {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	if i >= len(m.agents) {
		t.Fatalf("agent %d was never spawned (have %d)", i, len(m.agents))
	}
	return m.agents[i]
}

func (m *fakeMachine) spawnCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.agents)
}

type testEnv struct {
	mgr   *Manager
	fm    *fakeMachine
	repo  store.Repository
	chats store.ChatStateStore
}

func newTestEnv(t *testing.T, mode types.ApprovalMode, extra ...machine.Machine) *testEnv {
	t.Helper()
	repo, err := store.NewFileRepository(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileRepository: %v", err)
	}
	fm := newFakeMachine("local", "/home/ubuntu")
	registry := machine.NewStaticRegistry("local", append([]machine.Machine{fm}, extra...)...)
	mgr, err := NewManager(ManagerOptions{
		Registry: registry,
		Chats:    repo.ChatStates(),
		Index:    repo.SessionIndex(),
		Defaults: Defaults{ApprovalMode: mode, Sandbox: "workspace-write"},
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(func() {
		_ = mgr.Close(context.Background())
	})
	return &testEnv{mgr: mgr, fm: fm, repo: repo, chats: repo.ChatStates()}
}

func (e *testEnv) state(t *testing.T, chatID int64) *types.ChatState {
	t.Helper()
	state, ok, err := e.chats.Get(context.Background(), chatID)
	if err != nil || !ok {
		t.Fatalf("Get chat %d: ok=%v err=%v", chatID, ok, err)
	}
	return state
}

func waitFor[T events.Event](t *testing.T, ch <-chan events.Event) T {
	t.Helper()
	deadline := time.After(testTimeout)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				var zero T
				t.Fatalf("event stream closed while waiting for %T", zero)
			}
			if typed, ok := ev.(T); ok {
				return typed
			}
		case <-deadline:
			var zero T
			t.Fatalf("timed out waiting for %T", zero)
		}
	}
}

// startPending opens chat 1, starts a turn and leaves an approval for
// request 10 pending.
func startPending(t *testing.T, env *testEnv, command string) (<-chan events.Event, *fakeAgent, *types.PendingApproval) {
	t.Helper()
	ctx := context.Background()
	ch, cancel := env.mgr.Subscribe(1)
	t.Cleanup(cancel)
	if err := env.mgr.SendUserMessage(ctx, 1, "list the files"); err != nil {
		t.Fatalf("SendUserMessage: %v", err)
	}
	agent := env.fm.agent(t, 0)
	agent.askCommand(10, command)
	requested := waitFor[events.ApprovalRequested](t, ch)
	return ch, agent, requested.Approval
}

func TestStartPerformsHandshakeInOrder(t *testing.T) {
	env := newTestEnv(t, types.ApprovalModeOnRequest)
	ch, cancel := env.mgr.Subscribe(1)
	defer cancel()

	if _, err := env.mgr.Open(context.Background(), 1); err != nil {
		t.Fatalf("Open: %v", err)
	}
	started := waitFor[events.ThreadStarted](t, ch)
	if started.ThreadID != "thr_1" {
		t.Fatalf("unexpected thread %q", started.ThreadID)
	}
	agent := env.fm.agent(t, 0)
	got := agent.methods()
	want := []string{methodInitialize, methodInitialized, methodThreadStart}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("unexpected handshake %v", got)
	}
	params := agent.call(t, methodThreadStart).Params
	if params["cwd"] != "/home/ubuntu" || params["approvalPolicy"] != approval.ProtocolOnRequest || params["sandbox"] != "workspace-write" {
		t.Fatalf("unexpected thread/start params %#v", params)
	}
	if _, ok := params["threadId"]; ok {
		t.Fatalf("thread/start must not carry a thread id")
	}
	state := env.state(t, 1)
	if state.SessionID != "thr_1" || state.RunState != types.RunStateIdle {
		t.Fatalf("unexpected state %#v", state)
	}
	entries, err := env.repo.SessionIndex().List(context.Background(), 1, "local", 0)
	if err != nil || len(entries) != 1 || entries[0].SessionID != "thr_1" {
		t.Fatalf("expected indexed session, got %v %v", entries, err)
	}

	// A second Open reuses the live connection.
	if _, err := env.mgr.Open(context.Background(), 1); err != nil {
		t.Fatalf("Open again: %v", err)
	}
	if env.fm.spawnCount() != 1 {
		t.Fatalf("expected one spawn, got %d", env.fm.spawnCount())
	}
}

func TestStartResumesStoredThread(t *testing.T) {
	env := newTestEnv(t, types.ApprovalModeOnRequest)
	ctx := context.Background()
	if _, err := env.mgr.Ensure(ctx, 1); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	_, err := env.chats.Update(ctx, 1, func(st *types.ChatState) error {
		st.SessionID = "thr_old"
		st.TrustedSessionID = "thr_old"
		st.TrustedPrefixes = []string{"git status"}
		return nil
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if _, err := env.mgr.Open(ctx, 1); err != nil {
		t.Fatalf("Open: %v", err)
	}
	agent := env.fm.agent(t, 0)
	params := agent.call(t, methodThreadResume).Params
	if params["threadId"] != "thr_old" {
		t.Fatalf("unexpected resume params %#v", params)
	}
	if agent.count(methodThreadStart) != 0 {
		t.Fatalf("resume must not start a new thread")
	}
	state := env.state(t, 1)
	if state.SessionID != "thr_old" || len(state.TrustedPrefixes) != 1 {
		t.Fatalf("resume must keep the session and its prefixes: %#v", state)
	}
}

func TestSendWhileAwaitingApprovalIssuesNoRPC(t *testing.T) {
	env := newTestEnv(t, types.ApprovalModeOnRequest)
	_, agent, pending := startPending(t, env, "rm -rf build")
	if pending.RPCRequestID != 10 || pending.Intent != types.IntentWriteLikely {
		t.Fatalf("unexpected pending approval %#v", pending)
	}
	if state := env.state(t, 1); state.RunState != types.RunStateAwaitingApproval || state.PendingApproval == nil {
		t.Fatalf("expected awaiting approval, got %#v", state)
	}

	err := env.mgr.SendUserMessage(context.Background(), 1, "another message")
	if !errors.Is(err, approval.ErrApprovalPending) {
		t.Fatalf("expected ErrApprovalPending, got %v", err)
	}
	if n := agent.count(methodTurnStart); n != 1 {
		t.Fatalf("expected exactly one turn/start, got %d", n)
	}
	if state := env.state(t, 1); state.PendingApproval == nil || state.PendingApproval.RPCRequestID != 10 {
		t.Fatalf("pending approval must be untouched: %#v", state)
	}
}

func TestApproveSimilarTrustsPrefixWithinSession(t *testing.T) {
	env := newTestEnv(t, types.ApprovalModeOnRequest)
	ctx := context.Background()
	ch, agent, pending := startPending(t, env, "git status --short")
	if pending.SuggestedPrefix != "git status" {
		t.Fatalf("unexpected suggested prefix %q", pending.SuggestedPrefix)
	}

	resolution, err := env.mgr.RespondToApproval(ctx, 1, approval.DecisionApproveSimilar, "")
	if err != nil {
		t.Fatalf("RespondToApproval: %v", err)
	}
	if resolution.Prefix != "git status" {
		t.Fatalf("unexpected trusted prefix %q", resolution.Prefix)
	}
	if got := decisionOf(t, agent.waitReply(t, 10)); got != approval.WireAccept {
		t.Fatalf("expected accept, got %q", got)
	}
	state := env.state(t, 1)
	if state.RunState != types.RunStateRunningTurn || state.PendingApproval != nil {
		t.Fatalf("expected running turn after decision, got %#v", state)
	}
	if state.TrustedSessionID != "thr_1" || len(state.TrustedPrefixes) != 1 {
		t.Fatalf("expected prefix scoped to thr_1, got %#v", state)
	}

	agent.askCommand(11, "git status -v")
	auto := waitFor[events.ApprovalAutoApproved](t, ch)
	if auto.RPCRequestID != 11 || auto.Reason != approval.AutoReasonTrustedPrefix {
		t.Fatalf("unexpected auto approval %#v", auto)
	}
	if got := decisionOf(t, agent.waitReply(t, 11)); got != approval.WireAccept {
		t.Fatalf("expected accept for trusted command, got %q", got)
	}

	// A new session starts with no trusted prefixes.
	if err := env.mgr.Reset(ctx, 1); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if err := env.mgr.SendUserMessage(ctx, 1, "again"); err != nil {
		t.Fatalf("SendUserMessage after reset: %v", err)
	}
	next := env.fm.agent(t, 1)
	if next.count(methodThreadStart) != 1 {
		t.Fatalf("expected a fresh thread after reset, got %v", next.methods())
	}
	next.askCommand(12, "git status")
	requested := waitFor[events.ApprovalRequested](t, ch)
	if requested.Approval.RPCRequestID != 12 || requested.Approval.SessionID != "thr_2" {
		t.Fatalf("expected a prompt in the new session, got %#v", requested.Approval)
	}
}

func TestAlwaysModeNeverAutoApproves(t *testing.T) {
	env := newTestEnv(t, types.ApprovalModeAlways)
	_, agent, pending := startPending(t, env, "ls -la")
	params := agent.call(t, methodThreadStart).Params
	instructions, _ := params["developerInstructions"].(string)
	if params["approvalPolicy"] != approval.ProtocolOnRequest || !strings.Contains(instructions, "Request approval before running any shell command") {
		t.Fatalf("unexpected always-mode thread params %#v", params)
	}
	if pending.SuggestedPrefix != "" {
		t.Fatalf("always mode must not offer approve_similar, got %q", pending.SuggestedPrefix)
	}
	_, err := env.mgr.RespondToApproval(context.Background(), 1, approval.DecisionApproveSimilar, "ls")
	if !errors.Is(err, approval.ErrSimilarNotAllowed) {
		t.Fatalf("expected ErrSimilarNotAllowed, got %v", err)
	}
	if _, err := env.mgr.RespondToApproval(context.Background(), 1, approval.DecisionReject, ""); err != nil {
		t.Fatalf("reject: %v", err)
	}
	if got := decisionOf(t, agent.waitReply(t, 10)); got != approval.WireDecline {
		t.Fatalf("expected decline, got %q", got)
	}
}

func TestYoloModeAutoApprovesEverything(t *testing.T) {
	env := newTestEnv(t, types.ApprovalModeYolo)
	ch, cancel := env.mgr.Subscribe(1)
	defer cancel()
	if err := env.mgr.SendUserMessage(context.Background(), 1, "go"); err != nil {
		t.Fatalf("SendUserMessage: %v", err)
	}
	agent := env.fm.agent(t, 0)
	if params := agent.call(t, methodThreadStart).Params; params["approvalPolicy"] != approval.ProtocolNever {
		t.Fatalf("unexpected yolo params %#v", params)
	}
	agent.askCommand(10, "rm -rf /tmp/x")
	auto := waitFor[events.ApprovalAutoApproved](t, ch)
	if auto.Reason != approval.AutoReasonYolo {
		t.Fatalf("unexpected reason %q", auto.Reason)
	}
	if got := decisionOf(t, agent.waitReply(t, 10)); got != approval.WireAccept {
		t.Fatalf("expected accept, got %q", got)
	}
	if state := env.state(t, 1); state.PendingApproval != nil {
		t.Fatalf("yolo must not persist approvals")
	}
}

func TestChatsProgressIndependently(t *testing.T) {
	env := newTestEnv(t, types.ApprovalModeOnRequest)
	startPending(t, env, "rm -rf build")

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	ch, unsubscribe := env.mgr.Subscribe(2)
	defer unsubscribe()
	if err := env.mgr.SendUserMessage(ctx, 2, "hello"); err != nil {
		t.Fatalf("chat 2 blocked behind chat 1: %v", err)
	}
	other := env.fm.agent(t, 1)
	other.notify("item/agentMessage/delta", map[string]any{"itemId": "m1", "delta": "hi"})
	delta := waitFor[events.AssistantTextDelta](t, ch)
	if delta.Text != "hi" {
		t.Fatalf("unexpected delta %#v", delta)
	}
	if state := env.state(t, 1); state.PendingApproval == nil {
		t.Fatalf("chat 1 approval must stay pending")
	}
}

func TestConnectionLossRecoversPendingApproval(t *testing.T) {
	env := newTestEnv(t, types.ApprovalModeOnRequest)
	ctx := context.Background()
	ch, agent, _ := startPending(t, env, "make install")

	agent.close()
	interrupted := waitFor[events.RunInterrupted](t, ch)
	if interrupted.Pending == nil || interrupted.Pending.RPCRequestID != 10 {
		t.Fatalf("expected interrupted approval 10, got %#v", interrupted.Pending)
	}
	ended := waitFor[events.SessionEnded](t, ch)
	if failure := Classify(ended.Err); failure == nil || failure.Kind != FailureConnectionLost {
		t.Fatalf("expected connection_lost, got %v", ended.Err)
	}
	state := env.state(t, 1)
	if state.RunState != types.RunStateIdle || state.PendingApproval != nil || state.SessionID != "thr_1" {
		t.Fatalf("expected idle with thread kept, got %#v", state)
	}
	if env.mgr.Live(1) {
		t.Fatalf("session must not be live after connection loss")
	}
	if _, err := env.mgr.RespondToApproval(ctx, 1, approval.DecisionApproveOnce, ""); !errors.Is(err, approval.ErrNoPendingApproval) {
		t.Fatalf("expected ErrNoPendingApproval, got %v", err)
	}

	if err := env.mgr.SendUserMessage(ctx, 1, "continue"); err != nil {
		t.Fatalf("SendUserMessage after loss: %v", err)
	}
	next := env.fm.agent(t, 1)
	if params := next.call(t, methodThreadResume).Params; params["threadId"] != "thr_1" {
		t.Fatalf("expected resume of thr_1, got %#v", params)
	}
}

func TestManagerRecoverResetsInterruptedRuns(t *testing.T) {
	env := newTestEnv(t, types.ApprovalModeOnRequest)
	ctx := context.Background()
	if _, err := env.mgr.Ensure(ctx, 5); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	_, err := env.chats.Update(ctx, 5, func(st *types.ChatState) error {
		st.SessionID = "thr_9"
		st.RunState = types.RunStateAwaitingApproval
		st.PendingApproval = &types.PendingApproval{
			RequestKind:  types.RequestKindCommandExecution,
			RPCRequestID: 3,
			Command:      "npm install",
			SessionID:    "thr_9",
			CreatedAt:    time.Now().UTC(),
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if _, err := env.mgr.Ensure(ctx, 6); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	ch, cancel := env.mgr.Subscribe(5)
	defer cancel()

	reports, err := env.mgr.Recover(ctx)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if len(reports) != 1 || reports[0].ChatID != 5 || reports[0].Recovery.Pending.RPCRequestID != 3 {
		t.Fatalf("unexpected reports %#v", reports)
	}
	interrupted := waitFor[events.RunInterrupted](t, ch)
	if interrupted.Pending == nil || interrupted.Pending.Command != "npm install" {
		t.Fatalf("unexpected interruption %#v", interrupted)
	}
	state := env.state(t, 5)
	if state.RunState != types.RunStateIdle || state.PendingApproval != nil || state.SessionID != "thr_9" {
		t.Fatalf("unexpected recovered state %#v", state)
	}
	if _, err := env.mgr.RespondToApproval(ctx, 5, approval.DecisionApproveOnce, ""); !errors.Is(err, approval.ErrNoPendingApproval) {
		t.Fatalf("expected ErrNoPendingApproval after recovery, got %v", err)
	}
}

func TestCancelTurnCancelsApprovalAndInterrupts(t *testing.T) {
	env := newTestEnv(t, types.ApprovalModeOnRequest)
	_, agent, _ := startPending(t, env, "terraform apply")

	cancelled, err := env.mgr.CancelTurn(context.Background(), 1)
	if err != nil {
		t.Fatalf("CancelTurn: %v", err)
	}
	if cancelled == nil || cancelled.RPCRequestID != 10 {
		t.Fatalf("expected cancelled approval 10, got %#v", cancelled)
	}
	if got := decisionOf(t, agent.waitReply(t, 10)); got != approval.WireCancel {
		t.Fatalf("expected cancel, got %q", got)
	}
	params := agent.call(t, methodTurnInterrupt).Params
	if params["threadId"] != "thr_1" || params["turnId"] != "turn_1" {
		t.Fatalf("unexpected interrupt params %#v", params)
	}
	if state := env.state(t, 1); state.RunState != types.RunStateIdle || state.PendingApproval != nil {
		t.Fatalf("expected idle after cancel, got %#v", state)
	}
	if err := env.mgr.SendUserMessage(context.Background(), 1, "next"); err != nil {
		t.Fatalf("SendUserMessage after cancel: %v", err)
	}
}

func TestLateCompletionOfCancelledTurnKeepsNextTurnRunning(t *testing.T) {
	env := newTestEnv(t, types.ApprovalModeOnRequest)
	ctx := context.Background()
	ch, cancel := env.mgr.Subscribe(1)
	defer cancel()

	if err := env.mgr.SendUserMessage(ctx, 1, "first"); err != nil {
		t.Fatalf("SendUserMessage first: %v", err)
	}
	if _, err := env.mgr.CancelTurn(ctx, 1); err != nil {
		t.Fatalf("CancelTurn: %v", err)
	}
	agent := env.fm.agent(t, 0)
	if params := agent.call(t, methodTurnInterrupt).Params; params["turnId"] != "turn_1" {
		t.Fatalf("unexpected interrupt params %#v", params)
	}

	// turn_1 reports its end only once turn_2 has been requested but not
	// yet acknowledged.
	agent.setBeforeReply(func(method string) {
		if method != methodTurnStart {
			return
		}
		agent.notify("turn/completed", map[string]any{"turn": map[string]any{"id": "turn_1", "status": "interrupted"}})
	})
	if err := env.mgr.SendUserMessage(ctx, 1, "second"); err != nil {
		t.Fatalf("SendUserMessage second: %v", err)
	}
	agent.setBeforeReply(nil)
	if completed := waitFor[events.TurnCompleted](t, ch); completed.TurnID != "turn_1" {
		t.Fatalf("unexpected completion %#v", completed)
	}

	if state := env.state(t, 1); state.RunState != types.RunStateRunningTurn {
		t.Fatalf("expected turn_2 to keep the chat running, got %s", state.RunState)
	}
	if err := env.mgr.SendUserMessage(ctx, 1, "third"); !errors.Is(err, approval.ErrTurnInProgress) {
		t.Fatalf("expected ErrTurnInProgress, got %v", err)
	}
	if got := agent.count(methodTurnStart); got != 2 {
		t.Fatalf("expected 2 turn/start calls, got %d", got)
	}

	agent.notify("turn/completed", map[string]any{"turn": map[string]any{"id": "turn_2", "status": "completed"}})
	if completed := waitFor[events.TurnCompleted](t, ch); completed.TurnID != "turn_2" {
		t.Fatalf("unexpected completion %#v", completed)
	}
	if state := env.state(t, 1); state.RunState != types.RunStateIdle {
		t.Fatalf("expected idle after turn_2 completed, got %s", state.RunState)
	}
}

func TestUnknownServerRequestIsDeclined(t *testing.T) {
	env := newTestEnv(t, types.ApprovalModeOnRequest)
	ch, cancel := env.mgr.Subscribe(1)
	defer cancel()
	if _, err := env.mgr.Open(context.Background(), 1); err != nil {
		t.Fatalf("Open: %v", err)
	}
	agent := env.fm.agent(t, 0)
	agent.request(20, "item/tool/requestUserInput", map[string]any{"prompt": "?"})
	if got := decisionOf(t, agent.waitReply(t, 20)); got != approval.WireDecline {
		t.Fatalf("expected decline, got %q", got)
	}
	unknown := waitFor[events.UnknownEvent](t, ch)
	if unknown.Method != "item/tool/requestUserInput" {
		t.Fatalf("unexpected unknown event %#v", unknown)
	}
	if state := env.state(t, 1); state.PendingApproval != nil {
		t.Fatalf("unknown requests must not be persisted")
	}
}

func TestMalformedApprovalRequestIsRefused(t *testing.T) {
	env := newTestEnv(t, types.ApprovalModeOnRequest)
	ch, cancel := env.mgr.Subscribe(1)
	defer cancel()
	if _, err := env.mgr.Open(context.Background(), 1); err != nil {
		t.Fatalf("Open: %v", err)
	}
	agent := env.fm.agent(t, 0)
	agent.request(21, methodCommandApproval, []string{"rm", "-rf", "/"})
	reply := agent.waitReply(t, 21)
	errObj, ok := reply["error"].(map[string]any)
	if !ok {
		t.Fatalf("expected error reply, got %#v", reply)
	}
	if code, _ := errObj["code"].(float64); int(code) != rpc.CodeInvalidParams {
		t.Fatalf("unexpected error code %#v", errObj)
	}
	agentErr := waitFor[events.AgentError](t, ch)
	if !strings.Contains(agentErr.Message, "approval request 21") {
		t.Fatalf("unexpected agent error %q", agentErr.Message)
	}
	state := env.state(t, 1)
	if state.PendingApproval != nil || state.RunState == types.RunStateAwaitingApproval {
		t.Fatalf("malformed requests must not be persisted: %#v", state)
	}
}

func TestUsageIsPersistedAndAttachedToTurnCompleted(t *testing.T) {
	env := newTestEnv(t, types.ApprovalModeOnRequest)
	ch, cancel := env.mgr.Subscribe(1)
	defer cancel()
	if err := env.mgr.SendUserMessage(context.Background(), 1, "count tokens"); err != nil {
		t.Fatalf("SendUserMessage: %v", err)
	}
	agent := env.fm.agent(t, 0)
	agent.notify("thread/tokenUsage/updated", map[string]any{
		"tokenUsage": map[string]any{
			"total":              map[string]any{"totalTokens": 1200, "inputTokens": 1000, "outputTokens": 200},
			"modelContextWindow": 200000,
		},
	})
	updated := waitFor[events.TokenUsageUpdated](t, ch)
	if remaining, ok := updated.Usage.ContextRemaining(); !ok || remaining != 198800 {
		t.Fatalf("unexpected remaining context %d %v", remaining, ok)
	}
	agent.notify("turn/completed", map[string]any{"turn": map[string]any{"id": "turn_1", "status": "completed"}})
	completed := waitFor[events.TurnCompleted](t, ch)
	if completed.Usage == nil || completed.Usage.TotalTokens == nil || *completed.Usage.TotalTokens != 1200 {
		t.Fatalf("expected usage on turn completion, got %#v", completed.Usage)
	}
	state := env.state(t, 1)
	if state.RunState != types.RunStateIdle {
		t.Fatalf("expected idle after turn, got %s", state.RunState)
	}
	if state.Usage == nil || state.Usage.TotalTokens == nil || *state.Usage.TotalTokens != 1200 {
		t.Fatalf("expected persisted usage, got %#v", state.Usage)
	}
	if state.SessionTitle != "count tokens" {
		t.Fatalf("expected title from first message, got %q", state.SessionTitle)
	}
}

func TestFailedTurnReturnsToIdle(t *testing.T) {
	env := newTestEnv(t, types.ApprovalModeOnRequest)
	ch, cancel := env.mgr.Subscribe(1)
	defer cancel()
	if err := env.mgr.SendUserMessage(context.Background(), 1, "break"); err != nil {
		t.Fatalf("SendUserMessage: %v", err)
	}
	agent := env.fm.agent(t, 0)
	agent.notify("turn/completed", map[string]any{
		"turn": map[string]any{"id": "turn_1", "status": "failed", "error": map[string]any{"message": "model overloaded"}},
	})
	failed := waitFor[events.TurnFailed](t, ch)
	if failed.Message != "model overloaded" {
		t.Fatalf("unexpected failure %#v", failed)
	}
	if state := env.state(t, 1); state.RunState != types.RunStateIdle {
		t.Fatalf("expected idle, got %s", state.RunState)
	}
}

func TestChangeDirValidatesAgainstAllowedRoots(t *testing.T) {
	env := newTestEnv(t, types.ApprovalModeOnRequest)
	ctx := context.Background()
	if _, err := env.mgr.Open(ctx, 1); err != nil {
		t.Fatalf("Open: %v", err)
	}

	_, err := env.mgr.ChangeDir(ctx, 1, "../../etc")
	var failure *Failure
	if !errors.As(err, &failure) || failure.Kind != FailurePathEscape {
		t.Fatalf("expected path_escape failure, got %v", err)
	}
	var escape *machine.PathEscapeError
	if !errors.As(err, &escape) {
		t.Fatalf("failure must wrap PathEscapeError")
	}
	if state := env.state(t, 1); state.SessionID != "thr_1" || state.Workdir != "/home/ubuntu" {
		t.Fatalf("rejected cd must change nothing: %#v", state)
	}

	resolved, err := env.mgr.ChangeDir(ctx, 1, "sub/dir")
	if err != nil || resolved != "/home/ubuntu/sub/dir" {
		t.Fatalf("ChangeDir = %q, %v", resolved, err)
	}
	state := env.state(t, 1)
	if state.Workdir != resolved || state.SessionID != "" {
		t.Fatalf("expected new workdir and cleared session, got %#v", state)
	}
	if env.mgr.Live(1) {
		t.Fatalf("cd must close the live session")
	}
}

func TestSwitchMachineClearsSession(t *testing.T) {
	build := newFakeMachine("build", "/srv/build")
	env := newTestEnv(t, types.ApprovalModeOnRequest, build)
	ctx := context.Background()
	if _, err := env.mgr.Open(ctx, 1); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := env.mgr.SwitchMachine(ctx, 1, "nope"); !errors.Is(err, machine.ErrUnknownMachine) {
		t.Fatalf("expected ErrUnknownMachine, got %v", err)
	}
	if err := env.mgr.SwitchMachine(ctx, 1, "build"); err != nil {
		t.Fatalf("SwitchMachine: %v", err)
	}
	state := env.state(t, 1)
	if state.MachineName != "build" || state.Workdir != "/srv/build" || state.SessionID != "" {
		t.Fatalf("unexpected state after switch %#v", state)
	}
	if _, err := env.mgr.Open(ctx, 1); err != nil {
		t.Fatalf("Open on build: %v", err)
	}
	if build.spawnCount() != 1 {
		t.Fatalf("expected the new machine to spawn the agent")
	}
}

func TestUnreachableMachineIsReportedWithoutFallback(t *testing.T) {
	env := newTestEnv(t, types.ApprovalModeOnRequest)
	env.fm.spawnErr = errors.New("dial tcp: connection refused")
	err := env.mgr.SendUserMessage(context.Background(), 1, "hello")
	failure := Classify(err)
	if failure == nil || failure.Kind != FailureUnreachable {
		t.Fatalf("expected unreachable failure, got %v", err)
	}
	if !strings.Contains(failure.Message(), "local") {
		t.Fatalf("message should name the machine: %q", failure.Message())
	}
	state := env.state(t, 1)
	if state.MachineName != "local" || state.RunState != types.RunStateIdle {
		t.Fatalf("unreachable machine must leave state alone: %#v", state)
	}
}

func TestExitClosesAndForgetsThread(t *testing.T) {
	env := newTestEnv(t, types.ApprovalModeOnRequest)
	ctx := context.Background()
	ch, agent, _ := startPending(t, env, "rm -rf build")
	if err := env.mgr.Exit(ctx, 1); err != nil {
		t.Fatalf("Exit: %v", err)
	}
	if got := decisionOf(t, agent.waitReply(t, 10)); got != approval.WireCancel {
		t.Fatalf("expected cancel on exit, got %q", got)
	}
	ended := waitFor[events.SessionEnded](t, ch)
	if ended.Err != nil {
		t.Fatalf("requested close must end without error, got %v", ended.Err)
	}
	state := env.state(t, 1)
	if state.SessionID != "" || state.RunState != types.RunStateClosed || state.PendingApproval != nil {
		t.Fatalf("unexpected state after exit %#v", state)
	}
	select {
	case <-agent.done:
	case <-time.After(testTimeout):
		t.Fatalf("agent transport not closed on exit")
	}
}

func TestResumeSessionFromIndex(t *testing.T) {
	env := newTestEnv(t, types.ApprovalModeOnRequest)
	ctx := context.Background()
	if err := env.mgr.SendUserMessage(ctx, 1, "first thread"); err != nil {
		t.Fatalf("SendUserMessage: %v", err)
	}
	if err := env.mgr.Reset(ctx, 1); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if _, err := env.mgr.Open(ctx, 1); err != nil {
		t.Fatalf("Open: %v", err)
	}
	sessions, err := env.mgr.Sessions(ctx, 1, 10)
	if err != nil || len(sessions) != 2 {
		t.Fatalf("expected two indexed sessions, got %v %v", sessions, err)
	}
	if err := env.mgr.ResumeSession(ctx, 1, "thr_missing"); !errors.Is(err, store.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
	if err := env.mgr.ResumeSession(ctx, 1, "thr_1"); err != nil {
		t.Fatalf("ResumeSession: %v", err)
	}
	state := env.state(t, 1)
	if state.SessionID != "thr_1" || state.SessionTitle != "first thread" {
		t.Fatalf("unexpected state after resume %#v", state)
	}
	if _, err := env.mgr.Open(ctx, 1); err != nil {
		t.Fatalf("Open resumed: %v", err)
	}
	if params := env.fm.agent(t, 2).call(t, methodThreadResume).Params; params["threadId"] != "thr_1" {
		t.Fatalf("unexpected resume params %#v", params)
	}
}

func TestSetApprovalModeRejectedWhilePending(t *testing.T) {
	env := newTestEnv(t, types.ApprovalModeOnRequest)
	ctx := context.Background()
	startPending(t, env, "rm -rf build")
	if _, err := env.mgr.SetApprovalMode(ctx, 1, "yolo"); !errors.Is(err, approval.ErrApprovalPending) {
		t.Fatalf("expected ErrApprovalPending, got %v", err)
	}
	if _, err := env.mgr.SetApprovalMode(ctx, 1, "sometimes"); err == nil {
		t.Fatalf("expected error for unknown mode")
	}
	if _, err := env.mgr.RespondToApproval(ctx, 1, approval.DecisionReject, ""); err != nil {
		t.Fatalf("reject: %v", err)
	}
	if _, err := env.mgr.CancelTurn(ctx, 1); err != nil {
		t.Fatalf("CancelTurn: %v", err)
	}
	mode, err := env.mgr.SetApprovalMode(ctx, 1, "always")
	if err != nil || mode != types.ApprovalModeAlways {
		t.Fatalf("SetApprovalMode = %q, %v", mode, err)
	}
	state := env.state(t, 1)
	if state.ApprovalMode != types.ApprovalModeAlways || state.SessionID != "thr_1" {
		t.Fatalf("mode change must keep the thread: %#v", state)
	}
}
