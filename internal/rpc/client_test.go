package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"relay/internal/transport"
)

type recordingHandler struct {
	mu     sync.Mutex
	order  []string
	seen   chan Message
	closed chan error
	closeN int
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{seen: make(chan Message, 16), closed: make(chan error, 1)}
}

func (h *recordingHandler) HandleNotification(msg Message) {
	h.mu.Lock()
	h.order = append(h.order, "note:"+msg.Method)
	h.mu.Unlock()
	h.seen <- msg
}

func (h *recordingHandler) HandleRequest(msg Message) {
	h.mu.Lock()
	h.order = append(h.order, "req:"+msg.Method)
	h.mu.Unlock()
	h.seen <- msg
}

func (h *recordingHandler) HandleClose(err error) {
	h.mu.Lock()
	h.closeN++
	h.mu.Unlock()
	h.closed <- err
}

func (h *recordingHandler) wait(t *testing.T) Message {
	t.Helper()
	select {
	case msg := <-h.seen:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for inbound message")
		return Message{}
	}
}

// fakeServer is the agent end of a pipe.
type fakeServer struct {
	t  *testing.T
	tr transport.Transport
}

func (s *fakeServer) read() map[string]any {
	s.t.Helper()
	raw, err := s.tr.Receive()
	if err != nil {
		s.t.Errorf("server receive: %v", err)
		return nil
	}
	var msg map[string]any
	if err := json.Unmarshal(raw, &msg); err != nil {
		s.t.Errorf("server decode: %v", err)
	}
	return msg
}

func (s *fakeServer) write(line string) {
	if err := s.tr.Send([]byte(line)); err != nil {
		s.t.Errorf("server send: %v", err)
	}
}

func newTestClient(t *testing.T) (*Client, *fakeServer, *recordingHandler) {
	t.Helper()
	clientEnd, serverEnd := transport.Pipe()
	handler := newRecordingHandler()
	client := NewClient(clientEnd, handler)
	t.Cleanup(func() {
		_ = client.Close()
		_ = serverEnd.Close()
	})
	return client, &fakeServer{t: t, tr: serverEnd}, handler
}

func TestCallResolvesByID(t *testing.T) {
	client, server, _ := newTestClient(t)
	go func() {
		first := server.read()
		second := server.read()
		// Answer out of order.
		server.write(`{"id":` + jsonNumber(second["id"]) + `,"result":{"thread":{"id":"thr_2"}}}`)
		server.write(`{"id":` + jsonNumber(first["id"]) + `,"error":{"code":-32600,"message":"bad"}}`)
	}()

	var wg sync.WaitGroup
	var firstErr error
	var second struct {
		Thread struct {
			ID string `json:"id"`
		} `json:"thread"`
	}
	var secondErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		firstErr = client.Call(context.Background(), "thread/start", map[string]any{"cwd": "/w"}, nil)
	}()
	time.Sleep(20 * time.Millisecond)
	go func() {
		defer wg.Done()
		secondErr = client.Call(context.Background(), "thread/resume", map[string]any{"threadId": "thr_2"}, &second)
	}()
	wg.Wait()

	var rpcErr *Error
	if !errors.As(firstErr, &rpcErr) || rpcErr.Code != -32600 {
		t.Fatalf("expected rpc error, got %v", firstErr)
	}
	if secondErr != nil || second.Thread.ID != "thr_2" {
		t.Fatalf("unexpected second result: %v %#v", secondErr, second)
	}
}

func TestDispatchPreservesReceiptOrder(t *testing.T) {
	_, server, handler := newTestClient(t)
	go func() {
		server.write(`{"method":"item/agentMessage/delta","params":{"delta":"hi"}}`)
		server.write(`not json at all`)
		server.write(`{"id":5,"method":"item/commandExecution/requestApproval","params":{"command":"ls"}}`)
		server.write(`{"method":"turn/completed","params":{}}`)
	}()
	for i := 0; i < 3; i++ {
		handler.wait(t)
	}
	handler.mu.Lock()
	defer handler.mu.Unlock()
	want := []string{"note:item/agentMessage/delta", "req:item/commandExecution/requestApproval", "note:turn/completed"}
	if len(handler.order) != len(want) {
		t.Fatalf("unexpected order %v", handler.order)
	}
	for i := range want {
		if handler.order[i] != want[i] {
			t.Fatalf("unexpected order %v", handler.order)
		}
	}
}

func TestRespondToServerRequestOnce(t *testing.T) {
	client, server, handler := newTestClient(t)
	go server.write(`{"id":5,"method":"item/commandExecution/requestApproval","params":{"command":"ls"}}`)
	msg := handler.wait(t)
	if msg.ID == nil || *msg.ID != 5 {
		t.Fatalf("unexpected request %#v", msg)
	}
	if !client.Outstanding(5) {
		t.Fatalf("expected request 5 to be outstanding")
	}

	got := make(chan map[string]any, 1)
	go func() { got <- server.read() }()
	if err := client.Respond(5, map[string]any{"decision": "accept"}); err != nil {
		t.Fatalf("Respond: %v", err)
	}
	resp := <-got
	if resp["id"].(float64) != 5 || resp["result"].(map[string]any)["decision"] != "accept" {
		t.Fatalf("unexpected response frame %#v", resp)
	}
	if err := client.Respond(5, map[string]any{"decision": "accept"}); !errors.Is(err, ErrUnknownRequest) {
		t.Fatalf("expected ErrUnknownRequest on second respond, got %v", err)
	}
	if err := client.Respond(99, nil); !errors.Is(err, ErrUnknownRequest) {
		t.Fatalf("expected ErrUnknownRequest for unknown id, got %v", err)
	}
}

func TestRespondErrorClaimsServerRequest(t *testing.T) {
	client, server, handler := newTestClient(t)
	go server.write(`{"id":6,"method":"item/commandExecution/requestApproval","params":[]}`)
	handler.wait(t)

	got := make(chan map[string]any, 1)
	go func() { got <- server.read() }()
	if err := client.RespondError(6, CodeInvalidParams, "invalid params"); err != nil {
		t.Fatalf("RespondError: %v", err)
	}
	resp := <-got
	errObj, ok := resp["error"].(map[string]any)
	if !ok || resp["id"].(float64) != 6 || errObj["code"].(float64) != CodeInvalidParams || errObj["message"] != "invalid params" {
		t.Fatalf("unexpected error frame %#v", resp)
	}
	if _, ok := resp["result"]; ok {
		t.Fatalf("error frame must not carry a result: %#v", resp)
	}
	if client.Outstanding(6) {
		t.Fatalf("request 6 should be claimed")
	}
	if err := client.Respond(6, nil); !errors.Is(err, ErrUnknownRequest) {
		t.Fatalf("expected ErrUnknownRequest after RespondError, got %v", err)
	}
}

func TestStreamEndFailsOutstandingCalls(t *testing.T) {
	client, server, handler := newTestClient(t)
	errs := make(chan error, 1)
	go func() {
		errs <- client.Call(context.Background(), "turn/start", map[string]any{}, nil)
	}()
	server.read()
	go server.write(`{"id":7,"method":"item/fileChange/requestApproval","params":{}}`)
	handler.wait(t)
	_ = server.tr.Close()

	select {
	case err := <-errs:
		if !errors.Is(err, ErrConnectionLost) {
			t.Fatalf("expected ErrConnectionLost, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("outstanding call not failed on stream end")
	}
	select {
	case err := <-handler.closed:
		if !errors.Is(err, ErrConnectionLost) {
			t.Fatalf("expected close error to wrap ErrConnectionLost, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("HandleClose not called")
	}
	if err := client.Call(context.Background(), "turn/start", nil, nil); !errors.Is(err, ErrConnectionLost) {
		t.Fatalf("expected immediate ErrConnectionLost, got %v", err)
	}
	if err := client.Respond(7, nil); !errors.Is(err, ErrConnectionLost) {
		t.Fatalf("expected ErrConnectionLost on respond after close, got %v", err)
	}
	if client.Outstanding(7) {
		t.Fatalf("inbound requests must be forgotten after close")
	}
	handler.mu.Lock()
	defer handler.mu.Unlock()
	if handler.closeN != 1 {
		t.Fatalf("expected exactly one close, got %d", handler.closeN)
	}
}

func TestCallHonorsContext(t *testing.T) {
	client, server, _ := newTestClient(t)
	go server.read()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := client.Call(ctx, "thread/start", nil, nil); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if client.Err() != nil {
		t.Fatalf("a timed out call must not end the connection")
	}
}

func jsonNumber(v any) string {
	data, _ := json.Marshal(v)
	return string(data)
}
