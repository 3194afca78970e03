package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"relay/internal/logging"
	"relay/internal/transport"
)

var (
	ErrConnectionLost = errors.New("connection lost")
	ErrUnknownRequest = errors.New("no outstanding server request with that id")
)

// Message is any frame on the wire. A request has ID and Method, a
// notification has only Method, a response has only ID.
type Message struct {
	ID     *int64          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

// CodeInvalidParams is the JSON-RPC code for a request whose params do not
// decode.
const CodeInvalidParams = -32602

// Error is the error object of a response.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Handler receives inbound traffic from the dispatch loop. Calls are made
// one at a time in receipt order, so implementations must return quickly.
type Handler interface {
	HandleNotification(msg Message)
	HandleRequest(msg Message)
	// HandleClose runs once, after the last message, when the stream ends.
	HandleClose(err error)
}

// Observer is told about finished calls and inbound frames.
type Observer interface {
	CallFinished(method string, elapsed time.Duration, err error)
	MessageReceived(kind string)
}

type Option func(*Client)

func WithLogger(logger logging.Logger) Option {
	return func(c *Client) {
		c.logger = logging.OrNop(logger)
	}
}

func WithObserver(observer Observer) Option {
	return func(c *Client) {
		c.observer = observer
	}
}

type pendingCall struct {
	method string
	start  time.Time
	ch     chan Message
}

// Client correlates requests and responses over one Transport. A single
// goroutine reads the transport for the client's whole life.
type Client struct {
	tr       transport.Transport
	handler  Handler
	logger   logging.Logger
	observer Observer

	mu      sync.Mutex
	nextID  int64
	pending map[int64]*pendingCall
	inbound map[int64]string
	err     error
	done    chan struct{}
}

func NewClient(tr transport.Transport, handler Handler, opts ...Option) *Client {
	c := &Client{
		tr:      tr,
		handler: handler,
		logger:  logging.Nop(),
		pending: map[int64]*pendingCall{},
		inbound: map[int64]string{},
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	go c.readLoop()
	return c
}

// Call sends a request and waits for its response. It suspends only the
// caller; the dispatch loop keeps running.
func (c *Client) Call(ctx context.Context, method string, params any, out any) error {
	call := &pendingCall{method: method, start: time.Now(), ch: make(chan Message, 1)}
	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return err
	}
	id := c.nextID
	c.nextID++
	c.pending[id] = call
	c.mu.Unlock()

	if c.logger.Enabled(logging.Debug) {
		c.logger.Debug("rpc_send",
			logging.F("request_id", id),
			logging.F("method", method),
			logging.F("params_bytes", paramsSize(params)),
		)
	}
	payload := map[string]any{"id": id, "method": method}
	if params != nil {
		payload["params"] = params
	}
	if err := c.send(payload); err != nil {
		c.forget(id)
		c.logger.Error("rpc_send_error", logging.F("request_id", id), logging.F("method", method), logging.F("error", err))
		return c.finish(call, fmt.Errorf("%w: %v", ErrConnectionLost, err))
	}

	select {
	case msg := <-call.ch:
		return c.finish(call, decodeResult(msg, out))
	case <-ctx.Done():
		c.forget(id)
		c.logger.Warn("rpc_timeout", logging.F("request_id", id), logging.F("method", method))
		return c.finish(call, ctx.Err())
	case <-c.done:
		select {
		case msg := <-call.ch:
			return c.finish(call, decodeResult(msg, out))
		default:
		}
		return c.finish(call, c.Err())
	}
}

func (c *Client) Notify(method string, params any) error {
	if err := c.Err(); err != nil {
		return err
	}
	if c.logger.Enabled(logging.Debug) {
		c.logger.Debug("rpc_notify", logging.F("method", method), logging.F("params_bytes", paramsSize(params)))
	}
	payload := map[string]any{"method": method}
	if params != nil {
		payload["params"] = params
	}
	if err := c.send(payload); err != nil {
		return fmt.Errorf("%w: %v", ErrConnectionLost, err)
	}
	return nil
}

// Respond answers a server-initiated request. It fails with
// ErrUnknownRequest when id is not outstanding and with ErrConnectionLost
// once the stream has ended.
func (c *Client) Respond(id int64, result any) error {
	method, err := c.claimInbound(id)
	if err != nil {
		return err
	}
	c.logger.Info("rpc_respond",
		logging.F("request_id", id),
		logging.F("method", method),
		logging.F("result_bytes", paramsSize(result)),
	)
	if err := c.send(map[string]any{"id": id, "result": result}); err != nil {
		return fmt.Errorf("%w: %v", ErrConnectionLost, err)
	}
	return nil
}

// RespondError answers a server-initiated request with a JSON-RPC error. It
// claims the request the same way Respond does.
func (c *Client) RespondError(id int64, code int, message string) error {
	method, err := c.claimInbound(id)
	if err != nil {
		return err
	}
	c.logger.Warn("rpc_respond_error",
		logging.F("request_id", id),
		logging.F("method", method),
		logging.F("code", code),
		logging.F("message", message),
	)
	payload := map[string]any{
		"id":    id,
		"error": map[string]any{"code": code, "message": message},
	}
	if err := c.send(payload); err != nil {
		return fmt.Errorf("%w: %v", ErrConnectionLost, err)
	}
	return nil
}

// Outstanding reports whether a server request with id still awaits a
// response.
func (c *Client) Outstanding(id int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.inbound[id]
	return ok && c.err == nil
}

func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns nil while the connection is alive, else an error wrapping
// ErrConnectionLost.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close closes the transport. The dispatch loop then ends and reports the
// loss to the handler.
func (c *Client) Close() error {
	return c.tr.Close()
}

func (c *Client) claimInbound(id int64) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return "", c.err
	}
	method, ok := c.inbound[id]
	if !ok {
		return "", fmt.Errorf("%w: %d", ErrUnknownRequest, id)
	}
	delete(c.inbound, id)
	return method, nil
}

func (c *Client) forget(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) finish(call *pendingCall, err error) error {
	elapsed := time.Since(call.start)
	if c.observer != nil {
		c.observer.CallFinished(call.method, elapsed, err)
	}
	if c.logger.Enabled(logging.Debug) {
		fields := []logging.Field{
			logging.F("method", call.method),
			logging.F("latency_ms", elapsed.Milliseconds()),
		}
		if err != nil {
			fields = append(fields, logging.F("error", err))
		}
		c.logger.Debug("rpc_response", fields...)
	}
	return err
}

func (c *Client) send(payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return c.tr.Send(data)
}

func (c *Client) readLoop() {
	for {
		raw, err := c.tr.Receive()
		if err != nil {
			if errors.Is(err, transport.ErrMessageTooLarge) {
				c.logger.Warn("rpc_message_too_large", logging.F("error", err))
				c.observe("invalid")
				continue
			}
			c.shutdown(err)
			return
		}
		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.logger.Warn("rpc_parse_error",
				logging.F("error", err),
				logging.F("line", logging.Preview(string(raw), 200)),
			)
			c.observe("invalid")
			continue
		}
		c.dispatch(msg)
	}
}

func (c *Client) dispatch(msg Message) {
	switch {
	case msg.Method != "" && msg.ID != nil:
		c.mu.Lock()
		c.inbound[*msg.ID] = msg.Method
		c.mu.Unlock()
		if c.logger.Enabled(logging.Debug) {
			c.logger.Debug("rpc_request", logging.F("request_id", *msg.ID), logging.F("method", msg.Method), logging.F("params_bytes", len(msg.Params)))
		}
		c.observe("request")
		c.handler.HandleRequest(msg)
	case msg.Method != "":
		if c.logger.Enabled(logging.Debug) {
			c.logger.Debug("rpc_event", logging.F("method", msg.Method), logging.F("params_bytes", len(msg.Params)))
		}
		c.observe("notification")
		c.handler.HandleNotification(msg)
	case msg.ID != nil:
		c.observe("response")
		c.mu.Lock()
		call, ok := c.pending[*msg.ID]
		delete(c.pending, *msg.ID)
		c.mu.Unlock()
		if !ok {
			c.logger.Warn("rpc_unmatched_response", logging.F("request_id", *msg.ID))
			return
		}
		call.ch <- msg
	default:
		c.observe("invalid")
		c.logger.Warn("rpc_invalid_message", logging.F("line", logging.Preview(string(mustJSON(msg)), 200)))
	}
}

// shutdown fails every outstanding call and forgets every inbound request.
func (c *Client) shutdown(cause error) {
	c.mu.Lock()
	c.err = fmt.Errorf("%w: %v", ErrConnectionLost, cause)
	c.pending = map[int64]*pendingCall{}
	c.inbound = map[int64]string{}
	err := c.err
	c.mu.Unlock()
	close(c.done)
	c.logger.Info("rpc_closed", logging.F("error", cause))
	c.handler.HandleClose(err)
}

func (c *Client) observe(kind string) {
	if c.observer != nil {
		c.observer.MessageReceived(kind)
	}
}

func decodeResult(msg Message, out any) error {
	if msg.Error != nil {
		return msg.Error
	}
	if out != nil && len(msg.Result) > 0 {
		if err := json.Unmarshal(msg.Result, out); err != nil {
			return fmt.Errorf("decode result: %w", err)
		}
	}
	return nil
}

func paramsSize(params any) int {
	if params == nil {
		return 0
	}
	data, err := json.Marshal(params)
	if err != nil {
		return 0
	}
	return len(data)
}

func mustJSON(v any) []byte {
	data, _ := json.Marshal(v)
	return data
}
