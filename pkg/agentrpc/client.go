// Package agentrpc handles JSON-RPC style communication with an agent CLI
// over stdin/stdout streams.
//
// One Client owns one reader loop. The loop classifies every inbound frame
// as a response (id matching a pending request), an inbound request from the
// agent (id plus method), or a notification (method without id), and hands
// it to the matching handler. Handlers run on the reader goroutine and must
// only enqueue; slow work belongs on the consumer side.
package agentrpc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	bridgeerrors "github.com/agentbridge/agentbridge/internal/common/errors"
	"github.com/agentbridge/agentbridge/internal/common/logger"
	"go.uber.org/zap"
)

// ErrClientClosed is returned by Call when the client is stopped while the
// request is still pending.
var ErrClientClosed = errors.New("agentrpc: client closed")

// NotificationHandler receives inbound notifications.
type NotificationHandler func(method string, params json.RawMessage)

// RequestHandler receives inbound requests from the agent. The handler is
// responsible for eventually answering via SendResponse with the same id.
type RequestHandler func(id interface{}, method string, params json.RawMessage)

// Option configures a Client.
type Option func(*Client)

// WithoutProtocolVersion omits the "jsonrpc":"2.0" field from outbound
// frames, matching agent families that drop it.
func WithoutProtocolVersion() Option {
	return func(c *Client) { c.version = "" }
}

// Client handles framed JSON communication over an agent's stdio.
type Client struct {
	stdin  io.Writer
	stdout io.Reader

	version   string
	requestID atomic.Int64
	pending   map[int64]chan *Response
	mu        sync.Mutex
	writeMu   sync.Mutex

	onNotification NotificationHandler
	onRequest      RequestHandler

	logger   *logger.Logger
	done     chan struct{}
	stopOnce sync.Once
}

// NewClient creates a new client over the given streams.
func NewClient(stdin io.Writer, stdout io.Reader, log *logger.Logger, opts ...Option) *Client {
	c := &Client{
		stdin:   stdin,
		stdout:  stdout,
		version: "2.0",
		pending: make(map[int64]chan *Response),
		logger:  log.WithFields(zap.String("component", "agentrpc-client")),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetNotificationHandler sets the handler for incoming notifications.
func (c *Client) SetNotificationHandler(handler NotificationHandler) {
	c.onNotification = handler
}

// SetRequestHandler sets the handler for incoming requests from the agent.
func (c *Client) SetRequestHandler(handler RequestHandler) {
	c.onRequest = handler
}

// Start begins reading frames from stdout.
func (c *Client) Start(ctx context.Context) {
	go c.readLoop(ctx)
}

// Stop stops the client. All outstanding calls are rejected with
// ErrClientClosed. Safe to call more than once.
func (c *Client) Stop() {
	c.stopOnce.Do(func() { close(c.done) })
}

// PendingCount reports how many requests are awaiting a response.
func (c *Client) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Call sends a request and waits for the matching response. The context
// bounds the wait; a deadline hit removes the pending slot, rejects with a
// timeout error, and any late response for that id is discarded by the
// reader loop. Exactly one of response or error is ever produced per call.
func (c *Client) Call(ctx context.Context, method string, params interface{}) (*Response, error) {
	id := c.requestID.Add(1)

	var paramsJSON json.RawMessage
	if params != nil {
		var err error
		paramsJSON, err = json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal params: %w", err)
		}
	}

	req := &Request{JSONRPC: c.version, ID: id, Method: method, Params: paramsJSON}

	respCh := make(chan *Response, 1)
	c.mu.Lock()
	c.pending[id] = respCh
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.send(req); err != nil {
		return nil, err
	}

	select {
	case resp := <-respCh:
		return resp, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, bridgeerrors.Timeout(method)
		}
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrClientClosed
	}
}

// CallTimeout is Call with a deadline derived from the parent context.
func (c *Client) CallTimeout(parent context.Context, method string, params interface{}, timeout time.Duration) (*Response, error) {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()
	return c.Call(ctx, method, params)
}

// Notify sends a notification (no response expected).
func (c *Client) Notify(method string, params interface{}) error {
	var paramsJSON json.RawMessage
	if params != nil {
		var err error
		paramsJSON, err = json.Marshal(params)
		if err != nil {
			return fmt.Errorf("failed to marshal params: %w", err)
		}
	}
	notif := &Notification{JSONRPC: c.version, Method: method, Params: paramsJSON}
	return c.send(notif)
}

// SendResponse answers an inbound agent request.
func (c *Client) SendResponse(id interface{}, result interface{}, respErr *Error) error {
	var resultJSON json.RawMessage
	if result != nil && respErr == nil {
		var marshalErr error
		resultJSON, marshalErr = json.Marshal(result)
		if marshalErr != nil {
			return fmt.Errorf("failed to marshal result: %w", marshalErr)
		}
	}
	resp := &Response{JSONRPC: c.version, ID: id, Result: resultJSON, Error: respErr}
	return c.send(resp)
}

func (c *Client) send(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	data = append(data, '\n')

	c.writeMu.Lock()
	_, err = c.stdin.Write(data)
	c.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}

	c.logger.Debug("sent message", zap.String("data", string(data)))
	return nil
}

func (c *Client) readLoop(ctx context.Context) {
	scanner := bufio.NewScanner(c.stdout)
	// Increase buffer size for large frames
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		c.logger.Debug("received message", zap.String("data", string(line)))

		var msg struct {
			ID     interface{}     `json:"id"`
			Method string          `json:"method"`
			Result json.RawMessage `json:"result"`
			Error  *Error          `json:"error"`
			Params json.RawMessage `json:"params"`
		}
		if err := json.Unmarshal(line, &msg); err != nil {
			// Malformed frames are dropped; the loop must never die on them.
			c.logger.Warn("dropping malformed frame", zap.Error(err))
			continue
		}

		hasID := msg.ID != nil
		hasMethod := msg.Method != ""
		hasResult := msg.Result != nil
		hasError := msg.Error != nil

		switch {
		case hasID && !hasMethod && (hasResult || hasError):
			c.handleResponse(&Response{ID: msg.ID, Result: msg.Result, Error: msg.Error})
		case hasID && hasMethod:
			c.handleRequest(msg.ID, msg.Method, msg.Params)
		case hasMethod:
			c.handleNotification(msg.Method, msg.Params)
		default:
			c.logger.Warn("dropping frame with unknown shape", zap.String("data", string(line)))
		}
	}

	if err := scanner.Err(); err != nil {
		c.logger.Error("read loop error", zap.Error(err))
	}
}

func (c *Client) handleResponse(resp *Response) {
	id, ok := normalizeID(resp.ID)
	if !ok {
		c.logger.Warn("received response with non-numeric id", zap.Any("id", resp.ID))
		return
	}

	c.mu.Lock()
	ch, pending := c.pending[id]
	c.mu.Unlock()

	if !pending {
		// Late or unsolicited response; the request already timed out or
		// was never ours.
		c.logger.Warn("discarding response for unknown request", zap.Int64("id", id))
		return
	}

	select {
	case ch <- resp:
	default:
		c.logger.Warn("discarding duplicate response", zap.Int64("id", id))
	}
}

// normalizeID coerces the wire representation of a numeric id to int64.
// encoding/json decodes numbers into float64 when the target is interface{}.
func normalizeID(id interface{}) (int64, bool) {
	switch v := id.(type) {
	case float64:
		return int64(v), true
	case int64:
		return v, true
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return i, true
		}
	}
	return 0, false
}

func (c *Client) handleNotification(method string, params json.RawMessage) {
	if c.onNotification != nil {
		c.onNotification(method, params)
	}
}

func (c *Client) handleRequest(id interface{}, method string, params json.RawMessage) {
	if c.onRequest != nil {
		c.onRequest(id, method, params)
		return
	}
	c.logger.Warn("received request but no handler registered", zap.String("method", method))
	if err := c.SendResponse(id, nil, &Error{Code: MethodNotFound, Message: "method not found"}); err != nil {
		c.logger.Warn("failed to send method not found response", zap.Error(err))
	}
}
