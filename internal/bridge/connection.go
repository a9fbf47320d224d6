// Package bridge wires one external agent CLI process to the rest of the
// service: it owns the process supervisor, the protocol client, the dialect
// decoder, the message composer, and the permission handshakes for a single
// conversation.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentbridge/agentbridge/internal/bridge/compose"
	"github.com/agentbridge/agentbridge/internal/bridge/dialect"
	"github.com/agentbridge/agentbridge/internal/bridge/dialect/codexevent"
	"github.com/agentbridge/agentbridge/internal/bridge/dialect/sessionupdate"
	"github.com/agentbridge/agentbridge/internal/bridge/permission"
	"github.com/agentbridge/agentbridge/internal/bridge/registry"
	"github.com/agentbridge/agentbridge/internal/bridge/retry"
	"github.com/agentbridge/agentbridge/internal/bridge/streams"
	"github.com/agentbridge/agentbridge/internal/bridge/supervisor"
	bridgeerrors "github.com/agentbridge/agentbridge/internal/common/errors"
	"github.com/agentbridge/agentbridge/internal/common/logger"
	"github.com/agentbridge/agentbridge/pkg/agentrpc"
)

// Protocol methods the bridge drives or answers.
const (
	MethodInitialize        = "initialize"
	MethodToolsList         = "tools/list"
	MethodSessionNew        = "session/new"
	MethodSessionPrompt     = "session/prompt"
	MethodSessionCancel     = "session/cancel"
	MethodRequestPermission = "session/request_permission"
	MethodReadTextFile      = "fs/read_text_file"
	MethodWriteTextFile     = "fs/write_text_file"
	MethodElicitation       = "elicitation/create"
)

// Identity announced to the agent during the handshake.
const (
	clientName    = "bridged"
	clientVersion = "0.1.0"
)

// Prompt outcomes. A dispatch deadline hit is not a failure: streaming
// updates keep arriving after the call's own deadline, so the outcome is
// reported distinctly instead of being escalated or swallowed.
const (
	PromptCompleted         = "completed"
	PromptTimedOutStreaming = "timed_out_streaming"
)

// FileOps is the file-operation collaborator the agent's fs/* inbound
// requests are delegated to. Paths are resolved by the implementation,
// typically relative to the conversation working directory.
type FileOps interface {
	ReadTextFile(ctx context.Context, path string, line, limit int) (string, error)
	WriteTextFile(ctx context.Context, path, content string) error
}

// Diagnostics is the connection health snapshot exposed at the UI boundary.
type Diagnostics struct {
	IsConnected     bool `json:"is_connected"`
	PendingRequests int  `json:"pending_requests"`
	IsPaused        bool `json:"is_paused"`
	RetryCount      int  `json:"retry_count"`
	HasNetworkError bool `json:"has_network_error"`
}

// Options configures a Connection.
type Options struct {
	ConversationID string
	Family         *registry.AgentFamily

	// ExecutableOverride wins over the family's executable candidates.
	ExecutableOverride string

	WorkingDir string
	Env        map[string]string

	HandshakeTimeout time.Duration
	ProbeTimeout     time.Duration
	SessionTimeout   time.Duration
	PromptTimeout    time.Duration
	ShutdownGrace    time.Duration
	StderrMaxBytes   int64

	Retry retry.Config
}

func (o *Options) applyDefaults() {
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 15 * time.Second
	}
	if o.ProbeTimeout <= 0 {
		o.ProbeTimeout = 10 * time.Second
	}
	if o.SessionTimeout <= 0 {
		o.SessionTimeout = 10 * time.Minute
	}
	if o.PromptTimeout <= 0 {
		o.PromptTimeout = 10 * time.Minute
	}
	if o.Retry.MaxAttempts == 0 {
		o.Retry = retry.DefaultConfig()
	}
}

// Connection owns exactly one agent child process and everything attached
// to it. At most one live Connection exists per conversation. The transport
// depends on the family's dialect: the wrapped-event dialect runs over the
// bridge's own JSON-RPC client, the session/update dialect over the ACP SDK
// connection.
type Connection struct {
	opts        Options
	composer    *compose.Composer
	permissions *permission.Manager
	fileOps     FileOps
	decoder     dialect.Decoder
	logger      *logger.Logger

	client *agentrpc.Client
	acp    *acpTransport
	proc   *supervisor.Process

	updates chan streams.CanonicalUpdate

	mu             sync.RWMutex
	sessionID      string
	serverAssigned bool
	connected      bool
	paused         bool
	networkError   bool

	retryCount atomic.Int64

	done     chan struct{}
	stopOnce sync.Once
}

// NewConnection creates a connection for one conversation. Nothing runs
// until Start.
func NewConnection(opts Options, composer *compose.Composer, perms *permission.Manager, fileOps FileOps, log *logger.Logger) *Connection {
	opts.applyDefaults()

	c := &Connection{
		opts:        opts,
		composer:    composer,
		permissions: perms,
		fileOps:     fileOps,
		logger: log.WithFields(
			zap.String("component", "bridge-connection"),
			zap.String("conversation_id", opts.ConversationID)),
		updates: make(chan streams.CanonicalUpdate, 256),
		done:    make(chan struct{}),
	}

	switch opts.Family.Dialect {
	case registry.DialectCodexEvent:
		c.decoder = codexevent.New(c.logger)
	default:
		var decOpts []sessionupdate.Option
		if opts.Family.DefaultsToThought {
			decOpts = append(decOpts, sessionupdate.DefaultsToThought())
		}
		c.acp = newACPTransport(c, sessionupdate.New(c.logger, decOpts...))
	}

	return c
}

// Start spawns the agent process and performs the initialize handshake.
// On failure the process is torn down and a composed error names the most
// likely cause.
func (c *Connection) Start(ctx context.Context) error {
	proc, err := c.spawn(ctx)
	if err != nil {
		return err
	}
	c.proc = proc

	c.attach(ctx, proc.Stdin, proc.Stdout)
	go c.watchProcess()

	if err := c.handshake(ctx); err != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), c.opts.ShutdownGrace+5*time.Second)
		defer cancel()
		c.teardown(stopCtx)
		return err
	}

	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()

	c.logger.Info("agent connection established",
		zap.String("family", c.opts.Family.ID))
	return nil
}

// spawn tries the executable override first, then the family's candidate
// binaries in order.
func (c *Connection) spawn(ctx context.Context) (*supervisor.Process, error) {
	candidates := c.opts.Family.Executables
	if c.opts.ExecutableOverride != "" {
		candidates = []string{c.opts.ExecutableOverride}
	}

	var lastErr error
	for _, executable := range candidates {
		proc, err := supervisor.Spawn(ctx, supervisor.SpawnRequest{
			Executable:     executable,
			Args:           c.opts.Family.Args,
			WorkingDir:     c.opts.WorkingDir,
			Env:            c.opts.Env,
			StderrMaxBytes: c.opts.StderrMaxBytes,
			ShutdownGrace:  c.opts.ShutdownGrace,
		}, c.logger)
		if err == nil {
			return proc, nil
		}
		lastErr = err
		if !bridgeerrors.IsProcessNotFound(err) {
			break
		}
	}
	return nil, lastErr
}

// attach wires the dialect's transport over the given streams and starts
// the update consumer. Split from Start so tests can drive a connection
// over in-process pipes.
func (c *Connection) attach(ctx context.Context, stdin io.Writer, stdout io.Reader) {
	if c.acp != nil {
		c.acp.attach(stdin, stdout)
		go c.consumeUpdates(ctx)
		return
	}

	var clientOpts []agentrpc.Option
	if c.opts.Family.OmitsProtocolVersion {
		clientOpts = append(clientOpts, agentrpc.WithoutProtocolVersion())
	}
	c.client = agentrpc.NewClient(stdin, stdout, c.logger, clientOpts...)

	// Both handlers run on the reader goroutine; decoding is quick, slow
	// work stays on the consumer and per-request goroutines.
	c.client.SetNotificationHandler(func(method string, params json.RawMessage) {
		c.enqueueUpdates(c.decoder.Decode(method, params))
	})
	c.client.SetRequestHandler(func(id interface{}, method string, params json.RawMessage) {
		go c.handleInboundRequest(id, method, params)
	})

	c.client.Start(ctx)
	go c.consumeUpdates(ctx)
}

// enqueueUpdates hands decoded updates to the consumer goroutine, dropping
// rather than blocking when it is backlogged.
func (c *Connection) enqueueUpdates(updates []streams.CanonicalUpdate) {
	for _, update := range updates {
		select {
		case c.updates <- update:
		default:
			c.logger.Warn("dropping update, consumer backlogged",
				zap.String("type", update.Type))
		}
	}
}

// handshake sends initialize. The wrapped-event dialect additionally falls
// back to a tools/list probe, which older agent builds answer even when
// initialize is unimplemented. Errors are folded into one composed error
// with a usability hint.
func (c *Connection) handshake(ctx context.Context) error {
	if c.acp != nil {
		if err := c.acp.initialize(ctx); err != nil {
			return c.composeStartupError(err)
		}
		return nil
	}

	params := map[string]interface{}{
		"protocolVersion": 1,
		"clientInfo": map[string]string{
			"name":    clientName,
			"version": clientVersion,
		},
		"capabilities": map[string]interface{}{
			"fs": map[string]bool{
				"readTextFile":  true,
				"writeTextFile": true,
			},
		},
	}

	resp, err := c.client.CallTimeout(ctx, MethodInitialize, params, c.opts.HandshakeTimeout)
	if err == nil && resp.Error == nil {
		return nil
	}
	if err == nil {
		err = resp.Error
	}
	c.logger.Warn("initialize failed, probing with tools/list", zap.Error(err))

	probeResp, probeErr := c.client.CallTimeout(ctx, MethodToolsList, map[string]interface{}{}, c.opts.ProbeTimeout)
	if probeErr == nil && probeResp.Error == nil {
		c.logger.Info("tools/list probe succeeded, continuing without initialize")
		return nil
	}

	return c.composeStartupError(err)
}

// composeStartupError names the most likely cause of a failed handshake.
// The mapping is a usability aid; the error kind is preserved.
func (c *Connection) composeStartupError(err error) error {
	stderrHint := ""
	if c.proc != nil {
		if lines := c.proc.RecentStderr(); len(lines) > 0 {
			stderrHint = lines[len(lines)-1]
		}
	}

	msg := strings.ToLower(err.Error() + " " + stderrHint)
	switch {
	case bridgeerrors.IsTimeout(err):
		return bridgeerrors.Wrap(err, "agent did not answer the handshake; check connectivity and credentials").
			WithDetail("stderr", stderrHint)
	case strings.Contains(msg, "authentication") || strings.Contains(msg, "unauthorized") || strings.Contains(msg, "login"):
		return bridgeerrors.AuthenticationRequired("agent requires authentication; log in with the CLI and retry").
			WithDetail("stderr", stderrHint)
	case strings.Contains(msg, "not found") || strings.Contains(msg, "no such file"):
		return bridgeerrors.ProcessNotFound(c.opts.Family.ID, err)
	default:
		return bridgeerrors.Wrap(err, "agent handshake failed").WithDetail("stderr", stderrHint)
	}
}

// consumeUpdates feeds queued canonical updates to the composer. Runs
// until the connection stops, keeping the reader loop free of slow work.
func (c *Connection) consumeUpdates(ctx context.Context) {
	for {
		select {
		case <-c.done:
			return
		case <-ctx.Done():
			return
		case update := <-c.updates:
			if update.Type == streams.UpdateTypeSessionConfigured && update.SessionID != "" {
				c.adoptSessionID(update.SessionID, true)
			}
			c.composer.Apply(ctx, update)
		}
	}
}

// adoptSessionID records the session id. A server-assigned id takes
// precedence permanently over the locally generated one.
func (c *Connection) adoptSessionID(id string, fromServer bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.serverAssigned && !fromServer {
		return
	}
	c.sessionID = id
	if fromServer {
		c.serverAssigned = true
	}
}

// SessionID returns the current conversation session id, empty before the
// first NewSession call.
func (c *Connection) SessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionID
}

// NewSession establishes the agent session, retrying on transient errors.
// Even after exhausted retries a session id is returned so the caller can
// keep interacting; only fatal errors surface.
func (c *Connection) NewSession(ctx context.Context, cwd string) (string, error) {
	localID := newSessionID()
	c.adoptSessionID(localID, false)

	if cwd == "" {
		cwd = c.opts.WorkingDir
	}

	err := retry.Do(ctx, c.retryConfig(), c.logger, "session-create", func(ctx context.Context) error {
		if c.acp != nil {
			id, callErr := c.acp.newSession(ctx, cwd)
			if callErr != nil {
				return callErr
			}
			if id != "" {
				c.adoptSessionID(id, true)
			}
			return nil
		}

		resp, callErr := c.client.CallTimeout(ctx, MethodSessionNew, map[string]interface{}{
			"cwd":        cwd,
			"mcpServers": []interface{}{},
		}, c.opts.SessionTimeout)
		if callErr != nil {
			return callErr
		}
		if resp.Error != nil {
			return bridgeerrors.Transient("session/new rejected: "+resp.Error.Message, resp.Error)
		}

		var result struct {
			SessionID string `json:"sessionId"`
		}
		if resp.Result != nil {
			if decodeErr := json.Unmarshal(resp.Result, &result); decodeErr != nil {
				return bridgeerrors.DecodeError("failed to parse session/new result", decodeErr)
			}
		}
		if result.SessionID != "" {
			c.adoptSessionID(result.SessionID, true)
		}
		return nil
	})

	if err != nil {
		if retry.IsFatal(err) {
			return "", err
		}
		// The session is still considered started; streaming may recover.
		c.logger.Warn("session creation exhausted retries, continuing with local session id",
			zap.String("session_id", localID), zap.Error(err))
		c.setNetworkError(true)
	}

	return c.SessionID(), nil
}

// SendPrompt dispatches one user prompt. The returned outcome is
// PromptCompleted or PromptTimedOutStreaming; the latter means the
// dispatch call's own deadline elapsed while streaming updates are
// expected to keep arriving.
func (c *Connection) SendPrompt(ctx context.Context, text string) (string, error) {
	c.mu.RLock()
	paused := c.paused
	sessionID := c.sessionID
	c.mu.RUnlock()

	if paused {
		return "", bridgeerrors.Conflict("connection is paused")
	}
	if sessionID == "" {
		return "", bridgeerrors.Conflict("no session established; call NewSession first")
	}

	outcome := PromptCompleted
	err := retry.Do(ctx, c.retryConfig(), c.logger, "prompt-dispatch", func(ctx context.Context) error {
		callErr := c.dispatchPrompt(ctx, sessionID, text)
		if bridgeerrors.IsTimeout(callErr) {
			outcome = PromptTimedOutStreaming
			c.logger.Warn("prompt dispatch timed out; trusting in-flight streaming updates")
			return nil
		}
		return callErr
	})
	if err != nil {
		return "", err
	}
	return outcome, nil
}

// dispatchPrompt issues one prompt call over whichever transport the
// dialect uses.
func (c *Connection) dispatchPrompt(ctx context.Context, sessionID, text string) error {
	if c.acp != nil {
		return c.acp.prompt(ctx, sessionID, text)
	}

	resp, err := c.client.CallTimeout(ctx, MethodSessionPrompt, map[string]interface{}{
		"sessionId": sessionID,
		"prompt": []map[string]string{
			{"type": "text", "text": text},
		},
	}, c.opts.PromptTimeout)
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return bridgeerrors.Transient("session/prompt rejected: "+resp.Error.Message, resp.Error)
	}
	return nil
}

// Cancel asks the agent to stop the current turn. Fire-and-forget.
func (c *Connection) Cancel(reason string) error {
	if c.acp != nil {
		return c.acp.cancel(c.SessionID())
	}
	return c.client.Notify(MethodSessionCancel, map[string]string{
		"sessionId": c.SessionID(),
		"reason":    reason,
	})
}

// Pause suspends prompt dispatch without touching the process.
func (c *Connection) Pause() {
	c.mu.Lock()
	c.paused = true
	c.mu.Unlock()
}

// Resume lifts a pause.
func (c *Connection) Resume() {
	c.mu.Lock()
	c.paused = false
	c.mu.Unlock()
}

// Stop rejects all outstanding requests and tears the process down within
// the shutdown grace period. Safe to call more than once.
func (c *Connection) Stop(ctx context.Context) error {
	var err error
	c.stopOnce.Do(func() {
		close(c.done)
		err = c.teardown(ctx)
	})
	return err
}

func (c *Connection) teardown(ctx context.Context) error {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()

	if c.client != nil {
		c.client.Stop()
	}
	if c.proc != nil {
		return c.proc.Stop(ctx)
	}
	return nil
}

// Diagnostics returns the current connection health snapshot.
func (c *Connection) Diagnostics() Diagnostics {
	c.mu.RLock()
	defer c.mu.RUnlock()

	pending := 0
	switch {
	case c.client != nil:
		pending = c.client.PendingCount()
	case c.acp != nil:
		pending = c.acp.pendingCount()
	}
	return Diagnostics{
		IsConnected:     c.connected,
		PendingRequests: pending,
		IsPaused:        c.paused,
		RetryCount:      int(c.retryCount.Load()),
		HasNetworkError: c.networkError,
	}
}

func (c *Connection) setNetworkError(v bool) {
	c.mu.Lock()
	c.networkError = v
	c.mu.Unlock()
}

// retryConfig wraps the configured schedule so retries are counted in the
// diagnostics.
func (c *Connection) retryConfig() retry.Config {
	cfg := c.opts.Retry
	inner := cfg.Sleep
	cfg.Sleep = func(ctx context.Context, d time.Duration) error {
		c.retryCount.Add(1)
		if inner != nil {
			return inner(ctx, d)
		}
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-timer.C:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return cfg
}

// watchProcess surfaces an unexpected child exit as an inline error in the
// conversation instead of a crash.
func (c *Connection) watchProcess() {
	select {
	case <-c.done:
		return
	case <-c.proc.Done():
	}

	select {
	case <-c.done:
		// Stop initiated the exit.
		return
	default:
	}

	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()

	if err := c.proc.Err(); err != nil {
		c.logger.Error("agent process died", zap.Error(err))
		c.composer.Apply(context.Background(), streams.CanonicalUpdate{
			Type:    streams.UpdateTypeError,
			Message: err.Error(),
		})
	}
	if c.client != nil {
		c.client.Stop()
	}
}

// newSessionID generates a client-side conversation session id, with a
// non-cryptographic fallback when the random source is unavailable.
var sessionIDCounter atomic.Int64

func newSessionID() string {
	if id, err := uuid.NewRandom(); err == nil {
		return id.String()
	}
	return fmt.Sprintf("conv-%x-%x", time.Now().UnixNano(), sessionIDCounter.Add(1))
}
