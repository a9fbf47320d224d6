package bridge

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	acp "github.com/coder/acp-go-sdk"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentbridge/agentbridge/internal/bridge/dialect/sessionupdate"
	"github.com/agentbridge/agentbridge/internal/bridge/permission"
	"github.com/agentbridge/agentbridge/internal/bridge/streams"
	bridgeerrors "github.com/agentbridge/agentbridge/internal/common/errors"
)

// acpTransport drives the session/update dialect through the ACP SDK
// connection. It implements acp.Client so the SDK can route the agent's
// session updates, permission requests, and fs requests back into the
// bridge.
type acpTransport struct {
	conn      *Connection
	converter *sessionupdate.Decoder
	rpc       *acp.ClientSideConnection
	inflight  atomic.Int64
}

func newACPTransport(conn *Connection, converter *sessionupdate.Decoder) *acpTransport {
	return &acpTransport{conn: conn, converter: converter}
}

// attach wires the SDK connection over the agent's stdio streams. The SDK
// owns the read loop from here on.
func (t *acpTransport) attach(stdin io.Writer, stdout io.Reader) {
	t.rpc = acp.NewClientSideConnection(t, stdin, stdout)
	t.rpc.SetLogger(slog.Default().With(
		"component", "acp-conn",
		"conversation_id", t.conn.opts.ConversationID))
}

// initialize performs the dialect's own handshake. tools/list is not a
// method of this dialect, so there is no probe fallback here.
func (t *acpTransport) initialize(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, t.conn.opts.HandshakeTimeout)
	defer cancel()

	t.inflight.Add(1)
	defer t.inflight.Add(-1)

	resp, err := t.rpc.Initialize(ctx, acp.InitializeRequest{
		ProtocolVersion: acp.ProtocolVersionNumber,
		ClientInfo: &acp.Implementation{
			Name:    clientName,
			Version: clientVersion,
		},
	})
	if err != nil {
		return normalizeACPError(ctx, err, MethodInitialize)
	}

	if resp.AgentInfo != nil {
		t.conn.logger.Info("agent capabilities exchanged",
			zap.String("agent_name", resp.AgentInfo.Name),
			zap.String("agent_version", resp.AgentInfo.Version),
			zap.Bool("supports_load_session", resp.AgentCapabilities.LoadSession))
	}
	return nil
}

func (t *acpTransport) newSession(ctx context.Context, cwd string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, t.conn.opts.SessionTimeout)
	defer cancel()

	t.inflight.Add(1)
	defer t.inflight.Add(-1)

	resp, err := t.rpc.NewSession(ctx, acp.NewSessionRequest{
		Cwd:        cwd,
		McpServers: []acp.McpServer{},
	})
	if err != nil {
		return "", normalizeACPError(ctx, err, MethodSessionNew)
	}
	return string(resp.SessionId), nil
}

func (t *acpTransport) prompt(ctx context.Context, sessionID, text string) error {
	ctx, cancel := context.WithTimeout(ctx, t.conn.opts.PromptTimeout)
	defer cancel()

	t.inflight.Add(1)
	defer t.inflight.Add(-1)

	_, err := t.rpc.Prompt(ctx, acp.PromptRequest{
		SessionId: acp.SessionId(sessionID),
		Prompt:    []acp.ContentBlock{acp.TextBlock(text)},
	})
	if err != nil {
		return normalizeACPError(ctx, err, MethodSessionPrompt)
	}
	return nil
}

func (t *acpTransport) cancel(sessionID string) error {
	return t.rpc.Cancel(context.Background(), acp.CancelNotification{
		SessionId: acp.SessionId(sessionID),
	})
}

func (t *acpTransport) pendingCount() int {
	return int(t.inflight.Load())
}

// normalizeACPError folds a lapsed call deadline into the bridge's timeout
// type so the retry and outcome logic treats both transports alike.
func normalizeACPError(ctx context.Context, err error, operation string) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return bridgeerrors.Timeout(operation)
	}
	return err
}

// SessionUpdate implements acp.Client. Conversion is quick; the canonical
// updates are queued for the consumer goroutine.
func (t *acpTransport) SessionUpdate(ctx context.Context, n acp.SessionNotification) error {
	t.conn.enqueueUpdates(t.converter.Convert(n))
	return nil
}

// RequestPermission implements acp.Client, routing the agent's approval
// request through the shared pending/policy flow.
func (t *acpTransport) RequestPermission(ctx context.Context, p acp.RequestPermissionRequest) (acp.RequestPermissionResponse, error) {
	req := streams.PermissionRequest{
		PendingID:      uuid.New().String(),
		ConversationID: t.conn.opts.ConversationID,
		SessionID:      string(p.SessionId),
		ToolCallID:     string(p.ToolCall.ToolCallId),
		CreatedAt:      time.Now().UTC(),
	}
	if p.ToolCall.Title != nil {
		req.Title = *p.ToolCall.Title
	}
	kind := ""
	if p.ToolCall.Kind != nil {
		kind = string(*p.ToolCall.Kind)
	}
	req.ActionType = actionTypeFor(kind)
	if details := asActionDetails(p.ToolCall.RawInput); details != nil {
		req.ActionDetails = details
	}
	for _, opt := range p.Options {
		req.Options = append(req.Options, streams.PermissionOption{
			OptionID: string(opt.OptionId),
			Name:     opt.Name,
			Kind:     string(opt.Kind),
		})
	}

	res, err := t.conn.resolvePermission(ctx, req)
	if err != nil {
		return acp.RequestPermissionResponse{}, err
	}
	return toPermissionOutcome(req.Options, res), nil
}

// toPermissionOutcome maps a terminal resolution onto the wire outcome. A
// policy resolution has no option id; the first option of the matching
// polarity stands in for it.
func toPermissionOutcome(options []streams.PermissionOption, res permission.Resolution) acp.RequestPermissionResponse {
	if res.State != permission.StateAborted {
		optionID := res.OptionID
		if optionID == "" {
			optionID = fallbackOption(options, res.Approved())
		}
		if optionID != "" {
			return acp.RequestPermissionResponse{
				Outcome: acp.RequestPermissionOutcome{
					Selected: &acp.RequestPermissionOutcomeSelected{
						OptionId: acp.PermissionOptionId(optionID),
					},
				},
			}
		}
	}
	return acp.RequestPermissionResponse{
		Outcome: acp.RequestPermissionOutcome{
			Cancelled: &acp.RequestPermissionOutcomeCancelled{},
		},
	}
}

func asActionDetails(raw any) map[string]interface{} {
	if m, ok := raw.(map[string]interface{}); ok {
		return m
	}
	return nil
}

// ReadTextFile implements acp.Client, delegating to the conversation's
// file-operation collaborator.
func (t *acpTransport) ReadTextFile(ctx context.Context, p acp.ReadTextFileRequest) (acp.ReadTextFileResponse, error) {
	if t.conn.fileOps == nil {
		return acp.ReadTextFileResponse{}, errors.New("file operations not available")
	}
	line, limit := 0, 0
	if p.Line != nil {
		line = *p.Line
	}
	if p.Limit != nil {
		limit = *p.Limit
	}
	content, err := t.conn.fileOps.ReadTextFile(ctx, p.Path, line, limit)
	if err != nil {
		return acp.ReadTextFileResponse{}, err
	}
	return acp.ReadTextFileResponse{Content: content}, nil
}

// WriteTextFile implements acp.Client.
func (t *acpTransport) WriteTextFile(ctx context.Context, p acp.WriteTextFileRequest) (acp.WriteTextFileResponse, error) {
	if t.conn.fileOps == nil {
		return acp.WriteTextFileResponse{}, errors.New("file operations not available")
	}
	if err := t.conn.fileOps.WriteTextFile(ctx, p.Path, p.Content); err != nil {
		return acp.WriteTextFileResponse{}, err
	}
	return acp.WriteTextFileResponse{}, nil
}

// Terminal support is not part of the bridge; the stubs below satisfy the
// acp.Client interface for agents that probe for it.

func (t *acpTransport) CreateTerminal(ctx context.Context, p acp.CreateTerminalRequest) (acp.CreateTerminalResponse, error) {
	return acp.CreateTerminalResponse{TerminalId: "t-1"}, nil
}

func (t *acpTransport) KillTerminalCommand(ctx context.Context, p acp.KillTerminalCommandRequest) (acp.KillTerminalCommandResponse, error) {
	return acp.KillTerminalCommandResponse{}, nil
}

func (t *acpTransport) TerminalOutput(ctx context.Context, p acp.TerminalOutputRequest) (acp.TerminalOutputResponse, error) {
	return acp.TerminalOutputResponse{Output: "", Truncated: false}, nil
}

func (t *acpTransport) ReleaseTerminal(ctx context.Context, p acp.ReleaseTerminalRequest) (acp.ReleaseTerminalResponse, error) {
	return acp.ReleaseTerminalResponse{}, nil
}

func (t *acpTransport) WaitForTerminalExit(ctx context.Context, p acp.WaitForTerminalExitRequest) (acp.WaitForTerminalExitResponse, error) {
	exitCode := 0
	return acp.WaitForTerminalExitResponse{ExitCode: &exitCode}, nil
}

var _ acp.Client = (*acpTransport)(nil)
