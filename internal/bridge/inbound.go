package bridge

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentbridge/agentbridge/internal/bridge/permission"
	"github.com/agentbridge/agentbridge/internal/bridge/streams"
	"github.com/agentbridge/agentbridge/pkg/agentrpc"
)

// Permission outcome values on the wire.
const (
	outcomeSelected  = "selected"
	outcomeCancelled = "cancelled"
)

// handleInboundRequest answers a request initiated by the agent. It runs
// on its own goroutine per request; permission waits may block for minutes.
func (c *Connection) handleInboundRequest(id interface{}, method string, params json.RawMessage) {
	ctx := context.Background()

	switch method {
	case MethodRequestPermission:
		c.handlePermissionRequest(ctx, id, params)
	case MethodElicitation:
		c.handleElicitation(ctx, id, params)
	case MethodReadTextFile:
		c.handleReadTextFile(ctx, id, params)
	case MethodWriteTextFile:
		c.handleWriteTextFile(ctx, id, params)
	default:
		c.logger.Warn("unsupported inbound request", zap.String("method", method))
		c.respondError(id, agentrpc.MethodNotFound, "method not supported: "+method)
	}
}

// permissionParams is the wire shape of session/request_permission.
type permissionParams struct {
	SessionID string `json:"sessionId"`
	ToolCall  struct {
		ToolCallID string                 `json:"toolCallId"`
		Title      string                 `json:"title"`
		Kind       string                 `json:"kind"`
		RawInput   map[string]interface{} `json:"rawInput"`
	} `json:"toolCall"`
	Options []struct {
		OptionID string                 `json:"optionId"`
		Name     string                 `json:"name"`
		Kind     string                 `json:"kind"`
		Metadata map[string]interface{} `json:"meta"`
	} `json:"options"`
}

func (c *Connection) handlePermissionRequest(ctx context.Context, id interface{}, params json.RawMessage) {
	var p permissionParams
	if err := json.Unmarshal(params, &p); err != nil {
		c.logger.Warn("malformed permission request", zap.Error(err))
		c.respondError(id, agentrpc.InvalidParams, "malformed permission request")
		return
	}

	req := streams.PermissionRequest{
		PendingID:      uuid.New().String(),
		ConversationID: c.opts.ConversationID,
		SessionID:      p.SessionID,
		ToolCallID:     p.ToolCall.ToolCallID,
		Title:          p.ToolCall.Title,
		ActionType:     actionTypeFor(p.ToolCall.Kind),
		ActionDetails:  p.ToolCall.RawInput,
		CreatedAt:      time.Now().UTC(),
	}
	for _, opt := range p.Options {
		req.Options = append(req.Options, streams.PermissionOption{
			OptionID: opt.OptionID,
			Name:     opt.Name,
			Kind:     opt.Kind,
			Metadata: opt.Metadata,
		})
	}

	res, err := c.resolvePermission(ctx, req)
	if err != nil {
		c.logger.Error("permission request failed", zap.Error(err))
		c.respondError(id, agentrpc.InternalError, err.Error())
		return
	}

	c.respondPermission(id, req.Options, res)
}

// resolvePermission runs the pending/policy flow shared by both dialect
// transports. A policy auto-resolution is surfaced as a short notice
// instead of a full approval card.
func (c *Connection) resolvePermission(ctx context.Context, req streams.PermissionRequest) (permission.Resolution, error) {
	res, auto, err := c.permissions.Ask(ctx, req, req.ActionType)
	if err != nil {
		return permission.Resolution{}, err
	}

	if auto {
		verb := "denied"
		if res.Approved() {
			verb = "approved"
		}
		c.composer.Apply(ctx, streams.CanonicalUpdate{
			Type:    streams.UpdateTypeNotice,
			Message: "Automatically " + verb + " " + req.Title + " (saved preference)",
		})
	}
	return res, nil
}

// elicitationParams is the wire shape of elicitation/create: a free-form
// question from the agent, answered accept/decline/cancel rather than by
// approving a concrete tool call.
type elicitationParams struct {
	Message         string                 `json:"message"`
	RequestedSchema map[string]interface{} `json:"requestedSchema"`
}

func (c *Connection) handleElicitation(ctx context.Context, id interface{}, params json.RawMessage) {
	var p elicitationParams
	if err := json.Unmarshal(params, &p); err != nil {
		c.logger.Warn("malformed elicitation request", zap.Error(err))
		c.respondError(id, agentrpc.InvalidParams, "malformed elicitation request")
		return
	}

	req := streams.PermissionRequest{
		PendingID:      uuid.New().String(),
		ConversationID: c.opts.ConversationID,
		SessionID:      c.SessionID(),
		Title:          p.Message,
		ActionType:     streams.ActionTypeElicitation,
		CreatedAt:      time.Now().UTC(),
		Options: []streams.PermissionOption{
			{OptionID: "accept", Name: "Accept", Kind: streams.OptionKindAllowOnce},
			{OptionID: "decline", Name: "Decline", Kind: streams.OptionKindRejectOnce},
		},
	}
	if p.RequestedSchema != nil {
		req.ActionDetails = map[string]interface{}{"requestedSchema": p.RequestedSchema}
	}

	res, err := c.resolvePermission(ctx, req)
	if err != nil {
		c.logger.Error("elicitation request failed", zap.Error(err))
		c.respondError(id, agentrpc.InternalError, err.Error())
		return
	}

	action := "cancel"
	switch {
	case res.State == permission.StateAborted:
	case res.Approved():
		action = "accept"
	default:
		action = "decline"
	}
	if err := c.client.SendResponse(id, map[string]interface{}{"action": action}, nil); err != nil {
		c.logger.Error("failed to answer elicitation", zap.Error(err))
	}
}

// respondPermission maps a terminal resolution onto the wire outcome. A
// policy resolution has no option id; the first option of the matching
// polarity stands in for it.
func (c *Connection) respondPermission(id interface{}, options []streams.PermissionOption, res permission.Resolution) {
	outcome := map[string]interface{}{"outcome": outcomeCancelled}

	if res.State != permission.StateAborted {
		optionID := res.OptionID
		if optionID == "" {
			optionID = fallbackOption(options, res.Approved())
		}
		if optionID != "" {
			outcome = map[string]interface{}{
				"outcome":  outcomeSelected,
				"optionId": optionID,
			}
		}
	}

	if err := c.client.SendResponse(id, map[string]interface{}{"outcome": outcome}, nil); err != nil {
		c.logger.Error("failed to answer permission request", zap.Error(err))
	}
}

// fallbackOption picks the first option matching the approve/reject
// polarity of a policy resolution.
func fallbackOption(options []streams.PermissionOption, approved bool) string {
	for _, opt := range options {
		allow := opt.Kind == streams.OptionKindAllowOnce || opt.Kind == streams.OptionKindAllowAlways
		if allow == approved {
			return opt.OptionID
		}
	}
	return ""
}

// actionTypeFor maps the protocol tool kind onto the permission action
// types the policy store is keyed by.
func actionTypeFor(kind string) string {
	switch kind {
	case "execute", "exec":
		return streams.ActionTypeCommand
	case "edit", "write", "apply_patch", "delete", "move":
		return streams.ActionTypeFileWrite
	case "read", "search":
		return streams.ActionTypeFileRead
	case "fetch":
		return streams.ActionTypeNetwork
	case "mcp", "other_mcp":
		return streams.ActionTypeMCPTool
	default:
		return streams.ActionTypeOther
	}
}

func (c *Connection) handleReadTextFile(ctx context.Context, id interface{}, params json.RawMessage) {
	var p struct {
		Path  string `json:"path"`
		Line  int    `json:"line"`
		Limit int    `json:"limit"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		c.respondError(id, agentrpc.InvalidParams, "malformed read request")
		return
	}
	if c.fileOps == nil {
		c.respondError(id, agentrpc.MethodNotFound, "file operations not available")
		return
	}

	content, err := c.fileOps.ReadTextFile(ctx, p.Path, p.Line, p.Limit)
	if err != nil {
		c.respondError(id, agentrpc.InternalError, err.Error())
		return
	}
	if err := c.client.SendResponse(id, map[string]string{"content": content}, nil); err != nil {
		c.logger.Error("failed to answer read request", zap.Error(err))
	}
}

func (c *Connection) handleWriteTextFile(ctx context.Context, id interface{}, params json.RawMessage) {
	var p struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		c.respondError(id, agentrpc.InvalidParams, "malformed write request")
		return
	}
	if c.fileOps == nil {
		c.respondError(id, agentrpc.MethodNotFound, "file operations not available")
		return
	}

	if err := c.fileOps.WriteTextFile(ctx, p.Path, p.Content); err != nil {
		c.respondError(id, agentrpc.InternalError, err.Error())
		return
	}
	if err := c.client.SendResponse(id, map[string]interface{}{}, nil); err != nil {
		c.logger.Error("failed to answer write request", zap.Error(err))
	}
}

func (c *Connection) respondError(id interface{}, code int, message string) {
	if err := c.client.SendResponse(id, nil, &agentrpc.Error{Code: code, Message: message}); err != nil {
		c.logger.Error("failed to send error response", zap.Error(err))
	}
}
