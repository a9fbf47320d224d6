package server

import (
	stderrors "errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentbridge/agentbridge/internal/bridge"
	"github.com/agentbridge/agentbridge/internal/bridge/compose"
	"github.com/agentbridge/agentbridge/internal/bridge/registry"
	"github.com/agentbridge/agentbridge/internal/bridge/streams"
	bridgeerrors "github.com/agentbridge/agentbridge/internal/common/errors"
	"github.com/agentbridge/agentbridge/internal/common/logger"
	v1 "github.com/agentbridge/agentbridge/pkg/api/v1"
)

// Handler contains HTTP handlers for the bridge API
type Handler struct {
	manager  *bridge.Manager
	registry *registry.Registry
	logger   *logger.Logger
}

// NewHandler creates a new API handler
func NewHandler(mgr *bridge.Manager, reg *registry.Registry, log *logger.Logger) *Handler {
	return &Handler{
		manager:  mgr,
		registry: reg,
		logger:   log,
	}
}

// respondError maps an error onto the structured wire shape and the HTTP
// status the error type implies.
func respondError(c *gin.Context, err error) {
	var bridgeErr *bridgeerrors.BridgeError
	if !stderrors.As(err, &bridgeErr) {
		bridgeErr = bridgeerrors.Internal(err.Error(), err)
	}
	c.JSON(bridgeerrors.GetHTTPStatus(bridgeErr), gin.H{"error": bridgeErr})
}

// Conversation endpoints

// CreateConversation spawns an agent and opens a session on it
// POST /api/v1/conversations
func (h *Handler) CreateConversation(c *gin.Context) {
	var req v1.CreateConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, bridgeerrors.BadRequest(err.Error()))
		return
	}

	conversationID, conn, err := h.manager.CreateConversation(c.Request.Context(), req.AgentID, req.WorkingDir)
	if err != nil {
		h.logger.Error("failed to create conversation",
			zap.String("agent_id", req.AgentID), zap.Error(err))
		respondError(c, err)
		return
	}

	sessionID, err := conn.NewSession(c.Request.Context(), req.WorkingDir)
	if err != nil {
		h.logger.Error("failed to open session",
			zap.String("conversation_id", conversationID), zap.Error(err))
		if stopErr := h.manager.Stop(c.Request.Context(), conversationID); stopErr != nil {
			h.logger.Warn("cleanup after failed session", zap.Error(stopErr))
		}
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, v1.CreateConversationResponse{
		ConversationID: conversationID,
		SessionID:      sessionID,
		AgentID:        req.AgentID,
	})
}

// ListConversations lists live conversations with their diagnostics
// GET /api/v1/conversations
func (h *Handler) ListConversations(c *gin.Context) {
	ids := h.manager.List()
	out := make([]v1.ConversationSummary, 0, len(ids))
	for _, id := range ids {
		conn, err := h.manager.Get(id)
		if err != nil {
			continue
		}
		out = append(out, v1.ConversationSummary{
			ConversationID: id,
			SessionID:      conn.SessionID(),
			Diagnostics:    diagnosticsToResponse(conn.Diagnostics()),
		})
	}
	c.JSON(http.StatusOK, gin.H{"conversations": out})
}

// DeleteConversation stops the agent and forgets the conversation
// DELETE /api/v1/conversations/:conversationId
func (h *Handler) DeleteConversation(c *gin.Context) {
	conversationID := c.Param("conversationId")
	if err := h.manager.Stop(c.Request.Context(), conversationID); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"stopped": conversationID})
}

// Prompt submits user text to the conversation
// POST /api/v1/conversations/:conversationId/prompt
func (h *Handler) Prompt(c *gin.Context) {
	conversationID := c.Param("conversationId")
	conn, err := h.manager.Get(conversationID)
	if err != nil {
		respondError(c, err)
		return
	}

	var req v1.PromptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, bridgeerrors.BadRequest(err.Error()))
		return
	}

	outcome, err := conn.SendPrompt(c.Request.Context(), req.Text)
	if err != nil {
		h.logger.Error("prompt dispatch failed",
			zap.String("conversation_id", conversationID), zap.Error(err))
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, v1.PromptResponse{
		ConversationID: conversationID,
		Outcome:        outcome,
	})
}

// Cancel interrupts the agent's current turn
// POST /api/v1/conversations/:conversationId/cancel
func (h *Handler) Cancel(c *gin.Context) {
	conn, err := h.manager.Get(c.Param("conversationId"))
	if err != nil {
		respondError(c, err)
		return
	}

	var req v1.CancelRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, bridgeerrors.BadRequest(err.Error()))
			return
		}
	}

	if err := conn.Cancel(req.Reason); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cancelled": true})
}

// Pause suspends prompt dispatch for the conversation
// POST /api/v1/conversations/:conversationId/pause
func (h *Handler) Pause(c *gin.Context) {
	conn, err := h.manager.Get(c.Param("conversationId"))
	if err != nil {
		respondError(c, err)
		return
	}
	conn.Pause()
	c.JSON(http.StatusOK, diagnosticsToResponse(conn.Diagnostics()))
}

// Resume lifts a pause
// POST /api/v1/conversations/:conversationId/resume
func (h *Handler) Resume(c *gin.Context) {
	conn, err := h.manager.Get(c.Param("conversationId"))
	if err != nil {
		respondError(c, err)
		return
	}
	conn.Resume()
	c.JSON(http.StatusOK, diagnosticsToResponse(conn.Diagnostics()))
}

// Diagnostics returns a health snapshot of the conversation
// GET /api/v1/conversations/:conversationId/diagnostics
func (h *Handler) Diagnostics(c *gin.Context) {
	conn, err := h.manager.Get(c.Param("conversationId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, diagnosticsToResponse(conn.Diagnostics()))
}

// Messages returns the persisted transcript of the conversation
// GET /api/v1/conversations/:conversationId/messages?limit=N
func (h *Handler) Messages(c *gin.Context) {
	conversationID := c.Param("conversationId")

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			respondError(c, bridgeerrors.BadRequest("limit must be a non-negative integer"))
			return
		}
		limit = parsed
	}

	msgs, err := h.manager.Messages(c.Request.Context(), conversationID, limit)
	if err != nil {
		respondError(c, err)
		return
	}

	out := make([]v1.Message, 0, len(msgs))
	for _, msg := range msgs {
		out = append(out, messageToResponse(msg))
	}
	c.JSON(http.StatusOK, gin.H{"messages": out})
}

// Agent endpoints

// ListAgents lists the supported agent families
// GET /api/v1/agents
func (h *Handler) ListAgents(c *gin.Context) {
	families := h.registry.List()
	out := make([]v1.AgentFamily, 0, len(families))
	for _, family := range families {
		out = append(out, v1.AgentFamily{
			ID:          family.ID,
			Name:        family.Name,
			Dialect:     family.Dialect,
			RequiredEnv: family.RequiredEnv,
		})
	}
	c.JSON(http.StatusOK, gin.H{"agents": out})
}

// Permission endpoints

// ListPermissions lists approval requests waiting on a user decision
// GET /api/v1/permissions
func (h *Handler) ListPermissions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"pending": h.manager.Permissions().Pending()})
}

// ResolvePermission settles a pending approval request
// POST /api/v1/permissions/resolve
func (h *Handler) ResolvePermission(c *gin.Context) {
	var req v1.PermissionDecisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, bridgeerrors.BadRequest(err.Error()))
		return
	}

	decision := streams.PermissionDecision{
		PendingID: req.PendingID,
		OptionID:  req.OptionID,
		Cancelled: req.Cancelled,
	}
	if err := h.manager.ResolvePermission(c.Request.Context(), decision); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"resolved": req.PendingID})
}

// HealthCheck reports service liveness
// GET /health
func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":        "healthy",
		"conversations": len(h.manager.List()),
	})
}

func diagnosticsToResponse(d bridge.Diagnostics) v1.Diagnostics {
	return v1.Diagnostics{
		IsConnected:     d.IsConnected,
		PendingRequests: d.PendingRequests,
		IsPaused:        d.IsPaused,
		RetryCount:      d.RetryCount,
		HasNetworkError: d.HasNetworkError,
	}
}

func messageToResponse(msg *compose.Message) v1.Message {
	var plan []v1.PlanEntry
	for _, entry := range msg.PlanEntries {
		plan = append(plan, v1.PlanEntry{
			Description: entry.Description,
			Status:      entry.Status,
			Priority:    entry.Priority,
		})
	}
	return v1.Message{
		MsgID:          msg.MsgID,
		ConversationID: msg.ConversationID,
		Kind:           msg.Kind,
		Text:           msg.Text,
		ToolName:       msg.ToolName,
		ToolTitle:      msg.ToolTitle,
		ToolStatus:     msg.ToolStatus,
		ToolArgs:       msg.ToolArgs,
		ToolResult:     msg.ToolResult,
		PlanEntries:    plan,
		CreatedAt:      msg.CreatedAt,
		UpdatedAt:      msg.UpdatedAt,
	}
}
