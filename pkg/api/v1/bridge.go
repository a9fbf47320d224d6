// Package v1 defines the wire types of the bridged HTTP API.
package v1

import "time"

// Prompt outcomes returned by the prompt endpoint.
const (
	PromptOutcomeCompleted         = "completed"
	PromptOutcomeTimedOutStreaming = "timed_out_streaming"
)

// CreateConversationRequest starts an agent of the given family and opens
// a session in the given working directory.
type CreateConversationRequest struct {
	AgentID    string `json:"agent_id" binding:"required"`
	WorkingDir string `json:"working_dir,omitempty"`
}

// CreateConversationResponse carries the ids of the new conversation.
type CreateConversationResponse struct {
	ConversationID string `json:"conversation_id"`
	SessionID      string `json:"session_id"`
	AgentID        string `json:"agent_id"`
}

// PromptRequest submits user text to a conversation.
type PromptRequest struct {
	Text string `json:"text" binding:"required"`
}

// PromptResponse reports how the prompt dispatch ended. A
// timed_out_streaming outcome means the agent is still producing updates
// over the stream even though the turn-complete signal never arrived.
type PromptResponse struct {
	ConversationID string `json:"conversation_id"`
	Outcome        string `json:"outcome"`
}

// CancelRequest interrupts the agent's current turn.
type CancelRequest struct {
	Reason string `json:"reason,omitempty"`
}

// Diagnostics is a point-in-time health snapshot of one conversation.
type Diagnostics struct {
	IsConnected     bool `json:"is_connected"`
	PendingRequests int  `json:"pending_requests"`
	IsPaused        bool `json:"is_paused"`
	RetryCount      int  `json:"retry_count"`
	HasNetworkError bool `json:"has_network_error"`
}

// ConversationSummary lists one live conversation.
type ConversationSummary struct {
	ConversationID string      `json:"conversation_id"`
	SessionID      string      `json:"session_id"`
	Diagnostics    Diagnostics `json:"diagnostics"`
}

// AgentFamily describes one supported agent CLI family.
type AgentFamily struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Dialect     string   `json:"dialect"`
	RequiredEnv []string `json:"required_env,omitempty"`
}

// Message is one settled transcript record.
type Message struct {
	MsgID          string                 `json:"msg_id"`
	ConversationID string                 `json:"conversation_id"`
	Kind           string                 `json:"kind"`
	Text           string                 `json:"text,omitempty"`
	ToolName       string                 `json:"tool_name,omitempty"`
	ToolTitle      string                 `json:"tool_title,omitempty"`
	ToolStatus     string                 `json:"tool_status,omitempty"`
	ToolArgs       map[string]interface{} `json:"tool_args,omitempty"`
	ToolResult     interface{}            `json:"tool_result,omitempty"`
	PlanEntries    []PlanEntry            `json:"plan_entries,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
	UpdatedAt      time.Time              `json:"updated_at"`
}

// PlanEntry is a single entry in the agent's execution plan.
type PlanEntry struct {
	Description string `json:"description,omitempty"`
	Status      string `json:"status,omitempty"`
	Priority    string `json:"priority,omitempty"`
}

// PermissionDecisionRequest settles a pending approval request.
type PermissionDecisionRequest struct {
	PendingID string `json:"pending_id" binding:"required"`
	OptionID  string `json:"option_id,omitempty"`
	Cancelled bool   `json:"cancelled,omitempty"`
}
