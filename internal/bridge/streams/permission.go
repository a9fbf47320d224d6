package streams

import "time"

// Permission action types categorize the kind of action requiring approval.
const (
	// ActionTypeCommand indicates shell command execution.
	ActionTypeCommand = "command"

	// ActionTypeFileWrite indicates file modification or creation.
	ActionTypeFileWrite = "file_write"

	// ActionTypeFileRead indicates file read (for sensitive files).
	ActionTypeFileRead = "file_read"

	// ActionTypeNetwork indicates network access.
	ActionTypeNetwork = "network"

	// ActionTypeMCPTool indicates MCP tool invocation.
	ActionTypeMCPTool = "mcp_tool"

	// ActionTypeElicitation indicates the agent asking the user for a
	// free-form decision rather than approval of a concrete tool call.
	ActionTypeElicitation = "elicitation"

	// ActionTypeOther indicates other/unknown action type.
	ActionTypeOther = "other"
)

// Permission option kinds.
const (
	OptionKindAllowOnce    = "allow_once"
	OptionKindAllowAlways  = "allow_always"
	OptionKindRejectOnce   = "reject_once"
	OptionKindRejectAlways = "reject_always"
)

// PermissionRequest is streamed to the UI when the agent asks for approval.
type PermissionRequest struct {
	// PendingID uniquely identifies this pending permission request.
	PendingID string `json:"pending_id"`

	// ConversationID is the bridge conversation making the request.
	ConversationID string `json:"conversation_id"`

	// SessionID is the agent session making the request.
	SessionID string `json:"session_id,omitempty"`

	// ToolCallID is the tool call that triggered this permission request.
	ToolCallID string `json:"tool_call_id,omitempty"`

	// Title is a human-readable description of the action.
	Title string `json:"title"`

	// Options contains the available permission choices.
	Options []PermissionOption `json:"options"`

	// ActionType categorizes the action requiring approval.
	// Use ActionType* constants.
	ActionType string `json:"action_type,omitempty"`

	// ActionDetails contains structured details about the action.
	// For commands: {"command": ["ls", "-la"], "cwd": "/path"}
	// For files: {"path": "/file.go", "diff": "..."}
	ActionDetails map[string]interface{} `json:"action_details,omitempty"`

	// CreatedAt is when the permission request was created.
	CreatedAt time.Time `json:"created_at"`
}

// PermissionOption represents a permission choice presented to the user.
type PermissionOption struct {
	// OptionID uniquely identifies this option.
	OptionID string `json:"option_id"`

	// Name is a human-readable name for the option.
	Name string `json:"name"`

	// Kind is one of the OptionKind* constants.
	Kind string `json:"kind"`

	// Metadata contains dialect-specific option data.
	// For wrapped-event agents: {"for_session": true} for session-wide approvals.
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// PermissionDecision is the resolved outcome of a permission request.
type PermissionDecision struct {
	// PendingID is the permission request this decision settles.
	PendingID string `json:"pending_id"`

	// OptionID is the selected option, empty when Cancelled.
	OptionID string `json:"option_id,omitempty"`

	// Cancelled indicates the request was dismissed without a choice.
	Cancelled bool `json:"cancelled,omitempty"`
}
