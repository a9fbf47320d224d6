// Package streams defines the canonical update types shared between the
// dialect decoders, the message composer, and the outward stream surfaces.
//
// Every agent family speaks its own notification dialect on the wire; the
// decoders normalize those into CanonicalUpdate values so everything above
// the protocol layer is dialect-agnostic.
package streams

// CanonicalUpdate type constants.
const (
	// UpdateTypeTextDelta is an incremental chunk of assistant text.
	UpdateTypeTextDelta = "text_delta"

	// UpdateTypeTextFinal is the complete text of a finished assistant message.
	UpdateTypeTextFinal = "text_final"

	// UpdateTypeReasoningDelta is an incremental chunk of reasoning content.
	UpdateTypeReasoningDelta = "reasoning_delta"

	// UpdateTypeReasoningBreak marks a section boundary in reasoning content.
	// The accumulated reasoning resets; no text is carried.
	UpdateTypeReasoningBreak = "reasoning_break"

	// UpdateTypeToolCallCreated announces a new tool invocation.
	UpdateTypeToolCallCreated = "tool_call_created"

	// UpdateTypeToolCallStatus updates the status of an existing tool invocation.
	UpdateTypeToolCallStatus = "tool_call_status"

	// UpdateTypePlan carries the agent's current execution plan.
	UpdateTypePlan = "plan"

	// UpdateTypeTaskStarted marks the start of a turn.
	UpdateTypeTaskStarted = "task_started"

	// UpdateTypeTaskCompleted marks the end of a turn.
	UpdateTypeTaskCompleted = "task_completed"

	// UpdateTypeSessionConfigured reports the session id assigned by the agent.
	UpdateTypeSessionConfigured = "session_configured"

	// UpdateTypeError is an error surfaced by the agent mid-stream.
	UpdateTypeError = "error"

	// UpdateTypeNotice is a short informational line injected by the bridge
	// itself, e.g. when a stored policy auto-resolves an approval.
	UpdateTypeNotice = "notice"
)

// Tool call status constants.
const (
	ToolStatusPending   = "pending"
	ToolStatusRunning   = "running"
	ToolStatusCompleted = "completed"
	ToolStatusFailed    = "failed"
)

// CanonicalUpdate is the dialect-agnostic event normalized from agent
// notifications. Exactly one Type is set per update; the optional fields
// that apply to that type carry the payload.
type CanonicalUpdate struct {
	// Type identifies the update. Use UpdateType* constants.
	Type string `json:"type"`

	// SessionID is the agent-assigned session identifier, when known.
	SessionID string `json:"session_id,omitempty"`

	// --- Text and reasoning fields ---

	// Text carries delta or final text content, depending on Type.
	Text string `json:"text,omitempty"`

	// Thought marks text that is reasoning rather than user-facing output.
	// Set by decoders that classify structured content blocks.
	Thought bool `json:"thought,omitempty"`

	// --- Tool call fields ---

	// ToolCallID uniquely identifies the tool invocation. This is the
	// protocol-level call id and doubles as the message id downstream.
	ToolCallID string `json:"tool_call_id,omitempty"`

	// ToolName is the tool being invoked.
	ToolName string `json:"tool_name,omitempty"`

	// ToolTitle is a human-readable title for the invocation.
	ToolTitle string `json:"tool_title,omitempty"`

	// ToolStatus is the current status. Use ToolStatus* constants.
	ToolStatus string `json:"tool_status,omitempty"`

	// ToolArgs contains the arguments passed to the tool.
	ToolArgs map[string]interface{} `json:"tool_args,omitempty"`

	// ToolResult contains the result once the invocation settles.
	ToolResult interface{} `json:"tool_result,omitempty"`

	// --- Plan fields ---

	// PlanEntries contains the agent's execution plan.
	PlanEntries []PlanEntry `json:"plan_entries,omitempty"`

	// --- Turn fields ---

	// TurnID identifies the in-flight turn, when the dialect provides one.
	TurnID string `json:"turn_id,omitempty"`

	// StopReason reports why a turn ended, when the dialect provides one.
	StopReason string `json:"stop_reason,omitempty"`

	// --- Error and notice fields ---

	// Message carries error or notice text.
	Message string `json:"message,omitempty"`

	// --- Extension fields ---

	// Data contains raw dialect-specific extensions.
	Data map[string]interface{} `json:"data,omitempty"`
}

// PlanEntry is a single entry in the agent's execution plan.
type PlanEntry struct {
	// Description is the content of the task.
	Description string `json:"description,omitempty"`

	// Status indicates task status: "pending", "in_progress", "completed", "failed".
	Status string `json:"status,omitempty"`

	// Priority indicates relative importance.
	Priority string `json:"priority,omitempty"`
}
