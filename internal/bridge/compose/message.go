// Package compose turns the canonical update stream into an ordered list
// of logical messages. Deltas sharing a msgId merge into one record; live
// consumers receive deltas over the event channel while only settled
// messages reach the sink.
package compose

import (
	"context"
	"time"

	"github.com/agentbridge/agentbridge/internal/bridge/streams"
)

// Message kinds.
const (
	KindText   = "text"
	KindTool   = "tool_call"
	KindPlan   = "plan"
	KindError  = "error"
	KindNotice = "notice"
)

// Message is one logical transcript record. Successive deltas and tool
// updates sharing the same MsgID collapse into a single Message.
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
	PlanEntries    []streams.PlanEntry    `json:"plan_entries,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
	UpdatedAt      time.Time              `json:"updated_at"`
}

// Event is what live consumers receive. Revoke tells them to drop
// everything they have rendered under MsgID.
type Event struct {
	ConversationID string                 `json:"conversation_id"`
	MsgID          string                 `json:"msg_id,omitempty"`
	Revoke         bool                   `json:"revoke,omitempty"`
	Update         streams.CanonicalUpdate `json:"update"`
}

// MessageSink persists settled messages. Persist upserts by MsgID so a
// tool call and its status updates stay one record. Implementations must
// be safe for concurrent use.
type MessageSink interface {
	Persist(ctx context.Context, msg *Message) error
	Revoke(ctx context.Context, conversationID, msgID string) error
	Messages(ctx context.Context, conversationID string, limit int) ([]*Message, error)
	Close() error
}
