// Package sessionupdate converts the session/update notification dialect
// into canonical updates. The wire shapes are the ACP SDK's; this package
// only classifies and normalizes them.
package sessionupdate

import (
	acp "github.com/coder/acp-go-sdk"
	"go.uber.org/zap"

	"github.com/agentbridge/agentbridge/internal/bridge/dialect"
	"github.com/agentbridge/agentbridge/internal/bridge/streams"
	"github.com/agentbridge/agentbridge/internal/common/logger"
)

// Option configures a Decoder.
type Option func(*Decoder)

// DefaultsToThought marks this agent build as one that emits interim
// thinking as unmarked content-only blocks. Only affects embedded
// structured deltas with no explicit marker.
func DefaultsToThought() Option {
	return func(d *Decoder) { d.defaultsToThought = true }
}

// Decoder normalizes ACP session notifications into canonical updates.
type Decoder struct {
	logger            *logger.Logger
	defaultsToThought bool
}

// New creates a session/update decoder.
func New(log *logger.Logger, opts ...Option) *Decoder {
	d := &Decoder{logger: log.WithFields(zap.String("dialect", "session-update"))}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Name identifies the dialect.
func (d *Decoder) Name() string { return "session-update" }

// Convert normalizes one session notification. A nil result means the
// notification carries nothing the stream needs; unknown update variants
// are ignored so a newer agent never breaks an older bridge.
func (d *Decoder) Convert(n acp.SessionNotification) []streams.CanonicalUpdate {
	sessionID := string(n.SessionId)
	u := n.Update

	switch {
	case u.AgentMessageChunk != nil:
		if u.AgentMessageChunk.Content.Text == nil {
			return nil
		}
		return d.decodeChunk(sessionID, u.AgentMessageChunk.Content.Text.Text, false)

	case u.AgentThoughtChunk != nil:
		if u.AgentThoughtChunk.Content.Text == nil {
			return nil
		}
		return d.decodeChunk(sessionID, u.AgentThoughtChunk.Content.Text.Text, true)

	case u.ToolCall != nil:
		return []streams.CanonicalUpdate{{
			Type:       streams.UpdateTypeToolCallCreated,
			SessionID:  sessionID,
			ToolCallID: string(u.ToolCall.ToolCallId),
			ToolName:   string(u.ToolCall.Kind),
			ToolTitle:  u.ToolCall.Title,
			ToolStatus: normalizeToolStatus(string(u.ToolCall.Status)),
			ToolArgs:   asToolArgs(u.ToolCall.RawInput),
		}}

	case u.ToolCallUpdate != nil:
		status := ""
		if u.ToolCallUpdate.Status != nil {
			status = string(*u.ToolCallUpdate.Status)
		}
		update := streams.CanonicalUpdate{
			Type:       streams.UpdateTypeToolCallStatus,
			SessionID:  sessionID,
			ToolCallID: string(u.ToolCallUpdate.ToolCallId),
			ToolStatus: normalizeToolStatus(status),
		}
		if u.ToolCallUpdate.RawOutput != nil {
			update.ToolResult = u.ToolCallUpdate.RawOutput
		}
		return []streams.CanonicalUpdate{update}

	case u.Plan != nil:
		entries := make([]streams.PlanEntry, len(u.Plan.Entries))
		for i, e := range u.Plan.Entries {
			entries[i] = streams.PlanEntry{
				Description: e.Content,
				Status:      string(e.Status),
				Priority:    string(e.Priority),
			}
		}
		return []streams.CanonicalUpdate{{
			Type:        streams.UpdateTypePlan,
			SessionID:   sessionID,
			PlanEntries: entries,
		}}

	case u.AvailableCommandsUpdate != nil:
		// Tool-internal scaffolding; never surfaced to the message stream.
		return nil

	default:
		d.logger.Debug("ignoring unknown session update")
		return nil
	}
}

// decodeChunk handles a text or thought chunk, splitting embedded
// structured content when an agent build serializes its internal blocks
// into the text channel.
func (d *Decoder) decodeChunk(sessionID, text string, thought bool) []streams.CanonicalUpdate {
	segments, ok := dialect.SplitEmbedded(text, d.defaultsToThought)
	if !ok {
		return []streams.CanonicalUpdate{chunkUpdate(sessionID, text, thought)}
	}

	updates := make([]streams.CanonicalUpdate, 0, len(segments))
	for _, seg := range segments {
		updates = append(updates, chunkUpdate(sessionID, seg.Text, thought || seg.Thought))
	}
	return updates
}

func chunkUpdate(sessionID, text string, thought bool) streams.CanonicalUpdate {
	if thought {
		return streams.CanonicalUpdate{
			Type:      streams.UpdateTypeReasoningDelta,
			SessionID: sessionID,
			Text:      text,
			Thought:   true,
		}
	}
	return streams.CanonicalUpdate{
		Type:      streams.UpdateTypeTextDelta,
		SessionID: sessionID,
		Text:      text,
	}
}

// asToolArgs narrows the SDK's untyped raw input to the map the stream
// types carry. Non-object input is dropped rather than guessed at.
func asToolArgs(raw any) map[string]interface{} {
	if m, ok := raw.(map[string]interface{}); ok {
		return m
	}
	return nil
}

// normalizeToolStatus maps wire statuses onto the canonical set.
func normalizeToolStatus(status string) string {
	switch status {
	case "pending", "":
		return streams.ToolStatusPending
	case "in_progress", "running":
		return streams.ToolStatusRunning
	case "completed", "complete":
		return streams.ToolStatusCompleted
	case "failed", "error":
		return streams.ToolStatusFailed
	default:
		return status
	}
}
