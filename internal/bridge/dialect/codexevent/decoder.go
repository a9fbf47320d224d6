// Package codexevent decodes the wrapped notification dialect: a single
// "codex/event" method whose params carry a tagged msg envelope.
package codexevent

import (
	"encoding/json"

	"github.com/agentbridge/agentbridge/internal/bridge/dialect"
	"github.com/agentbridge/agentbridge/internal/bridge/streams"
	"github.com/agentbridge/agentbridge/internal/common/logger"
	"go.uber.org/zap"
)

// Method is the single notification method this dialect uses.
const Method = "codex/event"

// Decoder implements dialect.Decoder for the wrapped envelope.
type Decoder struct {
	logger *logger.Logger
}

// New creates a wrapped-envelope decoder.
func New(log *logger.Logger) *Decoder {
	return &Decoder{logger: log.WithFields(zap.String("dialect", "codex-event"))}
}

// Name implements dialect.Decoder.
func (d *Decoder) Name() string { return "codex-event" }

// envelope is the outer params shape: everything interesting lives in msg.
type envelope struct {
	Msg eventMsg `json:"msg"`
}

type eventMsg struct {
	Type string `json:"type"`

	// Delta carries incremental text for *_delta events.
	Delta string `json:"delta"`

	// Message carries the full text of a finished agent message.
	Message string `json:"message"`

	// Text carries cumulative reasoning for agent_reasoning events.
	Text string `json:"text"`

	// SessionID is set on session_configured.
	SessionID string `json:"session_id"`

	// LastAgentMessage is set on task_complete.
	LastAgentMessage string `json:"last_agent_message"`
}

// Decode implements dialect.Decoder.
func (d *Decoder) Decode(method string, params json.RawMessage) []streams.CanonicalUpdate {
	if method != Method {
		return nil
	}

	var env envelope
	if err := json.Unmarshal(params, &env); err != nil {
		d.logger.Warn("failed to parse event envelope", zap.Error(err))
		return nil
	}

	msg := env.Msg
	switch msg.Type {
	case "agent_message_delta":
		return decodeTextDelta(msg.Delta)

	case "agent_message":
		return []streams.CanonicalUpdate{{
			Type: streams.UpdateTypeTextFinal,
			Text: msg.Message,
		}}

	case "agent_reasoning_delta":
		return []streams.CanonicalUpdate{{
			Type: streams.UpdateTypeReasoningDelta,
			Text: msg.Delta,
		}}

	case "agent_reasoning":
		// Carries the cumulative reasoning text; the composer's accumulator
		// replaces rather than appends when it recognizes the superset.
		return []streams.CanonicalUpdate{{
			Type: streams.UpdateTypeReasoningDelta,
			Text: msg.Text,
		}}

	case "agent_reasoning_section_break":
		return []streams.CanonicalUpdate{{
			Type: streams.UpdateTypeReasoningBreak,
		}}

	case "task_started":
		return []streams.CanonicalUpdate{{
			Type: streams.UpdateTypeTaskStarted,
		}}

	case "task_complete":
		return []streams.CanonicalUpdate{{
			Type: streams.UpdateTypeTaskCompleted,
			Text: msg.LastAgentMessage,
		}}

	case "session_configured":
		return []streams.CanonicalUpdate{{
			Type:      streams.UpdateTypeSessionConfigured,
			SessionID: msg.SessionID,
		}}

	case "error":
		return []streams.CanonicalUpdate{{
			Type:    streams.UpdateTypeError,
			Message: msg.Message,
		}}

	default:
		d.logger.Debug("ignoring unknown event type", zap.String("type", msg.Type))
		return nil
	}
}

// decodeTextDelta splits an embedded structured delta into classified
// segments; a plain text delta passes through unchanged.
func decodeTextDelta(delta string) []streams.CanonicalUpdate {
	segments, ok := dialect.SplitEmbedded(delta, false)
	if !ok {
		return []streams.CanonicalUpdate{{
			Type: streams.UpdateTypeTextDelta,
			Text: delta,
		}}
	}

	updates := make([]streams.CanonicalUpdate, 0, len(segments))
	for _, seg := range segments {
		if seg.Thought {
			updates = append(updates, streams.CanonicalUpdate{
				Type:    streams.UpdateTypeReasoningDelta,
				Text:    seg.Text,
				Thought: true,
			})
			continue
		}
		updates = append(updates, streams.CanonicalUpdate{
			Type: streams.UpdateTypeTextDelta,
			Text: seg.Text,
		})
	}
	return updates
}

var _ dialect.Decoder = (*Decoder)(nil)
