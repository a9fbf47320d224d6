package compose

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentbridge/agentbridge/internal/bridge/streams"
	"github.com/agentbridge/agentbridge/internal/common/logger"
)

// availableCommandsHeader starts the meta listing some agents stream as
// ordinary text. Messages recognized by this header plus bullet lines are
// tool-internal scaffolding and never reach the transcript.
const availableCommandsHeader = "Available Commands"

// Emitter receives live events. Implementations must not block; the
// composer runs on the notification path.
type Emitter func(event Event)

// Composer merges the canonical update stream of one conversation into
// logical messages. Deltas are broadcast but not persisted; finals are
// persisted but not re-broadcast. One Composer serves one conversation.
type Composer struct {
	conversationID string
	sink           MessageSink
	emit           Emitter
	logger         *logger.Logger

	mu           sync.Mutex
	currentMsgID string
	textBuffer   strings.Builder
	suppressed   map[string]bool
	reasoningAcc string
	planMsgID    string
	toolCreated  map[string]*Message // by tool call ID
}

// NewComposer creates a composer for one conversation.
func NewComposer(conversationID string, sink MessageSink, emit Emitter, log *logger.Logger) *Composer {
	return &Composer{
		conversationID: conversationID,
		sink:           sink,
		emit:           emit,
		logger: log.WithFields(
			zap.String("component", "composer"),
			zap.String("conversation_id", conversationID)),
		suppressed:  make(map[string]bool),
		toolCreated: make(map[string]*Message),
	}
}

// Apply consumes one canonical update. Safe for use from the single
// notification goroutine plus occasional caller-side injections.
func (c *Composer) Apply(ctx context.Context, update streams.CanonicalUpdate) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch update.Type {
	case streams.UpdateTypeTaskStarted:
		c.startTurnLocked()
		c.broadcast("", update)

	case streams.UpdateTypeTextDelta:
		c.applyTextDeltaLocked(update)

	case streams.UpdateTypeTextFinal:
		c.applyTextFinalLocked(ctx, update)

	case streams.UpdateTypeReasoningDelta:
		c.applyReasoningDeltaLocked(update)

	case streams.UpdateTypeReasoningBreak:
		// Resets accumulation and interrupts the running text message;
		// nothing is emitted.
		c.reasoningAcc = ""
		c.endTextMessageLocked()

	case streams.UpdateTypeToolCallCreated:
		c.applyToolCreatedLocked(ctx, update)

	case streams.UpdateTypeToolCallStatus:
		c.applyToolStatusLocked(ctx, update)

	case streams.UpdateTypePlan:
		c.applyPlanLocked(ctx, update)

	case streams.UpdateTypeTaskCompleted:
		c.endTextMessageLocked()
		c.reasoningAcc = ""
		c.broadcast("", update)

	case streams.UpdateTypeError:
		c.persist(ctx, &Message{
			MsgID:          uuid.New().String(),
			ConversationID: c.conversationID,
			Kind:           KindError,
			Text:           update.Message,
		})
		c.broadcast("", update)

	case streams.UpdateTypeNotice:
		c.persist(ctx, &Message{
			MsgID:          uuid.New().String(),
			ConversationID: c.conversationID,
			Kind:           KindNotice,
			Text:           update.Message,
		})
		c.broadcast("", update)

	case streams.UpdateTypeSessionConfigured:
		// Session bookkeeping happens in the connection; pass through for
		// live consumers only.
		c.broadcast("", update)
	}
}

// Reasoning returns the accumulated reasoning text for the current turn.
// Exposed as a side channel for a "thinking" indicator, never as part of
// the transcript.
func (c *Composer) Reasoning() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reasoningAcc
}

func (c *Composer) applyTextDeltaLocked(update streams.CanonicalUpdate) {
	if c.currentMsgID == "" {
		c.currentMsgID = uuid.New().String()
		c.textBuffer.Reset()
	}
	msgID := c.currentMsgID
	if c.suppressed[msgID] {
		return
	}

	c.textBuffer.WriteString(update.Text)

	if isAvailableCommandsListing(c.textBuffer.String()) {
		// Suppress end-to-end, including the chunks consumers already
		// rendered under this id.
		c.suppressed[msgID] = true
		c.logger.Debug("suppressing command listing message", zap.String("msg_id", msgID))
		c.emit(Event{ConversationID: c.conversationID, MsgID: msgID, Revoke: true})
		return
	}

	c.broadcast(msgID, update)
}

func (c *Composer) applyTextFinalLocked(ctx context.Context, update streams.CanonicalUpdate) {
	msgID := c.currentMsgID
	if msgID == "" {
		msgID = uuid.New().String()
	}
	defer c.endTextMessageLocked()

	if c.suppressed[msgID] || isAvailableCommandsListing(update.Text) {
		c.suppressed[msgID] = true
		c.emit(Event{ConversationID: c.conversationID, MsgID: msgID, Revoke: true})
		return
	}

	// Persisted but not re-broadcast: live consumers already hold the
	// deltas under this id.
	c.persist(ctx, &Message{
		MsgID:          msgID,
		ConversationID: c.conversationID,
		Kind:           KindText,
		Text:           update.Text,
	})
}

func (c *Composer) applyReasoningDeltaLocked(update streams.CanonicalUpdate) {
	chunk := update.Text
	switch {
	case c.reasoningAcc == "":
		c.reasoningAcc = chunk
	case strings.HasPrefix(chunk, c.reasoningAcc) || strings.Contains(chunk, c.reasoningAcc):
		// Cumulative resend: the chunk carries everything accumulated so
		// far, possibly with text prepended. Replace instead of doubling up.
		c.reasoningAcc = chunk
	default:
		c.reasoningAcc += chunk
	}

	update.Text = c.reasoningAcc
	update.Thought = true
	c.broadcast("", update)
}

func (c *Composer) applyToolCreatedLocked(ctx context.Context, update streams.CanonicalUpdate) {
	// A tool call interrupts the running text message and uses the
	// protocol call id as its msgId.
	c.endTextMessageLocked()

	msg := &Message{
		MsgID:          update.ToolCallID,
		ConversationID: c.conversationID,
		Kind:           KindTool,
		ToolName:       update.ToolName,
		ToolTitle:      update.ToolTitle,
		ToolStatus:     update.ToolStatus,
		ToolArgs:       update.ToolArgs,
	}
	c.toolCreated[update.ToolCallID] = msg
	c.persist(ctx, msg)
	c.broadcast(update.ToolCallID, update)
}

func (c *Composer) applyToolStatusLocked(ctx context.Context, update streams.CanonicalUpdate) {
	msg, known := c.toolCreated[update.ToolCallID]
	if !known {
		// Status for a call we never saw created; synthesize the record so
		// the transcript still ends up consistent.
		msg = &Message{
			MsgID:          update.ToolCallID,
			ConversationID: c.conversationID,
			Kind:           KindTool,
		}
		c.toolCreated[update.ToolCallID] = msg
	}
	if update.ToolStatus != "" {
		msg.ToolStatus = update.ToolStatus
	}
	if update.ToolResult != nil {
		msg.ToolResult = update.ToolResult
	}
	c.persist(ctx, msg)
	c.broadcast(update.ToolCallID, update)
}

func (c *Composer) applyPlanLocked(ctx context.Context, update streams.CanonicalUpdate) {
	c.endTextMessageLocked()

	// One plan record per turn: successive snapshots revise it in place
	// rather than stacking in the transcript.
	if c.planMsgID == "" {
		c.planMsgID = uuid.New().String()
	}
	c.persist(ctx, &Message{
		MsgID:          c.planMsgID,
		ConversationID: c.conversationID,
		Kind:           KindPlan,
		PlanEntries:    update.PlanEntries,
	})
	c.broadcast(c.planMsgID, update)
}

// startTurnLocked resets per-turn state when a new turn begins.
func (c *Composer) startTurnLocked() {
	c.currentMsgID = ""
	c.textBuffer.Reset()
	c.reasoningAcc = ""
	c.planMsgID = ""
}

// endTextMessageLocked closes the running text message so the next delta
// mints a fresh msgId.
func (c *Composer) endTextMessageLocked() {
	c.currentMsgID = ""
	c.textBuffer.Reset()
}

func (c *Composer) persist(ctx context.Context, msg *Message) {
	msg.CreatedAt = time.Now().UTC()
	if err := c.sink.Persist(ctx, msg); err != nil {
		c.logger.Error("failed to persist message", zap.String("msg_id", msg.MsgID), zap.Error(err))
	}
}

func (c *Composer) broadcast(msgID string, update streams.CanonicalUpdate) {
	c.emit(Event{ConversationID: c.conversationID, MsgID: msgID, Update: update})
}

// isAvailableCommandsListing recognizes the meta command listing: the
// literal header on the first line followed by at least one bullet line.
func isAvailableCommandsListing(text string) bool {
	lines := strings.Split(strings.TrimSpace(text), "\n")
	if len(lines) < 2 {
		return false
	}
	if !strings.HasPrefix(strings.TrimSpace(lines[0]), availableCommandsHeader) {
		return false
	}
	for _, line := range lines[1:] {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "-") || strings.HasPrefix(trimmed, "*") || strings.HasPrefix(trimmed, "•") {
			return true
		}
	}
	return false
}
