package compose

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentbridge/agentbridge/internal/bridge/streams"
	"github.com/agentbridge/agentbridge/internal/common/logger"
)

// eventRecorder captures emitted events for assertions.
type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) emit(event Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *eventRecorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

func newTestComposer(t *testing.T) (*Composer, *MemoryMessageSink, *eventRecorder) {
	t.Helper()
	sink := NewMemoryMessageSink(100)
	rec := &eventRecorder{}
	return NewComposer("conv1", sink, rec.emit, logger.Default()), sink, rec
}

func textDelta(text string) streams.CanonicalUpdate {
	return streams.CanonicalUpdate{Type: streams.UpdateTypeTextDelta, Text: text}
}

func TestDeltasBroadcastButNotPersisted(t *testing.T) {
	c, sink, rec := newTestComposer(t)
	ctx := context.Background()

	c.Apply(ctx, textDelta("Hel"))
	c.Apply(ctx, textDelta("lo"))

	msgs, err := sink.Messages(ctx, "conv1", 0)
	require.NoError(t, err)
	assert.Empty(t, msgs, "deltas must not be persisted")

	events := rec.all()
	require.Len(t, events, 2)
	assert.Equal(t, "Hel", events[0].Update.Text)
	assert.Equal(t, "lo", events[1].Update.Text)
	assert.Equal(t, events[0].MsgID, events[1].MsgID, "consecutive deltas share one msgId")
	assert.NotEmpty(t, events[0].MsgID)
}

func TestFinalPersistedButNotRebroadcast(t *testing.T) {
	c, sink, rec := newTestComposer(t)
	ctx := context.Background()

	c.Apply(ctx, textDelta("Hello"))
	deltaMsgID := rec.all()[0].MsgID

	c.Apply(ctx, streams.CanonicalUpdate{Type: streams.UpdateTypeTextFinal, Text: "Hello world"})

	msgs, err := sink.Messages(ctx, "conv1", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, deltaMsgID, msgs[0].MsgID, "final merges onto the delta msgId")
	assert.Equal(t, "Hello world", msgs[0].Text)
	assert.Equal(t, KindText, msgs[0].Kind)

	// Only the delta event was broadcast.
	assert.Len(t, rec.all(), 1)
}

func TestToolCallInterruptsTextAndMerges(t *testing.T) {
	c, sink, rec := newTestComposer(t)
	ctx := context.Background()

	c.Apply(ctx, textDelta("Let me check"))
	firstTextID := rec.all()[0].MsgID

	c.Apply(ctx, streams.CanonicalUpdate{
		Type:       streams.UpdateTypeToolCallCreated,
		ToolCallID: "tc_1",
		ToolName:   "execute",
		ToolTitle:  "Run ls",
		ToolStatus: streams.ToolStatusPending,
	})
	c.Apply(ctx, streams.CanonicalUpdate{
		Type:       streams.UpdateTypeToolCallStatus,
		ToolCallID: "tc_1",
		ToolStatus: streams.ToolStatusRunning,
	})
	c.Apply(ctx, streams.CanonicalUpdate{
		Type:       streams.UpdateTypeToolCallStatus,
		ToolCallID: "tc_1",
		ToolStatus: streams.ToolStatusCompleted,
		ToolResult: "total 0",
	})

	msgs, err := sink.Messages(ctx, "conv1", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1, "create + updates collapse into one record")
	assert.Equal(t, "tc_1", msgs[0].MsgID, "tool messages use the call id as msgId")
	assert.Equal(t, streams.ToolStatusCompleted, msgs[0].ToolStatus)
	assert.Equal(t, "total 0", msgs[0].ToolResult)
	assert.Equal(t, "Run ls", msgs[0].ToolTitle)

	// Text after the tool call gets a fresh msgId.
	c.Apply(ctx, textDelta("Done."))
	events := rec.all()
	last := events[len(events)-1]
	assert.NotEqual(t, firstTextID, last.MsgID)
}

func TestToolStatusWithoutCreateSynthesizesRecord(t *testing.T) {
	c, sink, _ := newTestComposer(t)
	ctx := context.Background()

	c.Apply(ctx, streams.CanonicalUpdate{
		Type:       streams.UpdateTypeToolCallStatus,
		ToolCallID: "tc_orphan",
		ToolStatus: streams.ToolStatusCompleted,
	})

	msgs, err := sink.Messages(ctx, "conv1", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "tc_orphan", msgs[0].MsgID)
	assert.Equal(t, streams.ToolStatusCompleted, msgs[0].ToolStatus)
}

func TestAvailableCommandsSuppressedEndToEnd(t *testing.T) {
	c, sink, rec := newTestComposer(t)
	ctx := context.Background()

	// First chunk looks innocent and is broadcast; the second reveals the
	// listing shape.
	c.Apply(ctx, textDelta("Available Commands\n"))
	c.Apply(ctx, textDelta("- /init creates a new file\n- /help shows help"))
	c.Apply(ctx, streams.CanonicalUpdate{Type: streams.UpdateTypeTextFinal, Text: "Available Commands\n- /init creates a new file\n- /help shows help"})

	msgs, err := sink.Messages(ctx, "conv1", 0)
	require.NoError(t, err)
	assert.Empty(t, msgs, "command listing must produce zero transcript entries")

	events := rec.all()
	var revokes int
	var msgID string
	for _, e := range events {
		if e.MsgID != "" {
			msgID = e.MsgID
		}
		if e.Revoke {
			revokes++
		}
	}
	require.NotZero(t, revokes, "already-broadcast chunks must be revoked")
	for _, e := range events {
		if e.Revoke {
			assert.Equal(t, msgID, e.MsgID, "revoke targets the suppressed msgId")
		}
	}

	// Later deltas under the same turn stay suppressed too.
	before := len(rec.all())
	c.Apply(ctx, textDelta("- /quit exits"))
	assert.Len(t, rec.all(), before, "chunks for a suppressed msgId are dropped")
}

func TestAvailableCommandsHeaderAloneNotSuppressed(t *testing.T) {
	c, sink, _ := newTestComposer(t)
	ctx := context.Background()

	c.Apply(ctx, streams.CanonicalUpdate{Type: streams.UpdateTypeTextFinal, Text: "Available Commands are described in the docs."})

	msgs, err := sink.Messages(ctx, "conv1", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1, "header without bullets is ordinary text")
}

func TestReasoningAccumulation(t *testing.T) {
	c, _, rec := newTestComposer(t)
	ctx := context.Background()

	reasoning := func(text string) streams.CanonicalUpdate {
		return streams.CanonicalUpdate{Type: streams.UpdateTypeReasoningDelta, Text: text}
	}

	// Superset resend replaces.
	c.Apply(ctx, reasoning("Thinking"))
	c.Apply(ctx, reasoning("Thinking about X"))
	assert.Equal(t, "Thinking about X", c.Reasoning())

	// Non-prefix chunk appends.
	c.Apply(ctx, reasoning("about X and Y"))
	assert.Equal(t, "Thinking about Xabout X and Y", c.Reasoning())

	// Broadcast carries the accumulated text with the thought flag.
	events := rec.all()
	last := events[len(events)-1]
	assert.True(t, last.Update.Thought)
	assert.Equal(t, "Thinking about Xabout X and Y", last.Update.Text)

	// Section break resets without emitting.
	before := len(rec.all())
	c.Apply(ctx, streams.CanonicalUpdate{Type: streams.UpdateTypeReasoningBreak})
	assert.Empty(t, c.Reasoning())
	assert.Len(t, rec.all(), before)
}

func TestReasoningSupersetReplaces(t *testing.T) {
	c, _, _ := newTestComposer(t)
	ctx := context.Background()

	reasoning := func(text string) streams.CanonicalUpdate {
		return streams.CanonicalUpdate{Type: streams.UpdateTypeReasoningDelta, Text: text}
	}

	// A cumulative resend may prepend text the first chunk was missing;
	// the accumulated content is contained, not a prefix.
	c.Apply(ctx, reasoning("about X"))
	c.Apply(ctx, reasoning("Thinking about X"))
	assert.Equal(t, "Thinking about X", c.Reasoning())
}

func TestReasoningNeverPersisted(t *testing.T) {
	c, sink, _ := newTestComposer(t)
	ctx := context.Background()

	c.Apply(ctx, streams.CanonicalUpdate{Type: streams.UpdateTypeReasoningDelta, Text: "pondering deeply"})

	msgs, err := sink.Messages(ctx, "conv1", 0)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestTaskStartedMintsFreshMsgID(t *testing.T) {
	c, _, rec := newTestComposer(t)
	ctx := context.Background()

	c.Apply(ctx, textDelta("first turn"))
	firstID := rec.all()[0].MsgID

	c.Apply(ctx, streams.CanonicalUpdate{Type: streams.UpdateTypeTaskStarted})
	c.Apply(ctx, textDelta("second turn"))

	events := rec.all()
	last := events[len(events)-1]
	assert.NotEqual(t, firstID, last.MsgID)
}

func TestPlanPersistedAndInterruptsText(t *testing.T) {
	c, sink, rec := newTestComposer(t)
	ctx := context.Background()

	c.Apply(ctx, textDelta("working"))
	firstID := rec.all()[0].MsgID

	c.Apply(ctx, streams.CanonicalUpdate{
		Type: streams.UpdateTypePlan,
		PlanEntries: []streams.PlanEntry{
			{Description: "read files", Status: "completed"},
			{Description: "write fix", Status: "in_progress"},
		},
	})

	msgs, err := sink.Messages(ctx, "conv1", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, KindPlan, msgs[0].Kind)
	assert.Len(t, msgs[0].PlanEntries, 2)

	c.Apply(ctx, textDelta("more text"))
	events := rec.all()
	assert.NotEqual(t, firstID, events[len(events)-1].MsgID)
}

func TestPlanRevisionsShareOneRecord(t *testing.T) {
	c, sink, _ := newTestComposer(t)
	ctx := context.Background()

	plan := func(entries ...streams.PlanEntry) streams.CanonicalUpdate {
		return streams.CanonicalUpdate{Type: streams.UpdateTypePlan, PlanEntries: entries}
	}

	c.Apply(ctx, streams.CanonicalUpdate{Type: streams.UpdateTypeTaskStarted})
	c.Apply(ctx, plan(streams.PlanEntry{Description: "read files", Status: "pending"}))
	c.Apply(ctx, plan(streams.PlanEntry{Description: "read files", Status: "in_progress"}))
	c.Apply(ctx, plan(streams.PlanEntry{Description: "read files", Status: "completed"}))

	msgs, err := sink.Messages(ctx, "conv1", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1, "successive plan snapshots revise one record")
	assert.Equal(t, "completed", msgs[0].PlanEntries[0].Status)

	// A new turn gets its own plan record.
	c.Apply(ctx, streams.CanonicalUpdate{Type: streams.UpdateTypeTaskStarted})
	c.Apply(ctx, plan(streams.PlanEntry{Description: "new turn", Status: "pending"}))

	msgs, err = sink.Messages(ctx, "conv1", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.NotEqual(t, msgs[0].MsgID, msgs[1].MsgID)
}

func TestErrorAndNoticePersisted(t *testing.T) {
	c, sink, _ := newTestComposer(t)
	ctx := context.Background()

	c.Apply(ctx, streams.CanonicalUpdate{Type: streams.UpdateTypeError, Message: "stream exploded"})
	c.Apply(ctx, streams.CanonicalUpdate{Type: streams.UpdateTypeNotice, Message: "auto-approved by policy"})

	msgs, err := sink.Messages(ctx, "conv1", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, KindError, msgs[0].Kind)
	assert.Equal(t, KindNotice, msgs[1].Kind)
}
