package sessionupdate

import (
	"encoding/json"
	"testing"

	acp "github.com/coder/acp-go-sdk"

	"github.com/agentbridge/agentbridge/internal/bridge/streams"
	"github.com/agentbridge/agentbridge/internal/common/logger"
)

// convert unmarshals a wire-shaped notification payload into the SDK type
// and runs it through the decoder, so the tests also pin the wire shapes.
func convert(t *testing.T, d *Decoder, payload string) []streams.CanonicalUpdate {
	t.Helper()
	var n acp.SessionNotification
	if err := json.Unmarshal([]byte(payload), &n); err != nil {
		t.Fatalf("failed to unmarshal notification: %v", err)
	}
	return d.Convert(n)
}

func TestConvertMessageAndThoughtChunks(t *testing.T) {
	d := New(logger.Default())

	updates := convert(t, d, `{"sessionId":"s1","update":{"sessionUpdate":"agent_message_chunk","content":{"type":"text","text":"Hello"}}}`)
	if len(updates) != 1 || updates[0].Type != streams.UpdateTypeTextDelta || updates[0].Text != "Hello" {
		t.Fatalf("unexpected message chunk: %+v", updates)
	}
	if updates[0].SessionID != "s1" {
		t.Errorf("session id not carried: %+v", updates[0])
	}

	updates = convert(t, d, `{"sessionId":"s1","update":{"sessionUpdate":"agent_thought_chunk","content":{"type":"text","text":"hmm"}}}`)
	if len(updates) != 1 || updates[0].Type != streams.UpdateTypeReasoningDelta || !updates[0].Thought {
		t.Fatalf("unexpected thought chunk: %+v", updates)
	}
}

func TestConvertEmbeddedStructuredDelta(t *testing.T) {
	d := New(logger.Default())

	payload := `{"sessionId":"s1","update":{"sessionUpdate":"agent_message_chunk","content":{"type":"text","text":"[{\"type\":\"thinking\",\"text\":\"plan it\"},{\"type\":\"text\",\"text\":\"Answer\"}]"}}}`
	updates := convert(t, d, payload)
	if len(updates) != 2 {
		t.Fatalf("expected 2 segments, got %+v", updates)
	}
	if updates[0].Type != streams.UpdateTypeReasoningDelta || updates[0].Text != "plan it" {
		t.Errorf("first segment should be thought: %+v", updates[0])
	}
	if updates[1].Type != streams.UpdateTypeTextDelta || updates[1].Text != "Answer" {
		t.Errorf("second segment should be text: %+v", updates[1])
	}
}

func TestConvertUnmarkedBlockDefaultsToThought(t *testing.T) {
	payload := `{"sessionId":"s1","update":{"sessionUpdate":"agent_message_chunk","content":{"type":"text","text":"{\"content\":\"pondering\"}"}}}`

	plain := convert(t, New(logger.Default()), payload)
	if len(plain) != 1 || plain[0].Type != streams.UpdateTypeTextDelta {
		t.Fatalf("without the default, unmarked block should stay text: %+v", plain)
	}

	thinky := convert(t, New(logger.Default(), DefaultsToThought()), payload)
	if len(thinky) != 1 || thinky[0].Type != streams.UpdateTypeReasoningDelta {
		t.Fatalf("with the default, unmarked block should become thought: %+v", thinky)
	}
}

func TestConvertToolCallLifecycle(t *testing.T) {
	d := New(logger.Default())

	updates := convert(t, d, `{"sessionId":"s1","update":{"sessionUpdate":"tool_call","toolCallId":"tc_1","title":"Run ls","kind":"execute","status":"pending","rawInput":{"command":"ls"}}}`)
	if len(updates) != 1 {
		t.Fatalf("expected 1 update, got %+v", updates)
	}
	created := updates[0]
	if created.Type != streams.UpdateTypeToolCallCreated || created.ToolCallID != "tc_1" {
		t.Fatalf("unexpected tool_call decode: %+v", created)
	}
	if created.ToolStatus != streams.ToolStatusPending || created.ToolTitle != "Run ls" {
		t.Errorf("tool metadata not carried: %+v", created)
	}
	if created.ToolArgs["command"] != "ls" {
		t.Errorf("raw input not carried: %+v", created.ToolArgs)
	}

	updates = convert(t, d, `{"sessionId":"s1","update":{"sessionUpdate":"tool_call_update","toolCallId":"tc_1","status":"in_progress"}}`)
	if len(updates) != 1 || updates[0].Type != streams.UpdateTypeToolCallStatus || updates[0].ToolStatus != streams.ToolStatusRunning {
		t.Fatalf("unexpected tool_call_update decode: %+v", updates)
	}

	updates = convert(t, d, `{"sessionId":"s1","update":{"sessionUpdate":"tool_call_update","toolCallId":"tc_1","status":"completed","rawOutput":"total 0"}}`)
	if len(updates) != 1 || updates[0].ToolStatus != streams.ToolStatusCompleted || updates[0].ToolResult != "total 0" {
		t.Fatalf("unexpected completed update: %+v", updates)
	}
}

func TestConvertPlan(t *testing.T) {
	d := New(logger.Default())

	updates := convert(t, d, `{"sessionId":"s1","update":{"sessionUpdate":"plan","entries":[{"content":"read files","status":"completed","priority":"high"},{"content":"write fix","status":"in_progress","priority":"medium"}]}}`)
	if len(updates) != 1 || updates[0].Type != streams.UpdateTypePlan {
		t.Fatalf("unexpected plan decode: %+v", updates)
	}
	entries := updates[0].PlanEntries
	if len(entries) != 2 || entries[0].Description != "read files" || entries[1].Status != "in_progress" {
		t.Errorf("plan entries not carried: %+v", entries)
	}
}

func TestConvertSuppressesAvailableCommands(t *testing.T) {
	d := New(logger.Default())

	updates := convert(t, d, `{"sessionId":"s1","update":{"sessionUpdate":"available_commands_update","availableCommands":[{"name":"init","description":"create a file"}]}}`)
	if updates != nil {
		t.Errorf("available_commands_update must never reach the stream, got %+v", updates)
	}
}

func TestConvertIgnoresEmptyUpdate(t *testing.T) {
	d := New(logger.Default())

	if updates := d.Convert(acp.SessionNotification{SessionId: "s1"}); updates != nil {
		t.Errorf("empty update should convert to nil, got %+v", updates)
	}
}
