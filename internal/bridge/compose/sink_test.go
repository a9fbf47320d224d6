package compose

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentbridge/agentbridge/internal/bridge/streams"
)

func sinksUnderTest(t *testing.T) map[string]MessageSink {
	t.Helper()
	sqlite, err := NewSQLiteMessageSink(filepath.Join(t.TempDir(), "messages.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })
	return map[string]MessageSink{
		"memory": NewMemoryMessageSink(100),
		"sqlite": sqlite,
	}
}

func TestSinkUpsertKeepsOneRecord(t *testing.T) {
	for name, sink := range sinksUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			require.NoError(t, sink.Persist(ctx, &Message{
				MsgID: "tc_1", ConversationID: "conv1", Kind: KindTool,
				ToolTitle: "Run ls", ToolStatus: streams.ToolStatusPending,
			}))
			require.NoError(t, sink.Persist(ctx, &Message{
				MsgID: "tc_1", ConversationID: "conv1", Kind: KindTool,
				ToolTitle: "Run ls", ToolStatus: streams.ToolStatusCompleted, ToolResult: "total 0",
			}))

			msgs, err := sink.Messages(ctx, "conv1", 0)
			require.NoError(t, err)
			require.Len(t, msgs, 1)
			assert.Equal(t, streams.ToolStatusCompleted, msgs[0].ToolStatus)
			assert.Equal(t, "total 0", msgs[0].ToolResult)
		})
	}
}

func TestSinkConversationIsolationAndRevoke(t *testing.T) {
	for name, sink := range sinksUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			require.NoError(t, sink.Persist(ctx, &Message{MsgID: "m1", ConversationID: "conv1", Kind: KindText, Text: "one"}))
			require.NoError(t, sink.Persist(ctx, &Message{MsgID: "m2", ConversationID: "conv2", Kind: KindText, Text: "two"}))

			msgs, err := sink.Messages(ctx, "conv1", 0)
			require.NoError(t, err)
			require.Len(t, msgs, 1)
			assert.Equal(t, "one", msgs[0].Text)

			require.NoError(t, sink.Revoke(ctx, "conv1", "m1"))
			msgs, err = sink.Messages(ctx, "conv1", 0)
			require.NoError(t, err)
			assert.Empty(t, msgs)

			// Revoking again (or a missing id) is not an error.
			require.NoError(t, sink.Revoke(ctx, "conv1", "m1"))

			other, err := sink.Messages(ctx, "conv2", 0)
			require.NoError(t, err)
			assert.Len(t, other, 1)
		})
	}
}

func TestSinkLimit(t *testing.T) {
	for name, sink := range sinksUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			for i := 0; i < 5; i++ {
				require.NoError(t, sink.Persist(ctx, &Message{
					MsgID:          fmt.Sprintf("m%d", i),
					ConversationID: "conv1",
					Kind:           KindText,
					Text:           fmt.Sprintf("message %d", i),
				}))
			}

			msgs, err := sink.Messages(ctx, "conv1", 2)
			require.NoError(t, err)
			require.Len(t, msgs, 2)
			assert.Equal(t, "message 3", msgs[0].Text)
			assert.Equal(t, "message 4", msgs[1].Text)
		})
	}
}
