package compose

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteMessageSink persists transcripts in SQLite so conversations
// survive bridge restarts.
type SQLiteMessageSink struct {
	db *sql.DB
}

var _ MessageSink = (*SQLiteMessageSink)(nil)

// NewSQLiteMessageSink opens (or creates) the messages table at dbPath.
func NewSQLiteMessageSink(dbPath string) (*SQLiteMessageSink, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	sink := &SQLiteMessageSink{db: db}
	if err := sink.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return sink, nil
}

func (s *SQLiteMessageSink) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS messages (
		msg_id TEXT NOT NULL,
		conversation_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		text TEXT DEFAULT '',
		tool_name TEXT DEFAULT '',
		tool_title TEXT DEFAULT '',
		tool_status TEXT DEFAULT '',
		tool_args TEXT DEFAULT '{}',
		tool_result TEXT DEFAULT 'null',
		plan_entries TEXT DEFAULT '[]',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		PRIMARY KEY (conversation_id, msg_id)
	);

	CREATE INDEX IF NOT EXISTS idx_messages_conversation_id ON messages(conversation_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Persist implements MessageSink.
func (s *SQLiteMessageSink) Persist(ctx context.Context, msg *Message) error {
	now := time.Now().UTC()
	created := msg.CreatedAt
	if created.IsZero() {
		created = now
	}

	toolArgs, err := json.Marshal(msg.ToolArgs)
	if err != nil {
		toolArgs = []byte("{}")
	}
	toolResult, err := json.Marshal(msg.ToolResult)
	if err != nil {
		toolResult = []byte("null")
	}
	planEntries, err := json.Marshal(msg.PlanEntries)
	if err != nil {
		planEntries = []byte("[]")
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO messages (msg_id, conversation_id, kind, text, tool_name, tool_title, tool_status, tool_args, tool_result, plan_entries, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (conversation_id, msg_id) DO UPDATE SET
			kind = excluded.kind,
			text = excluded.text,
			tool_name = excluded.tool_name,
			tool_title = excluded.tool_title,
			tool_status = excluded.tool_status,
			tool_args = excluded.tool_args,
			tool_result = excluded.tool_result,
			plan_entries = excluded.plan_entries,
			updated_at = excluded.updated_at
	`, msg.MsgID, msg.ConversationID, msg.Kind, msg.Text, msg.ToolName, msg.ToolTitle, msg.ToolStatus,
		string(toolArgs), string(toolResult), string(planEntries), created, now)
	return err
}

// Revoke implements MessageSink.
func (s *SQLiteMessageSink) Revoke(ctx context.Context, conversationID, msgID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM messages WHERE conversation_id = ? AND msg_id = ?
	`, conversationID, msgID)
	return err
}

// Messages implements MessageSink.
func (s *SQLiteMessageSink) Messages(ctx context.Context, conversationID string, limit int) ([]*Message, error) {
	query := `
		SELECT msg_id, conversation_id, kind, text, tool_name, tool_title, tool_status, tool_args, tool_result, plan_entries, created_at, updated_at
		FROM messages WHERE conversation_id = ? ORDER BY created_at, msg_id
	`
	rows, err := s.db.QueryContext(ctx, query, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*Message
	for rows.Next() {
		msg := &Message{}
		var toolArgs, toolResult, planEntries string
		err := rows.Scan(&msg.MsgID, &msg.ConversationID, &msg.Kind, &msg.Text, &msg.ToolName, &msg.ToolTitle,
			&msg.ToolStatus, &toolArgs, &toolResult, &planEntries, &msg.CreatedAt, &msg.UpdatedAt)
		if err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(toolArgs), &msg.ToolArgs)
		_ = json.Unmarshal([]byte(toolResult), &msg.ToolResult)
		_ = json.Unmarshal([]byte(planEntries), &msg.PlanEntries)
		result = append(result, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if limit > 0 && len(result) > limit {
		result = result[len(result)-limit:]
	}
	return result, nil
}

// Close implements MessageSink.
func (s *SQLiteMessageSink) Close() error {
	return s.db.Close()
}
