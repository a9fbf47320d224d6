package permission

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLitePolicyStore provides SQLite-backed policy storage so "always"
// decisions survive bridge restarts.
type SQLitePolicyStore struct {
	db *sql.DB
}

var _ PolicyStore = (*SQLitePolicyStore)(nil)

// NewSQLitePolicyStore opens (or creates) the policy table at dbPath.
func NewSQLitePolicyStore(dbPath string) (*SQLitePolicyStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLitePolicyStore{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *SQLitePolicyStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS permission_policies (
		conversation_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		action TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		PRIMARY KEY (conversation_id, kind)
	);

	CREATE INDEX IF NOT EXISTS idx_permission_policies_created_at ON permission_policies(created_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Get implements PolicyStore.
func (s *SQLitePolicyStore) Get(ctx context.Context, conversationID, kind string) (*Policy, error) {
	policy := &Policy{}
	err := s.db.QueryRowContext(ctx, `
		SELECT conversation_id, kind, action, created_at
		FROM permission_policies WHERE conversation_id = ? AND kind = ?
	`, conversationID, kind).Scan(&policy.ConversationID, &policy.Kind, &policy.Action, &policy.CreatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return policy, nil
}

// Put implements PolicyStore.
func (s *SQLitePolicyStore) Put(ctx context.Context, policy *Policy) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO permission_policies (conversation_id, kind, action, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (conversation_id, kind) DO UPDATE SET action = excluded.action, created_at = excluded.created_at
	`, policy.ConversationID, policy.Kind, policy.Action, policy.CreatedAt.UTC())
	return err
}

// Delete implements PolicyStore.
func (s *SQLitePolicyStore) Delete(ctx context.Context, conversationID, kind string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM permission_policies WHERE conversation_id = ? AND kind = ?
	`, conversationID, kind)
	return err
}

// Sweep implements PolicyStore.
func (s *SQLitePolicyStore) Sweep(ctx context.Context, cutoff time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM permission_policies WHERE created_at < ?
	`, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	rows, _ := result.RowsAffected()
	return int(rows), nil
}

// Close implements PolicyStore.
func (s *SQLitePolicyStore) Close() error {
	return s.db.Close()
}
