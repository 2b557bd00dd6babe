package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/nugget/vektra-agent/internal/message"
)

// SQLiteStore persists conversations in SQLite. Parts are stored as JSON
// alongside an estimated token count per message.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the message database at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return newSQLiteStore(db)
}

func newSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		role TEXT NOT NULL,
		parts TEXT NOT NULL,
		created_at TEXT NOT NULL,
		token_count INTEGER NOT NULL DEFAULT 0,
		FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, seq);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Messages returns the conversation's messages in append order.
func (s *SQLiteStore) Messages(ctx context.Context, conversationID string) ([]message.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, role, parts, created_at FROM messages
		WHERE conversation_id = ? ORDER BY seq ASC
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	out := []message.Message{}
	for rows.Next() {
		var m message.Message
		var role, parts, created string
		if err := rows.Scan(&m.ID, &role, &parts, &created); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Role = message.Role(role)
		if err := json.Unmarshal([]byte(parts), &m.Parts); err != nil {
			return nil, fmt.Errorf("decode parts of %s: %w", m.ID, err)
		}
		m.Metadata.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, m)
	}
	return out, rows.Err()
}

// Append inserts m at the end of the conversation.
func (s *SQLiteStore) Append(ctx context.Context, conversationID string, m message.Message) error {
	parts, err := json.Marshal(m.Parts)
	if err != nil {
		return fmt.Errorf("encode parts: %w", err)
	}
	if m.Metadata.CreatedAt.IsZero() {
		m.Metadata.CreatedAt = time.Now()
	}
	now := time.Now().Format(time.RFC3339Nano)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO conversations (id, created_at, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET updated_at = excluded.updated_at
	`, conversationID, now, now); err != nil {
		return fmt.Errorf("upsert conversation: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, seq, role, parts, created_at, token_count)
		VALUES (?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE conversation_id = ?), ?, ?, ?, ?)
	`, m.ID, conversationID, conversationID, string(m.Role), string(parts),
		m.Metadata.CreatedAt.Format(time.RFC3339Nano), CountTokens(m)); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return tx.Commit()
}

// Update replaces the stored parts of m.
func (s *SQLiteStore) Update(ctx context.Context, conversationID string, m message.Message) error {
	parts, err := json.Marshal(m.Parts)
	if err != nil {
		return fmt.Errorf("encode parts: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages SET parts = ?, token_count = ? WHERE id = ? AND conversation_id = ?
	`, string(parts), CountTokens(m), m.ID, conversationID)
	if err != nil {
		return fmt.Errorf("update message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, m.ID)
	}
	_, err = s.db.ExecContext(ctx, `UPDATE conversations SET updated_at = ? WHERE id = ?`,
		time.Now().Format(time.RFC3339Nano), conversationID)
	return err
}

// Remove deletes the message with messageID.
func (s *SQLiteStore) Remove(ctx context.Context, conversationID, messageID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE id = ? AND conversation_id = ?`,
		messageID, conversationID); err != nil {
		return fmt.Errorf("remove message: %w", err)
	}
	return nil
}

// Conversations lists conversations, most recently updated first.
func (s *SQLiteStore) Conversations(ctx context.Context) ([]Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.created_at, c.updated_at, COUNT(m.id), COALESCE(SUM(m.token_count), 0)
		FROM conversations c LEFT JOIN messages m ON m.conversation_id = c.id
		GROUP BY c.id ORDER BY c.updated_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Conversation
	for rows.Next() {
		var c Conversation
		var created, updated string
		if err := rows.Scan(&c.ID, &created, &updated, &c.Messages, &c.Tokens); err != nil {
			return nil, err
		}
		c.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		c.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
		out = append(out, c)
	}
	return out, rows.Err()
}

// Clear removes a conversation and its messages.
func (s *SQLiteStore) Clear(ctx context.Context, conversationID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, conversationID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, conversationID); err != nil {
		return err
	}
	return tx.Commit()
}
