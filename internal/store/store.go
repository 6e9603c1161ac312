// Package store provides SQLite-backed persistence for conversations,
// messages, memories, and uploaded files.
package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// DefaultTitle is assigned to conversations created implicitly.
const DefaultTitle = "New Conversation"

// Store is a SQLite-backed persistent store.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the database at path and runs migrations.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		tool_calls TEXT,
		tool_results TEXT,
		created_at TEXT NOT NULL,
		FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, created_at);

	CREATE TABLE IF NOT EXISTS memories (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		key TEXT NOT NULL,
		value TEXT NOT NULL,
		created_at TEXT NOT NULL,
		UNIQUE(conversation_id, key),
		FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS files (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		filename TEXT NOT NULL,
		mimetype TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at TEXT NOT NULL,
		FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_files_conversation ON files(conversation_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying connection for sub-stores that share the
// same database file (the user_data sandbox).
func (s *Store) DB() *sql.DB {
	return s.db
}

// CreateConversation creates a conversation. An empty id gets a fresh
// UUID; an empty title gets DefaultTitle.
func (s *Store) CreateConversation(id, title string) (*Conversation, error) {
	if id == "" {
		id = uuid.New().String()
	}
	if title == "" {
		title = DefaultTitle
	}
	now := time.Now().UTC()

	_, err := s.db.Exec(`
		INSERT INTO conversations (id, title, created_at, updated_at)
		VALUES (?, ?, ?, ?)
	`, id, title, now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}

	return &Conversation{ID: id, Title: title, CreatedAt: now, UpdatedAt: now}, nil
}

// EnsureConversation creates the conversation row with a default title
// if it does not exist. Idempotent.
func (s *Store) EnsureConversation(id string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO conversations (id, title, created_at, updated_at)
		VALUES (?, ?, ?, ?)
	`, id, DefaultTitle, now, now)
	if err != nil {
		return fmt.Errorf("ensure conversation: %w", err)
	}
	return nil
}

// GetConversation returns the conversation or nil when absent.
func (s *Store) GetConversation(id string) (*Conversation, error) {
	row := s.db.QueryRow(`
		SELECT id, title, created_at, updated_at FROM conversations WHERE id = ?
	`, id)

	var c Conversation
	var created, updated string
	if err := row.Scan(&c.ID, &c.Title, &created, &updated); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	c.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	c.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return &c, nil
}

// ListConversations returns all conversations, most recently updated first.
func (s *Store) ListConversations() ([]Conversation, error) {
	rows, err := s.db.Query(`
		SELECT id, title, created_at, updated_at
		FROM conversations ORDER BY updated_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var convs []Conversation
	for rows.Next() {
		var c Conversation
		var created, updated string
		if err := rows.Scan(&c.ID, &c.Title, &created, &updated); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		c.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		c.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

// RenameConversation updates the title and bumps updated_at.
func (s *Store) RenameConversation(id, title string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.db.Exec(`
		UPDATE conversations SET title = ?, updated_at = ? WHERE id = ?
	`, title, now, id)
	if err != nil {
		return fmt.Errorf("rename conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("conversation not found: %s", id)
	}
	return nil
}

// AppendMessage appends an immutable message row and bumps the owning
// conversation's updated_at. Both writes happen in one transaction.
// toolCalls and toolResults carry serialized JSON records for assistant
// rows that performed tool use; pass "" when not applicable.
func (s *Store) AppendMessage(conversationID, role, content, toolCalls, toolResults string) (*Message, error) {
	now := time.Now().UTC()
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate id: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.Exec(`
		INSERT INTO messages (id, conversation_id, role, content, tool_calls, tool_results, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, id.String(), conversationID, role, content,
		nullable(toolCalls), nullable(toolResults), now.Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}

	_, err = tx.Exec(`
		UPDATE conversations SET updated_at = ? WHERE id = ?
	`, now.Format(time.RFC3339Nano), conversationID)
	if err != nil {
		return nil, fmt.Errorf("update conversation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	return &Message{
		ID:             id.String(),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		ToolCalls:      toolCalls,
		ToolResults:    toolResults,
		CreatedAt:      now,
	}, nil
}

// ListMessages returns all messages for a conversation in creation
// order. rowid breaks ties between rows written in the same instant.
func (s *Store) ListMessages(conversationID string) ([]Message, error) {
	rows, err := s.db.Query(`
		SELECT id, conversation_id, role, content, tool_calls, tool_results, created_at
		FROM messages
		WHERE conversation_id = ?
		ORDER BY created_at ASC, rowid ASC
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var m Message
		var toolCalls, toolResults sql.NullString
		var created string
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content,
			&toolCalls, &toolResults, &created); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if toolCalls.Valid {
			m.ToolCalls = toolCalls.String
		}
		if toolResults.Valid {
			m.ToolResults = toolResults.String
		}
		m.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// UpsertMemory stores a memory, replacing the value in place when the
// (conversation, key) pair already exists.
func (s *Store) UpsertMemory(conversationID, key, value string) (*Memory, error) {
	now := time.Now().UTC()
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate id: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO memories (id, conversation_id, key, value, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id, key) DO UPDATE SET value = excluded.value
	`, id.String(), conversationID, key, value, now.Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("upsert memory: %w", err)
	}

	return &Memory{
		ID:             id.String(),
		ConversationID: conversationID,
		Key:            key,
		Value:          value,
		CreatedAt:      now,
	}, nil
}

// GetMemory returns the value for a key, and whether it was found.
func (s *Store) GetMemory(conversationID, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRow(`
		SELECT value FROM memories WHERE conversation_id = ? AND key = ?
	`, conversationID, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get memory: %w", err)
	}
	return value, true, nil
}

// ListMemories returns all memories for a conversation.
func (s *Store) ListMemories(conversationID string) ([]Memory, error) {
	rows, err := s.db.Query(`
		SELECT id, conversation_id, key, value, created_at
		FROM memories WHERE conversation_id = ? ORDER BY created_at ASC
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list memories: %w", err)
	}
	defer rows.Close()

	var memories []Memory
	for rows.Next() {
		var m Memory
		var created string
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Key, &m.Value, &created); err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		m.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		memories = append(memories, m)
	}
	return memories, rows.Err()
}

// SaveFile stores an uploaded file's extracted text content.
func (s *Store) SaveFile(conversationID, filename, mimetype, content string) (*File, error) {
	now := time.Now().UTC()
	id := uuid.New().String()

	_, err := s.db.Exec(`
		INSERT INTO files (id, conversation_id, filename, mimetype, content, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, id, conversationID, filename, mimetype, content, now.Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("save file: %w", err)
	}

	return &File{
		ID:             id,
		ConversationID: conversationID,
		Filename:       filename,
		Mimetype:       mimetype,
		Content:        content,
		CreatedAt:      now,
	}, nil
}

// GetFile returns a file by id, scoped to the given conversation.
// Returns nil when the id does not exist or belongs to another
// conversation — callers cannot read across conversations.
func (s *Store) GetFile(id, conversationID string) (*File, error) {
	row := s.db.QueryRow(`
		SELECT id, conversation_id, filename, mimetype, content, created_at
		FROM files WHERE id = ? AND conversation_id = ?
	`, id, conversationID)

	var f File
	var created string
	if err := row.Scan(&f.ID, &f.ConversationID, &f.Filename, &f.Mimetype, &f.Content, &created); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get file: %w", err)
	}
	f.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	return &f, nil
}

// DeleteConversationCascade removes a conversation and everything that
// belongs to it in one transaction. Dependents are deleted before the
// conversation row so referential order holds even without foreign key
// enforcement. The user_data sandbox rows go with it.
func (s *Store) DeleteConversationCascade(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, q := range []string{
		`DELETE FROM messages WHERE conversation_id = ?`,
		`DELETE FROM memories WHERE conversation_id = ?`,
		`DELETE FROM files WHERE conversation_id = ?`,
	} {
		if _, err := tx.Exec(q, id); err != nil {
			return fmt.Errorf("delete dependents: %w", err)
		}
	}

	// user_data is created lazily by the database tool; it may not exist yet.
	if _, err := tx.Exec(`DELETE FROM user_data WHERE conversation_id = ?`, id); err != nil {
		if !isNoSuchTable(err) {
			return fmt.Errorf("delete user_data: %w", err)
		}
	}

	if _, err := tx.Exec(`DELETE FROM conversations WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}

	return tx.Commit()
}

func isNoSuchTable(err error) bool {
	return err != nil && strings.Contains(err.Error(), "no such table")
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
