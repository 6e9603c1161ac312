// Package datastore implements the sandboxed user_data table that the
// store_data, retrieve_data, and query_database tools operate on. It
// shares the conversation store's database file but is restricted to
// the single user_data table by a statement allow-list.
package datastore

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Store wraps a shared *sql.DB and scopes all access to user_data.
type Store struct {
	db *sql.DB
}

// New returns a Store sharing the given connection. The user_data
// table is created lazily on first write.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// ensure creates the user_data table if it does not exist.
func (s *Store) ensure() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS user_data (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			created_at TEXT NOT NULL,
			UNIQUE(conversation_id, key)
		)
	`)
	if err != nil {
		return fmt.Errorf("create user_data: %w", err)
	}
	return nil
}

// Set stores a value under key for a conversation, replacing any
// existing value.
func (s *Store) Set(conversationID, key, value string) error {
	if err := s.ensure(); err != nil {
		return err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generate id: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO user_data (id, conversation_id, key, value, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id, key) DO UPDATE SET value = excluded.value
	`, id.String(), conversationID, key, value, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("store data: %w", err)
	}
	return nil
}

// Get returns the value stored under key, and whether it was found.
func (s *Store) Get(conversationID, key string) (string, bool, error) {
	if err := s.ensure(); err != nil {
		return "", false, err
	}

	var value string
	err := s.db.QueryRow(`
		SELECT value FROM user_data WHERE conversation_id = ? AND key = ?
	`, conversationID, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("retrieve data: %w", err)
	}
	return value, true, nil
}

// KV is one stored key-value pair.
type KV struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// List returns all key-value pairs stored for a conversation.
func (s *Store) List(conversationID string) ([]KV, error) {
	if err := s.ensure(); err != nil {
		return nil, err
	}

	rows, err := s.db.Query(`
		SELECT key, value FROM user_data WHERE conversation_id = ? ORDER BY key
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list data: %w", err)
	}
	defer rows.Close()

	kvs := []KV{}
	for rows.Next() {
		var kv KV
		if err := rows.Scan(&kv.Key, &kv.Value); err != nil {
			return nil, fmt.Errorf("scan data: %w", err)
		}
		kvs = append(kvs, kv)
	}
	return kvs, rows.Err()
}

// QueryResult holds the outcome of an allowed SQL statement.
type QueryResult struct {
	Columns      []string         `json:"columns,omitempty"`
	Rows         []map[string]any `json:"rows,omitempty"`
	RowsAffected int64            `json:"rows_affected,omitempty"`
}

// ValidateQuery enforces the statement allow-list:
//
//   - SELECT statements are always allowed
//   - INSERT, UPDATE, and DELETE must reference the user_data table
//   - CREATE TABLE is allowed only when the created table is user_data
//     itself, not merely a statement that mentions the name
//
// Everything else (DROP, ALTER, PRAGMA, ATTACH, ...) is rejected.
func ValidateQuery(query string) error {
	normalized := strings.ToLower(strings.TrimSpace(query))

	switch {
	case strings.HasPrefix(normalized, "select"):
		return nil
	case strings.HasPrefix(normalized, "insert"),
		strings.HasPrefix(normalized, "update"),
		strings.HasPrefix(normalized, "delete"):
		if !strings.Contains(normalized, "user_data") {
			return fmt.Errorf("only the user_data table can be modified")
		}
		return nil
	case strings.HasPrefix(normalized, "create table"):
		if createdTableName(normalized) != "user_data" {
			return fmt.Errorf("only the user_data table can be created")
		}
		return nil
	default:
		return fmt.Errorf("query type not allowed; use SELECT, or INSERT/UPDATE/DELETE on user_data")
	}
}

// createdTableName extracts the table identifier from a lowercased
// CREATE TABLE statement, skipping an IF NOT EXISTS clause and
// stripping identifier quoting.
func createdTableName(normalized string) string {
	rest := strings.TrimPrefix(normalized, "create table")
	fields := strings.FieldsFunc(rest, func(r rune) bool {
		return r == ' ' || r == '\t' || r == '\n' || r == '('
	})
	if len(fields) >= 3 && fields[0] == "if" && fields[1] == "not" && fields[2] == "exists" {
		fields = fields[3:]
	}
	if len(fields) == 0 {
		return ""
	}
	return strings.Trim(fields[0], "`\"'[]")
}

// Query runs an allow-listed SQL statement. SELECT statements return
// the result rows; write statements return the affected-row count.
func (s *Store) Query(query string) (*QueryResult, error) {
	if err := ValidateQuery(query); err != nil {
		return nil, err
	}
	if err := s.ensure(); err != nil {
		return nil, err
	}

	normalized := strings.ToLower(strings.TrimSpace(query))
	if strings.HasPrefix(normalized, "select") {
		return s.querySelect(query)
	}

	res, err := s.db.Exec(query)
	if err != nil {
		return nil, fmt.Errorf("execute query: %w", err)
	}
	affected, _ := res.RowsAffected()
	return &QueryResult{RowsAffected: affected}, nil
}

func (s *Store) querySelect(query string) (*QueryResult, error) {
	rows, err := s.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("execute query: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("columns: %w", err)
	}

	result := &QueryResult{Columns: cols, Rows: []map[string]any{}}
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}

		row := make(map[string]any, len(cols))
		for i, col := range cols {
			v := values[i]
			// SQLite hands TEXT back as []byte through the generic scanner.
			if b, ok := v.([]byte); ok {
				v = string(b)
			}
			row[col] = v
		}
		result.Rows = append(result.Rows, row)
	}
	return result, rows.Err()
}
