package store

import "time"

// Conversation is a chat thread. Messages, memories, and uploaded files
// all hang off a conversation and are removed with it.
type Conversation struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Message is one turn entry in a conversation. Messages are immutable
// once written; the creation-time order is the canonical replay order
// fed back to the model backend.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Role           string    `json:"role"` // user or assistant
	Content        string    `json:"content"`
	ToolCalls      string    `json:"tool_calls,omitempty"`   // serialized JSON, assistant rows only
	ToolResults    string    `json:"tool_results,omitempty"` // serialized JSON, assistant rows only
	CreatedAt      time.Time `json:"created_at"`
}

// Memory is a durable per-conversation key-value fact. At most one row
// exists per (conversation, key); writes replace in place.
type Memory struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Key            string    `json:"key"`
	Value          string    `json:"value"`
	CreatedAt      time.Time `json:"created_at"`
}

// File is an uploaded document with its pre-extracted text content.
type File struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Filename       string    `json:"filename"`
	Mimetype       string    `json:"mimetype"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
}
