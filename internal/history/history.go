// Package history assembles model transcripts from persisted
// conversation state: the replayed message history plus a system
// prompt enriched with the conversation's memories.
package history

import (
	"fmt"
	"strings"

	"github.com/nugget/taurus/internal/llm"
	"github.com/nugget/taurus/internal/store"
)

// DefaultSystemPrompt is the base instruction set when config does not
// override it.
const DefaultSystemPrompt = `You are Taurus, a helpful, friendly, and capable AI assistant. You have access to various tools that allow you to:

1. **Browse the web** - Fetch and read content from websites
2. **Process files** - Read uploaded documents (PDFs, Word docs, text files, code)
3. **Store and retrieve data** - Save information to a database for later use
4. **Make API calls** - Interact with external APIs
5. **Remember things** - Store important information about the user for future conversations

Be conversational and helpful. When you use tools, briefly explain what you're doing. If a tool fails, try to help the user anyway or suggest alternatives.

Remember to use the 'remember' tool when the user shares important personal information, preferences, or facts they want you to recall later.`

// Source is the slice of the store the assembler reads.
type Source interface {
	ListMessages(conversationID string) ([]store.Message, error)
	ListMemories(conversationID string) ([]store.Memory, error)
}

// Assembler builds per-turn model context from a conversation store.
type Assembler struct {
	src  Source
	base string
}

// New creates an Assembler. An empty basePrompt falls back to
// DefaultSystemPrompt.
func New(src Source, basePrompt string) *Assembler {
	if basePrompt == "" {
		basePrompt = DefaultSystemPrompt
	}
	return &Assembler{src: src, base: basePrompt}
}

// Assemble loads a conversation and returns the system prompt plus the
// projected transcript, ready for a model call.
func (a *Assembler) Assemble(conversationID string) (string, []llm.Message, error) {
	memories, err := a.src.ListMemories(conversationID)
	if err != nil {
		return "", nil, fmt.Errorf("load memories: %w", err)
	}

	messages, err := a.src.ListMessages(conversationID)
	if err != nil {
		return "", nil, fmt.Errorf("load messages: %w", err)
	}

	return SystemPrompt(a.base, memories), Project(messages), nil
}

// SystemPrompt renders the base instructions with a memory section
// appended. With no memories the base prompt is returned unchanged.
func SystemPrompt(base string, memories []store.Memory) string {
	if len(memories) == 0 {
		return base
	}

	var b strings.Builder
	b.WriteString(base)
	b.WriteString("\n\n## User Memories\n")
	b.WriteString("The following are things you've learned about the user or important facts to remember:\n")
	for i, m := range memories {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString("- ")
		b.WriteString(m.Key)
		b.WriteString(": ")
		b.WriteString(m.Value)
	}
	return b.String()
}

// Project maps stored messages onto the model transcript. Only role and
// text content survive; the serialized tool call and result records on
// assistant rows are bookkeeping and are not replayed.
func Project(messages []store.Message) []llm.Message {
	out := make([]llm.Message, 0, len(messages))
	for _, m := range messages {
		out = append(out, llm.Message{Role: m.Role, Content: m.Content})
	}
	return out
}
