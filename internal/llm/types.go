// Package llm provides the Anthropic Messages API client used by the
// orchestration loop.
package llm

import (
	"context"
	"log/slog"
)

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = slog.Level(-8)

// Message is one turn in the model transcript. Assistant messages that
// requested tools carry ToolCalls; the following user message carries
// the matching ToolResults.
type Message struct {
	Role        string       `json:"role"`
	Content     string       `json:"content"`
	ToolCalls   []ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []ToolResult `json:"tool_results,omitempty"`
}

// ToolCall is a complete tool invocation requested by the model.
type ToolCall struct {
	// ID is the provider-assigned tool_use id; results must echo it
	// back so the model can correlate them.
	ID    string         `json:"id"`
	Name  string         `json:"name"`
	Input map[string]any `json:"input"`
}

// ToolResult carries the outcome of one tool call back to the model.
type ToolResult struct {
	ToolUseID string `json:"tool_use_id"`
	Content   string `json:"content"`
}

// Tool describes a tool the model may call, in the Messages API
// input_schema format.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema"`
}

// Request is one model call: a system prompt, the transcript so far,
// and the tools on offer.
type Request struct {
	System   string
	Messages []Message
	Tools    []Tool
}

// Response is the result of a non-streaming call, or the rollup of a
// fully consumed stream.
type Response struct {
	Model        string
	Content      string
	ToolCalls    []ToolCall
	StopReason   string
	InputTokens  int
	OutputTokens int
}

// EventKind identifies the type of stream event.
type EventKind int

const (
	// KindText is an incremental text fragment.
	KindText EventKind = iota

	// KindToolStart fires when the model opens a tool_use block. Only
	// the call's ID and Name are known; Input arrives later.
	KindToolStart

	// KindToolUse fires when a tool_use block closes with its full
	// arguments assembled.
	KindToolUse

	// KindStop carries the final stop reason and usage totals.
	KindStop
)

// Event is a single item pulled from an EventStream.
type Event struct {
	Kind EventKind

	// Text is set for KindText events.
	Text string

	// ToolCall is set for KindToolStart (ID and Name only) and
	// KindToolUse (complete) events.
	ToolCall *ToolCall

	// StopReason and token counts are set for KindStop events.
	StopReason   string
	InputTokens  int
	OutputTokens int
}

// EventStream is a pull-based stream of model events. Callers loop on
// Next, read Event, then check Err once Next returns false. Close
// releases the underlying connection and is safe to call early.
type EventStream interface {
	Next() bool
	Event() Event
	Err() error
	Close() error
}

// Streamer is the model backend the orchestration loop talks to.
type Streamer interface {
	Stream(ctx context.Context, req Request) (EventStream, error)
}
