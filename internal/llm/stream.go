package llm

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// Stream decodes the Messages API SSE wire format into Events. It is
// pull-based: nothing is read from the connection until Next is called.
type Stream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	logger  *slog.Logger

	cur    Event
	err    error
	closed bool

	// in-progress tool_use block
	currentTool *ToolCall
	jsonBuf     strings.Builder

	inputTokens int
}

func newStream(body io.ReadCloser, logger *slog.Logger) *Stream {
	scanner := bufio.NewScanner(body)
	// Large enough for full tool input deltas on one line.
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	return &Stream{
		body:    body,
		scanner: scanner,
		logger:  logger,
	}
}

// Next advances to the next event. It returns false when the stream is
// exhausted or failed; check Err afterwards.
func (s *Stream) Next() bool {
	if s.err != nil || s.closed {
		return false
	}

	for s.scanner.Scan() {
		line := s.scanner.Text()

		// SSE frames: "event: <type>" then "data: <json>".
		if !strings.HasPrefix(line, "data: ") {
			continue
		}

		data := strings.TrimSpace(strings.TrimPrefix(line, "data: "))
		if data == "[DONE]" {
			return false
		}

		var event anthropicStreamEvent
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			continue // skip malformed frames
		}

		if done, emit := s.handle(&event); emit {
			return true
		} else if done {
			return false
		}
	}

	if err := s.scanner.Err(); err != nil {
		s.err = fmt.Errorf("read stream: %w", err)
	}
	return false
}

// handle processes one wire event. It returns (done, emit): emit means
// s.cur now holds an Event for the caller; done means the stream ended.
func (s *Stream) handle(event *anthropicStreamEvent) (bool, bool) {
	switch event.Type {
	case "error":
		msg := "stream error"
		if event.Error != nil {
			msg = event.Error.Message
		}
		s.err = fmt.Errorf("anthropic stream: %s", msg)
		return true, false

	case "message_start":
		if event.Message != nil {
			s.inputTokens = event.Message.Usage.InputTokens
		}

	case "content_block_start":
		if event.ContentBlock != nil && event.ContentBlock.Type == "tool_use" {
			s.currentTool = &ToolCall{
				ID:   event.ContentBlock.ID,
				Name: event.ContentBlock.Name,
			}
			s.jsonBuf.Reset()
			s.cur = Event{Kind: KindToolStart, ToolCall: &ToolCall{
				ID:   s.currentTool.ID,
				Name: s.currentTool.Name,
			}}
			return false, true
		}

	case "content_block_delta":
		if event.Delta == nil {
			break
		}
		switch event.Delta.Type {
		case "text_delta":
			s.cur = Event{Kind: KindText, Text: event.Delta.Text}
			return false, true
		case "input_json_delta":
			s.jsonBuf.WriteString(event.Delta.PartialJSON)
		}

	case "content_block_stop":
		if s.currentTool != nil {
			input := map[string]any{}
			if s.jsonBuf.Len() > 0 {
				if err := json.Unmarshal([]byte(s.jsonBuf.String()), &input); err != nil {
					input = map[string]any{"_raw": s.jsonBuf.String()}
				}
			}
			tc := &ToolCall{ID: s.currentTool.ID, Name: s.currentTool.Name, Input: input}
			s.currentTool = nil
			s.cur = Event{Kind: KindToolUse, ToolCall: tc}
			return false, true
		}

	case "message_delta":
		stopReason := ""
		if event.Delta != nil {
			stopReason = event.Delta.StopReason
		}
		outputTokens := 0
		if event.Usage != nil {
			outputTokens = event.Usage.OutputTokens
		}
		if stopReason != "" {
			s.cur = Event{
				Kind:         KindStop,
				StopReason:   stopReason,
				InputTokens:  s.inputTokens,
				OutputTokens: outputTokens,
			}
			return false, true
		}

	case "message_stop":
		return true, false
	}

	return false, false
}

// Event returns the event produced by the last successful Next.
func (s *Stream) Event() Event {
	return s.cur
}

// Err returns the first error encountered, if any.
func (s *Stream) Err() error {
	return s.err
}

// Close releases the underlying connection. Safe to call at any point;
// closing before exhaustion abandons the response.
func (s *Stream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.body.Close()
}
