package agent

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nugget/taurus/internal/history"
	"github.com/nugget/taurus/internal/llm"
	"github.com/nugget/taurus/internal/store"
	"github.com/nugget/taurus/internal/tools"
)

// scriptedStream replays a fixed event sequence, optionally ending in
// an error.
type scriptedStream struct {
	events []llm.Event
	err    error
	pos    int
}

func (s *scriptedStream) Next() bool {
	if s.pos >= len(s.events) {
		return false
	}
	s.pos++
	return true
}

func (s *scriptedStream) Event() llm.Event { return s.events[s.pos-1] }
func (s *scriptedStream) Err() error {
	if s.pos >= len(s.events) {
		return s.err
	}
	return nil
}
func (s *scriptedStream) Close() error { return nil }

// fakeBackend hands out scripted streams in order and records each
// request it saw.
type fakeBackend struct {
	streams  []*scriptedStream
	requests []llm.Request
	err      error
}

func (f *fakeBackend) Stream(_ context.Context, req llm.Request) (llm.EventStream, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.requests = append(f.requests, req)
	if len(f.streams) == 0 {
		return &scriptedStream{}, nil
	}
	s := f.streams[0]
	f.streams = f.streams[1:]
	return s, nil
}

func textEv(s string) llm.Event { return llm.Event{Kind: llm.KindText, Text: s} }
func stopEv(reason string) llm.Event {
	return llm.Event{Kind: llm.KindStop, StopReason: reason}
}
func toolStartEv(id, name string) llm.Event {
	return llm.Event{Kind: llm.KindToolStart, ToolCall: &llm.ToolCall{ID: id, Name: name}}
}
func toolUseEv(id, name string, input map[string]any) llm.Event {
	return llm.Event{Kind: llm.KindToolUse, ToolCall: &llm.ToolCall{ID: id, Name: name, Input: input}}
}

func newTestLoop(t *testing.T, backend llm.Streamer, reg *tools.Registry, cfg Config) (*Loop, *store.Store) {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "taurus.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })

	if reg == nil {
		reg = tools.NewRegistry(nil)
	}
	hist := history.New(s, "Base prompt.")
	return New(s, hist, reg, backend, nil, cfg), s
}

func collect(t *testing.T, ch <-chan Event) []Event {
	t.Helper()
	var events []Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatalf("turn did not finish; events so far: %+v", events)
		}
	}
}

func types(events []Event) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.Type
	}
	return out
}

func TestPlainTextTurn(t *testing.T) {
	backend := &fakeBackend{streams: []*scriptedStream{
		{events: []llm.Event{textEv("Hel"), textEv("lo"), stopEv("end_turn")}},
	}}
	loop, s := newTestLoop(t, backend, nil, Config{})

	events := collect(t, loop.RunTurn(context.Background(), "conv-1", "hi"))

	want := []string{EventText, EventText, EventDone}
	if got := types(events); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("event types = %v, want %v", got, want)
	}
	if events[0].Content+events[1].Content != "Hello" {
		t.Errorf("text = %q", events[0].Content+events[1].Content)
	}

	msgs, err := s.ListMessages("conv-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("persisted %d messages, want 2", len(msgs))
	}
	if msgs[0].Role != "user" || msgs[0].Content != "hi" {
		t.Errorf("user row = %+v", msgs[0])
	}
	if msgs[1].Role != "assistant" || msgs[1].Content != "Hello" {
		t.Errorf("assistant row = %+v", msgs[1])
	}
	if msgs[1].ToolCalls != "" {
		t.Errorf("tool-free turn persisted tool calls: %q", msgs[1].ToolCalls)
	}
}

func TestToolRoundTurn(t *testing.T) {
	backend := &fakeBackend{streams: []*scriptedStream{
		{events: []llm.Event{
			textEv("Checking. "),
			toolStartEv("toolu_1", "lookup"),
			toolUseEv("toolu_1", "lookup", map[string]any{"key": "color"}),
			stopEv("tool_use"),
		}},
		{events: []llm.Event{textEv("It is blue."), stopEv("end_turn")}},
	}}

	reg := tools.NewRegistry(nil)
	reg.Register(&tools.Tool{
		Name: "lookup",
		Handler: func(_ context.Context, convID string, args map[string]any) (any, error) {
			return map[string]any{"success": true, "value": "blue", "conv": convID}, nil
		},
	})

	loop, s := newTestLoop(t, backend, reg, Config{})
	events := collect(t, loop.RunTurn(context.Background(), "conv-1", "what's my color?"))

	want := []string{EventText, EventToolStart, EventToolExecuting, EventToolResult, EventText, EventDone}
	if got := types(events); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("event types = %v, want %v", got, want)
	}

	var result map[string]any
	if err := json.Unmarshal(events[3].Result, &result); err != nil {
		t.Fatalf("tool_result payload: %v", err)
	}
	if result["value"] != "blue" || result["conv"] != "conv-1" {
		t.Errorf("tool result = %v", result)
	}

	// Continuation request carries the raw tool exchange.
	if len(backend.requests) != 2 {
		t.Fatalf("backend saw %d requests, want 2", len(backend.requests))
	}
	cont := backend.requests[1].Messages
	last := cont[len(cont)-1]
	if len(last.ToolResults) != 1 || last.ToolResults[0].ToolUseID != "toolu_1" {
		t.Errorf("continuation results message = %+v", last)
	}
	prev := cont[len(cont)-2]
	if prev.Role != "assistant" || len(prev.ToolCalls) != 1 || prev.Content != "Checking. " {
		t.Errorf("continuation assistant message = %+v", prev)
	}

	msgs, _ := s.ListMessages("conv-1")
	if len(msgs) != 2 {
		t.Fatalf("persisted %d messages, want 2", len(msgs))
	}
	if msgs[1].Content != "Checking. It is blue." {
		t.Errorf("assistant content = %q", msgs[1].Content)
	}

	var savedCalls []llm.ToolCall
	if err := json.Unmarshal([]byte(msgs[1].ToolCalls), &savedCalls); err != nil {
		t.Fatalf("persisted tool_calls: %v", err)
	}
	if len(savedCalls) != 1 || savedCalls[0].Name != "lookup" {
		t.Errorf("persisted calls = %+v", savedCalls)
	}
}

func TestConcurrentToolsEmitInQueuedOrder(t *testing.T) {
	backend := &fakeBackend{streams: []*scriptedStream{
		{events: []llm.Event{
			toolStartEv("toolu_a", "slow"),
			toolUseEv("toolu_a", "slow", nil),
			toolStartEv("toolu_b", "fast"),
			toolUseEv("toolu_b", "fast", nil),
			stopEv("tool_use"),
		}},
		{events: []llm.Event{textEv("done"), stopEv("end_turn")}},
	}}

	reg := tools.NewRegistry(nil)
	reg.Register(&tools.Tool{
		Name: "slow",
		Handler: func(context.Context, string, map[string]any) (any, error) {
			time.Sleep(50 * time.Millisecond)
			return map[string]any{"success": true, "which": "slow"}, nil
		},
	})
	reg.Register(&tools.Tool{
		Name: "fast",
		Handler: func(context.Context, string, map[string]any) (any, error) {
			return map[string]any{"success": true, "which": "fast"}, nil
		},
	})

	loop, _ := newTestLoop(t, backend, reg, Config{})
	events := collect(t, loop.RunTurn(context.Background(), "conv-1", "go"))

	// The slow call was queued first; its events must come first even
	// though the fast call finished earlier.
	var order []string
	for _, ev := range events {
		if ev.Type == EventToolResult {
			order = append(order, ev.Name)
		}
	}
	if len(order) != 2 || order[0] != "slow" || order[1] != "fast" {
		t.Errorf("result order = %v", order)
	}
}

func TestMidStreamErrorDoesNotPersistAssistant(t *testing.T) {
	backend := &fakeBackend{streams: []*scriptedStream{
		{events: []llm.Event{textEv("partial")}, err: errors.New("connection reset")},
	}}
	loop, s := newTestLoop(t, backend, nil, Config{})

	events := collect(t, loop.RunTurn(context.Background(), "conv-1", "hi"))

	if got := types(events); strings.Join(got, ",") != "text,error" {
		t.Fatalf("event types = %v", got)
	}
	if !strings.Contains(events[1].Error, "connection reset") {
		t.Errorf("error = %q", events[1].Error)
	}

	// The user message survives; no assistant row is written.
	msgs, _ := s.ListMessages("conv-1")
	if len(msgs) != 1 || msgs[0].Role != "user" {
		t.Errorf("persisted rows = %+v", msgs)
	}
}

func TestBackendFailureEmitsSingleError(t *testing.T) {
	backend := &fakeBackend{err: errors.New("api down")}
	loop, _ := newTestLoop(t, backend, nil, Config{})

	events := collect(t, loop.RunTurn(context.Background(), "conv-1", "hi"))
	if len(events) != 1 || events[0].Type != EventError {
		t.Fatalf("events = %+v", events)
	}
}

func TestToolRoundLimit(t *testing.T) {
	// Every round asks for another tool; the loop must give up after
	// the configured bound instead of spinning.
	toolRound := func(id string) *scriptedStream {
		return &scriptedStream{events: []llm.Event{
			toolStartEv(id, "noop"),
			toolUseEv(id, "noop", nil),
			stopEv("tool_use"),
		}}
	}
	backend := &fakeBackend{streams: []*scriptedStream{
		toolRound("toolu_1"), toolRound("toolu_2"), toolRound("toolu_3"),
	}}

	reg := tools.NewRegistry(nil)
	reg.Register(&tools.Tool{
		Name: "noop",
		Handler: func(context.Context, string, map[string]any) (any, error) {
			return map[string]any{"success": true}, nil
		},
	})

	loop, s := newTestLoop(t, backend, reg, Config{MaxToolRounds: 2})
	events := collect(t, loop.RunTurn(context.Background(), "conv-1", "loop forever"))

	last := events[len(events)-1]
	if last.Type != EventError || !strings.Contains(last.Error, "tool round limit") {
		t.Fatalf("last event = %+v", last)
	}

	for _, ev := range events {
		if ev.Type == EventDone {
			t.Error("done emitted alongside error")
		}
	}

	msgs, _ := s.ListMessages("conv-1")
	if len(msgs) != 1 {
		t.Errorf("failed turn persisted assistant output: %+v", msgs)
	}
}

func TestChatCollectsText(t *testing.T) {
	backend := &fakeBackend{streams: []*scriptedStream{
		{events: []llm.Event{textEv("one "), textEv("two"), stopEv("end_turn")}},
	}}
	loop, _ := newTestLoop(t, backend, nil, Config{})

	out, err := loop.Chat(context.Background(), "conv-1", "hi")
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if out != "one two" {
		t.Errorf("Chat = %q", out)
	}
}

func TestChatSurfacesError(t *testing.T) {
	backend := &fakeBackend{err: errors.New("api down")}
	loop, _ := newTestLoop(t, backend, nil, Config{})

	if _, err := loop.Chat(context.Background(), "conv-1", "hi"); err == nil {
		t.Fatal("Chat returned nil error")
	}
}

func TestSystemPromptIncludesMemories(t *testing.T) {
	backend := &fakeBackend{streams: []*scriptedStream{
		{events: []llm.Event{textEv("ok"), stopEv("end_turn")}},
	}}
	loop, s := newTestLoop(t, backend, nil, Config{})

	if err := s.EnsureConversation("conv-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.UpsertMemory("conv-1", "name", "Sam"); err != nil {
		t.Fatal(err)
	}

	collect(t, loop.RunTurn(context.Background(), "conv-1", "hi"))

	if len(backend.requests) != 1 {
		t.Fatalf("requests = %d", len(backend.requests))
	}
	if !strings.Contains(backend.requests[0].System, "- name: Sam") {
		t.Errorf("system prompt missing memory:\n%s", backend.requests[0].System)
	}
}
