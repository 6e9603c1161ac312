package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// sseBody joins SSE data frames the way the Messages API emits them.
func sseBody(frames ...string) string {
	var b strings.Builder
	for _, f := range frames {
		b.WriteString("data: ")
		b.WriteString(f)
		b.WriteString("\n\n")
	}
	return b.String()
}

func newTestClient(t *testing.T, handler http.HandlerFunc) (*AnthropicClient, func()) {
	t.Helper()
	srv := httptest.NewServer(handler)
	c := NewAnthropicClient("test-key", "test-model", 1024, nil)
	c.httpClient = srv.Client()
	// Point the client at the test server by rewriting the URL through
	// a transport hook.
	c.httpClient.Transport = rewriteHost(srv.URL, srv.Client().Transport)
	return c, srv.Close
}

type hostRewriter struct {
	target string
	base   http.RoundTripper
}

func rewriteHost(target string, base http.RoundTripper) http.RoundTripper {
	return &hostRewriter{target: target, base: base}
}

func (h *hostRewriter) RoundTrip(req *http.Request) (*http.Response, error) {
	r := req.Clone(req.Context())
	r.URL.Scheme = "http"
	r.URL.Host = strings.TrimPrefix(h.target, "http://")
	return h.base.RoundTrip(r)
}

func TestStreamEventSequence(t *testing.T) {
	body := sseBody(
		`{"type":"message_start","message":{"model":"test-model","usage":{"input_tokens":42}}}`,
		`{"type":"content_block_start","index":0,"content_block":{"type":"text"}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hel"}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"lo"}}`,
		`{"type":"content_block_stop","index":0}`,
		`{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"toolu_1","name":"recall"}}`,
		`{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"key\":"}}`,
		`{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"\"color\"}"}}`,
		`{"type":"content_block_stop","index":1}`,
		`{"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":17}}`,
		`{"type":"message_stop"}`,
	)

	c, done := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != "test-key" {
			t.Errorf("missing x-api-key header")
		}
		if r.Header.Get("anthropic-version") == "" {
			t.Errorf("missing anthropic-version header")
		}
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, body)
	})
	defer done()

	stream, err := c.Stream(context.Background(), Request{
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	defer stream.Close()

	var events []Event
	for stream.Next() {
		events = append(events, stream.Event())
	}
	if err := stream.Err(); err != nil {
		t.Fatalf("stream error: %v", err)
	}

	wantKinds := []EventKind{KindText, KindText, KindToolStart, KindToolUse, KindStop}
	if len(events) != len(wantKinds) {
		t.Fatalf("got %d events, want %d: %+v", len(events), len(wantKinds), events)
	}
	for i, k := range wantKinds {
		if events[i].Kind != k {
			t.Errorf("event[%d].Kind = %v, want %v", i, events[i].Kind, k)
		}
	}

	if events[0].Text+events[1].Text != "Hello" {
		t.Errorf("text = %q, want Hello", events[0].Text+events[1].Text)
	}

	start := events[2].ToolCall
	if start.ID != "toolu_1" || start.Name != "recall" {
		t.Errorf("tool start = %+v", start)
	}

	use := events[3].ToolCall
	if use.Input["key"] != "color" {
		t.Errorf("tool input = %v, want key=color", use.Input)
	}

	stop := events[4]
	if stop.StopReason != "tool_use" || stop.InputTokens != 42 || stop.OutputTokens != 17 {
		t.Errorf("stop event = %+v", stop)
	}
}

func TestStreamSkipsMalformedFrames(t *testing.T) {
	body := sseBody(
		`{not json`,
		`{"type":"content_block_delta","delta":{"type":"text_delta","text":"ok"}}`,
		`{"type":"message_delta","delta":{"stop_reason":"end_turn"}}`,
		`{"type":"message_stop"}`,
	)

	c, done := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, body)
	})
	defer done()

	stream, err := c.Stream(context.Background(), Request{})
	if err != nil {
		t.Fatal(err)
	}
	defer stream.Close()

	var texts []string
	for stream.Next() {
		if e := stream.Event(); e.Kind == KindText {
			texts = append(texts, e.Text)
		}
	}
	if stream.Err() != nil {
		t.Fatalf("stream error: %v", stream.Err())
	}
	if len(texts) != 1 || texts[0] != "ok" {
		t.Errorf("texts = %v", texts)
	}
}

func TestStreamErrorEvent(t *testing.T) {
	body := sseBody(
		`{"type":"content_block_delta","delta":{"type":"text_delta","text":"partial"}}`,
		`{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`,
	)

	c, done := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, body)
	})
	defer done()

	stream, err := c.Stream(context.Background(), Request{})
	if err != nil {
		t.Fatal(err)
	}
	defer stream.Close()

	for stream.Next() {
	}
	if stream.Err() == nil {
		t.Fatal("expected stream error")
	}
	if !strings.Contains(stream.Err().Error(), "Overloaded") {
		t.Errorf("error = %v", stream.Err())
	}
}

func TestStreamHTTPError(t *testing.T) {
	c, done := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		io.WriteString(w, `{"error":{"message":"rate limited"}}`)
	})
	defer done()

	_, err := c.Stream(context.Background(), Request{})
	if err == nil {
		t.Fatal("expected error for 429")
	}
	if !strings.Contains(err.Error(), "429") {
		t.Errorf("error = %v", err)
	}
}

func TestChatNonStreaming(t *testing.T) {
	c, done := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req anthropicRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Stream {
			t.Error("Chat set stream=true")
		}
		if req.Model != "test-model" || req.MaxTokens != 1024 {
			t.Errorf("model=%q max_tokens=%d", req.Model, req.MaxTokens)
		}
		fmt.Fprint(w, `{
			"model": "test-model",
			"role": "assistant",
			"content": [
				{"type":"text","text":"Hi "},
				{"type":"text","text":"there"},
				{"type":"tool_use","id":"toolu_9","name":"remember","input":{"key":"k","value":"v"}}
			],
			"stop_reason": "tool_use",
			"usage": {"input_tokens": 10, "output_tokens": 5}
		}`)
	})
	defer done()

	resp, err := c.Chat(context.Background(), Request{
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}

	if resp.Content != "Hi there" {
		t.Errorf("content = %q", resp.Content)
	}
	if resp.StopReason != "tool_use" {
		t.Errorf("stop_reason = %q", resp.StopReason)
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].Name != "remember" {
		t.Fatalf("tool calls = %+v", resp.ToolCalls)
	}
	if resp.ToolCalls[0].Input["value"] != "v" {
		t.Errorf("tool input = %v", resp.ToolCalls[0].Input)
	}
}

func TestConvertMessagesToolRound(t *testing.T) {
	msgs := []Message{
		{Role: "user", Content: "what's my color?"},
		{Role: "assistant", Content: "Checking.", ToolCalls: []ToolCall{
			{ID: "toolu_1", Name: "recall", Input: map[string]any{"key": "color"}},
			{ID: "toolu_2", Name: "recall", Input: map[string]any{"key": "city"}},
		}},
		{Role: "user", ToolResults: []ToolResult{
			{ToolUseID: "toolu_1", Content: `{"success":true,"value":"blue"}`},
			{ToolUseID: "toolu_2", Content: `{"success":false}`},
		}},
	}

	wire := convertMessages(msgs)
	if len(wire) != 3 {
		t.Fatalf("got %d wire messages, want 3", len(wire))
	}

	if wire[0].Content != "what's my color?" {
		t.Errorf("plain user message not a string: %v", wire[0].Content)
	}

	blocks, ok := wire[1].Content.([]anthropicContent)
	if !ok {
		t.Fatalf("assistant content not blocks: %T", wire[1].Content)
	}
	if len(blocks) != 3 || blocks[0].Type != "text" || blocks[1].Type != "tool_use" {
		t.Fatalf("assistant blocks = %+v", blocks)
	}
	if blocks[2].ID != "toolu_2" {
		t.Errorf("second tool_use id = %q", blocks[2].ID)
	}

	// Both results travel in one user message.
	results, ok := wire[2].Content.([]anthropicContent)
	if !ok {
		t.Fatalf("results content not blocks: %T", wire[2].Content)
	}
	if wire[2].Role != "user" {
		t.Errorf("results role = %q, want user", wire[2].Role)
	}
	if len(results) != 2 || results[0].ToolUseID != "toolu_1" || results[1].ToolUseID != "toolu_2" {
		t.Errorf("result blocks = %+v", results)
	}
}

func TestConvertToolsDefaultsSchema(t *testing.T) {
	out := convertTools([]Tool{{Name: "noop"}})
	if len(out) != 1 {
		t.Fatalf("got %d tools", len(out))
	}
	schema, ok := out[0].InputSchema.(map[string]any)
	if !ok || schema["type"] != "object" {
		t.Errorf("default schema = %v", out[0].InputSchema)
	}
}
