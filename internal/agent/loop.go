// Package agent implements the orchestration loop: one user message in,
// a stream of events out, with bounded tool rounds in between.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nugget/taurus/internal/history"
	"github.com/nugget/taurus/internal/llm"
	"github.com/nugget/taurus/internal/store"
	"github.com/nugget/taurus/internal/tools"
)

// Config tunes a Loop.
type Config struct {
	// MaxToolRounds bounds how many tool rounds one turn may perform.
	// Exceeding it fails the turn. Zero means the default of 3.
	MaxToolRounds int

	// LLMTimeout bounds each model call. Zero means 300s.
	LLMTimeout time.Duration

	// ToolTimeout bounds each tool execution. Zero means 60s.
	ToolTimeout time.Duration
}

// Loop drives turns: persist the user message, call the model, run
// requested tools, feed results back, and persist the final answer.
type Loop struct {
	store    *store.Store
	history  *history.Assembler
	registry *tools.Registry
	backend  llm.Streamer
	logger   *slog.Logger

	maxToolRounds int
	llmTimeout    time.Duration
	toolTimeout   time.Duration
}

// New creates a Loop.
func New(st *store.Store, hist *history.Assembler, reg *tools.Registry, backend llm.Streamer, logger *slog.Logger, cfg Config) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxToolRounds <= 0 {
		cfg.MaxToolRounds = 3
	}
	if cfg.LLMTimeout <= 0 {
		cfg.LLMTimeout = 300 * time.Second
	}
	if cfg.ToolTimeout <= 0 {
		cfg.ToolTimeout = 60 * time.Second
	}

	return &Loop{
		store:         st,
		history:       hist,
		registry:      reg,
		backend:       backend,
		logger:        logger,
		maxToolRounds: cfg.MaxToolRounds,
		llmTimeout:    cfg.LLMTimeout,
		toolTimeout:   cfg.ToolTimeout,
	}
}

// RunTurn runs one turn. The returned channel carries the turn's
// events and is closed after exactly one terminal event (done or
// error). Cancelling ctx abandons emission; tools already started run
// to completion on a detached context.
func (l *Loop) RunTurn(ctx context.Context, conversationID, userText string) <-chan Event {
	ch := make(chan Event, 16)
	go func() {
		defer close(ch)
		l.runTurn(ctx, conversationID, userText, ch)
	}()
	return ch
}

// Chat runs a turn and blocks until it finishes, returning the full
// assistant text. Tool activity is not surfaced.
func (l *Loop) Chat(ctx context.Context, conversationID, userText string) (string, error) {
	var b strings.Builder
	for ev := range l.RunTurn(ctx, conversationID, userText) {
		switch ev.Type {
		case EventText:
			b.WriteString(ev.Content)
		case EventError:
			return "", fmt.Errorf("%s", ev.Error)
		}
	}
	return b.String(), nil
}

// emitter delivers events until the consumer goes away, then drops
// them silently so the turn can still finish its side effects.
type emitter struct {
	ctx       context.Context
	ch        chan<- Event
	abandoned bool
}

func (e *emitter) send(ev Event) {
	if e.abandoned {
		return
	}
	select {
	case e.ch <- ev:
	case <-e.ctx.Done():
		e.abandoned = true
	}
}

func (l *Loop) runTurn(ctx context.Context, conversationID, userText string, ch chan<- Event) {
	emit := &emitter{ctx: ctx, ch: ch}
	logger := l.logger.With("conversation", conversationID)
	start := time.Now()

	if err := l.store.EnsureConversation(conversationID); err != nil {
		logger.Error("ensure conversation failed", "error", err)
		emit.send(errorEvent(err.Error()))
		return
	}

	// The user message is committed before the model is consulted and
	// stays committed whatever happens after.
	if _, err := l.store.AppendMessage(conversationID, "user", userText, "", ""); err != nil {
		logger.Error("persist user message failed", "error", err)
		emit.send(errorEvent(err.Error()))
		return
	}

	system, messages, err := l.history.Assemble(conversationID)
	if err != nil {
		logger.Error("assemble history failed", "error", err)
		emit.send(errorEvent(err.Error()))
		return
	}

	descriptors := l.registry.Descriptors()

	var (
		fullText    strings.Builder
		savedCalls  []llm.ToolCall
		savedResult []llm.ToolResult
	)

	for round := 0; ; round++ {
		stopReason, roundText, pending, err := l.streamModel(ctx, llm.Request{
			System:   system,
			Messages: messages,
			Tools:    descriptors,
		}, &fullText, emit)
		if err != nil {
			logger.Error("model call failed", "round", round, "error", err)
			emit.send(errorEvent(err.Error()))
			return
		}

		if stopReason != "tool_use" || len(pending) == 0 {
			break
		}

		if round+1 > l.maxToolRounds {
			logger.Warn("tool round limit exceeded", "limit", l.maxToolRounds)
			emit.send(errorEvent(fmt.Sprintf("tool round limit exceeded (%d)", l.maxToolRounds)))
			return
		}

		logger.Debug("executing tool round", "round", round+1, "calls", len(pending))
		results := l.executeTools(ctx, conversationID, pending, emit)

		savedCalls = append(savedCalls, pending...)
		savedResult = append(savedResult, results...)

		// Extend the transcript with the model's raw turn and the
		// results so the continuation sees the whole exchange.
		messages = append(messages,
			llm.Message{Role: "assistant", Content: roundText, ToolCalls: pending},
			llm.Message{Role: "user", ToolResults: results},
		)
	}

	// Persisted only on clean completion. The serialized tool records
	// ride along on the assistant row for audit, not replay.
	callsJSON, resultsJSON := serializeToolRecords(savedCalls, savedResult)
	if _, err := l.store.AppendMessage(conversationID, "assistant", fullText.String(), callsJSON, resultsJSON); err != nil {
		logger.Error("persist assistant message failed", "error", err)
		emit.send(errorEvent(err.Error()))
		return
	}

	logger.Info("turn complete",
		"duration", time.Since(start).Round(time.Millisecond),
		"chars", fullText.Len(),
		"tool_calls", len(savedCalls),
	)
	emit.send(doneEvent())
}

// streamModel performs one model call, forwarding text as it arrives
// and collecting completed tool calls. It returns the stop reason,
// the text streamed during this call, and the pending calls.
func (l *Loop) streamModel(ctx context.Context, req llm.Request, fullText *strings.Builder, emit *emitter) (string, string, []llm.ToolCall, error) {
	callCtx, cancel := context.WithTimeout(ctx, l.llmTimeout)
	defer cancel()

	stream, err := l.backend.Stream(callCtx, req)
	if err != nil {
		return "", "", nil, err
	}
	defer stream.Close()

	var (
		stopReason string
		roundText  strings.Builder
		pending    []llm.ToolCall
	)

	for stream.Next() {
		ev := stream.Event()
		switch ev.Kind {
		case llm.KindText:
			roundText.WriteString(ev.Text)
			fullText.WriteString(ev.Text)
			emit.send(textEvent(ev.Text))
		case llm.KindToolStart:
			emit.send(toolStartEvent(ev.ToolCall.Name))
		case llm.KindToolUse:
			pending = append(pending, *ev.ToolCall)
		case llm.KindStop:
			stopReason = ev.StopReason
		}
	}
	if err := stream.Err(); err != nil {
		return "", "", nil, err
	}

	return stopReason, roundText.String(), pending, nil
}

// executeTools runs a round's calls concurrently, then emits the
// executing/result event pairs in the order the model queued the
// calls. Execution is detached from the turn context so a client
// disconnect cannot leave a tool half-done.
func (l *Loop) executeTools(ctx context.Context, conversationID string, calls []llm.ToolCall, emit *emitter) []llm.ToolResult {
	outputs := make([]string, len(calls))

	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(i int, call llm.ToolCall) {
			defer wg.Done()
			toolCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.toolTimeout)
			defer cancel()
			outputs[i] = l.registry.Execute(toolCtx, conversationID, call.Name, call.Input)
		}(i, call)
	}
	wg.Wait()

	results := make([]llm.ToolResult, len(calls))
	for i, call := range calls {
		emit.send(toolExecutingEvent(call.Name, call.Input))
		emit.send(toolResultEvent(call.Name, outputs[i]))
		results[i] = llm.ToolResult{ToolUseID: call.ID, Content: outputs[i]}
	}
	return results
}

func serializeToolRecords(calls []llm.ToolCall, results []llm.ToolResult) (string, string) {
	if len(calls) == 0 {
		return "", ""
	}
	callsJSON, err := json.Marshal(calls)
	if err != nil {
		callsJSON = []byte("[]")
	}
	resultsJSON, err := json.Marshal(results)
	if err != nil {
		resultsJSON = []byte("[]")
	}
	return string(callsJSON), string(resultsJSON)
}
