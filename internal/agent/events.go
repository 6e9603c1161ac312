package agent

import "encoding/json"

// Event is one item in a turn's outward event stream. The JSON shape
// is the chat wire protocol: clients switch on Type.
//
//	{"type":"text","content":"..."}
//	{"type":"tool_start","name":"..."}
//	{"type":"tool_executing","name":"...","input":{...}}
//	{"type":"tool_result","name":"...","result":{...}}
//	{"type":"done"}
//	{"type":"error","error":"..."}
type Event struct {
	Type    string          `json:"type"`
	Content string          `json:"content,omitempty"`
	Name    string          `json:"name,omitempty"`
	Input   map[string]any  `json:"input,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Event type tags.
const (
	EventText          = "text"
	EventToolStart     = "tool_start"
	EventToolExecuting = "tool_executing"
	EventToolResult    = "tool_result"
	EventDone          = "done"
	EventError         = "error"
)

func textEvent(content string) Event {
	return Event{Type: EventText, Content: content}
}

func toolStartEvent(name string) Event {
	return Event{Type: EventToolStart, Name: name}
}

func toolExecutingEvent(name string, input map[string]any) Event {
	return Event{Type: EventToolExecuting, Name: name, Input: input}
}

func toolResultEvent(name string, result string) Event {
	return Event{Type: EventToolResult, Name: name, Result: json.RawMessage(result)}
}

func doneEvent() Event {
	return Event{Type: EventDone}
}

func errorEvent(msg string) Event {
	return Event{Type: EventError, Error: msg}
}
