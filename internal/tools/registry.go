// Package tools defines the tools available to the assistant and the
// registry that validates and dispatches tool calls.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nugget/taurus/internal/llm"
)

// Handler executes a tool call. Results are any JSON-marshalable
// value; errors are converted to structured failures by Execute and
// never abort a turn.
type Handler func(ctx context.Context, conversationID string, args map[string]any) (any, error)

// Tool is a callable tool with its model-facing descriptor.
type Tool struct {
	Name        string
	Description string
	InputSchema map[string]any
	Handler     Handler
}

// Registry holds the available tools in registration order.
type Registry struct {
	tools  map[string]*Tool
	order  []string
	logger *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		tools:  make(map[string]*Tool),
		logger: logger,
	}
}

// Register adds a tool. Re-registering a name replaces the handler but
// keeps its position.
func (r *Registry) Register(t *Tool) {
	if _, exists := r.tools[t.Name]; !exists {
		r.order = append(r.order, t.Name)
	}
	r.tools[t.Name] = t
}

// Get retrieves a tool by name, or nil.
func (r *Registry) Get(name string) *Tool {
	return r.tools[name]
}

// Descriptors returns every tool in the form the model backend expects,
// in registration order.
func (r *Registry) Descriptors() []llm.Tool {
	result := make([]llm.Tool, 0, len(r.order))
	for _, name := range r.order {
		t := r.tools[name]
		result = append(result, llm.Tool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}
	return result
}

// Execute runs a tool call and returns the result serialized as JSON.
// All failure modes — unknown tool, invalid arguments, handler error —
// come back as {"success":false,...} payloads so the model can react;
// Execute itself never fails.
func (r *Registry) Execute(ctx context.Context, conversationID, name string, args map[string]any) string {
	tool := r.tools[name]
	if tool == nil {
		return failure(fmt.Sprintf("Unknown tool: %s", name))
	}

	if err := validateArgs(tool.InputSchema, args); err != nil {
		r.logger.Warn("tool arguments rejected", "tool", name, "error", err)
		return failure(err.Error())
	}

	result, err := tool.Handler(ctx, conversationID, args)
	if err != nil {
		r.logger.Warn("tool failed", "tool", name, "error", err)
		return failure(err.Error())
	}

	encoded, err := json.Marshal(result)
	if err != nil {
		r.logger.Error("tool result not serializable", "tool", name, "error", err)
		return failure(fmt.Sprintf("serialize result: %v", err))
	}
	return string(encoded)
}

func failure(msg string) string {
	encoded, _ := json.Marshal(map[string]any{
		"success": false,
		"error":   msg,
	})
	return string(encoded)
}

// validateArgs checks required fields and primitive types against the
// tool's input schema before the handler runs.
func validateArgs(schema, args map[string]any) error {
	if schema == nil {
		return nil
	}

	required, _ := schema["required"].([]string)
	if required == nil {
		// Schemas round-tripped through JSON carry []any.
		if raw, ok := schema["required"].([]any); ok {
			for _, r := range raw {
				if s, ok := r.(string); ok {
					required = append(required, s)
				}
			}
		}
	}
	for _, field := range required {
		if _, ok := args[field]; !ok {
			return fmt.Errorf("missing required argument: %s", field)
		}
	}

	properties, _ := schema["properties"].(map[string]any)
	for field, value := range args {
		prop, ok := properties[field].(map[string]any)
		if !ok {
			continue
		}
		declared, _ := prop["type"].(string)
		if declared == "" || value == nil {
			continue
		}
		if !typeMatches(declared, value) {
			return fmt.Errorf("argument %s: expected %s", field, declared)
		}
	}

	return nil
}

func typeMatches(declared string, value any) bool {
	switch declared {
	case "string":
		_, ok := value.(string)
		return ok
	case "number", "integer":
		_, ok := value.(float64)
		if !ok {
			_, ok = value.(int)
		}
		return ok
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "object":
		_, ok := value.(map[string]any)
		return ok
	case "array":
		_, ok := value.([]any)
		return ok
	}
	return true
}
