package tools

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nugget/taurus/internal/apicall"
	"github.com/nugget/taurus/internal/datastore"
	"github.com/nugget/taurus/internal/fetch"
	"github.com/nugget/taurus/internal/store"
)

// Deps are the backends the built-in tools operate on.
type Deps struct {
	Store   *store.Store
	Data    *datastore.Store
	Fetcher *fetch.Fetcher
	Caller  *apicall.Caller
	Logger  *slog.Logger
}

// NewBuiltinRegistry creates a registry with the full built-in tool set.
func NewBuiltinRegistry(deps Deps) *Registry {
	r := NewRegistry(deps.Logger)

	r.Register(&Tool{
		Name:        "browse_web",
		Description: "Fetch and read the content of a web page. Use this to gather information from websites.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"url": map[string]any{
					"type":        "string",
					"description": "The URL of the web page to fetch",
				},
			},
			"required": []string{"url"},
		},
		Handler: func(ctx context.Context, _ string, args map[string]any) (any, error) {
			url, _ := args["url"].(string)
			return deps.Fetcher.Fetch(ctx, url), nil
		},
	})

	r.Register(&Tool{
		Name:        "read_uploaded_file",
		Description: "Read the content of a previously uploaded file. The file must have been uploaded in this conversation.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"file_id": map[string]any{
					"type":        "string",
					"description": "The ID of the uploaded file to read",
				},
			},
			"required": []string{"file_id"},
		},
		Handler: func(_ context.Context, conversationID string, args map[string]any) (any, error) {
			fileID, _ := args["file_id"].(string)
			f, err := deps.Store.GetFile(fileID, conversationID)
			if err != nil {
				return nil, err
			}
			if f == nil {
				return map[string]any{"success": false, "error": "File not found"}, nil
			}
			return map[string]any{
				"success":  true,
				"filename": f.Filename,
				"mimetype": f.Mimetype,
				"content":  f.Content,
			}, nil
		},
	})

	r.Register(&Tool{
		Name:        "store_data",
		Description: "Store a key-value pair in the database for later retrieval. Use this to remember information across conversations.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"key": map[string]any{
					"type":        "string",
					"description": "The key to store the data under",
				},
				"value": map[string]any{
					"type":        "string",
					"description": "The value to store (can be JSON for complex data)",
				},
			},
			"required": []string{"key", "value"},
		},
		Handler: func(_ context.Context, conversationID string, args map[string]any) (any, error) {
			key, _ := args["key"].(string)
			value, _ := args["value"].(string)
			if err := deps.Data.Set(conversationID, key, value); err != nil {
				return nil, err
			}
			return map[string]any{"success": true, "rows_affected": 1}, nil
		},
	})

	r.Register(&Tool{
		Name:        "retrieve_data",
		Description: "Retrieve stored data from the database by key. If no key provided, returns all stored data.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"key": map[string]any{
					"type":        "string",
					"description": "The key to retrieve data for (optional, omit to get all data)",
				},
			},
			"required": []string{},
		},
		Handler: func(_ context.Context, conversationID string, args map[string]any) (any, error) {
			key, _ := args["key"].(string)
			if key == "" {
				kvs, err := deps.Data.List(conversationID)
				if err != nil {
					return nil, err
				}
				return map[string]any{"success": true, "data": kvs}, nil
			}

			value, found, err := deps.Data.Get(conversationID, key)
			if err != nil {
				return nil, err
			}
			data := []datastore.KV{}
			if found {
				data = append(data, datastore.KV{Key: key, Value: value})
			}
			return map[string]any{"success": true, "data": data}, nil
		},
	})

	r.Register(&Tool{
		Name:        "query_database",
		Description: "Run a SQL query against the user_data table. SELECT is always allowed; INSERT, UPDATE, and DELETE must target user_data.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{
					"type":        "string",
					"description": "The SQL query to execute",
				},
			},
			"required": []string{"query"},
		},
		Handler: func(_ context.Context, _ string, args map[string]any) (any, error) {
			query, _ := args["query"].(string)
			res, err := deps.Data.Query(query)
			if err != nil {
				return nil, err
			}
			return map[string]any{
				"success":       true,
				"rows":          res.Rows,
				"rows_affected": res.RowsAffected,
			}, nil
		},
	})

	r.Register(&Tool{
		Name:        "api_call",
		Description: "Make an HTTP request to an external API. Supports GET, POST, PUT, PATCH, DELETE methods.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"url": map[string]any{
					"type":        "string",
					"description": "The full URL to make the request to",
				},
				"method": map[string]any{
					"type":        "string",
					"enum":        []string{"GET", "POST", "PUT", "PATCH", "DELETE"},
					"description": "The HTTP method to use (default: GET)",
				},
				"headers": map[string]any{
					"type":        "object",
					"description": "Optional headers to include in the request",
				},
				"body": map[string]any{
					"type":        "object",
					"description": "Optional request body for POST/PUT/PATCH requests",
				},
			},
			"required": []string{"url"},
		},
		Handler: func(ctx context.Context, _ string, args map[string]any) (any, error) {
			url, _ := args["url"].(string)
			method, _ := args["method"].(string)

			headers := map[string]string{}
			if h, ok := args["headers"].(map[string]any); ok {
				for k, v := range h {
					if s, ok := v.(string); ok {
						headers[k] = s
					}
				}
			}

			return deps.Caller.Call(ctx, url, method, headers, args["body"]), nil
		},
	})

	r.Register(&Tool{
		Name:        "remember",
		Description: "Store an important piece of information about the user or conversation to remember for later. Use this when the user shares personal details, preferences, or important facts.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"key": map[string]any{
					"type":        "string",
					"description": "A short identifier for what you are remembering (e.g., \"user_name\", \"favorite_color\", \"work_project\")",
				},
				"value": map[string]any{
					"type":        "string",
					"description": "The information to remember",
				},
			},
			"required": []string{"key", "value"},
		},
		Handler: func(_ context.Context, conversationID string, args map[string]any) (any, error) {
			key, _ := args["key"].(string)
			value, _ := args["value"].(string)
			if _, err := deps.Store.UpsertMemory(conversationID, key, value); err != nil {
				return nil, err
			}
			return map[string]any{"success": true, "message": fmt.Sprintf("Remembered: %s", key)}, nil
		},
	})

	r.Register(&Tool{
		Name:        "recall",
		Description: "Retrieve a previously remembered piece of information.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"key": map[string]any{
					"type":        "string",
					"description": "The identifier of the information to recall",
				},
			},
			"required": []string{"key"},
		},
		Handler: func(_ context.Context, conversationID string, args map[string]any) (any, error) {
			key, _ := args["key"].(string)
			value, found, err := deps.Store.GetMemory(conversationID, key)
			if err != nil {
				return nil, err
			}
			if !found {
				return map[string]any{
					"success": false,
					"message": fmt.Sprintf("No memory found for key: %s", key),
				}, nil
			}
			return map[string]any{"success": true, "key": key, "value": value}, nil
		},
	})

	return r
}
