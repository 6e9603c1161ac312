// Package apicall implements the api_call tool: generic HTTP requests
// against external APIs with guardrails against internal targets.
package apicall

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nugget/taurus/internal/httpkit"
)

// DefaultTimeout bounds a single outbound request.
const DefaultTimeout = 30 * time.Second

// maxTextBytes limits text response bodies returned to the model.
const maxTextBytes = 10000

// blockedHosts are never contacted; the agent must not be usable to
// probe its own host.
var blockedHosts = map[string]bool{
	"localhost": true,
	"127.0.0.1": true,
	"0.0.0.0":   true,
}

// bodyMethods are the methods a request body is attached for.
var bodyMethods = map[string]bool{
	http.MethodPost:  true,
	http.MethodPut:   true,
	http.MethodPatch: true,
}

// Result is the structured outcome of one API call. Success reflects
// the HTTP status (2xx); transport failures and blocked targets set
// Error instead.
type Result struct {
	Success bool              `json:"success"`
	Status  int               `json:"status,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Data    any               `json:"data,omitempty"`
	Error   string            `json:"error,omitempty"`
}

// isBlockedHost reports whether host must not be contacted. The name
// list catches the common spellings; the IP check catches the rest of
// the loopback range ([::1], 127.0.0.2, ...).
func isBlockedHost(host string) bool {
	if blockedHosts[host] {
		return true
	}
	if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
		return true
	}
	return false
}

// Caller performs HTTP requests on behalf of the model.
type Caller struct {
	client *http.Client
}

// New creates a Caller with retry on transient connection errors.
func New() *Caller {
	return &Caller{
		client: httpkit.NewClient(
			httpkit.WithTimeout(DefaultTimeout),
			httpkit.WithRetry(2, time.Second),
		),
	}
}

// Call performs the request. The target host is checked before any
// network activity; loopback targets are rejected outright.
func (c *Caller) Call(ctx context.Context, rawURL, method string, headers map[string]string, body any) *Result {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return &Result{Error: fmt.Sprintf("invalid URL: %v", err)}
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return &Result{Error: fmt.Sprintf("unsupported URL scheme %q", parsed.Scheme)}
	}
	if isBlockedHost(parsed.Hostname()) {
		return &Result{Error: "Calls to localhost are not allowed for security reasons"}
	}

	if method == "" {
		method = http.MethodGet
	}
	method = strings.ToUpper(method)

	var reqBody io.Reader
	hasBody := body != nil && bodyMethods[method]
	if hasBody {
		switch v := body.(type) {
		case string:
			reqBody = strings.NewReader(v)
		default:
			encoded, err := json.Marshal(v)
			if err != nil {
				return &Result{Error: fmt.Sprintf("encode body: %v", err)}
			}
			reqBody = strings.NewReader(string(encoded))
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, parsed.String(), reqBody)
	if err != nil {
		return &Result{Error: fmt.Sprintf("create request: %v", err)}
	}

	req.Header.Set("Accept", "application/json, text/plain, */*")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if hasBody && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return &Result{Error: fmt.Sprintf("request failed: %v", err)}
	}
	defer resp.Body.Close()

	respHeaders := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		respHeaders[strings.ToLower(k)] = resp.Header.Get(k)
	}

	result := &Result{
		Success: resp.StatusCode >= 200 && resp.StatusCode < 300,
		Status:  resp.StatusCode,
		Headers: respHeaders,
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 5*1024*1024))
	if err != nil {
		result.Success = false
		result.Error = fmt.Sprintf("read response: %v", err)
		return result
	}

	if strings.Contains(resp.Header.Get("Content-Type"), "application/json") {
		var data any
		if err := json.Unmarshal(raw, &data); err == nil {
			result.Data = data
			return result
		}
	}

	text := string(raw)
	if len(text) > maxTextBytes {
		text = text[:maxTextBytes] + "\n... (truncated)"
	}
	result.Data = text
	return result
}
