// Package fetch implements web page fetching and content extraction
// for the browse_web tool. It downloads a URL and reduces the response
// to readable text, stripping navigation, ads, and other boilerplate.
package fetch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/nugget/taurus/internal/httpkit"
)

// DefaultTimeout is the HTTP request timeout for fetching pages.
const DefaultTimeout = 30 * time.Second

// DefaultMaxBytes is the maximum response body size (5 MB).
const DefaultMaxBytes int64 = 5 * 1024 * 1024

// DefaultMaxChars is the default character limit for extracted text.
const DefaultMaxChars = 8000

// Result holds the fetched and extracted content from a URL. Failures
// are carried in-band so tool results stay structured.
type Result struct {
	Success bool   `json:"success"`
	URL     string `json:"url"`
	Title   string `json:"title,omitempty"`
	Content string `json:"content,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Fetcher downloads and extracts readable content from web pages.
type Fetcher struct {
	client   *http.Client
	maxBytes int64
	maxChars int
}

// New creates a Fetcher. maxChars limits extracted text; 0 uses
// DefaultMaxChars.
func New(maxChars int) *Fetcher {
	if maxChars <= 0 {
		maxChars = DefaultMaxChars
	}
	return &Fetcher{
		client: httpkit.NewClient(
			httpkit.WithTimeout(DefaultTimeout),
		),
		maxBytes: DefaultMaxBytes,
		maxChars: maxChars,
	}
}

// Fetch downloads the URL and extracts readable text. Invalid URLs and
// unsupported schemes are rejected before any network activity.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) *Result {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return &Result{URL: rawURL, Error: fmt.Sprintf("invalid URL: %v", err)}
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return &Result{URL: rawURL, Error: fmt.Sprintf("unsupported URL scheme %q", parsed.Scheme)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, parsed.String(), nil)
	if err != nil {
		return &Result{URL: rawURL, Error: fmt.Sprintf("invalid request: %v", err)}
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")

	resp, err := f.client.Do(req)
	if err != nil {
		return &Result{URL: rawURL, Error: fmt.Sprintf("request failed: %v", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		httpkit.DrainAndClose(resp.Body, 4096)
		return &Result{URL: rawURL, Error: fmt.Sprintf("HTTP %d: %s", resp.StatusCode, http.StatusText(resp.StatusCode))}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes))
	if err != nil {
		return &Result{URL: rawURL, Error: fmt.Sprintf("read response: %v", err)}
	}

	contentType := resp.Header.Get("Content-Type")

	switch {
	case strings.Contains(contentType, "application/json"):
		var buf bytes.Buffer
		if err := json.Indent(&buf, body, "", "  "); err != nil {
			return &Result{Success: true, URL: rawURL, Title: "JSON Response",
				Content: truncateUTF8(string(body), f.maxChars)}
		}
		return &Result{Success: true, URL: rawURL, Title: "JSON Response",
			Content: truncateUTF8(buf.String(), f.maxChars)}

	case strings.Contains(contentType, "text/html"), strings.Contains(contentType, "application/xhtml"):
		title, content := extractHTML(string(body))
		if title == "" {
			title = "Untitled"
		}
		return &Result{
			Success: true,
			URL:     rawURL,
			Title:   title,
			Content: truncateUTF8(content, f.maxChars),
		}

	case strings.Contains(contentType, "text/"), utf8.Valid(body):
		return &Result{Success: true, URL: rawURL,
			Content: truncateUTF8(string(body), f.maxChars)}

	default:
		return &Result{Success: true, URL: rawURL, Title: "Non-HTML Content",
			Content: fmt.Sprintf("Content-Type: %s\n\nContent cannot be parsed as HTML.", contentType)}
	}
}

// truncateUTF8 cuts a string at maxChars runes without splitting a
// multi-byte character.
func truncateUTF8(s string, maxChars int) string {
	count := 0
	for i := range s {
		if count >= maxChars {
			return s[:i]
		}
		count++
	}
	return s
}
