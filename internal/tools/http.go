package tools

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rendis/gastown/pkg/schema"
)

const (
	defaultFetchTimeout = 30 * time.Second
	defaultFetchMaxBody = 1 << 20 // 1MB; results go into LLM context
)

// HTTPFetchTool implements "http.fetch": a bounded GET. Only http(s)
// URLs are allowed and the response body is truncated to MaxBody.
type HTTPFetchTool struct {
	httpClient *http.Client
	maxBody    int64
}

// FetchOption configures an HTTPFetchTool.
type FetchOption func(*HTTPFetchTool)

// WithFetchClient replaces the underlying http.Client.
func WithFetchClient(hc *http.Client) FetchOption {
	return func(t *HTTPFetchTool) { t.httpClient = hc }
}

// WithFetchMaxBody overrides the response truncation limit.
func WithFetchMaxBody(n int64) FetchOption {
	return func(t *HTTPFetchTool) { t.maxBody = n }
}

// NewHTTPFetchTool creates the http.fetch tool.
func NewHTTPFetchTool(opts ...FetchOption) *HTTPFetchTool {
	t := &HTTPFetchTool{
		httpClient: &http.Client{Timeout: defaultFetchTimeout},
		maxBody:    defaultFetchMaxBody,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *HTTPFetchTool) Name() string { return "http.fetch" }

func (t *HTTPFetchTool) Description() string {
	return "Fetch a URL with GET and return the response body. Args: url (string, required)."
}

func (t *HTTPFetchTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	rawURL := stringParam(args, "url", "")
	if rawURL == "" {
		return "", schema.NewError(schema.ErrCodeValidation, "http.fetch: missing required arg 'url'")
	}
	u, err := url.ParseRequestURI(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return "", schema.NewErrorf(schema.ErrCodeValidation, "http.fetch: invalid url %q", rawURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", schema.NewError(schema.ErrCodeExecution, "http.fetch: build request").WithCause(err)
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeExecution, "http.fetch: GET %s failed", rawURL).WithCause(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, t.maxBody))
	if err != nil {
		return "", schema.NewError(schema.ErrCodeExecution, "http.fetch: read response").WithCause(err)
	}

	if resp.StatusCode >= 400 {
		return "", schema.NewErrorf(schema.ErrCodeExecution,
			"http.fetch: GET %s returned %d", rawURL, resp.StatusCode).
			WithDetails(map[string]any{"status_code": resp.StatusCode})
	}

	return fmt.Sprintf("HTTP %d\n%s", resp.StatusCode, body), nil
}

var _ Tool = (*HTTPFetchTool)(nil)
