// Package llm provides a minimal client for OpenAI-compatible
// chat-completion endpoints as served by llama.cpp and similar runtimes.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rendis/gastown/pkg/schema"
)

const (
	defaultTimeout         = 120 * time.Second
	defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB
)

// Message is a single chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request describes one completion call. BaseURL points at the service
// root including the /v1 prefix, e.g. "http://10.0.0.5:8081/v1".
type Request struct {
	BaseURL     string
	Model       string
	Messages    []Message
	Temperature float64
	MaxTokens   int
}

// Client issues chat completions.
type Client interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// HTTPClient is the production Client over net/http.
type HTTPClient struct {
	httpClient      *http.Client
	maxResponseBody int64
}

// Option configures an HTTPClient.
type Option func(*HTTPClient)

// WithTimeout overrides the default per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *HTTPClient) { c.httpClient.Timeout = d }
}

// WithHTTPClient replaces the underlying http.Client entirely.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *HTTPClient) { c.httpClient = hc }
}

// NewHTTPClient creates a Client with sane defaults for on-cluster
// llama.cpp endpoints.
func NewHTTPClient(opts ...Option) *HTTPClient {
	c := &HTTPClient{
		httpClient:      &http.Client{Timeout: defaultTimeout},
		maxResponseBody: defaultMaxResponseBody,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Complete posts to {BaseURL}/chat/completions and returns the first
// choice's message content.
func (c *HTTPClient) Complete(ctx context.Context, req Request) (string, error) {
	if req.BaseURL == "" {
		return "", schema.NewError(schema.ErrCodeValidation, "llm: missing base URL")
	}
	if len(req.Messages) == 0 {
		return "", schema.NewError(schema.ErrCodeValidation, "llm: empty message list")
	}

	payload := chatRequest{
		Model:       req.Model,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", schema.NewError(schema.ErrCodeLLM, "llm: marshal request").WithCause(err)
	}

	url := req.BaseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", schema.NewError(schema.ErrCodeLLM, "llm: build request").WithCause(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeLLM, "llm: call %s failed", url).WithCause(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, c.maxResponseBody))
	if err != nil {
		return "", schema.NewError(schema.ErrCodeLLM, "llm: read response").WithCause(err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", schema.NewErrorf(schema.ErrCodeLLM,
			"llm: %s returned %d", url, resp.StatusCode).
			WithDetails(map[string]any{"status_code": resp.StatusCode, "body": truncate(string(respBody), 512)})
	}

	var parsed chatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", schema.NewError(schema.ErrCodeLLM, "llm: decode response").WithCause(err)
	}
	if len(parsed.Choices) == 0 {
		return "", schema.NewError(schema.ErrCodeLLM, "llm: response has no choices")
	}
	return parsed.Choices[0].Message.Content, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s... (%d bytes)", s[:n], len(s))
}

var _ Client = (*HTTPClient)(nil)
