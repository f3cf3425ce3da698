package bus

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rendis/gastown/internal/store"
	"github.com/rendis/gastown/pkg/schema"
)

// Client is the HTTP client every agent role uses to reach the bus.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithClientTimeout overrides the default request timeout.
func WithClientTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// WithClientHTTP replaces the underlying http.Client.
func WithClientHTTP(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient creates a Client for the bus at baseURL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Health checks the bus liveness endpoint.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil)
}

// PostEvent appends an event to the ledger.
func (c *Client) PostEvent(ctx context.Context, kind, content string, meta map[string]any) (*schema.Event, error) {
	var event schema.Event
	err := c.do(ctx, http.MethodPost, "/events", appendEventRequest{Kind: kind, Content: content, Meta: meta}, &event)
	if err != nil {
		return nil, err
	}
	return &event, nil
}

// ListEvents returns up to limit recent events, oldest first,
// optionally filtered by kind.
func (c *Client) ListEvents(ctx context.Context, kind string, limit int) ([]*schema.Event, error) {
	q := url.Values{}
	if kind != "" {
		q.Set("kind", kind)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}

	var events []*schema.Event
	if err := c.do(ctx, http.MethodGet, withQuery("/events", q), nil, &events); err != nil {
		return nil, err
	}
	return events, nil
}

// TaskEvents returns the events whose meta carries the given task id,
// ascending by ledger id.
func (c *Client) TaskEvents(ctx context.Context, taskID string) ([]*schema.Event, error) {
	var events []*schema.Event
	if err := c.do(ctx, http.MethodGet, "/tasks/"+url.PathEscape(taskID), nil, &events); err != nil {
		return nil, err
	}
	return events, nil
}

// CreateWorkItem creates a work item and returns the stored row.
func (c *Client) CreateWorkItem(ctx context.Context, item *schema.WorkItem) (*schema.WorkItem, error) {
	var created schema.WorkItem
	if err := c.do(ctx, http.MethodPost, "/work_items", item, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

// UpdateWorkItem applies a partial update and returns the updated row.
func (c *Client) UpdateWorkItem(ctx context.Context, id string, update schema.WorkItemUpdate) (*schema.WorkItem, error) {
	var updated schema.WorkItem
	if err := c.do(ctx, http.MethodPatch, "/work_items/"+url.PathEscape(id), update, &updated); err != nil {
		return nil, err
	}
	return &updated, nil
}

// GetWorkItem fetches one work item by id.
func (c *Client) GetWorkItem(ctx context.Context, id string) (*schema.WorkItem, error) {
	var item schema.WorkItem
	if err := c.do(ctx, http.MethodGet, "/work_items/"+url.PathEscape(id), nil, &item); err != nil {
		return nil, err
	}
	return &item, nil
}

// ListWorkItems lists work items matching the filter.
func (c *Client) ListWorkItems(ctx context.Context, filter store.WorkItemFilter) ([]*schema.WorkItem, error) {
	q := url.Values{}
	if filter.Status != nil {
		q.Set("status", string(*filter.Status))
	}
	if filter.AssigneeID != "" {
		q.Set("assignee_id", filter.AssigneeID)
	}
	if filter.Limit > 0 {
		q.Set("limit", strconv.Itoa(filter.Limit))
	}

	var items []*schema.WorkItem
	if err := c.do(ctx, http.MethodGet, withQuery("/work_items", q), nil, &items); err != nil {
		return nil, err
	}
	return items, nil
}

// AgentStats fetches work-item outcome counts for one assignee.
func (c *Client) AgentStats(ctx context.Context, assigneeID string) (*schema.AgentStats, error) {
	var stats schema.AgentStats
	if err := c.do(ctx, http.MethodGet, "/agents/"+url.PathEscape(assigneeID)+"/stats", nil, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// EnqueueDLQ adds a poisoned event to the dead-letter queue.
func (c *Client) EnqueueDLQ(ctx context.Context, eventType, payload, errorReason string) (*schema.DLQItem, error) {
	var item schema.DLQItem
	req := enqueueDLQRequest{EventType: eventType, Payload: payload, ErrorReason: errorReason}
	if err := c.do(ctx, http.MethodPost, "/dlq", req, &item); err != nil {
		return nil, err
	}
	return &item, nil
}

// ClaimDLQ atomically claims up to limit pending items for workerID.
func (c *Client) ClaimDLQ(ctx context.Context, workerID string, limit int) ([]*schema.DLQItem, error) {
	var items []*schema.DLQItem
	if err := c.do(ctx, http.MethodPost, "/dlq/claim", claimDLQRequest{WorkerID: workerID, Limit: limit}, &items); err != nil {
		return nil, err
	}
	return items, nil
}

// UpdateDLQ applies a partial update to one dead-letter item.
func (c *Client) UpdateDLQ(ctx context.Context, id int64, update store.DLQUpdate) error {
	return c.do(ctx, http.MethodPatch, "/dlq/"+strconv.FormatInt(id, 10), update, nil)
}

// ReclaimDLQ returns expired PROCESSING claims to PENDING and reports
// how many rows moved.
func (c *Client) ReclaimDLQ(ctx context.Context, leaseTTL time.Duration) (int64, error) {
	var resp reclaimDLQResponse
	req := reclaimDLQRequest{LeaseSeconds: int(leaseTTL / time.Second)}
	if err := c.do(ctx, http.MethodPost, "/dlq/reclaim", req, &resp); err != nil {
		return 0, err
	}
	return resp.Reclaimed, nil
}

func withQuery(path string, q url.Values) string {
	if len(q) == 0 {
		return path
	}
	return path + "?" + q.Encode()
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return schema.NewError(schema.ErrCodeValidation, "bus client: marshal request").WithCause(err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return schema.NewError(schema.ErrCodeExecution, "bus client: build request").WithCause(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeExecution, "bus client: %s %s failed", method, path).WithCause(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return schema.NewError(schema.ErrCodeExecution, "bus client: read response").WithCause(err)
	}

	if resp.StatusCode >= 400 {
		return decodeAPIError(method, path, resp.StatusCode, respBody)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return schema.NewError(schema.ErrCodeExecution, "bus client: decode response").WithCause(err)
	}
	return nil
}

// decodeAPIError rebuilds a GastownError from the server's envelope so
// callers can branch on the code with errors.As.
func decodeAPIError(method, path string, status int, body []byte) error {
	var envelope struct {
		Error errorBody `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Code != "" {
		return schema.NewError(envelope.Error.Code, envelope.Error.Message).
			WithDetails(envelope.Error.Details)
	}
	return schema.NewError(schema.ErrCodeExecution,
		fmt.Sprintf("bus client: %s %s returned %d", method, path, status)).
		WithDetails(map[string]any{"status_code": status})
}
