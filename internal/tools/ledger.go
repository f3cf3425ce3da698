package tools

import (
	"context"
	"encoding/json"

	"github.com/rendis/gastown/pkg/schema"
)

// LedgerClient is the slice of the bus client the ledger tools need.
type LedgerClient interface {
	PostEvent(ctx context.Context, kind, content string, meta map[string]any) (*schema.Event, error)
	ListEvents(ctx context.Context, kind string, limit int) ([]*schema.Event, error)
}

// LedgerQueryTool implements "ledger.query": list recent events,
// optionally filtered by kind.
type LedgerQueryTool struct {
	client LedgerClient
}

// NewLedgerQueryTool creates the ledger.query tool.
func NewLedgerQueryTool(client LedgerClient) *LedgerQueryTool {
	return &LedgerQueryTool{client: client}
}

func (t *LedgerQueryTool) Name() string { return "ledger.query" }

func (t *LedgerQueryTool) Description() string {
	return "List recent ledger events. Args: kind (string, optional), limit (int, default 20)."
}

func (t *LedgerQueryTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	kind := stringParam(args, "kind", "")
	limit := intParam(args, "limit", 20)

	events, err := t.client.ListEvents(ctx, kind, limit)
	if err != nil {
		return "", err
	}
	if events == nil {
		events = []*schema.Event{}
	}

	b, err := json.Marshal(events)
	if err != nil {
		return "", schema.NewError(schema.ErrCodeExecution, "ledger.query: marshal events").WithCause(err)
	}
	return string(b), nil
}

// LedgerPostTool implements "ledger.post": append one event.
type LedgerPostTool struct {
	client LedgerClient
}

// NewLedgerPostTool creates the ledger.post tool.
func NewLedgerPostTool(client LedgerClient) *LedgerPostTool {
	return &LedgerPostTool{client: client}
}

func (t *LedgerPostTool) Name() string { return "ledger.post" }

func (t *LedgerPostTool) Description() string {
	return "Append a ledger event. Args: kind (string, required), content (string), meta (object, optional)."
}

func (t *LedgerPostTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	kind := stringParam(args, "kind", "")
	if kind == "" {
		return "", schema.NewError(schema.ErrCodeValidation, "ledger.post: missing required arg 'kind'")
	}

	event, err := t.client.PostEvent(ctx, kind, stringParam(args, "content", ""), mapParam(args, "meta"))
	if err != nil {
		return "", err
	}

	b, err := json.Marshal(event)
	if err != nil {
		return "", schema.NewError(schema.ErrCodeExecution, "ledger.post: marshal event").WithCause(err)
	}
	return string(b), nil
}

var (
	_ Tool = (*LedgerQueryTool)(nil)
	_ Tool = (*LedgerPostTool)(nil)
)
