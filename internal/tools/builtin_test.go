package tools

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/gastown/internal/expressions"
	"github.com/rendis/gastown/pkg/schema"
)

func TestExprEvalTool(t *testing.T) {
	tool := NewExprEvalTool(expressions.NewExprEngine())
	ctx := context.Background()

	out, err := tool.Execute(ctx, map[string]any{"expression": "6 * 7"})
	require.NoError(t, err)
	assert.Equal(t, "42", out)

	// Env values are visible to the expression.
	out, err = tool.Execute(ctx, map[string]any{
		"expression": "name + '!'",
		"env":        map[string]any{"name": "gastown"},
	})
	require.NoError(t, err)
	assert.Equal(t, "gastown!", out)

	// Non-scalar results come back as JSON.
	out, err = tool.Execute(ctx, map[string]any{"expression": "[1, 2, 3]"})
	require.NoError(t, err)
	assert.JSONEq(t, "[1,2,3]", out)

	_, err = tool.Execute(ctx, map[string]any{})
	var gerr *schema.GastownError
	require.ErrorAs(t, err, &gerr)
	assert.Equal(t, schema.ErrCodeValidation, gerr.Code)
}

type fakeLedger struct {
	posted []schema.Event
	events []*schema.Event
}

func (f *fakeLedger) PostEvent(ctx context.Context, kind, content string, meta map[string]any) (*schema.Event, error) {
	e := schema.Event{ID: int64(len(f.posted) + 1), Kind: kind, Content: content, Meta: meta}
	f.posted = append(f.posted, e)
	return &e, nil
}

func (f *fakeLedger) ListEvents(ctx context.Context, kind string, limit int) ([]*schema.Event, error) {
	return f.events, nil
}

func TestLedgerTools(t *testing.T) {
	ledger := &fakeLedger{
		events: []*schema.Event{{ID: 1, Kind: "worker_result", Content: "ok"}},
	}
	ctx := context.Background()

	queryOut, err := NewLedgerQueryTool(ledger).Execute(ctx, map[string]any{"kind": "worker_result", "limit": 5})
	require.NoError(t, err)
	assert.Contains(t, queryOut, `"worker_result"`)

	postOut, err := NewLedgerPostTool(ledger).Execute(ctx, map[string]any{
		"kind":    "technician_plan",
		"content": "step 1: look around",
		"meta":    map[string]any{"task_id": "t-1"},
	})
	require.NoError(t, err)
	assert.Contains(t, postOut, `"technician_plan"`)
	require.Len(t, ledger.posted, 1)
	assert.Equal(t, "t-1", ledger.posted[0].Meta["task_id"])

	_, err = NewLedgerPostTool(ledger).Execute(ctx, map[string]any{"content": "no kind"})
	var gerr *schema.GastownError
	require.ErrorAs(t, err, &gerr)
	assert.Equal(t, schema.ErrCodeValidation, gerr.Code)
}

func TestHTTPFetchTool(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method)
		_, _ = w.Write([]byte("page body"))
	}))
	defer srv.Close()

	tool := NewHTTPFetchTool()
	ctx := context.Background()

	out, err := tool.Execute(ctx, map[string]any{"url": srv.URL})
	require.NoError(t, err)
	assert.Contains(t, out, "HTTP 200")
	assert.Contains(t, out, "page body")

	// Invalid scheme rejected before any request is made.
	_, err = tool.Execute(ctx, map[string]any{"url": "ftp://example.com"})
	var gerr *schema.GastownError
	require.ErrorAs(t, err, &gerr)
	assert.Equal(t, schema.ErrCodeValidation, gerr.Code)
}

func TestHTTPFetchTool_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusGone)
	}))
	defer srv.Close()

	_, err := NewHTTPFetchTool().Execute(context.Background(), map[string]any{"url": srv.URL})
	require.Error(t, err)

	var gerr *schema.GastownError
	require.ErrorAs(t, err, &gerr)
	assert.Equal(t, schema.ErrCodeExecution, gerr.Code)
	assert.Equal(t, 410, gerr.Details["status_code"])
}

func TestHTTPFetchTool_TruncatesBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for i := 0; i < 100; i++ {
			_, _ = w.Write([]byte("0123456789"))
		}
	}))
	defer srv.Close()

	tool := NewHTTPFetchTool(WithFetchMaxBody(10))
	out, err := tool.Execute(context.Background(), map[string]any{"url": srv.URL})
	require.NoError(t, err)
	assert.Equal(t, "HTTP 200\n0123456789", out)
}
