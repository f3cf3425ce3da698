package bus

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/gastown/internal/store"
	"github.com/rendis/gastown/pkg/schema"
)

// newTestBus spins up a bus server over a fresh store and returns a
// client pointed at it.
func newTestBus(t *testing.T) *Client {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "bus.db")
	st, err := store.NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { _ = st.Close() })

	srv := httptest.NewServer(NewServer(st, nil).Router())
	t.Cleanup(srv.Close)

	return NewClient(srv.URL)
}

func TestHealth(t *testing.T) {
	client := newTestBus(t)
	require.NoError(t, client.Health(context.Background()))
}

func TestEvents_PostListAndTaskFilter(t *testing.T) {
	client := newTestBus(t)
	ctx := context.Background()

	first, err := client.PostEvent(ctx, schema.EventWorkerStarted, "starting", map[string]any{"task_id": "t-1"})
	require.NoError(t, err)
	assert.Nil(t, first.PrevHash)
	assert.Len(t, first.Hash, 64)

	second, err := client.PostEvent(ctx, schema.EventWorkerResult, "done", map[string]any{"task_id": "t-1"})
	require.NoError(t, err)
	require.NotNil(t, second.PrevHash)
	assert.Equal(t, first.Hash, *second.PrevHash)

	_, err = client.PostEvent(ctx, schema.EventWorkerResult, "other task", map[string]any{"task_id": "t-2"})
	require.NoError(t, err)

	// Oldest-first listing with a kind filter.
	events, err := client.ListEvents(ctx, schema.EventWorkerResult, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "done", events[0].Content)

	// Task filter is ascending and scoped.
	taskEvents, err := client.TaskEvents(ctx, "t-1")
	require.NoError(t, err)
	require.Len(t, taskEvents, 2)
	assert.Equal(t, schema.EventWorkerStarted, taskEvents[0].Kind)
}

func TestPostEvent_RespondsOKWithStoredEvent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "bus.db")
	st, err := store.NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { _ = st.Close() })

	srv := httptest.NewServer(NewServer(st, nil).Router())
	t.Cleanup(srv.Close)

	resp, err := http.Post(srv.URL+"/events", "application/json",
		strings.NewReader(`{"kind": "worker_started", "content": "starting"}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var event schema.Event
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&event))
	assert.Equal(t, "worker_started", event.Kind)
	assert.NotEmpty(t, event.Hash)
}

func TestPostEvent_MissingKindIsRejected(t *testing.T) {
	client := newTestBus(t)

	_, err := client.PostEvent(context.Background(), "", "content", nil)
	require.Error(t, err)

	var gerr *schema.GastownError
	require.ErrorAs(t, err, &gerr)
	assert.Equal(t, schema.ErrCodeValidation, gerr.Code)
}

func TestWorkItems_CRUDRoundTrip(t *testing.T) {
	client := newTestBus(t)
	ctx := context.Background()

	created, err := client.CreateWorkItem(ctx, &schema.WorkItem{
		Title:     "investigate flaky deploy",
		CreatedBy: "manager-1",
		Meta:      map[string]any{"priority": "high"},
	})
	require.NoError(t, err)
	assert.Regexp(t, `^wi-[0-9a-f]{8}$`, created.ID)
	assert.Equal(t, schema.WorkItemOpen, created.Status)

	inProgress := schema.WorkItemInProgress
	assignee := "technician-7"
	updated, err := client.UpdateWorkItem(ctx, created.ID, schema.WorkItemUpdate{
		Status:     &inProgress,
		AssigneeID: &assignee,
		MetaUpdate: map[string]any{"attempt": float64(1)},
	})
	require.NoError(t, err)
	assert.Equal(t, schema.WorkItemInProgress, updated.Status)
	assert.Equal(t, "technician-7", updated.AssigneeID)
	assert.Equal(t, "high", updated.Meta["priority"])
	assert.Equal(t, float64(1), updated.Meta["attempt"])

	got, err := client.GetWorkItem(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, updated.Status, got.Status)

	items, err := client.ListWorkItems(ctx, store.WorkItemFilter{Status: &inProgress})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, created.ID, items[0].ID)
}

func TestWorkItems_NotFound(t *testing.T) {
	client := newTestBus(t)
	ctx := context.Background()

	_, err := client.GetWorkItem(ctx, "wi-missing1")
	var gerr *schema.GastownError
	require.ErrorAs(t, err, &gerr)
	assert.Equal(t, schema.ErrCodeNotFound, gerr.Code)

	status := schema.WorkItemCompleted
	_, err = client.UpdateWorkItem(ctx, "wi-missing1", schema.WorkItemUpdate{Status: &status})
	require.ErrorAs(t, err, &gerr)
	assert.Equal(t, schema.ErrCodeNotFound, gerr.Code)
}

func TestAgentStats(t *testing.T) {
	client := newTestBus(t)
	ctx := context.Background()

	seed := func(status schema.WorkItemStatus) {
		item, err := client.CreateWorkItem(ctx, &schema.WorkItem{Title: "t", CreatedBy: "m"})
		require.NoError(t, err)
		assignee := "worker-1"
		_, err = client.UpdateWorkItem(ctx, item.ID, schema.WorkItemUpdate{Status: &status, AssigneeID: &assignee})
		require.NoError(t, err)
	}
	seed(schema.WorkItemCompleted)
	seed(schema.WorkItemCompleted)
	seed(schema.WorkItemFailed)
	seed(schema.WorkItemInProgress)

	stats, err := client.AgentStats(ctx, "worker-1")
	require.NoError(t, err)
	assert.Equal(t, 4, stats.TotalTasks)
	assert.Equal(t, 2, stats.CompletedTasks)
	assert.Equal(t, 1, stats.FailedTasks)
	assert.Equal(t, 50.0, stats.SuccessRate)
}

func TestDLQ_EnqueueClaimUpdateReclaim(t *testing.T) {
	client := newTestBus(t)
	ctx := context.Background()

	item, err := client.EnqueueDLQ(ctx, "worker_result", `{"task_id":"t-9"}`, "connection refused")
	require.NoError(t, err)
	assert.Equal(t, schema.DLQPending, item.Status)

	claimed, err := client.ClaimDLQ(ctx, "janitor-1", 5)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, schema.DLQProcessing, claimed[0].Status)
	assert.Equal(t, "janitor-1", claimed[0].LockedBy)

	// Another worker finds nothing.
	empty, err := client.ClaimDLQ(ctx, "janitor-2", 5)
	require.NoError(t, err)
	assert.Empty(t, empty)

	succeeded := schema.DLQSucceeded
	result := "replayed"
	require.NoError(t, client.UpdateDLQ(ctx, claimed[0].ID, store.DLQUpdate{Status: &succeeded, Result: &result}))

	// Nothing left to reclaim.
	n, err := client.ReclaimDLQ(ctx, time.Second)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestVerifyEndpoint(t *testing.T) {
	client := newTestBus(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := client.PostEvent(ctx, schema.EventWorkerResult, "ok", nil)
		require.NoError(t, err)
	}
	require.NoError(t, client.Health(ctx))

	// The verify endpoint has no dedicated client method; hit it raw.
	err := client.do(ctx, "GET", "/verify", nil, nil)
	require.NoError(t, err)
}
