package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/gastown/pkg/schema"
)

func newTestStore(t *testing.T) *LibSQLStore {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")
	s, err := NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() {
		_ = s.Close()
		_ = os.RemoveAll(dir)
	})
	return s
}

func seedWorkItem(t *testing.T, s *LibSQLStore, status schema.WorkItemStatus, assignee string) string {
	t.Helper()
	id, err := s.CreateWorkItem(context.Background(), &schema.WorkItem{
		Title:      "test item",
		Status:     status,
		AssigneeID: assignee,
		CreatedBy:  "manager-1",
	})
	require.NoError(t, err)
	return id
}

// --- Work item tests ---

func TestCreateAndGetWorkItem(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.CreateWorkItem(ctx, &schema.WorkItem{
		Title:     "analyze logs",
		CreatedBy: "manager-1",
		Meta:      map[string]any{"priority": "high"},
	})
	require.NoError(t, err)
	assert.Regexp(t, `^wi-[0-9a-f]{8}$`, id)

	got, err := s.GetWorkItem(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "analyze logs", got.Title)
	assert.Equal(t, schema.WorkItemOpen, got.Status)
	assert.Equal(t, "manager-1", got.CreatedBy)
	assert.Equal(t, map[string]any{"priority": "high"}, got.Meta)
	assert.Nil(t, got.ValidationResults)
}

func TestCreateWorkItem_EmitsAuditEvent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id := seedWorkItem(t, s, schema.WorkItemOpen, "tech-1")

	events, err := s.ListEvents(ctx, schema.EventWorkItemCreated, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, id, events[0].Meta["work_item_id"])
}

func TestGetWorkItem_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetWorkItem(context.Background(), "wi-missing1")
	require.Error(t, err)
	gErr, ok := err.(*schema.GastownError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeNotFound, gErr.Code)
}

func TestUpdateWorkItem_StatusTransition(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := seedWorkItem(t, s, schema.WorkItemOpen, "tech-1")

	inProgress := schema.WorkItemInProgress
	ok, err := s.UpdateWorkItem(ctx, id, schema.WorkItemUpdate{Status: &inProgress})
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := s.GetWorkItem(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, schema.WorkItemInProgress, got.Status)
}

func TestUpdateWorkItem_MissingReturnsFalse(t *testing.T) {
	s := newTestStore(t)
	done := schema.WorkItemCompleted
	ok, err := s.UpdateWorkItem(context.Background(), "wi-nothere9", schema.WorkItemUpdate{Status: &done})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestUpdateWorkItem_MetaMerge(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.CreateWorkItem(ctx, &schema.WorkItem{
		Title:     "merge me",
		CreatedBy: "manager-1",
		Meta:      map[string]any{"a": "1", "b": "2"},
	})
	require.NoError(t, err)

	ok, err := s.UpdateWorkItem(ctx, id, schema.WorkItemUpdate{
		MetaUpdate: map[string]any{"b": "override", "c": "3"},
	})
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := s.GetWorkItem(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": "1", "b": "override", "c": "3"}, got.Meta)
}

func TestUpdateWorkItem_ValidationResults(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := seedWorkItem(t, s, schema.WorkItemCompleted, "tech-1")

	verdict := schema.Verdict{Pass: true, Reason: "looks correct", Judge: "judge-1"}
	ok, err := s.UpdateWorkItem(ctx, id, schema.WorkItemUpdate{
		ValidationResults: verdict.Annotation(),
	})
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := s.GetWorkItem(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "PASS", got.ValidationResults["verdict"])
	assert.Equal(t, "looks correct", got.ValidationResults["reason"])
	// Annotation must not reopen the item.
	assert.Equal(t, schema.WorkItemCompleted, got.Status)
}

func TestListWorkItems_Filters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedWorkItem(t, s, schema.WorkItemOpen, "tech-1")
	seedWorkItem(t, s, schema.WorkItemCompleted, "tech-1")
	seedWorkItem(t, s, schema.WorkItemOpen, "tech-2")

	open := schema.WorkItemOpen
	items, err := s.ListWorkItems(ctx, WorkItemFilter{Status: &open})
	require.NoError(t, err)
	assert.Len(t, items, 2)

	items, err = s.ListWorkItems(ctx, WorkItemFilter{AssigneeID: "tech-1"})
	require.NoError(t, err)
	assert.Len(t, items, 2)

	items, err = s.ListWorkItems(ctx, WorkItemFilter{Status: &open, AssigneeID: "tech-2", Limit: 5})
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

func TestGetAgentStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		seedWorkItem(t, s, schema.WorkItemCompleted, "tech-1")
	}
	for i := 0; i < 2; i++ {
		seedWorkItem(t, s, schema.WorkItemFailed, "tech-1")
	}
	for i := 0; i < 3; i++ {
		seedWorkItem(t, s, schema.WorkItemOpen, "tech-1")
	}

	stats, err := s.GetAgentStats(ctx, "tech-1")
	require.NoError(t, err)
	assert.Equal(t, 10, stats.TotalTasks)
	assert.Equal(t, 5, stats.CompletedTasks)
	assert.Equal(t, 2, stats.FailedTasks)
	assert.Equal(t, 50.0, stats.SuccessRate)
}

func TestGetAgentStats_NoItems(t *testing.T) {
	s := newTestStore(t)
	stats, err := s.GetAgentStats(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Equal(t, 0, stats.TotalTasks)
	assert.Equal(t, 0.0, stats.SuccessRate)
}

func TestGetAgentStats_Rounding(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedWorkItem(t, s, schema.WorkItemCompleted, "tech-3")
	seedWorkItem(t, s, schema.WorkItemCompleted, "tech-3")
	seedWorkItem(t, s, schema.WorkItemOpen, "tech-3")

	stats, err := s.GetAgentStats(ctx, "tech-3")
	require.NoError(t, err)
	assert.Equal(t, 66.67, stats.SuccessRate)
}

// --- DLQ tests ---

func TestDLQ_EnqueueAndClaim(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	item, err := s.EnqueueDLQ(ctx, "worker_result", `{"task_id":"t-1"}`, "bus unreachable")
	require.NoError(t, err)
	assert.Equal(t, schema.DLQPending, item.Status)

	claimed, err := s.ClaimDLQ(ctx, "janitor-1", 5)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, schema.DLQProcessing, claimed[0].Status)
	assert.Equal(t, "janitor-1", claimed[0].LockedBy)
	require.NotNil(t, claimed[0].LockedAt)

	// A second claim finds nothing left.
	again, err := s.ClaimDLQ(ctx, "janitor-2", 5)
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestDLQ_RetryAfterDefersClaim(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	item, err := s.EnqueueDLQ(ctx, "worker_result", `{}`, "transient")
	require.NoError(t, err)

	future := time.Now().UTC().Add(time.Hour)
	pending := schema.DLQPending
	require.NoError(t, s.UpdateDLQ(ctx, item.ID, DLQUpdate{Status: &pending, RetryAfter: &future}))

	claimed, err := s.ClaimDLQ(ctx, "janitor-1", 5)
	require.NoError(t, err)
	assert.Empty(t, claimed, "deferred item must not be claimable before retry_after")
}

func TestDLQ_UpdateReleasesLock(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	item, err := s.EnqueueDLQ(ctx, "worker_result", `{}`, "boom")
	require.NoError(t, err)

	claimed, err := s.ClaimDLQ(ctx, "janitor-1", 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	succeeded := schema.DLQSucceeded
	result := "replayed"
	require.NoError(t, s.UpdateDLQ(ctx, item.ID, DLQUpdate{Status: &succeeded, Result: &result}))

	got, err := s.getDLQItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.DLQSucceeded, got.Status)
	assert.Equal(t, "replayed", got.Result)
	assert.Empty(t, got.LockedBy)
	assert.Nil(t, got.LockedAt)
}

func TestDLQ_ReclaimExpiredLease(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	item, err := s.EnqueueDLQ(ctx, "worker_result", `{}`, "boom")
	require.NoError(t, err)

	claimed, err := s.ClaimDLQ(ctx, "janitor-crashed", 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	// Backdate the lock so the lease is expired.
	stale := time.Now().UTC().Add(-time.Hour)
	_, err = s.DB().ExecContext(ctx, `UPDATE dlq_items SET locked_at = ? WHERE id = ?`, stale, item.ID)
	require.NoError(t, err)

	n, err := s.ReclaimExpiredDLQ(ctx, 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := s.getDLQItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.DLQPending, got.Status)
	assert.Equal(t, 0, got.RetryCount, "reclaim must not burn the retry budget")
	assert.Empty(t, got.LockedBy)
}

func TestDLQ_ReclaimSkipsFreshLeases(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.EnqueueDLQ(ctx, "worker_result", `{}`, "boom")
	require.NoError(t, err)
	claimed, err := s.ClaimDLQ(ctx, "janitor-1", 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	n, err := s.ReclaimExpiredDLQ(ctx, 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

// --- Workflow run history ---

func TestWorkflowRun_UpsertIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	start := time.Now().UTC().Add(-time.Minute)
	run := &schema.WorkflowRun{
		ID:           "run-1",
		WorkflowName: "triage",
		StartTime:    start,
		Status:       schema.RunRunning,
	}
	require.NoError(t, s.UpsertWorkflowRun(ctx, run))

	end := time.Now().UTC()
	run.EndTime = &end
	run.Status = schema.RunCompleted
	run.FinalState = map[string]any{"output": "done"}
	require.NoError(t, s.UpsertWorkflowRun(ctx, run))

	got, err := s.GetWorkflowRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, schema.RunCompleted, got.Status)
	assert.Equal(t, "triage", got.WorkflowName)
	assert.Equal(t, map[string]any{"output": "done"}, got.FinalState)
	require.NotNil(t, got.EndTime)

	runs, err := s.ListWorkflowRuns(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

// --- Durable execution log ---

func TestExecutionLog_PendingThenComplete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	args, _ := json.Marshal(map[string]any{"v": 1, "data": []any{"x"}})
	require.NoError(t, s.RecordStepPending(ctx, "flow-1", 0, "fetch", args))

	rec, err := s.GetExecutionStep(ctx, "flow-1", 0)
	require.NoError(t, err)
	assert.Equal(t, StepPending, rec.Status)
	assert.Equal(t, "fetch", rec.StepName)
	assert.JSONEq(t, string(args), string(rec.Args))
	assert.Nil(t, rec.Return)

	result := []byte(`{"v":1,"data":"ok"}`)
	require.NoError(t, s.RecordStepComplete(ctx, "flow-1", 0, result))

	rec, err = s.GetExecutionStep(ctx, "flow-1", 0)
	require.NoError(t, err)
	assert.Equal(t, StepComplete, rec.Status)
	assert.JSONEq(t, `{"v":1,"data":"ok"}`, string(rec.Return))
}

func TestExecutionLog_MissingStep(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetExecutionStep(context.Background(), "flow-x", 7)
	require.Error(t, err)
	gErr, ok := err.(*schema.GastownError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeNotFound, gErr.Code)
}

func TestExecutionLog_CompleteMissingFails(t *testing.T) {
	s := newTestStore(t)
	err := s.RecordStepComplete(context.Background(), "flow-x", 0, []byte(`{}`))
	require.Error(t, err)
}
