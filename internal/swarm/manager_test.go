package swarm

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/gastown/internal/bus"
	"github.com/rendis/gastown/internal/dispatch"
	"github.com/rendis/gastown/internal/durable"
	"github.com/rendis/gastown/internal/store"
	"github.com/rendis/gastown/pkg/schema"
)

// fakeDispatcher records spawns and purges. When a judge is spawned
// and judgeVerdict is set, it posts the terminal judge event the way a
// real judge container would.
type fakeDispatcher struct {
	mu         sync.Mutex
	bus        *bus.Client
	judgeKind  string
	judgeText  string
	failSpawns bool

	spawned []dispatch.Spec
	purged  []string
}

func (f *fakeDispatcher) Spawn(ctx context.Context, spec dispatch.Spec) (*dispatch.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSpawns {
		return nil, schema.NewError(schema.ErrCodeDispatch, "nomad unreachable")
	}
	f.spawned = append(f.spawned, spec)

	if spec.AgentType == dispatch.AgentJudge && f.judgeKind != "" {
		_, err := f.bus.PostEvent(ctx, f.judgeKind, f.judgeText, map[string]any{
			"task_id":        spec.TaskID,
			"agent_type":     "judge",
			"target_task_id": spec.Env["TARGET_TASK_ID"],
		})
		if err != nil {
			return nil, err
		}
	}
	return &dispatch.Handle{
		JobID:     fmt.Sprintf("job-%s-%d", spec.TaskID, len(f.spawned)),
		TaskID:    spec.TaskID,
		AgentType: spec.AgentType,
	}, nil
}

func (f *fakeDispatcher) Status(ctx context.Context, jobID string) (dispatch.JobStatus, error) {
	return dispatch.StatusRunning, nil
}

func (f *fakeDispatcher) Purge(ctx context.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.purged = append(f.purged, jobID)
	return nil
}

func TestManagerFullCycle(t *testing.T) {
	busClient := newTestBus(t)

	// Terminal events the dispatched technicians would have posted.
	for _, tid := range []string{"db-mig", "api"} {
		_, err := busClient.PostEvent(context.Background(), "worker_result",
			"completed "+tid, map[string]any{"task_id": tid, "agent_type": "technician"})
		require.NoError(t, err)
	}

	disp := &fakeDispatcher{bus: busClient, judgeKind: "judge_pass", judgeText: "PASS"}
	client := &fakeLLM{responses: []string{
		`Here is the plan: [{"id": "db-mig", "prompt": "Migrate the database", "context": "pg 16"}, {"id": "api", "prompt": "Update the API", "context": ""}]`,
		"Both sub-tasks completed successfully.",
	}}

	mgr := NewManager(ManagerConfig{
		TaskID:       "mgr-1",
		Goal:         "Ship the release",
		LLMBaseURL:   "http://10.0.0.1:8080/v1",
		PollInterval: 10 * time.Millisecond,
	}, busClient, client, disp, nil)

	result, err := mgr.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, map[string]string{
		"db-mig": "completed db-mig",
		"api":    "completed api",
	}, result.Results)
	assert.Empty(t, result.Missing)
	assert.Equal(t, schema.SwarmComplete, result.Status)
	assert.Equal(t, "PASS", result.Verdict)

	// Two technicians then one judge, all purged afterwards.
	require.Len(t, disp.spawned, 3)
	assert.Equal(t, dispatch.AgentTechnician, disp.spawned[0].AgentType)
	assert.Equal(t, "Migrate the database", disp.spawned[0].Prompt)
	assert.Equal(t, dispatch.AgentJudge, disp.spawned[2].AgentType)
	assert.Equal(t, "mgr-1", disp.spawned[2].Env["TARGET_TASK_ID"])
	assert.Len(t, disp.purged, 3)

	kinds := taskEventKinds(t, busClient, "mgr-1")
	assert.Equal(t, []string{"manager_result", "manager_complete"}, kinds)

	// Aggregation saw each collected result.
	aggPrompt := client.requests[1].Messages[0].Content
	assert.Contains(t, aggPrompt, "completed db-mig")
	assert.Contains(t, aggPrompt, "completed api")
}

func TestManagerWorkerFailurePrefixed(t *testing.T) {
	busClient := newTestBus(t)
	_, err := busClient.PostEvent(context.Background(), "worker_failure",
		"disk full", map[string]any{"task_id": "db-mig", "agent_type": "technician"})
	require.NoError(t, err)

	disp := &fakeDispatcher{bus: busClient, judgeKind: "judge_fail", judgeText: "FAIL - worker failed"}
	client := &fakeLLM{responses: []string{
		`[{"id": "db-mig", "prompt": "Migrate the database", "context": ""}]`,
		"One sub-task failed.",
	}}

	mgr := NewManager(ManagerConfig{
		TaskID:       "mgr-fail",
		Goal:         "Ship the release",
		LLMBaseURL:   "http://10.0.0.1:8080/v1",
		PollInterval: 10 * time.Millisecond,
	}, busClient, client, disp, nil)

	result, err := mgr.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "FAILURE: disk full", result.Results["db-mig"])
	assert.Equal(t, "FAIL - worker failed", result.Verdict)

	aggPrompt := client.requests[1].Messages[0].Content
	assert.Contains(t, aggPrompt, "FAILURE: disk full")
}

func TestManagerReduceTimeout(t *testing.T) {
	busClient := newTestBus(t)

	// Two of three dispatched tasks report before the deadline; the
	// third stays silent.
	for _, tid := range []string{"fast-1", "fast-2"} {
		_, err := busClient.PostEvent(context.Background(), "worker_result",
			"done "+tid, map[string]any{"task_id": tid, "agent_type": "technician"})
		require.NoError(t, err)
	}

	disp := &fakeDispatcher{bus: busClient}
	client := &fakeLLM{responses: []string{
		`[{"id": "fast-1", "prompt": "p1", "context": ""}, {"id": "fast-2", "prompt": "p2", "context": ""}, {"id": "silent", "prompt": "Never reports", "context": ""}]`,
		"Two of three sub-tasks completed.",
	}}

	mgr := NewManager(ManagerConfig{
		TaskID:        "mgr-2",
		Goal:          "Ship everything",
		LLMBaseURL:    "http://10.0.0.1:8080/v1",
		PollInterval:  10 * time.Millisecond,
		ReduceTimeout: 50 * time.Millisecond,
		VerifyTimeout: 50 * time.Millisecond,
	}, busClient, client, disp, nil)

	result, err := mgr.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, schema.SwarmPartial, result.Status)
	assert.Equal(t, map[string]string{
		"fast-1": "done fast-1",
		"fast-2": "done fast-2",
	}, result.Results)
	assert.Equal(t, []string{"silent"}, result.Missing)
	assert.Equal(t, "VERIFICATION TIMEOUT", result.Verdict)
}

func TestManagerReduceTimeoutNoResults(t *testing.T) {
	busClient := newTestBus(t)

	disp := &fakeDispatcher{bus: busClient}
	client := &fakeLLM{responses: []string{
		`[{"id": "silent", "prompt": "Never reports", "context": ""}]`,
	}}

	mgr := NewManager(ManagerConfig{
		TaskID:        "mgr-2b",
		Goal:          "Wait forever",
		LLMBaseURL:    "http://10.0.0.1:8080/v1",
		PollInterval:  10 * time.Millisecond,
		ReduceTimeout: 50 * time.Millisecond,
		VerifyTimeout: 50 * time.Millisecond,
	}, busClient, client, disp, nil)

	result, err := mgr.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, schema.SwarmPartial, result.Status)
	assert.Empty(t, result.Results)
	assert.Equal(t, []string{"silent"}, result.Missing)
	assert.Equal(t, "VERIFICATION TIMEOUT", result.Verdict)

	events, err := busClient.TaskEvents(context.Background(), "mgr-2b")
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.Equal(t, "manager_result", events[0].Kind)
	assert.Equal(t, "No results received from workers.", events[0].Content)
}

func TestManagerMalformedPlan(t *testing.T) {
	busClient := newTestBus(t)
	client := &fakeLLM{responses: []string{"I refuse to produce a plan."}}

	mgr := NewManager(ManagerConfig{
		TaskID:     "mgr-3",
		Goal:       "Do things",
		LLMBaseURL: "http://10.0.0.1:8080/v1",
	}, busClient, client, &fakeDispatcher{bus: busClient}, nil)

	_, err := mgr.Run(context.Background())
	require.Error(t, err)

	var gerr *schema.GastownError
	require.ErrorAs(t, err, &gerr)
	assert.Equal(t, schema.ErrCodeExecution, gerr.Code)
}

func TestManagerAllDispatchesFail(t *testing.T) {
	busClient := newTestBus(t)
	client := &fakeLLM{responses: []string{
		`[{"id": "a", "prompt": "p", "context": ""}]`,
	}}

	mgr := NewManager(ManagerConfig{
		TaskID:     "mgr-4",
		Goal:       "Do things",
		LLMBaseURL: "http://10.0.0.1:8080/v1",
	}, busClient, client, &fakeDispatcher{bus: busClient, failSpawns: true}, nil)

	_, err := mgr.Run(context.Background())
	require.Error(t, err)

	var gerr *schema.GastownError
	require.ErrorAs(t, err, &gerr)
	assert.Equal(t, schema.ErrCodeDispatch, gerr.Code)
}

func TestManagerNoGoal(t *testing.T) {
	mgr := NewManager(ManagerConfig{TaskID: "mgr-5"}, nil, nil, nil, nil)
	_, err := mgr.Run(context.Background())
	require.Error(t, err)
}

func TestManagerDurableResume(t *testing.T) {
	busClient := newTestBus(t)
	flowStore, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "flow.db"))
	require.NoError(t, err)
	require.NoError(t, flowStore.Migrate(context.Background()))
	t.Cleanup(func() { _ = flowStore.Close() })

	_, err = busClient.PostEvent(context.Background(), "worker_result",
		"migrated", map[string]any{"task_id": "db-mig", "agent_type": "technician"})
	require.NoError(t, err)

	cfg := ManagerConfig{
		TaskID:       "mgr-durable",
		Goal:         "Migrate the database",
		LLMBaseURL:   "http://10.0.0.1:8080/v1",
		PollInterval: 10 * time.Millisecond,
		Flow:         durable.NewFlow(flowStore, "mgr-durable"),
	}
	disp := &fakeDispatcher{bus: busClient, judgeKind: "judge_pass", judgeText: "PASS"}
	client := &fakeLLM{responses: []string{
		`[{"id": "db-mig", "prompt": "Migrate the database", "context": ""}]`,
		"The migration completed.",
	}}

	first, err := NewManager(cfg, busClient, client, disp, nil).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "PASS", first.Verdict)
	require.Len(t, client.requests, 2)

	// A restarted manager with the same flow id replays every phase from
	// the execution log: no LLM calls, no spawns, same result.
	cfg.Flow = durable.NewFlow(flowStore, "mgr-durable")
	silentLLM := &fakeLLM{}
	deadDisp := &fakeDispatcher{bus: busClient, failSpawns: true}

	second, err := NewManager(cfg, busClient, silentLLM, deadDisp, nil).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, first.Results, second.Results)
	assert.Equal(t, schema.SwarmComplete, second.Status)
	assert.Equal(t, "PASS", second.Verdict)
	assert.Empty(t, silentLLM.requests)
	assert.Empty(t, deadDisp.spawned)

	// The verification report was posted exactly once across both runs.
	count := 0
	for _, kind := range taskEventKinds(t, busClient, "mgr-durable") {
		if kind == "manager_result" {
			count++
		}
	}
	assert.Equal(t, 1, count)
}
