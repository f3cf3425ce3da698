package swarm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/gastown/internal/bus"
	"github.com/rendis/gastown/internal/dispatch"
	"github.com/rendis/gastown/internal/durable"
	"github.com/rendis/gastown/internal/llm"
	"github.com/rendis/gastown/internal/logging"
	"github.com/rendis/gastown/pkg/schema"
)

const (
	defaultPollInterval  = 5 * time.Second
	defaultReduceTimeout = 10 * time.Minute
	defaultVerifyTimeout = 5 * time.Minute

	verificationTimeoutSentinel = "VERIFICATION TIMEOUT"
)

// ManagerConfig configures one map-reduce orchestration run.
type ManagerConfig struct {
	TaskID  string
	Goal    string
	Context string

	LLMBaseURL string

	PollInterval  time.Duration
	ReduceTimeout time.Duration
	VerifyTimeout time.Duration

	// Flow, when set, records each phase in the execution log so a
	// restarted manager with the same flow id resumes from where the
	// previous run stopped instead of re-planning and re-dispatching.
	Flow *durable.Flow
}

// Manager decomposes a goal into sub-tasks, dispatches one technician
// per sub-task, aggregates their terminal results under a timeout, and
// chains a judge verification onto the aggregate.
type Manager struct {
	cfg        ManagerConfig
	bus        *bus.Client
	llm        llm.Client
	dispatcher dispatch.Dispatcher
	logger     *slog.Logger
}

// NewManager creates a manager.
func NewManager(cfg ManagerConfig, busClient *bus.Client, llmClient llm.Client, dispatcher dispatch.Dispatcher, logger *slog.Logger) *Manager {
	if cfg.TaskID == "" {
		cfg.TaskID = "manager-" + uuid.NewString()[:8]
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.ReduceTimeout <= 0 {
		cfg.ReduceTimeout = defaultReduceTimeout
	}
	if cfg.VerifyTimeout <= 0 {
		cfg.VerifyTimeout = defaultVerifyTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{cfg: cfg, bus: busClient, llm: llmClient, dispatcher: dispatcher, logger: logger}
}

// Run executes map → dispatch → reduce → verify and posts the terminal
// manager_complete event. Partial fan-out failure is a normal outcome
// carried in the result; only a malformed plan or total dispatch
// failure is an error.
func (m *Manager) Run(ctx context.Context) (*schema.SwarmResult, error) {
	if m.cfg.Goal == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "manager has no goal").WithTask(m.cfg.TaskID)
	}

	ctx = logging.WithIDs(ctx, m.cfg.TaskID, "", "manager")
	logger := logging.LogWith(ctx, m.logger)

	subtasks, err := step(ctx, m.cfg.Flow, "map", m.cfg.Goal, m.mapPhase)
	if err != nil {
		return nil, err
	}
	logger.Info("map phase complete", slog.Int("subtasks", len(subtasks)))

	handles, err := step(ctx, m.cfg.Flow, "dispatch", len(subtasks), func(ctx context.Context) ([]*dispatch.Handle, error) {
		return m.dispatchPhase(ctx, subtasks)
	})
	if err != nil {
		return nil, err
	}
	defer m.purgeAll(ctx, handles)

	taskIDs := make([]string, 0, len(subtasks))
	for _, task := range subtasks {
		taskIDs = append(taskIDs, task.ID)
	}

	outcome, err := step(ctx, m.cfg.Flow, "reduce", taskIDs, func(ctx context.Context) (reduceOutcome, error) {
		results, missing := m.reducePhase(ctx, taskIDs)
		return reduceOutcome{Results: results, Missing: missing}, nil
	})
	if err != nil {
		return nil, err
	}
	logger.Info("reduce phase complete",
		slog.Int("collected", len(outcome.Results)), slog.Int("missing", len(outcome.Missing)))

	report, err := step(ctx, m.cfg.Flow, "aggregate", nil, func(ctx context.Context) (string, error) {
		return m.aggregate(ctx, outcome.Results), nil
	})
	if err != nil {
		return nil, err
	}

	// The report is posted before verification so the judge can fetch
	// it from the ledger under this manager's task id. The step wrapper
	// keeps a resumed run from posting it twice.
	if _, err := step(ctx, m.cfg.Flow, "post_report", nil, func(ctx context.Context) (bool, error) {
		m.report(ctx, schema.EventManagerResult, report, nil)
		return true, nil
	}); err != nil {
		return nil, err
	}

	verdict, err := step(ctx, m.cfg.Flow, "verify", nil, func(ctx context.Context) (string, error) {
		return m.verifyPhase(ctx), nil
	})
	if err != nil {
		return nil, err
	}

	status := schema.SwarmComplete
	if len(outcome.Missing) > 0 {
		status = schema.SwarmPartial
	}

	result := &schema.SwarmResult{
		Status:  status,
		Results: outcome.Results,
		Missing: outcome.Missing,
		Verdict: verdict,
	}
	m.report(ctx, schema.EventManagerComplete, report, map[string]any{
		"status":  status,
		"verdict": verdict,
		"missing": outcome.Missing,
	})
	return result, nil
}

// reduceOutcome is the durable record of the reduce phase.
type reduceOutcome struct {
	Results map[string]string `json:"results"`
	Missing []string          `json:"missing,omitempty"`
}

// step runs fn through the manager's execution log when one is
// configured, and directly otherwise.
func step[T any](ctx context.Context, flow *durable.Flow, name string, args any, fn func(context.Context) (T, error)) (T, error) {
	if flow == nil {
		return fn(ctx)
	}
	return durable.StepAs[T](ctx, flow, name, args, fn)
}

// mapPhase asks the LLM to decompose the goal. A plan that contains no
// parseable JSON list of sub-tasks is a hard failure.
func (m *Manager) mapPhase(ctx context.Context) ([]schema.ManagedTask, error) {
	system := "You are a Project Manager. " +
		"Break down the user's request into parallelizable sub-tasks for Technician Agents. " +
		"Return ONLY a JSON list of objects, each with 'id' (short string), 'prompt' (instruction), and 'context' (data). " +
		`Example: [{"id": "db-mig", "prompt": "Migrate DB", "context": "..."}]`

	response, err := m.callLLM(ctx, []llm.Message{
		{Role: "system", Content: system},
		{Role: "user", Content: fmt.Sprintf("Request: %s\nContext: %s", m.cfg.Goal, m.cfg.Context)},
	}, 0.1)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeLLM, "map phase failed: %s", err).
			WithTask(m.cfg.TaskID).WithCause(err)
	}

	subtasks, err := parseSubtasks(response)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"failed to parse sub-task plan: %s", err).
			WithTask(m.cfg.TaskID).
			WithDetails(map[string]any{"response": truncateForDetail(response)}).
			WithCause(err)
	}
	if len(subtasks) == 0 {
		return nil, schema.NewError(schema.ErrCodeExecution, "plan produced no sub-tasks").WithTask(m.cfg.TaskID)
	}
	return subtasks, nil
}

// parseSubtasks extracts the JSON list between the first '[' and last
// ']' and requires every entry to carry an id and a prompt.
func parseSubtasks(response string) ([]schema.ManagedTask, error) {
	start := strings.Index(response, "[")
	end := strings.LastIndex(response, "]")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON list in plan response")
	}

	var subtasks []schema.ManagedTask
	if err := json.Unmarshal([]byte(response[start:end+1]), &subtasks); err != nil {
		return nil, err
	}
	for i, task := range subtasks {
		if task.ID == "" {
			return nil, fmt.Errorf("sub-task %d has no id", i)
		}
		if task.Prompt == "" {
			return nil, fmt.Errorf("sub-task %q has no prompt", task.ID)
		}
	}
	return subtasks, nil
}

// dispatchPhase spawns one technician per sub-task. Individual spawn
// failures are logged and their tasks will show up as missing; zero
// successful spawns aborts the run.
func (m *Manager) dispatchPhase(ctx context.Context, subtasks []schema.ManagedTask) ([]*dispatch.Handle, error) {
	logger := logging.LogWith(ctx, m.logger)

	handles := make([]*dispatch.Handle, 0, len(subtasks))
	for _, task := range subtasks {
		handle, err := m.dispatcher.Spawn(ctx, dispatch.Spec{
			TaskID:    task.ID,
			AgentType: dispatch.AgentTechnician,
			Prompt:    task.Prompt,
			Context:   task.Context,
		})
		if err != nil {
			logger.Error("failed to dispatch technician",
				slog.String("subtask_id", task.ID), slog.String("error", err.Error()))
			continue
		}
		logger.Info("dispatched technician",
			slog.String("subtask_id", task.ID), slog.String("job_id", handle.JobID))
		handles = append(handles, handle)
	}

	if len(handles) == 0 {
		return nil, schema.NewError(schema.ErrCodeDispatch, "all technician dispatches failed").WithTask(m.cfg.TaskID)
	}
	return handles, nil
}

// reducePhase polls each task's event stream until every task has a
// terminal event or the timeout elapses. Timeout returns the collected
// subset plus the missing ids.
func (m *Manager) reducePhase(ctx context.Context, taskIDs []string) (map[string]string, []string) {
	results := make(map[string]string, len(taskIDs))
	deadline := time.Now().Add(m.cfg.ReduceTimeout)
	logger := logging.LogWith(ctx, m.logger)

	for len(results) < len(taskIDs) {
		if time.Now().After(deadline) || ctx.Err() != nil {
			logger.Warn("timeout waiting for sub-tasks",
				slog.Int("collected", len(results)), slog.Int("expected", len(taskIDs)))
			break
		}

		for _, tid := range taskIDs {
			if _, done := results[tid]; done {
				continue
			}
			if content, terminal := m.terminalEvent(ctx, tid, schema.EventWorkerResult, schema.EventWorkerFailure); terminal {
				results[tid] = content
				logger.Info("received result", slog.String("subtask_id", tid))
			}
		}

		if len(results) == len(taskIDs) {
			break
		}
		if !sleep(ctx, m.cfg.PollInterval) {
			break
		}
	}

	var missing []string
	for _, tid := range taskIDs {
		if _, ok := results[tid]; !ok {
			missing = append(missing, tid)
		}
	}
	return results, missing
}

// terminalEvent scans a task's events for the first of the given
// kinds; failures are prefixed so aggregation can see them.
func (m *Manager) terminalEvent(ctx context.Context, taskID string, kinds ...string) (string, bool) {
	events, err := m.bus.TaskEvents(ctx, taskID)
	if err != nil {
		logging.LogWith(ctx, m.logger).Warn("error polling event bus",
			slog.String("subtask_id", taskID), slog.String("error", err.Error()))
		return "", false
	}
	for _, evt := range events {
		for _, kind := range kinds {
			if evt.Kind != kind {
				continue
			}
			if kind == schema.EventWorkerFailure {
				return "FAILURE: " + evt.Content, true
			}
			return evt.Content, true
		}
	}
	return "", false
}

// aggregate folds the collected results into a final report with one
// LLM call.
func (m *Manager) aggregate(ctx context.Context, results map[string]string) string {
	if len(results) == 0 {
		return "No results received from workers."
	}

	var prompt strings.Builder
	prompt.WriteString("You are a Project Manager. ")
	prompt.WriteString("Aggregate the following sub-task results into a final report.\n\n")
	for tid, res := range results {
		fmt.Fprintf(&prompt, "Task %s: %s\n", tid, res)
	}

	report, err := m.callLLM(ctx, []llm.Message{{Role: "user", Content: prompt.String()}}, 0.1)
	if err != nil {
		logging.LogWith(ctx, m.logger).Error("aggregation call failed", slog.String("error", err.Error()))
		return prompt.String()
	}
	return report
}

// verifyPhase dispatches exactly one judge against this manager's
// posted report and polls for its verdict.
func (m *Manager) verifyPhase(ctx context.Context) string {
	logger := logging.LogWith(ctx, m.logger)
	judgeTaskID := "judge-" + uuid.NewString()[:8]

	handle, err := m.dispatcher.Spawn(ctx, dispatch.Spec{
		TaskID:    judgeTaskID,
		AgentType: dispatch.AgentJudge,
		Prompt:    "Verify the aggregated swarm report.",
		Env:       map[string]string{"TARGET_TASK_ID": m.cfg.TaskID},
	})
	if err != nil {
		logger.Error("failed to dispatch judge", slog.String("error", err.Error()))
		return verificationTimeoutSentinel
	}
	defer m.purgeAll(ctx, []*dispatch.Handle{handle})

	deadline := time.Now().Add(m.cfg.VerifyTimeout)
	for time.Now().Before(deadline) && ctx.Err() == nil {
		if verdict, terminal := m.terminalEvent(ctx, judgeTaskID, schema.EventJudgePass, schema.EventJudgeFail); terminal {
			return verdict
		}
		if !sleep(ctx, m.cfg.PollInterval) {
			break
		}
	}

	logger.Warn("verification timed out", slog.String("judge_task_id", judgeTaskID))
	return verificationTimeoutSentinel
}

func (m *Manager) purgeAll(ctx context.Context, handles []*dispatch.Handle) {
	for _, handle := range handles {
		if err := m.dispatcher.Purge(ctx, handle.JobID); err != nil {
			logging.LogWith(ctx, m.logger).Warn("failed to purge job",
				slog.String("job_id", handle.JobID), slog.String("error", err.Error()))
		}
	}
}

func (m *Manager) callLLM(ctx context.Context, messages []llm.Message, temperature float64) (string, error) {
	if m.llm == nil || m.cfg.LLMBaseURL == "" {
		return "", schema.NewError(schema.ErrCodeLLM, "no LLM service available")
	}
	return m.llm.Complete(ctx, llm.Request{
		BaseURL:     m.cfg.LLMBaseURL,
		Model:       "rpc-main",
		Messages:    messages,
		Temperature: temperature,
	})
}

func (m *Manager) report(ctx context.Context, kind, content string, meta map[string]any) {
	if m.bus == nil {
		return
	}
	merged := map[string]any{"task_id": m.cfg.TaskID, "agent_type": "manager"}
	for k, v := range meta {
		merged[k] = v
	}
	if _, err := m.bus.PostEvent(ctx, kind, content, merged); err != nil {
		logging.LogWith(ctx, m.logger).Error("failed to report event",
			slog.String("kind", kind), slog.String("error", err.Error()))
	}
}

// sleep waits for d or until the context is canceled; false means the
// caller should stop polling.
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func truncateForDetail(s string) string {
	const max = 512
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
