package swarm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/rendis/gastown/internal/bus"
	"github.com/rendis/gastown/internal/llm"
	"github.com/rendis/gastown/internal/logging"
	"github.com/rendis/gastown/internal/tools"
	"github.com/rendis/gastown/pkg/schema"
)

const (
	defaultMaxSteps = 15

	finalAnswerSentinel = "FINAL_ANSWER:"
)

// TechnicianConfig configures one technician run. TaskID, Prompt, and
// Context arrive through the worker environment; WorkItemID links the
// run to a tracked work item when the manager created one.
type TechnicianConfig struct {
	TaskID     string
	Prompt     string
	Context    string
	WorkItemID string
	LLMBaseURL string
	MaxSteps   int
}

// Technician runs the three-phase loop for one dispatched sub-task:
// plan, bounded ReAct execution, reflection. A terminal worker_result
// or worker_failure event is always posted.
type Technician struct {
	cfg    TechnicianConfig
	bus    *bus.Client
	llm    llm.Client
	tools  *tools.Registry
	logger *slog.Logger
}

// NewTechnician creates a technician. The registry may be empty but
// not nil.
func NewTechnician(cfg TechnicianConfig, busClient *bus.Client, llmClient llm.Client, registry *tools.Registry, logger *slog.Logger) *Technician {
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = defaultMaxSteps
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Technician{cfg: cfg, bus: busClient, llm: llmClient, tools: registry, logger: logger}
}

// Run executes the full plan/execute/reflect cycle. The returned
// string is the reflected final result; the error is non-nil only for
// configuration failures that prevented the run from starting.
func (t *Technician) Run(ctx context.Context) (string, error) {
	if t.cfg.Prompt == "" {
		return "", schema.NewError(schema.ErrCodeValidation, "technician has no prompt").WithTask(t.cfg.TaskID)
	}

	ctx = logging.WithIDs(ctx, t.cfg.TaskID, "", "technician")
	logger := logging.LogWith(ctx, t.logger)
	logger.Info("technician starting", slog.String("task_id", t.cfg.TaskID))

	t.report(ctx, schema.EventWorkerStarted, fmt.Sprintf("Technician started task %s", t.cfg.TaskID), nil)
	t.updateWorkItem(ctx, schema.WorkItemInProgress, nil)

	plan := t.plan(ctx)
	result := t.execute(ctx, plan)
	verdict := t.reflect(ctx, result)

	t.report(ctx, schema.EventWorkerResult, verdict, map[string]any{"status": "success"})
	t.updateWorkItem(ctx, schema.WorkItemCompleted, map[string]any{
		"result":       verdict,
		"completed_at": time.Now().UTC().Format(time.RFC3339),
	})

	logger.Info("technician finished", slog.String("task_id", t.cfg.TaskID))
	return verdict, nil
}

// Fail posts the terminal failure event and work-item update for a run
// that could not proceed.
func (t *Technician) Fail(ctx context.Context, reason string) {
	t.report(ctx, schema.EventWorkerFailure, reason, map[string]any{"status": "failed"})
	t.updateWorkItem(ctx, schema.WorkItemFailed, map[string]any{"error": reason})
}

// plan asks for a step-by-step strategy. An LLM failure degrades to an
// in-band error string the execute phase will see as its plan.
func (t *Technician) plan(ctx context.Context) string {
	system := fmt.Sprintf(
		"You are an expert technical planner. "+
			"Given a request, create a concise, step-by-step plan to achieve it using the available tools. "+
			"Available Tools: %s\n"+
			"Do not execute the plan yet, just list the steps.",
		strings.Join(t.toolNames(), ", "))

	plan := t.callLLM(ctx, []llm.Message{
		{Role: "system", Content: system},
		{Role: "user", Content: fmt.Sprintf("Request: %s\nContext: %s", t.cfg.Prompt, t.cfg.Context)},
	}, 0.2)

	t.report(ctx, schema.EventTechnicianPlan, plan, nil)
	return plan
}

// execute runs the bounded ReAct loop. Step exhaustion is a terminal
// best-effort result, never an error.
func (t *Technician) execute(ctx context.Context, plan string) string {
	system := fmt.Sprintf(`You are a technician agent executing a plan.
Available Tools: %s

Plan to follow:
%s

Original Request: %s
Context: %s

Instructions:
1. Review the history and the plan.
2. Decide the next action.
3. If you need to use a tool, output valid JSON: { "tool": "tool_name", "args": { ... } }
4. If the task is complete, output: FINAL_ANSWER: <your summary>
5. If you are stuck, output: FINAL_ANSWER: Unable to complete due to <reason>

Focus on one step at a time.
`, strings.Join(t.toolNames(), ", "), plan, t.cfg.Prompt, t.cfg.Context)

	messages := []llm.Message{{Role: "system", Content: system}}
	logger := logging.LogWith(ctx, t.logger)

	var loops loopDetector
	for step := 1; step <= t.cfg.MaxSteps; step++ {
		logger.Debug("react step", slog.Int("step", step), slog.Int("max", t.cfg.MaxSteps))

		response := t.callLLM(ctx, messages, 0.0)
		messages = append(messages, llm.Message{Role: "assistant", Content: response})

		if idx := strings.Index(response, finalAnswerSentinel); idx >= 0 {
			return strings.TrimSpace(response[idx+len(finalAnswerSentinel):])
		}

		call := extractToolCall(response)
		if call == nil {
			messages = append(messages, llm.Message{
				Role:    "user",
				Content: "Please continue with the next step or use a tool.",
			})
			continue
		}

		if loops.Observe(call.Tool, call.Args) {
			logger.Warn("tool loop detected", slog.String("tool", call.Tool))
			loops.Reset()
			messages = append(messages, llm.Message{Role: "user", Content: loopAlertMessage()})
			continue
		}

		output := t.runTool(ctx, call)
		messages = append(messages, llm.Message{
			Role:    "user",
			Content: fmt.Sprintf("Tool '%s' output: %s", call.Tool, output),
		})
	}

	return "Max steps reached without definitive completion."
}

func (t *Technician) runTool(ctx context.Context, call *schema.ToolCall) string {
	if t.tools == nil || !t.tools.Has(call.Tool) {
		return fmt.Sprintf("Error: Tool '%s' not found.", call.Tool)
	}
	output, err := t.tools.Execute(ctx, call.Tool, call.Args)
	if err != nil {
		return fmt.Sprintf("Tool Execution Error: %s", err.Error())
	}
	return output
}

// reflect self-critiques the execution result with one QA-framed call.
func (t *Technician) reflect(ctx context.Context, result string) string {
	prompt := fmt.Sprintf(
		"Review the following execution result against the original request.\n"+
			"Original Request: %s\n"+
			"Result: %s\n\n"+
			"Is this result satisfactory and complete? "+
			"If yes, repeat the result. If no, succinctly describe what is missing.",
		t.cfg.Prompt, result)

	return t.callLLM(ctx, []llm.Message{
		{Role: "system", Content: "You are a Quality Assurance reviewer."},
		{Role: "user", Content: prompt},
	}, 0.0)
}

func (t *Technician) callLLM(ctx context.Context, messages []llm.Message, temperature float64) string {
	if t.llm == nil || t.cfg.LLMBaseURL == "" {
		return "Error: no LLM service available."
	}
	text, err := t.llm.Complete(ctx, llm.Request{
		BaseURL:     t.cfg.LLMBaseURL,
		Model:       "rpc-main",
		Messages:    messages,
		Temperature: temperature,
	})
	if err != nil {
		logging.LogWith(ctx, t.logger).Warn("llm call failed", slog.String("error", err.Error()))
		return fmt.Sprintf("Error: %s", err.Error())
	}
	return text
}

// report posts a ledger event; failures are logged, never fatal.
func (t *Technician) report(ctx context.Context, kind, content string, meta map[string]any) {
	if t.bus == nil {
		return
	}
	merged := map[string]any{"task_id": t.cfg.TaskID, "agent_type": "technician"}
	for k, v := range meta {
		merged[k] = v
	}
	if _, err := t.bus.PostEvent(ctx, kind, content, merged); err != nil {
		logging.LogWith(ctx, t.logger).Error("failed to report event",
			slog.String("kind", kind), slog.String("error", err.Error()))
	}
}

func (t *Technician) updateWorkItem(ctx context.Context, status schema.WorkItemStatus, validation map[string]any) {
	if t.bus == nil || t.cfg.WorkItemID == "" {
		return
	}
	update := schema.WorkItemUpdate{Status: &status}
	if validation != nil {
		update.ValidationResults = validation
	}
	if _, err := t.bus.UpdateWorkItem(ctx, t.cfg.WorkItemID, update); err != nil {
		logging.LogWith(ctx, t.logger).Error("failed to update work item",
			slog.String("work_item_id", t.cfg.WorkItemID), slog.String("error", err.Error()))
	}
}

func (t *Technician) toolNames() []string {
	if t.tools == nil {
		return nil
	}
	infos := t.tools.List()
	names := make([]string, 0, len(infos))
	for _, info := range infos {
		names = append(names, info.Name)
	}
	return names
}

// extractToolCall pulls the first {...} JSON object out of a response
// and accepts it when it carries a tool name.
func extractToolCall(text string) *schema.ToolCall {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil
	}

	var call schema.ToolCall
	if err := json.Unmarshal([]byte(text[start:end+1]), &call); err != nil {
		return nil
	}
	if call.Tool == "" {
		return nil
	}
	if call.Args == nil {
		call.Args = map[string]any{}
	}
	return &call
}
