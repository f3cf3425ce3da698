package swarm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/rendis/gastown/internal/bus"
	"github.com/rendis/gastown/internal/llm"
	"github.com/rendis/gastown/internal/logging"
	"github.com/rendis/gastown/internal/tools"
	"github.com/rendis/gastown/pkg/schema"
)

const (
	defaultJudgeSteps = 5

	verdictSentinel = "VERDICT:"
)

// JudgeConfig configures one verification run against a target task.
type JudgeConfig struct {
	TaskID       string
	TargetTaskID string
	Criteria     string
	LLMBaseURL   string
	MaxSteps     int
}

// Judge fetches the target task's terminal result from the ledger and
// runs a bounded tool-augmented verification loop ending in a
// PASS/FAIL verdict.
type Judge struct {
	cfg    JudgeConfig
	bus    *bus.Client
	llm    llm.Client
	tools  *tools.Registry
	logger *slog.Logger
}

// NewJudge creates a judge.
func NewJudge(cfg JudgeConfig, busClient *bus.Client, llmClient llm.Client, registry *tools.Registry, logger *slog.Logger) *Judge {
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = defaultJudgeSteps
	}
	if cfg.Criteria == "" {
		cfg.Criteria = "General correctness and functionality"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Judge{cfg: cfg, bus: busClient, llm: llmClient, tools: registry, logger: logger}
}

// Run evaluates the target task and posts judge_pass or judge_fail.
// The returned verdict begins with "PASS" or "FAIL".
func (j *Judge) Run(ctx context.Context) (string, error) {
	if j.cfg.TargetTaskID == "" {
		return "", schema.NewError(schema.ErrCodeValidation, "judge has no target task id").WithTask(j.cfg.TaskID)
	}

	ctx = logging.WithIDs(ctx, j.cfg.TaskID, "", "judge")
	logger := logging.LogWith(ctx, j.logger)
	logger.Info("judge starting", slog.String("target_task_id", j.cfg.TargetTaskID))

	j.report(ctx, schema.EventJudgeStarted, fmt.Sprintf("Judging task %s", j.cfg.TargetTaskID), nil)

	target := j.fetchTargetResult(ctx)
	verdict := j.judge(ctx, target)

	v := j.toVerdict(verdict)
	kind, status := schema.EventJudgeFail, "failed"
	if v.Pass {
		kind, status = schema.EventJudgePass, "success"
	}
	meta := v.Annotation()
	meta["status"] = status
	j.report(ctx, kind, verdict, meta)

	logger.Info("judge finished", slog.String("verdict", verdict))
	return verdict, nil
}

// toVerdict parses the raw "PASS" / "FAIL - <reason>" verdict text.
func (j *Judge) toVerdict(verdict string) schema.Verdict {
	v := schema.Verdict{Pass: strings.HasPrefix(verdict, "PASS"), Judge: j.cfg.TaskID}
	rest := strings.TrimPrefix(strings.TrimPrefix(verdict, "PASS"), "FAIL")
	v.Reason = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(rest), "-"))
	return v
}

// fetchTargetResult reads the target task's terminal content from the
// ledger. Any failure degrades to a sentinel string the LLM can judge.
func (j *Judge) fetchTargetResult(ctx context.Context) string {
	if j.bus == nil {
		return "Could not retrieve target result."
	}
	events, err := j.bus.TaskEvents(ctx, j.cfg.TargetTaskID)
	if err != nil {
		logging.LogWith(ctx, j.logger).Error("failed to fetch target result",
			slog.String("error", err.Error()))
		return "Could not retrieve target result."
	}
	for _, evt := range events {
		switch evt.Kind {
		case schema.EventWorkerResult, schema.EventManagerResult, schema.EventManagerComplete:
			return evt.Content
		}
	}
	return "Could not retrieve target result."
}

// judge runs the bounded verdict loop: each step is an LLM call whose
// response is a tool call or a VERDICT sentinel. Step exhaustion is a
// forced FAIL.
func (j *Judge) judge(ctx context.Context, target string) string {
	system := fmt.Sprintf(`You are a strict QA Judge.
Your goal is to verify if the following work meets the criteria: %q.
You have access to tools to inspect files or run commands if needed.

Target Result:
%s

Instructions:
1. Analyze the result.
2. If you need to verify something (e.g. read a file), output a JSON tool call.
3. If you are satisfied, output: VERDICT: PASS
4. If you find issues, output: VERDICT: FAIL - <reason>
`, j.cfg.Criteria, target)

	messages := []llm.Message{{Role: "system", Content: system}}
	var loops loopDetector

	for step := 0; step < j.cfg.MaxSteps; step++ {
		response := j.callLLM(ctx, messages)
		messages = append(messages, llm.Message{Role: "assistant", Content: response})

		if idx := strings.Index(response, verdictSentinel); idx >= 0 {
			return strings.TrimSpace(response[idx+len(verdictSentinel):])
		}

		call := extractToolCall(response)
		if call == nil {
			messages = append(messages, llm.Message{Role: "user", Content: "Please continue to a verdict."})
			continue
		}

		if j.tools == nil || !j.tools.Has(call.Tool) {
			messages = append(messages, llm.Message{Role: "user", Content: "Tool not found."})
			continue
		}

		if loops.Observe(call.Tool, call.Args) {
			logging.LogWith(ctx, j.logger).Warn("tool loop detected", slog.String("tool", call.Tool))
			loops.Reset()
			messages = append(messages, llm.Message{Role: "user", Content: loopAlertMessage()})
			continue
		}

		output, err := j.tools.Execute(ctx, call.Tool, call.Args)
		if err != nil {
			output = fmt.Sprintf("Tool Execution Error: %s", err.Error())
		}
		messages = append(messages, llm.Message{Role: "user", Content: "Tool output: " + output})
	}

	return "FAIL - Judgement timed out"
}

func (j *Judge) callLLM(ctx context.Context, messages []llm.Message) string {
	if j.llm == nil || j.cfg.LLMBaseURL == "" {
		return "Error: no LLM service available."
	}
	text, err := j.llm.Complete(ctx, llm.Request{
		BaseURL:  j.cfg.LLMBaseURL,
		Model:    "rpc-main",
		Messages: messages,
	})
	if err != nil {
		logging.LogWith(ctx, j.logger).Warn("llm call failed", slog.String("error", err.Error()))
		return fmt.Sprintf("Error: %s", err.Error())
	}
	return text
}

func (j *Judge) report(ctx context.Context, kind, content string, meta map[string]any) {
	if j.bus == nil {
		return
	}
	merged := map[string]any{
		"task_id":        j.cfg.TaskID,
		"agent_type":     "judge",
		"target_task_id": j.cfg.TargetTaskID,
	}
	for k, v := range meta {
		merged[k] = v
	}
	if _, err := j.bus.PostEvent(ctx, kind, content, merged); err != nil {
		logging.LogWith(ctx, j.logger).Error("failed to report event",
			slog.String("kind", kind), slog.String("error", err.Error()))
	}
}
