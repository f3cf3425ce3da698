package swarm

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/gastown/internal/tools"
	"github.com/rendis/gastown/pkg/schema"
)

type echoTool struct {
	fail  bool
	calls int
}

func (e *echoTool) Name() string        { return "echo.say" }
func (e *echoTool) Description() string { return "Echoes the text argument." }
func (e *echoTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	e.calls++
	if e.fail {
		return "", schema.NewError(schema.ErrCodeExecution, "echo backend offline")
	}
	text, _ := args["text"].(string)
	return "echo: " + text, nil
}

func TestTechnicianFullCycle(t *testing.T) {
	busClient := newTestBus(t)
	echo := &echoTool{}
	reg := tools.NewRegistry()
	require.NoError(t, reg.Register(echo))

	// plan, tool-call step, final answer, reflection.
	client := &fakeLLM{responses: []string{
		"1. Echo the greeting.\n2. Summarize.",
		`{"tool": "echo.say", "args": {"text": "hello"}}`,
		"FINAL_ANSWER: The echo tool returned the greeting.",
		"The echo tool returned the greeting.",
	}}

	item, err := busClient.CreateWorkItem(context.Background(), &schema.WorkItem{
		Title:     "echo task",
		CreatedBy: "manager-root",
	})
	require.NoError(t, err)

	tech := NewTechnician(TechnicianConfig{
		TaskID:     "task-echo",
		Prompt:     "Echo hello",
		Context:    "greeting",
		WorkItemID: item.ID,
		LLMBaseURL: "http://10.0.0.1:8080/v1",
	}, busClient, client, reg, nil)

	result, err := tech.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "The echo tool returned the greeting.", result)
	assert.Equal(t, 1, echo.calls)

	kinds := taskEventKinds(t, busClient, "task-echo")
	assert.Equal(t, []string{"worker_started", "technician_plan", "worker_result"}, kinds)

	// The tool output was fed back into the conversation.
	require.Len(t, client.requests, 4)
	execMsgs := client.requests[2].Messages
	assert.Contains(t, execMsgs[len(execMsgs)-1].Content, "Tool 'echo.say' output: echo: hello")

	updated, err := busClient.GetWorkItem(context.Background(), item.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.WorkItemCompleted, updated.Status)
	assert.Equal(t, "The echo tool returned the greeting.", updated.ValidationResults["result"])
}

func TestTechnicianStepExhaustionIsBestEffort(t *testing.T) {
	busClient := newTestBus(t)
	client := &fakeLLM{responses: []string{
		"plan",
		"I am thinking about it.",
		"Still thinking.",
		"Max steps reached without definitive completion.",
	}}

	tech := NewTechnician(TechnicianConfig{
		TaskID:     "task-stuck",
		Prompt:     "Impossible task",
		LLMBaseURL: "http://10.0.0.1:8080/v1",
		MaxSteps:   2,
	}, busClient, client, tools.NewRegistry(), nil)

	result, err := tech.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Max steps reached without definitive completion.", result)

	// The reflection call saw the best-effort result.
	reflection := client.requests[len(client.requests)-1]
	assert.Contains(t, reflection.Messages[1].Content, "Max steps reached")

	kinds := taskEventKinds(t, busClient, "task-stuck")
	assert.Equal(t, []string{"worker_started", "technician_plan", "worker_result"}, kinds)
}

func TestTechnicianLoopDetectionSuppressesAndAlerts(t *testing.T) {
	busClient := newTestBus(t)
	echo := &echoTool{}
	reg := tools.NewRegistry()
	require.NoError(t, reg.Register(echo))

	sameCall := `{"tool": "echo.say", "args": {"text": "again"}}`
	client := &fakeLLM{responses: []string{
		"plan",
		sameCall,
		sameCall,
		sameCall,
		"FINAL_ANSWER: giving up on echo",
		"giving up on echo",
	}}

	tech := NewTechnician(TechnicianConfig{
		TaskID:     "task-loop",
		Prompt:     "Echo forever",
		LLMBaseURL: "http://10.0.0.1:8080/v1",
		MaxSteps:   6,
	}, busClient, client, reg, nil)

	result, err := tech.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "giving up on echo", result)

	// Third identical call was suppressed: only two executions.
	assert.Equal(t, 2, echo.calls)

	// The alert message reached the model on the following step.
	var alerted bool
	for _, req := range client.requests {
		for _, msg := range req.Messages {
			if strings.Contains(msg.Content, "SYSTEM ALERT") {
				alerted = true
			}
		}
	}
	assert.True(t, alerted)
}

func TestTechnicianUnknownToolFeedback(t *testing.T) {
	busClient := newTestBus(t)
	client := &fakeLLM{responses: []string{
		"plan",
		`{"tool": "ghost.run", "args": {}}`,
		"FINAL_ANSWER: done",
		"done",
	}}

	tech := NewTechnician(TechnicianConfig{
		TaskID:     "task-ghost",
		Prompt:     "Use a missing tool",
		LLMBaseURL: "http://10.0.0.1:8080/v1",
	}, busClient, client, tools.NewRegistry(), nil)

	_, err := tech.Run(context.Background())
	require.NoError(t, err)

	msgs := client.requests[2].Messages
	assert.Contains(t, msgs[len(msgs)-1].Content, "Error: Tool 'ghost.run' not found.")
}

func TestTechnicianNoPrompt(t *testing.T) {
	tech := NewTechnician(TechnicianConfig{TaskID: "t"}, nil, nil, nil, nil)
	_, err := tech.Run(context.Background())
	require.Error(t, err)
}

func TestTechnicianFailPostsTerminalEvent(t *testing.T) {
	busClient := newTestBus(t)

	item, err := busClient.CreateWorkItem(context.Background(), &schema.WorkItem{
		Title:     "doomed",
		CreatedBy: "manager-root",
	})
	require.NoError(t, err)

	tech := NewTechnician(TechnicianConfig{
		TaskID:     "task-doomed",
		Prompt:     "x",
		WorkItemID: item.ID,
	}, busClient, nil, nil, nil)

	tech.Fail(context.Background(), "container never started")

	kinds := taskEventKinds(t, busClient, "task-doomed")
	assert.Equal(t, []string{"worker_failure"}, kinds)

	updated, err := busClient.GetWorkItem(context.Background(), item.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.WorkItemFailed, updated.Status)
	assert.Equal(t, "container never started", updated.ValidationResults["error"])
}
