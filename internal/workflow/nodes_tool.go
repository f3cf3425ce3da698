package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rendis/gastown/pkg/schema"
)

// ToolParserNode classifies an LLM response as a structured tool call
// or a final text answer. A response that parses as JSON with both
// "tool" and "args" keys becomes "tool_call_data"; everything else
// (including other JSON) becomes "final_response". The untaken output
// is nil so a downstream branch can route on it.
type ToolParserNode struct {
	BaseNode
}

// NewToolParserNode constructs a ToolParserNode.
func NewToolParserNode(def schema.NodeDefinition, svc Services) (Node, error) {
	return &ToolParserNode{newBaseNode(def, svc)}, nil
}

func (n *ToolParserNode) Execute(ctx context.Context, wc *Context) error {
	raw, err := n.Input(ctx, wc, "llm_response")
	if err != nil {
		return err
	}

	text, _ := raw.(string)
	if call, ok := parseToolCall(text); ok {
		n.SetOutput(wc, "tool_call_data", call)
		n.SetOutput(wc, "final_response", nil)
		return nil
	}

	n.SetOutput(wc, "tool_call_data", nil)
	n.SetOutput(wc, "final_response", raw)
	return nil
}

// parseToolCall attempts to read text as a {"tool":..., "args":...}
// invocation. Both keys must be present.
func parseToolCall(text string) (map[string]any, bool) {
	var parsed map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(text)), &parsed); err != nil {
		return nil, false
	}
	if _, hasTool := parsed["tool"]; !hasTool {
		return nil, false
	}
	if _, hasArgs := parsed["args"]; !hasArgs {
		return nil, false
	}
	return parsed, true
}

// ToolExecutorNode dispatches a parsed tool call through the typed
// registry. Config "require_approval" lists tool names that must pass
// the human-approval gate first; a denial becomes an in-band refusal
// message, not an error. A nil tool_call_data yields a nil result.
type ToolExecutorNode struct {
	BaseNode
}

// NewToolExecutorNode constructs a ToolExecutorNode.
func NewToolExecutorNode(def schema.NodeDefinition, svc Services) (Node, error) {
	return &ToolExecutorNode{newBaseNode(def, svc)}, nil
}

func (n *ToolExecutorNode) Execute(ctx context.Context, wc *Context) error {
	raw, err := n.Input(ctx, wc, "tool_call_data")
	if err != nil {
		return err
	}
	if raw == nil {
		n.SetOutput(wc, "tool_result", nil)
		return nil
	}

	call, ok := raw.(map[string]any)
	if !ok {
		return schema.NewErrorf(schema.ErrCodeValidation, "node %q: tool_call_data is not an object", n.ID())
	}
	toolName, _ := call["tool"].(string)
	if !strings.Contains(toolName, ".") {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"invalid tool format: %q, expected \"tool_name.method_name\"", toolName)
	}
	args, _ := call["args"].(map[string]any)

	if n.svc.Tools == nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "node %q has no tool registry configured", n.ID())
	}

	if n.requiresApproval(toolName) {
		if n.svc.Gates == nil {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"node %q: tool %q requires approval but no gates are configured", n.ID(), toolName)
		}
		approved, err := n.svc.Gates.Await(ctx, toolName, args)
		if err != nil || !approved {
			n.SetOutput(wc, "tool_result", fmt.Sprintf("Action denied. I cannot use the %s tool.", toolName))
			return nil
		}
	}

	result, err := n.svc.Tools.Execute(ctx, toolName, args)
	if err != nil {
		// Tool failures are data for the model, not run failures.
		n.SetOutput(wc, "tool_result", fmt.Sprintf("Error executing %s: %s", toolName, err.Error()))
		return nil
	}

	n.SetOutput(wc, "tool_result", result)
	return nil
}

func (n *ToolExecutorNode) requiresApproval(toolName string) bool {
	prefix := toolName
	if i := strings.Index(toolName, "."); i > 0 {
		prefix = toolName[:i]
	}
	for _, name := range n.configStrings("require_approval") {
		if name == toolName || name == prefix {
			return true
		}
	}
	return false
}
