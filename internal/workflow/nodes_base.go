package workflow

import (
	"context"
	"fmt"
	"strings"

	"github.com/rendis/gastown/pkg/schema"
)

// InputNode projects global inputs into node outputs. Config "outputs"
// lists the names to project; each may be a plain string or a
// {name: ...} map.
type InputNode struct {
	BaseNode
}

// NewInputNode constructs an InputNode.
func NewInputNode(def schema.NodeDefinition, svc Services) (Node, error) {
	return &InputNode{newBaseNode(def, svc)}, nil
}

func (n *InputNode) Execute(ctx context.Context, wc *Context) error {
	for _, raw := range n.configOutputs() {
		value, _ := wc.GlobalInput(raw)
		n.SetOutput(wc, raw, value)
	}
	return nil
}

func (n *InputNode) configOutputs() []string {
	raw, ok := n.def.Config["outputs"]
	if !ok {
		return nil
	}
	list, ok := raw.([]any)
	if !ok {
		return nil
	}
	names := make([]string, 0, len(list))
	for _, item := range list {
		switch v := item.(type) {
		case string:
			names = append(names, v)
		case map[string]any:
			if name, ok := v["name"].(string); ok {
				names = append(names, name)
			}
		}
	}
	return names
}

// OutputNode captures the workflow's final output.
type OutputNode struct {
	BaseNode
}

// NewOutputNode constructs an OutputNode.
func NewOutputNode(def schema.NodeDefinition, svc Services) (Node, error) {
	return &OutputNode{newBaseNode(def, svc)}, nil
}

func (n *OutputNode) Execute(ctx context.Context, wc *Context) error {
	value, err := n.Input(ctx, wc, "final_output")
	if err != nil {
		return err
	}
	wc.SetFinalOutput(value)
	return nil
}

// MergeNode emits the first non-nil value among inputs in1..in9 as
// "merged_output". Unconfigured inputs are skipped; all-nil yields nil.
type MergeNode struct {
	BaseNode
}

// NewMergeNode constructs a MergeNode.
func NewMergeNode(def schema.NodeDefinition, svc Services) (Node, error) {
	return &MergeNode{newBaseNode(def, svc)}, nil
}

func (n *MergeNode) Execute(ctx context.Context, wc *Context) error {
	for i := 1; i <= 9; i++ {
		name := fmt.Sprintf("in%d", i)
		if !wc.InputConfigured(n.ID(), name) {
			continue
		}
		value, err := n.Input(ctx, wc, name)
		if err != nil {
			return err
		}
		if value != nil {
			n.SetOutput(wc, "merged_output", value)
			return nil
		}
	}
	n.SetOutput(wc, "merged_output", nil)
	return nil
}

// ConditionalBranchNode routes its input to "output_true" or
// "output_false"; the other side is set to nil so downstream merges
// can pick the taken branch. The predicate is either the config key
// "check_if_tool_is" (compares the parsed tool call's name) or a CEL
// "condition" expression over {value, outputs, global}; with neither,
// plain truthiness decides.
type ConditionalBranchNode struct {
	BaseNode
}

// NewConditionalBranchNode constructs a ConditionalBranchNode.
func NewConditionalBranchNode(def schema.NodeDefinition, svc Services) (Node, error) {
	return &ConditionalBranchNode{newBaseNode(def, svc)}, nil
}

func (n *ConditionalBranchNode) Execute(ctx context.Context, wc *Context) error {
	value, err := n.Input(ctx, wc, "input_value")
	if err != nil {
		return err
	}

	met, err := n.evaluate(ctx, wc, value)
	if err != nil {
		return err
	}

	if met {
		n.SetOutput(wc, "output_true", value)
		n.SetOutput(wc, "output_false", nil)
	} else {
		n.SetOutput(wc, "output_true", nil)
		n.SetOutput(wc, "output_false", value)
	}
	return nil
}

func (n *ConditionalBranchNode) evaluate(ctx context.Context, wc *Context, value any) (bool, error) {
	if n.hasConfig("check_if_tool_is") {
		want := n.configString("check_if_tool_is", "")
		m, _ := value.(map[string]any)
		actual, _ := m["tool"].(string)
		return actual == want, nil
	}

	if condition := n.configString("condition", ""); condition != "" {
		if n.svc.Branch == nil {
			return false, schema.NewErrorf(schema.ErrCodeValidation,
				"node %q uses a condition expression but no engine is configured", n.ID())
		}
		result, err := n.svc.Branch.Evaluate(ctx, condition, map[string]any{
			"value":   value,
			"outputs": wc.nodeOutputs,
			"global":  wc.globalInputs,
		})
		if err != nil {
			return false, err
		}
		b, ok := result.(bool)
		if !ok {
			return false, schema.NewErrorf(schema.ErrCodeValidation,
				"node %q condition did not evaluate to a boolean", n.ID())
		}
		return b, nil
	}

	return truthy(value), nil
}

func truthy(value any) bool {
	switch v := value.(type) {
	case nil:
		return false
	case bool:
		return v
	case string:
		return v != ""
	case int:
		return v != 0
	case float64:
		return v != 0
	case map[string]any:
		return len(v) > 0
	case []any:
		return len(v) > 0
	default:
		return true
	}
}

// SystemPromptNode builds the agent system prompt: a base prompt plus
// a tool manifest from the registry and route_to_expert entries for
// each discovered expert service.
type SystemPromptNode struct {
	BaseNode
}

// NewSystemPromptNode constructs a SystemPromptNode.
func NewSystemPromptNode(def schema.NodeDefinition, svc Services) (Node, error) {
	return &SystemPromptNode{newBaseNode(def, svc)}, nil
}

func (n *SystemPromptNode) Execute(ctx context.Context, wc *Context) error {
	base := n.configString("base_prompt", "You are a helpful AI assistant.")

	var b strings.Builder
	b.WriteString(base)
	b.WriteString("\n\nYou have access to the following tools:\n")

	if n.svc.Tools != nil {
		for _, info := range n.svc.Tools.List() {
			fmt.Fprintf(&b, "- {\"tool\": %q, \"args\": {...}}: %s\n", info.Name, info.Description)
		}
	}

	raw, err := n.OptionalInput(ctx, wc, "available_services")
	if err != nil {
		return err
	}
	for _, service := range anyStrings(raw) {
		fmt.Fprintf(&b,
			"- {\"tool\": \"route_to_expert\", \"args\": {\"expert\": %q, \"query\": \"<user_query>\"}}: Use this for queries related to %s.\n",
			service, service)
	}

	b.WriteString("\nIf the query doesn't fit a specific expert or tool, handle it yourself. ")
	b.WriteString("Otherwise, respond with a JSON object with the 'tool' and 'args' keys.")

	n.SetOutput(wc, "system_prompt", b.String())
	return nil
}

func anyStrings(raw any) []string {
	switch v := raw.(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
