// Package workflow implements the declarative DAG engine: YAML-defined
// graphs of typed nodes executed in dependency order.
package workflow

import (
	"context"
	"strings"

	"github.com/rendis/gastown/internal/expressions"
	"github.com/rendis/gastown/pkg/schema"
)

// Context holds the state of one workflow run: the read-only global
// inputs, each node's outputs, and the run's final output. Not safe
// for concurrent use; a run executes nodes strictly sequentially.
type Context struct {
	def          *schema.WorkflowDefinition
	nodes        map[string]*schema.NodeDefinition
	globalInputs map[string]any
	nodeOutputs  map[string]map[string]any
	finalOutput  any

	jq *expressions.GoJQEngine
}

// NewContext creates a run context for the given definition.
func NewContext(def *schema.WorkflowDefinition, jq *expressions.GoJQEngine) *Context {
	nodes := make(map[string]*schema.NodeDefinition, len(def.Nodes))
	for i := range def.Nodes {
		nodes[def.Nodes[i].ID] = &def.Nodes[i]
	}
	return &Context{
		def:          def,
		nodes:        nodes,
		globalInputs: map[string]any{},
		nodeOutputs:  map[string]map[string]any{},
		jq:           jq,
	}
}

// SetGlobalInput sets a global input available to all nodes.
func (c *Context) SetGlobalInput(name string, value any) {
	c.globalInputs[name] = value
}

// GlobalInput reads one global input.
func (c *Context) GlobalInput(name string) (any, bool) {
	v, ok := c.globalInputs[name]
	return v, ok
}

// SetOutput records one output of a node.
func (c *Context) SetOutput(nodeID, outputName string, value any) {
	outputs, ok := c.nodeOutputs[nodeID]
	if !ok {
		outputs = map[string]any{}
		c.nodeOutputs[nodeID] = outputs
	}
	outputs[outputName] = value
}

// Output reads one node output, reporting whether it has been set.
func (c *Context) Output(nodeID, outputName string) (any, bool) {
	outputs, ok := c.nodeOutputs[nodeID]
	if !ok {
		return nil, false
	}
	v, ok := outputs[outputName]
	return v, ok
}

// SetFinalOutput records the run's final output.
func (c *Context) SetFinalOutput(value any) {
	c.finalOutput = value
}

// FinalOutput returns the run's final output.
func (c *Context) FinalOutput() any {
	return c.finalOutput
}

// InputConfigured reports whether the node declares the named input at
// all. Nodes with optional inputs (Merge, SystemPrompt) check this
// before resolving.
func (c *Context) InputConfigured(nodeID, inputName string) bool {
	node, ok := c.nodes[nodeID]
	if !ok {
		return false
	}
	_, ok = node.Inputs[inputName]
	return ok
}

// GetInput resolves one input of a node. Resolution order:
//
//  1. connection — read the upstream node's output; a missing output is
//     a dependency violation and fails the run (topological order makes
//     this unreachable in a valid graph);
//  2. literal value — resolved recursively (nested connections inside
//     maps and slices yield nil when the upstream output is absent),
//     then passed through the optional transform;
//  3. global_input — read from the run's global inputs; missing is an
//     error.
//
// An input bound to none of the three resolves to nil.
func (c *Context) GetInput(ctx context.Context, nodeID, inputName string) (any, error) {
	node, ok := c.nodes[nodeID]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "node %q not found in workflow definition", nodeID)
	}
	source, ok := node.Inputs[inputName]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "input %q not configured for node %q", inputName, nodeID)
	}

	switch {
	case source.Connection != nil:
		value, present := c.Output(source.Connection.FromNode, source.Connection.FromOutput)
		if !present {
			return nil, schema.NewErrorf(schema.ErrCodeExecution,
				"output %q from node %q not available for node %q",
				source.Connection.FromOutput, source.Connection.FromNode, nodeID)
		}
		return value, nil

	case source.HasValue:
		value := c.resolveValue(source.Value)
		if source.Transform != "" {
			return c.applyTransform(ctx, value, source.Transform)
		}
		return value, nil

	case source.GlobalInput != "":
		value, present := c.globalInputs[source.GlobalInput]
		if !present {
			return nil, schema.NewErrorf(schema.ErrCodeExecution,
				"global input %q not found (node %q)", source.GlobalInput, nodeID)
		}
		return value, nil
	}

	return nil, nil
}

// resolveValue recursively resolves a literal, replacing nested
// {connection: {from_node, from_output}} maps with the upstream output
// or nil when it has not been produced.
func (c *Context) resolveValue(value any) any {
	switch v := value.(type) {
	case map[string]any:
		if conn, ok := nestedConnection(v); ok {
			out, present := c.Output(conn.FromNode, conn.FromOutput)
			if !present {
				return nil
			}
			return out
		}
		resolved := make(map[string]any, len(v))
		for key, item := range v {
			resolved[key] = c.resolveValue(item)
		}
		return resolved
	case []any:
		resolved := make([]any, len(v))
		for i, item := range v {
			resolved[i] = c.resolveValue(item)
		}
		return resolved
	default:
		return value
	}
}

// nestedConnection recognizes a literal map of the form
// {"connection": {"from_node": ..., "from_output": ...}}.
func nestedConnection(m map[string]any) (schema.Connection, bool) {
	raw, ok := m["connection"]
	if !ok {
		return schema.Connection{}, false
	}
	cm, ok := raw.(map[string]any)
	if !ok {
		return schema.Connection{}, false
	}
	fromNode, _ := cm["from_node"].(string)
	fromOutput, _ := cm["from_output"].(string)
	return schema.Connection{FromNode: fromNode, FromOutput: fromOutput}, true
}

// jqTransformPrefix marks a transform expression evaluated with jq
// instead of a named extractor.
const jqTransformPrefix = "jq:"

func (c *Context) applyTransform(ctx context.Context, value any, transform string) (any, error) {
	switch transform {
	case "extract_expert":
		return extractArgField(value, "expert"), nil
	case "extract_query":
		return extractArgField(value, "query"), nil
	}
	if strings.HasPrefix(transform, jqTransformPrefix) {
		if c.jq == nil {
			return nil, schema.NewError(schema.ErrCodeValidation, "jq transforms are not enabled for this run")
		}
		return c.jq.Transform(ctx, strings.TrimPrefix(transform, jqTransformPrefix), value)
	}
	return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown transform: %s", transform)
}

// extractArgField pulls value["args"][field] out of a parsed tool call.
func extractArgField(value any, field string) any {
	m, ok := value.(map[string]any)
	if !ok {
		return nil
	}
	args, ok := m["args"].(map[string]any)
	if !ok {
		return nil
	}
	return args[field]
}

// Snapshot returns a serializable view of the run state for history.
func (c *Context) Snapshot() map[string]any {
	outputs := make(map[string]any, len(c.nodeOutputs))
	for nodeID, m := range c.nodeOutputs {
		copied := make(map[string]any, len(m))
		for k, v := range m {
			copied[k] = v
		}
		outputs[nodeID] = copied
	}
	return map[string]any{
		"global_inputs": c.globalInputs,
		"node_outputs":  outputs,
		"final_output":  c.finalOutput,
	}
}
