package schema

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// WorkflowDefinition is the YAML-serializable workflow graph. Nodes are
// wired by input connections; execution order is derived from those
// connections, never declared explicitly.
type WorkflowDefinition struct {
	Name        string           `yaml:"name" json:"name"`
	Description string           `yaml:"description,omitempty" json:"description,omitempty"`
	Nodes       []NodeDefinition `yaml:"nodes" json:"nodes"`
}

// NodeDefinition describes a single node instance in a workflow.
type NodeDefinition struct {
	ID     string                 `yaml:"id" json:"id"`
	Type   string                 `yaml:"type" json:"type"`
	Inputs map[string]InputSource `yaml:"inputs,omitempty" json:"inputs,omitempty"`
	Config map[string]any         `yaml:"config,omitempty" json:"config,omitempty"`
}

// Connection points an input at another node's named output.
type Connection struct {
	FromNode   string `yaml:"from_node" json:"from_node"`
	FromOutput string `yaml:"from_output" json:"from_output"`
}

// InputSource is one input binding. Exactly one of Connection, Value,
// or GlobalInput is expected; resolution tries them in that order.
// HasValue distinguishes an explicit literal null from an absent key.
type InputSource struct {
	Connection  *Connection `yaml:"connection,omitempty" json:"connection,omitempty"`
	Value       any         `yaml:"value,omitempty" json:"value,omitempty"`
	HasValue    bool        `yaml:"-" json:"-"`
	Transform   string      `yaml:"transform,omitempty" json:"transform,omitempty"`
	GlobalInput string      `yaml:"global_input,omitempty" json:"global_input,omitempty"`
}

// UnmarshalYAML records whether the "value" key was present so that a
// literal null binding is not confused with a missing one.
func (s *InputSource) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("input source must be a mapping, got %v", node.Kind)
	}
	type plain InputSource
	var p plain
	if err := node.Decode(&p); err != nil {
		return err
	}
	*s = InputSource(p)
	for i := 0; i < len(node.Content); i += 2 {
		if node.Content[i].Value == "value" {
			s.HasValue = true
		}
	}
	return nil
}

// ManagedTask is one unit of fan-out work produced by a Manager's map
// phase and carried to a dispatched worker through its environment.
type ManagedTask struct {
	ID      string `json:"id"`
	Prompt  string `json:"prompt"`
	Context string `json:"context,omitempty"`
}

// Swarm run statuses. A run is partial when at least one dispatched
// sub-task never reported a terminal event before the reduce timeout.
const (
	SwarmComplete = "complete"
	SwarmPartial  = "partial"
)

// SwarmResult is the reduce-phase outcome: whatever results arrived in
// time plus the ids that never reported.
type SwarmResult struct {
	Status  string            `json:"status"`
	Results map[string]string `json:"results"`
	Missing []string          `json:"missing,omitempty"`
	Verdict string            `json:"verdict,omitempty"`
}

// ToolCall is the parsed form of an agent's tool invocation.
type ToolCall struct {
	Tool string         `json:"tool"`
	Args map[string]any `json:"args,omitempty"`
}
