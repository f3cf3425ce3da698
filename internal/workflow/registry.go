package workflow

import (
	"sync"

	"github.com/rendis/gastown/pkg/schema"
)

// Constructor builds a node instance from its definition. One fresh
// instance is constructed per node per run.
type Constructor func(def schema.NodeDefinition, svc Services) (Node, error)

// NodeRegistry maps node type names to constructors.
type NodeRegistry struct {
	mu           sync.RWMutex
	constructors map[string]Constructor
}

// NewNodeRegistry creates an empty registry.
func NewNodeRegistry() *NodeRegistry {
	return &NodeRegistry{
		constructors: make(map[string]Constructor),
	}
}

// Register adds a constructor for a node type. Returns an error on
// empty type name, nil constructor, or duplicate type.
func (r *NodeRegistry) Register(typeName string, ctor Constructor) error {
	if typeName == "" {
		return schema.NewError(schema.ErrCodeValidation, "node type name is empty")
	}
	if ctor == nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "node type %q has nil constructor", typeName)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.constructors[typeName]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "node type %q already registered", typeName)
	}
	r.constructors[typeName] = ctor
	return nil
}

// New instantiates a node from its definition. An unknown type is a
// fatal configuration error for the run.
func (r *NodeRegistry) New(def schema.NodeDefinition, svc Services) (Node, error) {
	r.mu.RLock()
	ctor, ok := r.constructors[def.Type]
	r.mu.RUnlock()

	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown node type: %s", def.Type)
	}
	return ctor(def, svc)
}

// Has checks whether a node type is registered.
func (r *NodeRegistry) Has(typeName string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.constructors[typeName]
	return ok
}

// DefaultRegistry returns a registry with every builtin node type.
func DefaultRegistry() *NodeRegistry {
	r := NewNodeRegistry()
	for typeName, ctor := range map[string]Constructor{
		"InputNode":                  NewInputNode,
		"OutputNode":                 NewOutputNode,
		"MergeNode":                  NewMergeNode,
		"ConditionalBranchNode":      NewConditionalBranchNode,
		"SystemPromptNode":           NewSystemPromptNode,
		"ToolParserNode":             NewToolParserNode,
		"ToolExecutorNode":           NewToolExecutorNode,
		"SimpleLLMNode":              NewSimpleLLMNode,
		"ExpertRouterNode":           NewExpertRouterNode,
		"ConsulServiceDiscoveryNode": NewServiceDiscoveryNode,
	} {
		// Registration of the builtin set cannot collide.
		_ = r.Register(typeName, ctor)
	}
	return r
}
