package workflow

import (
	"github.com/rendis/gastown/pkg/schema"
)

// Graph is the dependency structure of a workflow: edges run from each
// node to the nodes whose top-level connection inputs reference it.
// Connections nested inside literal values create no edges; they are
// the escape hatch for optional, possibly-absent upstream data.
type Graph struct {
	Nodes   map[string]*schema.NodeDefinition
	Edges   map[string][]string // node ID → dependencies
	Reverse map[string][]string // node ID → dependents
	Sorted  []string            // topological order
	Roots   []string            // nodes with no dependencies
}

// BuildGraph validates the definition's wiring and computes the
// execution order with Kahn's algorithm. A cycle is a fatal
// configuration error: the run must execute zero nodes.
func BuildGraph(def *schema.WorkflowDefinition) (*Graph, error) {
	if def == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow definition is nil")
	}
	if len(def.Nodes) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow has no nodes")
	}

	g := &Graph{
		Nodes:   make(map[string]*schema.NodeDefinition, len(def.Nodes)),
		Edges:   make(map[string][]string, len(def.Nodes)),
		Reverse: make(map[string][]string, len(def.Nodes)),
	}

	// First pass: register nodes, reject duplicates. Declaration order
	// breaks ties among independent nodes in the final ordering.
	order := make(map[string]int, len(def.Nodes))
	for i := range def.Nodes {
		node := &def.Nodes[i]
		if node.ID == "" {
			return nil, schema.NewError(schema.ErrCodeValidation, "workflow node has empty id")
		}
		if node.Type == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "node %q has empty type", node.ID)
		}
		if _, exists := g.Nodes[node.ID]; exists {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "duplicate node id: %s", node.ID)
		}
		g.Nodes[node.ID] = node
		order[node.ID] = i
	}

	// Second pass: build adjacency lists from top-level connections.
	for id, node := range g.Nodes {
		seen := make(map[string]bool)
		var deps []string
		for inputName, source := range node.Inputs {
			if source.Connection == nil {
				continue
			}
			from := source.Connection.FromNode
			if _, exists := g.Nodes[from]; !exists {
				return nil, schema.NewErrorf(schema.ErrCodeValidation,
					"node %q input %q references non-existent node %q", id, inputName, from)
			}
			if from == id {
				return nil, schema.NewErrorf(schema.ErrCodeCycleDetected, "node %q depends on itself", id)
			}
			if seen[from] {
				continue
			}
			seen[from] = true
			deps = append(deps, from)
			g.Reverse[from] = append(g.Reverse[from], id)
		}
		sortByOrder(deps, order)
		g.Edges[id] = deps
	}
	for from := range g.Reverse {
		sortByOrder(g.Reverse[from], order)
	}

	// Kahn's algorithm: topological sort + cycle detection.
	inDegree := make(map[string]int, len(g.Nodes))
	for id := range g.Nodes {
		inDegree[id] = len(g.Edges[id])
	}

	queue := make([]string, 0)
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}

	sortByOrder(queue, order)
	g.Roots = make([]string, len(queue))
	copy(g.Roots, queue)

	sorted := make([]string, 0, len(g.Nodes))
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		sorted = append(sorted, node)

		for _, dep := range g.Reverse[node] {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				// Keep ready nodes in declaration order so ties among
				// independent nodes execute as written.
				queue = append(queue, dep)
				sortByOrder(queue, order)
			}
		}
	}

	if len(sorted) != len(g.Nodes) {
		return nil, schema.NewError(schema.ErrCodeCycleDetected, "workflow contains a cycle")
	}
	g.Sorted = sorted

	return g, nil
}

// sortByOrder sorts a small slice of node ids in place by their
// declaration index, with insertion sort.
func sortByOrder(s []string, order map[string]int) {
	for i := 1; i < len(s); i++ {
		key := s[i]
		j := i - 1
		for j >= 0 && order[s[j]] > order[key] {
			s[j+1] = s[j]
			j--
		}
		s[j+1] = key
	}
}
