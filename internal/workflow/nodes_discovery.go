package workflow

import (
	"context"

	"github.com/rendis/gastown/pkg/schema"
)

// ServiceDiscoveryNode lists the expert LLM services currently
// registered in the discovery catalog. A discovery failure produces an
// empty list rather than failing the run.
type ServiceDiscoveryNode struct {
	BaseNode
}

// NewServiceDiscoveryNode constructs a ServiceDiscoveryNode.
func NewServiceDiscoveryNode(def schema.NodeDefinition, svc Services) (Node, error) {
	return &ServiceDiscoveryNode{newBaseNode(def, svc)}, nil
}

func (n *ServiceDiscoveryNode) Execute(ctx context.Context, wc *Context) error {
	var experts []string
	if n.svc.Discovery != nil {
		experts = n.svc.Discovery.ListExperts(ctx)
	}
	if experts == nil {
		experts = []string{}
	}
	n.SetOutput(wc, "available_services", experts)
	return nil
}
