package workflow

import (
	"context"
	"log/slog"

	"github.com/rendis/gastown/internal/approval"
	"github.com/rendis/gastown/internal/discovery"
	"github.com/rendis/gastown/internal/expressions"
	"github.com/rendis/gastown/internal/llm"
	"github.com/rendis/gastown/internal/tools"
	"github.com/rendis/gastown/pkg/schema"
)

// Node is one executable unit of a workflow. Implementations read
// inputs through the run Context and write named outputs back; errors
// abort the run.
type Node interface {
	ID() string
	Execute(ctx context.Context, wc *Context) error
}

// Services carries the external capabilities nodes may use. It is
// constructed once at process start and passed explicitly; nodes never
// reach for process-wide state.
type Services struct {
	LLM       llm.Client
	Discovery discovery.Resolver
	Tools     *tools.Registry
	Gates     *approval.Gates
	Branch    *expressions.CELEngine
	Logger    *slog.Logger
}

func (s Services) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}

// BaseNode is embedded by every node implementation: it carries the
// definition and the shared input/output/config plumbing.
type BaseNode struct {
	def schema.NodeDefinition
	svc Services
}

func newBaseNode(def schema.NodeDefinition, svc Services) BaseNode {
	return BaseNode{def: def, svc: svc}
}

// ID returns the node's workflow-unique id.
func (b *BaseNode) ID() string { return b.def.ID }

// Input resolves one of this node's inputs.
func (b *BaseNode) Input(ctx context.Context, wc *Context, name string) (any, error) {
	return wc.GetInput(ctx, b.def.ID, name)
}

// OptionalInput resolves an input that may not be configured,
// returning nil without error when it is absent.
func (b *BaseNode) OptionalInput(ctx context.Context, wc *Context, name string) (any, error) {
	if !wc.InputConfigured(b.def.ID, name) {
		return nil, nil
	}
	return wc.GetInput(ctx, b.def.ID, name)
}

// SetOutput writes one of this node's outputs.
func (b *BaseNode) SetOutput(wc *Context, name string, value any) {
	wc.SetOutput(b.def.ID, name, value)
}

func (b *BaseNode) configString(key, defaultVal string) string {
	v, ok := b.def.Config[key]
	if !ok {
		return defaultVal
	}
	s, ok := v.(string)
	if !ok {
		return defaultVal
	}
	return s
}

func (b *BaseNode) configInt(key string, defaultVal int) int {
	v, ok := b.def.Config[key]
	if !ok {
		return defaultVal
	}
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	default:
		return defaultVal
	}
}

func (b *BaseNode) hasConfig(key string) bool {
	_, ok := b.def.Config[key]
	return ok
}

func (b *BaseNode) configStrings(key string) []string {
	v, ok := b.def.Config[key]
	if !ok {
		return nil
	}
	switch list := v.(type) {
	case []string:
		return list
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
