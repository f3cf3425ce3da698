package expressions

import "context"

// Engine evaluates expressions against workflow data.
// Three implementations: CEL (branch conditions), GoJQ (input
// transforms), Expr (the expr.eval tool).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
