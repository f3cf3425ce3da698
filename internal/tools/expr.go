package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rendis/gastown/internal/expressions"
	"github.com/rendis/gastown/pkg/schema"
)

// ExprEvalTool implements "expr.eval": evaluate an expression against
// an optional environment map. Agents use it for arithmetic and data
// shaping without another LLM round trip.
type ExprEvalTool struct {
	engine *expressions.ExprEngine
}

// NewExprEvalTool creates the expr.eval tool over the given engine.
func NewExprEvalTool(engine *expressions.ExprEngine) *ExprEvalTool {
	return &ExprEvalTool{engine: engine}
}

func (t *ExprEvalTool) Name() string { return "expr.eval" }

func (t *ExprEvalTool) Description() string {
	return "Evaluate an expression. Args: expression (string, required), env (object, optional)."
}

func (t *ExprEvalTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	expression := stringParam(args, "expression", "")
	if expression == "" {
		return "", schema.NewError(schema.ErrCodeValidation, "expr.eval: missing required arg 'expression'")
	}

	result, err := t.engine.Evaluate(ctx, expression, mapParam(args, "env"))
	if err != nil {
		return "", err
	}

	switch v := result.(type) {
	case nil:
		return "null", nil
	case string:
		return v, nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v), nil
		}
		return string(b), nil
	}
}

var _ Tool = (*ExprEvalTool)(nil)
