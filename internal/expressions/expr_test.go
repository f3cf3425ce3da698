package expressions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/gastown/pkg/schema"
)

func TestExprEngine_Name(t *testing.T) {
	assert.Equal(t, "expr", NewExprEngine().Name())
}

func TestExprEngine_Arithmetic(t *testing.T) {
	engine := NewExprEngine()

	result, err := engine.Evaluate(context.Background(), `(2 + 3) * 4`, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 20, result)
}

func TestExprEngine_EnvironmentVariables(t *testing.T) {
	engine := NewExprEngine()

	result, err := engine.Evaluate(context.Background(), `price * quantity`, map[string]any{
		"price":    2.5,
		"quantity": 4,
	})
	require.NoError(t, err)
	assert.EqualValues(t, 10.0, result)
}

func TestExprEngine_UndefinedVariablesAllowed(t *testing.T) {
	engine := NewExprEngine()

	result, err := engine.Evaluate(context.Background(), `missing == nil`, map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, true, result)
}

func TestExprEngine_StringAndCollectionHelpers(t *testing.T) {
	engine := NewExprEngine()

	result, err := engine.Evaluate(context.Background(),
		`len(filter(items, # > 2))`,
		map[string]any{"items": []any{1, 2, 3, 4}})
	require.NoError(t, err)
	assert.EqualValues(t, 2, result)
}

func TestExprEngine_CompileErrorIsValidation(t *testing.T) {
	engine := NewExprEngine()

	_, err := engine.Evaluate(context.Background(), `1 +`, nil)
	require.Error(t, err)

	var gerr *schema.GastownError
	require.ErrorAs(t, err, &gerr)
	assert.Equal(t, schema.ErrCodeValidation, gerr.Code)
}

func TestExprEngine_EmptyExpression(t *testing.T) {
	engine := NewExprEngine()

	_, err := engine.Evaluate(context.Background(), "", nil)
	require.Error(t, err)

	var gerr *schema.GastownError
	require.ErrorAs(t, err, &gerr)
	assert.Equal(t, schema.ErrCodeValidation, gerr.Code)
}

func TestExprEngine_CachesCompiledPrograms(t *testing.T) {
	engine := NewExprEngine()
	ctx := context.Background()

	_, err := engine.Evaluate(ctx, `40 + 2`, nil)
	require.NoError(t, err)

	engine.mu.RLock()
	_, cached := engine.cache[`40 + 2`]
	engine.mu.RUnlock()
	assert.True(t, cached)
}
