package workflow

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/gastown/pkg/schema"
)

func TestValidateDefinitionAccepts(t *testing.T) {
	v, err := NewValidator()
	require.NoError(t, err)

	def := &schema.WorkflowDefinition{
		Name: "assistant",
		Nodes: []schema.NodeDefinition{
			{ID: "in", Type: "InputNode", Config: map[string]any{"outputs": []any{"user_query"}}},
			{ID: "llm", Type: "SimpleLLMNode", Inputs: map[string]schema.InputSource{
				"user_text": connInput("in", "user_query"),
			}},
			{ID: "out", Type: "OutputNode", Inputs: map[string]schema.InputSource{
				"final_output": connInput("llm", "response"),
			}},
		},
	}

	require.NoError(t, v.ValidateDefinition(def))
}

func TestValidateDefinitionRejectsMissingName(t *testing.T) {
	v, err := NewValidator()
	require.NoError(t, err)

	def := &schema.WorkflowDefinition{
		Nodes: []schema.NodeDefinition{{ID: "a", Type: "InputNode"}},
	}

	err = v.ValidateDefinition(def)
	var gerr *schema.GastownError
	require.True(t, errors.As(err, &gerr))
	assert.Equal(t, schema.ErrCodeValidation, gerr.Code)
}

func TestValidateDefinitionRejectsEmptyNodes(t *testing.T) {
	v, err := NewValidator()
	require.NoError(t, err)

	err = v.ValidateDefinition(&schema.WorkflowDefinition{Name: "empty"})
	var gerr *schema.GastownError
	require.True(t, errors.As(err, &gerr))
	assert.Equal(t, schema.ErrCodeValidation, gerr.Code)
}

func TestValidateDefinitionRejectsNodeWithoutType(t *testing.T) {
	v, err := NewValidator()
	require.NoError(t, err)

	def := &schema.WorkflowDefinition{
		Name:  "untyped",
		Nodes: []schema.NodeDefinition{{ID: "a"}},
	}

	err = v.ValidateDefinition(def)
	var gerr *schema.GastownError
	require.True(t, errors.As(err, &gerr))
	assert.Equal(t, schema.ErrCodeValidation, gerr.Code)
	assert.NotEmpty(t, gerr.Details["errors"])
}

func TestValidateDefinitionRejectsDuplicateIDs(t *testing.T) {
	v, err := NewValidator()
	require.NoError(t, err)

	def := &schema.WorkflowDefinition{
		Name: "dupes",
		Nodes: []schema.NodeDefinition{
			{ID: "a", Type: "InputNode"},
			{ID: "a", Type: "OutputNode"},
		},
	}

	err = v.ValidateDefinition(def)
	var gerr *schema.GastownError
	require.True(t, errors.As(err, &gerr))
	assert.Contains(t, gerr.Message, "duplicate node id")
}

func TestValidateDefinitionRejectsUnknownConnectionTarget(t *testing.T) {
	v, err := NewValidator()
	require.NoError(t, err)

	def := &schema.WorkflowDefinition{
		Name: "dangling",
		Nodes: []schema.NodeDefinition{
			{ID: "out", Type: "OutputNode", Inputs: map[string]schema.InputSource{
				"final_output": connInput("ghost", "response"),
			}},
		},
	}

	err = v.ValidateDefinition(def)
	var gerr *schema.GastownError
	require.True(t, errors.As(err, &gerr))
	assert.Contains(t, gerr.Message, "unknown node")
}

func TestValidateDefinitionNil(t *testing.T) {
	v, err := NewValidator()
	require.NoError(t, err)

	err = v.ValidateDefinition(nil)
	var gerr *schema.GastownError
	require.True(t, errors.As(err, &gerr))
	assert.Equal(t, schema.ErrCodeValidation, gerr.Code)
}

func TestCheckCollectsAllIssues(t *testing.T) {
	v, err := NewValidator()
	require.NoError(t, err)

	def := &schema.WorkflowDefinition{
		Name: "messy",
		Nodes: []schema.NodeDefinition{
			{ID: "a", Type: "InputNode"},
			{ID: "a", Type: "StaticTextNode"},
			{ID: "out", Type: "OutputNode", Inputs: map[string]schema.InputSource{
				"final_output": connInput("ghost", "response"),
			}},
		},
	}

	result := v.Check(def)
	assert.False(t, result.Valid())
	require.Len(t, result.Errors, 2)
	assert.Equal(t, "duplicate_node", result.Errors[0].Code)
	assert.Equal(t, "/nodes/1", result.Errors[0].Path)
	assert.Equal(t, "unknown_node", result.Errors[1].Code)
}

func TestCheckWarnsOnIsolatedNode(t *testing.T) {
	v, err := NewValidator()
	require.NoError(t, err)

	def := &schema.WorkflowDefinition{
		Name: "loose-end",
		Nodes: []schema.NodeDefinition{
			{ID: "in", Type: "InputNode"},
			{ID: "stray", Type: "StaticTextNode"},
			{ID: "out", Type: "OutputNode", Inputs: map[string]schema.InputSource{
				"final_output": connInput("in", "user_query"),
			}},
		},
	}

	result := v.Check(def)
	assert.True(t, result.Valid())
	assert.NoError(t, result.ToError())
	require.Len(t, result.Warnings, 1)
	assert.Equal(t, "isolated_node", result.Warnings[0].Code)
	assert.Contains(t, result.Warnings[0].Message, "stray")
}
