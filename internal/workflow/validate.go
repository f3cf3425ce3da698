package workflow

import (
	"encoding/json"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/gastown/pkg/schema"
)

// workflowSchemaJSON is the JSON Schema for WorkflowDefinition validation.
// Embedded as a constant to avoid filesystem dependencies.
const workflowSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://gastown.dev/schemas/workflow.json",
  "type": "object",
  "required": ["name", "nodes"],
  "properties": {
    "name": {
      "type": "string",
      "minLength": 1
    },
    "description": { "type": "string" },
    "nodes": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/node" }
    }
  },
  "additionalProperties": false,
  "$defs": {
    "node": {
      "type": "object",
      "required": ["id", "type"],
      "properties": {
        "id": {
          "type": "string",
          "minLength": 1
        },
        "type": {
          "type": "string",
          "minLength": 1
        },
        "inputs": {
          "type": "object",
          "additionalProperties": { "$ref": "#/$defs/input" }
        },
        "config": {
          "type": "object"
        }
      },
      "additionalProperties": false
    },
    "input": {
      "type": "object",
      "properties": {
        "connection": { "$ref": "#/$defs/connection" },
        "value": {},
        "transform": { "type": "string" },
        "global_input": { "type": "string" }
      },
      "additionalProperties": false
    },
    "connection": {
      "type": "object",
      "required": ["from_node", "from_output"],
      "properties": {
        "from_node": {
          "type": "string",
          "minLength": 1
        },
        "from_output": {
          "type": "string",
          "minLength": 1
        }
      },
      "additionalProperties": false
    }
  }
}`

// Validator validates workflow definitions against the embedded JSON
// Schema before structural checks (duplicate ids, dangling connections)
// that run at graph build time.
type Validator struct {
	workflowSchema *jsonschema.Schema
}

// NewValidator compiles the embedded workflow schema. Fails only on a
// programming error in the schema constant.
func NewValidator() (*Validator, error) {
	compiler := jsonschema.NewCompiler()
	compiler.AssertFormat()

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(workflowSchemaJSON))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "failed to parse workflow schema: %s", err)
	}
	const url = "https://gastown.dev/schemas/workflow.json"
	if err := compiler.AddResource(url, doc); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "failed to add workflow schema: %s", err)
	}
	compiled, err := compiler.Compile(url)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "failed to compile workflow schema: %s", err)
	}

	return &Validator{workflowSchema: compiled}, nil
}

// ValidateDefinition checks a parsed definition against the workflow
// schema, then applies structural checks the schema cannot express.
func (v *Validator) ValidateDefinition(def *schema.WorkflowDefinition) error {
	if def == nil {
		return schema.NewError(schema.ErrCodeValidation, "workflow definition is nil")
	}
	return v.Check(def).ToError()
}

// Check runs every validation pass and collects the issues instead of
// stopping at the first one. Structural checks only run once the
// document passes the schema, since they assume well-formed nodes.
func (v *Validator) Check(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if def == nil {
		result.AddError("/", "nil_definition", "workflow definition is nil")
		return result
	}

	doc, err := toJSONValue(def)
	if err != nil {
		result.AddError("/", "serialize", fmt.Sprintf("failed to serialize workflow: %s", err))
		return result
	}
	if err := v.workflowSchema.Validate(doc); err != nil {
		collectSchemaIssues(result, err)
		return result
	}

	seen := make(map[string]bool, len(def.Nodes))
	for i, node := range def.Nodes {
		if seen[node.ID] {
			result.AddError(nodePath(i), "duplicate_node",
				fmt.Sprintf("duplicate node id: %s", node.ID))
		}
		seen[node.ID] = true
	}

	consumed := make(map[string]bool, len(def.Nodes))
	for i, node := range def.Nodes {
		for inputName, src := range node.Inputs {
			if src.Connection == nil {
				continue
			}
			if !seen[src.Connection.FromNode] {
				result.AddError(nodePath(i)+"/inputs/"+inputName, "unknown_node",
					fmt.Sprintf("node %s input %s references unknown node %s",
						node.ID, inputName, src.Connection.FromNode))
				continue
			}
			consumed[src.Connection.FromNode] = true
		}
	}

	// An isolated node still executes but feeds nothing, which is
	// almost always a wiring mistake worth flagging.
	if len(def.Nodes) > 1 {
		for i, node := range def.Nodes {
			if len(node.Inputs) == 0 && !consumed[node.ID] {
				result.AddWarning(nodePath(i), "isolated_node",
					fmt.Sprintf("node %s has no inputs and no consumers", node.ID))
			}
		}
	}
	return result
}

func nodePath(i int) string {
	return fmt.Sprintf("/nodes/%d", i)
}

// toJSONValue round-trips a value through encoding/json so the
// validator sees the same shapes a decoded document would have.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// collectSchemaIssues converts a jsonschema.ValidationError tree into
// per-violation issues on the result.
func collectSchemaIssues(result *schema.ValidationResult, err error) {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		result.AddError("/", "schema", err.Error())
		return
	}
	collectViolations(result, verr)
	if result.Valid() {
		result.AddError("/", "schema", verr.Error())
	}
}

// collectViolations walks a ValidationError tree and records leaf
// messages with their instance locations.
func collectViolations(result *schema.ValidationResult, verr *jsonschema.ValidationError) {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		result.AddError(loc, "schema", verr.Error())
		return
	}
	for _, cause := range verr.Causes {
		collectViolations(result, cause)
	}
}
