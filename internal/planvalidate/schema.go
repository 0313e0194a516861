package planvalidate

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/forgeharness/forge/internal/workorder"
)

// topLevelSchemaDoc backs E000: the top level must be an object containing
// a non-empty work_orders array of objects. It deliberately stops there —
// per-work-order field invariants belong to fieldInvariantSchemaDoc/E005,
// compiled and run separately.
const topLevelSchemaDoc = `{
  "type": "object",
  "required": ["work_orders"],
  "properties": {
    "work_orders": {
      "type": "array",
      "minItems": 1,
      "items": {"type": "object"}
    }
  }
}`

// fieldInvariantSchemaDoc backs the cardinality/enum invariants of E005:
// acceptance_commands must be non-empty, context_files is capped, and a
// postcondition's kind is restricted to file_exists. It is compiled once
// with the same NewCompiler/AddResource/Compile sequence the teacher's
// internal/agent/tool_registry.go uses to compile tool-parameter schemas.
var fieldInvariantSchemaDoc = fmt.Sprintf(`{
  "type": "object",
  "properties": {
    "work_orders": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "acceptance_commands": {
            "type": "array",
            "minItems": 1
          },
          "context_files": {
            "type": "array",
            "maxItems": %d
          },
          "postconditions": {
            "type": "array",
            "items": {
              "type": "object",
              "properties": {
                "kind": {"enum": ["file_exists"]}
              }
            }
          }
        }
      }
    }
  }
}`, workorder.MaxContextFiles)

var (
	topLevelSchemaOnce sync.Once
	topLevelSchema     *jsonschema.Schema
	topLevelSchemaErr  error

	fieldInvariantSchemaOnce sync.Once
	fieldInvariantSchema     *jsonschema.Schema
	fieldInvariantSchemaErr  error
)

func compileSchema(name, doc string) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, strings.NewReader(doc)); err != nil {
		return nil, err
	}
	return c.Compile(name)
}

func compiledTopLevelSchema() (*jsonschema.Schema, error) {
	topLevelSchemaOnce.Do(func() {
		topLevelSchema, topLevelSchemaErr = compileSchema("top_level.json", topLevelSchemaDoc)
	})
	return topLevelSchema, topLevelSchemaErr
}

func compiledFieldInvariantSchema() (*jsonschema.Schema, error) {
	fieldInvariantSchemaOnce.Do(func() {
		fieldInvariantSchema, fieldInvariantSchemaErr = compileSchema("field_invariants.json", fieldInvariantSchemaDoc)
	})
	return fieldInvariantSchema, fieldInvariantSchemaErr
}

// decodeGeneric unmarshals data into the plain interface{} shape
// (*jsonschema.Schema).Validate requires.
func decodeGeneric(data []byte) (interface{}, error) {
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("top level must be a JSON object: %w", err)
	}
	return v, nil
}

// validateTopLevelShape runs E000's schema against data, the raw LLM
// response bytes or the manifest's own JSON re-encoding.
func validateTopLevelShape(data []byte) error {
	schema, err := compiledTopLevelSchema()
	if err != nil {
		return err
	}
	v, err := decodeGeneric(data)
	if err != nil {
		return err
	}
	return schema.Validate(v)
}

// validateFieldInvariants runs E005's cardinality/enum schema against the
// manifest's own JSON re-encoding.
func validateFieldInvariants(data []byte) error {
	schema, err := compiledFieldInvariantSchema()
	if err != nil {
		return err
	}
	v, err := decodeGeneric(data)
	if err != nil {
		return err
	}
	return schema.Validate(v)
}
