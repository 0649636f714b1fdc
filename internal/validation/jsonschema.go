// Package validation checks raw template payloads against a JSON Schema
// before the graph compiler sees them, and optionally validates instance
// initial data against a template-supplied schema.
package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/senthilnathang/flowcore/pkg/schema"
)

// templateSchemaJSON is the JSON Schema for template payloads. Embedded as a
// constant to avoid filesystem dependencies.
const templateSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://flowcore.dev/schemas/template.json",
  "type": "object",
  "required": ["id", "name", "nodes", "edges"],
  "properties": {
    "id": { "type": "string", "minLength": 1 },
    "version": { "type": "integer", "minimum": 1 },
    "name": { "type": "string", "minLength": 1 },
    "description": { "type": "string" },
    "status": { "type": "string", "enum": ["draft", "active", "inactive"] },
    "nodes": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/node" }
    },
    "edges": {
      "type": "array",
      "items": { "$ref": "#/$defs/edge" }
    },
    "variables": {
      "type": "array",
      "items": { "$ref": "#/$defs/variable" }
    },
    "created_by": { "type": "string" },
    "created_at": { "type": "string" },
    "updated_at": { "type": "string" }
  },
  "additionalProperties": false,
  "$defs": {
    "node": {
      "type": "object",
      "required": ["id", "kind"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "kind": {
          "type": "string",
          "enum": ["state", "conditional", "parallel_gateway", "timer",
                   "user_task", "loop", "variable", "sub_workflow", "script"]
        },
        "name": { "type": "string" },
        "state": { "type": "object" },
        "conditional": { "type": "object" },
        "gateway": { "type": "object" },
        "timer": { "type": "object" },
        "user_task": { "type": "object" },
        "loop": { "type": "object" },
        "variable": { "type": "object" },
        "sub_workflow": { "type": "object" },
        "script": { "type": "object" }
      },
      "additionalProperties": false
    },
    "edge": {
      "type": "object",
      "required": ["id", "source", "target"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "source": { "type": "string", "minLength": 1 },
        "target": { "type": "string", "minLength": 1 },
        "handle": { "type": "string" },
        "guard": { "type": "string" }
      },
      "additionalProperties": false
    },
    "variable": {
      "type": "object",
      "required": ["name", "scope"],
      "properties": {
        "name": { "type": "string", "minLength": 1 },
        "scope": { "type": "string", "enum": ["local", "instance", "global"] },
        "initial": {}
      },
      "additionalProperties": false
    }
  }
}`

// TemplateValidator validates template payloads with JSON Schema Draft
// 2020-12. Safe for concurrent use.
type TemplateValidator struct {
	templateSchema *jsonschema.Schema

	// mu guards the cache for dynamic schema compilation.
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewTemplateValidator creates a TemplateValidator with the template schema
// pre-compiled.
func NewTemplateValidator() (*TemplateValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(templateSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal template schema: %w", err)
	}
	if err := c.AddResource("https://flowcore.dev/schemas/template.json", doc); err != nil {
		return nil, fmt.Errorf("add template schema resource: %w", err)
	}
	compiled, err := c.Compile("https://flowcore.dev/schemas/template.json")
	if err != nil {
		return nil, fmt.Errorf("compile template schema: %w", err)
	}

	return &TemplateValidator{
		templateSchema: compiled,
		cache:          make(map[string]*jsonschema.Schema),
	}, nil
}

// ValidatePayload validates a raw template payload against the template
// schema.
func (v *TemplateValidator) ValidatePayload(payload []byte) error {
	if len(payload) == 0 {
		return schema.NewError(schema.ErrCodeValidation, "template payload is empty")
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(payload)))
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "template payload is not valid JSON").WithCause(err)
	}
	if err := v.templateSchema.Validate(doc); err != nil {
		return toFlowError(err)
	}
	return nil
}

// ValidateTemplate validates a parsed template by round-tripping it through
// its JSON form.
func (v *TemplateValidator) ValidateTemplate(t *schema.Template) error {
	if t == nil {
		return schema.NewError(schema.ErrCodeValidation, "template is nil")
	}
	payload, err := json.Marshal(t)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "serialize template").WithCause(err)
	}
	return v.ValidatePayload(payload)
}

// ValidateInitialData validates instance initial data against a
// template-supplied JSON Schema. An empty schema validates everything.
func (v *TemplateValidator) ValidateInitialData(data map[string]any, dataSchema []byte) error {
	if len(dataSchema) == 0 {
		return nil
	}
	compiled, err := v.getOrCompile(dataSchema)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid initial data schema").WithCause(err)
	}
	doc, err := toJSONValue(data)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "serialize initial data").WithCause(err)
	}
	if err := compiled.Validate(doc); err != nil {
		return toFlowError(err)
	}
	return nil
}

// getOrCompile returns a cached compiled schema or compiles and caches a
// new one.
func (v *TemplateValidator) getOrCompile(schemaBytes []byte) (*jsonschema.Schema, error) {
	key := string(schemaBytes)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()
	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	// Each dynamic schema gets a unique URL to avoid compiler collisions.
	url := fmt.Sprintf("flowcore://data-schema/%d", len(v.cache))
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	v.cache[key] = compiled
	return compiled, nil
}

// toJSONValue round-trips a Go value through JSON so numbers become
// json.Number, which the jsonschema library requires.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toFlowError converts a jsonschema validation error into a FlowError with
// one message per leaf violation.
func toFlowError(err error) *schema.FlowError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}
	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}
	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}
	return schema.NewErrorf(schema.ErrCodeValidation,
		"template payload has %d schema violations", len(violations)).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a validation error tree and collects leaf
// messages with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}
	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
