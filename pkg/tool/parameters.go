package tool

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/substratelabs/maestro/pkg/failure"
)

// ParameterSpec is the JSON-Schema-like description of a tool's inputs.
// The zero value accepts any object. Specs compile once at registration;
// validation failures classify as USER_INVALID_INPUT and are never retried.
type ParameterSpec struct {
	Type        string                    `json:"type,omitempty"`
	Description string                    `json:"description,omitempty"`
	Properties  map[string]*ParameterSpec `json:"properties,omitempty"`
	Required    []string                  `json:"required,omitempty"`
	Default     any                       `json:"default,omitempty"`
	Enum        []any                     `json:"enum,omitempty"`
	Minimum     *float64                  `json:"minimum,omitempty"`
	Maximum     *float64                  `json:"maximum,omitempty"`
	Pattern     string                    `json:"pattern,omitempty"`
	MinLength   *int                      `json:"min_length,omitempty"`
	MaxLength   *int                      `json:"max_length,omitempty"`
	Items       *ParameterSpec            `json:"items,omitempty"`

	// AdditionalProperties, when set to false, rejects unknown keys.
	// Unset means unknown keys pass, which keeps generated plan inputs
	// (a bare goal) valid for tools that do not declare a goal parameter.
	AdditionalProperties *bool `json:"additional_properties,omitempty"`
}

// ObjectSpec is a convenience constructor for a root object schema.
func ObjectSpec(properties map[string]*ParameterSpec, required ...string) *ParameterSpec {
	return &ParameterSpec{
		Type:       "object",
		Properties: properties,
		Required:   required,
	}
}

// StringSpec describes a string parameter.
func StringSpec(description string) *ParameterSpec {
	return &ParameterSpec{Type: "string", Description: description}
}

// NumberSpec describes a numeric parameter.
func NumberSpec(description string) *ParameterSpec {
	return &ParameterSpec{Type: "number", Description: description}
}

// schemaDoc renders the spec as a JSON Schema document.
func (p *ParameterSpec) schemaDoc() map[string]any {
	doc := map[string]any{}
	if p.Type != "" {
		doc["type"] = p.Type
	}
	if p.Description != "" {
		doc["description"] = p.Description
	}
	if len(p.Properties) > 0 {
		props := make(map[string]any, len(p.Properties))
		for name, prop := range p.Properties {
			props[name] = prop.schemaDoc()
		}
		doc["properties"] = props
	}
	if len(p.Required) > 0 {
		doc["required"] = p.Required
	}
	if len(p.Enum) > 0 {
		doc["enum"] = p.Enum
	}
	if p.Minimum != nil {
		doc["minimum"] = *p.Minimum
	}
	if p.Maximum != nil {
		doc["maximum"] = *p.Maximum
	}
	if p.Pattern != "" {
		doc["pattern"] = p.Pattern
	}
	if p.MinLength != nil {
		doc["minLength"] = *p.MinLength
	}
	if p.MaxLength != nil {
		doc["maxLength"] = *p.MaxLength
	}
	if p.Items != nil {
		doc["items"] = p.Items.schemaDoc()
	}
	if p.AdditionalProperties != nil {
		doc["additionalProperties"] = *p.AdditionalProperties
	}
	return doc
}

type compiledSchema struct {
	schema *jsonschema.Schema
	spec   *ParameterSpec
}

func compileParameters(toolName string, p *ParameterSpec) (*compiledSchema, error) {
	if p == nil {
		return nil, nil
	}
	data, err := json.Marshal(p.schemaDoc())
	if err != nil {
		return nil, fmt.Errorf("tool %s: rendering parameter schema: %w", toolName, err)
	}
	schema, err := jsonschema.CompileString(toolName+".schema.json", string(data))
	if err != nil {
		return nil, fmt.Errorf("tool %s: compiling parameter schema: %w", toolName, err)
	}
	return &compiledSchema{schema: schema, spec: p}, nil
}

// ValidateInput applies declared defaults for missing top-level parameters
// and validates the result against the compiled schema. The input map is not
// mutated; the returned map is the effective input for the handler.
func (s *Spec) ValidateInput(inputs map[string]any) (map[string]any, error) {
	effective := make(map[string]any, len(inputs))
	for k, v := range inputs {
		effective[k] = v
	}

	if s.compiled == nil {
		return effective, nil
	}

	for name, prop := range s.compiled.spec.Properties {
		if prop.Default == nil {
			continue
		}
		if _, present := effective[name]; !present {
			effective[name] = prop.Default
		}
	}

	// Round-trip through JSON so the instance carries the value kinds the
	// validator expects, regardless of how callers built the map.
	raw, err := json.Marshal(effective)
	if err != nil {
		return nil, failure.New(failure.UserInvalidInput,
			"tool %s: inputs are not serializable: %v", s.Name, err)
	}
	var instance any
	if err := json.Unmarshal(raw, &instance); err != nil {
		return nil, failure.New(failure.UserInvalidInput,
			"tool %s: inputs are not valid JSON: %v", s.Name, err)
	}

	if err := s.compiled.schema.Validate(instance); err != nil {
		return nil, failure.New(failure.UserInvalidInput,
			"tool %s: input validation failed: %v", s.Name, err)
	}
	return effective, nil
}
