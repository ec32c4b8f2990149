package tool

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
	"github.com/mitchellh/mapstructure"

	"github.com/substratelabs/maestro/pkg/failure"
)

// ParametersFor derives a ParameterSpec from a Go argument struct using
// struct tags.
//
// Supported tags:
//   - json:"name" - parameter name
//   - json:",omitempty" - optional parameter
//   - jsonschema:"required" - explicitly mark as required
//   - jsonschema:"description=..." - parameter description
//   - jsonschema:"default=..." - default value
//   - jsonschema:"enum=a,enum=b" - allowed values
//   - jsonschema:"minimum=N,maximum=M" - numeric bounds
func ParametersFor[T any]() (*ParameterSpec, error) {
	reflector := &jsonschema.Reflector{
		// Use jsonschema tags to determine required fields.
		RequiredFromJSONSchemaTags: true,

		// Inline everything instead of emitting $defs references.
		ExpandedStruct: true,

		// Skip $schema and $id.
		DoNotReference: true,

		// Plan steps carry the goal alongside declared parameters, so
		// derived schemas must tolerate unknown keys.
		AllowAdditionalProperties: true,
	}
	doc := reflector.Reflect(new(T))

	// Round-trip through JSON so jsonschema's own types collapse to the
	// wire shapes schemaNode mirrors.
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("rendering derived schema: %w", err)
	}
	var node schemaNode
	if err := json.Unmarshal(data, &node); err != nil {
		return nil, fmt.Errorf("decoding derived schema: %w", err)
	}
	return node.toParameterSpec(), nil
}

// MustParametersFor is ParametersFor for static toolsets, where a failed
// derivation is a programming error.
func MustParametersFor[T any]() *ParameterSpec {
	spec, err := ParametersFor[T]()
	if err != nil {
		panic(err)
	}
	return spec
}

// schemaNode mirrors JSON Schema wire names so a reflected document can be
// decoded into a ParameterSpec without referencing jsonschema internals.
type schemaNode struct {
	Type        string                 `json:"type,omitempty"`
	Description string                 `json:"description,omitempty"`
	Properties  map[string]*schemaNode `json:"properties,omitempty"`
	Required    []string               `json:"required,omitempty"`
	Default     any                    `json:"default,omitempty"`
	Enum        []any                  `json:"enum,omitempty"`
	Minimum     *float64               `json:"minimum,omitempty"`
	Maximum     *float64               `json:"maximum,omitempty"`
	Pattern     string                 `json:"pattern,omitempty"`
	MinLength   *int                   `json:"minLength,omitempty"`
	MaxLength   *int                   `json:"maxLength,omitempty"`
	Items       *schemaNode            `json:"items,omitempty"`
}

func (n *schemaNode) toParameterSpec() *ParameterSpec {
	if n == nil {
		return nil
	}
	spec := &ParameterSpec{
		Type:        n.Type,
		Description: n.Description,
		Required:    n.Required,
		Default:     n.Default,
		Enum:        n.Enum,
		Minimum:     n.Minimum,
		Maximum:     n.Maximum,
		Pattern:     n.Pattern,
		MinLength:   n.MinLength,
		MaxLength:   n.MaxLength,
		Items:       n.Items.toParameterSpec(),
	}
	if len(n.Properties) > 0 {
		spec.Properties = make(map[string]*ParameterSpec, len(n.Properties))
		for name, prop := range n.Properties {
			spec.Properties[name] = prop.toParameterSpec()
		}
	}
	return spec
}

// DecodeArgs maps validated tool inputs onto a typed argument struct.
// Field names follow json tags, matching the derived schema.
func DecodeArgs(inputs map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		TagName:          "json",
		WeaklyTypedInput: true,
	})
	if err != nil {
		return fmt.Errorf("building argument decoder: %w", err)
	}
	if err := dec.Decode(inputs); err != nil {
		return failure.New(failure.UserInvalidInput, "decoding tool arguments: %v", err)
	}
	return nil
}
