package facet

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Validator wraps a compiled santhosh-tekuri/jsonschema/v6 schema so callers
// can validate arbitrary instances (capability outputs, envelope inputs)
// without re-parsing the schema document on every call.
type Validator struct {
	schema *jsonschema.Schema
}

// CompileValidator compiles a JSONSchemaContract's schema document into a
// reusable Validator. Compilation failures (malformed schema keywords, bad
// $ref targets) are returned as errors rather than panics.
func CompileValidator(contract *JSONSchemaContract) (*Validator, error) {
	if contract == nil || contract.Schema == nil {
		return nil, fmt.Errorf("facet: cannot compile validator from empty contract")
	}
	raw, err := json.Marshal(contract.Schema)
	if err != nil {
		return nil, fmt.Errorf("facet: marshaling schema: %w", err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("facet: parsing schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	const resource = "flexcore://facet-contract.json"
	if err := compiler.AddResource(resource, doc); err != nil {
		return nil, fmt.Errorf("facet: registering schema resource: %w", err)
	}
	schema, err := compiler.Compile(resource)
	if err != nil {
		return nil, fmt.Errorf("facet: compiling schema: %w", err)
	}
	return &Validator{schema: schema}, nil
}

// Validate checks instance against the compiled schema. A non-nil error of
// type *jsonschema.ValidationError carries the structured per-property
// failure detail the caller (engine's contract-validation scope) surfaces.
func (v *Validator) Validate(instance map[string]any) error {
	if v == nil || v.schema == nil {
		return nil
	}
	return v.schema.Validate(instance)
}

// ValidationDetail is one Ajv-style validation failure: the failing
// instance location, the schema keyword that rejected it, and a rendered
// message, flattened out of a *jsonschema.ValidationError's cause tree.
type ValidationDetail struct {
	Message      string
	InstancePath string
	Keyword      string
	SchemaPath   string
}

// ValidationDetails flattens a schema validation error into Ajv-style
// details. Errors that are not a *jsonschema.ValidationError (or nil) yield
// a single detail carrying the error's plain message.
func ValidationDetails(err error) []ValidationDetail {
	if err == nil {
		return nil
	}
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return []ValidationDetail{{Message: err.Error()}}
	}
	var details []ValidationDetail
	flattenValidationError(ve, &details)
	if len(details) == 0 {
		details = append(details, ValidationDetail{Message: ve.Error()})
	}
	return details
}

func flattenValidationError(ve *jsonschema.ValidationError, out *[]ValidationDetail) {
	if len(ve.Causes) == 0 {
		*out = append(*out, ValidationDetail{
			Message:      ve.Error(),
			InstancePath: joinLocation(ve.InstanceLocation),
			Keyword:      lastSegment(ve.KeywordLocation),
			SchemaPath:   joinLocation(ve.KeywordLocation),
		})
		return
	}
	for _, cause := range ve.Causes {
		flattenValidationError(cause, out)
	}
}

func joinLocation(segments []string) string {
	if len(segments) == 0 {
		return ""
	}
	path := ""
	for _, s := range segments {
		path += "/" + s
	}
	return path
}

func lastSegment(segments []string) string {
	if len(segments) == 0 {
		return ""
	}
	return segments[len(segments)-1]
}
