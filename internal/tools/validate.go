package tools

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ValidationError reports tool input that does not match the tool's
// schema.
type ValidationError struct {
	ToolName string
	Err      error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid input for tool %s: %v", e.ToolName, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// compileSchema turns a parameters map into a compiled schema. The map
// is round-tripped through JSON so Go-typed literals such as []string
// become the generic values the compiler expects.
func compileSchema(name string, params map[string]any) (*jsonschema.Schema, error) {
	if params == nil {
		params = map[string]any{"type": "object"}
	}
	doc, err := toJSONValue(params)
	if err != nil {
		return nil, err
	}

	url := "mem://tools/" + name + ".json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, err
	}
	return c.Compile(url)
}

func toJSONValue(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(bytes.NewReader(raw))
}

// Validate checks args against the schema of the named tool.
func (r *Registry) Validate(name string, args map[string]any) error {
	r.mu.RLock()
	_, known := r.tools[name]
	sch := r.schemas[name]
	r.mu.RUnlock()

	if !known {
		return &ErrToolUnavailable{ToolName: name}
	}
	if sch == nil {
		return nil
	}
	if args == nil {
		args = map[string]any{}
	}
	inst, err := toJSONValue(args)
	if err != nil {
		return &ValidationError{ToolName: name, Err: err}
	}
	if err := sch.Validate(inst); err != nil {
		return &ValidationError{ToolName: name, Err: err}
	}
	return nil
}
