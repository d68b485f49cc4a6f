package tool

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

func compileSchema(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("https://assistant.schemas.local/tools/%s.schema.json", name)
	if err := c.AddResource(url, bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("schema load failed: %w", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("schema compile failed: %w", err)
	}
	return compiled, nil
}

// ValidateInput checks the model-supplied arguments against the tool's input
// schema. A nil error means the input conforms; violations are expected
// failures that callers convert into failure tool results.
func (r *Registry) ValidateInput(name string, input map[string]any) error {
	compiled, ok := r.schemas[name]
	if !ok {
		if _, err := r.Get(name); err != nil {
			return err
		}
		// Registered without a schema: accept any input.
		return nil
	}

	// Round-trip through JSON so numeric types match what the schema
	// validator expects regardless of how the provider decoded them.
	b, err := json.Marshal(input)
	if err != nil {
		return fmt.Errorf("encoding input: %w", err)
	}
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return fmt.Errorf("decoding input: %w", err)
	}

	if err := compiled.Validate(v); err != nil {
		return fmt.Errorf("invalid arguments for %s: %w", name, err)
	}
	return nil
}
