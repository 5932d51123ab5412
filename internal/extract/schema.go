package extract

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Schema validates extracted documents against a JSON schema.
type Schema struct {
	s *jsonschema.Schema
}

// CompileSchema compiles a schema from its JSON source.
func CompileSchema(name, src string) (*Schema, error) {
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, bytes.NewReader([]byte(src))); err != nil {
		return nil, fmt.Errorf("add schema %s: %w", name, err)
	}
	s, err := c.Compile(name)
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", name, err)
	}
	return &Schema{s: s}, nil
}

// MustCompileSchema is like CompileSchema but panics on error.
func MustCompileSchema(name, src string) *Schema {
	s, err := CompileSchema(name, src)
	if err != nil {
		panic(err)
	}
	return s
}

// Validate checks msg against the schema.
func (s *Schema) Validate(msg json.RawMessage) error {
	var v any
	if err := json.Unmarshal(msg, &v); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	return s.s.Validate(v)
}

// DecodeValid extracts JSON from raw with the chain, validates it and
// unmarshals it into v. It reports false on any failure.
func (c Chain) DecodeValid(raw string, schema *Schema, v any) bool {
	msg, ok := c.Extract(raw)
	if !ok {
		return false
	}
	if schema != nil && schema.Validate(msg) != nil {
		return false
	}
	return json.Unmarshal(msg, v) == nil
}
