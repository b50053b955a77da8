package action

import (
	"bytes"
	_ "embed"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schema.json
var schemaDoc []byte

var (
	compileOnce sync.Once
	compiled    *jsonschema.Schema
	compileErr  error
)

func schema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("action-request.json", bytes.NewReader(schemaDoc)); err != nil {
			compileErr = fmt.Errorf("action: add schema resource: %w", err)
			return
		}
		s, err := compiler.Compile("action-request.json")
		if err != nil {
			compileErr = fmt.Errorf("action: compile schema: %w", err)
			return
		}
		compiled = s
	})
	return compiled, compileErr
}

// ValidateSchema checks raw (a frame body) against the frozen ActionRequest
// shape of spec §6.1. It returns the jsonschema library's ValidationError
// verbatim on failure so callers can inspect which field/rule failed; the
// dispatch layer (internal/gatewayapp) is responsible for turning that into
// a semerr.Error with CodeSchemaViolation.
func ValidateSchema(raw []byte) error {
	s, err := schema()
	if err != nil {
		return err
	}

	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("action: unmarshal for validation: %w", err)
	}

	if err := s.Validate(doc); err != nil {
		return err
	}
	return nil
}
