package config

import (
	_ "embed"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/c360/synthiot/errors"
)

//go:embed schema.json
var layerSchemaJSON []byte

var layerSchema = gojsonschema.NewBytesLoader(layerSchemaJSON)

// Schema returns the JSON Schema every configuration layer must satisfy
func Schema() []byte {
	return append([]byte(nil), layerSchemaJSON...)
}

// validateLayer checks the shape of one decoded layer before it is merged.
// Unknown keys are rejected so typos do not silently fall back to defaults.
func validateLayer(raw map[string]any) error {
	if raw == nil {
		return nil
	}
	result, err := gojsonschema.Validate(layerSchema, gojsonschema.NewGoLoader(raw))
	if err != nil {
		return fmt.Errorf("%w: schema validation: %v", errors.ErrInvalidConfig, err)
	}
	if result.Valid() {
		return nil
	}

	problems := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		problems = append(problems, fmt.Sprintf("%s: %s", desc.Field(), desc.Description()))
	}
	return fmt.Errorf("%w: %s", errors.ErrInvalidConfig, strings.Join(problems, "; "))
}
