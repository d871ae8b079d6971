package device

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/c360/synthiot/errors"
)

// descriptorSchema is the JSON schema of a discovery payload
const descriptorSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["id"],
  "properties": {
    "id": {"type": "string", "minLength": 1, "pattern": "^[^/+#]+$"},
    "name": {"type": "string"},
    "type": {"type": "string"},
    "model": {"type": "string"},
    "manufacturer": {"type": "string"},
    "firmware_version": {"type": "string"},
    "topics": {"type": "array", "items": {"type": "string", "minLength": 1}},
    "capabilities": {"type": "object"},
    "connected": {"type": "boolean"},
    "last_seen": {"type": "number", "minimum": 0}
  }
}`

var schemaLoader = gojsonschema.NewStringLoader(descriptorSchema)

// ValidateDescriptor checks a discovery payload against the descriptor
// schema
func ValidateDescriptor(payload []byte) error {
	result, err := gojsonschema.Validate(schemaLoader, gojsonschema.NewBytesLoader(payload))
	if err != nil {
		return errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrInvalidDevice, err), "device", "ValidateDescriptor", "parse descriptor")
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			msgs = append(msgs, fmt.Sprintf("%s: %s", desc.Field(), desc.Description()))
		}
		return errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrInvalidDevice, strings.Join(msgs, "; ")),
			"device", "ValidateDescriptor", "validate descriptor")
	}
	return nil
}

// ParseDescriptor validates and decodes a discovery payload
func ParseDescriptor(payload []byte) (Device, error) {
	if err := ValidateDescriptor(payload); err != nil {
		return Device{}, err
	}
	var d Device
	if err := json.Unmarshal(payload, &d); err != nil {
		return Device{}, errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrInvalidDevice, err), "device", "ParseDescriptor", "decode descriptor")
	}
	return d, nil
}
