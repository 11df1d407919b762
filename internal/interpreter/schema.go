package interpreter

import (
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/ucplabs/ucp/pkg/models"
)

// packetSchema guards the envelope's types before node-level validation
// runs. Node bodies are deliberately open: control-flow shapes are checked
// recursively by Validate, which produces better paths than a schema can.
const packetSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["ucp_version", "id", "ops"],
  "properties": {
    "ucp_version": {"type": "string", "minLength": 1},
    "id": {"type": "string", "minLength": 1},
    "ttl_seconds": {"type": "integer", "minimum": 0},
    "required_drivers": {"type": "array", "items": {"type": "string"}},
    "permissions": {"type": "array", "items": {"type": "string"}},
    "meta": {"type": "object"},
    "ops": {"type": "array", "minItems": 1, "items": {"type": "object"}},
    "signature": {
      "type": "object",
      "properties": {
        "alg": {"type": "string"},
        "key_prefix": {"type": "string"},
        "value": {"type": "string"}
      }
    }
  }
}`

var compiledSchema = gojsonschema.NewStringLoader(packetSchema)

// ValidateEnvelope checks raw packet JSON against the envelope schema.
func ValidateEnvelope(data []byte) error {
	result, err := gojsonschema.Validate(compiledSchema, gojsonschema.NewBytesLoader(data))
	if err != nil {
		return models.WrapError(models.KindInvalidInput, err, "malformed packet JSON")
	}
	if !result.Valid() {
		var msgs []string
		for _, desc := range result.Errors() {
			msgs = append(msgs, desc.String())
		}
		return models.NewError(models.KindInvalidInput, "packet validation failed: %s", strings.Join(msgs, "; "))
	}
	return nil
}
