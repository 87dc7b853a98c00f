package manifest

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"
)

// schemaJSON pins the keys the web client relies on. Extra keys emitted by a
// newer manifest subprocess are allowed; missing or mistyped required keys
// are not.
const schemaJSON = `{
  "type": "object",
  "required": ["version", "model", "model_run", "forecast_hours", "variables", "tiles", "generated_at"],
  "properties": {
    "version": {"type": "string"},
    "model": {"type": "string"},
    "model_run": {
      "type": "object",
      "required": ["date", "cycle", "cycle_formatted", "timestamp"],
      "properties": {
        "date": {"type": "string"},
        "cycle": {"type": "string"},
        "cycle_formatted": {"type": "string", "pattern": "^[0-9]{2}Z$"},
        "timestamp": {"type": "string"}
      }
    },
    "forecast_hours": {
      "type": "array",
      "items": {"type": "string", "pattern": "^[0-9]{3}$"}
    },
    "variables": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name", "display_name", "units", "color_ramp_id"],
        "properties": {
          "name": {"type": "string"},
          "display_name": {"type": "string"},
          "units": {"type": "string"},
          "color_ramp_id": {"type": "string"}
        }
      }
    },
    "tiles": {
      "type": "object",
      "required": ["url_template", "format", "tile_size"],
      "properties": {
        "url_template": {"type": "string"},
        "format": {"type": "string"},
        "tile_size": {"type": "integer"}
      }
    },
    "generated_at": {"type": "string"}
  }
}`

var resolveSchema = sync.OnceValues(func() (*jsonschema.Resolved, error) {
	var schema jsonschema.Schema
	if err := json.Unmarshal([]byte(schemaJSON), &schema); err != nil {
		return nil, fmt.Errorf("manifest schema: %w", err)
	}
	return schema.Resolve(nil)
})

// Validate checks a serialized manifest against the embedded schema.
func Validate(data []byte) error {
	resolved, err := resolveSchema()
	if err != nil {
		return err
	}
	var instance any
	if err := json.Unmarshal(data, &instance); err != nil {
		return fmt.Errorf("manifest is not valid JSON: %w", err)
	}
	if err := resolved.Validate(instance); err != nil {
		return fmt.Errorf("manifest schema violation: %w", err)
	}
	return nil
}
