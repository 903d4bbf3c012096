package extraction

import (
	"encoding/json"

	"github.com/carbontrack/docpipeline/internal/store/model"
)

// JSONSchema returns the schema a post-processor answer must satisfy for
// category: an object with the category fields as strings and a confidence.
func JSONSchema(category model.Category) []byte {
	properties := map[string]any{}
	for _, name := range FieldNames(category) {
		properties[name] = map[string]any{"type": []string{"string", "null"}}
	}

	schema := map[string]any{
		"$schema": "http://json-schema.org/draft-07/schema#",
		"type":    "object",
		"properties": map[string]any{
			"fields": map[string]any{
				"type":                 "object",
				"properties":           properties,
				"additionalProperties": false,
			},
			"confidence": map[string]any{
				"type":    "number",
				"minimum": 0,
				"maximum": 1,
			},
		},
		"required":             []string{"fields"},
		"additionalProperties": false,
	}

	b, _ := json.Marshal(schema)
	return b
}
