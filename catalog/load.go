package catalog

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// catalogSchema is the JSON Schema every catalog document must satisfy
// before it is decoded. Structural problems (missing primary key, bad
// category) are reported here; referential problems (unknown entity) are
// reported by New.
const catalogSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["entities"],
  "properties": {
    "entities": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["name", "category", "primary_key", "fields"],
        "properties": {
          "name": {"type": "string", "minLength": 1},
          "category": {"enum": ["reference", "dimension", "fact", "staging"]},
          "primary_key": {
            "type": "array",
            "minItems": 1,
            "items": {"type": "string", "minLength": 1}
          },
          "fields": {
            "type": "array",
            "minItems": 1,
            "items": {
              "type": "object",
              "required": ["name", "source_type", "target_type"],
              "properties": {
                "name": {"type": "string", "minLength": 1},
                "source_type": {"type": "string", "minLength": 1},
                "target_type": {"type": "string", "minLength": 1}
              }
            }
          },
          "references": {
            "type": "array",
            "items": {
              "type": "object",
              "required": ["field", "entity", "remote_field"],
              "properties": {
                "field": {"type": "string", "minLength": 1},
                "entity": {"type": "string", "minLength": 1},
                "remote_field": {"type": "string", "minLength": 1}
              }
            }
          },
          "estimated_rows": {"type": "integer", "minimum": 0}
        }
      }
    }
  }
}`

type catalogFile struct {
	Entities []Entity `json:"entities"`
}

// Load reads a catalog definition from a JSON file, validates it against
// the catalog schema, and builds the catalog.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog file: %w", err)
	}
	return Parse(data)
}

// Parse builds a catalog from raw JSON
func Parse(data []byte) (*Catalog, error) {
	schemaLoader := gojsonschema.NewStringLoader(catalogSchema)
	documentLoader := gojsonschema.NewBytesLoader(data)

	result, err := gojsonschema.Validate(schemaLoader, documentLoader)
	if err != nil {
		return nil, fmt.Errorf("failed to validate catalog: %w", err)
	}
	if !result.Valid() {
		var problems []string
		for _, e := range result.Errors() {
			problems = append(problems, e.String())
		}
		return nil, fmt.Errorf("invalid catalog document:\n  %s", strings.Join(problems, "\n  "))
	}

	var doc catalogFile
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}

	return New(doc.Entities)
}
