package resolve

import (
	"bytes"
	"encoding/json"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"casegraph/internal/services"
)

// Extraction is the graph_building stage output.
type Extraction struct {
	Entities      []ExtractedEntity       `json:"entities"`
	Relationships []ExtractedRelationship `json:"relationships,omitempty"`
}

// ExtractedEntity is an entity as named in one artifact.
type ExtractedEntity struct {
	Name       string         `json:"name"`
	Type       string         `json:"type,omitempty"`
	Properties map[string]any `json:"properties,omitempty"`
}

// ExtractedRelationship references entities by name.
type ExtractedRelationship struct {
	Source     string         `json:"source"`
	Target     string         `json:"target"`
	Type       string         `json:"type"`
	Properties map[string]any `json:"properties,omitempty"`
}

// ExtractionSchema is the JSON Schema the graph stage output must satisfy.
// Model-backed extractors include it in their prompt.
const ExtractionSchema = `{
  "type": "object",
  "required": ["entities"],
  "properties": {
    "entities": {
      "type": ["array", "null"],
      "items": {
        "type": "object",
        "required": ["name"],
        "properties": {
          "name": {"type": "string"},
          "type": {"type": "string"},
          "properties": {"type": "object"}
        }
      }
    },
    "relationships": {
      "type": ["array", "null"],
      "items": {
        "type": "object",
        "required": ["source", "target", "type"],
        "properties": {
          "source": {"type": "string"},
          "target": {"type": "string"},
          "type": {"type": "string"},
          "properties": {"type": "object"}
        }
      }
    }
  }
}`

var compiledExtractionSchema = jsonschema.MustCompileString("extraction.json", ExtractionSchema)

// ParseExtraction validates and decodes a graph stage output.
func ParseExtraction(data []byte) (Extraction, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return Extraction{}, services.Wrap(services.ErrValidation, "graph_building", "parse extraction", "output is not JSON", err)
	}
	if err := compiledExtractionSchema.Validate(raw); err != nil {
		return Extraction{}, services.Wrap(services.ErrValidation, "graph_building", "parse extraction", "output does not match schema", err)
	}
	var ex Extraction
	if err := json.Unmarshal(data, &ex); err != nil {
		return Extraction{}, services.Wrap(services.ErrValidation, "graph_building", "parse extraction", "decode output", err)
	}
	if ex.Entities == nil {
		ex.Entities = []ExtractedEntity{}
	}
	if ex.Relationships == nil {
		ex.Relationships = []ExtractedRelationship{}
	}
	return ex, nil
}
