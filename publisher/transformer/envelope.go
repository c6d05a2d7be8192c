package transformer

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/astrolab/finkstream/publisher"
	"github.com/astrolab/finkstream/record"
)

func init() {
	publisher.RegisterTransformer("envelope", func() publisher.Transformer {
		return NewEnvelopeTransformer("fink.alert")
	})
}

// EnvelopeTransformer wraps each record in a self-describing JSON envelope
// carrying a schema section next to the payload, so consumers can decode
// alerts without a registry.
//
// Output format:
//   - schema: struct definition with one field per column, types inferred
//     from the values (int64, double, string, boolean, bytes, array, struct)
//   - payload: the flat record fields
//   - source: row key, objectId and store timestamp
type EnvelopeTransformer struct {
	name string
}

// NewEnvelopeTransformer creates a transformer naming its value schema name
func NewEnvelopeTransformer(name string) *EnvelopeTransformer {
	return &EnvelopeTransformer{name: name}
}

type envelopeSchema struct {
	Type   string        `json:"type"`
	Name   string        `json:"name,omitempty"`
	Fields []schemaField `json:"fields"`
}

type schemaField struct {
	Field    string        `json:"field"`
	Type     string        `json:"type"`
	Optional bool          `json:"optional,omitempty"`
	Fields   []schemaField `json:"fields,omitempty"`
}

type envelopeMessage struct {
	Schema  envelopeSchema         `json:"schema"`
	Payload map[string]interface{} `json:"payload"`
	Source  envelopeSource         `json:"source"`
}

type envelopeSource struct {
	RowKey    string `json:"rowKey"`
	ObjectID  string `json:"objectId"`
	TsMs      int64  `json:"ts_ms"`
	Publisher string `json:"publisher"`
}

// Transform converts a record to the envelope format
func (e *EnvelopeTransformer) Transform(rec record.Record) ([]byte, error) {
	msg := envelopeMessage{
		Schema: envelopeSchema{
			Type:   "struct",
			Name:   e.name + ".Value",
			Fields: inferFields(rec.Fields),
		},
		Payload: rec.Fields,
		Source: envelopeSource{
			RowKey:    rec.ID,
			ObjectID:  rec.ObjectID(),
			TsMs:      rec.Timestamp,
			Publisher: "finkstream",
		},
	}
	if msg.Payload == nil {
		msg.Payload = map[string]interface{}{}
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return data, nil
}

// inferFields builds schema fields for a map, sorted by name
func inferFields(m map[string]interface{}) []schemaField {
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	sort.Strings(names)

	fields := make([]schemaField, 0, len(names))
	for _, name := range names {
		fields = append(fields, inferField(name, m[name]))
	}
	return fields
}

func inferField(name string, v interface{}) schemaField {
	f := schemaField{Field: name}
	switch t := v.(type) {
	case nil:
		f.Type = "string"
		f.Optional = true
	case bool:
		f.Type = "boolean"
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		f.Type = "int64"
	case float32, float64:
		f.Type = "double"
	case string:
		f.Type = "string"
	case []byte:
		f.Type = "bytes"
	case []interface{}:
		f.Type = "array"
	case map[string]interface{}:
		f.Type = "struct"
		f.Fields = inferFields(t)
	case record.Fields:
		f.Type = "struct"
		f.Fields = inferFields(t)
	default:
		// Unknown types are encoded by encoding/json as-is
		f.Type = "string"
	}
	return f
}
