// Package transformer provides implementations of the publisher.Transformer
// interface for serializing alert records for distribution.
package transformer

import (
	"encoding/json"
	"fmt"

	"github.com/astrolab/finkstream/publisher"
	"github.com/astrolab/finkstream/record"
)

func init() {
	publisher.RegisterTransformer("json", func() publisher.Transformer {
		return NewJSONTransformer()
	})
}

// JSONTransformer emits the flat record fields as a JSON object
type JSONTransformer struct{}

// NewJSONTransformer creates a new JSON transformer
func NewJSONTransformer() *JSONTransformer {
	return &JSONTransformer{}
}

// Transform encodes the record fields. Map keys are emitted sorted.
func (j *JSONTransformer) Transform(rec record.Record) ([]byte, error) {
	data, err := json.Marshal(map[string]interface{}(rec.Fields))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal record %s: %w", rec.ID, err)
	}
	return data, nil
}
