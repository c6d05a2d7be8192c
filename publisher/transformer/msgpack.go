package transformer

import (
	"fmt"

	"github.com/astrolab/finkstream/encoding"
	"github.com/astrolab/finkstream/publisher"
	"github.com/astrolab/finkstream/record"
)

func init() {
	publisher.RegisterTransformer("msgpack", func() publisher.Transformer {
		return NewMsgpackTransformer()
	})
}

// MsgpackTransformer emits the flat record fields as a msgpack map
type MsgpackTransformer struct{}

// NewMsgpackTransformer creates a new msgpack transformer
func NewMsgpackTransformer() *MsgpackTransformer {
	return &MsgpackTransformer{}
}

// Transform encodes the record fields with sorted map keys
func (m *MsgpackTransformer) Transform(rec record.Record) ([]byte, error) {
	data, err := encoding.Marshal(map[string]interface{}(rec.Fields))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal record %s: %w", rec.ID, err)
	}
	return data, nil
}
