package schema

import (
	"fmt"

	"github.com/astrolab/finkstream/record"
)

// GroupStage applies Group to every record of a batch. It satisfies the
// filter pipeline's Stage contract so grouping can sit between filters.
type GroupStage struct {
	Prefix string
}

// Name returns the stage name
func (g GroupStage) Name() string {
	return "group:" + g.Prefix
}

// Apply groups each record
func (g GroupStage) Apply(batch record.Batch) (record.Batch, error) {
	out := make(record.Batch, len(batch))
	for i, rec := range batch {
		fields, err := Group(rec.Fields, g.Prefix)
		if err != nil {
			return nil, fmt.Errorf("record %s: %w", rec.ID, err)
		}
		out[i] = rec
		out[i].Fields = fields
	}
	return out, nil
}

// FlattenStage applies Flatten to every record of a batch
type FlattenStage struct {
	Field string
}

// Name returns the stage name
func (f FlattenStage) Name() string {
	return "flatten:" + f.Field
}

// Apply flattens each record
func (f FlattenStage) Apply(batch record.Batch) (record.Batch, error) {
	out := make(record.Batch, len(batch))
	for i, rec := range batch {
		fields, err := Flatten(rec.Fields, f.Field)
		if err != nil {
			return nil, fmt.Errorf("record %s: %w", rec.ID, err)
		}
		out[i] = rec
		out[i].Fields = fields
	}
	return out, nil
}
