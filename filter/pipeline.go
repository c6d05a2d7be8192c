// Package filter implements the ordered stage pipeline applied to every
// scanned batch before distribution.
//
// Stages are either declarative (CEL rules loaded from a TOML file, glob
// column projections) or programmatic (any Stage implementation, typically
// registered by name). A Pipeline never exposes the scanned batch to its
// stages: Apply works on a deep copy.
package filter

import (
	"github.com/astrolab/finkstream/errors"
	"github.com/astrolab/finkstream/record"
)

// Stage transforms or reduces a batch
type Stage interface {
	// Name identifies the stage in logs and errors
	Name() string
	// Apply returns the batch to hand to the next stage
	Apply(batch record.Batch) (record.Batch, error)
}

// StageFunc adapts a plain function to the Stage interface
type StageFunc struct {
	Label string
	Fn    func(record.Batch) (record.Batch, error)
}

func (s StageFunc) Name() string { return s.Label }

func (s StageFunc) Apply(batch record.Batch) (record.Batch, error) { return s.Fn(batch) }

// Pipeline is an immutable, ordered list of stages
type Pipeline struct {
	stages []Stage
}

// NewPipeline builds a pipeline running stages in the given order. Nil
// stages are rejected.
func NewPipeline(stages ...Stage) (*Pipeline, error) {
	out := make([]Stage, 0, len(stages))
	for i, s := range stages {
		if s == nil {
			return nil, errors.Configurationf("filter stage %d is nil", i)
		}
		out = append(out, s)
	}
	return &Pipeline{stages: out}, nil
}

// Names returns the configured stage order
func (p *Pipeline) Names() []string {
	names := make([]string, len(p.stages))
	for i, s := range p.stages {
		names[i] = s.Name()
	}
	return names
}

// Len returns the number of stages
func (p *Pipeline) Len() int {
	return len(p.stages)
}

// Apply runs every stage in order on a copy of batch. The first failing
// stage aborts the run with an error marked ErrFilterStage.
func (p *Pipeline) Apply(batch record.Batch) (record.Batch, error) {
	out := batch.Clone()
	for _, s := range p.stages {
		if len(out) == 0 {
			return record.Batch{}, nil
		}
		next, err := s.Apply(out)
		if err != nil {
			return nil, errors.Mark(errors.Wrapf(err, "filter stage %q", s.Name()), errors.ErrFilterStage)
		}
		out = next
	}
	if out == nil {
		out = record.Batch{}
	}
	return out, nil
}
