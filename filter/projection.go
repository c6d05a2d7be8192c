package filter

import (
	"fmt"

	"github.com/astrolab/finkstream/record"
	"github.com/gobwas/glob"
)

// ProjectionStage keeps or drops columns by glob pattern. Empty keep
// patterns keep every column; drop patterns are applied after keep.
type ProjectionStage struct {
	label     string
	keepGlobs []glob.Glob
	dropGlobs []glob.Glob
}

// NewProjectionStage compiles the column patterns
func NewProjectionStage(label string, keep, drop []string) (*ProjectionStage, error) {
	stage := &ProjectionStage{
		label:     label,
		keepGlobs: make([]glob.Glob, 0, len(keep)),
		dropGlobs: make([]glob.Glob, 0, len(drop)),
	}

	for _, pattern := range keep {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid keep pattern %q: %w", pattern, err)
		}
		stage.keepGlobs = append(stage.keepGlobs, g)
	}

	for _, pattern := range drop {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid drop pattern %q: %w", pattern, err)
		}
		stage.dropGlobs = append(stage.dropGlobs, g)
	}

	return stage, nil
}

func (p *ProjectionStage) Name() string {
	return p.label
}

// Match reports whether a column survives the projection
func (p *ProjectionStage) Match(column string) bool {
	keep := len(p.keepGlobs) == 0
	for _, g := range p.keepGlobs {
		if g.Match(column) {
			keep = true
			break
		}
	}
	if !keep {
		return false
	}

	for _, g := range p.dropGlobs {
		if g.Match(column) {
			return false
		}
	}
	return true
}

// Apply projects the columns of every record in place. The pipeline hands
// stages a private copy, so mutation is safe here.
func (p *ProjectionStage) Apply(batch record.Batch) (record.Batch, error) {
	for _, rec := range batch {
		for col := range rec.Fields {
			if !p.Match(col) {
				delete(rec.Fields, col)
			}
		}
	}
	return batch, nil
}
