package filter

import (
	"testing"

	"github.com/astrolab/finkstream/errors"
	"github.com/astrolab/finkstream/record"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProjectionMatch(t *testing.T) {
	tests := []struct {
		name   string
		keep   []string
		drop   []string
		column string
		want   bool
	}{
		{"no patterns", nil, nil, "anything", true},
		{"keep hit", []string{"candidate_*"}, nil, "candidate_rb", true},
		{"keep miss", []string{"candidate_*"}, nil, "objectId", false},
		{"drop hit", nil, []string{"cutout*"}, "cutoutScience", false},
		{"drop miss", nil, []string{"cutout*"}, "objectId", true},
		{"keep then drop", []string{"candidate_*"}, []string{"candidate_magpsf"}, "candidate_magpsf", false},
		{"alternatives", []string{"{objectId,candid}"}, nil, "candid", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := NewProjectionStage("p", tt.keep, tt.drop)
			require.NoError(t, err)
			assert.Equal(t, tt.want, p.Match(tt.column))
		})
	}
}

func TestProjectionInvalidPattern(t *testing.T) {
	_, err := NewProjectionStage("p", []string{"[unclosed"}, nil)
	assert.Error(t, err)
	_, err = NewProjectionStage("p", nil, []string{"[unclosed"})
	assert.Error(t, err)
}

func TestBuiltinStages(t *testing.T) {
	stages, err := Resolve([]string{"require_object_id", "drop_cutouts"})
	require.NoError(t, err)
	require.Len(t, stages, 2)

	p, err := NewPipeline(stages...)
	require.NoError(t, err)
	assert.Equal(t, []string{"require_object_id", "drop_cutouts"}, p.Names())

	out, err := p.Apply(record.Batch{
		alert("x", 0.9, 0),
		{ID: "orphan", Fields: record.Fields{"candidate_rb": 0.9}},
	})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "x", out[0].ID)
	assert.NotContains(t, out[0].Fields, "cutoutScience")
	assert.Contains(t, out[0].Fields, "candidate_rb")
}

func TestResolveUnknownStage(t *testing.T) {
	_, err := Resolve([]string{"drop_cutouts", "nope"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrConfiguration))
}

func TestRegisterStage(t *testing.T) {
	RegisterStage("test_only_keep_first", func() (Stage, error) {
		return StageFunc{Label: "keep_first", Fn: func(b record.Batch) (record.Batch, error) {
			return b[:1], nil
		}}, nil
	})
	assert.Contains(t, Registered(), "test_only_keep_first")

	stages, err := Resolve([]string{"test_only_keep_first"})
	require.NoError(t, err)
	out, err := stages[0].Apply(record.Batch{alert("a", 1, 0), alert("b", 1, 0)})
	require.NoError(t, err)
	assert.Len(t, out, 1)
}
