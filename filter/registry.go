package filter

import (
	"sort"
	"sync"

	"github.com/astrolab/finkstream/errors"
	"github.com/astrolab/finkstream/record"
)

// StageFactory builds a fresh stage instance
type StageFactory func() (Stage, error)

var (
	stageFactories = make(map[string]StageFactory)
	factoryMu      sync.RWMutex
)

func init() {
	RegisterStage("drop_cutouts", func() (Stage, error) {
		return NewProjectionStage("drop_cutouts", nil, []string{"cutout*"})
	})
	RegisterStage("require_object_id", func() (Stage, error) {
		return StageFunc{Label: "require_object_id", Fn: requireObjectID}, nil
	})
}

// RegisterStage registers a named stage factory. Registering an existing
// name replaces it.
func RegisterStage(name string, factory StageFactory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	stageFactories[name] = factory
}

// Registered lists the registered stage names, sorted
func Registered() []string {
	factoryMu.RLock()
	defer factoryMu.RUnlock()
	names := make([]string, 0, len(stageFactories))
	for name := range stageFactories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resolve builds the named stages in order. An unknown name is a
// configuration error.
func Resolve(names []string) ([]Stage, error) {
	stages := make([]Stage, 0, len(names))
	for _, name := range names {
		factoryMu.RLock()
		factory, exists := stageFactories[name]
		factoryMu.RUnlock()

		if !exists {
			return nil, errors.Configurationf("unknown filter stage: %s", name)
		}
		s, err := factory()
		if err != nil {
			return nil, errors.Mark(errors.Wrapf(err, "failed to build filter stage %s", name), errors.ErrConfiguration)
		}
		stages = append(stages, s)
	}
	return stages, nil
}

func requireObjectID(batch record.Batch) (record.Batch, error) {
	out := batch[:0]
	for _, rec := range batch {
		if id, ok := rec.Fields["objectId"].(string); ok && id != "" {
			out = append(out, rec)
		}
	}
	return out, nil
}
