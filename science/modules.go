package science

import (
	"sort"
	"sync"

	"github.com/astrolab/finkstream/errors"
	"github.com/astrolab/finkstream/record"
)

// Module adds value-added columns to an alert that passed the quality cuts
type Module interface {
	Name() string
	Process(fields record.Fields) error
}

// ModuleFunc adapts a function to Module
type ModuleFunc struct {
	Label string
	Fn    func(fields record.Fields) error
}

func (m ModuleFunc) Name() string { return m.Label }

func (m ModuleFunc) Process(fields record.Fields) error { return m.Fn(fields) }

var (
	modules   = make(map[string]Module)
	modulesMu sync.RWMutex
)

// JD of the MJD origin
const mjdOffset = 2400000.5

func init() {
	RegisterModule(ModuleFunc{Label: "mjd", Fn: addMJD})
	RegisterModule(ModuleFunc{Label: "magnitude_error_ratio", Fn: addMagnitudeErrorRatio})
}

// RegisterModule registers a science module under its name
func RegisterModule(m Module) {
	modulesMu.Lock()
	defer modulesMu.Unlock()
	modules[m.Name()] = m
}

// Modules lists registered module names, sorted
func Modules() []string {
	modulesMu.RLock()
	defer modulesMu.RUnlock()
	names := make([]string, 0, len(modules))
	for name := range modules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ResolveModules returns the named modules in order
func ResolveModules(names []string) ([]Module, error) {
	modulesMu.RLock()
	defer modulesMu.RUnlock()

	out := make([]Module, 0, len(names))
	for _, name := range names {
		m, ok := modules[name]
		if !ok {
			return nil, errors.Configurationf("unknown science module: %s", name)
		}
		out = append(out, m)
	}
	return out, nil
}

func addMJD(fields record.Fields) error {
	jd, ok := number(fields[CandidateField+"_jd"])
	if !ok {
		return nil
	}
	fields["mjd"] = jd - mjdOffset
	return nil
}

// addMagnitudeErrorRatio stores magpsf / sigmapsf, a crude detection SNR
func addMagnitudeErrorRatio(fields record.Fields) error {
	mag, ok := number(fields[CandidateField+"_magpsf"])
	if !ok {
		return nil
	}
	sigma, ok := number(fields[CandidateField+"_sigmapsf"])
	if !ok || sigma <= 0 {
		return nil
	}
	fields["magnitude_error_ratio"] = mag / sigma
	return nil
}
