// Package schema reshapes flat records into a nested view for filter
// evaluation and back into the flat wire shape for transport.
//
// Group moves every "{prefix}_{name}" column into a nested map stored under
// "{prefix}". Flatten is its inverse. Both are pure: they return new maps and
// never modify their input.
package schema

import (
	"fmt"
	"strings"

	"github.com/astrolab/finkstream/record"
)

const separator = "_"

// Group returns a copy of fields where columns named prefix_* are collected
// into a nested map under prefix. An existing non-map prefix column is an error.
func Group(fields record.Fields, prefix string) (record.Fields, error) {
	out := make(record.Fields, len(fields))
	nested := make(map[string]interface{})

	if existing, ok := fields[prefix]; ok {
		m, isMap := asMap(existing)
		if !isMap {
			return nil, fmt.Errorf("column %q already exists and is not a struct", prefix)
		}
		for k, v := range m {
			nested[k] = v
		}
	}

	head := prefix + separator
	for k, v := range fields {
		if k == prefix {
			continue
		}
		if name, ok := strings.CutPrefix(k, head); ok && name != "" {
			nested[name] = v
			continue
		}
		out[k] = v
	}

	out[prefix] = nested
	return out, nil
}

// Flatten returns a copy of fields where the nested map under structField is
// expanded into structField_* columns. A missing struct column is a no-op.
func Flatten(fields record.Fields, structField string) (record.Fields, error) {
	out := make(record.Fields, len(fields))
	for k, v := range fields {
		if k != structField {
			out[k] = v
		}
	}

	raw, ok := fields[structField]
	if !ok || raw == nil {
		return out, nil
	}
	nested, isMap := asMap(raw)
	if !isMap {
		return nil, fmt.Errorf("column %q is not a struct (%T)", structField, raw)
	}

	for k, v := range nested {
		col := structField + separator + k
		if _, clash := out[col]; clash {
			return nil, fmt.Errorf("flattening %q would overwrite column %q", structField, col)
		}
		out[col] = v
	}
	return out, nil
}

func asMap(v interface{}) (map[string]interface{}, bool) {
	switch m := v.(type) {
	case map[string]interface{}:
		return m, true
	case record.Fields:
		return m, true
	default:
		return nil, false
	}
}
