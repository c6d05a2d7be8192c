// Package record defines the alert record model shared by the ingestion job,
// the correlation job and the distribution engine, and the SQLite-backed
// science store that holds them.
package record

import "context"

// Status is the distribution state of a record
type Status string

const (
	StatusNew         Status = "new"
	StatusDistributed Status = "distributed"
)

// Fields holds the columns of a record. Values are the loosely typed
// msgpack/JSON values: string, int64, float64, bool, nil, nested maps.
type Fields map[string]interface{}

// Clone returns a deep copy. Nested maps are copied, scalars shared.
func (f Fields) Clone() Fields {
	if f == nil {
		return nil
	}
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		m := make(map[string]interface{}, len(t))
		for k, inner := range t {
			m[k] = cloneValue(inner)
		}
		return m
	case Fields:
		return t.Clone()
	case []interface{}:
		s := make([]interface{}, len(t))
		for i, inner := range t {
			s[i] = cloneValue(inner)
		}
		return s
	default:
		return v
	}
}

// Record is a single alert row in the science store
type Record struct {
	ID        string `msgpack:"id"`     // Row key (objectId_candid)
	Status    Status `msgpack:"status"` // new or distributed
	Timestamp int64  `msgpack:"ts"`     // Store commit time (unix ms), the range index
	Fields    Fields `msgpack:"fields"` // Flat columns
}

// ObjectID returns the objectId column, falling back to the row key
func (r Record) ObjectID() string {
	if v, ok := r.Fields["objectId"].(string); ok && v != "" {
		return v
	}
	return r.ID
}

// Batch is an ordered in-memory view of records
type Batch []Record

// IDs returns the row keys of the batch in order
func (b Batch) IDs() []string {
	ids := make([]string, len(b))
	for i, r := range b {
		ids[i] = r.ID
	}
	return ids
}

// Clone deep-copies the batch so callers can mutate fields freely
func (b Batch) Clone() Batch {
	if b == nil {
		return nil
	}
	out := make(Batch, len(b))
	for i, r := range b {
		out[i] = r
		out[i].Fields = r.Fields.Clone()
	}
	return out
}

// Source is the store contract consumed by the distribution engine
type Source interface {
	// Scan returns records with minTS <= Timestamp < maxTS, skipping records
	// whose status equals exclude (empty exclude returns everything in range)
	Scan(ctx context.Context, minTS, maxTS int64, exclude Status) (Batch, error)
	// MarkDistributed sets status=distributed on the given row keys
	MarkDistributed(ctx context.Context, ids []string) error
}

// Horizon is implemented by sources whose writers may hold records that are
// not yet visible. Horizon returns a bound no greater than now such that
// every record stamped below it is already visible to Scan. Readers must
// read their clock before calling it.
type Horizon interface {
	Horizon(ctx context.Context, now int64) (int64, error)
}

// VisibleBound caps now by the source's Horizon, if it has one
func VisibleBound(ctx context.Context, source interface{}, now int64) (int64, error) {
	h, ok := source.(Horizon)
	if !ok {
		return now, nil
	}
	bound, err := h.Horizon(ctx, now)
	if err != nil {
		return 0, err
	}
	return min(bound, now), nil
}

// RowKey builds the row key for an alert
func RowKey(objectID string, candid interface{}) string {
	switch c := candid.(type) {
	case nil:
		return objectID
	case string:
		return objectID + "_" + c
	default:
		return objectID + "_" + formatNumber(c)
	}
}
