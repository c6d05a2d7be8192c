package stream

import (
	"fmt"
	"sync/atomic"

	"github.com/astrolab/finkstream/encoding"
	"github.com/cockroachdb/pebble"
)

const prefixCheckpoint = "/checkpoint/" // /checkpoint/{key} -> opaque bytes

// Checkpoint is a job's private resumption state, kept in its own Pebble
// directory. Values are opaque to the orchestrator.
type Checkpoint struct {
	db     *pebble.DB
	path   string
	closed atomic.Bool
}

// OpenCheckpoint opens (or creates) the checkpoint directory at path.
// Pebble's lock rejects a second process using the same path.
func OpenCheckpoint(path string) (*Checkpoint, error) {
	if path == "" {
		return nil, fmt.Errorf("checkpoint path is required")
	}

	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint at %s: %w", path, err)
	}
	return &Checkpoint{db: db, path: path}, nil
}

// Path returns the checkpoint directory
func (c *Checkpoint) Path() string {
	return c.path
}

// Get returns a copy of the value stored under key
func (c *Checkpoint) Get(key string) ([]byte, bool, error) {
	if c.closed.Load() {
		return nil, false, fmt.Errorf("checkpoint is closed")
	}

	val, closer, err := c.db.Get([]byte(prefixCheckpoint + key))
	if err == pebble.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read checkpoint %s: %w", key, err)
	}
	defer closer.Close()

	out := make([]byte, len(val))
	copy(out, val)
	return out, true, nil
}

// Put durably stores value under key
func (c *Checkpoint) Put(key string, value []byte) error {
	if c.closed.Load() {
		return fmt.Errorf("checkpoint is closed")
	}
	if err := c.db.Set([]byte(prefixCheckpoint+key), value, pebble.Sync); err != nil {
		return fmt.Errorf("failed to write checkpoint %s: %w", key, err)
	}
	return nil
}

// Has reports whether key exists
func (c *Checkpoint) Has(key string) (bool, error) {
	_, ok, err := c.Get(key)
	return ok, err
}

// GetValue decodes a msgpack value stored with PutValue
func (c *Checkpoint) GetValue(key string, v interface{}) (bool, error) {
	data, ok, err := c.Get(key)
	if err != nil || !ok {
		return ok, err
	}
	if err := encoding.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("failed to decode checkpoint %s: %w", key, err)
	}
	return true, nil
}

// PutValue stores v msgpack-encoded
func (c *Checkpoint) PutValue(key string, v interface{}) error {
	data, err := encoding.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint %s: %w", key, err)
	}
	return c.Put(key, data)
}

// Keys returns the keys stored under prefix, in order
func (c *Checkpoint) Keys(prefix string) ([]string, error) {
	if c.closed.Load() {
		return nil, fmt.Errorf("checkpoint is closed")
	}

	lower := []byte(prefixCheckpoint + prefix)
	iter, err := c.db.NewIter(&pebble.IterOptions{
		LowerBound: lower,
		UpperBound: prefixUpperBound(lower),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to iterate checkpoint: %w", err)
	}
	defer iter.Close()

	var keys []string
	for iter.First(); iter.Valid(); iter.Next() {
		keys = append(keys, string(iter.Key()[len(prefixCheckpoint):]))
	}
	return keys, iter.Error()
}

// Close releases the Pebble directory
func (c *Checkpoint) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	return c.db.Close()
}

func prefixUpperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
