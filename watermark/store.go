// Package watermark persists the distribution cursor: the upper bound (unix
// ms) of the time range whose records have already been published and marked.
//
// The watermark is monotonically non-decreasing. A write below the persisted
// value is rejected with errors.ErrWatermarkRegression; a write equal to it is
// a no-op. When nothing has been persisted yet, Read returns the origin value
// the store was opened with.
package watermark

import (
	"context"
	"encoding/binary"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/astrolab/finkstream/errors"
	"github.com/cockroachdb/pebble"
	"github.com/rs/zerolog/log"
)

// Store persists a single monotonic cursor
type Store interface {
	// Read returns the persisted watermark, or the origin if none exists
	Read(ctx context.Context) (int64, error)
	// Write durably persists ts as the new watermark
	Write(ctx context.Context, ts int64) error
	// Close releases resources held by the store
	Close() error
}

const (
	prefixWatermark = "/watermark/" // /watermark/{name} -> int64 LE
	valueSize       = 8
)

// PebbleStore keeps the watermark in a Pebble database. Pebble's directory
// lock rejects a second process opening the same path, and writes are synced
// through the WAL, so a crash either exposes the complete new value or the
// previous one.
type PebbleStore struct {
	db     *pebble.DB
	path   string
	key    []byte
	origin int64

	mu     sync.Mutex // serializes writers
	closed atomic.Bool
}

// OpenPebble opens the watermark store under dir for the named cursor
func OpenPebble(dir, name string, origin int64) (*PebbleStore, error) {
	if dir == "" {
		return nil, errors.Configurationf("watermark directory is required")
	}
	if name == "" {
		return nil, errors.Configurationf("watermark name is required")
	}

	path := filepath.Join(dir, "watermark")
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open watermark store at %s", path)
	}

	s := &PebbleStore{
		db:     db,
		path:   path,
		key:    []byte(prefixWatermark + name),
		origin: origin,
	}

	ts, err := s.Read(context.Background())
	if err != nil {
		db.Close()
		return nil, err
	}
	log.Info().Str("name", name).Int64("watermark", ts).Msg("Loaded distribution watermark")

	return s, nil
}

// Read implements Store
func (s *PebbleStore) Read(_ context.Context) (int64, error) {
	if s.closed.Load() {
		return 0, errors.New("watermark store is closed")
	}

	val, closer, err := s.db.Get(s.key)
	if errors.Is(err, pebble.ErrNotFound) {
		return s.origin, nil
	}
	if err != nil {
		return 0, errors.Wrap(err, "failed to read watermark")
	}
	defer closer.Close()

	if len(val) != valueSize {
		return 0, errors.Newf("corrupted watermark: invalid length %d", len(val))
	}
	return int64(binary.LittleEndian.Uint64(val)), nil
}

// Write implements Store
func (s *PebbleStore) Write(ctx context.Context, ts int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.Read(ctx)
	if err != nil {
		return err
	}
	if ts < current {
		return errors.Mark(
			errors.Newf("watermark %d is below persisted %d", ts, current),
			errors.ErrWatermarkRegression,
		)
	}
	if ts == current {
		return nil
	}

	val := make([]byte, valueSize)
	binary.LittleEndian.PutUint64(val, uint64(ts))
	if err := s.db.Set(s.key, val, pebble.Sync); err != nil {
		return errors.Wrap(err, "failed to persist watermark")
	}
	return nil
}

// Close implements Store
func (s *PebbleStore) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return errors.New("watermark store already closed")
	}
	return s.db.Close()
}

// MemoryStore is an in-memory Store with the same monotonic contract
type MemoryStore struct {
	mu      sync.Mutex
	value   int64
	written bool
	origin  int64
}

// NewMemoryStore creates a memory store starting at origin
func NewMemoryStore(origin int64) *MemoryStore {
	return &MemoryStore{origin: origin}
}

// Read implements Store
func (m *MemoryStore) Read(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.written {
		return m.origin, nil
	}
	return m.value, nil
}

// Write implements Store
func (m *MemoryStore) Write(_ context.Context, ts int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current := m.origin
	if m.written {
		current = m.value
	}
	if ts < current {
		return errors.Mark(
			errors.Newf("watermark %d is below persisted %d", ts, current),
			errors.ErrWatermarkRegression,
		)
	}
	m.value = ts
	m.written = true
	return nil
}

// Close implements Store
func (m *MemoryStore) Close() error {
	return nil
}
