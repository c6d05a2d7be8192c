package correlation

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/astrolab/finkstream/errors"
	"github.com/astrolab/finkstream/publisher/sink"
	"github.com/astrolab/finkstream/publisher/transformer"
	"github.com/astrolab/finkstream/record"
	"github.com/astrolab/finkstream/stream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chanSource feeds notices from a channel
type chanSource struct {
	ch     chan Notice
	mu     sync.Mutex
	closed bool
}

func newChanSource(buffer int) *chanSource {
	return &chanSource{ch: make(chan Notice, buffer)}
}

func (s *chanSource) ReadNotice(ctx context.Context) (Notice, error) {
	select {
	case n := <-s.ch:
		return n, nil
	case <-ctx.Done():
		return Notice{}, ctx.Err()
	}
}

func (s *chanSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *chanSource) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// memoryScanner returns every record whose timestamp is in range
type memoryScanner struct {
	batch record.Batch
	err   error
	calls int
}

func (m *memoryScanner) Scan(_ context.Context, minTS, maxTS int64, _ record.Status) (record.Batch, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	var out record.Batch
	for _, r := range m.batch {
		if r.Timestamp >= minTS && r.Timestamp < maxTS {
			out = append(out, r)
		}
	}
	return out, nil
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func alertAt(id string, ts int64, jd, ra, dec float64) record.Record {
	return record.Record{
		ID:        id + "_1",
		Timestamp: ts,
		Fields: record.Fields{
			"objectId":      id,
			"candid":        int64(1),
			"candidate_jd":  jd,
			"candidate_ra":  ra,
			"candidate_dec": dec,
		},
	}
}

var grb = Notice{
	ID:          "GRB240611A",
	Instrument:  "Fermi",
	TriggerJD:   2460472.5,
	RA:          150.0,
	Dec:         2.0,
	ErrorRadius: 1.0,
}

type harness struct {
	source  *chanSource
	scanner *memoryScanner
	sink    *sink.MockSink
	clock   *clock
	cp      *stream.Checkpoint
	c       *Correlator
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		source:  newChanSource(8),
		scanner: &memoryScanner{},
		sink:    &sink.MockSink{},
		clock:   &clock{now: time.UnixMilli(1_718_150_000_000)},
	}

	cp, err := stream.OpenCheckpoint(filepath.Join(t.TempDir(), "cp"))
	require.NoError(t, err)
	t.Cleanup(func() { cp.Close() })
	h.cp = cp

	c, err := NewCorrelator(Config{
		Notices:     h.source,
		Records:     h.scanner,
		Sink:        h.sink,
		Transformer: transformer.NewJSONTransformer(),
		Topic:       "fink_mm",
		WaitTimeout: time.Second,
		NoticeTTL:   time.Hour,
		WindowDays:  1,
		Now:         h.clock.Now,
	})
	require.NoError(t, err)
	h.c = c
	return h
}

func TestCorrelatorPublishesMatches(t *testing.T) {
	h := newHarness(t)
	start := h.clock.Now().UnixMilli()

	h.source.ch <- grb
	require.NoError(t, h.c.Setup(context.Background(), h.cp))
	defer h.c.Teardown()

	h.scanner.batch = record.Batch{
		alertAt("ZTF-inside", start+10, 2460472.9, 150.3, 2.1),
		alertAt("ZTF-far", start+20, 2460472.9, 160.0, 2.1),
		alertAt("ZTF-late", start+30, 2460474.0, 150.0, 2.0),
		{ID: "ZTF-nopos_1", Timestamp: start + 40, Fields: record.Fields{"objectId": "ZTF-nopos"}},
	}
	h.clock.Advance(time.Minute)

	require.NoError(t, h.c.Batch(context.Background(), h.cp))

	published := h.sink.Published()
	require.Len(t, published, 1)
	assert.Equal(t, "fink_mm", published[0].Topic)
	assert.Equal(t, "ZTF-inside", published[0].Key)

	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal(published[0].Value, &payload))
	assert.Equal(t, "GRB240611A", payload["notice_id"])
	assert.Equal(t, "Fermi", payload["instrument"])
	assert.InDelta(t, 0.4, payload["delay_days"], 1e-6)
	assert.Less(t, payload["separation_deg"].(float64), 1.0)

	// The cursor advanced: the same records are not correlated twice
	require.NoError(t, h.c.Batch(context.Background(), h.cp))
	assert.Len(t, h.sink.Published(), 1)
}

func TestCorrelatorCursorHoldsOnPublishFailure(t *testing.T) {
	h := newHarness(t)
	start := h.clock.Now().UnixMilli()

	h.source.ch <- grb
	require.NoError(t, h.c.Setup(context.Background(), h.cp))
	defer h.c.Teardown()

	h.scanner.batch = record.Batch{alertAt("ZTF1", start+1, 2460472.5, 150.0, 2.0)}
	h.clock.Advance(time.Minute)

	h.sink.FailCalls = 1
	err := h.c.Batch(context.Background(), h.cp)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrPublishFailure))

	require.NoError(t, h.c.Batch(context.Background(), h.cp))
	assert.Len(t, h.sink.Published(), 1)
}

func TestCorrelatorScanFailure(t *testing.T) {
	h := newHarness(t)
	h.source.ch <- grb
	require.NoError(t, h.c.Setup(context.Background(), h.cp))
	defer h.c.Teardown()

	h.scanner.err = errors.New("database is locked")
	h.clock.Advance(time.Minute)

	err := h.c.Batch(context.Background(), h.cp)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrSourceUnavailable))
}

type horizonScanner struct {
	*memoryScanner
	horizon int64
}

func (h *horizonScanner) Horizon(ctx context.Context, now int64) (int64, error) {
	return h.horizon, nil
}

// Records still being appended hold the cursor back until they commit
func TestCorrelatorCursorStopsAtRecordHorizon(t *testing.T) {
	h := newHarness(t)
	start := h.clock.Now().UnixMilli()
	scanner := &horizonScanner{memoryScanner: h.scanner, horizon: start + 20}
	h.c.config.Records = scanner

	h.source.ch <- grb
	require.NoError(t, h.c.Setup(context.Background(), h.cp))
	defer h.c.Teardown()

	h.scanner.batch = record.Batch{alertAt("ZTF-pending", start+30, 2460472.9, 150.3, 2.1)}
	h.clock.Advance(time.Minute)

	require.NoError(t, h.c.Batch(context.Background(), h.cp))
	assert.Empty(t, h.sink.Published())

	var cursor int64
	_, err := h.cp.GetValue(keyCursor, &cursor)
	require.NoError(t, err)
	assert.Equal(t, start+20, cursor)

	scanner.horizon = h.clock.Now().UnixMilli()
	require.NoError(t, h.c.Batch(context.Background(), h.cp))
	require.Len(t, h.sink.Published(), 1)
	assert.Equal(t, "ZTF-pending", h.sink.Published()[0].Key)
}

func TestCorrelatorSetupTimesOut(t *testing.T) {
	h := newHarness(t)
	h.c.config.WaitTimeout = 20 * time.Millisecond

	err := h.c.Setup(context.Background(), h.cp)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoNotice))
	assert.True(t, h.source.isClosed())
}

func TestCorrelatorExpiredNoticesAreInactive(t *testing.T) {
	h := newHarness(t)
	h.source.ch <- grb
	require.NoError(t, h.c.Setup(context.Background(), h.cp))
	defer h.c.Teardown()

	assert.Len(t, h.c.ActiveNotices(), 1)

	h.clock.Advance(2 * time.Hour)
	assert.Empty(t, h.c.ActiveNotices())

	// Without active notices the store is not scanned but the cursor moves
	require.NoError(t, h.c.Batch(context.Background(), h.cp))
	assert.Equal(t, 0, h.scanner.calls)

	var cursor int64
	_, err := h.cp.GetValue(keyCursor, &cursor)
	require.NoError(t, err)
	assert.Equal(t, h.clock.Now().UnixMilli(), cursor)
}

func TestCorrelatorConsumesLaterNotices(t *testing.T) {
	h := newHarness(t)
	h.source.ch <- grb
	require.NoError(t, h.c.Setup(context.Background(), h.cp))

	second := grb
	second.ID = "GRB240611B"
	h.source.ch <- second

	require.Eventually(t, func() bool { return len(h.c.ActiveNotices()) == 2 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, h.c.Teardown())
	assert.True(t, h.source.isClosed())
	assert.Empty(t, h.c.ActiveNotices())
}

func TestCorrelatorInitialCursorIsOneWindowBack(t *testing.T) {
	h := newHarness(t)
	h.source.ch <- grb
	require.NoError(t, h.c.Setup(context.Background(), h.cp))
	defer h.c.Teardown()

	var cursor int64
	ok, err := h.cp.GetValue(keyCursor, &cursor)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, h.clock.Now().Add(-24*time.Hour).UnixMilli(), cursor)
}

func TestCorrelateMultipleNotices(t *testing.T) {
	h := newHarness(t)
	other := Notice{ID: "IC240611", Instrument: "IceCube", TriggerJD: 2460472.6, RA: 150.2, Dec: 2.0, ErrorRadius: 0.5}

	matches := h.c.Correlate(record.Batch{alertAt("ZTF1", 0, 2460472.7, 150.1, 2.0)}, []Notice{grb, other})
	require.Len(t, matches, 2)
	assert.Equal(t, "ZTF1_1_GRB240611A", matches[0].ID)
	assert.Equal(t, "ZTF1_1_IC240611", matches[1].ID)
}

func TestNewCorrelatorValidation(t *testing.T) {
	base := Config{
		Notices:     newChanSource(0),
		Records:     &memoryScanner{},
		Sink:        &sink.MockSink{},
		Transformer: transformer.NewJSONTransformer(),
		Topic:       "fink_mm",
		NoticeTTL:   time.Hour,
		WindowDays:  1,
	}
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"no source", func(c *Config) { c.Notices = nil }},
		{"no records", func(c *Config) { c.Records = nil }},
		{"no sink", func(c *Config) { c.Sink = nil }},
		{"no topic", func(c *Config) { c.Topic = "" }},
		{"no ttl", func(c *Config) { c.NoticeTTL = 0 }},
		{"no window", func(c *Config) { c.WindowDays = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := base
			tt.mutate(&config)
			_, err := NewCorrelator(config)
			require.Error(t, err)
			assert.True(t, errors.Is(err, errors.ErrConfiguration))
		})
	}
}
