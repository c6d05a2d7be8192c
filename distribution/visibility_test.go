package distribution

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/astrolab/finkstream/errors"
	"github.com/astrolab/finkstream/publisher/sink"
	"github.com/astrolab/finkstream/publisher/transformer"
	"github.com/astrolab/finkstream/record"
	"github.com/astrolab/finkstream/science"
	"github.com/astrolab/finkstream/stream"
	"github.com/astrolab/finkstream/watermark"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type horizonSource struct {
	*memorySource
	horizon int64
	err     error
}

func (s *horizonSource) Horizon(ctx context.Context, now int64) (int64, error) {
	return s.horizon, s.err
}

func TestCycleStopsAtSourceHorizon(t *testing.T) {
	h := newHarness(t, 1000, nil)
	source := &horizonSource{
		memorySource: newMemorySource(nil, alertAt("a", 1200), alertAt("b", 1700)),
		horizon:      1500,
	}
	h.engine.config.Source = source
	h.clock.set(2000)

	report, err := h.engine.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1500), report.MaxTS)
	assert.Equal(t, 1, report.Published)
	assert.Equal(t, record.StatusNew, source.status("b"))
	assert.Equal(t, int64(1500), h.watermark(t))

	// A horizon ahead of the clock does not widen the window
	source.horizon = 9000
	h.clock.set(2500)
	report, err = h.engine.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, [2]int64{1500, 2500}, source.lastScan())
	assert.Equal(t, 1, report.Published)
	assert.Equal(t, record.StatusDistributed, source.status("b"))
}

func TestCycleHorizonFailureIsSourceUnavailable(t *testing.T) {
	h := newHarness(t, 1000, nil)
	h.engine.config.Source = &horizonSource{
		memorySource: newMemorySource(nil, alertAt("a", 1200)),
		err:          errors.New("database is locked"),
	}
	h.clock.set(2000)

	_, err := h.engine.RunCycle(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrSourceUnavailable))
	assert.Equal(t, int64(1000), h.watermark(t))
}

// cycleBeforeAppend runs a distribution cycle after the ingestor has
// processed its alerts but before they reach the store
type cycleBeforeAppend struct {
	t      *testing.T
	store  *record.Store
	engine *Engine
	clock  *clock
}

func (c cycleBeforeAppend) Append(ctx context.Context, batch record.Batch) error {
	c.clock.set(2000)
	_, err := c.engine.RunCycle(ctx)
	require.NoError(c.t, err)
	return c.store.Append(ctx, batch)
}

func TestRecordsIngestedDuringCycleAreDistributed(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	clk := newClock(1500)

	store, err := record.Open(filepath.Join(dir, "science.db"), 0)
	require.NoError(t, err)
	defer store.Close()
	store.SetClock(clk.now)

	mock := &sink.MockSink{}
	marks := watermark.NewMemoryStore(1000)
	engine, err := NewEngine(Config{
		Source:      store,
		Watermark:   marks,
		Sink:        mock,
		Transformer: transformer.NewJSONTransformer(),
		Topic:       "fink_alerts",
		Now:         clk.now,
	})
	require.NoError(t, err)

	prefix := filepath.Join(dir, "online")
	raw := science.RawDir(prefix, "20240611")
	require.NoError(t, os.MkdirAll(raw, 0755))
	alert := `{"objectId":"ZTF24aaaaaaa","candid":1,"candidate":{"jd":2460472.5,"nbad":0,"rb":0.9,"fid":1}}` + "\n"
	require.NoError(t, os.WriteFile(filepath.Join(raw, "a.json"), []byte(alert), 0644))

	cp, err := stream.OpenCheckpoint(filepath.Join(dir, "cp"))
	require.NoError(t, err)
	defer cp.Close()

	ingestor, err := science.NewIngestor(science.Config{
		OnlineDataPrefix:   prefix,
		Night:              "20240611",
		MaxFilesPerTrigger: 1,
		Store:              cycleBeforeAppend{t: t, store: store, engine: engine, clock: clk},
		Now:                clk.now,
	})
	require.NoError(t, err)

	report, err := ingestor.Trigger(ctx, cp)
	require.NoError(t, err)
	require.Equal(t, 1, report.Stored)

	for _, ms := range []int64{3000, 4000, 5000} {
		clk.set(ms)
		_, err := engine.RunCycle(ctx)
		require.NoError(t, err)
	}

	counts, err := store.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"distributed": 1}, counts)
	assert.Equal(t, 1, mock.CallCount())

	mark, err := marks.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5000), mark)
}
