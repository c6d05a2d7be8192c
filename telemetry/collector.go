package telemetry

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// StatusCounter reports record counts by distribution status
type StatusCounter interface {
	CountByStatus(ctx context.Context) (map[string]int64, error)
}

// Statuses always exported, even when the store holds none of them
var trackedStatuses = []string{"new", "distributed"}

// MetricsCollector periodically collects store stats and updates telemetry gauges
type MetricsCollector struct {
	store    StatusCounter
	interval time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector(store StatusCounter, interval time.Duration) *MetricsCollector {
	return &MetricsCollector{
		store:    store,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the periodic collection
func (mc *MetricsCollector) Start() {
	mc.wg.Add(1)
	go mc.collectLoop()
}

// Stop stops the collector. Safe to call more than once.
func (mc *MetricsCollector) Stop() {
	mc.stopOnce.Do(func() { close(mc.stopCh) })
	mc.wg.Wait()
}

func (mc *MetricsCollector) collectLoop() {
	defer mc.wg.Done()

	ticker := time.NewTicker(mc.interval)
	defer ticker.Stop()

	mc.collect()

	for {
		select {
		case <-ticker.C:
			mc.collect()
		case <-mc.stopCh:
			return
		}
	}
}

func (mc *MetricsCollector) collect() {
	if mc.store == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), mc.interval)
	defer cancel()

	counts, err := mc.store.CountByStatus(ctx)
	if err != nil {
		log.Debug().Err(err).Msg("Failed to collect store stats")
		return
	}

	for _, status := range trackedStatuses {
		StoreRecords.With(status).Set(float64(counts[status]))
	}
}
