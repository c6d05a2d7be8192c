// Package distribution runs the watermark-driven distribution loop: scan the
// records written since the last watermark, filter them, publish them, mark
// them distributed and advance the watermark.
//
// Each cycle covers the half-open window [watermark, now), with now capped by
// the source's record.Horizon so the window never closes over records a
// concurrent writer has not yet committed. The watermark only moves once
// every earlier step of the cycle has succeeded, so a failed cycle leaves it
// in place and the next cycle retries the same window (widened to the new
// clock reading). Delivery is at-least-once: a crash between publish
// and checkpoint republishes the window, minus any records already marked.
package distribution

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/astrolab/finkstream/errors"
	"github.com/astrolab/finkstream/filter"
	"github.com/astrolab/finkstream/publisher"
	"github.com/astrolab/finkstream/record"
	"github.com/astrolab/finkstream/telemetry"
	"github.com/astrolab/finkstream/watermark"
	"github.com/rs/zerolog/log"
)

const (
	// Default interval between cycles
	DefaultPollInterval = time.Second
	// Default maximum delay between failed cycles (exponential backoff cap)
	DefaultRetryMax = 30 * time.Second
	// Default exponential backoff multiplier
	DefaultRetryMultiplier = 2.0
)

// Phase is the engine's current step
type Phase int32

const (
	PhaseIdle Phase = iota
	PhaseScanning
	PhaseFiltering
	PhasePublishing
	PhaseMarking
	PhaseCheckpointing
	PhaseSleeping
	PhaseTerminated
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseScanning:
		return "scanning"
	case PhaseFiltering:
		return "filtering"
	case PhasePublishing:
		return "publishing"
	case PhaseMarking:
		return "marking"
	case PhaseCheckpointing:
		return "checkpointing"
	case PhaseSleeping:
		return "sleeping"
	case PhaseTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Config configures the distribution engine
type Config struct {
	Name            string                // Engine name (log field)
	Source          record.Source         // Science record store
	Watermark       watermark.Store       // Persistent watermark
	Pipeline        *filter.Pipeline      // Filters; nil passes batches through
	Sink            publisher.Sink        // Destination
	Transformer     publisher.Transformer // Record serialization
	Topic           string                // Destination topic
	PollInterval    time.Duration         // Sleep between successful cycles
	RetryMax        time.Duration         // Max sleep after failed cycles
	RetryMultiplier float64               // Backoff multiplier
	StopAt          time.Time             // Zero runs until the context is cancelled
	Now             func() time.Time      // Clock, defaults to time.Now
}

// CycleReport summarizes one cycle
type CycleReport struct {
	MinTS     int64         `json:"min_ts"`
	MaxTS     int64         `json:"max_ts"`
	Scanned   int           `json:"scanned"`
	Published int           `json:"published"`
	Marked    int           `json:"marked"`
	Noop      bool          `json:"noop"`
	Duration  time.Duration `json:"duration"`
}

// Status is a point-in-time snapshot for the admin surface
type Status struct {
	Name                string      `json:"name"`
	Phase               string      `json:"phase"`
	Watermark           int64       `json:"watermark"`
	Cycles              uint64      `json:"cycles"`
	ConsecutiveFailures int         `json:"consecutive_failures"`
	LastReport          CycleReport `json:"last_report"`
	LastError           string      `json:"last_error,omitempty"`
}

// Engine runs distribution cycles. Cycles never overlap.
type Engine struct {
	config Config
	phase  atomic.Int32
	cycle  sync.Mutex // Serializes RunCycle callers

	mu       sync.Mutex // Protects the fields below
	mark     int64
	cycles   uint64
	failures int
	last     CycleReport
	lastErr  string
}

// NewEngine validates the collaborators and applies defaults
func NewEngine(config Config) (*Engine, error) {
	if config.Source == nil {
		return nil, errors.Configurationf("distribution engine requires a record source")
	}
	if config.Watermark == nil {
		return nil, errors.Configurationf("distribution engine requires a watermark store")
	}
	if config.Sink == nil {
		return nil, errors.Configurationf("distribution engine requires a sink")
	}
	if config.Transformer == nil {
		return nil, errors.Configurationf("distribution engine requires a transformer")
	}
	if config.Topic == "" {
		return nil, errors.Configurationf("distribution engine requires a topic")
	}

	if config.Name == "" {
		config.Name = "distribution"
	}
	if config.Pipeline == nil {
		p, err := filter.NewPipeline()
		if err != nil {
			return nil, err
		}
		config.Pipeline = p
	}
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}
	if config.RetryMax <= 0 {
		config.RetryMax = DefaultRetryMax
	}
	if config.RetryMax < config.PollInterval {
		config.RetryMax = config.PollInterval
	}
	if config.RetryMultiplier <= 1 {
		config.RetryMultiplier = DefaultRetryMultiplier
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	return &Engine{config: config}, nil
}

// Phase returns the current phase
func (e *Engine) Phase() Phase {
	return Phase(e.phase.Load())
}

func (e *Engine) setPhase(p Phase) {
	e.phase.Store(int32(p))
}

// Status returns a snapshot of the engine state
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Status{
		Name:                e.config.Name,
		Phase:               e.Phase().String(),
		Watermark:           e.mark,
		Cycles:              e.cycles,
		ConsecutiveFailures: e.failures,
		LastReport:          e.last,
		LastError:           e.lastErr,
	}
}

// RunCycle runs exactly one cycle. The returned error carries the failure
// class (errors.ErrSourceUnavailable, ErrFilterStage, ErrPublishFailure,
// ErrMarkFailure, ErrCheckpointFailure); on error the watermark is unchanged.
func (e *Engine) RunCycle(ctx context.Context) (CycleReport, error) {
	e.cycle.Lock()
	defer e.cycle.Unlock()

	start := time.Now()
	report, err := e.runCycle(ctx)
	report.Duration = time.Since(start)

	e.record(report, err)
	e.setPhase(PhaseIdle)
	return report, err
}

func (e *Engine) runCycle(ctx context.Context) (CycleReport, error) {
	now := e.config.Now().UnixMilli()
	minTS, err := e.config.Watermark.Read(ctx)
	if err != nil {
		return CycleReport{MaxTS: now}, errors.Mark(errors.Wrap(err, "read watermark"), errors.ErrCheckpointFailure)
	}

	// Never close the window over records another writer has yet to commit
	maxTS, err := record.VisibleBound(ctx, e.config.Source, now)
	if err != nil {
		return CycleReport{MinTS: minTS, MaxTS: now}, errors.Mark(errors.Wrap(err, "read source horizon"), errors.ErrSourceUnavailable)
	}

	report := CycleReport{MinTS: minTS, MaxTS: maxTS}
	if maxTS <= minTS {
		report.Noop = true
		return report, nil
	}

	e.setPhase(PhaseScanning)
	batch, err := e.config.Source.Scan(ctx, minTS, maxTS, record.StatusDistributed)
	if err != nil {
		return report, errors.Mark(errors.Wrapf(err, "scan [%d, %d)", minTS, maxTS), errors.ErrSourceUnavailable)
	}
	report.Scanned = len(batch)
	telemetry.RecordsTotal.With("scanned").Add(float64(len(batch)))

	e.setPhase(PhaseFiltering)
	filtered, err := e.config.Pipeline.Apply(batch)
	if err != nil {
		return report, err
	}
	telemetry.RecordsTotal.With("filtered_out").Add(float64(len(batch) - len(filtered)))

	if len(filtered) > 0 {
		e.setPhase(PhasePublishing)
		msgs, err := publisher.BuildMessages(filtered, e.config.Transformer)
		if err != nil {
			return report, errors.Mark(errors.Wrap(err, "serialize batch"), errors.ErrPublishFailure)
		}
		if err := e.config.Sink.PublishBatch(ctx, e.config.Topic, msgs); err != nil {
			return report, errors.Mark(errors.Wrapf(err, "publish %d records", len(msgs)), errors.ErrPublishFailure)
		}
		report.Published = len(msgs)
		telemetry.RecordsTotal.With("published").Add(float64(len(msgs)))

		e.setPhase(PhaseMarking)
		if err := e.config.Source.MarkDistributed(ctx, filtered.IDs()); err != nil {
			return report, errors.Mark(errors.Wrapf(err, "mark %d records", len(filtered)), errors.ErrMarkFailure)
		}
		report.Marked = len(filtered)
		telemetry.RecordsTotal.With("marked").Add(float64(len(filtered)))
	}

	e.setPhase(PhaseCheckpointing)
	if err := e.config.Watermark.Write(ctx, maxTS); err != nil {
		return report, errors.Mark(errors.Wrapf(err, "checkpoint %d", maxTS), errors.ErrCheckpointFailure)
	}
	return report, nil
}

func (e *Engine) record(report CycleReport, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.cycles++
	e.last = report
	if err != nil {
		e.failures++
		e.lastErr = err.Error()
	} else {
		e.failures = 0
		e.lastErr = ""
		if !report.Noop {
			e.mark = report.MaxTS
		} else if report.MinTS > e.mark {
			e.mark = report.MinTS
		}
	}

	telemetry.CyclesTotal.With(resultLabel(report, err)).Inc()
	telemetry.CycleDurationSeconds.Observe(report.Duration.Seconds())
	telemetry.CycleBatchSize.Observe(float64(report.Scanned))
	telemetry.ConsecutiveFailures.Set(float64(e.failures))
	telemetry.WatermarkMS.Set(float64(e.mark))
}

func resultLabel(report CycleReport, err error) string {
	switch {
	case err == nil && report.Noop:
		return "noop"
	case err == nil:
		return "success"
	case errors.Is(err, errors.ErrSourceUnavailable):
		return "source_unavailable"
	case errors.Is(err, errors.ErrFilterStage):
		return "filter_failed"
	case errors.Is(err, errors.ErrPublishFailure):
		return "publish_failed"
	case errors.Is(err, errors.ErrMarkFailure):
		return "mark_failed"
	case errors.Is(err, errors.ErrCheckpointFailure):
		return "checkpoint_failed"
	default:
		return "error"
	}
}

// Run loops cycles until ctx is cancelled or StopAt passes. A cycle in
// flight is never interrupted: cancellation and the deadline are honored at
// the sleep boundary only. Per-cycle failures are logged and retried with
// exponential backoff; only configuration errors end the loop early.
func (e *Engine) Run(ctx context.Context) error {
	defer e.setPhase(PhaseTerminated)

	logger := log.With().Str("engine", e.config.Name).Str("topic", e.config.Topic).Logger()
	logger.Info().
		Dur("poll_interval", e.config.PollInterval).
		Time("stop_at", e.config.StopAt).
		Strs("stages", e.config.Pipeline.Names()).
		Msg("Starting distribution loop")

	delay := e.config.PollInterval
	for {
		if ctx.Err() != nil || e.deadlinePassed() {
			logger.Info().Int64("watermark", e.Status().Watermark).Msg("Distribution loop stopped")
			return nil
		}

		report, err := e.RunCycle(context.WithoutCancel(ctx))
		switch {
		case err != nil && errors.Is(err, errors.ErrConfiguration):
			return err
		case err != nil:
			status := e.Status()
			if status.ConsecutiveFailures > 1 {
				delay = time.Duration(float64(delay) * e.config.RetryMultiplier)
				if delay > e.config.RetryMax {
					delay = e.config.RetryMax
				}
			} else {
				delay = e.config.PollInterval
			}
			logger.Error().
				Err(err).
				Int64("min_ts", report.MinTS).
				Int64("max_ts", report.MaxTS).
				Int("count", report.Scanned).
				Int("failures", status.ConsecutiveFailures).
				Dur("retry_delay", delay).
				Msg("Distribution cycle failed, window will be retried")
		default:
			delay = e.config.PollInterval
			if !report.Noop {
				logger.Debug().
					Int64("min_ts", report.MinTS).
					Int64("max_ts", report.MaxTS).
					Int("scanned", report.Scanned).
					Int("count", report.Published).
					Dur("duration", report.Duration).
					Msg("Distribution cycle complete")
			}
		}

		e.setPhase(PhaseSleeping)
		if !e.sleep(ctx, delay) {
			logger.Info().Int64("watermark", e.Status().Watermark).Msg("Distribution loop stopped")
			return nil
		}
	}
}

func (e *Engine) deadlinePassed() bool {
	return !e.config.StopAt.IsZero() && !e.config.Now().Before(e.config.StopAt)
}

// sleep waits for d, cut short by StopAt. Returns false when the loop should
// stop (context cancelled or deadline reached).
func (e *Engine) sleep(ctx context.Context, d time.Duration) bool {
	if !e.config.StopAt.IsZero() {
		remaining := e.config.StopAt.Sub(e.config.Now())
		if remaining <= 0 {
			return false
		}
		if d > remaining {
			d = remaining
		}
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return !e.deadlinePassed()
	}
}
