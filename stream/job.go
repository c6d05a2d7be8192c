// Package stream runs long-lived micro-batch jobs and supervises them under
// an optional global time budget.
package stream

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/astrolab/finkstream/errors"
	"github.com/astrolab/finkstream/telemetry"
	"github.com/rs/zerolog/log"
)

// Job is a long-running task the orchestrator can start and stop
type Job interface {
	// Name identifies the job in logs and state snapshots
	Name() string
	// Start launches the job and returns once it is running
	Start(ctx context.Context) error
	// Stop asks the job to finish and waits for it
	Stop() error
	// Done is closed when the job has terminated
	Done() <-chan struct{}
	// Err returns the error that terminated the job, if any
	Err() error
}

// BatchFunc processes one micro-batch against the job's checkpoint
type BatchFunc func(ctx context.Context, cp *Checkpoint) error

// MicroBatchConfig configures a MicroBatchJob
type MicroBatchConfig struct {
	Name           string
	Trigger        time.Duration                                   // Processing-time trigger interval
	CheckpointPath string                                          // Pebble directory owned by this job
	Setup          func(ctx context.Context, cp *Checkpoint) error // Optional, runs inside Start
	Batch          BatchFunc
	Teardown       func() error // Optional, runs after the last batch
}

// MicroBatchJob runs Batch every Trigger until stopped. A failing batch
// terminates the job; its error is reported by Err.
type MicroBatchJob struct {
	config MicroBatchConfig
	cp     *Checkpoint

	stopCh      chan struct{}
	doneCh      chan struct{}
	stopOnce    sync.Once
	started     atomic.Bool
	lifecycleMu sync.Mutex

	errMu   sync.Mutex
	err     error
	batches atomic.Uint64
}

// NewMicroBatchJob validates the configuration
func NewMicroBatchJob(config MicroBatchConfig) (*MicroBatchJob, error) {
	if config.Name == "" {
		return nil, errors.Configurationf("job name is required")
	}
	if config.Batch == nil {
		return nil, errors.Configurationf("job %s has no batch function", config.Name)
	}
	if config.CheckpointPath == "" {
		return nil, errors.Configurationf("job %s requires a checkpoint path", config.Name)
	}
	if config.Trigger <= 0 {
		return nil, errors.Configurationf("job %s requires a positive trigger interval", config.Name)
	}

	return &MicroBatchJob{
		config: config,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}, nil
}

func (j *MicroBatchJob) Name() string { return j.config.Name }

func (j *MicroBatchJob) Done() <-chan struct{} { return j.doneCh }

// Batches returns how many batches completed successfully
func (j *MicroBatchJob) Batches() uint64 { return j.batches.Load() }

func (j *MicroBatchJob) Err() error {
	j.errMu.Lock()
	defer j.errMu.Unlock()
	return j.err
}

func (j *MicroBatchJob) setErr(err error) {
	j.errMu.Lock()
	defer j.errMu.Unlock()
	if j.err == nil {
		j.err = err
	}
}

// Start opens the checkpoint, runs Setup and launches the trigger loop.
// A job can be started once.
func (j *MicroBatchJob) Start(ctx context.Context) error {
	j.lifecycleMu.Lock()
	defer j.lifecycleMu.Unlock()

	if j.started.Load() {
		return errors.Newf("job %s already started", j.config.Name)
	}

	cp, err := OpenCheckpoint(j.config.CheckpointPath)
	if err != nil {
		return errors.Wrapf(err, "job %s", j.config.Name)
	}

	if j.config.Setup != nil {
		if err := j.config.Setup(ctx, cp); err != nil {
			cp.Close()
			return errors.Wrapf(err, "job %s setup", j.config.Name)
		}
	}

	j.cp = cp
	j.started.Store(true)

	log.Info().
		Str("job", j.config.Name).
		Dur("trigger", j.config.Trigger).
		Str("checkpoint", cp.Path()).
		Msg("Starting streaming job")

	go j.loop(ctx)
	return nil
}

// Stop signals the loop and waits for the batch in flight to finish
func (j *MicroBatchJob) Stop() error {
	j.lifecycleMu.Lock()
	defer j.lifecycleMu.Unlock()

	if !j.started.Load() {
		return nil
	}

	j.stopOnce.Do(func() { close(j.stopCh) })
	<-j.doneCh
	return j.Err()
}

func (j *MicroBatchJob) loop(ctx context.Context) {
	logger := log.With().Str("job", j.config.Name).Logger()
	telemetry.JobRunning.With(j.config.Name).Set(1)

	defer func() {
		if j.config.Teardown != nil {
			if err := j.config.Teardown(); err != nil {
				logger.Warn().Err(err).Msg("Job teardown failed")
			}
		}
		if err := j.cp.Close(); err != nil {
			logger.Warn().Err(err).Msg("Failed to close checkpoint")
		}
		telemetry.JobRunning.With(j.config.Name).Set(0)
		close(j.doneCh)
	}()

	for {
		started := time.Now()
		if err := j.config.Batch(context.WithoutCancel(ctx), j.cp); err != nil {
			telemetry.JobBatchesTotal.With(j.config.Name, "failed").Inc()
			logger.Error().Err(err).Uint64("batches", j.batches.Load()).Msg("Micro-batch failed, terminating job")
			j.setErr(errors.Wrapf(err, "job %s", j.config.Name))
			return
		}
		j.batches.Add(1)
		telemetry.JobBatchesTotal.With(j.config.Name, "success").Inc()

		wait := j.config.Trigger - time.Since(started)
		if wait < 0 {
			wait = 0
		}
		timer := time.NewTimer(wait)
		select {
		case <-j.stopCh:
			timer.Stop()
			logger.Info().Uint64("batches", j.batches.Load()).Msg("Streaming job stopped")
			return
		case <-ctx.Done():
			timer.Stop()
			logger.Info().Uint64("batches", j.batches.Load()).Msg("Streaming job cancelled")
			return
		case <-timer.C:
		}
	}
}
