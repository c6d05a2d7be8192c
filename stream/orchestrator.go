package stream

import (
	"context"
	"time"

	"github.com/astrolab/finkstream/budget"
	"github.com/astrolab/finkstream/errors"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"
)

// JobState is a point-in-time view of a supervised job
type JobState struct {
	Name      string    `json:"name"`
	Role      string    `json:"role"`
	Running   bool      `json:"running"`
	StartedAt time.Time `json:"started_at,omitempty"`
	StoppedAt time.Time `json:"stopped_at,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// OrchestratorConfig configures an Orchestrator
type OrchestratorConfig struct {
	Primary   Job
	Secondary Job // Optional; a failure to start it does not abort the run
	Budget    budget.Allocator

	// Clock hooks, replaced in tests
	Now   func() time.Time
	After func(time.Duration) <-chan time.Time
}

// Orchestrator launches a primary job and an optional secondary job, then
// stops both when the time budget runs out or the context ends.
type Orchestrator struct {
	config OrchestratorConfig
	states *xsync.MapOf[string, JobState]
}

// NewOrchestrator validates the configuration and fills clock defaults
func NewOrchestrator(config OrchestratorConfig) (*Orchestrator, error) {
	if config.Primary == nil {
		return nil, errors.Configurationf("orchestrator requires a primary job")
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if config.After == nil {
		config.After = time.After
	}
	return &Orchestrator{
		config: config,
		states: xsync.NewMapOf[string, JobState](),
	}, nil
}

// States returns a snapshot of every job the orchestrator launched
func (o *Orchestrator) States() []JobState {
	out := make([]JobState, 0, o.states.Size())
	o.states.Range(func(_ string, state JobState) bool {
		out = append(out, state)
		return true
	})
	return out
}

func (o *Orchestrator) markStarted(job Job, role string) {
	o.states.Store(job.Name(), JobState{
		Name:      job.Name(),
		Role:      role,
		Running:   true,
		StartedAt: o.config.Now(),
	})
}

func (o *Orchestrator) markStopped(job Job, err error) {
	o.states.Compute(job.Name(), func(state JobState, loaded bool) (JobState, bool) {
		state.Name = job.Name()
		state.Running = false
		state.StoppedAt = o.config.Now()
		if err != nil {
			state.Error = err.Error()
		}
		return state, false
	})
}

// Run blocks until the run is over and returns the primary job's error.
// With a bounded budget the remaining time after startup is spent waiting;
// the startup latency is deducted so the whole run fits in exit_after.
func (o *Orchestrator) Run(ctx context.Context) error {
	primary := o.config.Primary
	launch := o.config.Now()

	if err := primary.Start(ctx); err != nil {
		o.markStopped(primary, err)
		return errors.Wrapf(err, "failed to start %s", primary.Name())
	}
	o.markStarted(primary, "primary")

	var secondary Job
	if o.config.Secondary != nil {
		if err := o.config.Secondary.Start(ctx); err != nil {
			log.Error().Err(err).Str("job", o.config.Secondary.Name()).Msg("Secondary job failed to start, continuing without it")
			o.markStopped(o.config.Secondary, err)
		} else {
			secondary = o.config.Secondary
			o.markStarted(secondary, "secondary")
		}
	}

	plan := o.config.Budget.Plan(launch, o.config.Now())

	if o.config.Budget.Bounded() {
		log.Info().
			Dur("exit_after", o.config.Budget.Total()).
			Dur("startup", plan.Elapsed).
			Dur("remaining", plan.Remaining).
			Msg("Jobs running under time budget")

		select {
		case <-o.config.After(plan.Remaining):
			log.Info().Msg("Time budget exhausted, stopping jobs")
		case <-ctx.Done():
			log.Info().Msg("Context cancelled, stopping jobs")
		case <-primary.Done():
			log.Warn().Str("job", primary.Name()).Msg("Primary job terminated before the deadline")
		}
	} else {
		log.Info().Msg("Jobs running without time budget")

		var secondaryDone <-chan struct{}
		if secondary != nil {
			secondaryDone = secondary.Done()
		}
		select {
		case <-ctx.Done():
			log.Info().Msg("Context cancelled, stopping jobs")
		case <-primary.Done():
			log.Warn().Str("job", primary.Name()).Msg("Primary job terminated")
		case <-secondaryDone:
			log.Warn().Str("job", secondary.Name()).Msg("Secondary job terminated")
		}
	}

	primaryErr := primary.Stop()
	o.markStopped(primary, primaryErr)

	if secondary != nil {
		err := secondary.Stop()
		o.markStopped(secondary, err)
		if err != nil {
			log.Error().Err(err).Str("job", secondary.Name()).Msg("Secondary job failed")
		}
	}

	return primaryErr
}
