package main

import (
	"context"
	"time"

	"github.com/astrolab/finkstream/admin"
	"github.com/astrolab/finkstream/budget"
	"github.com/astrolab/finkstream/cfg"
	"github.com/astrolab/finkstream/correlation"
	"github.com/astrolab/finkstream/errors"
	"github.com/astrolab/finkstream/publisher"
	"github.com/astrolab/finkstream/record"
	"github.com/astrolab/finkstream/science"
	"github.com/astrolab/finkstream/stream"
	"github.com/astrolab/finkstream/telemetry"
	"github.com/rs/zerolog/log"
)

func runRawToScience(ctx context.Context) error {
	s := cfg.Config.Science
	if err := cfg.ValidateScience(); err != nil {
		return err
	}

	var modules []science.Module
	if !s.NoScience {
		var err error
		if modules, err = science.ResolveModules(s.Modules); err != nil {
			return err
		}
	}

	store, err := record.Open(cfg.Config.Store.Path, cfg.Config.Store.BusyTimeoutMS)
	if err != nil {
		return errors.Wrap(err, "failed to open science store")
	}
	defer store.Close()

	ingestor, err := science.NewIngestor(science.Config{
		OnlineDataPrefix:   s.OnlineDataPrefix,
		Night:              s.Night,
		MaxFilesPerTrigger: s.MaxFilesPerTrigger,
		NoScience:          s.NoScience,
		Modules:            modules,
		BrokerVersion:      s.BrokerVersion,
		ScienceVersion:     s.ScienceVersion,
		Store:              store,
	})
	if err != nil {
		return err
	}

	trigger := time.Duration(s.TInterval) * time.Second
	primary, err := stream.NewMicroBatchJob(stream.MicroBatchConfig{
		Name:           "raw2science",
		Trigger:        trigger,
		CheckpointPath: s.CheckpointPath,
		Batch:          ingestor.Batch,
	})
	if err != nil {
		return err
	}

	secondary, closeSecondary, err := buildCorrelationJob(store, trigger)
	if err != nil {
		return err
	}
	defer closeSecondary()

	config := stream.OrchestratorConfig{
		Primary: primary,
		Budget:  budget.FromSeconds(s.ExitAfter),
	}
	if secondary != nil {
		config.Secondary = secondary
	}
	orchestrator, err := stream.NewOrchestrator(config)
	if err != nil {
		return err
	}

	collector := telemetry.NewMetricsCollector(store, collectorInterval)
	collector.Start()
	defer collector.Stop()

	stopHTTP, err := startHTTP(admin.Sources{
		Service: "raw2science",
		Jobs:    orchestrator.States,
		Store:   store,
	})
	if err != nil {
		return err
	}
	defer stopHTTP()

	log.Info().
		Str("dir", ingestor.Dir()).
		Dur("trigger", trigger).
		Bool("no_science", s.NoScience).
		Strs("modules", s.Modules).
		Bool("correlation", secondary != nil).
		Msg("Science ingestion running")

	return orchestrator.Run(ctx)
}

// buildCorrelationJob returns the notice correlation job, or nil when it is
// disabled. Correlation needs science columns and is skipped with no_science.
func buildCorrelationJob(store *record.Store, trigger time.Duration) (*stream.MicroBatchJob, func(), error) {
	c := cfg.Config.Correlation
	noop := func() {}

	if !c.Enabled {
		return nil, noop, nil
	}
	if cfg.Config.Science.NoScience {
		log.Info().Msg("Correlation disabled by no_science")
		return nil, noop, nil
	}

	sink, err := publisher.NewSink(c.Sink)
	if err != nil {
		return nil, noop, errors.Wrap(err, "failed to create correlation sink")
	}
	closeSink := func() {
		if err := sink.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close correlation sink")
		}
	}

	trans, err := publisher.NewTransformer("json")
	if err != nil {
		closeSink()
		return nil, noop, err
	}

	source, err := correlation.NewKafkaNoticeSource(correlation.KafkaSourceConfig{
		Brokers:      c.Brokers,
		Topic:        c.Topic,
		GroupID:      c.GroupID,
		SASLUsername: c.Sink.SASLUsername,
		SASLPassword: c.Sink.SASLPassword,
	})
	if err != nil {
		closeSink()
		return nil, noop, errors.Mark(err, errors.ErrConfiguration)
	}

	correlator, err := correlation.NewCorrelator(correlation.Config{
		Notices:     source,
		Records:     store,
		Sink:        sink,
		Transformer: trans,
		Topic:       c.OutputTopic,
		WaitTimeout: time.Duration(c.WaitTimeoutS) * time.Second,
		NoticeTTL:   time.Duration(c.NoticeTTLS) * time.Second,
		WindowDays:  c.WindowDays,
	})
	if err != nil {
		source.Close()
		closeSink()
		return nil, noop, err
	}

	job, err := stream.NewMicroBatchJob(stream.MicroBatchConfig{
		Name:           "correlation",
		Trigger:        trigger,
		CheckpointPath: c.CheckpointPath,
		Setup:          correlator.Setup,
		Batch:          correlator.Batch,
		Teardown:       correlator.Teardown,
	})
	if err != nil {
		source.Close()
		closeSink()
		return nil, noop, err
	}
	return job, closeSink, nil
}
