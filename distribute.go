package main

import (
	"context"
	"time"

	"github.com/astrolab/finkstream/admin"
	"github.com/astrolab/finkstream/budget"
	"github.com/astrolab/finkstream/cfg"
	"github.com/astrolab/finkstream/distribution"
	"github.com/astrolab/finkstream/errors"
	"github.com/astrolab/finkstream/filter"
	"github.com/astrolab/finkstream/publisher"
	"github.com/astrolab/finkstream/record"
	"github.com/astrolab/finkstream/schema"
	"github.com/astrolab/finkstream/telemetry"
	"github.com/astrolab/finkstream/watermark"
	"github.com/rs/zerolog/log"
)

const (
	watermarkName     = "distribution"
	collectorInterval = 15 * time.Second
)

// buildPipeline assembles the distribution filters. The rule file sees the
// flat columns; named stages see the grouped struct_field view:
// rules -> group(struct_field) -> stages -> flatten(struct_field)
func buildPipeline(d cfg.DistributionConfiguration) (*filter.Pipeline, error) {
	var stages []filter.Stage

	if d.RulesFile != "" {
		rules, err := filter.LoadRuleFile(d.RulesFile)
		if err != nil {
			return nil, err
		}
		log.Info().Str("file", d.RulesFile).Strs("rules", rules.RuleNames()).Msg("Loaded filter rules")
		stages = append(stages, rules)
	}

	named, err := filter.Resolve(d.Stages)
	if err != nil {
		return nil, err
	}
	stages = append(stages, schema.GroupStage{Prefix: d.StructField})
	stages = append(stages, named...)
	stages = append(stages, schema.FlattenStage{Field: d.StructField})

	return filter.NewPipeline(stages...)
}

func runDistribute(ctx context.Context) error {
	d := cfg.Config.Distribution
	if err := cfg.ValidateDistribution(); err != nil {
		return err
	}

	launch := time.Now()
	plan := budget.FromSeconds(d.ExitAfter).Plan(launch, launch)

	pipeline, err := buildPipeline(d)
	if err != nil {
		return err
	}
	log.Info().Strs("stages", pipeline.Names()).Msg("Filter pipeline ready")

	store, err := record.Open(cfg.Config.Store.Path, cfg.Config.Store.BusyTimeoutMS)
	if err != nil {
		return errors.Wrap(err, "failed to open science store")
	}
	defer store.Close()

	mark, err := watermark.OpenPebble(d.CheckpointPath, watermarkName, d.StartingOffset)
	if err != nil {
		return errors.Wrap(err, "failed to open watermark")
	}
	defer mark.Close()

	trans, err := publisher.NewTransformer(d.Format)
	if err != nil {
		return errors.Mark(err, errors.ErrConfiguration)
	}

	sink, err := publisher.NewSink(d.Sink)
	if err != nil {
		return errors.Wrap(err, "failed to create sink")
	}
	defer sink.Close()

	engine, err := distribution.NewEngine(distribution.Config{
		Name:         watermarkName,
		Source:       store,
		Watermark:    mark,
		Pipeline:     pipeline,
		Sink:         sink,
		Transformer:  trans,
		Topic:        d.Topic,
		PollInterval: time.Duration(d.PollIntervalMS) * time.Millisecond,
		RetryMax:     time.Duration(d.RetryMaxMS) * time.Millisecond,
		StopAt:       plan.Deadline,
	})
	if err != nil {
		return err
	}

	collector := telemetry.NewMetricsCollector(store, collectorInterval)
	collector.Start()
	defer collector.Stop()

	stopHTTP, err := startHTTP(admin.Sources{
		Service: "distribute",
		Engine:  engine.Status,
		Store:   store,
	})
	if err != nil {
		return err
	}
	defer stopHTTP()

	log.Info().
		Str("topic", d.Topic).
		Str("format", d.Format).
		Str("sink", d.Sink.Type).
		Int("exit_after", d.ExitAfter).
		Msg("Distribution running")

	return engine.Run(ctx)
}
