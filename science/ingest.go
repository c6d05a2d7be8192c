package science

import (
	"context"
	"path/filepath"
	"time"

	"github.com/astrolab/finkstream/errors"
	"github.com/astrolab/finkstream/record"
	"github.com/astrolab/finkstream/stream"
	"github.com/astrolab/finkstream/telemetry"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Checkpoint key prefixes
const (
	keyIngested = "files/"
	keyRejected = "rejected/"
)

// Appender is the part of the record store the ingestor writes to
type Appender interface {
	Append(ctx context.Context, batch record.Batch) error
}

// Config configures an Ingestor
type Config struct {
	OnlineDataPrefix   string
	Night              string
	MaxFilesPerTrigger int
	NoScience          bool
	Modules            []Module
	BrokerVersion      string
	ScienceVersion     string
	Store              Appender
	Now                func() time.Time
}

// TriggerReport summarises one trigger
type TriggerReport struct {
	Files    int
	Alerts   int
	Stored   int
	Cut      int
	Rejected int
}

// Ingestor processes raw alert files into the record store. Its Batch
// method is a stream.BatchFunc.
type Ingestor struct {
	config Config
	dir    string
	logger zerolog.Logger
}

// NewIngestor validates the configuration
func NewIngestor(config Config) (*Ingestor, error) {
	if config.OnlineDataPrefix == "" {
		return nil, errors.Configurationf("online data prefix is required")
	}
	if config.Night == "" {
		return nil, errors.Configurationf("night is required")
	}
	if config.MaxFilesPerTrigger <= 0 {
		return nil, errors.Configurationf("max files per trigger must be positive")
	}
	if config.Store == nil {
		return nil, errors.Configurationf("ingestor requires a record store")
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if config.NoScience {
		config.ScienceVersion = NoScienceVersion
		config.Modules = nil
	}

	dir := RawDir(config.OnlineDataPrefix, config.Night)
	return &Ingestor{
		config: config,
		dir:    dir,
		logger: log.With().Str("job", "raw2science").Str("night", config.Night).Logger(),
	}, nil
}

// Dir returns the raw directory being watched
func (in *Ingestor) Dir() string { return in.dir }

// Batch runs one trigger
func (in *Ingestor) Batch(ctx context.Context, cp *stream.Checkpoint) error {
	_, err := in.Trigger(ctx, cp)
	return err
}

// Trigger ingests up to MaxFilesPerTrigger files not yet in the checkpoint.
// A file is checkpointed only after its records are appended, so a crash
// replays it and the store ignores the duplicate row keys. Undecodable files
// are checkpointed as rejected and never retried. Store failures abort the
// trigger.
func (in *Ingestor) Trigger(ctx context.Context, cp *stream.Checkpoint) (TriggerReport, error) {
	var report TriggerReport

	names, err := ListRawFiles(in.dir)
	if err != nil {
		return report, err
	}

	pending := make([]string, 0, in.config.MaxFilesPerTrigger)
	for _, name := range names {
		if len(pending) == in.config.MaxFilesPerTrigger {
			break
		}
		done, err := in.seen(cp, name)
		if err != nil {
			return report, err
		}
		if !done {
			pending = append(pending, name)
		}
	}

	if len(pending) == 0 {
		in.logger.Debug().Str("dir", in.dir).Msg("No new raw files")
		return report, nil
	}

	for _, name := range pending {
		alerts, err := ReadAlerts(filepath.Join(in.dir, name))
		if err != nil {
			in.logger.Error().Err(err).Str("file", name).Msg("Rejecting raw file")
			telemetry.IngestFilesTotal.With("failed").Inc()
			if err := cp.Put(keyRejected+name, []byte(err.Error())); err != nil {
				return report, err
			}
			report.Rejected++
			continue
		}

		batch, cut := in.process(alerts)
		if err := in.config.Store.Append(ctx, batch); err != nil {
			return report, errors.Wrapf(err, "failed to append %s", name)
		}
		if err := cp.Put(keyIngested+name, nil); err != nil {
			return report, err
		}

		telemetry.IngestFilesTotal.With("ingested").Inc()
		report.Files++
		report.Alerts += len(alerts)
		report.Stored += len(batch)
		report.Cut += cut

		in.logger.Debug().
			Str("file", name).
			Int("alerts", len(alerts)).
			Int("count", len(batch)).
			Msg("Ingested raw file")
	}

	in.logger.Info().
		Int("files", report.Files).
		Int("alerts", report.Alerts).
		Int("stored", report.Stored).
		Int("cut", report.Cut).
		Int("rejected", report.Rejected).
		Msg("Trigger complete")
	return report, nil
}

func (in *Ingestor) seen(cp *stream.Checkpoint, name string) (bool, error) {
	if ok, err := cp.Has(keyIngested + name); err != nil || ok {
		return ok, err
	}
	return cp.Has(keyRejected + name)
}

// process converts raw alerts into science records, returning the records
// that passed the cuts and how many were cut
func (in *Ingestor) process(alerts []map[string]interface{}) (record.Batch, int) {
	batch := make(record.Batch, 0, len(alerts))
	cut := 0

	for _, alert := range alerts {
		fields, err := Flatten(alert)
		if err != nil {
			in.logger.Warn().Err(err).Msg("Skipping malformed alert")
			telemetry.IngestAlertsTotal.With("invalid").Inc()
			continue
		}

		fields[ColumnStartProcess] = in.config.Now().UnixMilli()
		fields[ColumnBrokerVersion] = in.config.BrokerVersion
		fields[ColumnScienceVersion] = in.config.ScienceVersion
		fields[ColumnPublisher] = Publisher

		if reason := CutReason(fields); reason != "" {
			cut++
			telemetry.IngestAlertsTotal.With("cut").Inc()
			continue
		}

		if err := in.applyModules(fields); err != nil {
			in.logger.Warn().Err(err).Str("object_id", fields["objectId"].(string)).Msg("Science module failed")
			telemetry.IngestAlertsTotal.With("invalid").Inc()
			continue
		}

		fields[ColumnEndProcess] = in.config.Now().UnixMilli()

		// Timestamp is assigned by the store when the batch commits
		batch = append(batch, record.Record{
			ID:     RowKey(fields),
			Status: record.StatusNew,
			Fields: fields,
		})
		telemetry.IngestAlertsTotal.With("stored").Inc()
	}
	return batch, cut
}

func (in *Ingestor) applyModules(fields record.Fields) error {
	for _, m := range in.config.Modules {
		if err := m.Process(fields); err != nil {
			return errors.Wrapf(err, "module %s", m.Name())
		}
	}
	return nil
}
