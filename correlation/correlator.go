package correlation

import (
	"context"
	"math"
	"time"

	"github.com/astrolab/finkstream/errors"
	"github.com/astrolab/finkstream/publisher"
	"github.com/astrolab/finkstream/record"
	"github.com/astrolab/finkstream/stream"
	"github.com/astrolab/finkstream/telemetry"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	keyCursor        = "cursor"
	defaultCacheSize = 1024
	secondsPerDay    = 86400
)

// ErrNoNotice is returned by Setup when no notice arrived within the wait
// timeout. The job is then not started.
var ErrNoNotice = errors.New("no notice received before wait timeout")

// Scanner is the read side of the record store
type Scanner interface {
	Scan(ctx context.Context, minTS, maxTS int64, exclude record.Status) (record.Batch, error)
}

// Config configures a Correlator
type Config struct {
	Notices     NoticeSource
	Records     Scanner
	Sink        publisher.Sink
	Transformer publisher.Transformer
	Topic       string

	WaitTimeout time.Duration // How long Setup waits for the first notice
	NoticeTTL   time.Duration // How long a notice stays active
	WindowDays  float64       // Max |alert jd - trigger jd|
	CacheSize   int

	Now func() time.Time
}

// Correlator is the secondary job: its Setup, Batch and Teardown methods
// plug into a stream.MicroBatchJob
type Correlator struct {
	config  Config
	notices *expirable.LRU[string, Notice]
	logger  zerolog.Logger

	consumeCancel context.CancelFunc
	consumeDone   chan struct{}
}

// NewCorrelator validates the configuration
func NewCorrelator(config Config) (*Correlator, error) {
	switch {
	case config.Notices == nil:
		return nil, errors.Configurationf("correlation requires a notice source")
	case config.Records == nil:
		return nil, errors.Configurationf("correlation requires a record store")
	case config.Sink == nil || config.Transformer == nil:
		return nil, errors.Configurationf("correlation requires a sink and a transformer")
	case config.Topic == "":
		return nil, errors.Configurationf("correlation output topic is required")
	case config.NoticeTTL <= 0:
		return nil, errors.Configurationf("notice ttl must be positive")
	case config.WindowDays <= 0:
		return nil, errors.Configurationf("correlation window must be positive")
	}
	if config.CacheSize <= 0 {
		config.CacheSize = defaultCacheSize
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	c := &Correlator{
		config: config,
		logger: log.With().Str("job", "correlation").Logger(),
	}
	c.notices = expirable.NewLRU[string, Notice](config.CacheSize, func(id string, _ Notice) {
		c.logger.Debug().Str("notice", id).Msg("Notice expired")
	}, config.NoticeTTL)
	return c, nil
}

// Setup blocks until the first notice arrives (at most WaitTimeout), then
// starts consuming notices in the background. The cursor starts one window
// before now on the first run.
func (c *Correlator) Setup(ctx context.Context, cp *stream.Checkpoint) error {
	waitCtx := ctx
	if c.config.WaitTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, c.config.WaitTimeout)
		defer cancel()
	}

	started := c.config.Now()
	first, err := c.config.Notices.ReadNotice(waitCtx)
	if err != nil {
		c.config.Notices.Close()
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return ErrNoNotice
		}
		return errors.Wrap(err, "failed waiting for first notice")
	}
	c.addNotice(first)
	c.logger.Info().
		Str("notice", first.ID).
		Dur("waited", c.config.Now().Sub(started)).
		Msg("First notice received")

	var cursor int64
	ok, err := cp.GetValue(keyCursor, &cursor)
	if err != nil {
		return err
	}
	if !ok {
		window := time.Duration(c.config.WindowDays * secondsPerDay * float64(time.Second))
		if err := cp.PutValue(keyCursor, c.config.Now().Add(-window).UnixMilli()); err != nil {
			return err
		}
	}

	consumeCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.consumeCancel = cancel
	c.consumeDone = make(chan struct{})
	go c.consume(consumeCtx)
	return nil
}

func (c *Correlator) consume(ctx context.Context) {
	defer close(c.consumeDone)
	for {
		notice, err := c.config.Notices.ReadNotice(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Warn().Err(err).Msg("Notice read failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		c.addNotice(notice)
	}
}

func (c *Correlator) addNotice(n Notice) {
	if n.ReceivedAt.IsZero() {
		n.ReceivedAt = c.config.Now()
	}
	c.notices.Add(n.ID, n)
	telemetry.NoticesTotal.Inc()
	telemetry.ActiveNotices.Set(float64(c.notices.Len()))
	c.logger.Info().
		Str("notice", n.ID).
		Str("instrument", n.Instrument).
		Float64("trigger_jd", n.TriggerJD).
		Msg("Notice received")
}

// ActiveNotices returns the notices still within their ttl
func (c *Correlator) ActiveNotices() []Notice {
	now := c.config.Now()
	var active []Notice
	for _, n := range c.notices.Values() {
		if now.Sub(n.ReceivedAt) < c.config.NoticeTTL {
			active = append(active, n)
		}
	}
	return active
}

// Batch scans records written since the cursor, publishes matches and
// advances the cursor. The cursor moves only after a successful publish.
func (c *Correlator) Batch(ctx context.Context, cp *stream.Checkpoint) error {
	var cursor int64
	if _, err := cp.GetValue(keyCursor, &cursor); err != nil {
		return err
	}
	upper, err := record.VisibleBound(ctx, c.config.Records, c.config.Now().UnixMilli())
	if err != nil {
		return errors.Mark(errors.Wrap(err, "failed to read record horizon"), errors.ErrSourceUnavailable)
	}
	if upper <= cursor {
		return nil
	}

	notices := c.ActiveNotices()
	telemetry.ActiveNotices.Set(float64(len(notices)))

	if len(notices) > 0 {
		batch, err := c.config.Records.Scan(ctx, cursor, upper, "")
		if err != nil {
			return errors.Mark(errors.Wrap(err, "failed to scan science records"), errors.ErrSourceUnavailable)
		}

		matches := c.Correlate(batch, notices)
		if len(matches) > 0 {
			msgs, err := publisher.BuildMessages(matches, c.config.Transformer)
			if err != nil {
				return errors.Mark(err, errors.ErrPublishFailure)
			}
			if err := c.config.Sink.PublishBatch(ctx, c.config.Topic, msgs); err != nil {
				return errors.Mark(errors.Wrap(err, "failed to publish matches"), errors.ErrPublishFailure)
			}
			telemetry.MatchesTotal.Add(float64(len(matches)))
		}

		c.logger.Debug().
			Int64("min_ts", cursor).
			Int64("max_ts", upper).
			Int("count", len(batch)).
			Int("matches", len(matches)).
			Int("notices", len(notices)).
			Msg("Correlation trigger")
	}

	return cp.PutValue(keyCursor, upper)
}

// Correlate pairs every record with the notices it falls inside of, in
// time and on the sky
func (c *Correlator) Correlate(batch record.Batch, notices []Notice) record.Batch {
	var out record.Batch
	now := c.config.Now().UnixMilli()

	for _, rec := range batch {
		jd, okJD := toFloat(rec.Fields["candidate_jd"])
		ra, okRA := toFloat(rec.Fields["candidate_ra"])
		dec, okDec := toFloat(rec.Fields["candidate_dec"])
		if !okJD || !okRA || !okDec {
			continue
		}

		for _, n := range notices {
			delay := jd - n.TriggerJD
			if math.Abs(delay) > c.config.WindowDays {
				continue
			}
			sep := AngularSeparation(ra, dec, n.RA, n.Dec)
			if sep > n.ErrorRadius {
				continue
			}

			out = append(out, record.Record{
				ID:        rec.ID + "_" + n.ID,
				Status:    record.StatusNew,
				Timestamp: now,
				Fields: record.Fields{
					"objectId":         rec.ObjectID(),
					"candid":           rec.Fields["candid"],
					"candidate_jd":     jd,
					"candidate_ra":     ra,
					"candidate_dec":    dec,
					"notice_id":        n.ID,
					"instrument":       n.Instrument,
					"trigger_jd":       n.TriggerJD,
					"notice_ra":        n.RA,
					"notice_dec":       n.Dec,
					"error_radius_deg": n.ErrorRadius,
					"separation_deg":   sep,
					"delay_days":       delay,
				},
			})
		}
	}
	return out
}

// Teardown stops the notice consumer and closes the source
func (c *Correlator) Teardown() error {
	if c.consumeCancel != nil {
		c.consumeCancel()
		<-c.consumeDone
	}
	c.notices.Purge()
	telemetry.ActiveNotices.Set(0)
	return c.config.Notices.Close()
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}
