package cfg

import (
	"flag"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/astrolab/finkstream/errors"
	"github.com/cespare/xxhash/v2"
	"github.com/denisbrodbeck/machineid"
	"github.com/rs/zerolog/log"
)

// SinkConfiguration describes a publish destination
type SinkConfiguration struct {
	Type              string   `toml:"type"` // "kafka" or "nats"
	Brokers           []string `toml:"brokers"`
	NatsURL           string   `toml:"nats_url"`
	SASLUsername      string   `toml:"sasl_username"`
	SASLPassword      string   `toml:"sasl_password"`
	DeliveryTimeoutMS int      `toml:"delivery_timeout_ms"`
	Compression       string   `toml:"compression"` // none, gzip, snappy, lz4, zstd
	BatchSize         int      `toml:"batch_size"`
}

// LoggingConfiguration controls logging behavior
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format"` // "console" or "json"
}

// PrometheusConfiguration for metrics
type PrometheusConfiguration struct {
	Enabled bool   `toml:"enabled"`
	Address string `toml:"address"`
	Port    int    `toml:"port"`
}

// AdminConfiguration controls the HTTP admin surface (/health, /status, /metrics)
type AdminConfiguration struct {
	Enabled bool   `toml:"enabled"`
	Address string `toml:"address"`
	Port    int    `toml:"port"`
}

// StoreConfiguration locates the science record store
type StoreConfiguration struct {
	Path          string `toml:"path"` // Defaults to {data_dir}/science.db
	BusyTimeoutMS int    `toml:"busy_timeout_ms"`
}

// DistributionConfiguration controls the watermark-driven distribution loop
type DistributionConfiguration struct {
	StartingOffset int64             `toml:"starting_offset"` // Watermark origin (unix ms) for a fresh checkpoint
	ExitAfter      int               `toml:"exit_after"`      // Seconds; <= 0 runs until stopped
	CheckpointPath string            `toml:"checkpoint_path"` // Defaults to {data_dir}/checkpoints/distribution
	Topic          string            `toml:"topic"`
	RulesFile      string            `toml:"rules_file"` // Optional CEL rule file
	Stages         []string          `toml:"stages"`     // Named filter stages, in order
	StructField    string            `toml:"struct_field"`
	PollIntervalMS int               `toml:"poll_interval_ms"`
	RetryMaxMS     int               `toml:"retry_max_ms"`
	Format         string            `toml:"format"` // "json", "envelope" or "msgpack"
	Sink           SinkConfiguration `toml:"sink"`
}

// ScienceConfiguration controls the raw to science ingestion job
type ScienceConfiguration struct {
	OnlineDataPrefix   string   `toml:"online_data_prefix"`
	Night              string   `toml:"night"`     // YYYYMMDD
	TInterval          int      `toml:"tinterval"` // Trigger interval, seconds
	ExitAfter          int      `toml:"exit_after"`
	CheckpointPath     string   `toml:"checkpoint_path"` // Defaults to {data_dir}/checkpoints/science
	MaxFilesPerTrigger int      `toml:"max_files_per_trigger"`
	NoScience          bool     `toml:"no_science"`
	Modules            []string `toml:"modules"`
	BrokerVersion      string   `toml:"broker_version"`
	ScienceVersion     string   `toml:"science_version"`
}

// CorrelationConfiguration controls the optional notice correlation job
type CorrelationConfiguration struct {
	Enabled        bool              `toml:"enabled"`
	Brokers        []string          `toml:"brokers"`
	Topic          string            `toml:"topic"`
	GroupID        string            `toml:"group_id"`
	WaitTimeoutS   int               `toml:"wait_timeout_s"`
	NoticeTTLS     int               `toml:"notice_ttl_s"`
	WindowDays     float64           `toml:"window_days"`
	CheckpointPath string            `toml:"checkpoint_path"` // Defaults to {data_dir}/checkpoints/correlation
	OutputTopic    string            `toml:"output_topic"`
	Sink           SinkConfiguration `toml:"sink"`
}

// Configuration is the main configuration structure
type Configuration struct {
	InstanceID uint64 `toml:"instance_id"`
	DataDir    string `toml:"data_dir"`

	Logging      LoggingConfiguration      `toml:"logging"`
	Prometheus   PrometheusConfiguration   `toml:"prometheus"`
	Admin        AdminConfiguration        `toml:"admin"`
	Store        StoreConfiguration        `toml:"store"`
	Distribution DistributionConfiguration `toml:"distribution"`
	Science      ScienceConfiguration      `toml:"science"`
	Correlation  CorrelationConfiguration  `toml:"correlation"`
}

// Command line flags
var (
	ConfigPathFlag     = flag.String("config", "config.toml", "Path to configuration file")
	DataDirFlag        = flag.String("data-dir", "", "Data directory (overrides config)")
	ExitAfterFlag      = flag.Int("exit-after", -1, "Stop after this many seconds (overrides config, 0=run until stopped)")
	StartingOffsetFlag = flag.Int64("starting-offset", 0, "Watermark origin in unix ms for a fresh checkpoint (overrides config)")
	NoScienceFlag      = flag.Bool("no-science", false, "Skip science modules during ingestion")
	NightFlag          = flag.String("night", "", "Observing night YYYYMMDD (overrides config)")
)

// Default configuration
var Config = &Configuration{
	InstanceID: 0, // Auto-generate
	DataDir:    "./finkstream-data",

	Logging: LoggingConfiguration{
		Verbose: false,
		Format:  "console",
	},

	Prometheus: PrometheusConfiguration{
		Enabled: true,
		Address: "0.0.0.0",
		Port:    9090,
	},

	Admin: AdminConfiguration{
		Enabled: true,
		Address: "127.0.0.1",
		Port:    8088,
	},

	Store: StoreConfiguration{
		BusyTimeoutMS: 5000,
	},

	Distribution: DistributionConfiguration{
		StartingOffset: 0,
		ExitAfter:      0,
		Topic:          "fink_alerts",
		StructField:    "candidate",
		PollIntervalMS: 1000,
		RetryMaxMS:     30000,
		Format:         "json",
		Sink: SinkConfiguration{
			Type:              "kafka",
			DeliveryTimeoutMS: 10000,
			Compression:       "none",
			BatchSize:         100,
		},
	},

	Science: ScienceConfiguration{
		OnlineDataPrefix:   "./online",
		TInterval:          2,
		MaxFilesPerTrigger: 100,
		BrokerVersion:      "dev",
		ScienceVersion:     "dev",
	},

	Correlation: CorrelationConfiguration{
		Enabled:      false,
		GroupID:      "finkstream-correlation",
		WaitTimeoutS: 60,
		NoticeTTLS:   86400,
		WindowDays:   1,
		OutputTopic:  "fink_mm_matches",
		Sink: SinkConfiguration{
			Type:              "kafka",
			DeliveryTimeoutMS: 10000,
			Compression:       "none",
			BatchSize:         100,
		},
	},
}

// Load loads configuration from file and applies CLI overrides
func Load(configPath string) error {
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			log.Info().Str("path", configPath).Msg("Loading configuration")
			md, err := toml.DecodeFile(configPath, Config)
			if err != nil {
				return errors.Configurationf("failed to decode config: %v", err)
			}
			if undecoded := md.Undecoded(); len(undecoded) > 0 {
				log.Warn().Interface("keys", undecoded).Msg("Ignoring unknown configuration keys")
			}
		} else {
			log.Warn().Str("path", configPath).Msg("Config file not found, using defaults")
		}
	}

	// Apply CLI overrides
	if *DataDirFlag != "" {
		Config.DataDir = *DataDirFlag
	}
	if *ExitAfterFlag >= 0 {
		Config.Distribution.ExitAfter = *ExitAfterFlag
		Config.Science.ExitAfter = *ExitAfterFlag
	}
	if *StartingOffsetFlag > 0 {
		Config.Distribution.StartingOffset = *StartingOffsetFlag
	}
	if *NoScienceFlag {
		Config.Science.NoScience = true
	}
	if *NightFlag != "" {
		Config.Science.Night = *NightFlag
	}

	if Config.Science.Night == "" {
		Config.Science.Night = time.Now().UTC().Format("20060102")
	}

	if Config.InstanceID == 0 {
		Config.InstanceID = generateInstanceID()
		log.Info().Uint64("instance_id", Config.InstanceID).Msg("Auto-generated instance ID")
	}

	applyDefaultPaths(Config)

	if err := os.MkdirAll(Config.DataDir, 0755); err != nil {
		return errors.Configurationf("failed to create data directory: %v", err)
	}

	return nil
}

func applyDefaultPaths(c *Configuration) {
	if c.Store.Path == "" {
		c.Store.Path = filepath.Join(c.DataDir, "science.db")
	}
	if c.Distribution.CheckpointPath == "" {
		c.Distribution.CheckpointPath = filepath.Join(c.DataDir, "checkpoints", "distribution")
	}
	if c.Science.CheckpointPath == "" {
		c.Science.CheckpointPath = filepath.Join(c.DataDir, "checkpoints", "science")
	}
	if c.Correlation.CheckpointPath == "" {
		c.Correlation.CheckpointPath = filepath.Join(c.DataDir, "checkpoints", "correlation")
	}
}

// generateInstanceID derives a stable id from the machine id, falling back
// to the hostname on hosts without one (containers).
func generateInstanceID() uint64 {
	id, err := machineid.ProtectedID("finkstream")
	if err != nil {
		host, herr := os.Hostname()
		if herr != nil {
			host = "localhost"
		}
		log.Warn().Err(err).Str("hostname", host).Msg("Machine ID unavailable, deriving instance ID from hostname")
		id = host
	}
	return xxhash.Sum64String(id)
}

var (
	nightPattern      = regexp.MustCompile(`^\d{8}$`)
	validFormats      = map[string]bool{"json": true, "msgpack": true, "envelope": true}
	validCompressions = map[string]bool{"": true, "none": true, "gzip": true, "snappy": true, "lz4": true, "zstd": true}
)

// Validate checks the settings shared by every subcommand
func Validate() error {
	if Config.DataDir == "" {
		return errors.Configurationf("data_dir is required")
	}

	if Config.Logging.Format != "console" && Config.Logging.Format != "json" {
		return errors.Configurationf("invalid logging format: %s", Config.Logging.Format)
	}

	if Config.Prometheus.Enabled && (Config.Prometheus.Port < 1 || Config.Prometheus.Port > 65535) {
		return errors.Configurationf("invalid prometheus port: %d", Config.Prometheus.Port)
	}

	if Config.Admin.Enabled && (Config.Admin.Port < 1 || Config.Admin.Port > 65535) {
		return errors.Configurationf("invalid admin port: %d", Config.Admin.Port)
	}

	if Config.Store.BusyTimeoutMS < 0 {
		return errors.Configurationf("store busy timeout must be >= 0")
	}

	return nil
}

// ValidateDistribution checks the settings used by the distribute command
func ValidateDistribution() error {
	d := Config.Distribution

	if d.StartingOffset < 0 {
		return errors.Configurationf("starting_offset must be >= 0")
	}
	if d.Topic == "" {
		return errors.Configurationf("distribution topic is required")
	}
	if d.StructField == "" {
		return errors.Configurationf("distribution struct_field is required")
	}
	if d.PollIntervalMS < 1 {
		return errors.Configurationf("poll interval must be >= 1ms")
	}
	if d.RetryMaxMS < d.PollIntervalMS {
		return errors.Configurationf("retry_max_ms (%d) must be >= poll_interval_ms (%d)", d.RetryMaxMS, d.PollIntervalMS)
	}
	if !validFormats[d.Format] {
		return errors.Configurationf("invalid distribution format: %s", d.Format)
	}

	return ValidateSink("distribution", d.Sink)
}

// ValidateScience checks the settings used by the raw2science command
func ValidateScience() error {
	s := Config.Science

	if s.OnlineDataPrefix == "" {
		return errors.Configurationf("online_data_prefix is required")
	}
	if !nightPattern.MatchString(s.Night) {
		return errors.Configurationf("night must be YYYYMMDD, got %q", s.Night)
	}
	if s.TInterval < 1 {
		return errors.Configurationf("tinterval must be >= 1 second")
	}
	if s.MaxFilesPerTrigger < 1 {
		return errors.Configurationf("max_files_per_trigger must be >= 1")
	}

	c := Config.Correlation
	if !c.Enabled {
		return nil
	}
	if len(c.Brokers) == 0 {
		return errors.Configurationf("correlation requires at least one broker")
	}
	if c.Topic == "" || c.GroupID == "" {
		return errors.Configurationf("correlation topic and group_id are required")
	}
	if c.OutputTopic == "" {
		return errors.Configurationf("correlation output_topic is required")
	}
	if c.WindowDays <= 0 {
		return errors.Configurationf("correlation window_days must be > 0")
	}
	if c.WaitTimeoutS < 0 || c.NoticeTTLS < 1 {
		return errors.Configurationf("correlation wait_timeout_s must be >= 0 and notice_ttl_s >= 1")
	}
	return ValidateSink("correlation", c.Sink)
}

// ValidateSink checks a sink section. Broker addresses always come from
// configuration.
func ValidateSink(section string, s SinkConfiguration) error {
	switch s.Type {
	case "kafka":
		if len(s.Brokers) == 0 {
			return errors.Configurationf("%s sink requires at least one broker", section)
		}
	case "nats":
		if s.NatsURL == "" {
			return errors.Configurationf("%s sink requires nats_url", section)
		}
	default:
		return errors.Configurationf("unknown %s sink type: %q", section, s.Type)
	}

	if !validCompressions[s.Compression] {
		return errors.Configurationf("invalid %s sink compression: %s", section, s.Compression)
	}
	if s.DeliveryTimeoutMS < 0 {
		return errors.Configurationf("%s sink delivery timeout must be >= 0", section)
	}
	if (s.SASLUsername == "") != (s.SASLPassword == "") {
		return errors.Configurationf("%s sink needs both sasl_username and sasl_password", section)
	}
	return nil
}
