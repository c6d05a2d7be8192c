package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/astrolab/finkstream/cfg"
	"github.com/astrolab/finkstream/telemetry"

	// Sinks and transformers register themselves with the publisher
	_ "github.com/astrolab/finkstream/publisher/sink"
	_ "github.com/astrolab/finkstream/publisher/transformer"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const usage = `Usage: finkstream [flags] <command> [flags]

Commands:
  distribute    Publish new science records to the configured sink
  raw2science   Ingest raw alerts into the science store

Flags:
`

var commands = map[string]func(ctx context.Context) error{
	"distribute":  runDistribute,
	"raw2science": runRawToScience,
}

func main() {
	flag.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	// Flags may also follow the command
	command := flag.Arg(0)
	if flag.NArg() > 1 {
		if err := flag.CommandLine.Parse(flag.Args()[1:]); err != nil {
			os.Exit(1)
		}
	}

	os.Exit(run(command))
}

func run(command string) int {
	runCommand, ok := commands[command]
	if !ok {
		flag.Usage()
		return 1
	}

	if err := cfg.Load(*cfg.ConfigPathFlag); err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		return 1
	}

	setupLogging()

	if err := cfg.Validate(); err != nil {
		log.Error().Err(err).Msg("Invalid configuration")
		return 1
	}

	log.Info().Str("command", command).Str("data_dir", cfg.Config.DataDir).Msg("finkstream starting")

	telemetry.InitializeTelemetry()
	telemetry.InitMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := runCommand(ctx); err != nil {
		log.Error().Err(err).Str("command", command).Msg("Command failed")
		return 1
	}

	log.Info().Str("command", command).Msg("Exiting normally")
	return 0
}

func setupLogging() {
	var writer io.Writer = zerolog.NewConsoleWriter()
	if cfg.Config.Logging.Format == "json" {
		writer = os.Stdout
	}
	gLog := zerolog.New(writer).
		With().
		Timestamp().
		Uint64("instance_id", cfg.Config.InstanceID).
		Logger()

	if cfg.Config.Logging.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}
}
