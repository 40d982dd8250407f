package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/dokzlo13/motiond/internal/app"
	"github.com/dokzlo13/motiond/internal/config"
)

// flags holds the parsed command line.
type flags struct {
	configPath string
	envFile    string
	verbose    bool
	noAction   bool
}

func main() {
	os.Exit(run(os.Args[1:]))
}

// run returns the process exit code: 0 after a requested shutdown, 1 on
// configuration errors or when the hub feed never became available.
func run(args []string) int {
	f, err := parseFlags(args, os.Stderr)
	if errors.Is(err, pflag.ErrHelp) {
		return 0
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}

	// Pre-config logger so load failures are readable
	setupLogging(os.Stderr, "info", false, true)

	if err := config.LoadEnvFile(f.envFile); err != nil {
		log.Error().Err(err).Msg("Failed to load env file")
		return 1
	}

	cfg, err := config.Load(f.configPath)
	if err != nil {
		log.Error().Err(err).Str("config", f.configPath).Msg("Failed to load configuration")
		return 1
	}

	level := cfg.Log.Level
	if f.verbose {
		level = "debug"
	}
	setupLogging(os.Stderr, level, cfg.Log.JSON, cfg.Log.UseColors())

	log.Info().Str("config", f.configPath).Bool("no_action", f.noAction).Msg("Starting motiond")

	application, err := app.New(cfg, app.Options{DryRun: f.noAction})
	if err != nil {
		log.Error().Err(err).Msg("Failed to create application")
		return 1
	}

	// Create context that cancels on shutdown signal
	ctx := app.SignalContext()

	if err := application.Start(ctx); err != nil {
		log.Error().Err(err).Msg("Failed to start application")
		application.Stop()
		return 1
	}

	// Wait for shutdown
	application.Wait()

	// Graceful shutdown
	if err := application.Stop(); err != nil {
		log.Error().Err(err).Msg("Error during shutdown")
	}

	if err := application.Err(); err != nil {
		return 1
	}
	log.Info().Msg("Stopped")
	return 0
}

func parseFlags(args []string, out io.Writer) (flags, error) {
	var f flags
	flagSet := pflag.NewFlagSet("motiond", pflag.ContinueOnError)
	flagSet.SetOutput(out)
	flagSet.StringVarP(&f.configPath, "config", "c", "config.yaml", "path to configuration file (YAML or JSON)")
	flagSet.StringVar(&f.envFile, "env-file", ".env", "load environment variables from this file if it exists")
	flagSet.BoolVarP(&f.verbose, "verbose", "v", false, "log at debug level")
	flagSet.BoolVarP(&f.noAction, "no-action", "n", false, "dry run: log commands without sending them to the hub")
	flagSet.Usage = func() {
		fmt.Fprintf(out, "motiond drives lights from presence sensors.\n\nUsage:\n  motiond [flags]\n\nFlags:\n%s", flagSet.FlagUsages())
	}

	if err := flagSet.Parse(args); err != nil {
		return f, err
	}
	if rest := flagSet.Args(); len(rest) > 0 {
		return f, fmt.Errorf("unexpected argument: %s", rest[0])
	}
	return f, nil
}

func setupLogging(out io.Writer, level string, useJSON bool, colors bool) {
	// ISO 8601 format with timezone
	zerolog.TimeFieldFormat = time.RFC3339

	if useJSON {
		// JSON output for production
		log.Logger = zerolog.New(out).With().Timestamp().Logger()
	} else {
		// Text output (with optional colors)
		log.Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: "2006-01-02T15:04:05.000Z07:00",
			NoColor:    !colors,
		}).With().Timestamp().Logger()
	}

	parsed, err := zerolog.ParseLevel(level)
	if err != nil || parsed == zerolog.NoLevel {
		parsed = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(parsed)
}
