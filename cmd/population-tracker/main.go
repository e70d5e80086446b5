// Package main is the CLI entry point for population-tracker.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v3"

	"github.com/population-tracker/population-tracker/internal/config"
	"github.com/population-tracker/population-tracker/internal/exporter"
)

// Build-time variables set via -ldflags.
var (
	version = "dev"
	commit  = "none"
)

func main() {
	app := &cli.Command{
		Name:    "population-tracker",
		Usage:   "Sample a game server's player count, chart it and publish the chart",
		Version: version,
		Commands: []*cli.Command{
			runCommand(),
			onceCommand(),
			renderCommand(),
			versionCommand(),
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func commonFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Usage:   "Path to YAML configuration file",
			Sources: cli.EnvVars("PT_CONFIG"),
		},
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "Log level (trace, debug, info, warn, error, fatal, panic)",
			Sources: cli.EnvVars("PT_LOG_LEVEL"),
		},
		&cli.StringFlag{
			Name:    "upstream-url",
			Usage:   "Server status endpoint to sample",
			Sources: cli.EnvVars("PT_UPSTREAM_URL"),
		},
		&cli.StringFlag{
			Name:    "db-path",
			Usage:   "SQLite database file",
			Sources: cli.EnvVars("PT_DB_PATH"),
		},
		&cli.StringFlag{
			Name:    "artifact-path",
			Usage:   "Where the chart PNG is written",
			Sources: cli.EnvVars("PT_ARTIFACT_PATH"),
		},
		&cli.StringFlag{
			Name:    "remote",
			Usage:   "Git remote to push the chart to",
			Sources: cli.EnvVars("PT_GIT_REMOTE"),
		},
		&cli.DurationFlag{
			Name:    "poll-interval",
			Usage:   "Wait between successful iterations (e.g. 30s); env PT_POLL_INTERVAL_SECONDS",
		},
		&cli.DurationFlag{
			Name:    "backoff",
			Usage:   "Wait after a failed fetch (e.g. 1m); env PT_BACKOFF_SECONDS",
		},
		&cli.StringFlag{
			Name:    "server-listen-address",
			Usage:   "HTTP listen address (e.g. :8080, empty disables)",
			Sources: cli.EnvVars("PT_SERVER_LISTEN_ADDRESS"),
		},
	}
}

func runCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Sample, render and publish on an interval until interrupted",
		Flags: commonFlags(),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, log, err := setup(cmd)
			if err != nil {
				return err
			}

			log.WithFields(logrus.Fields{
				"version": version,
				"commit":  commit,
			}).Info("starting population-tracker")

			// --- OS signal handling for graceful shutdown ---
			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			// --- Create exporter ---
			exp, err := exporter.NewExporter(ctx, cfg, log)
			if err != nil {
				return fmt.Errorf("initializing exporter: %w", err)
			}

			// --- Run ---
			return exp.Run(ctx)
		},
	}
}

func onceCommand() *cli.Command {
	return &cli.Command{
		Name:  "once",
		Usage: "Run a single sampling iteration and exit",
		Flags: commonFlags(),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, log, err := setup(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			exp, err := exporter.NewExporter(ctx, cfg, log)
			if err != nil {
				return fmt.Errorf("initializing exporter: %w", err)
			}

			state, err := exp.RunOnce(ctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("iteration ended in %s: %w", state, err)
			}
			return nil
		},
	}
}

func renderCommand() *cli.Command {
	return &cli.Command{
		Name:  "render",
		Usage: "Render and publish the stored history without sampling",
		Flags: commonFlags(),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, log, err := setup(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			exp, err := exporter.NewExporter(ctx, cfg, log)
			if err != nil {
				return fmt.Errorf("initializing exporter: %w", err)
			}

			if err := exp.RenderNow(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
}

func versionCommand() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Print version information",
		Action: func(_ context.Context, _ *cli.Command) error {
			fmt.Printf("population-tracker %s (commit: %s)\n", version, commit)
			return nil
		},
	}
}

// setup loads configuration, applies CLI overrides and builds the logger.
func setup(cmd *cli.Command) (*config.Config, *logrus.Entry, error) {
	var (
		cfg *config.Config
		err error
	)
	if path := cmd.String("config"); path != "" {
		cfg, err = config.Load(path)
		if err != nil {
			return nil, nil, fmt.Errorf("loading config from %s: %w", path, err)
		}
	} else {
		cfg = &config.Config{}
		config.ApplyDefaults(cfg)
		if err := config.ApplyEnv(cfg); err != nil {
			return nil, nil, err
		}
	}

	applyFlags(cmd, cfg)

	if err := config.Validate(cfg); err != nil {
		return nil, nil, err
	}

	return cfg, newLogger(cfg.Log), nil
}

// applyFlags copies explicitly set CLI flags over the loaded configuration.
func applyFlags(cmd *cli.Command, cfg *config.Config) {
	if v := cmd.String("log-level"); v != "" {
		cfg.Log.Level = v
	}
	if v := cmd.String("upstream-url"); v != "" {
		cfg.Upstream.URL = v
	}
	if v := cmd.String("db-path"); v != "" {
		cfg.Store.Path = v
	}
	if v := cmd.String("artifact-path"); v != "" {
		cfg.Render.ArtifactPath = v
	}
	if v := cmd.String("remote"); v != "" {
		cfg.Publish.Git.Remote = v
	}
	if d := cmd.Duration("poll-interval"); d > 0 {
		cfg.Loop.PollIntervalSeconds = seconds(d)
	}
	if d := cmd.Duration("backoff"); d > 0 {
		cfg.Loop.BackoffSeconds = seconds(d)
	}
	if cmd.IsSet("server-listen-address") {
		cfg.Server.ListenAddress = cmd.String("server-listen-address")
	}
}

// seconds rounds d up to whole seconds, never below one.
func seconds(d time.Duration) int {
	s := int((d + time.Second - 1) / time.Second)
	if s < 1 {
		s = 1
	}
	return s
}

func newLogger(cfg config.LogConfig) *logrus.Entry {
	logger := logrus.New()
	logger.SetOutput(os.Stdout)
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	if cfg.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	}
	return logger.WithField("app", "population-tracker")
}
