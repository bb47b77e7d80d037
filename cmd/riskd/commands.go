package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"

	"github.com/alanyoungcy/positionrisk/internal/app"
	"github.com/alanyoungcy/positionrisk/internal/config"
)

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "riskd",
		Short:         "Real-time position and risk engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "config.toml", "path to configuration file")

	root.AddCommand(runCmd(&configPath))
	root.AddCommand(replayCmd(&configPath))
	root.AddCommand(archiveCmd(&configPath))
	root.AddCommand(configCmd(&configPath))
	return root
}

func runCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the engine in the configured mode",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := setup(*configPath)
			if err != nil {
				return err
			}
			logger.Info("riskd starting",
				slog.String("mode", cfg.Mode),
				slog.String("config", *configPath),
			)

			application := app.New(cfg, logger)
			defer application.Close()

			if err := application.Run(cmd.Context()); err != nil && !errors.Is(err, cmd.Context().Err()) {
				logger.Error("application exited with error", slog.String("error", err.Error()))
				return err
			}
			logger.Info("riskd stopped")
			return nil
		},
	}
}

func replayCmd(configPath *string) *cobra.Command {
	var from string
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Rebuild state from the last snapshot and the feed stream, then save it",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := setup(*configPath)
			if err != nil {
				return err
			}
			application := app.New(cfg, logger)
			defer application.Close()

			n, err := application.Replay(cmd.Context(), from)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "replayed %d events\n", n)
			return nil
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "stream ID to replay after (default: snapshot cursor)")
	return cmd
}

func archiveCmd(configPath *string) *cobra.Command {
	var day string
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Copy one UTC day of audited decisions to object storage",
		RunE: func(cmd *cobra.Command, _ []string) error {
			d := time.Now().UTC().AddDate(0, 0, -1)
			if day != "" {
				var err error
				if d, err = time.Parse(time.DateOnly, day); err != nil {
					return fmt.Errorf("--day must be YYYY-MM-DD: %w", err)
				}
			}
			cfg, logger, err := setup(*configPath)
			if err != nil {
				return err
			}
			application := app.New(cfg, logger)
			defer application.Close()

			n, err := application.Archive(cmd.Context(), d)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "archived %d decisions for %s\n", n, d.Format(time.DateOnly))
			return nil
		},
	}
	cmd.Flags().StringVar(&day, "day", "", "UTC day to archive, YYYY-MM-DD (default: yesterday)")
	return cmd
}

func configCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration with secrets redacted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			redacted := config.RedactedConfig(cfg)
			if err := toml.NewEncoder(cmd.OutOrStdout()).Encode(redacted); err != nil {
				return fmt.Errorf("encode config: %w", err)
			}
			if err := cfg.Validate(); err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v\n", err)
			}
			return nil
		},
	}
}

// setup loads and validates the configuration and installs the JSON logger
// at the configured level.
func setup(path string) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, fmt.Errorf("load config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}

	var level slog.Level
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return cfg, logger, nil
}
