package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/alanyoungcy/spotbot/internal/config"
)

const defaultConfigPath = "config.toml"

// rootOptions carries the persistent flags and the state every subcommand
// shares once PersistentPreRunE has run.
type rootOptions struct {
	configPath string
	mode       string

	cfg    *config.Config
	logger *slog.Logger
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "spotbot",
		Short: "Poll-based spot trading bot for MEXC",
		Long: `spotbot buys a diversified set of spot pairs, tracks every position in a
local JSON ledger, reconciles that ledger against the exchange and sells on
take-profit, stop-loss, trailing, max-hold and trend-reversal rules.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.load(cmd)
		},
	}

	cmd.PersistentFlags().StringVar(&opts.configPath, "config", defaultConfigPath, "path to configuration file")
	cmd.PersistentFlags().StringVar(&opts.mode, "mode", "", "override the configured mode (trade, monitor)")

	cmd.AddCommand(
		newRunCmd(opts),
		newVerifyCmd(opts),
		newCloseAllCmd(opts),
		newRestoreCmd(opts),
		newStatusCmd(opts),
		newBackupsCmd(opts),
	)
	return cmd
}

// load reads and validates the configuration and builds the logger.
func (o *rootOptions) load(cmd *cobra.Command) error {
	// Setup structured JSON logger.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	path := o.configPath
	if !cmd.Flags().Changed("config") {
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			path = ""
		}
	}

	cfg, err := config.Load(path)
	if err != nil {
		logger.Error("failed to load config",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("load config: %w", err)
	}
	if o.mode != "" {
		cfg.Mode = o.mode
	}

	// Set log level from config.
	var level slog.Level
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", slog.String("error", err.Error()))
		return err
	}

	logger.Debug("configuration loaded",
		slog.String("config", path),
		slog.Any("settings", config.RedactedConfig(cfg)),
	)

	o.cfg = cfg
	o.logger = logger
	return nil
}

// requireCredentials rejects commands that sign requests when no API key is
// configured.
func (o *rootOptions) requireCredentials() error {
	if o.cfg.Exchange.ApiKey == "" || o.cfg.Exchange.ApiSecret == "" {
		return errors.New("exchange api_key and api_secret are required for this command")
	}
	return nil
}
