package main

import (
	"context"
	"errors"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/alanyoungcy/spotbot/internal/app"
)

func newRunCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the bot in the configured mode",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := opts.logger
			logger.Info("spotbot starting",
				slog.String("mode", opts.cfg.Mode),
				slog.String("ledger", opts.cfg.Ledger.Path),
			)

			application := app.New(opts.cfg, logger)
			defer application.Close()

			if err := application.Run(cmd.Context()); err != nil {
				// context.Canceled is expected on clean shutdown.
				if errors.Is(err, context.Canceled) {
					logger.Info("spotbot stopped")
					return nil
				}
				logger.Error("application error", slog.String("error", err.Error()))
				return err
			}

			logger.Info("spotbot stopped")
			return nil
		},
	}
}
