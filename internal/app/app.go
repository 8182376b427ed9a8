// Package app assembles the bot from configuration and runs it in the
// selected mode.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/alanyoungcy/spotbot/internal/config"
)

// App holds the configuration and the cleanups of everything it wired.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	mu      sync.Mutex
	closers []func()
}

func New(cfg *config.Config, logger *slog.Logger) *App {
	return &App{cfg: cfg, logger: logger.With(slog.String("component", "app"))}
}

// Run wires the components and blocks in the configured mode until ctx is
// cancelled or a component fails.
func (a *App) Run(ctx context.Context) error {
	mode := strings.ToLower(a.cfg.Mode)
	a.logger.InfoContext(ctx, "app: run",
		slog.String("mode", mode),
		slog.String("quote_asset", a.cfg.Exchange.QuoteAsset),
		slog.Int("max_open", a.cfg.Diversity.MaxOpen),
		slog.Bool("server", a.cfg.Server.Enabled),
	)

	deps, err := a.Dependencies(ctx)
	if err != nil {
		return err
	}

	run := map[string]func(context.Context, *Dependencies) error{
		config.ModeTrade:   a.TradeMode,
		config.ModeMonitor: a.MonitorMode,
	}[mode]
	if run == nil {
		return fmt.Errorf("app: unsupported mode %q", a.cfg.Mode)
	}
	return run(ctx, deps)
}

// Dependencies wires every component without starting anything. The cleanup
// runs on Close.
func (a *App) Dependencies(ctx context.Context) (*Dependencies, error) {
	deps, cleanup, err := Wire(ctx, a.cfg, a.logger)
	if err != nil {
		return nil, fmt.Errorf("app: wire: %w", err)
	}
	a.mu.Lock()
	a.closers = append(a.closers, cleanup)
	a.mu.Unlock()
	return deps, nil
}

// Close releases resources newest first. Repeated calls do nothing.
func (a *App) Close() {
	a.mu.Lock()
	closers := a.closers
	a.closers = nil
	a.mu.Unlock()

	for i := len(closers) - 1; i >= 0; i-- {
		closers[i]()
	}
	if len(closers) > 0 {
		a.logger.Info("app: closed")
	}
}
