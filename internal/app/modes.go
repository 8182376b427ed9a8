package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/spotbot/internal/audit"
	"github.com/alanyoungcy/spotbot/internal/domain"
	"github.com/alanyoungcy/spotbot/internal/notify"
	"github.com/alanyoungcy/spotbot/internal/orchestrator"
	"github.com/alanyoungcy/spotbot/internal/reconcile"
	"github.com/alanyoungcy/spotbot/internal/server"
	"github.com/alanyoungcy/spotbot/internal/server/handler"
	"github.com/alanyoungcy/spotbot/internal/server/ws"
)

// TradeMode starts the trading loops immediately, plus the HTTP server, the
// WebSocket hub and the daily summary when they are enabled.
func (a *App) TradeMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting trade mode")

	g, ctx := errgroup.WithContext(ctx)

	a.startServices(ctx, g, deps)

	if err := deps.Orchestrator.Start(ctx); err != nil {
		return fmt.Errorf("trade mode: %w", err)
	}
	a.botStatus(ctx, deps, "started", "Trading loops are running.")

	g.Go(func() error {
		<-ctx.Done()
		deps.Orchestrator.Stop()
		a.botStatus(context.WithoutCancel(ctx), deps, "stopped", "Trading loops have stopped.")
		return nil
	})

	return g.Wait()
}

// MonitorMode serves the API without starting the trading loops. An
// operator can still start them, or run a single cycle, over the control
// endpoints.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting monitor mode")

	g, ctx := errgroup.WithContext(ctx)

	a.startServices(ctx, g, deps)

	g.Go(func() error {
		<-ctx.Done()
		deps.Orchestrator.Stop()
		return nil
	})

	return g.Wait()
}

// startServices launches the goroutines shared by every mode.
func (a *App) startServices(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	g.Go(func() error {
		return deps.Reporter.Run(ctx, a.cfg.Trading.DailySummaryHour)
	})

	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps)
	}
}

// startHTTPServer creates the WebSocket hub and the HTTP server and runs
// both in the errgroup. The server is shut down when ctx is cancelled.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	orch := deps.Orchestrator

	var bus domain.EventSubscriber
	var topics []string
	if deps.Bus != nil {
		bus = deps.Bus
		topics = []string{audit.Channel}
	}
	hub := ws.NewHub(bus, topics, func() any { return statusPayload(a.cfg.Mode, orch) }, a.logger)
	orch.OnCycle(func(stats orchestrator.CycleStats) {
		hub.Broadcast(ws.ChannelCycles, stats)
	})
	if deps.Bus == nil {
		// Without a bus the hub is the only event sink.
		deps.Recorder.SetPublisher(hub)
	}
	g.Go(func() error {
		return hub.Run(ctx)
	})

	handlers := server.Handlers{
		Health:    handler.NewHealthHandler(deps.Ledger, a.logger),
		Status:    handler.NewStatusHandler(a.cfg.Mode, orch, deps.Guard, a.logger),
		Positions: handler.NewPositionHandler(deps.Ledger, deps.Journal, a.logger),
		Control:   handler.NewControlHandler(&controller{ctx: ctx, orch: orch}, a.logger),
		Metrics:   deps.Metrics.Handler(),
	}
	if deps.AuditStore != nil {
		handlers.Audit = handler.NewAuditHandler(deps.AuditStore, a.logger)
	}

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.AuthToken,
	}, handlers, hub, a.logger)

	g.Go(func() error {
		return srv.Start()
	})

	// Shut down the HTTP server when the context is cancelled.
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}

// statusPayload is the snapshot pushed to WebSocket clients on connect. It
// matches the body of GET /api/status.
func statusPayload(mode string, orch *orchestrator.Orchestrator) any {
	payload := map[string]any{
		"mode":    mode,
		"running": orch.Running(),
	}
	if stats, ok := orch.LastCycleStats(); ok {
		payload["last_cycle_stats"] = stats
	}
	return payload
}

func (a *App) botStatus(ctx context.Context, deps *Dependencies, state, msg string) {
	if err := deps.Notifier.Send(ctx, notify.EventBotStatus, "Bot "+state, msg); err != nil {
		a.logger.WarnContext(ctx, "app: status notification failed", slog.String("error", err.Error()))
	}
}

// controller adapts the orchestrator to the control endpoints. Loops started
// over the API live as long as the process context, not the request.
type controller struct {
	ctx  context.Context
	orch *orchestrator.Orchestrator
}

var _ handler.Controller = (*controller)(nil)

func (c *controller) Start() error { return c.orch.Start(c.ctx) }

func (c *controller) Stop() { c.orch.Stop() }

func (c *controller) RunCycle(ctx context.Context) (orchestrator.CycleStats, error) {
	return c.orch.RunCycle(ctx)
}

func (c *controller) CloseAll(ctx context.Context) ([]string, error) {
	return c.orch.CloseAll(ctx)
}

func (c *controller) Verify(ctx context.Context) (reconcile.Report, error) {
	return c.orch.Reconcile(ctx)
}
