// Package orchestrator composes reconciliation, exits, diversification,
// sizing and execution into a repeating trade cycle with its own lifecycle.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/spotbot/internal/diversify"
	"github.com/alanyoungcy/spotbot/internal/domain"
	"github.com/alanyoungcy/spotbot/internal/exit"
	"github.com/alanyoungcy/spotbot/internal/metrics"
	"github.com/alanyoungcy/spotbot/internal/reconcile"
)

// ErrAlreadyRunning is returned by Start when the loops are already running.
var ErrAlreadyRunning = errors.New("orchestrator: already running")

// Reconciler is implemented by reconcile.Verifier.
type Reconciler interface {
	ReconcileAll(ctx context.Context) (reconcile.Report, error)
	CloseDuplicates(ctx context.Context) ([]string, error)
	RestoreOrphans(ctx context.Context) ([]domain.Position, error)
}

// ExitRunner is implemented by exit.Engine.
type ExitRunner interface {
	Run(ctx context.Context) (exit.Report, error)
}

// Guard is implemented by diversify.Guard.
type Guard interface {
	IsAllowed(ctx context.Context, symbol string) (bool, string)
	FreeSlots(snap domain.Snapshot) int
	SelectCandidates(ctx context.Context, pool []string, n int) ([]string, error)
	Status(ctx context.Context) (diversify.Status, error)
}

// Allocator is implemented by capital.Allocator.
type Allocator interface {
	PerTradeNotional(ctx context.Context) (float64, error)
	Affordable(ctx context.Context, notional float64, slots int) int
}

// Trader is implemented by executor.Gateway.
type Trader interface {
	Buy(ctx context.Context, symbol string, notional float64) (domain.Position, error)
	Sell(ctx context.Context, pos domain.Position, reason domain.CloseReason) error
}

// Config holds loop timings.
type Config struct {
	CycleInterval     time.Duration
	ExitInterval      time.Duration
	DiversityInterval time.Duration
	BackoffInitial    time.Duration
	BackoffMax        time.Duration
	RestoreOrphans    bool
}

// CycleStats describes the most recent cycle.
type CycleStats struct {
	Number        int64             `json:"number"`
	StartedAt     time.Time         `json:"started_at"`
	FinishedAt    time.Time         `json:"finished_at"`
	DurationMs    int64             `json:"duration_ms"`
	Reconcile     reconcile.Report  `json:"reconcile"`
	Exits         exit.Report       `json:"exits"`
	FreeSlots     int               `json:"free_slots"`
	Notional      float64           `json:"notional"`
	Candidates    []string          `json:"candidates"`
	Opened        []string          `json:"opened"`
	Skipped       map[string]string `json:"skipped,omitempty"`
	OpenPositions int               `json:"open_positions"`
	Error         string            `json:"error,omitempty"`
}

// Orchestrator owns the background loops and their state.
type Orchestrator struct {
	cfg        Config
	ledger     domain.Ledger
	reconciler Reconciler
	exits      ExitRunner
	guard      Guard
	allocator  Allocator
	trader     Trader
	notifier   domain.Notifier
	metrics    *metrics.Metrics
	logger     *slog.Logger
	locker     domain.Locker
	lockTTL    time.Duration

	cycling atomic.Bool
	running atomic.Bool
	cycleNo atomic.Int64
	// exitMu serialises every path that sells, so two loops never sell the
	// same position.
	exitMu sync.Mutex

	mu       sync.Mutex
	last     *CycleStats
	onCycle  []func(CycleStats)
	cancel   context.CancelFunc
	done     chan struct{}
	loopErr  error
	failures int
}

// New creates an Orchestrator. notifier and m may be nil.
func New(
	cfg Config,
	ledger domain.Ledger,
	reconciler Reconciler,
	exits ExitRunner,
	guard Guard,
	allocator Allocator,
	trader Trader,
	notifier domain.Notifier,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Orchestrator {
	if cfg.CycleInterval <= 0 {
		cfg.CycleInterval = 5 * time.Minute
	}
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = 10 * time.Second
	}
	if cfg.BackoffMax < cfg.BackoffInitial {
		cfg.BackoffMax = cfg.BackoffInitial
	}
	return &Orchestrator{
		cfg:        cfg,
		ledger:     ledger,
		reconciler: reconciler,
		exits:      exits,
		guard:      guard,
		allocator:  allocator,
		trader:     trader,
		notifier:   notifier,
		metrics:    m,
		logger:     logger.With(slog.String("component", "orchestrator")),
	}
}

// LockKey is the cross-process lock taken around every ledger-mutating
// cycle when a Locker is configured.
const LockKey = "spotbot:ledger"

// SetLocker makes RunCycle and CloseAll hold a cross-process lock for at most
// ttl, so independently launched utilities cannot interleave with a cycle.
func (o *Orchestrator) SetLocker(l domain.Locker, ttl time.Duration) {
	o.locker = l
	o.lockTTL = ttl
}

func (o *Orchestrator) lock(ctx context.Context) (func(), error) {
	if o.locker == nil {
		return func() {}, nil
	}
	ttl := o.lockTTL
	if ttl <= 0 {
		ttl = 2 * o.cfg.CycleInterval
	}
	unlock, err := o.locker.Acquire(ctx, LockKey, ttl)
	if errors.Is(err, domain.ErrLockHeld) {
		return nil, fmt.Errorf("orchestrator: %w: %w", domain.ErrCycleInProgress, err)
	}
	if err != nil {
		return nil, fmt.Errorf("orchestrator: acquire lock: %w", err)
	}
	return unlock, nil
}

// OnCycle registers fn to be called after every completed cycle.
func (o *Orchestrator) OnCycle(fn func(CycleStats)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.onCycle = append(o.onCycle, fn)
}

// Running reports whether the background loops are active.
func (o *Orchestrator) Running() bool { return o.running.Load() }

// LastCycleStats returns the most recent cycle, if any.
func (o *Orchestrator) LastCycleStats() (CycleStats, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.last == nil {
		return CycleStats{}, false
	}
	return *o.last, true
}

// Start launches the cycle, exit-watcher and diversity loops. They run until
// Stop is called or ctx is cancelled.
func (o *Orchestrator) Start(ctx context.Context) error {
	if !o.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	o.mu.Lock()
	o.cancel = cancel
	o.done = done
	o.loopErr = nil
	o.failures = 0
	o.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return o.cycleLoop(gctx) })
	if o.cfg.ExitInterval > 0 {
		g.Go(func() error { return o.exitLoop(gctx) })
	}
	if o.cfg.DiversityInterval > 0 {
		g.Go(func() error { return o.diversityLoop(gctx) })
	}

	go func() {
		err := g.Wait()
		o.mu.Lock()
		o.loopErr = err
		o.mu.Unlock()
		o.running.Store(false)
		close(done)
	}()

	o.logger.InfoContext(ctx, "orchestrator: started",
		slog.Duration("cycle_interval", o.cfg.CycleInterval),
		slog.Duration("exit_interval", o.cfg.ExitInterval),
		slog.Duration("diversity_interval", o.cfg.DiversityInterval),
	)
	return nil
}

// Stop cancels the loops and waits for them to return. An in-flight
// exchange call is not interrupted beyond its own timeout.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	cancel, done := o.cancel, o.done
	o.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	o.logger.Info("orchestrator: stopped")
}

// Wait blocks until the loops exit and returns their error.
func (o *Orchestrator) Wait() error {
	o.mu.Lock()
	done := o.done
	o.mu.Unlock()
	if done == nil {
		return nil
	}
	<-done
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.loopErr
}

func (o *Orchestrator) cycleLoop(ctx context.Context) error {
	if o.cfg.RestoreOrphans {
		if _, err := o.reconciler.RestoreOrphans(ctx); err != nil {
			o.logger.WarnContext(ctx, "orchestrator: orphan restore failed", slog.String("error", err.Error()))
		}
	}

	for {
		_, err := o.RunCycle(ctx)
		wait := o.cfg.CycleInterval
		if err != nil && !errors.Is(err, domain.ErrCycleInProgress) && ctx.Err() == nil {
			wait = o.nextBackoff()
			o.logger.ErrorContext(ctx, "orchestrator: cycle failed, backing off",
				slog.String("error", err.Error()),
				slog.Duration("backoff", wait),
			)
			o.notify(ctx, "cycle_failed", "Trade cycle failed",
				fmt.Sprintf("%v (retrying in %s)", err, wait))
		} else if err == nil {
			o.resetBackoff()
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

func (o *Orchestrator) nextBackoff() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failures++
	return Backoff(o.cfg.BackoffInitial, o.cfg.BackoffMax, o.failures)
}

func (o *Orchestrator) resetBackoff() {
	o.mu.Lock()
	o.failures = 0
	o.mu.Unlock()
}

// Backoff returns initial doubled per prior failure, capped at ceiling.
func Backoff(initial, ceiling time.Duration, failures int) time.Duration {
	d := initial
	for i := 1; i < failures; i++ {
		d *= 2
		if d >= ceiling {
			return ceiling
		}
	}
	if d > ceiling {
		return ceiling
	}
	return d
}

func (o *Orchestrator) exitLoop(ctx context.Context) error {
	ticker := time.NewTicker(o.cfg.ExitInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			o.exitTick(ctx)
		}
	}
}

// exitTick runs one exit pass between cycles. It skips while a cycle is
// running here or another process holds the ledger lock, and reports
// whether the pass ran.
func (o *Orchestrator) exitTick(ctx context.Context) bool {
	if o.cycling.Load() {
		// The cycle evaluates exits itself.
		return false
	}
	unlock, err := o.lock(ctx)
	if err != nil {
		if errors.Is(err, domain.ErrLockHeld) {
			o.logger.DebugContext(ctx, "orchestrator: ledger locked elsewhere, skipping exit pass")
		} else {
			o.logger.WarnContext(ctx, "orchestrator: exit pass lock failed", slog.String("error", err.Error()))
		}
		return false
	}
	defer unlock()
	o.runExits(ctx)
	return true
}

func (o *Orchestrator) runExits(ctx context.Context) (exit.Report, error) {
	o.exitMu.Lock()
	defer o.exitMu.Unlock()
	rep, err := o.exits.Run(ctx)
	if err != nil {
		o.logger.WarnContext(ctx, "orchestrator: exit pass failed", slog.String("error", err.Error()))
	}
	return rep, err
}

func (o *Orchestrator) diversityLoop(ctx context.Context) error {
	ticker := time.NewTicker(o.cfg.DiversityInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if unlock, err := o.lock(ctx); err == nil {
				if _, err := o.reconciler.CloseDuplicates(ctx); err != nil {
					o.logger.WarnContext(ctx, "orchestrator: duplicate check failed", slog.String("error", err.Error()))
				}
				unlock()
			}
			st, err := o.guard.Status(ctx)
			if err != nil {
				o.logger.WarnContext(ctx, "orchestrator: diversity status failed", slog.String("error", err.Error()))
				continue
			}
			o.logger.InfoContext(ctx, "orchestrator: diversity status",
				slog.Int("slots_used", st.SlotsUsed),
				slog.Int("max_open", st.MaxOpen),
				slog.Int("cooling", len(st.Cooling)),
				slog.Any("active", st.ActiveSymbols),
			)
		}
	}
}

// RunCycle runs one cycle: reconcile, evaluate exits, compute free slots,
// select candidates, size, and buy. It returns ErrCycleInProgress if another
// cycle is running in this process. Per-symbol failures are recorded in the
// stats and do not fail the cycle.
func (o *Orchestrator) RunCycle(ctx context.Context) (CycleStats, error) {
	if !o.cycling.CompareAndSwap(false, true) {
		return CycleStats{}, domain.ErrCycleInProgress
	}
	defer o.cycling.Store(false)

	unlock, err := o.lock(ctx)
	if err != nil {
		return CycleStats{}, err
	}
	defer unlock()

	stats := CycleStats{
		Number:    o.cycleNo.Add(1),
		StartedAt: time.Now().UTC(),
		Skipped:   map[string]string{},
	}
	err = o.cycle(ctx, &stats)
	stats.FinishedAt = time.Now().UTC()
	stats.DurationMs = stats.FinishedAt.Sub(stats.StartedAt).Milliseconds()
	if err != nil {
		stats.Error = err.Error()
	}
	if snap, lerr := o.ledger.Load(ctx); lerr == nil {
		stats.OpenPositions = len(snap.Open)
		o.metrics.SetOpenPositions(len(snap.Open))
	}
	o.metrics.CycleFinished(err == nil, stats.FinishedAt.Sub(stats.StartedAt))
	o.metrics.PhantomClosed(len(stats.Reconcile.Phantom))

	o.mu.Lock()
	o.last = &stats
	hooks := append([]func(CycleStats){}, o.onCycle...)
	o.mu.Unlock()
	for _, fn := range hooks {
		fn(stats)
	}

	o.logger.InfoContext(ctx, "orchestrator: cycle complete",
		slog.Int64("cycle", stats.Number),
		slog.Int64("duration_ms", stats.DurationMs),
		slog.Int("opened", len(stats.Opened)),
		slog.Int("closed", len(stats.Exits.Closed)),
		slog.Int("phantom", len(stats.Reconcile.Phantom)),
		slog.Int("open_positions", stats.OpenPositions),
	)
	return stats, err
}

func (o *Orchestrator) cycle(ctx context.Context, stats *CycleStats) error {
	rep, err := o.reconciler.ReconcileAll(ctx)
	if err != nil {
		return fmt.Errorf("orchestrator: reconcile: %w", err)
	}
	stats.Reconcile = rep

	exitRep, err := o.runExits(ctx)
	if err != nil {
		return fmt.Errorf("orchestrator: exits: %w", err)
	}
	stats.Exits = exitRep

	snap, err := o.ledger.Load(ctx)
	if err != nil {
		return fmt.Errorf("orchestrator: load ledger: %w", err)
	}
	stats.FreeSlots = o.guard.FreeSlots(snap)
	if stats.FreeSlots == 0 {
		return nil
	}

	candidates, err := o.guard.SelectCandidates(ctx, nil, stats.FreeSlots)
	if err != nil {
		return fmt.Errorf("orchestrator: select candidates: %w", err)
	}
	stats.Candidates = candidates
	if len(candidates) == 0 {
		return nil
	}

	notional, err := o.allocator.PerTradeNotional(ctx)
	if err != nil {
		// Refusing new positions is a degraded cycle, not a failed one.
		o.logger.WarnContext(ctx, "orchestrator: no allocation this cycle", slog.String("error", err.Error()))
		for _, c := range candidates {
			stats.Skipped[c] = err.Error()
		}
		return nil
	}
	stats.Notional = notional

	n := o.allocator.Affordable(ctx, notional, len(candidates))
	for i, symbol := range candidates {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if i >= n {
			stats.Skipped[symbol] = "balance covers no more slots"
			continue
		}
		if ok, reason := o.guard.IsAllowed(ctx, symbol); !ok {
			stats.Skipped[symbol] = reason
			continue
		}
		if _, err := o.trader.Buy(ctx, symbol, notional); err != nil {
			stats.Skipped[symbol] = err.Error()
			o.logger.WarnContext(ctx, "orchestrator: buy failed",
				slog.String("symbol", symbol),
				slog.String("error", err.Error()),
			)
			continue
		}
		stats.Opened = append(stats.Opened, symbol)
	}
	return nil
}

// CloseAll sells every OPEN, CONFIRMED position with reason FORCE_SELL and
// returns the symbols that closed. Failures are collected and returned
// together.
func (o *Orchestrator) CloseAll(ctx context.Context) ([]string, error) {
	o.exitMu.Lock()
	defer o.exitMu.Unlock()

	unlock, err := o.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	snap, err := o.ledger.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: close all: %w", err)
	}

	var closed []string
	var errs []error
	for _, pos := range snap.Open {
		if pos.Verification != domain.VerificationConfirmed {
			continue
		}
		if err := o.trader.Sell(ctx, pos, domain.CloseReasonForceSell); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", pos.Symbol, err))
			continue
		}
		closed = append(closed, pos.Symbol)
	}
	o.logger.InfoContext(ctx, "orchestrator: force sell complete",
		slog.Int("closed", len(closed)),
		slog.Int("failed", len(errs)),
	)
	return closed, errors.Join(errs...)
}

// Reconcile runs a standalone reconciliation pass under the same locks as a
// cycle.
func (o *Orchestrator) Reconcile(ctx context.Context) (reconcile.Report, error) {
	if !o.cycling.CompareAndSwap(false, true) {
		return reconcile.Report{}, domain.ErrCycleInProgress
	}
	defer o.cycling.Store(false)

	unlock, err := o.lock(ctx)
	if err != nil {
		return reconcile.Report{}, err
	}
	defer unlock()

	rep, err := o.reconciler.ReconcileAll(ctx)
	if err != nil {
		return rep, fmt.Errorf("orchestrator: reconcile: %w", err)
	}
	o.metrics.PhantomClosed(len(rep.Phantom))
	return rep, nil
}

// Restore re-creates ledger entries for exchange holdings that have none.
func (o *Orchestrator) Restore(ctx context.Context) ([]domain.Position, error) {
	if !o.cycling.CompareAndSwap(false, true) {
		return nil, domain.ErrCycleInProgress
	}
	defer o.cycling.Store(false)

	unlock, err := o.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	restored, err := o.reconciler.RestoreOrphans(ctx)
	if err != nil {
		return restored, fmt.Errorf("orchestrator: restore orphans: %w", err)
	}
	return restored, nil
}

func (o *Orchestrator) notify(ctx context.Context, event, title, msg string) {
	if o.notifier == nil {
		return
	}
	if err := o.notifier.Send(ctx, event, title, msg); err != nil {
		o.logger.WarnContext(ctx, "orchestrator: notify failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}
