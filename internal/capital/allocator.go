// Package capital sizes new positions from the account's quote balance.
package capital

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/alanyoungcy/spotbot/internal/domain"
)

// Config holds sizing parameters.
type Config struct {
	QuoteAsset        string
	RiskRatio         float64
	MaxOpen           int
	MinNotional       float64
	MaxNotional       float64
	DailyLossLimitPct float64
}

// Allocator computes per-trade notional. When the exchange cannot report a
// balance it falls back to the last balance it observed.
type Allocator struct {
	cfg      Config
	exchange domain.Exchange
	ledger   domain.Ledger
	logger   *slog.Logger
	now      func() time.Time

	mu          sync.Mutex
	lastBalance float64
	lastSeen    time.Time
}

// NewAllocator creates an Allocator. ledger may be nil, which disables the
// daily loss limit.
func NewAllocator(cfg Config, exchange domain.Exchange, ledger domain.Ledger, logger *slog.Logger) *Allocator {
	if cfg.MaxOpen <= 0 {
		cfg.MaxOpen = 1
	}
	if cfg.QuoteAsset == "" {
		cfg.QuoteAsset = "USDT"
	}
	return &Allocator{
		cfg:      cfg,
		exchange: exchange,
		ledger:   ledger,
		logger:   logger.With(slog.String("component", "capital")),
		now:      time.Now,
	}
}

// SetClock replaces time.Now.
func (a *Allocator) SetClock(now func() time.Time) { a.now = now }

// Balance returns the free quote balance, or the last observed one when the
// exchange gives no usable answer. degraded is true in the latter case.
func (a *Allocator) Balance(ctx context.Context) (balance float64, degraded bool, err error) {
	b, err := a.exchange.GetBalance(ctx, a.cfg.QuoteAsset)
	if err == nil && !math.IsNaN(b.Free) && b.Free >= 0 {
		a.mu.Lock()
		a.lastBalance = b.Free
		a.lastSeen = a.now()
		a.mu.Unlock()
		return b.Free, false, nil
	}

	a.mu.Lock()
	last, seen := a.lastBalance, a.lastSeen
	a.mu.Unlock()

	if seen.IsZero() {
		if err == nil {
			err = domain.ErrUnknown
		}
		return 0, false, fmt.Errorf("capital: balance: %w: %w", domain.ErrInsufficientBalance, err)
	}

	attrs := []any{
		slog.Float64("last_balance", last),
		slog.Duration("age", a.now().Sub(seen)),
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	a.logger.WarnContext(ctx, "capital: balance unavailable, using last observed", attrs...)
	return last, true, nil
}

// PerTradeNotional returns clamp(balance * risk_ratio / cap, min, max).
func (a *Allocator) PerTradeNotional(ctx context.Context) (float64, error) {
	balance, _, err := a.Balance(ctx)
	if err != nil {
		return 0, err
	}
	if err := a.checkDailyLoss(ctx, balance); err != nil {
		return 0, err
	}
	return a.notionalFor(balance), nil
}

func (a *Allocator) notionalFor(balance float64) float64 {
	n := balance * a.cfg.RiskRatio / float64(a.cfg.MaxOpen)
	if a.cfg.MaxNotional > 0 && n > a.cfg.MaxNotional {
		n = a.cfg.MaxNotional
	}
	if n < a.cfg.MinNotional {
		n = a.cfg.MinNotional
	}
	return n
}

// Affordable returns how many of the requested slots the balance can fund
// at notional each.
func (a *Allocator) Affordable(ctx context.Context, notional float64, slots int) int {
	if notional <= 0 || slots <= 0 {
		return 0
	}
	balance, _, err := a.Balance(ctx)
	if err != nil {
		return 0
	}
	n := int(math.Floor(balance/notional + 1e-9))
	if n > slots {
		n = slots
	}
	return n
}

// checkDailyLoss refuses new allocations once today's realized losses exceed
// DailyLossLimitPct of balance.
func (a *Allocator) checkDailyLoss(ctx context.Context, balance float64) error {
	if a.ledger == nil || a.cfg.DailyLossLimitPct <= 0 {
		return nil
	}
	snap, err := a.ledger.Load(ctx)
	if err != nil {
		return nil
	}
	loss := DailyRealizedLoss(snap, a.now())
	if balance <= 0 {
		return nil
	}
	if loss > balance*a.cfg.DailyLossLimitPct/100 {
		a.logger.WarnContext(ctx, "capital: daily loss limit reached",
			slog.Float64("loss", loss),
			slog.Float64("limit_pct", a.cfg.DailyLossLimitPct),
		)
		return fmt.Errorf("capital: daily loss %.2f over limit: %w", loss, domain.ErrNotAllowed)
	}
	return nil
}

// DailyRealizedLoss sums losses of positions closed on now's UTC day. Gains
// do not offset losses.
func DailyRealizedLoss(snap domain.Snapshot, now time.Time) float64 {
	y, m, d := now.UTC().Date()
	start := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	var loss float64
	for _, p := range snap.Closed {
		if p.ClosedAt == nil || p.ClosedAt.Before(start) {
			continue
		}
		if p.RealizedPnL < 0 {
			loss -= p.RealizedPnL
		}
	}
	return loss
}
