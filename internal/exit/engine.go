package exit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/spotbot/internal/domain"
)

// Seller executes exits. Implemented by executor.Gateway.
type Seller interface {
	Sell(ctx context.Context, pos domain.Position, reason domain.CloseReason) error
	SellPartial(ctx context.Context, pos domain.Position, qty float64, reason domain.CloseReason) error
}

// Config tunes the engine.
type Config struct {
	PartialExits bool
	// IncludeUnverified also evaluates positions not yet CONFIRMED.
	IncludeUnverified bool
	KlineInterval     string
	KlineLimit        int
}

// Report summarises one evaluation pass.
type Report struct {
	Evaluated int      `json:"evaluated"`
	Skipped   int      `json:"skipped"`
	Closed    []string `json:"closed"`
	Partial   []string `json:"partial"`
	Failed    []string `json:"failed"`
}

// Engine runs Decide over every OPEN position and applies the result.
type Engine struct {
	cfg       Config
	ledger    domain.Ledger
	exchange  domain.Exchange
	seller    Seller
	indicator domain.Indicator
	notifier  domain.Notifier
	logger    *slog.Logger
	now       func() time.Time
}

// NewEngine creates an Engine. indicator and notifier may be nil.
func NewEngine(
	cfg Config,
	ledger domain.Ledger,
	exchange domain.Exchange,
	seller Seller,
	indicator domain.Indicator,
	notifier domain.Notifier,
	logger *slog.Logger,
) *Engine {
	if cfg.KlineInterval == "" {
		cfg.KlineInterval = "15m"
	}
	if cfg.KlineLimit <= 0 {
		cfg.KlineLimit = 50
	}
	return &Engine{
		cfg:       cfg,
		ledger:    ledger,
		exchange:  exchange,
		seller:    seller,
		indicator: indicator,
		notifier:  notifier,
		logger:    logger.With(slog.String("component", "exit")),
		now:       time.Now,
	}
}

// SetClock replaces time.Now.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// Run evaluates every eligible OPEN position once. Failures are isolated per
// position; Run only returns an error when the ledger cannot be read.
func (e *Engine) Run(ctx context.Context) (Report, error) {
	var report Report

	snap, err := e.ledger.Load(ctx)
	if err != nil {
		return report, fmt.Errorf("exit: load ledger: %w", err)
	}

	for _, pos := range snap.Open {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		if pos.Verification != domain.VerificationConfirmed && !e.cfg.IncludeUnverified {
			report.Skipped++
			continue
		}
		e.evaluate(ctx, pos, &report)
	}
	return report, nil
}

func (e *Engine) evaluate(ctx context.Context, pos domain.Position, report *Report) {
	log := e.logger.With(
		slog.String("symbol", pos.Symbol),
		slog.String("position_id", pos.ID),
	)

	price, err := e.exchange.GetPrice(ctx, pos.Symbol)
	if err != nil || price <= 0 {
		report.Skipped++
		attrs := []any{}
		if err != nil {
			attrs = append(attrs, slog.String("error", err.Error()))
		}
		log.WarnContext(ctx, "exit: price unknown, skipping", attrs...)
		return
	}
	report.Evaluated++

	reversal := false
	if price > pos.EntryPrice {
		reversal = e.reversal(ctx, pos.Symbol)
	}

	d := Decide(pos, price, e.now(), reversal, Options{PartialExits: e.cfg.PartialExits})

	// Persist trailing metadata first. Target hits that trigger a partial
	// sell are persisted only once the sell is confirmed.
	meta := d.Position
	if d.Action == ActionPartial {
		meta.TakeProfitTargets = pos.TakeProfitTargets
	}
	if err := e.persist(ctx, meta); err != nil {
		log.WarnContext(ctx, "exit: persist metadata failed", slog.String("error", err.Error()))
	}

	switch d.Action {
	case ActionHold:
		if len(d.NewHits) > 0 {
			log.InfoContext(ctx, "exit: take-profit target hit",
				slog.Float64("price", price),
				slog.Int("target", d.NewHits[len(d.NewHits)-1]+1),
			)
			e.notify(ctx, "target_hit", "Take-profit target hit",
				fmt.Sprintf("%s reached target %d at %.6f (%+.2f%%)",
					pos.Symbol, d.NewHits[len(d.NewHits)-1]+1, price, pos.ChangePct(price)))
		}

	case ActionClose:
		log.InfoContext(ctx, "exit: closing position",
			slog.String("reason", string(d.Reason)),
			slog.Float64("price", price),
			slog.Float64("change_pct", pos.ChangePct(price)),
		)
		if err := e.seller.Sell(ctx, d.Position, d.Reason); err != nil {
			report.Failed = append(report.Failed, pos.Symbol)
			log.ErrorContext(ctx, "exit: close failed", slog.String("error", err.Error()))
			return
		}
		report.Closed = append(report.Closed, pos.Symbol)

	case ActionPartial:
		log.InfoContext(ctx, "exit: partial take-profit",
			slog.Float64("price", price),
			slog.Float64("quantity", d.SellQty),
		)
		if err := e.seller.SellPartial(ctx, d.Position, d.SellQty, d.Reason); err != nil {
			report.Failed = append(report.Failed, pos.Symbol)
			log.ErrorContext(ctx, "exit: partial exit failed", slog.String("error", err.Error()))
			return
		}
		if err := e.persistTargets(ctx, d.Position); err != nil {
			log.WarnContext(ctx, "exit: persist target hits failed", slog.String("error", err.Error()))
		}
		report.Partial = append(report.Partial, pos.Symbol)
	}
}

func (e *Engine) reversal(ctx context.Context, symbol string) bool {
	if e.indicator == nil {
		return false
	}
	klines, err := e.exchange.GetKlines(ctx, symbol, e.cfg.KlineInterval, e.cfg.KlineLimit)
	if err != nil || len(klines) == 0 {
		return false
	}
	closes := make([]float64, len(klines))
	for i, k := range klines {
		closes[i] = k.Close
	}
	return e.indicator.Reversal(closes)
}

// errUnchanged aborts an Update that would write identical data.
var errUnchanged = errors.New("exit: metadata unchanged")

// persist writes highest price and target hits if they changed.
func (e *Engine) persist(ctx context.Context, p domain.Position) error {
	err := e.ledger.Update(ctx, func(snap *domain.Snapshot) error {
		i := snap.FindOpenByID(p.ID)
		if i < 0 {
			return domain.ErrNotFound
		}
		cur := &snap.Open[i]
		if cur.HighestPrice >= p.HighestPrice && sameHits(cur.TakeProfitTargets, p.TakeProfitTargets) {
			return errUnchanged
		}
		if p.HighestPrice > cur.HighestPrice {
			cur.HighestPrice = p.HighestPrice
		}
		mergeHits(cur, p.TakeProfitTargets)
		return nil
	})
	if errors.Is(err, errUnchanged) {
		return nil
	}
	return err
}

func (e *Engine) persistTargets(ctx context.Context, p domain.Position) error {
	return e.ledger.Update(ctx, func(snap *domain.Snapshot) error {
		i := snap.FindOpenByID(p.ID)
		if i < 0 {
			// Partial exit consumed the position.
			return nil
		}
		mergeHits(&snap.Open[i], p.TakeProfitTargets)
		return nil
	})
}

func sameHits(a, b []domain.TakeProfitTarget) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Hit != b[i].Hit {
			return false
		}
	}
	return true
}

func mergeHits(cur *domain.Position, targets []domain.TakeProfitTarget) {
	for i := range cur.TakeProfitTargets {
		if i < len(targets) && targets[i].Hit && !cur.TakeProfitTargets[i].Hit {
			cur.TakeProfitTargets[i] = targets[i]
		}
	}
}

func (e *Engine) notify(ctx context.Context, event, title, msg string) {
	if e.notifier == nil {
		return
	}
	if err := e.notifier.Send(ctx, event, title, msg); err != nil {
		e.logger.WarnContext(ctx, "exit: notify failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}
