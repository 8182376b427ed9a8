// Package executor submits market orders and only trusts them once the fill
// shows up in the account's order history.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/spotbot/internal/audit"
	"github.com/alanyoungcy/spotbot/internal/domain"
	"github.com/alanyoungcy/spotbot/internal/metrics"
)

const (
	defaultVerifyAttempts   = 3
	defaultVerifyDelay      = 2 * time.Second
	defaultHistoryLimit     = 50
	defaultBalanceTolerance = 0.95
	defaultDedupTTL         = 30 * time.Second
)

// Config holds gateway parameters.
type Config struct {
	QuoteAsset     string
	VerifyAttempts int
	VerifyDelay    time.Duration
	HistoryLimit   int
	// BalanceTolerance is the fraction of the recorded quantity the free
	// base balance must cover for a sell to proceed with the balance instead.
	BalanceTolerance float64
	DedupTTL         time.Duration
	Plan             domain.ExitPlan
}

// ExitRecorder starts a post-exit cooldown. Implemented by diversify.Guard.
type ExitRecorder interface {
	RecordExit(ctx context.Context, symbol string)
}

// Gateway turns buy and sell intents into confirmed ledger transitions.
type Gateway struct {
	cfg      Config
	exchange domain.Exchange
	ledger   domain.Ledger
	exits    ExitRecorder
	notifier domain.Notifier
	audit    *audit.Recorder
	metrics  *metrics.Metrics
	dedup    *Dedup
	logger   *slog.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewGateway creates a Gateway. notifier, rec and m may be nil.
func NewGateway(
	cfg Config,
	exchange domain.Exchange,
	ledger domain.Ledger,
	exits ExitRecorder,
	notifier domain.Notifier,
	rec *audit.Recorder,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Gateway {
	if cfg.QuoteAsset == "" {
		cfg.QuoteAsset = "USDT"
	}
	if cfg.VerifyAttempts <= 0 {
		cfg.VerifyAttempts = defaultVerifyAttempts
	}
	if cfg.VerifyDelay < 0 {
		cfg.VerifyDelay = defaultVerifyDelay
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = defaultHistoryLimit
	}
	if cfg.BalanceTolerance <= 0 || cfg.BalanceTolerance > 1 {
		cfg.BalanceTolerance = defaultBalanceTolerance
	}
	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = defaultDedupTTL
	}
	return &Gateway{
		cfg:      cfg,
		exchange: exchange,
		ledger:   ledger,
		exits:    exits,
		notifier: notifier,
		audit:    rec,
		metrics:  m,
		dedup:    NewDedup(cfg.DedupTTL),
		logger:   logger.With(slog.String("component", "executor")),
		now:      time.Now,
		sleep:    sleepCtx,
	}
}

// SetClock replaces time.Now.
func (g *Gateway) SetClock(now func() time.Time) { g.now = now }

// Dedup exposes the gateway's duplicate-order filter.
func (g *Gateway) Dedup() *Dedup { return g.dedup }

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func dedupKey(symbol string, side domain.OrderSide) string {
	return strings.ToUpper(symbol) + ":" + string(side)
}

// Buy opens a position worth notional quote units in symbol. The position is
// appended to the ledger only after the fill is seen in order history. If it
// is not seen within the verification budget Buy returns
// ErrVerificationTimeout and the ledger is not touched.
func (g *Gateway) Buy(ctx context.Context, symbol string, notional float64) (domain.Position, error) {
	symbol = strings.ToUpper(symbol)
	log := g.logger.With(slog.String("symbol", symbol), slog.String("side", "BUY"))

	if notional <= 0 {
		return domain.Position{}, fmt.Errorf("executor: buy %s: notional %.4f: %w", symbol, notional, domain.ErrInvalidOrder)
	}

	quote, err := g.exchange.GetBalance(ctx, g.cfg.QuoteAsset)
	if err != nil {
		return domain.Position{}, fmt.Errorf("executor: buy %s: quote balance: %w", symbol, err)
	}
	if quote.Free < notional {
		return domain.Position{}, fmt.Errorf("executor: buy %s: have %.4f %s, need %.4f: %w",
			symbol, quote.Free, g.cfg.QuoteAsset, notional, domain.ErrInsufficientBalance)
	}

	price, err := g.exchange.GetPrice(ctx, symbol)
	if err != nil {
		return domain.Position{}, fmt.Errorf("executor: buy %s: price: %w", symbol, err)
	}
	qty := notional / price

	key := dedupKey(symbol, domain.OrderSideBuy)
	if g.dedup.IsDuplicate(key) {
		return domain.Position{}, fmt.Errorf("executor: buy %s: %w", symbol, domain.ErrDuplicateOrder)
	}

	ack, err := g.exchange.SubmitOrder(ctx, domain.OrderRequest{
		Symbol:        symbol,
		Side:          domain.OrderSideBuy,
		Type:          domain.OrderTypeMarket,
		Quantity:      qty,
		ClientOrderID: uuid.NewString(),
	})
	if err != nil {
		var rej *domain.OrderRejectedError
		if errors.As(err, &rej) {
			g.dedup.Forget(key)
			log.WarnContext(ctx, "executor: buy rejected", slog.String("reason", rej.Reason))
		}
		return domain.Position{}, fmt.Errorf("executor: buy %s: submit: %w", symbol, err)
	}
	g.metrics.OrderSubmitted(string(domain.OrderSideBuy))
	log = log.With(slog.String("order_id", ack.OrderID))
	log.InfoContext(ctx, "executor: buy submitted",
		slog.Float64("quantity", qty),
		slog.Float64("quote_price", price),
	)

	fill, err := g.awaitFill(ctx, symbol, ack.OrderID, domain.OrderSideBuy)
	if err != nil {
		g.metrics.VerificationTimeout(string(domain.OrderSideBuy))
		log.ErrorContext(ctx, "executor: buy not confirmed, ledger untouched", slog.String("error", err.Error()))
		return domain.Position{}, fmt.Errorf("executor: buy %s: %w", symbol, err)
	}
	g.metrics.FillConfirmed(string(domain.OrderSideBuy))

	entry := price
	if fill.Price > 0 {
		entry = fill.Price
	}
	filledQty := qty
	if fill.Quantity > 0 {
		filledQty = fill.Quantity
	}

	now := g.now().UTC()
	pos := domain.Position{
		ID:              uuid.NewString(),
		Symbol:          symbol,
		Quantity:        filledQty,
		InitialQuantity: filledQty,
		EntryPrice:      entry,
		OpenedAt:        now,
		Status:          domain.PositionStatusOpen,
		OrderID:         ack.OrderID,
		Verification:    domain.VerificationConfirmed,
		LastVerifiedAt:  &now,
		HighestPrice:    entry,
		Source:          domain.SourceGateway,
	}
	g.cfg.Plan.Apply(&pos)

	err = g.ledger.Update(ctx, func(snap *domain.Snapshot) error {
		if snap.FindOpen(symbol) >= 0 {
			// Another writer opened the symbol meanwhile. The holding is
			// real, so merge it into the existing position.
			i := snap.FindOpen(symbol)
			existing := &snap.Open[i]
			total := existing.Quantity + pos.Quantity
			existing.EntryPrice = (existing.EntryPrice*existing.Quantity + pos.EntryPrice*pos.Quantity) / total
			existing.Quantity = total
			existing.InitialQuantity += pos.Quantity
			pos = *existing
			return nil
		}
		snap.Open = append(snap.Open, pos)
		return nil
	})
	if err != nil {
		return domain.Position{}, fmt.Errorf("executor: buy %s: ledger: %w", symbol, err)
	}

	log.InfoContext(ctx, "executor: position opened",
		slog.String("position_id", pos.ID),
		slog.Float64("entry_price", pos.EntryPrice),
		slog.Float64("quantity", pos.Quantity),
	)
	g.audit.Position(ctx, "position_opened", pos, nil)
	g.notify(ctx, "position_opened", "Position opened",
		fmt.Sprintf("Bought %s %.6f @ %.6f (%.2f %s)", symbol, pos.Quantity, pos.EntryPrice, notional, g.cfg.QuoteAsset))
	return pos, nil
}

// Sell closes pos in full with reason. On confirmation the position is
// closed in the ledger and the symbol's cooldown starts.
func (g *Gateway) Sell(ctx context.Context, pos domain.Position, reason domain.CloseReason) error {
	fill, qty, err := g.sell(ctx, pos, pos.Quantity, reason)
	if err != nil {
		return err
	}

	price := fill.Price
	if price <= 0 {
		price, _ = g.exchange.GetPrice(ctx, pos.Symbol)
	}

	var closed domain.Position
	err = g.ledger.Update(ctx, func(snap *domain.Snapshot) error {
		i := snap.FindOpenByID(pos.ID)
		if i < 0 {
			return fmt.Errorf("position %s: %w", pos.ID, domain.ErrNotFound)
		}
		p := &snap.Open[i]
		p.Close(reason, price, g.now())
		p.Exits = append(p.Exits, domain.PartialExit{
			OrderID: fill.OrderID, Quantity: qty, Price: price, At: g.now().UTC(), Reason: reason,
		})
		closed = *p
		snap.CloseAt(i)
		return nil
	})
	if err != nil {
		return fmt.Errorf("executor: sell %s: ledger: %w", pos.Symbol, err)
	}

	g.closed(ctx, closed, qty, reason)
	return nil
}

// closed runs the bookkeeping that follows a committed full close.
func (g *Gateway) closed(ctx context.Context, closed domain.Position, qty float64, reason domain.CloseReason) {
	if g.exits != nil {
		g.exits.RecordExit(ctx, closed.Symbol)
	}
	g.metrics.PositionClosed(string(reason))

	g.logger.InfoContext(ctx, "executor: position closed",
		slog.String("symbol", closed.Symbol),
		slog.String("position_id", closed.ID),
		slog.String("reason", string(reason)),
		slog.Float64("close_price", closed.ClosePrice),
		slog.Float64("realized_pnl", closed.RealizedPnL),
	)
	g.audit.Position(ctx, "position_closed", closed, nil)
	g.notify(ctx, "position_closed", "Position closed",
		fmt.Sprintf("Sold %s %.6f @ %.6f (%s) PnL %.4f %s (%+.2f%%)",
			closed.Symbol, qty, closed.ClosePrice, reason, closed.RealizedPnL, g.cfg.QuoteAsset, closed.ChangePct(closed.ClosePrice)))
}

// exhaustedRatio is the remaining share of a position below which a partial
// sell is treated as having sold everything.
const exhaustedRatio = 1e-6

// SellPartial sells qty of pos and keeps it OPEN with the reduced quantity.
// Selling everything that remains is a full close, including a partial sell
// whose actual fill or capped quantity left nothing behind.
func (g *Gateway) SellPartial(ctx context.Context, pos domain.Position, qty float64, reason domain.CloseReason) error {
	if qty <= 0 {
		return fmt.Errorf("executor: partial sell %s: quantity %.8f: %w", pos.Symbol, qty, domain.ErrInvalidOrder)
	}
	if qty >= pos.Quantity {
		return g.Sell(ctx, pos, reason)
	}

	fill, sold, err := g.sell(ctx, pos, qty, reason)
	if err != nil {
		return err
	}
	price := fill.Price
	if price <= 0 {
		price, _ = g.exchange.GetPrice(ctx, pos.Symbol)
	}

	var (
		updated   domain.Position
		exhausted bool
	)
	err = g.ledger.Update(ctx, func(snap *domain.Snapshot) error {
		i := snap.FindOpenByID(pos.ID)
		if i < 0 {
			return fmt.Errorf("position %s: %w", pos.ID, domain.ErrNotFound)
		}
		p := &snap.Open[i]
		if price > 0 {
			p.RealizedPnL += (price - p.EntryPrice) * sold
		}
		p.Quantity -= sold
		p.Exits = append(p.Exits, domain.PartialExit{
			OrderID: fill.OrderID, Quantity: sold, Price: price, At: g.now().UTC(), Reason: reason,
		})
		if p.Quantity <= pos.Quantity*exhaustedRatio {
			exhausted = true
			p.Quantity = 0
			p.Close(reason, price, g.now())
			updated = *p
			snap.CloseAt(i)
			return nil
		}
		updated = *p
		return nil
	})
	if err != nil {
		return fmt.Errorf("executor: partial sell %s: ledger: %w", pos.Symbol, err)
	}
	if exhausted {
		g.closed(ctx, updated, sold, reason)
		return nil
	}

	g.logger.InfoContext(ctx, "executor: partial exit",
		slog.String("symbol", pos.Symbol),
		slog.String("position_id", pos.ID),
		slog.Float64("sold", sold),
		slog.Float64("remaining", updated.Quantity),
		slog.Float64("price", price),
	)
	g.audit.Position(ctx, "partial_exit", updated, map[string]any{"sold": sold, "price": price})
	g.notify(ctx, "target_hit", "Take-profit partial exit",
		fmt.Sprintf("Sold %.6f %s @ %.6f, %.6f remaining", sold, pos.Symbol, price, updated.Quantity))
	return nil
}

// sell submits a market sell and waits for its fill. The quantity is capped
// at the free base balance when that balance is within BalanceTolerance of
// the request, which absorbs fees taken in the base asset.
func (g *Gateway) sell(ctx context.Context, pos domain.Position, qty float64, reason domain.CloseReason) (domain.Fill, float64, error) {
	symbol := pos.Symbol
	log := g.logger.With(
		slog.String("symbol", symbol),
		slog.String("side", "SELL"),
		slog.String("reason", string(reason)),
	)

	base := domain.BaseAsset(symbol, g.cfg.QuoteAsset)
	bal, err := g.exchange.GetBalance(ctx, base)
	if err != nil {
		return domain.Fill{}, 0, fmt.Errorf("executor: sell %s: balance: %w", symbol, err)
	}
	if bal.Free < qty {
		if bal.Free < qty*g.cfg.BalanceTolerance {
			return domain.Fill{}, 0, fmt.Errorf("executor: sell %s: free %.8f of %.8f %s: %w",
				symbol, bal.Free, qty, base, domain.ErrInsufficientBalance)
		}
		log.InfoContext(ctx, "executor: selling available balance",
			slog.Float64("requested", qty),
			slog.Float64("available", bal.Free),
		)
		qty = bal.Free
	}

	key := dedupKey(symbol, domain.OrderSideSell)
	if g.dedup.IsDuplicate(key) {
		return domain.Fill{}, 0, fmt.Errorf("executor: sell %s: %w", symbol, domain.ErrDuplicateOrder)
	}

	ack, err := g.exchange.SubmitOrder(ctx, domain.OrderRequest{
		Symbol:        symbol,
		Side:          domain.OrderSideSell,
		Type:          domain.OrderTypeMarket,
		Quantity:      qty,
		ClientOrderID: uuid.NewString(),
	})
	if err != nil {
		var rej *domain.OrderRejectedError
		if errors.As(err, &rej) {
			g.dedup.Forget(key)
			log.WarnContext(ctx, "executor: sell rejected", slog.String("reason", rej.Reason))
		}
		return domain.Fill{}, 0, fmt.Errorf("executor: sell %s: submit: %w", symbol, err)
	}
	g.metrics.OrderSubmitted(string(domain.OrderSideSell))
	log.InfoContext(ctx, "executor: sell submitted",
		slog.String("order_id", ack.OrderID),
		slog.Float64("quantity", qty),
	)

	fill, err := g.awaitFill(ctx, symbol, ack.OrderID, domain.OrderSideSell)
	if err != nil {
		g.metrics.VerificationTimeout(string(domain.OrderSideSell))
		log.ErrorContext(ctx, "executor: sell not confirmed, ledger untouched",
			slog.String("order_id", ack.OrderID),
			slog.String("error", err.Error()),
		)
		return domain.Fill{}, 0, fmt.Errorf("executor: sell %s: %w", symbol, err)
	}
	g.metrics.FillConfirmed(string(domain.OrderSideSell))
	// A sell is one-shot per position; clear the key so the next position in
	// this symbol is not blocked.
	g.dedup.Forget(key)

	if fill.Quantity > 0 && math.Abs(fill.Quantity-qty) > qty*0.01 {
		log.WarnContext(ctx, "executor: fill quantity differs from request",
			slog.Float64("requested", qty),
			slog.Float64("filled", fill.Quantity),
		)
		qty = fill.Quantity
	}
	return fill, qty, nil
}

// awaitFill polls order history VerifyAttempts times, VerifyDelay apart,
// for orderID on side. Fills of one order are aggregated.
func (g *Gateway) awaitFill(ctx context.Context, symbol, orderID string, side domain.OrderSide) (domain.Fill, error) {
	var lastErr error
	for attempt := 1; attempt <= g.cfg.VerifyAttempts; attempt++ {
		if err := g.sleep(ctx, g.cfg.VerifyDelay); err != nil {
			return domain.Fill{}, err
		}

		fills, err := g.exchange.GetOrderHistory(ctx, symbol, g.cfg.HistoryLimit)
		if err != nil {
			lastErr = err
			g.logger.DebugContext(ctx, "executor: order history poll failed",
				slog.String("symbol", symbol),
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)
			continue
		}
		if fill, ok := matchFill(fills, orderID, side); ok {
			return fill, nil
		}
	}
	if lastErr != nil {
		return domain.Fill{}, fmt.Errorf("order %s after %d polls: %w (last error: %v)",
			orderID, g.cfg.VerifyAttempts, domain.ErrVerificationTimeout, lastErr)
	}
	return domain.Fill{}, fmt.Errorf("order %s after %d polls: %w", orderID, g.cfg.VerifyAttempts, domain.ErrVerificationTimeout)
}

// matchFill aggregates every fill of orderID on side into one volume
// weighted fill.
func matchFill(fills []domain.Fill, orderID string, side domain.OrderSide) (domain.Fill, bool) {
	var out domain.Fill
	var notional float64
	found := false
	for _, f := range fills {
		if f.OrderID != orderID || (f.Side != "" && f.Side != side) {
			continue
		}
		if !found {
			out = f
			out.Quantity = 0
			out.Fee = 0
			found = true
		}
		out.Quantity += f.Quantity
		out.Fee += f.Fee
		notional += f.Price * f.Quantity
		if f.Time.After(out.Time) {
			out.Time = f.Time
		}
	}
	if found && out.Quantity > 0 {
		out.Price = notional / out.Quantity
	}
	return out, found
}

func (g *Gateway) notify(ctx context.Context, event, title, msg string) {
	if g.notifier == nil {
		return
	}
	if err := g.notifier.Send(ctx, event, title, msg); err != nil {
		g.logger.WarnContext(ctx, "executor: notify failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}
