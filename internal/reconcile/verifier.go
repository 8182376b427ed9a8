// Package reconcile decides whether locally recorded positions are backed by
// exchange evidence and closes the ones that are not.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/spotbot/internal/audit"
	"github.com/alanyoungcy/spotbot/internal/domain"
)

const defaultHistoryLimit = 100

// Config controls verification and orphan restore.
type Config struct {
	QuoteAsset       string
	HistoryLimit     int
	MaxOpen          int
	MinPositionValue float64
	Plan             domain.ExitPlan
}

// Verifier checks OPEN positions against the exchange.
type Verifier struct {
	cfg      Config
	ledger   domain.Ledger
	exchange domain.Exchange
	notifier domain.Notifier
	audit    *audit.Recorder
	logger   *slog.Logger
	now      func() time.Time
}

// NewVerifier creates a Verifier. notifier and rec may be nil.
func NewVerifier(
	cfg Config,
	ledger domain.Ledger,
	exchange domain.Exchange,
	notifier domain.Notifier,
	rec *audit.Recorder,
	logger *slog.Logger,
) *Verifier {
	if cfg.QuoteAsset == "" {
		cfg.QuoteAsset = "USDT"
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = defaultHistoryLimit
	}
	return &Verifier{
		cfg:      cfg,
		ledger:   ledger,
		exchange: exchange,
		notifier: notifier,
		audit:    rec,
		logger:   logger.With(slog.String("component", "reconcile")),
		now:      time.Now,
	}
}

// SetClock replaces time.Now.
func (v *Verifier) SetClock(now func() time.Time) { v.now = now }

// Verify reports whether the exchange corroborates pos. Probes run in order
// (order history, open orders, base balance) and stop at the first positive
// answer. A probe that fails is unknown, not negative: if any probe failed
// and none confirmed, Verify returns false with ErrTransientNetwork.
func (v *Verifier) Verify(ctx context.Context, pos domain.Position) (bool, error) {
	var probeErrs []error

	if pos.OrderID != "" {
		fills, err := v.exchange.GetOrderHistory(ctx, pos.Symbol, v.cfg.HistoryLimit)
		if err != nil {
			probeErrs = append(probeErrs, fmt.Errorf("order history: %w", err))
		} else {
			for _, f := range fills {
				if f.OrderID == pos.OrderID {
					return true, nil
				}
			}
		}

		orders, err := v.exchange.GetOpenOrders(ctx, pos.Symbol)
		if err != nil {
			probeErrs = append(probeErrs, fmt.Errorf("open orders: %w", err))
		} else {
			for _, o := range orders {
				if o.OrderID == pos.OrderID {
					return true, nil
				}
			}
		}
	}

	base := domain.BaseAsset(pos.Symbol, v.cfg.QuoteAsset)
	bal, err := v.exchange.GetBalance(ctx, base)
	if err != nil {
		probeErrs = append(probeErrs, fmt.Errorf("balance %s: %w", base, err))
	} else if bal.Total() > 0 {
		return true, nil
	}

	if len(probeErrs) > 0 {
		return false, fmt.Errorf("reconcile: verify %s: %w: %w",
			pos.Symbol, domain.ErrTransientNetwork, errors.Join(probeErrs...))
	}
	return false, nil
}

// Report summarises one reconciliation pass.
type Report struct {
	Checked    int      `json:"checked"`
	Confirmed  []string `json:"confirmed"`
	Phantom    []string `json:"phantom"`
	Unknown    []string `json:"unknown"`
	Duplicates []string `json:"duplicates"`
}

type outcome int

const (
	outcomeUnknown outcome = iota
	outcomeConfirmed
	outcomePhantom
)

// ReconcileAll verifies every OPEN position. Confirmed positions are stamped
// CONFIRMED; positions with definite negative evidence are closed as PHANTOM
// at their entry price with zero PnL and no sell. Positions whose probes
// failed are left untouched. Running it twice against an unchanged exchange
// yields the same verification states.
func (v *Verifier) ReconcileAll(ctx context.Context) (Report, error) {
	var report Report

	dupes, err := v.CloseDuplicates(ctx)
	if err != nil {
		return report, err
	}
	report.Duplicates = dupes

	snap, err := v.ledger.Load(ctx)
	if err != nil {
		return report, fmt.Errorf("reconcile: load: %w", err)
	}
	open := snap.Open

	results := make(map[string]outcome, len(open))
	for _, pos := range open {
		if ctx.Err() != nil {
			break
		}
		report.Checked++
		ok, err := v.Verify(ctx, pos)
		switch {
		case ok:
			results[pos.ID] = outcomeConfirmed
		case err != nil:
			report.Unknown = append(report.Unknown, pos.Symbol)
			v.logger.WarnContext(ctx, "reconcile: verification inconclusive",
				slog.String("symbol", pos.Symbol),
				slog.String("position_id", pos.ID),
				slog.String("error", err.Error()),
			)
		default:
			results[pos.ID] = outcomePhantom
		}
	}

	var phantoms []domain.Position
	now := v.now().UTC()
	if len(results) > 0 {
		err = v.ledger.Update(ctx, func(s *domain.Snapshot) error {
			phantoms = phantoms[:0]
			for i := 0; i < len(s.Open); {
				p := &s.Open[i]
				switch results[p.ID] {
				case outcomeConfirmed:
					p.Verification = domain.VerificationConfirmed
					t := now
					p.LastVerifiedAt = &t
				case outcomePhantom:
					p.Close(domain.CloseReasonPhantom, p.EntryPrice, now)
					p.Verification = domain.VerificationPhantom
					p.RealizedPnL = 0
					phantoms = append(phantoms, *p)
					s.CloseAt(i)
					continue
				}
				i++
			}
			return nil
		})
		if err != nil {
			return report, fmt.Errorf("reconcile: commit: %w", err)
		}
	}

	for id, o := range results {
		if o != outcomeConfirmed {
			continue
		}
		for _, p := range open {
			if p.ID == id {
				report.Confirmed = append(report.Confirmed, p.Symbol)
			}
		}
	}
	sort.Strings(report.Confirmed)

	for _, p := range phantoms {
		report.Phantom = append(report.Phantom, p.Symbol)
		v.logger.WarnContext(ctx, "reconcile: phantom position closed",
			slog.String("symbol", p.Symbol),
			slog.String("position_id", p.ID),
			slog.String("order_id", p.OrderID),
		)
		v.audit.Position(ctx, "phantom_closed", p, nil)
		v.notify(ctx, "phantom_closed", "Phantom position closed",
			fmt.Sprintf("%s had no exchange evidence (order %s) and was closed locally without a sell.", p.Symbol, p.OrderID))
	}

	v.logger.InfoContext(ctx, "reconcile: pass complete",
		slog.Int("checked", report.Checked),
		slog.Int("confirmed", len(report.Confirmed)),
		slog.Int("phantom", len(report.Phantom)),
		slog.Int("unknown", len(report.Unknown)),
		slog.Int("duplicates", len(report.Duplicates)),
	)
	return report, nil
}

// CloseDuplicates enforces one OPEN position per symbol, keeping the newest
// and closing the others as DUPLICATE. It returns the affected symbols.
func (v *Verifier) CloseDuplicates(ctx context.Context) ([]string, error) {
	snap, err := v.ledger.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("reconcile: load: %w", err)
	}
	if !hasDuplicates(snap) {
		return nil, nil
	}

	var dupes []domain.Position
	err = v.ledger.Update(ctx, func(s *domain.Snapshot) error {
		dupes = v.closeDuplicates(s)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reconcile: close duplicates: %w", err)
	}

	symbols := make([]string, 0, len(dupes))
	for _, d := range dupes {
		symbols = append(symbols, d.Symbol)
		v.logger.WarnContext(ctx, "reconcile: duplicate position closed",
			slog.String("symbol", d.Symbol),
			slog.String("position_id", d.ID),
		)
		v.audit.Position(ctx, "duplicate_closed", d, nil)
	}
	return symbols, nil
}

func hasDuplicates(snap domain.Snapshot) bool {
	seen := make(map[string]bool, len(snap.Open))
	for _, p := range snap.Open {
		if seen[p.Symbol] {
			return true
		}
		seen[p.Symbol] = true
	}
	return false
}

// closeDuplicates keeps only the newest OPEN position per symbol and closes
// the rest as DUPLICATE at entry price.
func (v *Verifier) closeDuplicates(snap *domain.Snapshot) []domain.Position {
	newest := make(map[string]int, len(snap.Open))
	for i, p := range snap.Open {
		j, ok := newest[p.Symbol]
		if !ok || p.OpenedAt.After(snap.Open[j].OpenedAt) {
			newest[p.Symbol] = i
		}
	}
	if len(newest) == len(snap.Open) {
		return nil
	}

	keep := make(map[string]string, len(newest))
	for sym, i := range newest {
		keep[sym] = snap.Open[i].ID
	}

	now := v.now().UTC()
	var closed []domain.Position
	for i := 0; i < len(snap.Open); {
		p := &snap.Open[i]
		if keep[p.Symbol] == p.ID {
			i++
			continue
		}
		p.Close(domain.CloseReasonDuplicate, p.EntryPrice, now)
		closed = append(closed, *p)
		snap.CloseAt(i)
	}
	return closed
}

// RestoreOrphans adopts exchange balances that have no OPEN position. Each
// non-quote asset worth at least MinPositionValue becomes an OPEN, CONFIRMED
// position at the current price, up to the concurrency cap.
func (v *Verifier) RestoreOrphans(ctx context.Context) ([]domain.Position, error) {
	balances, err := v.exchange.GetBalances(ctx)
	if err != nil {
		return nil, fmt.Errorf("reconcile: restore orphans: %w", err)
	}

	snap, err := v.ledger.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("reconcile: restore orphans: %w", err)
	}
	active := snap.ActiveSymbols()

	var candidates []domain.Position
	for _, b := range balances {
		asset := strings.ToUpper(b.Asset)
		if asset == v.cfg.QuoteAsset || b.Total() <= 0 {
			continue
		}
		symbol := asset + v.cfg.QuoteAsset
		if active[symbol] {
			continue
		}
		price, err := v.exchange.GetPrice(ctx, symbol)
		if err != nil {
			v.logger.DebugContext(ctx, "reconcile: orphan without price",
				slog.String("symbol", symbol),
				slog.String("error", err.Error()),
			)
			continue
		}
		if b.Total()*price < v.cfg.MinPositionValue {
			continue
		}
		now := v.now().UTC()
		pos := domain.Position{
			ID:              uuid.NewString(),
			Symbol:          symbol,
			Quantity:        b.Total(),
			InitialQuantity: b.Total(),
			EntryPrice:      price,
			OpenedAt:        now,
			Status:          domain.PositionStatusOpen,
			Verification:    domain.VerificationConfirmed,
			LastVerifiedAt:  &now,
			HighestPrice:    price,
			Source:          domain.SourceRestored,
		}
		v.cfg.Plan.Apply(&pos)
		candidates = append(candidates, pos)
	}

	var restored []domain.Position
	err = v.ledger.Update(ctx, func(snap *domain.Snapshot) error {
		restored = restored[:0]
		for _, pos := range candidates {
			if v.cfg.MaxOpen > 0 && len(snap.Open) >= v.cfg.MaxOpen {
				break
			}
			if snap.FindOpen(pos.Symbol) >= 0 {
				continue
			}
			snap.Open = append(snap.Open, pos)
			restored = append(restored, pos)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reconcile: restore orphans: %w", err)
	}

	for _, p := range restored {
		v.logger.InfoContext(ctx, "reconcile: orphan balance restored",
			slog.String("symbol", p.Symbol),
			slog.Float64("quantity", p.Quantity),
			slog.Float64("price", p.EntryPrice),
		)
		v.audit.Position(ctx, "orphan_restored", p, nil)
	}
	return restored, nil
}

func (v *Verifier) notify(ctx context.Context, event, title, msg string) {
	if v.notifier == nil {
		return
	}
	if err := v.notifier.Send(ctx, event, title, msg); err != nil {
		v.logger.WarnContext(ctx, "reconcile: notify failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}
