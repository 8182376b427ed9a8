// Package report builds the daily performance summary and sends it as a
// notification at a fixed hour.
package report

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/alanyoungcy/spotbot/internal/domain"
	"github.com/alanyoungcy/spotbot/internal/notify"
)

// Holding is an open position valued at the current price.
type Holding struct {
	Symbol     string  `json:"symbol"`
	EntryPrice float64 `json:"entry_price"`
	Price      float64 `json:"price"`
	ChangePct  float64 `json:"change_pct"`
}

// Summary covers positions closed in a window plus the current holdings.
type Summary struct {
	From        time.Time `json:"from"`
	To          time.Time `json:"to"`
	Trades      int       `json:"trades"`
	Profitable  int       `json:"profitable"`
	RealizedPnL float64   `json:"realized_pnl"`
	// ReturnPct sums per-trade percentage returns, weighted equally.
	ReturnPct float64   `json:"return_pct"`
	Balance   float64   `json:"balance"`
	Open      []Holding `json:"open"`
}

// WinRate returns the share of profitable trades in percent.
func (s Summary) WinRate() float64 {
	if s.Trades == 0 {
		return 0
	}
	return float64(s.Profitable) / float64(s.Trades) * 100
}

// Reporter builds summaries from the ledger and exchange.
type Reporter struct {
	ledger   domain.Ledger
	exchange domain.Exchange
	notifier domain.Notifier
	quote    string
	logger   *slog.Logger
	now      func() time.Time
}

// NewReporter creates a Reporter. notifier may be nil, in which case Run
// only logs.
func NewReporter(ledger domain.Ledger, exchange domain.Exchange, notifier domain.Notifier, quote string, logger *slog.Logger) *Reporter {
	if quote == "" {
		quote = "USDT"
	}
	return &Reporter{
		ledger:   ledger,
		exchange: exchange,
		notifier: notifier,
		quote:    quote,
		logger:   logger.With(slog.String("component", "report")),
		now:      time.Now,
	}
}

// SetClock replaces time.Now.
func (r *Reporter) SetClock(now func() time.Time) { r.now = now }

// Build summarises trades closed in the 24 hours before now. Phantom and
// duplicate closures are bookkeeping, not trades, and are left out. Exchange
// failures degrade the summary instead of failing it.
func (r *Reporter) Build(ctx context.Context) (Summary, error) {
	snap, err := r.ledger.Load(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("report: load ledger: %w", err)
	}

	to := r.now().UTC()
	sum := Summary{From: to.Add(-24 * time.Hour), To: to}

	for _, p := range snap.Closed {
		if p.ClosedAt == nil || p.ClosedAt.Before(sum.From) || p.ClosedAt.After(to) {
			continue
		}
		if p.CloseReason == domain.CloseReasonPhantom || p.CloseReason == domain.CloseReasonDuplicate {
			continue
		}
		sum.Trades++
		sum.RealizedPnL += p.RealizedPnL
		if p.RealizedPnL > 0 {
			sum.Profitable++
		}
		if cost := p.EntryPrice * initialQty(p); cost > 0 {
			sum.ReturnPct += p.RealizedPnL / cost * 100
		}
	}

	if bal, err := r.exchange.GetBalance(ctx, r.quote); err != nil {
		r.logger.WarnContext(ctx, "report: balance unavailable", slog.String("error", err.Error()))
	} else {
		sum.Balance = bal.Free
	}

	for _, p := range snap.Open {
		h := Holding{Symbol: p.Symbol, EntryPrice: p.EntryPrice}
		if price, err := r.exchange.GetPrice(ctx, p.Symbol); err == nil {
			h.Price = price
			h.ChangePct = p.ChangePct(price)
		}
		sum.Open = append(sum.Open, h)
	}
	sort.Slice(sum.Open, func(i, j int) bool { return sum.Open[i].Symbol < sum.Open[j].Symbol })

	return sum, nil
}

func initialQty(p domain.Position) float64 {
	if p.InitialQuantity > 0 {
		return p.InitialQuantity
	}
	return p.Quantity
}

// Format renders s as the notification body.
func Format(s Summary, quote string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Trades: %d\n", s.Trades)
	fmt.Fprintf(&b, "Profitable: %d (%.1f%%)\n", s.Profitable, s.WinRate())
	fmt.Fprintf(&b, "Losing: %d\n", s.Trades-s.Profitable)
	fmt.Fprintf(&b, "Realized PnL: %+.4f %s (%+.2f%%)\n", s.RealizedPnL, quote, s.ReturnPct)
	if s.Balance > 0 {
		fmt.Fprintf(&b, "Balance: %.2f %s\n", s.Balance, quote)
	}
	if len(s.Open) > 0 {
		b.WriteString("\nOpen positions:\n")
		for _, h := range s.Open {
			if h.Price > 0 {
				fmt.Fprintf(&b, "• %s entry %g now %g (%+.2f%%)\n", h.Symbol, h.EntryPrice, h.Price, h.ChangePct)
			} else {
				fmt.Fprintf(&b, "• %s entry %g (price unavailable)\n", h.Symbol, h.EntryPrice)
			}
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// Send builds a summary and delivers it.
func (r *Reporter) Send(ctx context.Context) error {
	s, err := r.Build(ctx)
	if err != nil {
		return err
	}
	r.logger.InfoContext(ctx, "report: daily summary",
		slog.Int("trades", s.Trades),
		slog.Int("profitable", s.Profitable),
		slog.Float64("realized_pnl", s.RealizedPnL),
	)
	if r.notifier == nil {
		return nil
	}
	if err := r.notifier.Send(ctx, notify.EventDailySummary, "Daily summary", Format(s, r.quote)); err != nil {
		return fmt.Errorf("report: send: %w", err)
	}
	return nil
}

// Run sends a summary every day at hour (local time of the clock) until ctx
// is cancelled. A negative hour disables the loop.
func (r *Reporter) Run(ctx context.Context, hour int) error {
	if hour < 0 {
		return nil
	}
	for {
		wait := NextRun(r.now(), hour).Sub(r.now())
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
		if err := r.Send(ctx); err != nil {
			r.logger.WarnContext(ctx, "report: daily summary failed", slog.String("error", err.Error()))
		}
	}
}

// NextRun returns the next time after now whose clock hour is hour, on the
// hour.
func NextRun(now time.Time, hour int) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, 0, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}
