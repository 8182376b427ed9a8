// Package diversify holds the single authority on which symbols may be
// opened: one position per symbol, a concurrency cap, a deny list and
// post-exit cooldowns.
package diversify

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/alanyoungcy/spotbot/internal/domain"
)

// Rejection reasons returned by IsAllowed.
const (
	ReasonDenied     = "deny-listed"
	ReasonActive     = "position already open"
	ReasonCapReached = "concurrency cap reached"
	ReasonCooldown   = "cooling down"
	ReasonUnknown    = "ledger unavailable"
)

// Config holds the guard's limits.
type Config struct {
	MaxOpen          int
	Cooldown         time.Duration
	DenyList         []string
	PriorityPool     []string
	QuoteAsset       string
	MinQuoteVolume   float64
	MinPositionValue float64
}

// Guard enforces diversification rules against the ledger.
type Guard struct {
	cfg       Config
	ledger    domain.Ledger
	cooldowns domain.CooldownStore
	exchange  domain.Exchange
	deny      map[string]bool
	logger    *slog.Logger

	trend         domain.Indicator
	klineInterval string
	klineLimit    int

	mu  sync.Mutex
	rng *rand.Rand
	now func() time.Time
}

// NewGuard creates a Guard. exchange may be nil, in which case the
// exchange-wide fallback scan is disabled.
func NewGuard(
	cfg Config,
	ledger domain.Ledger,
	cooldowns domain.CooldownStore,
	exchange domain.Exchange,
	logger *slog.Logger,
) *Guard {
	deny := make(map[string]bool, len(cfg.DenyList))
	for _, s := range cfg.DenyList {
		deny[strings.ToUpper(s)] = true
	}
	if cfg.QuoteAsset == "" {
		cfg.QuoteAsset = "USDT"
	}
	return &Guard{
		cfg:       cfg,
		ledger:    ledger,
		cooldowns: cooldowns,
		exchange:  exchange,
		deny:      deny,
		logger:    logger.With(slog.String("component", "diversify")),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		now:       time.Now,
	}
}

// SetRand replaces the sampling source. Tests use it for determinism.
func (g *Guard) SetRand(r *rand.Rand) {
	g.mu.Lock()
	g.rng = r
	g.mu.Unlock()
}

// SetTrendFilter makes SelectCandidates classify each eligible symbol from
// its recent klines. Downtrending symbols are skipped and the random sample
// favours confident uptrends. It needs an exchange.
func (g *Guard) SetTrendFilter(ind domain.Indicator, interval string, limit int) {
	g.trend = ind
	g.klineInterval = interval
	g.klineLimit = limit
}

// SetClock replaces time.Now.
func (g *Guard) SetClock(now func() time.Time) { g.now = now }

// MaxOpen returns the concurrency cap.
func (g *Guard) MaxOpen() int { return g.cfg.MaxOpen }

// IsAllowed reports whether a new position in symbol may be opened now and,
// if not, why.
func (g *Guard) IsAllowed(ctx context.Context, symbol string) (bool, string) {
	symbol = strings.ToUpper(symbol)
	if g.deny[symbol] {
		return false, ReasonDenied
	}

	snap, err := g.ledger.Load(ctx)
	if err != nil {
		g.logger.WarnContext(ctx, "diversify: ledger load failed",
			slog.String("symbol", symbol),
			slog.String("error", err.Error()),
		)
		return false, ReasonUnknown
	}
	if snap.FindOpen(symbol) >= 0 {
		return false, ReasonActive
	}
	if g.countSlots(snap) >= g.cfg.MaxOpen {
		return false, ReasonCapReached
	}
	if remaining := g.cooldownRemaining(ctx, symbol); remaining > 0 {
		return false, fmt.Sprintf("%s (%s left)", ReasonCooldown, remaining.Round(time.Second))
	}
	return true, ""
}

// FreeSlots returns how many more positions fit under the cap.
func (g *Guard) FreeSlots(snap domain.Snapshot) int {
	free := g.cfg.MaxOpen - g.countSlots(snap)
	if free < 0 {
		return 0
	}
	return free
}

// countSlots counts OPEN positions. Every one of them holds a slot,
// however small.
func (g *Guard) countSlots(snap domain.Snapshot) int {
	return len(snap.Open)
}

// RecordExit starts the cooldown window for symbol.
func (g *Guard) RecordExit(ctx context.Context, symbol string) {
	symbol = strings.ToUpper(symbol)
	until := g.now().Add(g.cfg.Cooldown)
	if err := g.cooldowns.SetCooldown(ctx, symbol, until); err != nil {
		g.logger.WarnContext(ctx, "diversify: record cooldown failed",
			slog.String("symbol", symbol),
			slog.String("error", err.Error()),
		)
		return
	}
	g.logger.InfoContext(ctx, "diversify: cooldown started",
		slog.String("symbol", symbol),
		slog.Time("until", until),
	)
}

func (g *Guard) cooldownRemaining(ctx context.Context, symbol string) time.Duration {
	until, err := g.cooldowns.CooldownUntil(ctx, symbol)
	if err != nil {
		// An unreadable cooldown is treated as active.
		g.logger.WarnContext(ctx, "diversify: cooldown lookup failed",
			slog.String("symbol", symbol),
			slog.String("error", err.Error()),
		)
		return g.cfg.Cooldown
	}
	if until.IsZero() {
		return 0
	}
	return until.Sub(g.now())
}

// SelectCandidates returns up to n symbols eligible for a new position. It
// samples the pool at random after filtering active, deny-listed and
// cooling-down symbols, and tops up from an exchange-wide liquidity scan when
// the pool runs dry. With a trend filter the sample skips downtrends and is
// weighted by trend. A nil pool uses the configured priority pool.
func (g *Guard) SelectCandidates(ctx context.Context, pool []string, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}
	if pool == nil {
		pool = g.cfg.PriorityPool
	}

	snap, err := g.ledger.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("diversify: select candidates: %w", err)
	}
	active := snap.ActiveSymbols()

	seen := make(map[string]bool)
	eligible := g.filter(ctx, pool, active, seen)
	picked := g.sample(g.score(ctx, eligible), n)

	if len(picked) < n && g.exchange != nil {
		extra, err := g.scan(ctx, active, seen)
		if err != nil {
			g.logger.WarnContext(ctx, "diversify: liquidity scan failed",
				slog.String("error", err.Error()),
			)
		} else {
			picked = append(picked, g.sample(g.score(ctx, extra), n-len(picked))...)
		}
	}
	return picked, nil
}

func (g *Guard) filter(ctx context.Context, pool []string, active, seen map[string]bool) []string {
	out := make([]string, 0, len(pool))
	for _, s := range pool {
		s = strings.ToUpper(s)
		if seen[s] {
			continue
		}
		seen[s] = true
		if g.deny[s] || active[s] {
			continue
		}
		if g.cooldownRemaining(ctx, s) > 0 {
			continue
		}
		out = append(out, s)
	}
	return out
}

func (g *Guard) scan(ctx context.Context, active, seen map[string]bool) ([]string, error) {
	tickers, err := g.exchange.Get24hTickers(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(tickers, func(i, j int) bool { return tickers[i].QuoteVolume > tickers[j].QuoteVolume })

	var liquid []string
	for _, t := range tickers {
		if !strings.HasSuffix(t.Symbol, g.cfg.QuoteAsset) || t.QuoteVolume < g.cfg.MinQuoteVolume {
			continue
		}
		liquid = append(liquid, t.Symbol)
	}
	return g.filter(ctx, liquid, active, seen), nil
}

// candidate is an eligible symbol with its sampling weight.
type candidate struct {
	symbol string
	weight float64
}

// score weights symbols by trend. Without a filter every weight is 1. A
// symbol whose klines cannot be read keeps weight 1; a downtrend is dropped.
func (g *Guard) score(ctx context.Context, symbols []string) []candidate {
	out := make([]candidate, 0, len(symbols))
	for _, s := range symbols {
		c := candidate{symbol: s, weight: 1}
		if g.trend != nil && g.exchange != nil {
			klines, err := g.exchange.GetKlines(ctx, s, g.klineInterval, g.klineLimit)
			if err != nil {
				g.logger.DebugContext(ctx, "diversify: klines unavailable, trend unscored",
					slog.String("symbol", s),
					slog.String("error", err.Error()),
				)
				out = append(out, c)
				continue
			}
			closes := make([]float64, len(klines))
			for i, k := range klines {
				closes[i] = k.Close
			}
			t := g.trend.Classify(closes)
			if t.Direction == domain.TrendDown {
				g.logger.DebugContext(ctx, "diversify: skipping downtrend",
					slog.String("symbol", s),
					slog.Float64("confidence", t.Confidence),
				)
				continue
			}
			if t.Direction == domain.TrendUp {
				c.weight += t.Confidence
			}
		}
		out = append(out, c)
	}
	return out
}

// sample draws n symbols without replacement, each with probability
// proportional to its weight (Efraimidis-Spirakis keys).
func (g *Guard) sample(cands []candidate, n int) []string {
	if len(cands) <= n {
		out := make([]string, len(cands))
		for i, c := range cands {
			out[i] = c.symbol
		}
		return out
	}

	type keyed struct {
		symbol string
		key    float64
	}
	keys := make([]keyed, len(cands))
	g.mu.Lock()
	for i, c := range cands {
		keys[i] = keyed{symbol: c.symbol, key: math.Pow(g.rng.Float64(), 1/c.weight)}
	}
	g.mu.Unlock()
	sort.Slice(keys, func(i, j int) bool { return keys[i].key > keys[j].key })

	out := make([]string, n)
	for i := range out {
		out[i] = keys[i].symbol
	}
	return out
}

// CooldownInfo describes one symbol's remaining cooldown.
type CooldownInfo struct {
	Symbol    string        `json:"symbol"`
	Until     time.Time     `json:"until"`
	Remaining time.Duration `json:"remaining_ns"`
}

// Status summarises diversification state for operators. Dust lists open
// positions whose entry value is below MinPositionValue; they still hold a
// slot.
type Status struct {
	ActiveSymbols []string       `json:"active_symbols"`
	OpenCount     int            `json:"open_count"`
	SlotsUsed     int            `json:"slots_used"`
	MaxOpen       int            `json:"max_open"`
	Dust          []string       `json:"dust,omitempty"`
	Cooling       []CooldownInfo `json:"cooling"`
}

// Status reports active symbols and cooldowns that have not yet expired.
func (g *Guard) Status(ctx context.Context) (Status, error) {
	snap, err := g.ledger.Load(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("diversify: status: %w", err)
	}
	st := Status{
		OpenCount: len(snap.Open),
		SlotsUsed: g.countSlots(snap),
		MaxOpen:   g.cfg.MaxOpen,
	}
	for _, p := range snap.Open {
		st.ActiveSymbols = append(st.ActiveSymbols, p.Symbol)
		if p.Notional() < g.cfg.MinPositionValue {
			st.Dust = append(st.Dust, p.Symbol)
		}
	}
	sort.Strings(st.ActiveSymbols)
	sort.Strings(st.Dust)

	all, err := g.cooldowns.ListCooldowns(ctx)
	if err != nil {
		return st, fmt.Errorf("diversify: list cooldowns: %w", err)
	}
	now := g.now()
	for sym, until := range all {
		if rem := until.Sub(now); rem > 0 {
			st.Cooling = append(st.Cooling, CooldownInfo{Symbol: sym, Until: until, Remaining: rem})
		}
	}
	sort.Slice(st.Cooling, func(i, j int) bool { return st.Cooling[i].Symbol < st.Cooling[j].Symbol })
	return st, nil
}
