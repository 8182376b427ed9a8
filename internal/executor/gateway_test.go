package executor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/spotbot/internal/domain"
	"github.com/alanyoungcy/spotbot/internal/exchangetest"
	"github.com/alanyoungcy/spotbot/internal/ledger"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type exitLog struct{ symbols []string }

func (e *exitLog) RecordExit(_ context.Context, symbol string) { e.symbols = append(e.symbols, symbol) }

type flakyNotifier struct{ sent []string }

func (f *flakyNotifier) Send(_ context.Context, event, _, _ string) error {
	f.sent = append(f.sent, event)
	return errors.New("telegram unreachable")
}

type fixture struct {
	ex       *exchangetest.Fake
	store    *ledger.FileStore
	exits    *exitLog
	notifier *flakyNotifier
	gw       *Gateway
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		ex:       exchangetest.New(),
		store:    ledger.NewFileStore(filepath.Join(t.TempDir(), "trades.json"), discard()),
		exits:    &exitLog{},
		notifier: &flakyNotifier{},
	}
	f.gw = NewGateway(Config{
		QuoteAsset:     "USDT",
		VerifyAttempts: 3,
		Plan: domain.ExitPlan{
			Targets:     []domain.TakeProfitTarget{{ThresholdPct: 5, Share: 0.5}, {ThresholdPct: 10, Share: 0.5}},
			StopLossPct: -3,
			MaxHold:     4 * time.Hour,
		},
	}, f.ex, f.store, f.exits, f.notifier, nil, nil, discard())
	return f
}

func (f *fixture) snapshot(t *testing.T) domain.Snapshot {
	t.Helper()
	snap, err := f.store.Load(context.Background())
	require.NoError(t, err)
	return snap
}

func TestBuy_ConfirmedFillOpensPosition(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.ex.AutoFill = true
	f.ex.FillAfter = 2
	f.ex.SetBalance("USDT", 100)
	f.ex.SetPrice("BTCUSDT", 50)

	pos, err := f.gw.Buy(context.Background(), "btcusdt", 20)
	require.NoError(t, err)
	assert.Equal(t, "BTCUSDT", pos.Symbol)
	assert.InDelta(t, 0.4, pos.Quantity, 1e-12)
	assert.Equal(t, 50.0, pos.EntryPrice)
	assert.Equal(t, domain.VerificationConfirmed, pos.Verification)
	assert.Len(t, pos.TakeProfitTargets, 2)
	assert.Equal(t, -3.0, pos.StopLossPct)

	snap := f.snapshot(t)
	require.Len(t, snap.Open, 1)
	assert.Equal(t, pos.ID, snap.Open[0].ID)
	// Notification failure does not fail the trade.
	assert.Equal(t, []string{"position_opened"}, f.notifier.sent)
}

func TestBuy_UnconfirmedFillLeavesLedgerUntouched(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.ex.SetBalance("USDT", 100)
	f.ex.SetPrice("BTCUSDT", 50)

	_, err := f.gw.Buy(context.Background(), "BTCUSDT", 20)
	assert.ErrorIs(t, err, domain.ErrVerificationTimeout)
	assert.Len(t, f.ex.Submitted, 1)
	assert.Empty(t, f.snapshot(t).Open)
	assert.Empty(t, f.notifier.sent)
}

func TestBuy_FillTooLate(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.ex.AutoFill = true
	f.ex.FillAfter = 3 // appears on the fourth poll, one past the budget
	f.ex.SetBalance("USDT", 100)
	f.ex.SetPrice("BTCUSDT", 50)

	_, err := f.gw.Buy(context.Background(), "BTCUSDT", 20)
	assert.ErrorIs(t, err, domain.ErrVerificationTimeout)
	assert.Empty(t, f.snapshot(t).Open)
}

func TestBuy_InsufficientBalance(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.ex.SetBalance("USDT", 5)
	f.ex.SetPrice("BTCUSDT", 50)

	_, err := f.gw.Buy(context.Background(), "BTCUSDT", 20)
	assert.ErrorIs(t, err, domain.ErrInsufficientBalance)
	assert.Empty(t, f.ex.Submitted)
}

func TestBuy_RejectedOrder(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.ex.SetBalance("USDT", 100)
	f.ex.SetPrice("BTCUSDT", 50)
	f.ex.SubmitErr = &domain.OrderRejectedError{Code: 30004, Reason: "insufficient position"}

	_, err := f.gw.Buy(context.Background(), "BTCUSDT", 20)
	assert.ErrorIs(t, err, domain.ErrOrderRejected)
	var rej *domain.OrderRejectedError
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, "insufficient position", rej.Reason)

	// A rejection releases the dedup key.
	assert.False(t, f.gw.Dedup().IsDuplicate("BTCUSDT:BUY"))
}

func TestBuy_DuplicateWithinWindow(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.ex.SetBalance("USDT", 100)
	f.ex.SetPrice("BTCUSDT", 50)

	_, err := f.gw.Buy(context.Background(), "BTCUSDT", 20)
	require.ErrorIs(t, err, domain.ErrVerificationTimeout)

	_, err = f.gw.Buy(context.Background(), "BTCUSDT", 20)
	assert.ErrorIs(t, err, domain.ErrDuplicateOrder)
	assert.Len(t, f.ex.Submitted, 1)
}

func openPosition(t *testing.T, f *fixture) domain.Position {
	t.Helper()
	f.ex.AutoFill = true
	f.ex.SetBalance("USDT", 1000)
	f.ex.SetPrice("ETHUSDT", 100)
	pos, err := f.gw.Buy(context.Background(), "ETHUSDT", 200)
	require.NoError(t, err)
	return pos
}

func TestSell_ClosesAndStartsCooldown(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	pos := openPosition(t, f)
	f.ex.SetPrice("ETHUSDT", 94)

	require.NoError(t, f.gw.Sell(context.Background(), pos, domain.CloseReasonStopLoss))

	snap := f.snapshot(t)
	assert.Empty(t, snap.Open)
	require.Len(t, snap.Closed, 1)
	c := snap.Closed[0]
	assert.Equal(t, domain.CloseReasonStopLoss, c.CloseReason)
	assert.Equal(t, 94.0, c.ClosePrice)
	assert.InDelta(t, -12.0, c.RealizedPnL, 1e-9)
	require.NotNil(t, c.ClosedAt)
	assert.Equal(t, []string{"ETHUSDT"}, f.exits.symbols)
}

func TestSell_UsesAvailableBalanceAfterFees(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	pos := openPosition(t, f)
	f.ex.SetBalance("ETH", 1.97) // 2 bought, fees took 1.5%

	require.NoError(t, f.gw.Sell(context.Background(), pos, domain.CloseReasonForceSell))
	last := f.ex.Submitted[len(f.ex.Submitted)-1]
	assert.Equal(t, domain.OrderSideSell, last.Side)
	assert.InDelta(t, 1.97, last.Quantity, 1e-12)
}

func TestSell_BalanceFarBelowQuantity(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	pos := openPosition(t, f)
	f.ex.SetBalance("ETH", 1)

	err := f.gw.Sell(context.Background(), pos, domain.CloseReasonStopLoss)
	assert.ErrorIs(t, err, domain.ErrInsufficientBalance)
	assert.Len(t, f.snapshot(t).Open, 1)
}

func TestSell_UnconfirmedKeepsPositionOpen(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	pos := openPosition(t, f)
	f.ex.AutoFill = false

	err := f.gw.Sell(context.Background(), pos, domain.CloseReasonStopLoss)
	assert.ErrorIs(t, err, domain.ErrVerificationTimeout)
	assert.Len(t, f.snapshot(t).Open, 1)
	assert.Empty(t, f.exits.symbols)
}

func TestSellPartial(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	pos := openPosition(t, f)
	f.ex.SetPrice("ETHUSDT", 105)

	require.NoError(t, f.gw.SellPartial(context.Background(), pos, 1, domain.CloseReasonTargetPartial))

	snap := f.snapshot(t)
	require.Len(t, snap.Open, 1)
	p := snap.Open[0]
	assert.InDelta(t, 1.0, p.Quantity, 1e-12)
	assert.InDelta(t, 2.0, p.InitialQuantity, 1e-12)
	assert.InDelta(t, 5.0, p.RealizedPnL, 1e-9)
	require.Len(t, p.Exits, 1)
	assert.Equal(t, domain.CloseReasonTargetPartial, p.Exits[0].Reason)
	assert.Empty(t, f.exits.symbols)

	// Selling the remainder closes the position.
	require.NoError(t, f.gw.SellPartial(context.Background(), p, 5, domain.CloseReasonAllTargetsHit))
	snap = f.snapshot(t)
	assert.Empty(t, snap.Open)
	require.Len(t, snap.Closed, 1)
	assert.InDelta(t, 10.0, snap.Closed[0].RealizedPnL, 1e-9)
}

func TestSellPartial_FillTakesEverythingCloses(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	pos := openPosition(t, f)
	f.ex.SetPrice("ETHUSDT", 105)

	// The exchange fills the whole holding for a one-unit request.
	f.ex.AutoFill = false
	f.ex.AddFill(domain.Fill{OrderID: "ord-2", Symbol: "ETHUSDT", Side: domain.OrderSideSell, Price: 105, Quantity: 2})

	require.NoError(t, f.gw.SellPartial(context.Background(), pos, 1, domain.CloseReasonTargetPartial))

	snap := f.snapshot(t)
	assert.Empty(t, snap.Open)
	require.Len(t, snap.Closed, 1)
	c := snap.Closed[0]
	assert.Equal(t, domain.PositionStatusClosed, c.Status)
	assert.Zero(t, c.Quantity)
	assert.InDelta(t, 10.0, c.RealizedPnL, 1e-9)
	assert.Equal(t, domain.CloseReasonTargetPartial, c.CloseReason)
	assert.Equal(t, []string{"ETHUSDT"}, f.exits.symbols)
	assert.Contains(t, f.notifier.sent, "position_closed")
}

func TestMatchFill_AggregatesPartialFills(t *testing.T) {
	t.Parallel()
	fills := []domain.Fill{
		{OrderID: "1", Side: domain.OrderSideBuy, Price: 10, Quantity: 1},
		{OrderID: "2", Side: domain.OrderSideBuy, Price: 99, Quantity: 1},
		{OrderID: "1", Side: domain.OrderSideBuy, Price: 12, Quantity: 1},
		{OrderID: "1", Side: domain.OrderSideSell, Price: 50, Quantity: 1},
	}
	f, ok := matchFill(fills, "1", domain.OrderSideBuy)
	require.True(t, ok)
	assert.InDelta(t, 2.0, f.Quantity, 1e-12)
	assert.InDelta(t, 11.0, f.Price, 1e-12)

	_, ok = matchFill(fills, "3", domain.OrderSideBuy)
	assert.False(t, ok)
}

func keys(d *Dedup) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.seen))
	for k := range d.seen {
		out = append(out, k)
	}
	return out
}

func TestDedup(t *testing.T) {
	t.Parallel()
	d := NewDedup(time.Minute)
	now := time.Unix(0, 0)
	d.now = func() time.Time { return now }

	assert.False(t, d.IsDuplicate("k"))
	assert.True(t, d.IsDuplicate("k"))
	now = now.Add(time.Minute)
	assert.False(t, d.IsDuplicate("k"))

	// Claiming another key sweeps the expired one.
	now = now.Add(2 * time.Minute)
	assert.False(t, d.IsDuplicate("other"))
	assert.Equal(t, []string{"other"}, keys(d))
}
