package report

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

type captureNotifier struct {
	event, title, message string
}

func (c *captureNotifier) Send(_ context.Context, event, title, message string) error {
	c.event, c.title, c.message = event, title, message
	return nil
}

var now = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

func closed(symbol string, pnl float64, at time.Time, reason domain.CloseReason) domain.Position {
	t := at
	return domain.Position{
		Symbol:          symbol,
		Status:          domain.PositionStatusClosed,
		EntryPrice:      10,
		Quantity:        1,
		InitialQuantity: 1,
		RealizedPnL:     pnl,
		CloseReason:     reason,
		ClosedAt:        &t,
	}
}

func setup(t *testing.T) (*Reporter, *exchangetest.Fake, *captureNotifier) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := ledger.NewFileStore(filepath.Join(t.TempDir(), "trades.json"), logger)
	require.NoError(t, store.Update(context.Background(), func(s *domain.Snapshot) error {
		s.Closed = []domain.Position{
			closed("BTCUSDT", 0.5, now.Add(-time.Hour), domain.CloseReasonAllTargetsHit),
			closed("ETHUSDT", -0.1, now.Add(-2*time.Hour), domain.CloseReasonStopLoss),
			closed("SOLUSDT", 0, now.Add(-3*time.Hour), domain.CloseReasonPhantom),
			closed("XRPUSDT", 9, now.Add(-48*time.Hour), domain.CloseReasonAllTargetsHit),
		}
		s.Open = []domain.Position{
			{Symbol: "DOGEUSDT", Status: domain.PositionStatusOpen, EntryPrice: 0.2, Quantity: 100},
			{Symbol: "ADAUSDT", Status: domain.PositionStatusOpen, EntryPrice: 0.5, Quantity: 10},
		}
		return nil
	}))

	ex := exchangetest.New()
	ex.SetBalance("USDT", 250)
	ex.SetPrice("DOGEUSDT", 0.22)

	n := &captureNotifier{}
	r := NewReporter(store, ex, n, "USDT", logger)
	r.SetClock(func() time.Time { return now })
	return r, ex, n
}

func TestBuild(t *testing.T) {
	r, _, _ := setup(t)

	s, err := r.Build(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, s.Trades, "phantom and out-of-window closures excluded")
	assert.Equal(t, 1, s.Profitable)
	assert.InDelta(t, 0.4, s.RealizedPnL, 1e-9)
	assert.InDelta(t, 4.0, s.ReturnPct, 1e-9)
	assert.Equal(t, 50.0, s.WinRate())
	assert.Equal(t, 250.0, s.Balance)

	require.Len(t, s.Open, 2)
	assert.Equal(t, "ADAUSDT", s.Open[0].Symbol)
	assert.Zero(t, s.Open[0].Price, "unknown price left blank")
	assert.InDelta(t, 10.0, s.Open[1].ChangePct, 1e-9)
}

func TestBuildBalanceUnavailable(t *testing.T) {
	r, ex, _ := setup(t)
	ex.BalanceErr = errors.New("down")

	s, err := r.Build(context.Background())
	require.NoError(t, err)
	assert.Zero(t, s.Balance)
	assert.Equal(t, 2, s.Trades)
}

func TestSend(t *testing.T) {
	r, _, n := setup(t)

	require.NoError(t, r.Send(context.Background()))
	assert.Equal(t, "daily_summary", n.event)
	assert.Contains(t, n.message, "Trades: 2")
	assert.Contains(t, n.message, "Profitable: 1 (50.0%)")
	assert.Contains(t, n.message, "ADAUSDT entry 0.5 (price unavailable)")
	assert.Contains(t, n.message, "Balance: 250.00 USDT")
}

func TestNextRun(t *testing.T) {
	assert.Equal(t, time.Date(2026, 3, 10, 20, 0, 0, 0, time.UTC), NextRun(now, 20))
	assert.Equal(t, time.Date(2026, 3, 11, 9, 0, 0, 0, time.UTC), NextRun(now, 9), "exactly on the hour rolls to tomorrow")
	assert.Equal(t, time.Date(2026, 3, 11, 8, 0, 0, 0, time.UTC), NextRun(now, 8))
}

func TestRunDisabled(t *testing.T) {
	r, _, _ := setup(t)
	assert.NoError(t, r.Run(context.Background(), -1))
}
