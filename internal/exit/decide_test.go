package exit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/spotbot/internal/domain"
)

var t0 = time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

func basePosition() domain.Position {
	return domain.Position{
		ID:              "p1",
		Symbol:          "BTCUSDT",
		Quantity:        2,
		InitialQuantity: 2,
		EntryPrice:      100,
		OpenedAt:        t0,
		Status:          domain.PositionStatusOpen,
		TakeProfitTargets: []domain.TakeProfitTarget{
			{ThresholdPct: 5, Share: 0.5},
			{ThresholdPct: 10, Share: 0.5},
		},
		StopLossPct:  -3,
		MaxHold:      domain.Duration{Duration: 4 * time.Hour},
		Verification: domain.VerificationConfirmed,
		HighestPrice: 100,
	}
}

func TestDecide_StopLoss(t *testing.T) {
	d := Decide(basePosition(), 94, t0.Add(time.Minute), false, Options{})
	assert.Equal(t, ActionClose, d.Action)
	assert.Equal(t, domain.CloseReasonStopLoss, d.Reason)

	d = Decide(basePosition(), 97, t0.Add(time.Minute), false, Options{})
	assert.Equal(t, domain.CloseReasonStopLoss, d.Reason, "boundary is inclusive")

	d = Decide(basePosition(), 97.5, t0.Add(time.Minute), false, Options{})
	assert.Equal(t, ActionHold, d.Action)
}

func TestDecide_TrailingStopAfterRetrace(t *testing.T) {
	pos := basePosition()
	pos.TrailingPct = 2

	d := Decide(pos, 106, t0.Add(time.Minute), false, Options{})
	require.Equal(t, ActionHold, d.Action)
	assert.Equal(t, 106.0, d.Position.HighestPrice)
	assert.True(t, d.Position.TakeProfitTargets[0].Hit)
	assert.Equal(t, []int{0}, d.NewHits)

	d = Decide(d.Position, 103, t0.Add(2*time.Minute), false, Options{})
	assert.Equal(t, ActionClose, d.Action)
	assert.Equal(t, domain.CloseReasonTrailingStop, d.Reason)
}

func TestDecide_TrailingInactiveBelowEntry(t *testing.T) {
	pos := basePosition()
	pos.TrailingPct = 2
	pos.HighestPrice = 106

	d := Decide(pos, 99, t0.Add(time.Minute), false, Options{})
	assert.Equal(t, ActionHold, d.Action)
}

func TestDecide_Precedence(t *testing.T) {
	late := t0.Add(5 * time.Hour)

	// Stop loss beats max hold.
	d := Decide(basePosition(), 90, late, true, Options{})
	assert.Equal(t, domain.CloseReasonStopLoss, d.Reason)

	// Max hold beats trailing and reversal.
	pos := basePosition()
	pos.TrailingPct = 1
	pos.HighestPrice = 110
	d = Decide(pos, 101, late, true, Options{})
	assert.Equal(t, domain.CloseReasonMaxHoldTime, d.Reason)

	// Trailing beats reversal.
	d = Decide(pos, 101, t0.Add(time.Hour), true, Options{})
	assert.Equal(t, domain.CloseReasonTrailingStop, d.Reason)

	// Reversal beats take-profit.
	d = Decide(basePosition(), 111, t0.Add(time.Hour), true, Options{})
	assert.Equal(t, domain.CloseReasonTrendReversal, d.Reason)
}

func TestDecide_ReversalOnlyInProfit(t *testing.T) {
	d := Decide(basePosition(), 99, t0.Add(time.Minute), true, Options{})
	assert.Equal(t, ActionHold, d.Action)
}

func TestDecide_LadderJumpClosesAll(t *testing.T) {
	d := Decide(basePosition(), 111, t0.Add(time.Minute), false, Options{PartialExits: true})
	assert.Equal(t, ActionClose, d.Action)
	assert.Equal(t, domain.CloseReasonAllTargetsHit, d.Reason)
	assert.Equal(t, []int{0, 1}, d.NewHits)
}

func TestDecide_PartialExit(t *testing.T) {
	pos := basePosition()
	d := Decide(pos, 106, t0.Add(time.Minute), false, Options{PartialExits: true})
	assert.Equal(t, ActionPartial, d.Action)
	assert.Equal(t, domain.CloseReasonTargetPartial, d.Reason)
	assert.InDelta(t, 1.0, d.SellQty, 1e-12)
	require.NotNil(t, d.Position.TakeProfitTargets[0].HitAt)
	assert.Equal(t, 106.0, d.Position.TakeProfitTargets[0].HitPrice)

	// The input is not mutated.
	assert.False(t, pos.TakeProfitTargets[0].Hit)
}

func TestDecide_AllTargetsAlreadyHit(t *testing.T) {
	pos := basePosition()
	pos.TakeProfitTargets[0].Hit = true
	pos.TakeProfitTargets[1].Hit = true

	d := Decide(pos, 101, t0.Add(time.Minute), false, Options{})
	assert.Equal(t, domain.CloseReasonAllTargetsHit, d.Reason)
}

func TestDecide_NoRulesConfigured(t *testing.T) {
	pos := basePosition()
	pos.StopLossPct = 0
	pos.MaxHold = domain.Duration{}
	pos.TakeProfitTargets = nil

	d := Decide(pos, 50, t0.Add(100*time.Hour), false, Options{})
	assert.Equal(t, ActionHold, d.Action)
}
