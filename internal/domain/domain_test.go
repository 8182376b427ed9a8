package domain

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDurationJSON(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
	}{
		{`"4h"`, 4 * time.Hour},
		{`"90s"`, 90 * time.Second},
		{`14400`, 4 * time.Hour},
		{`1.5`, 1500 * time.Millisecond},
		{`""`, 0},
		{`null`, 0},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			var d Duration
			require.NoError(t, json.Unmarshal([]byte(tt.in), &d))
			assert.Equal(t, tt.want, d.Duration)
		})
	}

	var d Duration
	assert.Error(t, json.Unmarshal([]byte(`"soon"`), &d))
	assert.Error(t, json.Unmarshal([]byte(`true`), &d))

	out, err := json.Marshal(Duration{Duration: 4 * time.Hour})
	require.NoError(t, err)
	assert.Equal(t, `"4h0m0s"`, string(out))
}

func TestPositionClose(t *testing.T) {
	p := Position{Symbol: "BTCUSDT", Quantity: 2, EntryPrice: 100, Status: PositionStatusOpen, RealizedPnL: 5}
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.FixedZone("x", 3600))

	p.Close(CloseReasonStopLoss, 90, at)

	assert.False(t, p.IsOpen())
	assert.Equal(t, CloseReasonStopLoss, p.CloseReason)
	assert.Equal(t, 90.0, p.ClosePrice)
	require.NotNil(t, p.ClosedAt)
	assert.Equal(t, time.UTC, p.ClosedAt.Location())
	assert.InDelta(t, 5-20, p.RealizedPnL, 1e-9)

	phantom := Position{Quantity: 1, EntryPrice: 100}
	phantom.Close(CloseReasonPhantom, 0, at)
	assert.Zero(t, phantom.RealizedPnL)
}

func TestPositionTargets(t *testing.T) {
	p := Position{EntryPrice: 200}
	assert.False(t, p.AllTargetsHit())
	assert.Equal(t, -1, p.NextTarget())
	assert.InDelta(t, 5.0, p.ChangePct(210), 1e-9)

	ExitPlan{Targets: []TakeProfitTarget{{ThresholdPct: 1}, {ThresholdPct: 2}}}.Apply(&p)
	assert.Equal(t, 0, p.NextTarget())
	p.TakeProfitTargets[0].Hit = true
	assert.Equal(t, 1, p.NextTarget())
	p.TakeProfitTargets[1].Hit = true
	assert.True(t, p.AllTargetsHit())

	assert.Equal(t, "BTC", BaseAsset("btcusdt", "USDT"))
}

func TestSnapshotClone(t *testing.T) {
	s := Snapshot{
		Open: []Position{{ID: "a", Symbol: "AUSDT", TakeProfitTargets: []TakeProfitTarget{{ThresholdPct: 1}}}},
	}
	c := s.Clone()
	c.Open[0].TakeProfitTargets[0].Hit = true
	c.Open[0].Symbol = "BUSDT"

	assert.False(t, s.Open[0].TakeProfitTargets[0].Hit)
	assert.Equal(t, "AUSDT", s.Open[0].Symbol)
	assert.NotNil(t, c.Closed)
}

func TestSnapshotCloseAt(t *testing.T) {
	s := Snapshot{Open: []Position{{ID: "a", Symbol: "AUSDT"}, {ID: "b", Symbol: "BUSDT"}}}
	assert.Equal(t, 1, s.FindOpen("BUSDT"))
	assert.Equal(t, 0, s.FindOpenByID("a"))
	assert.Equal(t, -1, s.FindOpen("CUSDT"))

	s.CloseAt(0)
	require.Len(t, s.Open, 1)
	require.Len(t, s.Closed, 1)
	assert.Equal(t, PositionStatusClosed, s.Closed[0].Status)
	assert.Equal(t, map[string]bool{"BUSDT": true}, s.ActiveSymbols())
}
