package indicator

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/alanyoungcy/spotbot/internal/domain"
)

func series(start, step float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = start + step*float64(i)
	}
	return out
}

func TestClassify(t *testing.T) {
	ind := New(Config{})

	tests := []struct {
		name       string
		closes     []float64
		direction  domain.TrendDirection
		confidence float64
	}{
		{"rising", series(100, 1, 41), domain.TrendUp, 1},
		{"falling", series(140, -1, 41), domain.TrendDown, 1},
		{"flat", series(50, 0, 30), domain.TrendSideways, 1},
		{"too short", series(100, 1, 5), domain.TrendSideways, 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := ind.Classify(tc.closes)
			assert.Equal(t, tc.direction, got.Direction)
			assert.InDelta(t, tc.confidence, got.Confidence, 1e-9)
		})
	}
}

func TestReversal(t *testing.T) {
	ind := New(Config{})

	turned := append(series(100, 1, 31), 129.5, 129)
	assert.True(t, ind.Reversal(turned), "overbought rally that turns down")

	assert.False(t, ind.Reversal(series(100, 0.1, 41)), "gentle steady rise")
	assert.False(t, ind.Reversal(series(140, -1, 41)), "downtrend")
	assert.False(t, ind.Reversal(series(100, 1, 10)), "too short")
}

func TestRSI(t *testing.T) {
	assert.Equal(t, 50.0, RSI([]float64{1, 2}, 14))
	assert.Equal(t, 100.0, RSI(series(1, 1, 20), 14))
	assert.Less(t, RSI(series(100, -1, 20), 14), 1.0)
}

func TestEMA(t *testing.T) {
	assert.Nil(t, EMA(nil, 5))
	got := EMA([]float64{10, 10, 10}, 3)
	assert.Equal(t, []float64{10, 10, 10}, got)

	got = EMA([]float64{0, 4}, 3) // k = 0.5
	assert.InDelta(t, 2.0, got[1], 1e-12)
}

func TestBollinger(t *testing.T) {
	lo, hi := Bollinger(series(5, 0, 20), 20, 2)
	assert.Equal(t, 5.0, lo)
	assert.Equal(t, 5.0, hi)
}
