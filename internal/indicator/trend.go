// Package indicator classifies close-price series for the exit engine.
package indicator

import (
	"math"

	"github.com/alanyoungcy/spotbot/internal/domain"
)

// Config holds indicator periods and thresholds. Zero values take the
// defaults noted on each field.
type Config struct {
	FastPeriod int     // 5
	SlowPeriod int     // 20
	RSIPeriod  int     // 14
	Overbought float64 // 70
	// FlatPct is the EMA spread, as a fraction of price, under which the
	// trend is sideways. Default 0.001.
	FlatPct float64
	// StretchPct is the distance above the slow EMA, as a fraction, that
	// counts as an overextended move. Default 0.05.
	StretchPct float64
}

// EMATrend implements domain.Indicator with fast/slow exponential moving
// averages, RSI and Bollinger bands.
type EMATrend struct {
	cfg Config
}

// New creates an EMATrend with defaults applied.
func New(cfg Config) *EMATrend {
	if cfg.FastPeriod <= 0 {
		cfg.FastPeriod = 5
	}
	if cfg.SlowPeriod <= cfg.FastPeriod {
		cfg.SlowPeriod = 20
		if cfg.SlowPeriod <= cfg.FastPeriod {
			cfg.SlowPeriod = cfg.FastPeriod * 4
		}
	}
	if cfg.RSIPeriod <= 0 {
		cfg.RSIPeriod = 14
	}
	if cfg.Overbought <= 0 {
		cfg.Overbought = 70
	}
	if cfg.FlatPct <= 0 {
		cfg.FlatPct = 0.001
	}
	if cfg.StretchPct <= 0 {
		cfg.StretchPct = 0.05
	}
	return &EMATrend{cfg: cfg}
}

var _ domain.Indicator = (*EMATrend)(nil)

// Classify votes on price above fast EMA, price above slow EMA and fast EMA
// above slow EMA. Confidence is the share of agreeing votes. A flat EMA
// spread is sideways, more confident the tighter the recent range.
func (e *EMATrend) Classify(closes []float64) domain.Trend {
	if len(closes) < e.cfg.SlowPeriod {
		return domain.Trend{Direction: domain.TrendSideways}
	}
	price := closes[len(closes)-1]
	if price <= 0 {
		return domain.Trend{Direction: domain.TrendSideways}
	}
	fast := last(EMA(closes, e.cfg.FastPeriod))
	slow := last(EMA(closes, e.cfg.SlowPeriod))

	if math.Abs(fast-slow)/price < e.cfg.FlatPct {
		window := e.cfg.FastPeriod * 2
		if window > len(closes) {
			window = len(closes)
		}
		lo, hi := minMax(closes[len(closes)-window:])
		spread := (hi - lo) / price
		return domain.Trend{Direction: domain.TrendSideways, Confidence: 1 - math.Min(spread*10, 1)}
	}

	up := 0
	for _, v := range []bool{price > fast, price > slow, fast > slow} {
		if v {
			up++
		}
	}
	if up >= 2 {
		return domain.Trend{Direction: domain.TrendUp, Confidence: float64(up) / 3}
	}
	return domain.Trend{Direction: domain.TrendDown, Confidence: float64(3-up) / 3}
}

// Reversal reports a likely top: the series is overbought (RSI above the
// threshold or close above the upper Bollinger band) and either momentum
// has turned negative or price is stretched far above the slow EMA after
// an uptrend.
func (e *EMATrend) Reversal(closes []float64) bool {
	if len(closes) < e.cfg.SlowPeriod+1 {
		return false
	}
	price := closes[len(closes)-1]

	_, upper := Bollinger(closes, e.cfg.SlowPeriod, 2)
	overbought := RSI(closes, e.cfg.RSIPeriod) > e.cfg.Overbought || price > upper
	if !overbought {
		return false
	}

	slow := last(EMA(closes, e.cfg.SlowPeriod))
	stretched := slow > 0 && price/slow-1 > e.cfg.StretchPct && trendWasUp(closes, e.cfg.SlowPeriod)
	return momentumTurned(closes) || stretched
}

// EMA returns the exponential moving average series seeded with the first
// value.
func EMA(values []float64, period int) []float64 {
	if len(values) == 0 || period <= 0 {
		return nil
	}
	k := 2 / float64(period+1)
	out := make([]float64, len(values))
	out[0] = values[0]
	for i := 1; i < len(values); i++ {
		out[i] = values[i]*k + out[i-1]*(1-k)
	}
	return out
}

// RSI returns Wilder's relative strength index over the last period changes.
// It is 50 when the series is too short and 100 when there were no losses.
func RSI(values []float64, period int) float64 {
	if len(values) <= period || period <= 0 {
		return 50
	}
	var gain, loss float64
	for i := 1; i <= period; i++ {
		d := values[i] - values[i-1]
		if d > 0 {
			gain += d
		} else {
			loss -= d
		}
	}
	gain /= float64(period)
	loss /= float64(period)
	for i := period + 1; i < len(values); i++ {
		d := values[i] - values[i-1]
		g, l := 0.0, 0.0
		if d > 0 {
			g = d
		} else {
			l = -d
		}
		gain = (gain*float64(period-1) + g) / float64(period)
		loss = (loss*float64(period-1) + l) / float64(period)
	}
	if loss == 0 {
		return 100
	}
	rs := gain / loss
	return 100 - 100/(1+rs)
}

// Bollinger returns the lower and upper bands over the last period values.
func Bollinger(values []float64, period int, width float64) (lower, upper float64) {
	if len(values) < period || period <= 0 {
		return 0, math.Inf(1)
	}
	window := values[len(values)-period:]
	var sum float64
	for _, v := range window {
		sum += v
	}
	mean := sum / float64(period)
	var sq float64
	for _, v := range window {
		sq += (v - mean) * (v - mean)
	}
	std := math.Sqrt(sq / float64(period))
	return mean - width*std, mean + width*std
}

// momentumTurned reports rising momentum over the three changes before the
// last two, followed by a net fall over the last two.
func momentumTurned(closes []float64) bool {
	n := len(closes)
	if n < 6 {
		return false
	}
	before := closes[n-3] - closes[n-6]
	now := closes[n-1] - closes[n-3]
	return before > 0 && now < 0
}

// trendWasUp compares the start and midpoint of the trailing window.
func trendWasUp(closes []float64, period int) bool {
	n := len(closes)
	if n < period {
		return false
	}
	start := closes[n-period]
	mid := closes[n-period/2]
	return mid > start
}

func last(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	return values[len(values)-1]
}

func minMax(values []float64) (float64, float64) {
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, v := range values {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	return lo, hi
}
