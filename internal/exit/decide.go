// Package exit evaluates OPEN positions against their exit rules and applies
// the resulting sells through the execution gateway.
package exit

import (
	"time"

	"github.com/alanyoungcy/spotbot/internal/domain"
)

// Action is what the engine should do with a position this cycle.
type Action int

const (
	ActionHold Action = iota
	ActionClose
	ActionPartial
)

func (a Action) String() string {
	switch a {
	case ActionClose:
		return "close"
	case ActionPartial:
		return "partial"
	default:
		return "hold"
	}
}

// Decision is the outcome of evaluating one position at one price.
type Decision struct {
	Action Action
	Reason domain.CloseReason
	// SellQty is set for ActionPartial.
	SellQty float64
	// NewHits lists target indexes crossed by this evaluation.
	NewHits []int
	// Position carries the updated highest price and target hits.
	Position domain.Position
}

// Options tunes Decide.
type Options struct {
	PartialExits bool
}

// Decide applies the exit rules to pos at price. Rules are checked in a fixed
// order and the first match wins:
//
//  1. stop loss
//  2. max hold time
//  3. trailing stop (only while above entry)
//  4. trend reversal (only while above entry)
//  5. take-profit ladder
//
// The highest observed price is updated before any rule runs. Decide does
// not mutate pos.
func Decide(pos domain.Position, price float64, now time.Time, reversal bool, opts Options) Decision {
	p := pos
	p.TakeProfitTargets = append([]domain.TakeProfitTarget(nil), pos.TakeProfitTargets...)
	if price > p.HighestPrice {
		p.HighestPrice = price
	}
	d := Decision{Action: ActionHold, Position: p}

	if p.StopLossPct < 0 && price <= p.EntryPrice*(1+p.StopLossPct/100) {
		return d.close(domain.CloseReasonStopLoss)
	}

	if p.MaxHold.Duration > 0 && !p.OpenedAt.IsZero() && now.Sub(p.OpenedAt) >= p.MaxHold.Duration {
		return d.close(domain.CloseReasonMaxHoldTime)
	}

	if p.TrailingPct > 0 && p.HighestPrice > p.EntryPrice && price > p.EntryPrice &&
		price <= p.HighestPrice*(1-p.TrailingPct/100) {
		return d.close(domain.CloseReasonTrailingStop)
	}

	if reversal && price > p.EntryPrice {
		return d.close(domain.CloseReasonTrendReversal)
	}

	if p.AllTargetsHit() {
		// A previous close attempt failed after the last rung was hit.
		return d.close(domain.CloseReasonAllTargetsHit)
	}

	// Every rung the price has crossed is hit in this pass, so a gap over
	// several rungs sells their combined share at once.
	var share float64
	at := now.UTC()
	for i := p.NextTarget(); i >= 0 && i < len(p.TakeProfitTargets); i++ {
		t := &d.Position.TakeProfitTargets[i]
		if t.Hit {
			continue
		}
		if price < p.EntryPrice*(1+t.ThresholdPct/100) {
			break
		}
		t.Hit = true
		hitAt := at
		t.HitAt = &hitAt
		t.HitPrice = price
		share += t.Share
		d.NewHits = append(d.NewHits, i)
	}
	if len(d.NewHits) == 0 {
		return d
	}
	if d.Position.AllTargetsHit() {
		return d.close(domain.CloseReasonAllTargetsHit)
	}
	if opts.PartialExits && share > 0 {
		base := p.InitialQuantity
		if base <= 0 {
			base = p.Quantity
		}
		qty := base * share
		if qty >= p.Quantity {
			return d.close(domain.CloseReasonAllTargetsHit)
		}
		d.Action = ActionPartial
		d.Reason = domain.CloseReasonTargetPartial
		d.SellQty = qty
	}
	return d
}

func (d Decision) close(reason domain.CloseReason) Decision {
	d.Action = ActionClose
	d.Reason = reason
	return d
}
