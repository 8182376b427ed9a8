package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// PositionStatus tracks whether a position is open or closed.
type PositionStatus string

const (
	PositionStatusOpen   PositionStatus = "OPEN"
	PositionStatusClosed PositionStatus = "CLOSED"
)

// VerificationState records what the exchange has corroborated about a
// locally recorded position.
type VerificationState string

const (
	VerificationUnverified VerificationState = "UNVERIFIED"
	VerificationConfirmed  VerificationState = "CONFIRMED"
	VerificationPhantom    VerificationState = "PHANTOM"
)

// CloseReason explains why a position left the OPEN state.
type CloseReason string

const (
	CloseReasonStopLoss      CloseReason = "STOP_LOSS"
	CloseReasonMaxHoldTime   CloseReason = "MAX_HOLD_TIME"
	CloseReasonTrailingStop  CloseReason = "TRAILING_STOP"
	CloseReasonTrendReversal CloseReason = "TREND_REVERSAL"
	CloseReasonAllTargetsHit CloseReason = "ALL_TARGETS_HIT"
	CloseReasonPhantom       CloseReason = "PHANTOM"
	CloseReasonForceSell     CloseReason = "FORCE_SELL"
	CloseReasonDuplicate     CloseReason = "DUPLICATE"
	// CloseReasonTargetPartial only appears on partial exits; the position
	// itself stays OPEN.
	CloseReasonTargetPartial CloseReason = "TARGET_PARTIAL"
)

// Position sources.
const (
	SourceGateway  = "gateway"
	SourceRestored = "restored"
)

// TakeProfitTarget is one rung of the take-profit ladder. ThresholdPct is a
// percentage gain over entry (1.0 means +1%). Share is the fraction of the
// initial quantity sold when the rung is hit and partial exits are enabled.
type TakeProfitTarget struct {
	ThresholdPct float64    `json:"threshold_pct"`
	Share        float64    `json:"share,omitempty"`
	Hit          bool       `json:"hit"`
	HitAt        *time.Time `json:"hit_at,omitempty"`
	HitPrice     float64    `json:"hit_price,omitempty"`
}

// PartialExit records a confirmed sell that reduced a position without
// closing it.
type PartialExit struct {
	OrderID  string      `json:"order_id"`
	Quantity float64     `json:"quantity"`
	Price    float64     `json:"price"`
	At       time.Time   `json:"at"`
	Reason   CloseReason `json:"reason"`
}

// Position is one open or closed directional holding tracked by the ledger.
type Position struct {
	ID                string             `json:"id"`
	Symbol            string             `json:"symbol"`
	Quantity          float64            `json:"quantity"`
	InitialQuantity   float64            `json:"initial_quantity,omitempty"`
	EntryPrice        float64            `json:"entry_price"`
	OpenedAt          time.Time          `json:"opened_at"`
	Status            PositionStatus     `json:"status"`
	TakeProfitTargets []TakeProfitTarget `json:"take_profit_targets"`
	StopLossPct       float64            `json:"stop_loss_pct"`
	TrailingPct       float64            `json:"trailing_pct,omitempty"`
	MaxHold           Duration           `json:"max_hold_duration"`
	OrderID           string             `json:"order_id"`
	Verification      VerificationState  `json:"verification_state"`
	LastVerifiedAt    *time.Time         `json:"last_verified_at,omitempty"`
	CloseReason       CloseReason        `json:"close_reason,omitempty"`
	ClosePrice        float64            `json:"close_price,omitempty"`
	ClosedAt          *time.Time         `json:"closed_at,omitempty"`
	HighestPrice      float64            `json:"highest_price,omitempty"`
	RealizedPnL       float64            `json:"realized_pnl,omitempty"`
	Exits             []PartialExit      `json:"exits,omitempty"`
	Source            string             `json:"source,omitempty"`
}

// IsOpen reports whether the position is still held.
func (p Position) IsOpen() bool {
	return p.Status == PositionStatusOpen
}

// Notional returns quantity times entry price.
func (p Position) Notional() float64 {
	return p.Quantity * p.EntryPrice
}

// ChangePct returns the percentage change of price relative to entry.
func (p Position) ChangePct(price float64) float64 {
	if p.EntryPrice <= 0 {
		return 0
	}
	return (price - p.EntryPrice) / p.EntryPrice * 100
}

// NextTarget returns the index of the first unhit take-profit target, or -1
// when every target has been hit.
func (p Position) NextTarget() int {
	for i, t := range p.TakeProfitTargets {
		if !t.Hit {
			return i
		}
	}
	return -1
}

// AllTargetsHit reports whether every take-profit rung has been hit. A
// position without targets never satisfies it.
func (p Position) AllTargetsHit() bool {
	return len(p.TakeProfitTargets) > 0 && p.NextTarget() == -1
}

// BaseAsset strips the quote asset suffix from the symbol ("BTCUSDT" ->
// "BTC").
func BaseAsset(symbol, quote string) string {
	return strings.TrimSuffix(strings.ToUpper(symbol), strings.ToUpper(quote))
}

// Close transitions the position to CLOSED. It stamps the close fields and
// computes realized PnL over the remaining quantity.
func (p *Position) Close(reason CloseReason, price float64, at time.Time) {
	p.Status = PositionStatusClosed
	p.CloseReason = reason
	p.ClosePrice = price
	t := at.UTC()
	p.ClosedAt = &t
	if price > 0 && p.EntryPrice > 0 {
		p.RealizedPnL += (price - p.EntryPrice) * p.Quantity
	}
}

// Duration is a time.Duration that marshals to and from Go duration strings
// ("4h0m0s") in JSON and TOML. Plain numbers are read as seconds.
type Duration struct {
	time.Duration
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Duration.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch x := v.(type) {
	case nil:
		d.Duration = 0
	case float64:
		d.Duration = time.Duration(x * float64(time.Second))
	case string:
		if x == "" {
			d.Duration = 0
			return nil
		}
		parsed, err := time.ParseDuration(x)
		if err != nil {
			return fmt.Errorf("domain: parse duration %q: %w", x, err)
		}
		d.Duration = parsed
	default:
		return fmt.Errorf("domain: invalid duration %v", v)
	}
	return nil
}

// UnmarshalText lets TOML decode "4h" directly into a Duration.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ExitPlan is the exit configuration stamped onto every new position.
type ExitPlan struct {
	Targets     []TakeProfitTarget
	StopLossPct float64
	TrailingPct float64
	MaxHold     time.Duration
}

// Apply copies the plan onto p. Targets are copied so positions never share
// a backing array.
func (e ExitPlan) Apply(p *Position) {
	p.TakeProfitTargets = make([]TakeProfitTarget, len(e.Targets))
	for i, t := range e.Targets {
		p.TakeProfitTargets[i] = TakeProfitTarget{ThresholdPct: t.ThresholdPct, Share: t.Share}
	}
	p.StopLossPct = e.StopLossPct
	p.TrailingPct = e.TrailingPct
	p.MaxHold = Duration{Duration: e.MaxHold}
}
