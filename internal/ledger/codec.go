package ledger

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/spotbot/internal/domain"
)

// record is the on-disk shape of a position. It accepts the current field
// names as well as the aliases written by older versions of the bot.
type record struct {
	domain.Position

	LegacyOrderID  json.RawMessage `json:"orderId,omitempty"`
	Timestamp      *int64          `json:"timestamp,omitempty"`
	CloseTimestamp *int64          `json:"close_timestamp,omitempty"`
	APIConfirmed   *bool           `json:"api_confirmed,omitempty"`
	StopLoss       *float64        `json:"stop_loss,omitempty"`
	LegacyStatus   string          `json:"status,omitempty"`
	Targets        []targetRecord  `json:"take_profit_targets,omitempty"`
}

type targetRecord struct {
	domain.TakeProfitTarget
	Percent *float64 `json:"percent,omitempty"`
}

type fileShape struct {
	Open   []record `json:"open"`
	Closed []record `json:"closed"`
}

// decode parses either the {open, closed} document or the legacy flat list
// of records that each carry their own status.
func decode(data []byte) (domain.Snapshot, bool, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return domain.Snapshot{}, false, nil
	}

	switch trimmed[0] {
	case '[':
		var recs []record
		if err := json.Unmarshal(trimmed, &recs); err != nil {
			return domain.Snapshot{}, false, fmt.Errorf("ledger: decode legacy list: %w", err)
		}
		var snap domain.Snapshot
		for _, r := range recs {
			p := r.normalize()
			if p.Status == domain.PositionStatusOpen {
				snap.Open = append(snap.Open, p)
			} else {
				snap.Closed = append(snap.Closed, p)
			}
		}
		return snap, true, nil
	case '{':
		var doc fileShape
		if err := json.Unmarshal(trimmed, &doc); err != nil {
			return domain.Snapshot{}, false, fmt.Errorf("ledger: decode document: %w", err)
		}
		snap := domain.Snapshot{
			Open:   make([]domain.Position, 0, len(doc.Open)),
			Closed: make([]domain.Position, 0, len(doc.Closed)),
		}
		legacy := false
		for _, r := range doc.Open {
			legacy = legacy || r.isLegacy()
			p := r.normalize()
			p.Status = domain.PositionStatusOpen
			snap.Open = append(snap.Open, p)
		}
		for _, r := range doc.Closed {
			legacy = legacy || r.isLegacy()
			p := r.normalize()
			p.Status = domain.PositionStatusClosed
			snap.Closed = append(snap.Closed, p)
		}
		return snap, legacy, nil
	default:
		return domain.Snapshot{}, false, fmt.Errorf("ledger: unrecognised ledger encoding (starts with %q)", trimmed[0])
	}
}

func encode(snap domain.Snapshot) ([]byte, error) {
	doc := struct {
		Open   []domain.Position `json:"open"`
		Closed []domain.Position `json:"closed"`
	}{Open: snap.Open, Closed: snap.Closed}
	if doc.Open == nil {
		doc.Open = []domain.Position{}
	}
	if doc.Closed == nil {
		doc.Closed = []domain.Position{}
	}
	return json.MarshalIndent(doc, "", "  ")
}

func (r record) isLegacy() bool {
	return len(r.LegacyOrderID) > 0 || r.Timestamp != nil || r.CloseTimestamp != nil ||
		r.APIConfirmed != nil || r.StopLoss != nil
}

func (r record) normalize() domain.Position {
	p := r.Position

	// The embedded Position and record both claim "status" and
	// "take_profit_targets"; the outer fields win during decoding.
	p.Status = normalizeStatus(r.LegacyStatus)
	p.TakeProfitTargets = nil
	for _, t := range r.Targets {
		tp := t.TakeProfitTarget
		if tp.ThresholdPct == 0 && t.Percent != nil {
			tp.ThresholdPct = *t.Percent
		}
		p.TakeProfitTargets = append(p.TakeProfitTargets, tp)
	}

	if p.OrderID == "" && len(r.LegacyOrderID) > 0 {
		p.OrderID = rawID(r.LegacyOrderID)
	}
	if p.OpenedAt.IsZero() && r.Timestamp != nil {
		p.OpenedAt = msToTime(*r.Timestamp)
	}
	if p.ClosedAt == nil && r.CloseTimestamp != nil && *r.CloseTimestamp > 0 {
		t := msToTime(*r.CloseTimestamp)
		p.ClosedAt = &t
	}
	if p.Verification == "" {
		switch {
		case p.CloseReason == domain.CloseReasonPhantom || strings.EqualFold(string(p.CloseReason), "FAKE_TRADE"):
			p.Verification = domain.VerificationPhantom
			p.CloseReason = domain.CloseReasonPhantom
		case r.APIConfirmed != nil && *r.APIConfirmed:
			p.Verification = domain.VerificationConfirmed
		default:
			p.Verification = domain.VerificationUnverified
		}
	}
	if p.StopLossPct == 0 && r.StopLoss != nil {
		p.StopLossPct = stopLossPct(*r.StopLoss, p.EntryPrice)
	}
	if p.InitialQuantity == 0 {
		p.InitialQuantity = p.Quantity
	}
	p.CloseReason = normalizeReason(p.CloseReason)
	return p
}

func normalizeStatus(s string) domain.PositionStatus {
	if strings.EqualFold(s, "open") {
		return domain.PositionStatusOpen
	}
	return domain.PositionStatusClosed
}

// normalizeReason maps close reasons written by older versions onto the
// current set.
func normalizeReason(r domain.CloseReason) domain.CloseReason {
	switch strings.ToUpper(string(r)) {
	case "":
		return ""
	case "FAKE_TRADE":
		return domain.CloseReasonPhantom
	case "TARGET_REACHED", "ALL_TARGETS_HIT":
		return domain.CloseReasonAllTargetsHit
	case "MAX_HOLD_TIME":
		return domain.CloseReasonMaxHoldTime
	case "FORCE_SELL", "FORCED_SELL":
		return domain.CloseReasonForceSell
	default:
		return domain.CloseReason(strings.ToUpper(string(r)))
	}
}

// stopLossPct accepts either a negative percentage (-0.1) or an absolute
// stop price below entry.
func stopLossPct(v, entry float64) float64 {
	if v <= 0 {
		return v
	}
	if entry > 0 && v < entry {
		return (v/entry - 1) * 100
	}
	return 0
}

func rawID(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return strings.Trim(string(raw), `"`)
}

func msToTime(ms int64) time.Time {
	// Older files mixed seconds and milliseconds.
	if ms < 1e11 {
		return time.Unix(ms, 0).UTC()
	}
	return time.UnixMilli(ms).UTC()
}

func backupSuffix(t time.Time) string {
	return ".backup." + strconv.FormatInt(t.Unix(), 10)
}
