// Package audit journals ledger transitions to the audit store and the
// event bus. Both sinks are optional and best-effort.
package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/alanyoungcy/spotbot/internal/domain"
)

// Channel is the bus channel position events are published on.
const Channel = "positions"

// Recorder fans a ledger event out to the configured sinks. A nil Recorder
// is valid and records nothing.
type Recorder struct {
	store   domain.AuditStore
	bus     domain.EventPublisher
	journal domain.PositionJournal
	logger  *slog.Logger
}

// NewRecorder creates a Recorder. store and bus may be nil.
func NewRecorder(store domain.AuditStore, bus domain.EventPublisher, logger *slog.Logger) *Recorder {
	return &Recorder{
		store:  store,
		bus:    bus,
		logger: logger.With(slog.String("component", "audit")),
	}
}

// SetJournal makes Position also upsert every position version into j.
func (r *Recorder) SetJournal(j domain.PositionJournal) {
	if r != nil {
		r.journal = j
	}
}

// SetPublisher replaces the event sink. It must be called before the
// recorder is shared with running loops.
func (r *Recorder) SetPublisher(bus domain.EventPublisher) {
	if r != nil {
		r.bus = bus
	}
}

// Position records event for pos with optional extra detail.
func (r *Recorder) Position(ctx context.Context, event string, pos domain.Position, extra map[string]any) {
	if r == nil {
		return
	}
	detail := map[string]any{
		"position_id":  pos.ID,
		"symbol":       pos.Symbol,
		"status":       string(pos.Status),
		"quantity":     pos.Quantity,
		"entry_price":  pos.EntryPrice,
		"order_id":     pos.OrderID,
		"verification": string(pos.Verification),
	}
	if pos.CloseReason != "" {
		detail["close_reason"] = string(pos.CloseReason)
		detail["close_price"] = pos.ClosePrice
		detail["realized_pnl"] = pos.RealizedPnL
	}
	for k, v := range extra {
		detail[k] = v
	}
	r.Record(ctx, event, detail)

	if r.journal != nil {
		if err := r.journal.Upsert(ctx, pos); err != nil {
			r.logger.WarnContext(ctx, "audit: journal upsert failed",
				slog.String("position_id", pos.ID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// Record writes an arbitrary event.
func (r *Recorder) Record(ctx context.Context, event string, detail map[string]any) {
	if r == nil {
		return
	}

	if r.bus != nil {
		payload := make(map[string]any, len(detail)+2)
		for k, v := range detail {
			payload[k] = v
		}
		payload["event"] = event
		payload["at"] = time.Now().UTC().Format(time.RFC3339Nano)
		evt, _ := json.Marshal(payload)
		if err := r.bus.Publish(ctx, Channel, evt); err != nil {
			r.logger.WarnContext(ctx, "audit: publish event failed",
				slog.String("event", event),
				slog.String("error", err.Error()),
			)
		}
	}

	if r.store != nil {
		if err := r.store.Log(ctx, event, detail); err != nil {
			r.logger.WarnContext(ctx, "audit: log failed",
				slog.String("event", event),
				slog.String("error", err.Error()),
			)
		}
	}
}
