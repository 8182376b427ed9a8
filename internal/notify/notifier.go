// Package notify delivers operator notifications to Telegram and Discord,
// filtered by event type.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alanyoungcy/spotbot/internal/domain"
)

// Event types emitted by the engine.
const (
	EventPositionOpened = "position_opened"
	EventPositionClosed = "position_closed"
	EventTargetHit      = "target_hit"
	EventPhantomClosed  = "phantom_closed"
	EventCycleFailed    = "cycle_failed"
	EventDailySummary   = "daily_summary"
	EventBotStatus      = "bot_status"
)

// eventIcons prefixes titles so alerts are recognisable at a glance.
var eventIcons = map[string]string{
	EventPositionOpened: "🟢",
	EventPositionClosed: "🔴",
	EventTargetHit:      "🎯",
	EventPhantomClosed:  "⚠️",
	EventCycleFailed:    "❌",
	EventDailySummary:   "📊",
	EventBotStatus:      "ℹ️",
}

// Sender delivers one titled message to a single channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

// Notifier implements domain.Notifier by dispatching to every Sender. Only
// events in the allowed set are forwarded; an empty set allows all.
type Notifier struct {
	senders []Sender
	events  map[string]bool
	logger  *slog.Logger
}

// NewNotifier creates a Notifier for senders, forwarding only the listed
// events.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = true
		}
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Send delivers the notification if event passes the filter. A nil
// Notifier drops everything.
func (n *Notifier) Send(ctx context.Context, event, title, message string) error {
	if n == nil {
		return nil
	}
	if len(n.events) > 0 && !n.events[event] {
		n.logger.DebugContext(ctx, "notify: event filtered out",
			slog.String("event", event),
		)
		return nil
	}
	if icon, ok := eventIcons[event]; ok {
		title = icon + " " + title
	}
	return n.dispatch(ctx, title, message)
}

// Enabled reports whether any sender is configured.
func (n *Notifier) Enabled() bool {
	return n != nil && len(n.senders) > 0
}

// dispatch tries every sender and joins their failures.
func (n *Notifier) dispatch(ctx context.Context, title, message string) error {
	var errs []error
	for _, s := range n.senders {
		err := s.Send(ctx, title, message)
		if err == nil {
			continue
		}
		n.logger.WarnContext(ctx, "notify: delivery failed",
			slog.String("sender", s.Name()),
			slog.String("title", title),
			slog.String("error", err.Error()),
		)
		errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("notify: %w", err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.Notifier = (*Notifier)(nil)
