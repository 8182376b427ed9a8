package domain

import (
	"context"
	"io"
	"time"
)

// Notifier delivers operator notifications. Delivery is best-effort.
type Notifier interface {
	Send(ctx context.Context, event, title, message string) error
}

// TrendDirection is the direction reported by an Indicator.
type TrendDirection string

const (
	TrendUp       TrendDirection = "up"
	TrendDown     TrendDirection = "down"
	TrendSideways TrendDirection = "sideways"
)

// Trend is an indicator classification with a confidence in [0,1].
type Trend struct {
	Direction  TrendDirection
	Confidence float64
}

// Indicator turns a close-price series into trend signals.
type Indicator interface {
	Classify(closes []float64) Trend
	Reversal(closes []float64) bool
}

// CooldownStore persists post-exit cooldown deadlines per symbol.
type CooldownStore interface {
	SetCooldown(ctx context.Context, symbol string, until time.Time) error
	// CooldownUntil returns the zero time when no cooldown is recorded.
	CooldownUntil(ctx context.Context, symbol string) (time.Time, error)
	ListCooldowns(ctx context.Context) (map[string]time.Time, error)
}

// AuditEntry is one recorded ledger transition.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore records ledger transitions for later inspection.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, limit int) ([]AuditEntry, error)
}

// PositionJournal keeps a queryable copy of every position version outside
// the ledger file.
type PositionJournal interface {
	Upsert(ctx context.Context, pos Position) error
	History(ctx context.Context, limit int) ([]Position, error)
}

// BlobWriter uploads data to object storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
}

// EventPublisher fans out engine events to other processes.
type EventPublisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// Ledger is the load/update surface of the position ledger store.
type Ledger interface {
	Load(ctx context.Context) (Snapshot, error)
	Update(ctx context.Context, fn func(*Snapshot) error) error
}

// Locker serialises ledger-mutating work across processes. The returned
// unlock function is safe to call more than once.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// EventSubscriber receives events published by any process. The returned
// channel is closed when ctx is cancelled.
type EventSubscriber interface {
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}
