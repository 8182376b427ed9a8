package diversify

import (
	"context"
	"sync"
	"time"
)

// MemoryCooldowns is an in-process domain.CooldownStore. Cooldowns are lost
// on restart.
type MemoryCooldowns struct {
	mu    sync.RWMutex
	until map[string]time.Time
}

// NewMemoryCooldowns creates an empty store.
func NewMemoryCooldowns() *MemoryCooldowns {
	return &MemoryCooldowns{until: make(map[string]time.Time)}
}

func (m *MemoryCooldowns) SetCooldown(_ context.Context, symbol string, until time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.until[symbol] = until
	return nil
}

func (m *MemoryCooldowns) CooldownUntil(_ context.Context, symbol string) (time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.until[symbol], nil
}

func (m *MemoryCooldowns) ListCooldowns(_ context.Context) (map[string]time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]time.Time, len(m.until))
	for k, v := range m.until {
		out[k] = v
	}
	return out, nil
}
