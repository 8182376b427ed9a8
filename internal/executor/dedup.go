package executor

import (
	"sync"
	"time"
)

// Dedup rejects a second order for the same key (symbol and side) within a
// time-to-live window. It is safe for concurrent use.
type Dedup struct {
	seen map[string]time.Time // key -> last submission
	ttl  time.Duration
	now  func() time.Time
	mu   sync.Mutex
}

// NewDedup creates a Dedup that treats repeats within ttl as duplicates.
func NewDedup(ttl time.Duration) *Dedup {
	return &Dedup{
		seen: make(map[string]time.Time),
		ttl:  ttl,
		now:  time.Now,
	}
}

// IsDuplicate returns true if key was claimed within the TTL window.
// Otherwise it claims key and returns false. Expired keys are swept on
// every call.
func (d *Dedup) IsDuplicate(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	d.sweep(now)
	if lastSeen, ok := d.seen[key]; ok && now.Sub(lastSeen) < d.ttl {
		return true
	}
	d.seen[key] = now
	return false
}

// Forget releases key so it can be submitted again immediately. Used when
// the exchange definitively rejected the order.
func (d *Dedup) Forget(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.seen, key)
}

func (d *Dedup) sweep(now time.Time) {
	for key, ts := range d.seen {
		if now.Sub(ts) >= d.ttl {
			delete(d.seen, key)
		}
	}
}
