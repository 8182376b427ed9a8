package redis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/spotbot/internal/domain"
)

// unlockLua deletes the lock key only while it still holds the caller's
// token, so an expired holder never releases a successor's lock.
const unlockLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// LedgerLock implements domain.Locker with SET NX PX and a token-checked
// release. It keeps a running bot and one-shot CLI commands from mutating
// the ledger at the same time.
type LedgerLock struct {
	c        *Client
	unlockSc *redis.Script
}

// NewLedgerLock creates a LedgerLock backed by the given Client.
func NewLedgerLock(c *Client) *LedgerLock {
	return &LedgerLock{c: c, unlockSc: redis.NewScript(unlockLua)}
}

// Acquire takes key for at most ttl. It returns domain.ErrLockHeld if
// another process holds it.
func (l *LedgerLock) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	token := uuid.NewString()
	lk := l.c.key("lock:" + key)

	ok, err := l.c.rdb.SetNX(ctx, lk, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, fmt.Errorf("redis: acquire lock %s: %w", key, domain.ErrLockHeld)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// The caller's ctx may already be cancelled at shutdown.
			unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = l.unlockSc.Run(unlockCtx, l.c.rdb, []string{lk}, token).Err()
		})
	}, nil
}

// Compile-time interface check.
var _ domain.Locker = (*LedgerLock)(nil)
