package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/spotbot/internal/domain"
)

// CooldownStore implements domain.CooldownStore with a single sorted set
// scored by the cooldown deadline in unix milliseconds. Expired members are
// trimmed on every write.
type CooldownStore struct {
	c   *Client
	now func() time.Time
}

// NewCooldownStore creates a CooldownStore backed by the given Client.
func NewCooldownStore(c *Client) *CooldownStore {
	return &CooldownStore{c: c, now: time.Now}
}

func (s *CooldownStore) setKey() string {
	return s.c.key("cooldowns")
}

// SetCooldown records that symbol may not be re-entered before until.
func (s *CooldownStore) SetCooldown(ctx context.Context, symbol string, until time.Time) error {
	key := s.setKey()
	_, err := s.c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, key, redis.Z{Score: float64(until.UnixMilli()), Member: symbol})
		pipe.ZRemRangeByScore(ctx, key, "-inf", "("+strconv.FormatInt(s.now().UnixMilli(), 10))
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis: set cooldown %s: %w", symbol, err)
	}
	return nil
}

// CooldownUntil returns the recorded deadline for symbol, or the zero time.
func (s *CooldownStore) CooldownUntil(ctx context.Context, symbol string) (time.Time, error) {
	score, err := s.c.rdb.ZScore(ctx, s.setKey(), symbol).Result()
	if err == redis.Nil {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("redis: get cooldown %s: %w", symbol, err)
	}
	return time.UnixMilli(int64(score)).UTC(), nil
}

// ListCooldowns returns every cooldown that has not yet expired.
func (s *CooldownStore) ListCooldowns(ctx context.Context) (map[string]time.Time, error) {
	floor := strconv.FormatInt(s.now().UnixMilli(), 10)
	zs, err := s.c.rdb.ZRangeByScoreWithScores(ctx, s.setKey(), &redis.ZRangeBy{Min: floor, Max: "+inf"}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: list cooldowns: %w", err)
	}
	out := make(map[string]time.Time, len(zs))
	for _, z := range zs {
		sym, ok := z.Member.(string)
		if !ok {
			continue
		}
		out[sym] = time.UnixMilli(int64(z.Score)).UTC()
	}
	return out, nil
}

// Compile-time interface check.
var _ domain.CooldownStore = (*CooldownStore)(nil)
