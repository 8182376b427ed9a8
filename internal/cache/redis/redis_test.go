package redis

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/spotbot/internal/domain"
)

// newTestClient connects to SPOTBOT_TEST_REDIS_ADDR, skipping when unset.
// Every test gets its own key prefix.
func newTestClient(t *testing.T) *Client {
	t.Helper()
	addr := os.Getenv("SPOTBOT_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("SPOTBOT_TEST_REDIS_ADDR not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := New(ctx, ClientConfig{Addr: addr, KeyPrefix: "spotbot-test:" + uuid.NewString() + ":"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestCooldownStore(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	s := NewCooldownStore(c)

	until, err := s.CooldownUntil(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.True(t, until.IsZero())

	deadline := time.Now().Add(time.Hour).Truncate(time.Millisecond).UTC()
	require.NoError(t, s.SetCooldown(ctx, "BTCUSDT", deadline))
	require.NoError(t, s.SetCooldown(ctx, "ETHUSDT", time.Now().Add(-time.Minute)))

	until, err = s.CooldownUntil(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.True(t, deadline.Equal(until))

	all, err := s.ListCooldowns(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
	assert.Contains(t, all, "BTCUSDT")
}

func TestLedgerLock(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	l := NewLedgerLock(c)

	unlock, err := l.Acquire(ctx, "ledger", time.Minute)
	require.NoError(t, err)

	_, err = l.Acquire(ctx, "ledger", time.Minute)
	assert.True(t, errors.Is(err, domain.ErrLockHeld))

	unlock()
	unlock()

	again, err := l.Acquire(ctx, "ledger", time.Minute)
	require.NoError(t, err)
	again()
}

func TestEventBus(t *testing.T) {
	c := newTestClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	bus := NewEventBus(c)

	ch, err := bus.Subscribe(ctx, "positions")
	require.NoError(t, err)
	require.NoError(t, bus.Publish(ctx, "positions", []byte(`{"event":"position_opened"}`)))

	select {
	case msg := <-ch:
		assert.JSONEq(t, `{"event":"position_opened"}`, string(msg))
	case <-ctx.Done():
		t.Fatal("no message received")
	}
}

func TestHasPattern(t *testing.T) {
	assert.True(t, hasPattern("spotbot:*"))
	assert.False(t, hasPattern("spotbot:positions"))
}

func TestOptions(t *testing.T) {
	opts, err := options(ClientConfig{Addr: "localhost:6379", PoolSize: 4, TLSEnabled: true})
	require.NoError(t, err)
	assert.Equal(t, "localhost:6379", opts.Addr)
	assert.Equal(t, 4, opts.PoolSize)
	assert.NotNil(t, opts.TLSConfig)

	opts, err = options(ClientConfig{Addr: "redis://:pw@cache:6380/2", DB: 0})
	require.NoError(t, err)
	assert.Equal(t, "cache:6380", opts.Addr)
	assert.Equal(t, "pw", opts.Password)
	assert.Equal(t, 2, opts.DB)

	opts, err = options(ClientConfig{Addr: "redis://cache:6380/2", Password: "override", DB: 5})
	require.NoError(t, err)
	assert.Equal(t, "override", opts.Password)
	assert.Equal(t, 5, opts.DB)

	_, err = options(ClientConfig{Addr: "redis://cache:6380/notadb"})
	assert.Error(t, err)
}
