package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/spotbot/internal/domain"
)

func TestDSN(t *testing.T) {
	assert.Equal(t, "postgres://u:p@db:5432/spot?sslmode=disable",
		DSN(ClientConfig{User: "u", Password: "p", Host: "db", Database: "spot"}))
	assert.Equal(t, "postgres://u:p@db:6543/spot?sslmode=require",
		DSN(ClientConfig{User: "u", Password: "p", Host: "db", Port: 6543, Database: "spot", SSLMode: "require"}))
	assert.Equal(t, "postgres://x", DSN(ClientConfig{DSN: "postgres://x", Host: "ignored"}))
}

func TestMigrationFilesOrdered(t *testing.T) {
	names, err := migrationFiles()
	require.NoError(t, err)
	assert.Equal(t, []string{"001_audit_log.sql", "002_positions.sql"}, names)
}

// newTestClient connects to SPOTBOT_TEST_POSTGRES_DSN, skipping when unset.
func newTestClient(t *testing.T) *Client {
	t.Helper()
	dsn := os.Getenv("SPOTBOT_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("SPOTBOT_TEST_POSTGRES_DSN not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	c, err := New(ctx, ClientConfig{DSN: dsn})
	require.NoError(t, err)
	require.NoError(t, c.RunMigrations(ctx))
	require.NoError(t, c.RunMigrations(ctx))
	t.Cleanup(c.Close)
	return c
}

func TestAuditStoreRoundTrip(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	s := NewAuditStore(c.Pool())

	marker := uuid.NewString()
	require.NoError(t, s.Log(ctx, "position_opened", map[string]any{"marker": marker}))

	entries, err := s.List(ctx, 10)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	assert.Equal(t, "position_opened", entries[0].Event)
	assert.Equal(t, marker, entries[0].Detail["marker"])
}

func TestPositionStoreUpsert(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	s := NewPositionStore(c.Pool())

	pos := domain.Position{
		ID:           uuid.NewString(),
		Symbol:       "BTCUSDT",
		Quantity:     1,
		EntryPrice:   100,
		OpenedAt:     time.Now().UTC().Add(time.Hour),
		Status:       domain.PositionStatusOpen,
		Verification: domain.VerificationConfirmed,
	}
	require.NoError(t, s.Upsert(ctx, pos))

	pos.Close(domain.CloseReasonStopLoss, 99, time.Now())
	require.NoError(t, s.Upsert(ctx, pos))

	hist, err := s.History(ctx, 1)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, pos.ID, hist[0].ID)
	assert.Equal(t, domain.CloseReasonStopLoss, hist[0].CloseReason)
	assert.InDelta(t, -1.0, hist[0].RealizedPnL, 1e-9)
}
