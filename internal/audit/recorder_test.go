package audit

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/spotbot/internal/domain"
)

type memStore struct {
	events  []string
	details []map[string]any
	err     error
}

func (m *memStore) Log(_ context.Context, event string, detail map[string]any) error {
	if m.err != nil {
		return m.err
	}
	m.events = append(m.events, event)
	m.details = append(m.details, detail)
	return nil
}

func (m *memStore) List(context.Context, int) ([]domain.AuditEntry, error) { return nil, nil }

type memBus struct {
	channel  string
	payloads [][]byte
}

func (b *memBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.channel = channel
	b.payloads = append(b.payloads, payload)
	return nil
}

func TestRecorder_Position(t *testing.T) {
	store := &memStore{}
	bus := &memBus{}
	r := NewRecorder(store, bus, slog.New(slog.NewTextHandler(io.Discard, nil)))

	pos := domain.Position{ID: "p1", Symbol: "BTCUSDT", Status: domain.PositionStatusClosed, CloseReason: domain.CloseReasonPhantom}
	r.Position(context.Background(), "phantom_closed", pos, map[string]any{"probe": "balance"})

	require.Len(t, store.events, 1)
	assert.Equal(t, "phantom_closed", store.events[0])
	assert.Equal(t, "PHANTOM", store.details[0]["close_reason"])
	assert.Equal(t, "balance", store.details[0]["probe"])

	assert.Equal(t, Channel, bus.channel)
	require.Len(t, bus.payloads, 1)
	var evt map[string]any
	require.NoError(t, json.Unmarshal(bus.payloads[0], &evt))
	assert.Equal(t, "phantom_closed", evt["event"])
	assert.Equal(t, "BTCUSDT", evt["symbol"])
}

func TestRecorder_NilAndFailingSinks(t *testing.T) {
	var nilRec *Recorder
	nilRec.Record(context.Background(), "x", nil)

	r := NewRecorder(&memStore{err: errors.New("db down")}, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.NotPanics(t, func() {
		r.Record(context.Background(), "x", map[string]any{"a": 1})
	})
}

type memJournal struct {
	versions []domain.Position
}

func (j *memJournal) Upsert(_ context.Context, pos domain.Position) error {
	j.versions = append(j.versions, pos)
	return nil
}

func (j *memJournal) History(context.Context, int) ([]domain.Position, error) { return j.versions, nil }

func TestRecorder_Journal(t *testing.T) {
	j := &memJournal{}
	r := NewRecorder(nil, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	r.SetJournal(j)

	r.Position(context.Background(), "position_opened", domain.Position{ID: "p1", Symbol: "ETHUSDT"}, nil)
	r.Record(context.Background(), "cycle", nil)

	require.Len(t, j.versions, 1)
	assert.Equal(t, "p1", j.versions[0].ID)
}
