package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/spotbot/internal/diversify"
	"github.com/alanyoungcy/spotbot/internal/domain"
	"github.com/alanyoungcy/spotbot/internal/ledger"
	"github.com/alanyoungcy/spotbot/internal/metrics"
	"github.com/alanyoungcy/spotbot/internal/orchestrator"
	"github.com/alanyoungcy/spotbot/internal/reconcile"
	"github.com/alanyoungcy/spotbot/internal/server/handler"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type fakeController struct {
	running bool
	stats   *orchestrator.CycleStats
	cycles  int
	cycleErr error
}

func (f *fakeController) Running() bool { return f.running }

func (f *fakeController) LastCycleStats() (orchestrator.CycleStats, bool) {
	if f.stats == nil {
		return orchestrator.CycleStats{}, false
	}
	return *f.stats, true
}

func (f *fakeController) Start() error {
	if f.running {
		return orchestrator.ErrAlreadyRunning
	}
	f.running = true
	return nil
}

func (f *fakeController) Stop() { f.running = false }

func (f *fakeController) RunCycle(context.Context) (orchestrator.CycleStats, error) {
	f.cycles++
	s := orchestrator.CycleStats{Number: int64(f.cycles), Opened: []string{"BTCUSDT"}}
	f.stats = &s
	return s, f.cycleErr
}

func (f *fakeController) CloseAll(context.Context) ([]string, error) {
	return []string{"ETHUSDT"}, nil
}

func (f *fakeController) Verify(context.Context) (reconcile.Report, error) {
	return reconcile.Report{Checked: 1, Confirmed: []string{"ETHUSDT"}}, nil
}

type fakeGuard struct{}

func (fakeGuard) Status(context.Context) (diversify.Status, error) {
	return diversify.Status{ActiveSymbols: []string{"ETHUSDT"}, OpenCount: 1, MaxOpen: 10}, nil
}

type fakeAudit struct{}

func (fakeAudit) Log(context.Context, string, map[string]any) error { return nil }

func (fakeAudit) List(_ context.Context, limit int) ([]domain.AuditEntry, error) {
	return []domain.AuditEntry{{ID: 7, Event: "position_opened", Detail: map[string]any{"limit": limit}, CreatedAt: time.Unix(0, 0)}}, nil
}

func setup(t *testing.T, apiKey string) (http.Handler, *fakeController) {
	t.Helper()
	store := ledger.NewFileStore(filepath.Join(t.TempDir(), "trades.json"), discard())
	closedAt := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
	earlier := closedAt.Add(-time.Hour)
	require.NoError(t, store.Update(context.Background(), func(s *domain.Snapshot) error {
		s.Open = []domain.Position{{ID: "p1", Symbol: "ETHUSDT", Status: domain.PositionStatusOpen, Quantity: 1, EntryPrice: 2000}}
		s.Closed = []domain.Position{
			{ID: "c1", Symbol: "BTCUSDT", Status: domain.PositionStatusClosed, ClosedAt: &earlier},
			{ID: "c2", Symbol: "SOLUSDT", Status: domain.PositionStatusClosed, ClosedAt: &closedAt},
		}
		return nil
	}))

	ctrl := &fakeController{}
	h := Routes(Config{APIKey: apiKey}, Handlers{
		Health:    handler.NewHealthHandler(store, discard()),
		Status:    handler.NewStatusHandler("trade", ctrl, fakeGuard{}, discard()),
		Positions: handler.NewPositionHandler(store, nil, discard()),
		Control:   handler.NewControlHandler(ctrl, discard()),
		Audit:     handler.NewAuditHandler(fakeAudit{}, discard()),
		Metrics:   metrics.New().Handler(),
	}, nil, discard())
	return h, ctrl
}

func do(t *testing.T, h http.Handler, method, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestHealth(t *testing.T) {
	h, _ := setup(t, "")
	rec := do(t, h, http.MethodGet, "/api/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode(t, rec)["status"])
}

func TestStatusAndControl(t *testing.T) {
	h, ctrl := setup(t, "")

	body := decode(t, do(t, h, http.MethodGet, "/api/status", ""))
	assert.Equal(t, false, body["running"])
	assert.Nil(t, body["last_cycle_stats"])

	assert.Equal(t, http.StatusOK, do(t, h, http.MethodPost, "/api/control/start", "").Code)
	assert.True(t, ctrl.running)
	assert.Equal(t, http.StatusConflict, do(t, h, http.MethodPost, "/api/control/start", "").Code)

	rec := do(t, h, http.MethodPost, "/api/control/cycle", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	body = decode(t, do(t, h, http.MethodGet, "/api/status", ""))
	assert.Equal(t, true, body["running"])
	stats, ok := body["last_cycle_stats"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(1), stats["number"])

	assert.Equal(t, http.StatusOK, do(t, h, http.MethodPost, "/api/control/stop", "").Code)
	assert.False(t, ctrl.running)

	assert.Equal(t, http.StatusMethodNotAllowed, do(t, h, http.MethodGet, "/api/control/stop", "").Code)
}

func TestCycleInProgressIsConflict(t *testing.T) {
	h, ctrl := setup(t, "")
	ctrl.cycleErr = domain.ErrCycleInProgress
	assert.Equal(t, http.StatusConflict, do(t, h, http.MethodPost, "/api/control/cycle", "").Code)
}

func TestCloseAllAndVerify(t *testing.T) {
	h, _ := setup(t, "")

	body := decode(t, do(t, h, http.MethodPost, "/api/control/close-all", ""))
	assert.Equal(t, []any{"ETHUSDT"}, body["closed"])

	body = decode(t, do(t, h, http.MethodPost, "/api/control/verify", ""))
	assert.Equal(t, float64(1), body["checked"])
}

func TestPositions(t *testing.T) {
	h, _ := setup(t, "")

	body := decode(t, do(t, h, http.MethodGet, "/api/positions?limit=1", ""))
	open := body["open"].([]any)
	require.Len(t, open, 1)
	closed := body["closed"].([]any)
	require.Len(t, closed, 1)
	assert.Equal(t, "c2", closed[0].(map[string]any)["id"], "newest closed first")

	body = decode(t, do(t, h, http.MethodGet, "/api/positions/history", ""))
	assert.Equal(t, "ledger", body["source"])
	assert.Len(t, body["positions"], 2)
}

func TestDiversityAndAudit(t *testing.T) {
	h, _ := setup(t, "")

	body := decode(t, do(t, h, http.MethodGet, "/api/diversity", ""))
	assert.Equal(t, float64(10), body["max_open"])

	body = decode(t, do(t, h, http.MethodGet, "/api/audit?limit=5", ""))
	entries := body["entries"].([]any)
	require.Len(t, entries, 1)
	assert.Equal(t, "position_opened", entries[0].(map[string]any)["event"])
}

func TestAuth(t *testing.T) {
	h, _ := setup(t, "s3cret")

	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/api/health", "").Code, "health is public")
	assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodGet, "/api/status", "").Code)
	assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodGet, "/api/status", "wrong").Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/api/status", "s3cret").Code)

	rec := do(t, h, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "spotbot_"), "metrics exposed without auth")
}

func TestCORSPreflight(t *testing.T) {
	h, _ := setup(t, "s3cret")
	req := httptest.NewRequest(http.MethodOptions, "/api/status", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "http://localhost:3000", rec.Header().Get("Access-Control-Allow-Origin"))
}
