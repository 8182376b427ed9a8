package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Counters(t *testing.T) {
	m := New()
	m.OrderSubmitted("BUY")
	m.OrderSubmitted("BUY")
	m.FillConfirmed("BUY")
	m.PositionClosed("STOP_LOSS")
	m.PhantomClosed(2)
	m.CycleFinished(false, time.Second)
	m.SetOpenPositions(3)

	body := scrape(t, m)
	assert.Contains(t, body, `spotbot_orders_submitted_total{side="BUY"} 2`)
	assert.Contains(t, body, `spotbot_fills_confirmed_total{side="BUY"} 1`)
	assert.Contains(t, body, `spotbot_position_exits_total{reason="STOP_LOSS"} 1`)
	assert.Contains(t, body, "spotbot_phantom_positions_total 2")
	assert.Contains(t, body, `spotbot_cycles_total{result="error"} 1`)
	assert.Contains(t, body, "spotbot_open_positions 3")
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.OrderSubmitted("BUY")
		m.CycleFinished(true, time.Millisecond)
		m.SetQuoteBalance(1)
	})
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.SetOpenPositions(1)

	assert.Contains(t, scrape(t, m), "spotbot_open_positions 1")
}

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	return rec.Body.String()
}
