package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/spotbot/internal/domain"
)

// HealthHandler serves the health-check endpoint.
type HealthHandler struct {
	ledger    domain.Ledger
	startedAt time.Time
	logger    *slog.Logger
}

// NewHealthHandler creates a HealthHandler. The check fails when the ledger
// cannot be read.
func NewHealthHandler(ledger domain.Ledger, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{ledger: ledger, startedAt: time.Now(), logger: logger}
}

// HealthCheck responds with a simple JSON status indicating the server is alive.
// GET /api/health
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	status, code := "ok", http.StatusOK
	if _, err := h.ledger.Load(r.Context()); err != nil {
		h.logger.WarnContext(r.Context(), "handler: health ledger check failed", slog.String("error", err.Error()))
		status, code = "degraded", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":         status,
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
		"uptime_seconds": int64(time.Since(h.startedAt).Seconds()),
	})
}
