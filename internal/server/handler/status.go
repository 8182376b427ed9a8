package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/spotbot/internal/diversify"
	"github.com/alanyoungcy/spotbot/internal/orchestrator"
)

// StatusSource reports the trading loop state. Implemented by
// orchestrator.Orchestrator.
type StatusSource interface {
	Running() bool
	LastCycleStats() (orchestrator.CycleStats, bool)
}

// DiversityReporter is implemented by diversify.Guard.
type DiversityReporter interface {
	Status(ctx context.Context) (diversify.Status, error)
}

// StatusHandler serves the process status and diversification state.
type StatusHandler struct {
	mode   string
	source StatusSource
	guard  DiversityReporter
	logger *slog.Logger
}

// NewStatusHandler creates a StatusHandler. guard may be nil.
func NewStatusHandler(mode string, source StatusSource, guard DiversityReporter, logger *slog.Logger) *StatusHandler {
	return &StatusHandler{mode: mode, source: source, guard: guard, logger: logger}
}

type statusResponse struct {
	Mode           string                   `json:"mode"`
	Running        bool                     `json:"running"`
	LastCycleStats *orchestrator.CycleStats `json:"last_cycle_stats"`
}

// GetStatus responds with whether the loops run and the latest cycle.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{Mode: h.mode, Running: h.source.Running()}
	if stats, ok := h.source.LastCycleStats(); ok {
		resp.LastCycleStats = &stats
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetDiversity responds with active symbols, slot usage and cooldowns.
// GET /api/diversity
func (h *StatusHandler) GetDiversity(w http.ResponseWriter, r *http.Request) {
	if h.guard == nil {
		writeError(w, http.StatusNotImplemented, "diversification status not available")
		return
	}
	st, err := h.guard.Status(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: diversity status failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to read diversification status")
		return
	}
	writeJSON(w, http.StatusOK, st)
}
