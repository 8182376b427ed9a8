package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/spotbot/internal/domain"
	"github.com/alanyoungcy/spotbot/internal/orchestrator"
	"github.com/alanyoungcy/spotbot/internal/reconcile"
)

// Controller starts and stops the trading loops and runs one-off
// operations. Start must bind the loops to the process lifetime, not to the
// request.
type Controller interface {
	Start() error
	Stop()
	RunCycle(ctx context.Context) (orchestrator.CycleStats, error)
	CloseAll(ctx context.Context) ([]string, error)
	Verify(ctx context.Context) (reconcile.Report, error)
}

// ControlHandler serves POST /api/control/*.
type ControlHandler struct {
	ctrl   Controller
	logger *slog.Logger
}

// NewControlHandler creates a ControlHandler.
func NewControlHandler(ctrl Controller, logger *slog.Logger) *ControlHandler {
	return &ControlHandler{ctrl: ctrl, logger: logger}
}

// Start launches the loops. Starting twice is reported as a conflict.
// POST /api/control/start
func (h *ControlHandler) Start(w http.ResponseWriter, r *http.Request) {
	if err := h.ctrl.Start(); err != nil {
		if errors.Is(err, orchestrator.ErrAlreadyRunning) {
			writeError(w, http.StatusConflict, "already running")
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: start failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to start")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"running": true})
}

// Stop halts the loops and waits for them to exit.
// POST /api/control/stop
func (h *ControlHandler) Stop(w http.ResponseWriter, r *http.Request) {
	h.ctrl.Stop()
	writeJSON(w, http.StatusOK, map[string]any{"running": false})
}

// RunCycle runs one cycle synchronously.
// POST /api/control/cycle
func (h *ControlHandler) RunCycle(w http.ResponseWriter, r *http.Request) {
	stats, err := h.ctrl.RunCycle(r.Context())
	if errors.Is(err, domain.ErrCycleInProgress) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: cycle failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusBadGateway, map[string]any{"error": err.Error(), "stats": stats})
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// CloseAll force-sells every confirmed open position.
// POST /api/control/close-all
func (h *ControlHandler) CloseAll(w http.ResponseWriter, r *http.Request) {
	closed, err := h.ctrl.CloseAll(r.Context())
	if closed == nil {
		closed = []string{}
	}
	if errors.Is(err, domain.ErrCycleInProgress) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: close all failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusBadGateway, map[string]any{"closed": closed, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"closed": closed})
}

// Verify reconciles every open position against the exchange.
// POST /api/control/verify
func (h *ControlHandler) Verify(w http.ResponseWriter, r *http.Request) {
	rep, err := h.ctrl.Verify(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: verify failed", slog.String("error", err.Error()))
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rep)
}
