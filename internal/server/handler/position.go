package handler

import (
	"log/slog"
	"net/http"
	"sort"

	"github.com/alanyoungcy/spotbot/internal/domain"
)

// PositionHandler serves position-related HTTP endpoints.
type PositionHandler struct {
	ledger  domain.Ledger
	journal domain.PositionJournal
	logger  *slog.Logger
}

// NewPositionHandler creates a PositionHandler. journal may be nil, in which
// case history is served from the ledger's closed list.
func NewPositionHandler(ledger domain.Ledger, journal domain.PositionJournal, logger *slog.Logger) *PositionHandler {
	return &PositionHandler{
		ledger:  ledger,
		journal: journal,
		logger:  logger,
	}
}

type listPositionsResponse struct {
	Open   []domain.Position `json:"open"`
	Closed []domain.Position `json:"closed"`
}

// ListPositions returns every open position and the most recent closed ones.
// GET /api/positions?limit=50
func (h *PositionHandler) ListPositions(w http.ResponseWriter, r *http.Request) {
	snap, err := h.ledger.Load(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list positions failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to read ledger")
		return
	}

	resp := listPositionsResponse{
		Open:   snap.Open,
		Closed: recentClosed(snap.Closed, parseLimit(r, 50)),
	}
	if resp.Open == nil {
		resp.Open = []domain.Position{}
	}
	writeJSON(w, http.StatusOK, resp)
}

// History returns closed positions, newest first.
// GET /api/positions/history?limit=100
func (h *PositionHandler) History(w http.ResponseWriter, r *http.Request) {
	limit := parseLimit(r, 100)

	if h.journal != nil {
		positions, err := h.journal.History(r.Context(), limit)
		if err == nil {
			if positions == nil {
				positions = []domain.Position{}
			}
			writeJSON(w, http.StatusOK, map[string]any{"positions": positions, "source": "journal"})
			return
		}
		h.logger.WarnContext(r.Context(), "handler: journal history failed, using ledger", slog.String("error", err.Error()))
	}

	snap, err := h.ledger.Load(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: history failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to read ledger")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"positions": recentClosed(snap.Closed, limit), "source": "ledger"})
}

// recentClosed returns up to limit closed positions ordered by close time,
// newest first.
func recentClosed(closed []domain.Position, limit int) []domain.Position {
	out := make([]domain.Position, len(closed))
	copy(out, closed)
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].ClosedAt, out[j].ClosedAt
		if a == nil || b == nil {
			return b == nil && a != nil
		}
		return a.After(*b)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}
