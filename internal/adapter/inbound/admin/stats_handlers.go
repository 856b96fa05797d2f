package admin

import (
	"net/http"
	"time"
)

// defaultStatsWindow is used when the since parameter is absent.
const defaultStatsWindow = 24 * time.Hour

// handleStats returns aggregated request counts since a cutoff. The
// since parameter accepts either an RFC 3339 timestamp or a duration
// such as 24h measured back from now.
// GET /__admin/stats?since=
func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	since := time.Now().Add(-defaultStatsWindow)

	if raw := r.URL.Query().Get("since"); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil && d > 0 {
			since = time.Now().Add(-d)
		} else if ts, err := time.Parse(time.RFC3339, raw); err == nil {
			since = ts
		} else {
			h.respondError(w, http.StatusBadRequest, "since must be a duration or RFC 3339 timestamp")
			return
		}
	}

	stats, err := h.store.Stats(r.Context(), since)
	if err != nil {
		h.logger.Error("stats query failed", "error", err)
		h.respondError(w, http.StatusInternalServerError, "stats query failed")
		return
	}

	h.respondJSON(w, http.StatusOK, stats)
}
