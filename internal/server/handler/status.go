package handler

import (
	"net/http"
	"time"
)

// StatusSource returns a JSON-encodable snapshot of one component.
type StatusSource func() any

// StatusHandler reports the run mode and a snapshot of each running
// component (backfill, chain, ws).
type StatusHandler struct {
	mode      string
	startedAt time.Time
	sources   map[string]StatusSource
}

// NewStatusHandler creates a StatusHandler.
func NewStatusHandler(mode string, startedAt time.Time, sources map[string]StatusSource) *StatusHandler {
	return &StatusHandler{mode: mode, startedAt: startedAt, sources: sources}
}

// GetStatus responds with the mode, uptime and component snapshots.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	components := make(map[string]any, len(h.sources))
	for name, src := range h.sources {
		components[name] = src()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"mode":           h.mode,
		"uptime_seconds": int64(time.Since(h.startedAt).Seconds()),
		"components":     components,
	})
}
