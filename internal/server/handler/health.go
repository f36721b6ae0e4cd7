package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// TradeCounter reports the size of the ledger.
type TradeCounter interface {
	Count(ctx context.Context) (int64, error)
}

// HealthHandler serves the liveness endpoint.
type HealthHandler struct {
	trades TradeCounter
	logger *slog.Logger
}

// NewHealthHandler creates a HealthHandler. trades may be nil.
func NewHealthHandler(trades TradeCounter, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{trades: trades, logger: logger}
}

// HealthCheck answers 200 with the stored trade count, or 503 when the store
// cannot be queried.
// GET /api/health
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if h.trades != nil {
		n, err := h.trades.Count(r.Context())
		if err != nil {
			h.logger.WarnContext(r.Context(), "handler: health store check failed",
				slog.String("error", err.Error()),
			)
			body["status"] = "degraded"
			body["error"] = "trade store unavailable"
			writeJSON(w, http.StatusServiceUnavailable, body)
			return
		}
		body["trades"] = n
	}
	writeJSON(w, http.StatusOK, body)
}
