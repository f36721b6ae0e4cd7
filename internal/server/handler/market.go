package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/tradeledger/internal/domain"
)

// MarketHandler lists the markets known to the discovery layer.
type MarketHandler struct {
	markets domain.MarketStore
	logger  *slog.Logger
}

// NewMarketHandler creates a MarketHandler.
func NewMarketHandler(markets domain.MarketStore, logger *slog.Logger) *MarketHandler {
	return &MarketHandler{markets: markets, logger: logger}
}

type marketView struct {
	ID          string    `json:"id"`
	ConditionID string    `json:"condition_id"`
	Slug        string    `json:"slug"`
	Question    string    `json:"question"`
	EventSlug   string    `json:"event_slug"`
	Sport       string    `json:"sport,omitempty"`
	Outcomes    []string  `json:"outcomes"`
	TokenIDs    []string  `json:"token_ids"`
	Closed      bool      `json:"closed"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ListMarkets returns markets matching an optional keyword.
// GET /api/markets?keyword=nba&limit=100
func (h *MarketHandler) ListMarkets(w http.ResponseWriter, r *http.Request) {
	filter := domain.MarketFilter{
		Keyword: r.URL.Query().Get("keyword"),
		Limit:   parseLimit(r, 100, 1000),
	}

	markets, err := h.markets.List(r.Context(), filter)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list markets failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list markets")
		return
	}

	out := make([]marketView, 0, len(markets))
	for _, m := range markets {
		out = append(out, marketView(m))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"markets": out,
		"count":   len(out),
	})
}
