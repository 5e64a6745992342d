package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/calebmoy/perpagent/internal/domain"
)

// MarketCatalog serves the venue market catalog.
type MarketCatalog interface {
	Catalog(ctx context.Context) ([]domain.Market, error)
	Refresh(ctx context.Context) ([]domain.Market, error)
}

// MarketHandler serves market catalog endpoints.
type MarketHandler struct {
	markets MarketCatalog
	logger  *slog.Logger
}

// NewMarketHandler creates a MarketHandler.
func NewMarketHandler(markets MarketCatalog, logger *slog.Logger) *MarketHandler {
	return &MarketHandler{markets: markets, logger: logger}
}

type listMarketsResponse struct {
	Markets []domain.Market `json:"markets"`
}

// ListMarkets returns the active market catalog.
// GET /api/markets
func (h *MarketHandler) ListMarkets(w http.ResponseWriter, r *http.Request) {
	markets, err := h.markets.Catalog(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list markets failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusServiceUnavailable, "market catalog unavailable")
		return
	}
	if markets == nil {
		markets = []domain.Market{}
	}
	writeJSON(w, http.StatusOK, listMarketsResponse{Markets: markets})
}

// RefreshMarkets forces a catalog refresh from the venue.
// POST /api/markets/refresh
func (h *MarketHandler) RefreshMarkets(w http.ResponseWriter, r *http.Request) {
	markets, err := h.markets.Refresh(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: market refresh failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusServiceUnavailable, "market refresh failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"refreshed": len(markets)})
}
