package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/calebmoy/perpagent/internal/domain"
)

// Pricer serves mark prices.
type Pricer interface {
	MarkPrice(ctx context.Context, symbol string) (float64, time.Time, error)
}

// PriceHandler serves the mark price endpoint.
type PriceHandler struct {
	prices Pricer
	logger *slog.Logger
}

// NewPriceHandler creates a PriceHandler.
func NewPriceHandler(prices Pricer, logger *slog.Logger) *PriceHandler {
	return &PriceHandler{prices: prices, logger: logger}
}

// GetPrice returns the current mark price for a market symbol.
// GET /api/prices/{symbol}
func (h *PriceHandler) GetPrice(w http.ResponseWriter, r *http.Request) {
	symbol := pathParam(r, "symbol")
	if symbol == "" {
		writeError(w, http.StatusBadRequest, "symbol path parameter required")
		return
	}

	price, ts, err := h.prices.MarkPrice(r.Context(), symbol)
	if err != nil {
		if errors.Is(err, domain.ErrPriceUnavailable) {
			writeError(w, http.StatusServiceUnavailable, "price unavailable")
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: get price failed",
			slog.String("symbol", symbol),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to get price")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"symbol":    symbol,
		"price":     price,
		"timestamp": ts.UTC().Format(time.RFC3339Nano),
	})
}
