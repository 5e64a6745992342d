package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/calebmoy/perpagent/internal/domain"
)

// Lifecycle defines the mutating operations the position handler
// exposes over HTTP.
type Lifecycle interface {
	OpenPosition(ctx context.Context, req domain.OpenRequest) (domain.OpenResult, error)
	ClosePosition(ctx context.Context, req domain.CloseRequest) (domain.CloseResult, error)
	SetProtective(ctx context.Context, req domain.ProtectiveRequest) (domain.ProtectiveResult, error)
}

// PositionReader answers read-side position queries.
type PositionReader interface {
	GetByID(ctx context.Context, id string) (domain.Position, error)
	OpenPositions(ctx context.Context, userAddress string) ([]domain.Position, error)
	ClosedPositions(ctx context.Context, userAddress string, opts domain.ListOpts) ([]domain.Position, error)
}

// PositionHandler serves the position lifecycle HTTP endpoints.
type PositionHandler struct {
	lifecycle Lifecycle
	reader    PositionReader
	logger    *slog.Logger
}

// NewPositionHandler creates a PositionHandler.
func NewPositionHandler(lifecycle Lifecycle, reader PositionReader, logger *slog.Logger) *PositionHandler {
	return &PositionHandler{
		lifecycle: lifecycle,
		reader:    reader,
		logger:    logger,
	}
}

// Open opens a position.
// POST /api/positions/open
func (h *PositionHandler) Open(w http.ResponseWriter, r *http.Request) {
	var req domain.OpenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	res, err := h.lifecycle.OpenPosition(r.Context(), req)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: open position failed",
			slog.String("deployment", req.DeploymentID),
			slog.String("signal", req.SignalID),
			slog.String("error", err.Error()),
		)
		writeJSON(w, statusForKind(res.ErrorKind), res)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Close closes a position.
// POST /api/positions/close
func (h *PositionHandler) Close(w http.ResponseWriter, r *http.Request) {
	var req domain.CloseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	res, err := h.lifecycle.ClosePosition(r.Context(), req)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: close position failed",
			slog.String("deployment", req.DeploymentID),
			slog.String("market", req.Market),
			slog.String("error", err.Error()),
		)
		writeJSON(w, statusForKind(res.ErrorKind), res)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// StopLoss sets a stop-loss trigger.
// POST /api/positions/stop-loss
func (h *PositionHandler) StopLoss(w http.ResponseWriter, r *http.Request) {
	h.protective(w, r, domain.ProtectiveStopLoss)
}

// TakeProfit sets a take-profit trigger.
// POST /api/positions/take-profit
func (h *PositionHandler) TakeProfit(w http.ResponseWriter, r *http.Request) {
	h.protective(w, r, domain.ProtectiveTakeProfit)
}

func (h *PositionHandler) protective(w http.ResponseWriter, r *http.Request, kind domain.ProtectiveKind) {
	var req domain.ProtectiveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Kind = kind

	res, err := h.lifecycle.SetProtective(r.Context(), req)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: protective trigger failed",
			slog.String("market", req.Market),
			slog.String("kind", string(kind)),
			slog.String("error", err.Error()),
		)
		writeJSON(w, statusForKind(res.ErrorKind), res)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Get returns one position by ID.
// GET /api/positions/{id}
func (h *PositionHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	pos, err := h.reader.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "position not found")
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: get position failed",
			slog.String("id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to get position")
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

// listPositionsResponse wraps position list responses.
type listPositionsResponse struct {
	Positions []domain.Position `json:"positions"`
}

// ListOpen returns all non-terminal positions for a user.
// GET /api/positions?user=0x...
func (h *PositionHandler) ListOpen(w http.ResponseWriter, r *http.Request) {
	user := r.URL.Query().Get("user")
	if user == "" {
		writeError(w, http.StatusBadRequest, "user query parameter required")
		return
	}

	positions, err := h.reader.OpenPositions(r.Context(), user)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list open positions failed",
			slog.String("user", user),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list positions")
		return
	}
	if positions == nil {
		positions = []domain.Position{}
	}
	writeJSON(w, http.StatusOK, listPositionsResponse{Positions: positions})
}

// ListClosed returns settled positions for a user with pagination.
// GET /api/positions/history?user=0x...
func (h *PositionHandler) ListClosed(w http.ResponseWriter, r *http.Request) {
	user := r.URL.Query().Get("user")
	if user == "" {
		writeError(w, http.StatusBadRequest, "user query parameter required")
		return
	}

	positions, err := h.reader.ClosedPositions(r.Context(), user, parseListOpts(r))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list closed positions failed",
			slog.String("user", user),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list positions")
		return
	}
	if positions == nil {
		positions = []domain.Position{}
	}
	writeJSON(w, http.StatusOK, listPositionsResponse{Positions: positions})
}

// statusForKind maps the service error taxonomy onto HTTP status codes.
func statusForKind(kind domain.ErrorKind) int {
	switch kind {
	case domain.ErrKindValidation:
		return http.StatusBadRequest
	case domain.ErrKindInsufficientFunds, domain.ErrKindVenueRejection:
		return http.StatusUnprocessableEntity
	case domain.ErrKindAlreadySettled:
		return http.StatusConflict
	case domain.ErrKindServiceUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
