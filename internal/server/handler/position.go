package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/q0821/fundingarb/internal/domain"
	"github.com/q0821/fundingarb/internal/lifecycle"
)

// positionListTTL bounds how long a cached open-position list may serve reads
// before the store is consulted again. Lifecycle operations invalidate the
// cache eagerly, so this only covers writes that bypass the manager.
const positionListTTL = 30 * time.Second

// PositionService defines the lifecycle operations the position handler needs.
type PositionService interface {
	Open(ctx context.Context, req lifecycle.OpenRequest) ([]domain.Position, error)
	Close(ctx context.Context, positionID string) (domain.CloseResult, error)
	EstimateClose(ctx context.Context, positionID string) (lifecycle.CloseEstimate, error)
	MarkClosed(ctx context.Context, positionID string) (domain.Position, error)
}

// PositionHandler serves position-related HTTP endpoints.
type PositionHandler struct {
	service   PositionService
	positions domain.PositionStore
	listCache domain.PositionListCache
	logger    *slog.Logger
}

// NewPositionHandler creates a PositionHandler with the given service, store,
// and list cache.
func NewPositionHandler(service PositionService, positions domain.PositionStore, listCache domain.PositionListCache, logger *slog.Logger) *PositionHandler {
	return &PositionHandler{
		service:   service,
		positions: positions,
		listCache: listCache,
		logger:    logger,
	}
}

// openPositionRequest is the JSON body for opening a position.
type openPositionRequest struct {
	UserID        string           `json:"userId"`
	Symbol        string           `json:"symbol"`
	LongExchange  string           `json:"longExchange"`
	ShortExchange string           `json:"shortExchange"`
	Size          decimal.Decimal  `json:"size"`
	Leverage      int              `json:"leverage"`
	SplitCount    int              `json:"splitCount"`
	StopLossPct   *decimal.Decimal `json:"stopLossPct"`
	TakeProfitPct *decimal.Decimal `json:"takeProfitPct"`
}

// listPositionsResponse wraps the list positions response.
type listPositionsResponse struct {
	Positions []domain.Position `json:"positions"`
}

// ListPositions returns all open positions for a user, served from the Redis
// list cache when fresh.
// GET /api/positions?user_id=u1
func (h *PositionHandler) ListPositions(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user_id query parameter required")
		return
	}

	if cached, err := h.listCache.Get(r.Context(), userID); err == nil && cached != nil {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		w.Write(cached)
		return
	}

	positions, err := h.positions.ListOpen(r.Context(), userID)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list positions failed",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list positions")
		return
	}
	if positions == nil {
		positions = []domain.Position{}
	}

	resp := listPositionsResponse{Positions: positions}
	if payload, err := json.Marshal(resp); err == nil {
		if err := h.listCache.Set(r.Context(), userID, payload, positionListTTL); err != nil {
			h.logger.WarnContext(r.Context(), "handler: position list cache set failed",
				slog.String("error", err.Error()),
			)
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// ListPositionHistory returns closed and failed positions for a user.
// GET /api/positions/history?user_id=u1
func (h *PositionHandler) ListPositionHistory(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user_id query parameter required")
		return
	}

	positions, err := h.positions.ListHistory(r.Context(), userID, parseListOpts(r))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list position history failed",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list position history")
		return
	}
	if positions == nil {
		positions = []domain.Position{}
	}
	writeJSON(w, http.StatusOK, listPositionsResponse{Positions: positions})
}

// GetPosition returns a single position by ID.
// GET /api/positions/{id}
func (h *PositionHandler) GetPosition(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	pos, err := h.positions.GetByID(r.Context(), id)
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

// OpenPosition opens a new delta-neutral position, split into several when
// splitCount > 1. Partially filled opens still return 201; the per-position
// status carries the leg outcomes.
// POST /api/positions
func (h *PositionHandler) OpenPosition(w http.ResponseWriter, r *http.Request) {
	var req openPositionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	positions, err := h.service.Open(r.Context(), lifecycle.OpenRequest{
		UserID:        req.UserID,
		Symbol:        req.Symbol,
		LongExchange:  req.LongExchange,
		ShortExchange: req.ShortExchange,
		Size:          req.Size,
		Leverage:      req.Leverage,
		SplitCount:    req.SplitCount,
		StopLossPct:   req.StopLossPct,
		TakeProfitPct: req.TakeProfitPct,
	})
	if err != nil {
		var verr *domain.ValidationError
		if errors.As(err, &verr) {
			writeError(w, http.StatusBadRequest, verr.Error())
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: open position failed",
			slog.String("symbol", req.Symbol),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to open position")
		return
	}

	writeJSON(w, http.StatusCreated, listPositionsResponse{Positions: positions})
}

// EstimateClose quotes the estimated net PnL of closing a position at live
// marks without placing any orders.
// GET /api/positions/{id}/estimate
func (h *PositionHandler) EstimateClose(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	est, err := h.service.EstimateClose(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "position not found")
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: estimate close failed",
			slog.String("id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to estimate close")
		return
	}
	writeJSON(w, http.StatusOK, est)
}

// ClosePosition closes both legs of a position. Venue rejections are reported
// in the result, not as an HTTP error.
// POST /api/positions/{id}/close
func (h *PositionHandler) ClosePosition(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	result, err := h.service.Close(r.Context(), id)
	if err != nil {
		var verr *domain.ValidationError
		switch {
		case errors.Is(err, domain.ErrNotFound):
			writeError(w, http.StatusNotFound, "position not found")
		case errors.As(err, &verr):
			writeError(w, http.StatusConflict, verr.Error())
		default:
			h.logger.ErrorContext(r.Context(), "handler: close position failed",
				slog.String("id", id),
				slog.String("error", err.Error()),
			)
			writeError(w, http.StatusInternalServerError, "failed to close position")
		}
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// MarkClosed reconciles a stuck partial/failed position in the database
// without touching the venues.
// POST /api/positions/{id}/mark-closed
func (h *PositionHandler) MarkClosed(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	pos, err := h.service.MarkClosed(r.Context(), id)
	if err != nil {
		var verr *domain.ValidationError
		switch {
		case errors.Is(err, domain.ErrNotFound):
			writeError(w, http.StatusNotFound, "position not found")
		case errors.As(err, &verr):
			writeError(w, http.StatusConflict, verr.Error())
		default:
			h.logger.ErrorContext(r.Context(), "handler: mark closed failed",
				slog.String("id", id),
				slog.String("error", err.Error()),
			)
			writeError(w, http.StatusInternalServerError, "failed to mark position closed")
		}
		return
	}
	writeJSON(w, http.StatusOK, pos)
}
