package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/q0821/fundingarb/internal/domain"
)

// TradeHandler serves closed-trade HTTP endpoints.
type TradeHandler struct {
	trades domain.TradeStore
	logger *slog.Logger
}

// NewTradeHandler creates a TradeHandler backed by the given store.
func NewTradeHandler(trades domain.TradeStore, logger *slog.Logger) *TradeHandler {
	return &TradeHandler{
		trades: trades,
		logger: logger,
	}
}

// listTradesResponse wraps the list trades response.
type listTradesResponse struct {
	Trades []domain.ClosedTrade `json:"trades"`
}

// ListTrades returns a user's closed trades, most recent first.
// GET /api/trades?user_id=u1
func (h *TradeHandler) ListTrades(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user_id query parameter required")
		return
	}

	trades, err := h.trades.ListByUser(r.Context(), userID, parseListOpts(r))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list trades failed",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list trades")
		return
	}
	if trades == nil {
		trades = []domain.ClosedTrade{}
	}
	writeJSON(w, http.StatusOK, listTradesResponse{Trades: trades})
}

// tradeSummaryResponse wraps the trade summary response.
type tradeSummaryResponse struct {
	UserID   string          `json:"userId"`
	Since    time.Time       `json:"since"`
	TotalPnL decimal.Decimal `json:"totalPnl"`
}

// TradeSummary returns a user's total realized net PnL since a point in time
// (defaults to the last 30 days).
// GET /api/trades/summary?user_id=u1&since=2026-08-01T00:00:00Z
func (h *TradeHandler) TradeSummary(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user_id query parameter required")
		return
	}

	since := time.Now().UTC().AddDate(0, 0, -30)
	if v := r.URL.Query().Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC 3339")
			return
		}
		since = t
	}

	total, err := h.trades.SumNetPnL(r.Context(), userID, since)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: trade summary failed",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to summarize trades")
		return
	}

	writeJSON(w, http.StatusOK, tradeSummaryResponse{
		UserID:   userID,
		Since:    since,
		TotalPnL: total,
	})
}
