package handler

import (
	"log/slog"
	"net/http"

	"github.com/q0821/fundingarb/internal/domain"
)

// RateFeed exposes the live funding-rate table the rates handler reads.
type RateFeed interface {
	Pairs() []domain.FundingRatePair
	Pair(symbol string) (domain.FundingRatePair, bool)
}

// RatesHandler serves the live normalized funding-rate endpoints.
type RatesHandler struct {
	feed   RateFeed
	logger *slog.Logger
}

// NewRatesHandler creates a RatesHandler over the given feed.
func NewRatesHandler(feed RateFeed, logger *slog.Logger) *RatesHandler {
	return &RatesHandler{
		feed:   feed,
		logger: logger,
	}
}

// listRatesResponse wraps the rates response.
type listRatesResponse struct {
	Rates []domain.FundingRatePair `json:"rates"`
}

// ListRates returns the current best long/short pairing per symbol.
// GET /api/rates
func (h *RatesHandler) ListRates(w http.ResponseWriter, r *http.Request) {
	pairs := h.feed.Pairs()
	if pairs == nil {
		pairs = []domain.FundingRatePair{}
	}
	writeJSON(w, http.StatusOK, listRatesResponse{Rates: pairs})
}

// GetRate returns the current pairing for one symbol.
// GET /api/rates/{symbol}
func (h *RatesHandler) GetRate(w http.ResponseWriter, r *http.Request) {
	symbol := pathParam(r, "symbol")
	if symbol == "" {
		writeError(w, http.StatusBadRequest, "symbol required")
		return
	}

	pair, ok := h.feed.Pair(symbol)
	if !ok {
		writeError(w, http.StatusNotFound, "no funding data for symbol")
		return
	}
	writeJSON(w, http.StatusOK, pair)
}
