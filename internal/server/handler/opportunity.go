package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/q0821/fundingarb/internal/domain"
)

// OpportunityHandler serves the opportunity and history HTTP endpoints.
type OpportunityHandler struct {
	opps    domain.OpportunityStore
	history domain.HistoryStore
	logger  *slog.Logger
}

// NewOpportunityHandler creates an OpportunityHandler backed by the given stores.
func NewOpportunityHandler(opps domain.OpportunityStore, history domain.HistoryStore, logger *slog.Logger) *OpportunityHandler {
	return &OpportunityHandler{
		opps:    opps,
		history: history,
		logger:  logger,
	}
}

// listOpportunitiesResponse wraps the list opportunities response.
type listOpportunitiesResponse struct {
	Opportunities []domain.Opportunity `json:"opportunities"`
}

// ListOpportunities returns opportunities, active ones by default. Pass
// ?all=true to page through ended rows as well.
// GET /api/opportunities
func (h *OpportunityHandler) ListOpportunities(w http.ResponseWriter, r *http.Request) {
	var (
		opps []domain.Opportunity
		err  error
	)
	if r.URL.Query().Get("all") == "true" {
		opps, err = h.opps.List(r.Context(), parseListOpts(r))
	} else {
		opps, err = h.opps.ListActive(r.Context())
	}
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list opportunities failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list opportunities")
		return
	}

	if opps == nil {
		opps = []domain.Opportunity{}
	}
	writeJSON(w, http.StatusOK, listOpportunitiesResponse{Opportunities: opps})
}

// GetOpportunity returns a single opportunity by ID.
// GET /api/opportunities/{id}
func (h *OpportunityHandler) GetOpportunity(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "opportunity id required")
		return
	}

	opp, err := h.opps.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "opportunity not found")
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: get opportunity failed",
			slog.String("id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to get opportunity")
		return
	}

	writeJSON(w, http.StatusOK, opp)
}

// listHistoryResponse wraps the opportunity history response.
type listHistoryResponse struct {
	History []domain.OpportunityHistory `json:"history"`
}

// ListHistory returns ended opportunities for a symbol, most recent first.
// GET /api/opportunities/history?symbol=BTCUSDT
func (h *OpportunityHandler) ListHistory(w http.ResponseWriter, r *http.Request) {
	symbol := r.URL.Query().Get("symbol")
	if symbol == "" {
		writeError(w, http.StatusBadRequest, "symbol query parameter required")
		return
	}

	rows, err := h.history.ListBySymbol(r.Context(), symbol, parseListOpts(r))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list history failed",
			slog.String("symbol", symbol),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list history")
		return
	}

	if rows == nil {
		rows = []domain.OpportunityHistory{}
	}
	writeJSON(w, http.StatusOK, listHistoryResponse{History: rows})
}
