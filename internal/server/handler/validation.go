package handler

import (
	"log/slog"
	"net/http"

	"github.com/q0821/fundingarb/internal/domain"
)

// ValidationHandler serves the funding-interval validation endpoints.
type ValidationHandler struct {
	validations domain.ValidationStore
	logger      *slog.Logger
}

// NewValidationHandler creates a ValidationHandler backed by the given store.
func NewValidationHandler(validations domain.ValidationStore, logger *slog.Logger) *ValidationHandler {
	return &ValidationHandler{
		validations: validations,
		logger:      logger,
	}
}

// listMismatchesResponse wraps the mismatch list response.
type listMismatchesResponse struct {
	Mismatches []domain.RateValidationRecord `json:"mismatches"`
}

// ListMismatches returns interval checks where a venue's reported settlement
// interval disagreed with the detected one.
// GET /api/validation/mismatches
func (h *ValidationHandler) ListMismatches(w http.ResponseWriter, r *http.Request) {
	rows, err := h.validations.ListMismatches(r.Context(), parseListOpts(r))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list mismatches failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list mismatches")
		return
	}
	if rows == nil {
		rows = []domain.RateValidationRecord{}
	}
	writeJSON(w, http.StatusOK, listMismatchesResponse{Mismatches: rows})
}
