package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/q0821/fundingarb/internal/domain"
)

// GroupService defines the group-level lifecycle operations the handler needs.
type GroupService interface {
	Group(ctx context.Context, groupID string) (domain.PositionGroup, error)
	BatchClose(ctx context.Context, groupID string, locks domain.LockManager) (domain.BatchCloseResult, error)
	MarkGroupClosed(ctx context.Context, groupID string) (int, error)
}

// GroupHandler serves position-group HTTP endpoints.
type GroupHandler struct {
	service GroupService
	locks   domain.LockManager
	logger  *slog.Logger
}

// NewGroupHandler creates a GroupHandler with the given service and lock
// manager.
func NewGroupHandler(service GroupService, locks domain.LockManager, logger *slog.Logger) *GroupHandler {
	return &GroupHandler{
		service: service,
		locks:   locks,
		logger:  logger,
	}
}

// GetGroup returns the aggregated view of a split-position group.
// GET /api/groups/{id}
func (h *GroupHandler) GetGroup(w http.ResponseWriter, r *http.Request) {
	groupID := pathParam(r, "id")
	group, err := h.service.Group(r.Context(), groupID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "group not found")
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: get group failed",
			slog.String("group_id", groupID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to get group")
		return
	}
	writeJSON(w, http.StatusOK, group)
}

// BatchClose closes every open member of a group. Progress streams over the
// WebSocket hub while this request runs; the response carries the final
// aggregate result. A concurrent batch close on the same group returns 409.
// POST /api/groups/{id}/close
func (h *GroupHandler) BatchClose(w http.ResponseWriter, r *http.Request) {
	groupID := pathParam(r, "id")
	result, err := h.service.BatchClose(r.Context(), groupID, h.locks)
	if err != nil {
		if errors.Is(err, domain.ErrLockHeld) {
			writeError(w, http.StatusConflict, "batch close already running for group")
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: batch close failed",
			slog.String("group_id", groupID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to batch close group")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// markGroupClosedResponse wraps the mark-group-closed response.
type markGroupClosedResponse struct {
	GroupID    string `json:"groupId"`
	Reconciled int    `json:"reconciled"`
}

// MarkGroupClosed reconciles every stuck partial/failed member of a group in
// the database without touching the venues.
// POST /api/groups/{id}/mark-closed
func (h *GroupHandler) MarkGroupClosed(w http.ResponseWriter, r *http.Request) {
	groupID := pathParam(r, "id")
	n, err := h.service.MarkGroupClosed(r.Context(), groupID)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: mark group closed failed",
			slog.String("group_id", groupID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to mark group closed")
		return
	}
	writeJSON(w, http.StatusOK, markGroupClosedResponse{GroupID: groupID, Reconciled: n})
}
