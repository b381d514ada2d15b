package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/oclonee/omnichanel-clinic/internal/auth"
	"github.com/oclonee/omnichanel-clinic/internal/types"
	"github.com/rs/zerolog"
)

// NotificationStore reads a recipient's notifications
type NotificationStore interface {
	ListNotifications(ctx context.Context, recipientID string, limit int) ([]types.Notification, error)
	MarkNotificationRead(ctx context.Context, recipientID, id string) error
}

// NotificationHandler serves the caller's notification inbox
type NotificationHandler struct {
	store  NotificationStore
	logger zerolog.Logger
}

// NewNotificationHandler creates a new NotificationHandler
func NewNotificationHandler(store NotificationStore, logger zerolog.Logger) *NotificationHandler {
	return &NotificationHandler{
		store:  store,
		logger: logger.With().Str("component", "notifications_api").Logger(),
	}
}

// List handles GET /api/notifications
func (h *NotificationHandler) List(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.GetUserFromContext(r.Context())
	if !ok || claims.AgentID == "" {
		writeError(w, http.StatusUnauthorized, "no agent identity")
		return
	}

	items, err := h.store.ListNotifications(r.Context(), claims.AgentID, queryLimit(r))
	if err != nil {
		h.logger.Error().Err(err).Str("agent_id", claims.AgentID).Msg("failed to list notifications")
		writeError(w, statusFor(err), "failed to list notifications")
		return
	}

	unread := 0
	for _, n := range items {
		if !n.IsRead {
			unread++
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"total":         len(items),
		"unread":        unread,
		"notifications": items,
	})
}

// MarkRead handles POST /api/notifications/{id}/read
func (h *NotificationHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.GetUserFromContext(r.Context())
	if !ok || claims.AgentID == "" {
		writeError(w, http.StatusUnauthorized, "no agent identity")
		return
	}

	id := chi.URLParam(r, "id")
	if err := h.store.MarkNotificationRead(r.Context(), claims.AgentID, id); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
