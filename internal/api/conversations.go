package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/oclonee/omnichanel-clinic/internal/auth"
	"github.com/oclonee/omnichanel-clinic/internal/types"
	"github.com/rs/zerolog"
)

// ConversationActions are the dispatcher operations supervisors trigger
type ConversationActions interface {
	Escalate(ctx context.Context, conversationID, reason string) error
	UpdatePriority(ctx context.Context, conversationID string, priority int) error
	Reassign(ctx context.Context, conversationID string) (types.QueueItem, error)
	Close(ctx context.Context, conversationID string, status types.ConversationStatus) error
}

// ConversationReader loads conversations and their transcript
type ConversationReader interface {
	GetConversation(ctx context.Context, id string) (*types.Conversation, error)
	ListMessages(ctx context.Context, conversationID string, limit int) ([]types.Message, error)
}

// ReminderScheduler books follow-ups for a conversation
type ReminderScheduler interface {
	Schedule(conversationID string, kind types.ReminderKind) (types.Reminder, error)
	Pending(conversationID string) []types.Reminder
}

// ConversationHandler serves the conversation endpoints
type ConversationHandler struct {
	actions   ConversationActions
	store     ConversationReader
	reminders ReminderScheduler
	logger    zerolog.Logger
}

// NewConversationHandler creates a new ConversationHandler
func NewConversationHandler(actions ConversationActions, store ConversationReader, reminders ReminderScheduler, logger zerolog.Logger) *ConversationHandler {
	return &ConversationHandler{
		actions:   actions,
		store:     store,
		reminders: reminders,
		logger:    logger.With().Str("component", "conversations_api").Logger(),
	}
}

type escalateRequest struct {
	Reason string `json:"reason"`
}

type priorityRequest struct {
	Priority *int `json:"priority"`
}

type closeRequest struct {
	Status types.ConversationStatus `json:"status"`
}

type reminderRequest struct {
	Kind types.ReminderKind `json:"kind"`
}

// load resolves {id} and writes the error response when it cannot
func (h *ConversationHandler) load(w http.ResponseWriter, r *http.Request) (*types.Conversation, bool) {
	id := chi.URLParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "conversation id is required")
		return nil, false
	}
	conv, err := h.store.GetConversation(r.Context(), id)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return nil, false
	}
	return conv, true
}

// decode reads an optional JSON body
func decode(r *http.Request, v interface{}) error {
	if r.ContentLength == 0 {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

// Get handles GET /api/conversations/{id}
func (h *ConversationHandler) Get(w http.ResponseWriter, r *http.Request) {
	conv, ok := h.load(w, r)
	if !ok {
		return
	}

	claims, _ := auth.GetUserFromContext(r.Context())
	if !claims.Supervises() && (claims == nil || conv.AssignedAgentID != claims.AgentID) {
		writeError(w, http.StatusForbidden, "conversation is assigned to another agent")
		return
	}

	messages, err := h.store.ListMessages(r.Context(), conv.ID, queryLimit(r))
	if err != nil {
		h.logger.Error().Err(err).Str("conversation_id", conv.ID).Msg("failed to list messages")
		writeError(w, statusFor(err), "failed to list messages")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"conversation": conv,
		"messages":     messages,
		"reminders":    h.reminders.Pending(conv.ID),
	})
}

// Escalate handles POST /api/conversations/{id}/escalate
func (h *ConversationHandler) Escalate(w http.ResponseWriter, r *http.Request) {
	var req escalateRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	conv, ok := h.load(w, r)
	if !ok {
		return
	}

	reason := req.Reason
	if reason == "" {
		reason = "Escalated by " + actor(r)
	}
	if err := h.actions.Escalate(r.Context(), conv.ID, reason); err != nil {
		h.logger.Error().Err(err).Str("conversation_id", conv.ID).Msg("escalation failed")
		writeError(w, statusFor(err), err.Error())
		return
	}

	h.logger.Info().Str("conversation_id", conv.ID).Str("by", actor(r)).Msg("conversation escalated via API")
	writeJSON(w, http.StatusOK, map[string]string{"conversationId": conv.ID, "status": "escalated"})
}

// SetPriority handles PUT /api/conversations/{id}/priority
func (h *ConversationHandler) SetPriority(w http.ResponseWriter, r *http.Request) {
	var req priorityRequest
	if err := decode(r, &req); err != nil || req.Priority == nil {
		writeError(w, http.StatusBadRequest, "priority is required")
		return
	}
	conv, ok := h.load(w, r)
	if !ok {
		return
	}

	if err := h.actions.UpdatePriority(r.Context(), conv.ID, *req.Priority); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"conversationId": conv.ID, "priority": *req.Priority})
}

// Reassign handles POST /api/conversations/{id}/reassign
func (h *ConversationHandler) Reassign(w http.ResponseWriter, r *http.Request) {
	conv, ok := h.load(w, r)
	if !ok {
		return
	}

	item, err := h.actions.Reassign(r.Context(), conv.ID)
	if err != nil {
		h.logger.Warn().Err(err).Str("conversation_id", conv.ID).Msg("reassign failed")
		writeError(w, statusFor(err), err.Error())
		return
	}

	status := "waiting"
	if item.AssignedAgentID != "" {
		status = "assigned"
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"item": item, "status": status})
}

// Close handles POST /api/conversations/{id}/close. Attendants may close
// only their own conversations.
func (h *ConversationHandler) Close(w http.ResponseWriter, r *http.Request) {
	var req closeRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	status := req.Status
	if status == "" {
		status = types.ConversationResolved
	}
	if status.Open() {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("status %q does not close a conversation", status))
		return
	}

	conv, ok := h.load(w, r)
	if !ok {
		return
	}
	claims, _ := auth.GetUserFromContext(r.Context())
	if !claims.Supervises() && (claims == nil || conv.AssignedAgentID != claims.AgentID) {
		writeError(w, http.StatusForbidden, "conversation is assigned to another agent")
		return
	}

	if err := h.actions.Close(r.Context(), conv.ID, status); err != nil {
		h.logger.Error().Err(err).Str("conversation_id", conv.ID).Msg("close failed")
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"conversationId": conv.ID, "status": string(status)})
}

// ScheduleReminder handles POST /api/conversations/{id}/reminders
func (h *ConversationHandler) ScheduleReminder(w http.ResponseWriter, r *http.Request) {
	var req reminderRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	conv, ok := h.load(w, r)
	if !ok {
		return
	}
	if !conv.Status.Open() {
		writeError(w, http.StatusConflict, "conversation is closed")
		return
	}

	rem, err := h.reminders.Schedule(conv.ID, req.Kind)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	h.logger.Info().
		Str("conversation_id", conv.ID).
		Str("kind", string(rem.Kind)).
		Time("fire_at", rem.FireAt).
		Msg("reminder scheduled")
	writeJSON(w, http.StatusCreated, rem)
}

// ListReminders handles GET /api/conversations/{id}/reminders
func (h *ConversationHandler) ListReminders(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	pending := h.reminders.Pending(id)
	writeJSON(w, http.StatusOK, map[string]interface{}{"total": len(pending), "reminders": pending})
}

func actor(r *http.Request) string {
	if claims, ok := auth.GetUserFromContext(r.Context()); ok && claims.AgentID != "" {
		return claims.AgentID
	}
	return "unknown"
}
