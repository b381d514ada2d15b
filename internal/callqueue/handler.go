package callqueue

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/oclonee/omnichanel-clinic/internal/types"
	"github.com/rs/zerolog"
)

// Handler serves the queue endpoints
type Handler struct {
	dispatcher *Dispatcher
	logger     zerolog.Logger
}

// NewHandler creates a new Handler
func NewHandler(d *Dispatcher, logger zerolog.Logger) *Handler {
	return &Handler{
		dispatcher: d,
		logger:     logger,
	}
}

// enqueueRequest is the JSON body for POST /api/queue/enqueue
type enqueueRequest struct {
	ConversationID string            `json:"conversationId"`
	OriginID       string            `json:"originId"`
	OriginName     string            `json:"originName,omitempty"`
	Channel        types.ChannelType `json:"channel"`
	Priority       *int              `json:"priority,omitempty"`
}

type enqueueResponse struct {
	Item   types.QueueItem `json:"item"`
	Status string          `json:"status"`
}

// HandleStatus handles GET /api/queue/status
func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.dispatcher.Status())
}

// HandleItems handles GET /api/queue/items
func (h *Handler) HandleItems(w http.ResponseWriter, r *http.Request) {
	items := h.dispatcher.Items()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"total": len(items),
		"items": items,
	})
}

// HandleEnqueue handles POST /api/queue/enqueue
func (h *Handler) HandleEnqueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if req.ConversationID == "" {
		http.Error(w, "missing conversationId field", http.StatusBadRequest)
		return
	}
	if req.Channel != "" && !req.Channel.Valid() {
		http.Error(w, "invalid channel", http.StatusBadRequest)
		return
	}

	priority := types.DefaultPriority
	if req.Priority != nil {
		priority = *req.Priority
	}

	item, err := h.dispatcher.Enqueue(r.Context(), types.QueueItem{
		ConversationID: req.ConversationID,
		OriginID:       req.OriginID,
		OriginName:     req.OriginName,
		Channel:        req.Channel,
		Priority:       priority,
	})
	switch {
	case errors.Is(err, ErrAlreadyAssigned):
		http.Error(w, err.Error(), http.StatusConflict)
		return
	case errors.Is(err, ErrAssignmentConflict):
		// still queued, the sweep retries
		h.logger.Warn().Err(err).Str("conversation_id", req.ConversationID).Msg("immediate assignment failed")
	case err != nil:
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	status := "waiting"
	if item.AssignedAgentID != "" {
		status = "assigned"
	}
	writeJSON(w, http.StatusOK, enqueueResponse{Item: item, Status: status})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
