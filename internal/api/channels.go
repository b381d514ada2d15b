package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/oclonee/omnichanel-clinic/internal/auth"
	"github.com/oclonee/omnichanel-clinic/internal/types"
	"github.com/rs/zerolog"
)

// ChannelRouter lists adapters and sends through them
type ChannelRouter interface {
	Statuses(ctx context.Context) []types.ChannelInfo
	SendVia(ctx context.Context, t types.ChannelType, to, content string) (types.SendOutcome, error)
}

// Transcript records replies on a conversation
type Transcript interface {
	GetConversation(ctx context.Context, id string) (*types.Conversation, error)
	AppendMessage(ctx context.Context, msg *types.Message) error
}

// ChannelHandler serves the channel endpoints
type ChannelHandler struct {
	channels   ChannelRouter
	transcript Transcript
	logger     zerolog.Logger
}

// NewChannelHandler creates a new ChannelHandler
func NewChannelHandler(channels ChannelRouter, transcript Transcript, logger zerolog.Logger) *ChannelHandler {
	return &ChannelHandler{
		channels:   channels,
		transcript: transcript,
		logger:     logger.With().Str("component", "channels_api").Logger(),
	}
}

type sendRequest struct {
	To             string `json:"to"`
	Content        string `json:"content"`
	ConversationID string `json:"conversationId,omitempty"`
}

// List handles GET /api/channels
func (h *ChannelHandler) List(w http.ResponseWriter, r *http.Request) {
	infos := h.channels.Statuses(r.Context())
	active := 0
	for _, info := range infos {
		if info.Active {
			active++
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"total":    len(infos),
		"active":   active,
		"channels": infos,
	})
}

// Send handles POST /api/channels/{type}/send. With a conversationId the
// reply is recorded on that conversation's transcript.
func (h *ChannelHandler) Send(w http.ResponseWriter, r *http.Request) {
	channelType := types.ChannelType(chi.URLParam(r, "type"))
	if !channelType.Valid() {
		writeError(w, http.StatusBadRequest, "unknown channel")
		return
	}

	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.To == "" || req.Content == "" {
		writeError(w, http.StatusBadRequest, "to and content are required")
		return
	}

	var conv *types.Conversation
	if req.ConversationID != "" {
		c, err := h.transcript.GetConversation(r.Context(), req.ConversationID)
		if err != nil {
			writeError(w, statusFor(err), err.Error())
			return
		}
		if c.Channel != channelType {
			writeError(w, http.StatusBadRequest, "conversation belongs to channel "+string(c.Channel))
			return
		}
		conv = c
	}

	outcome, err := h.channels.SendVia(r.Context(), channelType, req.To, req.Content)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	if !outcome.Success {
		writeJSON(w, http.StatusBadGateway, outcome)
		return
	}

	if conv != nil {
		msg := &types.Message{
			ConversationID: conv.ID,
			Direction:      types.DirectionOutbound,
			Author:         actor(r),
			Content:        req.Content,
			ExternalID:     outcome.ExternalMessageID,
			CreatedAt:      time.Now(),
		}
		if err := h.transcript.AppendMessage(r.Context(), msg); err != nil {
			// the message already left; only the transcript is behind
			h.logger.Error().Err(err).Str("conversation_id", conv.ID).Msg("failed to record outbound message")
		}
	}

	if claims, ok := auth.GetUserFromContext(r.Context()); ok {
		h.logger.Debug().
			Str("channel", string(channelType)).
			Str("agent_id", claims.AgentID).
			Str("external_id", outcome.ExternalMessageID).
			Msg("message sent")
	}
	writeJSON(w, http.StatusOK, outcome)
}
