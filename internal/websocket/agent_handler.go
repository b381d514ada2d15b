package websocket

import (
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/oclonee/omnichanel-clinic/internal/auth"
	"github.com/rs/zerolog"
)

var agentUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// origins are enforced by the CORS layer and the token
		return true
	},
}

// AgentHandler upgrades console connections
type AgentHandler struct {
	hub    *AgentHub
	logger zerolog.Logger
}

// NewAgentHandler creates a new AgentHandler
func NewAgentHandler(hub *AgentHub, logger zerolog.Logger) *AgentHandler {
	return &AgentHandler{
		hub:    hub,
		logger: logger,
	}
}

// ServeHTTP upgrades the request. The client registers with the hub once it
// sends its register message.
func (h *AgentHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.GetUserFromContext(r.Context())

	conn, err := agentUpgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to upgrade agent connection")
		return
	}

	client := NewAgentClient(h.hub, conn, user, h.logger)
	client.Start()
}
