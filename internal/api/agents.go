package api

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/oclonee/omnichanel-clinic/internal/alerts"
	"github.com/oclonee/omnichanel-clinic/internal/types"
	"github.com/rs/zerolog"
)

// AgentView is the agent registry as the API sees it
type AgentView interface {
	Snapshot() []types.AgentState
	Refresh(ctx context.Context) error
}

// Disconnector logs a connected console out
type Disconnector interface {
	ForceDisconnect(agentID string) bool
}

// AgentHandler serves the supervisor agent endpoints
type AgentHandler struct {
	agents AgentView
	hub    Disconnector
	logger zerolog.Logger
}

// NewAgentHandler creates a new AgentHandler
func NewAgentHandler(agents AgentView, hub Disconnector, logger zerolog.Logger) *AgentHandler {
	return &AgentHandler{
		agents: agents,
		hub:    hub,
		logger: logger.With().Str("component", "agents_api").Logger(),
	}
}

// List handles GET /api/agents. Online agents come first, then by load.
func (h *AgentHandler) List(w http.ResponseWriter, r *http.Request) {
	states := h.agents.Snapshot()
	sort.SliceStable(states, func(i, j int) bool {
		if states[i].Online != states[j].Online {
			return states[i].Online
		}
		if states[i].CurrentLoad != states[j].CurrentLoad {
			return states[i].CurrentLoad > states[j].CurrentLoad
		}
		return states[i].ID < states[j].ID
	})

	out := make([]types.AgentPerformance, 0, len(states))
	online := 0
	for _, s := range states {
		if s.Online {
			online++
		}
		out = append(out, s.Performance())
	}
	alerts.CheckAgentAlerts(out, time.Now())

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"total":  len(out),
		"online": online,
		"agents": out,
	})
}

// Refresh handles POST /api/agents/refresh
func (h *AgentHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	if err := h.agents.Refresh(r.Context()); err != nil {
		h.logger.Error().Err(err).Msg("agent refresh failed")
		writeError(w, http.StatusBadGateway, "agent refresh failed")
		return
	}

	h.logger.Info().Msg("agent registry refreshed via API")
	writeJSON(w, http.StatusOK, map[string]int{"agents": len(h.agents.Snapshot())})
}

// Logout handles POST /api/agents/{agentId}/logout
func (h *AgentHandler) Logout(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentId")
	if agentID == "" {
		writeError(w, http.StatusBadRequest, "agentId is required")
		return
	}

	if !h.hub.ForceDisconnect(agentID) {
		writeError(w, http.StatusNotFound, "agent not connected")
		return
	}

	h.logger.Info().Str("agent_id", agentID).Msg("force-disconnected agent via API")
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "agent logged out",
		"agentId": agentID,
	})
}
