package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/oclonee/omnichanel-clinic/internal/types"
	"github.com/rs/zerolog"
)

// PresenceProcessor applies presence changes
type PresenceProcessor interface {
	ProcessPresence(ctx context.Context, msg *types.AgentPresence) error
}

// RosterStore records agents announced ahead of their first login
type RosterStore interface {
	UpsertAgent(ctx context.Context, profile types.AgentProfile) error
}

// AgentRegistrar adds agents to the in-memory registry
type AgentRegistrar interface {
	Get(agentID string) (types.AgentState, bool)
	Register(profile types.AgentProfile) types.AgentState
}

// RosterEntry is one agent in a roster payload
type RosterEntry struct {
	AgentID     string          `json:"agentId"`
	Name        string          `json:"name"`
	Role        types.AgentRole `json:"role"`
	MaxCapacity int             `json:"maxCapacity,omitempty"`
}

// PresenceHandler serves presence updates pushed by trusted internal services
type PresenceHandler struct {
	processor PresenceProcessor
	agents    AgentRegistrar
	store     RosterStore
	logger    zerolog.Logger
}

// NewPresenceHandler creates a new PresenceHandler
func NewPresenceHandler(processor PresenceProcessor, agents AgentRegistrar, store RosterStore, logger zerolog.Logger) *PresenceHandler {
	return &PresenceHandler{
		processor: processor,
		agents:    agents,
		store:     store,
		logger:    logger.With().Str("component", "presence_api").Logger(),
	}
}

// HandlePresence handles POST /internal/agents/presence
func (h *PresenceHandler) HandlePresence(w http.ResponseWriter, r *http.Request) {
	var msg types.AgentPresence
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if msg.AgentID == "" {
		writeError(w, http.StatusBadRequest, "agentId is required")
		return
	}

	if err := h.processor.ProcessPresence(r.Context(), &msg); err != nil {
		h.logger.Warn().Err(err).Str("agent_id", msg.AgentID).Msg("presence update failed")
		writeError(w, statusFor(err), err.Error())
		return
	}

	state, known := h.agents.Get(msg.AgentID)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"agentId": msg.AgentID,
		"known":   known,
		"online":  known && state.Online,
	})
}

// HandleRoster handles POST /internal/agents/roster. Listed agents are known
// but offline until they connect.
func (h *PresenceHandler) HandleRoster(w http.ResponseWriter, r *http.Request) {
	var roster []RosterEntry
	if err := json.NewDecoder(r.Body).Decode(&roster); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	registered := 0
	for _, entry := range roster {
		if entry.AgentID == "" {
			continue
		}
		if _, exists := h.agents.Get(entry.AgentID); exists {
			continue
		}
		role := entry.Role
		if role == "" {
			role = types.RoleAttendant
		}
		state := h.agents.Register(types.AgentProfile{
			ID:          entry.AgentID,
			Name:        entry.Name,
			Role:        role,
			MaxCapacity: entry.MaxCapacity,
		})
		if err := h.store.UpsertAgent(r.Context(), types.AgentProfile{
			ID:          state.ID,
			Name:        state.Name,
			Role:        state.Role,
			MaxCapacity: state.MaxCapacity,
			Rating:      state.Rating,
		}); err != nil {
			h.logger.Warn().Err(err).Str("agent_id", entry.AgentID).Msg("failed to persist roster entry")
		}
		registered++
	}

	h.logger.Info().Int("registered", registered).Msg("roster received")
	writeJSON(w, http.StatusOK, map[string]int{"registered": registered})
}
