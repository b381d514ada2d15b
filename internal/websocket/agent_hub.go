package websocket

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/oclonee/omnichanel-clinic/internal/metrics"
	"github.com/oclonee/omnichanel-clinic/internal/types"
	"github.com/rs/zerolog"
)

// EventProcessor handles the messages agent consoles send
type EventProcessor interface {
	ProcessRegister(ctx context.Context, reg *types.AgentRegister) error
	ProcessHeartbeat(ctx context.Context, hb *types.AgentHeartbeat)
	ProcessPresence(ctx context.Context, msg *types.AgentPresence) error
	ProcessClose(ctx context.Context, msg *types.ConversationClose) error
	ProcessDisconnect(ctx context.Context, agentID string)
}

type registration struct {
	client *AgentClient
	reg    *types.AgentRegister
}

type clientEvent struct {
	client    *AgentClient
	heartbeat *types.AgentHeartbeat
	presence  *types.AgentPresence
	close     *types.ConversationClose
}

// AgentHub maintains the set of registered console connections, keyed by agent
type AgentHub struct {
	agents map[string]*AgentClient

	register   chan registration
	unregister chan *AgentClient
	events     chan clientEvent

	// closed when Run returns so client pumps never block on a stopped hub
	done chan struct{}

	mu sync.RWMutex

	processor EventProcessor
	metrics   *metrics.Recorder
	logger    zerolog.Logger
}

// NewAgentHub creates a new AgentHub
func NewAgentHub(processor EventProcessor, logger zerolog.Logger) *AgentHub {
	return &AgentHub{
		agents:     make(map[string]*AgentClient),
		register:   make(chan registration),
		unregister: make(chan *AgentClient),
		events:     make(chan clientEvent, 1000),
		done:       make(chan struct{}),
		processor:  processor,
		logger:     logger.With().Str("component", "agent-hub").Logger(),
	}
}

// SetMetrics attaches a metrics recorder
func (h *AgentHub) SetMetrics(m *metrics.Recorder) {
	h.metrics = m
}

// Run starts the hub's main loop and blocks until ctx is cancelled
func (h *AgentHub) Run(ctx context.Context) {
	defer h.shutdown()

	for {
		select {
		case <-ctx.Done():
			return

		case r := <-h.register:
			h.add(ctx, r)

		case client := <-h.unregister:
			h.remove(ctx, client)

		case ev := <-h.events:
			h.dispatch(ctx, ev)
		}
	}
}

func (h *AgentHub) add(ctx context.Context, r registration) {
	client := r.client

	h.mu.Lock()
	if existing, ok := h.agents[client.agentID]; ok && existing != client {
		existing.Close()
		h.metrics.RecordAgentDisconnect()
	}
	h.agents[client.agentID] = client
	total := len(h.agents)
	h.mu.Unlock()

	h.metrics.RecordAgentConnect()

	if err := h.processor.ProcessRegister(ctx, r.reg); err != nil {
		h.logger.Warn().Err(err).Str("agent_id", client.agentID).Msg("agent registration failed")
		client.sendError(err.Error())
		return
	}

	h.logger.Debug().
		Str("agent_id", client.agentID).
		Str("role", string(client.role)).
		Int("total_agents", total).
		Msg("agent connected")
}

func (h *AgentHub) remove(ctx context.Context, client *AgentClient) {
	h.mu.Lock()
	existing, ok := h.agents[client.agentID]
	current := ok && existing == client
	if current {
		delete(h.agents, client.agentID)
	}
	total := len(h.agents)
	h.mu.Unlock()

	client.Close()
	if !current {
		return
	}

	h.processor.ProcessDisconnect(ctx, client.agentID)
	h.metrics.RecordAgentDisconnect()

	h.logger.Debug().
		Str("agent_id", client.agentID).
		Int("total_agents", total).
		Msg("agent disconnected")
}

func (h *AgentHub) dispatch(ctx context.Context, ev clientEvent) {
	var err error
	switch {
	case ev.heartbeat != nil:
		h.processor.ProcessHeartbeat(ctx, ev.heartbeat)
	case ev.presence != nil:
		err = h.processor.ProcessPresence(ctx, ev.presence)
	case ev.close != nil:
		err = h.processor.ProcessClose(ctx, ev.close)
	}
	if err != nil {
		h.logger.Debug().Err(err).Str("agent_id", ev.client.agentID).Msg("agent event rejected")
		ev.client.sendError(err.Error())
	}
}

func (h *AgentHub) shutdown() {
	close(h.done)

	h.mu.Lock()
	defer h.mu.Unlock()
	for id, client := range h.agents {
		client.Close()
		delete(h.agents, id)
	}
}

// submit hands a client event to the hub unless it has stopped
func (h *AgentHub) submit(ev clientEvent) {
	select {
	case h.events <- ev:
	case <-h.done:
	}
}

// AgentCount returns the number of registered consoles
func (h *AgentHub) AgentCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.agents)
}

// SendToAgent sends a message to a specific agent
func (h *AgentHub) SendToAgent(agentID string, message []byte) bool {
	h.mu.RLock()
	client, ok := h.agents[agentID]
	h.mu.RUnlock()

	if !ok {
		return false
	}
	return client.safeSend(message)
}

// BroadcastToManagers sends a message to every supervising console and
// returns how many accepted it
func (h *AgentHub) BroadcastToManagers(message []byte) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	sent := 0
	for _, client := range h.agents {
		if client.role.Supervises() && client.safeSend(message) {
			sent++
		}
	}
	return sent
}

// PushQueueStatus broadcasts a queue snapshot to supervisors
func (h *AgentHub) PushQueueStatus(push types.QueueStatusPush) int {
	push.Type = "queue_status"
	data, err := json.Marshal(push)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to marshal queue status")
		return 0
	}
	return h.BroadcastToManagers(data)
}

// ForceDisconnect tells the agent's console it is logged out, then closes
// it. The connection's own teardown marks the agent offline.
func (h *AgentHub) ForceDisconnect(agentID string) bool {
	data, err := json.Marshal(types.ForceDisconnect{Type: "force_disconnect", AgentID: agentID})
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to marshal force_disconnect")
		return false
	}

	h.mu.RLock()
	client, ok := h.agents[agentID]
	h.mu.RUnlock()
	if !ok {
		return false
	}

	client.safeSend(data)
	client.Close()
	h.logger.Info().Str("agent_id", agentID).Msg("agent force-disconnected")
	return true
}
