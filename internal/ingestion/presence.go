package ingestion

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oclonee/omnichanel-clinic/internal/types"
	"github.com/rs/zerolog"
)

// AgentTracker is the subset of cache.AgentRegistry driven by presence events
type AgentTracker interface {
	Register(p types.AgentProfile) types.AgentState
	SetPresence(agentID string, online bool, at time.Time) bool
	Touch(agentID string, at time.Time) bool
	Get(agentID string) (types.AgentState, bool)
}

// ErrNotOwner is returned when a console closes a conversation held by
// another agent
var ErrNotOwner = errors.New("conversation is assigned to another agent")

// PresenceStore persists agent profiles and resolves conversation owners
type PresenceStore interface {
	UpsertAgent(ctx context.Context, p types.AgentProfile) error
	GetConversation(ctx context.Context, id string) (*types.Conversation, error)
}

// ConversationCloser finishes conversations and reruns assignment when
// capacity frees up
type ConversationCloser interface {
	Close(ctx context.Context, conversationID string, status types.ConversationStatus) error
	Sweep(ctx context.Context) (int, error)
	AssignedAgent(conversationID string) (string, bool)
}

// PresenceProcessor applies agent console events to the Agent Registry and
// the store
type PresenceProcessor struct {
	agents     AgentTracker
	store      PresenceStore
	dispatcher ConversationCloser

	// sweepAsync runs the follow-up sweep; tests replace it to run inline
	sweepAsync func(func())

	now    func() time.Time
	logger zerolog.Logger
}

// NewPresenceProcessor creates a new PresenceProcessor
func NewPresenceProcessor(agents AgentTracker, store PresenceStore, dispatcher ConversationCloser, logger zerolog.Logger) *PresenceProcessor {
	return &PresenceProcessor{
		agents:     agents,
		store:      store,
		dispatcher: dispatcher,
		sweepAsync: func(f func()) { go f() },
		now:        time.Now,
		logger:     logger.With().Str("component", "presence").Logger(),
	}
}

func (p *PresenceProcessor) ProcessRegister(ctx context.Context, reg *types.AgentRegister) error {
	if reg.AgentID == "" {
		return fmt.Errorf("register without agent id")
	}
	role := reg.Role
	if role == "" {
		role = types.RoleAttendant
	}

	profile := types.AgentProfile{
		ID:           reg.AgentID,
		Name:         reg.Name,
		Role:         role,
		IsOnline:     true,
		LastActivity: p.now(),
		MaxCapacity:  reg.MaxCapacity,
	}
	if existing, ok := p.agents.Get(reg.AgentID); ok {
		profile.Rating = existing.Rating
		if profile.MaxCapacity == 0 {
			profile.MaxCapacity = existing.MaxCapacity
		}
		if profile.Name == "" {
			profile.Name = existing.Name
		}
	}

	state := p.agents.Register(profile)
	p.persist(ctx, state)
	p.triggerSweep()

	p.logger.Info().
		Str("agent_id", reg.AgentID).
		Str("role", string(role)).
		Int("max_capacity", state.MaxCapacity).
		Msg("agent registered")
	return nil
}

func (p *PresenceProcessor) ProcessHeartbeat(_ context.Context, hb *types.AgentHeartbeat) {
	at := hb.Timestamp
	if at.IsZero() {
		at = p.now()
	}
	if !p.agents.Touch(hb.AgentID, at) {
		p.logger.Debug().Str("agent_id", hb.AgentID).Msg("heartbeat from unknown agent")
	}
}

// ProcessPresence toggles availability. An unknown agent going online is
// registered from the presence message.
func (p *PresenceProcessor) ProcessPresence(ctx context.Context, msg *types.AgentPresence) error {
	if msg.AgentID == "" {
		return fmt.Errorf("presence without agent id")
	}

	if !p.agents.SetPresence(msg.AgentID, msg.Online, p.now()) {
		if !msg.Online {
			return nil
		}
		return p.ProcessRegister(ctx, &types.AgentRegister{
			Type:    "register",
			AgentID: msg.AgentID,
			Name:    msg.Name,
			Role:    msg.Role,
		})
	}

	if state, ok := p.agents.Get(msg.AgentID); ok {
		p.persist(ctx, state)
	}
	if msg.Online {
		p.triggerSweep()
	}

	p.logger.Info().Str("agent_id", msg.AgentID).Bool("online", msg.Online).Msg("agent presence changed")
	return nil
}

// ProcessClose finishes a conversation on behalf of its agent. Attendants
// may only close conversations assigned to them.
func (p *PresenceProcessor) ProcessClose(ctx context.Context, msg *types.ConversationClose) error {
	status := msg.Status
	if status == "" {
		status = types.ConversationResolved
	}
	if err := p.checkOwner(ctx, msg.AgentID, msg.ConversationID); err != nil {
		return err
	}
	if err := p.dispatcher.Close(ctx, msg.ConversationID, status); err != nil {
		return err
	}
	p.agents.Touch(msg.AgentID, p.now())
	p.triggerSweep()
	return nil
}

// ProcessDisconnect marks an agent offline when its console goes away
func (p *PresenceProcessor) ProcessDisconnect(ctx context.Context, agentID string) {
	if !p.agents.SetPresence(agentID, false, p.now()) {
		return
	}
	if state, ok := p.agents.Get(agentID); ok {
		p.persist(ctx, state)
	}
	p.logger.Info().Str("agent_id", agentID).Msg("agent went offline")
}

func (p *PresenceProcessor) persist(ctx context.Context, state types.AgentState) {
	err := p.store.UpsertAgent(ctx, types.AgentProfile{
		ID:           state.ID,
		Name:         state.Name,
		Role:         state.Role,
		IsOnline:     state.Online,
		LastActivity: state.LastActivity,
		MaxCapacity:  state.MaxCapacity,
		Rating:       state.Rating,
	})
	if err != nil {
		p.logger.Warn().Err(err).Str("agent_id", state.ID).Msg("failed to persist agent profile")
	}
}

func (p *PresenceProcessor) triggerSweep() {
	p.sweepAsync(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, err := p.dispatcher.Sweep(ctx); err != nil {
			p.logger.Warn().Err(err).Msg("sweep after presence change failed")
		}
	})
}

func (p *PresenceProcessor) checkOwner(ctx context.Context, agentID, conversationID string) error {
	if state, ok := p.agents.Get(agentID); ok && state.Role.Supervises() {
		return nil
	}

	owner, ok := p.dispatcher.AssignedAgent(conversationID)
	if !ok {
		conv, err := p.store.GetConversation(ctx, conversationID)
		if err != nil {
			return fmt.Errorf("failed to load conversation %s: %w", conversationID, err)
		}
		owner = conv.AssignedAgentID
	}
	if agentID == "" || owner != agentID {
		p.logger.Warn().
			Str("agent_id", agentID).
			Str("conversation_id", conversationID).
			Str("owner", owner).
			Msg("close rejected for conversation held by another agent")
		return ErrNotOwner
	}
	return nil
}
