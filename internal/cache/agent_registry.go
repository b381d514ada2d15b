package cache

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/oclonee/omnichanel-clinic/internal/types"
	"github.com/rs/zerolog"
)

// AgentSource is the subset of storage.Store the registry reloads from
type AgentSource interface {
	ListAgents(ctx context.Context) ([]types.AgentProfile, error)
}

// AgentRegistry maintains the in-memory availability and load of every agent.
// Load is engine-derived state: refreshes replace liveness and role fields but
// never the load counters.
type AgentRegistry struct {
	agents map[string]*types.AgentState // agentID -> state
	source AgentSource
	mu     sync.RWMutex
	logger zerolog.Logger
}

// NewAgentRegistry creates an empty registry backed by source
func NewAgentRegistry(source AgentSource, logger zerolog.Logger) *AgentRegistry {
	return &AgentRegistry{
		agents: make(map[string]*types.AgentState),
		source: source,
		logger: logger,
	}
}

// Refresh reloads the agent snapshot from the store. Agents missing from the
// snapshot are marked offline rather than dropped, so their load survives.
func (r *AgentRegistry) Refresh(ctx context.Context) error {
	profiles, err := r.source.ListAgents(ctx)
	if err != nil {
		return fmt.Errorf("failed to load agents: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[string]bool, len(profiles))
	for _, p := range profiles {
		seen[p.ID] = true
		r.applyProfileLocked(p)
	}

	for id, a := range r.agents {
		if !seen[id] {
			a.Online = false
		}
	}

	r.logger.Debug().
		Int("agents", len(r.agents)).
		Int("online", r.onlineLocked()).
		Msg("agent registry refreshed")

	return nil
}

// Register adds or updates a single agent from a presence signal
func (r *AgentRegistry) Register(p types.AgentProfile) types.AgentState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.applyProfileLocked(p)
}

func (r *AgentRegistry) applyProfileLocked(p types.AgentProfile) *types.AgentState {
	maxCap := p.MaxCapacity
	if maxCap <= 0 {
		maxCap = types.DefaultCapacity(p.Role)
	}
	rating := p.Rating
	if rating <= 0 {
		rating = types.DefaultRating
	}

	a, ok := r.agents[p.ID]
	if !ok {
		a = &types.AgentState{ID: p.ID}
		r.agents[p.ID] = a
	}
	a.Name = p.Name
	a.Role = p.Role
	a.Online = p.IsOnline
	a.LastActivity = p.LastActivity
	a.MaxCapacity = maxCap
	a.Rating = rating

	// capacity may shrink below the tracked load
	if a.CurrentLoad > a.MaxCapacity {
		a.CurrentLoad = a.MaxCapacity
	}
	return a
}

// SetPresence updates the online flag. Unknown agents are ignored.
func (r *AgentRegistry) SetPresence(agentID string, online bool, at time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.agents[agentID]
	if !ok {
		return false
	}
	a.Online = online
	if at.After(a.LastActivity) {
		a.LastActivity = at
	}
	return true
}

// Touch records activity without changing the online flag
func (r *AgentRegistry) Touch(agentID string, at time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.agents[agentID]
	if !ok {
		return false
	}
	if at.After(a.LastActivity) {
		a.LastActivity = at
	}
	return true
}

// ExpireStale marks online agents without activity since threshold as offline
func (r *AgentRegistry) ExpireStale(now time.Time, threshold time.Duration) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var expired []string
	for id, a := range r.agents {
		if a.Online && now.Sub(a.LastActivity) > threshold {
			a.Online = false
			expired = append(expired, id)
		}
	}
	sort.Strings(expired)
	return expired
}

// CandidateAgents returns agents that are online with spare capacity.
// Reserved slots count as used.
func (r *AgentRegistry) CandidateAgents() []types.AgentState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.candidatesLocked("")
}

// BestCandidate applies the selection policy without reserving anything
func (r *AgentRegistry) BestCandidate() (types.AgentState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	candidates := r.candidatesLocked("")
	if len(candidates) == 0 {
		return types.AgentState{}, false
	}
	return candidates[0], true
}

// ReserveBest selects the best candidate and holds one slot of its capacity
// until Commit or CancelReservation. avoid is only chosen when nobody else is
// available.
func (r *AgentRegistry) ReserveBest(avoid string) (types.AgentState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	candidates := r.candidatesLocked(avoid)
	if len(candidates) == 0 {
		return types.AgentState{}, false
	}

	chosen := r.agents[candidates[0].ID]
	chosen.Reserved++
	return *chosen, true
}

// Commit turns a reservation into an assignment
func (r *AgentRegistry) Commit(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.agents[agentID]
	if !ok {
		return
	}
	if a.Reserved > 0 {
		a.Reserved--
	}
	if a.CurrentLoad < a.MaxCapacity {
		a.CurrentLoad++
	}
}

// CancelReservation releases a held slot without assigning
func (r *AgentRegistry) CancelReservation(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if a, ok := r.agents[agentID]; ok && a.Reserved > 0 {
		a.Reserved--
	}
}

// RecordAssignment increments an agent's load. Unknown agents are ignored.
func (r *AgentRegistry) RecordAssignment(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if a, ok := r.agents[agentID]; ok && a.CurrentLoad < a.MaxCapacity {
		a.CurrentLoad++
	}
}

// RecordRelease decrements an agent's load. Unknown agents are ignored.
func (r *AgentRegistry) RecordRelease(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if a, ok := r.agents[agentID]; ok && a.CurrentLoad > 0 {
		a.CurrentLoad--
	}
}

// Get returns a copy of one agent's state
func (r *AgentRegistry) Get(agentID string) (types.AgentState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.agents[agentID]
	if !ok {
		return types.AgentState{}, false
	}
	return *a, true
}

// Snapshot returns copies of every agent ordered by ID
func (r *AgentRegistry) Snapshot() []types.AgentState {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]types.AgentState, 0, len(r.agents))
	for _, a := range r.agents {
		result = append(result, *a)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// FreeCapacity sums the spare slots of online agents
func (r *AgentRegistry) FreeCapacity() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	free := 0
	for _, a := range r.agents {
		if a.Online && a.EffectiveLoad() < a.MaxCapacity {
			free += a.MaxCapacity - a.EffectiveLoad()
		}
	}
	return free
}

// OnlineCount returns the number of online agents
func (r *AgentRegistry) OnlineCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.onlineLocked()
}

// Count returns the total number of known agents
func (r *AgentRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

func (r *AgentRegistry) onlineLocked() int {
	n := 0
	for _, a := range r.agents {
		if a.Online {
			n++
		}
	}
	return n
}

// candidatesLocked returns available agents ordered by ascending load, then
// descending rating, then ID. The avoided agent sorts last.
func (r *AgentRegistry) candidatesLocked(avoid string) []types.AgentState {
	result := make([]types.AgentState, 0, len(r.agents))
	for _, a := range r.agents {
		if a.Available() {
			result = append(result, *a)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		a, b := result[i], result[j]
		if avoid != "" && (a.ID == avoid) != (b.ID == avoid) {
			return b.ID == avoid
		}
		if a.EffectiveLoad() != b.EffectiveLoad() {
			return a.EffectiveLoad() < b.EffectiveLoad()
		}
		if a.Rating != b.Rating {
			return a.Rating > b.Rating
		}
		return a.ID < b.ID
	})
	return result
}
