package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oclonee/omnichanel-clinic/internal/types"
)

// MemoryStore keeps every record in process memory. It backs development
// runs and tests.
type MemoryStore struct {
	mu            sync.RWMutex
	patients      map[string]*types.Patient
	patientKeys   map[string]string // channel|externalID -> patientID
	conversations map[string]*types.Conversation
	messages      map[string][]types.Message
	agents        map[string]types.AgentProfile
	notifications []types.Notification
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		patients:      make(map[string]*types.Patient),
		patientKeys:   make(map[string]string),
		conversations: make(map[string]*types.Conversation),
		messages:      make(map[string][]types.Message),
		agents:        make(map[string]types.AgentProfile),
	}
}

func patientKey(channel types.ChannelType, externalID string) string {
	return string(channel) + "|" + externalID
}

func (s *MemoryStore) ResolvePatient(_ context.Context, p types.Patient) (*types.Patient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := patientKey(p.Channel, p.ExternalID)
	if id, ok := s.patientKeys[key]; ok {
		existing := *s.patients[id]
		return &existing, nil
	}

	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	stored := p
	s.patients[p.ID] = &stored
	s.patientKeys[key] = p.ID
	return &p, nil
}

func (s *MemoryStore) FindOpenConversation(_ context.Context, patientID string, channel types.ChannelType) (*types.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var found *types.Conversation
	for _, c := range s.conversations {
		if c.PatientID != patientID || c.Channel != channel || !c.Status.Open() {
			continue
		}
		if found == nil || c.CreatedAt.After(found.CreatedAt) {
			found = c
		}
	}
	if found == nil {
		return nil, ErrNotFound
	}
	conv := *found
	return &conv, nil
}

func (s *MemoryStore) CreateConversation(_ context.Context, conv *types.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if conv.ID == "" {
		conv.ID = uuid.New().String()
	}
	if _, exists := s.conversations[conv.ID]; exists {
		return fmt.Errorf("conversation %s: %w", conv.ID, ErrConflict)
	}
	stored := *conv
	s.conversations[conv.ID] = &stored
	return nil
}

func (s *MemoryStore) GetConversation(_ context.Context, id string) (*types.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	conv := *c
	return &conv, nil
}

func (s *MemoryStore) ListActiveConversations(_ context.Context) ([]types.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]types.Conversation, 0)
	for _, c := range s.conversations {
		if c.Status == types.ConversationActive {
			result = append(result, *c)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (s *MemoryStore) AppendMessage(_ context.Context, msg *types.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conversations[msg.ConversationID]
	if !ok {
		return ErrNotFound
	}
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	s.messages[msg.ConversationID] = append(s.messages[msg.ConversationID], *msg)
	if msg.CreatedAt.After(c.LastMessageAt) {
		c.LastMessageAt = msg.CreatedAt
	}
	return nil
}

func (s *MemoryStore) ListMessages(_ context.Context, conversationID string, limit int) ([]types.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.messages[conversationID]
	limit = listLimit(limit)
	if len(all) > limit {
		all = all[len(all)-limit:]
	}
	result := make([]types.Message, len(all))
	copy(result, all)
	return result, nil
}

func (s *MemoryStore) AssignConversation(_ context.Context, id, agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conversations[id]
	if !ok {
		return ErrNotFound
	}
	if err := checkAssignable(c, agentID); err != nil {
		return fmt.Errorf("assign %s to %s: %w", id, agentID, err)
	}
	c.AssignedAgentID = agentID
	c.Status = types.ConversationActive
	return nil
}

func (s *MemoryStore) UnassignConversation(_ context.Context, id string) error {
	return s.update(id, func(c *types.Conversation) { c.AssignedAgentID = "" })
}

func (s *MemoryStore) UpdateConversationPriority(_ context.Context, id string, priority int) error {
	return s.update(id, func(c *types.Conversation) { c.Priority = priority })
}

func (s *MemoryStore) UpdateConversationStatus(_ context.Context, id string, status types.ConversationStatus) error {
	return s.update(id, func(c *types.Conversation) { c.Status = status })
}

func (s *MemoryStore) update(id string, fn func(*types.Conversation)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conversations[id]
	if !ok {
		return ErrNotFound
	}
	fn(c)
	return nil
}

func (s *MemoryStore) UpsertAgent(_ context.Context, p types.AgentProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agents[p.ID] = p
	return nil
}

func (s *MemoryStore) ListAgents(_ context.Context) ([]types.AgentProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]types.AgentProfile, 0, len(s.agents))
	for _, a := range s.agents {
		result = append(result, a)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (s *MemoryStore) ListManagers(ctx context.Context) ([]types.AgentProfile, error) {
	all, _ := s.ListAgents(ctx)
	managers := all[:0]
	for _, a := range all {
		if a.Role.Supervises() {
			managers = append(managers, a)
		}
	}
	return managers, nil
}

func (s *MemoryStore) SaveNotification(_ context.Context, n types.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifications = append(s.notifications, n)
	return nil
}

// ListNotifications returns the newest notifications of a recipient first
func (s *MemoryStore) ListNotifications(_ context.Context, recipientID string, limit int) ([]types.Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit = listLimit(limit)
	result := make([]types.Notification, 0)
	for i := len(s.notifications) - 1; i >= 0 && len(result) < limit; i-- {
		if s.notifications[i].RecipientID == recipientID {
			result = append(result, s.notifications[i])
		}
	}
	return result, nil
}

func (s *MemoryStore) MarkNotificationRead(_ context.Context, recipientID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.notifications {
		if s.notifications[i].ID == id && s.notifications[i].RecipientID == recipientID {
			s.notifications[i].IsRead = true
			return nil
		}
	}
	return ErrNotFound
}

func (s *MemoryStore) Close() error { return nil }
