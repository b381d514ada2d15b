package storage

import (
	"context"
	"errors"

	"github.com/oclonee/omnichanel-clinic/internal/types"
)

var (
	// ErrNotFound is returned when a record does not exist
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a conditional write loses against the
	// current record state
	ErrConflict = errors.New("conflict")
)

// Store is the durable record of patients, conversations, agents and
// notifications. Every write is a single-row upsert keyed by id.
type Store interface {
	// ResolvePatient returns the patient for (channel, externalID), creating
	// it from p when absent
	ResolvePatient(ctx context.Context, p types.Patient) (*types.Patient, error)

	// FindOpenConversation returns the most recent active or pending
	// conversation of a patient on a channel, or ErrNotFound
	FindOpenConversation(ctx context.Context, patientID string, channel types.ChannelType) (*types.Conversation, error)
	CreateConversation(ctx context.Context, conv *types.Conversation) error
	GetConversation(ctx context.Context, id string) (*types.Conversation, error)
	ListActiveConversations(ctx context.Context) ([]types.Conversation, error)

	// AppendMessage stores a message and bumps the conversation's
	// LastMessageAt
	AppendMessage(ctx context.Context, msg *types.Message) error
	ListMessages(ctx context.Context, conversationID string, limit int) ([]types.Message, error)

	// AssignConversation sets the agent and moves the conversation to
	// active. It fails with ErrConflict when the conversation is no longer
	// open or already belongs to another agent.
	AssignConversation(ctx context.Context, id, agentID string) error
	UnassignConversation(ctx context.Context, id string) error
	UpdateConversationPriority(ctx context.Context, id string, priority int) error
	UpdateConversationStatus(ctx context.Context, id string, status types.ConversationStatus) error

	UpsertAgent(ctx context.Context, p types.AgentProfile) error
	ListAgents(ctx context.Context) ([]types.AgentProfile, error)
	ListManagers(ctx context.Context) ([]types.AgentProfile, error)

	SaveNotification(ctx context.Context, n types.Notification) error
	ListNotifications(ctx context.Context, recipientID string, limit int) ([]types.Notification, error)
	MarkNotificationRead(ctx context.Context, recipientID, id string) error

	Close() error
}

const defaultListLimit = 50

func listLimit(limit int) int {
	if limit <= 0 || limit > 500 {
		return defaultListLimit
	}
	return limit
}

// checkAssignable applies the conditional rules of AssignConversation
func checkAssignable(conv *types.Conversation, agentID string) error {
	if !conv.Status.Open() {
		return ErrConflict
	}
	if conv.AssignedAgentID != "" && conv.AssignedAgentID != agentID {
		return ErrConflict
	}
	return nil
}
