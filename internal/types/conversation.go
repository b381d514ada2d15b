package types

import "time"

// ConversationStatus is the lifecycle state of a conversation
type ConversationStatus string

const (
	ConversationActive   ConversationStatus = "active"
	ConversationPending  ConversationStatus = "pending"
	ConversationResolved ConversationStatus = "resolved"
	ConversationClosed   ConversationStatus = "closed"
)

// Open reports whether the conversation still accepts work
func (s ConversationStatus) Open() bool {
	return s == ConversationActive || s == ConversationPending
}

// Patient is the external contact behind a conversation
type Patient struct {
	ID         string      `json:"id" dynamodbav:"ID"`
	Name       string      `json:"name" dynamodbav:"Name"`
	Channel    ChannelType `json:"channel" dynamodbav:"Channel"`
	ExternalID string      `json:"externalId" dynamodbav:"ExternalID"`
	Contact    string      `json:"contact" dynamodbav:"Contact"`
	CreatedAt  time.Time   `json:"createdAt" dynamodbav:"CreatedAt"`
}

// Conversation holds the fields the dispatch engine reads and writes
type Conversation struct {
	ID              string             `json:"id" dynamodbav:"ID"`
	PatientID       string             `json:"patientId" dynamodbav:"PatientID"`
	Channel         ChannelType        `json:"channel" dynamodbav:"Channel"`
	Status          ConversationStatus `json:"status" dynamodbav:"Status"`
	CreatedAt       time.Time          `json:"createdAt" dynamodbav:"CreatedAt"`
	LastMessageAt   time.Time          `json:"lastMessageAt" dynamodbav:"LastMessageAt"`
	AssignedAgentID string             `json:"assignedAgentId,omitempty" dynamodbav:"AssignedAgentID"`
	Priority        int                `json:"priority" dynamodbav:"Priority"`
	Subject         string             `json:"subject,omitempty" dynamodbav:"Subject"`
}

// MessageDirection tells inbound traffic from agent replies
type MessageDirection string

const (
	DirectionInbound  MessageDirection = "inbound"
	DirectionOutbound MessageDirection = "outbound"
)

// Message is one entry of a conversation's history
type Message struct {
	ID             string           `json:"id" dynamodbav:"ID"`
	ConversationID string           `json:"conversationId" dynamodbav:"ConversationID"`
	Direction      MessageDirection `json:"direction" dynamodbav:"Direction"`
	Author         string           `json:"author" dynamodbav:"Author"`
	Content        string           `json:"content" dynamodbav:"Content"`
	ExternalID     string           `json:"externalId,omitempty" dynamodbav:"ExternalID"`
	CreatedAt      time.Time        `json:"createdAt" dynamodbav:"CreatedAt"`
}
