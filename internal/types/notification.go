package types

import "time"

// NotificationKind classifies an emitted notification
type NotificationKind string

const (
	NotifyConversationAssigned NotificationKind = "conversation_assigned"
	NotifyNewMessage           NotificationKind = "new_message"
	NotifySLAViolation         NotificationKind = "sla_violation"
	NotifyEscalated            NotificationKind = "escalated"
	NotifyReminder             NotificationKind = "reminder"
)

// Severity of a notification
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
	SeveritySuccess Severity = "success"
)

// Notification is addressed either to one recipient or to a role
type Notification struct {
	ID            string            `json:"id" dynamodbav:"ID"`
	Kind          NotificationKind  `json:"kind" dynamodbav:"Kind"`
	Severity      Severity          `json:"severity" dynamodbav:"Severity"`
	Title         string            `json:"title" dynamodbav:"Title"`
	Body          string            `json:"body" dynamodbav:"Body"`
	RecipientID   string            `json:"recipientId,omitempty" dynamodbav:"RecipientID"`
	RecipientRole AgentRole         `json:"recipientRole,omitempty" dynamodbav:"RecipientRole"`
	Metadata      map[string]string `json:"metadata,omitempty" dynamodbav:"Metadata"`
	IsRead        bool              `json:"isRead" dynamodbav:"IsRead"`
	CreatedAt     time.Time         `json:"createdAt" dynamodbav:"CreatedAt"`
}
