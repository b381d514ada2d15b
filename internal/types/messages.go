package types

import "time"

// WebSocket messages exchanged with agent consoles

// AgentRegister is sent by a console right after connecting
type AgentRegister struct {
	Type        string    `json:"type"` // "register"
	AgentID     string    `json:"agentId"`
	Name        string    `json:"name"`
	Role        AgentRole `json:"role"`
	MaxCapacity int       `json:"maxCapacity,omitempty"`
}

// AgentHeartbeat keeps an agent's last activity fresh
type AgentHeartbeat struct {
	Type      string    `json:"type"` // "heartbeat"
	AgentID   string    `json:"agentId"`
	Timestamp time.Time `json:"timestamp"`
}

// AgentPresence toggles availability without dropping the connection
type AgentPresence struct {
	Type    string    `json:"type"` // "presence"
	AgentID string    `json:"agentId"`
	Name    string    `json:"name,omitempty"`
	Role    AgentRole `json:"role,omitempty"`
	Online  bool      `json:"online"`
}

// ConversationClose is sent when an agent finishes a conversation
type ConversationClose struct {
	Type           string             `json:"type"` // "conversation_close"
	AgentID        string             `json:"agentId"`
	ConversationID string             `json:"conversationId"`
	Status         ConversationStatus `json:"status"`
}

// ServerAck acknowledges a register message
type ServerAck struct {
	Type    string `json:"type"` // "ack"
	AgentID string `json:"agentId"`
}

// NotificationPush delivers a notification to a connected console
type NotificationPush struct {
	Type         string       `json:"type"` // "notification"
	Notification Notification `json:"notification"`
}

// QueueStatusPush is broadcast periodically to supervisors
type QueueStatusPush struct {
	Type      string      `json:"type"` // "queue_status"
	Status    QueueStatus `json:"status"`
	Timestamp time.Time   `json:"timestamp"`
}

// ServerError reports a rejected console message
type ServerError struct {
	Type    string `json:"type"` // "error"
	Message string `json:"message"`
}

// AgentsPush is broadcast periodically to supervisors with every agent's load
type AgentsPush struct {
	Type      string             `json:"type"` // "agents_overview"
	Agents    []AgentPerformance `json:"agents"`
	Timestamp time.Time          `json:"timestamp"`
}

// ForceDisconnect tells a console it is being logged out by a supervisor
type ForceDisconnect struct {
	Type    string `json:"type"` // "force_disconnect"
	AgentID string `json:"agentId"`
}
