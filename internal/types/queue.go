package types

import (
	"math"
	"time"
)

const (
	// DefaultPriority is assigned to conversations created from inbound traffic
	DefaultPriority = 1

	// MaxPriority is the escalation priority
	MaxPriority = math.MaxInt
)

// QueueItem is one pending assignment request
type QueueItem struct {
	ID              string      `json:"id"`
	ConversationID  string      `json:"conversationId"`
	OriginID        string      `json:"originId"`
	OriginName      string      `json:"originName,omitempty"`
	Channel         ChannelType `json:"channel"`
	Priority        int         `json:"priority"`
	EnqueuedAt      time.Time   `json:"enqueuedAt"`
	AssignedAgentID string      `json:"assignedAgentId,omitempty"`

	// AvoidAgentID is skipped when another candidate exists (set on reassignment)
	AvoidAgentID string `json:"avoidAgentId,omitempty"`

	Seq uint64 `json:"-"`
}

// ServiceLevel is the share of assignments made within the response target
type ServiceLevel struct {
	Target        int     `json:"target"`
	ThresholdSecs int     `json:"thresholdSecs"`
	AnsweredInSL  int     `json:"answeredInSL"`
	TotalAnswered int     `json:"totalAnswered"`
	CurrentSL     float64 `json:"currentSL"`
}

// QueueStatus summarizes the work queue for dashboards and metrics
type QueueStatus struct {
	QueueLength          int           `json:"queueLength"`
	EstimatedWait        time.Duration `json:"-"`
	EstimatedWaitMinutes int           `json:"estimatedWaitMinutes"`
	OnlineAgents         int           `json:"onlineAgents"`
	TotalAgents          int           `json:"totalAgents"`
	FreeCapacity         int           `json:"freeCapacity"`
	ServiceLevel         ServiceLevel  `json:"serviceLevel"`
}

// QueueEntry is a queue item with its current wait, in dispatch order
type QueueEntry struct {
	QueueItem
	Position    int     `json:"position"`
	WaitSeconds float64 `json:"waitSeconds"`
}
