package types

import (
	"fmt"
	"time"
)

// SLAConfig holds the runtime-adjustable service level targets
type SLAConfig struct {
	ResponseTime        time.Duration `json:"responseTime" yaml:"response_time"`
	ResolutionTime      time.Duration `json:"resolutionTime" yaml:"resolution_time"`
	EscalationTime      time.Duration `json:"escalationTime" yaml:"escalation_time"`
	AutoResponse        bool          `json:"autoResponse" yaml:"auto_response"`
	AutoResponseMessage string        `json:"autoResponseMessage" yaml:"auto_response_message"`
}

// DefaultSLAConfig returns the stock targets
func DefaultSLAConfig() SLAConfig {
	return SLAConfig{
		ResponseTime:        5 * time.Minute,
		ResolutionTime:      60 * time.Minute,
		EscalationTime:      15 * time.Minute,
		AutoResponse:        true,
		AutoResponseMessage: "Thanks for reaching out! One of our agents will reply shortly.",
	}
}

// ViolationKind names the SLA rule that was breached
type ViolationKind string

const (
	ViolationResponse   ViolationKind = "response"
	ViolationResolution ViolationKind = "resolution"
	ViolationEscalation ViolationKind = "escalation"
)

// ReminderKind is a scheduled follow-up category
type ReminderKind string

const (
	ReminderFollowup    ReminderKind = "followup"
	ReminderAppointment ReminderKind = "appointment"
	ReminderExam        ReminderKind = "exam"
)

// Delay returns how long after scheduling the reminder fires
func (k ReminderKind) Delay() (time.Duration, error) {
	switch k {
	case ReminderFollowup:
		return 24 * time.Hour, nil
	case ReminderAppointment:
		return 2 * time.Hour, nil
	case ReminderExam:
		return 48 * time.Hour, nil
	default:
		return 0, fmt.Errorf("unknown reminder kind %q", k)
	}
}

// Reminder is a cancellable schedule entry for one conversation
type Reminder struct {
	ID             string       `json:"id"`
	ConversationID string       `json:"conversationId"`
	Kind           ReminderKind `json:"kind"`
	FireAt         time.Time    `json:"fireAt"`
}
