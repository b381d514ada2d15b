package sla

import (
	"fmt"
	"time"

	"github.com/oclonee/omnichanel-clinic/internal/types"
)

// Violation is one breached rule for one conversation
type Violation struct {
	Kind           types.ViolationKind
	ConversationID string
	Elapsed        time.Duration
	Threshold      time.Duration
	Severity       types.Severity
	Message        string
}

// Evaluation is the outcome of applying every rule to a conversation
type Evaluation struct {
	Violations []Violation

	// Boost is set when an unassigned conversation has been silent past the
	// escalation threshold and should jump the queue
	Boost bool
}

// Evaluate applies the response, resolution and escalation rules to one
// conversation at now
func Evaluate(conv types.Conversation, cfg types.SLAConfig, now time.Time) Evaluation {
	var ev Evaluation

	lastActivity := conv.LastMessageAt
	if lastActivity.IsZero() {
		lastActivity = conv.CreatedAt
	}
	sinceLast := now.Sub(lastActivity)
	sinceCreation := now.Sub(conv.CreatedAt)
	assigned := conv.AssignedAgentID != ""

	if !assigned && sinceLast > cfg.ResponseTime {
		ev.Violations = append(ev.Violations, Violation{
			Kind:           types.ViolationResponse,
			ConversationID: conv.ID,
			Elapsed:        sinceLast,
			Threshold:      cfg.ResponseTime,
			Severity:       types.SeverityWarning,
			Message: fmt.Sprintf("Waiting %s without an agent (limit %s)",
				formatDuration(sinceLast), formatDuration(cfg.ResponseTime)),
		})
	}

	if sinceCreation > cfg.ResolutionTime {
		ev.Violations = append(ev.Violations, Violation{
			Kind:           types.ViolationResolution,
			ConversationID: conv.ID,
			Elapsed:        sinceCreation,
			Threshold:      cfg.ResolutionTime,
			Severity:       types.SeverityError,
			Message: fmt.Sprintf("Open for %s (limit %s)",
				formatDuration(sinceCreation), formatDuration(cfg.ResolutionTime)),
		})
	}

	if sinceLast > cfg.EscalationTime {
		if assigned {
			ev.Violations = append(ev.Violations, Violation{
				Kind:           types.ViolationEscalation,
				ConversationID: conv.ID,
				Elapsed:        sinceLast,
				Threshold:      cfg.EscalationTime,
				Severity:       types.SeverityError,
				Message: fmt.Sprintf("No reply from %s for %s (limit %s)",
					conv.AssignedAgentID, formatDuration(sinceLast), formatDuration(cfg.EscalationTime)),
			})
		} else {
			ev.Boost = true
		}
	}

	return ev
}

func formatDuration(d time.Duration) string {
	mins := int(d.Minutes())
	secs := int(d.Seconds()) % 60
	if mins >= 60 {
		hours := mins / 60
		mins = mins % 60
		return fmt.Sprintf("%dh%dm", hours, mins)
	}
	return fmt.Sprintf("%dm%ds", mins, secs)
}
