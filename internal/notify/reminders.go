package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/oclonee/omnichanel-clinic/internal/types"
	"github.com/rs/zerolog"
)

// ConversationGetter reads a conversation at reminder fire time
type ConversationGetter interface {
	GetConversation(ctx context.Context, id string) (*types.Conversation, error)
}

// Emitter accepts notifications for delivery
type Emitter interface {
	Emit(n types.Notification)
	EmitToManagers(n types.Notification)
}

var reminderTitles = map[types.ReminderKind]string{
	types.ReminderFollowup:    "Follow-up due",
	types.ReminderAppointment: "Appointment coming up",
	types.ReminderExam:        "Exam results follow-up",
}

// ReminderNotifier turns fired reminders into notifications for whoever
// holds the conversation at that moment
type ReminderNotifier struct {
	conversations ConversationGetter
	emitter       Emitter
	timeout       time.Duration
	logger        zerolog.Logger
}

func NewReminderNotifier(conversations ConversationGetter, emitter Emitter, logger zerolog.Logger) *ReminderNotifier {
	return &ReminderNotifier{
		conversations: conversations,
		emitter:       emitter,
		timeout:       DefaultDeliveryTimeout,
		logger:        logger,
	}
}

// Fire is passed to scheduler.NewReminders
func (r *ReminderNotifier) Fire(rem types.Reminder) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	conv, err := r.conversations.GetConversation(ctx, rem.ConversationID)
	if err != nil {
		r.logger.Warn().Err(err).Str("conversation_id", rem.ConversationID).Msg("reminder for unknown conversation")
		return
	}
	if !conv.Status.Open() {
		return
	}

	title, ok := reminderTitles[rem.Kind]
	if !ok {
		title = "Reminder"
	}
	n := types.Notification{
		Kind:     types.NotifyReminder,
		Severity: types.SeverityInfo,
		Title:    title,
		Body:     fmt.Sprintf("Reminder (%s) for conversation %s", rem.Kind, conv.ID),
		Metadata: map[string]string{
			"conversationId": conv.ID,
			"reminderId":     rem.ID,
			"reminderKind":   string(rem.Kind),
		},
	}

	// unassigned conversations fall back to the supervisors
	if conv.AssignedAgentID == "" {
		r.emitter.EmitToManagers(n)
		return
	}
	n.RecipientID = conv.AssignedAgentID
	r.emitter.Emit(n)
}
