package ingestion

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/oclonee/omnichanel-clinic/internal/callqueue"
	"github.com/oclonee/omnichanel-clinic/internal/storage"
	"github.com/oclonee/omnichanel-clinic/internal/types"
	"github.com/rs/zerolog"
)

// ErrIngestion wraps every failure of the drain step. The message is dropped
// and the next one proceeds.
var ErrIngestion = errors.New("ingestion failed")

const (
	subjectMaxRunes = 80
	systemAuthor    = "system"
)

// ConversationStore is the subset of storage.Store the intake writes to
type ConversationStore interface {
	ResolvePatient(ctx context.Context, p types.Patient) (*types.Patient, error)
	FindOpenConversation(ctx context.Context, patientID string, channel types.ChannelType) (*types.Conversation, error)
	CreateConversation(ctx context.Context, conv *types.Conversation) error
	AppendMessage(ctx context.Context, msg *types.Message) error
}

// Enqueuer hands unassigned conversations to the dispatcher
type Enqueuer interface {
	Enqueue(ctx context.Context, item types.QueueItem) (types.QueueItem, error)
}

// Sender delivers the auto-response
type Sender interface {
	SendVia(ctx context.Context, channel types.ChannelType, to, content string) (types.SendOutcome, error)
}

// ConfigSource exposes the current SLA configuration
type ConfigSource interface {
	Get() types.SLAConfig
}

// Notifier emits fire-and-forget notifications
type Notifier interface {
	Emit(n types.Notification)
}

// Intake is the per-message drain step: it resolves the patient and the open
// conversation, records the message and routes the conversation.
type Intake struct {
	store    ConversationStore
	enqueuer Enqueuer
	notifier Notifier
	config   ConfigSource
	sender   Sender

	now    func() time.Time
	logger zerolog.Logger
}

// NewIntake creates a new Intake
func NewIntake(store ConversationStore, enqueuer Enqueuer, notifier Notifier, config ConfigSource, logger zerolog.Logger) *Intake {
	return &Intake{
		store:    store,
		enqueuer: enqueuer,
		notifier: notifier,
		config:   config,
		now:      time.Now,
		logger:   logger.With().Str("component", "intake").Logger(),
	}
}

// SetSender sets the outbound path (the channel registry drains into the
// intake, so it is attached after both exist)
func (i *Intake) SetSender(s Sender) {
	i.sender = s
}

// SetClock replaces the time source
func (i *Intake) SetClock(now func() time.Time) {
	i.now = now
}

// HandleInbound processes one buffered inbound message
func (i *Intake) HandleInbound(ctx context.Context, msg types.InboundMessage) error {
	if err := msg.Validate(); err != nil {
		return fmt.Errorf("%w: invalid message: %w", ErrIngestion, err)
	}

	at := msg.Timestamp
	if at.IsZero() {
		at = i.now()
	}

	patient, err := i.store.ResolvePatient(ctx, types.Patient{
		Name:       displayName(msg.Sender),
		Channel:    msg.Channel,
		ExternalID: msg.Sender.ID,
		Contact:    msg.Sender.Contact(),
		CreatedAt:  at,
	})
	if err != nil {
		return fmt.Errorf("%w: resolve patient: %w", ErrIngestion, err)
	}

	conv, created, err := i.openConversation(ctx, patient, msg, at)
	if err != nil {
		return err
	}

	if err := i.store.AppendMessage(ctx, &types.Message{
		ConversationID: conv.ID,
		Direction:      types.DirectionInbound,
		Author:         patient.Name,
		Content:        msg.Content,
		ExternalID:     msg.ID,
		CreatedAt:      at,
	}); err != nil {
		return fmt.Errorf("%w: append message to %s: %w", ErrIngestion, conv.ID, err)
	}

	if conv.AssignedAgentID == "" {
		if err := i.route(ctx, conv, patient); err != nil {
			return err
		}
	} else {
		i.notifier.Emit(types.Notification{
			Kind:        types.NotifyNewMessage,
			Severity:    types.SeverityInfo,
			Title:       fmt.Sprintf("New message from %s", patient.Name),
			Body:        preview(msg.Content),
			RecipientID: conv.AssignedAgentID,
			Metadata: map[string]string{
				"conversationId": conv.ID,
				"channel":        string(conv.Channel),
			},
		})
	}

	if created {
		i.autoRespond(ctx, conv, msg)
	}

	i.logger.Debug().
		Str("conversation_id", conv.ID).
		Str("channel", string(msg.Channel)).
		Bool("new_conversation", created).
		Msg("inbound message processed")

	return nil
}

func (i *Intake) openConversation(ctx context.Context, patient *types.Patient, msg types.InboundMessage, at time.Time) (*types.Conversation, bool, error) {
	conv, err := i.store.FindOpenConversation(ctx, patient.ID, msg.Channel)
	if err == nil {
		return conv, false, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, false, fmt.Errorf("%w: find conversation: %w", ErrIngestion, err)
	}

	conv = &types.Conversation{
		PatientID: patient.ID,
		Channel:   msg.Channel,
		Status:    types.ConversationActive,
		CreatedAt: at,
		Priority:  types.DefaultPriority,
		Subject:   preview(msg.Content),
	}
	if err := i.store.CreateConversation(ctx, conv); err != nil {
		return nil, false, fmt.Errorf("%w: create conversation: %w", ErrIngestion, err)
	}

	i.logger.Info().
		Str("conversation_id", conv.ID).
		Str("patient_id", patient.ID).
		Str("channel", string(msg.Channel)).
		Msg("conversation opened")

	return conv, true, nil
}

func (i *Intake) route(ctx context.Context, conv *types.Conversation, patient *types.Patient) error {
	priority := conv.Priority
	if priority <= 0 {
		priority = types.DefaultPriority
	}

	_, err := i.enqueuer.Enqueue(ctx, types.QueueItem{
		ConversationID: conv.ID,
		OriginID:       patient.ID,
		OriginName:     patient.Name,
		Channel:        conv.Channel,
		Priority:       priority,
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, callqueue.ErrAssignmentConflict):
		// still queued; the sweep retries
		i.logger.Warn().Err(err).Str("conversation_id", conv.ID).Msg("immediate assignment failed")
		return nil
	case errors.Is(err, callqueue.ErrAlreadyAssigned):
		return nil
	default:
		return fmt.Errorf("%w: enqueue %s: %w", ErrIngestion, conv.ID, err)
	}
}

// autoRespond acknowledges first contact. Failures are logged only.
func (i *Intake) autoRespond(ctx context.Context, conv *types.Conversation, msg types.InboundMessage) {
	cfg := i.config.Get()
	if !cfg.AutoResponse || cfg.AutoResponseMessage == "" || i.sender == nil {
		return
	}

	outcome, err := i.sender.SendVia(ctx, msg.Channel, msg.Sender.Contact(), cfg.AutoResponseMessage)
	if err != nil || !outcome.Success {
		if err == nil {
			err = errors.New(outcome.Error)
		}
		i.logger.Warn().Err(err).Str("conversation_id", conv.ID).Msg("auto-response not sent")
		return
	}

	if err := i.store.AppendMessage(ctx, &types.Message{
		ConversationID: conv.ID,
		Direction:      types.DirectionOutbound,
		Author:         systemAuthor,
		Content:        cfg.AutoResponseMessage,
		ExternalID:     outcome.ExternalMessageID,
		CreatedAt:      i.now(),
	}); err != nil {
		i.logger.Warn().Err(err).Str("conversation_id", conv.ID).Msg("failed to record auto-response")
	}
}

func displayName(s types.Sender) string {
	if name := strings.TrimSpace(s.Name); name != "" {
		return name
	}
	return s.Contact()
}

func preview(content string) string {
	content = strings.TrimSpace(content)
	if utf8.RuneCountInString(content) <= subjectMaxRunes {
		return content
	}
	runes := []rune(content)
	return string(runes[:subjectMaxRunes-1]) + "…"
}
