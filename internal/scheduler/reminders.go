package scheduler

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oclonee/omnichanel-clinic/internal/metrics"
	"github.com/oclonee/omnichanel-clinic/internal/types"
	"github.com/rs/zerolog"
)

// Timer is the handle returned by an AfterFunc implementation
type Timer interface {
	Stop() bool
}

// AfterFunc schedules f after d
type AfterFunc func(d time.Duration, f func()) Timer

func realAfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

type reminderEntry struct {
	reminder types.Reminder
	timer    Timer
}

// Reminders is a registry of pending reminders keyed by conversation.
// Closing a conversation cancels its entries so stale reminders never fire.
type Reminders struct {
	mu        sync.Mutex
	entries   map[string]map[string]*reminderEntry // conversationID -> reminderID -> entry
	fire      func(types.Reminder)
	afterFunc AfterFunc
	now       func() time.Time
	metrics   *metrics.Recorder
	logger    zerolog.Logger
}

// NewReminders creates a registry that calls fire when a reminder is due
func NewReminders(fire func(types.Reminder), logger zerolog.Logger) *Reminders {
	return &Reminders{
		entries:   make(map[string]map[string]*reminderEntry),
		fire:      fire,
		afterFunc: realAfterFunc,
		now:       time.Now,
		logger:    logger,
	}
}

// SetClock replaces the timer source and clock
func (r *Reminders) SetClock(afterFunc AfterFunc, now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.afterFunc = afterFunc
	r.now = now
}

// SetMetrics attaches a metrics recorder
func (r *Reminders) SetMetrics(m *metrics.Recorder) {
	r.metrics = m
}

// Schedule registers a reminder using the kind's standard delay
func (r *Reminders) Schedule(conversationID string, kind types.ReminderKind) (types.Reminder, error) {
	delay, err := kind.Delay()
	if err != nil {
		return types.Reminder{}, err
	}
	r.mu.Lock()
	fireAt := r.now().Add(delay)
	r.mu.Unlock()
	return r.ScheduleAt(conversationID, kind, fireAt), nil
}

// ScheduleAt registers a reminder for an explicit time
func (r *Reminders) ScheduleAt(conversationID string, kind types.ReminderKind, fireAt time.Time) types.Reminder {
	r.mu.Lock()
	defer r.mu.Unlock()

	rem := types.Reminder{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		Kind:           kind,
		FireAt:         fireAt,
	}

	delay := fireAt.Sub(r.now())
	if delay < 0 {
		delay = 0
	}

	entry := &reminderEntry{reminder: rem}
	entry.timer = r.afterFunc(delay, func() { r.deliver(conversationID, rem.ID) })

	byConv, ok := r.entries[conversationID]
	if !ok {
		byConv = make(map[string]*reminderEntry)
		r.entries[conversationID] = byConv
	}
	byConv[rem.ID] = entry

	r.metrics.RecordReminder("scheduled", 1)
	r.logger.Debug().
		Str("conversation_id", conversationID).
		Str("kind", string(kind)).
		Time("fire_at", fireAt).
		Msg("reminder scheduled")

	return rem
}

// deliver fires the reminder if it is still registered
func (r *Reminders) deliver(conversationID, reminderID string) {
	r.mu.Lock()
	byConv := r.entries[conversationID]
	entry, ok := byConv[reminderID]
	if ok {
		delete(byConv, reminderID)
		if len(byConv) == 0 {
			delete(r.entries, conversationID)
		}
	}
	r.mu.Unlock()

	if !ok {
		return
	}

	r.metrics.RecordReminder("fired", 1)
	r.fire(entry.reminder)
}

// Cancel stops every pending reminder of a conversation and returns how many
// were removed
func (r *Reminders) Cancel(conversationID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	byConv, ok := r.entries[conversationID]
	if !ok {
		return 0
	}
	for _, entry := range byConv {
		entry.timer.Stop()
	}
	delete(r.entries, conversationID)

	r.metrics.RecordReminder("cancelled", len(byConv))
	r.logger.Debug().
		Str("conversation_id", conversationID).
		Int("cancelled", len(byConv)).
		Msg("reminders cancelled")

	return len(byConv)
}

// Pending lists a conversation's reminders ordered by fire time
func (r *Reminders) Pending(conversationID string) []types.Reminder {
	r.mu.Lock()
	defer r.mu.Unlock()

	byConv := r.entries[conversationID]
	result := make([]types.Reminder, 0, len(byConv))
	for _, entry := range byConv {
		result = append(result, entry.reminder)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].FireAt.Before(result[j].FireAt) })
	return result
}
