package callqueue

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/oclonee/omnichanel-clinic/internal/metrics"
	"github.com/oclonee/omnichanel-clinic/internal/types"
	"github.com/rs/zerolog"
)

const (
	// ServiceTimePerItem scales the estimated wait per queued conversation
	ServiceTimePerItem = 5 * time.Minute

	// FallbackWait is reported when no agent capacity is free
	FallbackWait = 30 * time.Minute

	serviceLevelTarget = 80
)

var (
	// ErrAssignmentConflict wraps a store failure during assignment. The item
	// stays queued and no local state changes.
	ErrAssignmentConflict = errors.New("assignment conflict")

	// ErrAlreadyAssigned is returned when enqueuing a conversation that holds an agent
	ErrAlreadyAssigned = errors.New("conversation already assigned")

	// ErrNotAssigned is returned when reassigning a conversation without an agent
	ErrNotAssigned = errors.New("conversation not assigned")
)

// ConversationStore is the subset of storage.Store needed by the Dispatcher
type ConversationStore interface {
	GetConversation(ctx context.Context, id string) (*types.Conversation, error)
	AssignConversation(ctx context.Context, id, agentID string) error
	UnassignConversation(ctx context.Context, id string) error
	UpdateConversationPriority(ctx context.Context, id string, priority int) error
	UpdateConversationStatus(ctx context.Context, id string, status types.ConversationStatus) error
}

// AgentPool is the subset of cache.AgentRegistry the Dispatcher needs
type AgentPool interface {
	ReserveBest(avoid string) (types.AgentState, bool)
	Commit(agentID string)
	CancelReservation(agentID string)
	RecordRelease(agentID string)
	FreeCapacity() int
	OnlineCount() int
	Count() int
}

// Notifier emits fire-and-forget notifications
type Notifier interface {
	Emit(n types.Notification)
	EmitToManagers(n types.Notification)
}

// ReminderCanceller drops pending reminders when a conversation closes
type ReminderCanceller interface {
	Cancel(conversationID string) int
}

// ResponseTarget exposes the current SLA response threshold
type ResponseTarget interface {
	Get() types.SLAConfig
}

// Dispatcher owns the work queue and matches queued conversations to agents.
// The mutex guards the queue and assignment bookkeeping only; store calls run
// outside it, and local state commits after the store call succeeds.
type Dispatcher struct {
	mu          sync.Mutex
	queue       *WorkQueue
	inflight    map[string]bool   // conversationID -> store assignment in progress
	assignments map[string]string // conversationID -> agentID
	sl          *SLTracker

	agents    AgentPool
	store     ConversationStore
	notifier  Notifier
	reminders ReminderCanceller
	target    ResponseTarget
	metrics   *metrics.Recorder

	sweeping atomic.Bool
	now      func() time.Time
	logger   zerolog.Logger
}

// NewDispatcher creates a new dispatcher
func NewDispatcher(agents AgentPool, store ConversationStore, notifier Notifier, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		queue:       NewWorkQueue(),
		inflight:    make(map[string]bool),
		assignments: make(map[string]string),
		sl:          NewSLTracker(serviceLevelTarget, types.DefaultSLAConfig().ResponseTime, defaultSLWindow),
		agents:      agents,
		store:       store,
		notifier:    notifier,
		now:         time.Now,
		logger:      logger,
	}
}

// SetReminders attaches the reminder registry cancelled on close
func (d *Dispatcher) SetReminders(r ReminderCanceller) {
	d.reminders = r
}

// SetResponseTarget attaches the SLA config used for service level tracking
func (d *Dispatcher) SetResponseTarget(t ResponseTarget) {
	d.target = t
}

// SetMetrics attaches a metrics recorder
func (d *Dispatcher) SetMetrics(m *metrics.Recorder) {
	d.metrics = m
}

// SetClock replaces the time source
func (d *Dispatcher) SetClock(now func() time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.now = now
}

// Enqueue adds or replaces the queue item for a conversation and immediately
// tries to assign it. An assignment failure leaves the item queued and is
// returned for logging.
func (d *Dispatcher) Enqueue(ctx context.Context, item types.QueueItem) (types.QueueItem, error) {
	if item.ConversationID == "" {
		return types.QueueItem{}, errors.New("conversation id is required")
	}

	d.mu.Lock()
	if agentID, ok := d.assignments[item.ConversationID]; ok {
		d.mu.Unlock()
		return types.QueueItem{}, fmt.Errorf("%w: conversation %s held by %s", ErrAlreadyAssigned, item.ConversationID, agentID)
	}
	if item.ID == "" {
		item.ID = uuid.New().String()
	}
	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = d.now()
	}
	item.AssignedAgentID = ""
	stored, replaced := d.queue.Upsert(item)
	depth := d.queue.Len()
	d.mu.Unlock()

	d.metrics.RecordEnqueue(stored.Channel)
	d.logger.Debug().
		Str("conversation_id", stored.ConversationID).
		Str("channel", string(stored.Channel)).
		Int("priority", stored.Priority).
		Bool("replaced", replaced).
		Int("queue_depth", depth).
		Msg("conversation enqueued")

	agentID, err := d.TryAssign(ctx, stored.ConversationID)
	if agentID != "" {
		stored.AssignedAgentID = agentID
	}
	return stored, err
}

// TryAssign matches one queued conversation with the best available agent.
// It returns the agent id on success and "" when the item is absent, already
// being assigned, or no agent has capacity.
func (d *Dispatcher) TryAssign(ctx context.Context, conversationID string) (string, error) {
	d.mu.Lock()
	item, ok := d.queue.Get(conversationID)
	if !ok || d.inflight[conversationID] {
		d.mu.Unlock()
		return "", nil
	}
	agent, ok := d.agents.ReserveBest(item.AvoidAgentID)
	if !ok {
		d.mu.Unlock()
		return "", nil
	}
	d.inflight[conversationID] = true
	d.mu.Unlock()

	err := d.store.AssignConversation(ctx, conversationID, agent.ID)

	d.mu.Lock()
	delete(d.inflight, conversationID)

	if err != nil {
		d.agents.CancelReservation(agent.ID)
		d.mu.Unlock()

		d.metrics.RecordAssignmentConflict()
		return "", fmt.Errorf("%w: conversation %s to agent %s: %w", ErrAssignmentConflict, conversationID, agent.ID, err)
	}

	if _, stillQueued := d.queue.Remove(conversationID); !stillQueued {
		// closed while the store call was in flight
		d.agents.CancelReservation(agent.ID)
		d.mu.Unlock()
		d.logger.Warn().
			Str("conversation_id", conversationID).
			Str("agent_id", agent.ID).
			Msg("conversation left the queue during assignment, discarding")
		return "", nil
	}

	d.agents.Commit(agent.ID)
	d.assignments[conversationID] = agent.ID
	wait := d.now().Sub(item.EnqueuedAt)
	if d.target != nil {
		d.sl.SetThreshold(d.target.Get().ResponseTime)
	}
	d.sl.RecordAnswer(wait)
	d.mu.Unlock()

	d.metrics.RecordAssignment(wait)
	d.logger.Info().
		Str("conversation_id", conversationID).
		Str("agent_id", agent.ID).
		Int("priority", item.Priority).
		Dur("wait", wait).
		Msg("conversation assigned")

	d.notifier.Emit(types.Notification{
		Kind:        types.NotifyConversationAssigned,
		Severity:    types.SeverityInfo,
		Title:       "New conversation assigned",
		Body:        fmt.Sprintf("A %s conversation from %s was assigned to you", item.Channel, displayOrigin(item)),
		RecipientID: agent.ID,
		Metadata: map[string]string{
			"conversationId": conversationID,
			"channel":        string(item.Channel),
			"priority":       strconv.Itoa(item.Priority),
		},
	})

	return agent.ID, nil
}

// Sweep walks the queue in priority order attempting an assignment for each
// item. Concurrent sweeps coalesce: a sweep started while another runs
// returns immediately.
func (d *Dispatcher) Sweep(ctx context.Context) (int, error) {
	if !d.sweeping.CompareAndSwap(false, true) {
		return 0, nil
	}
	defer d.sweeping.Store(false)

	d.mu.Lock()
	pending := d.queue.Ordered()
	d.mu.Unlock()

	assigned := 0
	var errs []error
	for _, item := range pending {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		if d.agents.FreeCapacity() == 0 {
			break
		}
		agentID, err := d.TryAssign(ctx, item.ConversationID)
		if err != nil {
			d.logger.Warn().Err(err).Str("conversation_id", item.ConversationID).Msg("sweep assignment failed")
			errs = append(errs, err)
			continue
		}
		if agentID != "" {
			assigned++
		}
	}

	if assigned > 0 {
		d.logger.Debug().Int("assigned", assigned).Int("pending", len(pending)).Msg("sweep completed")
	}
	return assigned, errors.Join(errs...)
}

// Escalate raises a conversation to maximum priority and notifies managers.
// A conversation without a queue entry keeps its place (it is assigned) but
// the notification is still sent.
func (d *Dispatcher) Escalate(ctx context.Context, conversationID, reason string) error {
	d.mu.Lock()
	queued := d.queue.SetPriority(conversationID, types.MaxPriority)
	agentID := d.assignments[conversationID]
	d.mu.Unlock()

	d.metrics.RecordEscalation()

	body := reason
	if body == "" {
		body = fmt.Sprintf("Conversation %s was escalated", conversationID)
	}
	meta := map[string]string{
		"conversationId": conversationID,
		"queued":         strconv.FormatBool(queued),
	}
	if agentID != "" {
		meta["agentId"] = agentID
	}
	d.notifier.EmitToManagers(types.Notification{
		Kind:     types.NotifyEscalated,
		Severity: types.SeverityWarning,
		Title:    "Conversation escalated",
		Body:     body,
		Metadata: meta,
	})

	d.logger.Info().
		Str("conversation_id", conversationID).
		Bool("queued", queued).
		Msg("conversation escalated")

	if err := d.store.UpdateConversationPriority(ctx, conversationID, types.MaxPriority); err != nil {
		return fmt.Errorf("failed to persist escalation of %s: %w", conversationID, err)
	}
	return nil
}

// UpdatePriority sets an explicit priority on a queued conversation
func (d *Dispatcher) UpdatePriority(ctx context.Context, conversationID string, priority int) error {
	d.mu.Lock()
	d.queue.SetPriority(conversationID, priority)
	d.mu.Unlock()

	if err := d.store.UpdateConversationPriority(ctx, conversationID, priority); err != nil {
		return fmt.Errorf("failed to persist priority of %s: %w", conversationID, err)
	}
	return nil
}

// RemoveFor drops a conversation's queue item if present
func (d *Dispatcher) RemoveFor(conversationID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, removed := d.queue.Remove(conversationID)
	if removed {
		d.logger.Debug().Str("conversation_id", conversationID).Msg("queue item removed")
	}
	return removed
}

// Reassign takes a conversation away from its agent and queues it again at
// maximum priority, preferring a different agent.
func (d *Dispatcher) Reassign(ctx context.Context, conversationID string) (types.QueueItem, error) {
	conv, err := d.store.GetConversation(ctx, conversationID)
	if err != nil {
		return types.QueueItem{}, fmt.Errorf("failed to load conversation %s: %w", conversationID, err)
	}

	d.mu.Lock()
	agentID, ok := d.assignments[conversationID]
	d.mu.Unlock()
	if !ok {
		agentID = conv.AssignedAgentID
	}
	if agentID == "" {
		return types.QueueItem{}, fmt.Errorf("%w: %s", ErrNotAssigned, conversationID)
	}

	if err := d.store.UnassignConversation(ctx, conversationID); err != nil {
		return types.QueueItem{}, fmt.Errorf("failed to unassign conversation %s: %w", conversationID, err)
	}

	d.release(conversationID, agentID)

	d.logger.Info().
		Str("conversation_id", conversationID).
		Str("previous_agent_id", agentID).
		Msg("conversation reassigned")

	item, err := d.Enqueue(ctx, types.QueueItem{
		ConversationID: conversationID,
		OriginID:       conv.PatientID,
		Channel:        conv.Channel,
		Priority:       types.MaxPriority,
		AvoidAgentID:   agentID,
	})
	if err != nil && !errors.Is(err, ErrAssignmentConflict) {
		return item, err
	}
	return item, nil
}

// Close finishes a conversation: persists the status, drops any queue item,
// frees the agent's capacity and cancels pending reminders.
func (d *Dispatcher) Close(ctx context.Context, conversationID string, status types.ConversationStatus) error {
	if status.Open() {
		return fmt.Errorf("status %q does not close a conversation", status)
	}

	if err := d.store.UpdateConversationStatus(ctx, conversationID, status); err != nil {
		return fmt.Errorf("failed to close conversation %s: %w", conversationID, err)
	}

	d.mu.Lock()
	d.queue.Remove(conversationID)
	agentID, ok := d.assignments[conversationID]
	assigning := d.inflight[conversationID]
	d.mu.Unlock()

	// An in-flight TryAssign finds the item gone and cancels its own
	// reservation, so the store's view of the agent must not be released here.
	if !ok && !assigning {
		// assigned before a restart, so only the store knows the agent
		if conv, err := d.store.GetConversation(ctx, conversationID); err == nil {
			agentID = conv.AssignedAgentID
		}
	}
	if agentID != "" {
		d.release(conversationID, agentID)
	}

	cancelled := 0
	if d.reminders != nil {
		cancelled = d.reminders.Cancel(conversationID)
	}

	d.logger.Info().
		Str("conversation_id", conversationID).
		Str("agent_id", agentID).
		Str("status", string(status)).
		Int("reminders_cancelled", cancelled).
		Msg("conversation closed")

	return nil
}

// release frees the agent slot held by a conversation exactly once
func (d *Dispatcher) release(conversationID, agentID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if held, ok := d.assignments[conversationID]; ok {
		agentID = held
		delete(d.assignments, conversationID)
	}
	d.agents.RecordRelease(agentID)
}

// AssignedAgent returns the agent currently holding a conversation
func (d *Dispatcher) AssignedAgent(conversationID string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	agentID, ok := d.assignments[conversationID]
	return agentID, ok
}

// Status summarizes the queue. The estimated wait is the queue length over
// free capacity, rounded up, times the per-item service time; with no free
// capacity it is the fallback ceiling.
func (d *Dispatcher) Status() types.QueueStatus {
	d.mu.Lock()
	length := d.queue.Len()
	sl := d.sl.Snapshot()
	d.mu.Unlock()

	free := d.agents.FreeCapacity()
	wait := FallbackWait
	if free > 0 {
		wait = time.Duration(math.Ceil(float64(length)/float64(free))) * ServiceTimePerItem
	}

	return types.QueueStatus{
		QueueLength:          length,
		EstimatedWait:        wait,
		EstimatedWaitMinutes: int(wait / time.Minute),
		OnlineAgents:         d.agents.OnlineCount(),
		TotalAgents:          d.agents.Count(),
		FreeCapacity:         free,
		ServiceLevel:         sl,
	}
}

// Items returns the queue in dispatch order with current waits
func (d *Dispatcher) Items() []types.QueueEntry {
	d.mu.Lock()
	items := d.queue.Ordered()
	now := d.now()
	d.mu.Unlock()

	entries := make([]types.QueueEntry, len(items))
	for i, it := range items {
		entries[i] = types.QueueEntry{
			QueueItem:   it,
			Position:    i + 1,
			WaitSeconds: now.Sub(it.EnqueuedAt).Seconds(),
		}
	}
	return entries
}

// Queued reports whether a conversation currently has a queue item
func (d *Dispatcher) Queued(conversationID string) (types.QueueItem, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.queue.Get(conversationID)
}

func displayOrigin(item types.QueueItem) string {
	if item.OriginName != "" {
		return item.OriginName
	}
	return item.OriginID
}
