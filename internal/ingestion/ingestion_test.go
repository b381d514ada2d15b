package ingestion

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/oclonee/omnichanel-clinic/internal/cache"
	"github.com/oclonee/omnichanel-clinic/internal/callqueue"
	"github.com/oclonee/omnichanel-clinic/internal/storage"
	"github.com/oclonee/omnichanel-clinic/internal/types"
	"github.com/rs/zerolog"
)

type recordingEnqueuer struct {
	items []types.QueueItem
	err   error
}

func (e *recordingEnqueuer) Enqueue(_ context.Context, item types.QueueItem) (types.QueueItem, error) {
	e.items = append(e.items, item)
	return item, e.err
}

type recordingSender struct {
	sent    []string
	outcome types.SendOutcome
	err     error
}

func (s *recordingSender) SendVia(_ context.Context, _ types.ChannelType, to, content string) (types.SendOutcome, error) {
	s.sent = append(s.sent, to+": "+content)
	return s.outcome, s.err
}

type staticConfig struct{ cfg types.SLAConfig }

func (c staticConfig) Get() types.SLAConfig { return c.cfg }

type notifications struct {
	mu  sync.Mutex
	got []types.Notification
}

func (n *notifications) Emit(note types.Notification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.got = append(n.got, note)
}

func newIntake(t *testing.T) (*Intake, *storage.MemoryStore, *recordingEnqueuer, *recordingSender, *notifications) {
	t.Helper()
	store := storage.NewMemoryStore()
	enq := &recordingEnqueuer{}
	sender := &recordingSender{outcome: types.SendOutcome{Success: true, ExternalMessageID: "wa_1"}}
	notes := &notifications{}
	intake := NewIntake(store, enq, notes, staticConfig{types.DefaultSLAConfig()}, zerolog.Nop())
	intake.SetSender(sender)
	return intake, store, enq, sender, notes
}

func whatsapp(content string) types.InboundMessage {
	return types.InboundMessage{
		ID:        "ext-1",
		Channel:   types.ChannelWhatsApp,
		Sender:    types.Sender{ID: "5511999", Name: "Ana", Phone: "+5511999"},
		Content:   content,
		Timestamp: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
}

func TestFirstContactOpensConversation(t *testing.T) {
	intake, store, enq, sender, _ := newIntake(t)
	ctx := context.Background()

	if err := intake.HandleInbound(ctx, whatsapp("I need to book an exam")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(enq.items) != 1 {
		t.Fatalf("expected 1 enqueue, got %d", len(enq.items))
	}
	item := enq.items[0]
	if item.Priority != types.DefaultPriority {
		t.Errorf("expected default priority, got %d", item.Priority)
	}
	if item.OriginName != "Ana" {
		t.Errorf("expected origin name Ana, got %s", item.OriginName)
	}

	conv, err := store.GetConversation(ctx, item.ConversationID)
	if err != nil {
		t.Fatalf("conversation not stored: %v", err)
	}
	if conv.Status != types.ConversationActive {
		t.Errorf("expected active conversation, got %s", conv.Status)
	}
	if conv.Subject != "I need to book an exam" {
		t.Errorf("unexpected subject %q", conv.Subject)
	}

	if len(sender.sent) != 1 {
		t.Fatalf("expected 1 auto-response, got %d", len(sender.sent))
	}
	msgs, _ := store.ListMessages(ctx, conv.ID, 10)
	if len(msgs) != 2 {
		t.Fatalf("expected inbound and auto-response messages, got %d", len(msgs))
	}
	if msgs[1].Direction != types.DirectionOutbound || msgs[1].ExternalID != "wa_1" {
		t.Errorf("unexpected auto-response record %+v", msgs[1])
	}
}

func TestFollowUpReusesConversation(t *testing.T) {
	intake, _, enq, sender, _ := newIntake(t)
	ctx := context.Background()

	intake.HandleInbound(ctx, whatsapp("hello"))
	intake.HandleInbound(ctx, whatsapp("anyone there?"))

	if len(enq.items) != 2 {
		t.Fatalf("expected 2 enqueues, got %d", len(enq.items))
	}
	if enq.items[0].ConversationID != enq.items[1].ConversationID {
		t.Error("expected the same conversation for both messages")
	}
	if len(sender.sent) != 1 {
		t.Errorf("expected auto-response only on first contact, got %d", len(sender.sent))
	}
}

func TestAssignedConversationNotifiesAgent(t *testing.T) {
	intake, store, enq, _, notes := newIntake(t)
	ctx := context.Background()

	intake.HandleInbound(ctx, whatsapp("hello"))
	convID := enq.items[0].ConversationID
	if err := store.AssignConversation(ctx, convID, "agent-1"); err != nil {
		t.Fatalf("assign failed: %v", err)
	}

	if err := intake.HandleInbound(ctx, whatsapp("follow-up")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(enq.items) != 1 {
		t.Errorf("expected no enqueue for an assigned conversation, got %d", len(enq.items))
	}
	if len(notes.got) != 1 {
		t.Fatalf("expected 1 notification, got %d", len(notes.got))
	}
	n := notes.got[0]
	if n.Kind != types.NotifyNewMessage || n.RecipientID != "agent-1" {
		t.Errorf("unexpected notification %+v", n)
	}
	if n.Metadata["conversationId"] != convID {
		t.Errorf("expected conversation id in metadata, got %v", n.Metadata)
	}
}

func TestInvalidMessageIsIngestionError(t *testing.T) {
	intake, _, enq, _, _ := newIntake(t)

	msg := whatsapp("")
	err := intake.HandleInbound(context.Background(), msg)
	if !errors.Is(err, ErrIngestion) {
		t.Errorf("expected ErrIngestion, got %v", err)
	}
	if len(enq.items) != 0 {
		t.Error("expected nothing enqueued")
	}
}

func TestAssignmentConflictIsNotFatal(t *testing.T) {
	intake, _, enq, _, _ := newIntake(t)
	enq.err = callqueue.ErrAssignmentConflict

	if err := intake.HandleInbound(context.Background(), whatsapp("hi")); err != nil {
		t.Errorf("expected conflict to be absorbed, got %v", err)
	}

	enq.err = errors.New("queue closed")
	msg := whatsapp("hi")
	msg.Sender.ID = "other"
	if err := intake.HandleInbound(context.Background(), msg); !errors.Is(err, ErrIngestion) {
		t.Errorf("expected ErrIngestion, got %v", err)
	}
}

func TestAutoResponseDisabledOrFailing(t *testing.T) {
	intake, store, enq, sender, _ := newIntake(t)
	cfg := types.DefaultSLAConfig()
	cfg.AutoResponse = false
	intake.config = staticConfig{cfg}

	intake.HandleInbound(context.Background(), whatsapp("hi"))
	if len(sender.sent) != 0 {
		t.Errorf("expected no auto-response, got %v", sender.sent)
	}

	intake.config = staticConfig{types.DefaultSLAConfig()}
	sender.outcome = types.SendOutcome{Success: false, Error: "rate limited"}
	msg := whatsapp("hi")
	msg.Sender.ID = "second"
	if err := intake.HandleInbound(context.Background(), msg); err != nil {
		t.Fatalf("send failure must not fail ingestion: %v", err)
	}
	msgs, _ := store.ListMessages(context.Background(), enq.items[1].ConversationID, 10)
	if len(msgs) != 1 {
		t.Errorf("expected only the inbound message, got %d", len(msgs))
	}
}

func TestDisplayNameFallsBackToContact(t *testing.T) {
	if got := displayName(types.Sender{ID: "x", Email: "a@b.c"}); got != "a@b.c" {
		t.Errorf("expected a@b.c, got %s", got)
	}
	long := make([]rune, 100)
	for i := range long {
		long[i] = 'é'
	}
	if got := []rune(preview(string(long))); len(got) != subjectMaxRunes {
		t.Errorf("expected %d runes, got %d", subjectMaxRunes, len(got))
	}
}

type recordingCloser struct {
	closed []string
	sweeps int
	err    error
	owners map[string]string
}

func (c *recordingCloser) AssignedAgent(id string) (string, bool) {
	agentID, ok := c.owners[id]
	return agentID, ok
}

func (c *recordingCloser) Close(_ context.Context, id string, status types.ConversationStatus) error {
	c.closed = append(c.closed, id+":"+string(status))
	return c.err
}

func (c *recordingCloser) Sweep(context.Context) (int, error) {
	c.sweeps++
	return 0, nil
}

func newPresence(t *testing.T) (*PresenceProcessor, *cache.AgentRegistry, *storage.MemoryStore, *recordingCloser) {
	t.Helper()
	store := storage.NewMemoryStore()
	registry := cache.NewAgentRegistry(store, zerolog.Nop())
	closer := &recordingCloser{owners: make(map[string]string)}
	p := NewPresenceProcessor(registry, store, closer, zerolog.Nop())
	p.sweepAsync = func(f func()) { f() }
	return p, registry, store, closer
}

func TestRegisterAddsOnlineAgent(t *testing.T) {
	p, registry, store, closer := newPresence(t)
	ctx := context.Background()

	err := p.ProcessRegister(ctx, &types.AgentRegister{AgentID: "m1", Name: "Caio", Role: types.RoleManager})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	state, ok := registry.Get("m1")
	if !ok || !state.Online {
		t.Fatalf("expected online agent, got %+v", state)
	}
	if state.MaxCapacity != 8 {
		t.Errorf("expected manager capacity 8, got %d", state.MaxCapacity)
	}
	managers, _ := store.ListManagers(ctx)
	if len(managers) != 1 {
		t.Errorf("expected persisted manager, got %d", len(managers))
	}
	if closer.sweeps != 1 {
		t.Errorf("expected a sweep after register, got %d", closer.sweeps)
	}
}

func TestPresenceTogglesAvailability(t *testing.T) {
	p, registry, store, closer := newPresence(t)
	ctx := context.Background()

	// unknown agent going online registers it
	if err := p.ProcessPresence(ctx, &types.AgentPresence{AgentID: "a1", Name: "Bia", Online: true}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if state, _ := registry.Get("a1"); !state.Online || state.Role != types.RoleAttendant {
		t.Fatalf("unexpected state %+v", state)
	}

	p.ProcessPresence(ctx, &types.AgentPresence{AgentID: "a1", Online: false})
	if state, _ := registry.Get("a1"); state.Online {
		t.Error("expected agent offline")
	}
	agents, _ := store.ListAgents(ctx)
	if len(agents) != 1 || agents[0].IsOnline {
		t.Errorf("expected persisted offline agent, got %+v", agents)
	}
	if closer.sweeps != 1 {
		t.Errorf("expected sweep only when going online, got %d", closer.sweeps)
	}

	// unknown agent going offline is ignored
	if err := p.ProcessPresence(ctx, &types.AgentPresence{AgentID: "ghost", Online: false}); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if _, ok := registry.Get("ghost"); ok {
		t.Error("expected ghost to stay unknown")
	}
}

func TestCloseDefaultsToResolved(t *testing.T) {
	p, _, _, closer := newPresence(t)
	closer.owners["c1"] = "a1"
	closer.owners["c2"] = "a1"

	err := p.ProcessClose(context.Background(), &types.ConversationClose{AgentID: "a1", ConversationID: "c1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(closer.closed) != 1 || closer.closed[0] != "c1:resolved" {
		t.Errorf("unexpected closes %v", closer.closed)
	}
	if closer.sweeps != 1 {
		t.Errorf("expected sweep after close, got %d", closer.sweeps)
	}

	closer.err = errors.New("not found")
	if err := p.ProcessClose(context.Background(), &types.ConversationClose{AgentID: "a1", ConversationID: "c2"}); err == nil {
		t.Error("expected close error to propagate")
	}
}

func TestCloseRejectsOtherAgentsConversation(t *testing.T) {
	p, _, store, closer := newPresence(t)
	ctx := context.Background()

	p.ProcessRegister(ctx, &types.AgentRegister{AgentID: "a1", Name: "Bia"})
	p.ProcessRegister(ctx, &types.AgentRegister{AgentID: "a2", Name: "Davi"})
	closer.owners["c1"] = "a1"
	closer.sweeps = 0

	err := p.ProcessClose(ctx, &types.ConversationClose{AgentID: "a2", ConversationID: "c1"})
	if !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}
	if len(closer.closed) != 0 {
		t.Errorf("expected no close, got %v", closer.closed)
	}

	// assigned before a restart: the store names the owner
	conv := &types.Conversation{PatientID: "p1", Channel: types.ChannelWhatsApp, Status: types.ConversationActive}
	if err := store.CreateConversation(ctx, conv); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := store.AssignConversation(ctx, conv.ID, "a1"); err != nil {
		t.Fatalf("assign failed: %v", err)
	}
	if err := p.ProcessClose(ctx, &types.ConversationClose{AgentID: "a2", ConversationID: conv.ID}); !errors.Is(err, ErrNotOwner) {
		t.Errorf("expected ErrNotOwner from store owner, got %v", err)
	}
	if err := p.ProcessClose(ctx, &types.ConversationClose{AgentID: "a1", ConversationID: conv.ID}); err != nil {
		t.Errorf("expected owner close to succeed, got %v", err)
	}
}

func TestManagerClosesAnyConversation(t *testing.T) {
	p, _, _, closer := newPresence(t)
	ctx := context.Background()

	p.ProcessRegister(ctx, &types.AgentRegister{AgentID: "m1", Name: "Caio", Role: types.RoleManager})
	closer.owners["c1"] = "a1"

	if err := p.ProcessClose(ctx, &types.ConversationClose{AgentID: "m1", ConversationID: "c1"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(closer.closed) != 1 || closer.closed[0] != "c1:resolved" {
		t.Errorf("unexpected closes %v", closer.closed)
	}
}

func TestDisconnectMarksOffline(t *testing.T) {
	p, registry, _, _ := newPresence(t)
	ctx := context.Background()

	p.ProcessRegister(ctx, &types.AgentRegister{AgentID: "a1", Name: "Bia"})
	p.ProcessDisconnect(ctx, "a1")

	if state, _ := registry.Get("a1"); state.Online {
		t.Error("expected agent offline after disconnect")
	}
}
