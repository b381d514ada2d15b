package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/oclonee/omnichanel-clinic/internal/auth"
	"github.com/oclonee/omnichanel-clinic/internal/cache"
	"github.com/oclonee/omnichanel-clinic/internal/callqueue"
	"github.com/oclonee/omnichanel-clinic/internal/channel"
	"github.com/oclonee/omnichanel-clinic/internal/ingestion"
	"github.com/oclonee/omnichanel-clinic/internal/scheduler"
	"github.com/oclonee/omnichanel-clinic/internal/storage"
	"github.com/oclonee/omnichanel-clinic/internal/types"
	"github.com/rs/zerolog"
)

type recordingNotifier struct {
	mu   sync.Mutex
	sent []types.Notification
}

func (n *recordingNotifier) Emit(x types.Notification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, x)
}

func (n *recordingNotifier) EmitToManagers(x types.Notification) { n.Emit(x) }

func (n *recordingNotifier) kinds() []types.NotificationKind {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []types.NotificationKind
	for _, x := range n.sent {
		out = append(out, x.Kind)
	}
	return out
}

type fakeHub struct {
	connected map[string]bool
}

func (h *fakeHub) ForceDisconnect(agentID string) bool {
	return h.connected[agentID]
}

type desk struct {
	store      *storage.MemoryStore
	agents     *cache.AgentRegistry
	dispatcher *callqueue.Dispatcher
	reminders  *scheduler.Reminders
	channels   *channel.Registry
	notifier   *recordingNotifier
	router     chi.Router
}

func newDesk(t *testing.T) *desk {
	t.Helper()
	logger := zerolog.Nop()

	d := &desk{
		store:    storage.NewMemoryStore(),
		notifier: &recordingNotifier{},
	}
	d.agents = cache.NewAgentRegistry(d.store, logger)
	d.dispatcher = callqueue.NewDispatcher(d.agents, d.store, d.notifier, logger)
	d.reminders = scheduler.NewReminders(func(types.Reminder) {}, logger)
	d.dispatcher.SetReminders(d.reminders)
	d.channels = channel.NewRegistry(nil, logger)
	d.channels.RegisterAdapter(channel.NewLoopbackAdapter(types.ChannelWhatsApp, logger))
	t.Cleanup(func() {
		for _, c := range []string{"c1", "c2"} {
			d.reminders.Cancel(c)
		}
	})

	presence := ingestion.NewPresenceProcessor(d.agents, d.store, d.dispatcher, logger)
	agentsAPI := NewAgentHandler(d.agents, &fakeHub{connected: map[string]bool{"a1": true}}, logger)
	convAPI := NewConversationHandler(d.dispatcher, d.store, d.reminders, logger)
	channelAPI := NewChannelHandler(d.channels, d.store, logger)
	notifyAPI := NewNotificationHandler(d.store, logger)
	presenceAPI := NewPresenceHandler(presence, d.agents, d.store, logger)

	r := chi.NewRouter()
	r.Post("/internal/agents/presence", presenceAPI.HandlePresence)
	r.Post("/internal/agents/roster", presenceAPI.HandleRoster)
	r.Group(func(r chi.Router) {
		r.Use(asHeader)
		r.Get("/api/channels", channelAPI.List)
		r.Post("/api/channels/{type}/send", channelAPI.Send)
		r.Get("/api/notifications", notifyAPI.List)
		r.Post("/api/notifications/{id}/read", notifyAPI.MarkRead)
		r.Get("/api/conversations/{id}", convAPI.Get)
		r.Post("/api/conversations/{id}/close", convAPI.Close)
		r.Group(func(r chi.Router) {
			r.Use(auth.RequireSupervisor)
			r.Get("/api/agents", agentsAPI.List)
			r.Post("/api/agents/refresh", agentsAPI.Refresh)
			r.Post("/api/agents/{agentId}/logout", agentsAPI.Logout)
			r.Post("/api/conversations/{id}/escalate", convAPI.Escalate)
			r.Put("/api/conversations/{id}/priority", convAPI.SetPriority)
			r.Post("/api/conversations/{id}/reassign", convAPI.Reassign)
			r.Post("/api/conversations/{id}/reminders", convAPI.ScheduleReminder)
			r.Get("/api/conversations/{id}/reminders", convAPI.ListReminders)
		})
	})
	d.router = r
	return d
}

// asHeader authenticates tests through "X-Test-User: id:role"
func asHeader(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if v := r.Header.Get("X-Test-User"); v != "" {
			parts := strings.SplitN(v, ":", 2)
			claims := &auth.Claims{AgentID: parts[0], Role: types.AgentRole(parts[1])}
			r = r.WithContext(auth.WithUser(r.Context(), claims))
		}
		next.ServeHTTP(w, r)
	})
}

func (d *desk) do(method, path, user, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	if user != "" {
		req.Header.Set("X-Test-User", user)
	}
	rec := httptest.NewRecorder()
	d.router.ServeHTTP(rec, req)
	return rec
}

func (d *desk) addAgent(id string, role types.AgentRole) {
	d.agents.Register(types.AgentProfile{ID: id, Name: id, Role: role, IsOnline: true, LastActivity: time.Now()})
}

func (d *desk) addConversation(t *testing.T, id string) {
	t.Helper()
	err := d.store.CreateConversation(context.Background(), &types.Conversation{
		ID:        id,
		PatientID: "p-" + id,
		Channel:   types.ChannelWhatsApp,
		Status:    types.ConversationActive,
		Priority:  types.DefaultPriority,
		CreatedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("failed to create conversation: %v", err)
	}
}

func (d *desk) assign(t *testing.T, id string) string {
	t.Helper()
	item, err := d.dispatcher.Enqueue(context.Background(), types.QueueItem{ConversationID: id, Channel: types.ChannelWhatsApp, Priority: 1})
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	return item.AssignedAgentID
}

func TestEscalateRequiresSupervisor(t *testing.T) {
	d := newDesk(t)
	d.addConversation(t, "c1")

	if rec := d.do(http.MethodPost, "/api/conversations/c1/escalate", "a1:attendant", ""); rec.Code != http.StatusForbidden {
		t.Errorf("expected 403 for attendant, got %d", rec.Code)
	}

	rec := d.do(http.MethodPost, "/api/conversations/c1/escalate", "m1:manager", `{"reason":"VIP patient"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	conv, _ := d.store.GetConversation(context.Background(), "c1")
	if conv.Priority != types.MaxPriority {
		t.Errorf("expected max priority, got %d", conv.Priority)
	}
	if kinds := d.notifier.kinds(); len(kinds) != 1 || kinds[0] != types.NotifyEscalated {
		t.Errorf("expected one escalation notice, got %v", kinds)
	}
}

func TestEscalateUnknownConversation(t *testing.T) {
	d := newDesk(t)

	if rec := d.do(http.MethodPost, "/api/conversations/missing/escalate", "m1:manager", ""); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
	if kinds := d.notifier.kinds(); len(kinds) != 0 {
		t.Errorf("expected no notifications, got %v", kinds)
	}
}

func TestSetPriority(t *testing.T) {
	d := newDesk(t)
	d.addConversation(t, "c1")

	if rec := d.do(http.MethodPut, "/api/conversations/c1/priority", "m1:manager", `{}`); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 without priority, got %d", rec.Code)
	}
	if rec := d.do(http.MethodPut, "/api/conversations/c1/priority", "m1:manager", `{"priority":7}`); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	conv, _ := d.store.GetConversation(context.Background(), "c1")
	if conv.Priority != 7 {
		t.Errorf("expected priority 7, got %d", conv.Priority)
	}
}

func TestReassign(t *testing.T) {
	d := newDesk(t)
	d.addConversation(t, "c1")

	if rec := d.do(http.MethodPost, "/api/conversations/c1/reassign", "m1:manager", ""); rec.Code != http.StatusConflict {
		t.Errorf("expected 409 for unassigned conversation, got %d", rec.Code)
	}

	d.addAgent("a1", types.RoleAttendant)
	if got := d.assign(t, "c1"); got != "a1" {
		t.Fatalf("expected a1 to take c1, got %q", got)
	}
	d.addAgent("a2", types.RoleAttendant)

	rec := d.do(http.MethodPost, "/api/conversations/c1/reassign", "m1:manager", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Item   types.QueueItem `json:"item"`
		Status string          `json:"status"`
	}
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body.Status != "assigned" || body.Item.AssignedAgentID != "a2" {
		t.Errorf("expected reassignment to a2, got %+v", body)
	}
}

func TestCloseOwnership(t *testing.T) {
	d := newDesk(t)
	d.addConversation(t, "c1")
	d.addAgent("a1", types.RoleAttendant)
	d.assign(t, "c1")

	if rec := d.do(http.MethodPost, "/api/conversations/c1/close", "a2:attendant", ""); rec.Code != http.StatusForbidden {
		t.Errorf("expected 403 for another attendant, got %d", rec.Code)
	}
	if rec := d.do(http.MethodPost, "/api/conversations/c1/close", "a1:attendant", `{"status":"active"}`); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for open status, got %d", rec.Code)
	}

	rec := d.do(http.MethodPost, "/api/conversations/c1/close", "a1:attendant", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	conv, _ := d.store.GetConversation(context.Background(), "c1")
	if conv.Status != types.ConversationResolved {
		t.Errorf("expected resolved, got %s", conv.Status)
	}
	if s, _ := d.agents.Get("a1"); s.CurrentLoad != 0 {
		t.Errorf("expected a1 load released, got %d", s.CurrentLoad)
	}
}

func TestRemindersLifecycle(t *testing.T) {
	d := newDesk(t)
	d.addConversation(t, "c1")

	if rec := d.do(http.MethodPost, "/api/conversations/c1/reminders", "m1:manager", `{"kind":"lunch"}`); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for unknown kind, got %d", rec.Code)
	}

	rec := d.do(http.MethodPost, "/api/conversations/c1/reminders", "m1:manager", `{"kind":"appointment"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var rem types.Reminder
	json.Unmarshal(rec.Body.Bytes(), &rem)
	if until := time.Until(rem.FireAt); until < 110*time.Minute || until > 2*time.Hour {
		t.Errorf("expected appointment reminder in about 2h, got %v", until)
	}

	if got := len(d.reminders.Pending("c1")); got != 1 {
		t.Fatalf("expected 1 pending reminder, got %d", got)
	}

	d.do(http.MethodPost, "/api/conversations/c1/close", "m1:manager", `{"status":"closed"}`)
	if got := len(d.reminders.Pending("c1")); got != 0 {
		t.Errorf("expected close to cancel reminders, got %d pending", got)
	}
	if rec := d.do(http.MethodPost, "/api/conversations/c1/reminders", "m1:manager", `{"kind":"exam"}`); rec.Code != http.StatusConflict {
		t.Errorf("expected 409 on closed conversation, got %d", rec.Code)
	}
}

func TestGetConversationVisibility(t *testing.T) {
	d := newDesk(t)
	d.addConversation(t, "c1")
	d.store.AppendMessage(context.Background(), &types.Message{ConversationID: "c1", Direction: types.DirectionInbound, Author: "p-c1", Content: "oi", CreatedAt: time.Now()})

	if rec := d.do(http.MethodGet, "/api/conversations/c1", "a9:attendant", ""); rec.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", rec.Code)
	}

	rec := d.do(http.MethodGet, "/api/conversations/c1", "m1:manager", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		Messages []types.Message `json:"messages"`
	}
	json.Unmarshal(rec.Body.Bytes(), &body)
	if len(body.Messages) != 1 || body.Messages[0].Content != "oi" {
		t.Errorf("unexpected messages %+v", body.Messages)
	}
}

func TestChannelSendRecordsTranscript(t *testing.T) {
	d := newDesk(t)
	d.addConversation(t, "c1")

	rec := d.do(http.MethodPost, "/api/channels/whatsapp/send", "a1:attendant", `{"to":"+5511999","content":"Consulta confirmada","conversationId":"c1"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	msgs, _ := d.store.ListMessages(context.Background(), "c1", 0)
	if len(msgs) != 1 || msgs[0].Direction != types.DirectionOutbound || msgs[0].Author != "a1" {
		t.Fatalf("expected outbound message by a1, got %+v", msgs)
	}
	if !strings.HasPrefix(msgs[0].ExternalID, "wa_") {
		t.Errorf("expected external id from adapter, got %q", msgs[0].ExternalID)
	}
}

func TestChannelSendErrors(t *testing.T) {
	d := newDesk(t)
	d.addConversation(t, "c1")

	tests := []struct {
		name string
		path string
		body string
		want int
	}{
		{"unknown channel", "/api/channels/fax/send", `{"to":"1","content":"x"}`, http.StatusBadRequest},
		{"no adapter", "/api/channels/email/send", `{"to":"a@b.c","content":"x"}`, http.StatusNotFound},
		{"missing content", "/api/channels/whatsapp/send", `{"to":"1"}`, http.StatusBadRequest},
		{"unknown conversation", "/api/channels/whatsapp/send", `{"to":"1","content":"x","conversationId":"nope"}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := d.do(http.MethodPost, tt.path, "a1:attendant", tt.body); rec.Code != tt.want {
				t.Errorf("expected %d, got %d", tt.want, rec.Code)
			}
		})
	}
}

func TestListChannels(t *testing.T) {
	d := newDesk(t)

	rec := d.do(http.MethodGet, "/api/channels", "a1:attendant", "")
	var body struct {
		Total    int                 `json:"total"`
		Channels []types.ChannelInfo `json:"channels"`
	}
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body.Total != 1 || body.Channels[0].Type != types.ChannelWhatsApp {
		t.Errorf("unexpected channels %+v", body)
	}
}

func TestNotificationsInbox(t *testing.T) {
	d := newDesk(t)
	ctx := context.Background()
	d.store.SaveNotification(ctx, types.Notification{ID: "n1", RecipientID: "a1", Kind: types.NotifyNewMessage, CreatedAt: time.Now()})
	d.store.SaveNotification(ctx, types.Notification{ID: "n2", RecipientID: "a2", Kind: types.NotifyNewMessage, CreatedAt: time.Now()})

	if rec := d.do(http.MethodGet, "/api/notifications", "", ""); rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without identity, got %d", rec.Code)
	}

	rec := d.do(http.MethodGet, "/api/notifications", "a1:attendant", "")
	var body struct {
		Total  int `json:"total"`
		Unread int `json:"unread"`
	}
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body.Total != 1 || body.Unread != 1 {
		t.Errorf("expected 1 unread notification, got %+v", body)
	}

	if rec := d.do(http.MethodPost, "/api/notifications/n2/read", "a1:attendant", ""); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for another agent's notification, got %d", rec.Code)
	}
	if rec := d.do(http.MethodPost, "/api/notifications/n1/read", "a1:attendant", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}

	rec = d.do(http.MethodGet, "/api/notifications", "a1:attendant", "")
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body.Unread != 0 {
		t.Errorf("expected 0 unread, got %d", body.Unread)
	}
}

func TestAgentsListAndLogout(t *testing.T) {
	d := newDesk(t)
	d.addAgent("a1", types.RoleAttendant)
	d.agents.Register(types.AgentProfile{ID: "a0", Role: types.RoleAttendant})

	rec := d.do(http.MethodGet, "/api/agents", "m1:manager", "")
	var body struct {
		Total  int                      `json:"total"`
		Online int                      `json:"online"`
		Agents []types.AgentPerformance `json:"agents"`
	}
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body.Total != 2 || body.Online != 1 {
		t.Fatalf("unexpected counts %+v", body)
	}
	if body.Agents[0].AgentID != "a1" {
		t.Errorf("expected online agent first, got %s", body.Agents[0].AgentID)
	}

	if rec := d.do(http.MethodPost, "/api/agents/a1/logout", "m1:manager", ""); rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	if rec := d.do(http.MethodPost, "/api/agents/zz/logout", "m1:manager", ""); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestAgentsRefresh(t *testing.T) {
	d := newDesk(t)
	d.store.UpsertAgent(context.Background(), types.AgentProfile{ID: "s1", Role: types.RoleManager, IsOnline: true, LastActivity: time.Now()})

	if rec := d.do(http.MethodPost, "/api/agents/refresh", "m1:manager", ""); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	s, ok := d.agents.Get("s1")
	if !ok || s.MaxCapacity != 8 {
		t.Errorf("expected s1 loaded with manager capacity, got %+v", s)
	}
}

func TestPresenceAndRoster(t *testing.T) {
	d := newDesk(t)

	rec := d.do(http.MethodPost, "/internal/agents/roster", "", `[{"agentId":"r1","name":"Rita"},{"agentId":""}]`)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"registered":1`) {
		t.Fatalf("unexpected roster response %d %s", rec.Code, rec.Body.String())
	}
	if s, _ := d.agents.Get("r1"); s.Online {
		t.Error("expected roster agent to start offline")
	}

	rec = d.do(http.MethodPost, "/internal/agents/presence", "", `{"agentId":"r1","online":true}`)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"online":true`) {
		t.Fatalf("unexpected presence response %d %s", rec.Code, rec.Body.String())
	}

	if rec := d.do(http.MethodPost, "/internal/agents/presence", "", `{"online":true}`); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 without agent id, got %d", rec.Code)
	}
}
