package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oclonee/omnichanel-clinic/internal/auth"
	"github.com/oclonee/omnichanel-clinic/internal/types"
	"github.com/rs/zerolog"
)

type recordingProcessor struct {
	mu           sync.Mutex
	registered   []string
	heartbeats   []string
	closes       []types.ConversationClose
	disconnected []string
	closeErr     error
}

func (p *recordingProcessor) ProcessRegister(_ context.Context, reg *types.AgentRegister) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.registered = append(p.registered, reg.AgentID+":"+string(reg.Role))
	return nil
}

func (p *recordingProcessor) ProcessHeartbeat(_ context.Context, hb *types.AgentHeartbeat) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.heartbeats = append(p.heartbeats, hb.AgentID)
}

func (p *recordingProcessor) ProcessPresence(context.Context, *types.AgentPresence) error {
	return nil
}

func (p *recordingProcessor) ProcessClose(_ context.Context, msg *types.ConversationClose) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closes = append(p.closes, *msg)
	return p.closeErr
}

func (p *recordingProcessor) ProcessDisconnect(_ context.Context, agentID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.disconnected = append(p.disconnected, agentID)
}

type recorded struct {
	registered   []string
	heartbeats   []string
	closes       []types.ConversationClose
	disconnected []string
}

func (p *recordingProcessor) snapshot() recorded {
	p.mu.Lock()
	defer p.mu.Unlock()
	return recorded{
		registered:   append([]string(nil), p.registered...),
		heartbeats:   append([]string(nil), p.heartbeats...),
		closes:       append([]types.ConversationClose(nil), p.closes...),
		disconnected: append([]string(nil), p.disconnected...),
	}
}

func startHub(t *testing.T, p EventProcessor) *AgentHub {
	t.Helper()
	hub := NewAgentHub(p, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)
	return hub
}

func mockClient(hub *AgentHub, id string, role types.AgentRole) *AgentClient {
	return &AgentClient{
		agentID: id,
		role:    role,
		hub:     hub,
		send:    make(chan []byte, 10),
		done:    make(chan struct{}),
		logger:  zerolog.Nop(),
	}
}

func registerMock(hub *AgentHub, c *AgentClient) {
	hub.register <- registration{client: c, reg: &types.AgentRegister{AgentID: c.agentID, Role: c.role}}
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestNewAgentHub(t *testing.T) {
	hub := NewAgentHub(&recordingProcessor{}, zerolog.Nop())

	if hub.agents == nil {
		t.Error("expected agents map to be initialized")
	}
	if hub.register == nil || hub.unregister == nil || hub.events == nil {
		t.Error("expected hub channels to be initialized")
	}
	if hub.AgentCount() != 0 {
		t.Errorf("expected 0 agents, got %d", hub.AgentCount())
	}
}

func TestHubRegisterUnregister(t *testing.T) {
	p := &recordingProcessor{}
	hub := startHub(t, p)

	client := mockClient(hub, "agent-1", types.RoleAttendant)
	registerMock(hub, client)
	eventually(t, func() bool { return hub.AgentCount() == 1 }, "expected 1 agent after register")

	hub.unregister <- client
	eventually(t, func() bool { return hub.AgentCount() == 0 }, "expected 0 agents after unregister")
	eventually(t, func() bool { return len(p.snapshot().disconnected) == 1 }, "expected disconnect to be processed")

	if got := p.snapshot().registered; len(got) != 1 || got[0] != "agent-1:attendant" {
		t.Errorf("unexpected registrations %v", got)
	}
}

func TestHubReplacesDuplicateAgent(t *testing.T) {
	p := &recordingProcessor{}
	hub := startHub(t, p)

	first := mockClient(hub, "agent-1", types.RoleAttendant)
	second := mockClient(hub, "agent-1", types.RoleAttendant)
	registerMock(hub, first)
	registerMock(hub, second)
	eventually(t, func() bool { return len(p.snapshot().registered) == 2 }, "expected both registrations")

	if _, ok := <-first.send; ok {
		t.Error("expected the replaced client to be closed")
	}

	// the stale connection going away must not mark the agent offline
	hub.unregister <- first
	time.Sleep(20 * time.Millisecond)
	if hub.AgentCount() != 1 {
		t.Errorf("expected 1 agent, got %d", hub.AgentCount())
	}
	if got := p.snapshot().disconnected; len(got) != 0 {
		t.Errorf("expected no disconnect, got %v", got)
	}
}

func TestSendToAgent(t *testing.T) {
	hub := startHub(t, &recordingProcessor{})

	client := mockClient(hub, "agent-1", types.RoleAttendant)
	registerMock(hub, client)
	eventually(t, func() bool { return hub.AgentCount() == 1 }, "expected agent to register")

	if !hub.SendToAgent("agent-1", []byte("assigned")) {
		t.Fatal("expected send to succeed")
	}
	if msg := <-client.send; string(msg) != "assigned" {
		t.Errorf("expected assigned, got %s", msg)
	}
	if hub.SendToAgent("agent-2", []byte("x")) {
		t.Error("expected send to unknown agent to fail")
	}
}

func TestBroadcastToManagers(t *testing.T) {
	hub := startHub(t, &recordingProcessor{})

	attendant := mockClient(hub, "a1", types.RoleAttendant)
	manager := mockClient(hub, "m1", types.RoleManager)
	admin := mockClient(hub, "root", types.RoleAdmin)
	for _, c := range []*AgentClient{attendant, manager, admin} {
		registerMock(hub, c)
	}
	eventually(t, func() bool { return hub.AgentCount() == 3 }, "expected 3 agents")

	sent := hub.PushQueueStatus(types.QueueStatusPush{Status: types.QueueStatus{QueueLength: 4}})
	if sent != 2 {
		t.Errorf("expected 2 supervisors reached, got %d", sent)
	}
	if len(attendant.send) != 0 {
		t.Error("attendant should not receive queue status")
	}

	var push types.QueueStatusPush
	if err := json.Unmarshal(<-manager.send, &push); err != nil {
		t.Fatalf("failed to decode push: %v", err)
	}
	if push.Type != "queue_status" || push.Status.QueueLength != 4 {
		t.Errorf("unexpected push %+v", push)
	}
}

func TestSafeSendAfterClose(t *testing.T) {
	client := mockClient(nil, "a1", types.RoleAttendant)
	client.Close()
	client.Close()

	if client.safeSend([]byte("x")) {
		t.Error("expected send on closed client to fail")
	}
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(url, "http"), nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readType(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg map[string]interface{}
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	return msg
}

func TestConsoleSession(t *testing.T) {
	p := &recordingProcessor{closeErr: errors.New("conversation is not assigned")}
	hub := startHub(t, p)
	srv := httptest.NewServer(NewAgentHandler(hub, zerolog.Nop()))
	defer srv.Close()

	conn := dial(t, srv.URL)

	if err := conn.WriteJSON(types.AgentHeartbeat{Type: "heartbeat", AgentID: "a1"}); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if msg := readType(t, conn); msg["type"] != "error" {
		t.Errorf("expected error before register, got %v", msg)
	}

	if err := conn.WriteJSON(types.AgentRegister{Type: "register", AgentID: "a1", Name: "Ana"}); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if msg := readType(t, conn); msg["type"] != "ack" || msg["agentId"] != "a1" {
		t.Errorf("expected ack for a1, got %v", msg)
	}

	// agent id in the payload is ignored after registration
	conn.WriteJSON(types.ConversationClose{Type: "conversation_close", AgentID: "someone-else", ConversationID: "c1"})
	if msg := readType(t, conn); msg["type"] != "error" {
		t.Errorf("expected rejected close to report an error, got %v", msg)
	}
	closes := p.snapshot().closes
	if len(closes) != 1 || closes[0].AgentID != "a1" {
		t.Errorf("expected close attributed to a1, got %+v", closes)
	}

	conn.Close()
	eventually(t, func() bool { return len(p.snapshot().disconnected) == 1 }, "expected disconnect after close")
}

func TestAuthenticatedAttendantCannotImpersonate(t *testing.T) {
	p := &recordingProcessor{}
	hub := startHub(t, p)
	user := &auth.Claims{AgentID: "a7", Role: types.RoleAttendant}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		NewAgentHandler(hub, zerolog.Nop()).ServeHTTP(w, r.WithContext(auth.WithUser(r.Context(), user)))
	}))
	defer srv.Close()

	conn := dial(t, srv.URL)
	conn.WriteJSON(types.AgentRegister{Type: "register", AgentID: "boss", Role: types.RoleAdmin})

	if msg := readType(t, conn); msg["agentId"] != "a7" {
		t.Errorf("expected registration as a7, got %v", msg)
	}
	eventually(t, func() bool { return len(p.snapshot().registered) == 1 }, "expected registration")
	if got := p.snapshot().registered[0]; got != "a7:attendant" {
		t.Errorf("expected a7:attendant, got %s", got)
	}
}
