package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gorillaws "github.com/gorilla/websocket"
	"github.com/oclonee/omnichanel-clinic/internal/config"
	"github.com/oclonee/omnichanel-clinic/internal/storage"
	"github.com/oclonee/omnichanel-clinic/internal/types"
	"github.com/rs/zerolog"
)

func TestHealthHandler(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()

	healthHandler(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rec.Code)
	}

	contentType := rec.Header().Get("Content-Type")
	if contentType != "application/json" {
		t.Errorf("expected Content-Type application/json, got %s", contentType)
	}

	var response map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}

	if response["status"] != "ok" {
		t.Errorf("expected status ok, got %s", response["status"])
	}
	if response["service"] != "omnichannel-desk" {
		t.Errorf("expected service omnichannel-desk, got %s", response["service"])
	}
}

func TestHealthHandlerMethods(t *testing.T) {
	tests := []struct {
		method         string
		expectedStatus int
	}{
		{http.MethodGet, http.StatusOK},
		{http.MethodPost, http.StatusOK},
		{http.MethodOptions, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/health", nil)
			rec := httptest.NewRecorder()

			healthHandler(rec, req)

			if rec.Code != tt.expectedStatus {
				t.Errorf("expected status %d, got %d", tt.expectedStatus, rec.Code)
			}
		})
	}
}

func testConfig(skipAuth bool) *config.Config {
	return &config.Config{
		Port:                 "0",
		AllowedOrigins:       []string{"http://localhost:5173"},
		LogLevel:             "error",
		SkipAuth:             skipAuth,
		QueueSweepInterval:   time.Hour,
		SLATickInterval:      time.Hour,
		AgentRefreshInterval: time.Hour,
		StatusPushInterval:   time.Hour,
		AgentStaleAfter:      90 * time.Second,
		SLA:                  types.DefaultSLAConfig(),
		Store:                storage.Config{Mode: storage.ModeMemory},
		ChannelSendTimeout:   time.Second,
		NotifyBuffer:         64,
	}
}

func newTestDesk(t *testing.T, skipAuth bool) (*desk, http.Handler) {
	t.Helper()
	d, err := newDesk(context.Background(), testConfig(skipAuth), storage.NewMemoryStore(), zerolog.Nop())
	if err != nil {
		t.Fatalf("failed to build desk: %v", err)
	}
	t.Cleanup(d.close)
	return d, d.routes()
}

func inboundBody(t *testing.T) io.Reader {
	t.Helper()
	body, err := json.Marshal(types.InboundMessage{
		Channel: types.ChannelWhatsApp,
		Sender:  types.Sender{ID: "p-1", Name: "Ana Silva", Phone: "+5511999990000"},
		Content: "I'd like to book an appointment",
	})
	if err != nil {
		t.Fatal(err)
	}
	return bytes.NewReader(body)
}

func TestInboundReachesQueue(t *testing.T) {
	d, router := newTestDesk(t, true)

	req := httptest.NewRequest(http.MethodPost, "/internal/inbound", inboundBody(t))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	d.channels.WaitIdle()

	req = httptest.NewRequest(http.MethodGet, "/api/queue/status", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var status types.QueueStatus
	json.NewDecoder(rec.Body).Decode(&status)
	if status.QueueLength != 1 {
		t.Errorf("expected 1 queued conversation, got %d", status.QueueLength)
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	_, router := newTestDesk(t, false)

	for _, path := range []string{"/api/queue/status", "/api/channels", "/api/sla/config"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		if rec.Code != http.StatusUnauthorized {
			t.Errorf("%s: expected 401, got %d", path, rec.Code)
		}
	}
}

func TestMetricsEndpoint(t *testing.T) {
	d, router := newTestDesk(t, true)
	d.metrics.RecordEscalation()

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "desk_escalations_total 1") {
		t.Error("expected the escalation counter in the exposition")
	}
}

func TestConsoleReceivesAssignment(t *testing.T) {
	d, router := newTestDesk(t, true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.start(ctx)

	srv := httptest.NewServer(router)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/agent"
	conn, _, err := gorillaws.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	conn.WriteJSON(types.AgentRegister{Type: "register", AgentID: "a1", Name: "Bruno", Role: types.RoleAttendant})

	resp, err := http.Post(srv.URL+"/internal/inbound", "application/json", inboundBody(t))
	if err != nil {
		t.Fatalf("inbound post failed: %v", err)
	}
	resp.Body.Close()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		var push types.NotificationPush
		if err := conn.ReadJSON(&push); err != nil {
			t.Fatalf("no assignment received: %v", err)
		}
		if push.Type != "notification" || push.Notification.Kind != types.NotifyConversationAssigned {
			continue
		}
		if push.Notification.RecipientID != "a1" {
			t.Errorf("expected recipient a1, got %s", push.Notification.RecipientID)
		}
		if push.Notification.Metadata["conversationId"] == "" {
			t.Error("expected a conversation id")
		}
		return
	}
}
