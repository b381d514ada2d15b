package event

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/oclonee/omnichanel-clinic/internal/channel"
	"github.com/oclonee/omnichanel-clinic/internal/types"
	"github.com/rs/zerolog"
)

type collectingHandler struct {
	mu   sync.Mutex
	msgs []types.InboundMessage
}

func (h *collectingHandler) HandleInbound(_ context.Context, msg types.InboundMessage) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.msgs = append(h.msgs, msg)
	return nil
}

func newReceiver() (*Receiver, *channel.Registry, *collectingHandler) {
	h := &collectingHandler{}
	registry := channel.NewRegistry(h, zerolog.Nop())
	registry.RegisterAdapter(channel.NewLoopbackAdapter(types.ChannelWhatsApp, zerolog.Nop()))
	return NewReceiver(registry, zerolog.Nop()), registry, h
}

func post(r *Receiver, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/internal/inbound", strings.NewReader(body))
	rec := httptest.NewRecorder()
	r.HandleInbound(rec, req)
	return rec
}

func TestHandleInboundAccepts(t *testing.T) {
	r, registry, h := newReceiver()

	rec := post(r, `{"channel":"whatsapp","sender":{"id":"5511999","name":"Maria"},"content":"Preciso remarcar"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}

	registry.WaitIdle()
	if len(h.msgs) != 1 || h.msgs[0].Content != "Preciso remarcar" {
		t.Errorf("expected message to be ingested, got %+v", h.msgs)
	}
}

func TestHandleInboundRejects(t *testing.T) {
	tests := []struct {
		name string
		body string
		want int
	}{
		{"malformed json", `{`, http.StatusBadRequest},
		{"missing sender", `{"channel":"whatsapp","content":"hi"}`, http.StatusBadRequest},
		{"unknown channel", `{"channel":"fax","sender":{"id":"1"},"content":"hi"}`, http.StatusBadRequest},
		{"no adapter", `{"channel":"email","sender":{"id":"a@b.c"},"content":"hi"}`, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, _, _ := newReceiver()
			if rec := post(r, tt.body); rec.Code != tt.want {
				t.Errorf("expected %d, got %d", tt.want, rec.Code)
			}
		})
	}
}

func TestHandleInboundMethod(t *testing.T) {
	r, _, _ := newReceiver()
	rec := httptest.NewRecorder()
	r.HandleInbound(rec, httptest.NewRequest(http.MethodGet, "/internal/inbound", nil))

	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", rec.Code)
	}
}

func TestGetStats(t *testing.T) {
	r, registry, _ := newReceiver()
	post(r, `{"channel":"whatsapp","sender":{"id":"1"},"content":"a"}`)
	post(r, `{`)
	registry.WaitIdle()

	rec := httptest.NewRecorder()
	r.GetStats(rec, httptest.NewRequest(http.MethodGet, "/internal/inbound/stats", nil))

	var stats map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("failed to decode stats: %v", err)
	}
	if stats["received"] != float64(1) {
		t.Errorf("expected 1 received, got %v", stats["received"])
	}
	if stats["rejected"] != float64(1) {
		t.Errorf("expected 1 rejected, got %v", stats["rejected"])
	}
	if stats["processed"] != float64(1) {
		t.Errorf("expected 1 processed, got %v", stats["processed"])
	}
}
