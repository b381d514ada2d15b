package aggregator

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/oclonee/omnichanel-clinic/internal/cache"
	"github.com/oclonee/omnichanel-clinic/internal/types"
	"github.com/rs/zerolog"
)

type fixedStatus types.QueueStatus

func (f fixedStatus) Status() types.QueueStatus { return types.QueueStatus(f) }

type captureHub struct {
	messages [][]byte
}

func (h *captureHub) BroadcastToManagers(message []byte) int {
	h.messages = append(h.messages, message)
	return 2
}

func TestPublishPushesQueueAndAgents(t *testing.T) {
	agents := cache.NewAgentRegistry(nil, zerolog.Nop())
	agents.Register(types.AgentProfile{ID: "a1", Name: "Ana", Role: types.RoleAttendant, IsOnline: true, LastActivity: time.Now()})

	hub := &captureHub{}
	agg := NewAggregator(fixedStatus{QueueLength: 3, OnlineAgents: 1}, agents, hub, zerolog.Nop())

	if sent := agg.Publish(); sent != 2 {
		t.Errorf("expected 2 consoles reached, got %d", sent)
	}
	if len(hub.messages) != 2 {
		t.Fatalf("expected 2 pushes, got %d", len(hub.messages))
	}

	var status types.QueueStatusPush
	if err := json.Unmarshal(hub.messages[0], &status); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if status.Type != "queue_status" || status.Status.QueueLength != 3 {
		t.Errorf("unexpected status push %+v", status)
	}

	var overview types.AgentsPush
	if err := json.Unmarshal(hub.messages[1], &overview); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if len(overview.Agents) != 1 || overview.Agents[0].AgentID != "a1" {
		t.Errorf("unexpected overview %+v", overview.Agents)
	}
	if overview.Agents[0].MaxCapacity != 5 {
		t.Errorf("expected default capacity 5, got %d", overview.Agents[0].MaxCapacity)
	}
}

func TestPublishExpiresSilentAgents(t *testing.T) {
	now := time.Now()
	agents := cache.NewAgentRegistry(nil, zerolog.Nop())
	agents.Register(types.AgentProfile{ID: "quiet", Role: types.RoleAttendant, IsOnline: true, LastActivity: now.Add(-5 * time.Minute)})
	agents.Register(types.AgentProfile{ID: "busy", Role: types.RoleAttendant, IsOnline: true, LastActivity: now})

	agg := NewAggregator(fixedStatus{}, agents, &captureHub{}, zerolog.Nop())
	agg.SetClock(func() time.Time { return now })
	agg.Publish()

	if s, _ := agents.Get("quiet"); s.Online {
		t.Error("expected quiet agent to go offline")
	}
	if s, _ := agents.Get("busy"); !s.Online {
		t.Error("expected busy agent to stay online")
	}
}

func TestPublishFlagsQuietAgents(t *testing.T) {
	now := time.Now()
	agents := cache.NewAgentRegistry(nil, zerolog.Nop())
	agents.Register(types.AgentProfile{ID: "a1", Role: types.RoleAttendant, IsOnline: true, LastActivity: now.Add(-75 * time.Second)})

	hub := &captureHub{}
	agg := NewAggregator(fixedStatus{}, agents, hub, zerolog.Nop())
	agg.SetClock(func() time.Time { return now })
	agg.Publish()

	var overview types.AgentsPush
	if err := json.Unmarshal(hub.messages[1], &overview); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if len(overview.Agents[0].Alerts) != 1 || overview.Agents[0].Alerts[0].Rule != "quiet" {
		t.Errorf("expected a quiet alert, got %+v", overview.Agents[0].Alerts)
	}
}
