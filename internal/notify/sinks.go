package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/oclonee/omnichanel-clinic/internal/broker"
	"github.com/oclonee/omnichanel-clinic/internal/stream"
	"github.com/oclonee/omnichanel-clinic/internal/types"
)

// NotificationSaver persists notifications for the inbox API
type NotificationSaver interface {
	SaveNotification(ctx context.Context, n types.Notification) error
}

// StoreSink persists every notification
type StoreSink struct {
	store NotificationSaver
}

func NewStoreSink(store NotificationSaver) *StoreSink {
	return &StoreSink{store: store}
}

func (s *StoreSink) Name() string { return "store" }

func (s *StoreSink) Deliver(ctx context.Context, n types.Notification) error {
	return s.store.SaveNotification(ctx, n)
}

// Pusher is the part of the websocket hub used for live delivery
type Pusher interface {
	SendToAgent(agentID string, message []byte) bool
	BroadcastToManagers(message []byte) int
}

// HubSink pushes notifications to connected consoles. Offline recipients are
// skipped; they read the persisted copy later.
type HubSink struct {
	hub Pusher
}

func NewHubSink(hub Pusher) *HubSink {
	return &HubSink{hub: hub}
}

func (s *HubSink) Name() string { return "hub" }

func (s *HubSink) Deliver(_ context.Context, n types.Notification) error {
	data, err := json.Marshal(types.NotificationPush{Type: "notification", Notification: n})
	if err != nil {
		return fmt.Errorf("encode notification push: %w", err)
	}

	switch {
	case n.RecipientID != "":
		s.hub.SendToAgent(n.RecipientID, data)
	case n.RecipientRole.Supervises():
		s.hub.BroadcastToManagers(data)
	}
	return nil
}

// BrokerSink publishes notifications on the desk exchange
type BrokerSink struct {
	publisher broker.Publisher
}

func NewBrokerSink(publisher broker.Publisher) *BrokerSink {
	return &BrokerSink{publisher: publisher}
}

func (s *BrokerSink) Name() string { return "broker" }

func (s *BrokerSink) Deliver(ctx context.Context, n types.Notification) error {
	env := broker.NewEnvelope(broker.NotificationEventType, n)
	if cid := n.Metadata["conversationId"]; cid != "" {
		env.Meta.CorrelationID = cid
	}
	return s.publisher.PublishJSON(ctx, broker.NotificationRoutingPrefix+string(n.Kind), env)
}

// EventPublisher writes to the desk event stream
type EventPublisher interface {
	Publish(ctx context.Context, key string, event stream.Event) error
}

// StreamSink appends notifications to the event stream, keyed by
// conversation so one conversation's events stay ordered
type StreamSink struct {
	publisher EventPublisher
}

func NewStreamSink(publisher EventPublisher) *StreamSink {
	return &StreamSink{publisher: publisher}
}

func (s *StreamSink) Name() string { return "stream" }

func (s *StreamSink) Deliver(ctx context.Context, n types.Notification) error {
	key := n.Metadata["conversationId"]
	if key == "" {
		key = n.RecipientID
	}
	return s.publisher.Publish(ctx, key, stream.Event{
		Type: "notification." + string(n.Kind),
		At:   n.CreatedAt,
		Data: n,
	})
}
