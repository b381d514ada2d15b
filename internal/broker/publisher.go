package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Meta describes one published event
type Meta struct {
	ID            string    `json:"id"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Producer      string    `json:"producer,omitempty"`
	Time          time.Time `json:"time"`
	Type          string    `json:"type"`
}

// Envelope wraps every message on the desk exchange
type Envelope struct {
	Meta Meta `json:"meta"`
	Data any  `json:"data"`
}

// TypedEnvelope is the decoding counterpart of Envelope
type TypedEnvelope[T any] struct {
	Meta Meta `json:"meta"`
	Data T    `json:"data"`
}

// NewEnvelope wraps data with a fresh id and timestamp
func NewEnvelope(eventType string, data any) Envelope {
	return Envelope{
		Meta: Meta{
			ID:   uuid.New().String(),
			Time: time.Now().UTC(),
			Type: eventType,
		},
		Data: data,
	}
}

// Publisher publishes envelopes on the desk exchange
type Publisher interface {
	PublishJSON(ctx context.Context, routingKey string, env Envelope) error
}

// PublishJSON publishes env as a persistent JSON message
func (c *Client) PublishJSON(ctx context.Context, routingKey string, env Envelope) error {
	if env.Meta.ID == "" {
		return errors.New("envelope id is required")
	}
	if env.Meta.CorrelationID == "" {
		env.Meta.CorrelationID = env.Meta.ID
	}
	if env.Meta.Producer == "" {
		env.Meta.Producer = c.config.Producer
	}
	if env.Meta.Time.IsZero() {
		env.Meta.Time = time.Now().UTC()
	}

	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	pool, ch, err := c.borrow(ctx)
	if err != nil {
		return err
	}
	defer pool.give(ch)

	err = ch.PublishWithContext(ctx, c.config.Exchange, routingKey, false, false, amqp.Publishing{
		ContentType:   "application/json",
		Body:          body,
		DeliveryMode:  amqp.Persistent,
		MessageId:     env.Meta.ID,
		CorrelationId: env.Meta.CorrelationID,
		Type:          env.Meta.Type,
		Timestamp:     env.Meta.Time,
		AppId:         env.Meta.Producer,
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", routingKey, err)
	}
	return nil
}
