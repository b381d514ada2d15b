package broker

import (
	"context"
	"encoding/json"
	"errors"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrPoison marks a message that can never be processed. It is acked and
// dropped instead of requeued.
var ErrPoison = errors.New("poison message")

// ConsumerSpec declares one supervised consumer
type ConsumerSpec struct {
	Name       string
	Queue      string
	BindingKey string
	Prefetch   int
	Handle     func(ctx context.Context, d amqp.Delivery) error
}

// JSONHandler decodes the delivery body into T. Decode failures are poison.
func JSONHandler[T any](h func(context.Context, T) error) func(context.Context, amqp.Delivery) error {
	return func(ctx context.Context, d amqp.Delivery) error {
		var v T
		if err := json.Unmarshal(d.Body, &v); err != nil {
			return ErrPoison
		}
		return h(ctx, v)
	}
}

// settle acks, drops or requeues a delivery according to the handler result
func settle(d amqp.Delivery, err error) {
	switch {
	case err == nil, errors.Is(err, ErrPoison):
		_ = d.Ack(false)
	default:
		_ = d.Nack(false, true)
	}
}

func (c *Client) startConsumer(ctx context.Context, spec ConsumerSpec) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	ch, err := conn.Channel()
	if err != nil {
		return err
	}

	prefetch := spec.Prefetch
	if prefetch <= 0 {
		prefetch = c.config.ConsumerPrefetch
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		safeClose(ch)
		return err
	}
	if _, err := ch.QueueDeclare(spec.Queue, true, false, false, false, nil); err != nil {
		safeClose(ch)
		return err
	}
	if err := ch.QueueBind(spec.Queue, spec.BindingKey, c.config.Exchange, false, nil); err != nil {
		safeClose(ch)
		return err
	}

	deliveries, err := ch.Consume(spec.Queue, "", false, false, false, false, nil)
	if err != nil {
		safeClose(ch)
		return err
	}
	closed := ch.NotifyClose(make(chan *amqp.Error, 1))

	c.consumerWG.Add(1)
	go func() {
		defer c.consumerWG.Done()
		defer safeClose(ch)

		for {
			select {
			case <-ctx.Done():
				return

			case <-closed:
				select {
				case c.consumerClosed <- spec.Name:
				default:
				}
				return

			case d, ok := <-deliveries:
				if !ok {
					return
				}
				err := spec.Handle(ctx, d)
				if err != nil && !errors.Is(err, ErrPoison) {
					c.logger.Warn().Err(err).Str("consumer", spec.Name).Msg("delivery failed, requeueing")
				} else if err != nil {
					c.logger.Warn().Str("consumer", spec.Name).Str("message_id", d.MessageId).Msg("dropping poison message")
				}
				settle(d, err)
			}
		}
	}()

	c.logger.Info().
		Str("consumer", spec.Name).
		Str("queue", spec.Queue).
		Int("prefetch", prefetch).
		Msg("consumer started")
	return nil
}
