package broker

import (
	"context"
	"fmt"

	"github.com/oclonee/omnichanel-clinic/internal/types"
)

// InboundConsumer returns the consumer spec that feeds chat.inbound.* events
// into ingest. Messages that fail validation are poison.
func InboundConsumer(cfg Config, ingest func(types.InboundMessage)) ConsumerSpec {
	cfg = cfg.WithDefaults()
	return ConsumerSpec{
		Name:       "inbound",
		Queue:      cfg.InboundQueue,
		BindingKey: cfg.InboundBindingKey,
		Handle: JSONHandler(func(_ context.Context, env TypedEnvelope[types.InboundMessage]) error {
			msg := env.Data
			if msg.ID == "" {
				msg.ID = env.Meta.ID
			}
			if msg.Timestamp.IsZero() {
				msg.Timestamp = env.Meta.Time
			}
			if err := msg.Validate(); err != nil {
				return fmt.Errorf("%w: %v", ErrPoison, err)
			}
			ingest(msg)
			return nil
		}),
	}
}

// OutboundRoutingKey returns the routing key for sends on a channel
func OutboundRoutingKey(channel types.ChannelType) string {
	return OutboundRoutingPrefix + string(channel)
}
