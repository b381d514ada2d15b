package channel

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/oclonee/omnichanel-clinic/internal/broker"
	"github.com/oclonee/omnichanel-clinic/internal/types"
	"github.com/rs/zerolog"
)

// DefaultSendTimeout bounds a single broker publish
const DefaultSendTimeout = 5 * time.Second

// BrokerAdapter hands outbound messages to the channel's transport service
// over the message broker
type BrokerAdapter struct {
	*base
	publisher broker.Publisher
	timeout   time.Duration
	logger    zerolog.Logger
}

// NewBrokerAdapter creates a broker-backed adapter for a channel type
func NewBrokerAdapter(t types.ChannelType, publisher broker.Publisher, timeout time.Duration, logger zerolog.Logger) *BrokerAdapter {
	if timeout <= 0 {
		timeout = DefaultSendTimeout
	}
	return &BrokerAdapter{
		base:      newBase(t),
		publisher: publisher,
		timeout:   timeout,
		logger:    logger.With().Str("channel", string(t)).Logger(),
	}
}

func (a *BrokerAdapter) Send(ctx context.Context, to, content string) types.SendOutcome {
	if to == "" {
		return types.SendOutcome{Error: "destination is required"}
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	id := uuid.New().String()
	env := broker.NewEnvelope(broker.OutboundEventType, types.OutboundMessage{
		ID:      id,
		Channel: a.typ,
		To:      to,
		Content: content,
	})
	env.Meta.ID = id

	if err := a.publisher.PublishJSON(ctx, broker.OutboundRoutingKey(a.typ), env); err != nil {
		a.logger.Warn().Err(err).Str("to", to).Msg("outbound publish failed")
		return types.SendOutcome{Error: err.Error()}
	}

	a.touch()
	return types.SendOutcome{Success: true, ExternalMessageID: env.Meta.ID}
}

func (a *BrokerAdapter) Status(context.Context) types.ChannelStatus {
	return a.status()
}
