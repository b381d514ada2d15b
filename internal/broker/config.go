package broker

import (
	"context"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Routing keys used on the desk exchange
const (
	InboundRoutingPrefix      = "chat.inbound."
	OutboundRoutingPrefix     = "chat.outbound."
	NotificationRoutingPrefix = "desk.notification."

	InboundEventType      = "chat.inbound.v1"
	OutboundEventType     = "chat.outbound.v1"
	NotificationEventType = "desk.notification.v1"
)

// Config holds the RabbitMQ connection and topology settings
type Config struct {
	URL               string
	Exchange          string
	InboundQueue      string
	InboundBindingKey string
	Producer          string

	PublishPoolSize  int
	ConsumerPrefetch int
	DialTimeout      time.Duration
	PoolRetryDelay   time.Duration
	ReconnectBase    time.Duration
	ReconnectCap     time.Duration
	JitterPercent    int

	// Dialer replaces amqp.Dial, mostly for tests
	Dialer func(ctx context.Context, url string) (*amqp.Connection, error)
}

// WithDefaults fills unset fields
func (c Config) WithDefaults() Config {
	if c.Exchange == "" {
		c.Exchange = "desk.events"
	}
	if c.InboundQueue == "" {
		c.InboundQueue = "desk.inbound"
	}
	if c.InboundBindingKey == "" {
		c.InboundBindingKey = InboundRoutingPrefix + "*"
	}
	if c.Producer == "" {
		c.Producer = "omnichannel-desk"
	}
	if c.PublishPoolSize <= 0 {
		c.PublishPoolSize = 16
	}
	if c.ConsumerPrefetch <= 0 {
		c.ConsumerPrefetch = 8
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 30 * time.Second
	}
	if c.PoolRetryDelay <= 0 {
		c.PoolRetryDelay = 50 * time.Millisecond
	}
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = time.Second
	}
	if c.ReconnectCap <= 0 {
		c.ReconnectCap = 30 * time.Second
	}
	if c.JitterPercent <= 0 {
		c.JitterPercent = 25
	}
	return c
}
