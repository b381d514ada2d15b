package broker

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/url"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// Client owns one AMQP connection, a publishing channel pool and any
// supervised consumers
type Client struct {
	mu     sync.RWMutex
	conn   *amqp.Connection
	pool   *channelPool
	config Config
	logger zerolog.Logger

	consumerWG     sync.WaitGroup
	consumerClosed chan string
	consumers      map[string]ConsumerSpec
}

// NewClient dials the broker and declares the desk exchange
func NewClient(ctx context.Context, cfg Config, logger zerolog.Logger) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("amqp url is required")
	}
	cfg = cfg.WithDefaults()

	host := ""
	if u, err := url.Parse(cfg.URL); err == nil {
		host = u.Host
	}
	logger.Info().Str("host", host).Str("exchange", cfg.Exchange).Msg("connecting to rabbitmq")

	c := &Client{config: cfg, logger: logger}
	if err := c.connect(ctx); err != nil {
		return nil, err
	}

	logger.Info().Msg("rabbitmq client ready")
	return c, nil
}

// Config returns the effective configuration
func (c *Client) Config() Config { return c.config }

func (c *Client) connect(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, c.config.DialTimeout)
	defer cancel()

	dial := c.config.Dialer
	if dial == nil {
		dial = func(_ context.Context, u string) (*amqp.Connection, error) { return amqp.Dial(u) }
	}
	if dialCtx.Err() != nil {
		return fmt.Errorf("dial rabbitmq: %w", dialCtx.Err())
	}
	conn, err := dial(dialCtx, c.config.URL)
	if err != nil {
		return fmt.Errorf("failed to connect to rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(c.config.Exchange, "topic", true, false, false, false, nil); err != nil {
		safeClose(ch)
		conn.Close()
		return fmt.Errorf("declare exchange %s: %w", c.config.Exchange, err)
	}
	safeClose(ch)

	c.mu.Lock()
	if c.pool != nil {
		c.pool.close()
	}
	if c.conn != nil && !c.conn.IsClosed() {
		_ = c.conn.Close()
	}
	c.conn = conn
	c.pool = newChannelPool(conn, c.config.PublishPoolSize)
	c.mu.Unlock()
	return nil
}

func (c *Client) borrow(ctx context.Context) (*channelPool, *amqp.Channel, error) {
	c.mu.RLock()
	pool := c.pool
	c.mu.RUnlock()

	ch, err := pool.borrow(ctx, c.config.PoolRetryDelay)
	if err != nil {
		return nil, nil, fmt.Errorf("borrow channel: %w", err)
	}
	return pool, ch, nil
}

// Run starts the consumers and supervises them until ctx is done. A closed
// consumer channel is restarted; a closed connection is redialed with
// jittered exponential backoff and every consumer restarted on it.
func (c *Client) Run(ctx context.Context, specs ...ConsumerSpec) error {
	c.consumerClosed = make(chan string, len(specs)*2)
	c.consumers = make(map[string]ConsumerSpec, len(specs))

	for _, s := range specs {
		c.consumers[s.Name] = s
		if err := c.startConsumer(ctx, s); err != nil {
			return fmt.Errorf("start consumer %s: %w", s.Name, err)
		}
	}

	c.mu.RLock()
	closed := c.conn.NotifyClose(make(chan *amqp.Error, 1))
	c.mu.RUnlock()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case name := <-c.consumerClosed:
			if s, ok := c.consumers[name]; ok {
				if err := c.startConsumer(ctx, s); err != nil {
					c.logger.Error().Err(err).Str("consumer", name).Msg("restart consumer failed")
				}
			}

		case amqpErr := <-closed:
			c.logger.Error().Interface("reason", amqpErr).Msg("amqp connection closed, reconnecting")
			if err := c.reconnect(ctx); err != nil {
				return err
			}
			for _, s := range c.consumers {
				if err := c.startConsumer(ctx, s); err != nil {
					c.logger.Error().Err(err).Str("consumer", s.Name).Msg("restart consumer after reconnect failed")
				}
			}
			c.mu.RLock()
			closed = c.conn.NotifyClose(make(chan *amqp.Error, 1))
			c.mu.RUnlock()
		}
	}
}

func (c *Client) reconnect(ctx context.Context) error {
	backoff := c.config.ReconnectBase
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err := c.connect(ctx)
		if err == nil {
			c.logger.Info().Msg("reconnected to rabbitmq")
			return nil
		}

		wait := jitteredDelay(backoff, c.config.ReconnectCap, c.config.JitterPercent)
		c.logger.Error().Err(err).Dur("retry_in", wait).Msg("reconnect failed")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		if backoff*2 < c.config.ReconnectCap {
			backoff *= 2
		}
	}
}

// Close waits briefly for consumers and closes the connection
func (c *Client) Close() {
	done := make(chan struct{})
	go func() {
		c.consumerWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pool != nil {
		c.pool.close()
	}
	if c.conn != nil {
		_ = c.conn.Close()
	}
}

// jitteredDelay spreads base by +/- jitterPct percent, capped at max
func jitteredDelay(base, max time.Duration, jitterPct int) time.Duration {
	delta := (rand.Float64()*2 - 1) * float64(jitterPct) / 100.0
	wait := time.Duration(float64(base) * (1 + delta))
	if wait <= 0 {
		wait = base
	}
	if wait > max {
		wait = max
	}
	return wait
}
