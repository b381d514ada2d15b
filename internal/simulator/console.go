package simulator

import (
	"context"
	"encoding/json"
	"math/rand"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oclonee/omnichanel-clinic/internal/types"
	"github.com/rs/zerolog"
)

const (
	heartbeatInterval = 15 * time.Second

	writeTimeout = 10 * time.Second

	initialReconnectDelay = 1 * time.Second
	maxReconnectDelay     = 30 * time.Second
)

// ConsoleStats counts one console's activity
type ConsoleStats struct {
	Heartbeats    int64 `json:"heartbeats"`
	Assignments   int64 `json:"assignments"`
	Closed        int64 `json:"closed"`
	Reconnects    int64 `json:"reconnects"`
	Notifications int64 `json:"notifications"`
}

// Console simulates an agent console: it registers over the websocket,
// keeps the agent alive with heartbeats and closes every assigned
// conversation after a randomized handle time.
type Console struct {
	profile    types.AgentRegister
	backendURL string
	token      string

	minHandle time.Duration
	maxHandle time.Duration
	heartbeat time.Duration

	conn      *websocket.Conn
	send      chan []byte
	mu        sync.Mutex
	connected bool
	closed    bool

	rng   *rand.Rand
	rngMu sync.Mutex

	heartbeats    atomic.Int64
	assignments   atomic.Int64
	closes        atomic.Int64
	reconnects    atomic.Int64
	notifications atomic.Int64

	logger zerolog.Logger
}

// NewConsole creates a console for one agent. token is sent as a query
// parameter when set.
func NewConsole(profile types.AgentRegister, backendURL, token string, logger zerolog.Logger) *Console {
	profile.Type = "register"
	return &Console{
		profile:    profile,
		backendURL: backendURL,
		token:      token,
		minHandle:  20 * time.Second,
		maxHandle:  90 * time.Second,
		heartbeat:  heartbeatInterval,
		send:       make(chan []byte, 64),
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
		logger:     logger.With().Str("agent_id", profile.AgentID).Logger(),
	}
}

// SetHandleTime sets the range a conversation stays open before closing
func (c *Console) SetHandleTime(min, max time.Duration) {
	if max < min {
		max = min
	}
	c.minHandle, c.maxHandle = min, max
}

// SetHeartbeatInterval overrides the heartbeat period
func (c *Console) SetHeartbeatInterval(d time.Duration) {
	if d > 0 {
		c.heartbeat = d
	}
}

// AgentID returns the simulated agent's id
func (c *Console) AgentID() string {
	return c.profile.AgentID
}

// Stats returns the console counters
func (c *Console) Stats() ConsoleStats {
	return ConsoleStats{
		Heartbeats:    c.heartbeats.Load(),
		Assignments:   c.assignments.Load(),
		Closed:        c.closes.Load(),
		Reconnects:    c.reconnects.Load(),
		Notifications: c.notifications.Load(),
	}
}

// IsConnected returns whether the connection is established
func (c *Console) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Run connects and keeps the console connected until ctx is done or the
// desk forces a disconnect.
func (c *Console) Run(ctx context.Context) {
	reconnectDelay := initialReconnectDelay

	for {
		c.mu.Lock()
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return
		}

		select {
		case <-ctx.Done():
			c.Close()
			return
		default:
		}

		if err := c.connect(ctx); err != nil {
			c.logger.Debug().Err(err).Dur("retry_in", reconnectDelay).Msg("connection failed, retrying")
			select {
			case <-ctx.Done():
				return
			case <-time.After(reconnectDelay):
			}
			reconnectDelay *= 2
			if reconnectDelay > maxReconnectDelay {
				reconnectDelay = maxReconnectDelay
			}
			c.reconnects.Add(1)
			continue
		}

		reconnectDelay = initialReconnectDelay

		c.writeJSON(c.profile)
		c.runLoop(ctx)

		c.mu.Lock()
		c.connected = false
		if c.conn != nil {
			c.conn.Close()
			c.conn = nil
		}
		c.mu.Unlock()
	}
}

func (c *Console) dialURL() string {
	wsURL := strings.TrimRight(c.backendURL, "/") + "/ws/agent"
	if strings.HasPrefix(wsURL, "http") {
		wsURL = "ws" + strings.TrimPrefix(wsURL, "http")
	}
	if c.token != "" {
		wsURL += "?token=" + url.QueryEscape(c.token)
	}
	return wsURL
}

func (c *Console) connect(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.dialURL(), nil)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	c.logger.Debug().Msg("websocket connected")
	return nil
}

// Close permanently closes the connection and prevents reconnects
func (c *Console) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.connected = false
}

func (c *Console) runLoop(ctx context.Context) {
	ticker := time.NewTicker(c.heartbeat)
	defer ticker.Stop()

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return
	}

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			_, message, err := conn.ReadMessage()
			if err != nil {
				return
			}
			c.handleIncoming(ctx, message)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-readDone:
			return
		case <-ticker.C:
			c.writeJSON(types.AgentHeartbeat{
				Type:      "heartbeat",
				AgentID:   c.profile.AgentID,
				Timestamp: time.Now().UTC(),
			})
			c.heartbeats.Add(1)
		case msg := <-c.send:
			c.writeMessage(msg)
		}
	}
}

func (c *Console) handleIncoming(ctx context.Context, message []byte) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(message, &envelope); err != nil {
		return
	}

	switch envelope.Type {
	case "notification":
		var push types.NotificationPush
		if err := json.Unmarshal(message, &push); err != nil {
			return
		}
		c.notifications.Add(1)
		if push.Notification.Kind != types.NotifyConversationAssigned {
			return
		}
		conversationID := push.Notification.Metadata["conversationId"]
		if conversationID == "" {
			return
		}
		c.assignments.Add(1)
		c.scheduleClose(ctx, conversationID)
	case "force_disconnect":
		c.logger.Info().Msg("received force_disconnect")
		c.Close()
	case "error":
		var e types.ServerError
		if err := json.Unmarshal(message, &e); err == nil {
			c.logger.Warn().Str("message", e.Message).Msg("desk rejected a console message")
		}
	case "ack":
	}
}

func (c *Console) handleTime() time.Duration {
	if c.maxHandle <= c.minHandle {
		return c.minHandle
	}
	c.rngMu.Lock()
	defer c.rngMu.Unlock()
	return c.minHandle + time.Duration(c.rng.Int63n(int64(c.maxHandle-c.minHandle)))
}

func (c *Console) scheduleClose(ctx context.Context, conversationID string) {
	wait := c.handleTime()
	go func() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
		data, err := json.Marshal(types.ConversationClose{
			Type:           "conversation_close",
			AgentID:        c.profile.AgentID,
			ConversationID: conversationID,
			Status:         types.ConversationResolved,
		})
		if err != nil {
			return
		}
		c.closes.Add(1)
		select {
		case c.send <- data:
		default:
			c.closes.Add(-1)
			c.logger.Warn().Msg("send buffer full, dropping conversation close")
		}
	}()
}

func (c *Console) writeJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		c.logger.Error().Err(err).Msg("failed to marshal console message")
		return
	}
	c.writeMessage(data)
}

func (c *Console) writeMessage(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil || !c.connected {
		return
	}

	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		c.logger.Debug().Err(err).Msg("write error")
	}
}
