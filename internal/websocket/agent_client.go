package websocket

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oclonee/omnichanel-clinic/internal/auth"
	"github.com/oclonee/omnichanel-clinic/internal/types"
	"github.com/rs/zerolog"
)

const (
	// Time allowed to write a message to the agent
	agentWriteWait = 10 * time.Second

	// Time allowed to read the next pong message from the agent
	agentPongWait = 30 * time.Second

	// Send pings to agent with this period (must be less than pongWait)
	agentPingPeriod = 20 * time.Second

	// Maximum message size allowed from agent
	agentMaxMessageSize = 4096
)

// AgentClient is one console connection. It becomes addressable once the
// console sends its register message.
type AgentClient struct {
	// set once by the first register message
	agentID string
	role    types.AgentRole

	// nil when the connection was not authenticated
	user *auth.Claims

	hub  *AgentHub
	conn *websocket.Conn

	// Buffered channel of outbound messages
	send chan []byte

	logger zerolog.Logger

	done      chan struct{}
	closeOnce sync.Once
}

// NewAgentClient creates a new AgentClient
func NewAgentClient(hub *AgentHub, conn *websocket.Conn, user *auth.Claims, logger zerolog.Logger) *AgentClient {
	return &AgentClient{
		user:   user,
		hub:    hub,
		conn:   conn,
		send:   make(chan []byte, 64),
		logger: logger,
		done:   make(chan struct{}),
	}
}

// readPump pumps messages from the websocket connection to the hub
func (c *AgentClient) readPump() {
	defer func() {
		close(c.done)
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(agentMaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(agentPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(agentPongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Debug().Err(err).Str("agent_id", c.agentID).Msg("agent websocket read error")
			}
			break
		}

		// any traffic proves the console is alive
		c.conn.SetReadDeadline(time.Now().Add(agentPongWait))
		c.handleMessage(message)
	}
}

// handleMessage processes incoming messages from the agent
func (c *AgentClient) handleMessage(message []byte) {
	var msgType struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(message, &msgType); err != nil {
		c.logger.Debug().Err(err).Msg("failed to parse message type")
		return
	}

	if msgType.Type != "register" && c.agentID == "" {
		c.sendError("register first")
		return
	}

	switch msgType.Type {
	case "register":
		var reg types.AgentRegister
		if err := json.Unmarshal(message, &reg); err != nil {
			c.logger.Debug().Err(err).Msg("failed to parse register message")
			return
		}
		if !c.authorize(&reg) {
			return
		}

		select {
		case c.hub.register <- registration{client: c, reg: &reg}:
		case <-c.hub.done:
			return
		}

		ack := types.ServerAck{Type: "ack", AgentID: c.agentID}
		if data, err := json.Marshal(ack); err == nil {
			c.safeSend(data)
		}

	case "heartbeat":
		var hb types.AgentHeartbeat
		if err := json.Unmarshal(message, &hb); err != nil {
			c.logger.Debug().Err(err).Msg("failed to parse heartbeat message")
			return
		}
		hb.AgentID = c.agentID
		c.hub.submit(clientEvent{client: c, heartbeat: &hb})

	case "presence":
		var p types.AgentPresence
		if err := json.Unmarshal(message, &p); err != nil {
			c.logger.Debug().Err(err).Msg("failed to parse presence message")
			return
		}
		p.AgentID = c.agentID
		c.hub.submit(clientEvent{client: c, presence: &p})

	case "conversation_close":
		var cc types.ConversationClose
		if err := json.Unmarshal(message, &cc); err != nil {
			c.logger.Debug().Err(err).Msg("failed to parse conversation_close message")
			return
		}
		cc.AgentID = c.agentID
		c.hub.submit(clientEvent{client: c, close: &cc})

	default:
		c.logger.Debug().Str("type", msgType.Type).Msg("unknown message type")
	}
}

// authorize fixes the identity a register message may claim. An
// authenticated attendant can only register as itself; supervisors may
// register consoles on behalf of others.
func (c *AgentClient) authorize(reg *types.AgentRegister) bool {
	if c.user != nil && !c.user.Supervises() {
		if c.user.AgentID != "" {
			reg.AgentID = c.user.AgentID
		}
		reg.Role = c.user.Role
	}
	if reg.AgentID == "" {
		c.sendError("register without agent id")
		return false
	}
	if reg.Role == "" {
		reg.Role = types.RoleAttendant
	}

	if c.agentID == "" {
		c.agentID = reg.AgentID
		c.role = reg.Role
		c.logger = c.logger.With().Str("agent_id", c.agentID).Logger()
		return true
	}
	if reg.AgentID != c.agentID {
		c.sendError("connection already registered as " + c.agentID)
		return false
	}
	reg.Role = c.role
	return true
}

// writePump pumps messages from the hub to the websocket connection
func (c *AgentClient) writePump() {
	ticker := time.NewTicker(agentPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(agentWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(agentWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Start starts the client's read and write pumps
func (c *AgentClient) Start() {
	go c.writePump()
	go c.readPump()
}

// Close closes the send channel; safe to call more than once
func (c *AgentClient) Close() {
	c.closeOnce.Do(func() {
		close(c.send)
	})
}

func (c *AgentClient) sendError(message string) {
	data, err := json.Marshal(types.ServerError{Type: "error", Message: message})
	if err != nil {
		return
	}
	c.safeSend(data)
}

// safeSend queues a message without blocking. A full buffer or a closed
// client drops it.
func (c *AgentClient) safeSend(data []byte) (sent bool) {
	defer func() {
		if r := recover(); r != nil {
			sent = false
		}
	}()

	select {
	case c.send <- data:
		return true
	case <-c.done:
		return false
	default:
		return false
	}
}
