package server

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/gravitas-games/homestead/internal/network"
	"github.com/gravitas-games/homestead/pkg/models"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 8192

	// Time allowed for one economy action
	actionTimeout = 5 * time.Second
)

// Connection represents a WebSocket connection to a client
type Connection struct {
	ws     *websocket.Conn
	server *Server
	l      logrus.FieldLogger

	// Player information (set after authentication)
	player *models.Player

	// limiter bounds how many actions the client may send
	limiter *rate.Limiter

	// Buffered channel for outbound messages
	send chan []byte

	mu     sync.Mutex
	closed bool
}

// NewConnection creates a new connection
func NewConnection(ws *websocket.Conn, server *Server, player *models.Player) *Connection {
	cfg := server.config.Server
	return &Connection{
		ws:      ws,
		server:  server,
		l:       server.l.WithField("player", player.ID),
		player:  player,
		limiter: rate.NewLimiter(rate.Limit(cfg.ActionRate), cfg.ActionBurst),
		send:    make(chan []byte, 256),
	}
}

// Handle manages the connection lifecycle
func (c *Connection) Handle() {
	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	go c.writePump()
	c.readPump() // Blocking
}

// readPump pumps messages from the WebSocket connection to the server
func (c *Connection) readPump() {
	defer c.Close()

	for {
		_, message, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.l.WithError(err).Warnf("WebSocket read error.")
			}
			return
		}
		c.player.LastSeen = time.Now()

		var msg network.ClientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			c.l.WithError(err).Debugf("Failed to parse client message.")
			c.SendError("invalid_message", "Failed to parse message")
			continue
		}
		if msg.Type != network.MsgTypePing && !c.limiter.Allow() {
			c.l.Debugf("Dropping %s over the action rate.", msg.Type)
			continue
		}
		c.handleMessage(&msg)
	}
}

// writePump pumps messages from the send channel to the WebSocket connection
func (c *Connection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				c.l.WithError(err).Debugf("WebSocket write error.")
				return
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.server.ctx.Done():
			return
		}
	}
}

// SendMessage queues a message for the client. Messages sent after Close
// are dropped.
func (c *Connection) SendMessage(msg *network.ServerMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.l.WithError(err).Errorf("Failed to marshal %s message.", msg.Type)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- data:
	default:
		c.l.Warnf("Send buffer full, dropping %s message.", msg.Type)
	}
}

// SendError sends an error message to the client
func (c *Connection) SendError(code, message string) {
	c.SendMessage(&network.ServerMessage{
		Type:    network.MsgTypeError,
		Payload: network.ErrorPayload{Code: code, Message: message},
	})
}

// Close unregisters the connection and stops its pumps. It is safe to call
// more than once.
func (c *Connection) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	c.mu.Unlock()

	c.server.session.RemovePlayer(c.player.ID, c)
	c.ws.Close()
}
