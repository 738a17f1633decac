package websocket

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/KevinKickass/OpenServoCore/internal/auth"
	"github.com/KevinKickass/OpenServoCore/internal/telemetry"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Time allowed for the auth message
	authWait = 10 * time.Second

	maxMessageSize = 8192
	sendBufferSize = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Client represents a WebSocket client connection
type Client struct {
	hub         *Hub
	conn        *websocket.Conn
	send        chan []byte
	logger      *zap.Logger
	permissions []auth.Permission

	mu     sync.Mutex
	servos map[string]bool
}

func (c *Client) remoteAddr() string {
	return c.conn.RemoteAddr().String()
}

// encode renders msg for this client. Telemetry is filtered by the client's
// subscription; ok is false when nothing is left to send.
func (c *Client) encode(msg Message) (data []byte, ok bool, err error) {
	if msg.Type == MessageTypeTelemetry {
		if td, isTelemetry := msg.Data.(TelemetryData); isTelemetry {
			filtered := c.filter(td.Samples)
			if len(filtered) == 0 {
				return nil, false, nil
			}
			msg.Data = TelemetryData{Samples: filtered}
		}
	}
	data, err = json.Marshal(msg)
	return data, err == nil, err
}

func (c *Client) filter(samples []telemetry.Sample) []telemetry.Sample {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.servos) == 0 {
		return samples
	}
	out := make([]telemetry.Sample, 0, len(samples))
	for _, s := range samples {
		if c.servos[s.Servo] {
			out = append(out, s)
		}
	}
	return out
}

func (c *Client) subscribe(servos []string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.servos = make(map[string]bool, len(servos))
	for _, s := range servos {
		c.servos[s] = true
	}
}

// authenticate reads the first message, which must carry a token.
func (c *Client) authenticate() bool {
	c.conn.SetReadDeadline(time.Now().Add(authWait))

	var msg clientMessage
	if err := c.conn.ReadJSON(&msg); err != nil {
		c.logger.Warn("WebSocket auth read failed",
			zap.Error(err),
			zap.String("remote_addr", c.remoteAddr()))
		return false
	}

	if msg.Type != "auth" {
		c.sendDirect(NewMessage(MessageTypeAuthFailed, map[string]string{"reason": "First message must be authentication"}))
		return false
	}
	if msg.Token == "" {
		c.sendDirect(NewMessage(MessageTypeAuthFailed, map[string]string{"reason": "Missing token in auth message"}))
		return false
	}

	permissions, err := c.hub.authService.ValidateToken(msg.Token)
	if err != nil {
		c.logger.Warn("WebSocket authentication failed",
			zap.Error(err),
			zap.String("remote_addr", c.remoteAddr()))
		c.sendDirect(NewMessage(MessageTypeAuthFailed, map[string]string{"reason": "Invalid or expired token"}))
		return false
	}

	c.permissions = permissions
	c.sendDirect(NewMessage(MessageTypeAuthSuccess, map[string]interface{}{"permissions": permissions}))
	c.logger.Info("WebSocket client authenticated",
		zap.String("remote_addr", c.remoteAddr()),
		zap.Any("permissions", permissions))
	return true
}

// sendDirect is only valid before the client is registered with the hub.
func (c *Client) sendDirect(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	c.send <- data
}

// readPump handles reading messages from the WebSocket connection
func (c *Client) readPump() {
	registered := false
	defer func() {
		if registered {
			c.hub.leave(c)
			c.conn.Close()
		} else {
			// writePump flushes pending replies, then closes the connection
			close(c.send)
		}
	}()

	c.conn.SetReadLimit(maxMessageSize)

	if c.hub.authService != nil && !c.authenticate() {
		return
	}

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	c.hub.join(c)
	registered = true

	for {
		var msg clientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure) {
				c.logger.Warn("WebSocket read error",
					zap.Error(err),
					zap.String("remote_addr", c.remoteAddr()))
			}
			return
		}
		c.handleMessage(msg)
	}
}

func (c *Client) handleMessage(msg clientMessage) {
	switch msg.Type {
	case "subscribe":
		c.subscribe(msg.Servos)
		data, err := json.Marshal(NewMessage(MessageTypeSubscribed, map[string]interface{}{"servos": msg.Servos}))
		if err == nil {
			c.hub.unicast(c, data)
		}
	default:
		c.logger.Debug("Ignoring client message",
			zap.String("remote_addr", c.remoteAddr()),
			zap.String("type", msg.Type))
	}
}

// writePump handles writing messages to the WebSocket connection
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ServeWs handles WebSocket upgrade requests
func ServeWs(hub *Hub, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.logger.Error("WebSocket upgrade error",
			zap.Error(err),
			zap.String("remote_addr", r.RemoteAddr))
		return
	}

	client := &Client{
		hub:    hub,
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		logger: hub.logger,
	}

	// Registration happens in readPump once the client is authenticated
	go client.writePump()
	go client.readPump()
}
