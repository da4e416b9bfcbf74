package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/aura-kiosk/backend/internal/protocol"
)

const (
	maxMessageSize = 65536
	writeWait      = 10 * time.Second
)

// NewUpgrader returns a websocket upgrader that accepts the given origins ("*" or empty allows all).
// Requests without an Origin header (non-browser clients) are accepted.
func NewUpgrader(allowedOrigins []string) *websocket.Upgrader {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[strings.TrimSpace(o)] = true
	}
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || len(allowed) == 0 || allowed["*"] {
				return true
			}
			return allowed[origin]
		},
	}
}

// Client represents a single WebSocket connection. Its ID is the connection handle.
type Client struct {
	ID         string
	RemoteAddr string
	hub        *Hub
	conn       *websocket.Conn
	send       chan protocol.Envelope
	logger     *zap.Logger
}

// ServeWs handles the WebSocket upgrade and runs the client loop.
func ServeWs(hub *Hub, upgrader *websocket.Upgrader, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", zap.Error(err), zap.String("origin", c.GetHeader("Origin")))
			return
		}
		client := &Client{
			ID:         uuid.New().String(),
			RemoteAddr: c.ClientIP(),
			hub:        hub,
			conn:       conn,
			send:       make(chan protocol.Envelope, sendBufferSize),
			logger:     logger,
		}
		hub.Register(client)
		go client.writePump()
		client.readPump()
	}
}

func (c *Client) readPump() {
	reason := "closed"
	defer func() {
		c.hub.Unregister(c, reason)
		_ = c.conn.Close()
	}()

	_, pongWait := c.hub.heartbeat()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		if d := c.hub.getDispatcher(); d != nil {
			d.Touch(c.ID)
		}
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			reason = disconnectReason(err)
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Event == "" {
			c.logger.Warn("malformed frame", zap.String("handle", c.ID), zap.Int("bytes", len(data)))
			_ = c.hub.Send(c.ID, protocol.EventError, protocol.Error{Message: "Malformed message"})
			continue
		}
		d := c.hub.getDispatcher()
		if d == nil {
			continue
		}
		d.Touch(c.ID)
		d.HandleMessage(c.ID, env)
	}
}

func (c *Client) writePump() {
	ping, _ := c.hub.heartbeat()
	ticker := time.NewTicker(ping)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func disconnectReason(err error) string {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		if ce.Text != "" {
			return fmt.Sprintf("close %d: %s", ce.Code, ce.Text)
		}
		return fmt.Sprintf("close %d", ce.Code)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return "heartbeat timeout"
	}
	return err.Error()
}
