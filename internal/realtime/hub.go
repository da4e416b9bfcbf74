package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aura-kiosk/backend/internal/protocol"
)

const (
	// PingInterval and PongWait are used for heartbeat.
	PingInterval = 30 * time.Second
	PongWait     = 60 * time.Second

	sendBufferSize = 64
)

var (
	// ErrConnectionClosed is returned by Send when the handle has no live connection.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrSendBufferFull is returned by Send when the peer is not draining its queue.
	ErrSendBufferFull = errors.New("send buffer full")
)

// Dispatcher receives connection events from the hub (the session router).
type Dispatcher interface {
	HandleMessage(handle string, env protocol.Envelope)
	HandleDisconnect(handle, reason string)
	Touch(handle string)
}

// Hub maintains handle -> live connection and delivers outbound messages.
type Hub struct {
	clients    map[string]*Client
	mu         sync.RWMutex
	logger     *zap.Logger
	dispatcher Dispatcher

	pingInterval time.Duration
	pongWait     time.Duration
}

// NewHub creates a new WebSocket hub.
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		clients:      make(map[string]*Client),
		logger:       logger,
		pingInterval: PingInterval,
		pongWait:     PongWait,
	}
}

// SetDispatcher sets the receiver of inbound messages and disconnects.
func (h *Hub) SetDispatcher(d Dispatcher) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dispatcher = d
}

// SetHeartbeat overrides the ping interval and pong deadline. pongWait must exceed ping.
func (h *Hub) SetHeartbeat(ping, pongWait time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pingInterval = ping
	h.pongWait = pongWait
}

func (h *Hub) heartbeat() (ping, pongWait time.Duration) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.pingInterval, h.pongWait
}

func (h *Hub) getDispatcher() Dispatcher {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.dispatcher
}

// Register adds a connection.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.clients[c.ID] = c
	count := len(h.clients)
	h.mu.Unlock()
	h.logger.Info("client connected", zap.String("handle", c.ID), zap.String("remote_addr", c.RemoteAddr), zap.Int("connections", count))
}

// Unregister removes a connection and reports the disconnect to the dispatcher.
func (h *Hub) Unregister(c *Client, reason string) {
	h.mu.Lock()
	cur, ok := h.clients[c.ID]
	if ok && cur == c {
		delete(h.clients, c.ID)
		close(c.send)
	}
	count := len(h.clients)
	d := h.dispatcher
	h.mu.Unlock()
	if !ok {
		return
	}
	h.logger.Info("client disconnected", zap.String("handle", c.ID), zap.String("reason", reason), zap.Int("connections", count))
	if d != nil {
		d.HandleDisconnect(c.ID, reason)
	}
}

// Send queues one message for the connection identified by handle.
func (h *Hub) Send(handle, event string, payload interface{}) error {
	data, err := encodePayload(payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", event, err)
	}
	msg := protocol.Envelope{Event: event, Data: data}

	// Hold the read lock while pushing so Unregister cannot close the channel underneath us.
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.clients[handle]
	if !ok {
		return ErrConnectionClosed
	}
	select {
	case c.send <- msg:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// IsOpen reports whether handle still has a live connection.
func (h *Hub) IsOpen(handle string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.clients[handle]
	return ok
}

// Count returns the number of live connections.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close drops every connection; used on shutdown since hijacked connections outlive http.Server.Shutdown.
func (h *Hub) Close() {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()
	for _, c := range clients {
		_ = c.conn.Close()
	}
}

func encodePayload(payload interface{}) (json.RawMessage, error) {
	switch v := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return v, nil
	case []byte:
		return v, nil
	default:
		return json.Marshal(payload)
	}
}
