package hub

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"vcpd/internal/observability"
)

// Channel names served by the hub.
const (
	ChannelLog            = "log"
	ChannelInfo           = "info"
	ChannelChromeObserver = "chrome-observer"
	ChannelAdminPanel     = "admin-panel"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 50 * time.Second
)

// Frame is the broadcast envelope shared with the distributed channel
// wire format.
type Frame struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

type client struct {
	conn    *websocket.Conn
	send    chan []byte
	channel string
}

// Hub fans broadcast frames out to every client joined to a channel.
type Hub struct {
	logger   *observability.Logger
	serverID string

	mu      sync.RWMutex
	clients map[string]map[*client]struct{}
}

func New(serverID string, logger *observability.Logger) *Hub {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Hub{
		logger:   logger,
		serverID: serverID,
		clients:  make(map[string]map[*client]struct{}),
	}
}

// Join takes ownership of conn: sends the ack, starts the pumps and
// blocks until the client disconnects.
func (h *Hub) Join(channel string, conn *websocket.Conn) {
	c := &client{conn: conn, send: make(chan []byte, 32), channel: channel}

	h.mu.Lock()
	if _, ok := h.clients[channel]; !ok {
		h.clients[channel] = make(map[*client]struct{})
	}
	h.clients[channel][c] = struct{}{}
	h.mu.Unlock()
	h.logger.Info("hub client joined", "channel", channel)

	ack, _ := json.Marshal(Frame{Type: "connection_ack", Data: map[string]string{
		"serverId": h.serverID,
		"channel":  channel,
	}})
	c.send <- ack

	go c.writePump()
	c.readPump() // blocks
	h.drop(c)
}

// Broadcast sends frame to every client on channel. Slow clients are
// dropped rather than blocking the hub.
func (h *Hub) Broadcast(channel string, frame Frame) {
	payload, err := json.Marshal(frame)
	if err != nil {
		h.logger.Warn("unencodable broadcast frame", "channel", channel, "error", err)
		return
	}

	h.mu.RLock()
	clients := make([]*client, 0, len(h.clients[channel]))
	for c := range h.clients[channel] {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		select {
		case c.send <- payload:
		default:
			h.logger.Warn("dropping slow hub client", "channel", channel)
			h.drop(c)
		}
	}
}

// ClientCount returns the number of clients joined to channel.
func (h *Hub) ClientCount(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[channel])
}

func (h *Hub) drop(c *client) {
	h.mu.Lock()
	if set, ok := h.clients[c.channel]; ok {
		if _, joined := set[c]; joined {
			delete(set, c)
			close(c.send)
		}
	}
	h.mu.Unlock()
}

func (c *client) readPump() {
	defer c.conn.Close()
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		// Broadcast channels are one-way; inbound frames only refresh
		// the read deadline.
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case payload, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
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
