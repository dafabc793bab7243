package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	pongWait     = 60 * time.Second
	pingPeriod   = 54 * time.Second
	writeWait    = 10 * time.Second
	sendBuffer   = 256
	accountTopic = "account:"
	poolsTopic   = "pools"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Allow all origins (CORS handled by main server)
		return true
	},
}

// AccountChannel is the channel carrying receipts and health updates of one account
func AccountChannel(account common.Address) string {
	return accountTopic + account.Hex()
}

// canonicalChannel checksums account channels so "account:0xabc.." and its
// lowercase form name the same subscription
func canonicalChannel(channel string) string {
	if rest, ok := strings.CutPrefix(channel, accountTopic); ok && common.IsHexAddress(rest) {
		return AccountChannel(common.HexToAddress(rest))
	}
	return channel
}

type outbound struct {
	channel string
	client  *Client // set for a direct reply
	payload []byte
}

// Hub maintains active WebSocket connections and fans messages out to subscribers
type Hub struct {
	clients map[*Client]bool

	broadcast  chan outbound
	register   chan *Client
	unregister chan *Client
	done       chan struct{} // closed when Run returns

	logger *zap.SugaredLogger
}

// NewHub creates a new WebSocket hub
func NewHub(logger *zap.SugaredLogger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan outbound, sendBuffer),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		logger:     logger,
	}
}

// Run owns the client set until ctx is cancelled
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for client := range h.clients {
				h.drop(client)
			}
			return

		case client := <-h.register:
			h.clients[client] = true
			h.logger.Debugw("ws_connected", "client", client.id, "total", len(h.clients))

		case client := <-h.unregister:
			if h.clients[client] {
				h.drop(client)
				h.logger.Debugw("ws_disconnected", "client", client.id, "total", len(h.clients))
			}

		case msg := <-h.broadcast:
			if msg.client != nil {
				if h.clients[msg.client] {
					h.deliver(msg.client, msg.payload)
				}
				continue
			}
			for client := range h.clients {
				if client.IsSubscribed(msg.channel) {
					h.deliver(client, msg.payload)
				}
			}
		}
	}
}

func (h *Hub) deliver(client *Client, payload []byte) {
	select {
	case client.send <- payload:
	default:
		// Client send buffer full, disconnect
		h.logger.Warnw("ws_slow_client", "client", client.id)
		h.drop(client)
	}
}

func (h *Hub) drop(client *Client) {
	delete(h.clients, client)
	close(client.send)
}

// BroadcastToChannel queues msg for every client subscribed to channel.
// It never blocks; messages are dropped when the hub is saturated.
func (h *Hub) BroadcastToChannel(channel string, msg WSMessage) {
	h.enqueue(outbound{channel: canonicalChannel(channel)}, msg)
}

func (h *Hub) reply(client *Client, msg WSMessage) {
	h.enqueue(outbound{client: client}, msg)
}

func (h *Hub) enqueue(out outbound, msg WSMessage) {
	payload, err := json.Marshal(msg)
	if err != nil {
		h.logger.Errorw("ws_marshal_failed", "type", msg.Type, "error", err)
		return
	}
	out.payload = payload
	select {
	case h.broadcast <- out:
	default:
		h.logger.Warnw("ws_broadcast_dropped", "channel", out.channel, "type", msg.Type)
	}
}

// Client represents a WebSocket connection
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	id   string

	subscriptions map[string]bool
	subsMu        sync.RWMutex
}

// IsSubscribed checks if client is subscribed to a channel
func (c *Client) IsSubscribed(channel string) bool {
	c.subsMu.RLock()
	defer c.subsMu.RUnlock()
	return c.subscriptions[channel]
}

// Subscribe adds channel subscriptions
func (c *Client) Subscribe(channels ...string) []string {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	out := make([]string, 0, len(channels))
	for _, ch := range channels {
		ch = canonicalChannel(ch)
		c.subscriptions[ch] = true
		out = append(out, ch)
	}
	return out
}

// Unsubscribe removes channel subscriptions
func (c *Client) Unsubscribe(channels ...string) []string {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	out := make([]string, 0, len(channels))
	for _, ch := range channels {
		ch = canonicalChannel(ch)
		delete(c.subscriptions, ch)
		out = append(out, ch)
	}
	return out
}

// readPump handles subscription requests until the connection closes
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Debugw("ws_read_failed", "client", c.id, "error", err)
			}
			return
		}

		var req WSSubscribeRequest
		if err := json.Unmarshal(message, &req); err != nil {
			c.hub.reply(c, WSMessage{Type: "error", Data: "invalid message"})
			continue
		}

		switch req.Op {
		case "subscribe":
			c.hub.reply(c, WSMessage{Type: "subscribed", Data: c.Subscribe(req.Channels...)})
		case "unsubscribe":
			c.hub.reply(c, WSMessage{Type: "unsubscribed", Data: c.Unsubscribe(req.Channels...)})
		default:
			c.hub.reply(c, WSMessage{Type: "error", Data: "unknown op: " + req.Op})
		}
	}
}

// writePump writes queued messages, one frame each, and keeps the connection alive
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

// handleWebSocket handles WebSocket upgrade and client lifecycle
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debugw("ws_upgrade_failed", "error", err)
		return
	}

	client := &Client{
		hub:           s.hub,
		conn:          conn,
		send:          make(chan []byte, sendBuffer),
		id:            conn.RemoteAddr().String(),
		subscriptions: make(map[string]bool),
	}

	select {
	case s.hub.register <- client:
	case <-s.hub.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}
