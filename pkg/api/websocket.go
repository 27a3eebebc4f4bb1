package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	sendBuffer = 256
)

// Channel names. Account channels are accountPrefix + checksummed address.
const (
	ChannelOrderBook = "orderbook"
	ChannelTrades    = "trades"
	ChannelCandles   = "candles"
	ChannelPrice     = "price"
	ChannelPending   = "pending"
	ChannelStatus    = "status"
	accountPrefix    = "account:"
)

// Hub maintains active WebSocket connections and fans messages out per channel.
type Hub struct {
	log *zap.SugaredLogger

	clients map[*Client]bool

	unregister chan *Client
	done       chan struct{}

	mu sync.RWMutex
}

func NewHub(log *zap.SugaredLogger) *Hub {
	return &Hub{
		log:        log,
		clients:    make(map[*Client]bool),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
}

// register adds client before its pumps start, so a subscribe request can
// never race the registration.
func (h *Hub) register(client *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	select {
	case <-h.done:
		return false
	default:
	}
	h.clients[client] = true
	h.log.Debugw("ws_client_connected", "client", client.id, "total", len(h.clients))
	return true
}

// Run removes disconnected clients until Close.
func (h *Hub) Run() {
	for {
		select {
		case <-h.done:
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			return

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				h.log.Debugw("ws_client_disconnected", "client", client.id, "total", len(h.clients))
			}
			h.mu.Unlock()
		}
	}
}

func (h *Hub) Close() {
	select {
	case <-h.done:
	default:
		close(h.done)
	}
}

// BroadcastToChannel sends data to all clients subscribed to channel.
// Slow clients miss the message rather than stall the hub.
func (h *Hub) BroadcastToChannel(channel string, version uint64, data any) {
	message, err := json.Marshal(WSMessage{Channel: channel, Version: version, Data: data})
	if err != nil {
		h.log.Errorw("ws_marshal_failed", "channel", channel, "err", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		if !client.IsSubscribed(channel) {
			continue
		}
		select {
		case client.send <- message:
		default:
			h.log.Debugw("ws_client_lagging", "client", client.id, "channel", channel)
		}
	}
}

// AccountChannels lists the account channels with at least one subscriber.
func (h *Hub) AccountChannels() []string {
	seen := make(map[string]bool)
	h.mu.RLock()
	for client := range h.clients {
		client.subsMu.RLock()
		for ch := range client.subscriptions {
			if strings.HasPrefix(ch, accountPrefix) {
				seen[ch] = true
			}
		}
		client.subsMu.RUnlock()
	}
	h.mu.RUnlock()

	out := make([]string, 0, len(seen))
	for ch := range seen {
		out = append(out, ch)
	}
	return out
}

// Client is one WebSocket connection.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	id   string

	subscriptions map[string]bool
	subsMu        sync.RWMutex
}

func (c *Client) IsSubscribed(channel string) bool {
	c.subsMu.RLock()
	defer c.subsMu.RUnlock()
	return c.subscriptions[channel]
}

func (c *Client) Subscribe(channel string) {
	c.subsMu.Lock()
	c.subscriptions[channel] = true
	c.subsMu.Unlock()
}

func (c *Client) Unsubscribe(channel string) {
	c.subsMu.Lock()
	delete(c.subscriptions, channel)
	c.subsMu.Unlock()
}

// readPump handles subscribe/unsubscribe requests until the connection drops.
func (c *Client) readPump(onSubscribe func(*Client, string)) {
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
				c.hub.log.Debugw("ws_read_failed", "client", c.id, "err", err)
			}
			return
		}

		var req WSSubscribeRequest
		if err := json.Unmarshal(message, &req); err != nil {
			c.hub.log.Debugw("ws_invalid_message", "client", c.id, "err", err)
			continue
		}

		switch req.Op {
		case "subscribe":
			for _, channel := range req.Channels {
				channel = normalizeChannel(channel)
				c.Subscribe(channel)
				if onSubscribe != nil {
					onSubscribe(c, channel)
				}
			}
		case "unsubscribe":
			for _, channel := range req.Channels {
				c.Unsubscribe(normalizeChannel(channel))
			}
		default:
			c.hub.log.Debugw("ws_unknown_op", "client", c.id, "op", req.Op)
		}
	}
}

// writePump pumps messages from the hub to the connection.
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

// sendDirect queues data for c alone, e.g. the snapshot sent on subscribe.
func (c *Client) sendDirect(channel string, version uint64, data any) {
	message, err := json.Marshal(WSMessage{Channel: channel, Version: version, Data: data})
	if err != nil {
		return
	}
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if !c.hub.clients[c] {
		return
	}
	select {
	case c.send <- message:
	default:
	}
}

// normalizeChannel checksums the address of an account channel so that
// subscriptions match broadcasts regardless of the client's casing.
func normalizeChannel(ch string) string {
	if addr, ok := strings.CutPrefix(ch, accountPrefix); ok {
		if isAddress(addr) {
			return accountChannel(parseAddressUnchecked(addr))
		}
	}
	return ch
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debugw("ws_upgrade_failed", "err", err)
		return
	}

	client := &Client{
		hub:           s.hub,
		conn:          conn,
		send:          make(chan []byte, sendBuffer),
		id:            conn.RemoteAddr().String(),
		subscriptions: make(map[string]bool),
	}

	if !s.hub.register(client) {
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump(s.sendSnapshot)
}
