package events

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	sendBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// CORS is enforced by the HTTP server
	CheckOrigin: func(r *http.Request) bool { return true },
}

// SubscribeRequest is what clients send to choose their event types
type SubscribeRequest struct {
	Op       string   `json:"op"` // subscribe or unsubscribe
	Channels []string `json:"channels"`
}

// Hub pushes events to websocket clients subscribed to the event type.
// Events addressed to a user only reach connections authenticated as that user.
type Hub struct {
	mu      sync.RWMutex
	clients map[*client]struct{}
}

func NewHub() *Hub {
	return &Hub{clients: make(map[*client]struct{})}
}

type client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	userID int64

	subsMu sync.RWMutex
	subs   map[string]bool
}

func (h *Hub) Publish(_ context.Context, events ...Event) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, ev := range events {
		message, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		for c := range h.clients {
			if !c.wants(ev) {
				continue
			}
			select {
			case c.send <- message:
			default:
				log.Warn().Str("service", "hub").Str("remote", c.conn.RemoteAddr().String()).Msg("client too slow, dropping event")
			}
		}
	}
	return nil
}

// Clients returns the number of open connections
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Handler upgrades the request. The user id set by the auth middleware, if
// any, scopes which private events the connection receives.
func (h *Hub) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.Debug().Err(err).Msg("websocket upgrade failed")
			return
		}

		cl := &client{
			hub:    h,
			conn:   conn,
			send:   make(chan []byte, sendBuffer),
			userID: c.GetInt64("userID"),
			subs:   make(map[string]bool),
		}
		h.register(cl)

		go cl.writePump()
		go cl.readPump()
	}
}

// Close disconnects every client
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	total := len(h.clients)
	h.mu.Unlock()
	log.Debug().Str("remote", c.conn.RemoteAddr().String()).Int("total", total).Msg("websocket client connected")
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

func (c *client) wants(ev Event) bool {
	if ev.UserID != 0 && ev.UserID != c.userID {
		return false
	}
	c.subsMu.RLock()
	defer c.subsMu.RUnlock()
	return c.subs[ev.Type]
}

func (c *client) readPump() {
	defer func() {
		c.hub.unregister(c)
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
				log.Debug().Err(err).Msg("websocket read failed")
			}
			return
		}

		var req SubscribeRequest
		if err := json.Unmarshal(message, &req); err != nil {
			continue
		}

		c.subsMu.Lock()
		for _, channel := range req.Channels {
			switch req.Op {
			case "subscribe":
				c.subs[channel] = true
			case "unsubscribe":
				delete(c.subs, channel)
			}
		}
		c.subsMu.Unlock()

		// Acknowledge so clients know when subscriptions are active
		ack, _ := json.Marshal(req)
		c.hub.deliver(c, ack)
	}
}

// deliver queues message for c unless the hub already dropped it
func (h *Hub) deliver(c *client, message []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	select {
	case c.send <- message:
	default:
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
