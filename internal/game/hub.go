package game

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
	"go.uber.org/zap"
)

// Envelope is the wire frame for every outbound event.
type Envelope struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

// Client is one websocket connection. playerID is empty until the
// connection authenticates; join/cashout identity always comes from here,
// never from a client-supplied field.
type Client struct {
	conn     *websocket.Conn
	mu       sync.Mutex // serializes writes on the conn
	playerID string
}

// Authenticate binds the verified player identity to the connection.
func (c *Client) Authenticate(playerID string) {
	c.mu.Lock()
	c.playerID = playerID
	c.mu.Unlock()
}

func (c *Client) PlayerID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.playerID
}

// Send writes one event frame to the connection.
func (c *Client) Send(event string, payload interface{}) {
	data, err := json.Marshal(Envelope{Type: event, Data: payload})
	if err != nil {
		zap.S().Errorw("ws marshal failed", "event", event, "error", err)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		zap.S().Debugw("ws write failed", "player", c.playerID, "error", err)
	}
}

// Hub fans round events out to every subscribed connection. It implements
// Broadcaster for the engine.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan Envelope
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan Envelope, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
	}
}

func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			zap.S().Debugw("ws client connected", "total", total)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.conn.Close()
			}
			total := len(h.clients)
			h.mu.Unlock()
			zap.S().Debugw("ws client disconnected", "total", total)

		case env := <-h.broadcast:
			h.mu.RLock()
			for client := range h.clients {
				go client.Send(env.Type, env.Data)
			}
			h.mu.RUnlock()
		}
	}
}

// Broadcast queues an event for every connection. Dropping under pressure
// is preferred over stalling the round loop; the next tick supersedes a
// lost one.
func (h *Hub) Broadcast(event string, payload interface{}) {
	select {
	case h.broadcast <- Envelope{Type: event, Data: payload}:
	default:
		zap.S().Warnw("broadcast channel full, dropping event", "event", event)
	}
}

// SendToUser delivers an event to every authenticated connection belonging
// to the player. No-op if the player is not connected; bets are settled by
// the engine regardless of connectivity.
func (h *Hub) SendToUser(playerID, event string, payload interface{}) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		if client.PlayerID() == playerID {
			go client.Send(event, payload)
		}
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// RegisterClient subscribes a new connection and returns its Client handle.
func (h *Hub) RegisterClient(conn *websocket.Conn) *Client {
	client := &Client{conn: conn}
	h.register <- client
	return client
}

func (h *Hub) UnregisterClient(client *Client) {
	h.unregister <- client
}
