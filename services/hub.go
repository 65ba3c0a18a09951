package services

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// Broadcaster is the outbound side of a room: fan-out of an event to every
// connection currently joined to the room's channel. Payloads handed to a
// Broadcaster must be snapshots, never references into live session state.
type Broadcaster interface {
	BroadcastToRoom(roomCode string, event string, payload interface{})
}

// Message is the wire envelope in both directions.
type Message struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

const (
	writeTimeout   = 10 * time.Second
	pongTimeout    = 60 * time.Second
	pingInterval   = 30 * time.Second
	maxMessageSize = 4096
	sendBufferSize = 256
)

// Hub pools websocket connections per room code and fans events out to them.
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]map[*Client]bool
}

// Client is one authenticated websocket connection.
type Client struct {
	ID       string
	Identity Identity

	hub    *Hub
	socket *websocket.Conn
	send   chan []byte

	mu       sync.Mutex
	roomCode string
	closed   bool // send channel closed; no further queueing allowed
}

func NewHub() *Hub {
	return &Hub{
		rooms: make(map[string]map[*Client]bool),
	}
}

// RegisterClient wraps an upgraded connection and starts its write pump. The
// caller owns the read side.
func (h *Hub) RegisterClient(conn *websocket.Conn, identity Identity) *Client {
	client := &Client{
		ID:       uuid.New().String(),
		Identity: identity,
		hub:      h,
		socket:   conn,
		send:     make(chan []byte, sendBufferSize),
	}

	go client.writePump()

	log.Info().
		Str("connection_id", client.ID).
		Uint("user_id", identity.UserID).
		Str("username", identity.Username).
		Msg("websocket connection established")

	return client
}

// UnregisterClient detaches the client from its room pool and closes its send
// channel. The closed flag and the close itself share the client mutex with
// deliver, so a broadcast holding a stale snapshot of the room pool can never
// send on the closed channel.
func (h *Hub) UnregisterClient(client *Client) {
	h.LeaveRoom(client)

	client.mu.Lock()
	if !client.closed {
		client.closed = true
		close(client.send)
	}
	client.mu.Unlock()

	log.Info().
		Str("connection_id", client.ID).
		Uint("user_id", client.Identity.UserID).
		Msg("websocket connection closed")
}

// JoinRoom subscribes the client to a room's broadcasts. A client is in at
// most one room channel at a time.
func (h *Hub) JoinRoom(client *Client, roomCode string) {
	h.LeaveRoom(client)

	h.mu.Lock()
	if h.rooms[roomCode] == nil {
		h.rooms[roomCode] = make(map[*Client]bool)
	}
	h.rooms[roomCode][client] = true
	h.mu.Unlock()

	client.mu.Lock()
	client.roomCode = roomCode
	client.mu.Unlock()
}

// LeaveRoom unsubscribes the client from its current room channel, if any.
func (h *Hub) LeaveRoom(client *Client) {
	client.mu.Lock()
	roomCode := client.roomCode
	client.roomCode = ""
	client.mu.Unlock()

	if roomCode == "" {
		return
	}

	h.mu.Lock()
	if pool, ok := h.rooms[roomCode]; ok {
		delete(pool, client)
		if len(pool) == 0 {
			delete(h.rooms, roomCode)
		}
	}
	h.mu.Unlock()
}

// BroadcastToRoom sends one event to every connection in the room's pool.
// Slow consumers are dropped rather than allowed to stall the room.
func (h *Hub) BroadcastToRoom(roomCode string, event string, payload interface{}) {
	data, err := json.Marshal(Message{Type: event, Payload: payload})
	if err != nil {
		log.Error().Err(err).Str("event", event).Msg("failed to marshal broadcast")
		return
	}

	h.mu.RLock()
	targets := make([]*Client, 0, len(h.rooms[roomCode]))
	for client := range h.rooms[roomCode] {
		targets = append(targets, client)
	}
	h.mu.RUnlock()

	for _, client := range targets {
		client.deliver(data)
	}

	log.Debug().
		Str("event", event).
		Str("room", roomCode).
		Int("connections", len(targets)).
		Msg("event broadcast")
}

// Send queues one message to this client only. Used for request results and
// state syncs.
func (c *Client) Send(event string, payload interface{}) {
	data, err := json.Marshal(Message{Type: event, Payload: payload})
	if err != nil {
		log.Error().Err(err).Str("event", event).Msg("failed to marshal message")
		return
	}
	c.deliver(data)
}

// deliver queues data for the write pump. An unregistered client is skipped;
// a full buffer drops the connection rather than stalling the room.
func (c *Client) deliver(data []byte) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	select {
	case c.send <- data:
		c.mu.Unlock()
		return
	default:
	}
	c.mu.Unlock()

	log.Warn().Str("connection_id", c.ID).Msg("send buffer full, dropping connection")
	c.hub.LeaveRoom(c)
	c.socket.Close()
}

// RoomCode returns the room channel this client is currently joined to.
func (c *Client) RoomCode() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roomCode
}

// ReadMessage blocks for the next inbound frame. The read deadline is pushed
// on every frame and every pong.
func (c *Client) ReadMessage() ([]byte, error) {
	_, data, err := c.socket.ReadMessage()
	if err == nil {
		c.socket.SetReadDeadline(time.Now().Add(pongTimeout))
	}
	return data, err
}

// Close tears down the underlying connection.
func (c *Client) Close() {
	c.socket.Close()
}

// ConfigureRead applies read limits and the pong handler. Called once by the
// gateway before entering the read loop.
func (c *Client) ConfigureRead() {
	c.socket.SetReadLimit(maxMessageSize)
	c.socket.SetReadDeadline(time.Now().Add(pongTimeout))
	c.socket.SetPongHandler(func(string) error {
		c.socket.SetReadDeadline(time.Now().Add(pongTimeout))
		return nil
	})
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.socket.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.socket.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				c.socket.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.socket.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.socket.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.socket.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
