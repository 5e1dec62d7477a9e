// Package websocket carries conversation sessions over WebSockets. The Hub
// tracks open clients per user; each client runs a read pump on the serving
// goroutine and a write pump alongside it.
package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/clinic/internal/platform/metrics"
)

const (
	sendBuffer = 256
	pingPeriod = 30 * time.Second
)

// Frame is one outbound server message.
type Frame struct {
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Conn abstracts a WebSocket connection for testability.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Client is one open socket of one user.
type Client struct {
	ID     string
	UserID uuid.UUID
	Send   chan []byte
	conn   Conn

	mu     sync.Mutex
	closed bool
}

func NewClient(user uuid.UUID, conn Conn) *Client {
	return &Client{
		ID:     uuid.New().String(),
		UserID: user,
		Send:   make(chan []byte, sendBuffer),
		conn:   conn,
	}
}

// Emit queues a frame. It reports false when the client is gone or its
// buffer is full; a slow client loses frames rather than blocking callers.
func (c *Client) Emit(typ string, v any) bool {
	var data json.RawMessage
	if v != nil {
		raw, err := json.Marshal(v)
		if err != nil {
			return false
		}
		data = raw
	}
	msg, err := json.Marshal(Frame{Type: typ, Timestamp: time.Now().UTC(), Data: data})
	if err != nil {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.Send <- msg:
		return true
	default:
		return false
	}
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.Send)
	}
}

// Hub is the registry of open clients, keyed by user.
type Hub struct {
	mu     sync.RWMutex
	users  map[uuid.UUID]map[*Client]struct{}
	all    map[*Client]struct{}
	logger zerolog.Logger
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		users:  make(map[uuid.UUID]map[*Client]struct{}),
		all:    make(map[*Client]struct{}),
		logger: logger.With().Str("component", "websocket").Logger(),
	}
}

func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.all[client] = struct{}{}
	if h.users[client.UserID] == nil {
		h.users[client.UserID] = make(map[*Client]struct{})
	}
	h.users[client.UserID][client] = struct{}{}
}

// Unregister removes a client and closes its Send channel. Repeated calls
// are no-ops.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.all[client]; !ok {
		return
	}
	if set, ok := h.users[client.UserID]; ok {
		delete(set, client)
		if len(set) == 0 {
			delete(h.users, client.UserID)
		}
	}
	delete(h.all, client)
	client.close()
}

// SendToUser emits a frame on every open socket of user and returns how many
// accepted it.
func (h *Hub) SendToUser(user uuid.UUID, typ string, v any) int {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.users[user]))
	for c := range h.users[user] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	n := 0
	for _, c := range targets {
		if c.Emit(typ, v) {
			n++
		}
	}
	return n
}

// ClientCount returns the total number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.all)
}

// UserCount returns the number of open sockets for user.
func (h *Hub) UserCount(user uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.users[user])
}

// Serve registers client and pumps it until the connection fails or ctx is
// cancelled. Every inbound message is passed to onMessage on the calling
// goroutine.
func (h *Hub) Serve(ctx context.Context, client *Client, onMessage func(data []byte)) {
	h.Register(client)
	metrics.WebsocketSessions.Inc()

	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		h.Unregister(client)
		client.conn.Close()
		metrics.WebsocketSessions.Dec()
	}()

	go h.writePump(client)
	go func() {
		<-ctx.Done()
		client.conn.Close()
	}()

	for {
		_, message, err := client.conn.ReadMessage()
		if err != nil {
			h.logger.Debug().Err(err).Str("client_id", client.ID).Msg("websocket read ended")
			return
		}
		onMessage(message)
	}
}

// writePump writes queued frames and keeps the connection alive with pings.
func (h *Hub) writePump(client *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case message, ok := <-client.Send:
			if !ok {
				_ = client.conn.WriteMessage(gorillawebsocket.CloseMessage, []byte{})
				return
			}
			if err := client.conn.WriteMessage(gorillawebsocket.TextMessage, message); err != nil {
				client.conn.Close()
				return
			}
		case <-ticker.C:
			if err := client.conn.WriteMessage(gorillawebsocket.PingMessage, nil); err != nil {
				client.conn.Close()
				return
			}
		}
	}
}

// Upgrader switches HTTP requests to WebSocket connections, accepting only
// the configured origins.
type Upgrader struct {
	upgrader gorillawebsocket.Upgrader
}

func NewUpgrader(origins []string) *Upgrader {
	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		allowed[o] = struct{}{}
	}
	return &Upgrader{upgrader: gorillawebsocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			if _, ok := allowed["*"]; ok {
				return true
			}
			_, ok := allowed[origin]
			return ok
		},
	}}
}

func (u *Upgrader) Upgrade(c echo.Context) (Conn, error) {
	ws, err := u.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return nil, err
	}
	return &gorillaConnAdapter{ws}, nil
}

// gorillaConnAdapter wraps a gorilla/websocket.Conn to satisfy the Conn interface.
type gorillaConnAdapter struct {
	conn *gorillawebsocket.Conn
}

func (a *gorillaConnAdapter) ReadMessage() (int, []byte, error) {
	return a.conn.ReadMessage()
}

func (a *gorillaConnAdapter) WriteMessage(messageType int, data []byte) error {
	return a.conn.WriteMessage(messageType, data)
}

func (a *gorillaConnAdapter) Close() error {
	return a.conn.Close()
}
