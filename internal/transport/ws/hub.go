// Package ws provides the WebSocket notification channel of the CSE.
// Connected entities register under their originator; notifications whose
// target URI uses the ws scheme are delivered over the matching connection.
package ws

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/onem2m/cse/internal/m2m"
)

// Conn abstracts a WebSocket connection for testability.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Client is one connected notification receiver.
type Client struct {
	Originator string
	Send       chan []byte
	hub        *Hub
	conn       Conn
}

// Hub tracks the connected clients by originator. All operations are
// thread-safe.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
	log     zerolog.Logger
}

// NewHub creates an empty hub.
func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		clients: make(map[string]*Client),
		log:     log.With().Str("component", "ws").Logger(),
	}
}

// Register adds a client. An existing connection of the same originator is
// replaced.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if old, ok := h.clients[client.Originator]; ok {
		close(old.Send)
	}
	h.clients[client.Originator] = client
}

// Unregister removes a client and closes its send channel.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if current, ok := h.clients[client.Originator]; ok && current == client {
		delete(h.clients, client.Originator)
		close(client.Send)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Deliver sends a notification payload to the client registered under the
// originator the ws URI names ("ws://<originator>").
func (h *Hub) Deliver(nu string, payload map[string]any) (m2m.RSC, error) {
	originator := strings.TrimPrefix(strings.TrimPrefix(nu, "wss://"), "ws://")
	originator = strings.TrimSuffix(originator, "/")

	h.mu.RLock()
	client, ok := h.clients[originator]
	h.mu.RUnlock()
	if !ok {
		return m2m.RSCTargetNotReachable, m2m.ErrTargetNotReachable("no websocket connection for %s", originator)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return m2m.RSCInternalServerError, err
	}
	select {
	case client.Send <- data:
		return m2m.RSCOK, nil
	case <-time.After(time.Second):
		return m2m.RSCTargetNotReachable, m2m.ErrTargetNotReachable("websocket send buffer full for %s", originator)
	}
}

var upgrader = gorillawebsocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Handler returns the echo handler that upgrades a connection and registers
// it under the X-M2M-Origin header.
func (h *Hub) Handler() echo.HandlerFunc {
	return func(c echo.Context) error {
		originator := c.Request().Header.Get("X-M2M-Origin")
		if originator == "" {
			return echo.NewHTTPError(http.StatusBadRequest, "X-M2M-Origin header required")
		}
		conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
		if err != nil {
			return err
		}
		client := &Client{
			Originator: originator,
			Send:       make(chan []byte, 64),
			hub:        h,
			conn:       conn,
		}
		h.Register(client)
		go client.writePump()
		go client.readPump()
		return nil
	}
}

func (c *Client) writePump() {
	defer c.conn.Close()
	for data := range c.Send {
		if err := c.conn.WriteMessage(gorillawebsocket.TextMessage, data); err != nil {
			c.hub.log.Debug().Err(err).Str("originator", c.Originator).Msg("websocket write failed")
			c.hub.Unregister(c)
			return
		}
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
