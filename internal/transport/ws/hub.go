// Package ws is a loopback push backbone for development. App instances
// connect over a websocket with their notification address and exchange
// the same JSON packets CCS would carry.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"e2ee-relay/internal/codec"
	"e2ee-relay/pkg/constants"
	apperrors "e2ee-relay/pkg/errors"
	"e2ee-relay/pkg/metrics"
)

const transportName = "ws"

// ErrUnknownAddress is returned when no client is connected under the address
var ErrUnknownAddress = errors.New("ws: no client connected with that address")

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Hub tracks connected app instances by notification address
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
	handler func([]byte)
	closed  bool

	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	stopOnce   sync.Once
	log        *zap.Logger
}

// Client is one connected app instance
type Client struct {
	hub     *Hub
	conn    *websocket.Conn
	send    chan []byte
	address string
}

// NewHub creates a hub. Connect starts it.
func NewHub(log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		clients:    make(map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		log:        log,
	}
}

// Connect starts the hub loop
func (h *Hub) Connect(ctx context.Context) error {
	go h.run(ctx)
	metrics.RelayConnectionEventsTotal.WithLabelValues(transportName, "connected").Inc()
	h.log.Info("Loopback websocket backbone ready")
	return nil
}

func (h *Hub) run(ctx context.Context) {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			if old, ok := h.clients[client.address]; ok {
				close(old.send)
			}
			h.clients[client.address] = client
			metrics.RelayLoopbackClients.Set(float64(len(h.clients)))
			h.mu.Unlock()
			h.log.Info("Loopback client connected", zap.String("address", client.address))

		case client := <-h.unregister:
			h.mu.Lock()
			if current, ok := h.clients[client.address]; ok && current == client {
				delete(h.clients, client.address)
				close(client.send)
			}
			metrics.RelayLoopbackClients.Set(float64(len(h.clients)))
			h.mu.Unlock()
			h.log.Info("Loopback client disconnected", zap.String("address", client.address))

		case <-ctx.Done():
			h.stopOnce.Do(func() { close(h.done) })
			h.shutdown()
			return
		case <-h.done:
			h.shutdown()
			return
		}
	}
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for addr, client := range h.clients {
		close(client.send)
		delete(h.clients, addr)
	}
	metrics.RelayLoopbackClients.Set(0)
}

// OnPacketReceived registers the callback for packets sent by clients
func (h *Hub) OnPacketReceived(handler func([]byte)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handler = handler
}

// SendJSON routes a downstream packet to the client named by its "to" field
func (h *Hub) SendJSON(ctx context.Context, payload []byte) error {
	var target struct {
		To string `json:"to"`
	}
	if err := json.Unmarshal(payload, &target); err != nil {
		return apperrors.MalformedInputError("invalid downstream packet", err)
	}
	if target.To == "" {
		return apperrors.MissingFieldError("to")
	}
	return h.deliver(ctx, target.To, payload)
}

// SendAck echoes the ack to the client that sent the packet
func (h *Hub) SendAck(ctx context.Context, from, messageID string) error {
	payload, err := codec.EncodeAck(from, messageID)
	if err != nil {
		return err
	}
	return h.deliver(ctx, from, payload)
}

func (h *Hub) deliver(ctx context.Context, address string, payload []byte) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return apperrors.TransportError("loopback deliver", errors.New("hub closed"))
	}
	client, ok := h.clients[address]
	if !ok {
		return apperrors.TransportError("loopback deliver", fmt.Errorf("%w: %s", ErrUnknownAddress, address))
	}
	select {
	case client.send <- payload:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return apperrors.TransportError("loopback deliver", errors.New("client send buffer full"))
	}
}

// Close disconnects every client
func (h *Hub) Close() error {
	h.stopOnce.Do(func() { close(h.done) })
	metrics.RelayConnectionEventsTotal.WithLabelValues(transportName, "closed").Inc()
	return nil
}

// ServeWS upgrades GET /ws?address=<notification-address>
func (h *Hub) ServeWS(c *gin.Context) {
	address := c.Query("address")
	if address == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "address required"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}

	client := &Client{
		hub:     h,
		conn:    conn,
		send:    make(chan []byte, 256),
		address: address,
	}

	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// readPump forwards client frames to the packet handler, stamping "from"
// with the client's address the way CCS does
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(constants.MaxPacketSize)
	c.conn.SetReadDeadline(time.Now().Add(constants.WebSocketPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(constants.WebSocketPongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Warn("Loopback websocket error", zap.Error(err))
			}
			return
		}

		packet, err := stampFrom(message, c.address)
		if err != nil {
			c.hub.log.Warn("Invalid loopback frame", zap.String("address", c.address), zap.Error(err))
			continue
		}

		c.hub.mu.RLock()
		handler := c.hub.handler
		c.hub.mu.RUnlock()
		if handler != nil {
			handler(packet)
		}
	}
}

func stampFrom(message []byte, address string) ([]byte, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(message, &fields); err != nil {
		return nil, err
	}
	if fields == nil {
		return nil, errors.New("frame is not a JSON object")
	}
	from, err := json.Marshal(address)
	if err != nil {
		return nil, err
	}
	fields["from"] = from
	return json.Marshal(fields)
}

// writePump writes queued packets and keeps the connection alive
func (c *Client) writePump() {
	ticker := time.NewTicker(constants.WebSocketPingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
