// Package wsock exposes the Flockwave message hub over WebSocket. Each
// connection becomes one client in the client registry; the channel type
// registers a native broadcaster that marshals a broadcast envelope once
// and fans the bytes out to every connection.
package wsock

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"flockwave/internal/hub"
	"flockwave/internal/metrics"
	"flockwave/internal/registries"
	"flockwave/pkg/logging"
	"flockwave/pkg/model"
)

// ChannelTypeID is the identifier the WebSocket channel registers under.
const ChannelTypeID = "ws"

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait
	pingPeriod = (pongWait * 9) / 10

	// Maximum envelope size allowed from peer
	maxMessageSize = 65536

	// Outbound buffer per connection; a client that cannot keep up is
	// disconnected.
	sendBufferSize = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Channel is the WebSocket communication channel of the server.
type Channel struct {
	logger   logging.Logger
	hub      *hub.Hub
	registry *registries.ClientRegistry
	metrics  *metrics.Metrics

	mu    sync.RWMutex
	conns map[string]*conn
}

// NewChannel creates a WebSocket channel feeding incoming envelopes into
// the given message hub and registering connections as clients.
func NewChannel(h *hub.Hub, registry *registries.ClientRegistry, m *metrics.Metrics, logger logging.Logger) *Channel {
	return &Channel{
		logger:   logger,
		hub:      h,
		registry: registry,
		metrics:  m,
		conns:    make(map[string]*conn),
	}
}

// Descriptor returns the channel type descriptor to be placed in the
// channel type registry.
func (c *Channel) Descriptor() model.ChannelTypeDescriptor {
	return model.ChannelTypeDescriptor{
		ID:          ChannelTypeID,
		Broadcaster: c.Broadcast,
	}
}

// Broadcast marshals the envelope once and fans the bytes out to every
// connection of the channel.
func (c *Channel) Broadcast(_ context.Context, msg *model.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	c.mu.RLock()
	conns := make([]*conn, 0, len(c.conns))
	for _, cn := range c.conns {
		conns = append(conns, cn)
	}
	c.mu.RUnlock()

	for _, cn := range conns {
		// A full buffer kicks the client; the broadcast itself succeeds.
		_ = cn.enqueue(data)
	}
	return nil
}

// ClientCount returns the number of live WebSocket connections.
func (c *Channel) ClientCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.conns)
}

// ServeWS upgrades an HTTP request to a WebSocket connection and attaches
// it to the message hub as a new client.
func (c *Channel) ServeWS(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		c.logger.WithError(err).Error("Failed to upgrade WebSocket connection")
		return
	}

	cn := &conn{
		id:     uuid.New().String(),
		ws:     ws,
		send:   make(chan []byte, sendBufferSize),
		closed: make(chan struct{}),
		parent: c,
		logger: c.logger,
	}
	cn.client = &model.Client{ID: cn.id, ChannelType: ChannelTypeID, Channel: cn}

	c.mu.Lock()
	c.conns[cn.id] = cn
	count := len(c.conns)
	c.mu.Unlock()

	if err := c.registry.Add(cn.client); err != nil {
		c.logger.WithError(err).Error("Failed to register WebSocket client")
		cn.close()
		return
	}
	if c.metrics != nil {
		c.metrics.ClientsConnected.WithLabelValues(ChannelTypeID).Inc()
	}
	c.logger.WithFields(logging.Fields{
		"id":           cn.id,
		"client_count": count,
	}).Info("Client connected")

	go cn.writePump()
	go cn.readPump()
}

// detach removes a closed connection from the channel and the registry.
func (c *Channel) detach(cn *conn) {
	c.mu.Lock()
	delete(c.conns, cn.id)
	count := len(c.conns)
	c.mu.Unlock()

	c.registry.Remove(cn.id)
	if c.metrics != nil {
		c.metrics.ClientsConnected.WithLabelValues(ChannelTypeID).Dec()
	}
	c.logger.WithFields(logging.Fields{
		"id":           cn.id,
		"client_count": count,
	}).Info("Client disconnected")
}

// conn is one WebSocket connection; it doubles as the message sink of the
// corresponding client in the client registry.
type conn struct {
	id     string
	ws     *websocket.Conn
	send   chan []byte
	closed chan struct{}
	client *model.Client
	parent *Channel
	logger logging.Logger

	closeOnce sync.Once
}

// Send implements model.MessageSink.
func (c *conn) Send(_ context.Context, msg *model.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return c.enqueue(data)
}

// enqueue places raw bytes in the outbound buffer. A connection whose
// buffer is full is considered dead and gets kicked.
func (c *conn) enqueue(data []byte) error {
	select {
	case <-c.closed:
		return model.ErrChannelClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	case <-c.closed:
		return model.ErrChannelClosed
	default:
		c.logger.WithField("id", c.id).Warn("Send buffer full, disconnecting client")
		c.close()
		return model.ErrChannelClosed
	}
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.ws.Close()
		c.parent.detach(c)
	})
}

// readPump pumps envelopes from the WebSocket connection to the hub.
func (c *conn) readPump() {
	defer c.close()

	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.WithError(err).WithField("id", c.id).Error("WebSocket connection error")
			}
			return
		}

		var raw map[string]interface{}
		if err := json.Unmarshal(data, &raw); err != nil {
			c.logger.WithError(err).WithField("id", c.id).Warn("Dropping malformed frame")
			continue
		}
		c.parent.hub.HandleIncoming(context.Background(), raw, c.client)
	}
}

// writePump pumps buffered envelopes to the WebSocket connection and keeps
// the connection alive with periodic pings.
func (c *conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case data := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-c.closed:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			c.ws.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
