package ws

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"mosaic/internal/pipeline"
	"mosaic/internal/view"
)

const writeWait = 10 * time.Second

// client serializes writes to one connection
type client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *client) write(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(messageType, data)
}

// ControlTopic is the hub topic of control clients
const ControlTopic = ""

// Hub fans results out to the clients of each stream and view transitions
// out to control clients
type Hub struct {
	// clients maps stream name -> set of connections
	clients map[string]map[*client]bool
	mu      sync.RWMutex
	log     *logrus.Entry
}

// NewHub creates a new hub
func NewHub(log *logrus.Entry) *Hub {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Hub{
		clients: make(map[string]map[*client]bool),
		log:     log.WithField("component", "ws"),
	}
}

func (h *Hub) register(topic string, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.clients[topic] == nil {
		h.clients[topic] = make(map[*client]bool)
	}
	h.clients[topic][c] = true
	h.log.Debugf("client registered for %q (total: %d)", topic, len(h.clients[topic]))
}

func (h *Hub) unregister(topic string, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if conns, ok := h.clients[topic]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.clients, topic)
		}
	}
}

// HasClients reports whether anyone listens on topic
func (h *Hub) HasClients(topic string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[topic]) > 0
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	count := 0
	for _, conns := range h.clients {
		count += len(conns)
	}
	return count
}

func (h *Hub) broadcast(topic string, v any) {
	h.mu.RLock()
	conns := make([]*client, 0, len(h.clients[topic]))
	for c := range h.clients[topic] {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	if len(conns) == 0 {
		return
	}

	data, err := json.Marshal(v)
	if err != nil {
		h.log.WithError(err).Error("failed to marshal message")
		return
	}

	for _, c := range conns {
		if err := c.write(websocket.TextMessage, data); err != nil {
			h.log.WithError(err).Debugf("dropping client of %q", topic)
			h.unregister(topic, c)
			c.conn.Close()
		}
	}
}

// OnResult implements pipeline.ResultHandler
func (h *Hub) OnResult(result *pipeline.Result) {
	if result == nil || result.Stream == ControlTopic {
		return
	}
	h.broadcast(result.Stream, NewResultMessage(result))
}

// OnViewChange sends a transition to every control client. It has the
// signature of a view.Controller observer.
func (h *Hub) OnViewChange(prev, next view.State) {
	h.broadcast(ControlTopic, NewViewMessage(prev, next))
}

// Close disconnects every client
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for topic, conns := range h.clients {
		for c := range conns {
			c.mu.Lock()
			c.conn.SetWriteDeadline(time.Now().Add(time.Second))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
			c.mu.Unlock()
			c.conn.Close()
		}
		delete(h.clients, topic)
	}
}

var _ pipeline.ResultHandler = (*Hub)(nil)
