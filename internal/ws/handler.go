package ws

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 64 * 1024, // masks can be large
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// KeyHandler applies a navigation key
type KeyHandler interface {
	HandleKeyString(key string)
}

// StreamLookup reports whether a stream exists
type StreamLookup func(name string) bool

// Handler upgrades connections for stream results and view control
type Handler struct {
	hub    *Hub
	keys   KeyHandler
	exists StreamLookup
	log    *logrus.Entry
}

// NewHandler creates a new WebSocket handler
func NewHandler(hub *Hub, keys KeyHandler, exists StreamLookup) *Handler {
	return &Handler{hub: hub, keys: keys, exists: exists, log: hub.log}
}

// ServeStream handles /ws/streams/{name}
func (h *Handler) ServeStream(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/ws/streams/"), "/")
	if name == "" || strings.Contains(name, "/") {
		http.Error(w, "stream name required", http.StatusBadRequest)
		return
	}
	if h.exists != nil && !h.exists(name) {
		http.Error(w, "unknown stream", http.StatusNotFound)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("upgrade failed")
		return
	}
	h.log.Debugf("new connection for stream %s from %s", name, r.RemoteAddr)

	c := &client{conn: conn}
	h.hub.register(name, c)
	go h.readPump(name, c, nil)
}

// ServeControl handles /ws/control. Clients send {"type":"key","key":"3"}
// and receive every view transition.
func (h *Handler) ServeControl(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("upgrade failed")
		return
	}
	h.log.Debugf("new control connection from %s", r.RemoteAddr)

	c := &client{conn: conn}
	h.hub.register(ControlTopic, c)
	go h.readPump(ControlTopic, c, h.control)
}

func (h *Handler) control(c *client, data []byte) {
	var msg ControlMessage
	if err := json.Unmarshal(data, &msg); err != nil || msg.Type != TypeKey {
		reply, _ := json.Marshal(ErrorMessage{Type: TypeError, Error: "expected {\"type\":\"key\",\"key\":...}"})
		c.write(websocket.TextMessage, reply)
		return
	}
	h.keys.HandleKeyString(msg.Key)
}

// readPump keeps the connection alive and detects disconnection. onMessage
// receives text frames when non-nil.
func (h *Handler) readPump(topic string, c *client, onMessage func(*client, []byte)) {
	done := make(chan struct{})
	defer func() {
		close(done)
		h.hub.unregister(topic, c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := c.write(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.log.WithError(err).Debugf("read error on %q", topic)
			}
			return
		}
		if onMessage != nil && kind == websocket.TextMessage {
			onMessage(c, data)
		}
	}
}
