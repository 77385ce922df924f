package ws

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mosaic/internal/decode"
	"mosaic/internal/pipeline"
	"mosaic/internal/view"
)

type recordingKeys struct {
	mu   sync.Mutex
	keys []string
}

func (r *recordingKeys) HandleKeyString(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys = append(r.keys, key)
}

func (r *recordingKeys) get() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.keys...)
}

func newTestServer(t *testing.T) (*Hub, *recordingKeys, string) {
	t.Helper()
	hub := NewHub(nil)
	keys := &recordingKeys{}
	h := NewHandler(hub, keys, func(name string) bool { return name == "traffic" })

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/streams/", h.ServeStream)
	mux.HandleFunc("/ws/control", h.ServeControl)
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return hub, keys, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestStreamClientReceivesResults(t *testing.T) {
	hub, _, base := newTestServer(t)
	conn := dial(t, base+"/ws/streams/traffic")

	require.Eventually(t, func() bool { return hub.HasClients("traffic") }, time.Second, 5*time.Millisecond)

	hub.OnResult(&pipeline.Result{Stream: "other", Seq: 1})
	hub.OnResult(&pipeline.Result{
		Stream: "traffic",
		Seq:    7,
		Detections: []decode.Detection{
			{ID: 2, Label: "car", Score: 0.9, Box: decode.Box{X1: 0.1, Y1: 0.2, X2: 0.3, Y2: 0.4}},
		},
	})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg struct {
		Type       string             `json:"type"`
		Stream     string             `json:"stream"`
		Seq        uint64             `json:"seq"`
		Detections []decode.Detection `json:"detections"`
	}
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, TypeResult, msg.Type)
	assert.Equal(t, "traffic", msg.Stream)
	assert.Equal(t, uint64(7), msg.Seq)
	require.Len(t, msg.Detections, 1)
	assert.Equal(t, "car", msg.Detections[0].Label)
}

func TestUnknownStreamRejected(t *testing.T) {
	_, _, base := newTestServer(t)
	_, resp, err := websocket.DefaultDialer.Dial(base+"/ws/streams/nope", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestControlClientSendsKeysAndReceivesTransitions(t *testing.T) {
	hub, keys, base := newTestServer(t)
	conn := dial(t, base+"/ws/control")
	require.Eventually(t, func() bool { return hub.HasClients(ControlTopic) }, time.Second, 5*time.Millisecond)

	require.NoError(t, conn.WriteJSON(ControlMessage{Type: TypeKey, Key: "3"}))
	require.Eventually(t, func() bool { return len(keys.get()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"3"}, keys.get())

	prev := view.State{Mode: view.ModeTiled, Stream: view.NoStream}
	next := view.State{Mode: view.ModeFullscreen, Stream: 2}
	hub.OnViewChange(prev, next)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg ViewMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, TypeView, msg.Type)
	assert.Equal(t, prev, msg.Previous)
	assert.Equal(t, next, msg.State)
}

func TestControlRejectsMalformedMessage(t *testing.T) {
	hub, keys, base := newTestServer(t)
	conn := dial(t, base+"/ws/control")
	require.Eventually(t, func() bool { return hub.HasClients(ControlTopic) }, time.Second, 5*time.Millisecond)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"zoom"}`)))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg ErrorMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, TypeError, msg.Type)
	assert.Empty(t, keys.get())
}

func TestClientUnregisteredOnDisconnect(t *testing.T) {
	hub, _, base := newTestServer(t)
	conn := dial(t, base+"/ws/streams/traffic")
	require.Eventually(t, func() bool { return hub.HasClients("traffic") }, time.Second, 5*time.Millisecond)

	conn.Close()
	assert.Eventually(t, func() bool { return hub.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}
