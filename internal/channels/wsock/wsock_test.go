package wsock

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flockwave/internal/hub"
	"flockwave/internal/registries"
	"flockwave/pkg/logging"
	"flockwave/pkg/model"
)

type wsockFixture struct {
	hub     *hub.Hub
	channel *Channel
	clients *registries.ClientRegistry
	server  *httptest.Server
}

func newWsockFixture(t *testing.T) *wsockFixture {
	t.Helper()

	logger := logging.NewLogger()
	logger.SetOutput(io.Discard)

	clients := registries.NewClientRegistry()
	channelTypes := registries.NewChannelTypeRegistry()
	h := hub.New(logger, nil)
	h.AttachClientRegistry(clients)
	h.AttachChannelTypeRegistry(channelTypes)

	channel := NewChannel(h, clients, nil, logger)
	require.NoError(t, channelTypes.Register(channel.Descriptor()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.Run(ctx)
	}()

	server := httptest.NewServer(http.HandlerFunc(channel.ServeWS))

	t.Cleanup(func() {
		server.Close()
		cancel()
		<-done
	})

	return &wsockFixture{hub: h, channel: channel, clients: clients, server: server}
}

func dial(t *testing.T, server *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readEnvelope(t *testing.T, ws *websocket.Conn) map[string]interface{} {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(time.Second))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	var raw map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &raw))
	return raw
}

func TestWebSocketClientRegistration(t *testing.T) {
	f := newWsockFixture(t)

	ws := dial(t, f.server)
	require.Eventually(t, func() bool {
		return f.clients.Count() == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, f.channel.ClientCount())

	ws.Close()
	require.Eventually(t, func() bool {
		return f.clients.Count() == 0
	}, time.Second, 5*time.Millisecond)
}

func TestWebSocketRequestResponse(t *testing.T) {
	f := newWsockFixture(t)

	f.hub.RegisterHandler(func(context.Context, *model.Message, *model.Client, *hub.Hub) (hub.Result, error) {
		return hub.Reply(map[string]interface{}{"status": "ok"}), nil
	}, "X-TEST")

	ws := dial(t, f.server)
	require.NoError(t, ws.WriteJSON(map[string]interface{}{
		"id":   "req-1",
		"body": map[string]interface{}{"type": "X-TEST"},
	}))

	raw := readEnvelope(t, ws)
	assert.Equal(t, "req-1", raw["correlationId"])
	body := raw["body"].(map[string]interface{})
	assert.Equal(t, "X-TEST", body["type"])
	assert.Equal(t, "ok", body["status"])
}

func TestWebSocketUnhandledMessageGetsNak(t *testing.T) {
	f := newWsockFixture(t)

	ws := dial(t, f.server)
	require.NoError(t, ws.WriteJSON(map[string]interface{}{
		"id":   "req-2",
		"body": map[string]interface{}{"type": "NO-SUCH"},
	}))

	raw := readEnvelope(t, ws)
	body := raw["body"].(map[string]interface{})
	assert.Equal(t, "ACK-NAK", body["type"])
}

func TestWebSocketBroadcastReachesAllClients(t *testing.T) {
	f := newWsockFixture(t)

	wsA := dial(t, f.server)
	wsB := dial(t, f.server)
	require.Eventually(t, func() bool {
		return f.clients.Count() == 2
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, f.hub.EnqueueBroadcast(f.hub.CreateNotification(
		map[string]interface{}{"type": "SYS-MSG", "text": "hello"})))

	for _, ws := range []*websocket.Conn{wsA, wsB} {
		raw := readEnvelope(t, ws)
		body := raw["body"].(map[string]interface{})
		assert.Equal(t, "SYS-MSG", body["type"])
		assert.Equal(t, "hello", body["text"])
	}
}

func TestWebSocketMalformedFrameIsIgnored(t *testing.T) {
	f := newWsockFixture(t)

	ws := dial(t, f.server)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("not json")))

	// Connection must survive and keep serving valid traffic.
	require.NoError(t, ws.WriteJSON(map[string]interface{}{
		"id":   "req-3",
		"body": map[string]interface{}{"type": "NO-SUCH"},
	}))
	raw := readEnvelope(t, ws)
	body := raw["body"].(map[string]interface{})
	assert.Equal(t, "ACK-NAK", body["type"])
}
