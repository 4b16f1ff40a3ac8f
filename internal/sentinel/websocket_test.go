package sentinel

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nathanregner/hydra-sentinel/internal/model"
	"github.com/nathanregner/hydra-sentinel/internal/protocol"
)

func wsURL(ts *httptest.Server, hostName string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?host_name=" + hostName
}

func dialBuilder(t *testing.T, ts *httptest.Server, hostName string) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, hostName), nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readKeepAwake(t *testing.T, conn *websocket.Conn) bool {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	msgType, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.TextMessage, msgType)

	msg, err := protocol.Decode(data)
	require.NoError(t, err)
	require.NotNil(t, msg.KeepAwake)
	return *msg.KeepAwake
}

func TestWebSocket_SessionLifecycle(t *testing.T) {
	server, store, _ := newTestServer(t, bogusMachine())
	ts := httptest.NewServer(server.Router())
	defer ts.Close()

	conn := dialBuilder(t, ts, "bogus")

	// First command reflects the empty queue.
	assert.False(t, readKeepAwake(t, conn))
	require.Len(t, store.Connected(), 1)

	// Queueing work for the builder's system flips the command.
	store.UpdateQueued([]model.System{model.X86_64Linux})
	assert.True(t, readKeepAwake(t, conn))

	// Draining the queue flips it back.
	store.UpdateQueued(nil)
	assert.False(t, readKeepAwake(t, conn))

	// Dropping the connection disconnects the builder.
	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool {
		return len(store.Connected()) == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestWebSocket_UnknownHostRejected(t *testing.T) {
	server, _, _ := newTestServer(t, bogusMachine())
	ts := httptest.NewServer(server.Router())
	defer ts.Close()

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, "stranger"), nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestWebSocket_DuplicateConnectRejected(t *testing.T) {
	server, store, _ := newTestServer(t, bogusMachine())
	ts := httptest.NewServer(server.Router())
	defer ts.Close()

	conn := dialBuilder(t, ts, "bogus")
	assert.False(t, readKeepAwake(t, conn))

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, "bogus"), nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// The rejection must not evict the live session.
	require.Len(t, store.Connected(), 1)
}

func TestWebSocket_ReconnectAfterDrop(t *testing.T) {
	server, store, _ := newTestServer(t, bogusMachine())
	ts := httptest.NewServer(server.Router())
	defer ts.Close()

	conn := dialBuilder(t, ts, "bogus")
	assert.False(t, readKeepAwake(t, conn))
	require.NoError(t, conn.Close())

	require.Eventually(t, func() bool {
		return len(store.Connected()) == 0
	}, 5*time.Second, 10*time.Millisecond)

	conn2 := dialBuilder(t, ts, "bogus")
	assert.False(t, readKeepAwake(t, conn2))
	require.Len(t, store.Connected(), 1)
}

func TestWebSocket_DeniedIP(t *testing.T) {
	server, _, _ := newTestServer(t, bogusMachine())
	// Shrink the allow-list so the loopback dial is rejected.
	server.cfg.allowedNets = nil

	ts := httptest.NewServer(server.Router())
	defer ts.Close()

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, "bogus"), nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}
