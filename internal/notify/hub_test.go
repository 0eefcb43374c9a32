package notify

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eutimioliusbel/pfasync/backend/internal/logging"
	"github.com/eutimioliusbel/pfasync/backend/internal/models"
	syncpkg "github.com/eutimioliusbel/pfasync/backend/internal/sync"
)

var _ syncpkg.EventSink = (*Hub)(nil)

func newTestServer(t *testing.T, opts Options) (*Hub, *httptest.Server) {
	t.Helper()
	opts.Logger = logging.Discard()
	hub := NewHub(opts)
	mux := http.NewServeMux()
	mux.Handle(PathPrefix, hub)
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return hub, srv
}

func wsURL(srv *httptest.Server, org string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + PathPrefix + org
}

// dial connects and consumes the CONNECTED greeting.
func dial(t *testing.T, srv *httptest.Server, org string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, org), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	ev := readEvent(t, conn)
	require.Equal(t, models.EventConnected, ev.Type)
	require.Equal(t, org, ev.OrganizationID)
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) models.SyncEvent {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ev models.SyncEvent
	require.NoError(t, conn.ReadJSON(&ev))
	return ev
}

// =====================================================
// Connection handling
// =====================================================

func TestHub_rejectsMissingOrganization(t *testing.T) {
	_, srv := newTestServer(t, Options{})

	resp, err := http.Get(srv.URL + PathPrefix)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial(wsURL(srv, ""), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHub_connectedThenRemovedOnClose(t *testing.T) {
	hub, srv := newTestServer(t, Options{})
	conn := dial(t, srv, "ORG1")
	assert.Equal(t, 1, hub.ClientCount("ORG1"))

	conn.Close()
	require.Eventually(t, func() bool { return hub.ClientCount("ORG1") == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestHub_originCheck(t *testing.T) {
	_, srv := newTestServer(t, Options{AllowedOrigins: []string{"https://app.example.com"}})

	header := http.Header{"Origin": []string{"https://evil.example.com"}}
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, "ORG1"), header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	header.Set("Origin", "https://app.example.com")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "ORG1"), header)
	require.NoError(t, err)
	conn.Close()
}

func TestHub_pingAction(t *testing.T) {
	_, srv := newTestServer(t, Options{})
	conn := dial(t, srv, "ORG1")

	require.NoError(t, conn.WriteJSON(map[string]string{"action": "ping"}))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg map[string]interface{}
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "pong", msg["action"])
}

// =====================================================
// Broadcast
// =====================================================

func TestHub_broadcastIsScopedToOrganization(t *testing.T) {
	hub, srv := newTestServer(t, Options{})
	a1 := dial(t, srv, "ORG1")
	a2 := dial(t, srv, "ORG1")
	b := dial(t, srv, "ORG2")

	hub.Broadcast("ORG1", models.NewSyncEvent(models.EventSyncQueued, "ORG1", "R1", nil))
	hub.Broadcast("ORG2", models.NewSyncEvent(models.EventSyncFailed, "ORG2", "R9", map[string]interface{}{"error": "boom"}))

	for _, conn := range []*websocket.Conn{a1, a2} {
		ev := readEvent(t, conn)
		assert.Equal(t, models.EventSyncQueued, ev.Type)
		assert.Equal(t, "R1", ev.RecordID)
	}
	ev := readEvent(t, b)
	assert.Equal(t, models.EventSyncFailed, ev.Type)
	assert.Equal(t, "boom", ev.Detail["error"])
}

func TestHub_broadcastPreservesOrder(t *testing.T) {
	hub, srv := newTestServer(t, Options{})
	conn := dial(t, srv, "ORG1")

	for i := 0; i < 50; i++ {
		hub.Broadcast("ORG1", models.NewSyncEvent(models.EventSyncProcessing, "ORG1", string(rune('A'+i%26)), map[string]interface{}{"n": i}))
	}
	for i := 0; i < 50; i++ {
		ev := readEvent(t, conn)
		assert.Equal(t, float64(i), ev.Detail["n"])
	}
}

func TestHub_broadcastWithoutClientsIsDropped(t *testing.T) {
	hub, srv := newTestServer(t, Options{})
	hub.Broadcast("ORG1", models.NewSyncEvent(models.EventSyncSuccess, "ORG1", "R1", nil))

	// A later subscriber does not see earlier events.
	conn := dial(t, srv, "ORG1")
	hub.Broadcast("ORG1", models.NewSyncEvent(models.EventSyncConflict, "ORG1", "R2", nil))
	ev := readEvent(t, conn)
	assert.Equal(t, models.EventSyncConflict, ev.Type)
}

func TestHub_slowClientIsDropped(t *testing.T) {
	hub := NewHub(Options{SendBuffer: 1, Logger: logging.Discard()})
	c := &client{id: "slow", org: "ORG1", send: make(chan []byte, 1)}
	hub.clients["ORG1"] = map[*client]struct{}{c: {}}

	hub.Broadcast("ORG1", models.NewSyncEvent(models.EventSyncQueued, "ORG1", "R1", nil))
	assert.Equal(t, 1, hub.ClientCount("ORG1"))
	hub.Broadcast("ORG1", models.NewSyncEvent(models.EventSyncQueued, "ORG1", "R2", nil))
	assert.Equal(t, 0, hub.ClientCount("ORG1"))

	// The buffered event is still readable, then the channel is closed.
	first, ok := <-c.send
	require.True(t, ok)
	var ev models.SyncEvent
	require.NoError(t, json.Unmarshal(first, &ev))
	assert.Equal(t, "R1", ev.RecordID)
	_, ok = <-c.send
	assert.False(t, ok)
}

func TestHub_close(t *testing.T) {
	hub, srv := newTestServer(t, Options{})
	conn := dial(t, srv, "ORG1")

	require.NoError(t, hub.Close())
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
	assert.Equal(t, 0, hub.ClientCount("ORG1"))

	// New connections are closed straight away.
	late, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "ORG1"), nil)
	require.NoError(t, err)
	defer late.Close()
	require.NoError(t, late.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = late.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
	assert.Equal(t, 0, hub.ClientCount("ORG1"))
}
