// Package notify pushes sync lifecycle events to websocket clients, one
// organization per connection.
package notify

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/eutimioliusbel/pfasync/backend/internal/logging"
	"github.com/eutimioliusbel/pfasync/backend/internal/models"
)

// PathPrefix is where the hub is mounted. The organization id follows it.
const PathPrefix = "/ws/sync/"

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second

	defaultSendBuffer = 256
)

// Options configures a Hub.
type Options struct {
	// AllowedOrigins lists accepted Origin headers. Empty means same host
	// only.
	AllowedOrigins []string
	// SendBuffer is the per-connection outbound queue length. A client
	// whose queue is full is disconnected.
	SendBuffer int
	Logger     *logging.Logger
}

type client struct {
	id     string
	org    string
	conn   *websocket.Conn
	send   chan []byte
	closed bool
}

// Hub keeps organization → connections and fans events out to them.
type Hub struct {
	upgrader   websocket.Upgrader
	sendBuffer int
	logger     *logging.Logger

	mu      sync.Mutex
	clients map[string]map[*client]struct{}
	closed  bool
	seq     uint64
}

// NewHub creates a hub. It has no background goroutine of its own; each
// connection runs a reader and a writer.
func NewHub(opts Options) *Hub {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = defaultSendBuffer
	}
	if opts.Logger == nil {
		opts.Logger = logging.Get()
	}

	h := &Hub{
		sendBuffer: opts.SendBuffer,
		logger:     opts.Logger,
		clients:    make(map[string]map[*client]struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
	if len(opts.AllowedOrigins) > 0 {
		allowed := make(map[string]bool, len(opts.AllowedOrigins))
		for _, o := range opts.AllowedOrigins {
			allowed[strings.TrimRight(o, "/")] = true
		}
		h.upgrader.CheckOrigin = func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || allowed[origin]
		}
	}
	return h
}

// ServeHTTP upgrades requests for PathPrefix + organizationId.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	org := strings.Trim(strings.TrimPrefix(r.URL.Path, PathPrefix), "/")
	if org == "" || strings.Contains(org, "/") {
		http.Error(w, "organization id is required", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", map[string]interface{}{
			"organization_id": org,
			"remote_addr":     r.RemoteAddr,
			"error":           err.Error(),
		})
		return
	}

	c, ok := h.register(org, conn)
	if !ok {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), time.Now().Add(writeWait))
		conn.Close()
		return
	}

	go h.writePump(c)
	go h.readPump(c)
}

// register adds conn to its organization's set and queues CONNECTED ahead of
// any broadcast.
func (h *Hub) register(org string, conn *websocket.Conn) (*client, bool) {
	hello, ok := encode(models.NewSyncEvent(models.EventConnected, org, "", nil))
	if !ok {
		return nil, false
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, false
	}

	h.seq++
	c := &client{
		id:   conn.RemoteAddr().String() + "#" + strconv.FormatUint(h.seq, 10),
		org:  org,
		conn: conn,
		send: make(chan []byte, h.sendBuffer),
	}
	set, ok := h.clients[org]
	if !ok {
		set = make(map[*client]struct{})
		h.clients[org] = set
	}
	set[c] = struct{}{}
	c.send <- hello

	h.logger.Info("websocket client connected", map[string]interface{}{
		"organization_id": org,
		"client_id":       c.id,
		"org_clients":     len(set),
	})
	return c, true
}

// unregister must be called with h.mu held.
func (h *Hub) unregister(c *client) {
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)

	if set, ok := h.clients[c.org]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.clients, c.org)
		}
	}
}

func (h *Hub) disconnect(c *client) {
	h.mu.Lock()
	h.unregister(c)
	h.mu.Unlock()
}

func encode(event models.SyncEvent) ([]byte, bool) {
	b, err := json.Marshal(event)
	if err != nil {
		logging.Error("failed to marshal sync event", err, map[string]interface{}{
			"type": string(event.Type),
		})
		return nil, false
	}
	return b, true
}

// enqueue must be called with h.mu held.
func (h *Hub) enqueue(c *client, b []byte) {
	if c.closed {
		return
	}
	select {
	case c.send <- b:
	default:
		h.logger.Warn("dropping slow websocket client", map[string]interface{}{
			"organization_id": c.org,
			"client_id":       c.id,
		})
		h.unregister(c)
	}
}

// Broadcast sends event to every connection of organizationID. With no
// connections the event is dropped. Events for one organization reach each
// client in call order.
func (h *Hub) Broadcast(organizationID string, event models.SyncEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()

	set := h.clients[organizationID]
	if len(set) == 0 {
		return
	}
	b, ok := encode(event)
	if !ok {
		return
	}
	for c := range set {
		h.enqueue(c, b)
	}
}

// ClientCount returns the number of live connections for an organization.
func (h *Hub) ClientCount(organizationID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients[organizationID])
}

// Close disconnects every client and rejects new connections.
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	for _, set := range h.clients {
		for c := range set {
			h.unregister(c)
		}
	}
	return nil
}

// readPump consumes client frames so pongs and close frames are processed.
// The only client message understood is {"action":"ping"}.
func (h *Hub) readPump(c *client) {
	defer func() {
		h.disconnect(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.logger.Debug("websocket read error", map[string]interface{}{
					"client_id": c.id,
					"error":     err.Error(),
				})
			}
			return
		}

		var msg struct {
			Action string `json:"action"`
		}
		if err := json.Unmarshal(message, &msg); err != nil || msg.Action != "ping" {
			continue
		}
		pong, _ := json.Marshal(map[string]interface{}{
			"action":    "pong",
			"timestamp": time.Now().Unix(),
		})
		h.mu.Lock()
		h.enqueue(c, pong)
		h.mu.Unlock()
	}
}

// writePump is the only writer of c.conn.
func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				h.logger.Info("websocket client disconnected", map[string]interface{}{
					"organization_id": c.org,
					"client_id":       c.id,
				})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				h.disconnect(c)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.disconnect(c)
				return
			}
		}
	}
}
