// Package realtime pushes view state to browser clients over WebSocket.
//
// A client subscribes by sending {"views":["active","health"]}. Subscribed
// views stay mounted for as long as the connection lives; the client gets
// the current snapshot at once and every published change afterwards.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mbd888/paydash/internal/dashboard"
	"github.com/mbd888/paydash/internal/metrics"
)

// normalCloseCodes are WebSocket close codes that indicate an expected disconnect.
var normalCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

// EventType for real-time events
type EventType string

const (
	EventViewState    EventType = "view_state"
	EventVerification EventType = "verification"
	EventError        EventType = "error"
)

// Event is one message to a client
type Event struct {
	Type      EventType `json:"type"`
	View      string    `json:"view,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// Subscription is what a client asks to receive
type Subscription struct {
	Views         []string `json:"views"`
	Verifications bool     `json:"verifications"`
}

// ViewSource mounts views and serves their snapshots.
type ViewSource interface {
	Mount(v dashboard.View) error
	Unmount(v dashboard.View) error
	Snapshot(v dashboard.View) (any, error)
}

// Client represents a WebSocket connection
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu            sync.RWMutex
	views         map[dashboard.View]bool
	verifications bool
}

func newClient(h *Hub, conn *websocket.Conn) *Client {
	return &Client{
		hub:   h,
		conn:  conn,
		send:  make(chan []byte, 256),
		views: make(map[dashboard.View]bool),
	}
}

// MaxClients is the maximum number of concurrent WebSocket connections.
const MaxClients = 1000

// delivery is one queued event. A nil to means every matching client.
// Snapshots and broadcasts share the queue so a client never sees a view
// state older than one it already received.
type delivery struct {
	to    *Client
	event *Event
}

// Hub manages all WebSocket connections
type Hub struct {
	source     ViewSource
	clients    map[*Client]bool
	events     chan delivery
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	logger     *slog.Logger
	done       chan struct{} // closed when Run exits; prevents upgrade race
	maxClients int
	upgrader   websocket.Upgrader

	// Stats
	totalEvents  atomic.Int64
	totalClients atomic.Int64
	peakClients  atomic.Int64
}

// NewHub creates a hub over source. Browser origins other than the serving
// host must be listed in allowedOrigins.
func NewHub(source ViewSource, logger *slog.Logger, allowedOrigins []string) *Hub {
	h := &Hub{
		source:     source,
		clients:    make(map[*Client]bool),
		events:     make(chan delivery, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger,
		done:       make(chan struct{}),
		maxClients: MaxClients,
	}
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = true
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true // non-browser clients
			}
			if allowed[origin] {
				return true
			}
			return origin == "http://"+r.Host || origin == "https://"+r.Host
		},
	}
	return h
}

// Run starts the hub's main loop
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("realtime hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("realtime hub shutting down, closing client connections")
			h.mu.Lock()
			for client := range h.clients {
				close(client.send) // writePump sends CloseMessage on closed channel
				delete(h.clients, client)
			}
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(0)
			h.logger.Info("realtime hub stopped")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.totalClients.Add(1)
			if current := int64(len(h.clients)); current > h.peakClients.Load() {
				h.peakClients.Store(current)
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Info("client connected", "total", n)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Info("client disconnected", "total", n)

		case d := <-h.events:
			if d.to != nil {
				h.unicast(d.to, d.event)
				continue
			}
			event := d.event
			h.totalEvents.Add(1)
			payload := serialize(event)
			h.mu.RLock()
			var slow []*Client
			for client := range h.clients {
				if client.wants(event) {
					select {
					case client.send <- payload:
					default:
						slow = append(slow, client)
					}
				}
			}
			h.mu.RUnlock()
			// Remove slow clients under write lock
			if len(slow) > 0 {
				h.mu.Lock()
				for _, client := range slow {
					if _, ok := h.clients[client]; ok {
						close(client.send)
						delete(h.clients, client)
					}
				}
				h.mu.Unlock()
			}
		}
	}
}

func (h *Hub) unicast(c *Client, event *Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	select {
	case c.send <- serialize(event):
	default:
		close(c.send)
		delete(h.clients, c)
	}
}

// wants reports whether event matches the client's subscription
func (c *Client) wants(event *Event) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	switch event.Type {
	case EventViewState:
		return c.views[dashboard.View(event.View)]
	case EventVerification:
		return c.verifications
	default:
		return false
	}
}

// subscribedViews returns the client's views in name order.
func (c *Client) subscribedViews() []dashboard.View {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]dashboard.View, 0, len(c.views))
	for v := range c.views {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// applySubscription mounts newly requested views, unmounts dropped ones and
// queues the current snapshot of each new view for this client.
func (h *Hub) applySubscription(c *Client, sub Subscription) {
	want := make(map[dashboard.View]bool, len(sub.Views))
	for _, name := range sub.Views {
		v, ok := dashboard.ParseView(name)
		if !ok {
			h.sendTo(c, &Event{Type: EventError, View: name, Timestamp: time.Now().UTC(), Data: "unknown view"})
			continue
		}
		want[v] = true
	}

	c.mu.Lock()
	var added, removed []dashboard.View
	for v := range want {
		if !c.views[v] {
			added = append(added, v)
		}
	}
	for v := range c.views {
		if !want[v] {
			removed = append(removed, v)
		}
	}
	c.mu.Unlock()

	for _, v := range removed {
		if err := h.source.Unmount(v); err != nil && !errors.Is(err, dashboard.ErrNotMounted) {
			h.logger.Warn("unmount for websocket client failed", "view", v, "error", err)
		}
		c.mu.Lock()
		delete(c.views, v)
		c.mu.Unlock()
	}

	for _, v := range added {
		if err := h.source.Mount(v); err != nil {
			h.sendTo(c, &Event{Type: EventError, View: string(v), Timestamp: time.Now().UTC(), Data: err.Error()})
			continue
		}
		c.mu.Lock()
		c.views[v] = true
		c.mu.Unlock()

		if snap, err := h.source.Snapshot(v); err == nil {
			h.sendTo(c, &Event{Type: EventViewState, View: string(v), Timestamp: time.Now().UTC(), Data: snap})
		}
	}

	c.mu.Lock()
	c.verifications = sub.Verifications
	c.mu.Unlock()
}

// releaseViews unmounts every view the client held.
func (h *Hub) releaseViews(c *Client) {
	for _, v := range c.subscribedViews() {
		if err := h.source.Unmount(v); err != nil && !errors.Is(err, dashboard.ErrNotMounted) {
			h.logger.Warn("unmount on disconnect failed", "view", v, "error", err)
		}
	}
	c.mu.Lock()
	c.views = make(map[dashboard.View]bool)
	c.mu.Unlock()
}

func (h *Hub) sendTo(c *Client, event *Event) {
	select {
	case h.events <- delivery{to: c, event: event}:
	case <-h.done:
	}
}

func serialize(event *Event) []byte {
	data, _ := json.Marshal(event)
	return data
}

// Broadcast sends an event to all matching clients
func (h *Hub) Broadcast(event *Event) {
	select {
	case h.events <- delivery{event: event}:
	default:
		h.logger.Warn("event queue full, dropping broadcast", "type", event.Type, "view", event.View)
	}
}

// PublishChange forwards a dashboard view change. Suitable for
// Dashboard.OnChange: it never blocks.
func (h *Hub) PublishChange(c dashboard.Change) {
	h.Broadcast(&Event{
		Type:      EventViewState,
		View:      string(c.View),
		Timestamp: time.Now().UTC(),
		Data:      c.State,
	})
}

// PublishVerification forwards a completed verification probe.
func (h *Hub) PublishVerification(r dashboard.ProbeResult) {
	h.Broadcast(&Event{
		Type:      EventVerification,
		Timestamp: time.Now().UTC(),
		Data:      r,
	})
}

// Stats returns hub statistics
func (h *Hub) Stats() map[string]any {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return map[string]any{
		"connectedClients": len(h.clients),
		"totalEvents":      h.totalEvents.Load(),
		"totalClients":     h.totalClients.Load(),
		"peakClients":      h.peakClients.Load(),
	}
}

// HandleWebSocket upgrades HTTP to WebSocket
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	// Reject upgrades after the hub has stopped to prevent orphaned connections.
	select {
	case <-h.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()
	if n >= h.maxClients {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := newClient(h, conn)

	select {
	case h.register <- client:
	case <-h.done:
		_ = conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// readPump reads subscription updates until the connection drops, then
// releases the client's views.
func (c *Client) readPump() {
	defer func() {
		c.hub.releaseViews(c)
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(64 * 1024)
	_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) {
				c.hub.logger.Warn("websocket read error", "error", err)
			}
			break
		}

		var sub Subscription
		if err := json.Unmarshal(message, &sub); err != nil {
			c.hub.sendTo(c, &Event{Type: EventError, Timestamp: time.Now().UTC(), Data: "malformed subscription"})
			continue
		}
		c.hub.applySubscription(c, sub)
	}
}

// writePump writes messages to WebSocket
func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.hub.logger.Warn("websocket write error", "error", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.hub.logger.Debug("websocket ping failed", "error", err)
				return
			}
		}
	}
}
