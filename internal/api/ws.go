package api

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mini-rodalies-3d/transitsync/internal/progress"
	"github.com/mini-rodalies-3d/transitsync/internal/realtime/poller"
)

const writeWait = 5 * time.Second

// VehiclesMessage is pushed to websocket clients after every cycle
type VehiclesMessage struct {
	Type     string            `json:"type"`
	PolledAt time.Time         `json:"polledAt"`
	Markers  []progress.Marker `json:"markers"`
	Followed *progress.Marker  `json:"followed,omitempty"`
}

// HubMetrics receives the connected client count
type HubMetrics interface {
	WSClientsSet(n int)
}

// Hub keeps websocket clients and broadcasts each poll cycle to them
type Hub struct {
	upgrader websocket.Upgrader
	latest   func() *poller.Cycle
	metrics  HubMetrics

	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
}

// NewHub creates a hub. latest supplies the snapshot sent on connect and may be nil.
func NewHub(latest func() *poller.Cycle, m HubMetrics) *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		latest:  latest,
		metrics: m,
		clients: make(map[*websocket.Conn]struct{}),
	}
}

// ServeHTTP upgrades the connection and sends the latest cycle right away
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("API: ws upgrade error: %v", err)
		return
	}

	var initial *poller.Cycle
	if h.latest != nil {
		initial = h.latest()
	}
	data, _ := json.Marshal(newVehiclesMessage(initial))

	// register under the lock so a concurrent broadcast cannot interleave with the first write
	h.mu.Lock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	err = conn.WriteMessage(websocket.TextMessage, data)
	if err == nil {
		h.clients[conn] = struct{}{}
	}
	n := len(h.clients)
	h.mu.Unlock()

	if err != nil {
		conn.Close()
		return
	}
	h.reportClients(n)
	go h.readPump(conn)
}

// Broadcast sends the cycle's markers to every client, dropping those that fail
func (h *Hub) Broadcast(c *poller.Cycle) {
	data, err := json.Marshal(newVehiclesMessage(c))
	if err != nil {
		log.Printf("API: failed to encode broadcast: %v", err)
		return
	}

	h.mu.Lock()
	for conn := range h.clients {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			conn.Close()
			delete(h.clients, conn)
		}
	}
	n := len(h.clients)
	h.mu.Unlock()
	h.reportClients(n)
}

// Clients returns the number of connected clients
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every client
func (h *Hub) Close() {
	h.mu.Lock()
	for conn := range h.clients {
		conn.Close()
		delete(h.clients, conn)
	}
	h.mu.Unlock()
	h.reportClients(0)
}

func (h *Hub) readPump(conn *websocket.Conn) {
	defer func() {
		h.mu.Lock()
		delete(h.clients, conn)
		n := len(h.clients)
		h.mu.Unlock()
		conn.Close()
		h.reportClients(n)
	}()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) reportClients(n int) {
	if h.metrics != nil {
		h.metrics.WSClientsSet(n)
	}
}

func newVehiclesMessage(c *poller.Cycle) VehiclesMessage {
	msg := VehiclesMessage{Type: "vehicles", Markers: []progress.Marker{}}
	if c == nil {
		return msg
	}
	msg.PolledAt = c.PolledAt
	if all := c.AllMarkers(); all != nil {
		msg.Markers = all
	}
	msg.Followed = c.Followed
	return msg
}
