// Package events pushes incident notifications to connected WebSocket
// clients and hosts the daemon's HTTP surface.
package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"sitewatch/internal/dedup"
	"sitewatch/internal/logging"
)

const writeTimeout = 10 * time.Second

// Envelope is the wire format for incident events.
type Envelope struct {
	Event     string          `json:"event"` // violation:new | violation:escalated
	CameraID  string          `json:"camera_id"`
	Timestamp time.Time       `json:"timestamp"`
	Incident  *dedup.Incident `json:"incident"`
}

// Hub manages WebSocket connections. A client either watches every
// camera or joins a single camera's room; incident events go to all
// global watchers plus the matching room. Implements dedup.Publisher.
type Hub struct {
	log zerolog.Logger

	mu     sync.RWMutex
	global map[*websocket.Conn]bool
	rooms  map[string]map[*websocket.Conn]bool
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		log:    logging.Component("events"),
		global: make(map[*websocket.Conn]bool),
		rooms:  make(map[string]map[*websocket.Conn]bool),
	}
}

// Register adds a connection. An empty cameraID means the client
// watches all cameras.
func (h *Hub) Register(cameraID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cameraID == "" {
		h.global[conn] = true
	} else {
		if h.rooms[cameraID] == nil {
			h.rooms[cameraID] = make(map[*websocket.Conn]bool)
		}
		h.rooms[cameraID][conn] = true
	}
	h.log.Debug().Str("camera_id", cameraID).Int("clients", h.countLocked()).Msg("client registered")
}

// Unregister removes a connection.
func (h *Hub) Unregister(cameraID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cameraID == "" {
		delete(h.global, conn)
	} else if room, ok := h.rooms[cameraID]; ok {
		delete(room, conn)
		if len(room) == 0 {
			delete(h.rooms, cameraID)
		}
	}
}

// Publish implements dedup.Publisher.
func (h *Hub) Publish(event string, cameraID string, inc *dedup.Incident) {
	env := Envelope{
		Event:     event,
		CameraID:  cameraID,
		Timestamp: time.Now().UTC(),
		Incident:  inc,
	}
	data, err := json.Marshal(env)
	if err != nil {
		h.log.Error().Err(err).Str("event", event).Msg("marshaling event failed")
		return
	}

	h.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(h.global))
	for conn := range h.global {
		conns = append(conns, conn)
	}
	for conn := range h.rooms[cameraID] {
		conns = append(conns, conn)
	}
	h.mu.RUnlock()

	for _, conn := range conns {
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			h.log.Debug().Err(err).Msg("dropping unwritable client")
			h.drop(conn)
			conn.Close()
		}
	}
}

// drop removes a connection wherever it is registered.
func (h *Hub) drop(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.global, conn)
	for cameraID, room := range h.rooms {
		delete(room, conn)
		if len(room) == 0 {
			delete(h.rooms, cameraID)
		}
	}
}

// ClientCount returns the total number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.countLocked()
}

func (h *Hub) countLocked() int {
	count := len(h.global)
	for _, room := range h.rooms {
		count += len(room)
	}
	return count
}

var _ dedup.Publisher = (*Hub)(nil)
