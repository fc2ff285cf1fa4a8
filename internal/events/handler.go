package events

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"sitewatch/internal/logging"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 16 * 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Dashboard and daemon are deployed behind the same reverse
		// proxy; origin enforcement happens there.
		return true
	},
}

// wsHandler upgrades /ws requests. An optional camera_id query
// parameter scopes the subscription to one camera's room.
func wsHandler(hub *Hub) http.HandlerFunc {
	log := logging.Component("events")
	return func(w http.ResponseWriter, r *http.Request) {
		cameraID := r.URL.Query().Get("camera_id")

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn().Err(err).Msg("websocket upgrade failed")
			return
		}
		log.Debug().Str("camera_id", cameraID).Str("remote", r.RemoteAddr).Msg("websocket connected")

		hub.Register(cameraID, conn)
		go readPump(hub, cameraID, conn)
	}
}

// readPump keeps the connection alive with pings and detects client
// disconnects. Clients are not expected to send payloads.
func readPump(hub *Hub, cameraID string, conn *websocket.Conn) {
	defer func() {
		hub.Unregister(cameraID, conn)
		conn.Close()
	}()

	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	// done stops the ping loop when the read side returns; stopping the
	// ticker alone would leave the goroutine parked forever.
	done := make(chan struct{})
	defer close(done)

	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
