package server

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"pharmaline/internal/events"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Auth middleware already vetted the request.
	CheckOrigin: func(r *http.Request) bool { return true },
}

const (
	streamWriteWait   = 10 * time.Second
	streamPingPeriod  = 30 * time.Second
	streamSendBacklog = 64
)

// streamHandler upgrades to a websocket and forwards live events.
// A client that cannot keep up has events dropped, not queued forever;
// the events endpoint serves the complete log.
func streamHandler(bus *events.Bus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		batchID := r.URL.Query().Get("batch_id")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		send := make(chan events.Event, streamSendBacklog)
		unsubscribe := bus.Subscribe(func(e events.Event) {
			if batchID != "" && e.BatchID != batchID {
				return
			}
			select {
			case send <- e:
			default:
			}
		})
		defer unsubscribe()
		defer conn.Close()

		done := make(chan struct{})
		go func() {
			defer close(done)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		ticker := time.NewTicker(streamPingPeriod)
		defer ticker.Stop()
		for {
			select {
			case e := <-send:
				conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
				if err := conn.WriteJSON(e); err != nil {
					return
				}
			case <-ticker.C:
				conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}
}
