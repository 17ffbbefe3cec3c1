package http

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/roelfdiedericks/wagate/internal/bus"
	. "github.com/roelfdiedericks/wagate/internal/logging"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPingPeriod = 30 * time.Second
	wsBuffer     = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// handleEvents streams session lifecycle events over a websocket. Events
// are dropped for a client that cannot keep up.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	events := make(chan bus.Event, wsBuffer)
	subID := bus.SubscribeEvent("session.*", func(e bus.Event) {
		select {
		case events <- e:
		default:
			L_debug("http: event dropped for slow websocket client", "topic", e.Topic)
		}
	})
	defer bus.UnsubscribeEvent(subID)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		L_warn("http: websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	clientIP := getClientIP(r)
	L_info("http: event stream opened", "ip", clientIP)

	// The read loop only notices the client going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					L_debug("http: websocket read ended", "ip", clientIP, "error", err)
				}
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-gone:
			L_info("http: event stream closed", "ip", clientIP)
			return
		case <-s.shutdownChan:
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
				time.Now().Add(wsWriteWait))
			return
		case e := <-events:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(e); err != nil {
				L_debug("http: websocket write failed", "ip", clientIP, "error", err)
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}
