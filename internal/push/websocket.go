package push

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	sendBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// ServeHTTP upgrades the request to a WebSocket and streams messages of the
// channels named by the repeated "channel" query parameter, or of every
// channel when none is given.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	buf := h.SendBuffer
	if buf <= 0 {
		buf = sendBuffer
	}
	id, msgs := h.Subscribe(buf, r.URL.Query()["channel"]...)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.Unsubscribe(id)
		h.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	h.log.Info("push client connected", "subscriber", id, "remote", r.RemoteAddr)

	done := make(chan struct{})
	go func() {
		defer close(done)
		readPump(conn)
	}()
	writePump(conn, msgs, done)

	h.Unsubscribe(id)
	conn.Close()
	h.log.Info("push client disconnected", "subscriber", id)
}

// readPump discards client frames until the connection fails, keeping the
// pong deadline fresh.
func readPump(conn *websocket.Conn) {
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func writePump(conn *websocket.Conn, msgs <-chan Message, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case m, ok := <-msgs:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := conn.WriteJSON(m); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
