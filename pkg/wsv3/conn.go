package wsv3

import (
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024
)

var upgrader = websocket.Upgrader{
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// wsConn adapts a gorilla/websocket connection to the Sender interface the
// Hub's Client uses, grounded on the teacher's
// pkg/api/websocket.go BufferWebSocketHandler (ping ticker, read deadline
// bumped by pong, writeWait deadline on every write). The Client's send
// loop is the only caller of Send; pings go out through WriteControl,
// which gorilla/websocket allows alongside that single data writer.
type wsConn struct {
	conn *websocket.Conn
}

func (w *wsConn) Send(frame []byte) error {
	w.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return w.conn.WriteMessage(websocket.BinaryMessage, frame)
}

func (w *wsConn) Close() error {
	return w.conn.Close()
}

// ServeUpgrade upgrades an incoming HTTP request to a WS v3 connection,
// registers it with hub under the caller-supplied clientID, and runs its
// read loop until the socket closes. Call this from an HTTP handler.
func ServeUpgrade(hub *Hub, clientID string, w http.ResponseWriter, r *http.Request) {
	raw, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[WARN] wsv3: upgrade failed: %v", err)
		return
	}

	raw.SetReadLimit(maxMessageSize)
	raw.SetReadDeadline(time.Now().Add(pongWait))
	raw.SetPongHandler(func(string) error {
		raw.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	client := hub.Connect(clientID, &wsConn{conn: raw})
	defer client.Close()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	go func() {
		for range ticker.C {
			if err := raw.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}()

	for {
		msgType, message, err := raw.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		client.Dispatch(message)
	}
}
