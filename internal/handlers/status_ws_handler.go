package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"bridge-backend/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 54 * time.Second
)

// StatusWSHandler upgrades clients onto the status stream. The stream
// itself is public; passing ?identity=0x... narrows deposit events to
// that identity.
type StatusWSHandler struct {
	status   *services.StatusService
	upgrader websocket.Upgrader
}

func NewStatusWSHandler(status *services.StatusService) *StatusWSHandler {
	return &StatusWSHandler{
		status: status,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// HandleWebSocket serves GET /api/v1/ws.
func (h *StatusWSHandler) HandleWebSocket(c *gin.Context) {
	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logrus.WithError(err).Error("❌ WebSocket upgrade failed")
		return
	}
	defer ws.Close()

	conn := services.NewStatusConn(ws, c.Query("identity"))
	h.status.Register(conn)
	defer h.status.Unregister(conn)

	// Pong responses cross from the read goroutine to the single write
	// loop so only one goroutine ever writes.
	pongChan := make(chan struct{}, 8)
	readDone := make(chan struct{})

	go func() {
		defer close(readDone)
		ws.SetReadDeadline(time.Now().Add(wsPongWait))
		ws.SetPongHandler(func(string) error {
			ws.SetReadDeadline(time.Now().Add(wsPongWait))
			return nil
		})
		for {
			_, raw, err := ws.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					logrus.WithError(err).WithField("connId", conn.ID).Debug("WebSocket read ended")
				}
				return
			}
			ws.SetReadDeadline(time.Now().Add(wsPongWait))

			// The only client message we answer is an application ping.
			var msg struct {
				Type string `json:"type"`
			}
			if err := json.Unmarshal(raw, &msg); err != nil {
				continue
			}
			if msg.Type == "ping" {
				select {
				case pongChan <- struct{}{}:
				default:
				}
			}
		}
	}()

	pingTicker := time.NewTicker(wsPingPeriod)
	defer pingTicker.Stop()

	for {
		select {
		case data, ok := <-conn.Send:
			if !ok {
				return
			}
			ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
				logrus.WithError(err).WithField("connId", conn.ID).Debug("WebSocket write failed")
				return
			}
		case <-pongChan:
			ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := ws.WriteJSON(gin.H{"type": "pong", "timestamp": time.Now().UTC()}); err != nil {
				return
			}
		case <-pingTicker.C:
			ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-readDone:
			return
		}
	}
}
