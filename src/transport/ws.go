// Package transport owns the WebSocket boundary: it upgrades HTTP requests
// and hands the raw connection to a new session as a types.Transport.
package transport

import (
	"strings"

	"github.com/fasthttp/websocket"
	"github.com/rs/zerolog"
	"github.com/valyala/fasthttp"

	"github.com/canal-chat/canal/src/room"
	"github.com/canal-chat/canal/src/service"
)

var upgrader = websocket.FastHTTPUpgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// wsConn adapts a fasthttp websocket connection to types.Transport.
type wsConn struct {
	conn *websocket.Conn
}

func (w *wsConn) Receive() (string, error) {
	_, data, err := w.conn.ReadMessage()
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (w *wsConn) Send(payload string) error {
	return w.conn.WriteMessage(websocket.TextMessage, []byte(payload))
}

func (w *wsConn) Close() error {
	return w.conn.Close()
}

// Handler returns a raw fasthttp handler for WebSocket upgrades at
// "/ws/{room}". The room name is validated before the upgrade so a bad
// name is rejected with a plain HTTP error instead of an opened-then-closed
// socket.
func Handler(svc *service.Service, logger zerolog.Logger) fasthttp.RequestHandler {
	log := logger.With().Str("component", "ws-transport").Logger()

	return func(ctx *fasthttp.RequestCtx) {
		if !strings.EqualFold(string(ctx.Request.Header.Peek("Upgrade")), "websocket") {
			ctx.SetStatusCode(fasthttp.StatusUpgradeRequired)
			ctx.SetBodyString(`{"error":"upgrade_required","message":"WebSocket upgrade required"}`)
			return
		}

		name, ok := roomFromPath(string(ctx.Path()))
		if !ok {
			ctx.SetStatusCode(fasthttp.StatusBadRequest)
			ctx.SetBodyString(`{"error":"invalid_room","message":"room must match [A-Za-z0-9_-]{1,128}"}`)
			return
		}

		err := upgrader.Upgrade(ctx, func(conn *websocket.Conn) {
			sess, err := svc.OpenSession(name, &wsConn{conn: conn})
			if err != nil {
				// The session already closed the transport during abort.
				log.Warn().Err(err).Str("room", name).Msg("session rejected")
				return
			}
			go sess.WritePump()
			sess.ReadPump()
		})
		if err != nil {
			log.Error().Err(err).Msg("websocket upgrade failed")
		}
	}
}

// roomFromPath extracts and validates the room segment of "/ws/{room}".
func roomFromPath(path string) (string, bool) {
	name, found := strings.CutPrefix(path, "/ws/")
	if !found || !room.ValidName(name) {
		return "", false
	}
	return name, true
}
