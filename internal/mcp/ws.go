package mcp

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/websocket"
)

// wsUpgrader serves the protocol over WebSocket: one JSON-RPC message
// per text frame in each direction. Auth is checked once, before the
// upgrade; the connection then stays authenticated for its lifetime.
type wsUpgrader struct {
	transport *HTTPTransport
	upgrader  websocket.Upgrader
}

func newWSUpgrader(t *HTTPTransport) *wsUpgrader {
	return &wsUpgrader{
		transport: t,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  maxLineSize,
			WriteBufferSize: maxLineSize,
			// Browser origins already pass the permissive CORS
			// policy on the plain HTTP endpoint.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

func (u *wsUpgrader) handle(w http.ResponseWriter, r *http.Request) {
	if err := u.transport.auth.authorize(r); err != nil {
		writeAuthError(w, err)
		return
	}

	conn, err := u.upgrader.Upgrade(w, r, nil)
	if err != nil {
		u.transport.logger.Warn(r.Context(), "websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ctx := r.Context()
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				u.transport.logger.Warn(ctx, "websocket read failed", "error", err)
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		resp := u.transport.server.Handle(ctx, data, "ws")
		if resp == nil {
			continue
		}
		payload, err := json.Marshal(resp)
		if err != nil {
			u.transport.logger.Error(ctx, "websocket response encode failed", "error", err)
			continue
		}
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			u.transport.logger.Warn(ctx, "websocket write failed", "error", err)
			return
		}
	}
}
