package httpserver

import (
	"errors"
	"log/slog"
	"net"

	"github.com/coder/websocket"
)

// closeWebsocket performs a normal close handshake, ignoring peers that are
// already gone.
func closeWebsocket(logger *slog.Logger, conn *websocket.Conn) {
	if conn == nil {
		return
	}
	err := conn.Close(websocket.StatusNormalClosure, "")
	if err == nil || errors.Is(err, net.ErrClosed) || websocket.CloseStatus(err) != -1 {
		return
	}
	if logger != nil {
		logger.Debug("websocket close failed", "err", err)
	}
}
