package intercom

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// wsConn is the subset of *websocket.Conn used by the client.
type wsConn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

type dialFunc func(ctx context.Context, url string) (wsConn, error)

func websocketDialer(handshakeTimeout time.Duration) dialFunc {
	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: handshakeTimeout,
	}
	return func(ctx context.Context, url string) (wsConn, error) {
		conn, resp, err := dialer.DialContext(ctx, url, nil)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}
