package mcp

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/groundline-ai/groundline/pkg/log"
)

const wsWriteTimeout = 10 * time.Second

// WSTransport upgrades HTTP connections to WebSocket and runs one
// session per connection. Text frames carry the same line-protocol
// payloads as stdio, one message per frame.
type WSTransport struct {
	srv      *Server
	upgrader websocket.Upgrader
}

// NewWSTransport builds the transport.
func NewWSTransport(srv *Server) *WSTransport {
	return &WSTransport{
		srv: srv,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Deployments sit behind their own origin policy.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// wsConn serializes writes to one connection.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) Notify(n Notification) error {
	payload, err := marshalNotification(n)
	if err != nil {
		return err
	}
	return c.write(payload)
}

func (c *wsConn) write(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

// ServeHTTP implements http.Handler.
func (t *WSTransport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logger := log.WithModule("mcp.ws")
	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	defer conn.Close()

	wc := &wsConn{conn: conn}
	sess := t.srv.NewSession(wc)
	defer sess.Close()

	logger.Debug("connection opened", "remote", r.RemoteAddr)
	for {
		kind, payload, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Warn("connection dropped", "remote", r.RemoteAddr, "error", err)
			}
			return
		}
		if kind != websocket.TextMessage {
			continue
		}
		// Notifications stay on the read loop so a cancellation reaches
		// its in-flight request; requests run concurrently.
		if isNotification(payload) {
			if resp := sess.Handle(r.Context(), payload); resp != nil {
				if err := wc.write(resp); err != nil {
					logger.Warn("write failed", "remote", r.RemoteAddr, "error", err)
					return
				}
			}
			continue
		}
		go func(msg []byte) {
			resp := sess.Handle(r.Context(), msg)
			if resp == nil {
				return
			}
			if err := wc.write(resp); err != nil {
				logger.Warn("write failed", "remote", r.RemoteAddr, "error", err)
			}
		}(payload)
	}
}
