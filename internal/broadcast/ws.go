package broadcast

import (
	"context"
	"net/http"
	"time"

	"nhooyr.io/websocket"
)

// wsConn is the part of *websocket.Conn the pumps use.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// ServeHTTP upgrades the request and streams broadcasts to the client
// until it disconnects or the hub stops. Incoming messages are discarded.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	opts := &websocket.AcceptOptions{}
	if len(h.allowedOrigins) > 0 {
		opts.OriginPatterns = h.allowedOrigins
	}

	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		h.logger.Error("ws accept", "err", err)
		return
	}
	conn.SetReadLimit(4096)

	c := &client{
		conn: conn,
		send: make(chan []byte, 64),
	}

	select {
	case h.register <- c:
	case <-h.done:
		conn.Close(websocket.StatusGoingAway, "server shutdown")
		return
	}

	go h.writePump(c)
	h.readPump(c)
}

func (h *Hub) writePump(c *client) {
	for msg := range c.send {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := c.conn.Write(ctx, websocket.MessageText, msg)
		cancel()
		if err != nil {
			return
		}
	}
	c.conn.Close(websocket.StatusNormalClosure, "")
}

func (h *Hub) readPump(c *client) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.done:
			c.conn.Close(websocket.StatusGoingAway, "server shutdown")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		select {
		case <-h.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		if _, _, err := c.conn.Read(ctx); err != nil {
			return
		}
	}
}
