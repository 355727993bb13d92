package webui

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024
	sendQueueSize  = 64
)

// Client is one connected dashboard socket.
type Client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	t    *Transport
}

func newClient(conn *websocket.Conn, t *Transport) *Client {
	return &Client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, sendQueueSize),
		t:    t,
	}
}

// enqueue queues a marshalled frame; a full queue drops the frame and
// the client catches up via resume.
func (c *Client) enqueue(raw []byte) {
	select {
	case c.send <- raw:
	default:
		slog.Warn("webui client send queue full, dropping frame", "client", c.id)
	}
}

func (c *Client) run(ctx context.Context) {
	go c.writePump()
	c.readPump(ctx)
}

func (c *Client) readPump(ctx context.Context) {
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("webui read error", "client", c.id, "error", err)
			}
			return
		}
		c.t.handleFrame(ctx, c, raw)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case raw, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) close() {
	close(c.send)
}
