package hub

import (
	"time"

	ws "github.com/gorilla/websocket"
)

const (
	sendBufSize = 64
	writeWait   = 10 * time.Second
	readLimit   = 1 << 20
)

// client is one connected observer. A single write pump drains the send
// channel, keeping per-observer delivery FIFO.
type client struct {
	hub  *Hub
	conn *ws.Conn
	send chan []byte
}

func newClient(h *Hub, conn *ws.Conn) *client {
	return &client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBufSize),
	}
}

// writePump writes queued snapshots to the connection. It exits when the
// hub closes the send channel or a write fails.
func (c *client) writePump() {
	defer c.conn.Close()
	for data := range c.send {
		if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
			c.hub.logger.Warn("websocket set deadline failed", "error", err)
			c.hub.detach(c)
			return
		}
		if err := c.conn.WriteMessage(ws.TextMessage, data); err != nil {
			c.hub.logger.Warn("websocket write failed", "error", err)
			c.hub.detach(c)
			return
		}
	}
}

// readPump consumes inbound messages (update-location reports) until the
// connection drops.
func (c *client) readPump() {
	c.conn.SetReadLimit(readLimit)
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.hub.detach(c)
			return
		}
		c.hub.handleMessage(raw)
	}
}
