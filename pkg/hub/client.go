package hub

import (
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/gofiber/websocket/v2"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// Viewers only send control frames and pongs.
	maxMessageSize = 4 * 1024

	// eventBuffer is the per-client queue of JSON events. Preview frames
	// do not queue; see Client.frame.
	eventBuffer = 64
)

// Client is one viewer socket. JSON events are queued in order; preview
// frames are latest-wins, so a viewer that falls behind skips frames
// instead of lagging or being dropped.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	logger *slog.Logger

	events chan Message
	frame  chan []byte   // capacity 1, written only by the hub loop
	quit   chan struct{} // closed by the hub loop on unregister or Stop

	skipped atomic.Int64
}

// NewClient registers conn with hub. It returns nil if the hub was stopped.
func NewClient(hub *Hub, conn *websocket.Conn) *Client {
	remote := ""
	if conn != nil && conn.Conn != nil {
		remote = conn.RemoteAddr().String()
	}
	c := newClient(hub, conn, eventBuffer)
	c.logger = hub.logger.With("remote", remote)
	select {
	case hub.register <- c:
		return c
	case <-hub.done:
		return nil
	}
}

func newClient(hub *Hub, conn *websocket.Conn, buffer int) *Client {
	return &Client{
		hub:    hub,
		conn:   conn,
		logger: hub.logger,
		events: make(chan Message, buffer),
		frame:  make(chan []byte, 1),
		quit:   make(chan struct{}),
	}
}

// Send queues msg for this client only. It must be called from the hub
// loop (OnRegister). Binary messages replace any frame not yet written;
// JSON messages report false when the queue is full.
func (c *Client) Send(msg Message) bool {
	if msg.Type == BinaryMessage {
		c.offerFrame(msg.Data)
		return true
	}
	select {
	case c.events <- msg:
		return true
	default:
		return false
	}
}

// offerFrame stores data as the next preview frame. The hub loop is the
// only writer, so after draining the slot the send cannot block.
func (c *Client) offerFrame(data []byte) {
	select {
	case <-c.frame:
		c.skipped.Add(1)
	default:
	}
	select {
	case c.frame <- data:
	default:
	}
}

// Skipped returns how many preview frames were replaced before being
// written.
func (c *Client) Skipped() int64 {
	return c.skipped.Load()
}

// Run starts the write pump and blocks reading until the socket closes.
func (c *Client) Run() {
	go c.writePump()
	c.readPump()
}

func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		kind, _, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("viewer read failed", "error", err)
			}
			return
		}
		c.logger.Debug("ignoring viewer message", "kind", kind)
	}
}

// writePump owns every write to the socket. Queued events go out before
// the pending frame so state changes are never starved by video.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.logger.Debug("viewer closed", "skipped_frames", c.skipped.Load())
	}()

	for {
		select {
		case <-c.quit:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case msg := <-c.events:
			if !c.write(websocket.TextMessage, msg.Data) {
				return
			}
			continue
		default:
		}

		select {
		case <-c.quit:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case msg := <-c.events:
			if !c.write(websocket.TextMessage, msg.Data) {
				return
			}
		case data := <-c.frame:
			if !c.write(websocket.BinaryMessage, data) {
				return
			}
		case <-ticker.C:
			if !c.write(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

func (c *Client) write(kind int, data []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(kind, data); err != nil {
		c.logger.Debug("viewer write failed", "error", err)
		return false
	}
	return true
}
