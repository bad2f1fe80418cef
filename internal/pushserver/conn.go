package pushserver

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/jpalmerr/tabrelay/internal/protocol"
)

const (
	// writeWait bounds a single frame write, so a stalled client cannot pin
	// its writer goroutine.
	writeWait = 5 * time.Second

	// pongWait is how long a connection may stay silent before it is closed.
	pongWait = 60 * time.Second

	// pingPeriod must be shorter than pongWait.
	pingPeriod = pongWait * 9 / 10

	// maxFrameSize bounds inbound frames.
	maxFrameSize = 1 << 20

	// sendBuffer is the per-connection outbound queue.
	sendBuffer = 256
)

// conn is one WebSocket client. channels is owned by the hub goroutine.
type conn struct {
	id       string
	ws       *websocket.Conn
	send     chan []byte
	limiter  *rate.Limiter
	hub      *Hub
	channels map[string]struct{}
	logger   *slog.Logger
}

// reader decodes client frames until the connection fails.
func (c *conn) reader() {
	defer func() {
		c.hub.submit(op{kind: opUnregister, conn: c})
		_ = c.ws.Close()
	}()

	c.ws.SetReadLimit(maxFrameSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("connection read failed", "error", err)
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))

		var f protocol.Frame
		if err := json.Unmarshal(raw, &f); err != nil {
			c.reply(protocol.Error("malformed frame"))
			continue
		}
		if err := f.Validate(); err != nil {
			c.reply(protocol.Error(err.Error()))
			continue
		}
		if !c.handle(f) {
			return
		}
	}
}

// handle applies one client frame. It returns false once the hub is gone.
func (c *conn) handle(f protocol.Frame) bool {
	switch f.Type {
	case protocol.TypeSubscribe:
		return c.hub.submit(op{kind: opSubscribe, conn: c, channels: f.Channels})
	case protocol.TypeUnsubscribe:
		return c.hub.submit(op{kind: opUnsubscribe, conn: c, channels: f.Channels})
	case protocol.TypePublish:
		if !c.limiter.Allow() {
			c.logger.Warn("publish rate limited", "channel", f.Channel)
			c.reply(protocol.Error("rate limit exceeded"))
			return true
		}
		if _, err := c.hub.Publish(f.Channel, f.Data); err != nil {
			return false
		}
		return true
	default:
		c.reply(protocol.Error("unexpected frame type " + f.Type))
		return true
	}
}

func (c *conn) reply(f protocol.Frame) {
	b, err := json.Marshal(f)
	if err != nil {
		return
	}
	c.hub.submit(op{kind: opReply, conn: c, frame: b})
}

// writer drains the send queue and keeps the connection alive with pings.
func (c *conn) writer() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// hub closed the queue
				_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
