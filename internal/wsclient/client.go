// Package wsclient implements the tabrelay transport over a WebSocket
// speaking the pushserver frame protocol.
package wsclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/jpalmerr/tabrelay/internal/protocol"
)

const (
	writeWait        = 5 * time.Second
	handshakeTimeout = 10 * time.Second

	// redialTimeout bounds the automatic reconnect after a dropped connection.
	redialTimeout = time.Minute
)

// ErrNotConnected is returned by Subscribe and Unsubscribe before Connect.
var ErrNotConnected = errors.New("wsclient: not connected")

// Client is a WebSocket transport. It keeps one connection, redials when the
// connection drops and restores its subscriptions afterwards.
type Client struct {
	url        string
	dialer     *websocket.Dialer
	newBackOff func() backoff.BackOff
	logger     *slog.Logger

	dialMu  sync.Mutex // serialises dials
	writeMu sync.Mutex // one writer at a time, as gorilla/websocket requires

	mu      sync.Mutex
	conn    *websocket.Conn
	gen     uint64
	subs    map[string]struct{}
	handler func(channel string, message json.RawMessage)
}

// New creates a Client for url. No connection is made until Connect.
func New(url string, logger *slog.Logger) *Client {
	return &Client{
		url:        url,
		dialer:     &websocket.Dialer{HandshakeTimeout: handshakeTimeout},
		newBackOff: defaultBackOff,
		logger:     logger.With("transport", "websocket", "url", url),
		subs:       make(map[string]struct{}),
	}
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 0 // bounded by the caller's context
	return b
}

// SetMessageHandler installs fn for inbound messages. nil discards them.
func (c *Client) SetMessageHandler(fn func(channel string, message json.RawMessage)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = fn
}

// Connect opens the connection, retrying with exponential backoff until it
// succeeds or ctx is done. Connect on an open client is a no-op.
func (c *Client) Connect(ctx context.Context) error {
	c.dialMu.Lock()
	defer c.dialMu.Unlock()

	c.mu.Lock()
	open, gen := c.conn != nil, c.gen
	c.mu.Unlock()
	if open {
		return nil
	}

	conn, attempts, err := c.dial(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		_ = conn.Close()
		return errors.New("wsclient: disconnected while connecting")
	}
	c.conn = conn
	c.mu.Unlock()

	c.logger.Debug("connected", "attempts", attempts)
	go c.readLoop(conn, gen)
	return nil
}

// dial opens a new connection with exponential backoff until it succeeds or
// ctx is done.
func (c *Client) dial(ctx context.Context) (*websocket.Conn, int, error) {
	var conn *websocket.Conn
	attempt := 0
	op := func() error {
		attempt++
		ws, _, err := c.dialer.DialContext(ctx, c.url, nil)
		if err != nil {
			c.logger.Debug("dial failed", "attempt", attempt, "error", err)
			return err
		}
		conn = ws
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(c.newBackOff(), ctx)); err != nil {
		return nil, attempt, fmt.Errorf("connect %s: %w", c.url, err)
	}
	return conn, attempt, nil
}

// Disconnect closes the connection and forgets all subscriptions. It does
// not trigger a redial.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.gen++
	c.subs = make(map[string]struct{})
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	c.sendClose(conn)
	return conn.Close()
}

func (c *Client) sendClose(conn *websocket.Conn) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

// Subscribe asks the server for channels. The subscription survives
// reconnects.
func (c *Client) Subscribe(ctx context.Context, channels []string) error {
	if len(channels) == 0 {
		return nil
	}
	conn, err := c.current()
	if err != nil {
		return err
	}
	if err := c.write(ctx, conn, protocol.Subscribe(channels)); err != nil {
		return err
	}

	c.mu.Lock()
	for _, ch := range channels {
		c.subs[ch] = struct{}{}
	}
	c.mu.Unlock()
	return nil
}

// Unsubscribe drops channels.
func (c *Client) Unsubscribe(ctx context.Context, channels []string) error {
	if len(channels) == 0 {
		return nil
	}
	conn, err := c.current()
	if err != nil {
		return err
	}
	if err := c.write(ctx, conn, protocol.Unsubscribe(channels)); err != nil {
		return err
	}

	c.mu.Lock()
	for _, ch := range channels {
		delete(c.subs, ch)
	}
	c.mu.Unlock()
	return nil
}

// Publish sends data on channel. It uses the open connection if there is
// one. Otherwise the frame goes over a connection dialled for this call and
// closed once the server has read it.
func (c *Client) Publish(ctx context.Context, channel string, data json.RawMessage) error {
	f := protocol.Publish(channel, data)
	if conn, err := c.current(); err == nil {
		return c.write(ctx, conn, f)
	}

	conn, _, err := c.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := c.write(ctx, conn, f); err != nil {
		return err
	}
	c.sendClose(conn)

	// wait for the server's close reply so the frame is not lost to a reset
	_ = conn.SetReadDeadline(time.Now().Add(writeWait))
	for {
		if _, _, err := conn.NextReader(); err != nil {
			return nil
		}
	}
}

// Subscriptions returns the channels currently requested, sorted.
func (c *Client) Subscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.subs))
	for ch := range c.subs {
		out = append(out, ch)
	}
	slices.Sort(out)
	return out
}

func (c *Client) current() (*websocket.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil, ErrNotConnected
	}
	return c.conn, nil
}

func (c *Client) write(ctx context.Context, conn *websocket.Conn, f protocol.Frame) error {
	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteJSON(f); err != nil {
		return fmt.Errorf("write %s frame: %w", f.Type, err)
	}
	return nil
}

// readLoop delivers message frames until conn fails.
func (c *Client) readLoop(conn *websocket.Conn, gen uint64) {
	for {
		var f protocol.Frame
		if err := conn.ReadJSON(&f); err != nil {
			c.dropped(conn, gen, err)
			return
		}

		switch f.Type {
		case protocol.TypeMessage:
			c.mu.Lock()
			fn := c.handler
			c.mu.Unlock()
			if fn != nil {
				fn(f.Channel, f.Data)
			}
		case protocol.TypeError:
			c.logger.Warn("server rejected frame", "error", f.Error)
		default:
			c.logger.Debug("ignoring frame", "type", f.Type)
		}
	}
}

// dropped handles the end of a connection. A connection closed by
// Disconnect is left alone; any other loss of a subscribed connection
// triggers a redial.
func (c *Client) dropped(conn *websocket.Conn, gen uint64, err error) {
	c.mu.Lock()
	if c.conn != conn || c.gen != gen {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	resubscribe := len(c.subs) > 0
	c.mu.Unlock()

	_ = conn.Close()
	if !resubscribe {
		c.logger.Debug("connection closed", "error", err)
		return
	}
	c.logger.Warn("connection lost, redialling", "error", err)
	go c.redial(gen)
}

func (c *Client) redial(gen uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), redialTimeout)
	defer cancel()

	c.mu.Lock()
	stale := c.gen != gen
	c.mu.Unlock()
	if stale {
		return
	}

	if err := c.Connect(ctx); err != nil {
		c.logger.Error("redial failed", "error", err)
		return
	}

	if channels := c.Subscriptions(); len(channels) > 0 {
		if err := c.Subscribe(ctx, channels); err != nil {
			c.logger.Warn("resubscribe failed", "error", err)
		}
	}
}
