package pushserver

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/jpalmerr/tabrelay/internal/protocol"
)

type opKind int

const (
	opRegister opKind = iota
	opUnregister
	opSubscribe
	opUnsubscribe
	opPublish
	opReply
	opStats
)

// op is a request to the hub goroutine.
type op struct {
	kind     opKind
	conn     *conn
	channels []string
	channel  string
	frame    []byte
	result   chan int
}

// Hub owns the channel → connections map. Every mutation goes through Run,
// so no locking is needed.
type Hub struct {
	ops  chan op
	done chan struct{}

	conns    map[*conn]struct{}
	channels map[string]map[*conn]struct{}
	logger   *slog.Logger
}

// NewHub creates a Hub. Call Run to start it.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		ops:      make(chan op),
		done:     make(chan struct{}),
		conns:    make(map[*conn]struct{}),
		channels: make(map[string]map[*conn]struct{}),
		logger:   logger,
	}
}

// Run processes hub operations until ctx is cancelled, then closes every
// connection.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			for c := range h.conns {
				h.drop(c)
			}
			return
		case o := <-h.ops:
			h.apply(o)
		}
	}
}

func (h *Hub) apply(o op) {
	switch o.kind {
	case opRegister:
		h.conns[o.conn] = struct{}{}
		h.logger.Debug("connection registered", "conn_id", o.conn.id, "connections", len(h.conns))

	case opUnregister:
		h.drop(o.conn)

	case opSubscribe:
		if _, ok := h.conns[o.conn]; !ok {
			return
		}
		for _, ch := range o.channels {
			if h.channels[ch] == nil {
				h.channels[ch] = make(map[*conn]struct{})
			}
			h.channels[ch][o.conn] = struct{}{}
			o.conn.channels[ch] = struct{}{}
		}

	case opUnsubscribe:
		for _, ch := range o.channels {
			h.leave(o.conn, ch)
		}

	case opPublish:
		n := 0
		for c := range h.channels[o.channel] {
			select {
			case c.send <- o.frame:
				n++
			default:
				h.logger.Warn("dropping slow connection", "conn_id", c.id)
				h.drop(c)
			}
		}
		o.result <- n

	case opReply:
		if _, ok := h.conns[o.conn]; !ok {
			return
		}
		select {
		case o.conn.send <- o.frame:
		default:
			h.drop(o.conn)
		}

	case opStats:
		if o.channel != "" {
			o.result <- len(h.channels[o.channel])
			return
		}
		o.result <- len(h.conns)
	}
}

func (h *Hub) leave(c *conn, channel string) {
	delete(c.channels, channel)
	subs, ok := h.channels[channel]
	if !ok {
		return
	}
	delete(subs, c)
	if len(subs) == 0 {
		delete(h.channels, channel)
	}
}

// drop forgets c and closes its send queue, which ends its writer.
func (h *Hub) drop(c *conn) {
	if _, ok := h.conns[c]; !ok {
		return
	}
	for ch := range c.channels {
		h.leave(c, ch)
	}
	delete(h.conns, c)
	close(c.send)
	h.logger.Debug("connection removed", "conn_id", c.id, "connections", len(h.conns))
}

// submit hands o to the hub. It reports false once the hub has stopped.
func (h *Hub) submit(o op) bool {
	select {
	case h.ops <- o:
		return true
	case <-h.done:
		return false
	}
}

// Publish sends data to every connection subscribed to channel and returns
// how many received it.
func (h *Hub) Publish(channel string, data json.RawMessage) (int, error) {
	frame, err := json.Marshal(protocol.Message(channel, data))
	if err != nil {
		return 0, err
	}
	result := make(chan int, 1)
	if !h.submit(op{kind: opPublish, channel: channel, frame: frame, result: result}) {
		return 0, errHubStopped
	}
	return <-result, nil
}

// Connections returns the number of open connections.
func (h *Hub) Connections() int {
	return h.count("")
}

// Subscribers returns the number of connections subscribed to channel.
func (h *Hub) Subscribers(channel string) int {
	return h.count(channel)
}

func (h *Hub) count(channel string) int {
	result := make(chan int, 1)
	if !h.submit(op{kind: opStats, channel: channel, result: result}) {
		return 0
	}
	return <-result
}
