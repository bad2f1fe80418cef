package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/rand"
	"slices"
	"sync"
	"time"

	"github.com/jpalmerr/tabrelay"
)

// mockFeed is an in-process push service. Each transport it hands out is one
// connection; the feed counts connections so the demo can show that only the
// leader holds one.
type mockFeed struct {
	mu    sync.Mutex
	conns map[*feedConn]struct{}
}

func newMockFeed() *mockFeed {
	return &mockFeed{conns: make(map[*feedConn]struct{})}
}

// Transport returns a new, unconnected transport on the feed.
func (f *mockFeed) Transport() tabrelay.Transport {
	return &feedConn{feed: f, subs: make(map[string]struct{})}
}

// Connections returns the number of connected transports.
func (f *mockFeed) Connections() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.conns)
}

// publish delivers data to every connection subscribed to channel.
func (f *mockFeed) publish(channel string, data json.RawMessage) {
	f.mu.Lock()
	var targets []func(string, json.RawMessage)
	for c := range f.conns {
		if _, ok := c.subs[channel]; ok && c.handler != nil {
			targets = append(targets, c.handler)
		}
	}
	f.mu.Unlock()

	for _, fn := range targets {
		fn(channel, data)
	}
}

// Run publishes a random price on each channel every interval until ctx is
// done.
func (f *mockFeed) Run(ctx context.Context, interval time.Duration, channels ...string) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	prices := make(map[string]float64, len(channels))
	for _, ch := range channels {
		prices[ch] = 100
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, ch := range channels {
				// random walk of up to ±2%
				prices[ch] *= 1 + (rand.Float64()-0.5)*0.04
				data, err := json.Marshal(map[string]any{"symbol": ch, "price": prices[ch]})
				if err != nil {
					slog.Error("failed to encode price", "error", err)
					continue
				}
				f.publish(ch, data)
			}
		}
	}
}

// feedConn implements tabrelay.Transport and tabrelay.Disconnector.
type feedConn struct {
	feed    *mockFeed
	subs    map[string]struct{}
	handler func(string, json.RawMessage)
}

func (c *feedConn) Connect(context.Context) error {
	c.feed.mu.Lock()
	defer c.feed.mu.Unlock()
	c.feed.conns[c] = struct{}{}
	return nil
}

func (c *feedConn) Disconnect() error {
	c.feed.mu.Lock()
	defer c.feed.mu.Unlock()
	delete(c.feed.conns, c)
	clear(c.subs)
	return nil
}

func (c *feedConn) Subscribe(_ context.Context, channels []string) error {
	c.feed.mu.Lock()
	defer c.feed.mu.Unlock()
	for _, ch := range channels {
		c.subs[ch] = struct{}{}
	}
	return nil
}

func (c *feedConn) Unsubscribe(_ context.Context, channels []string) error {
	c.feed.mu.Lock()
	defer c.feed.mu.Unlock()
	for _, ch := range channels {
		delete(c.subs, ch)
	}
	return nil
}

func (c *feedConn) Publish(_ context.Context, channel string, data json.RawMessage) error {
	c.feed.publish(channel, slices.Clone(data))
	return nil
}

func (c *feedConn) SetMessageHandler(fn func(string, json.RawMessage)) {
	c.feed.mu.Lock()
	defer c.feed.mu.Unlock()
	c.handler = fn
}
