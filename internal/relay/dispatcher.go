package relay

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"
	"sync"

	"github.com/google/uuid"
)

// Handler receives the raw JSON message delivered on a channel.
type Handler func(message json.RawMessage)

// Selector picks handlers on one channel for removal. A zero Selector picks
// every handler. A non-zero ID picks that handler only; otherwise a non-empty
// Namespace picks every handler registered under it.
type Selector struct {
	ID        uint64
	Namespace string
}

type entry struct {
	id        uint64
	namespace string
	fn        Handler
}

// Dispatcher keeps the handlers registered in one tab and invokes them.
// It is safe for concurrent use.
type Dispatcher struct {
	mu       sync.Mutex
	nextID   uint64
	handlers map[string][]entry
	logger   *slog.Logger
}

// NewDispatcher creates an empty [Dispatcher].
func NewDispatcher(logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		handlers: make(map[string][]entry),
		logger:   logger,
	}
}

// Add registers fn on channel. first reports whether channel had no handlers
// before this call.
func (d *Dispatcher) Add(channel, namespace string, fn Handler) (id uint64, first bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.nextID++
	first = len(d.handlers[channel]) == 0
	d.handlers[channel] = append(d.handlers[channel], entry{id: d.nextID, namespace: namespace, fn: fn})
	return d.nextID, first
}

// Remove drops the handlers on channel picked by sel. last reports whether
// this call removed the final handler on channel.
func (d *Dispatcher) Remove(channel string, sel Selector) (removed int, last bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	entries, ok := d.handlers[channel]
	if !ok {
		return 0, false
	}

	kept := entries[:0:0]
	for _, e := range entries {
		if sel.matches(e) {
			removed++
			continue
		}
		kept = append(kept, e)
	}

	if len(kept) == 0 {
		delete(d.handlers, channel)
		return removed, removed > 0
	}
	d.handlers[channel] = kept
	return removed, false
}

func (s Selector) matches(e entry) bool {
	switch {
	case s.ID != 0:
		return e.id == s.ID
	case s.Namespace != "":
		return e.namespace == s.Namespace
	default:
		return true
	}
}

// Has reports whether channel has at least one handler.
func (d *Dispatcher) Has(channel string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.handlers[channel]) > 0
}

// Channels returns every channel with at least one handler, sorted.
func (d *Dispatcher) Channels() []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]string, 0, len(d.handlers))
	for c := range d.handlers {
		out = append(out, c)
	}
	slices.Sort(out)
	return out
}

// Dispatch invokes the handlers on channel in registration order and returns
// how many ran. Handlers are called without holding the dispatcher lock, so
// they may register or remove handlers themselves. A panicking handler is
// logged and does not stop the others.
func (d *Dispatcher) Dispatch(channel string, message json.RawMessage) int {
	d.mu.Lock()
	entries := slices.Clone(d.handlers[channel])
	d.mu.Unlock()

	for _, e := range entries {
		d.invokeSafe(channel, e, message)
	}
	return len(entries)
}

// invokeSafe calls a handler with panic recovery. The stack is logged with a
// correlation id.
func (d *Dispatcher) invokeSafe(channel string, e entry, message json.RawMessage) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("message handler panicked",
				"correlation_id", uuid.NewString(),
				"channel", channel,
				"handler_id", e.id,
				"panic", fmt.Sprintf("%v", r),
				"stack", string(debug.Stack()),
			)
		}
	}()
	e.fn(message)
}
