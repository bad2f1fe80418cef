package tabrelay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/jpalmerr/tabrelay/internal/wsclient"
)

var (
	// ErrStoreUnavailable is returned by [New] when the shared store is
	// missing or cannot be written. No agent is built in that case; the
	// application chooses its own fallback.
	ErrStoreUnavailable = errors.New("tabrelay: shared store unavailable")

	// ErrClosed is returned by operations on an agent after [Agent.Close].
	ErrClosed = errors.New("tabrelay: agent closed")
)

// Transport is the push connection the leader tab holds.
//
// Connect, Subscribe and Unsubscribe are only called by the leader. Publish
// may be called by any tab. The transport delivers inbound messages to the
// function registered with SetMessageHandler; a nil function means inbound
// messages should be discarded.
type Transport interface {
	Connect(ctx context.Context) error
	Subscribe(ctx context.Context, channels []string) error
	Unsubscribe(ctx context.Context, channels []string) error
	Publish(ctx context.Context, channel string, data json.RawMessage) error
	SetMessageHandler(fn func(channel string, message json.RawMessage))
}

// Disconnector is implemented by transports that can drop their connection.
// An agent that loses leadership calls Disconnect if it is available.
type Disconnector interface {
	Disconnect() error
}

// Handler receives messages delivered on a channel.
type Handler func(message json.RawMessage)

// HandlerRef identifies handlers for [Agent.Off]. The value returned by
// [Agent.On] identifies exactly that handler. A HandlerRef with only
// Namespace set identifies every handler registered under that namespace.
type HandlerRef struct {
	ID        uint64
	Namespace string
}

// NewWebSocketTransport returns a [Transport] that speaks the tabrelay push
// protocol over a WebSocket at url (for example "ws://localhost:8090/ws").
// The connection is opened by Connect. Publish without one uses a
// short-lived connection, so tabs that only emit hold none.
func NewWebSocketTransport(url string, logger *slog.Logger) Transport {
	if logger == nil {
		logger = slog.Default()
	}
	return wsclient.New(url, logger)
}
