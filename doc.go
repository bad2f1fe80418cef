// Package tabrelay lets many tabs of one application share a single push
// connection.
//
// Every tab runs an [Agent]. The agents elect one leader through a shared
// key-value store; only the leader opens the [Transport], subscribes to the
// union of every tab's channels and writes each inbound message back into
// the store, from which every tab dispatches it to its local handlers.
// When the leader goes away another tab takes over within about two
// heartbeat periods.
//
// # Quick Start
//
// Tabs in one process share an in-memory backend; tabs in separate
// processes share Redis:
//
//	backend := tabrelay.NewMemoryBackend()
//	transport := tabrelay.NewWebSocketTransport("ws://localhost:8090/ws", nil)
//
//	agent, err := tabrelay.New(transport, tabrelay.WithStore(backend.Open()))
//	if errors.Is(err, tabrelay.ErrStoreUnavailable) {
//	    // no coordination possible: open a connection per tab instead
//	}
//	if err := agent.Start(ctx); err != nil { ... }
//	defer agent.Close()
//
//	agent.On("news", func(msg json.RawMessage) { fmt.Println(string(msg)) })
//	agent.Emit(ctx, "chat", map[string]string{"text": "hello"})
//
// # Configuration
//
// Agents are configured with functional options:
//
//	agent, err := tabrelay.New(transport,
//	    tabrelay.WithStore(tabrelay.NewRedisStore(client, "live_", logger)),
//	    tabrelay.WithNamespace("live_"),
//	    tabrelay.WithTimeout(2 * time.Second),
//	    tabrelay.WithLogger(logger),
//	)
//
// # Store Layout
//
// With the default namespace "live_" the store holds:
//
//   - live_tab_<id>: the tab's last heartbeat, unix milliseconds
//   - live_subscribed_<id>: the tab's channels, a sorted JSON array
//   - live_master: the leader pointer, "<id>:<epoch>"
//   - live_data: the last relayed message, {"channel","message","random"}
//
// # Architecture
//
// The agent is built from several internal packages (under internal/):
//
//   - internal/keyspace: store key naming
//   - internal/election: heartbeats, stale sweeps and leader choice
//   - internal/aggregator: channel sets and subscription reconciliation
//   - internal/relay: relay envelopes and local handler dispatch
//   - internal/store: in-memory and Redis store backends with change feeds
//   - internal/wsclient: WebSocket implementation of [Transport]
//   - internal/protocol: the JSON frames spoken over that WebSocket
//   - internal/pushserver: the push server that transport talks to
//   - internal/logging: JSON logging with error stack traces for the binary
//
// The config package and cmd/tabrelay wrap these into a standalone binary
// that runs a push server, a single tab, or an in-process simulation.
//
// The internal packages are not part of the public API and may change
// without notice.
package tabrelay
