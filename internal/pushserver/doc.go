// Package pushserver provides a small channel-based push server.
//
// Clients connect over WebSocket and exchange JSON frames:
//
//   - Subscribe/unsubscribe: {"type":"subscribe","channels":["news"]}
//   - Publish: {"type":"publish","channel":"news","data":{...}}
//   - Delivery: {"type":"message","channel":"news","data":{...}}
//
// Publishes are also accepted over HTTP at POST /channels/{channel}. Messages
// are ephemeral: each is sent to the connections subscribed at that moment,
// including the publisher, and then forgotten. A channel is forgotten when
// its last subscriber leaves.
//
// The server supports graceful shutdown via context cancellation, with a
// 5-second timeout for in-flight requests.
package pushserver
