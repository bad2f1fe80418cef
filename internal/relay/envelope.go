// Package relay moves inbound messages from the leader to every tab.
//
// The leader encodes each message as an [Envelope] and writes it to the
// shared store's data key. Every tab decodes the change and hands it to its
// [Dispatcher], which fans out to locally registered handlers.
package relay

import (
	"encoding/json"
	"fmt"
)

// Envelope is the stored form of a relayed message.
//
// Random is a nonce: two relays of the same channel and message still differ
// byte-wise, so the store reports a change for each of them.
type Envelope struct {
	Channel string          `json:"channel"`
	Message json.RawMessage `json:"message"`
	Random  int64           `json:"random"`
}

// Encode builds the stored value for a relay of message on channel.
// A nil message is stored as JSON null.
func Encode(channel string, message json.RawMessage, nonce int64) (string, error) {
	if message == nil {
		message = json.RawMessage("null")
	}
	b, err := json.Marshal(Envelope{Channel: channel, Message: message, Random: nonce})
	if err != nil {
		return "", fmt.Errorf("encode relay envelope: %w", err)
	}
	return string(b), nil
}

// Decode parses a stored relay value.
func Decode(value string) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal([]byte(value), &env); err != nil {
		return Envelope{}, fmt.Errorf("decode relay envelope: %w", err)
	}
	if env.Channel == "" {
		return Envelope{}, fmt.Errorf("decode relay envelope: missing channel")
	}
	return env, nil
}
