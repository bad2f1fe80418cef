// Package protocol defines the JSON frames exchanged over a push connection.
//
// A client sends subscribe, unsubscribe and publish frames; the server sends
// message frames for every publish on a subscribed channel and error frames
// for requests it rejects.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Frame types.
const (
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypePublish     = "publish"
	TypeMessage     = "message"
	TypeError       = "error"
)

// MaxChannelLen bounds channel names.
const MaxChannelLen = 256

// Frame is one WebSocket text message.
type Frame struct {
	Type     string          `json:"type"`
	Channel  string          `json:"channel,omitempty"`
	Channels []string        `json:"channels,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// Subscribe returns a subscribe frame.
func Subscribe(channels []string) Frame {
	return Frame{Type: TypeSubscribe, Channels: channels}
}

// Unsubscribe returns an unsubscribe frame.
func Unsubscribe(channels []string) Frame {
	return Frame{Type: TypeUnsubscribe, Channels: channels}
}

// Publish returns a publish frame.
func Publish(channel string, data json.RawMessage) Frame {
	return Frame{Type: TypePublish, Channel: channel, Data: data}
}

// Message returns a message frame.
func Message(channel string, data json.RawMessage) Frame {
	return Frame{Type: TypeMessage, Channel: channel, Data: data}
}

// Error returns an error frame.
func Error(msg string) Frame {
	return Frame{Type: TypeError, Error: msg}
}

// ValidateChannel checks a channel name.
func ValidateChannel(name string) error {
	if name == "" {
		return errors.New("channel name is empty")
	}
	if len(name) > MaxChannelLen {
		return fmt.Errorf("channel name longer than %d bytes", MaxChannelLen)
	}
	return nil
}

// Validate checks that a client frame is well formed.
func (f Frame) Validate() error {
	switch f.Type {
	case TypeSubscribe, TypeUnsubscribe:
		if len(f.Channels) == 0 {
			return fmt.Errorf("%s frame has no channels", f.Type)
		}
		for _, c := range f.Channels {
			if err := ValidateChannel(c); err != nil {
				return err
			}
		}
		return nil
	case TypePublish, TypeMessage:
		if err := ValidateChannel(f.Channel); err != nil {
			return err
		}
		if len(f.Data) == 0 || !json.Valid(f.Data) {
			return errors.New("data is not valid JSON")
		}
		return nil
	case TypeError:
		return nil
	default:
		return fmt.Errorf("unknown frame type %q", f.Type)
	}
}
