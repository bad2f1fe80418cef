// Package keyspace defines the shared-store key layout used by tabrelay.
//
// Every key lives under a configurable namespace prefix:
//
//	<prefix>tab_<id>         heartbeat, unix milliseconds
//	<prefix>subscribed_<id>  JSON array of channel names
//	<prefix>master           current leader pointer
//	<prefix>data             last relayed message
package keyspace

import (
	"strconv"
	"strings"
)

// DefaultPrefix is the namespace used when none is configured.
const DefaultPrefix = "live_"

const (
	heartbeatPart = "tab_"
	channelsPart  = "subscribed_"
	masterPart    = "master"
	dataPart      = "data"
)

// Layout builds and parses keys for a single namespace.
type Layout struct {
	prefix string
}

// New returns a Layout for prefix. An empty prefix selects [DefaultPrefix].
func New(prefix string) Layout {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return Layout{prefix: prefix}
}

// Prefix returns the namespace prefix.
func (l Layout) Prefix() string { return l.prefix }

// Heartbeat returns the heartbeat key for tab id.
func (l Layout) Heartbeat(id int64) string {
	return l.prefix + heartbeatPart + strconv.FormatInt(id, 10)
}

// HeartbeatPrefix is the common prefix of every heartbeat key.
func (l Layout) HeartbeatPrefix() string { return l.prefix + heartbeatPart }

// Channels returns the channel-set key for tab id.
func (l Layout) Channels(id int64) string {
	return l.prefix + channelsPart + strconv.FormatInt(id, 10)
}

// ChannelsPrefix is the common prefix of every channel-set key.
func (l Layout) ChannelsPrefix() string { return l.prefix + channelsPart }

// Master returns the leader pointer key.
func (l Layout) Master() string { return l.prefix + masterPart }

// Data returns the relayed-message key.
func (l Layout) Data() string { return l.prefix + dataPart }

// HeartbeatID extracts the tab id from a heartbeat key.
func (l Layout) HeartbeatID(key string) (int64, bool) {
	return parseID(key, l.HeartbeatPrefix())
}

// ChannelsID extracts the tab id from a channel-set key.
func (l Layout) ChannelsID(key string) (int64, bool) {
	return parseID(key, l.ChannelsPrefix())
}

func parseID(key, prefix string) (int64, bool) {
	rest, ok := strings.CutPrefix(key, prefix)
	if !ok || rest == "" {
		return 0, false
	}
	id, err := strconv.ParseInt(rest, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}
