// Package election implements tab liveness and leader selection.
//
// Everything here is a pure function over values read from the shared store,
// so sweeping and electing can be tested without timers or a real store.
package election

import (
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/jpalmerr/tabrelay/internal/keyspace"
)

// Pointer is the decoded value of the leader key.
//
// The epoch increases with every successful election so that a leader can
// tell it was superseded even when a new election picks the same id.
type Pointer struct {
	ID    int64
	Epoch uint64
}

// ParsePointer decodes "<id>" or "<id>:<epoch>". ok is false for empty or
// malformed values, which callers treat as "no leader".
func ParsePointer(s string) (p Pointer, ok bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Pointer{}, false
	}

	idPart, epochPart, hasEpoch := strings.Cut(s, ":")
	id, err := strconv.ParseInt(idPart, 10, 64)
	if err != nil {
		return Pointer{}, false
	}
	p.ID = id

	if hasEpoch {
		epoch, err := strconv.ParseUint(epochPart, 10, 64)
		if err != nil {
			return Pointer{}, false
		}
		p.Epoch = epoch
	}
	return p, true
}

// String encodes p for storage.
func (p Pointer) String() string {
	return strconv.FormatInt(p.ID, 10) + ":" + strconv.FormatUint(p.Epoch, 10)
}

// FormatHeartbeat encodes t as unix milliseconds.
func FormatHeartbeat(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

// ParseHeartbeat decodes a value written by [FormatHeartbeat].
func ParseHeartbeat(s string) (time.Time, bool) {
	ms, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}

// SweepResult is the outcome of scanning heartbeat records.
type SweepResult struct {
	// Alive holds the ids of live tabs in ascending order.
	Alive []int64

	// Stale holds keys to delete: the heartbeat and channel-set keys of every
	// tab whose heartbeat expired or could not be decoded, and channel sets
	// with no heartbeat at all.
	Stale []string
}

// Sweep classifies heartbeat and channel-set records in snapshot. Other keys
// are ignored. A heartbeat is stale when it is more than timeout older than
// now; a channel set is stale unless its tab has a live heartbeat.
func Sweep(snapshot map[string]string, layout keyspace.Layout, now time.Time, timeout time.Duration) SweepResult {
	var res SweepResult
	var sets []int64

	for key, value := range snapshot {
		if id, ok := layout.ChannelsID(key); ok {
			sets = append(sets, id)
			continue
		}
		id, ok := layout.HeartbeatID(key)
		if !ok {
			continue
		}

		seen, ok := ParseHeartbeat(value)
		if !ok || now.Sub(seen) > timeout {
			res.Stale = append(res.Stale, key, layout.Channels(id))
			continue
		}
		res.Alive = append(res.Alive, id)
	}

	slices.Sort(res.Alive)
	for _, id := range sets {
		if _, alive := slices.BinarySearch(res.Alive, id); !alive {
			res.Stale = append(res.Stale, layout.Channels(id))
		}
	}

	slices.Sort(res.Stale)
	res.Stale = slices.Compact(res.Stale)
	return res
}

// Elect returns the numerically smallest id in alive. ok is false when alive
// is empty.
func Elect(alive []int64) (leader int64, ok bool) {
	if len(alive) == 0 {
		return 0, false
	}
	return slices.Min(alive), true
}

// Valid reports whether p names a tab in alive.
func Valid(p Pointer, alive []int64) bool {
	return slices.Contains(alive, p.ID)
}
