package election

import (
	"slices"
	"testing"
	"time"

	"github.com/jpalmerr/tabrelay/internal/keyspace"
)

func TestParsePointer(t *testing.T) {
	tests := []struct {
		in     string
		want   Pointer
		wantOK bool
	}{
		{"", Pointer{}, false},
		{"   ", Pointer{}, false},
		{"7", Pointer{ID: 7}, true},
		{"7:3", Pointer{ID: 7, Epoch: 3}, true},
		{"abc", Pointer{}, false},
		{"7:x", Pointer{}, false},
		{"7:-1", Pointer{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := ParsePointer(tt.in)
			if ok != tt.wantOK || got != tt.want {
				t.Errorf("ParsePointer(%q) = (%+v, %v), want (%+v, %v)", tt.in, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestPointer_RoundTrip(t *testing.T) {
	p := Pointer{ID: 12345, Epoch: 9}
	got, ok := ParsePointer(p.String())
	if !ok || got != p {
		t.Errorf("ParsePointer(%q) = (%+v, %v), want (%+v, true)", p.String(), got, ok, p)
	}
}

func TestElect_DeterministicTieBreak(t *testing.T) {
	// every tab computes the same leader regardless of the order it sees ids in
	orders := [][]int64{{3, 7, 9}, {9, 7, 3}, {7, 3, 9}}
	for _, alive := range orders {
		leader, ok := Elect(alive)
		if !ok || leader != 3 {
			t.Errorf("Elect(%v) = (%d, %v), want (3, true)", alive, leader, ok)
		}
	}

	if _, ok := Elect(nil); ok {
		t.Error("Elect(nil) ok = true, want false")
	}
}

func TestSweep(t *testing.T) {
	layout := keyspace.New("live_")
	now := time.UnixMilli(1_000_000)
	timeout := 2 * time.Second

	snapshot := map[string]string{
		layout.Heartbeat(3): FormatHeartbeat(now.Add(-500 * time.Millisecond)),
		layout.Heartbeat(7): FormatHeartbeat(now.Add(-2 * time.Second)), // exactly at the limit
		layout.Heartbeat(9): FormatHeartbeat(now.Add(-3 * time.Second)),
		layout.Heartbeat(4): "garbage",
		layout.Channels(3):  `["x"]`,
		layout.Master():     "3",
		"other_tab_1":       FormatHeartbeat(now.Add(-time.Hour)),
	}

	res := Sweep(snapshot, layout, now, timeout)

	wantAlive := []int64{3, 7}
	if !slices.Equal(res.Alive, wantAlive) {
		t.Errorf("Alive = %v, want %v", res.Alive, wantAlive)
	}

	wantStale := []string{
		layout.Channels(4),
		layout.Channels(9),
		layout.Heartbeat(4),
		layout.Heartbeat(9),
	}
	slices.Sort(wantStale)
	if !slices.Equal(res.Stale, wantStale) {
		t.Errorf("Stale = %v, want %v", res.Stale, wantStale)
	}
}

func TestSweep_OrphanChannelSets(t *testing.T) {
	layout := keyspace.New("live_")
	now := time.UnixMilli(1_000_000)

	snapshot := map[string]string{
		layout.Heartbeat(1): FormatHeartbeat(now),
		layout.Channels(1):  `["a"]`,
		layout.Channels(5):  `["b"]`, // no heartbeat at all
		layout.Heartbeat(6): FormatHeartbeat(now.Add(-time.Minute)),
		layout.Channels(6):  `["c"]`, // listed once despite two reasons
	}

	res := Sweep(snapshot, layout, now, 2*time.Second)

	if !slices.Equal(res.Alive, []int64{1}) {
		t.Errorf("Alive = %v, want [1]", res.Alive)
	}
	wantStale := []string{
		layout.Channels(5),
		layout.Channels(6),
		layout.Heartbeat(6),
	}
	slices.Sort(wantStale)
	if !slices.Equal(res.Stale, wantStale) {
		t.Errorf("Stale = %v, want %v", res.Stale, wantStale)
	}
}

func TestSweep_Empty(t *testing.T) {
	res := Sweep(nil, keyspace.New(""), time.Now(), time.Second)
	if len(res.Alive) != 0 || len(res.Stale) != 0 {
		t.Errorf("Sweep(nil) = %+v, want empty", res)
	}
}

func TestValid(t *testing.T) {
	alive := []int64{2, 5}
	if !Valid(Pointer{ID: 2}, alive) {
		t.Error("Valid(2) = false, want true")
	}
	if Valid(Pointer{ID: 3}, alive) {
		t.Error("Valid(3) = true, want false")
	}
}

func TestHeartbeat_RoundTrip(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_123)
	got, ok := ParseHeartbeat(FormatHeartbeat(now))
	if !ok || !got.Equal(now) {
		t.Errorf("ParseHeartbeat() = (%v, %v), want (%v, true)", got, ok, now)
	}
}
