package tabrelay

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/jpalmerr/tabrelay/internal/aggregator"
	"github.com/jpalmerr/tabrelay/internal/election"
	"github.com/jpalmerr/tabrelay/internal/keyspace"
)

// recorder collects messages delivered to a handler.
type recorder struct {
	mu   sync.Mutex
	msgs []string
}

func (r *recorder) handle(msg json.RawMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, string(msg))
}

func (r *recorder) got() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.msgs)
}

func TestNew_RequiresTransport(t *testing.T) {
	_, err := New(nil, WithStore(NewMemoryBackend().Open()))
	if err == nil {
		t.Fatal("New(nil) should fail")
	}
}

func TestNew_WithoutStore(t *testing.T) {
	_, err := New(newFakeTransport(), WithLogger(testLogger()))
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("New() error = %v, want ErrStoreUnavailable", err)
	}
}

func TestNew_StoreRejectsWrites(t *testing.T) {
	_, err := New(newFakeTransport(), WithStore(failingStore{}), WithLogger(testLogger()))
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("New() error = %v, want ErrStoreUnavailable", err)
	}
	if !errors.Is(err, errStoreDown) {
		t.Errorf("New() error = %v, want underlying cause preserved", err)
	}
}

func TestNew_ProbeLeavesNoTrace(t *testing.T) {
	backend := NewMemoryBackend()
	if _, err := New(newFakeTransport(), WithStore(backend.Open()), WithTabID(4)); err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if snap := backend.Snapshot(); len(snap) != 0 {
		t.Errorf("store after New = %v, want empty", snap)
	}
}

func TestNew_RandomIDInRange(t *testing.T) {
	for i := 0; i < 50; i++ {
		a, err := New(newFakeTransport(), WithStore(NewMemoryBackend().Open()), WithLogger(testLogger()))
		if err != nil {
			t.Fatalf("New() error = %v", err)
		}
		if a.TabID() < 1 || a.TabID() > maxTabID {
			t.Fatalf("TabID() = %d, out of range", a.TabID())
		}
	}
}

func TestAgent_UpdateIntervalIsHalfTimeout(t *testing.T) {
	a, err := New(newFakeTransport(), WithStore(NewMemoryBackend().Open()), WithTimeout(3*time.Second))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if got := a.UpdateInterval(); got != 1500*time.Millisecond {
		t.Errorf("UpdateInterval() = %v, want 1.5s", got)
	}
}

func TestAgent_SoleTabLeads(t *testing.T) {
	backend := NewMemoryBackend()
	tb := newTab(t, backend, 42)
	tb.start(t)

	if !tb.agent.IsLeader() {
		t.Fatal("sole tab should lead after Start")
	}
	if got := leaderOf(tb); got != 42 {
		t.Errorf("LeaderID() = %d, want 42", got)
	}

	layout := keyspace.New("")
	ptr, ok := election.ParsePointer(backend.Snapshot()[layout.Master()])
	if !ok || ptr.ID != 42 {
		t.Errorf("master pointer = %+v, want id 42", ptr)
	}
	if tb.transport.connects != 1 {
		t.Errorf("Connect called %d times, want 1", tb.transport.connects)
	}
}

func TestAgent_SmallestIDWins(t *testing.T) {
	backend := NewMemoryBackend()
	seedHeartbeats(t, backend, 3, 7, 9)

	tabs := []*tab{newTab(t, backend, 9), newTab(t, backend, 7), newTab(t, backend, 3)}
	for _, tb := range tabs {
		tb.start(t)
	}

	waitFor(t, time.Second, "all tabs to agree on leader 3", func() bool {
		for _, tb := range tabs {
			if leaderOf(tb) != 3 {
				return false
			}
		}
		return true
	})

	for _, tb := range tabs {
		want := tb.agent.TabID() == 3
		if got := tb.agent.IsLeader(); got != want {
			t.Errorf("tab %d IsLeader() = %v, want %v", tb.agent.TabID(), got, want)
		}
	}
	if tabs[0].transport.connects != 0 || tabs[1].transport.connects != 0 {
		t.Error("non-leaders should never connect")
	}
}

func TestAgent_ExistingLeaderNotDisplaced(t *testing.T) {
	backend := NewMemoryBackend()
	big := newTab(t, backend, 50)
	big.start(t)

	small := newTab(t, backend, 1)
	small.start(t)

	// a valid leader is kept even when a smaller id joins
	time.Sleep(2 * big.agent.UpdateInterval())
	if !big.agent.IsLeader() {
		t.Error("existing leader should keep leading")
	}
	if small.agent.IsLeader() {
		t.Error("newcomer should not take over a valid leader")
	}
	if got := leaderOf(small); got != 50 {
		t.Errorf("newcomer LeaderID() = %d, want 50", got)
	}
}

func TestAgent_ConvergesToSingleLeader(t *testing.T) {
	backend := NewMemoryBackend()
	ids := []int64{12, 5, 33, 8, 21}
	tabs := make([]*tab, len(ids))
	for i, id := range ids {
		tabs[i] = newTab(t, backend, id)
	}

	var wg sync.WaitGroup
	for _, tb := range tabs {
		wg.Add(1)
		go func(tb *tab) {
			defer wg.Done()
			_ = tb.agent.Start(context.Background())
		}(tb)
	}
	wg.Wait()

	waitFor(t, 2*time.Second, "single agreed leader", func() bool {
		first := leaderOf(tabs[0])
		if first == 0 {
			return false
		}
		leaders := 0
		for _, tb := range tabs {
			if leaderOf(tb) != first {
				return false
			}
			if tb.agent.IsLeader() {
				leaders++
			}
		}
		return leaders == 1
	})
}

func TestAgent_LeaderHandoffOnClose(t *testing.T) {
	backend := NewMemoryBackend()
	first := newTab(t, backend, 10)
	first.start(t)
	second := newTab(t, backend, 30)
	second.start(t)
	third := newTab(t, backend, 20)
	third.start(t)

	if !first.agent.IsLeader() {
		t.Fatal("first tab should lead")
	}

	if err := first.agent.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	waitFor(t, 2*first.agent.UpdateInterval()+100*time.Millisecond, "successor to take over", func() bool {
		return third.agent.IsLeader() && leaderOf(second) == 20
	})
	if second.agent.IsLeader() {
		t.Error("tab 30 should not lead while 20 is alive")
	}
	if first.transport.disconnects != 1 {
		t.Errorf("closed leader disconnected %d times, want 1", first.transport.disconnects)
	}
}

func TestAgent_SweepsStaleTabs(t *testing.T) {
	backend := NewMemoryBackend()
	layout := keyspace.New("")
	h := backend.Open()
	ctx := context.Background()

	old := time.Now().Add(-time.Minute)
	_ = h.Set(ctx, layout.Heartbeat(1), election.FormatHeartbeat(old))
	_ = h.Set(ctx, layout.Channels(1), `["ghost"]`)
	_ = h.Set(ctx, layout.Master(), "1:4")

	tb := newTab(t, backend, 77)
	tb.start(t)

	snap := backend.Snapshot()
	if _, ok := snap[layout.Heartbeat(1)]; ok {
		t.Error("stale heartbeat should be removed")
	}
	if _, ok := snap[layout.Channels(1)]; ok {
		t.Error("stale channel set should be removed")
	}
	if !tb.agent.IsLeader() {
		t.Fatal("tab should take over from the dead leader")
	}
	ptr, _ := election.ParsePointer(snap[layout.Master()])
	if ptr.ID != 77 || ptr.Epoch != 5 {
		t.Errorf("master pointer = %+v, want {77 5}", ptr)
	}
	if got := tb.transport.subscribed(); len(got) != 0 {
		t.Errorf("subscribed = %v, want none from the dead tab", got)
	}
}

func TestAgent_SweepsOrphanChannelSet(t *testing.T) {
	backend := NewMemoryBackend()
	layout := keyspace.New("")
	_ = backend.Open().Set(context.Background(), layout.Channels(9), `["ghost"]`)

	tb := newTab(t, backend, 4)
	tb.start(t)

	if _, ok := backend.Snapshot()[layout.Channels(9)]; ok {
		t.Error("channel set without a heartbeat should be removed")
	}
	if got := tb.transport.subscribed(); len(got) != 0 {
		t.Errorf("subscribed = %v, want none", got)
	}
}

func TestAgent_RestoresSweptRecords(t *testing.T) {
	backend := NewMemoryBackend()
	layout := keyspace.New("")
	leader := newTab(t, backend, 1)
	leader.start(t)
	follower := newTab(t, backend, 2)
	follower.start(t)

	var got recorder
	follower.agent.On("x", got.handle)
	waitFor(t, time.Second, "leader subscription to x", func() bool {
		return slices.Equal(leader.transport.subscribed(), []string{"x"})
	})

	// stall the follower's loop while another tab sweeps its records
	follower.agent.mu.Lock()
	var resumeOnce sync.Once
	resume := func() { resumeOnce.Do(follower.agent.mu.Unlock) }
	t.Cleanup(resume)

	h := backend.Open()
	ctx := context.Background()
	_ = h.Remove(ctx, layout.Heartbeat(2))
	_ = h.Remove(ctx, layout.Channels(2))

	waitFor(t, time.Second, "leader to drop x", func() bool {
		return len(leader.transport.subscribed()) == 0
	})
	resume()

	waitFor(t, time.Second, "follower records restored", func() bool {
		snap := backend.Snapshot()
		_, alive := snap[layout.Heartbeat(2)]
		return alive && snap[layout.Channels(2)] == `["x"]`
	})
	waitFor(t, time.Second, "leader to resubscribe x", func() bool {
		return slices.Equal(leader.transport.subscribed(), []string{"x"})
	})

	leader.transport.deliver("x", `"back"`)
	waitFor(t, time.Second, "delivery after resume", func() bool {
		return slices.Equal(got.got(), []string{`"back"`})
	})
}

func TestAgent_HeartbeatRefreshes(t *testing.T) {
	backend := NewMemoryBackend()
	tb := newTab(t, backend, 6)

	var mu sync.Mutex
	clock := time.UnixMilli(1_700_000_000_000)
	tb.agent.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return clock
	}
	tb.start(t)

	layout := keyspace.New("")
	if got := backend.Snapshot()[layout.Heartbeat(6)]; got != "1700000000000" {
		t.Fatalf("heartbeat = %q, want 1700000000000", got)
	}

	mu.Lock()
	clock = clock.Add(time.Second)
	mu.Unlock()

	waitFor(t, time.Second, "heartbeat refresh", func() bool {
		return backend.Snapshot()[layout.Heartbeat(6)] == "1700000001000"
	})
}

func TestAgent_EndToEndRelay(t *testing.T) {
	backend := NewMemoryBackend()
	// both tabs load in the same cycle
	seedHeartbeats(t, backend, 5, 2)

	tab1 := newTab(t, backend, 5)
	tab2 := newTab(t, backend, 2)
	tab1.start(t)
	tab2.start(t)

	waitFor(t, time.Second, "tab 2 to lead", func() bool {
		return tab2.agent.IsLeader() && leaderOf(tab1) == 2
	})

	var h1, h2 recorder
	tab1.agent.On("news", h1.handle)
	tab2.agent.On("news", h2.handle)

	waitFor(t, time.Second, "leader subscription to news", func() bool {
		return slices.Equal(tab2.transport.subscribed(), []string{"news"})
	})

	if !tab2.transport.deliver("news", `"hi"`) {
		t.Fatal("leader transport has no message handler")
	}

	waitFor(t, time.Second, "both tabs to receive", func() bool {
		return len(h1.got()) == 1 && len(h2.got()) == 1
	})
	if h1.got()[0] != `"hi"` || h2.got()[0] != `"hi"` {
		t.Errorf("received %v and %v, want \"hi\" in each", h1.got(), h2.got())
	}
	if tab1.transport.deliver("news", `"x"`) {
		t.Error("follower transport should have no message handler")
	}
}

func TestAgent_DuplicateMessagesDispatchTwice(t *testing.T) {
	backend := NewMemoryBackend()
	leader := newTab(t, backend, 1)
	leader.start(t)
	follower := newTab(t, backend, 2)
	follower.start(t)

	var got recorder
	follower.agent.On("ticks", got.handle)

	waitFor(t, time.Second, "subscription", func() bool {
		return slices.Contains(leader.transport.subscribed(), "ticks")
	})

	leader.transport.deliver("ticks", `{"n":1}`)
	leader.transport.deliver("ticks", `{"n":1}`)

	waitFor(t, time.Second, "two dispatches", func() bool {
		return len(got.got()) == 2
	})
}

func TestAgent_ChannelUnion(t *testing.T) {
	backend := NewMemoryBackend()
	a := newTab(t, backend, 1)
	a.start(t)
	b := newTab(t, backend, 2)
	b.start(t)

	refX := a.agent.On("x", func(json.RawMessage) {})
	refY := a.agent.On("y", func(json.RawMessage) {})
	b.agent.On("y", func(json.RawMessage) {})
	b.agent.On("z", func(json.RawMessage) {})

	want := []string{"x", "y", "z"}
	waitFor(t, time.Second, "union x,y,z", func() bool {
		return slices.Equal(a.transport.subscribed(), want)
	})

	a.agent.Off("y", refY)
	time.Sleep(a.agent.UpdateInterval() + 20*time.Millisecond)

	if got := a.transport.subscribed(); !slices.Equal(got, want) {
		t.Errorf("after A drops y, subscribed = %v, want %v", got, want)
	}
	for _, call := range a.transport.unsubCalls {
		if slices.Contains(call, "y") {
			t.Errorf("y unsubscribed while B still wants it: %v", call)
		}
	}

	a.agent.Off("x", refX)
	waitFor(t, time.Second, "x dropped", func() bool {
		return slices.Equal(a.transport.subscribed(), []string{"y", "z"})
	})
	if got := a.agent.Channels(); len(got) != 0 {
		t.Errorf("A Channels() = %v, want none", got)
	}
}

func TestAgent_ChannelsRegisteredBeforeStart(t *testing.T) {
	backend := NewMemoryBackend()
	tb := newTab(t, backend, 3)
	tb.agent.On("early", func(json.RawMessage) {})

	if len(backend.Snapshot()) != 0 {
		t.Error("nothing should be written before Start")
	}

	tb.start(t)

	layout := keyspace.New("")
	got, err := aggregator.Decode(backend.Snapshot()[layout.Channels(3)])
	if err != nil {
		t.Fatalf("decode channel set: %v", err)
	}
	if !slices.Equal(got, []string{"early"}) {
		t.Errorf("channel set = %v, want [early]", got)
	}
	if !slices.Equal(tb.transport.subscribed(), []string{"early"}) {
		t.Errorf("subscribed = %v, want [early]", tb.transport.subscribed())
	}
}

func TestAgent_SupersededLeaderStepsDown(t *testing.T) {
	backend := NewMemoryBackend()
	a := newTab(t, backend, 1)
	a.start(t)
	b := newTab(t, backend, 5)
	b.start(t)

	if !a.agent.IsLeader() {
		t.Fatal("tab 1 should lead")
	}

	// another context hands leadership to tab 5 with a newer epoch
	layout := keyspace.New("")
	if err := backend.Open().Set(context.Background(), layout.Master(), "5:99"); err != nil {
		t.Fatalf("write pointer: %v", err)
	}

	waitFor(t, time.Second, "handover to tab 5", func() bool {
		return b.agent.IsLeader() && !a.agent.IsLeader()
	})
	a.transport.mu.Lock()
	disconnects := a.transport.disconnects
	a.transport.mu.Unlock()
	if disconnects != 1 {
		t.Errorf("superseded leader disconnected %d times, want 1", disconnects)
	}
	if a.transport.deliver("x", `1`) {
		t.Error("superseded leader should no longer accept transport messages")
	}
}

func TestAgent_ConnectRetriedNextTick(t *testing.T) {
	backend := NewMemoryBackend()
	tb := newTab(t, backend, 9)
	tb.transport.setConnectErr(errors.New("refused"))
	tb.agent.On("feed", func(json.RawMessage) {})
	tb.start(t)

	if !tb.agent.IsLeader() {
		t.Fatal("tab should lead even while the transport is down")
	}
	if got := tb.transport.subscribed(); len(got) != 0 {
		t.Fatalf("subscribed = %v before connecting", got)
	}

	tb.transport.setConnectErr(nil)
	waitFor(t, time.Second, "reconnect and subscribe", func() bool {
		return slices.Equal(tb.transport.subscribed(), []string{"feed"})
	})
}

func TestAgent_HandlerPanicDoesNotStopRelay(t *testing.T) {
	backend := NewMemoryBackend()
	tb := newTab(t, backend, 1)
	tb.start(t)

	var got recorder
	tb.agent.On("c", func(json.RawMessage) { panic("boom") })
	tb.agent.On("c", got.handle)

	waitFor(t, time.Second, "subscription", func() bool {
		return slices.Contains(tb.transport.subscribed(), "c")
	})
	tb.transport.deliver("c", `1`)
	tb.transport.deliver("c", `2`)

	waitFor(t, time.Second, "both messages", func() bool {
		return slices.Equal(got.got(), []string{"1", "2"})
	})
}

func TestAgent_OffByNamespace(t *testing.T) {
	backend := NewMemoryBackend()
	tb := newTab(t, backend, 1)
	tb.start(t)

	var kept recorder
	tb.agent.On("c", func(json.RawMessage) { t.Error("ui handler should be removed") }, WithHandlerNamespace("ui"))
	tb.agent.On("c", func(json.RawMessage) { t.Error("ui handler should be removed") }, WithHandlerNamespace("ui"))
	tb.agent.On("c", kept.handle)

	tb.agent.Off("c", HandlerRef{Namespace: "ui"})
	if got := tb.agent.Channels(); !slices.Equal(got, []string{"c"}) {
		t.Fatalf("Channels() = %v, want [c]", got)
	}

	waitFor(t, time.Second, "subscription", func() bool {
		return slices.Contains(tb.transport.subscribed(), "c")
	})
	tb.transport.deliver("c", `true`)
	waitFor(t, time.Second, "delivery to remaining handler", func() bool {
		return len(kept.got()) == 1
	})
}

func TestAgent_OffAll(t *testing.T) {
	tb := newTab(t, NewMemoryBackend(), 1)
	tb.agent.On("c", func(json.RawMessage) {})
	tb.agent.On("c", func(json.RawMessage) {})
	tb.agent.On("d", func(json.RawMessage) {})

	tb.agent.Off("c")
	if got := tb.agent.Channels(); !slices.Equal(got, []string{"d"}) {
		t.Errorf("Channels() = %v, want [d]", got)
	}

	// zero refs are ignored
	tb.agent.Off("d", HandlerRef{})
	if got := tb.agent.Channels(); !slices.Equal(got, []string{"d"}) {
		t.Errorf("Channels() = %v, want [d]", got)
	}
}

func TestAgent_Emit(t *testing.T) {
	tb := newTab(t, NewMemoryBackend(), 1)
	ctx := context.Background()

	if err := tb.agent.Emit(ctx, "chat", map[string]string{"text": "hello"}); err != nil {
		t.Fatalf("Emit() error = %v", err)
	}
	if err := tb.agent.Emit(ctx, "chat", json.RawMessage(`[1,2]`)); err != nil {
		t.Fatalf("Emit(raw) error = %v", err)
	}
	if err := tb.agent.Emit(ctx, "chat", json.RawMessage(`{bad`)); err == nil {
		t.Error("Emit(invalid raw) should fail")
	}

	want := []publishCall{
		{channel: "chat", data: `{"text":"hello"}`},
		{channel: "chat", data: `[1,2]`},
	}
	if !slices.Equal(tb.transport.published, want) {
		t.Errorf("published = %v, want %v", tb.transport.published, want)
	}
}

func TestAgent_Close(t *testing.T) {
	backend := NewMemoryBackend()
	tb := newTab(t, backend, 8)
	tb.agent.On("c", func(json.RawMessage) {})
	tb.start(t)

	if err := tb.agent.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if snap := backend.Snapshot(); len(snap) != 0 {
		t.Errorf("store after Close = %v, want empty", snap)
	}
	if err := tb.agent.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
	if err := tb.agent.Start(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Start() after Close error = %v, want ErrClosed", err)
	}
	if err := tb.agent.Emit(context.Background(), "c", 1); !errors.Is(err, ErrClosed) {
		t.Errorf("Emit() after Close error = %v, want ErrClosed", err)
	}
}

func TestAgent_CloseFromHandler(t *testing.T) {
	backend := NewMemoryBackend()
	tb := newTab(t, backend, 1)
	tb.start(t)

	done := make(chan error, 1)
	tb.agent.On("bye", func(json.RawMessage) { done <- tb.agent.Close() })
	if !tb.transport.deliver("bye", `1`) {
		t.Fatal("leader transport has no message handler")
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Close() error = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Close() called from a handler did not return")
	}

	layout := keyspace.New("")
	snap := backend.Snapshot()
	for _, k := range []string{layout.Heartbeat(1), layout.Channels(1), layout.Master()} {
		if _, ok := snap[k]; ok {
			t.Errorf("%s still present after Close", k)
		}
	}
	if err := tb.agent.Start(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Start() after Close error = %v, want ErrClosed", err)
	}
	if tb.agent.IsLeader() {
		t.Error("closed agent should not lead")
	}
}

func TestAgent_CloseKeepsForeignPointer(t *testing.T) {
	backend := NewMemoryBackend()
	tb := newTab(t, backend, 1)
	tb.start(t)

	// tab 2 took over in another context; this tab may not have noticed yet
	layout := keyspace.New("")
	seedHeartbeats(t, backend, 2)
	_ = backend.Open().Set(context.Background(), layout.Master(), "2:50")

	if err := tb.agent.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if got := backend.Snapshot()[layout.Master()]; got != "2:50" {
		t.Errorf("master = %q, want foreign pointer kept", got)
	}
}

func TestAgent_NamespacesAreIsolated(t *testing.T) {
	backend := NewMemoryBackend()
	mk := func(ns string, id int64) *Agent {
		a, err := New(newFakeTransport(),
			WithStore(backend.Open()),
			WithNamespace(ns),
			WithTabID(id),
			WithTimeout(testTimeout),
			WithLogger(testLogger()),
		)
		if err != nil {
			t.Fatalf("New() error = %v", err)
		}
		t.Cleanup(func() { _ = a.Close() })
		if err := a.Start(context.Background()); err != nil {
			t.Fatalf("Start() error = %v", err)
		}
		return a
	}

	a := mk("app1_", 7)
	b := mk("app2_", 9)
	if !a.IsLeader() || !b.IsLeader() {
		t.Errorf("each namespace should have its own leader: a=%v b=%v", a.IsLeader(), b.IsLeader())
	}
}

func TestAgent_OverRedis(t *testing.T) {
	mr := miniredis.RunT(t)

	mk := func(id int64) *tab {
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = client.Close() })

		tr := newFakeTransport()
		a, err := New(tr,
			WithStore(NewRedisStore(client, "", testLogger())),
			WithTabID(id),
			WithTimeout(testTimeout),
			WithLogger(testLogger()),
		)
		if err != nil {
			t.Fatalf("New() error = %v", err)
		}
		t.Cleanup(func() { _ = a.Close() })
		return &tab{agent: a, transport: tr}
	}

	leader := mk(1)
	leader.start(t)
	follower := mk(2)
	follower.start(t)

	var got recorder
	follower.agent.On("news", got.handle)

	waitFor(t, 2*time.Second, "leader subscription over redis", func() bool {
		return slices.Equal(leader.transport.subscribed(), []string{"news"})
	})
	leader.transport.deliver("news", `"hi"`)

	waitFor(t, 2*time.Second, "relay over redis", func() bool {
		return slices.Equal(got.got(), []string{`"hi"`})
	})
	if v, _ := mr.Get("live_master"); v != "1:1" {
		t.Errorf("live_master = %q, want 1:1", v)
	}
}
