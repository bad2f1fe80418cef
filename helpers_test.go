package tabrelay

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/jpalmerr/tabrelay/internal/election"
	"github.com/jpalmerr/tabrelay/internal/keyspace"
)

// testLogger returns a logger that discards all output for clean test output.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testTimeout keeps election cycles short in tests.
const testTimeout = 200 * time.Millisecond

type publishCall struct {
	channel string
	data    string
}

// fakeTransport records calls and lets tests push inbound messages.
type fakeTransport struct {
	mu          sync.Mutex
	connects    int
	disconnects int
	connectErr  error
	subs        map[string]bool
	unsubCalls  [][]string
	published   []publishCall
	handler     func(string, json.RawMessage)
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{subs: make(map[string]bool)}
}

func (f *fakeTransport) Connect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connects++
	return nil
}

func (f *fakeTransport) Subscribe(_ context.Context, channels []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range channels {
		f.subs[c] = true
	}
	return nil
}

func (f *fakeTransport) Unsubscribe(_ context.Context, channels []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubCalls = append(f.unsubCalls, slices.Clone(channels))
	for _, c := range channels {
		delete(f.subs, c)
	}
	return nil
}

func (f *fakeTransport) Publish(_ context.Context, channel string, data json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, publishCall{channel: channel, data: string(data)})
	return nil
}

func (f *fakeTransport) SetMessageHandler(fn func(string, json.RawMessage)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = fn
}

func (f *fakeTransport) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
	f.subs = make(map[string]bool)
	return nil
}

// deliver simulates the server pushing a message on this connection.
func (f *fakeTransport) deliver(channel, message string) bool {
	f.mu.Lock()
	fn := f.handler
	f.mu.Unlock()
	if fn == nil {
		return false
	}
	fn(channel, json.RawMessage(message))
	return true
}

func (f *fakeTransport) subscribed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.subs))
	for c := range f.subs {
		out = append(out, c)
	}
	slices.Sort(out)
	return out
}

func (f *fakeTransport) setConnectErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connectErr = err
}

// failingStore rejects every write.
type failingStore struct{}

var errStoreDown = errors.New("store down")

func (failingStore) Get(context.Context, string) (string, bool, error) { return "", false, errStoreDown }
func (failingStore) Set(context.Context, string, string) error         { return errStoreDown }
func (failingStore) Remove(context.Context, string) error              { return errStoreDown }
func (failingStore) Keys(context.Context, string) ([]string, error)    { return nil, errStoreDown }
func (failingStore) Watch() (<-chan Change, func()) {
	ch := make(chan Change)
	return ch, func() {}
}

// tab bundles an agent with its fake transport.
type tab struct {
	agent     *Agent
	transport *fakeTransport
}

// newTab builds an agent with the given id on backend. The agent is closed
// when the test ends.
func newTab(t *testing.T, backend *MemoryBackend, id int64) *tab {
	t.Helper()
	tr := newFakeTransport()
	a, err := New(tr,
		WithStore(backend.Open()),
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

func (tb *tab) start(t *testing.T) {
	t.Helper()
	if err := tb.agent.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
}

// seedHeartbeats marks ids alive as if their tabs had just written a heartbeat.
func seedHeartbeats(t *testing.T, backend *MemoryBackend, ids ...int64) {
	t.Helper()
	layout := keyspace.New("")
	h := backend.Open()
	for _, id := range ids {
		if err := h.Set(context.Background(), layout.Heartbeat(id), election.FormatHeartbeat(time.Now())); err != nil {
			t.Fatalf("seed heartbeat: %v", err)
		}
	}
}

// waitFor polls cond until it holds or d elapses.
func waitFor(t *testing.T, d time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out after %s waiting for %s", d, what)
}

// leaderOf returns the leader id a tab believes in, or 0.
func leaderOf(tb *tab) int64 {
	id, ok := tb.agent.LeaderID()
	if !ok {
		return 0
	}
	return id
}
