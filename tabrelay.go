package tabrelay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jpalmerr/tabrelay/internal/aggregator"
	"github.com/jpalmerr/tabrelay/internal/election"
	"github.com/jpalmerr/tabrelay/internal/keyspace"
	"github.com/jpalmerr/tabrelay/internal/relay"
)

const (
	// DefaultTimeout is the liveness timeout used when none is configured.
	DefaultTimeout = 2 * time.Second

	// storeOpTimeout bounds store calls made outside the agent loop.
	storeOpTimeout = 5 * time.Second

	// connectTimeout bounds a single Connect attempt by a new leader. The
	// attempt is also capped at a quarter of the liveness timeout so a dead
	// push server cannot stall heartbeats.
	connectTimeout = 5 * time.Second

	// inboundBuffer is the queue between the transport and the agent loop.
	inboundBuffer = 256

	// maxTabID keeps ids exactly representable as float64, so peers written
	// in other languages agree on the ordering.
	maxTabID = 1<<53 - 1
)

type inboundMessage struct {
	channel string
	message json.RawMessage
}

// Agent coordinates one tab with every other tab sharing its store and
// namespace.
//
// Exactly one agent at a time (the leader) holds the transport connection.
// It subscribes to the union of every tab's channels and copies each inbound
// message into the shared store, from which every tab, the leader included,
// dispatches it to local handlers. Any agent may publish.
//
// The typical lifecycle is:
//
//	agent, err := tabrelay.New(transport, tabrelay.WithStore(st))
//	if err != nil {
//	    // store unavailable: fall back to a per-tab connection
//	}
//	if err := agent.Start(ctx); err != nil { ... }
//	defer agent.Close()
//
//	agent.On("news", func(msg json.RawMessage) { ... })
//
// All methods are safe for concurrent use. Handlers run on the agent's loop
// goroutine and may call On, Off, Emit and Close.
type Agent struct {
	id        int64
	layout    keyspace.Layout
	store     Store
	transport Transport
	timeout   time.Duration
	logger    *slog.Logger

	now   func() time.Time
	nonce func() int64

	dispatcher *relay.Dispatcher
	inbound    chan inboundMessage
	closing    chan struct{}

	// dispatching counts handler calls in flight on the loop goroutine.
	dispatching atomic.Int32

	mu        sync.Mutex
	channels  aggregator.ChannelSet
	tracker   aggregator.Tracker
	leader    election.Pointer
	hasLeader bool
	leading   bool
	connected bool
	started   bool
	closed    bool
	cancel    context.CancelFunc
	loopDone  chan struct{}
	stopWatch func()
}

// New creates an [Agent] that drives transport when it leads.
//
// [WithStore] is required. New probes the store with a write and a remove;
// if the store is missing or fails the probe, New returns an error wrapping
// [ErrStoreUnavailable] and no agent is built.
//
// The agent does not take part in elections until [Agent.Start] is called.
func New(transport Transport, opts ...Option) (*Agent, error) {
	if transport == nil {
		return nil, errors.New("transport is required")
	}

	cfg := &agentConfig{
		namespace: keyspace.DefaultPrefix,
		timeout:   DefaultTimeout,
	}
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}

	if cfg.store == nil {
		return nil, fmt.Errorf("%w: no store configured", ErrStoreUnavailable)
	}

	id := cfg.tabID
	if id == 0 {
		id = rand.Int64N(maxTabID) + 1
	}

	logger := cfg.logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("tab_id", id)

	a := &Agent{
		id:         id,
		layout:     keyspace.New(cfg.namespace),
		store:      cfg.store,
		transport:  transport,
		timeout:    cfg.timeout,
		logger:     logger,
		now:        time.Now,
		nonce:      rand.Int64,
		dispatcher: relay.NewDispatcher(logger),
		inbound:    make(chan inboundMessage, inboundBuffer),
		closing:    make(chan struct{}),
	}

	if err := a.probe(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return a, nil
}

// probe checks that the store accepts writes.
func (a *Agent) probe() error {
	ctx, cancel := context.WithTimeout(context.Background(), storeOpTimeout)
	defer cancel()

	key := fmt.Sprintf("%sprobe_%d", a.layout.Prefix(), a.id)
	if err := a.store.Set(ctx, key, "1"); err != nil {
		return err
	}
	return a.store.Remove(ctx, key)
}

// TabID returns this agent's tab id.
func (a *Agent) TabID() int64 { return a.id }

// UpdateInterval returns the heartbeat period, half the liveness timeout.
func (a *Agent) UpdateInterval() time.Duration { return a.timeout / 2 }

// LeaderID returns the last known leader. ok is false while no leader is known.
func (a *Agent) LeaderID() (id int64, ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.leader.ID, a.hasLeader
}

// IsLeader reports whether this agent currently leads.
func (a *Agent) IsLeader() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.leading
}

// Channels returns the channels this tab has handlers for, sorted.
func (a *Agent) Channels() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.channels.Sorted()
}

// Start joins the election and begins the heartbeat loop.
//
// Start runs the first liveness check synchronously, then returns; the loop
// continues in the background until ctx is cancelled or [Agent.Close] is
// called. Cancelling ctx stops the loop but does not remove this tab's
// records; call Close for a clean departure. Start is idempotent.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return ErrClosed
	}
	if a.started {
		a.mu.Unlock()
		return nil
	}
	a.started = true

	changes, stopWatch := a.store.Watch()
	loopCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.stopWatch = stopWatch
	a.loopDone = make(chan struct{})
	a.mu.Unlock()

	a.logger.Info("agent starting",
		"namespace", a.layout.Prefix(),
		"timeout", a.timeout.String(),
	)

	a.checkMaster(loopCtx)
	go a.loop(loopCtx, changes)
	return nil
}

// loop serialises timer ticks, store changes and transport messages, the way
// a single tab processes events one at a time.
func (a *Agent) loop(ctx context.Context, changes <-chan Change) {
	defer close(a.loopDone)

	ticker := time.NewTicker(a.UpdateInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.checkMaster(ctx)
		case c, ok := <-changes:
			if !ok {
				a.logger.Warn("store change feed closed")
				changes = nil
				continue
			}
			a.handleChange(ctx, c)
		case m := <-a.inbound:
			a.relayInbound(ctx, m)
		}
	}
}

// checkMaster refreshes this tab's heartbeat, sweeps stale tabs and elects a
// leader if none is valid.
func (a *Agent) checkMaster(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return
	}

	now := a.now()
	if err := a.store.Set(ctx, a.layout.Heartbeat(a.id), election.FormatHeartbeat(now)); err != nil {
		a.logger.Warn("heartbeat write failed", "error", err)
		return
	}
	// restores a channel set swept while this tab was stalled; the store
	// stays silent when the value is unchanged
	if a.channels.Len() > 0 {
		a.persistChannelsLocked(ctx)
	}

	raw, _, err := a.store.Get(ctx, a.layout.Master())
	if err != nil {
		a.logger.Warn("leader read failed", "error", err)
		return
	}

	alive, err := a.sweepLocked(ctx, now)
	if err != nil {
		a.logger.Warn("liveness scan failed", "error", err)
		return
	}

	ptr, ok := election.ParsePointer(raw)
	if ok && election.Valid(ptr, alive) {
		a.observeLeaderLocked(ctx, ptr)
		return
	}

	a.logger.Debug("no valid leader", "pointer", raw, "alive", alive)
	a.electLocked(ctx, alive, ptr.Epoch)
}

// sweepLocked returns the alive tab ids and deletes the records of stale tabs,
// including channel sets left behind without a heartbeat.
func (a *Agent) sweepLocked(ctx context.Context, now time.Time) ([]int64, error) {
	// channel sets are listed first: a tab writes its heartbeat before its
	// channel set, so a set listed here has a heartbeat listed below
	var keys []string
	for _, prefix := range []string{a.layout.ChannelsPrefix(), a.layout.HeartbeatPrefix()} {
		found, err := a.store.Keys(ctx, prefix)
		if err != nil {
			return nil, err
		}
		keys = append(keys, found...)
	}

	snapshot := make(map[string]string, len(keys))
	for _, k := range keys {
		v, ok, err := a.store.Get(ctx, k)
		if err != nil {
			return nil, err
		}
		if ok {
			snapshot[k] = v
		}
	}

	res := election.Sweep(snapshot, a.layout, now, a.timeout)
	for _, k := range res.Stale {
		if err := a.store.Remove(ctx, k); err != nil {
			a.logger.Warn("stale record removal failed", "key", k, "error", err)
			continue
		}
		a.logger.Debug("removed stale record", "key", k)
	}
	return res.Alive, nil
}

// electLocked picks the smallest alive id. Only the winner writes the
// pointer; everyone else waits to observe it.
func (a *Agent) electLocked(ctx context.Context, alive []int64, lastEpoch uint64) {
	winner, _ := election.Elect(append(alive, a.id))
	if winner != a.id {
		a.hasLeader = false
		if a.leading {
			a.stepDownLocked("smaller tab is alive")
		}
		return
	}

	p := election.Pointer{ID: a.id, Epoch: max(lastEpoch, a.leader.Epoch) + 1}
	if err := a.store.Set(ctx, a.layout.Master(), p.String()); err != nil {
		a.logger.Warn("leader write failed", "error", err)
		return
	}
	a.logger.Info("elected leader", "epoch", p.Epoch)
	a.onMasterChangedLocked(ctx, p, true)
}

// observeLeaderLocked handles a valid pointer read during a liveness check.
func (a *Agent) observeLeaderLocked(ctx context.Context, ptr election.Pointer) {
	if ptr == a.leader && a.hasLeader {
		switch {
		case a.leading && !a.connected:
			a.becomeLeaderLocked(ctx)
		case a.leading:
			// picks up channel sets removed by a sweep, which notify nobody
			// when this tab did the removing
			a.reconcileLocked(ctx)
		}
		return
	}
	a.onMasterChangedLocked(ctx, ptr, true)
}

// onMasterChangedLocked applies a new leader pointer, whether elected here or
// observed from another tab. present is false when the pointer was cleared.
func (a *Agent) onMasterChangedLocked(ctx context.Context, ptr election.Pointer, present bool) {
	if !present {
		alive, err := a.sweepLocked(ctx, a.now())
		if err != nil {
			a.logger.Warn("liveness scan failed", "error", err)
			return
		}
		a.electLocked(ctx, alive, a.leader.Epoch)
		return
	}

	prev := a.leader
	a.leader = ptr
	a.hasLeader = true

	if ptr.ID != a.id {
		if a.leading {
			a.stepDownLocked("superseded")
		}
		if prev.ID != ptr.ID {
			a.logger.Info("leader changed", "leader_id", ptr.ID, "epoch", ptr.Epoch)
		}
		return
	}

	if !a.leading {
		a.leading = true
		a.becomeLeaderLocked(ctx)
	}
}

// becomeLeaderLocked connects the transport and subscribes to the union of
// every tab's channels.
func (a *Agent) becomeLeaderLocked(ctx context.Context) {
	a.transport.SetMessageHandler(a.onTransportMessage)

	cctx, cancel := context.WithTimeout(ctx, min(connectTimeout, a.timeout/4))
	err := a.transport.Connect(cctx)
	cancel()
	if err != nil {
		a.connected = false
		a.logger.Warn("transport connect failed, retrying next tick", "error", err)
		return
	}
	a.connected = true
	a.logger.Info("transport connected")
	a.reconcileLocked(ctx)
}

// stepDownLocked gives up leadership.
func (a *Agent) stepDownLocked(reason string) {
	a.leading = false
	a.connected = false
	a.tracker.Reset()
	a.transport.SetMessageHandler(nil)

	if d, ok := a.transport.(Disconnector); ok {
		if err := d.Disconnect(); err != nil {
			a.logger.Warn("transport disconnect failed", "error", err)
		}
	}
	a.logger.Info("stepped down", "reason", reason)
}

// reconcileLocked aligns the transport's subscriptions with the union of all
// tabs' channel sets. Only a connected leader reconciles.
func (a *Agent) reconcileLocked(ctx context.Context) {
	if !a.leading || !a.connected {
		return
	}

	keys, err := a.store.Keys(ctx, a.layout.ChannelsPrefix())
	if err != nil {
		a.logger.Warn("channel scan failed", "error", err)
		return
	}

	sets := make([][]string, 0, len(keys))
	for _, k := range keys {
		v, ok, err := a.store.Get(ctx, k)
		if err != nil {
			a.logger.Warn("channel set read failed", "key", k, "error", err)
			return
		}
		if !ok {
			continue
		}
		channels, err := aggregator.Decode(v)
		if err != nil {
			a.logger.Warn("ignoring malformed channel set", "key", k, "error", err)
			continue
		}
		sets = append(sets, channels)
	}

	added, removed, err := a.tracker.Reconcile(ctx, aggregator.Union(sets...), a.transport)
	if len(added) > 0 || len(removed) > 0 {
		a.logger.Debug("subscriptions reconciled", "added", added, "removed", removed)
	}
	if err != nil {
		a.logger.Warn("subscription reconcile incomplete", "error", err)
	}
}

// handleChange reacts to a key written by another tab.
func (a *Agent) handleChange(ctx context.Context, c Change) {
	switch {
	case c.Key == a.layout.Master():
		ptr, ok := election.ParsePointer(c.Value)
		a.mu.Lock()
		if !a.closed {
			a.onMasterChangedLocked(ctx, ptr, ok && !c.Deleted)
		}
		a.mu.Unlock()

	case strings.HasPrefix(c.Key, a.layout.ChannelsPrefix()):
		a.mu.Lock()
		if !a.closed {
			a.reconcileLocked(ctx)
		}
		a.mu.Unlock()

	case c.Key == a.layout.Data() && !c.Deleted:
		env, err := relay.Decode(c.Value)
		if err != nil {
			a.logger.Warn("ignoring malformed relay", "error", err)
			return
		}
		a.dispatch(env.Channel, env.Message)
	}
}

// dispatch runs local handlers. Closed agents deliver nothing.
func (a *Agent) dispatch(channel string, message json.RawMessage) {
	a.mu.Lock()
	closed := a.closed
	a.mu.Unlock()
	if closed {
		return
	}

	a.dispatching.Add(1)
	defer a.dispatching.Add(-1)
	a.dispatcher.Dispatch(channel, message)
}

// onTransportMessage is installed on the transport while this tab leads.
func (a *Agent) onTransportMessage(channel string, message json.RawMessage) {
	select {
	case a.inbound <- inboundMessage{channel: channel, message: message}:
	case <-a.closing:
	}
}

// relayInbound writes a transport message to the shared store and dispatches
// it locally, since the store never notifies the writer.
func (a *Agent) relayInbound(ctx context.Context, m inboundMessage) {
	a.mu.Lock()
	if !a.leading {
		a.mu.Unlock()
		a.logger.Debug("dropping message received while not leading", "channel", m.channel)
		return
	}
	value, err := relay.Encode(m.channel, m.message, a.nonce())
	if err == nil {
		err = a.store.Set(ctx, a.layout.Data(), value)
	}
	a.mu.Unlock()

	if err != nil {
		a.logger.Warn("relay write failed", "channel", m.channel, "error", err)
		return
	}
	a.dispatch(m.channel, m.message)
}

// On registers handler for channel and returns a reference for [Agent.Off].
// The first handler for a channel adds the channel to this tab's set, which
// the leader folds into the transport subscriptions.
func (a *Agent) On(channel string, handler Handler, opts ...HandlerOption) HandlerRef {
	hc := handlerConfig{}
	for _, opt := range opts {
		opt(&hc)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	id, first := a.dispatcher.Add(channel, hc.namespace, relay.Handler(handler))
	if first && a.channels.Add(channel) {
		a.channelsChangedLocked()
	}
	return HandlerRef{ID: id, Namespace: hc.namespace}
}

// Off removes handlers from channel. With no refs every handler on channel
// is removed. When no handler remains the channel leaves this tab's set.
func (a *Agent) Off(channel string, refs ...HandlerRef) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(refs) == 0 {
		a.dispatcher.Remove(channel, relay.Selector{})
	}
	for _, ref := range refs {
		if ref == (HandlerRef{}) {
			continue
		}
		a.dispatcher.Remove(channel, relay.Selector{ID: ref.ID, Namespace: ref.Namespace})
	}

	if !a.dispatcher.Has(channel) && a.channels.Remove(channel) {
		a.channelsChangedLocked()
	}
}

// channelsChangedLocked persists the channel set and, on the leader,
// reconciles right away since the leader's own write does not notify it.
func (a *Agent) channelsChangedLocked() {
	if a.closed || !a.started {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeOpTimeout)
	defer cancel()

	a.persistChannelsLocked(ctx)
	a.reconcileLocked(ctx)
}

func (a *Agent) persistChannelsLocked(ctx context.Context) {
	if err := a.store.Set(ctx, a.layout.Channels(a.id), a.channels.Encode()); err != nil {
		a.logger.Warn("channel set write failed", "error", err)
	}
}

// Emit publishes data on channel through the transport. Leadership is not
// required. data is sent as JSON: a [json.RawMessage] or []byte holding JSON is
// passed through, anything else is marshalled.
func (a *Agent) Emit(ctx context.Context, channel string, data any) error {
	a.mu.Lock()
	closed := a.closed
	a.mu.Unlock()
	if closed {
		return ErrClosed
	}

	payload, err := encodePayload(data)
	if err != nil {
		return fmt.Errorf("emit %q: %w", channel, err)
	}
	if err := a.transport.Publish(ctx, channel, payload); err != nil {
		return fmt.Errorf("emit %q: %w", channel, err)
	}
	return nil
}

func encodePayload(data any) (json.RawMessage, error) {
	var raw []byte
	switch v := data.(type) {
	case json.RawMessage:
		raw = v
	case []byte:
		raw = v
	default:
		return json.Marshal(data)
	}
	if !json.Valid(raw) {
		return nil, errors.New("payload is not valid JSON")
	}
	return raw, nil
}

// Close removes this tab from the protocol: it stops the loop, deletes its
// heartbeat and channel set and, if it leads, clears the leader pointer so
// the remaining tabs elect a successor at once. Close is idempotent.
//
// Called from a handler, Close does not wait for the loop, which exits once
// the handler returns.
func (a *Agent) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	close(a.closing)
	cancel, loopDone, stopWatch := a.cancel, a.loopDone, a.stopWatch
	a.mu.Unlock()

	if cancel != nil {
		cancel()
		// the loop is blocked on this call while a handler runs
		if a.dispatching.Load() == 0 {
			<-loopDone
		}
		stopWatch()
	}

	ctx, cancelOp := context.WithTimeout(context.Background(), storeOpTimeout)
	defer cancelOp()

	a.mu.Lock()
	defer a.mu.Unlock()

	var errs []error
	for _, k := range []string{a.layout.Heartbeat(a.id), a.layout.Channels(a.id)} {
		if err := a.store.Remove(ctx, k); err != nil {
			errs = append(errs, err)
		}
	}

	if a.leading {
		raw, _, err := a.store.Get(ctx, a.layout.Master())
		if err != nil {
			errs = append(errs, err)
		} else if ptr, ok := election.ParsePointer(raw); ok && ptr.ID == a.id {
			if err := a.store.Remove(ctx, a.layout.Master()); err != nil {
				errs = append(errs, err)
			}
		}
		a.stepDownLocked("closed")
	}

	a.logger.Info("agent closed")
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("close: %w", err)
	}
	return nil
}
