package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jpalmerr/tabrelay"
	"github.com/jpalmerr/tabrelay/internal/pushserver"
)

// simulateCmd runs a self-contained demo.
var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run an in-process election and relay demo",
	Long: `Start a push server and several tabs sharing an in-memory store,
wait for them to elect a leader, publish one message and report which tabs
received it. With --handoff the leader is then closed and the demo repeats
with its successor.

Example:
  tabrelay simulate --tabs 5 --channel news --message '{"text":"hi"}'`,
	RunE: runSimulate,
}

func init() {
	rootCmd.AddCommand(simulateCmd)

	simulateCmd.Flags().Int("tabs", 3, "number of tabs")
	simulateCmd.Flags().String("channel", "news", "channel to relay")
	simulateCmd.Flags().String("message", `"hello"`, "JSON message to publish")
	simulateCmd.Flags().Duration("timeout", 500*time.Millisecond, "tab liveness timeout")
	simulateCmd.Flags().Bool("handoff", false, "close the leader and relay again")
}

// simulation holds the tabs of one run.
type simulation struct {
	server   *pushserver.Server
	agents   []*tabrelay.Agent
	received []atomic.Int64
	closed   []bool
	channel  string
	timeout  time.Duration
	out      io.Writer
}

func runSimulate(cmd *cobra.Command, args []string) error {
	tabs, _ := cmd.Flags().GetInt("tabs")
	channel, _ := cmd.Flags().GetString("channel")
	message, _ := cmd.Flags().GetString("message")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	handoff, _ := cmd.Flags().GetBool("handoff")

	if tabs < 1 {
		return fmt.Errorf("--tabs must be at least 1, got %d", tabs)
	}
	if handoff && tabs < 2 {
		return errors.New("--handoff needs at least 2 tabs")
	}
	if !json.Valid([]byte(message)) {
		return fmt.Errorf("--message is not valid JSON: %s", message)
	}

	logger, err := newLogger(cmd, "warn")
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sim, err := startSimulation(ctx, tabs, channel, timeout, cmd.OutOrStdout(), logger)
	if err != nil {
		return err
	}
	defer sim.close()

	if err := sim.relay(json.RawMessage(message)); err != nil {
		return err
	}
	if !handoff {
		return nil
	}

	if err := sim.closeLeader(); err != nil {
		return err
	}
	return sim.relay(json.RawMessage(message))
}

func startSimulation(ctx context.Context, tabs int, channel string, timeout time.Duration, out io.Writer, logger *slog.Logger) (*simulation, error) {
	srv := pushserver.NewServer(0, 0, nil, "", logger)
	if err := srv.Start(ctx); err != nil {
		return nil, fmt.Errorf("start push server: %w", err)
	}
	url := fmt.Sprintf("ws://127.0.0.1:%d/ws", srv.Addr().(*net.TCPAddr).Port)

	sim := &simulation{
		server:   srv,
		agents:   make([]*tabrelay.Agent, tabs),
		received: make([]atomic.Int64, tabs),
		closed:   make([]bool, tabs),
		channel:  channel,
		timeout:  timeout,
		out:      out,
	}

	backend := tabrelay.NewMemoryBackend()
	for i := range tabs {
		agent, err := tabrelay.New(tabrelay.NewWebSocketTransport(url, logger),
			tabrelay.WithStore(backend.Open()),
			tabrelay.WithTimeout(timeout),
			tabrelay.WithLogger(logger),
		)
		if err != nil {
			sim.close()
			return nil, fmt.Errorf("create tab %d: %w", i, err)
		}
		counter := &sim.received[i]
		agent.On(channel, func(json.RawMessage) { counter.Add(1) })
		sim.agents[i] = agent
	}

	// agents outlive the group, so they run on ctx rather than a group context
	var g errgroup.Group
	for _, agent := range sim.agents {
		g.Go(func() error { return agent.Start(ctx) })
	}
	if err := g.Wait(); err != nil {
		sim.close()
		return nil, fmt.Errorf("start tabs: %w", err)
	}
	return sim, nil
}

// relay waits for an agreed, subscribed leader, publishes msg and reports
// the fan-out.
func (s *simulation) relay(msg json.RawMessage) error {
	deadline := 10 * s.timeout

	if !poll(deadline, func() bool { return s.leader() != nil }) {
		return errors.New("tabs did not agree on a leader")
	}
	leader := s.leader()
	fmt.Fprintf(s.out, "leader: tab %d of %d live tabs\n", leader.TabID(), len(s.live()))

	if !poll(deadline, func() bool { return s.server.Hub().Subscribers(s.channel) == 1 }) {
		return fmt.Errorf("leader did not subscribe to %q", s.channel)
	}

	before := s.snapshot()
	if _, err := s.server.Hub().Publish(s.channel, msg); err != nil {
		return fmt.Errorf("publish: %w", err)
	}

	live := s.live()
	poll(deadline, func() bool {
		after := s.snapshot()
		for _, i := range live {
			if after[i] == before[i] {
				return false
			}
		}
		return true
	})

	after := s.snapshot()
	delivered := 0
	for _, i := range live {
		got := after[i] - before[i]
		if got > 0 {
			delivered++
		}
		fmt.Fprintf(s.out, "  tab %d received %d\n", s.agents[i].TabID(), got)
	}
	fmt.Fprintf(s.out, "delivered to %d/%d tabs\n", delivered, len(live))
	if delivered != len(live) {
		return fmt.Errorf("message reached %d of %d tabs", delivered, len(live))
	}
	return nil
}

// leader returns the leading agent once every live tab agrees on it.
func (s *simulation) leader() *tabrelay.Agent {
	var (
		agreed int64
		found  *tabrelay.Agent
	)
	for _, i := range s.live() {
		a := s.agents[i]
		id, ok := a.LeaderID()
		if !ok || (agreed != 0 && id != agreed) {
			return nil
		}
		agreed = id
		if a.IsLeader() {
			found = a
		}
	}
	return found
}

// live returns the indexes of agents that have not been closed.
func (s *simulation) live() []int {
	var out []int
	for i := range s.agents {
		if !s.closed[i] {
			out = append(out, i)
		}
	}
	return out
}

// closeLeader closes the current leader so its successor takes over.
func (s *simulation) closeLeader() error {
	for _, i := range s.live() {
		a := s.agents[i]
		if !a.IsLeader() {
			continue
		}
		fmt.Fprintf(s.out, "closing leader tab %d\n", a.TabID())
		s.closed[i] = true
		if err := a.Close(); err != nil {
			return fmt.Errorf("close leader: %w", err)
		}
		return nil
	}
	return errors.New("no leader to close")
}

func (s *simulation) snapshot() []int64 {
	out := make([]int64, len(s.received))
	for i := range s.received {
		out[i] = s.received[i].Load()
	}
	return out
}

func (s *simulation) close() {
	for _, a := range s.agents {
		if a != nil {
			_ = a.Close()
		}
	}
}

func poll(d time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return cond()
}
