package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jpalmerr/tabrelay"
)

func main() {
	// three tabs share one in-process store and one mock price feed
	// (see mock_feed.go)
	feed := newMockFeed()
	backend := tabrelay.NewMemoryBackend()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	watch := map[string][]string{
		"tab-a": {"BTC"},
		"tab-b": {"ETH"},
		"tab-c": {"BTC", "ETH"},
	}

	var agents []*tabrelay.Agent
	for _, name := range []string{"tab-a", "tab-b", "tab-c"} {
		agent, err := tabrelay.New(feed.Transport(),
			tabrelay.WithStore(backend.Open()),
			tabrelay.WithTimeout(time.Second),
			tabrelay.WithLogger(slog.Default().With("tab", name)),
		)
		if err != nil {
			slog.Error("failed to create agent", "tab", name, "error", err)
			os.Exit(1)
		}
		for _, symbol := range watch[name] {
			agent.On(symbol, func(msg json.RawMessage) {
				fmt.Printf("  %s  %s\n", name, msg)
			})
		}
		if err := agent.Start(ctx); err != nil {
			slog.Error("failed to start agent", "tab", name, "error", err)
			os.Exit(1)
		}
		defer agent.Close()
		agents = append(agents, agent)
	}

	leader, _ := agents[0].LeaderID()

	fmt.Println()
	fmt.Println("  ╔═══════════════════════════════════════════════════════╗")
	fmt.Println("  ║                                                       ║")
	fmt.Println("  ║   tabrelay Demo                                       ║")
	fmt.Println("  ║                                                       ║")
	fmt.Println("  ║   3 tabs, 1 feed connection (held by the leader)      ║")
	fmt.Println("  ║   tab-a: BTC   tab-b: ETH   tab-c: BTC + ETH          ║")
	fmt.Println("  ║                                                       ║")
	fmt.Println("  ║   Press Ctrl+C to stop                                ║")
	fmt.Println("  ║                                                       ║")
	fmt.Println("  ╚═══════════════════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("  leader: tab %d, feed connections: %d\n\n", leader, feed.Connections())

	feed.Run(ctx, 2*time.Second, "BTC", "ETH")
}
