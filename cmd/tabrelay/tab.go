package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jpalmerr/tabrelay"
	"github.com/jpalmerr/tabrelay/config"
	"github.com/jpalmerr/tabrelay/internal/logging"
)

// tabCmd runs a single tab.
var tabCmd = &cobra.Command{
	Use:   "tab",
	Short: "Run one tab",
	Long: `Run one tab against the configured store and push server.

The tab joins the election, subscribes to the configured channels and prints
every message it receives as "<channel> <json>". Lines read from stdin are
commands:

  <channel> <json>   publish json on channel
  +<channel>         start listening on channel
  -<channel>         stop listening on channel

Start several tabs with the same Redis store and namespace to see one of
them take the push connection while all of them receive messages.

Example:
  tabrelay tab -c config.yaml
  echo 'news {"text":"hi"}' | tabrelay tab -c config.yaml`,
	RunE: runTab,
}

func init() {
	rootCmd.AddCommand(tabCmd)

	tabCmd.Flags().StringP("config", "c", "", "path to config file (required)")
	tabCmd.Flags().Int64("id", 0, "tab id (random when 0)")
	_ = tabCmd.MarkFlagRequired("config")
}

type commandKind int

const (
	cmdPublish commandKind = iota
	cmdListen
	cmdIgnore
)

// command is one parsed stdin line.
type command struct {
	kind    commandKind
	channel string
	data    json.RawMessage
}

// parseCommand parses a stdin line. Blank lines parse to a no-op.
func parseCommand(line string) (command, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return command{}, nil
	}

	switch line[0] {
	case '+', '-':
		channel := strings.TrimSpace(line[1:])
		if channel == "" {
			return command{}, fmt.Errorf("missing channel after %q", line[0])
		}
		kind := cmdListen
		if line[0] == '-' {
			kind = cmdIgnore
		}
		return command{kind: kind, channel: channel}, nil
	}

	channel, payload, ok := strings.Cut(line, " ")
	payload = strings.TrimSpace(payload)
	if !ok || payload == "" {
		return command{}, fmt.Errorf("expected \"<channel> <json>\", got %q", line)
	}
	if !json.Valid([]byte(payload)) {
		return command{}, fmt.Errorf("payload for %q is not valid JSON", channel)
	}
	return command{kind: cmdPublish, channel: channel, data: json.RawMessage(payload)}, nil
}

// printer serialises handler output.
type printer struct {
	mu  sync.Mutex
	out io.Writer
}

func (p *printer) handler(channel string) tabrelay.Handler {
	return func(msg json.RawMessage) {
		p.mu.Lock()
		defer p.mu.Unlock()
		fmt.Fprintf(p.out, "%s %s\n", channel, msg)
	}
}

func runTab(cmd *cobra.Command, args []string) error {
	configFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := newLogger(cmd, cfg.LogLevel)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	wiring, err := config.Build(ctx, cfg, logger)
	if err != nil {
		err = logging.WrapError(err, "failed to build tab")
		logger.Error("tab setup failed", "error", err)
		return err
	}
	defer wiring.Close()

	opts := wiring.Options
	if id, _ := cmd.Flags().GetInt64("id"); id != 0 {
		opts = append(opts, tabrelay.WithTabID(id))
	}

	agent, err := tabrelay.New(wiring.Transport, opts...)
	if err != nil {
		err = logging.WrapError(err, "failed to create agent")
		logger.Error("tab setup failed", "error", err)
		return err
	}

	out := &printer{out: cmd.OutOrStdout()}
	return runAgent(ctx, agent, cfg.Channels, cmd.InOrStdin(), out, logger)
}

// runAgent starts agent, listens on channels and executes stdin commands
// until ctx is done. Reaching the end of stdin does not stop the tab.
func runAgent(ctx context.Context, agent *tabrelay.Agent, channels []string, in io.Reader, out *printer, logger *slog.Logger) error {
	for _, ch := range channels {
		agent.On(ch, out.handler(ch))
	}

	if err := agent.Start(ctx); err != nil {
		return fmt.Errorf("failed to start agent: %w", err)
	}
	defer func() {
		if err := agent.Close(); err != nil {
			logger.Warn("agent close failed", "error", err)
		}
	}()

	leader, _ := agent.LeaderID()
	logger.Info("tab running",
		"leader_id", leader,
		"is_leader", agent.IsLeader(),
		"channels", channels,
	)

	// the scanner blocks on stdin, so it runs outside the group
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			logger.Warn("stdin read failed", "error", err)
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case line, ok := <-lines:
				if !ok {
					logger.Debug("stdin closed")
					return nil
				}
				execute(gctx, agent, line, out, logger)
			}
		}
	})
	g.Go(func() error {
		watchLeader(gctx, agent, logger)
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("tab stopping")
	return nil
}

// watchLeader logs leadership changes until ctx is done.
func watchLeader(ctx context.Context, agent *tabrelay.Agent, logger *slog.Logger) {
	ticker := time.NewTicker(agent.UpdateInterval())
	defer ticker.Stop()

	last, _ := agent.LeaderID()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			id, ok := agent.LeaderID()
			if !ok || id == last {
				continue
			}
			logger.Info("leader changed", "from", last, "to", id, "is_leader", agent.IsLeader())
			last = id
		}
	}
}

func execute(ctx context.Context, agent *tabrelay.Agent, line string, out *printer, logger *slog.Logger) {
	c, err := parseCommand(line)
	if err != nil {
		logger.Warn("ignoring input", "error", err)
		return
	}

	switch {
	case c.channel == "":
	case c.kind == cmdListen:
		agent.On(c.channel, out.handler(c.channel))
	case c.kind == cmdIgnore:
		agent.Off(c.channel)
	default:
		if err := agent.Emit(ctx, c.channel, c.data); err != nil {
			logger.Warn("publish failed", "channel", c.channel, "error", err)
		}
	}
}
