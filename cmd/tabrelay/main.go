// Package main is the entry point for the tabrelay CLI.
//
// tabrelay is primarily a library; this CLI runs the pieces around it: a
// push server, a single tab process, and an in-process simulation.
//
// Usage:
//
//	tabrelay serve -c config.yaml    # Start the push server
//	tabrelay tab -c config.yaml      # Run one tab against the shared store
//	tabrelay simulate --tabs 5       # Elect and relay in-process, then exit
//	tabrelay validate -c config.yaml # Validate configuration
//	tabrelay version                 # Show version info
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/jpalmerr/tabrelay/internal/logging"
)

// Version information - set by GoReleaser at build time via ldflags.
// Example: go build -ldflags "-X main.version=1.0.0"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// rootCmd is the base command when called without subcommands.
var rootCmd = &cobra.Command{
	Use:   "tabrelay",
	Short: "Leader election and message relay across tabs",
	Long: `tabrelay lets many tabs share one push connection.

Tabs heartbeat into a shared store, elect the smallest live id as leader,
and the leader alone holds the push connection. Messages it receives are
written back to the store and dispatched by every tab.

Quick start:
  1. Run a push server:      tabrelay serve -c tabrelay.yaml
  2. Start two or more tabs: tabrelay tab -c tabrelay.yaml
  3. Type "news {\"text\":\"hi\"}" into any tab

Example config:
  namespace: live_
  timeout: 2s
  channels: [news]
  store:
    type: redis
    addr: ${REDIS_ADDR:-localhost:6379}
  transport:
    url: ws://localhost:8090/ws`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		// Cobra already prints the error, just exit with code 1
		os.Exit(1)
	}
}

func main() {
	Execute()
}

// versionCmd prints version information.
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  `Print the version, commit hash, and build date of this tabrelay binary.`,
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "tabrelay %s\n", version)
		fmt.Fprintf(out, "  commit: %s\n", commit)
		fmt.Fprintf(out, "  built:  %s\n", date)
	},
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "", "log level: debug, info, warn, error (overrides config)")
	rootCmd.AddCommand(versionCmd)
}

// newLogger creates a JSON logger on stderr. The --log-level flag wins over
// the configured level.
func newLogger(cmd *cobra.Command, configured string) (*slog.Logger, error) {
	level := configured
	if flag, _ := cmd.Flags().GetString("log-level"); flag != "" {
		level = flag
	}
	lvl, err := logging.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	return logging.New(cmd.ErrOrStderr(), lvl), nil
}
